package crypto

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/models"
)

func newProvider(t *testing.T, fill byte) *StaticKeyProvider {
	t.Helper()
	p, err := NewStaticKeyProvider(bytes.Repeat([]byte{fill}, KeySize))
	require.NoError(t, err)
	return p
}

func encryptedConv(id int) models.Conversation {
	return models.Conversation{ID: id, Encrypted: true}
}

func TestSealOpenRoundTrip(t *testing.T) {
	enc := NewEncryptor(newProvider(t, 1), true, time.Second)
	ctx := context.Background()

	for _, plain := range []string{"hi", "ünïcødé ✓", string(bytes.Repeat([]byte("x"), 4096))} {
		env, err := enc.Seal(ctx, encryptedConv(7), plain)
		require.NoError(t, err)
		assert.True(t, env.Encrypted)
		assert.Len(t, env.IV, ivSize)
		assert.Len(t, env.AuthTag, tagSize)
		assert.NotContains(t, string(env.Ciphertext), plain)

		got, err := enc.Open(ctx, 7, env)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestOpenWithForeignKeyFails(t *testing.T) {
	ctx := context.Background()
	env, err := NewEncryptor(newProvider(t, 1), true, 0).Seal(ctx, encryptedConv(7), "secret")
	require.NoError(t, err)

	foreign := NewEncryptor(newProvider(t, 2), true, 0)
	for i := 0; i < 3; i++ {
		_, err = foreign.Open(ctx, 7, env)
		assert.ErrorIs(t, err, ErrDecrypt)
	}
}

func TestOpenRejectsOtherConversationAndTampering(t *testing.T) {
	ctx := context.Background()
	enc := NewEncryptor(newProvider(t, 1), true, 0)
	env, err := enc.Seal(ctx, encryptedConv(7), "secret")
	require.NoError(t, err)

	_, err = enc.Open(ctx, 8, env)
	assert.ErrorIs(t, err, ErrDecrypt)

	tampered := env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	_, err = enc.Open(ctx, 7, tampered)
	assert.ErrorIs(t, err, ErrDecrypt)

	scrubbed := models.Envelope{Encrypted: true}
	_, err = enc.Open(ctx, 7, scrubbed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSealPassThrough(t *testing.T) {
	ctx := context.Background()

	disabled := NewEncryptor(newProvider(t, 1), false, 0)
	env, err := disabled.Seal(ctx, encryptedConv(1), "plain")
	require.NoError(t, err)
	assert.Equal(t, models.Envelope{Plaintext: "plain"}, env)

	enabled := NewEncryptor(newProvider(t, 1), true, 0)
	env, err = enabled.Seal(ctx, models.Conversation{ID: 1}, "plain")
	require.NoError(t, err)
	assert.False(t, env.Encrypted)

	got, err := enabled.Open(ctx, 1, env)
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	empty, err := enabled.Seal(ctx, encryptedConv(1), "")
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}

type blockingProvider struct{}

func (blockingProvider) ConversationKey(ctx context.Context, _ int) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSealTimesOut(t *testing.T) {
	enc := NewEncryptor(blockingProvider{}, true, 20*time.Millisecond)

	_, err := enc.Seal(context.Background(), encryptedConv(1), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type countingProvider struct {
	calls int
	inner KeyProvider
}

func (c *countingProvider) ConversationKey(ctx context.Context, id int) ([]byte, error) {
	c.calls++
	return c.inner.ConversationKey(ctx, id)
}

func TestCachingKeyProvider(t *testing.T) {
	counter := &countingProvider{inner: newProvider(t, 3)}
	cache := NewCachingKeyProvider(counter, time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	k1, err := cache.ConversationKey(context.Background(), 5)
	require.NoError(t, err)
	k2, err := cache.ConversationKey(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, 1, counter.calls)

	now = now.Add(2 * time.Minute)
	_, err = cache.ConversationKey(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, counter.calls)
}

func TestStaticKeyProviderRejectsShortMaster(t *testing.T) {
	_, err := NewStaticKeyProvider([]byte("short"))
	assert.Error(t, err)
}
