// Package crypto seals message content into envelopes bound to a
// conversation key and opens them again.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"dm-service/internal/models"
)

const (
	ivSize  = 12
	tagSize = 16
)

// ErrDecrypt is returned whenever an envelope fails authentication.
var ErrDecrypt = errors.New("envelope authentication failed")

// Encryptor turns plaintext into AES-256-GCM envelopes and back.
type Encryptor struct {
	keys    KeyProvider
	enabled bool
	timeout time.Duration
}

// NewEncryptor builds an Encryptor. With enabled=false every envelope is
// stored as plaintext.
func NewEncryptor(keys KeyProvider, enabled bool, timeout time.Duration) *Encryptor {
	return &Encryptor{keys: keys, enabled: enabled && keys != nil, timeout: timeout}
}

// Enabled reports whether new conversations are encrypted.
func (e *Encryptor) Enabled() bool {
	return e.enabled
}

// Seal encrypts plaintext for the conversation. The conversation id is
// authenticated as additional data so an envelope cannot be replayed into
// another conversation.
func (e *Encryptor) Seal(ctx context.Context, conv models.Conversation, plaintext string) (models.Envelope, error) {
	if plaintext == "" {
		return models.Envelope{}, nil
	}
	if !e.enabled || !conv.Encrypted {
		return models.Envelope{Plaintext: plaintext}, nil
	}

	aead, err := e.aead(ctx, conv.ID)
	if err != nil {
		return models.Envelope{}, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return models.Envelope{}, fmt.Errorf("generate iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), additionalData(conv.ID))
	split := len(sealed) - tagSize

	return models.Envelope{
		Encrypted:  true,
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

// Open decrypts an envelope sealed for conversationID.
func (e *Encryptor) Open(ctx context.Context, conversationID int, env models.Envelope) (string, error) {
	if !env.Encrypted {
		return env.Plaintext, nil
	}
	if e.keys == nil {
		return "", errors.New("no key provider configured")
	}
	if len(env.IV) != ivSize || len(env.AuthTag) != tagSize {
		return "", ErrDecrypt
	}

	aead, err := e.aead(ctx, conversationID)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plain, err := aead.Open(nil, env.IV, sealed, additionalData(conversationID))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Opener binds Open to a conversation for models.Render.
func (e *Encryptor) Opener(ctx context.Context, conversationID int) models.Opener {
	return func(env models.Envelope) (string, error) {
		return e.Open(ctx, conversationID, env)
	}
}

func (e *Encryptor) aead(ctx context.Context, conversationID int) (cipher.AEAD, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	key, err := e.keys.ConversationKey(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func additionalData(conversationID int) []byte {
	return []byte("conversation:" + strconv.Itoa(conversationID))
}
