package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue(42, time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, 42, userID)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue(42, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	token, err := NewVerifier("one").Issue(42, time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier("two").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyFallsBackToSubject(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: "7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	userID, err := NewVerifier("secret").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, 7, userID)
}

func TestVerifyRejectsEmpty(t *testing.T) {
	_, err := NewVerifier("secret").Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewVerifier("").Verify("abc")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
