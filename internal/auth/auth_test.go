package auth

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := New([]byte("test-jwt-secret"), key, time.Hour, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestRegisterThenVerifyRoundTrips(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	userID, token, err := s.Register(ctx, "sk-provider-key", 1536)
	require.NoError(t, err)
	assert.NotEmpty(t, userID)
	assert.NotEmpty(t, token)

	got, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	s := newTestService(t)
	_, token, err := s.Register(context.Background(), "sk-provider-key", 1536)
	require.NoError(t, err)

	_, err = s.Verify(token + "x")
	assert.Error(t, err)
}

func TestRegisterEncryptsProviderKeyAtRest(t *testing.T) {
	s := newTestService(t)
	userID, _, err := s.Register(context.Background(), "sk-super-secret", 1536)
	require.NoError(t, err)

	s.mu.RLock()
	cred := s.credentials[userID]
	s.mu.RUnlock()
	require.NotNil(t, cred)
	assert.NotContains(t, string(cred.CipherText), "sk-super-secret")

	plain, err := s.ProviderAPIKey(userID)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret", plain)
}

func TestRefreshIssuesNewToken(t *testing.T) {
	s := newTestService(t)
	_, token, err := s.Register(context.Background(), "sk-provider-key", 1536)
	require.NoError(t, err)

	refreshed, err := s.Refresh(token)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed)

	userID, err := s.Verify(refreshed)
	require.NoError(t, err)
	assert.NotEmpty(t, userID)
}

func TestNewRejectsMissingJWTSecret(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := New(nil, key, time.Hour, zap.NewNop())
	assert.Error(t, err)
}

func TestNewRejectsInvalidEncryptionKeyLength(t *testing.T) {
	_, err := New([]byte("secret"), []byte("too-short"), time.Hour, zap.NewNop())
	assert.Error(t, err)
}
