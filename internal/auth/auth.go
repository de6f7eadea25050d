// Package auth implements registration, bearer-token verification and
// refresh, and at-rest encryption of provider API keys.
package auth

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/simplemem/simplemem/internal/memory"
)

// DefaultExpiration is JWT_EXPIRATION_DAYS's default.
const DefaultExpiration = 30 * 24 * time.Hour

// RefreshWindow bounds how close to expiry an existing token may be
// refreshed ("unexpired-or-near-expiry").
const RefreshWindow = 24 * time.Hour

// Claims is the bearer token payload, binding user_id and expiry.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Credential is a registered user's encrypted provider API key.
type Credential struct {
	UserID string
	CipherText []byte
	EmbeddingDim int
	CreatedAt time.Time
}

// Service implements registration/verification/refresh over an
// in-memory credential table, encrypting provider API keys with a
// process-wide AEAD key.
type Service struct {
	jwtSecret []byte
	aead cipher.AEAD
	expiration time.Duration
	logger *zap.Logger

	mu sync.RWMutex
	credentials map[string]*Credential
}

// New builds a Service. jwtSecret signs/verifies bearer tokens;
// encryptionKey must be exactly chacha20poly1305.KeySize (32) bytes
// and is the process-wide AEAD key for stored credentials — it is
// never logged and held in memory only ("Shared resources").
func New(jwtSecret, encryptionKey []byte, expiration time.Duration, logger *zap.Logger) (*Service, error) {
	if len(jwtSecret) == 0 {
		return nil, errors.New("auth: JWT_SECRET_KEY is required")
	}
	aead, err := chacha20poly1305.New(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid ENCRYPTION_KEY: %w", err)
	}
	if expiration == 0 {
		expiration = DefaultExpiration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		jwtSecret: jwtSecret,
		aead: aead,
		expiration: expiration,
		logger: logger,
		credentials: make(map[string]*Credential),
	}, nil
}

// Register encrypts providerAPIKey under a freshly allocated user_id
// and issues a signed bearer token binding it (Registration).
func (s *Service) Register(ctx context.Context, providerAPIKey string, embeddingDim int) (userID, token string, err error) {
	if providerAPIKey == "" {
		return "", "", memory.New(memory.KindInvalidArgument, errors.New("provider_api_key is required"))
	}

	userID = uuid.NewString()
	cipherText, err := s.encrypt([]byte(providerAPIKey))
	if err != nil {
		return "", "", memory.New(memory.KindStoreError, err)
	}

	s.mu.Lock()
	s.credentials[userID] = &Credential{
		UserID: userID, CipherText: cipherText, EmbeddingDim: embeddingDim, CreatedAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	token, err = s.issue(userID)
	if err != nil {
		return "", "", memory.New(memory.KindStoreError, err)
	}
	return userID, token, nil
}

// Verify validates signature and expiry and returns the bound user_id
// (Verification).
func (s *Service) Verify(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", memory.New(memory.KindAuthError, fmt.Errorf("invalid token: %w", err))
	}
	if claims.UserID == "" {
		return "", memory.New(memory.KindAuthError, errors.New("token missing user_id"))
	}
	return claims.UserID, nil
}

// Refresh issues a new token for a token that is either still valid
// or has expired within RefreshWindow (Refresh).
func (s *Service) Refresh(token string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if !errors.As(err, &verr) || verr.Errors&jwt.ValidationErrorExpired == 0 {
			return "", memory.New(memory.KindAuthError, fmt.Errorf("invalid token: %w", err))
		}
		if claims.ExpiresAt != nil && time.Since(claims.ExpiresAt.Time) > RefreshWindow {
			return "", memory.New(memory.KindAuthError, errors.New("token too far past expiry to refresh"))
		}
	}
	if claims.UserID == "" {
		return "", memory.New(memory.KindAuthError, errors.New("token missing user_id"))
	}
	return s.issue(claims.UserID)
}

// ProviderAPIKey decrypts the stored credential for userID.
func (s *Service) ProviderAPIKey(userID string) (string, error) {
	s.mu.RLock()
	cred, ok := s.credentials[userID]
	s.mu.RUnlock()
	if !ok {
		return "", memory.ErrUnitNotFound
	}
	plain, err := s.decrypt(cred.CipherText)
	if err != nil {
		return "", memory.New(memory.KindStoreError, err)
	}
	return string(plain), nil
}

func (s *Service) issue(userID string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Service) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("auth: generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Service) decrypt(ciphertext []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("auth: ciphertext too short")
	}
	nonce, box := ciphertext[:n], ciphertext[n:]
	return s.aead.Open(nil, nonce, box, nil)
}

// DecodeEncryptionKey parses ENCRYPTION_KEY (base64) into raw key
// bytes, validating it is exactly chacha20poly1305.KeySize long.
func DecodeEncryptionKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("auth: ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("auth: ENCRYPTION_KEY must decode to %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}
