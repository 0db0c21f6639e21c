// Package vault is the credential vault: bearer-token sign/verify and
// symmetric encryption of third-party secrets at rest. Signing and
// encryption keys come from the environment first, then from persisted
// config entries; the encryption key is auto-generated on first use when
// neither source has one.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tacmap/backend/internal/apperr"
	"github.com/tacmap/backend/internal/settings"
)

// ErrCorrupt is returned when a ciphertext fails authentication or is too
// short to carry a nonce.
var ErrCorrupt = errors.New("vault: ciphertext corrupt")

// gcmNonceSize is 128 bits; each ciphertext is prefixed with a fresh nonce.
const gcmNonceSize = 16

const defaultTokenTTL = 7 * 24 * time.Hour

// Claims are the verified contents of a bearer token.
type Claims struct {
	UserID    string
	Admin     bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	Admin bool `json:"adm"`
	jwt.RegisteredClaims
}

// Vault signs and verifies tokens and encrypts opaque secrets. Key material
// is resolved lazily and memoized; a missing or short JWT secret is fatal at
// the first token operation.
type Vault struct {
	envJWTSecret     string
	envEncryptionKey string
	settings         *settings.Cache
	tokenTTL         time.Duration
	log              *slog.Logger

	mu        sync.Mutex
	jwtSecret []byte
	aead      cipher.AEAD
}

// New builds a vault backed by the environment and the settings cache.
func New(envJWTSecret, envEncryptionKey string, sc *settings.Cache, log *slog.Logger) *Vault {
	return &Vault{
		envJWTSecret:     envJWTSecret,
		envEncryptionKey: envEncryptionKey,
		settings:         sc,
		tokenTTL:         defaultTokenTTL,
		log:              log.With("component", "vault"),
	}
}

// ============================================================================
// TOKENS
// ============================================================================

// Sign issues a bearer token for the subject.
func (v *Vault) Sign(ctx context.Context, userID string, admin bool) (string, error) {
	secret, err := v.signingSecret(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := tokenClaims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify validates a bearer token. Every verification failure collapses to
// a single Unauthenticated kind; callers never learn why a token failed.
func (v *Vault) Verify(ctx context.Context, token string) (*Claims, error) {
	secret, err := v.signingSecret(ctx)
	if err != nil {
		return nil, err
	}
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid || tc.Subject == "" {
		return nil, apperr.Wrap(apperr.KindUnauthenticated, "invalid token", err)
	}
	c := &Claims{UserID: tc.Subject, Admin: tc.Admin}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}

// signingSecret resolves the JWT secret: environment, then config entry.
// Anything shorter than 32 bytes is a deployment error.
func (v *Vault) signingSecret(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.jwtSecret != nil {
		return v.jwtSecret, nil
	}

	secret := v.envJWTSecret
	if secret == "" && v.settings != nil {
		s, err := v.settings.GetString(ctx, settings.KeyJWTSecret)
		if err != nil {
			return nil, fmt.Errorf("read jwt secret: %w", err)
		}
		secret = s
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret missing or shorter than 32 bytes")
	}
	v.jwtSecret = []byte(secret)
	return v.jwtSecret, nil
}

// ============================================================================
// SYMMETRIC ENCRYPTION
// ============================================================================

// Encrypt seals plaintext under the deployment key. Output layout is
// nonce || ciphertext.
func (v *Vault) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	aead, err := v.cipher(ctx)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed ciphertext. Tampered or truncated inputs
// return ErrCorrupt.
func (v *Vault) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	aead, err := v.cipher(ctx)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcmNonceSize {
		return nil, ErrCorrupt
	}
	nonce, sealed := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

// SealString encrypts a secret into a base64 string suitable for a config
// entry. API keys go through this before they reach the settings table.
func (v *Vault) SealString(ctx context.Context, plaintext string) (string, error) {
	sealed, err := v.Encrypt(ctx, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func (v *Vault) OpenString(ctx context.Context, stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", ErrCorrupt
	}
	plaintext, err := v.Decrypt(ctx, raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// cipher resolves the 256-bit key: environment, then config entry, else a
// fresh 32-byte key generated and persisted on first use.
func (v *Vault) cipher(ctx context.Context) (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.aead != nil {
		return v.aead, nil
	}

	keyHex := v.envEncryptionKey
	if keyHex == "" && v.settings != nil {
		k, err := v.settings.GetString(ctx, settings.KeyEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("read encryption key: %w", err)
		}
		keyHex = k
	}

	var key []byte
	if keyHex == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate encryption key: %w", err)
		}
		if v.settings != nil {
			if err := v.settings.PutCritical(ctx, settings.KeyEncryptionKey, hex.EncodeToString(key)); err != nil {
				return nil, fmt.Errorf("persist encryption key: %w", err)
			}
		}
		v.log.Info("generated new encryption key")
	} else {
		var err error
		key, err = hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes hex-encoded")
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	v.aead = aead
	return v.aead, nil
}
