package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// DefaultSigningAlg is used when a client declares no algorithm preference.
const DefaultSigningAlg = "RS256"

// supportedSigningAlgs are the RSA-family JWS algorithms the key manager can
// serve. All of them sign with the same RSA key material.
var supportedSigningAlgs = map[string]struct{}{
	"RS256": {},
	"RS384": {},
	"RS512": {},
	"PS256": {},
	"PS384": {},
	"PS512": {},
}

// SupportedSigningAlgs lists the JWS algorithms the key manager can serve,
// in preference order. Used by the discovery document.
func SupportedSigningAlgs() []string {
	return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
}

// KeyPair represents a single signing key and its metadata.
type KeyPair struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsActive   bool
}

// SigningKey is a key selected for one signing operation.
type SigningKey struct {
	KeyID      string
	Algorithm  string
	PrivateKey *rsa.PrivateKey
}

// KeyManager manages signing keys, rotation, and the JWKS document.
// It supports multiple active keys (current + previous) so tokens signed
// before a rotation keep verifying until the grace period ends.
type KeyManager struct {
	mu           sync.RWMutex
	keys         map[string]*KeyPair
	currentKeyID string
}

// NewKeyManager creates a new key manager from an initial PEM-encoded key pair.
// Additional keys may be generated at runtime for rotation.
func NewKeyManager(privateKeyPEM, publicKeyPEM string) (*KeyManager, error) {
	privateKey, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	keyID := uuid.New().String()
	now := time.Now()

	initialKey := &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		CreatedAt:  now,
		// ExpiresAt is managed by rotation logic; zero means no explicit expiry yet.
		IsActive: true,
	}

	return &KeyManager{
		keys: map[string]*KeyPair{
			keyID: initialKey,
		},
		currentKeyID: keyID,
	}, nil
}

// SigningKeyFor selects the current key and the first supported algorithm
// from the client's preference list. An empty preference falls back to
// RS256; a preference list with no supported entry is an error.
func (km *KeyManager) SigningKeyFor(allowedAlgs []string) (*SigningKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	current, ok := km.keys[km.currentKeyID]
	if !ok || !current.IsActive {
		return nil, errors.New("no active signing key")
	}

	alg := DefaultSigningAlg
	if len(allowedAlgs) > 0 {
		alg = ""
		for _, candidate := range allowedAlgs {
			if _, supported := supportedSigningAlgs[candidate]; supported {
				alg = candidate
				break
			}
		}
		if alg == "" {
			return nil, fmt.Errorf("no supported signing algorithm among %v", allowedAlgs)
		}
	}

	return &SigningKey{
		KeyID:      current.KeyID,
		Algorithm:  alg,
		PrivateKey: current.PrivateKey,
	}, nil
}

// GetCurrentKeyID returns the kid of the current signing key.
func (km *KeyManager) GetCurrentKeyID() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentKeyID
}

// GetPublicKeyByID returns the public key for a given kid, if present and active.
func (km *KeyManager) GetPublicKeyByID(keyID string) (*rsa.PublicKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	key, ok := km.keys[keyID]
	if !ok || !key.IsActive {
		return nil, fmt.Errorf("key not found or inactive: %s", keyID)
	}
	if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("key expired: %s", keyID)
	}
	return key.PublicKey, nil
}

// GetJWKSet returns the JWK set for the JWKS endpoint containing all active keys.
func (km *KeyManager) GetJWKSet() jwk.Set {
	km.mu.RLock()
	defer km.mu.RUnlock()

	keySet := jwk.NewSet()
	now := time.Now()

	for _, kp := range km.keys {
		if !kp.IsActive {
			continue
		}
		if !kp.ExpiresAt.IsZero() && kp.ExpiresAt.Before(now) {
			continue
		}

		jwkKey, err := jwk.FromRaw(kp.PublicKey)
		if err != nil {
			continue
		}
		_ = jwkKey.Set(jwk.KeyIDKey, kp.KeyID)
		_ = jwkKey.Set(jwk.AlgorithmKey, DefaultSigningAlg)
		_ = jwkKey.Set(jwk.KeyUsageKey, "sig")

		_ = keySet.AddKey(jwkKey)
	}

	return keySet
}

// RotateKeys generates a new key pair and marks the old one for graceful deactivation.
// gracePeriod defines how long the old key remains valid for verification.
func (km *KeyManager) RotateKeys(gracePeriod time.Duration) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate new RSA key: %w", err)
	}
	publicKey := &privateKey.PublicKey

	keyID := uuid.New().String()
	now := time.Now()

	newKey := &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		CreatedAt:  now,
		IsActive:   true,
	}

	// Mark previous current key to expire after gracePeriod
	if current, ok := km.keys[km.currentKeyID]; ok {
		current.ExpiresAt = now.Add(gracePeriod)
	}

	km.keys[keyID] = newKey
	km.currentKeyID = keyID

	return nil
}

// CleanupExpiredKeys removes keys that are past their ExpiresAt.
func (km *KeyManager) CleanupExpiredKeys() {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := time.Now()
	for id, kp := range km.keys {
		if !kp.ExpiresAt.IsZero() && kp.ExpiresAt.Before(now) {
			delete(km.keys, id)
		}
	}
}

// parseRSAPrivateKey parses a PEM-encoded RSA private key.
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := parsedKey.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	return key, nil
}

// parseRSAPublicKey parses a PEM-encoded RSA public key.
func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Try PKCS1 format
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not an RSA public key")
	}

	return rsaKey, nil
}
