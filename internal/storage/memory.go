package storage

import (
	"context"
	"sync"
	"time"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a mutex-guarded in-process Store. It exists for tests and
// standalone runs; production deployments use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	counts  map[string]rateWindow
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		counts:  make(map[string]rateWindow),
	}
}

// Close is a no-op for the in-process store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) set(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Zero means no expiry. A negative TTL is already elapsed and must
	// behave like an absent record, not an immortal one.
	if ttl < 0 {
		delete(s.entries, key)
		return
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = entry
}

func (s *MemoryStore) get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		delete(s.entries, key)
		return nil, false
	}
	return entry.value, true
}

// take removes the entry under the lock, mirroring Redis GETDEL.
func (s *MemoryStore) take(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	delete(s.entries, key)
	if entry.expired(time.Now()) {
		return nil, false
	}
	return entry.value, true
}

func (s *MemoryStore) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// StoreRequest persists a validated authorize request under its handle.
func (s *MemoryStore) StoreRequest(_ context.Context, req *models.ValidatedAuthorizeRequest, ttl time.Duration) error {
	s.set(prefixAuthorizeRequest+req.Handle, req, ttl)
	return nil
}

// FindRequest retrieves a pending authorize request.
func (s *MemoryStore) FindRequest(_ context.Context, handle string) (*models.ValidatedAuthorizeRequest, error) {
	value, ok := s.get(prefixAuthorizeRequest + handle)
	if !ok {
		return nil, nil
	}
	return value.(*models.ValidatedAuthorizeRequest), nil
}

// DeleteRequest removes a pending authorize request.
func (s *MemoryStore) DeleteRequest(_ context.Context, handle string) error {
	s.delete(prefixAuthorizeRequest + handle)
	return nil
}

// StoreCode persists an authorization code record.
func (s *MemoryStore) StoreCode(_ context.Context, handle string, code *models.AuthorizationCode, ttl time.Duration) error {
	s.set(prefixCode+handle, code, ttl)
	return nil
}

// TakeCode retrieves and deletes an authorization code in one step.
func (s *MemoryStore) TakeCode(_ context.Context, handle string) (*models.AuthorizationCode, error) {
	value, ok := s.take(prefixCode + handle)
	if !ok {
		return nil, nil
	}
	return value.(*models.AuthorizationCode), nil
}

// StoreDecision persists a consent decision.
func (s *MemoryStore) StoreDecision(_ context.Context, handle, subject string, decision *models.ConsentDecision, ttl time.Duration) error {
	s.set(prefixConsentDecision+handle+":"+subject, decision, ttl)
	return nil
}

// TakeDecision retrieves and deletes a consent decision.
func (s *MemoryStore) TakeDecision(_ context.Context, handle, subject string) (*models.ConsentDecision, error) {
	value, ok := s.take(prefixConsentDecision + handle + ":" + subject)
	if !ok {
		return nil, nil
	}
	return value.(*models.ConsentDecision), nil
}

// GetGrantedConsent retrieves a remembered consent grant.
func (s *MemoryStore) GetGrantedConsent(_ context.Context, subject, clientID string) (*models.GrantedConsentRecord, error) {
	value, ok := s.get(prefixConsentGrant + subject + ":" + clientID)
	if !ok {
		return nil, nil
	}
	return value.(*models.GrantedConsentRecord), nil
}

// UpsertGrantedConsent writes a remembered consent grant.
func (s *MemoryStore) UpsertGrantedConsent(_ context.Context, record *models.GrantedConsentRecord) error {
	var ttl time.Duration
	if record.ExpiresAt != nil {
		ttl = time.Until(*record.ExpiresAt)
		if ttl <= 0 {
			s.delete(prefixConsentGrant + record.Subject + ":" + record.ClientID)
			return nil
		}
	}
	s.set(prefixConsentGrant+record.Subject+":"+record.ClientID, record, ttl)
	return nil
}

// DeleteGrantedConsent removes a remembered consent grant.
func (s *MemoryStore) DeleteGrantedConsent(_ context.Context, subject, clientID string) error {
	s.delete(prefixConsentGrant + subject + ":" + clientID)
	return nil
}

// StoreAccessToken persists a reference-format access token record.
func (s *MemoryStore) StoreAccessToken(_ context.Context, handle string, record *models.AccessTokenRecord, ttl time.Duration) error {
	s.set(prefixAccessToken+handle, record, ttl)
	return nil
}

// FindAccessToken retrieves a reference-format access token record.
func (s *MemoryStore) FindAccessToken(_ context.Context, handle string) (*models.AccessTokenRecord, error) {
	value, ok := s.get(prefixAccessToken + handle)
	if !ok {
		return nil, nil
	}
	return value.(*models.AccessTokenRecord), nil
}

// DeleteAccessToken removes a reference-format access token record.
func (s *MemoryStore) DeleteAccessToken(_ context.Context, handle string) error {
	s.delete(prefixAccessToken + handle)
	return nil
}

// StoreRefreshToken persists a refresh token record.
func (s *MemoryStore) StoreRefreshToken(_ context.Context, handle string, record *models.RefreshTokenRecord, ttl time.Duration) error {
	s.set(prefixRefreshToken+handle, record, ttl)
	return nil
}

// TakeRefreshToken retrieves and deletes a refresh token record.
func (s *MemoryStore) TakeRefreshToken(_ context.Context, handle string) (*models.RefreshTokenRecord, error) {
	value, ok := s.take(prefixRefreshToken + handle)
	if !ok {
		return nil, nil
	}
	return value.(*models.RefreshTokenRecord), nil
}

// StoreError persists a protocol error for the generic error page.
func (s *MemoryStore) StoreError(_ context.Context, id string, stored *models.StoredError, ttl time.Duration) error {
	s.set(prefixError+id, stored, ttl)
	return nil
}

// TakeError retrieves and deletes a stored protocol error.
func (s *MemoryStore) TakeError(_ context.Context, id string) (*models.StoredError, error) {
	value, ok := s.take(prefixError + id)
	if !ok {
		return nil, nil
	}
	return value.(*models.StoredError), nil
}

// CheckRateLimit reports whether the client exceeded its per-window budget.
func (s *MemoryStore) CheckRateLimit(_ context.Context, clientID string, limit int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.counts[clientID]
	if !ok || now.After(w.resetAt) {
		s.counts[clientID] = rateWindow{count: 1, resetAt: now.Add(window)}
		return false, nil
	}
	w.count++
	s.counts[clientID] = w
	return w.count > limit, nil
}
