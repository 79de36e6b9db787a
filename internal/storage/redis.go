package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
)

// Key prefixes. Handles are server-generated and URL-safe, so plain
// concatenation is enough.
const (
	prefixAuthorizeRequest = "authreq:"
	prefixCode             = "code:"
	prefixConsentDecision  = "consent:decision:"
	prefixConsentGrant     = "consent:grant:"
	prefixAccessToken      = "access_token:"
	prefixRefreshToken     = "refresh_token:"
	prefixError            = "autherr:"
	prefixRateLimit        = "rate_limit:"
)

// RedisStore is the production Store implementation.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string, logger *zap.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.logger.Error("Failed to write record", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		s.logger.Error("Failed to read record", zap.String("key", key), zap.Error(err))
		return false, err
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		s.logger.Error("Failed to unmarshal record", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return true, nil
}

// takeJSON reads and deletes in one round trip. GETDEL keeps find-and-remove
// atomic, which is what makes authorization codes single-use under races.
func (s *RedisStore) takeJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		s.logger.Error("Failed to take record", zap.String("key", key), zap.Error(err))
		return false, err
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		s.logger.Error("Failed to unmarshal record", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return true, nil
}

// StoreRequest persists a validated authorize request under its handle.
func (s *RedisStore) StoreRequest(ctx context.Context, req *models.ValidatedAuthorizeRequest, ttl time.Duration) error {
	return s.setJSON(ctx, prefixAuthorizeRequest+req.Handle, req, ttl)
}

// FindRequest retrieves a pending authorize request. Missing records return
// (nil, nil).
func (s *RedisStore) FindRequest(ctx context.Context, handle string) (*models.ValidatedAuthorizeRequest, error) {
	var req models.ValidatedAuthorizeRequest
	found, err := s.getJSON(ctx, prefixAuthorizeRequest+handle, &req)
	if err != nil || !found {
		return nil, err
	}
	return &req, nil
}

// DeleteRequest removes a pending authorize request.
func (s *RedisStore) DeleteRequest(ctx context.Context, handle string) error {
	if err := s.client.Del(ctx, prefixAuthorizeRequest+handle).Err(); err != nil {
		s.logger.Error("Failed to delete authorize request", zap.Error(err))
		return err
	}
	return nil
}

// StoreCode persists an authorization code record.
func (s *RedisStore) StoreCode(ctx context.Context, handle string, code *models.AuthorizationCode, ttl time.Duration) error {
	return s.setJSON(ctx, prefixCode+handle, code, ttl)
}

// TakeCode retrieves and deletes an authorization code in one atomic step.
func (s *RedisStore) TakeCode(ctx context.Context, handle string) (*models.AuthorizationCode, error) {
	var code models.AuthorizationCode
	found, err := s.takeJSON(ctx, prefixCode+handle, &code)
	if err != nil || !found {
		return nil, err
	}
	return &code, nil
}

// StoreDecision persists a consent decision for a pending authorize request.
func (s *RedisStore) StoreDecision(ctx context.Context, handle, subject string, decision *models.ConsentDecision, ttl time.Duration) error {
	return s.setJSON(ctx, prefixConsentDecision+handle+":"+subject, decision, ttl)
}

// TakeDecision retrieves and deletes a consent decision.
func (s *RedisStore) TakeDecision(ctx context.Context, handle, subject string) (*models.ConsentDecision, error) {
	var decision models.ConsentDecision
	found, err := s.takeJSON(ctx, prefixConsentDecision+handle+":"+subject, &decision)
	if err != nil || !found {
		return nil, err
	}
	return &decision, nil
}

// GetGrantedConsent retrieves a remembered consent grant.
func (s *RedisStore) GetGrantedConsent(ctx context.Context, subject, clientID string) (*models.GrantedConsentRecord, error) {
	var record models.GrantedConsentRecord
	found, err := s.getJSON(ctx, prefixConsentGrant+subject+":"+clientID, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// UpsertGrantedConsent writes a remembered consent grant. Last writer wins;
// the record only affects UX convenience, not security.
func (s *RedisStore) UpsertGrantedConsent(ctx context.Context, record *models.GrantedConsentRecord) error {
	var ttl time.Duration
	if record.ExpiresAt != nil {
		ttl = time.Until(*record.ExpiresAt)
		if ttl <= 0 {
			return s.DeleteGrantedConsent(ctx, record.Subject, record.ClientID)
		}
	}
	return s.setJSON(ctx, prefixConsentGrant+record.Subject+":"+record.ClientID, record, ttl)
}

// DeleteGrantedConsent removes a remembered consent grant.
func (s *RedisStore) DeleteGrantedConsent(ctx context.Context, subject, clientID string) error {
	if err := s.client.Del(ctx, prefixConsentGrant+subject+":"+clientID).Err(); err != nil {
		s.logger.Error("Failed to delete granted consent", zap.Error(err))
		return err
	}
	return nil
}

// StoreAccessToken persists a reference-format access token record.
func (s *RedisStore) StoreAccessToken(ctx context.Context, handle string, record *models.AccessTokenRecord, ttl time.Duration) error {
	return s.setJSON(ctx, prefixAccessToken+handle, record, ttl)
}

// FindAccessToken retrieves a reference-format access token record.
func (s *RedisStore) FindAccessToken(ctx context.Context, handle string) (*models.AccessTokenRecord, error) {
	var record models.AccessTokenRecord
	found, err := s.getJSON(ctx, prefixAccessToken+handle, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// DeleteAccessToken removes a reference-format access token record.
func (s *RedisStore) DeleteAccessToken(ctx context.Context, handle string) error {
	if err := s.client.Del(ctx, prefixAccessToken+handle).Err(); err != nil {
		s.logger.Error("Failed to delete access token", zap.Error(err))
		return err
	}
	return nil
}

// StoreRefreshToken persists a refresh token record.
func (s *RedisStore) StoreRefreshToken(ctx context.Context, handle string, record *models.RefreshTokenRecord, ttl time.Duration) error {
	return s.setJSON(ctx, prefixRefreshToken+handle, record, ttl)
}

// TakeRefreshToken retrieves and deletes a refresh token record so rotation
// consumes the parent token.
func (s *RedisStore) TakeRefreshToken(ctx context.Context, handle string) (*models.RefreshTokenRecord, error) {
	var record models.RefreshTokenRecord
	found, err := s.takeJSON(ctx, prefixRefreshToken+handle, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// StoreError persists a protocol error for the generic error page.
func (s *RedisStore) StoreError(ctx context.Context, id string, stored *models.StoredError, ttl time.Duration) error {
	return s.setJSON(ctx, prefixError+id, stored, ttl)
}

// TakeError retrieves and deletes a stored protocol error.
func (s *RedisStore) TakeError(ctx context.Context, id string) (*models.StoredError, error) {
	var stored models.StoredError
	found, err := s.takeJSON(ctx, prefixError+id, &stored)
	if err != nil || !found {
		return nil, err
	}
	return &stored, nil
}

// CheckRateLimit reports whether the client exceeded its per-window request
// budget.
func (s *RedisStore) CheckRateLimit(ctx context.Context, clientID string, limit int, window time.Duration) (bool, error) {
	key := prefixRateLimit + clientID
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.logger.Error("Failed to increment rate limit counter", zap.String("client_id", clientID), zap.Error(err))
		return false, err
	}

	// Set expiration on first request
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			s.logger.Error("Failed to set rate limit expiration", zap.Error(err))
		}
	}

	return count > int64(limit), nil
}
