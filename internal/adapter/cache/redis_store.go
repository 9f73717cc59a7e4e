// Package cache provides Redis-backed stores for short-lived authentication
// state: MFA challenges, pending enrollments, one-time codes, attempt
// counters, and OAuth authorize state.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/repository"
)

// RedisStore implements every short-lived store on a single Redis client.
type RedisStore struct {
	client redis.UniversalClient
}

var (
	_ repository.ChallengeStore  = (*RedisStore)(nil)
	_ repository.SetupStore      = (*RedisStore)(nil)
	_ repository.CodeStore       = (*RedisStore)(nil)
	_ repository.AttemptLimiter  = (*RedisStore)(nil)
	_ repository.OAuthStateStore = (*RedisStore)(nil)
)

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func challengeKey(id string) string { return "mfa:challenge:" + id }

func setupKey(userID int64, method string) string {
	return fmt.Sprintf("mfa:setup:%d:%s", userID, method)
}

func codeKey(userID int64, method string) string {
	return fmt.Sprintf("mfa:code:%d:%s", userID, method)
}

// SaveChallenge stores the encoded challenge payload with TTL.
func (s *RedisStore) SaveChallenge(ctx context.Context, challenge domain.MFAChallenge, ttl time.Duration) error {
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, challengeKey(challenge.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist challenge: %w", err)
	}
	return nil
}

// GetChallenge loads and decodes the challenge; nil means absent or expired.
func (s *RedisStore) GetChallenge(ctx context.Context, challengeID string) (*domain.MFAChallenge, error) {
	raw, err := s.client.Get(ctx, challengeKey(challengeID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var challenge domain.MFAChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &challenge, nil
}

func (s *RedisStore) DeleteChallenge(ctx context.Context, challengeID string) error {
	if err := s.client.Del(ctx, challengeKey(challengeID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// SaveSetup stores pending enrollment material with TTL.
func (s *RedisStore) SaveSetup(ctx context.Context, setup domain.PendingSetup, ttl time.Duration) error {
	payload, err := json.Marshal(setupRecord{setup.UserID, setup.Method, setup.Secret, setup.Contact, setup.CodeHash, setup.ExpiresAt})
	if err != nil {
		return fmt.Errorf("marshal setup: %w", err)
	}
	if err := s.client.Set(ctx, setupKey(setup.UserID, setup.Method), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist setup: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSetup(ctx context.Context, userID int64, method string) (*domain.PendingSetup, error) {
	raw, err := s.client.Get(ctx, setupKey(userID, method)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load setup: %w", err)
	}
	var rec setupRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode setup: %w", err)
	}
	return &domain.PendingSetup{
		UserID:    rec.UserID,
		Method:    rec.Method,
		Secret:    rec.Secret,
		Contact:   rec.Contact,
		CodeHash:  rec.CodeHash,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *RedisStore) DeleteSetup(ctx context.Context, userID int64, method string) error {
	if err := s.client.Del(ctx, setupKey(userID, method)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete setup: %w", err)
	}
	return nil
}

// setupRecord carries write-only fields into Redis; domain.PendingSetup
// excludes them from JSON so they cannot leak through API serialization.
type setupRecord struct {
	UserID    int64     `json:"user_id"`
	Method    string    `json:"method"`
	Secret    string    `json:"secret,omitempty"`
	Contact   string    `json:"contact,omitempty"`
	CodeHash  string    `json:"code_hash,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SaveCode stores a hashed one-time delivery code with TTL.
func (s *RedisStore) SaveCode(ctx context.Context, userID int64, method, codeHash string, ttl time.Duration) error {
	if err := s.client.Set(ctx, codeKey(userID, method), codeHash, ttl).Err(); err != nil {
		return fmt.Errorf("persist code: %w", err)
	}
	return nil
}

// ConsumeCode atomically fetches and deletes the stored hash so a one-time
// code cannot be verified twice. Empty string means absent or expired.
func (s *RedisStore) ConsumeCode(ctx context.Context, userID int64, method string) (string, error) {
	hash, err := s.client.GetDel(ctx, codeKey(userID, method)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("consume code: %w", err)
	}
	return hash, nil
}

// Hit increments the counter for key, starting the window on first hit, and
// returns the count inside the current window.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate hit: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("rate window: %w", err)
		}
	}
	return int(count), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("rate reset: %w", err)
	}
	return nil
}

// SaveState stores the encoded OAuth state payload with TTL.
func (s *RedisStore) SaveState(ctx context.Context, key string, data domain.OAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// GetState loads and decodes the state payload.
func (s *RedisStore) GetState(ctx context.Context, key string) (*domain.OAuthState, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var state domain.OAuthState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// DeleteState removes the persisted state key.
func (s *RedisStore) DeleteState(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
