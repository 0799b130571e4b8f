package prefs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pbullhove/vote-then-discuss/internal/identity"
	"github.com/pbullhove/vote-then-discuss/internal/util"
	"github.com/redis/go-redis/v9"
)

const (
	fieldToken = "token"
	fieldName  = "name"
	fieldShow  = "show_answers"

	defaultTTL = 30 * 24 * time.Hour
)

// RedisStore keeps preferences in one hash per (device, session).
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed preference store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "prefs:",
		ttl:    defaultTTL,
	}
}

func (s *RedisStore) key(device, sessionID string) string {
	return s.prefix + strings.TrimSpace(device) + ":" + sessionID
}

func (s *RedisStore) Load(ctx context.Context, device, sessionID string) (identity.ParticipantContext, error) {
	pc := identity.ParticipantContext{SessionID: sessionID, Device: strings.TrimSpace(device), ShowAnswers: true}
	if pc.Device == "" {
		return pc, nil
	}
	values, err := s.client.HGetAll(ctx, s.key(device, sessionID)).Result()
	if err != nil {
		return pc, fmt.Errorf("load preferences: %w", err)
	}
	pc.Token = values[fieldToken]
	pc.Name = values[fieldName]
	if raw, ok := values[fieldShow]; ok {
		show, err := strconv.ParseBool(raw)
		if err == nil {
			pc.ShowAnswers = show
		}
	}
	return pc, nil
}

// EnsureToken returns the device's token for the session, creating it once.
// HSETNX keeps concurrent first requests from minting two tokens.
func (s *RedisStore) EnsureToken(ctx context.Context, device, sessionID string) (string, error) {
	if strings.TrimSpace(device) == "" {
		return "", ErrNoDevice
	}
	k := s.key(device, sessionID)
	if err := s.client.HSetNX(ctx, k, fieldToken, util.NewToken()).Err(); err != nil {
		return "", fmt.Errorf("ensure anonymous token: %w", err)
	}
	token, err := s.client.HGet(ctx, k, fieldToken).Result()
	if err != nil {
		return "", fmt.Errorf("read anonymous token: %w", err)
	}
	s.touch(ctx, k)
	return token, nil
}

func (s *RedisStore) SetName(ctx context.Context, device, sessionID, name string) error {
	return s.set(ctx, device, sessionID, fieldName, identity.NormalizeName(name))
}

func (s *RedisStore) SetShowAnswers(ctx context.Context, device, sessionID string, show bool) error {
	return s.set(ctx, device, sessionID, fieldShow, strconv.FormatBool(show))
}

func (s *RedisStore) set(ctx context.Context, device, sessionID, field, value string) error {
	if strings.TrimSpace(device) == "" {
		return ErrNoDevice
	}
	k := s.key(device, sessionID)
	if err := s.client.HSet(ctx, k, field, value).Err(); err != nil {
		return fmt.Errorf("save preference %s: %w", field, err)
	}
	s.touch(ctx, k)
	return nil
}

func (s *RedisStore) touch(ctx context.Context, k string) {
	_ = s.client.Expire(ctx, k, s.ttl).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
