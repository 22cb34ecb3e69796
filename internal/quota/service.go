package quota

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"cap2cal/internal/config"
)

// Unlimited is the limit passed for users whose captures are counted but
// never denied.
const Unlimited = -1

// Service counts captures per user.
type Service interface {
	// CheckAndIncrement reserves one capture for userID unless limit is
	// already reached. Unlimited (any negative limit) only counts; a limit of
	// zero denies every capture.
	CheckAndIncrement(ctx context.Context, userID string, limit int) (allowed bool, used int64, err error)
	// Release returns a reserved capture. The count never drops below zero.
	Release(ctx context.Context, userID string) error
	// Usage reports the current count.
	Usage(ctx context.Context, userID string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewService builds the backend named in cfg.
func NewService(cfg config.Quota) (Service, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryService(), nil
	case "redis":
		return NewRedisService(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown quota backend %q", cfg.Backend)
	}
}

// checkAndIncrementScript reads, compares, and increments atomically so
// concurrent captures cannot overshoot the limit.
var checkAndIncrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit >= 0 and current >= limit then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
return {1, current}
`)

var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisService keeps counters at <prefix>:captures:<user>.
type RedisService struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisService connects lazily; call Ping to verify reachability.
func NewRedisService(opts *redis.Options, prefix string) (*RedisService, error) {
	if opts == nil || strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "cap2cal"
	}
	return &RedisService{rdb: redis.NewClient(opts), prefix: prefix}, nil
}

func (s *RedisService) key(userID string) string {
	return s.prefix + ":captures:" + userID
}

func (s *RedisService) CheckAndIncrement(ctx context.Context, userID string, limit int) (bool, int64, error) {
	values, err := checkAndIncrementScript.Run(ctx, s.rdb, []string{s.key(userID)}, limit).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("quota check for %s: %w", userID, err)
	}
	if len(values) != 2 {
		return false, 0, fmt.Errorf("quota check for %s: unexpected reply %v", userID, values)
	}
	return values[0] == 1, values[1], nil
}

func (s *RedisService) Release(ctx context.Context, userID string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.key(userID)}).Err(); err != nil {
		return fmt.Errorf("quota release for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisService) Usage(ctx context.Context, userID string) (int64, error) {
	used, err := s.rdb.Get(ctx, s.key(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota usage for %s: %w", userID, err)
	}
	return used, nil
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisService) Close() error {
	return s.rdb.Close()
}

// MemoryService is a process-local Service for single-instance deployments
// and tests.
type MemoryService struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryService returns an empty counter set.
func NewMemoryService() *MemoryService {
	return &MemoryService{counts: make(map[string]int64)}
}

func (s *MemoryService) CheckAndIncrement(_ context.Context, userID string, limit int) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.counts[userID]
	if limit >= 0 && current >= int64(limit) {
		return false, current, nil
	}
	current++
	s.counts[userID] = current
	return true, current, nil
}

func (s *MemoryService) Release(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[userID] > 0 {
		s.counts[userID]--
	}
	return nil
}

func (s *MemoryService) Usage(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID], nil
}

func (s *MemoryService) Ping(context.Context) error { return nil }

func (s *MemoryService) Close() error { return nil }
