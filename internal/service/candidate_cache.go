package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// CandidateCacheConfig controls the cache tiers in front of a candidate source.
type CandidateCacheConfig struct {
	MemoryTTL time.Duration
	RedisTTL  time.Duration
	MaxItems  int
	KeyPrefix string
}

// CandidateCacheStats represents cache performance statistics
type CandidateCacheStats struct {
	MemoryHits    int64     `json:"memory_hits"`
	MemoryMisses  int64     `json:"memory_misses"`
	RedisHits     int64     `json:"redis_hits"`
	RedisMisses   int64     `json:"redis_misses"`
	UpstreamCalls int64     `json:"upstream_calls"`
	TotalRequests int64     `json:"total_requests"`
	ErrorCount    int64     `json:"error_count"`
	CachedStudies int       `json:"cached_studies"`
	BreakerState  string    `json:"breaker_state"`
	LastReset     time.Time `json:"last_reset"`
}

// CachedCandidateSource implements domain.CandidateSource with multi-level caching. Tier 1 is
// an in-process expirable LRU, tier 2 an optional Redis, and the upstream call runs behind a
// circuit breaker.
type CachedCandidateSource struct {
	upstream domain.CandidateSource
	memory   *expirable.LRU[string, []domain.CandidateReferral]
	redis    *redis.Client
	breaker  *gobreaker.CircuitBreaker
	config   CandidateCacheConfig
	logger   *logrus.Logger

	statsMu sync.Mutex
	stats   CandidateCacheStats
}

// cachedPool is the Redis value format.
type cachedPool struct {
	StudyID    string                     `json:"study_id"`
	Candidates []domain.CandidateReferral `json:"candidates"`
	CachedAt   time.Time                  `json:"cached_at"`
}

// NewCachedCandidateSource wraps upstream. redisClient may be nil to run with the memory
// tier only.
func NewCachedCandidateSource(upstream domain.CandidateSource, redisClient *redis.Client, config CandidateCacheConfig, logger *logrus.Logger) *CachedCandidateSource {
	if config.MemoryTTL == 0 {
		config.MemoryTTL = 5 * time.Minute
	}
	if config.RedisTTL == 0 {
		config.RedisTTL = 30 * time.Minute
	}
	if config.MaxItems == 0 {
		config.MaxItems = 100
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "irt-recon:candidates:"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "CandidateSource",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &CachedCandidateSource{
		upstream: upstream,
		memory:   expirable.NewLRU[string, []domain.CandidateReferral](config.MaxItems, nil, config.MemoryTTL),
		redis:    redisClient,
		breaker:  breaker,
		config:   config,
		logger:   logger,
		stats:    CandidateCacheStats{LastReset: time.Now()},
	}
}

// NewRedisClient connects to the Redis instance named by cfg.RedisURL.
func NewRedisClient(cfg domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// ListCandidates implements domain.CandidateSource.
func (c *CachedCandidateSource) ListCandidates(ctx context.Context, studyID string) ([]domain.CandidateReferral, error) {
	c.bump(func(s *CandidateCacheStats) { s.TotalRequests++ })

	if pool, ok := c.memory.Get(studyID); ok {
		c.bump(func(s *CandidateCacheStats) { s.MemoryHits++ })
		return clonePool(pool), nil
	}
	c.bump(func(s *CandidateCacheStats) { s.MemoryMisses++ })

	if pool, ok := c.getFromRedis(ctx, studyID); ok {
		c.bump(func(s *CandidateCacheStats) { s.RedisHits++ })
		c.memory.Add(studyID, pool)
		return clonePool(pool), nil
	}
	if c.redis != nil {
		c.bump(func(s *CandidateCacheStats) { s.RedisMisses++ })
	}

	c.bump(func(s *CandidateCacheStats) { s.UpstreamCalls++ })
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.upstream.ListCandidates(ctx, studyID)
	})
	if err != nil {
		c.bump(func(s *CandidateCacheStats) { s.ErrorCount++ })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
		}
		return nil, err
	}

	pool, _ := result.([]domain.CandidateReferral)
	if pool == nil {
		pool = []domain.CandidateReferral{}
	}
	pool = clonePool(pool)

	c.memory.Add(studyID, pool)
	c.setInRedis(ctx, studyID, pool)

	c.logger.WithFields(logrus.Fields{
		"study_id":  studyID,
		"pool_size": len(pool),
	}).Debug("Candidate pool loaded from upstream")

	return clonePool(pool), nil
}

// Invalidate drops the cached pool for a study from every tier.
func (c *CachedCandidateSource) Invalidate(ctx context.Context, studyID string) error {
	c.memory.Remove(studyID)
	if c.redis != nil {
		if err := c.redis.Del(ctx, c.key(studyID)).Err(); err != nil {
			return fmt.Errorf("failed to invalidate Redis cache: %w", err)
		}
	}
	c.logger.WithField("study_id", studyID).Info("Invalidated candidate cache for study")
	return nil
}

// Stats returns cache performance statistics
func (c *CachedCandidateSource) Stats() CandidateCacheStats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()

	stats.CachedStudies = c.memory.Len()
	stats.BreakerState = c.breaker.State().String()
	return stats
}

func (c *CachedCandidateSource) key(studyID string) string {
	return c.config.KeyPrefix + studyID
}

func (c *CachedCandidateSource) getFromRedis(ctx context.Context, studyID string) ([]domain.CandidateReferral, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := c.key(studyID)

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("study_id", studyID).Warn("Redis cache read failed")
		return nil, false
	}

	var cached cachedPool
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false
	}
	if cached.Candidates == nil {
		cached.Candidates = []domain.CandidateReferral{}
	}
	return cached.Candidates, true
}

func (c *CachedCandidateSource) setInRedis(ctx context.Context, studyID string, pool []domain.CandidateReferral) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(cachedPool{StudyID: studyID, Candidates: pool, CachedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(studyID), data, c.config.RedisTTL).Err(); err != nil {
		c.logger.WithError(err).WithField("study_id", studyID).Warn("Redis cache write failed")
	}
}

func (c *CachedCandidateSource) bump(update func(*CandidateCacheStats)) {
	c.statsMu.Lock()
	update(&c.stats)
	c.statsMu.Unlock()
}

func clonePool(pool []domain.CandidateReferral) []domain.CandidateReferral {
	out := make([]domain.CandidateReferral, len(pool))
	copy(out, pool)
	return out
}
