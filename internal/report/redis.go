package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"arb-scanner/internal/market"
)

// RedisOptions configure the Redis sink.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Channel   string
	KeyPrefix string
	TTL       time.Duration
}

type redisWriter interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisSink publishes every opportunity on a channel and keeps the latest one per cycle in a hash.
type RedisSink struct {
	opts   RedisOptions
	client redisWriter
	logger zerolog.Logger
}

// NewRedisSink connects lazily; call Ping to verify the connection.
func NewRedisSink(opts RedisOptions, logger zerolog.Logger) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisSink(client, opts, logger)
}

func newRedisSink(client redisWriter, opts RedisOptions, logger zerolog.Logger) *RedisSink {
	if opts.Channel == "" {
		opts.Channel = "arbscan:opportunities"
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "arbscan:cycle:"
	}
	return &RedisSink{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "report_redis").Logger(),
	}
}

// Name labels the sink.
func (s *RedisSink) Name() string { return "redis" }

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Key returns the hash key holding the latest opportunity for a cycle.
func (s *RedisSink) Key(cycle market.Cycle) string {
	return s.opts.KeyPrefix + strings.Join(cycle.Symbols(), ":")
}

// Save publishes opp and records it as the cycle's latest finding.
func (s *RedisSink) Save(ctx context.Context, opp market.Opportunity) error {
	rec := NewRecord(opp)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode opportunity: %w", err)
	}

	if err := s.client.Publish(ctx, s.opts.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.opts.Channel, err)
	}

	key := s.Key(opp.Cycle)
	if err := s.client.HSet(ctx, key,
		"id", rec.ID,
		"variant", rec.Variant,
		"profit_pct", rec.ProfitPercent.String(),
		"min_volume_usdt", rec.MinVolumeUSDT.String(),
		"detected_at", rec.DetectedAt.Format(time.RFC3339Nano),
		"payload", string(payload),
	).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if s.opts.TTL > 0 {
		if err := s.client.Expire(ctx, key, s.opts.TTL).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	s.logger.Debug().Str("key", key).Str("id", rec.ID).Msg("opportunity stored")
	return nil
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

var _ Sink = (*RedisSink)(nil)
