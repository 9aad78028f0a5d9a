package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSinkConfig configures the Redis trace sink.
type RedisSinkConfig struct {
	Addr      string        `json:"addr" yaml:"addr"`
	Password  string        `json:"password" yaml:"password"`
	DB        int           `json:"db" yaml:"db"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `json:"ttl" yaml:"ttl"` // 0 keeps traces forever
}

// RedisSink persists run traces in Redis: records as a list in append
// order, the summary as a JSON string. Suitable for distributed
// deployments where the API layer serves traces from a shared store.
type RedisSink struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "flowengine:"
	}
	return &RedisSink{client: client, keyPrefix: prefix, ttl: cfg.TTL}, nil
}

// NewRedisSinkFromClient wraps an existing client, mainly for tests.
func NewRedisSinkFromClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisSink {
	if keyPrefix == "" {
		keyPrefix = "flowengine:"
	}
	return &RedisSink{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) recordsKey(runID string) string {
	return s.keyPrefix + "trace:" + runID + ":records"
}

func (s *RedisSink) summaryKey(runID string) string {
	return s.keyPrefix + "trace:" + runID + ":summary"
}

func (s *RedisSink) WriteRecord(ctx context.Context, runID string, rec NodeExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := s.recordsKey(runID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push record: %w", err)
	}
	return nil
}

func (s *RedisSink) WriteSummary(ctx context.Context, summary RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := s.client.Set(ctx, s.summaryKey(summary.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	return nil
}

// Records loads a run's records in append order.
func (s *RedisSink) Records(ctx context.Context, runID string) ([]NodeExecutionRecord, error) {
	raw, err := s.client.LRange(ctx, s.recordsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	out := make([]NodeExecutionRecord, 0, len(raw))
	for _, item := range raw {
		var rec NodeExecutionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Summary loads a run's summary; redis.Nil maps to found=false.
func (s *RedisSink) Summary(ctx context.Context, runID string) (RunSummary, bool, error) {
	raw, err := s.client.Get(ctx, s.summaryKey(runID)).Result()
	if err == redis.Nil {
		return RunSummary{}, false, nil
	}
	if err != nil {
		return RunSummary{}, false, fmt.Errorf("load summary: %w", err)
	}
	var sum RunSummary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return RunSummary{}, false, fmt.Errorf("decode summary: %w", err)
	}
	return sum, true, nil
}
