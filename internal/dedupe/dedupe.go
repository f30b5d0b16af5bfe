// Package dedupe remembers which records were already published so an
// unchanged listing is not republished on every scrape.
package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/listing-ingest/internal/hash/sha256"
	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

// Store marks keys as seen.
type Store interface {
	// MarkIfNew records key for ttl and reports whether it was unseen.
	MarkIfNew(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key, e.g. when publishing the record failed.
	Release(ctx context.Context, key string) error
	Close() error
}

// Config selects and tunes the store.
type Config struct {
	// Driver is "", "memory" or "redis". Empty disables dedupe.
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
	Prefix string        `mapstructure:"prefix"`
	Redis  RedisConfig   `mapstructure:"redis"`
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "":
		return nil
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("dedupe.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("dedupe.driver %q is not supported", c.Driver)
	}
	if c.TTL <= 0 {
		return errors.New("dedupe.ttl must be > 0")
	}
	return nil
}

// New builds the configured store. It returns nil, nil when dedupe is off.
func New(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemoryStore(cfg.Prefix, cfg.TTL), nil
	case "redis":
		return NewRedisStore(cfg.Redis, cfg.Prefix), nil
	default:
		return nil, nil
	}
}

type canonical struct {
	Kind       record.Kind                 `json:"kind"`
	Source     string                      `json:"source"`
	Technology *record.TechnologyCandidate `json:"technology,omitempty"`
	Grant      *record.GrantCandidate      `json:"grant,omitempty"`
}

// Key digests the record content. The ID and validation time are excluded,
// so the same listing scraped twice yields the same key.
func Key(rec validate.Record) (string, error) {
	env := rec.Envelope()
	data, err := json.Marshal(canonical{
		Kind:       env.Kind,
		Source:     env.Source,
		Technology: env.Technology,
		Grant:      env.Grant,
	})
	if err != nil {
		return "", fmt.Errorf("marshal dedupe key: %w", err)
	}
	return string(env.Kind) + ":" + sha256.Sum(data), nil
}
