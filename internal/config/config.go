// Package config loads and validates ingest configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-ingest/internal/archive"
	"github.com/JakeFAU/listing-ingest/internal/dedupe"
	"github.com/JakeFAU/listing-ingest/internal/fetch"
	"github.com/JakeFAU/listing-ingest/internal/queue"
	"github.com/JakeFAU/listing-ingest/internal/queue/pubsub"
	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/scraper"
	"github.com/JakeFAU/listing-ingest/internal/telemetry"
)

// Broker drivers.
const (
	DriverKafka  = "kafka"
	DriverPubSub = "pubsub"
	DriverMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	Metrics   MetricsConfig        `mapstructure:"metrics"`
	Tracing   telemetry.Config     `mapstructure:"tracing"`
	Broker    BrokerConfig         `mapstructure:"broker"`
	Consumer  queue.ConsumerConfig `mapstructure:"consumer"`
	HTTP      fetch.HTTPConfig     `mapstructure:"http"`
	Dedupe    dedupe.Config        `mapstructure:"dedupe"`
	Archive   archive.Config       `mapstructure:"archive"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Sources   []scraper.Options    `mapstructure:"sources"`
}

// ServerConfig controls the health/metrics HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig tunes the periodic scraper report.
type MetricsConfig struct {
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// BrokerConfig selects where validated records are published. The Kafka
// fields sit directly under broker.
type BrokerConfig struct {
	Driver               string `mapstructure:"driver"`
	Topic                string `mapstructure:"topic"`
	queue.ProducerConfig `mapstructure:",squash"`
	PubSub               pubsub.Config `mapstructure:"pubsub"`
}

// SchedulerConfig governs the scrape loop.
type SchedulerConfig struct {
	// DrainTimeout bounds how long in-flight scrapes may run after shutdown starts.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.inherit()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.report_interval", "1m")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "listing-ingest")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("broker.driver", DriverKafka)
	v.SetDefault("broker.topic", "listings")
	v.SetDefault("broker.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.client_id", "listing-ingest")
	v.SetDefault("broker.compression", "snappy")
	v.SetDefault("broker.publish_timeout", "10s")
	v.SetDefault("broker.batch_timeout", "10ms")
	v.SetDefault("broker.pubsub.project_id", "")
	v.SetDefault("broker.pubsub.publish_timeout", "10s")
	v.SetDefault("broker.pubsub.ordering", true)
	v.SetDefault("broker.pubsub.compression", true)
	v.SetDefault("broker.pubsub.compression_threshold", pubsub.DefaultCompressionThreshold)

	v.SetDefault("consumer.group_id", "listing-indexer")
	v.SetDefault("consumer.topic", "")
	v.SetDefault("consumer.max_partitions", 4)
	v.SetDefault("consumer.handler_retries", 3)
	v.SetDefault("consumer.handler_backoff", "1s")
	v.SetDefault("consumer.handler_max_backoff", "30s")
	v.SetDefault("consumer.heartbeat_interval", "3s")
	v.SetDefault("consumer.session_timeout", "30s")
	v.SetDefault("consumer.commit_timeout", "10s")
	v.SetDefault("consumer.dead_letter.topic", "listings.dlq")
	v.SetDefault("consumer.dead_letter.max_attempts", 5)
	v.SetDefault("consumer.dead_letter.redelivery_delay", "30s")
	v.SetDefault("consumer.dead_letter.publish_retries", 3)

	v.SetDefault("http.user_agent", "listing-ingest/0.1 (+https://github.com/JakeFAU/listing-ingest)")
	v.SetDefault("http.accept_language", "en-US,en;q=0.9")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.respect_robots", true)

	v.SetDefault("dedupe.driver", "")
	v.SetDefault("dedupe.ttl", "24h")
	v.SetDefault("dedupe.prefix", "ingest:seen:")
	v.SetDefault("dedupe.redis.addr", "")

	v.SetDefault("archive.driver", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")

	v.SetDefault("scheduler.drain_timeout", "30s")
}

// inherit fills consumer settings that default to the producer's.
func (c *Config) inherit() {
	if len(c.Consumer.Brokers) == 0 {
		c.Consumer.Brokers = c.Broker.Brokers
	}
	if c.Consumer.ClientID == "" {
		c.Consumer.ClientID = c.Broker.ClientID
	}
	if !c.Consumer.TLS.Enabled {
		c.Consumer.TLS = c.Broker.TLS
	}
	if c.Consumer.SASL.Mechanism == "" {
		c.Consumer.SASL = c.Broker.SASL
	}
	if c.Consumer.Topic == "" {
		c.Consumer.Topic = c.Broker.Topic
	}
}

// Validate performs sanity checks on critical configuration values.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Consumer.Validate(); err != nil {
		return fmt.Errorf("consumer.%w", err)
	}
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http.timeout must be >= 0")
	}
	if err := c.Dedupe.Validate(); err != nil {
		return err
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	if c.Scheduler.DrainTimeout < 0 {
		return fmt.Errorf("scheduler.drain_timeout must be >= 0")
	}
	return c.validateSources()
}

func (b BrokerConfig) validate() error {
	if b.Topic == "" {
		return fmt.Errorf("broker.topic must be set")
	}
	switch strings.ToLower(b.Driver) {
	case DriverKafka:
		if len(b.Brokers) == 0 {
			return fmt.Errorf("broker.brokers must list at least one broker for the kafka driver")
		}
		if _, err := queue.ParseCompression(b.Compression); err != nil {
			return fmt.Errorf("broker.compression: %w", err)
		}
	case DriverPubSub:
		if b.PubSub.ProjectID == "" {
			return fmt.Errorf("broker.pubsub.project_id must be set for the pubsub driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("broker.driver must be one of kafka, pubsub, memory (got %q)", b.Driver)
	}
	return nil
}

func (c Config) validateSources() error {
	seen := make(map[string]int, len(c.Sources))
	for i, src := range c.Sources {
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("sources[%d].url must be set", i)
		}
		if _, err := record.ParseKind(src.Kind); err != nil {
			return fmt.Errorf("sources[%d].kind must be technology, grant or university_index: %w", i, err)
		}
		if src.Interval < 0 {
			return fmt.Errorf("sources[%d].interval must be >= 0", i)
		}
		if src.Name == "" {
			continue
		}
		if prev, ok := seen[src.Name]; ok {
			return fmt.Errorf("sources[%d].name must be unique (%q also used by sources[%d])", i, src.Name, prev)
		}
		seen[src.Name] = i
	}
	return nil
}

// PublishTopic is the topic sources publish to unless they override it.
func (c Config) PublishTopic() string {
	return c.Broker.Topic
}
