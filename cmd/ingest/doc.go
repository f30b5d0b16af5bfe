// Package main hosts the listing ingest entrypoint.
//
// Architecture overview:
//   - scrape: every configured source gets a Scraper from internal/scraper.Factory. The scheduler runs each one on
//     its own interval; a cycle fetches the page through the rate limiter, retry policy and circuit breaker, extracts
//     candidates, validates them and publishes the accepted records. --once runs one cycle per source and exits.
//   - Broker: broker.driver selects Kafka (segmentio/kafka-go), Pub/Sub, or an in-process memory broker for local
//     runs. Records are keyed by ID so a record's revisions stay on one partition.
//   - consume: a Kafka consumer group reads the listings topic and its dead-letter topic. Failed messages are retried
//     in place, then rerouted with an incremented x-attempt header until dead_letter.max_attempts, then dropped.
//   - Optional stores: dedupe (memory or Redis) skips records already published within the TTL; archive (local, GCS
//     or memory) keeps the raw page each cycle scraped.
//   - Plumbing: Viper loads config from a file and INGEST_* env vars; zap provides structured logging; Prometheus
//     metrics and /healthz are served by internal/health on server.port.
//
// Operational notes:
//   - Shutdown on SIGINT/SIGTERM: the scheduler admits no new cycles, in-flight cycles get scheduler.drain_timeout,
//     then the producer is flushed and closed. The consumer leaves unfinished messages uncommitted.
//   - Run locally: go run ./cmd/ingest scrape --once --config config.yaml
package main
