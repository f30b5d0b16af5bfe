// Package archive stores raw fetched pages so extraction can be replayed or
// audited later. Backends: local filesystem, Google Cloud Storage and memory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/listing-ingest/internal/hash/sha256"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

// ContentTypeHTML is the content type recorded for archived pages.
const ContentTypeHTML = "text/html; charset=utf-8"

// Store writes one object and returns its URI.
type Store interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Config selects the backend.
type Config struct {
	// Driver is "", "local", "gcs" or "memory". Empty disables archiving.
	Driver  string `mapstructure:"driver"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "", "memory":
	case "local":
		if strings.TrimSpace(c.BaseDir) == "" {
			return errors.New("archive.base_dir is required for the local driver")
		}
	case "gcs":
		if c.Bucket == "" {
			return errors.New("archive.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver %q is not supported", c.Driver)
	}
	return nil
}

// New builds the configured store. It returns nil, nil when archiving is off.
// A GCS client is created with Application Default Credentials.
func New(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Driver) {
	case "local":
		store, err := NewLocal(cfg.BaseDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := NewGCS(client, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, nil
	}
}

// Path returns "<prefix>/<host>/<sha256>.html" for a page fetched from
// pageURL. Identical bodies map to the same object.
func Path(prefix, pageURL string, body []byte) string {
	name := sha256.Sum(body) + ".html"
	site := metrics.SanitizeSite(pageURL)
	if prefix = strings.Trim(prefix, "/"); prefix == "" {
		return path.Join(site, name)
	}
	return path.Join(prefix, site, name)
}
