package scraper

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/listing-ingest/internal/extract"
	"github.com/JakeFAU/listing-ingest/internal/fetch"
	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/retry"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

// Options are the caller-supplied settings for one source. Zero values fall
// back to the kind's defaults.
type Options struct {
	// Name labels logs, metrics and the x-source header. Defaults to the URL host.
	Name     string        `mapstructure:"name"`
	Kind     string        `mapstructure:"kind"`
	URL      string        `mapstructure:"url"`
	Topic    string        `mapstructure:"topic"`
	Interval time.Duration `mapstructure:"interval"`

	Technology      extract.TechnologySelectors      `mapstructure:"technology"`
	Grant           extract.GrantSelectors           `mapstructure:"grant"`
	UniversityIndex extract.UniversityIndexSelectors `mapstructure:"university_index"`

	// Classification, when set, replaces the extracted classification of
	// every record from this source.
	Classification string `mapstructure:"classification"`
	// Currency is assigned to grant amounts that carry no currency marker.
	Currency string `mapstructure:"currency"`

	RateLimit    fetch.RateLimit     `mapstructure:"rate_limit"`
	Retry        RetryOptions        `mapstructure:"retry"`
	PublishRetry RetryOptions        `mapstructure:"publish_retry"`
	Breaker      fetch.BreakerConfig `mapstructure:"breaker"`
	HTTP         *fetch.HTTPConfig   `mapstructure:"http"`
	Rules        validate.Rules      `mapstructure:"rules"`
}

// RetryOptions overrides parts of a retry policy. A nil MaxRetries keeps the
// default; zero disables retries.
type RetryOptions struct {
	MaxRetries *int          `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     bool          `mapstructure:"jitter"`
}

func (o RetryOptions) over(def retry.Policy) retry.Policy {
	if o.MaxRetries != nil {
		def.MaxRetries = *o.MaxRetries
	}
	if o.BaseDelay != 0 {
		def.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay != 0 {
		def.MaxDelay = o.MaxDelay
	}
	def.Jitter = def.Jitter || o.Jitter
	return def
}

// Defaults are the per-kind settings options are merged over.
type Defaults struct {
	RateLimit    fetch.RateLimit
	Retry        retry.Policy
	PublishRetry retry.Policy
	Breaker      fetch.BreakerConfig
	Interval     time.Duration
}

// DefaultsFor returns the built-in settings for kind.
func DefaultsFor(kind record.Kind) Defaults {
	d := Defaults{
		RateLimit:    fetch.RateLimit{RequestsPerWindow: 10, Window: time.Minute, MaxConcurrent: 2},
		Retry:        retry.DefaultPolicy(),
		PublishRetry: retry.Policy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		Breaker:      fetch.DefaultBreakerConfig(),
		Interval:     time.Hour,
	}
	switch kind {
	case record.KindGrant:
		// Grant portals are larger federal sites that tolerate more traffic.
		d.RateLimit = fetch.RateLimit{RequestsPerWindow: 30, Window: time.Minute, MaxConcurrent: 4}
		d.Retry.BaseDelay = 2 * time.Second
		d.Interval = 6 * time.Hour
	case record.KindUniversityIndex:
		d.RateLimit = fetch.RateLimit{RequestsPerWindow: 5, Window: time.Minute, MaxConcurrent: 1}
		d.Retry.MaxRetries = 2
		d.Interval = 24 * time.Hour
	}
	return d
}

// Config is the resolved, immutable configuration of one scraper.
type Config struct {
	Name           string
	Kind           record.Kind
	URL            string
	Topic          string
	Interval       time.Duration
	Classification string
	Currency       string
	Fetch          fetch.Config
	PublishRetry   retry.Policy
	Rules          validate.Rules
}

// resolve validates opts and merges them over the kind defaults. It never
// returns a partially valid Config.
func resolve(kindName string, opts Options, base fetch.HTTPConfig, defaultTopic string) (Config, extract.Extractor, error) {
	kind, err := record.ParseKind(kindName)
	if err != nil {
		return Config{}, nil, configErr("", "kind", err)
	}
	k := string(kind)

	if strings.TrimSpace(opts.URL) == "" {
		return Config{}, nil, configErr(k, "url", errors.New("is required"))
	}
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, nil, configErr(k, "url", fmt.Errorf("%q is not an absolute http(s) URL", opts.URL))
	}

	var ext extract.Extractor
	switch kind {
	case record.KindTechnology:
		ext, err = extract.NewTechnologyExtractor(opts.Technology)
	case record.KindGrant:
		ext, err = extract.NewGrantExtractor(opts.Grant)
	case record.KindUniversityIndex:
		ext, err = extract.NewUniversityIndexExtractor(opts.UniversityIndex)
	}
	if err != nil {
		return Config{}, nil, configErr(k, "selectors", err)
	}

	classification := strings.ToLower(strings.TrimSpace(opts.Classification))
	if classification != "" && !slices.Contains(validate.Classifications, classification) {
		return Config{}, nil, configErr(k, "classification", fmt.Errorf("%q is not one of %v", opts.Classification, validate.Classifications))
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency != "" {
		if kind != record.KindGrant {
			return Config{}, nil, configErr(k, "currency", errors.New("only applies to grant sources"))
		}
		if !slices.Contains(extract.Currencies, currency) {
			return Config{}, nil, configErr(k, "currency", fmt.Errorf("%q is not one of %v", opts.Currency, extract.Currencies))
		}
	}

	def := DefaultsFor(kind)
	rate := def.RateLimit
	if opts.RateLimit.RequestsPerWindow != 0 {
		rate.RequestsPerWindow = opts.RateLimit.RequestsPerWindow
	}
	if opts.RateLimit.Window != 0 {
		rate.Window = opts.RateLimit.Window
	}
	if opts.RateLimit.MaxConcurrent != 0 {
		rate.MaxConcurrent = opts.RateLimit.MaxConcurrent
	}
	if err := rate.Validate(); err != nil {
		return Config{}, nil, configErr(k, "rate_limit", err)
	}

	fetchRetry := opts.Retry.over(def.Retry)
	if err := fetchRetry.Validate(); err != nil {
		return Config{}, nil, configErr(k, "retry", err)
	}
	publishRetry := opts.PublishRetry.over(def.PublishRetry)
	if err := publishRetry.Validate(); err != nil {
		return Config{}, nil, configErr(k, "publish_retry", err)
	}

	breaker := def.Breaker
	if opts.Breaker.FailureThreshold != 0 {
		breaker.FailureThreshold = opts.Breaker.FailureThreshold
	}
	if opts.Breaker.ResetTimeout != 0 {
		breaker.ResetTimeout = opts.Breaker.ResetTimeout
	}
	if opts.Breaker.Interval != 0 {
		breaker.Interval = opts.Breaker.Interval
	}
	if breaker.FailureThreshold < 0 || breaker.ResetTimeout < 0 || breaker.Interval < 0 {
		return Config{}, nil, configErr(k, "breaker", errors.New("values must be >= 0"))
	}

	interval := def.Interval
	switch {
	case opts.Interval < 0:
		return Config{}, nil, configErr(k, "interval", errors.New("must be >= 0"))
	case opts.Interval > 0:
		interval = opts.Interval
	}

	rules := opts.Rules
	if rules.MinDescription < 0 || rules.MaxDescription < 0 || rules.MaxTitle < 0 || rules.MaxAmount < 0 || rules.MinDeadlineDays < 0 {
		return Config{}, nil, configErr(k, "rules", errors.New("values must be >= 0"))
	}

	httpCfg := base
	if opts.HTTP != nil {
		httpCfg = mergeHTTP(base, *opts.HTTP)
	}
	httpCfg.Timeout = fetch.ClampTimeout(httpCfg.Timeout)

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = strings.ToLower(u.Hostname())
	}
	topic := opts.Topic
	if topic == "" {
		topic = defaultTopic
	}
	if topic == "" {
		return Config{}, nil, configErr(k, "topic", errors.New("is required"))
	}

	return Config{
		Name:           name,
		Kind:           kind,
		URL:            opts.URL,
		Topic:          topic,
		Interval:       interval,
		Classification: classification,
		Currency:       currency,
		Fetch: fetch.Config{
			Source:    name,
			URL:       opts.URL,
			HTTP:      httpCfg,
			RateLimit: rate,
			Retry:     fetchRetry,
			Breaker:   breaker,
		},
		PublishRetry: publishRetry,
		Rules:        rules,
	}, ext, nil
}

func mergeHTTP(base, over fetch.HTTPConfig) fetch.HTTPConfig {
	out := base
	if over.UserAgent != "" {
		out.UserAgent = over.UserAgent
	}
	if over.AcceptLanguage != "" {
		out.AcceptLanguage = over.AcceptLanguage
	}
	if over.Timeout != 0 {
		out.Timeout = over.Timeout
	}
	if over.Proxy.URL != "" {
		out.Proxy = over.Proxy
	}
	out.RespectRobots = base.RespectRobots || over.RespectRobots
	if len(base.Headers)+len(over.Headers) > 0 {
		out.Headers = make(map[string]string, len(base.Headers)+len(over.Headers))
		for k, v := range base.Headers {
			out.Headers[k] = v
		}
		for k, v := range over.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
