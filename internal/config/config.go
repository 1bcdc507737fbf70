package config

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Bounds for the scheduler settings. Values outside these ranges are clamped
// by Normalize rather than rejected.
const (
	MinMaxWorkers  = 1
	MaxMaxWorkers  = 10
	MinConcurrency = 1
	MaxConcurrency = 100
)

// ProxyMode selects how outgoing requests are routed through proxies.
type ProxyMode string

const (
	// ProxyModeNone connects directly.
	ProxyModeNone ProxyMode = "none"
	// ProxyModeSingle routes every request through the first configured proxy.
	ProxyModeSingle ProxyMode = "single"
	// ProxyModeRandom picks a random proxy from the list for each request.
	ProxyModeRandom ProxyMode = "random"
)

// ParseProxyMode converts a user-supplied string into a ProxyMode.
func ParseProxyMode(s string) (ProxyMode, error) {
	switch m := ProxyMode(strings.ToLower(s)); m {
	case ProxyModeNone, ProxyModeSingle, ProxyModeRandom:
		return m, nil
	default:
		return "", fmt.Errorf("unknown proxy mode %q", s)
	}
}

// Config holds runtime settings for the transfer CLI.
//
// Fields:
//   - MaxWorkers: parallel transfer workers (clamped to [1, 10]).
//   - ConcurrencyBudget: total weight shared by running transfers (clamped to [1, 100]).
//   - MaxRetries: how many times a failed transfer is retried before giving up.
//   - Timeout: per-request HTTP timeout.
//   - MinRetryDelay / MaxRetryDelay: bounds for the exponential retry backoff.
//   - ProxyMode / Proxies: outbound proxy routing.
//   - APIOrigin: base URL of the MEGA API.
//   - UseHTTPS: ask the API for https content URLs.
//   - DownloadDir: directory downloads are written into.
//   - DatabasePath: SQLite file holding resume state.
//   - KeepPartial: keep .partial files when a transfer is cancelled.
//   - Email / Password / MFA: account credentials, environment-only.
type Config struct {
	MaxWorkers        int
	ConcurrencyBudget int
	MaxRetries        int
	Timeout           time.Duration
	MinRetryDelay     time.Duration
	MaxRetryDelay     time.Duration
	ProxyMode         ProxyMode
	Proxies           []string

	APIOrigin    string
	UseHTTPS     bool
	DownloadDir  string
	DatabasePath string
	KeepPartial  bool

	Email    string
	Password string
	MFA      string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.MaxWorkers = 10
	c.ConcurrencyBudget = 10
	c.MaxRetries = 3
	c.Timeout = 20 * time.Second
	c.MinRetryDelay = 10 * time.Second
	c.MaxRetryDelay = 30 * time.Second
	c.ProxyMode = ProxyModeNone
	c.Proxies = nil
	c.APIOrigin = "https://g.api.mega.co.nz/"
	c.UseHTTPS = false
	c.DownloadDir = "downloads"
	c.DatabasePath = "transfers.db"
	c.KeepPartial = false
}

// Load constructs a Config, applies defaults, then overlays values from the
// JSON config file, credential environment variables, and command-line flags.
// Later sources take precedence over earlier ones.
//
// The returned warning is non-empty when an existing config file could not be
// loaded and was replaced with defaults; the caller decides how to surface it.
func Load() (*Config, string) {
	cfg := &Config{}
	cfg.LoadDefaults()
	warn := parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	cfg.Normalize()
	return cfg, warn
}

// Normalize clamps the scheduler settings into their supported ranges.
func (c *Config) Normalize() {
	c.MaxWorkers = clampInt(c.MaxWorkers, MinMaxWorkers, MaxMaxWorkers)
	c.ConcurrencyBudget = clampInt(c.ConcurrencyBudget, MinConcurrency, MaxConcurrency)
}

// Validate reports configuration combinations that cannot work at runtime.
func (c *Config) Validate() error {
	if _, err := ParseProxyMode(string(c.ProxyMode)); err != nil {
		return err
	}
	if c.ProxyMode != ProxyModeNone && len(c.Proxies) == 0 {
		return errors.New("proxy mode is enabled but no proxies are configured")
	}
	if c.MinRetryDelay > c.MaxRetryDelay {
		return errors.New("min retry delay exceeds max retry delay")
	}
	return nil
}

// DownloadWeight maps a file size to the scheduler weight of its transfer.
// Small files cost one unit; progressively larger files cost more, capped so
// a single file never exceeds the whole budget.
func (c *Config) DownloadWeight(sizeBytes uint64) int64 {
	const mb = 1024 * 1024

	var weight int64
	switch {
	case sizeBytes < 5*mb:
		weight = 1
	case sizeBytes < 20*mb:
		weight = 2
	case sizeBytes < 100*mb:
		weight = 5
	default:
		weight = 10
	}

	budget := int64(clampInt(c.ConcurrencyBudget, MinConcurrency, MaxConcurrency))
	return min(weight, budget)
}

// ProxyFunc returns a proxy selector suitable for http.Transport.Proxy, or
// nil when ProxyMode is ProxyModeNone. Proxy URLs are parsed eagerly so a bad
// list fails here instead of on the first request.
func (c *Config) ProxyFunc() (func(*http.Request) (*url.URL, error), error) {
	if c.ProxyMode == ProxyModeNone {
		return nil, nil
	}
	if len(c.Proxies) == 0 {
		return nil, errors.New("proxy mode is enabled but no proxies are configured")
	}

	parsed := make([]*url.URL, len(c.Proxies))
	for i, raw := range c.Proxies {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
		}
		parsed[i] = u
	}

	switch c.ProxyMode {
	case ProxyModeSingle:
		return func(*http.Request) (*url.URL, error) {
			return parsed[0], nil
		}, nil
	case ProxyModeRandom:
		return func(*http.Request) (*url.URL, error) {
			return parsed[rand.IntN(len(parsed))], nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown proxy mode %q", c.ProxyMode)
	}
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
