package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/chanderlud/giga-grabber/internal/flagx"
	"github.com/chanderlud/giga-grabber/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON (un)marshalling. Pointer
// fields distinguish "absent" from zero, so a sparse file only overrides the
// fields it names. It relies on timex.Duration so JSON can specify intervals
// either as strings like "20s" or as integer nanoseconds.
type JsonConfig struct {
	MaxWorkers        *int            `json:"max_workers"`
	ConcurrencyBudget *int            `json:"concurrency_budget"`
	MaxRetries        *int            `json:"max_retries"`
	Timeout           *timex.Duration `json:"timeout"`
	MinRetryDelay     *timex.Duration `json:"min_retry_delay"`
	MaxRetryDelay     *timex.Duration `json:"max_retry_delay"`
	ProxyMode         *ProxyMode      `json:"proxy_mode"`
	Proxies           []string        `json:"proxies"`
	APIOrigin         *string         `json:"api_origin"`
	UseHTTPS          *bool           `json:"use_https"`
	DownloadDir       *string         `json:"download_dir"`
	DatabasePath      *string         `json:"database_path"`
	KeepPartial       *bool           `json:"keep_partial"`
}

func (jc *JsonConfig) apply(cfg *Config) {
	if jc.MaxWorkers != nil {
		cfg.MaxWorkers = *jc.MaxWorkers
	}
	if jc.ConcurrencyBudget != nil {
		cfg.ConcurrencyBudget = *jc.ConcurrencyBudget
	}
	if jc.MaxRetries != nil {
		cfg.MaxRetries = *jc.MaxRetries
	}
	if jc.Timeout != nil {
		cfg.Timeout = jc.Timeout.Duration
	}
	if jc.MinRetryDelay != nil {
		cfg.MinRetryDelay = jc.MinRetryDelay.Duration
	}
	if jc.MaxRetryDelay != nil {
		cfg.MaxRetryDelay = jc.MaxRetryDelay.Duration
	}
	if jc.ProxyMode != nil {
		cfg.ProxyMode = *jc.ProxyMode
	}
	if jc.Proxies != nil {
		cfg.Proxies = jc.Proxies
	}
	if jc.APIOrigin != nil {
		cfg.APIOrigin = *jc.APIOrigin
	}
	if jc.UseHTTPS != nil {
		cfg.UseHTTPS = *jc.UseHTTPS
	}
	if jc.DownloadDir != nil {
		cfg.DownloadDir = *jc.DownloadDir
	}
	if jc.DatabasePath != nil {
		cfg.DatabasePath = *jc.DatabasePath
	}
	if jc.KeepPartial != nil {
		cfg.KeepPartial = *jc.KeepPartial
	}
}

func (c *Config) toJson() *JsonConfig {
	return &JsonConfig{
		MaxWorkers:        &c.MaxWorkers,
		ConcurrencyBudget: &c.ConcurrencyBudget,
		MaxRetries:        &c.MaxRetries,
		Timeout:           &timex.Duration{Duration: c.Timeout},
		MinRetryDelay:     &timex.Duration{Duration: c.MinRetryDelay},
		MaxRetryDelay:     &timex.Duration{Duration: c.MaxRetryDelay},
		ProxyMode:         &c.ProxyMode,
		Proxies:           c.Proxies,
		APIOrigin:         &c.APIOrigin,
		UseHTTPS:          &c.UseHTTPS,
		DownloadDir:       &c.DownloadDir,
		DatabasePath:      &c.DatabasePath,
		KeepPartial:       &c.KeepPartial,
	}
}

// Save writes the non-credential settings to path as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c.toJson(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// parseJson overlays Config with values loaded from the JSON config file.
//
// Lookup order for the file path:
//  1. Command-line flags (-c or -config) via flagx.ConfigFilePath().
//  2. Otherwise "config.json" in the working directory.
//
// A missing file is created from the current (default) values, so the next
// run starts from a file the user can edit. A file that cannot be read,
// parsed or validated is backed up to <path>.backup.<unixtime> and rewritten
// with defaults; cfg is left unchanged and a non-empty warning describing the
// reset is returned.
func parseJson(cfg *Config) string {
	path := flagx.ConfigFilePath()
	if path == "" {
		path = "config.json"
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		_ = cfg.Save(path)
		return ""
	}
	if err != nil {
		return resetConfigFile(cfg, path, err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return resetConfigFile(cfg, path, err)
	}

	next := *cfg
	jc.apply(&next)
	next.Normalize()
	if err := next.Validate(); err != nil {
		return resetConfigFile(cfg, path, err)
	}

	*cfg = next
	return ""
}

// resetConfigFile backs up the unusable config file and writes cfg (still the
// defaults at this point) in its place.
func resetConfigFile(cfg *Config, path string, cause error) string {
	backup := fmt.Sprintf("%s.backup.%d", path, time.Now().Unix())
	if data, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(backup, data, 0o600)
	}
	_ = cfg.Save(path)
	return fmt.Sprintf("config file %s could not be loaded (%v); backed it up to %s and restored defaults", path, cause, backup)
}
