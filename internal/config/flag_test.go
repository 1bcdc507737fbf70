package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "Test1 OK",
			args: []string{
				"cmd", "-w", "4", "-b", "20", "-r", "5", "-t", "30",
				"-min-delay", "1", "-max-delay", "2",
				"-proxy-mode", "random", "-proxies", "http://p1:8080,http://p2:8080",
				"-o", "out", "-db", "state.db",
			},
			expectPanic: false,
			expected: &Config{
				MaxWorkers:        4,
				ConcurrencyBudget: 20,
				MaxRetries:        5,
				Timeout:           30 * time.Second,
				MinRetryDelay:     1 * time.Second,
				MaxRetryDelay:     2 * time.Second,
				ProxyMode:         ProxyModeRandom,
				Proxies:           []string{"http://p1:8080", "http://p2:8080"},
				DownloadDir:       "out",
				DatabasePath:      "state.db",
			},
		},
		{
			name:        "Test2 incorrect worker count",
			args:        []string{"cmd", "-w", "abc"},
			expectPanic: true,
			expected:    &Config{},
		},
		{
			name:        "Test3 unknown proxy mode",
			args:        []string{"cmd", "-proxy-mode", "tunnel"},
			expectPanic: true,
			expected:    &Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args

			config := &Config{}

			if !tt.expectPanic {
				require.NotPanics(t, func() { parseFlags(config) })
				assert.Empty(t, cmp.Diff(config, tt.expected))
			} else {
				require.Panics(t, func() { parseFlags(config) })
			}
		})
	}
}

func TestParseFlags_KeepsDefaultsWhenAbsent(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	os.Args = []string{"cmd", "-w", "2"}

	cfg := defaultConfig()
	parseFlags(cfg)

	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, 10, cfg.ConcurrencyBudget)
	assert.Equal(t, 20*time.Second, cfg.Timeout)
	assert.Equal(t, ProxyModeNone, cfg.ProxyMode)
	assert.Equal(t, "downloads", cfg.DownloadDir)
}
