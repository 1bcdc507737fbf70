package config

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, 10, c.MaxWorkers)
	assert.Equal(t, 10, c.ConcurrencyBudget)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 20*time.Second, c.Timeout)
	assert.Equal(t, 10*time.Second, c.MinRetryDelay)
	assert.Equal(t, 30*time.Second, c.MaxRetryDelay)
	assert.Equal(t, ProxyModeNone, c.ProxyMode)
	assert.Empty(t, c.Proxies)
	assert.Equal(t, "https://g.api.mega.co.nz/", c.APIOrigin)
	assert.False(t, c.UseHTTPS)
	assert.Equal(t, "downloads", c.DownloadDir)
	assert.Equal(t, "transfers.db", c.DatabasePath)
}

func TestNormalize_ClampsBounds(t *testing.T) {
	tests := []struct {
		name        string
		workers     int
		budget      int
		wantWorkers int
		wantBudget  int
	}{
		{"below minimums", 0, 0, 1, 1},
		{"negative values", -3, -9, 1, 1},
		{"above maximums", 50, 1000, 10, 100},
		{"in range untouched", 5, 42, 5, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{MaxWorkers: tt.workers, ConcurrencyBudget: tt.budget}
			c.Normalize()
			assert.Equal(t, tt.wantWorkers, c.MaxWorkers)
			assert.Equal(t, tt.wantBudget, c.ConcurrencyBudget)
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.LoadDefaults()
		return c
	}

	t.Run("defaults are valid", func(t *testing.T) {
		c := base()
		assert.NoError(t, c.Validate())
	})

	t.Run("proxy mode without proxies", func(t *testing.T) {
		c := base()
		c.ProxyMode = ProxyModeRandom
		assert.Error(t, c.Validate())
	})

	t.Run("proxy mode with proxies", func(t *testing.T) {
		c := base()
		c.ProxyMode = ProxyModeSingle
		c.Proxies = []string{"http://127.0.0.1:8080"}
		assert.NoError(t, c.Validate())
	})

	t.Run("unknown proxy mode", func(t *testing.T) {
		c := base()
		c.ProxyMode = "carrier-pigeon"
		assert.Error(t, c.Validate())
	})

	t.Run("inverted retry delays", func(t *testing.T) {
		c := base()
		c.MinRetryDelay = time.Minute
		c.MaxRetryDelay = time.Second
		assert.Error(t, c.Validate())
	})
}

func TestParseProxyMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ProxyMode
		wantErr bool
	}{
		{"none", ProxyModeNone, false},
		{"single", ProxyModeSingle, false},
		{"random", ProxyModeRandom, false},
		{"RANDOM", ProxyModeRandom, false},
		{"", "", true},
		{"both", "", true},
	}

	for _, tt := range tests {
		got, err := ParseProxyMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestDownloadWeight(t *testing.T) {
	const mb = 1024 * 1024

	c := Config{ConcurrencyBudget: 10}

	tests := []struct {
		size uint64
		want int64
	}{
		{0, 1},
		{4 * mb, 1},
		{5 * mb, 2},
		{19 * mb, 2},
		{20 * mb, 5},
		{99 * mb, 5},
		{100 * mb, 10},
		{5000 * mb, 10},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, c.DownloadWeight(tt.size), "size %d", tt.size)
	}

	t.Run("weight never exceeds budget", func(t *testing.T) {
		small := Config{ConcurrencyBudget: 3}
		assert.Equal(t, int64(3), small.DownloadWeight(200*mb))
		assert.Equal(t, int64(2), small.DownloadWeight(6*mb))
	})

	t.Run("zero budget clamps to one", func(t *testing.T) {
		zero := Config{}
		assert.Equal(t, int64(1), zero.DownloadWeight(200*mb))
	})
}

func TestProxyFunc(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)

	t.Run("none returns nil selector", func(t *testing.T) {
		c := Config{ProxyMode: ProxyModeNone}
		fn, err := c.ProxyFunc()
		require.NoError(t, err)
		assert.Nil(t, fn)
	})

	t.Run("single always picks the first proxy", func(t *testing.T) {
		c := Config{
			ProxyMode: ProxyModeSingle,
			Proxies:   []string{"http://first:8080", "http://second:8080"},
		}
		fn, err := c.ProxyFunc()
		require.NoError(t, err)
		require.NotNil(t, fn)

		for i := 0; i < 5; i++ {
			u, err := fn(req)
			require.NoError(t, err)
			assert.Equal(t, "first:8080", u.Host)
		}
	})

	t.Run("random picks from the list", func(t *testing.T) {
		c := Config{
			ProxyMode: ProxyModeRandom,
			Proxies:   []string{"http://a:1", "http://b:2"},
		}
		fn, err := c.ProxyFunc()
		require.NoError(t, err)
		require.NotNil(t, fn)

		hosts := map[string]bool{"a:1": true, "b:2": true}
		for i := 0; i < 20; i++ {
			u, err := fn(req)
			require.NoError(t, err)
			assert.True(t, hosts[u.Host], "unexpected proxy %s", u.Host)
		}
	})

	t.Run("mode without proxies fails", func(t *testing.T) {
		c := Config{ProxyMode: ProxyModeRandom}
		_, err := c.ProxyFunc()
		assert.Error(t, err)
	})

	t.Run("invalid proxy url fails", func(t *testing.T) {
		c := Config{
			ProxyMode: ProxyModeSingle,
			Proxies:   []string{"http://bad url\x7f"},
		}
		_, err := c.ProxyFunc()
		assert.Error(t, err)
	})
}
