package transfer

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanderlud/giga-grabber/internal/mega"
)

const mib = 1 << 20

func TestPlanSections(t *testing.T) {
	tests := []struct {
		name   string
		size   uint64
		weight int64
		want   int
		first  uint64
	}{
		{name: "empty file", size: 0, weight: 1, want: 0},
		{name: "single byte", size: 1, weight: 1, want: 1, first: 1},
		{name: "below minimum", size: 300_000, weight: 10, want: 1, first: 300_000},
		{name: "exactly one section", size: mib, weight: 1, want: 1, first: mib},
		{name: "weight splits evenly", size: 10 * mib, weight: 10, want: 10, first: mib},
		{name: "unaligned split rounds down", size: 3*mib + 5, weight: 1, want: 2, first: 3 * mib},
		{name: "large file caps at 128MiB", size: 1024 * mib, weight: 1, want: 8, first: 128 * mib},
		{name: "zero weight treated as one", size: 2 * mib, weight: 0, want: 1, first: 2 * mib},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sections := planSections(tt.size, tt.weight)
			require.Len(t, sections, tt.want)
			if tt.want == 0 {
				return
			}
			assert.Equal(t, tt.first, sections[0].Length)

			var next uint64
			var total uint64
			for i, sec := range sections {
				assert.Equal(t, next, sec.Start, "section %d must be contiguous", i)
				assert.Zero(t, sec.Start%16, "section %d must start block aligned", i)
				assert.False(t, sec.Completed)
				next += sec.Length
				total += sec.Length
			}
			assert.Equal(t, tt.size, total)
		})
	}
}

// The drain must produce the same MAC no matter in which order sections
// complete, because it only feeds contiguous bytes.
func TestMACDrainOrderIndependence(t *testing.T) {
	payload := make([]byte, 400_000)
	for i := range payload {
		payload[i] = byte(i*11 + 5)
	}

	key, err := mega.NewFileKey()
	require.NoError(t, err)

	reference, err := mega.NewMACAccumulator(key)
	require.NoError(t, err)
	_, err = reference.Write(payload)
	require.NoError(t, err)

	sections := []struct{ start, length uint64 }{
		{0, 100_000},
		{100_000, 150_000},
		{250_000, 100_000},
		{350_000, 50_000},
	}

	for trial := 0; trial < 5; trial++ {
		path := filepath.Join(t.TempDir(), "partial")
		require.NoError(t, os.WriteFile(path, payload, 0o644))
		f, err := os.Open(path)
		require.NoError(t, err)

		mac, err := mega.NewMACAccumulator(key)
		require.NoError(t, err)
		drain := newMACDrain(f, mac)

		order := rand.Perm(len(sections))
		for _, i := range order {
			require.NoError(t, drain.complete(sections[i].start, sections[i].length))
		}

		assert.Equal(t, uint64(len(payload)), drain.absorbed())
		assert.Equal(t, reference.Sum(), mac.Sum())
		require.NoError(t, f.Close())
	}
}

func TestMACDrainStallsOnGap(t *testing.T) {
	payload := make([]byte, 64)
	path := filepath.Join(t.TempDir(), "partial")
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	key, err := mega.NewFileKey()
	require.NoError(t, err)
	mac, err := mega.NewMACAccumulator(key)
	require.NoError(t, err)

	drain := newMACDrain(f, mac)
	require.NoError(t, drain.complete(32, 32))
	assert.Zero(t, drain.absorbed())

	require.NoError(t, drain.complete(0, 32))
	assert.Equal(t, uint64(64), drain.absorbed())
}
