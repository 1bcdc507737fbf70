package transfer

import (
	"fmt"
	"os"
	"sync"

	"github.com/chanderlud/giga-grabber/internal/checkpoint"
	"github.com/chanderlud/giga-grabber/internal/mega"
)

const (
	minSectionSize = 1 << 20   // 1 MiB
	maxSectionSize = 128 << 20 // 128 MiB
)

// planSections splits size bytes into ranged-request sections. The section
// size scales with the task's weight so a heavy download spreads across its
// fan-out, clamped to [1 MiB, 128 MiB] and rounded down to the cipher block
// size so every section starts block aligned.
func planSections(size uint64, weight int64) []checkpoint.Section {
	if size == 0 {
		return nil
	}
	if weight < 1 {
		weight = 1
	}
	sectionSize := min(max(size/uint64(weight), minSectionSize), maxSectionSize)
	sectionSize &^= 15

	sections := make([]checkpoint.Section, 0, size/sectionSize+1)
	for start := uint64(0); start < size; start += sectionSize {
		sections = append(sections, checkpoint.Section{
			Start:  start,
			Length: min(sectionSize, size-start),
		})
	}
	return sections
}

// macDrain feeds a MAC accumulator from the partial file in strict offset
// order while sections complete in any order.
type macDrain struct {
	file *os.File

	mu      sync.Mutex
	mac     *mega.MACAccumulator
	next    uint64
	pending map[uint64]uint64
	buf     []byte
}

func newMACDrain(f *os.File, mac *mega.MACAccumulator) *macDrain {
	return &macDrain{
		file:    f,
		mac:     mac,
		pending: make(map[uint64]uint64),
		buf:     make([]byte, 256*1024),
	}
}

// complete records that [start, start+length) is fully written and absorbs
// every contiguous completed byte the file now holds.
func (d *macDrain) complete(start, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[start] = length
	for {
		l, ok := d.pending[d.next]
		if !ok {
			return nil
		}
		delete(d.pending, d.next)
		if err := d.replay(d.next, l); err != nil {
			return err
		}
		d.next += l
	}
}

func (d *macDrain) replay(start, length uint64) error {
	for length > 0 {
		n := min(uint64(len(d.buf)), length)
		if _, err := d.file.ReadAt(d.buf[:n], int64(start)); err != nil {
			return fmt.Errorf("replaying partial content: %w", err)
		}
		_, _ = d.mac.Write(d.buf[:n])
		start += n
		length -= n
	}
	return nil
}

// absorbed reports how many contiguous bytes have reached the accumulator.
func (d *macDrain) absorbed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.next
}
