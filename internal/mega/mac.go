package mega

import (
	"crypto/aes"
	"crypto/cipher"
)

const (
	chunkSizeStep = 131072  // 128 KiB
	maxChunkSize  = 1048576 // 1 MiB
)

// Chunk is one MAC chunk of a file's content.
type Chunk struct {
	Offset uint64
	Size   uint64
}

// Chunks splits a file of the given size into the protocol's MAC chunk
// ladder: the first chunk is 128 KiB, each following chunk grows by 128 KiB
// up to 1 MiB, and the rest are 1 MiB. The last chunk takes whatever is
// left.
func Chunks(size uint64) []Chunk {
	var chunks []Chunk
	offset := uint64(0)
	next := uint64(chunkSizeStep)
	for offset < size {
		n := min(next, size-offset)
		chunks = append(chunks, Chunk{Offset: offset, Size: n})
		offset += n
		if next < maxChunkSize {
			next += chunkSizeStep
		}
	}
	return chunks
}

// MACAccumulator computes the chunked content MAC of a file.
//
// Content is split into the chunk ladder; each chunk is hashed with a
// CBC-MAC keyed on the file key and started from the doubled nonce seed, and
// the per-chunk MACs are folded with a zero-IV CBC chain. Writes may use any
// buffer sizes but must supply the plaintext sequentially from offset zero.
type MACAccumulator struct {
	block cipher.Block
	iv    [16]byte

	chunkMAC   [16]byte
	fileMAC    [16]byte
	partial    [aes.BlockSize]byte
	partialN   int
	chunkDirty bool

	offset    uint64
	chunkLeft uint64
	nextSize  uint64
}

// NewMACAccumulator prepares a MAC computation keyed on the file key.
func NewMACAccumulator(key *FileKey) (*MACAccumulator, error) {
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		return nil, err
	}
	m := &MACAccumulator{
		block:     block,
		chunkLeft: chunkSizeStep,
		nextSize:  2 * chunkSizeStep,
	}
	copy(m.iv[:8], key.IVSeed[:])
	copy(m.iv[8:], key.IVSeed[:])
	m.chunkMAC = m.iv
	return m, nil
}

// Write absorbs the next run of plaintext. It never fails; the io.Writer
// signature lets the accumulator sit in a MultiWriter next to the output
// file.
func (m *MACAccumulator) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := min(uint64(len(p)), m.chunkLeft)
		m.absorb(p[:n])
		p = p[n:]
		m.offset += n
		m.chunkLeft -= n
		if m.chunkLeft == 0 {
			m.closeChunk()
		}
	}
	return total, nil
}

// Offset reports how many content bytes have been absorbed.
func (m *MACAccumulator) Offset() uint64 { return m.offset }

// Sum returns the condensed 8-byte MAC of everything written so far. The
// accumulator is not modified, so writes may continue afterwards.
func (m *MACAccumulator) Sum() [8]byte {
	fileMAC := m.fileMAC
	if m.chunkDirty {
		chunkMAC := m.chunkMAC
		if m.partialN > 0 {
			var last [aes.BlockSize]byte
			copy(last[:], m.partial[:m.partialN])
			for i := range chunkMAC {
				chunkMAC[i] ^= last[i]
			}
			m.block.Encrypt(chunkMAC[:], chunkMAC[:])
		}
		for i := range fileMAC {
			fileMAC[i] ^= chunkMAC[i]
		}
		m.block.Encrypt(fileMAC[:], fileMAC[:])
	}
	return condenseMAC(fileMAC)
}

func (m *MACAccumulator) absorb(p []byte) {
	m.chunkDirty = true
	if m.partialN > 0 {
		n := copy(m.partial[m.partialN:], p)
		m.partialN += n
		p = p[n:]
		if m.partialN < aes.BlockSize {
			return
		}
		m.compress(m.partial[:])
		m.partialN = 0
	}
	for len(p) >= aes.BlockSize {
		m.compress(p[:aes.BlockSize])
		p = p[aes.BlockSize:]
	}
	if len(p) > 0 {
		m.partialN = copy(m.partial[:], p)
	}
}

func (m *MACAccumulator) compress(block []byte) {
	for i := range m.chunkMAC {
		m.chunkMAC[i] ^= block[i]
	}
	m.block.Encrypt(m.chunkMAC[:], m.chunkMAC[:])
}

// closeChunk folds the finished chunk into the file MAC and resets the chunk
// state for the next ladder step. Chunk sizes are block-aligned, so no
// partial block can be pending here.
func (m *MACAccumulator) closeChunk() {
	for i := range m.fileMAC {
		m.fileMAC[i] ^= m.chunkMAC[i]
	}
	m.block.Encrypt(m.fileMAC[:], m.fileMAC[:])

	m.chunkMAC = m.iv
	m.chunkDirty = false
	m.chunkLeft = m.nextSize
	if m.nextSize < maxChunkSize {
		m.nextSize += chunkSizeStep
	}
}

// condenseMAC folds a 16-byte MAC into the 8-byte form stored in file keys.
func condenseMAC(mac [16]byte) [8]byte {
	for i := 0; i < 4; i++ {
		mac[i] ^= mac[i+4]
		mac[i+4] = mac[i+8] ^ mac[i+12]
	}
	var out [8]byte
	copy(out[:], mac[:8])
	return out
}
