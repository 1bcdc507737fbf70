package mega

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"slices"

	"golang.org/x/crypto/pbkdf2"

	"github.com/chanderlud/giga-grabber/internal/cryptox"
)

// The API encodes all binary values as unpadded URL-safe base64.
var b64 = base64.RawURLEncoding

// prepareKeyV1 derives the 16-byte login key for version-1 accounts.
//
// The password is split into 16-byte zero-padded chunks, each used as an
// AES-128 key; a fixed start block is encrypted by every chunk in order, and
// the whole pass repeats 65536 times.
func prepareKeyV1(password []byte) ([]byte, error) {
	ciphers := make([]cipher.Block, 0, (len(password)+15)/16)
	for off := 0; off < len(password); off += 16 {
		var key [16]byte
		copy(key[:], password[off:])
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		ciphers = append(ciphers, block)
	}

	data := []byte{
		0x93, 0xC4, 0x67, 0xE3, 0x7D, 0xB0, 0xC7, 0xA4,
		0xD1, 0xBE, 0x3F, 0x81, 0x01, 0x52, 0xCB, 0x56,
	}
	for i := 0; i < 65536; i++ {
		for _, block := range ciphers {
			block.Encrypt(data, data)
		}
	}
	return data, nil
}

// userHandleV1 computes the login handle for version-1 accounts: the email
// is folded into a 16-byte block, encrypted 16384 times with the login key,
// and bytes 0-3 and 8-11 of the result are kept.
func userHandleV1(email string, loginKey []byte) (string, error) {
	var hash [16]byte
	for i := 0; i < len(email); i++ {
		hash[i%16] ^= email[i]
	}

	block, err := aes.NewCipher(loginKey)
	if err != nil {
		return "", err
	}
	for i := 0; i < 16384; i++ {
		block.Encrypt(hash[:], hash[:])
	}

	var handle [8]byte
	copy(handle[:4], hash[0:4])
	copy(handle[4:], hash[8:12])
	return b64.EncodeToString(handle[:]), nil
}

// prepareKeyV2 derives the 32-byte login secret for version-2 accounts:
// PBKDF2-HMAC-SHA512 over the password with the server-provided salt.
// The first half is the login key, the second half the login handle.
func prepareKeyV2(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, 100000, 32, sha512.New)
}

// FileKey is the unobfuscated key material of a file node: the AES key for
// its content, the CTR nonce seed, and the condensed content MAC.
type FileKey struct {
	Key    [16]byte
	IVSeed [8]byte
	MAC    [8]byte
}

// NewFileKey generates fresh key material for an upload. The MAC part is
// filled in once the content has been consumed.
func NewFileKey() (*FileKey, error) {
	buf, err := cryptox.RandomBytes(24)
	if err != nil {
		return nil, err
	}
	var k FileKey
	copy(k.Key[:], buf[:16])
	copy(k.IVSeed[:], buf[16:24])
	return &k, nil
}

// UnpackFileKey splits a decrypted 32-byte file key into its parts, undoing
// the XOR obfuscation of the first half.
func UnpackFileKey(merged []byte) (*FileKey, error) {
	if len(merged) != 32 {
		return nil, fmt.Errorf("%w: file key must be 32 bytes, got %d", ErrInvalidKeyMaterial, len(merged))
	}
	var k FileKey
	for i := 0; i < 16; i++ {
		k.Key[i] = merged[i] ^ merged[16+i]
	}
	copy(k.IVSeed[:], merged[16:24])
	copy(k.MAC[:], merged[24:32])
	return &k, nil
}

// Merged re-creates the 32-byte obfuscated form sent on the wire: the second
// half is the nonce seed and MAC, the first half is the key XORed with it.
func (k *FileKey) Merged() []byte {
	out := make([]byte, 32)
	copy(out[16:24], k.IVSeed[:])
	copy(out[24:], k.MAC[:])
	for i := 0; i < 16; i++ {
		out[i] = k.Key[i] ^ out[16+i]
	}
	return out
}

// ContentCipher returns a CTR stream positioned at the given byte offset of
// the file's content. The counter is re-derived from the offset, so sections
// of a file can be processed independently and in any order.
func (k *FileKey) ContentCipher(offset uint64) (cipher.Stream, error) {
	block, err := aes.NewCipher(k.Key[:])
	if err != nil {
		return nil, err
	}

	var iv [16]byte
	copy(iv[:8], k.IVSeed[:])
	binary.BigEndian.PutUint64(iv[8:], offset/16)

	stream := cipher.NewCTR(block, iv[:])
	if skip := offset % 16; skip != 0 {
		var scratch [16]byte
		stream.XORKeyStream(scratch[:skip], scratch[:skip])
	}
	return stream, nil
}

// attributeKey returns the 16-byte AES key protecting a node's attribute
// blob: the unobfuscated first half for file keys, the key itself for folder
// keys.
func attributeKey(nodeKey []byte) ([]byte, error) {
	switch len(nodeKey) {
	case 16:
		return slices.Clone(nodeKey), nil
	case 32:
		out := make([]byte, 16)
		for i := range out {
			out[i] = nodeKey[i] ^ nodeKey[16+i]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: node key must be 16 or 32 bytes, got %d", ErrInvalidKeyMaterial, len(nodeKey))
	}
}

// FileAttributes is the encrypted attribute record attached to every node.
type FileAttributes struct {
	// Name is the node's display name.
	Name string `json:"n"`
	// C carries the file fingerprint, when present.
	C string `json:"c,omitempty"`
}

// PackAttributes serializes, pads and encrypts an attribute record with the
// node's 16-byte attribute key. The payload is prefixed with the "MEGA"
// magic, zero-padded to the block size, and encrypted with zero-IV CBC.
func PackAttributes(attrs *FileAttributes, key []byte) ([]byte, error) {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}

	buf := append([]byte("MEGA"), payload...)
	if rem := len(buf) % 16; rem != 0 {
		buf = append(buf, make([]byte, 16-rem)...)
	}

	if err := cryptox.EncryptCBCInPlace(key, nil, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnpackAttributes decrypts and parses a node attribute blob. Any trailing
// partial block is ignored. The caller's buffer is not modified.
func UnpackAttributes(data, key []byte) (*FileAttributes, error) {
	aligned := len(data) - len(data)%16
	if aligned == 0 {
		return nil, ErrInvalidAttributes
	}

	buf := slices.Clone(data[:aligned])
	if err := cryptox.DecryptCBCInPlace(key, nil, buf); err != nil {
		return nil, err
	}

	if !bytes.HasPrefix(buf, []byte("MEGA")) {
		return nil, ErrInvalidAttributes
	}

	end := bytes.IndexByte(buf, 0)
	if end == -1 {
		end = len(buf)
	}

	var attrs FileAttributes
	if err := json.Unmarshal(buf[4:end], &attrs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	return &attrs, nil
}

// parseMPI reads one length-prefixed big integer: a two-byte big-endian bit
// count followed by the value bytes. Returns the integer and the rest of the
// input.
func parseMPI(data []byte) (*big.Int, []byte, error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated integer header", ErrInvalidKeyMaterial)
	}
	n := (int(data[0])*256 + int(data[1]) + 7) >> 3
	if len(data) < 2+n {
		return nil, nil, fmt.Errorf("%w: truncated integer body", ErrInvalidKeyMaterial)
	}
	return new(big.Int).SetBytes(data[2 : 2+n]), data[2+n:], nil
}

// decryptSessionID recovers the session id from the encrypted challenge in
// the login response. The private key arrives as the factors p and q plus
// the exponent d; the protocol applies raw RSA (no padding), so this uses
// modular exponentiation directly. The session id is the first 43 bytes of
// m^d mod pq.
func decryptSessionID(csid, privk []byte) (string, error) {
	m, _, err := parseMPI(csid)
	if err != nil {
		return "", err
	}

	p, rest, err := parseMPI(privk)
	if err != nil {
		return "", err
	}
	q, rest, err := parseMPI(rest)
	if err != nil {
		return "", err
	}
	d, _, err := parseMPI(rest)
	if err != nil {
		return "", err
	}

	n := new(big.Int).Mul(p, q)
	r := new(big.Int).Exp(m, d, n)

	rb := r.Bytes()
	if len(rb) < 43 {
		return "", fmt.Errorf("%w: session challenge too short", ErrInvalidKeyMaterial)
	}
	return b64.EncodeToString(rb[:43]), nil
}
