// Package cryptox provides small AES helpers shared by the protocol layer:
// in-place ECB and CBC block operations and random-value generation.
//
// The block modes here are building blocks for an externally specified
// protocol; they are not general-purpose encryption APIs. Callers own the
// decision of which mode protects what.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	mathrand "math/rand/v2"
)

// ErrNotBlockAligned is returned when an in-place block operation receives
// data whose length is not a multiple of the AES block size.
var ErrNotBlockAligned = errors.New("data length is not a multiple of the block size")

// EncryptECBInPlace encrypts data in place, block by block, with no chaining.
//
// ECB is deliberate here: the protocol uses it solely to wrap uniformly
// random key material, where identical-block leakage cannot occur.
func EncryptECBInPlace(key, data []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	if len(data)%aes.BlockSize != 0 {
		return ErrNotBlockAligned
	}
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(data[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return nil
}

// DecryptECBInPlace reverses EncryptECBInPlace.
func DecryptECBInPlace(key, data []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	if len(data)%aes.BlockSize != 0 {
		return ErrNotBlockAligned
	}
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(data[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return nil
}

// EncryptCBCInPlace encrypts data in place using CBC with the given IV.
// A nil iv means an all-zero IV.
func EncryptCBCInPlace(key, iv, data []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	if len(data)%aes.BlockSize != 0 {
		return ErrNotBlockAligned
	}
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, data)
	return nil
}

// DecryptCBCInPlace decrypts data in place using CBC with the given IV.
// A nil iv means an all-zero IV.
func DecryptCBCInPlace(key, iv, data []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	if len(data)%aes.BlockSize != 0 {
		return ErrNotBlockAligned
	}
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)
	return nil
}

// RandomBytes returns n bytes from the system CSPRNG. Use this for key
// material.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns a random alphanumeric string of length n. It is meant
// for request idempotence tokens and similar identifiers, not key material.
func RandomString(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphanumeric[mathrand.IntN(len(alphanumeric))]
	}
	return string(buf)
}
