// Package aead implements the two-direction AES-256-GCM encrypt/decrypt
// façade described in spec.md §4.3.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// KeySize is the required length of each direction's AEAD key.
const KeySize = 32

// IVSize is the GCM nonce length used throughout this protocol.
const IVSize = 12

// TagSize is the GCM authentication tag length.
const TagSize = 16

// Suite wraps one encryption-direction cipher and one decryption-direction
// cipher, each bound to an independent key at construction. It is not
// copyable in spirit — callers should treat a Suite as owned by exactly one
// Connection — but Go has no copy-suppression, so this is enforced by
// convention (unexported gcm fields, construct-once via New).
type Suite struct {
	encryptGCM cipher.AEAD
	decryptGCM cipher.AEAD
}

// New builds a Suite from independent encryption and decryption keys, each
// exactly KeySize bytes. Failure here is a Cryptographic-setup error per
// spec.md §7: fatal, to be propagated up and abort construction of the
// owning Connection.
func New(encryptKey, decryptKey []byte) (*Suite, error) {
	encGCM, err := newGCM(encryptKey)
	if err != nil {
		return nil, fmt.Errorf("aead: encryption cipher setup: %w", err)
	}
	decGCM, err := newGCM(decryptKey)
	if err != nil {
		return nil, fmt.Errorf("aead: decryption cipher setup: %w", err)
	}
	return &Suite{encryptGCM: encGCM, decryptGCM: decGCM}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under iv and additionalData, writing
// len(plaintext)+TagSize bytes into dst[dstOffset:]. dst must have enough
// capacity from dstOffset onward. Returns the number of bytes written.
//
// The only failure reported here is a destination buffer too small for
// the output. It is not the expected AEAD-authentication outcome — it
// indicates a programming mistake in the caller, not an adversarial packet.
func (s *Suite) Encrypt(plaintext, additionalData []byte, iv [IVSize]byte, dst []byte, dstOffset int) (int, error) {
	if len(dst)-dstOffset < len(plaintext)+TagSize {
		return 0, fmt.Errorf("aead: destination buffer too small")
	}
	sealed := s.encryptGCM.Seal(dst[dstOffset:dstOffset], iv[:], plaintext, additionalData)
	return len(sealed), nil
}

// Decrypt attempts to open ciphertext (which includes the trailing tag) at
// buf[srcOffset : srcOffset+length] under iv and additionalData.
//
// A forged or corrupted packet is the expected adversarial case and is not
// reported as an error: ok is false and plaintext is empty. Callers must
// not treat ok==false as anything other than "drop this packet."
func (s *Suite) Decrypt(buf, additionalData []byte, iv [IVSize]byte, srcOffset, length int) (plaintext []byte, ok bool) {
	if srcOffset < 0 || length < TagSize || srcOffset+length > len(buf) {
		return nil, false
	}
	ciphertext := buf[srcOffset : srcOffset+length]
	out, err := s.decryptGCM.Open(nil, iv[:], ciphertext, additionalData)
	if err != nil {
		return nil, false
	}
	return out, true
}
