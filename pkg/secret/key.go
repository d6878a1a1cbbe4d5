// Package secret provides a move-only, self-scrubbing container for 32-byte
// cryptographic key material.
//
// A Key tracks its own validity: the zero value is invalid, and a Key is
// invalid after being consumed by Move() or scrubbed by Zero(). Reading
// from an invalid Key is a programming error and panics rather than
// returning zeroed/undefined bytes, per the "use after move fails with a
// programming-error kind" contract.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime"
)

// Size is the fixed length of all secret keys in this system.
const Size = 32

// Key holds 32 bytes of key material. The zero value is invalid; construct
// one with FromBytes or FromHex. A Key must not be copied with plain
// assignment — use Clone() for an explicit, intentional copy, or Move() to
// transfer ownership and invalidate the source.
type Key struct {
	valid bool
	bytes [Size]byte
}

// FromBytes copies b into a new valid Key. b is not scrubbed by this call;
// callers holding key material in a byte slice are responsible for zeroing
// it themselves once it has been copied in.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, fmt.Errorf("secret: key must be %d bytes, got %d", Size, len(b))
	}
	var k Key
	copy(k.bytes[:], b)
	k.valid = true
	runtime.SetFinalizer(&k, func(k *Key) { k.Zero() })
	return k, nil
}

// FromHex decodes a 64-hex-digit string into a Key. The intermediate
// decoded buffer is scrubbed before this function returns, whether it
// succeeds or fails.
func FromHex(s string) (Key, error) {
	buf, err := hex.DecodeString(s)
	defer scrub(buf)
	if err != nil {
		return Key{}, fmt.Errorf("secret: invalid hex: %w", err)
	}

	if len(buf) != Size {
		return Key{}, fmt.Errorf("secret: hex key must decode to %d bytes, got %d", Size, len(buf))
	}
	return FromBytes(buf)
}

// Valid reports whether the Key currently holds usable key material.
func (k *Key) Valid() bool { return k != nil && k.valid }

// checkValid panics if the key has been moved-from or never initialized.
// This mirrors original_source/SecretKey.h's check_valid(), which the
// comment there notes is "not thread-safe" — a Key must not be shared
// across goroutines without external synchronization, same as there.
func (k *Key) checkValid() {
	if !k.Valid() {
		panic("secret: use of invalidated or zero-value Key")
	}
}

// Bytes returns a read-only view of the key material. The returned slice
// aliases the Key's internal storage and must not be retained past the
// Key's lifetime or mutated.
func (k *Key) Bytes() []byte {
	k.checkValid()
	return k.bytes[:]
}

// Clone makes an explicit, independent copy of the key. Copies are never
// implicit in this package.
func (k *Key) Clone() Key {
	k.checkValid()
	var out Key
	out.bytes = k.bytes
	out.valid = true
	runtime.SetFinalizer(&out, func(o *Key) { o.Zero() })
	return out
}

// Move transfers ownership of the key material to a new Key value and
// invalidates the receiver. Any subsequent use of the receiver panics.
func (k *Key) Move() Key {
	k.checkValid()
	out := Key{valid: true, bytes: k.bytes}
	runtime.SetFinalizer(&out, func(o *Key) { o.Zero() })
	k.Zero()
	k.valid = false
	return out
}

// Zero overwrites the key material and marks the Key invalid. Safe to call
// more than once. Called automatically by a finalizer as a backstop, but
// callers that know a Key's lifetime should call Zero (or let Move/Clone
// supersede it) explicitly rather than relying on GC timing.
func (k *Key) Zero() {
	scrub(k.bytes[:])
	k.valid = false
}

// scrub overwrites a buffer with random bytes and then zero, so that no
// single consistent pattern of the former contents survives in memory past
// this call, then clears any finalizer association is left to the caller.
func scrub(b []byte) {
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = 0
	}
}
