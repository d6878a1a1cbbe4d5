// Package wire implements the fixed 24-byte packet header framing used on
// the network. All integers are little-endian; segment and message numbers
// are 48-bit and stored in the low 6 bytes of a uint64.
package wire

import "encoding/binary"

const (
	// HeaderLen is the size in bytes of the fixed packet header.
	HeaderLen = 24
	// TagLen is the AEAD authentication tag size appended after the
	// ciphertext.
	TagLen = 16
	// MinPacketLen is the smallest a well-formed packet can be: header
	// plus tag, zero ciphertext (a "hello" packet).
	MinPacketLen = HeaderLen + TagLen

	// segLen is the byte width of a segment/message number field on the
	// wire (48 bits).
	segLen = 6

	// MaxSegNum is the largest value a 48-bit segment or message number
	// field can hold.
	MaxSegNum = 1<<48 - 1
)

// Header is the parsed form of the 24-byte packet header described in
// spec.md §3.
//
//	offset 0   sender host id              4 B
//	offset 4   channel id                  2 B
//	offset 6   receiver segment number     6 B
//	offset 12  sender segment number       6 B
//	offset 18  message number              6 B
type Header struct {
	SenderHostID [4]byte
	ChannelID    [2]byte
	RecvSegNum   uint64 // receiver's (our) segment number, as claimed by the sender
	SenderSegNum uint64 // sender's own current segment number
	MessageNum   uint64
}

// Encode writes the header into the first HeaderLen bytes of dst. dst must
// be at least HeaderLen bytes long.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderLen-1]
	copy(dst[0:4], h.SenderHostID[:])
	copy(dst[4:6], h.ChannelID[:])
	putUint48(dst[6:12], h.RecvSegNum)
	putUint48(dst[12:18], h.SenderSegNum)
	putUint48(dst[18:24], h.MessageNum)
}

// Decode parses a Header from the first HeaderLen bytes of src. It does not
// validate the buffer length; callers must check len(src) >= MinPacketLen
// first (the acceptance rule in spec.md §4.4 rejects anything shorter).
func Decode(src []byte) Header {
	var h Header
	copy(h.SenderHostID[:], src[0:4])
	copy(h.ChannelID[:], src[4:6])
	h.RecvSegNum = uint48(src[6:12])
	h.SenderSegNum = uint48(src[12:18])
	h.MessageNum = uint48(src[18:24])
	return h
}

// IV returns the 12-byte AES-GCM nonce for this header: sender segment
// number concatenated with message number (bytes [12..24) of the header).
func (h Header) IV() [12]byte {
	var iv [12]byte
	putUint48(iv[0:6], h.SenderSegNum)
	putUint48(iv[6:12], h.MessageNum)
	return iv
}

// AdditionalData returns the 6-byte AEAD associated data: the receiver
// segment number (bytes [6..12) of the header).
func (h Header) AdditionalData() [6]byte {
	var ad [6]byte
	putUint48(ad[:], h.RecvSegNum)
	return ad
}

// ConnID is the 6-byte connection identifier used by the dispatcher to
// route an incoming datagram: sender host id ‖ channel id.
func (h Header) ConnID() [6]byte {
	var id [6]byte
	copy(id[0:4], h.SenderHostID[:])
	copy(id[4:6], h.ChannelID[:])
	return id
}

func putUint48(dst []byte, v uint64) {
	_ = dst[5]
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(dst, buf[:segLen])
}

func uint48(src []byte) uint64 {
	_ = src[5]
	var buf [8]byte
	copy(buf[:segLen], src)
	return binary.LittleEndian.Uint64(buf[:])
}
