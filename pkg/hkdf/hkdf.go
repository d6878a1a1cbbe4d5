// Package hkdf derives per-direction AEAD keys from a pre-shared secret
// using HKDF-Expand over SHA-256. It is a thin wrapper around
// golang.org/x/crypto/hkdf — the derivation itself is a black box per
// spec.md §4.3; this package only fixes the hash, key length, and info
// layout conventions used elsewhere in this repo.
package hkdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/reubengreen73/cryptocomms/pkg/secret"
)

// Expand derives keyLen bytes of key material from secret using
// HKDF-Expand(SHA-256, sharedSecret, info). No salt is used: the shared
// secret is already uniformly random pre-shared key material, not a
// password, so an extract step buys nothing (RFC 5869 §3.1).
func Expand(sharedSecret []byte, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, sharedSecret, info)
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DirectionInfo builds the HKDF info parameter for one direction of a
// channel: sender host id ‖ receiver host id ‖ channel id. Per §4.3, using
// the concatenation in sender-then-receiver order for the send key and
// receiver-then-sender order for the receive key is what makes the two
// directions use distinct keys even with an identical pre-shared secret.
func DirectionInfo(fromHostID, toHostID [4]byte, channelID [2]byte) []byte {
	info := make([]byte, 0, 10)
	info = append(info, fromHostID[:]...)
	info = append(info, toHostID[:]...)
	info = append(info, channelID[:]...)
	return info
}

// DeriveChannelKeys derives the send and receive AEAD keys for one side of
// a channel. selfID is this host's id, peerID the peer's id.
//
//	send key    = HKDF-Expand(sharedSecret, selfID ‖ peerID ‖ channelID)
//	receive key = HKDF-Expand(sharedSecret, peerID ‖ selfID ‖ channelID)
func DeriveChannelKeys(sharedSecret *secret.Key, selfID, peerID [4]byte, channelID [2]byte, keyLen int) (send, recv []byte, err error) {
	send, err = Expand(sharedSecret.Bytes(), DirectionInfo(selfID, peerID, channelID), keyLen)
	if err != nil {
		return nil, nil, err
	}
	recv, err = Expand(sharedSecret.Bytes(), DirectionInfo(peerID, selfID, channelID), keyLen)
	if err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}
