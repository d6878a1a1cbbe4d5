package aead

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// Test vectors from McGrew & Viega, "The Galois/Counter Mode of Operation
// (GCM)", Appendix B, restricted to the vectors using a 32-byte key and a
// 12-byte IV (test cases 13-16) — the only sizes this protocol supports.
type gcmVector struct {
	name       string
	key        string
	plaintext  string
	additional string
	iv         string
	ciphertext string
	tag        string
}

var vectors = []gcmVector{
	{
		name:       "McGrew-Viega 13",
		key:        "0000000000000000000000000000000000000000000000000000000000000000",
		plaintext:  "",
		additional: "",
		iv:         "000000000000000000000000",
		ciphertext: "",
		tag:        "530f8afbc74536b9a963b4f1c4cb738b",
	},
	{
		name:       "McGrew-Viega 14",
		key:        "0000000000000000000000000000000000000000000000000000000000000000",
		plaintext:  "00000000000000000000000000000000",
		additional: "",
		iv:         "000000000000000000000000",
		ciphertext: "cea7403d4d606b6e074ec5d3baf39d18",
		tag:        "d0d1c8a799996bf0265b98b5d48ab919",
	},
	{
		name: "McGrew-Viega 15",
		key:  "feffe9928665731c6d6a8f9467308308feffe9928665731c6d6a8f9467308308",
		plaintext: "d9313225f88406e5a55909c5aff5269a" +
			"86a7a9531534f7da2e4c303d8a318a72" +
			"1c3c0c95956809532fcf0e2449a6b525" +
			"b16aedf5aa0de657ba637b391aafd255",
		additional: "",
		iv:         "cafebabefacedbaddecaf888",
		ciphertext: "522dc1f099567d07f47f37a32a84427d" +
			"643a8cdcbfe5c0c97598a2bd2555d1aa" +
			"8cb08e48590dbb3da7b08b1056828838" +
			"c5f61e6393ba7a0abcc9f662898015ad",
		tag: "b094dac5d93471bdec1a502270e3cc6c",
	},
	{
		name: "McGrew-Viega 16",
		key:  "feffe9928665731c6d6a8f9467308308feffe9928665731c6d6a8f9467308308",
		plaintext: "d9313225f88406e5a55909c5aff5269a" +
			"86a7a9531534f7da2e4c303d8a318a72" +
			"1c3c0c95956809532fcf0e2449a6b525" +
			"b16aedf5aa0de657ba637b39",
		additional: "feedfacedeadbeeffeedfacedeadbeefabaddad2",
		iv:         "cafebabefacedbaddecaf888",
		ciphertext: "522dc1f099567d07f47f37a32a84427d" +
			"643a8cdcbfe5c0c97598a2bd2555d1aa" +
			"8cb08e48590dbb3da7b08b1056828838" +
			"c5f61e6393ba7a0abcc9f662",
		tag: "76fc6ece0f4e1768cddf8853bb2d551b",
	},
}

func decodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func buildSuite(t *testing.T, keyHex string) *Suite {
	t.Helper()
	key := decodeHex(t, keyHex)
	if len(key) != KeySize {
		t.Fatalf("test vector key must be %d bytes, got %d", KeySize, len(key))
	}
	s, err := New(key, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func toIV(t *testing.T, ivHex string) [IVSize]byte {
	t.Helper()
	b := decodeHex(t, ivHex)
	var iv [IVSize]byte
	copy(iv[:], b)
	return iv
}

func TestVectorsEncryptDecrypt(t *testing.T) {
	for _, v := range vectors {
		t.Run(v.name, func(t *testing.T) {
			s := buildSuite(t, v.key)
			plaintext := decodeHex(t, v.plaintext)
			additional := decodeHex(t, v.additional)
			iv := toIV(t, v.iv)
			wantCiphertext := decodeHex(t, v.ciphertext)
			wantTag := decodeHex(t, v.tag)

			dst := make([]byte, len(plaintext)+TagSize)
			n, err := s.Encrypt(plaintext, additional, iv, dst, 0)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if n != len(dst) {
				t.Fatalf("Encrypt wrote %d bytes, want %d", n, len(dst))
			}
			gotCiphertext := dst[:len(plaintext)]
			gotTag := dst[len(plaintext):]
			if !bytes.Equal(gotCiphertext, wantCiphertext) {
				t.Fatalf("ciphertext mismatch: got %x, want %x", gotCiphertext, wantCiphertext)
			}
			if !bytes.Equal(gotTag, wantTag) {
				t.Fatalf("tag mismatch: got %x, want %x", gotTag, wantTag)
			}

			plain, ok := s.Decrypt(dst, additional, iv, 0, len(dst))
			if !ok {
				t.Fatal("expected tag_ok=true for a valid packet")
			}
			if !bytes.Equal(plain, plaintext) {
				t.Fatalf("decrypted plaintext mismatch: got %x, want %x", plain, plaintext)
			}
		})
	}
}

func TestSingleByteTamperRejected(t *testing.T) {
	v := vectors[3] // has non-empty ciphertext, tag and additional data
	s := buildSuite(t, v.key)
	iv := toIV(t, v.iv)
	additional := decodeHex(t, v.additional)
	tagged := append(decodeHex(t, v.ciphertext), decodeHex(t, v.tag)...)

	flipByte := func(buf []byte, i int) []byte {
		out := append([]byte(nil), buf...)
		out[i] ^= 0xff
		return out
	}

	t.Run("ciphertext byte flipped", func(t *testing.T) {
		tampered := flipByte(tagged, 0)
		plain, ok := s.Decrypt(tampered, additional, iv, 0, len(tampered))
		if ok || len(plain) != 0 {
			t.Fatal("expected tag_ok=false and empty plaintext")
		}
	})

	t.Run("tag byte flipped", func(t *testing.T) {
		tampered := flipByte(tagged, len(tagged)-1)
		plain, ok := s.Decrypt(tampered, additional, iv, 0, len(tampered))
		if ok || len(plain) != 0 {
			t.Fatal("expected tag_ok=false and empty plaintext")
		}
	})

	t.Run("additional data byte flipped", func(t *testing.T) {
		tamperedAD := flipByte(additional, 0)
		plain, ok := s.Decrypt(tagged, tamperedAD, iv, 0, len(tagged))
		if ok || len(plain) != 0 {
			t.Fatal("expected tag_ok=false and empty plaintext")
		}
	})
}
