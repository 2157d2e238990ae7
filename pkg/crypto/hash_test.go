package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestSHA256(t *testing.T) {
	tests := []struct {
		name     string
		parts    [][]byte
		expected string
	}{
		{
			name:     "empty input",
			parts:    nil,
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:     "single part",
			parts:    [][]byte{[]byte("abc")},
			expected: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
		{
			name:     "split parts hash like the concatenation",
			parts:    [][]byte{[]byte("a"), []byte("b"), []byte("c")},
			expected: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hex.EncodeToString(SHA256(tt.parts...))
			if got != tt.expected {
				t.Errorf("SHA256() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestHKDF(t *testing.T) {
	// RFC 5869 test case 1.
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	salt, _ := hex.DecodeString("000102030405060708090a0b0c")
	info, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9")
	want := "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865"

	okm, err := HKDF(ikm, salt, info, 42)
	if err != nil {
		t.Fatalf("HKDF() error = %v", err)
	}
	if got := hex.EncodeToString(okm); got != want {
		t.Errorf("HKDF() = %s, want %s", got, want)
	}
}

func TestHMACLengths(t *testing.T) {
	key := []byte("key")
	if got := len(HMACSHA256(key, []byte("a"), []byte("b"))); got != 32 {
		t.Errorf("HMACSHA256() length = %d, want 32", got)
	}
	if got := len(HMACSHA512(key, []byte("a"))); got != 64 {
		t.Errorf("HMACSHA512() length = %d, want 64", got)
	}
	if !bytes.Equal(HMACSHA256(key, []byte("ab")), HMACSHA256(key, []byte("a"), []byte("b"))) {
		t.Error("HMACSHA256() of split parts differs from the concatenation")
	}
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	b, _ := RandomBytes(32)
	if len(a) != 32 {
		t.Errorf("RandomBytes() length = %d, want 32", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("two RandomBytes() calls returned the same value")
	}
}

func TestPadMessage(t *testing.T) {
	plaintext := []byte("hello")
	for i := 0; i < 50; i++ {
		padded, err := PadMessage(plaintext)
		if err != nil {
			t.Fatalf("PadMessage() error = %v", err)
		}
		if n := len(padded) - len(plaintext); n < 1 || n > 16 {
			t.Fatalf("PadMessage() added %d bytes", n)
		}
		unpadded, err := UnpadMessage(padded)
		if err != nil {
			t.Fatalf("UnpadMessage() error = %v", err)
		}
		if !bytes.Equal(unpadded, plaintext) {
			t.Fatalf("UnpadMessage() = %q, want %q", unpadded, plaintext)
		}
	}
	if _, err := UnpadMessage([]byte{1, 2, 9}); err == nil {
		t.Error("UnpadMessage() accepted a pad longer than the message")
	}
}
