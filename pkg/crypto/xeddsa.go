package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

var signDiversifier = [32]byte{
	0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// Sign creates an XEdDSA signature with a Curve25519 private key. The sign bit
// of the Edwards public key travels in the top bit of the signature.
func Sign(private [32]byte, message []byte) ([64]byte, error) {
	var signature [64]byte
	var random [64]byte
	if _, err := rand.Read(random[:]); err != nil {
		return signature, err
	}

	a, err := edwards25519.NewScalar().SetBytesWithClamping(private[:])
	if err != nil {
		return signature, err
	}
	edPublic := new(edwards25519.Point).ScalarBaseMult(a).Bytes()

	hash := sha512.New()
	hash.Write(signDiversifier[:])
	hash.Write(private[:])
	hash.Write(message)
	hash.Write(random[:])
	r, err := edwards25519.NewScalar().SetUniformBytes(hash.Sum(nil))
	if err != nil {
		return signature, err
	}
	encodedR := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	hash.Reset()
	hash.Write(encodedR)
	hash.Write(edPublic)
	hash.Write(message)
	k, err := edwards25519.NewScalar().SetUniformBytes(hash.Sum(nil))
	if err != nil {
		return signature, err
	}
	s := edwards25519.NewScalar().MultiplyAdd(k, a, r)

	copy(signature[:32], encodedR)
	copy(signature[32:], s.Bytes())
	signature[63] |= edPublic[31] & 0x80
	return signature, nil
}

// Verify checks an XEdDSA signature against a Curve25519 public key.
func Verify(public [32]byte, message []byte, signature [64]byte) bool {
	var u, one, num, den, y field.Element
	if _, err := u.SetBytes(public[:]); err != nil {
		return false
	}
	one.One()
	num.Subtract(&u, &one)
	den.Add(&u, &one)
	den.Invert(&den)
	y.Multiply(&num, &den)

	edPublic := y.Bytes()
	edPublic[31] &= 0x7F
	edPublic[31] |= signature[63] & 0x80
	signature[63] &= 0x7F
	return ed25519.Verify(edPublic, message, signature[:])
}

// VerifySignal verifies a signature given a 32 or 33 byte serialized key.
func VerifySignal(public []byte, message, signature []byte) bool {
	key, err := ParsePublic(public)
	if err != nil || len(signature) != 64 {
		return false
	}
	var sig [64]byte
	copy(sig[:], signature)
	return Verify(key, message, sig)
}
