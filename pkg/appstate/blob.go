package appstate

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

const blobMACLength = 10

// BlobFetcher downloads the encrypted bytes behind an external blob reference.
type BlobFetcher interface {
	Fetch(ctx context.Context, ref *waproto.ExternalBlobReference) ([]byte, error)
}

// BlobFetcherFunc adapts a function to BlobFetcher.
type BlobFetcherFunc func(ctx context.Context, ref *waproto.ExternalBlobReference) ([]byte, error)

func (f BlobFetcherFunc) Fetch(ctx context.Context, ref *waproto.ExternalBlobReference) ([]byte, error) {
	return f(ctx, ref)
}

type blobKeys struct {
	iv        []byte
	cipherKey []byte
	macKey    []byte
}

func expandBlobKey(mediaKey []byte) (*blobKeys, error) {
	out, err := crypto.HKDF(mediaKey, nil, []byte("WhatsApp App State Keys"), 112)
	if err != nil {
		return nil, err
	}
	return &blobKeys{iv: out[:16], cipherKey: out[16:48], macKey: out[48:80]}, nil
}

// DecryptBlob verifies and decrypts an external mutations or snapshot blob.
func DecryptBlob(ref *waproto.ExternalBlobReference, data []byte) ([]byte, error) {
	if len(data) <= blobMACLength {
		return nil, fmt.Errorf("%w: blob of %d bytes", ErrBlobMismatch, len(data))
	}
	if len(ref.FileEncSHA256) > 0 {
		sum := sha256.Sum256(data)
		if !crypto.Equal(sum[:], ref.FileEncSHA256) {
			return nil, fmt.Errorf("%w: encrypted sha256", ErrBlobMismatch)
		}
	}
	keys, err := expandBlobKey(ref.MediaKey)
	if err != nil {
		return nil, err
	}
	ciphertext, mac := data[:len(data)-blobMACLength], data[len(data)-blobMACLength:]
	expected := crypto.HMACSHA256(keys.macKey, keys.iv, ciphertext)[:blobMACLength]
	if !crypto.Equal(mac, expected) {
		return nil, fmt.Errorf("%w: %w", ErrBlobMismatch, crypto.ErrDecrypt)
	}
	plaintext, err := crypto.DecryptCBC(keys.cipherKey, keys.iv, ciphertext)
	if err != nil {
		return nil, err
	}
	if len(ref.FileSHA256) > 0 {
		sum := sha256.Sum256(plaintext)
		if !crypto.Equal(sum[:], ref.FileSHA256) {
			return nil, fmt.Errorf("%w: plaintext sha256", ErrBlobMismatch)
		}
	}
	return plaintext, nil
}

// EncryptBlob is the inverse of DecryptBlob. It fills in the reference's
// hashes and is used to serve blobs in tests and tooling.
func EncryptBlob(ref *waproto.ExternalBlobReference, plaintext []byte) ([]byte, error) {
	keys, err := expandBlobKey(ref.MediaKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptCBC(keys.cipherKey, keys.iv, plaintext)
	if err != nil {
		return nil, err
	}
	data := append(ciphertext, crypto.HMACSHA256(keys.macKey, keys.iv, ciphertext)[:blobMACLength]...)
	plainSum := sha256.Sum256(plaintext)
	encSum := sha256.Sum256(data)
	ref.FileSHA256 = plainSum[:]
	ref.FileEncSHA256 = encSum[:]
	ref.FileSizeBytes = uint64(len(plaintext))
	return data, nil
}
