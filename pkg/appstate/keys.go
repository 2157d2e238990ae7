package appstate

import (
	"github.com/technocode/Cobalt/pkg/crypto"
)

// ExpandedKeys are the per-purpose keys derived from one app-state sync key.
type ExpandedKeys struct {
	Index           []byte
	ValueEncryption []byte
	ValueMAC        []byte
	SnapshotMAC     []byte
	PatchMAC        []byte
}

// ExpandKeys derives the mutation keys from raw sync key data.
func ExpandKeys(keyData []byte) (*ExpandedKeys, error) {
	out, err := crypto.HKDF(keyData, nil, []byte("WhatsApp Mutation Keys"), 160)
	if err != nil {
		return nil, err
	}
	return &ExpandedKeys{
		Index:           out[0:32],
		ValueEncryption: out[32:64],
		ValueMAC:        out[64:96],
		SnapshotMAC:     out[96:128],
		PatchMAC:        out[128:160],
	}, nil
}

// contentMAC authenticates an encrypted value together with its operation
// and key id.
func contentMAC(operation int32, data, keyID, key []byte) []byte {
	return crypto.HMACSHA512(key,
		[]byte{byte(operation + 1)},
		keyID,
		data,
		uint64BE(uint64(len(keyID)+1)),
	)[:32]
}

func indexMAC(indexJSON, key []byte) []byte {
	return crypto.HMACSHA256(key, indexJSON)
}
