package appstate

import (
	"encoding/binary"

	"github.com/technocode/Cobalt/pkg/crypto"
)

// LTHash is a summation-based hash over a set of values: adding and then
// subtracting the same value restores the previous hash.
type LTHash struct {
	Info []byte
	Size int
}

// WAPatchIntegrity is the LTHash used for app-state collections.
var WAPatchIntegrity = LTHash{Info: []byte("WhatsApp Patch Integrity"), Size: 128}

// SubtractThenAdd removes every value in subtract from base, then adds every
// value in add. base is modified in place.
func (lth LTHash) SubtractThenAdd(base []byte, subtract, add [][]byte) error {
	for _, item := range subtract {
		if err := lth.apply(base, item, false); err != nil {
			return err
		}
	}
	for _, item := range add {
		if err := lth.apply(base, item, true); err != nil {
			return err
		}
	}
	return nil
}

func (lth LTHash) apply(base, item []byte, add bool) error {
	expanded, err := crypto.HKDF(item, nil, lth.Info, lth.Size)
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(base) && i+1 < len(expanded); i += 2 {
		x := binary.LittleEndian.Uint16(base[i:])
		y := binary.LittleEndian.Uint16(expanded[i:])
		if add {
			x += y
		} else {
			x -= y
		}
		binary.LittleEndian.PutUint16(base[i:], x)
	}
	return nil
}

// HashState is the reconciled state of one collection: its version, LTHash
// and the value MAC of every live index.
type HashState struct {
	Version       uint64            `json:"version"`
	Hash          [128]byte         `json:"hash"`
	IndexValueMap map[string][]byte `json:"index_value_map"`
}

// NewHashState returns the state of a collection that has never synced.
func NewHashState() *HashState {
	return &HashState{IndexValueMap: make(map[string][]byte)}
}

// Clone returns a deep copy, so a pull can be applied and discarded.
func (hs *HashState) Clone() *HashState {
	out := &HashState{Version: hs.Version, Hash: hs.Hash, IndexValueMap: make(map[string][]byte, len(hs.IndexValueMap))}
	for index, valueMAC := range hs.IndexValueMap {
		out.IndexValueMap[index] = append([]byte(nil), valueMAC...)
	}
	return out
}

// SnapshotMAC authenticates the hash at the current version.
func (hs *HashState) SnapshotMAC(name Collection, key []byte) []byte {
	return crypto.HMACSHA256(key, hs.Hash[:], uint64BE(hs.Version), []byte(name))
}

// PatchMAC authenticates a patch given its snapshot MAC and value MACs.
func PatchMAC(snapshotMAC []byte, valueMACs [][]byte, version uint64, name Collection, key []byte) []byte {
	parts := make([][]byte, 0, len(valueMACs)+3)
	parts = append(parts, snapshotMAC)
	parts = append(parts, valueMACs...)
	parts = append(parts, uint64BE(version), []byte(name))
	return crypto.HMACSHA256(key, parts...)
}

func uint64BE(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}
