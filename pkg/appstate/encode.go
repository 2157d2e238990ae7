package appstate

import (
	"fmt"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

// MutationInfo is one change to push.
type MutationInfo struct {
	Index   []string
	Version int32
	Value   *waproto.SyncActionValue
}

// PatchRequest describes a local change to one collection.
type PatchRequest struct {
	Collection Collection
	Operation  int32
	Mutations  []MutationInfo
}

// EncodePatch encrypts the request's mutations with the sync key keyID and
// returns the serialized patch. The MACs are computed against state, which
// is not modified.
func (p *Processor) EncodePatch(keyID []byte, state *HashState, request PatchRequest) ([]byte, error) {
	keys, err := p.expandedKeys(keyID)
	if err != nil {
		return nil, err
	}
	mutations := make([]*waproto.SyncdMutation, 0, len(request.Mutations))
	for _, info := range request.Mutations {
		indexJSON, err := json.Marshal(info.Index)
		if err != nil {
			return nil, fmt.Errorf("index json: %w", err)
		}
		plaintext := (&waproto.SyncActionData{
			Index:   indexJSON,
			Value:   info.Value,
			Padding: []byte{},
			Version: info.Version,
		}).Marshal()
		iv, err := crypto.RandomBytes(16)
		if err != nil {
			return nil, err
		}
		ciphertext, err := crypto.EncryptCBC(keys.ValueEncryption, iv, plaintext)
		if err != nil {
			return nil, err
		}
		content := append(iv, ciphertext...)
		valueMAC := contentMAC(request.Operation, content, keyID, keys.ValueMAC)
		mutations = append(mutations, &waproto.SyncdMutation{
			Operation: request.Operation,
			Record: &waproto.SyncdRecord{
				Index: indexMAC(indexJSON, keys.Index),
				Value: append(content, valueMAC...),
				KeyID: keyID,
			},
		})
	}

	next := state.Clone()
	next.Version++
	if err := next.update(mutations); err != nil {
		return nil, err
	}
	snapshotMAC := next.SnapshotMAC(request.Collection, keys.SnapshotMAC)
	valueMACs := make([][]byte, len(mutations))
	for i, mutation := range mutations {
		valueMACs[i] = valueMACOf(mutation.Record)
	}
	patch := &waproto.SyncdPatch{
		Version:     next.Version,
		Mutations:   mutations,
		SnapshotMAC: snapshotMAC,
		PatchMAC:    PatchMAC(snapshotMAC, valueMACs, next.Version, request.Collection, keys.PatchMAC),
		KeyID:       keyID,
	}
	return patch.Marshal(), nil
}
