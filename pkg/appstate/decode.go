package appstate

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// KeyStore resolves app-state sync keys shared by the primary device. It
// returns nil data for unknown ids.
type KeyStore interface {
	AppStateSyncKey(id []byte) ([]byte, error)
}

// Processor decodes and verifies patches. It is safe for concurrent use.
type Processor struct {
	keys  KeyStore
	blobs BlobFetcher
	log   *zap.Logger

	mu       sync.Mutex
	keyCache map[string]*ExpandedKeys
}

func NewProcessor(keys KeyStore, blobs BlobFetcher, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{keys: keys, blobs: blobs, log: log, keyCache: make(map[string]*ExpandedKeys)}
}

func (p *Processor) expandedKeys(id []byte) (*ExpandedKeys, error) {
	cacheKey := hex.EncodeToString(id)
	p.mu.Lock()
	cached, ok := p.keyCache[cacheKey]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}
	data, err := p.keys.AppStateSyncKey(id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &KeyNotFoundError{KeyID: append([]byte(nil), id...)}
	}
	expanded, err := ExpandKeys(data)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.keyCache[cacheKey] = expanded
	p.mu.Unlock()
	return expanded, nil
}

// KeyNotFoundError names the sync key a patch needs but the store lacks.
type KeyNotFoundError struct {
	KeyID []byte
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("%v: %X", ErrKeyNotFound, e.KeyID)
}

func (e *KeyNotFoundError) Unwrap() error {
	return ErrKeyNotFound
}

// DecodePatches applies an optional snapshot and then each patch of list to
// a copy of state, verifying every snapshot MAC and patch MAC. The returned
// state and mutations are only meaningful when err is nil; on any mismatch
// the whole pull must be discarded.
func (p *Processor) DecodePatches(ctx context.Context, list *PatchList, state *HashState) ([]Mutation, *HashState, error) {
	current := state.Clone()
	var mutations []Mutation

	if list.Snapshot != nil {
		current = NewHashState()
		decoded, err := p.applySnapshot(list.Name, list.Snapshot, current)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot of %s: %w", list.Name, err)
		}
		mutations = append(mutations, decoded...)
	}

	for _, patch := range list.Patches {
		if patch.Version <= current.Version {
			p.log.Debug("skip already applied patch",
				zap.String("collection", string(list.Name)),
				zap.Uint64("version", patch.Version))
			continue
		}
		if patch.ExternalMutations != nil {
			external, err := p.fetchExternalMutations(ctx, patch.ExternalMutations)
			if err != nil {
				return nil, nil, fmt.Errorf("external mutations of %s v%d: %w", list.Name, patch.Version, err)
			}
			merged := *patch
			merged.Mutations = append(append([]*waproto.SyncdMutation(nil), patch.Mutations...), external...)
			patch = &merged
		}
		decoded, err := p.applyPatch(list.Name, patch, current)
		if err != nil {
			return nil, nil, fmt.Errorf("patch %s v%d: %w", list.Name, patch.Version, err)
		}
		mutations = append(mutations, decoded...)
	}
	return mutations, current, nil
}

func (p *Processor) fetchExternalMutations(ctx context.Context, ref *waproto.ExternalBlobReference) ([]*waproto.SyncdMutation, error) {
	if p.blobs == nil {
		return nil, fmt.Errorf("no blob fetcher for %s", ref.DirectPath)
	}
	data, err := p.blobs.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	plaintext, err := DecryptBlob(ref, data)
	if err != nil {
		return nil, err
	}
	var external waproto.SyncdMutations
	if err := external.Unmarshal(plaintext); err != nil {
		return nil, err
	}
	return external.Mutations, nil
}

// FetchSnapshot downloads and decrypts a snapshot blob reference.
func (p *Processor) FetchSnapshot(ctx context.Context, ref *waproto.ExternalBlobReference) (*waproto.SyncdSnapshot, error) {
	if p.blobs == nil {
		return nil, fmt.Errorf("no blob fetcher for %s", ref.DirectPath)
	}
	data, err := p.blobs.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	plaintext, err := DecryptBlob(ref, data)
	if err != nil {
		return nil, err
	}
	snapshot := &waproto.SyncdSnapshot{}
	if err := snapshot.Unmarshal(plaintext); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (p *Processor) applySnapshot(name Collection, snapshot *waproto.SyncdSnapshot, state *HashState) ([]Mutation, error) {
	state.Version = snapshot.Version
	mutations := make([]*waproto.SyncdMutation, len(snapshot.Records))
	for i, record := range snapshot.Records {
		mutations[i] = &waproto.SyncdMutation{Operation: waproto.SyncdOperationSet, Record: record}
	}
	if err := state.update(mutations); err != nil {
		return nil, err
	}
	keys, err := p.expandedKeys(snapshot.KeyID)
	if err != nil {
		return nil, err
	}
	if !crypto.Equal(state.SnapshotMAC(name, keys.SnapshotMAC), snapshot.MAC) {
		return nil, fmt.Errorf("%w at version %d", ErrMismatchingLTHash, snapshot.Version)
	}
	return p.decodeMutations(name, mutations, snapshot.Version)
}

func (p *Processor) applyPatch(name Collection, patch *waproto.SyncdPatch, state *HashState) ([]Mutation, error) {
	state.Version = patch.Version
	if err := state.update(patch.Mutations); err != nil {
		return nil, err
	}
	keys, err := p.expandedKeys(patch.KeyID)
	if err != nil {
		return nil, err
	}
	snapshotMAC := state.SnapshotMAC(name, keys.SnapshotMAC)
	if !crypto.Equal(snapshotMAC, patch.SnapshotMAC) {
		return nil, ErrMismatchingLTHash
	}
	valueMACs := make([][]byte, 0, len(patch.Mutations))
	for _, mutation := range patch.Mutations {
		valueMACs = append(valueMACs, valueMACOf(mutation.Record))
	}
	if !crypto.Equal(PatchMAC(snapshotMAC, valueMACs, patch.Version, name, keys.PatchMAC), patch.PatchMAC) {
		return nil, ErrMismatchingPatchMAC
	}
	return p.decodeMutations(name, patch.Mutations, patch.Version)
}

func valueMACOf(record *waproto.SyncdRecord) []byte {
	if record == nil || len(record.Value) < 32 {
		return nil
	}
	return record.Value[len(record.Value)-32:]
}

// update folds mutations into the LTHash and the index map in order.
func (hs *HashState) update(mutations []*waproto.SyncdMutation) error {
	var subtract, add [][]byte
	for _, mutation := range mutations {
		if mutation.Record == nil {
			return fmt.Errorf("%w: mutation without record", waproto.ErrMalformed)
		}
		key := base64.StdEncoding.EncodeToString(mutation.Record.Index)
		if previous, ok := hs.IndexValueMap[key]; ok {
			subtract = append(subtract, previous)
		}
		if mutation.Operation == waproto.SyncdOperationRemove {
			delete(hs.IndexValueMap, key)
			continue
		}
		valueMAC := valueMACOf(mutation.Record)
		if valueMAC == nil {
			return fmt.Errorf("%w: value shorter than its MAC", waproto.ErrMalformed)
		}
		add = append(add, valueMAC)
		hs.IndexValueMap[key] = append([]byte(nil), valueMAC...)
	}
	return WAPatchIntegrity.SubtractThenAdd(hs.Hash[:], subtract, add)
}

func (p *Processor) decodeMutations(name Collection, mutations []*waproto.SyncdMutation, version uint64) ([]Mutation, error) {
	out := make([]Mutation, 0, len(mutations))
	for _, mutation := range mutations {
		decoded, err := p.decodeMutation(name, mutation)
		if err != nil {
			return nil, err
		}
		decoded.PatchVersion = version
		out = append(out, decoded)
	}
	return out, nil
}

func (p *Processor) decodeMutation(name Collection, mutation *waproto.SyncdMutation) (Mutation, error) {
	record := mutation.Record
	keys, err := p.expandedKeys(record.KeyID)
	if err != nil {
		return Mutation{}, err
	}
	if len(record.Value) < 16+32 {
		return Mutation{}, fmt.Errorf("%w: value of %d bytes", waproto.ErrMalformed, len(record.Value))
	}
	content := record.Value[:len(record.Value)-32]
	valueMAC := record.Value[len(record.Value)-32:]
	if !crypto.Equal(contentMAC(mutation.Operation, content, record.KeyID, keys.ValueMAC), valueMAC) {
		return Mutation{}, ErrMismatchingContentMAC
	}
	plaintext, err := crypto.DecryptCBC(keys.ValueEncryption, content[:16], content[16:])
	if err != nil {
		return Mutation{}, fmt.Errorf("decrypt value: %w", err)
	}
	var action waproto.SyncActionData
	if err := action.Unmarshal(plaintext); err != nil {
		return Mutation{}, err
	}
	if !crypto.Equal(indexMAC(action.Index, keys.Index), record.Index) {
		return Mutation{}, ErrMismatchingIndexMAC
	}
	var index []string
	if err := json.Unmarshal(action.Index, &index); err != nil {
		return Mutation{}, fmt.Errorf("index json: %w", err)
	}
	return Mutation{
		Collection: name,
		Operation:  mutation.Operation,
		Index:      index,
		IndexMAC:   append([]byte(nil), record.Index...),
		ValueMAC:   append([]byte(nil), valueMAC...),
		KeyID:      append([]byte(nil), record.KeyID...),
		Action:     action.Value,
		Version:    action.Version,
	}, nil
}
