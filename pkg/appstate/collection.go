// Package appstate reconciles app-state collections (mute, pin, archive,
// contacts, push name...) against the server's hash chain.
package appstate

import (
	"errors"

	"github.com/technocode/Cobalt/pkg/waproto"
)

// Collection is the name of an app-state collection.
type Collection string

const (
	CriticalBlock      Collection = "critical_block"
	CriticalUnblockLow Collection = "critical_unblock_low"
	RegularHigh        Collection = "regular_high"
	Regular            Collection = "regular"
	RegularLow         Collection = "regular_low"
)

// AllCollections lists every collection in pull order.
var AllCollections = []Collection{CriticalBlock, CriticalUnblockLow, RegularHigh, Regular, RegularLow}

var (
	ErrMismatchingLTHash     = errors.New("appstate: mismatching LTHash")
	ErrMismatchingPatchMAC   = errors.New("appstate: mismatching patch MAC")
	ErrMismatchingContentMAC = errors.New("appstate: mismatching content MAC")
	ErrMismatchingIndexMAC   = errors.New("appstate: mismatching index MAC")
	ErrKeyNotFound           = errors.New("appstate: sync key not found")
	ErrBlobMismatch          = errors.New("appstate: external blob hash mismatch")
)

// Mutation is one decoded and verified app-state change.
type Mutation struct {
	Collection   Collection
	Operation    int32
	Index        []string
	IndexMAC     []byte
	ValueMAC     []byte
	KeyID        []byte
	Action       *waproto.SyncActionValue
	Version      int32
	PatchVersion uint64
}

// IsRemove reports whether the mutation deletes its index.
func (m Mutation) IsRemove() bool {
	return m.Operation == waproto.SyncdOperationRemove
}

// Timestamp returns the action timestamp in milliseconds, if set.
func (m Mutation) Timestamp() int64 {
	if m.Action == nil {
		return 0
	}
	return m.Action.Timestamp
}
