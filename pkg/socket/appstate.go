package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/technocode/Cobalt/pkg/appstate"
	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/events"
)

// MaxAppStateResyncs bounds the full resyncs of one pull after hash
// mismatches.
const MaxAppStateResyncs = 2

func (h *Handler) appStateLock(name appstate.Collection) *sync.Mutex {
	h.appStateLockMu.Lock()
	defer h.appStateLockMu.Unlock()
	lock, ok := h.appStateLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		h.appStateLocks[name] = lock
	}
	return lock
}

// FetchAppStates pulls several collections concurrently and returns the
// first failure.
func (h *Handler) FetchAppStates(ctx context.Context, fullSync bool, names ...appstate.Collection) error {
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			return h.FetchAppState(ctx, name, fullSync)
		})
	}
	return g.Wait()
}

// FetchAppState brings one collection up to the server version. A collection
// that never synced is always fetched in full.
func (h *Handler) FetchAppState(ctx context.Context, name appstate.Collection, fullSync bool) error {
	ctx, span := h.tracer.Start(ctx, "socket.FetchAppState", trace.WithAttributes(
		attribute.String("appstate.collection", string(name)),
		attribute.Bool("appstate.full_sync", fullSync),
	))
	defer span.End()

	lock := h.appStateLock(name)
	lock.Lock()
	defer lock.Unlock()

	err := h.fetchAppState(ctx, name, fullSync)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, appstate.ErrKeyNotFound):
			h.log.Info("app state waits for sync key", zap.String("collection", string(name)), zap.Error(err))
		case ctx.Err() != nil:
		default:
			h.handleFailure(LocationAppState, err)
		}
	}
	return err
}

func isHashMismatch(err error) bool {
	return errors.Is(err, appstate.ErrMismatchingLTHash) ||
		errors.Is(err, appstate.ErrMismatchingPatchMAC) ||
		errors.Is(err, appstate.ErrMismatchingContentMAC) ||
		errors.Is(err, appstate.ErrMismatchingIndexMAC)
}

// fetchAppState runs the pull loop. Pages are verified into a working copy
// of the hash state; the state is stored and the mutations are emitted only
// once the last page verified. Callers hold the collection lock.
func (h *Handler) fetchAppState(ctx context.Context, name appstate.Collection, fullSync bool) error {
	keys := h.Session().Keys
	proc := h.processor()
	state := keys.HashState(name)
	if state.Version == 0 {
		fullSync = true
	}

	var pending []appstate.Mutation
	resyncs := 0
	for {
		if fullSync {
			state = appstate.NewHashState()
			pending = nil
		}
		resp, err := h.SendQuery(ctx, Query{
			Namespace: "w:sync:app:state",
			Type:      "set",
			To:        binary.ServerJID,
			Content:   []*binary.Node{appstate.BuildSyncRequest(name, state.Version, fullSync)},
		})
		if err != nil {
			return fmt.Errorf("sync %s: %w", name, err)
		}
		list, err := proc.ParsePatchList(ctx, resp, name)
		if err != nil {
			return fmt.Errorf("sync %s: %w", name, err)
		}
		mutations, next, err := proc.DecodePatches(ctx, list, state)
		if err != nil {
			if isHashMismatch(err) && resyncs < MaxAppStateResyncs {
				resyncs++
				h.metrics.AppStateResync(string(name))
				h.log.Warn("app state mismatch, resyncing",
					zap.String("collection", string(name)), zap.Int("attempt", resyncs), zap.Error(err))
				h.dispatcher.Emit(&events.AppStateResync{Name: name, Attempt: resyncs, Err: err})
				fullSync = true
				continue
			}
			return fmt.Errorf("decode %s: %w", name, err)
		}

		pending = append(pending, mutations...)
		state = next
		fullSync = false
		if !list.HasMorePatches {
			break
		}
	}

	keys.PutHashState(name, state)
	for _, mutation := range pending {
		h.dispatcher.Emit(&events.AppStateMutation{Mutation: mutation})
	}

	h.log.Debug("app state synced", zap.String("collection", string(name)), zap.Uint64("version", state.Version))
	h.dispatcher.Emit(&events.AppStateSyncComplete{Name: name, Version: state.Version})
	h.saveSession(ctx)
	return nil
}

// PushPatch encodes a local change, sends it and pulls the collection so
// the local state reflects the server's order.
func (h *Handler) PushPatch(ctx context.Context, req appstate.PatchRequest) error {
	ctx, span := h.tracer.Start(ctx, "socket.PushPatch", trace.WithAttributes(
		attribute.String("appstate.collection", string(req.Collection)),
	))
	defer span.End()

	lock := h.appStateLock(req.Collection)
	lock.Lock()
	defer lock.Unlock()

	keys := h.Session().Keys
	keyID, ok := keys.LatestAppStateKeyID()
	if !ok {
		return appstate.ErrKeyNotFound
	}
	state := keys.HashState(req.Collection)
	if state.Version == 0 {
		if err := h.fetchAppState(ctx, req.Collection, true); err != nil {
			return err
		}
		state = keys.HashState(req.Collection)
	}
	patch, err := h.processor().EncodePatch(keyID, state, req)
	if err != nil {
		return fmt.Errorf("encode %s patch: %w", req.Collection, err)
	}
	_, err = h.SendQuery(ctx, Query{
		Namespace: "w:sync:app:state",
		Type:      "set",
		To:        binary.ServerJID,
		Content:   []*binary.Node{appstate.BuildPushRequest(req.Collection, state.Version, patch)},
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("push %s: %w", req.Collection, err)
	}
	return h.fetchAppState(ctx, req.Collection, false)
}
