package socket

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/technocode/Cobalt/pkg/metrics"
)

var ErrRegistryClosed = errors.New("socket: registry closed")

// Registry tracks the connected handlers of a process by session UUID and
// phone number.
type Registry struct {
	mu      sync.RWMutex
	byUUID  map[uuid.UUID]*Handler
	byPhone map[string]*Handler
	metrics *metrics.Metrics
	closed  bool
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		byUUID:  make(map[uuid.UUID]*Handler),
		byPhone: make(map[string]*Handler),
		metrics: m,
	}
}

// Add indexes h under its session's UUID and, once known, phone number.
func (r *Registry) Add(h *Handler) error {
	key := h.Session().Store.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.byUUID[key.UUID] = h
	if key.Phone != "" {
		r.byPhone[key.Phone] = h
	}
	r.metrics.SetActiveSessions(len(r.byUUID))
	return nil
}

// Remove drops every index entry pointing at h.
func (r *Registry) Remove(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.byUUID {
		if existing == h {
			delete(r.byUUID, id)
		}
	}
	for phone, existing := range r.byPhone {
		if existing == h {
			delete(r.byPhone, phone)
		}
	}
	r.metrics.SetActiveSessions(len(r.byUUID))
}

func (r *Registry) ByUUID(id uuid.UUID) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byUUID[id]
	return h, ok
}

func (r *Registry) ByPhone(phone string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byPhone[phone]
	return h, ok
}

// Handlers returns a snapshot of the registered handlers.
func (r *Registry) Handlers() []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handler, 0, len(r.byUUID))
	for _, h := range r.byUUID {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUUID)
}

// Stats summarizes the registry for the status endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := map[string]int{
		"sessions": len(r.byUUID),
		"phones":   len(r.byPhone),
	}
	for _, h := range r.byUUID {
		states[h.State().String()]++
	}
	return states
}

// Close disconnects every registered handler and rejects further adds.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	r.closed = true
	handlers := make([]*Handler, 0, len(r.byUUID))
	for _, h := range r.byUUID {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h.Disconnect()
	}
	return nil
}
