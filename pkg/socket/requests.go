package socket

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/crypto"
)

var (
	ErrDuplicateRequest = errors.New("socket: duplicate request id")
	ErrRequestCancelled = errors.New("socket: request cancelled")
	ErrRequestTimeout   = errors.New("socket: request timed out")
)

// IQError is an <iq type="error"> answer.
type IQError struct {
	Code int
	Text string
	Raw  *binary.Node
}

func (e *IQError) Error() string {
	return fmt.Sprintf("iq error %d: %s", e.Code, e.Text)
}

func parseIQError(node *binary.Node) *IQError {
	out := &IQError{Raw: node}
	if errNode, ok := node.Child("error"); ok {
		code, _ := errNode.AttrInt("code")
		out.Code = int(code)
		out.Text = errNode.AttrString("text")
	}
	return out
}

// Requests correlates outgoing nodes with their answers by id. Each
// registered id gets a channel that receives exactly one node, or is closed
// when the request is cancelled.
type Requests struct {
	prefix  string
	counter atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *binary.Node
}

func NewRequests() *Requests {
	raw, err := crypto.RandomBytes(4)
	if err != nil {
		raw = []byte{0, 0, 0, 1}
	}
	prefix := strconv.Itoa(int(raw[0])<<8|int(raw[1])) + "." + strconv.Itoa(int(raw[2])<<8|int(raw[3])) + "-"
	return &Requests{prefix: prefix, pending: make(map[string]chan *binary.Node)}
}

// NextID returns an id that is unique for the lifetime of the table.
func (r *Requests) NextID() string {
	return r.prefix + strconv.FormatUint(r.counter.Add(1), 10)
}

// Register reserves id and returns the channel its answer is delivered to.
func (r *Requests) Register(id string) (<-chan *binary.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	ch := make(chan *binary.Node, 1)
	r.pending[id] = ch
	return ch, nil
}

// Resolve hands node to the request with the same id. It reports false
// when nothing was waiting for it.
func (r *Requests) Resolve(node *binary.Node) bool {
	id := node.ID()
	if id == "" {
		return false
	}
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- node
	return true
}

// Cancel forgets id without answering it.
func (r *Requests) Cancel(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// ResolveAll closes every pending channel. Waiters observe the closure as
// cancellation.
func (r *Requests) ResolveAll() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan *binary.Node)
	r.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	return len(pending)
}

// Pending reports whether id is still waiting.
func (r *Requests) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

func (r *Requests) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
