package socket

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technocode/Cobalt/pkg/binary"
)

func nodeWithID(id string) *binary.Node {
	return binary.NewNode("iq", []binary.Attr{binary.StringAttr("id", id)})
}

func TestRequestsNextIDUnique(t *testing.T) {
	r := NewRequests()
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := r.NextID()
				mu.Lock()
				if seen[id] {
					t.Errorf("NextID() repeated %q", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
	for id := range seen {
		assert.True(t, strings.Contains(id, "-"), "id %q has no prefix", id)
		break
	}
}

func TestRequestsResolve(t *testing.T) {
	r := NewRequests()
	ch, err := r.Register("a")
	require.NoError(t, err)
	assert.True(t, r.Pending("a"))

	assert.False(t, r.Resolve(nodeWithID("b")))
	assert.False(t, r.Resolve(binary.NewNode("iq", nil)))
	assert.True(t, r.Resolve(nodeWithID("a")))
	assert.False(t, r.Resolve(nodeWithID("a")), "an id is answered once")

	got := <-ch
	assert.Equal(t, "a", got.ID())
	assert.Equal(t, 0, r.Len())
}

func TestRequestsDuplicate(t *testing.T) {
	r := NewRequests()
	_, err := r.Register("x")
	require.NoError(t, err)
	_, err = r.Register("x")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("Register() error = %v, want %v", err, ErrDuplicateRequest)
	}
	r.Cancel("x")
	_, err = r.Register("x")
	assert.NoError(t, err)
}

func TestRequestsResolveAll(t *testing.T) {
	r := NewRequests()
	var chans []<-chan *binary.Node
	for _, id := range []string{"1", "2", "3"} {
		ch, err := r.Register(id)
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	assert.Equal(t, 3, r.ResolveAll())
	for i, ch := range chans {
		if node, ok := <-ch; ok {
			t.Errorf("request %d got %v after ResolveAll, want closed channel", i, node)
		}
	}
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.ResolveAll())
}

func TestParseIQError(t *testing.T) {
	node := binary.NewNode("iq", []binary.Attr{binary.StringAttr("type", "error")},
		binary.NewNode("error", []binary.Attr{
			binary.IntAttr("code", 404),
			binary.StringAttr("text", "item-not-found"),
		}))
	err := parseIQError(node)
	assert.Equal(t, 404, err.Code)
	assert.Equal(t, "item-not-found", err.Text)
	assert.Equal(t, "iq error 404: item-not-found", err.Error())
}
