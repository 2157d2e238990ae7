package socket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/config"
	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/events"
	"github.com/technocode/Cobalt/pkg/handshake"
	"github.com/technocode/Cobalt/pkg/store"
	"github.com/technocode/Cobalt/pkg/waproto"
)

const testWait = 5 * time.Second

// chunkPipe is one end of an in-memory Conn. Closing either end closes both.
type chunkPipe struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

func newChunkPipe() (*chunkPipe, *chunkPipe) {
	a, b := make(chan []byte, 64), make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &chunkPipe{in: a, out: b, closed: closed, once: once},
		&chunkPipe{in: b, out: a, closed: closed, once: once}
}

func (p *chunkPipe) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-p.in:
		return chunk, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *chunkPipe) WriteChunk(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- append([]byte(nil), data...):
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chunkPipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// pipeDialer hands the server end of every dialed pipe to the test server.
type pipeDialer struct {
	conns chan *chunkPipe
	fail  atomic.Bool
	dials atomic.Int32
}

func (d *pipeDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, errors.New("dial refused")
	}
	client, server := newChunkPipe()
	select {
	case d.conns <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// testServer completes the handshake for each dialed pipe.
type testServer struct {
	root   *crypto.KeyPair
	static *crypto.KeyPair
	cert   []byte
	dialer *pipeDialer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cert, err := handshake.IssueCertificate(root, static.Public)
	require.NoError(t, err)
	return &testServer{
		root:   root,
		static: static,
		cert:   cert,
		dialer: &pipeDialer{conns: make(chan *chunkPipe, 4)},
	}
}

// serverConn is the server side of one accepted connection. Routine
// queries are answered automatically; everything else lands in received.
type serverConn struct {
	pipe     *chunkPipe
	frames   *FrameSocket
	noise    *NoiseSocket
	accepted *handshake.Accepted
	payload  waproto.ClientPayload
	received chan *binary.Node
	ctx      context.Context
	cancel   context.CancelFunc
}

func (s *testServer) accept(t *testing.T) *serverConn {
	t.Helper()
	var pipe *chunkPipe
	select {
	case pipe = <-s.dialer.conns:
	case <-time.After(testWait):
		t.Fatal("no connection was dialed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	frames := AcceptFrameSocket(pipe)
	hsCtx, hsCancel := context.WithTimeout(ctx, testWait)
	defer hsCancel()
	accepted, err := (&handshake.Server{Static: s.static, Certificate: s.cert}).Accept(hsCtx, frames)
	require.NoError(t, err)

	conn := &serverConn{
		pipe:     pipe,
		frames:   frames,
		noise:    NewNoiseSocket(frames, accepted.Pair),
		accepted: accepted,
		received: make(chan *binary.Node, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	require.NoError(t, conn.payload.Unmarshal(accepted.Payload))
	go conn.readLoop()
	return conn
}

func (c *serverConn) readLoop() {
	defer close(c.received)
	for {
		node, _, err := c.noise.ReceiveNode(c.ctx)
		if err != nil {
			return
		}
		if reply := autoReply(node); reply != nil {
			if _, err := c.noise.SendNode(c.ctx, reply); err != nil {
				return
			}
			continue
		}
		c.received <- node
	}
}

// autoReply answers the queries a client sends on its own after login.
func autoReply(node *binary.Node) *binary.Node {
	if node.Tag() != "iq" {
		return nil
	}
	switch node.AttrString("xmlns") {
	case "passive", "w:p":
		return iqResult(node)
	case "encrypt":
		if _, ok := node.Child("count"); ok {
			return iqResult(node, binary.NewNode("count", []binary.Attr{binary.StringAttr("value", "50")}))
		}
	}
	return nil
}

func iqResult(req *binary.Node, children ...*binary.Node) *binary.Node {
	return binary.NewNode("iq", []binary.Attr{
		binary.StringAttr("id", req.ID()),
		binary.StringAttr("type", "result"),
		binary.JIDAttr("from", binary.ServerJID),
	}, children...)
}

func (c *serverConn) send(t *testing.T, node *binary.Node) {
	t.Helper()
	_, err := c.noise.SendNode(c.ctx, node)
	require.NoError(t, err)
}

// next returns the first received node matching tag and attrs given as
// key/value pairs, skipping the rest.
func (c *serverConn) next(t *testing.T, tag string, kv ...string) *binary.Node {
	t.Helper()
	timeout := time.After(testWait)
	for {
		select {
		case node, ok := <-c.received:
			if !ok {
				t.Fatalf("connection closed while waiting for <%s>", tag)
			}
			if node.Tag() != tag {
				continue
			}
			matched := true
			for i := 0; i+1 < len(kv); i += 2 {
				if node.AttrString(kv[i]) != kv[i+1] {
					matched = false
					break
				}
			}
			if matched {
				return node
			}
		case <-timeout:
			t.Fatalf("timed out waiting for <%s %v>", tag, kv)
		}
	}
}

func (c *serverConn) close() {
	c.cancel()
	c.pipe.Close()
}

// eventLog collects events other than raw node traffic.
type eventLog struct {
	ch chan any
}

func recordEvents(h *Handler) *eventLog {
	log := &eventLog{ch: make(chan any, 256)}
	h.AddEventHandler(func(evt any) {
		switch evt.(type) {
		case *events.NodeSent, *events.NodeReceived:
			return
		}
		select {
		case log.ch <- evt:
		default:
		}
	})
	return log
}

func waitEvent[T any](t *testing.T, log *eventLog) T {
	t.Helper()
	timeout := time.After(testWait)
	for {
		select {
		case evt := <-log.ch:
			if typed, ok := evt.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RequestTimeout = 2 * time.Second
	cfg.KeepaliveInterval = time.Hour
	cfg.ReconnectAttempts = 3
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.ListenerWorkers = 1
	return cfg
}

var testOwnJID = binary.NewADJID("15550000001", 0, 7)

type testHarness struct {
	server     *testServer
	handler    *Handler
	events     *eventLog
	serializer *store.MemorySerializer
	registry   *Registry
}

func newHarness(t *testing.T, registered bool) *testHarness {
	t.Helper()
	session, err := store.NewSession(store.ClientWeb)
	require.NoError(t, err)
	if registered {
		session.Store.SetRegistered(testOwnJID)
	}
	serializer := store.NewMemorySerializer()
	require.NoError(t, store.Save(context.Background(), serializer, session))

	server := newTestServer(t)
	registry := NewRegistry(nil)
	h, err := New(Options{
		Config:     testConfig(),
		Session:    session,
		Serializer: serializer,
		Registry:   registry,
		Dialer:     server.dialer,
		Logger:     zap.NewNop(),
		RootKey:    server.root.Public,
	})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return &testHarness{
		server:     server,
		handler:    h,
		events:     recordEvents(h),
		serializer: serializer,
		registry:   registry,
	}
}

// dial connects the handler and completes the handshake.
func (th *testHarness) dial(t *testing.T) *serverConn {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		errc <- th.handler.Connect(ctx)
	}()
	conn := th.server.accept(t)
	t.Cleanup(conn.close)
	t.Cleanup(th.handler.Disconnect)
	require.NoError(t, <-errc)
	return conn
}

func successNode() *binary.Node {
	return binary.NewNode("success", []binary.Attr{
		binary.StringAttr("t", "1700000000"),
		binary.StringAttr("location", "frc"),
	})
}

// login dials and lets the server accept the login.
func (th *testHarness) login(t *testing.T) *serverConn {
	t.Helper()
	conn := th.dial(t)
	conn.send(t, successNode())
	waitEvent[*events.Connected](t, th.events)
	return conn
}
