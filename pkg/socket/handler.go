// Package socket runs a WhatsApp multi-device connection: transport,
// handshake, request correlation, stream dispatch and the lifecycle state
// machine around them.
package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/appstate"
	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/config"
	"github.com/technocode/Cobalt/pkg/events"
	"github.com/technocode/Cobalt/pkg/handshake"
	"github.com/technocode/Cobalt/pkg/metrics"
	"github.com/technocode/Cobalt/pkg/store"
)

const tracerName = "github.com/technocode/Cobalt/pkg/socket"

var (
	ErrAlreadyConnected = errors.New("socket: already connected")
	ErrConnectAborted   = errors.New("socket: connect aborted by a state change")
)

// State is the lifecycle state of a Handler.
type State int32

const (
	StateWaiting State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateRestore
	StateLoggedOut
	StateDisconnected
)

var stateNames = []string{"waiting", "connecting", "connected", "reconnecting", "restore", "logged_out", "disconnected"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configures a Handler. Session is required; everything else has a
// usable default.
type Options struct {
	Config     *config.Config
	Session    *store.Session
	Serializer store.Serializer
	Registry   *Registry
	Dialer     Dialer
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Policy     ErrorPolicy
	Blobs      appstate.BlobFetcher
	// RootKey overrides the certificate root, for test servers.
	RootKey [32]byte
}

// connection is one dialed and authenticated transport.
type connection struct {
	noise  *NoiseSocket
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Handler owns one session and its connection.
type Handler struct {
	cfg        *config.Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	policy     ErrorPolicy
	serializer store.Serializer
	registry   *Registry
	dialer     Dialer
	blobs      appstate.BlobFetcher
	rootKey    [32]byte
	tracer     trace.Tracer

	requests   *Requests
	dispatcher *Dispatcher
	devices    *cache.Cache

	state        atomic.Int32
	transitionMu sync.Mutex

	mu              sync.Mutex
	session         *store.Session
	appState        *appstate.Processor
	conn            *connection
	reconnectCancel context.CancelFunc

	// signalMu serializes every use of the signal session store.
	signalMu sync.Mutex

	senderKeyMu    sync.Mutex
	senderKeySent  map[string]map[string]bool
	appStateLocks  map[appstate.Collection]*sync.Mutex
	appStateLockMu sync.Mutex
}

func New(opts Options) (*Handler, error) {
	if opts.Session == nil || opts.Session.Keys == nil || opts.Session.Store == nil {
		return nil, errors.New("socket: options need a session")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultPolicy
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &WebsocketDialer{URL: cfg.URL, Origin: cfg.Origin}
	}
	h := &Handler{
		cfg:           cfg,
		metrics:       opts.Metrics,
		policy:        policy,
		serializer:    opts.Serializer,
		registry:      opts.Registry,
		dialer:        dialer,
		blobs:         opts.Blobs,
		rootKey:       opts.RootKey,
		tracer:        otel.Tracer(tracerName),
		requests:      NewRequests(),
		devices:       cache.New(cfg.DeviceCacheTTL, 2*cfg.DeviceCacheTTL),
		senderKeySent: make(map[string]map[string]bool),
		appStateLocks: make(map[appstate.Collection]*sync.Mutex),
	}
	h.log = log.Named("socket").With(zap.Stringer("session", opts.Session.Store.UUID))
	h.setSession(opts.Session)
	h.dispatcher = NewDispatcher(cfg.ListenerWorkers, cfg.ListenerQueueSize, h.log.Named("events"), h.metrics, func(err error) {
		h.handleFailure(LocationListener, err)
	})
	h.state.Store(int32(StateWaiting))
	return h, nil
}

// AddEventHandler registers fn for every event and returns its id.
func (h *Handler) AddEventHandler(fn events.Handler) uint32 {
	return h.dispatcher.AddHandler(fn)
}

func (h *Handler) RemoveEventHandler(id uint32) bool {
	return h.dispatcher.RemoveHandler(id)
}

func (h *Handler) State() State {
	return State(h.state.Load())
}

func (h *Handler) setState(s State) {
	h.state.Store(int32(s))
	h.metrics.SetState(h.Session().Store.UUID.String(), stateNames, s.String())
}

// Session returns the current session. It changes when the handler
// restores itself with fresh keys.
func (h *Handler) Session() *store.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *Handler) setSession(session *store.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = session
	h.appState = appstate.NewProcessor(session.Keys, h.blobs, h.log)
}

func (h *Handler) processor() *appstate.Processor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appState
}

// Requests exposes the pending request table.
func (h *Handler) Requests() *Requests {
	return h.requests
}

// Connect dials the server and runs the handshake. The handler is
// CONNECTED once the server accepts the login.
func (h *Handler) Connect(ctx context.Context) error {
	switch h.State() {
	case StateConnecting, StateConnected, StateReconnecting, StateRestore:
		return ErrAlreadyConnected
	case StateLoggedOut:
		return ErrLoggedOut
	}
	if err := h.connect(ctx, StateWaiting, StateDisconnected); err != nil {
		if !errors.Is(err, ErrAlreadyConnected) {
			h.transitionFrom(StateDisconnected, StateConnecting)
		}
		return err
	}
	return nil
}

// connect moves to CONNECTING from one of the given states, dials and runs
// the handshake. The transport is installed only if the handler is still
// CONNECTING afterwards.
func (h *Handler) connect(ctx context.Context, from ...State) error {
	if !h.transitionFrom(StateConnecting, from...) {
		return fmt.Errorf("%w: state is %s", ErrAlreadyConnected, h.State())
	}
	session := h.Session()

	raw, err := h.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	frames := NewFrameSocket(raw, session.Store.Routing())
	client := &handshake.Client{
		NoiseKey: session.Keys.NoiseKey,
		Payload:  h.clientPayload(session).Marshal(),
		RootKey:  h.rootKey,
		Logger:   h.log.Named("handshake"),
	}
	hsCtx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	pair, err := client.Do(hsCtx, frames)
	cancel()
	if err != nil {
		raw.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if err := ctx.Err(); err != nil {
		raw.Close()
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	conn := &connection{
		noise:  NewNoiseSocket(frames, pair),
		ctx:    connCtx,
		cancel: connCancel,
		done:   make(chan struct{}),
	}
	h.transitionMu.Lock()
	if state := h.State(); state != StateConnecting {
		h.transitionMu.Unlock()
		connCancel()
		raw.Close()
		return fmt.Errorf("%w: state is %s", ErrConnectAborted, state)
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	h.transitionMu.Unlock()

	h.log.Info("connected transport", zap.Bool("registered", session.Store.IsRegistered()))
	go h.readLoop(conn)
	go h.keepaliveLoop(conn)
	return nil
}

func (h *Handler) currentConn() *connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *Handler) readLoop(conn *connection) {
	defer close(conn.done)
	for {
		node, size, err := conn.noise.ReceiveNode(conn.ctx)
		if conn.ctx.Err() != nil {
			return
		}
		if err != nil {
			loc := classifyReadError(err)
			if loc == LocationCrypto {
				h.metrics.DecryptFailure("noise")
			}
			if loc == LocationDecode {
				h.metrics.FrameReceived(size)
				h.handleFailure(loc, err)
				continue
			}
			h.handleFailure(loc, err)
			return
		}
		h.metrics.FrameReceived(size)
		h.log.Debug("received node", zap.Stringer("node", node))
		h.dispatcher.Emit(&events.NodeReceived{Node: node})
		if h.requests.Resolve(node) {
			h.metrics.SetPending(h.requests.Len())
			continue
		}
		h.handleStream(conn, node)
	}
}

func classifyReadError(err error) Location {
	switch {
	case errors.Is(err, ErrFrameDecrypt):
		return LocationCrypto
	case errors.Is(err, binary.ErrDecode), errors.Is(err, binary.ErrInvalidTag),
		errors.Is(err, binary.ErrInvalidToken), errors.Is(err, binary.ErrInvalidPacked),
		errors.Is(err, binary.ErrEmptyTag), errors.Is(err, binary.ErrTooDeep),
		errors.Is(err, binary.ErrTrailingData), errors.Is(err, binary.ErrEmptyFrame),
		errors.Is(err, binary.ErrFrameTooLarge):
		return LocationDecode
	default:
		return LocationSocket
	}
}

// handleFailure applies the error policy. Errors are ignored once the
// handler is restoring, logged out or disconnected.
func (h *Handler) handleFailure(loc Location, err error) {
	switch h.State() {
	case StateRestore, StateLoggedOut, StateDisconnected:
		h.log.Debug("ignored error after shutdown", zap.Stringer("location", loc), zap.Error(err))
		return
	}
	action := h.policy(loc, err)
	h.log.Warn("socket error",
		zap.Stringer("location", loc),
		zap.Stringer("action", action),
		zap.Error(err))
	switch action {
	case ActionReconnect:
		go h.reconnect(err)
	case ActionRestore:
		go h.restore(err)
	case ActionLogOut:
		go h.logout(err)
	case ActionDisconnect:
		go h.disconnect(events.ReasonDisconnected, err)
	}
}

// transition moves to target unless the handler is already in a state
// target may not follow.
func (h *Handler) transition(target State) bool {
	h.transitionMu.Lock()
	defer h.transitionMu.Unlock()
	current := h.State()
	switch target {
	case StateReconnecting, StateRestore:
		if current != StateConnecting && current != StateConnected {
			return false
		}
	case StateLoggedOut:
		if current == StateLoggedOut {
			return false
		}
	case StateDisconnected:
		if current == StateDisconnected || current == StateLoggedOut {
			return false
		}
	}
	h.setState(target)
	return true
}

// transitionFrom moves to target only while the handler is in one of from.
func (h *Handler) transitionFrom(target State, from ...State) bool {
	h.transitionMu.Lock()
	defer h.transitionMu.Unlock()
	current := h.State()
	for _, state := range from {
		if current == state {
			h.setState(target)
			return true
		}
	}
	return false
}

// teardown closes the transport, cancels pending requests and leaves the
// registry.
func (h *Handler) teardown() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn != nil {
		conn.cancel()
		if err := conn.noise.Close(); err != nil {
			h.log.Debug("close transport", zap.Error(err))
		}
	}
	if n := h.requests.ResolveAll(); n > 0 {
		h.log.Debug("cancelled pending requests", zap.Int("count", n))
	}
	h.metrics.SetPending(0)
	if h.registry != nil {
		h.registry.Remove(h)
	}
}

func (h *Handler) stopReconnecting() {
	h.mu.Lock()
	cancel := h.reconnectCancel
	h.reconnectCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handler) reconnect(cause error) {
	if !h.transition(StateReconnecting) {
		return
	}
	h.teardown()
	h.metrics.Reconnect()
	h.dispatcher.Emit(&events.Disconnected{Reason: events.ReasonReconnecting, Err: cause})

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.reconnectCancel = cancel
	h.mu.Unlock()
	defer cancel()
	h.reconnectLoop(ctx)
}

// reconnectLoop retries with exponential backoff, keeping the session.
func (h *Handler) reconnectLoop(ctx context.Context) {
	backoff := h.cfg.ReconnectBaseDelay
	limit := h.cfg.ReconnectAttempts
	for attempt := 1; limit == 0 || attempt <= limit; attempt++ {
		h.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		err := h.connect(ctx, StateReconnecting)
		if err == nil {
			return
		}
		if ctx.Err() != nil || !h.transitionFrom(StateReconnecting, StateConnecting) {
			return
		}
		h.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		backoff *= 2
		if backoff > h.cfg.ReconnectMaxDelay {
			backoff = h.cfg.ReconnectMaxDelay
		}
	}
	h.handleFailure(LocationSocket, fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, limit))
}

// restore drops the session and connects again as a brand new companion,
// keeping configuration and event handlers.
func (h *Handler) restore(cause error) {
	if !h.transition(StateRestore) {
		return
	}
	h.teardown()
	old := h.Session()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()
	h.deleteSession(ctx, old)

	fresh, err := store.NewSession(old.Store.ClientType)
	if err != nil {
		h.log.Error("create session for restore", zap.Error(err))
		h.disconnect(events.ReasonDisconnected, err)
		return
	}
	fresh.Store.Aliases = old.Store.Aliases
	h.setSession(fresh)
	h.clearSenderKeyTracking()
	h.devices.Flush()
	h.metrics.ForgetSession(old.Store.UUID.String())
	h.log.Info("restoring with new session", zap.Stringer("uuid", fresh.Store.UUID))
	h.dispatcher.Emit(&events.Disconnected{Reason: events.ReasonRestore, Err: cause})

	if err := h.connect(ctx, StateRestore); err != nil {
		h.log.Warn("connect after restore", zap.Error(err))
		if !h.transitionFrom(StateReconnecting, StateConnecting) {
			return
		}
		loopCtx, loopCancel := context.WithCancel(context.Background())
		h.mu.Lock()
		h.reconnectCancel = loopCancel
		h.mu.Unlock()
		defer loopCancel()
		h.reconnectLoop(loopCtx)
	}
}

func (h *Handler) logout(cause error) {
	onConnect := h.State() == StateConnecting
	if !h.transition(StateLoggedOut) {
		return
	}
	h.stopReconnecting()
	h.teardown()
	session := h.Session()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()
	h.deleteSession(ctx, session)
	h.metrics.ForgetSession(session.Store.UUID.String())

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	h.log.Info("logged out", zap.Bool("on_connect", onConnect), zap.String("reason", reason))
	h.dispatcher.Emit(&events.LoggedOut{OnConnect: onConnect, Reason: reason})
	h.dispatcher.Emit(&events.Disconnected{Reason: events.ReasonLoggedOut, Err: cause})
}

func (h *Handler) disconnect(reason events.DisconnectReason, cause error) {
	if !h.transition(StateDisconnected) {
		return
	}
	h.stopReconnecting()
	h.teardown()
	h.log.Info("disconnected", zap.Stringer("reason", reason), zap.Error(cause))
	h.dispatcher.Emit(&events.Disconnected{Reason: reason, Err: cause})
}

// Disconnect closes the connection without reconnecting. The session stays
// persisted and Connect may be called again.
func (h *Handler) Disconnect() {
	h.disconnect(events.ReasonDisconnected, nil)
}

// Logout unlinks this companion from the account and deletes the session.
func (h *Handler) Logout(ctx context.Context) error {
	session := h.Session()
	if jid, ok := session.Store.ID(); ok && h.State() == StateConnected {
		_, err := h.SendQuery(ctx, Query{
			Namespace: "md",
			Type:      "set",
			To:        binary.ServerJID,
			Content: []*binary.Node{binary.NewNode("remove-companion-device", []binary.Attr{
				binary.JIDAttr("jid", jid),
				binary.StringAttr("reason", "user_initiated"),
			})},
		})
		if err != nil {
			return fmt.Errorf("remove companion device: %w", err)
		}
	}
	h.logout(ErrLoggedOut)
	return nil
}

// Close disconnects and stops the event workers.
func (h *Handler) Close() {
	h.Disconnect()
	h.dispatcher.Close()
}

func (h *Handler) deleteSession(ctx context.Context, session *store.Session) {
	if h.serializer == nil {
		return
	}
	if err := h.serializer.Delete(ctx, session.Store.Key()); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Error("delete session", zap.Error(err))
	}
}

func (h *Handler) saveSession(ctx context.Context) {
	if h.serializer == nil || h.State() == StateLoggedOut {
		return
	}
	if err := store.Save(ctx, h.serializer, h.Session()); err != nil {
		h.log.Error("save session", zap.Error(err))
	}
}

// keepaliveLoop pings the server while conn is alive and reports a dead
// connection after too many failures in a row.
func (h *Handler) keepaliveLoop(conn *connection) {
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()

	failures := 0
	lastSuccess := time.Now()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.C:
		}
		if h.State() != StateConnected {
			continue
		}
		ctx, cancel := context.WithTimeout(conn.ctx, h.cfg.KeepaliveInterval)
		_, err := h.SendQuery(ctx, Query{
			Namespace: "w:p",
			Type:      "get",
			To:        binary.ServerJID,
			Content:   []*binary.Node{binary.NewNode("ping", nil)},
		})
		cancel()
		if conn.ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			h.log.Warn("keepalive ping failed", zap.Int("failures", failures), zap.Error(err))
			if failures >= h.cfg.KeepaliveMaxFailures {
				h.dispatcher.Emit(&events.KeepaliveTimeout{ErrorCount: failures, LastSuccess: lastSuccess})
				h.handleFailure(LocationKeepalive, fmt.Errorf("%w: %d pings failed", ErrKeepaliveTimeout, failures))
				return
			}
			continue
		}
		if failures > 0 {
			h.dispatcher.Emit(&events.KeepaliveRestored{})
		}
		failures = 0
		lastSuccess = time.Now()
	}
}

// Send transmits node and waits for the answer with the same id.
func (h *Handler) Send(ctx context.Context, node *binary.Node) (*binary.Node, error) {
	ctx, span := h.tracer.Start(ctx, "socket.Send", trace.WithAttributes(attribute.String("node.tag", node.Tag())))
	defer span.End()

	id := node.ID()
	if id == "" {
		id = h.requests.NextID()
		node = node.WithAttrs(binary.StringAttr("id", id))
	}
	span.SetAttributes(attribute.String("node.id", id))
	ch, err := h.requests.Register(id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	h.metrics.SetPending(h.requests.Len())
	start := time.Now()
	outcome := "ok"
	defer func() {
		h.metrics.RequestDone(node.Tag(), outcome, time.Since(start))
	}()

	if err := h.sendNode(ctx, node); err != nil {
		h.requests.Cancel(id)
		outcome = "send_error"
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	timer := time.NewTimer(h.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			outcome = "cancelled"
			span.SetStatus(codes.Error, ErrRequestCancelled.Error())
			return nil, ErrRequestCancelled
		}
		if resp.Tag() == "iq" && resp.AttrString("type") == "error" {
			outcome = "iq_error"
			iqErr := parseIQError(resp)
			span.SetStatus(codes.Error, iqErr.Error())
			return resp, iqErr
		}
		return resp, nil
	case <-ctx.Done():
		h.requests.Cancel(id)
		outcome = "cancelled"
		return nil, ctx.Err()
	case <-timer.C:
		h.requests.Cancel(id)
		outcome = "timeout"
		span.SetStatus(codes.Error, ErrRequestTimeout.Error())
		return nil, fmt.Errorf("%w: <%s id=%q>", ErrRequestTimeout, node.Tag(), id)
	}
}

// SendWithNoResponse transmits node without waiting for an answer.
func (h *Handler) SendWithNoResponse(ctx context.Context, node *binary.Node) error {
	return h.sendNode(ctx, node)
}

func (h *Handler) sendNode(ctx context.Context, node *binary.Node) error {
	conn := h.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	n, err := conn.noise.SendNode(ctx, node)
	if err != nil {
		return err
	}
	h.metrics.FrameSent(n)
	h.log.Debug("sent node", zap.Stringer("node", node))
	h.dispatcher.Emit(&events.NodeSent{Node: node})
	return nil
}
