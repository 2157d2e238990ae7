package socket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/appstate"
	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/events"
)

// handleStream routes a node that answered no pending request. It runs on
// the read goroutine, so anything that waits for the server is started in
// its own goroutine.
func (h *Handler) handleStream(conn *connection, node *binary.Node) {
	switch node.Tag() {
	case "success":
		h.handleSuccess(conn, node)
	case "failure":
		h.handleLoginFailure(node)
	case "stream:error":
		h.handleStreamError(node)
	case "xmlstreamend":
		h.log.Info("server closed the stream")
		go h.reconnect(fmt.Errorf("%w: stream ended", ErrClosed))
	case "iq":
		h.handleIQ(conn, node)
	case "message":
		h.handleMessage(conn.ctx, node)
	case "receipt":
		h.handleReceipt(conn.ctx, node)
	case "notification":
		h.handleNotification(conn, node)
	case "ib":
		h.handleIB(conn, node)
	case "call":
		h.handleCall(conn.ctx, node)
	case "presence":
		h.handlePresence(node)
	case "chatstate":
		h.handleChatState(node)
	case "ack":
		h.log.Debug("stray ack", zap.String("id", node.ID()), zap.String("class", node.AttrString("class")))
	default:
		h.log.Debug("unhandled node", zap.String("tag", node.Tag()))
	}
}

func (h *Handler) handleSuccess(conn *connection, node *binary.Node) {
	session := h.Session()
	props := make(map[string]string)
	for _, attr := range node.Attrs() {
		props[attr.Key] = attr.Value.Text()
	}
	session.Store.SetServerProps(props)
	if !h.transitionFrom(StateConnected, StateConnecting) {
		h.log.Debug("ignored success outside connecting", zap.Stringer("state", h.State()))
		return
	}
	h.log.Info("logged in", zap.String("location", props["location"]))
	if h.registry != nil {
		if err := h.registry.Add(h); err != nil {
			h.log.Warn("add to registry", zap.Error(err))
		}
	}
	h.dispatcher.Emit(&events.Connected{})
	go h.afterLogin(conn)
}

// afterLogin finishes a fresh login: leave passive mode, top up prekeys and
// pull app state that was never synced.
func (h *Handler) afterLogin(conn *connection) {
	ctx, cancel := context.WithTimeout(conn.ctx, 2*h.cfg.RequestTimeout)
	defer cancel()

	if err := h.setPassive(ctx, false); err != nil {
		if conn.ctx.Err() == nil {
			h.handleFailure(LocationLogin, fmt.Errorf("leave passive mode: %w", err))
		}
		return
	}
	if err := h.checkPreKeys(ctx); err != nil {
		h.log.Warn("check prekeys", zap.Error(err))
	}
	session := h.Session()
	if _, ok := session.Keys.LatestAppStateKeyID(); ok {
		var stale []appstate.Collection
		for _, name := range appstate.AllCollections {
			if session.Keys.HashState(name).Version == 0 {
				stale = append(stale, name)
			}
		}
		if len(stale) > 0 {
			h.FetchAppStates(ctx, true, stale...)
		}
	}
	h.saveSession(ctx)
}

func (h *Handler) setPassive(ctx context.Context, passive bool) error {
	tag := "active"
	if passive {
		tag = "passive"
	}
	_, err := h.SendQuery(ctx, Query{
		Namespace: "passive",
		Type:      "set",
		To:        binary.ServerJID,
		Content:   []*binary.Node{binary.NewNode(tag, nil)},
	})
	return err
}

func (h *Handler) handleLoginFailure(node *binary.Node) {
	reason, _ := node.AttrInt("reason")
	err := &LoginFailure{Reason: int(reason), Message: node.AttrString("message")}
	h.log.Warn("login failed", zap.Int64("reason", reason))
	h.handleFailure(LocationLogin, err)
}

func (h *Handler) handleStreamError(node *binary.Node) {
	code := node.AttrString("code")
	conflict, hasConflict := node.Child("conflict")
	switch {
	case code == "515":
		h.log.Info("server requested restart")
		go h.reconnect(&StreamFailure{Code: code})
	case code == "401":
		h.handleFailure(LocationStream, &StreamFailure{Code: code})
	case hasConflict && conflict.AttrString("type") == "replaced":
		h.log.Warn("stream replaced by another client")
		h.dispatcher.Emit(&events.StreamReplaced{})
		go h.disconnect(events.ReasonDisconnected, &StreamFailure{Code: "replaced"})
	case hasConflict && conflict.AttrString("type") == "device_removed":
		h.handleFailure(LocationStream, fmt.Errorf("%w: device removed", ErrLoggedOut))
	default:
		h.dispatcher.Emit(&events.StreamError{Code: code, Raw: node})
		h.handleFailure(LocationStream, &StreamFailure{Code: code})
	}
}

func (h *Handler) handleIQ(conn *connection, node *binary.Node) {
	kind := node.AttrString("type")
	switch {
	case kind == "get" && node.AttrString("xmlns") == "urn:xmpp:ping":
		h.replyIQ(conn.ctx, node)
	case kind == "set":
		if child, ok := node.Child("pair-device"); ok {
			h.handlePairDevice(conn.ctx, node, child)
			return
		}
		if child, ok := node.Child("pair-success"); ok {
			h.handlePairSuccess(conn.ctx, node, child)
			return
		}
		h.log.Debug("unhandled iq set", zap.Stringer("node", node))
	default:
		h.log.Debug("unhandled iq", zap.String("type", kind), zap.String("id", node.ID()))
	}
}

func (h *Handler) replyIQ(ctx context.Context, node *binary.Node) {
	attrs := []binary.Attr{
		binary.StringAttr("id", node.ID()),
		binary.StringAttr("type", "result"),
	}
	if from, ok := node.Attr("from"); ok {
		attrs = append(attrs, binary.Attr{Key: "to", Value: from})
	}
	if err := h.SendWithNoResponse(ctx, binary.NewNode("iq", attrs)); err != nil {
		h.log.Warn("reply to iq", zap.String("id", node.ID()), zap.Error(err))
	}
}

func (h *Handler) ack(ctx context.Context, node *binary.Node) {
	if err := h.SendMessageAck(ctx, node); err != nil {
		h.log.Warn("send ack", zap.String("class", node.Tag()), zap.String("id", node.ID()), zap.Error(err))
	}
}

func (h *Handler) handleReceipt(ctx context.Context, node *binary.Node) {
	defer h.ack(ctx, node)
	from, ok := node.AttrJID("from")
	if !ok {
		return
	}
	evt := &events.Receipt{
		Chat:       from,
		Sender:     from,
		MessageIDs: []string{node.ID()},
		Type:       node.AttrString("type"),
		Timestamp:  parseUnix(node, "t"),
	}
	if participant, ok := node.AttrJID("participant"); ok {
		evt.Sender = participant
	}
	if list, ok := node.Child("list"); ok {
		for _, item := range list.ChildrenByTag("item") {
			if id := item.ID(); id != "" {
				evt.MessageIDs = append(evt.MessageIDs, id)
			}
		}
	}
	h.dispatcher.Emit(evt)
}

func (h *Handler) handleNotification(conn *connection, node *binary.Node) {
	defer h.ack(conn.ctx, node)
	from, _ := node.AttrJID("from")
	switch node.AttrString("type") {
	case "encrypt":
		if count, ok := node.Child("count"); ok {
			value, _ := count.AttrInt("value")
			h.log.Info("server prekey count is low", zap.Int64("count", value))
			go func() {
				ctx, cancel := context.WithTimeout(conn.ctx, h.cfg.RequestTimeout)
				defer cancel()
				if err := h.uploadPreKeys(ctx); err != nil {
					h.log.Warn("upload prekeys", zap.Error(err))
				}
			}()
		} else if _, ok := node.Child("identity"); ok {
			h.dropIdentity(from)
		}
	case "server_sync":
		var names []appstate.Collection
		for _, child := range node.ChildrenByTag("collection") {
			names = append(names, appstate.Collection(child.AttrString("name")))
		}
		if len(names) > 0 {
			go func() {
				ctx, cancel := context.WithTimeout(conn.ctx, 2*h.cfg.RequestTimeout)
				defer cancel()
				h.FetchAppStates(ctx, false, names...)
			}()
		}
	case "devices":
		h.devices.Delete(from.User)
	case "account_sync":
		if _, ok := node.Child("devices"); ok {
			if own, ok := h.Session().Store.ID(); ok {
				h.devices.Delete(own.User)
			}
		}
	default:
		h.log.Debug("unhandled notification", zap.String("type", node.AttrString("type")))
	}
}

func (h *Handler) handleIB(conn *connection, node *binary.Node) {
	for _, child := range node.Children() {
		switch child.Tag() {
		case "edge_routing":
			if info, ok := child.Child("routing_info"); ok {
				h.Session().Store.SetRoutingInfo(info.Data())
				h.log.Debug("saved edge routing info")
				go h.saveSession(conn.ctx)
			}
		case "dirty":
			go h.cleanDirty(conn.ctx, child.AttrString("type"), child.AttrString("timestamp"))
		case "offline":
			count, _ := child.AttrInt("count")
			h.log.Info("offline sync done", zap.Int64("count", count))
		}
	}
}

func (h *Handler) cleanDirty(ctx context.Context, kind, timestamp string) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()
	_, err := h.SendQuery(ctx, Query{
		Namespace: "urn:xmpp:whatsapp:dirty",
		Type:      "set",
		To:        binary.ServerJID,
		Content: []*binary.Node{binary.NewNode("clean", []binary.Attr{
			binary.StringAttr("type", kind),
			binary.StringAttr("timestamp", timestamp),
		})},
	})
	if err != nil {
		h.log.Warn("clean dirty bit", zap.String("type", kind), zap.Error(err))
	}
}

func (h *Handler) handleCall(ctx context.Context, node *binary.Node) {
	defer h.ack(ctx, node)
	from, _ := node.AttrJID("from")
	if offer, ok := node.Child("offer"); ok {
		h.dispatcher.Emit(&events.CallOffer{From: from, CallID: offer.AttrString("call-id")})
	}
}

func (h *Handler) handlePresence(node *binary.Node) {
	from, ok := node.AttrJID("from")
	if !ok {
		return
	}
	evt := &events.Presence{From: from, Unavailable: node.AttrString("type") == "unavailable"}
	if last := node.AttrString("last"); last != "" && last != "deny" {
		evt.LastSeen = parseUnix(node, "last")
	}
	h.dispatcher.Emit(evt)
}

func (h *Handler) handleChatState(node *binary.Node) {
	from, ok := node.AttrJID("from")
	if !ok {
		return
	}
	evt := &events.ChatPresence{Chat: from, Sender: from}
	if participant, ok := node.AttrJID("participant"); ok {
		evt.Sender = participant
	}
	children := node.Children()
	if len(children) > 0 {
		evt.State = children[0].Tag()
		evt.Media = children[0].AttrString("media")
	}
	h.dispatcher.Emit(evt)
}

func unixOrNow(node *binary.Node) time.Time {
	if t := parseUnix(node, "t"); !t.IsZero() {
		return t
	}
	return time.Now()
}
