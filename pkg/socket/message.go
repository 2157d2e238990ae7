package socket

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/appstate"
	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/events"
	"github.com/technocode/Cobalt/pkg/signal"
	"github.com/technocode/Cobalt/pkg/store"
	"github.com/technocode/Cobalt/pkg/waproto"
)

var (
	ErrNotLoggedIn = errors.New("socket: session is not registered")
	ErrNoDevices   = errors.New("socket: recipient has no devices")
)

// GenerateMessageID returns a random id in the format official clients use.
func GenerateMessageID() (string, error) {
	raw, err := crypto.RandomBytes(8)
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return "3EB0" + strings.ToUpper(hex.EncodeToString(raw)), nil
}

func (h *Handler) parseMessageInfo(node *binary.Node) (events.MessageInfo, error) {
	from, ok := node.AttrJID("from")
	if !ok {
		return events.MessageInfo{}, fmt.Errorf("%w: message without from", binary.ErrUnexpectedNode)
	}
	info := events.MessageInfo{
		ID:        node.ID(),
		PushName:  node.AttrString("notify"),
		Timestamp: unixOrNow(node),
		Type:      node.AttrString("type"),
	}
	if from.Server == binary.GroupServer || from.Server == binary.BroadcastServer {
		participant, ok := node.AttrJID("participant")
		if !ok {
			return info, fmt.Errorf("%w: group message without participant", binary.ErrUnexpectedNode)
		}
		info.IsGroup = from.Server == binary.GroupServer
		info.Chat = from
		info.Sender = participant
	} else {
		info.Chat = from.ToNonAD()
		info.Sender = from
	}
	if own, ok := h.Session().Store.ID(); ok && info.Sender.User == own.User {
		info.IsFromMe = true
		if recipient, ok := node.AttrJID("recipient"); ok && !info.IsGroup {
			info.Chat = recipient.ToNonAD()
		}
	}
	return info, nil
}

func (h *Handler) handleMessage(ctx context.Context, node *binary.Node) {
	defer h.ack(ctx, node)
	info, err := h.parseMessageInfo(node)
	if err != nil {
		h.log.Warn("drop message", zap.String("id", node.ID()), zap.Error(err))
		return
	}
	encs := node.ChildrenByTag("enc")
	if len(encs) == 0 {
		h.log.Debug("message without enc", zap.String("id", info.ID))
		return
	}

	decrypted := false
	for _, enc := range encs {
		kind := enc.AttrString("type")
		msg, err := h.decryptEnc(info, enc)
		if err != nil {
			h.metrics.DecryptFailure(kind)
			h.dispatcher.Emit(&events.UndecryptableMessage{Info: info, Err: err})
			h.handleFailure(LocationMessage, fmt.Errorf("decrypt %s %s from %s: %w", kind, info.ID, info.Sender, err))
			continue
		}
		h.processMessage(ctx, info, msg)
		decrypted = true
	}
	if !decrypted {
		return
	}

	var participant *binary.JID
	receiptType := ""
	if info.IsGroup {
		participant = &info.Sender
	}
	if info.IsFromMe {
		receiptType = "sender"
		participant = &info.Sender
	}
	if err := h.SendReceipt(ctx, info.Chat, participant, receiptType, info.ID); err != nil {
		h.log.Warn("send delivery receipt", zap.String("id", info.ID), zap.Error(err))
	}
}

func (h *Handler) decryptEnc(info events.MessageInfo, enc *binary.Node) (*waproto.Message, error) {
	data := enc.Data()
	keys := h.Session().Keys

	h.signalMu.Lock()
	var plaintext []byte
	var err error
	switch signal.MessageType(enc.AttrString("type")) {
	case signal.TypePreKey:
		plaintext, err = h.decryptPreKey(keys, info.Sender, data)
	case signal.TypeWhisper:
		plaintext, err = signal.NewSessionCipher(keys, info.Sender.SignalAddress()).Decrypt(data)
	case signal.TypeSenderKey:
		name := signal.SenderKeyName{GroupID: info.Chat.String(), Sender: info.Sender.SignalAddress()}
		plaintext, err = signal.NewGroupCipher(keys, name).Decrypt(data)
	default:
		err = fmt.Errorf("unknown enc type %q", enc.AttrString("type"))
	}
	h.signalMu.Unlock()
	if err != nil {
		return nil, err
	}

	if enc.AttrString("v") == "2" {
		if plaintext, err = crypto.UnpadMessage(plaintext); err != nil {
			return nil, err
		}
	}
	var msg waproto.Message
	if err := msg.Unmarshal(plaintext); err != nil {
		return nil, fmt.Errorf("message payload: %w", err)
	}
	return &msg, nil
}

// decryptPreKey decrypts a session-establishing message. A changed identity
// is trusted once the old one is dropped. Callers hold signalMu.
func (h *Handler) decryptPreKey(keys *store.Keys, sender binary.JID, data []byte) ([]byte, error) {
	address := sender.SignalAddress()
	plaintext, err := signal.NewSessionCipher(keys, address).DecryptPreKey(data)
	if errors.Is(err, signal.ErrUntrustedIdentity) {
		h.log.Info("identity changed", zap.Stringer("jid", sender))
		keys.DeleteIdentity(address)
		keys.DeleteSession(address)
		h.dispatcher.Emit(&events.IdentityChange{JID: sender})
		plaintext, err = signal.NewSessionCipher(keys, address).DecryptPreKey(data)
	}
	return plaintext, err
}

func (h *Handler) processMessage(ctx context.Context, info events.MessageInfo, msg *waproto.Message) {
	if dsm := msg.DeviceSentMessage; dsm != nil && dsm.Message != nil {
		if dest, err := binary.ParseJID(dsm.DestinationJID); err == nil && !dest.IsEmpty() {
			info.Chat = dest
		}
		msg = dsm.Message
	}
	keys := h.Session().Keys
	if skdm := msg.SenderKeyDistributionMessage; skdm != nil && len(skdm.AxolotlSKDM) > 0 {
		name := signal.SenderKeyName{GroupID: skdm.GroupID, Sender: info.Sender.SignalAddress()}
		h.signalMu.Lock()
		err := signal.NewGroupSessionBuilder(keys).Process(name, skdm.AxolotlSKDM)
		h.signalMu.Unlock()
		if err != nil {
			h.log.Warn("process sender key distribution", zap.Stringer("sender", info.Sender), zap.Error(err))
		}
	}
	if pm := msg.ProtocolMessage; pm != nil && pm.AppStateSyncKeyShare != nil {
		if info.IsFromMe {
			h.handleAppStateKeyShare(ctx, pm.AppStateSyncKeyShare)
		} else {
			h.log.Warn("ignored app state keys from another account", zap.Stringer("sender", info.Sender))
		}
	}
	h.dispatcher.Emit(&events.Message{Info: info, Message: msg})
}

func (h *Handler) handleAppStateKeyShare(ctx context.Context, share *waproto.AppStateSyncKeyShare) {
	keys := h.Session().Keys
	stored := 0
	for _, key := range share.Keys {
		if len(key.KeyID) == 0 || len(key.KeyData) == 0 {
			continue
		}
		keys.PutAppStateSyncKey(key.KeyID, &store.AppStateKey{
			Data:        key.KeyData,
			Fingerprint: key.Fingerprint,
			Timestamp:   key.Timestamp,
		})
		stored++
	}
	h.log.Info("received app state keys", zap.Int("count", stored))
	if stored == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 2*h.cfg.RequestTimeout)
		defer cancel()
		h.FetchAppStates(ctx, false, appstate.AllCollections...)
	}()
}

// SendMessage encrypts msg for every device of the recipient and of our own
// account, then waits for the server ack. It returns the message id.
func (h *Handler) SendMessage(ctx context.Context, to binary.JID, msg *waproto.Message) (string, error) {
	own, ok := h.Session().Store.ID()
	if !ok {
		return "", ErrNotLoggedIn
	}
	id, err := GenerateMessageID()
	if err != nil {
		return "", err
	}
	var node *binary.Node
	var skdmRecipients []binary.JID
	if to.Server == binary.GroupServer {
		node, skdmRecipients, err = h.prepareGroupMessage(ctx, own, to, id, msg)
	} else {
		node, err = h.prepareDirectMessage(ctx, own, to, id, msg)
	}
	if err != nil {
		return "", err
	}
	resp, err := h.Send(ctx, node)
	if err != nil {
		return "", fmt.Errorf("send message %s: %w", id, err)
	}
	if code := resp.AttrString("error"); code != "" {
		return "", fmt.Errorf("server rejected message %s with error %s", id, code)
	}
	if len(skdmRecipients) > 0 {
		h.markSenderKeySent(to, skdmRecipients)
	}
	h.saveSession(ctx)
	return id, nil
}

func (h *Handler) prepareDirectMessage(ctx context.Context, own, to binary.JID, id string, msg *waproto.Message) (*binary.Node, error) {
	devices, err := h.GetUserDevices(ctx, []binary.JID{to, own})
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.PadMessage(msg.Marshal())
	if err != nil {
		return nil, err
	}
	dsm := &waproto.Message{DeviceSentMessage: &waproto.DeviceSentMessage{DestinationJID: to.String(), Message: msg}}
	dsmPlaintext, err := crypto.PadMessage(dsm.Marshal())
	if err != nil {
		return nil, err
	}
	participants, _, includeIdentity, err := h.encryptForDevices(ctx, own, devices, plaintext, dsmPlaintext)
	if err != nil {
		return nil, err
	}
	if participants == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDevices, to)
	}
	children := []*binary.Node{participants}
	if includeIdentity {
		children = append(children, h.deviceIdentityNode())
	}
	return binary.NewNode("message", []binary.Attr{
		binary.StringAttr("id", id),
		binary.JIDAttr("to", to),
		binary.StringAttr("type", "text"),
	}, children...), nil
}

func (h *Handler) prepareGroupMessage(ctx context.Context, own, group binary.JID, id string, msg *waproto.Message) (*binary.Node, []binary.JID, error) {
	meta, err := h.QueryGroupMetadata(ctx, group)
	if err != nil {
		return nil, nil, err
	}
	users := []binary.JID{own}
	for _, participant := range meta.Participants {
		users = append(users, participant.JID)
	}
	devices, err := h.GetUserDevices(ctx, users)
	if err != nil {
		return nil, nil, err
	}

	keys := h.Session().Keys
	name := signal.SenderKeyName{GroupID: group.String(), Sender: own.SignalAddress()}
	plaintext, err := crypto.PadMessage(msg.Marshal())
	if err != nil {
		return nil, nil, err
	}
	h.signalMu.Lock()
	skdm, err := signal.NewGroupSessionBuilder(keys).Create(name)
	var ciphertext []byte
	if err == nil {
		ciphertext, err = signal.NewGroupCipher(keys, name).Encrypt(plaintext)
	}
	h.signalMu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("sender key for %s: %w", group, err)
	}

	var children []*binary.Node
	var distributed []binary.JID
	lacking := h.devicesLackingSenderKey(group, own, devices)
	if len(lacking) > 0 {
		distribution := &waproto.Message{SenderKeyDistributionMessage: &waproto.GroupSenderKeyDistribution{
			GroupID:     group.String(),
			AxolotlSKDM: skdm,
		}}
		skdmPlaintext, err := crypto.PadMessage(distribution.Marshal())
		if err != nil {
			return nil, nil, err
		}
		var participants *binary.Node
		var includeIdentity bool
		participants, distributed, includeIdentity, err = h.encryptForDevices(ctx, own, lacking, skdmPlaintext, skdmPlaintext)
		if err != nil {
			return nil, nil, err
		}
		if participants != nil {
			children = append(children, participants)
		}
		if includeIdentity {
			children = append(children, h.deviceIdentityNode())
		}
	}
	children = append(children, binary.NewBinaryNode("enc", []binary.Attr{
		binary.StringAttr("v", "2"),
		binary.StringAttr("type", string(signal.TypeSenderKey)),
	}, ciphertext))
	node := binary.NewNode("message", []binary.Attr{
		binary.StringAttr("id", id),
		binary.JIDAttr("to", group),
		binary.StringAttr("type", "text"),
	}, children...)
	return node, distributed, nil
}

func (h *Handler) deviceIdentityNode() *binary.Node {
	return binary.NewBinaryNode("device-identity", nil, h.Session().Keys.Companion())
}

// encryptForDevices builds the <participants> node. Own devices other than
// this one get ownPlaintext. It returns the devices that actually got a
// ciphertext, nil when there are none, and whether any prekey message was
// produced.
func (h *Handler) encryptForDevices(ctx context.Context, own binary.JID, devices []binary.JID, plaintext, ownPlaintext []byte) (*binary.Node, []binary.JID, bool, error) {
	var targets []binary.JID
	for _, device := range devices {
		if device.User == own.User && device.Device == own.Device {
			continue
		}
		targets = append(targets, device)
	}
	if len(targets) == 0 {
		return nil, nil, false, nil
	}
	if err := h.ensureSessions(ctx, targets); err != nil {
		return nil, nil, false, err
	}

	keys := h.Session().Keys
	h.signalMu.Lock()
	defer h.signalMu.Unlock()
	var nodes []*binary.Node
	var encrypted []binary.JID
	includeIdentity := false
	for _, device := range targets {
		address := device.SignalAddress()
		if !signal.HasSession(keys, address) {
			continue
		}
		payload := plaintext
		if device.User == own.User {
			payload = ownPlaintext
		}
		ciphertext, err := signal.NewSessionCipher(keys, address).Encrypt(payload)
		if err != nil {
			h.log.Warn("encrypt for device", zap.Stringer("device", device), zap.Error(err))
			continue
		}
		if ciphertext.Type == signal.TypePreKey {
			includeIdentity = true
		}
		encrypted = append(encrypted, device)
		nodes = append(nodes, binary.NewNode("to", []binary.Attr{binary.JIDAttr("jid", device)},
			binary.NewBinaryNode("enc", []binary.Attr{
				binary.StringAttr("v", "2"),
				binary.StringAttr("type", string(ciphertext.Type)),
			}, ciphertext.Serialized)))
	}
	if len(nodes) == 0 {
		return nil, nil, false, nil
	}
	return binary.NewNode("participants", nil, nodes...), encrypted, includeIdentity, nil
}

// ensureSessions fetches prekey bundles for devices without a session and
// runs X3DH with each.
func (h *Handler) ensureSessions(ctx context.Context, devices []binary.JID) error {
	keys := h.Session().Keys
	var missing []binary.JID
	h.signalMu.Lock()
	for _, device := range devices {
		if !signal.HasSession(keys, device.SignalAddress()) {
			missing = append(missing, device)
		}
	}
	h.signalMu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	bundles, err := h.fetchPreKeys(ctx, missing)
	if err != nil {
		return err
	}
	h.signalMu.Lock()
	defer h.signalMu.Unlock()
	for jid, bundle := range bundles {
		address := jid.SignalAddress()
		err := signal.NewSessionBuilder(keys, address).ProcessBundle(bundle)
		if errors.Is(err, signal.ErrUntrustedIdentity) {
			h.log.Info("identity changed", zap.Stringer("jid", jid))
			keys.DeleteIdentity(address)
			h.dispatcher.Emit(&events.IdentityChange{JID: jid})
			err = signal.NewSessionBuilder(keys, address).ProcessBundle(bundle)
		}
		if err != nil {
			h.log.Warn("establish session", zap.Stringer("jid", jid), zap.Error(err))
		}
	}
	return nil
}

func (h *Handler) fetchPreKeys(ctx context.Context, devices []binary.JID) (map[binary.JID]*signal.PreKeyBundle, error) {
	users := make([]*binary.Node, 0, len(devices))
	for _, device := range devices {
		users = append(users, binary.NewNode("user", []binary.Attr{
			binary.JIDAttr("jid", device),
			binary.StringAttr("reason", "identity"),
		}))
	}
	resp, err := h.SendQuery(ctx, Query{
		Namespace: "encrypt",
		Type:      "get",
		To:        binary.ServerJID,
		Content:   []*binary.Node{binary.NewNode("key", nil, users...)},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch prekeys: %w", err)
	}
	list, ok := resp.Child("list")
	if !ok {
		return nil, fmt.Errorf("%w: prekey answer without list", binary.ErrUnexpectedNode)
	}
	bundles := make(map[binary.JID]*signal.PreKeyBundle)
	for _, user := range list.ChildrenByTag("user") {
		jid, ok := user.AttrJID("jid")
		if !ok {
			continue
		}
		bundle, err := parseBundle(user)
		if err != nil {
			h.log.Warn("bad prekey bundle", zap.Stringer("jid", jid), zap.Error(err))
			continue
		}
		if !bundle.VerifySignedPreKey() {
			h.log.Warn("bad signed prekey signature", zap.Stringer("jid", jid))
			continue
		}
		bundle.DeviceID = uint32(jid.Device)
		bundles[jid] = bundle
	}
	return bundles, nil
}

func parseBundle(user *binary.Node) (*signal.PreKeyBundle, error) {
	if errNode, ok := user.Child("error"); ok {
		return nil, fmt.Errorf("server error %s: %s", errNode.AttrString("code"), errNode.AttrString("text"))
	}
	registration, ok := user.Child("registration")
	if !ok {
		return nil, fmt.Errorf("%w: bundle without registration", binary.ErrUnexpectedNode)
	}
	identityNode, ok := user.Child("identity")
	if !ok {
		return nil, fmt.Errorf("%w: bundle without identity", binary.ErrUnexpectedNode)
	}
	identity, err := crypto.ParsePublic(identityNode.Data())
	if err != nil {
		return nil, err
	}
	bundle := &signal.PreKeyBundle{
		RegistrationID: bigEndian(registration.Data()),
		IdentityKey:    identity,
	}

	skey, ok := user.Child("skey")
	if !ok {
		return nil, fmt.Errorf("%w: bundle without signed prekey", binary.ErrUnexpectedNode)
	}
	skeyID, value, err := parseKeyNode(skey)
	if err != nil {
		return nil, fmt.Errorf("signed prekey: %w", err)
	}
	signature, ok := skey.Child("signature")
	if !ok || len(signature.Data()) != 64 {
		return nil, fmt.Errorf("%w: signed prekey without signature", binary.ErrUnexpectedNode)
	}
	bundle.SignedPreKeyID = skeyID
	bundle.SignedPreKey = value
	copy(bundle.SignedPreKeySignature[:], signature.Data())

	if key, ok := user.Child("key"); ok {
		keyID, value, err := parseKeyNode(key)
		if err != nil {
			return nil, fmt.Errorf("prekey: %w", err)
		}
		bundle.PreKeyID = keyID
		bundle.PreKey = &value
	}
	return bundle, nil
}

func parseKeyNode(node *binary.Node) (uint32, [32]byte, error) {
	idNode, ok := node.Child("id")
	if !ok {
		return 0, [32]byte{}, fmt.Errorf("%w: key without id", binary.ErrUnexpectedNode)
	}
	valueNode, ok := node.Child("value")
	if !ok {
		return 0, [32]byte{}, fmt.Errorf("%w: key without value", binary.ErrUnexpectedNode)
	}
	value, err := crypto.ParsePublic(valueNode.Data())
	if err != nil {
		return 0, [32]byte{}, err
	}
	return bigEndian(idNode.Data()), value, nil
}

func bigEndian(b []byte) uint32 {
	var out uint32
	for _, v := range b {
		out = out<<8 | uint32(v)
	}
	return out
}

func (h *Handler) devicesLackingSenderKey(group, own binary.JID, devices []binary.JID) []binary.JID {
	h.senderKeyMu.Lock()
	defer h.senderKeyMu.Unlock()
	sent := h.senderKeySent[group.String()]
	var out []binary.JID
	for _, device := range devices {
		if device.User == own.User && device.Device == own.Device {
			continue
		}
		if !sent[device.String()] {
			out = append(out, device)
		}
	}
	return out
}

func (h *Handler) markSenderKeySent(group binary.JID, devices []binary.JID) {
	h.senderKeyMu.Lock()
	defer h.senderKeyMu.Unlock()
	sent := h.senderKeySent[group.String()]
	if sent == nil {
		sent = make(map[string]bool)
		h.senderKeySent[group.String()] = sent
	}
	for _, device := range devices {
		sent[device.String()] = true
	}
}

func (h *Handler) clearSenderKeyTracking() {
	h.senderKeyMu.Lock()
	defer h.senderKeyMu.Unlock()
	h.senderKeySent = make(map[string]map[string]bool)
}

// dropIdentity forgets the identity and session of a device after the server
// announced a key change.
func (h *Handler) dropIdentity(jid binary.JID) {
	keys := h.Session().Keys
	address := jid.SignalAddress()
	h.signalMu.Lock()
	keys.DeleteIdentity(address)
	keys.DeleteSession(address)
	h.signalMu.Unlock()
	h.devices.Delete(jid.User)
	h.dispatcher.Emit(&events.IdentityChange{JID: jid})
}
