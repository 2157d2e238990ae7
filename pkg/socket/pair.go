package socket

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/events"
	"github.com/technocode/Cobalt/pkg/waproto"
)

var (
	ErrPairInvalidHMAC      = errors.New("socket: pairing identity HMAC mismatch")
	ErrPairInvalidSignature = errors.New("socket: pairing account signature invalid")
	ErrPairMissingData      = errors.New("socket: pair-success without device identity")
)

var (
	advAccountSignaturePrefix = []byte{6, 0}
	advDeviceSignaturePrefix  = []byte{6, 1}
)

// QRCodes builds the strings to render as QR codes for the given refs.
func QRCodes(refs []string, noisePub, identityPub [32]byte, advSecret []byte) []string {
	suffix := strings.Join([]string{
		base64.StdEncoding.EncodeToString(noisePub[:]),
		base64.StdEncoding.EncodeToString(identityPub[:]),
		base64.StdEncoding.EncodeToString(advSecret),
	}, ",")
	codes := make([]string, 0, len(refs))
	for _, ref := range refs {
		codes = append(codes, ref+","+suffix)
	}
	return codes
}

func (h *Handler) handlePairDevice(ctx context.Context, iq, pairDevice *binary.Node) {
	h.replyIQ(ctx, iq)
	var refs []string
	for _, ref := range pairDevice.ChildrenByTag("ref") {
		refs = append(refs, string(ref.Data()))
	}
	keys := h.Session().Keys
	codes := QRCodes(refs, keys.NoiseKey.Public, keys.IdentityKeyPair().Public, keys.AdvSecretKey)
	h.log.Info("received pairing refs", zap.Int("count", len(codes)))
	h.dispatcher.Emit(&events.QR{Codes: codes})
}

func (h *Handler) handlePairSuccess(ctx context.Context, iq, pairSuccess *binary.Node) {
	reqID := iq.ID()
	var jid binary.JID
	if deviceNode, ok := pairSuccess.Child("device"); ok {
		jid, _ = deviceNode.AttrJID("jid")
	}
	var businessName, platform string
	if biz, ok := pairSuccess.Child("biz"); ok {
		businessName = biz.AttrString("name")
	}
	if p, ok := pairSuccess.Child("platform"); ok {
		platform = p.AttrString("name")
	}

	identityNode, ok := pairSuccess.Child("device-identity")
	var signed []byte
	var keyIndex uint32
	err := ErrPairMissingData
	if ok && !jid.IsEmpty() {
		signed, keyIndex, err = h.signDeviceIdentity(identityNode.Data())
	}
	if err != nil {
		h.log.Warn("pairing failed", zap.Error(err))
		reply := binary.NewNode("iq", []binary.Attr{
			binary.JIDAttr("to", binary.ServerJID),
			binary.StringAttr("type", "error"),
			binary.StringAttr("id", reqID),
		}, binary.NewNode("error", []binary.Attr{
			binary.IntAttr("code", 401),
			binary.StringAttr("text", "not-authorized"),
		}))
		if sendErr := h.SendWithNoResponse(ctx, reply); sendErr != nil {
			h.log.Warn("send pairing error", zap.Error(sendErr))
		}
		h.dispatcher.Emit(&events.PairError{ID: jid, Err: err})
		h.handleFailure(LocationPairing, err)
		return
	}

	session := h.Session()
	session.Store.SetRegistered(jid)
	if businessName != "" {
		session.Store.SetPushName(businessName)
	}
	h.saveSession(ctx)

	reply := binary.NewNode("iq", []binary.Attr{
		binary.JIDAttr("to", binary.ServerJID),
		binary.StringAttr("type", "result"),
		binary.StringAttr("id", reqID),
	}, binary.NewNode("pair-device-sign", nil,
		binary.NewBinaryNode("device-identity", []binary.Attr{
			binary.IntAttr("key-index", int64(keyIndex)),
		}, signed),
	))
	if err := h.SendWithNoResponse(ctx, reply); err != nil {
		h.log.Warn("send pairing confirmation", zap.Error(err))
		return
	}
	h.log.Info("paired", zap.Stringer("jid", jid), zap.String("platform", platform))
	h.dispatcher.Emit(&events.PairSuccess{ID: jid, BusinessName: businessName, Platform: platform})
}

// signDeviceIdentity checks the identity the primary device signed for us
// and countersigns it. It returns the identity to send back, without the
// account key, and its key index.
func (h *Handler) signDeviceIdentity(raw []byte) ([]byte, uint32, error) {
	keys := h.Session().Keys
	var container waproto.ADVSignedDeviceIdentityHMAC
	if err := container.Unmarshal(raw); err != nil {
		return nil, 0, fmt.Errorf("device identity container: %w", err)
	}
	if !crypto.Equal(crypto.HMACSHA256(keys.AdvSecretKey, container.Details), container.HMAC) {
		return nil, 0, ErrPairInvalidHMAC
	}

	var identity waproto.ADVSignedDeviceIdentity
	if err := identity.Unmarshal(container.Details); err != nil {
		return nil, 0, fmt.Errorf("signed device identity: %w", err)
	}
	identityKey := keys.IdentityKeyPair()
	accountMsg := concat(advAccountSignaturePrefix, identity.Details, identityKey.Public[:])
	if !crypto.VerifySignal(identity.AccountSignatureKey, accountMsg, identity.AccountSignature) {
		return nil, 0, ErrPairInvalidSignature
	}
	deviceMsg := concat(advDeviceSignaturePrefix, identity.Details, identityKey.Public[:], identity.AccountSignatureKey)
	signature, err := identityKey.Sign(deviceMsg)
	if err != nil {
		return nil, 0, err
	}
	identity.DeviceSignature = signature[:]

	var details waproto.ADVDeviceIdentity
	if err := details.Unmarshal(identity.Details); err != nil {
		return nil, 0, fmt.Errorf("device identity details: %w", err)
	}
	keys.SetCompanionIdentity(identity.Marshal())

	identity.AccountSignatureKey = nil
	return identity.Marshal(), details.KeyIndex, nil
}

func concat(parts ...[]byte) []byte {
	var size int
	for _, part := range parts {
		size += len(part)
	}
	out := make([]byte, 0, size)
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}
