package socket

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	wabinary "github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/crypto"
)

func (h *Handler) serverPreKeyCount(ctx context.Context) (int, error) {
	resp, err := h.SendQuery(ctx, Query{
		Namespace: "encrypt",
		Type:      "get",
		To:        wabinary.ServerJID,
		Content:   []*wabinary.Node{wabinary.NewNode("count", nil)},
	})
	if err != nil {
		return 0, err
	}
	countNode, ok := resp.Child("count")
	if !ok {
		return 0, fmt.Errorf("%w: prekey count answer without count", wabinary.ErrUnexpectedNode)
	}
	count, err := strconv.Atoi(countNode.AttrString("value"))
	if err != nil {
		return 0, fmt.Errorf("prekey count: %w", err)
	}
	return count, nil
}

// checkPreKeys tops up the server's one-time prekeys when it runs low.
func (h *Handler) checkPreKeys(ctx context.Context) error {
	count, err := h.serverPreKeyCount(ctx)
	if err != nil {
		return fmt.Errorf("query prekey count: %w", err)
	}
	if count >= h.cfg.MinPreKeys {
		h.log.Debug("server has enough prekeys", zap.Int("count", count))
		return nil
	}
	return h.uploadPreKeys(ctx)
}

func (h *Handler) uploadPreKeys(ctx context.Context) error {
	session := h.Session()
	keys := session.Keys
	preKeys, err := keys.GeneratePreKeys(h.cfg.PreKeyUploadCount)
	if err != nil {
		return fmt.Errorf("generate prekeys: %w", err)
	}
	list := make([]*wabinary.Node, 0, len(preKeys))
	for _, preKey := range preKeys {
		list = append(list, keyNode("key", preKey.ID, preKey.Public[:]))
	}
	signed := keyNode("skey", keys.SignedPreKey.KeyID, keys.SignedPreKey.Public[:])
	signed = signed.WithChildren(append(signed.Children(),
		wabinary.NewBinaryNode("signature", nil, keys.SignedPreKey.Signature[:]))...)

	registration := binary.BigEndian.AppendUint32(nil, keys.LocalRegistrationID())
	identity := keys.IdentityKeyPair().Public
	_, err = h.SendQuery(ctx, Query{
		Namespace: "encrypt",
		Type:      "set",
		To:        wabinary.ServerJID,
		Content: []*wabinary.Node{
			wabinary.NewBinaryNode("registration", nil, registration),
			wabinary.NewBinaryNode("type", nil, []byte{crypto.DjbType}),
			wabinary.NewBinaryNode("identity", nil, identity[:]),
			wabinary.NewNode("list", nil, list...),
			signed,
		},
	})
	if err != nil {
		return fmt.Errorf("upload prekeys: %w", err)
	}
	h.log.Info("uploaded prekeys", zap.Int("count", len(preKeys)))
	h.saveSession(ctx)
	return nil
}

// keyNode encodes a prekey with its three-byte id.
func keyNode(tag string, id uint32, public []byte) *wabinary.Node {
	return wabinary.NewNode(tag, nil,
		wabinary.NewBinaryNode("id", nil, []byte{byte(id >> 16), byte(id >> 8), byte(id)}),
		wabinary.NewBinaryNode("value", nil, public))
}
