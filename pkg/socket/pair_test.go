package socket

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/events"
	"github.com/technocode/Cobalt/pkg/store"
	"github.com/technocode/Cobalt/pkg/waproto"
)

func TestQRCodes(t *testing.T) {
	noise := [32]byte{1}
	identity := [32]byte{2}
	codes := QRCodes([]string{"ref-a", "ref-b"}, noise, identity, []byte{3, 4})
	require.Len(t, codes, 2)
	for i, ref := range []string{"ref-a", "ref-b"} {
		parts := strings.Split(codes[i], ",")
		require.Len(t, parts, 4)
		assert.Equal(t, ref, parts[0])
		assert.Equal(t, base64.StdEncoding.EncodeToString(noise[:]), parts[1])
		assert.Equal(t, base64.StdEncoding.EncodeToString(identity[:]), parts[2])
		assert.Equal(t, "AwQ=", parts[3])
	}
}

func TestPairDeviceEmitsQR(t *testing.T) {
	th := newHarness(t, false)
	conn := th.dial(t)

	conn.send(t, binary.NewNode("iq", []binary.Attr{
		binary.StringAttr("id", "pair-1"),
		binary.StringAttr("type", "set"),
		binary.JIDAttr("from", binary.ServerJID),
	}, binary.NewNode("pair-device", nil,
		binary.NewBinaryNode("ref", nil, []byte("first")),
		binary.NewBinaryNode("ref", nil, []byte("second")),
	)))

	reply := conn.next(t, "iq", "id", "pair-1")
	assert.Equal(t, "result", reply.AttrString("type"))
	qr := waitEvent[*events.QR](t, th.events)
	require.Len(t, qr.Codes, 2)
	assert.True(t, strings.HasPrefix(qr.Codes[0], "first,"))
	assert.True(t, strings.HasPrefix(qr.Codes[1], "second,"))
}

// primaryIdentity signs a device identity the way the phone does.
func primaryIdentity(t *testing.T, keys *store.Keys, account *crypto.KeyPair, keyIndex uint32) []byte {
	t.Helper()
	details := (&waproto.ADVDeviceIdentity{RawID: 42, Timestamp: 1700000000, KeyIndex: keyIndex}).Marshal()
	identity := keys.IdentityKeyPair().Public
	signature, err := account.Sign(concat(advAccountSignaturePrefix, details, identity[:]))
	require.NoError(t, err)
	signed := (&waproto.ADVSignedDeviceIdentity{
		Details:             details,
		AccountSignatureKey: account.Public[:],
		AccountSignature:    signature[:],
	}).Marshal()
	return (&waproto.ADVSignedDeviceIdentityHMAC{
		Details: signed,
		HMAC:    crypto.HMACSHA256(keys.AdvSecretKey, signed),
	}).Marshal()
}

func pairSuccessNode(jid binary.JID, identity []byte) *binary.Node {
	return binary.NewNode("iq", []binary.Attr{
		binary.StringAttr("id", "pair-2"),
		binary.StringAttr("type", "set"),
		binary.JIDAttr("from", binary.ServerJID),
	}, binary.NewNode("pair-success", nil,
		binary.NewNode("device", []binary.Attr{binary.JIDAttr("jid", jid)}),
		binary.NewNode("platform", []binary.Attr{binary.StringAttr("name", "android")}),
		binary.NewBinaryNode("device-identity", nil, identity),
	))
}

func TestPairSuccess(t *testing.T) {
	th := newHarness(t, false)
	conn := th.dial(t)
	keys := th.handler.Session().Keys
	account, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	jid := binary.NewADJID("15551234567", 0, 12)

	conn.send(t, pairSuccessNode(jid, primaryIdentity(t, keys, account, 3)))

	reply := conn.next(t, "iq", "id", "pair-2")
	assert.Equal(t, "result", reply.AttrString("type"))
	deviceIdentity, ok := reply.ChildByPath("pair-device-sign", "device-identity")
	require.True(t, ok)
	keyIndex, _ := deviceIdentity.AttrInt("key-index")
	assert.Equal(t, int64(3), keyIndex)

	var signed waproto.ADVSignedDeviceIdentity
	require.NoError(t, signed.Unmarshal(deviceIdentity.Data()))
	assert.Empty(t, signed.AccountSignatureKey)
	identity := keys.IdentityKeyPair().Public
	deviceMsg := concat(advDeviceSignaturePrefix, signed.Details, identity[:], account.Public[:])
	assert.True(t, crypto.VerifySignal(identity[:], deviceMsg, signed.DeviceSignature))
	assert.NotEmpty(t, keys.Companion())

	evt := waitEvent[*events.PairSuccess](t, th.events)
	assert.Equal(t, jid, evt.ID)
	assert.Equal(t, "android", evt.Platform)
	id, ok := th.handler.Session().Store.ID()
	require.True(t, ok)
	assert.Equal(t, jid, id)
}

func TestPairSuccessRejected(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(keys *store.Keys, raw []byte) []byte
		want   error
	}{
		{
			name: "bad hmac",
			tamper: func(_ *store.Keys, raw []byte) []byte {
				var container waproto.ADVSignedDeviceIdentityHMAC
				_ = container.Unmarshal(raw)
				container.HMAC = bytes.Repeat([]byte{0xAA}, 32)
				return container.Marshal()
			},
			want: ErrPairInvalidHMAC,
		},
		{
			name: "bad account signature",
			tamper: func(keys *store.Keys, raw []byte) []byte {
				var container waproto.ADVSignedDeviceIdentityHMAC
				_ = container.Unmarshal(raw)
				var identity waproto.ADVSignedDeviceIdentity
				_ = identity.Unmarshal(container.Details)
				identity.AccountSignature[0] ^= 0xFF
				container.Details = identity.Marshal()
				container.HMAC = crypto.HMACSHA256(keys.AdvSecretKey, container.Details)
				return container.Marshal()
			},
			want: ErrPairInvalidSignature,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newHarness(t, false)
			conn := th.dial(t)
			keys := th.handler.Session().Keys
			account, err := crypto.GenerateKeyPair()
			require.NoError(t, err)
			jid := binary.NewADJID("15551234567", 0, 12)

			raw := tt.tamper(keys, primaryIdentity(t, keys, account, 1))
			conn.send(t, pairSuccessNode(jid, raw))

			reply := conn.next(t, "iq", "id", "pair-2")
			assert.Equal(t, "error", reply.AttrString("type"))
			errNode, ok := reply.Child("error")
			require.True(t, ok)
			assert.Equal(t, "401", errNode.AttrString("code"))

			evt := waitEvent[*events.PairError](t, th.events)
			if !errors.Is(evt.Err, tt.want) {
				t.Errorf("PairError.Err = %v, want %v", evt.Err, tt.want)
			}
			_, registered := th.handler.Session().Store.ID()
			assert.False(t, registered)
		})
	}
}
