package socket

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wabinary "github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/events"
	"github.com/technocode/Cobalt/pkg/signal"
	"github.com/technocode/Cobalt/pkg/store"
	"github.com/technocode/Cobalt/pkg/waproto"
)

var testPeerJID = wabinary.NewJID("15559990000", wabinary.DefaultUserServer)

// bundleOf returns a prekey bundle for keys, consuming a fresh one-time
// prekey.
func bundleOf(t *testing.T, keys *store.Keys, device uint8) (*signal.PreKeyBundle, store.PreKey) {
	t.Helper()
	preKeys, err := keys.GeneratePreKeys(1)
	require.NoError(t, err)
	preKey := preKeys[0]
	public := preKey.Public
	return &signal.PreKeyBundle{
		RegistrationID:        keys.LocalRegistrationID(),
		DeviceID:              uint32(device),
		PreKeyID:              preKey.ID,
		PreKey:                &public,
		SignedPreKeyID:        keys.SignedPreKey.KeyID,
		SignedPreKey:          keys.SignedPreKey.Public,
		SignedPreKeySignature: keys.SignedPreKey.Signature,
		IdentityKey:           keys.IdentityKeyPair().Public,
	}, preKey
}

func encryptFromPeer(t *testing.T, peer, ours *store.Keys, text string) *signal.CiphertextMessage {
	t.Helper()
	address := testOwnJID.SignalAddress()
	if !signal.HasSession(peer, address) {
		bundle, _ := bundleOf(t, ours, testOwnJID.Device)
		require.NoError(t, signal.NewSessionBuilder(peer, address).ProcessBundle(bundle))
	}
	plaintext, err := crypto.PadMessage((&waproto.Message{Conversation: text}).Marshal())
	require.NoError(t, err)
	ciphertext, err := signal.NewSessionCipher(peer, address).Encrypt(plaintext)
	require.NoError(t, err)
	return ciphertext
}

func messageNode(id string, from wabinary.JID, ciphertext *signal.CiphertextMessage) *wabinary.Node {
	return wabinary.NewNode("message", []wabinary.Attr{
		wabinary.StringAttr("id", id),
		wabinary.JIDAttr("from", from),
		wabinary.StringAttr("t", "1700000000"),
		wabinary.StringAttr("type", "text"),
		wabinary.StringAttr("notify", "Peer"),
	}, wabinary.NewBinaryNode("enc", []wabinary.Attr{
		wabinary.StringAttr("v", "2"),
		wabinary.StringAttr("type", string(ciphertext.Type)),
	}, ciphertext.Serialized))
}

func TestReceiveMessage(t *testing.T) {
	th := newHarness(t, true)
	conn := th.login(t)
	peer, err := store.NewKeys()
	require.NoError(t, err)
	ours := th.handler.Session().Keys

	first := encryptFromPeer(t, peer, ours, "hello")
	assert.Equal(t, signal.TypePreKey, first.Type)
	conn.send(t, messageNode("MSG1", testPeerJID, first))

	evt := waitEvent[*events.Message](t, th.events)
	assert.Equal(t, "hello", evt.Message.Conversation)
	assert.Equal(t, "MSG1", evt.Info.ID)
	assert.Equal(t, testPeerJID, evt.Info.Sender)
	assert.Equal(t, testPeerJID, evt.Info.Chat)
	assert.Equal(t, "Peer", evt.Info.PushName)
	assert.Equal(t, int64(1700000000), evt.Info.Timestamp.Unix())
	assert.False(t, evt.Info.IsFromMe)

	receipt := conn.next(t, "receipt", "id", "MSG1")
	to, _ := receipt.AttrJID("to")
	assert.Equal(t, testPeerJID, to)
	ack := conn.next(t, "ack", "id", "MSG1")
	assert.Equal(t, "message", ack.AttrString("class"))

	second := encryptFromPeer(t, peer, ours, "again")
	conn.send(t, messageNode("MSG2", testPeerJID, second))
	evt = waitEvent[*events.Message](t, th.events)
	assert.Equal(t, "again", evt.Message.Conversation)
}

func TestUndecryptableMessage(t *testing.T) {
	th := newHarness(t, true)
	conn := th.login(t)

	conn.send(t, messageNode("BAD1", testPeerJID, &signal.CiphertextMessage{
		Type:       signal.TypeWhisper,
		Serialized: []byte{0x33, 0x01, 0x02, 0x03},
	}))

	evt := waitEvent[*events.UndecryptableMessage](t, th.events)
	assert.Equal(t, "BAD1", evt.Info.ID)
	assert.Error(t, evt.Err)
	ack := conn.next(t, "ack", "id", "BAD1")
	assert.Equal(t, "message", ack.AttrString("class"))
	assert.Equal(t, StateConnected, th.handler.State())
}

func TestSenderKeyDistributionThenGroupMessage(t *testing.T) {
	th := newHarness(t, true)
	conn := th.login(t)
	peer, err := store.NewKeys()
	require.NoError(t, err)
	ours := th.handler.Session().Keys
	group := wabinary.NewJID("120363000000000001", wabinary.GroupServer)
	name := signal.SenderKeyName{GroupID: group.String(), Sender: testPeerJID.SignalAddress()}

	skdm, err := signal.NewGroupSessionBuilder(peer).Create(name)
	require.NoError(t, err)
	distribution := &waproto.Message{SenderKeyDistributionMessage: &waproto.GroupSenderKeyDistribution{
		GroupID:     group.String(),
		AxolotlSKDM: skdm,
	}}
	padded, err := crypto.PadMessage(distribution.Marshal())
	require.NoError(t, err)
	address := testOwnJID.SignalAddress()
	bundle, _ := bundleOf(t, ours, testOwnJID.Device)
	require.NoError(t, signal.NewSessionBuilder(peer, address).ProcessBundle(bundle))
	pkmsg, err := signal.NewSessionCipher(peer, address).Encrypt(padded)
	require.NoError(t, err)

	body, err := crypto.PadMessage((&waproto.Message{Conversation: "hi group"}).Marshal())
	require.NoError(t, err)
	skmsg, err := signal.NewGroupCipher(peer, name).Encrypt(body)
	require.NoError(t, err)

	conn.send(t, wabinary.NewNode("message", []wabinary.Attr{
		wabinary.StringAttr("id", "GRP1"),
		wabinary.JIDAttr("from", group),
		wabinary.JIDAttr("participant", testPeerJID),
		wabinary.StringAttr("t", "1700000001"),
	},
		wabinary.NewBinaryNode("enc", []wabinary.Attr{wabinary.StringAttr("v", "2"), wabinary.StringAttr("type", "pkmsg")}, pkmsg.Serialized),
		wabinary.NewBinaryNode("enc", []wabinary.Attr{wabinary.StringAttr("v", "2"), wabinary.StringAttr("type", "skmsg")}, skmsg),
	))

	var texts []string
	for len(texts) < 2 {
		evt := waitEvent[*events.Message](t, th.events)
		assert.True(t, evt.Info.IsGroup)
		assert.Equal(t, group, evt.Info.Chat)
		assert.Equal(t, testPeerJID, evt.Info.Sender)
		texts = append(texts, evt.Message.Text())
	}
	assert.Contains(t, texts, "hi group")

	receipt := conn.next(t, "receipt", "id", "GRP1")
	participant, _ := receipt.AttrJID("participant")
	assert.Equal(t, testPeerJID, participant)
}

func TestAppStateKeyShareFromOwnDevice(t *testing.T) {
	th := newHarness(t, true)
	conn := th.login(t)
	peer, err := store.NewKeys()
	require.NoError(t, err)
	ours := th.handler.Session().Keys
	ownPhone := wabinary.NewJID(testOwnJID.User, wabinary.DefaultUserServer)

	share := &waproto.Message{ProtocolMessage: &waproto.ProtocolMessage{
		Type: waproto.ProtocolMessageAppStateSyncKeyShare,
		AppStateSyncKeyShare: &waproto.AppStateSyncKeyShare{Keys: []*waproto.AppStateSyncKey{{
			KeyID:       []byte{0, 0, 0, 9},
			KeyData:     make([]byte, 32),
			Fingerprint: []byte{1},
			Timestamp:   1700000000000,
		}}},
	}}
	padded, err := crypto.PadMessage(share.Marshal())
	require.NoError(t, err)
	bundle, _ := bundleOf(t, ours, testOwnJID.Device)
	address := testOwnJID.SignalAddress()
	require.NoError(t, signal.NewSessionBuilder(peer, address).ProcessBundle(bundle))
	ciphertext, err := signal.NewSessionCipher(peer, address).Encrypt(padded)
	require.NoError(t, err)

	conn.send(t, messageNode("KEYS1", ownPhone, ciphertext))
	evt := waitEvent[*events.Message](t, th.events)
	assert.True(t, evt.Info.IsFromMe)

	id, ok := ours.LatestAppStateKeyID()
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 9}, id)
	// the new key triggers a pull of every collection
	conn.next(t, "iq", "xmlns", "w:sync:app:state")
}

func devicesAnswer(req *wabinary.Node, users map[string][]int) *wabinary.Node {
	var nodes []*wabinary.Node
	for user, ids := range users {
		var devices []*wabinary.Node
		for _, id := range ids {
			devices = append(devices, wabinary.NewNode("device", []wabinary.Attr{wabinary.IntAttr("id", int64(id))}))
		}
		nodes = append(nodes, wabinary.NewNode("user", []wabinary.Attr{
			wabinary.JIDAttr("jid", wabinary.NewJID(user, wabinary.DefaultUserServer)),
		}, wabinary.NewNode("devices", nil, wabinary.NewNode("device-list", nil, devices...))))
	}
	return iqResult(req, wabinary.NewNode("usync", nil, wabinary.NewNode("list", nil, nodes...)))
}

func bundleAnswer(req *wabinary.Node, jid wabinary.JID, bundle *signal.PreKeyBundle) *wabinary.Node {
	registration := binary.BigEndian.AppendUint32(nil, bundle.RegistrationID)
	user := wabinary.NewNode("user", []wabinary.Attr{wabinary.JIDAttr("jid", jid)},
		wabinary.NewBinaryNode("registration", nil, registration),
		wabinary.NewBinaryNode("type", nil, []byte{crypto.DjbType}),
		wabinary.NewBinaryNode("identity", nil, bundle.IdentityKey[:]),
		keyNode("key", bundle.PreKeyID, bundle.PreKey[:]),
		wabinary.NewNode("skey", nil,
			wabinary.NewBinaryNode("id", nil, binary.BigEndian.AppendUint32(nil, bundle.SignedPreKeyID)[1:]),
			wabinary.NewBinaryNode("value", nil, bundle.SignedPreKey[:]),
			wabinary.NewBinaryNode("signature", nil, bundle.SignedPreKeySignature[:]),
		),
	)
	return iqResult(req, wabinary.NewNode("list", nil, user))
}

func TestSendDirectMessage(t *testing.T) {
	th := newHarness(t, true)
	conn := th.login(t)
	peer, err := store.NewKeys()
	require.NoError(t, err)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := th.handler.SendMessage(context.Background(), testPeerJID, &waproto.Message{Conversation: "outgoing"})
		done <- result{id, err}
	}()

	usync := conn.next(t, "iq", "xmlns", "usync")
	conn.send(t, devicesAnswer(usync, map[string][]int{
		testPeerJID.User: {0},
		testOwnJID.User:  {int(testOwnJID.Device)},
	}))

	keyReq := conn.next(t, "iq", "xmlns", "encrypt")
	requested, ok := keyReq.ChildByPath("key", "user")
	require.True(t, ok)
	requestedJID, _ := requested.AttrJID("jid")
	assert.Equal(t, testPeerJID, requestedJID)
	bundle, _ := bundleOf(t, peer, 0)
	conn.send(t, bundleAnswer(keyReq, testPeerJID, bundle))

	msg := conn.next(t, "message")
	to, _ := msg.AttrJID("to")
	assert.Equal(t, testPeerJID, to)
	assert.True(t, strings.HasPrefix(msg.ID(), "3EB0"))
	enc, ok := msg.ChildByPath("participants", "to", "enc")
	require.True(t, ok)
	assert.Equal(t, string(signal.TypePreKey), enc.AttrString("type"))
	_, hasIdentity := msg.Child("device-identity")
	assert.True(t, hasIdentity)

	ownAddress := testOwnJID.SignalAddress()
	plaintext, err := signal.NewSessionCipher(peer, ownAddress).DecryptPreKey(enc.Data())
	require.NoError(t, err)
	unpadded, err := crypto.UnpadMessage(plaintext)
	require.NoError(t, err)
	var got waproto.Message
	require.NoError(t, got.Unmarshal(unpadded))
	assert.Equal(t, "outgoing", got.Conversation)

	conn.send(t, wabinary.NewNode("ack", []wabinary.Attr{
		wabinary.StringAttr("id", msg.ID()),
		wabinary.StringAttr("class", "message"),
		wabinary.JIDAttr("from", testPeerJID),
	}))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, msg.ID(), res.id)

	// devices are cached, so the next send goes straight to the message
	go func() {
		id, err := th.handler.SendMessage(context.Background(), testPeerJID, &waproto.Message{Conversation: "cached"})
		done <- result{id, err}
	}()
	next := conn.next(t, "message")
	enc, ok = next.ChildByPath("participants", "to", "enc")
	require.True(t, ok)
	conn.send(t, wabinary.NewNode("ack", []wabinary.Attr{
		wabinary.StringAttr("id", next.ID()),
		wabinary.StringAttr("class", "message"),
	}))
	require.NoError(t, (<-done).err)
}

func TestGroupSenderKeyOnlyMarksEncryptedDevices(t *testing.T) {
	th := newHarness(t, true)
	conn := th.login(t)
	peer, err := store.NewKeys()
	require.NoError(t, err)
	group := wabinary.NewJID("120363000000000001", wabinary.GroupServer)
	reachable := testPeerJID
	unreachable := wabinary.JID{User: testPeerJID.User, Device: 3, Server: wabinary.DefaultUserServer}

	done := make(chan error, 1)
	go func() {
		_, err := th.handler.SendMessage(context.Background(), group, &waproto.Message{Conversation: "hello group"})
		done <- err
	}()

	metaReq := conn.next(t, "iq", "xmlns", "w:g2")
	conn.send(t, iqResult(metaReq, wabinary.NewNode("group", []wabinary.Attr{
		wabinary.StringAttr("id", group.User),
		wabinary.StringAttr("subject", "Friends"),
	}, wabinary.NewNode("participant", []wabinary.Attr{wabinary.JIDAttr("jid", testPeerJID)}))))

	usync := conn.next(t, "iq", "xmlns", "usync")
	conn.send(t, devicesAnswer(usync, map[string][]int{
		testPeerJID.User: {0, int(unreachable.Device)},
		testOwnJID.User:  {int(testOwnJID.Device)},
	}))

	// the server has no bundle for device 3, so it gets no session
	keyReq := conn.next(t, "iq", "xmlns", "encrypt")
	bundle, _ := bundleOf(t, peer, 0)
	conn.send(t, bundleAnswer(keyReq, reachable, bundle))

	msg := conn.next(t, "message")
	participants, ok := msg.Child("participants")
	require.True(t, ok)
	recipients := participants.ChildrenByTag("to")
	require.Len(t, recipients, 1)
	jid, _ := recipients[0].AttrJID("jid")
	assert.Equal(t, reachable, jid)

	conn.send(t, wabinary.NewNode("ack", []wabinary.Attr{
		wabinary.StringAttr("id", msg.ID()),
		wabinary.StringAttr("class", "message"),
	}))
	require.NoError(t, <-done)

	lacking := th.handler.devicesLackingSenderKey(group, testOwnJID, []wabinary.JID{reachable, unreachable})
	assert.Equal(t, []wabinary.JID{unreachable}, lacking)
}

func TestGenerateMessageID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateMessageID()
		require.NoError(t, err)
		if len(id) != 20 || !strings.HasPrefix(id, "3EB0") {
			t.Fatalf("GenerateMessageID() = %q, want 3EB0 and 16 hex digits", id)
		}
		if strings.ToUpper(id) != id {
			t.Errorf("GenerateMessageID() = %q, want upper case", id)
		}
		if seen[id] {
			t.Fatalf("GenerateMessageID() repeated %q", id)
		}
		seen[id] = true
	}
}
