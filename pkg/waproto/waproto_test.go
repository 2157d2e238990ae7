package waproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestHandshakeMessageServerHello(t *testing.T) {
	in := &HandshakeMessage{ServerHello: &HelloMessage{
		Ephemeral: bytes.Repeat([]byte{1}, 32),
		Static:    bytes.Repeat([]byte{2}, 48),
		Payload:   []byte("cert"),
	}}
	out := &HandshakeMessage{}
	require.NoError(t, out.Unmarshal(in.Marshal()))
	require.NotNil(t, out.ServerHello)
	assert.Nil(t, out.ClientHello)
	assert.Equal(t, in.ServerHello.Ephemeral, out.ServerHello.Ephemeral)
	assert.Equal(t, in.ServerHello.Static, out.ServerHello.Static)
	assert.Equal(t, []byte("cert"), out.ServerHello.Payload)
}

func TestHandshakeMessageWrongWireType(t *testing.T) {
	var data []byte
	data = protowire.AppendTag(data, 3, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)
	err := (&HandshakeMessage{}).Unmarshal(data)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTruncatedInput(t *testing.T) {
	full := (&CertDetails{Serial: 1, Key: bytes.Repeat([]byte{9}, 32)}).Marshal()
	err := (&CertDetails{}).Unmarshal(full[:len(full)-4])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClientPayloadPassiveField(t *testing.T) {
	tests := []struct {
		name    string
		payload *ClientPayload
		passive bool
	}{
		{"login", &ClientPayload{Username: 15551234567, Device: 3, Passive: true}, true},
		{"register", &ClientPayload{DevicePairingData: &DevicePairingData{BuildHash: []byte{1}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &ClientPayload{}
			require.NoError(t, out.Unmarshal(tt.payload.Marshal()))
			if out.Passive != tt.passive {
				t.Errorf("Passive = %v, want %v", out.Passive, tt.passive)
			}
			if out.Username != tt.payload.Username {
				t.Errorf("Username = %d, want %d", out.Username, tt.payload.Username)
			}
			assert.Equal(t, tt.payload.DevicePairingData != nil, out.DevicePairingData != nil)
		})
	}
}

func TestSyncdPatchNested(t *testing.T) {
	patch := &SyncdPatch{
		Version: 7,
		Mutations: []*SyncdMutation{
			{Operation: SyncdOperationSet, Record: &SyncdRecord{Index: []byte("i1"), Value: []byte("v1"), KeyID: []byte("k")}},
			{Operation: SyncdOperationRemove, Record: &SyncdRecord{Index: []byte("i2"), Value: []byte("v2"), KeyID: []byte("k")}},
		},
		SnapshotMAC: []byte("snap"),
		PatchMAC:    []byte("patch"),
		KeyID:       []byte("k"),
	}
	out := &SyncdPatch{}
	require.NoError(t, out.Unmarshal(patch.Marshal()))
	assert.Equal(t, uint64(7), out.Version)
	require.Len(t, out.Mutations, 2)
	assert.Equal(t, int32(SyncdOperationRemove), out.Mutations[1].Operation)
	assert.Equal(t, []byte("v2"), out.Mutations[1].Record.Value)
	assert.Equal(t, []byte("k"), out.KeyID)
	assert.Nil(t, out.ExternalMutations)
}

func TestSyncActionValueKeepsRaw(t *testing.T) {
	name := "Alice"
	muted := true
	value := &SyncActionValue{Timestamp: 1700000000, ContactFullName: &name, Muted: &muted, MuteEnd: 42}
	encoded := value.Marshal()

	out := &SyncActionValue{}
	require.NoError(t, out.Unmarshal(encoded))
	require.NotNil(t, out.ContactFullName)
	assert.Equal(t, "Alice", *out.ContactFullName)
	require.NotNil(t, out.Muted)
	assert.True(t, *out.Muted)
	assert.Equal(t, int64(42), out.MuteEnd)
	assert.Equal(t, encoded, out.Marshal())
}

func TestMessageKeyShare(t *testing.T) {
	msg := &Message{ProtocolMessage: &ProtocolMessage{
		Type: ProtocolMessageAppStateSyncKeyShare,
		AppStateSyncKeyShare: &AppStateSyncKeyShare{Keys: []*AppStateSyncKey{
			{KeyID: []byte{0, 1}, KeyData: bytes.Repeat([]byte{7}, 32), Timestamp: 99},
		}},
	}}
	out := &Message{}
	require.NoError(t, out.Unmarshal(msg.Marshal()))
	require.NotNil(t, out.ProtocolMessage)
	require.NotNil(t, out.ProtocolMessage.AppStateSyncKeyShare)
	keys := out.ProtocolMessage.AppStateSyncKeyShare.Keys
	require.Len(t, keys, 1)
	assert.Equal(t, []byte{0, 1}, keys[0].KeyID)
	assert.Equal(t, int64(99), keys[0].Timestamp)
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		msg  *Message
		want string
	}{
		{&Message{Conversation: "hi"}, "hi"},
		{&Message{ExtendedText: "link"}, "link"},
		{&Message{}, ""},
	}
	for _, tt := range tests {
		out := &Message{}
		require.NoError(t, out.Unmarshal(tt.msg.Marshal()))
		if got := out.Text(); got != tt.want {
			t.Errorf("Text() = %q, want %q", got, tt.want)
		}
	}
}
