package binary

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIQRoundTrip(t *testing.T) {
	server, err := ParseJID("server@domain")
	require.NoError(t, err)
	node := NewNode("iq", []Attr{
		StringAttr("id", "1"),
		StringAttr("type", "get"),
		JIDAttr("to", server),
	})

	encoded, err := Marshal(node)
	require.NoError(t, err)
	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)

	assert.Equal(t, "iq", decoded.Tag())
	assert.Equal(t, "1", decoded.AttrString("id"))
	assert.Equal(t, "get", decoded.AttrString("type"))
	to, ok := decoded.AttrJID("to")
	require.True(t, ok)
	assert.Equal(t, server, to)
	assert.False(t, decoded.HasData())
	assert.False(t, decoded.HasChildren())
	assert.True(t, node.Equal(decoded))
}

func TestRoundTrip(t *testing.T) {
	device := NewADJID("15551234567", 0, 3)
	tests := []struct {
		name string
		node *Node
	}{
		{
			name: "bare tag",
			node: NewNode("presence", nil),
		},
		{
			name: "typed attributes",
			node: NewNode("message", []Attr{
				StringAttr("id", "3EB0C431C26A1916E8C1"),
				IntAttr("t", 1700000000),
				BoolAttr("offline", true),
				BytesAttr("hash", []byte{0x01, 0xFF, 0x10}),
				JIDAttr("from", device),
				JIDAttr("to", GroupServerJID),
			}),
		},
		{
			name: "children",
			node: NewNode("iq", []Attr{StringAttr("xmlns", "usync")},
				NewNode("usync", []Attr{StringAttr("mode", "query")},
					NewNode("query", nil, NewNode("devices", []Attr{StringAttr("version", "2")})),
					NewNode("list", nil, NewNode("user", []Attr{JIDAttr("jid", NewJID("123", DefaultUserServer))})),
				),
			),
		},
		{
			name: "binary content",
			node: NewBinaryNode("enc", []Attr{StringAttr("v", "2"), StringAttr("type", "pkmsg")}, []byte{0, 1, 2, 3, 250, 251}),
		},
		{
			name: "empty binary content",
			node: NewBinaryNode("enc", nil, []byte{}),
		},
		{
			name: "binary 20",
			node: NewBinaryNode("patch", nil, bytes.Repeat([]byte{0xAB}, 4096)),
		},
		{
			name: "binary 32",
			node: NewBinaryNode("snapshot", nil, bytes.Repeat([]byte{0x42}, 1<<20)),
		},
		{
			name: "long raw string attribute",
			node: NewNode("item", []Attr{StringAttr("description", strings.Repeat("lorem ipsum ", 40))}),
		},
		{
			name: "lid companion",
			node: NewNode("user", []Attr{JIDAttr("jid", JID{User: "987654", Device: 12, Server: HiddenUserServer})}),
		},
		{
			name: "many children",
			node: NewNode("list", nil, manyUsers(300)...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.node)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !tt.node.Equal(decoded) {
				t.Errorf("Decode(Encode(n)) = %s, want %s", decoded, tt.node)
			}
		})
	}
}

func manyUsers(n int) []*Node {
	out := make([]*Node, n)
	for i := range out {
		out[i] = NewNode("user", []Attr{IntAttr("index", int64(i))})
	}
	return out
}

func TestRandomTreesRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		node := randomNode(rng, 0)
		encoded, err := Encode(node)
		require.NoError(t, err, "tree %d", i)
		decoded, err := Decode(encoded)
		require.NoError(t, err, "tree %d", i)
		require.True(t, node.Equal(decoded), "tree %d: got %s want %s", i, decoded, node)
	}
}

var randomWords = []string{
	"iq", "id", "type", "to", "from", "hello", "x", "node-1", "A1B2", "123", "12.5", "-7",
	"pair-device", "regular_high", "mixedCase", "with space", "", "€uro",
}

func randomString(rng *rand.Rand) string {
	if rng.Intn(3) == 0 {
		b := make([]byte, rng.Intn(40))
		for i := range b {
			b[i] = byte(0x21 + rng.Intn(0x5e))
		}
		return string(b)
	}
	return randomWords[rng.Intn(len(randomWords))]
}

func randomJID(rng *rand.Rand) JID {
	servers := []string{DefaultUserServer, GroupServer, BroadcastServer, HiddenUserServer}
	switch rng.Intn(3) {
	case 0:
		return JID{User: "1555" + string(rune('0'+rng.Intn(10))), Device: uint8(1 + rng.Intn(20)), Server: DefaultUserServer}
	case 1:
		return JID{Server: servers[rng.Intn(len(servers))]}
	default:
		return JID{User: randomString(rng), Server: servers[rng.Intn(len(servers))]}
	}
}

func randomNode(rng *rand.Rand, depth int) *Node {
	tag := randomString(rng)
	if tag == "" {
		tag = "t"
	}
	attrs := make([]Attr, rng.Intn(5))
	for i := range attrs {
		key := randomString(rng)
		switch rng.Intn(5) {
		case 0:
			attrs[i] = StringAttr(key, randomString(rng))
		case 1:
			attrs[i] = IntAttr(key, rng.Int63n(1<<40)-(1<<39))
		case 2:
			attrs[i] = JIDAttr(key, randomJID(rng))
		case 3:
			raw := make([]byte, rng.Intn(16))
			rng.Read(raw)
			attrs[i] = BytesAttr(key, raw)
		default:
			attrs[i] = BoolAttr(key, rng.Intn(2) == 0)
		}
	}
	switch {
	case depth < 4 && rng.Intn(3) == 0:
		children := make([]*Node, 1+rng.Intn(4))
		for i := range children {
			children[i] = randomNode(rng, depth+1)
		}
		return NewNode(tag, attrs, children...)
	case rng.Intn(2) == 0:
		data := make([]byte, rng.Intn(300))
		rng.Read(data)
		return NewBinaryNode(tag, attrs, data)
	default:
		return NewNode(tag, attrs)
	}
}

func TestTokenCompressionDeterminism(t *testing.T) {
	for i := 1; i < len(singleByteTokens); i++ {
		token := singleByteTokens[i]
		enc := &encoder{}
		enc.writeString(token)
		if !bytes.Equal(enc.data, []byte{byte(i)}) {
			t.Fatalf("writeString(%q) = %v, want [%d]", token, enc.data, i)
		}
		dec := &decoder{data: enc.data}
		tag, _ := dec.readByte()
		got, err := dec.readString(tag)
		if err != nil || got != token {
			t.Fatalf("readString(%d) = %q, %v, want %q", i, got, err, token)
		}
	}
	for dict, tokens := range doubleByteTokens {
		for i, token := range tokens {
			enc := &encoder{}
			enc.writeString(token)
			want := []byte{Dictionary0 + byte(dict), byte(i)}
			if !bytes.Equal(enc.data, want) {
				t.Fatalf("writeString(%q) = %v, want %v", token, enc.data, want)
			}
			dec := &decoder{data: enc.data}
			tag, _ := dec.readByte()
			got, err := dec.readString(tag)
			if err != nil || got != token {
				t.Fatalf("readString(%v) = %q, %v, want %q", want, got, err, token)
			}
		}
	}
}

func TestTokenTablesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, token := range singleByteTokens {
		assert.False(t, seen[token], "duplicate token %q", token)
		seen[token] = true
	}
	for _, tokens := range doubleByteTokens {
		for _, token := range tokens {
			assert.False(t, seen[token], "duplicate token %q", token)
			seen[token] = true
		}
	}
	assert.Less(t, len(singleByteTokens), Dictionary0+1)
}

func TestDoubleByteDictionaries(t *testing.T) {
	for dict := 0; dict < 3; dict++ {
		if got := len(doubleByteTokens[dict]); got != 256 {
			t.Errorf("len(dictionary %d) = %d, want 256", dict, got)
		}
	}
	assert.LessOrEqual(t, len(doubleByteTokens[3]), 256)

	tests := []struct {
		dict  byte
		index byte
		want  string
	}{
		{0, 0, "read-self"},
		{0, 45, "skey"},
		{0, 91, "collection"},
		{0, 110, "account_sync"},
		{0, 156, "w:sync:app:state"},
		{0, 200, "https://www.whatsapp.com/otp/copy/"},
		{0, 203, "server_sync"},
		{0, 246, "patch"},
		{0, 255, "mute_v2"},
		{1, 1, "dirty"},
		{1, 30, "return_snapshot"},
		{1, 51, "w:g2"},
		{1, 80, "ref"},
		{1, 238, "pair-device"},
		{2, 74, "patches"},
		{2, 161, "critical_block"},
		{2, 248, "regular"},
		{3, 30, "keys"},
		{3, 86, "en"},
	}
	for _, tt := range tests {
		got, err := DoubleToken(tt.dict, tt.index)
		if err != nil || got != tt.want {
			t.Errorf("DoubleToken(%d, %d) = %q, %v, want %q", tt.dict, tt.index, got, err, tt.want)
		}
		dict, index, ok := IndexOfDoubleToken(tt.want)
		if !ok || dict != tt.dict || index != tt.index {
			t.Errorf("IndexOfDoubleToken(%q) = %d, %d, %t, want %d, %d", tt.want, dict, index, ok, tt.dict, tt.index)
		}
	}

	iq, _ := IndexOfSingleToken("iq")
	node, err := Decode([]byte{List8, 3, iq, Dictionary0 + 0, 156, Dictionary0 + 2, 74})
	require.NoError(t, err)
	assert.Equal(t, "patches", node.AttrString("w:sync:app:state"))
}

func TestPackedStrings(t *testing.T) {
	tests := []struct {
		value   string
		wantTag byte
	}{
		{"15551234567", Nibble8},
		{"1555123456", Nibble8},
		{"1.2-3", Nibble8},
		{"3EB0C431C26A1916E8C1", Hex8},
		{"ABCDE", Hex8},
		{"abc", Binary8},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			enc := &encoder{}
			enc.writeString(tt.value)
			if enc.data[0] != tt.wantTag {
				t.Errorf("writeString(%q) tag = %d, want %d", tt.value, enc.data[0], tt.wantTag)
			}
			dec := &decoder{data: enc.data}
			tag, _ := dec.readByte()
			got, err := dec.readString(tag)
			if err != nil {
				t.Fatalf("readString() error = %v", err)
			}
			if got != tt.value {
				t.Errorf("readString() = %q, want %q", got, tt.value)
			}
		})
	}
}

func TestPackedMaxFallsBackToRaw(t *testing.T) {
	long := strings.Repeat("1", PackedMax+1)
	enc := &encoder{}
	enc.writeString(long)
	assert.Equal(t, byte(Binary8), enc.data[0], "strings over PackedMax are written raw")

	exact := strings.Repeat("7", PackedMax)
	enc = &encoder{}
	enc.writeString(exact)
	assert.Equal(t, byte(Nibble8), enc.data[0])
	assert.Equal(t, byte(0x7F), enc.data[1])
}

func TestDecodeErrors(t *testing.T) {
	iq, _ := IndexOfSingleToken("iq")
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"unknown tag", []byte{List8, 1, 240}, ErrInvalidTag},
		{"unknown content tag", []byte{List8, 2, iq, 241}, ErrInvalidTag},
		{"not a list", []byte{Binary8, 0}, ErrInvalidTag},
		{"truncated header", []byte{List8}, ErrDecode},
		{"truncated binary", []byte{List8, 2, iq, Binary8, 10, 1, 2}, ErrDecode},
		{"empty header", []byte{ListEmpty}, ErrDecode},
		{"trailing data", []byte{List8, 1, iq, 0x00}, ErrTrailingData},
		{"bad token", []byte{List8, 1, Dictionary3, 250}, ErrInvalidToken},
		{"bad nibble", []byte{List8, 1, Nibble8, 0x01, 0xCC}, ErrInvalidPacked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeListEmptyContent(t *testing.T) {
	iq, _ := IndexOfSingleToken("iq")
	node, err := Decode([]byte{List8, 2, iq, ListEmpty})
	require.NoError(t, err)
	assert.Equal(t, "iq", node.Tag())
	assert.False(t, node.HasChildren())
	assert.False(t, node.HasData())
}

func TestUnmarshalCompressed(t *testing.T) {
	node := NewNode("ib", nil, NewNode("edge_routing", nil, NewBinaryNode("routing_info", nil, []byte("CAIIBQ=="))))
	raw, err := Encode(node)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteByte(FlagCompressed)
	zw := zlib.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	decoded, err := Unmarshal(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, node.Equal(decoded))
}

func TestEncodeRejectsEmptyTag(t *testing.T) {
	_, err := Encode(NewNode("", nil))
	assert.ErrorIs(t, err, ErrEmptyTag)

	_, err = Encode(NewNode("iq", nil, NewNode("", nil)))
	assert.ErrorIs(t, err, ErrEmptyTag)
}

func TestEncodeRejectsCompanionOnGroupServer(t *testing.T) {
	_, err := Encode(NewNode("iq", []Attr{JIDAttr("to", JID{User: "1", Device: 2, Server: GroupServer})}))
	assert.ErrorIs(t, err, ErrInvalidJID)
}

func TestDuplicateAttributesReplaceInPlace(t *testing.T) {
	node := NewNode("iq", []Attr{StringAttr("id", "1"), StringAttr("type", "get"), StringAttr("id", "2")})
	attrs := node.Attrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "id", attrs[0].Key)
	assert.Equal(t, "2", attrs[0].Value.Text())
}
