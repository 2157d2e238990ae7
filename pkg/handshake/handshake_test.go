package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

type pipeConn struct {
	in  <-chan []byte
	out chan<- []byte
}

func (p pipeConn) SendFrame(ctx context.Context, frame []byte) error {
	select {
	case p.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p pipeConn) ReceiveFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newPipe() (pipeConn, pipeConn) {
	a, b := make(chan []byte, 4), make(chan []byte, 4)
	return pipeConn{in: a, out: b}, pipeConn{in: b, out: a}
}

type fakeServer struct {
	root     *crypto.KeyPair
	server   *Server
	accepted *Accepted
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	root, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cert, err := IssueCertificate(root, static.Public)
	require.NoError(t, err)
	return &fakeServer{root: root, server: &Server{Static: static, Certificate: cert}}
}

func (s *fakeServer) serve(ctx context.Context, conn FrameConn) error {
	accepted, err := s.server.Accept(ctx, conn)
	s.accepted = accepted
	return err
}

func TestClientHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := newFakeServer(t)
	clientConn, serverConn := newPipe()
	done := make(chan error, 1)
	go func() { done <- server.serve(ctx, serverConn) }()

	noise, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := &Client{NoiseKey: noise, Payload: []byte("payload"), RootKey: server.root.Public}
	pair, err := client.Do(ctx, clientConn)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, noise.Public, server.accepted.ClientStatic)
	assert.Equal(t, []byte("payload"), server.accepted.Payload)

	sealed, err := pair.Write.Encrypt([]byte("ping"), nil)
	require.NoError(t, err)
	opened, err := server.accepted.Pair.Read.Decrypt(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), opened)

	sealed, err = server.accepted.Pair.Write.Encrypt([]byte("pong"), nil)
	require.NoError(t, err)
	opened, err = pair.Read.Decrypt(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), opened)
}

func TestClientHandshakeTamperedCertificate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := newFakeServer(t)
	var chain waproto.CertChain
	require.NoError(t, chain.Unmarshal(server.server.Certificate))
	chain.Leaf.Signature[10] ^= 0xFF
	server.server.Certificate = chain.Marshal()

	clientConn, serverConn := newPipe()
	go func() { _ = server.serve(ctx, serverConn) }()

	noise, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := &Client{NoiseKey: noise, RootKey: server.root.Public}
	pair, err := client.Do(ctx, clientConn)
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, crypto.ErrInvalidSignature)
}

func TestClientHandshakeWrongRoot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := newFakeServer(t)
	clientConn, serverConn := newPipe()
	go func() { _ = server.serve(ctx, serverConn) }()

	noise, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = (&Client{NoiseKey: noise}).Do(ctx, clientConn)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestStateFinishConsumes(t *testing.T) {
	state, err := NewState(NoiseProtocol, []byte(Prologue))
	require.NoError(t, err)
	require.NoError(t, state.MixIntoKey([]byte("secret")))
	_, err = state.Finish()
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"Finish", func() error { _, err := state.Finish(); return err }},
		{"Encrypt", func() error { _, err := state.Encrypt([]byte("x")); return err }},
		{"Decrypt", func() error { _, err := state.Decrypt([]byte("x")); return err }},
		{"MixIntoKey", func() error { return state.MixIntoKey([]byte("y")) }},
	}
	for _, tt := range tests {
		if err := tt.call(); !errors.Is(err, ErrConsumed) {
			t.Errorf("%s after Finish = %v, want %v", tt.name, err, ErrConsumed)
		}
	}
}

func TestStateTranscriptAuthenticatesCiphertext(t *testing.T) {
	a, err := NewState(NoiseProtocol, []byte(Prologue))
	require.NoError(t, err)
	b, err := NewState(NoiseProtocol, []byte(Prologue))
	require.NoError(t, err)
	require.Equal(t, a.Hash(), b.Hash())

	require.NoError(t, a.MixIntoKey([]byte("k")))
	require.NoError(t, b.MixIntoKey([]byte("k")))
	sealed, err := a.Encrypt([]byte("hello"))
	require.NoError(t, err)
	opened, err := b.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), opened)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, crypto.SHA256(crypto.SHA256([]byte(NoiseProtocol), []byte(Prologue)), sealed), a.Hash())
}

func TestStateDecryptFailure(t *testing.T) {
	a, err := NewState(NoiseProtocol, []byte(Prologue))
	require.NoError(t, err)
	b, err := NewState(NoiseProtocol, []byte(Prologue))
	require.NoError(t, err)
	sealed, err := a.Encrypt([]byte("hello"))
	require.NoError(t, err)
	sealed[0] ^= 1
	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, crypto.ErrDecrypt)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestServerRejectsMissingHello(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := newFakeServer(t)
	clientConn, serverConn := newPipe()
	bogus := &waproto.HandshakeMessage{ServerHello: &waproto.HelloMessage{Ephemeral: make([]byte, 32)}}
	require.NoError(t, clientConn.SendFrame(ctx, bogus.Marshal()))

	_, err := server.server.Accept(ctx, serverConn)
	assert.ErrorIs(t, err, ErrHandshake)
}
