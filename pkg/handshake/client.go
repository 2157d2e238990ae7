package handshake

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

// CertRootKey is the public key that signs WhatsApp's intermediate noise
// certificates.
var CertRootKey = mustKey("142375574d0a587166aae71ebe516437c4a28b73e3695c6ce1f7f9545da8ee6b")

func mustKey(s string) [32]byte {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		panic("handshake: bad key literal")
	}
	var key [32]byte
	copy(key[:], raw)
	return key
}

// FrameConn sends and receives whole frames. The socket layer provides the
// framing; the handshake only sees frame payloads.
type FrameConn interface {
	SendFrame(ctx context.Context, frame []byte) error
	ReceiveFrame(ctx context.Context) ([]byte, error)
}

// Client runs the initiator side of the handshake.
type Client struct {
	// NoiseKey is the long-term static key of this companion.
	NoiseKey *crypto.KeyPair
	// Payload is the encoded ClientPayload sent in the finish message.
	Payload []byte
	// RootKey verifies the server certificate chain. Zero means CertRootKey.
	RootKey [32]byte
	Logger  *zap.Logger
}

// Do performs the XX exchange over conn and returns the transport ciphers.
func (c *Client) Do(ctx context.Context, conn FrameConn) (*CipherPair, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if c.NoiseKey == nil {
		return nil, fmt.Errorf("%w: missing noise key", ErrHandshake)
	}
	root := c.RootKey
	if root == ([32]byte{}) {
		root = CertRootKey
	}

	state, err := NewState(NoiseProtocol, []byte(Prologue))
	if err != nil {
		return nil, err
	}
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	state.Authenticate(ephemeral.Public[:])

	hello := &waproto.HandshakeMessage{ClientHello: &waproto.HelloMessage{Ephemeral: ephemeral.Public[:]}}
	if err := conn.SendFrame(ctx, hello.Marshal()); err != nil {
		return nil, fmt.Errorf("send client hello: %w", err)
	}
	log.Debug("sent client hello")

	frame, err := conn.ReceiveFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive server hello: %w", err)
	}
	var response waproto.HandshakeMessage
	if err := response.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	serverHello := response.ServerHello
	if serverHello == nil {
		return nil, fmt.Errorf("%w: missing server hello", ErrHandshake)
	}
	serverEphemeral, err := crypto.ParsePublic(serverHello.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: server ephemeral: %w", ErrHandshake, err)
	}

	state.Authenticate(serverEphemeral[:])
	if err := state.MixSharedSecret(ephemeral, serverEphemeral); err != nil {
		return nil, err
	}
	staticRaw, err := state.Decrypt(serverHello.Static)
	if err != nil {
		return nil, fmt.Errorf("server static: %w", err)
	}
	serverStatic, err := crypto.ParsePublic(staticRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: server static: %w", ErrHandshake, err)
	}
	if err := state.MixSharedSecret(ephemeral, serverStatic); err != nil {
		return nil, err
	}
	certRaw, err := state.Decrypt(serverHello.Payload)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	if err := VerifyCertificate(root, certRaw, serverStatic); err != nil {
		return nil, err
	}
	log.Debug("verified server certificate")

	encryptedStatic, err := state.Encrypt(c.NoiseKey.Public[:])
	if err != nil {
		return nil, err
	}
	if err := state.MixSharedSecret(c.NoiseKey, serverEphemeral); err != nil {
		return nil, err
	}
	encryptedPayload, err := state.Encrypt(c.Payload)
	if err != nil {
		return nil, err
	}
	finish := &waproto.HandshakeMessage{ClientFinish: &waproto.FinishMessage{
		Static:  encryptedStatic,
		Payload: encryptedPayload,
	}}
	if err := conn.SendFrame(ctx, finish.Marshal()); err != nil {
		return nil, fmt.Errorf("send client finish: %w", err)
	}
	return state.Finish()
}

// VerifyCertificate checks the chain root -> intermediate -> leaf and that the
// leaf certifies the server static key.
func VerifyCertificate(root [32]byte, raw []byte, serverStatic [32]byte) error {
	var chain waproto.CertChain
	if err := chain.Unmarshal(raw); err != nil {
		return fmt.Errorf("%w: certificate: %w", ErrHandshake, err)
	}
	if chain.Leaf == nil || chain.Intermediate == nil {
		return fmt.Errorf("%w: incomplete certificate chain", ErrHandshake)
	}
	if !crypto.VerifySignal(root[:], chain.Intermediate.Details, chain.Intermediate.Signature) {
		return fmt.Errorf("%w: intermediate certificate: %w", ErrHandshake, crypto.ErrInvalidSignature)
	}
	var intermediate waproto.CertDetails
	if err := intermediate.Unmarshal(chain.Intermediate.Details); err != nil {
		return fmt.Errorf("%w: intermediate details: %w", ErrHandshake, err)
	}
	if !crypto.VerifySignal(intermediate.Key, chain.Leaf.Details, chain.Leaf.Signature) {
		return fmt.Errorf("%w: leaf certificate: %w", ErrHandshake, crypto.ErrInvalidSignature)
	}
	var leaf waproto.CertDetails
	if err := leaf.Unmarshal(chain.Leaf.Details); err != nil {
		return fmt.Errorf("%w: leaf details: %w", ErrHandshake, err)
	}
	if leaf.IssuerSerial != intermediate.Serial {
		return fmt.Errorf("%w: leaf issuer %d does not match intermediate %d", ErrHandshake, leaf.IssuerSerial, intermediate.Serial)
	}
	if !crypto.Equal(leaf.Key, serverStatic[:]) {
		return fmt.Errorf("%w: leaf key does not match server static", ErrHandshake)
	}
	return nil
}
