package handshake

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

// Server runs the responder side of the handshake. It is used by in-process
// test servers and debugging proxies.
type Server struct {
	Static      *crypto.KeyPair
	Certificate []byte
	Logger      *zap.Logger
}

// Accepted is the outcome of a responder handshake. Pair is oriented for
// the server: Write encrypts toward the client.
type Accepted struct {
	Pair         *CipherPair
	ClientStatic [32]byte
	Payload      []byte
}

// IssueCertificate builds a certificate chain in which root signs an
// intermediate key and the intermediate signs static.
func IssueCertificate(root *crypto.KeyPair, static [32]byte) ([]byte, error) {
	intermediateKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	intermediateDetails := (&waproto.CertDetails{Serial: 1, Key: intermediateKey.Public[:]}).Marshal()
	intermediateSig, err := root.Sign(intermediateDetails)
	if err != nil {
		return nil, err
	}
	leafDetails := (&waproto.CertDetails{Serial: 2, IssuerSerial: 1, Key: static[:]}).Marshal()
	leafSig, err := intermediateKey.Sign(leafDetails)
	if err != nil {
		return nil, err
	}
	chain := &waproto.CertChain{
		Intermediate: &waproto.NoiseCertificate{Details: intermediateDetails, Signature: intermediateSig[:]},
		Leaf:         &waproto.NoiseCertificate{Details: leafDetails, Signature: leafSig[:]},
	}
	return chain.Marshal(), nil
}

// Accept waits for a client hello on conn and completes the exchange.
func (s *Server) Accept(ctx context.Context, conn FrameConn) (*Accepted, error) {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	state, err := NewState(NoiseProtocol, []byte(Prologue))
	if err != nil {
		return nil, err
	}
	frame, err := conn.ReceiveFrame(ctx)
	if err != nil {
		return nil, err
	}
	var hello waproto.HandshakeMessage
	if err := hello.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if hello.ClientHello == nil {
		return nil, fmt.Errorf("%w: missing client hello", ErrHandshake)
	}
	clientEphemeral, err := crypto.ParsePublic(hello.ClientHello.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: client ephemeral: %w", ErrHandshake, err)
	}
	state.Authenticate(clientEphemeral[:])

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	state.Authenticate(ephemeral.Public[:])
	if err := state.MixSharedSecret(ephemeral, clientEphemeral); err != nil {
		return nil, err
	}
	encryptedStatic, err := state.Encrypt(s.Static.Public[:])
	if err != nil {
		return nil, err
	}
	if err := state.MixSharedSecret(s.Static, clientEphemeral); err != nil {
		return nil, err
	}
	encryptedCert, err := state.Encrypt(s.Certificate)
	if err != nil {
		return nil, err
	}
	reply := &waproto.HandshakeMessage{ServerHello: &waproto.HelloMessage{
		Ephemeral: ephemeral.Public[:],
		Static:    encryptedStatic,
		Payload:   encryptedCert,
	}}
	if err := conn.SendFrame(ctx, reply.Marshal()); err != nil {
		return nil, err
	}
	log.Debug("sent server hello")

	frame, err = conn.ReceiveFrame(ctx)
	if err != nil {
		return nil, err
	}
	var finish waproto.HandshakeMessage
	if err := finish.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if finish.ClientFinish == nil {
		return nil, fmt.Errorf("%w: missing client finish", ErrHandshake)
	}
	staticRaw, err := state.Decrypt(finish.ClientFinish.Static)
	if err != nil {
		return nil, fmt.Errorf("client static: %w", err)
	}
	clientStatic, err := crypto.ParsePublic(staticRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: client static: %w", ErrHandshake, err)
	}
	if err := state.MixSharedSecret(ephemeral, clientStatic); err != nil {
		return nil, err
	}
	payload, err := state.Decrypt(finish.ClientFinish.Payload)
	if err != nil {
		return nil, fmt.Errorf("client payload: %w", err)
	}
	pair, err := state.Finish()
	if err != nil {
		return nil, err
	}
	log.Debug("accepted client", zap.Int("payload_size", len(payload)))
	return &Accepted{
		Pair:         &CipherPair{Write: pair.Read, Read: pair.Write},
		ClientStatic: clientStatic,
		Payload:      payload,
	}, nil
}
