package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/handshake"
)

var ErrFrameDecrypt = errors.New("socket: frame decryption failed")

// NoiseSocket carries nodes over a FrameSocket once the handshake is done.
// Writes are serialized so the write counter follows wire order; reads
// belong to a single goroutine.
type NoiseSocket struct {
	frames *FrameSocket
	pair   *handshake.CipherPair

	writeMu sync.Mutex
}

func NewNoiseSocket(frames *FrameSocket, pair *handshake.CipherPair) *NoiseSocket {
	return &NoiseSocket{frames: frames, pair: pair}
}

// SendFrame encrypts and writes one frame payload.
func (ns *NoiseSocket) SendFrame(ctx context.Context, plaintext []byte) (int, error) {
	ns.writeMu.Lock()
	defer ns.writeMu.Unlock()
	sealed, err := ns.pair.Write.Encrypt(plaintext, nil)
	if err != nil {
		return 0, err
	}
	if err := ns.frames.SendFrame(ctx, sealed); err != nil {
		return 0, err
	}
	return len(sealed) + FrameHeaderLength, nil
}

// SendNode encodes and sends a node. It returns the bytes written.
func (ns *NoiseSocket) SendNode(ctx context.Context, node *binary.Node) (int, error) {
	payload, err := binary.Marshal(node)
	if err != nil {
		return 0, fmt.Errorf("encode <%s>: %w", node.Tag(), err)
	}
	return ns.SendFrame(ctx, payload)
}

// ReceiveFrame reads and decrypts one frame. A decryption failure leaves
// the read counter out of step with the peer, so the socket must be closed.
func (ns *NoiseSocket) ReceiveFrame(ctx context.Context) ([]byte, error) {
	sealed, err := ns.frames.ReceiveFrame(ctx)
	if err != nil {
		return nil, err
	}
	plaintext, err := ns.pair.Read.Decrypt(sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameDecrypt, err)
	}
	return plaintext, nil
}

// ReceiveNode reads, decrypts and decodes one node. The frame size is
// returned for accounting even when decoding fails.
func (ns *NoiseSocket) ReceiveNode(ctx context.Context) (*binary.Node, int, error) {
	plaintext, err := ns.ReceiveFrame(ctx)
	if err != nil {
		return nil, 0, err
	}
	node, err := binary.Unmarshal(plaintext)
	if err != nil {
		return nil, len(plaintext), err
	}
	return node, len(plaintext), nil
}

func (ns *NoiseSocket) Close() error {
	return ns.frames.Close()
}
