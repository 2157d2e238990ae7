package socket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technocode/Cobalt/pkg/handshake"
)

const (
	DefaultURL    = "wss://web.whatsapp.com/ws/chat"
	DefaultOrigin = "https://web.whatsapp.com"
)

var (
	ErrClosed     = errors.New("socket: connection closed")
	ErrBadPrelude = errors.New("socket: bad connection header")
)

// Conn is a bidirectional stream of byte chunks. Chunks carry no frame
// boundaries of their own.
type Conn interface {
	ReadChunk(ctx context.Context) ([]byte, error)
	WriteChunk(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a new Conn for every connection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the chat endpoint over gorilla/websocket.
type WebsocketDialer struct {
	URL     string
	Origin  string
	Header  http.Header
	Timeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	url := d.URL
	if url == "" {
		url = DefaultURL
	}
	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	origin := d.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	header.Set("Origin", origin)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.Timeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 20 * time.Second
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadChunk(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer stop()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %w", ErrClosed, err)
			}
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteChunk(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// IntroHeader returns the bytes sent before the first frame: the edge
// routing preamble when routing info is known, then the protocol header.
func IntroHeader(routing []byte) []byte {
	var out []byte
	if len(routing) > 0 {
		out = append(out, 'E', 'D', 0, 1,
			byte(len(routing)>>16), byte(len(routing)>>8), byte(len(routing)))
		out = append(out, routing...)
	}
	return append(out, handshake.Prologue...)
}

// FrameSocket splits a Conn into frames. The client side writes the intro
// header before its first frame; the accepting side strips it from the
// first bytes it reads.
type FrameSocket struct {
	conn Conn

	writeMu   sync.Mutex
	intro     []byte
	introSent bool
	readIntro bool
	routing   []byte
	frames    FrameBuffer
}

// NewFrameSocket wraps conn for the connecting side.
func NewFrameSocket(conn Conn, routing []byte) *FrameSocket {
	return &FrameSocket{conn: conn, intro: IntroHeader(routing)}
}

// AcceptFrameSocket wraps conn for the accepting side.
func AcceptFrameSocket(conn Conn) *FrameSocket {
	return &FrameSocket{conn: conn, readIntro: true}
}

// Routing returns the routing preamble received by an accepting socket.
func (fs *FrameSocket) Routing() []byte {
	return fs.routing
}

// SendFrame writes one frame.
func (fs *FrameSocket) SendFrame(ctx context.Context, payload []byte) error {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	var out []byte
	if !fs.introSent && len(fs.intro) > 0 {
		out = append(out, fs.intro...)
	}
	out, err := AppendFrame(out, payload)
	if err != nil {
		return err
	}
	if err := fs.conn.WriteChunk(ctx, out); err != nil {
		return err
	}
	fs.introSent = true
	return nil
}

// ReceiveFrame blocks until a whole frame has arrived. Only one goroutine
// may receive at a time.
func (fs *FrameSocket) ReceiveFrame(ctx context.Context) ([]byte, error) {
	for {
		if !fs.readIntro {
			if frame, ok := fs.frames.Next(); ok {
				return frame, nil
			}
		}
		chunk, err := fs.conn.ReadChunk(ctx)
		if err != nil {
			return nil, err
		}
		fs.frames.Write(chunk)
		if fs.readIntro {
			done, err := fs.stripIntro()
			if err != nil {
				return nil, err
			}
			fs.readIntro = !done
		}
	}
}

func (fs *FrameSocket) stripIntro() (bool, error) {
	buf := fs.frames.buf
	offset := 0
	if len(buf) >= 2 && buf[0] == 'E' && buf[1] == 'D' {
		if len(buf) < 7 {
			return false, nil
		}
		length := int(buf[4])<<16 | int(buf[5])<<8 | int(buf[6])
		if len(buf) < 7+length {
			return false, nil
		}
		fs.routing = append([]byte(nil), buf[7:7+length]...)
		offset = 7 + length
	}
	if len(buf) < offset+len(handshake.Prologue) {
		return false, nil
	}
	if !bytes.Equal(buf[offset:offset+len(handshake.Prologue)], []byte(handshake.Prologue)) {
		return false, fmt.Errorf("%w: % x", ErrBadPrelude, buf[offset:offset+len(handshake.Prologue)])
	}
	rest := copy(buf, buf[offset+len(handshake.Prologue):])
	fs.frames.buf = buf[:rest]
	return true, nil
}

// Close closes the underlying connection.
func (fs *FrameSocket) Close() error {
	return fs.conn.Close()
}
