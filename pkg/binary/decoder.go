package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	// MaxDepth bounds node nesting accepted by the decoder.
	MaxDepth = 64
	// MaxFrameSize bounds a decompressed frame.
	MaxFrameSize = 32 << 20
)

type decoder struct {
	data  []byte
	pos   int
	depth int
}

// Unmarshal decodes a frame payload: a flags byte, then a tree that may be
// zlib-compressed.
func Unmarshal(frame []byte) (*Node, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	payload := frame[1:]
	if frame[0]&FlagCompressed != 0 {
		inflated, err := inflate(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		payload = inflated
	}
	return Decode(payload)
}

func inflate(payload []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	out, err := io.ReadAll(io.LimitReader(reader, MaxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}

// Decode decodes a single node tree. The whole buffer must be consumed.
func Decode(data []byte) (*Node, error) {
	dec := &decoder{data: data}
	n, err := dec.readNode()
	if err != nil {
		return nil, err
	}
	if dec.pos != len(dec.data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(dec.data)-dec.pos)
	}
	return n, nil
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, fmt.Errorf("%w: %w", ErrDecode, io.ErrUnexpectedEOF)
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, fmt.Errorf("%w: %w", ErrDecode, io.ErrUnexpectedEOF)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readInt(n int) (int, error) {
	b, err := d.readBytes(n)
	if err != nil {
		return 0, err
	}
	switch n {
	case 2:
		return int(binary.BigEndian.Uint16(b)), nil
	case 3:
		return int(b[0]&0x0F)<<16 | int(b[1])<<8 | int(b[2]), nil
	case 4:
		return int(binary.BigEndian.Uint32(b)), nil
	default:
		return int(b[0]), nil
	}
}

func (d *decoder) readListSize(tag byte) (int, error) {
	switch tag {
	case ListEmpty:
		return 0, nil
	case List8:
		return d.readInt(1)
	case List16:
		return d.readInt(2)
	default:
		return 0, fmt.Errorf("%w: %d (%s) is not a list", ErrInvalidTag, tag, TagName(tag))
	}
}

func (d *decoder) readNode() (*Node, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > MaxDepth {
		return nil, ErrTooDeep
	}

	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	size, err := d.readListSize(tag)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: empty node header", ErrDecode)
	}

	descriptor, err := d.readByte()
	if err != nil {
		return nil, err
	}
	nodeTag, err := d.readString(descriptor)
	if err != nil {
		return nil, err
	}
	if nodeTag == "" {
		return nil, ErrEmptyTag
	}

	n := &Node{tag: nodeTag}
	attrCount := (size - 1) / 2
	if attrCount > 0 {
		n.attrs = make([]Attr, 0, attrCount)
	}
	for i := 0; i < attrCount; i++ {
		keyTag, err := d.readByte()
		if err != nil {
			return nil, err
		}
		key, err := d.readString(keyTag)
		if err != nil {
			return nil, err
		}
		value, err := d.readAttrValue()
		if err != nil {
			return nil, err
		}
		n.attrs = append(n.attrs, Attr{Key: key, Value: value})
	}
	n.attrs = normalizeAttrs(n.attrs)

	if size%2 == 0 {
		if err := d.readContent(n); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (d *decoder) readContent(n *Node) error {
	tag, err := d.readByte()
	if err != nil {
		return err
	}
	switch tag {
	case ListEmpty:
		return nil
	case List8, List16:
		size, err := d.readListSize(tag)
		if err != nil {
			return err
		}
		n.children = make([]*Node, 0, size)
		for i := 0; i < size; i++ {
			child, err := d.readNode()
			if err != nil {
				return err
			}
			n.children = append(n.children, child)
		}
		return nil
	case Binary8, Binary20, Binary32:
		raw, err := d.readBinary(tag)
		if err != nil {
			return err
		}
		n.data = append([]byte{}, raw...)
		n.hasData = true
		return nil
	default:
		s, err := d.readString(tag)
		if err != nil {
			return err
		}
		n.data = []byte(s)
		n.hasData = true
		return nil
	}
}

func (d *decoder) readAttrValue() (AttrValue, error) {
	tag, err := d.readByte()
	if err != nil {
		return AttrValue{}, err
	}
	switch tag {
	case JIDPair, ADJID:
		jid, err := d.readJID(tag)
		if err != nil {
			return AttrValue{}, err
		}
		return JIDValue(jid), nil
	default:
		s, err := d.readString(tag)
		if err != nil {
			return AttrValue{}, err
		}
		return StringValue(s), nil
	}
}

func (d *decoder) readBinary(tag byte) ([]byte, error) {
	var width int
	switch tag {
	case Binary8:
		width = 1
	case Binary20:
		width = 3
	case Binary32:
		width = 4
	default:
		return nil, fmt.Errorf("%w: %d is not a binary tag", ErrInvalidTag, tag)
	}
	length, err := d.readInt(width)
	if err != nil {
		return nil, err
	}
	return d.readBytes(length)
}

func (d *decoder) readString(tag byte) (string, error) {
	switch {
	case tag == ListEmpty:
		return "", nil
	case tag > ListEmpty && tag < Dictionary0:
		return SingleToken(tag)
	case tag >= Dictionary0 && tag <= Dictionary3:
		index, err := d.readByte()
		if err != nil {
			return "", err
		}
		return DoubleToken(tag-Dictionary0, index)
	case tag == JIDPair || tag == ADJID:
		jid, err := d.readJID(tag)
		if err != nil {
			return "", err
		}
		return jid.String(), nil
	case tag == Nibble8:
		return d.readPacked(unpackNibble)
	case tag == Hex8:
		return d.readPacked(unpackHex)
	case tag == Binary8 || tag == Binary20 || tag == Binary32:
		raw, err := d.readBinary(tag)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("%w: %d (%s)", ErrInvalidTag, tag, TagName(tag))
	}
}

func (d *decoder) readJID(tag byte) (JID, error) {
	if tag == ADJID {
		agent, err := d.readByte()
		if err != nil {
			return JID{}, err
		}
		device, err := d.readByte()
		if err != nil {
			return JID{}, err
		}
		userTag, err := d.readByte()
		if err != nil {
			return JID{}, err
		}
		user, err := d.readString(userTag)
		if err != nil {
			return JID{}, err
		}
		return NewADJID(user, agent, device), nil
	}
	userTag, err := d.readByte()
	if err != nil {
		return JID{}, err
	}
	user, err := d.readString(userTag)
	if err != nil {
		return JID{}, err
	}
	serverTag, err := d.readByte()
	if err != nil {
		return JID{}, err
	}
	server, err := d.readString(serverTag)
	if err != nil {
		return JID{}, err
	}
	return NewJID(user, server), nil
}

func (d *decoder) readPacked(unpack func(byte) (byte, error)) (string, error) {
	header, err := d.readByte()
	if err != nil {
		return "", err
	}
	packed, err := d.readBytes(int(header & 0x7F))
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(packed)*2)
	for _, b := range packed {
		hi, err := unpack(b >> 4)
		if err != nil {
			return "", err
		}
		lo, err := unpack(b & 0x0F)
		if err != nil {
			return "", err
		}
		out = append(out, hi, lo)
	}
	if header&0x80 != 0 && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return string(out), nil
}

func unpackNibble(v byte) (byte, error) {
	switch {
	case v < 12:
		return nibbleAlphabet[v], nil
	case v == 15:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: nibble %d", ErrInvalidPacked, v)
	}
}

func unpackHex(v byte) (byte, error) {
	if v > 15 {
		return 0, fmt.Errorf("%w: hex %d", ErrInvalidPacked, v)
	}
	return hexAlphabet[v], nil
}
