package binary

import (
	"encoding/binary"
	"fmt"
)

type encoder struct {
	data []byte
}

// Marshal encodes a node into a frame payload: a zero flags byte followed by
// the encoded tree.
func Marshal(n *Node) ([]byte, error) {
	enc := &encoder{data: make([]byte, 1, 256)}
	if err := enc.writeNode(n); err != nil {
		return nil, err
	}
	return enc.data, nil
}

// Encode encodes a node tree without the frame flags byte.
func Encode(n *Node) ([]byte, error) {
	enc := &encoder{data: make([]byte, 0, 256)}
	if err := enc.writeNode(n); err != nil {
		return nil, err
	}
	return enc.data, nil
}

func (e *encoder) pushByte(b byte) {
	e.data = append(e.data, b)
}

func (e *encoder) pushBytes(b []byte) {
	e.data = append(e.data, b...)
}

func (e *encoder) pushUint16(v int) {
	e.data = binary.BigEndian.AppendUint16(e.data, uint16(v))
}

func (e *encoder) pushUint20(v int) {
	e.pushBytes([]byte{byte((v >> 16) & 0x0F), byte((v >> 8) & 0xFF), byte(v & 0xFF)})
}

func (e *encoder) pushUint32(v int) {
	e.data = binary.BigEndian.AppendUint32(e.data, uint32(v))
}

func (e *encoder) writeNode(n *Node) error {
	if n == nil || n.tag == "" {
		return ErrEmptyTag
	}
	hasContent := 0
	if n.hasData || len(n.children) > 0 {
		hasContent = 1
	}
	if err := e.writeListStart(2*len(n.attrs) + 1 + hasContent); err != nil {
		return err
	}
	e.writeString(n.tag)
	for _, attr := range n.attrs {
		e.writeString(attr.Key)
		if err := e.writeAttrValue(attr.Value); err != nil {
			return fmt.Errorf("attribute %q of <%s>: %w", attr.Key, n.tag, err)
		}
	}
	switch {
	case n.hasData:
		e.writeBytes(n.data)
	case len(n.children) > 0:
		if err := e.writeListStart(len(n.children)); err != nil {
			return err
		}
		for _, child := range n.children {
			if err := e.writeNode(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *encoder) writeListStart(size int) error {
	switch {
	case size == 0:
		e.pushByte(ListEmpty)
	case size < 256:
		e.pushByte(List8)
		e.pushByte(byte(size))
	case size < 65536:
		e.pushByte(List16)
		e.pushUint16(size)
	default:
		return fmt.Errorf("%w: %d entries", ErrListTooLarge, size)
	}
	return nil
}

func (e *encoder) writeAttrValue(value AttrValue) error {
	if value.kind == KindJID {
		return e.writeJID(value.jid)
	}
	e.writeString(value.Text())
	return nil
}

func (e *encoder) writeJID(jid JID) error {
	if jid.IsAD() {
		agent := jid.RawAgent
		switch jid.Server {
		case DefaultUserServer:
			if agent == 1 {
				return fmt.Errorf("%w: agent 1 is reserved for %s", ErrInvalidJID, HiddenUserServer)
			}
		case HiddenUserServer:
			if agent != 0 {
				return fmt.Errorf("%w: %s", ErrInvalidJID, jid)
			}
			agent = 1
		default:
			return fmt.Errorf("%w: companion jid on %s", ErrInvalidJID, jid.Server)
		}
		e.pushByte(ADJID)
		e.pushByte(agent)
		e.pushByte(jid.Device)
		e.writeString(jid.User)
		return nil
	}
	e.pushByte(JIDPair)
	e.writeString(jid.User)
	e.writeString(jid.Server)
	return nil
}

func (e *encoder) writeString(s string) {
	if s == "" {
		e.pushByte(ListEmpty)
		return
	}
	if index, ok := IndexOfSingleToken(s); ok {
		e.pushByte(index)
		return
	}
	if dict, index, ok := IndexOfDoubleToken(s); ok {
		e.pushByte(Dictionary0 + dict)
		e.pushByte(index)
		return
	}
	if validatePacked(s, packNibble) {
		e.writePacked(s, Nibble8, packNibble)
		return
	}
	if validatePacked(s, packHex) {
		e.writePacked(s, Hex8, packHex)
		return
	}
	e.writeBytes([]byte(s))
}

func (e *encoder) writeBytes(b []byte) {
	length := len(b)
	switch {
	case length < 256:
		e.pushByte(Binary8)
		e.pushByte(byte(length))
	case length < 1<<20:
		e.pushByte(Binary20)
		e.pushUint20(length)
	default:
		e.pushByte(Binary32)
		e.pushUint32(length)
	}
	e.pushBytes(b)
}

func (e *encoder) writePacked(s string, tag byte, pack func(byte) (byte, bool)) {
	e.pushByte(tag)
	rounded := (len(s) + 1) / 2
	header := byte(rounded)
	if len(s)%2 == 1 {
		header |= 0x80
	}
	e.pushByte(header)
	for i := 0; i+1 < len(s); i += 2 {
		hi, _ := pack(s[i])
		lo, _ := pack(s[i+1])
		e.pushByte(hi<<4 | lo)
	}
	if len(s)%2 == 1 {
		hi, _ := pack(s[len(s)-1])
		e.pushByte(hi<<4 | 0x0F)
	}
}

func validatePacked(s string, pack func(byte) (byte, bool)) bool {
	if len(s) == 0 || len(s) > PackedMax {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := pack(s[i]); !ok {
			return false
		}
	}
	return true
}

func packNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c == '-':
		return 10, true
	case c == '.':
		return 11, true
	default:
		return 0, false
	}
}

func packHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return 10 + c - 'A', true
	default:
		return 0, false
	}
}
