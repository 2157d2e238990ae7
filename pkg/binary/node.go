package binary

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Node is an immutable element of the binary protocol tree. Content is either
// absent, a byte blob, or a list of child nodes.
type Node struct {
	tag      string
	attrs    []Attr
	children []*Node
	data     []byte
	hasData  bool
}

// NewNode builds a node with optional children. An empty child list is stored
// as no content.
func NewNode(tag string, attrs []Attr, children ...*Node) *Node {
	n := &Node{tag: tag, attrs: normalizeAttrs(attrs)}
	for _, child := range children {
		if child != nil {
			n.children = append(n.children, child)
		}
	}
	return n
}

// NewBinaryNode builds a node whose content is a byte blob.
func NewBinaryNode(tag string, attrs []Attr, data []byte) *Node {
	return &Node{
		tag:     tag,
		attrs:   normalizeAttrs(attrs),
		data:    append([]byte{}, data...),
		hasData: true,
	}
}

func (n *Node) Tag() string {
	return n.tag
}

// Attrs returns a copy of the attribute list in wire order.
func (n *Node) Attrs() []Attr {
	return append([]Attr(nil), n.attrs...)
}

// Attr looks up an attribute by key.
func (n *Node) Attr(key string) (AttrValue, bool) {
	for _, attr := range n.attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return AttrValue{}, false
}

// AttrString returns the text of an attribute, or "" if it is missing.
func (n *Node) AttrString(key string) string {
	val, ok := n.Attr(key)
	if !ok {
		return ""
	}
	return val.Text()
}

// AttrJID returns an attribute as a JID.
func (n *Node) AttrJID(key string) (JID, bool) {
	val, ok := n.Attr(key)
	if !ok {
		return JID{}, false
	}
	return val.JID()
}

// AttrInt returns an attribute as an integer.
func (n *Node) AttrInt(key string) (int64, bool) {
	val, ok := n.Attr(key)
	if !ok {
		return 0, false
	}
	return val.Int()
}

// ID returns the correlation id attribute.
func (n *Node) ID() string {
	return n.AttrString("id")
}

func (n *Node) HasData() bool {
	return n.hasData
}

// Data returns a copy of the byte content.
func (n *Node) Data() []byte {
	if !n.hasData {
		return nil
	}
	return append([]byte{}, n.data...)
}

func (n *Node) HasChildren() bool {
	return len(n.children) > 0
}

// Children returns the child nodes.
func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// Child returns the first child with the given tag.
func (n *Node) Child(tag string) (*Node, bool) {
	for _, child := range n.children {
		if child.tag == tag {
			return child, true
		}
	}
	return nil, false
}

// ChildrenByTag returns every child with the given tag.
func (n *Node) ChildrenByTag(tag string) []*Node {
	var out []*Node
	for _, child := range n.children {
		if child.tag == tag {
			out = append(out, child)
		}
	}
	return out
}

// ChildByPath walks down the first matching child for each tag.
func (n *Node) ChildByPath(tags ...string) (*Node, bool) {
	current := n
	for _, tag := range tags {
		next, ok := current.Child(tag)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// WithAttrs returns a copy of the node with attrs set or replaced.
func (n *Node) WithAttrs(attrs ...Attr) *Node {
	merged := append(n.Attrs(), attrs...)
	clone := *n
	clone.attrs = normalizeAttrs(merged)
	return &clone
}

// WithChildren returns a copy of the node with its content replaced by children.
func (n *Node) WithChildren(children ...*Node) *Node {
	return NewNode(n.tag, n.attrs, children...)
}

// Equal compares two trees by their wire representation.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.tag != other.tag || len(n.attrs) != len(other.attrs) || n.hasData != other.hasData {
		return false
	}
	for i, attr := range n.attrs {
		if attr.Key != other.attrs[i].Key || !attr.Value.Equal(other.attrs[i].Value) {
			return false
		}
	}
	if n.hasData {
		return bytes.Equal(n.data, other.data)
	}
	if len(n.children) != len(other.children) {
		return false
	}
	for i, child := range n.children {
		if !child.Equal(other.children[i]) {
			return false
		}
	}
	return true
}

// String renders the node as XML for logs.
func (n *Node) String() string {
	var sb strings.Builder
	n.writeXML(&sb, 0)
	return sb.String()
}

func (n *Node) writeXML(sb *strings.Builder, indent int) {
	pad := strings.Repeat("  ", indent)
	sb.WriteString(pad)
	sb.WriteByte('<')
	sb.WriteString(n.tag)
	for _, attr := range n.attrs {
		fmt.Fprintf(sb, " %s=%q", attr.Key, attr.Value.Text())
	}
	switch {
	case n.hasData:
		sb.WriteByte('>')
		if isPrintable(n.data) {
			sb.Write(n.data)
		} else {
			sb.WriteString("<!-- ")
			sb.WriteString(hex.EncodeToString(n.data))
			sb.WriteString(" -->")
		}
		fmt.Fprintf(sb, "</%s>", n.tag)
	case len(n.children) > 0:
		sb.WriteString(">\n")
		for _, child := range n.children {
			child.writeXML(sb, indent+1)
			sb.WriteByte('\n')
		}
		fmt.Fprintf(sb, "%s</%s>", pad, n.tag)
	default:
		sb.WriteString("/>")
	}
}

func isPrintable(data []byte) bool {
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
