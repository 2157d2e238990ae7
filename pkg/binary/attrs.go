package binary

import (
	"bytes"
	"strconv"
)

// AttrKind identifies which variant an AttrValue holds.
type AttrKind uint8

const (
	KindString AttrKind = iota
	KindInt
	KindJID
	KindBytes
	KindBool
)

// AttrValue is a node attribute value. The kind is fixed when the value is
// built; decoded values are always KindString or KindJID.
type AttrValue struct {
	kind AttrKind
	str  string
	num  int64
	jid  JID
	raw  []byte
	flag bool
}

func StringValue(v string) AttrValue { return AttrValue{kind: KindString, str: v} }
func IntValue(v int64) AttrValue     { return AttrValue{kind: KindInt, num: v} }
func JIDValue(v JID) AttrValue       { return AttrValue{kind: KindJID, jid: v} }
func BoolValue(v bool) AttrValue     { return AttrValue{kind: KindBool, flag: v} }

func BytesValue(v []byte) AttrValue {
	return AttrValue{kind: KindBytes, raw: append([]byte(nil), v...)}
}

// Kind returns the variant held by the value.
func (v AttrValue) Kind() AttrKind {
	return v.kind
}

// Text returns the textual wire form of the value.
func (v AttrValue) Text() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindJID:
		return v.jid.String()
	case KindBytes:
		return string(v.raw)
	case KindBool:
		return strconv.FormatBool(v.flag)
	default:
		return v.str
	}
}

func (v AttrValue) String() string {
	return v.Text()
}

// JID returns the value as a JID, parsing string values.
func (v AttrValue) JID() (JID, bool) {
	switch v.kind {
	case KindJID:
		return v.jid, true
	case KindString:
		jid, err := ParseJID(v.str)
		if err != nil || jid.IsEmpty() {
			return JID{}, false
		}
		return jid, true
	default:
		return JID{}, false
	}
}

// Int returns the value as an integer, parsing string values.
func (v AttrValue) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.num, true
	case KindString, KindBytes:
		num, err := strconv.ParseInt(v.Text(), 10, 64)
		return num, err == nil
	default:
		return 0, false
	}
}

// Bool returns the value as a boolean, parsing string values.
func (v AttrValue) Bool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.flag, true
	case KindString:
		b, err := strconv.ParseBool(v.str)
		return b, err == nil
	default:
		return false, false
	}
}

// Bytes returns the raw bytes of the textual form.
func (v AttrValue) Bytes() []byte {
	if v.kind == KindBytes {
		return append([]byte(nil), v.raw...)
	}
	return []byte(v.Text())
}

// Equal compares two values by their wire representation: JIDs against JIDs,
// every other kind by its text.
func (v AttrValue) Equal(other AttrValue) bool {
	if (v.kind == KindJID) != (other.kind == KindJID) {
		return false
	}
	if v.kind == KindJID {
		return v.jid == other.jid
	}
	return bytes.Equal(v.Bytes(), other.Bytes())
}

// Attr is a single key/value attribute.
type Attr struct {
	Key   string
	Value AttrValue
}

func StringAttr(key, value string) Attr    { return Attr{Key: key, Value: StringValue(value)} }
func IntAttr(key string, value int64) Attr { return Attr{Key: key, Value: IntValue(value)} }
func JIDAttr(key string, value JID) Attr   { return Attr{Key: key, Value: JIDValue(value)} }
func BoolAttr(key string, value bool) Attr { return Attr{Key: key, Value: BoolValue(value)} }

func BytesAttr(key string, value []byte) Attr {
	return Attr{Key: key, Value: BytesValue(value)}
}

// normalizeAttrs copies attrs, keeping the position of the first occurrence of
// each key and the value of the last.
func normalizeAttrs(attrs []Attr) []Attr {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]Attr, 0, len(attrs))
	positions := make(map[string]int, len(attrs))
	for _, attr := range attrs {
		if pos, exists := positions[attr.Key]; exists {
			out[pos].Value = attr.Value
			continue
		}
		positions[attr.Key] = len(out)
		out = append(out, attr)
	}
	return out
}
