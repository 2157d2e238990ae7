package binary

// Tag bytes of the binary node format. All values are unsigned.
const (
	ListEmpty   = 0
	StreamEnd   = 2
	Dictionary0 = 236
	Dictionary1 = 237
	Dictionary2 = 238
	Dictionary3 = 239
	ADJID       = 247
	List8       = 248
	List16      = 249
	JIDPair     = 250
	Hex8        = 251
	Binary8     = 252
	Binary20    = 253
	Binary32    = 254
	Nibble8     = 255
)

const (
	// PackedMax is the longest string that fits a nibble/hex packed form.
	PackedMax = 254
	// SingleByteMax bounds the single-byte token namespace.
	SingleByteMax = 256
	// DictionaryVersion is sent in the connection prologue.
	DictionaryVersion = 3
)

// Frame flag bits carried by the first byte of every decrypted frame.
const (
	FlagCompressed = 0x02
)

// Nibble and hex alphabets for packed strings. Index 15 is the filler.
const (
	nibbleAlphabet = "0123456789-.\x00\x00\x00\x00"
	hexAlphabet    = "0123456789ABCDEF"
)

// TagName returns a printable name for a tag byte, used in error messages.
func TagName(tag byte) string {
	switch tag {
	case ListEmpty:
		return "LIST_EMPTY"
	case StreamEnd:
		return "STREAM_END"
	case Dictionary0, Dictionary1, Dictionary2, Dictionary3:
		return "DICTIONARY"
	case ADJID:
		return "AD_JID"
	case List8:
		return "LIST_8"
	case List16:
		return "LIST_16"
	case JIDPair:
		return "JID_PAIR"
	case Hex8:
		return "HEX_8"
	case Binary8:
		return "BINARY_8"
	case Binary20:
		return "BINARY_20"
	case Binary32:
		return "BINARY_32"
	case Nibble8:
		return "NIBBLE_8"
	default:
		if int(tag) < len(singleByteTokens) {
			return "TOKEN"
		}
		return "UNKNOWN"
	}
}
