package waproto

// SignalMessage is the protobuf body of a whisper message. The serialized
// envelope adds a version byte in front and an 8-byte MAC behind.
type SignalMessage struct {
	RatchetKey      []byte
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
}

// PreKeySignalMessage opens a session and carries the first SignalMessage.
type PreKeySignalMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	HasPreKeyID    bool
	SignedPreKeyID uint32
	BaseKey        []byte
	IdentityKey    []byte
	Message        []byte
}

// SenderKeyMessage is the protobuf body of a group message. The serialized
// envelope adds a version byte and a 64-byte signature.
type SenderKeyMessage struct {
	ID         uint32
	Iteration  uint32
	Ciphertext []byte
}

// SenderKeyDistributionMessage shares a sender key chain with group members.
type SenderKeyDistributionMessage struct {
	ID         uint32
	Iteration  uint32
	ChainKey   []byte
	SigningKey []byte
}

func (m *SignalMessage) Marshal() []byte {
	var b builder
	b.bytes(1, m.RatchetKey)
	b.uvarint(2, uint64(m.Counter))
	b.uvarint(3, uint64(m.PreviousCounter))
	b.bytes(4, m.Ciphertext)
	return b.buf
}

func (m *SignalMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.RatchetKey = f.bytes()
		case 2:
			m.Counter = uint32(f.varint)
		case 3:
			m.PreviousCounter = uint32(f.varint)
		case 4:
			m.Ciphertext = f.bytes()
		}
		return nil
	})
}

func (m *PreKeySignalMessage) Marshal() []byte {
	var b builder
	if m.HasPreKeyID {
		b.uvarint(1, uint64(m.PreKeyID))
	}
	b.bytes(2, m.BaseKey)
	b.bytes(3, m.IdentityKey)
	b.bytes(4, m.Message)
	b.uvarint(5, uint64(m.RegistrationID))
	b.uvarint(6, uint64(m.SignedPreKeyID))
	return b.buf
}

func (m *PreKeySignalMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.PreKeyID = uint32(f.varint)
			m.HasPreKeyID = true
		case 2:
			m.BaseKey = f.bytes()
		case 3:
			m.IdentityKey = f.bytes()
		case 4:
			m.Message = f.bytes()
		case 5:
			m.RegistrationID = uint32(f.varint)
		case 6:
			m.SignedPreKeyID = uint32(f.varint)
		}
		return nil
	})
}

func (m *SenderKeyMessage) Marshal() []byte {
	var b builder
	b.uvarint(1, uint64(m.ID))
	b.uvarint(2, uint64(m.Iteration))
	b.bytes(3, m.Ciphertext)
	return b.buf
}

func (m *SenderKeyMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.ID = uint32(f.varint)
		case 2:
			m.Iteration = uint32(f.varint)
		case 3:
			m.Ciphertext = f.bytes()
		}
		return nil
	})
}

func (m *SenderKeyDistributionMessage) Marshal() []byte {
	var b builder
	b.uvarint(1, uint64(m.ID))
	b.uvarint(2, uint64(m.Iteration))
	b.bytes(3, m.ChainKey)
	b.bytes(4, m.SigningKey)
	return b.buf
}

func (m *SenderKeyDistributionMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.ID = uint32(f.varint)
		case 2:
			m.Iteration = uint32(f.varint)
		case 3:
			m.ChainKey = f.bytes()
		case 4:
			m.SigningKey = f.bytes()
		}
		return nil
	})
}
