package waproto

// ADVSignedDeviceIdentityHMAC is the envelope of a pair-success device identity.
type ADVSignedDeviceIdentityHMAC struct {
	Details []byte
	HMAC    []byte
}

// ADVSignedDeviceIdentity binds a companion identity key to the primary
// device's account key.
type ADVSignedDeviceIdentity struct {
	Details             []byte
	AccountSignatureKey []byte
	AccountSignature    []byte
	DeviceSignature     []byte
}

type ADVDeviceIdentity struct {
	RawID     uint32
	Timestamp uint64
	KeyIndex  uint32
}

func (m *ADVSignedDeviceIdentityHMAC) Marshal() []byte {
	var b builder
	b.bytes(1, m.Details)
	b.bytes(2, m.HMAC)
	return b.buf
}

func (m *ADVSignedDeviceIdentityHMAC) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Details = f.bytes()
		case 2:
			m.HMAC = f.bytes()
		}
		return nil
	})
}

func (m *ADVSignedDeviceIdentity) Marshal() []byte {
	var b builder
	b.bytes(1, m.Details)
	b.bytes(2, m.AccountSignatureKey)
	b.bytes(3, m.AccountSignature)
	b.bytes(4, m.DeviceSignature)
	return b.buf
}

func (m *ADVSignedDeviceIdentity) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Details = f.bytes()
		case 2:
			m.AccountSignatureKey = f.bytes()
		case 3:
			m.AccountSignature = f.bytes()
		case 4:
			m.DeviceSignature = f.bytes()
		}
		return nil
	})
}

func (m *ADVDeviceIdentity) Marshal() []byte {
	var b builder
	b.uvarint(1, uint64(m.RawID))
	b.uvarint(2, m.Timestamp)
	b.uvarint(3, uint64(m.KeyIndex))
	return b.buf
}

func (m *ADVDeviceIdentity) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.RawID = uint32(f.varint)
		case 2:
			m.Timestamp = f.varint
		case 3:
			m.KeyIndex = uint32(f.varint)
		}
		return nil
	})
}
