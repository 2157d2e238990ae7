package waproto

// ProtocolMessage types handled by the client.
const (
	ProtocolMessageRevoke                 = 0
	ProtocolMessageAppStateSyncKeyShare   = 6
	ProtocolMessageAppStateSyncKeyRequest = 7
)

// Message is the decrypted end-to-end payload. Only the fields the client acts
// on are interpreted; Raw keeps the full encoding for listeners.
type Message struct {
	Conversation                 string
	SenderKeyDistributionMessage *GroupSenderKeyDistribution
	ExtendedText                 string
	ProtocolMessage              *ProtocolMessage
	DeviceSentMessage            *DeviceSentMessage
	Raw                          []byte
}

// GroupSenderKeyDistribution wraps a serialized SenderKeyDistributionMessage
// for a group.
type GroupSenderKeyDistribution struct {
	GroupID     string
	AxolotlSKDM []byte
}

type ProtocolMessage struct {
	Type                   int32
	AppStateSyncKeyShare   *AppStateSyncKeyShare
	AppStateSyncKeyRequest *AppStateSyncKeyRequest
}

type AppStateSyncKeyShare struct {
	Keys []*AppStateSyncKey
}

type AppStateSyncKeyRequest struct {
	KeyIDs [][]byte
}

// AppStateSyncKey is one app-state key shared by the primary device.
type AppStateSyncKey struct {
	KeyID       []byte
	KeyData     []byte
	Fingerprint []byte
	Timestamp   int64
}

// DeviceSentMessage mirrors a message sent by another of the account's devices.
type DeviceSentMessage struct {
	DestinationJID string
	Message        *Message
}

// Text returns the plain text of the message, if any.
func (m *Message) Text() string {
	if m.Conversation != "" {
		return m.Conversation
	}
	return m.ExtendedText
}

func (m *Message) Marshal() []byte {
	var b builder
	b.str(1, m.Conversation)
	b.message(2, m.SenderKeyDistributionMessage, m.SenderKeyDistributionMessage != nil)
	if m.ExtendedText != "" {
		var sub builder
		sub.str(1, m.ExtendedText)
		b.bytes(6, sub.buf)
	}
	b.message(12, m.ProtocolMessage, m.ProtocolMessage != nil)
	b.message(31, m.DeviceSentMessage, m.DeviceSentMessage != nil)
	return b.buf
}

func (m *Message) Unmarshal(data []byte) error {
	m.Raw = append([]byte{}, data...)
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Conversation = f.str()
		case 2:
			m.SenderKeyDistributionMessage = &GroupSenderKeyDistribution{}
			return m.SenderKeyDistributionMessage.Unmarshal(f.raw)
		case 6:
			return parseFields(f.raw, func(sub field) error {
				if sub.num == 1 {
					m.ExtendedText = sub.str()
				}
				return nil
			})
		case 12:
			m.ProtocolMessage = &ProtocolMessage{}
			return m.ProtocolMessage.Unmarshal(f.raw)
		case 31:
			m.DeviceSentMessage = &DeviceSentMessage{}
			return m.DeviceSentMessage.Unmarshal(f.raw)
		}
		return nil
	})
}

func (m *GroupSenderKeyDistribution) Marshal() []byte {
	var b builder
	b.str(1, m.GroupID)
	b.bytes(2, m.AxolotlSKDM)
	return b.buf
}

func (m *GroupSenderKeyDistribution) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.GroupID = f.str()
		case 2:
			m.AxolotlSKDM = f.bytes()
		}
		return nil
	})
}

func (m *ProtocolMessage) Marshal() []byte {
	var b builder
	b.uvarint(2, uint64(m.Type))
	b.message(7, m.AppStateSyncKeyShare, m.AppStateSyncKeyShare != nil)
	b.message(8, m.AppStateSyncKeyRequest, m.AppStateSyncKeyRequest != nil)
	return b.buf
}

func (m *ProtocolMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 2:
			m.Type = int32(f.varint)
		case 7:
			m.AppStateSyncKeyShare = &AppStateSyncKeyShare{}
			return m.AppStateSyncKeyShare.Unmarshal(f.raw)
		case 8:
			m.AppStateSyncKeyRequest = &AppStateSyncKeyRequest{}
			return m.AppStateSyncKeyRequest.Unmarshal(f.raw)
		}
		return nil
	})
}

func (m *AppStateSyncKeyShare) Marshal() []byte {
	var b builder
	for _, key := range m.Keys {
		b.message(1, key, true)
	}
	return b.buf
}

func (m *AppStateSyncKeyShare) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		if f.num != 1 {
			return nil
		}
		key := &AppStateSyncKey{}
		if err := key.Unmarshal(f.raw); err != nil {
			return err
		}
		m.Keys = append(m.Keys, key)
		return nil
	})
}

func (m *AppStateSyncKeyRequest) Marshal() []byte {
	var b builder
	for _, id := range m.KeyIDs {
		b.bytes(1, wrap(id))
	}
	return b.buf
}

func (m *AppStateSyncKeyRequest) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		if f.num != 1 {
			return nil
		}
		id, err := unwrap(f.raw)
		if err != nil {
			return err
		}
		m.KeyIDs = append(m.KeyIDs, id)
		return nil
	})
}

func (m *AppStateSyncKey) Marshal() []byte {
	var b builder
	b.bytes(1, wrap(m.KeyID))
	var data builder
	data.bytes(1, m.KeyData)
	data.bytes(2, m.Fingerprint)
	data.optUvarint(3, uint64(m.Timestamp))
	b.bytes(2, data.buf)
	return b.buf
}

func (m *AppStateSyncKey) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			id, err := unwrap(f.raw)
			m.KeyID = id
			return err
		case 2:
			return parseFields(f.raw, func(sub field) error {
				switch sub.num {
				case 1:
					m.KeyData = sub.bytes()
				case 2:
					m.Fingerprint = sub.bytes()
				case 3:
					m.Timestamp = int64(sub.varint)
				}
				return nil
			})
		}
		return nil
	})
}

func (m *DeviceSentMessage) Marshal() []byte {
	var b builder
	b.str(1, m.DestinationJID)
	b.message(2, m.Message, m.Message != nil)
	return b.buf
}

func (m *DeviceSentMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.DestinationJID = f.str()
		case 2:
			m.Message = &Message{}
			return m.Message.Unmarshal(f.raw)
		}
		return nil
	})
}
