package waproto

import "google.golang.org/protobuf/encoding/protowire"

// Syncd mutation operations.
const (
	SyncdOperationSet    = 0
	SyncdOperationRemove = 1
)

// SyncdPatch is one server-ordered app-state patch.
type SyncdPatch struct {
	Version           uint64
	Mutations         []*SyncdMutation
	ExternalMutations *ExternalBlobReference
	SnapshotMAC       []byte
	PatchMAC          []byte
	KeyID             []byte
	DeviceIndex       uint32
}

type SyncdMutation struct {
	Operation int32
	Record    *SyncdRecord
}

// SyncdMutations is the payload of an external mutations blob.
type SyncdMutations struct {
	Mutations []*SyncdMutation
}

type SyncdRecord struct {
	Index []byte
	Value []byte
	KeyID []byte
}

// SyncdSnapshot is a full collection state at a version.
type SyncdSnapshot struct {
	Version uint64
	Records []*SyncdRecord
	MAC     []byte
	KeyID   []byte
}

// ExternalBlobReference points at an encrypted blob on the media servers.
type ExternalBlobReference struct {
	MediaKey      []byte
	DirectPath    string
	Handle        string
	FileSizeBytes uint64
	FileSHA256    []byte
	FileEncSHA256 []byte
}

// SyncActionData is the decrypted value of a mutation.
type SyncActionData struct {
	Index   []byte
	Value   *SyncActionValue
	Padding []byte
	Version int32
}

// SyncActionValue holds the action subset the client interprets; Raw keeps
// the full encoded value.
type SyncActionValue struct {
	Timestamp       int64
	Starred         *bool
	ContactFullName *string
	ContactFirst    *string
	Muted           *bool
	MuteEnd         int64
	Pinned          *bool
	PushName        *string
	Archived        *bool
	MarkedRead      *bool
	Raw             []byte
}

func syncdVersion(version uint64) []byte {
	var b builder
	b.uvarint(1, version)
	return b.buf
}

func parseSyncdVersion(data []byte) (uint64, error) {
	var version uint64
	err := parseFields(data, func(f field) error {
		if f.num == 1 {
			version = f.varint
		}
		return nil
	})
	return version, err
}

// wrap and unwrap handle the single-bytes-field messages (KeyId, SyncdIndex,
// SyncdValue) that syncd nests its blobs in.
func wrap(data []byte) []byte {
	var b builder
	b.bytes(1, data)
	return b.buf
}

func unwrap(data []byte) ([]byte, error) {
	var out []byte
	err := parseFields(data, func(f field) error {
		if f.num == 1 {
			out = f.bytes()
		}
		return nil
	})
	return out, err
}

func (m *SyncdPatch) Marshal() []byte {
	var b builder
	b.bytes(1, syncdVersion(m.Version))
	for _, mutation := range m.Mutations {
		b.message(2, mutation, true)
	}
	b.message(3, m.ExternalMutations, m.ExternalMutations != nil)
	b.bytes(4, m.SnapshotMAC)
	b.bytes(5, m.PatchMAC)
	if m.KeyID != nil {
		b.bytes(6, wrap(m.KeyID))
	}
	b.optUvarint(8, uint64(m.DeviceIndex))
	return b.buf
}

func (m *SyncdPatch) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Version, err = parseSyncdVersion(f.raw)
		case 2:
			if err = expect(f, protowire.BytesType); err != nil {
				return err
			}
			mutation := &SyncdMutation{}
			if err = mutation.Unmarshal(f.raw); err == nil {
				m.Mutations = append(m.Mutations, mutation)
			}
		case 3:
			m.ExternalMutations = &ExternalBlobReference{}
			err = m.ExternalMutations.Unmarshal(f.raw)
		case 4:
			m.SnapshotMAC = f.bytes()
		case 5:
			m.PatchMAC = f.bytes()
		case 6:
			m.KeyID, err = unwrap(f.raw)
		case 8:
			m.DeviceIndex = uint32(f.varint)
		}
		return err
	})
}

func (m *SyncdMutation) Marshal() []byte {
	var b builder
	b.uvarint(1, uint64(m.Operation))
	b.message(2, m.Record, m.Record != nil)
	return b.buf
}

func (m *SyncdMutation) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Operation = int32(f.varint)
		case 2:
			m.Record = &SyncdRecord{}
			return m.Record.Unmarshal(f.raw)
		}
		return nil
	})
}

func (m *SyncdMutations) Marshal() []byte {
	var b builder
	for _, mutation := range m.Mutations {
		b.message(1, mutation, true)
	}
	return b.buf
}

func (m *SyncdMutations) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		if f.num != 1 {
			return nil
		}
		mutation := &SyncdMutation{}
		if err := mutation.Unmarshal(f.raw); err != nil {
			return err
		}
		m.Mutations = append(m.Mutations, mutation)
		return nil
	})
}

func (m *SyncdRecord) Marshal() []byte {
	var b builder
	b.bytes(1, wrap(m.Index))
	b.bytes(2, wrap(m.Value))
	b.bytes(3, wrap(m.KeyID))
	return b.buf
}

func (m *SyncdRecord) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Index, err = unwrap(f.raw)
		case 2:
			m.Value, err = unwrap(f.raw)
		case 3:
			m.KeyID, err = unwrap(f.raw)
		}
		return err
	})
}

func (m *SyncdSnapshot) Marshal() []byte {
	var b builder
	b.bytes(1, syncdVersion(m.Version))
	for _, record := range m.Records {
		b.message(2, record, true)
	}
	b.bytes(3, m.MAC)
	if m.KeyID != nil {
		b.bytes(4, wrap(m.KeyID))
	}
	return b.buf
}

func (m *SyncdSnapshot) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Version, err = parseSyncdVersion(f.raw)
		case 2:
			record := &SyncdRecord{}
			if err = record.Unmarshal(f.raw); err == nil {
				m.Records = append(m.Records, record)
			}
		case 3:
			m.MAC = f.bytes()
		case 4:
			m.KeyID, err = unwrap(f.raw)
		}
		return err
	})
}

func (m *ExternalBlobReference) Marshal() []byte {
	var b builder
	b.bytes(1, m.MediaKey)
	b.str(2, m.DirectPath)
	b.str(3, m.Handle)
	b.optUvarint(4, m.FileSizeBytes)
	b.bytes(5, m.FileSHA256)
	b.bytes(6, m.FileEncSHA256)
	return b.buf
}

func (m *ExternalBlobReference) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.MediaKey = f.bytes()
		case 2:
			m.DirectPath = f.str()
		case 3:
			m.Handle = f.str()
		case 4:
			m.FileSizeBytes = f.varint
		case 5:
			m.FileSHA256 = f.bytes()
		case 6:
			m.FileEncSHA256 = f.bytes()
		}
		return nil
	})
}

func (m *SyncActionData) Marshal() []byte {
	var b builder
	b.bytes(1, m.Index)
	if m.Value != nil {
		b.bytes(2, m.Value.Marshal())
	}
	b.bytes(3, m.Padding)
	b.uvarint(4, uint64(m.Version))
	return b.buf
}

func (m *SyncActionData) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Index = f.bytes()
		case 2:
			m.Value = &SyncActionValue{}
			return m.Value.Unmarshal(f.raw)
		case 3:
			m.Padding = f.bytes()
		case 4:
			m.Version = int32(f.varint)
		}
		return nil
	})
}

// Marshal returns Raw when the value was decoded, otherwise encodes the
// interpreted fields.
func (m *SyncActionValue) Marshal() []byte {
	if m.Raw != nil {
		return append([]byte(nil), m.Raw...)
	}
	var b builder
	b.uvarint(1, uint64(m.Timestamp))
	if m.Starred != nil {
		var sub builder
		sub.uvarint(1, boolVarint(*m.Starred))
		b.bytes(2, sub.buf)
	}
	if m.ContactFullName != nil || m.ContactFirst != nil {
		var sub builder
		if m.ContactFullName != nil {
			sub.str(1, *m.ContactFullName)
		}
		if m.ContactFirst != nil {
			sub.str(2, *m.ContactFirst)
		}
		b.bytes(3, sub.buf)
	}
	if m.Muted != nil {
		var sub builder
		sub.uvarint(1, boolVarint(*m.Muted))
		sub.optUvarint(2, uint64(m.MuteEnd))
		b.bytes(4, sub.buf)
	}
	if m.Pinned != nil {
		var sub builder
		sub.uvarint(1, boolVarint(*m.Pinned))
		b.bytes(5, sub.buf)
	}
	if m.PushName != nil {
		var sub builder
		sub.str(1, *m.PushName)
		b.bytes(7, sub.buf)
	}
	if m.Archived != nil {
		var sub builder
		sub.uvarint(1, boolVarint(*m.Archived))
		b.bytes(17, sub.buf)
	}
	if m.MarkedRead != nil {
		var sub builder
		sub.uvarint(1, boolVarint(*m.MarkedRead))
		b.bytes(20, sub.buf)
	}
	return b.buf
}

func (m *SyncActionValue) Unmarshal(data []byte) error {
	m.Raw = append([]byte{}, data...)
	boolField := func(raw []byte) (*bool, error) {
		var out bool
		err := parseFields(raw, func(f field) error {
			if f.num == 1 {
				out = f.varint != 0
			}
			return nil
		})
		return &out, err
	}
	return parseFields(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Timestamp = int64(f.varint)
		case 2:
			m.Starred, err = boolField(f.raw)
		case 3:
			err = parseFields(f.raw, func(sub field) error {
				value := sub.str()
				switch sub.num {
				case 1:
					m.ContactFullName = &value
				case 2:
					m.ContactFirst = &value
				}
				return nil
			})
		case 4:
			var muted bool
			err = parseFields(f.raw, func(sub field) error {
				switch sub.num {
				case 1:
					muted = sub.varint != 0
				case 2:
					m.MuteEnd = int64(sub.varint)
				}
				return nil
			})
			m.Muted = &muted
		case 5:
			m.Pinned, err = boolField(f.raw)
		case 7:
			err = parseFields(f.raw, func(sub field) error {
				if sub.num == 1 {
					name := sub.str()
					m.PushName = &name
				}
				return nil
			})
		case 17:
			m.Archived, err = boolField(f.raw)
		case 20:
			m.MarkedRead, err = boolField(f.raw)
		}
		return err
	})
}
