package waproto

import "google.golang.org/protobuf/encoding/protowire"

// Connect types and reasons sent in the client payload.
const (
	ConnectTypeWifiUnknown     = 1
	ConnectReasonUserActivated = 1
)

// User agent platforms.
const (
	PlatformAndroid = 0
	PlatformIOS     = 1
	PlatformWeb     = 14
)

// Web sub-platforms.
const (
	WebSubPlatformBrowser = 0
	WebSubPlatformDarwin  = 3
)

// Companion platform types advertised in DeviceProps.
const (
	DevicePlatformUnknown = 0
	DevicePlatformChrome  = 1
	DevicePlatformFirefox = 2
	DevicePlatformDesktop = 7
)

// ClientPayload is sent encrypted in the client finish message. It either
// logs in an existing companion or registers a new one.
type ClientPayload struct {
	Username          uint64
	Passive           bool
	UserAgent         *UserAgent
	WebInfo           *WebInfo
	PushName          string
	ConnectType       int32
	ConnectReason     int32
	Device            uint32
	DevicePairingData *DevicePairingData
	Pull              bool
}

type UserAgent struct {
	Platform       int32
	AppVersion     *AppVersion
	Mcc            string
	Mnc            string
	OsVersion      string
	Manufacturer   string
	Device         string
	OsBuildNumber  string
	ReleaseChannel int32
	LocaleLanguage string
	LocaleCountry  string
}

type AppVersion struct {
	Primary   uint32
	Secondary uint32
	Tertiary  uint32
}

type WebInfo struct {
	WebSubPlatform int32
}

// DevicePairingData carries the registration keys of a new companion.
type DevicePairingData struct {
	ERegid      []byte
	EKeytype    []byte
	EIdent      []byte
	ESkeyID     []byte
	ESkeyVal    []byte
	ESkeySig    []byte
	BuildHash   []byte
	DeviceProps []byte
}

type DeviceProps struct {
	Os              string
	Version         *AppVersion
	PlatformType    int32
	RequireFullSync bool
}

func (m *ClientPayload) Marshal() []byte {
	var b builder
	b.optUvarint(1, m.Username)
	if m.Username != 0 || m.DevicePairingData == nil {
		b.uvarint(3, boolVarint(m.Passive))
	}
	b.message(5, m.UserAgent, m.UserAgent != nil)
	b.message(6, m.WebInfo, m.WebInfo != nil)
	b.str(7, m.PushName)
	b.optUvarint(12, uint64(m.ConnectType))
	b.optUvarint(13, uint64(m.ConnectReason))
	b.optUvarint(18, uint64(m.Device))
	b.message(19, m.DevicePairingData, m.DevicePairingData != nil)
	b.boolean(33, m.Pull)
	return b.buf
}

func (m *ClientPayload) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Username = f.varint
		case 3:
			m.Passive = f.varint != 0
		case 5:
			m.UserAgent = &UserAgent{}
			return m.UserAgent.Unmarshal(f.raw)
		case 6:
			m.WebInfo = &WebInfo{}
			return m.WebInfo.Unmarshal(f.raw)
		case 7:
			m.PushName = f.str()
		case 12:
			m.ConnectType = int32(f.varint)
		case 13:
			m.ConnectReason = int32(f.varint)
		case 18:
			m.Device = uint32(f.varint)
		case 19:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			m.DevicePairingData = &DevicePairingData{}
			return m.DevicePairingData.Unmarshal(f.raw)
		case 33:
			m.Pull = f.varint != 0
		}
		return nil
	})
}

func (m *UserAgent) Marshal() []byte {
	var b builder
	b.uvarint(1, uint64(m.Platform))
	b.message(2, m.AppVersion, m.AppVersion != nil)
	b.str(3, m.Mcc)
	b.str(4, m.Mnc)
	b.str(5, m.OsVersion)
	b.str(6, m.Manufacturer)
	b.str(7, m.Device)
	b.str(8, m.OsBuildNumber)
	b.optUvarint(10, uint64(m.ReleaseChannel))
	b.str(11, m.LocaleLanguage)
	b.str(12, m.LocaleCountry)
	return b.buf
}

func (m *UserAgent) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Platform = int32(f.varint)
		case 2:
			m.AppVersion = &AppVersion{}
			return m.AppVersion.Unmarshal(f.raw)
		case 3:
			m.Mcc = f.str()
		case 4:
			m.Mnc = f.str()
		case 5:
			m.OsVersion = f.str()
		case 6:
			m.Manufacturer = f.str()
		case 7:
			m.Device = f.str()
		case 8:
			m.OsBuildNumber = f.str()
		case 10:
			m.ReleaseChannel = int32(f.varint)
		case 11:
			m.LocaleLanguage = f.str()
		case 12:
			m.LocaleCountry = f.str()
		}
		return nil
	})
}

func (m *AppVersion) Marshal() []byte {
	var b builder
	b.uvarint(1, uint64(m.Primary))
	b.uvarint(2, uint64(m.Secondary))
	b.uvarint(3, uint64(m.Tertiary))
	return b.buf
}

func (m *AppVersion) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Primary = uint32(f.varint)
		case 2:
			m.Secondary = uint32(f.varint)
		case 3:
			m.Tertiary = uint32(f.varint)
		}
		return nil
	})
}

func (m *WebInfo) Marshal() []byte {
	var b builder
	b.uvarint(4, uint64(m.WebSubPlatform))
	return b.buf
}

func (m *WebInfo) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		if f.num == 4 {
			m.WebSubPlatform = int32(f.varint)
		}
		return nil
	})
}

func (m *DevicePairingData) Marshal() []byte {
	var b builder
	b.bytes(1, m.ERegid)
	b.bytes(2, m.EKeytype)
	b.bytes(3, m.EIdent)
	b.bytes(4, m.ESkeyID)
	b.bytes(5, m.ESkeyVal)
	b.bytes(6, m.ESkeySig)
	b.bytes(7, m.BuildHash)
	b.bytes(8, m.DeviceProps)
	return b.buf
}

func (m *DevicePairingData) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.ERegid = f.bytes()
		case 2:
			m.EKeytype = f.bytes()
		case 3:
			m.EIdent = f.bytes()
		case 4:
			m.ESkeyID = f.bytes()
		case 5:
			m.ESkeyVal = f.bytes()
		case 6:
			m.ESkeySig = f.bytes()
		case 7:
			m.BuildHash = f.bytes()
		case 8:
			m.DeviceProps = f.bytes()
		}
		return nil
	})
}

func (m *DeviceProps) Marshal() []byte {
	var b builder
	b.str(1, m.Os)
	b.message(2, m.Version, m.Version != nil)
	b.uvarint(3, uint64(m.PlatformType))
	b.boolean(4, m.RequireFullSync)
	return b.buf
}

func (m *DeviceProps) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Os = f.str()
		case 2:
			m.Version = &AppVersion{}
			return m.Version.Unmarshal(f.raw)
		case 3:
			m.PlatformType = int32(f.varint)
		case 4:
			m.RequireFullSync = f.varint != 0
		}
		return nil
	})
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
