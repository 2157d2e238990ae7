package socket

import (
	"crypto/md5"
	"encoding/binary"
	"strings"

	"github.com/technocode/Cobalt/pkg/config"
	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/store"
	"github.com/technocode/Cobalt/pkg/waproto"
)

func browserPlatform(name string) int32 {
	switch strings.ToLower(name) {
	case "chrome":
		return waproto.DevicePlatformChrome
	case "firefox":
		return waproto.DevicePlatformFirefox
	case "desktop":
		return waproto.DevicePlatformDesktop
	default:
		return waproto.DevicePlatformUnknown
	}
}

func basePayload(cfg *config.Config) *waproto.ClientPayload {
	return &waproto.ClientPayload{
		UserAgent: &waproto.UserAgent{
			Platform: waproto.PlatformWeb,
			AppVersion: &waproto.AppVersion{
				Primary:   cfg.Version[0],
				Secondary: cfg.Version[1],
				Tertiary:  cfg.Version[2],
			},
			Mcc:            "000",
			Mnc:            "000",
			OsVersion:      "0.1",
			Device:         "Desktop",
			OsBuildNumber:  "0.1",
			LocaleLanguage: "en",
			LocaleCountry:  "US",
		},
		WebInfo:       &waproto.WebInfo{WebSubPlatform: waproto.WebSubPlatformBrowser},
		ConnectType:   waproto.ConnectTypeWifiUnknown,
		ConnectReason: waproto.ConnectReasonUserActivated,
	}
}

// clientPayload logs in a registered companion or registers a new one.
func (h *Handler) clientPayload(session *store.Session) *waproto.ClientPayload {
	payload := basePayload(h.cfg)
	if jid, ok := session.Store.ID(); ok {
		payload.Username = jid.UserInt()
		payload.Device = uint32(jid.Device)
		payload.Passive = true
		payload.Pull = true
		return payload
	}

	keys := session.Keys
	buildHash := md5.Sum([]byte(h.cfg.VersionString()))
	props := &waproto.DeviceProps{
		Os:           h.cfg.OSName,
		Version:      &waproto.AppVersion{Primary: 0, Secondary: 1, Tertiary: 0},
		PlatformType: browserPlatform(h.cfg.BrowserName),
	}
	regID := make([]byte, 4)
	binary.BigEndian.PutUint32(regID, keys.LocalRegistrationID())
	skeyID := make([]byte, 4)
	binary.BigEndian.PutUint32(skeyID, keys.SignedPreKey.KeyID)
	identity := keys.IdentityKeyPair()
	payload.DevicePairingData = &waproto.DevicePairingData{
		ERegid:      regID,
		EKeytype:    []byte{crypto.DjbType},
		EIdent:      identity.Public[:],
		ESkeyID:     skeyID[1:],
		ESkeyVal:    keys.SignedPreKey.Public[:],
		ESkeySig:    keys.SignedPreKey.Signature[:],
		BuildHash:   buildHash[:],
		DeviceProps: props.Marshal(),
	}
	return payload
}
