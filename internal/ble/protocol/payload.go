package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// OpMode is the device Wi-Fi operating mode.
type OpMode uint8

const (
	OpModeNull      OpMode = 0
	OpModeSTA       OpMode = 1
	OpModeSoftAP    OpMode = 2
	OpModeSTASoftAP OpMode = 3
)

// Valid reports whether m is one of the four defined modes.
func (m OpMode) Valid() bool { return m <= OpModeSTASoftAP }

func (m OpMode) String() string {
	switch m {
	case OpModeNull:
		return "null"
	case OpModeSTA:
		return "sta"
	case OpModeSoftAP:
		return "softap"
	case OpModeSTASoftAP:
		return "stasoftap"
	default:
		return fmt.Sprintf("opmode(%d)", uint8(m))
	}
}

// ParseOpMode maps a mode name as used in config files and the CLI.
func ParseOpMode(s string) (OpMode, error) {
	switch strings.ToLower(s) {
	case "null", "none", "":
		return OpModeNull, nil
	case "sta":
		return OpModeSTA, nil
	case "softap", "ap":
		return OpModeSoftAP, nil
	case "stasoftap", "sta+softap", "apsta":
		return OpModeSTASoftAP, nil
	}
	return 0, fmt.Errorf("protocol: unknown op mode %q", s)
}

// SoftAPSecurity is the SoftAP authentication mode.
type SoftAPSecurity uint8

const (
	SoftAPOpen       SoftAPSecurity = 0
	SoftAPWEP        SoftAPSecurity = 1
	SoftAPWPAPSK     SoftAPSecurity = 2
	SoftAPWPA2PSK    SoftAPSecurity = 3
	SoftAPWPAWPA2PSK SoftAPSecurity = 4
)

// ParseSoftAPSecurity maps a security name as used in config files.
func ParseSoftAPSecurity(s string) (SoftAPSecurity, error) {
	switch strings.ToLower(s) {
	case "open", "":
		return SoftAPOpen, nil
	case "wep":
		return SoftAPWEP, nil
	case "wpa", "wpa_psk":
		return SoftAPWPAPSK, nil
	case "wpa2", "wpa2_psk":
		return SoftAPWPA2PSK, nil
	case "wpa_wpa2", "wpa_wpa2_psk":
		return SoftAPWPAWPA2PSK, nil
	}
	return 0, fmt.Errorf("protocol: unknown softap security %q", s)
}

// Station connection states reported in a status response.
const (
	StaConnected    = 0
	StaDisconnected = 1
	StaConnecting   = 2
)

// Negotiation data subcodes.
const (
	NegSetSecTotalLength byte = 0x00
	NegSetSecAllData     byte = 0x01
)

// SecurityMode encodes the set-security-mode control byte.
func SecurityMode(ctrlEncrypt, ctrlChecksum, dataEncrypt, dataChecksum bool) byte {
	var b byte
	if dataChecksum {
		b |= 0x01
	}
	if dataEncrypt {
		b |= 0x02
	}
	if ctrlChecksum {
		b |= 0x10
	}
	if ctrlEncrypt {
		b |= 0x20
	}
	return b
}

// BuildPGK encodes the DH parameters and public key, each with a 2-byte
// big-endian length prefix. The negotiation subcode is not included.
func BuildPGK(p, g, k []byte) ([]byte, error) {
	var b cryptobyte.Builder
	for _, v := range [][]byte{p, g, k} {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(v)
		})
	}
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("protocol: build pgk: %w", err)
	}
	return out, nil
}

// ParsePGK is the inverse of BuildPGK.
func ParsePGK(data []byte) (p, g, k []byte, err error) {
	s := cryptobyte.String(data)
	var ps, gs, ks cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&ps) || !s.ReadUint16LengthPrefixed(&gs) ||
		!s.ReadUint16LengthPrefixed(&ks) || !s.Empty() {
		return nil, nil, nil, fmt.Errorf("%w: pgk blob", ErrMalformed)
	}
	return []byte(ps), []byte(gs), []byte(ks), nil
}

// ParseVersion decodes a version response of exactly two bytes.
func ParseVersion(data []byte) (string, error) {
	if len(data) != 2 {
		return "", fmt.Errorf("%w: version is %d bytes, want 2", ErrMalformed, len(data))
	}
	return fmt.Sprintf("V%d.%d", data[0], data[1]), nil
}

// DeviceStatus is the decoded Wi-Fi connection state report.
type DeviceStatus struct {
	OpMode          OpMode
	StaConnStatus   int
	SoftAPConnCount int

	StaBSSID    string
	StaSSID     string
	StaPassword string

	SoftAPSSID     string
	SoftAPPassword string
	SoftAPMaxConn  int
	SoftAPChannel  int
	SoftAPSecurity SoftAPSecurity

	MaxConnRetry  int
	ConnEndReason int
	ConnRSSI      int
}

// ParseStatus decodes the three fixed status bytes followed by
// {subtype, length, value} entries. Unknown entries are skipped.
func ParseStatus(data []byte) (*DeviceStatus, error) {
	s := cryptobyte.String(data)
	var mode, sta, softAP uint8
	if !s.ReadUint8(&mode) || !s.ReadUint8(&sta) || !s.ReadUint8(&softAP) {
		return nil, fmt.Errorf("%w: status is %d bytes, want at least 3", ErrMalformed, len(data))
	}
	st := &DeviceStatus{
		OpMode:          OpMode(mode),
		StaConnStatus:   int(sta),
		SoftAPConnCount: int(softAP),
	}

	for !s.Empty() {
		var typ uint8
		var val cryptobyte.String
		if !s.ReadUint8(&typ) || !s.ReadUint8LengthPrefixed(&val) {
			return nil, fmt.Errorf("%w: truncated status entry", ErrMalformed)
		}
		switch typ {
		case DataStaBSSID:
			st.StaBSSID = hex.EncodeToString(val)
		case DataStaSSID:
			st.StaSSID = string(val)
		case DataStaPassword:
			st.StaPassword = string(val)
		case DataSoftAPSSID:
			st.SoftAPSSID = string(val)
		case DataSoftAPPassword:
			st.SoftAPPassword = string(val)
		case DataSoftAPMaxConn:
			st.SoftAPMaxConn = firstByte(val)
		case DataSoftAPAuthMode:
			st.SoftAPSecurity = SoftAPSecurity(firstByte(val))
		case DataSoftAPChannel:
			st.SoftAPChannel = firstByte(val)
		case DataStaMaxConnRetry:
			st.MaxConnRetry = firstByte(val)
		case DataStaConnEndReason:
			st.ConnEndReason = firstByte(val)
		case DataStaConnRSSI:
			if len(val) > 0 {
				st.ConnRSSI = int(int8(val[0]))
			}
		}
	}
	return st, nil
}

func firstByte(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(b[0])
}

// WifiEntry is one access point from a scan response.
type WifiEntry struct {
	SSID string
	RSSI int
}

// ParseWifiList decodes repeated {length, rssi, ssid} records, where length
// counts the rssi byte and the ssid.
func ParseWifiList(data []byte) ([]WifiEntry, error) {
	s := cryptobyte.String(data)
	var list []WifiEntry
	for !s.Empty() {
		var n, rssi uint8
		var ssid []byte
		if !s.ReadUint8(&n) || n < 1 {
			return nil, fmt.Errorf("%w: wifi record length", ErrMalformed)
		}
		if !s.ReadUint8(&rssi) || !s.ReadBytes(&ssid, int(n)-1) {
			return nil, fmt.Errorf("%w: wifi record overruns payload", ErrMalformed)
		}
		list = append(list, WifiEntry{SSID: string(ssid), RSSI: int(int8(rssi))})
	}
	return list, nil
}
