// Package protocol implements the BluFi wire format: the 4-byte packet header,
// frame control flags, CRC16 checksum trailer, payload encryption hooks,
// fragmentation and reassembly, and the typed payloads carried in data frames.
package protocol

import (
	"errors"
	"fmt"
)

// HeaderSize is the fixed header size: Type(1) + FrameControl(1) + Sequence(1) + Length(1).
const HeaderSize = 4

// ChecksumSize is the size of the optional CRC16 trailer.
const ChecksumSize = 2

// MaxPayload is the largest payload a single packet can describe in its length byte.
const MaxPayload = 255

// Protocol-layer errors.
var (
	ErrInvalidPacket  = errors.New("protocol: invalid packet")
	ErrChecksum       = errors.New("protocol: checksum mismatch")
	ErrSequence       = errors.New("protocol: unexpected sequence")
	ErrMalformed      = errors.New("protocol: malformed payload")
	ErrNoKey          = errors.New("protocol: encrypted packet without key")
	ErrPayloadTooLong = errors.New("protocol: payload exceeds 255 bytes")
)

// Class is the 2-bit package class in the low bits of the type byte.
type Class uint8

const (
	ClassCtrl Class = 0
	ClassData Class = 1
)

func (c Class) String() string {
	switch c {
	case ClassCtrl:
		return "ctrl"
	case ClassData:
		return "data"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Control frame subtypes.
const (
	CtrlAck             uint8 = 0x00
	CtrlSetSecurityMode uint8 = 0x01
	CtrlSetOpMode       uint8 = 0x02
	CtrlConnectWifi     uint8 = 0x03
	CtrlDisconnectWifi  uint8 = 0x04
	CtrlGetWifiStatus   uint8 = 0x05
	CtrlDeauthenticate  uint8 = 0x06
	CtrlGetVersion      uint8 = 0x07
	CtrlCloseConnection uint8 = 0x08
	CtrlGetWifiList     uint8 = 0x09
)

// Data frame subtypes.
const (
	DataNegotiation      uint8 = 0x00
	DataStaBSSID         uint8 = 0x01
	DataStaSSID          uint8 = 0x02
	DataStaPassword      uint8 = 0x03
	DataSoftAPSSID       uint8 = 0x04
	DataSoftAPPassword   uint8 = 0x05
	DataSoftAPMaxConn    uint8 = 0x06
	DataSoftAPAuthMode   uint8 = 0x07
	DataSoftAPChannel    uint8 = 0x08
	DataUsername         uint8 = 0x09
	DataCACert           uint8 = 0x0a
	DataClientCert       uint8 = 0x0b
	DataServerCert       uint8 = 0x0c
	DataClientPrivateKey uint8 = 0x0d
	DataServerPrivateKey uint8 = 0x0e
	DataWifiConnState    uint8 = 0x0f
	DataVersion          uint8 = 0x10
	DataWifiList         uint8 = 0x11
	DataError            uint8 = 0x12
	DataCustomData       uint8 = 0x13
	DataStaMaxConnRetry  uint8 = 0x14
	DataStaConnEndReason uint8 = 0x15
	DataStaConnRSSI      uint8 = 0x16
)

// Type is the packet type byte: (subtype << 2) | class.
type Type uint8

// NewType packs a class and a 6-bit subtype into a type byte.
func NewType(class Class, subtype uint8) Type {
	return Type(subtype<<2 | uint8(class)&0x03)
}

// Class returns the package class.
func (t Type) Class() Class { return Class(t & 0x03) }

// Subtype returns the 6-bit subtype.
func (t Type) Subtype() uint8 { return uint8(t) >> 2 }

func (t Type) String() string {
	return fmt.Sprintf("%s/0x%02x", t.Class(), t.Subtype())
}

// FrameControl is the per-packet flag byte.
type FrameControl uint8

const (
	FlagEncrypted  FrameControl = 1 << 0
	FlagChecksum   FrameControl = 1 << 1
	FlagDirection  FrameControl = 1 << 2 // set on device-to-app packets
	FlagRequireAck FrameControl = 1 << 3
	FlagFragment   FrameControl = 1 << 4
)

// Has reports whether all bits of flag are set.
func (fc FrameControl) Has(flag FrameControl) bool { return fc&flag == flag }

// Cipher encrypts or decrypts a packet payload in place. The sequence number
// selects the IV, so both sides derive it without sending it.
type Cipher interface {
	Encrypt(seq uint8, data []byte)
	Decrypt(seq uint8, data []byte)
}

// Packet is one BluFi packet as it travels in a single GATT write or notification.
type Packet struct {
	Type         Type
	FrameControl FrameControl
	Sequence     uint8
	Payload      []byte // plaintext
}

// Encode serializes a packet. When FlagChecksum is set, a CRC16 over the
// sequence, length and plaintext payload is appended little-endian. When
// FlagEncrypted is set, only the payload bytes are encrypted with c.
func Encode(pkt *Packet, c Cipher) ([]byte, error) {
	if len(pkt.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooLong, len(pkt.Payload))
	}
	encrypted := pkt.FrameControl.Has(FlagEncrypted)
	if encrypted && c == nil {
		return nil, ErrNoKey
	}

	n := len(pkt.Payload)
	size := HeaderSize + n
	checksummed := pkt.FrameControl.Has(FlagChecksum)
	if checksummed {
		size += ChecksumSize
	}

	buf := make([]byte, size)
	buf[0] = byte(pkt.Type)
	buf[1] = byte(pkt.FrameControl)
	buf[2] = pkt.Sequence
	buf[3] = byte(n)
	copy(buf[HeaderSize:], pkt.Payload)

	if checksummed {
		crc := packetCRC(pkt.Sequence, pkt.Payload)
		buf[HeaderSize+n] = byte(crc)
		buf[HeaderSize+n+1] = byte(crc >> 8)
	}
	if encrypted && n > 0 {
		c.Encrypt(pkt.Sequence, buf[HeaderSize:HeaderSize+n])
	}
	return buf, nil
}

// Decode parses one packet. It never panics on short or inconsistent input;
// those return ErrInvalidPacket. A checksum failure returns ErrChecksum.
func Decode(data []byte, c Cipher) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrInvalidPacket, len(data), HeaderSize)
	}
	fc := FrameControl(data[1])
	n := int(data[3])
	want := HeaderSize + n
	if fc.Has(FlagChecksum) {
		want += ChecksumSize
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: length %d, header describes %d", ErrInvalidPacket, len(data), want)
	}

	pkt := &Packet{
		Type:         Type(data[0]),
		FrameControl: fc,
		Sequence:     data[2],
		Payload:      make([]byte, n),
	}
	copy(pkt.Payload, data[HeaderSize:HeaderSize+n])

	if fc.Has(FlagEncrypted) && n > 0 {
		if c == nil {
			return nil, ErrNoKey
		}
		c.Decrypt(pkt.Sequence, pkt.Payload)
	}

	if fc.Has(FlagChecksum) {
		got := uint16(data[HeaderSize+n]) | uint16(data[HeaderSize+n+1])<<8
		if want := packetCRC(pkt.Sequence, pkt.Payload); got != want {
			return nil, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrChecksum, got, want)
		}
	}
	return pkt, nil
}

// packetCRC covers the sequence, the length byte and the plaintext payload.
func packetCRC(seq uint8, payload []byte) uint16 {
	crc := CRC16(0, []byte{seq, byte(len(payload))})
	if len(payload) > 0 {
		crc = CRC16(crc, payload)
	}
	return crc
}
