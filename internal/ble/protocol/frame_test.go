package protocol

import (
	"bytes"
	"errors"
	"testing"

	blecrypto "github.com/chaz8081/goblufi/internal/ble/crypto"
)

func testCipher(t *testing.T) Cipher {
	t.Helper()
	c, err := blecrypto.NewAESCipher(blecrypto.DeriveKey([]byte("test secret")))
	if err != nil {
		t.Fatalf("NewAESCipher() error = %v", err)
	}
	return c
}

func TestTypePacking(t *testing.T) {
	typ := NewType(ClassData, DataCustomData)
	if byte(typ) != 0x13<<2|1 {
		t.Errorf("NewType(data, 0x13) = 0x%02x, want 0x%02x", byte(typ), 0x13<<2|1)
	}
	if typ.Class() != ClassData || typ.Subtype() != DataCustomData {
		t.Errorf("unpacked %s, want data/0x13", typ)
	}
}

func TestEncodeWireLayout(t *testing.T) {
	pkt := &Packet{
		Type:         NewType(ClassCtrl, CtrlSetOpMode),
		FrameControl: FlagRequireAck,
		Sequence:     3,
		Payload:      []byte{0x01},
	}
	got, err := Encode(pkt, nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := []byte{0x08, 0x08, 0x03, 0x01, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = %x, want %x", got, want)
	}
}

func TestEncodeChecksumTrailerLittleEndian(t *testing.T) {
	pkt := &Packet{
		Type:         NewType(ClassData, DataStaSSID),
		FrameControl: FlagChecksum,
		Sequence:     9,
		Payload:      []byte("ssid"),
	}
	got, err := Encode(pkt, nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	crc := CRC16(CRC16(0, []byte{9, 4}), []byte("ssid"))
	if got[8] != byte(crc) || got[9] != byte(crc>>8) {
		t.Errorf("trailer = %02x %02x, want %02x %02x", got[8], got[9], byte(crc), byte(crc>>8))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := testCipher(t)
	modes := []FrameControl{
		0,
		FlagChecksum,
		FlagEncrypted,
		FlagEncrypted | FlagChecksum,
		FlagEncrypted | FlagChecksum | FlagRequireAck | FlagDirection,
	}
	payloads := [][]byte{nil, {0x00}, []byte("TestNet"), bytes.Repeat([]byte{0xa5}, 255)}

	for _, fc := range modes {
		for _, p := range payloads {
			pkt := &Packet{Type: NewType(ClassData, DataCustomData), FrameControl: fc, Sequence: 42, Payload: p}
			raw, err := Encode(pkt, c)
			if err != nil {
				t.Fatalf("Encode(fc=%08b, len=%d) error = %v", fc, len(p), err)
			}
			if fc.Has(FlagEncrypted) && len(p) > 1 && bytes.Contains(raw, p) {
				t.Errorf("fc=%08b: plaintext visible on the wire", fc)
			}
			got, err := Decode(raw, c)
			if err != nil {
				t.Fatalf("Decode(fc=%08b, len=%d) error = %v", fc, len(p), err)
			}
			if !bytes.Equal(got.Payload, p) || got.FrameControl != fc || got.Sequence != 42 || got.Type != pkt.Type {
				t.Errorf("fc=%08b len=%d: round trip mismatch: %+v", fc, len(p), got)
			}
		}
	}
}

func TestEncodeRejects(t *testing.T) {
	if _, err := Encode(&Packet{Payload: make([]byte, 256)}, nil); !errors.Is(err, ErrPayloadTooLong) {
		t.Errorf("Encode(256 bytes) error = %v, want ErrPayloadTooLong", err)
	}
	if _, err := Encode(&Packet{FrameControl: FlagEncrypted}, nil); !errors.Is(err, ErrNoKey) {
		t.Errorf("Encode(encrypted, nil cipher) error = %v, want ErrNoKey", err)
	}
}

func TestDecodeInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x01, 0x00, 0x00}},
		{"length overruns", []byte{0x01, 0x00, 0x00, 0x05, 0xaa}},
		{"trailing bytes", []byte{0x01, 0x00, 0x00, 0x00, 0xaa}},
		{"missing checksum", []byte{0x01, byte(FlagChecksum), 0x00, 0x01, 0xaa}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, nil)
			if !errors.Is(err, ErrInvalidPacket) {
				t.Errorf("Decode() error = %v, want ErrInvalidPacket", err)
			}
		})
	}
}

func TestDecodeChecksumSensitivity(t *testing.T) {
	c := testCipher(t)
	payload := []byte("sixteen byte pld")
	for _, fc := range []FrameControl{FlagChecksum, FlagChecksum | FlagEncrypted} {
		raw, err := Encode(&Packet{Type: NewType(ClassData, DataCustomData), FrameControl: fc, Sequence: 1, Payload: payload}, c)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		for i := HeaderSize; i < HeaderSize+len(payload); i++ {
			for bit := range 8 {
				tampered := append([]byte(nil), raw...)
				tampered[i] ^= 1 << bit
				if _, err := Decode(tampered, c); !errors.Is(err, ErrChecksum) {
					t.Fatalf("fc=%08b byte %d bit %d: error = %v, want ErrChecksum", fc, i, bit, err)
				}
			}
		}
	}
}

func TestDecodeEncryptedWithoutKey(t *testing.T) {
	raw, err := Encode(&Packet{FrameControl: FlagEncrypted, Payload: []byte{1}}, testCipher(t))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if _, err := Decode(raw, nil); !errors.Is(err, ErrNoKey) {
		t.Errorf("Decode() error = %v, want ErrNoKey", err)
	}
}

func TestCRC16(t *testing.T) {
	if got := CRC16(0, []byte("123456789")); got != 0xD64E {
		t.Errorf("CRC16(123456789) = 0x%04x, want 0xD64E", got)
	}
	a, b := []byte("hello "), []byte("world")
	if CRC16(CRC16(0, a), b) != CRC16(0, []byte("hello world")) {
		t.Error("CRC16 does not chain")
	}
}
