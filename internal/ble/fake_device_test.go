package ble

import (
	"math/big"
	"sync"
	"testing"
	"time"

	blecrypto "github.com/chaz8081/goblufi/internal/ble/crypto"
	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// fakeDevice plays the ESP32 side of BluFi on top of a mockConnection. It
// decodes every write, acks on request, answers queries and runs its half of
// the DH exchange.
type fakeDevice struct {
	t    *testing.T
	conn *mockConnection

	mu           sync.Mutex
	rx           *protocol.Reassembler
	sendSeq      uint8
	packetLimit  int
	cipher       *blecrypto.AESCipher
	dataEncrypt  bool
	dataChecksum bool
	ctrlEncrypt  bool
	ctrlChecksum bool
	messages     []protocol.Message
	rxErrors     []error

	// scripted behavior
	version    []byte
	status     []byte
	wifiList   []byte
	scanFail   bool
	silent     bool // leave version, status and scan queries unanswered
	mangle     func(raw []byte) []byte
	peerKey    []byte // replaces the computed public key when set
	silentKey  bool
	noAck      bool
	ackFor     map[uint8]uint8 // seq -> value acked instead
	writeErr   error
	block      chan struct{}
	writeDelay time.Duration

	inFlight    int
	maxInFlight int
}

func newFakeDevice(t *testing.T, conn *mockConnection) *fakeDevice {
	d := &fakeDevice{
		t:           t,
		conn:        conn,
		rx:          protocol.NewReassembler(),
		packetLimit: DefaultPacketLength,
		version:     []byte{1, 3},
		status:      []byte{byte(protocol.OpModeSTA), protocol.StaConnected, 0, protocol.DataStaSSID, 4, 't', 'e', 's', 't'},
		wifiList:    []byte{5, 0xc4, 'h', 'o', 'm', 'e', 4, 0xb0, 'l', 'a', 'b'},
		ackFor:      make(map[uint8]uint8),
	}
	conn.writeChar.onWrite = d.handleWrite
	return d
}

func (d *fakeDevice) handleWrite(raw []byte) error {
	d.mu.Lock()
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	block, werr, delay, mangle := d.block, d.writeErr, d.writeDelay, d.mangle
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if block != nil {
		<-block
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if werr != nil {
		return werr
	}

	d.mu.Lock()
	out := d.receive(raw)
	d.mu.Unlock()
	for _, n := range out {
		if mangle != nil {
			n = mangle(n)
		}
		d.conn.notifyChar.SimulateNotification(n)
	}
	return nil
}

// receive runs with d.mu held and returns the notifications to send.
func (d *fakeDevice) receive(raw []byte) [][]byte {
	var out [][]byte
	if len(raw) >= protocol.HeaderSize && protocol.FrameControl(raw[1]).Has(protocol.FlagRequireAck) && !d.noAck {
		ack := raw[2]
		if v, ok := d.ackFor[raw[2]]; ok {
			ack = v
		}
		out = append(out, d.encode(protocol.ClassCtrl, protocol.CtrlAck, []byte{ack})...)
	}

	msg, err := d.rx.Feed(raw, d.keyCipher())
	if err != nil {
		d.rxErrors = append(d.rxErrors, err)
		return out
	}
	if msg == nil {
		return out
	}
	d.messages = append(d.messages, *msg)
	return append(out, d.handle(msg)...)
}

func (d *fakeDevice) handle(msg *protocol.Message) [][]byte {
	if msg.Class == protocol.ClassCtrl {
		if d.silent {
			switch msg.Subtype {
			case protocol.CtrlGetVersion, protocol.CtrlGetWifiStatus, protocol.CtrlGetWifiList:
				return nil
			}
		}
		switch msg.Subtype {
		case protocol.CtrlSetSecurityMode:
			mode := msg.Data[0]
			d.dataChecksum = mode&0x01 != 0
			d.dataEncrypt = mode&0x02 != 0
			d.ctrlChecksum = mode&0x10 != 0
			d.ctrlEncrypt = mode&0x20 != 0
		case protocol.CtrlGetVersion:
			return d.encode(protocol.ClassData, protocol.DataVersion, d.version)
		case protocol.CtrlGetWifiStatus:
			return d.encode(protocol.ClassData, protocol.DataWifiConnState, d.status)
		case protocol.CtrlGetWifiList:
			if d.scanFail {
				return d.encode(protocol.ClassData, protocol.DataError, []byte{byte(CodeWifiScanFail)})
			}
			return d.encode(protocol.ClassData, protocol.DataWifiList, d.wifiList)
		}
		return nil
	}

	switch msg.Subtype {
	case protocol.DataNegotiation:
		if len(msg.Data) > 0 && msg.Data[0] == protocol.NegSetSecAllData {
			return d.negotiate(msg.Data[1:])
		}
	case protocol.DataCustomData:
		return d.encode(protocol.ClassData, protocol.DataCustomData, msg.Data)
	}
	return nil
}

func (d *fakeDevice) negotiate(pgk []byte) [][]byte {
	pb, gb, kb, err := protocol.ParsePGK(pgk)
	if err != nil {
		d.t.Errorf("device: ParsePGK() error = %v", err)
		return nil
	}
	if d.silentKey {
		return nil
	}
	p := new(big.Int).SetBytes(pb)
	g := new(big.Int).SetBytes(gb)
	k := new(big.Int).SetBytes(kb)

	priv := big.NewInt(0x2468ace)
	pub := new(big.Int).Exp(g, priv, p).FillBytes(make([]byte, len(pb)))
	secret := new(big.Int).Exp(k, priv, p).FillBytes(make([]byte, len(pb)))
	c, err := blecrypto.NewAESCipher(blecrypto.DeriveKey(secret))
	if err != nil {
		d.t.Errorf("device: NewAESCipher() error = %v", err)
		return nil
	}
	d.cipher = c

	if d.peerKey != nil {
		pub = d.peerKey
	}
	return d.encode(protocol.ClassData, protocol.DataNegotiation, pub)
}

// encode frames a device-to-app message in the device's current mode.
func (d *fakeDevice) encode(class protocol.Class, subtype uint8, data []byte) [][]byte {
	encrypt, checksum := d.ctrlEncrypt, d.ctrlChecksum
	if class == protocol.ClassData {
		encrypt, checksum = d.dataEncrypt, d.dataChecksum
	}
	budget := d.packetLimit - protocol.HeaderSize
	if checksum {
		budget -= protocol.ChecksumSize
	}
	chunks, err := protocol.Split(data, budget)
	if err != nil {
		d.t.Errorf("device: Split() error = %v", err)
		return nil
	}

	var out [][]byte
	for _, ch := range chunks {
		fc := protocol.FlagDirection
		if encrypt {
			fc |= protocol.FlagEncrypted
		}
		if checksum {
			fc |= protocol.FlagChecksum
		}
		if ch.Fragment {
			fc |= protocol.FlagFragment
		}
		raw, err := protocol.Encode(&protocol.Packet{
			Type:         protocol.NewType(class, subtype),
			FrameControl: fc,
			Sequence:     d.sendSeq,
			Payload:      ch.Data,
		}, d.keyCipher())
		if err != nil {
			d.t.Errorf("device: Encode() error = %v", err)
			return nil
		}
		d.sendSeq++
		out = append(out, raw)
	}
	return out
}

func (d *fakeDevice) keyCipher() protocol.Cipher {
	if d.cipher == nil {
		return nil
	}
	return d.cipher
}

// notify pushes an unsolicited message to the client.
func (d *fakeDevice) notify(class protocol.Class, subtype uint8, data []byte) {
	d.mu.Lock()
	out := d.encode(class, subtype, data)
	d.mu.Unlock()
	for _, n := range out {
		d.conn.notifyChar.SimulateNotification(n)
	}
}

// nextSeq reserves a device sequence number for a hand-built notification.
func (d *fakeDevice) nextSeq() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sendSeq
	d.sendSeq++
	return s
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDevice) Messages() []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Message, len(d.messages))
	copy(out, d.messages)
	return out
}

func (d *fakeDevice) RxErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.rxErrors...)
}

func (d *fakeDevice) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

// testOptions keeps every wait short so failure paths finish quickly.
func testOptions() ClientOptions {
	opts := DefaultClientOptions()
	opts.WriteTimeout = time.Second
	opts.AckTimeout = time.Second
	opts.KeyTimeout = time.Second
	opts.ResponseTimeout = time.Second
	opts.FragmentDelay = time.Millisecond
	return opts
}

// newTestClient wires a client to a fake device. setup runs before the
// client starts so scripted behavior applies from the first write.
func newTestClient(t *testing.T, opts ClientOptions, setup func(d *fakeDevice)) (*Client, *fakeDevice, *mockConnection) {
	t.Helper()
	conn := newMockConnection()
	dev := newFakeDevice(t, conn)
	if setup != nil {
		setup(dev)
	}
	c, err := NewClient(conn, opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, dev, conn
}

// nextEvent returns the next event of type T, skipping others.
func nextEvent[T Event](t *testing.T, c *Client) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				var zero T
				t.Fatalf("events closed while waiting for %T", zero)
				return zero
			}
			if e, ok := ev.(T); ok {
				return e
			}
			t.Logf("skipping event %#v", ev)
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// writtenPackets decodes the headers of everything the client wrote.
func writtenPackets(conn *mockConnection) []protocol.Packet {
	var out []protocol.Packet
	for _, raw := range conn.writeChar.Writes() {
		if len(raw) < protocol.HeaderSize {
			continue
		}
		out = append(out, protocol.Packet{
			Type:         protocol.Type(raw[0]),
			FrameControl: protocol.FrameControl(raw[1]),
			Sequence:     raw[2],
		})
	}
	return out
}
