package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	blecrypto "github.com/chaz8081/goblufi/internal/ble/crypto"
	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// DefaultPacketLength is the packet size used when no MTU is known (23-byte ATT MTU minus 3).
const DefaultPacketLength = 20

const tracerName = "github.com/chaz8081/goblufi/internal/ble"

// attOverhead is subtracted from the negotiated MTU to get the packet size.
const attOverhead = 3

// ClientOptions configures the BluFi client behavior.
type ClientOptions struct {
	WriteTimeout      time.Duration // wait for the transport to complete a write (default 5s)
	AckTimeout        time.Duration // wait for a device ack (default 5s)
	KeyTimeout        time.Duration // wait for the device public key (default 10s)
	ResponseTimeout   time.Duration // wait for the reply to a version, status or scan request (default 10s)
	FragmentDelay     time.Duration // pause between fragments (default 10ms)
	PacketLengthLimit int           // bytes per GATT write; 0 derives it from the MTU
	RequireAck        bool          // ask the device to ack every packet
	QueueSize         int           // max queued operations (default 64)
	EventBuffer       int           // buffered events (default 32)
	Metrics           *Metrics      // optional

	// TracerProvider receives one span per operation. Defaults to the
	// global provider.
	TracerProvider trace.TracerProvider
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteTimeout:    5 * time.Second,
		AckTimeout:      5 * time.Second,
		KeyTimeout:      10 * time.Second,
		ResponseTimeout: 10 * time.Second,
		FragmentDelay:   10 * time.Millisecond,
		QueueSize:       64,
		EventBuffer:     32,
	}
}

func (o *ClientOptions) setDefaults() {
	d := DefaultClientOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.KeyTimeout <= 0 {
		o.KeyTimeout = d.KeyTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = d.ResponseTimeout
	}
	if o.FragmentDelay <= 0 {
		o.FragmentDelay = d.FragmentDelay
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}

type operation struct {
	name string
	run  func(ctx context.Context) Event
}

// Client runs BluFi exchanges with one device over an established connection.
// Operations are queued and executed one at a time by a single worker; each
// produces exactly one terminal event on Events.
type Client struct {
	conn       Connection
	writeChar  Characteristic
	notifyChar Characteristic
	opts       ClientOptions
	metrics    *Metrics
	tracer     trace.Tracer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	ops     chan operation
	events  chan Event
	inbound chan []byte
	ackCh   chan uint8
	keyCh   chan []byte
	replyCh chan reply

	// data subtype the worker is waiting for, or noReply
	awaiting atomic.Int32

	// shared between the worker (writer) and the receive loop (reader)
	cipher atomic.Pointer[blecrypto.AESCipher]

	// owned by the worker
	sendSeq     uint8
	encrypted   bool
	checksummed bool
	stuckWrite  chan error // completion of a write that timed out
}

// NewClient takes over an established connection: it discovers the BluFi
// characteristics, subscribes to notifications and starts the worker.
func NewClient(conn Connection, opts ClientOptions) (*Client, error) {
	opts.setDefaults()

	writeChar, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		return nil, wrapCode(CodeGattFailure, fmt.Errorf("discover write characteristic: %w", err))
	}
	notifyChar, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		return nil, wrapCode(CodeGattFailure, fmt.Errorf("discover notify characteristic: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		writeChar:  writeChar,
		notifyChar: notifyChar,
		opts:       opts,
		metrics:    opts.Metrics,
		tracer:     opts.TracerProvider.Tracer(tracerName),
		ctx:        ctx,
		cancel:     cancel,
		ops:        make(chan operation, opts.QueueSize),
		events:     make(chan Event, opts.EventBuffer),
		inbound:    make(chan []byte, 64),
		ackCh:      make(chan uint8, 1),
		keyCh:      make(chan []byte, 1),
		replyCh:    make(chan reply, 1),
	}
	c.awaiting.Store(noReply)

	if err := notifyChar.Subscribe(c.onNotification); err != nil {
		cancel()
		return nil, wrapCode(CodeGattFailure, fmt.Errorf("subscribe to notifications: %w", err))
	}

	conn.OnDisconnect(func() {
		slog.Warn("[BLE] device disconnected")
		go c.Close()
	})

	c.wg.Add(2)
	go c.worker()
	go c.receiveLoop()
	return c, nil
}

// Events returns the channel of operation results and device messages.
// It is closed by Close. Consumers must keep draining it.
func (c *Client) Events() <-chan Event {
	return c.events
}

// NegotiateSecurity runs the DH key exchange and switches the channel to
// encrypted, checksummed mode. Ends with a NegotiateEvent.
func (c *Client) NegotiateSecurity() error {
	return c.submit("negotiate_security", func(ctx context.Context) Event {
		return NegotiateEvent{Result: resultOf(c.negotiate(ctx))}
	})
}

// RequestDeviceVersion asks for the firmware BluFi version. Ends with a VersionEvent.
func (c *Client) RequestDeviceVersion() error {
	return c.submit("request_version", func(ctx context.Context) Event {
		return versionEvent(c.request(ctx, protocol.CtrlGetVersion, protocol.DataVersion))
	})
}

// RequestDeviceStatus asks for the Wi-Fi connection state. Ends with a StatusEvent.
func (c *Client) RequestDeviceStatus() error {
	return c.submit("request_status", func(ctx context.Context) Event {
		return statusEvent(c.request(ctx, protocol.CtrlGetWifiStatus, protocol.DataWifiConnState))
	})
}

// RequestDeviceWifiScan asks the device to scan for access points. Ends with a WifiScanEvent.
func (c *Client) RequestDeviceWifiScan() error {
	return c.submit("request_wifi_scan", func(ctx context.Context) Event {
		return wifiScanEvent(c.request(ctx, protocol.CtrlGetWifiList, protocol.DataWifiList))
	})
}

// Configure sends an operating mode and its station and/or SoftAP settings.
// Ends with a ConfigureEvent.
func (c *Client) Configure(params ConfigureParams) error {
	return c.submit("configure", func(ctx context.Context) Event {
		return ConfigureEvent{Result: resultOf(c.configure(ctx, params)), OpMode: params.OpMode}
	})
}

// PostCustomData sends application data to the device. Ends with a PostCustomDataEvent.
func (c *Client) PostCustomData(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return c.submit("post_custom_data", func(ctx context.Context) Event {
		err := c.post(ctx, protocol.ClassData, protocol.DataCustomData, buf)
		return PostCustomDataEvent{Result: resultOf(err), Data: buf}
	})
}

// RequestCloseConnection asks the device to drop the BLE link. Ends with a
// CloseConnectionEvent.
func (c *Client) RequestCloseConnection() error {
	return c.submit("request_close", func(ctx context.Context) Event {
		err := c.post(ctx, protocol.ClassCtrl, protocol.CtrlCloseConnection, nil)
		return CloseConnectionEvent{Result: resultOf(err)}
	})
}

// Close stops accepting operations, unblocks any pending wait and releases
// the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()
		close(c.events)
		if err := c.conn.Disconnect(); err != nil {
			c.closeErr = wrapCode(CodeGattFailure, err)
		}
		slog.Info("[BLE] client closed")
	})
	return c.closeErr
}

// Closed reports whether the client has shut down, either through Close or
// because the link dropped.
func (c *Client) Closed() bool { return c.closed.Load() }

// submit queues an operation for the worker. run returns the operation's
// terminal event.
func (c *Client) submit(name string, run func(ctx context.Context) Event) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.ops <- operation{name: name, run: run}:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.ops:
			c.execute(op)
		}
	}
}

func (c *Client) execute(op operation) {
	ctx, span := c.tracer.Start(c.ctx, "blufi."+op.name)

	start := time.Now()
	ev := op.run(ctx)
	c.metrics.observeOperation(op.name, time.Since(start))

	code := CodeSuccess
	if r, ok := resultFrom(ev); ok {
		code = r.Code
	}
	span.SetAttributes(attribute.Int("blufi.code", int(code)))
	if code != CodeSuccess {
		span.SetStatus(otelcodes.Error, code.String())
		slog.Warn("[BLE] operation failed", "op", op.name, "code", int(code), "reason", code.String())
	} else {
		slog.Debug("[BLE] operation done", "op", op.name)
	}
	// ends before the event is delivered
	span.End()

	c.emit(ev)
}

func (c *Client) emit(ev Event) {
	if r, ok := resultFrom(ev); ok && r.Code != CodeSuccess {
		c.metrics.countError(r.Code)
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func resultFrom(ev Event) (Result, bool) {
	switch e := ev.(type) {
	case NegotiateEvent:
		return e.Result, true
	case VersionEvent:
		return e.Result, true
	case StatusEvent:
		return e.Result, true
	case WifiScanEvent:
		return e.Result, true
	case ConfigureEvent:
		return e.Result, true
	case PostCustomDataEvent:
		return e.Result, true
	case CloseConnectionEvent:
		return e.Result, true
	case ErrorEvent:
		return e.Result, true
	}
	return Result{}, false
}

// packetLimit is the largest GATT write, header and checksum included.
func (c *Client) packetLimit() int {
	if c.opts.PacketLengthLimit > 0 {
		return c.opts.PacketLengthLimit
	}
	if mtu := c.conn.MTU(); mtu > attOverhead {
		return mtu - attOverhead
	}
	return DefaultPacketLength
}

// Dial enables the adapter, connects to address and starts a client.
func Dial(ctx context.Context, adapter Adapter, address string, opts ClientOptions) (*Client, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	conn, err := adapter.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	c, err := NewClient(conn, opts)
	if err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	slog.Info("[BLE] connected", "address", address, "mtu", conn.MTU())
	return c, nil
}
