package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/chaz8081/goblufi/internal/ble"
	"github.com/chaz8081/goblufi/internal/ble/protocol"
	"github.com/chaz8081/goblufi/internal/config"
	"github.com/chaz8081/goblufi/internal/monitor"
)

// session is one connected, optionally negotiated, BluFi client.
type session struct {
	client  *ble.Client
	monitor *monitor.Server
	tracer  *sdktrace.TracerProvider
}

// newTracerProvider prints finished operation spans to w.
func newTracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)), nil
}

// clientOptions maps the ble config section onto client options.
func clientOptions(cfg *config.Config) ble.ClientOptions {
	opts := ble.DefaultClientOptions()
	opts.WriteTimeout = cfg.BLE.WriteTimeout
	opts.AckTimeout = cfg.BLE.AckTimeout
	opts.KeyTimeout = cfg.BLE.KeyTimeout
	opts.ResponseTimeout = cfg.BLE.ResponseTimeout
	opts.FragmentDelay = cfg.BLE.FragmentDelay
	opts.PacketLengthLimit = cfg.BLE.PacketLengthLimit
	opts.RequireAck = cfg.BLE.RequireAck
	return opts
}

// openSession finds the device, connects and negotiates security when
// configured. The caller must close the session.
func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	adapter := ble.NewTinyGoAdapter()

	address := cfg.BLE.DeviceAddress
	if address == "" {
		spinner, _ := pterm.DefaultSpinner.Start("Scanning for BluFi devices...")
		devices, err := ble.ScanForDevices(adapter, cfg.BLE.ScanTimeout)
		if err != nil {
			spinner.Fail(err.Error())
			return nil, err
		}
		if len(devices) == 0 {
			spinner.Fail("no BluFi devices found")
			return nil, errors.New("no BluFi devices found; set --address or ble.device_address")
		}
		spinner.Success(fmt.Sprintf("Found %s (%s, %d dBm)", devices[0].Name, devices[0].Address, devices[0].RSSI))
		address = devices[0].Address
	}
	printBanner(cfg, address)

	opts := clientOptions(cfg)
	reg := prometheus.NewRegistry()
	if cfg.Metrics.ListenAddr != "" {
		opts.Metrics = ble.NewMetrics(ble.WithRegistry(reg))
	}
	var tp *sdktrace.TracerProvider
	if cfg.Trace {
		var err error
		if tp, err = newTracerProvider(os.Stderr); err != nil {
			return nil, err
		}
		opts.TracerProvider = tp
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.BLE.ConnectTimeout)
	defer cancel()
	client, err := ble.Dial(dialCtx, adapter, address, opts)
	if err != nil {
		if tp != nil {
			_ = tp.Shutdown(context.Background())
		}
		return nil, err
	}
	s := &session{client: client, tracer: tp}

	if cfg.Metrics.ListenAddr != "" {
		s.monitor, err = monitor.Start(cfg.Metrics.ListenAddr, reg, func() error {
			if client.Closed() {
				return ble.ErrClosed
			}
			return nil
		})
		if err != nil {
			s.close()
			return nil, err
		}
	}

	if cfg.BLE.Negotiate {
		if err := client.NegotiateSecurity(); err != nil {
			s.close()
			return nil, err
		}
		if _, err := await[ble.NegotiateEvent](ctx, client.Events()); err != nil {
			s.close()
			return nil, fmt.Errorf("negotiate security: %w", err)
		}
		pterm.Success.Println("Secure channel established")
	}
	return s, nil
}

func (s *session) close() {
	if s.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.monitor.Shutdown(ctx)
	}
	if err := s.client.Close(); err != nil {
		slog.Warn("close client", "error", err)
	}
	if s.tracer != nil {
		_ = s.tracer.Shutdown(context.Background())
	}
}

// resultOf extracts the shared status from operation events.
func resultOf(ev ble.Event) (ble.Result, bool) {
	switch e := ev.(type) {
	case ble.NegotiateEvent:
		return e.Result, true
	case ble.VersionEvent:
		return e.Result, true
	case ble.StatusEvent:
		return e.Result, true
	case ble.WifiScanEvent:
		return e.Result, true
	case ble.ConfigureEvent:
		return e.Result, true
	case ble.PostCustomDataEvent:
		return e.Result, true
	case ble.CloseConnectionEvent:
		return e.Result, true
	}
	return ble.Result{}, false
}

// await waits for the event of type T. Custom data seen on the way is
// printed; a device error or a dropped notification ends the wait.
func await[T ble.Event](ctx context.Context, events <-chan ble.Event) (T, error) {
	var zero T
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return zero, ble.ErrClosed
			}
			switch e := ev.(type) {
			case T:
				if r, ok := resultOf(e); ok && !r.OK() {
					return e, fmt.Errorf("%s (%d): %w", r.Code, int(r.Code), r.Err)
				}
				return e, nil
			case ble.DeviceErrorEvent:
				return zero, fmt.Errorf("device reported error %d", int(e.Code))
			case ble.CustomDataEvent:
				pterm.Info.Printfln("Custom data from device: %q", e.Data)
			case ble.ErrorEvent:
				return zero, fmt.Errorf("notification dropped: %s (%d): %w", e.Code, int(e.Code), e.Err)
			}
		}
	}
}

// configureParams builds the request for mode from the wifi config section.
func configureParams(cfg *config.Config, mode protocol.OpMode) (ble.ConfigureParams, error) {
	sec, err := protocol.ParseSoftAPSecurity(cfg.WiFi.SoftAPSecurity)
	if err != nil {
		return ble.ConfigureParams{}, err
	}
	p := ble.ConfigureParams{
		OpMode:         mode,
		StaSSID:        cfg.WiFi.StaSSID,
		StaPassword:    cfg.WiFi.StaPassword,
		SoftAPSSID:     cfg.WiFi.SoftAPSSID,
		SoftAPPassword: cfg.WiFi.SoftAPPassword,
		SoftAPChannel:  cfg.WiFi.SoftAPChannel,
		SoftAPMaxConn:  cfg.WiFi.SoftAPMaxConn,
		SoftAPSecurity: sec,
	}
	if (mode == protocol.OpModeSTA || mode == protocol.OpModeSTASoftAP) && p.StaSSID == "" {
		return p, errors.New("station SSID is required (--ssid or wifi.sta_ssid)")
	}
	return p, nil
}
