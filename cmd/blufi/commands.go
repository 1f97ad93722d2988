package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chaz8081/goblufi/internal/ble"
	"github.com/chaz8081/goblufi/internal/ble/protocol"
	"github.com/chaz8081/goblufi/internal/config"
)

type configFunc func() *config.Config

func devicesCmd(conf configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List nearby devices advertising the BluFi service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Scanning for %s...", cfg.BLE.ScanTimeout))
			devices, err := ble.ScanForDevices(ble.NewTinyGoAdapter(), cfg.BLE.ScanTimeout)
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			spinner.Success(fmt.Sprintf("Found %d device(s)", len(devices)))
			if len(devices) == 0 {
				return nil
			}
			return devicesTable(devices).Render()
		},
	}
}

func devicesTable(devices []ble.Device) *pterm.TablePrinter {
	data := pterm.TableData{{"Name", "Address", "RSSI"}}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		data = append(data, []string{name, d.Address, strconv.Itoa(d.RSSI)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data)
}

func deviceVersionCmd(conf configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Read the BluFi protocol version of the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), conf())
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.client.RequestDeviceVersion(); err != nil {
				return err
			}
			ev, err := await[ble.VersionEvent](cmd.Context(), s.client.Events())
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Device version %s", ev.Version)
			return nil
		},
	}
}

func statusCmd(conf configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the Wi-Fi state reported by the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), conf())
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.client.RequestDeviceStatus(); err != nil {
				return err
			}
			ev, err := await[ble.StatusEvent](cmd.Context(), s.client.Events())
			if err != nil {
				return err
			}
			return statusTable(ev.Status).Render()
		},
	}
}

func staState(v int) string {
	switch v {
	case protocol.StaConnected:
		return "connected"
	case protocol.StaDisconnected:
		return "disconnected"
	case protocol.StaConnecting:
		return "connecting"
	}
	return fmt.Sprintf("unknown(%d)", v)
}

func statusTable(st *protocol.DeviceStatus) *pterm.TablePrinter {
	data := pterm.TableData{
		{"Field", "Value"},
		{"Op mode", st.OpMode.String()},
		{"Station", staState(st.StaConnStatus)},
		{"SoftAP clients", strconv.Itoa(st.SoftAPConnCount)},
	}
	add := func(name, value string) {
		if value != "" {
			data = append(data, []string{name, value})
		}
	}
	add("Station SSID", st.StaSSID)
	add("Station BSSID", st.StaBSSID)
	add("SoftAP SSID", st.SoftAPSSID)
	if st.SoftAPChannel > 0 {
		add("SoftAP channel", strconv.Itoa(st.SoftAPChannel))
	}
	if st.ConnRSSI != 0 {
		add("RSSI", strconv.Itoa(st.ConnRSSI))
	}
	if st.ConnEndReason != 0 {
		add("Disconnect reason", strconv.Itoa(st.ConnEndReason))
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data)
}

func wifiScanCmd(conf configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "wifi-scan",
		Short: "Ask the device to scan for access points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), conf())
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.client.RequestDeviceWifiScan(); err != nil {
				return err
			}
			ev, err := await[ble.WifiScanEvent](cmd.Context(), s.client.Events())
			if err != nil {
				return err
			}
			if len(ev.Networks) == 0 {
				pterm.Warning.Println("No access points found")
				return nil
			}
			data := pterm.TableData{{"SSID", "RSSI"}}
			for _, n := range ev.Networks {
				data = append(data, []string{n.SSID, strconv.Itoa(n.RSSI)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}

// wifiFlags override the wifi section of the config file.
type wifiFlags struct {
	ssid           string
	password       string
	apSSID         string
	apPassword     string
	apChannel      int
	apMaxConn      int
	apSecurity     string
	waitForConnect bool
}

func (f *wifiFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("ssid") {
		cfg.WiFi.StaSSID = f.ssid
	}
	if set("password") {
		cfg.WiFi.StaPassword = f.password
	}
	if set("ap-ssid") {
		cfg.WiFi.SoftAPSSID = f.apSSID
	}
	if set("ap-password") {
		cfg.WiFi.SoftAPPassword = f.apPassword
	}
	if set("ap-channel") {
		cfg.WiFi.SoftAPChannel = f.apChannel
	}
	if set("ap-max-conn") {
		cfg.WiFi.SoftAPMaxConn = f.apMaxConn
	}
	if set("ap-security") {
		cfg.WiFi.SoftAPSecurity = f.apSecurity
	}
}

func configureCmd(conf configFunc) *cobra.Command {
	var f wifiFlags
	cmd := &cobra.Command{
		Use:   "configure [null|sta|softap|stasoftap]",
		Short: "Push Wi-Fi settings to the device",
		Long: `Sets the device operating mode and sends the station and/or SoftAP
settings that mode needs. The mode defaults to wifi.op_mode from the config
file; flags override individual config values.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"null", "sta", "softap", "stasoftap"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			f.apply(cmd, cfg)
			modeName := cfg.WiFi.OpMode
			if len(args) == 1 {
				modeName = args[0]
				cfg.WiFi.OpMode = modeName
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			mode, err := protocol.ParseOpMode(modeName)
			if err != nil {
				return err
			}
			params, err := configureParams(cfg, mode)
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.client.Configure(params); err != nil {
				return err
			}
			if _, err := await[ble.ConfigureEvent](cmd.Context(), s.client.Events()); err != nil {
				return err
			}
			pterm.Success.Printfln("Configured %s mode", mode)

			if !f.waitForConnect || (mode != protocol.OpModeSTA && mode != protocol.OpModeSTASoftAP) {
				return nil
			}
			// The device answers a status request once the join attempt settles.
			if err := s.client.RequestDeviceStatus(); err != nil {
				return err
			}
			ev, err := await[ble.StatusEvent](cmd.Context(), s.client.Events())
			if err != nil {
				return err
			}
			return statusTable(ev.Status).Render()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.ssid, "ssid", "", "station SSID")
	fl.StringVar(&f.password, "password", "", "station password")
	fl.StringVar(&f.apSSID, "ap-ssid", "", "SoftAP SSID")
	fl.StringVar(&f.apPassword, "ap-password", "", "SoftAP password")
	fl.IntVar(&f.apChannel, "ap-channel", 0, "SoftAP channel (0 keeps the device default)")
	fl.IntVar(&f.apMaxConn, "ap-max-conn", 0, "SoftAP max connections (0 keeps the device default)")
	fl.StringVar(&f.apSecurity, "ap-security", "", "SoftAP security: open, wep, wpa, wpa2, wpa_wpa2")
	fl.BoolVar(&f.waitForConnect, "status", false, "read the device status after configuring")
	return cmd
}

// customPayload decodes the custom command argument.
func customPayload(arg string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(arg), nil
	}
	b, err := hex.DecodeString(arg)
	if err != nil {
		return nil, fmt.Errorf("decoding hex payload: %w", err)
	}
	return b, nil
}

func customCmd(conf configFunc) *cobra.Command {
	var isHex bool
	var wait bool
	cmd := &cobra.Command{
		Use:   "custom <data>",
		Short: "Send custom application data to the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := customPayload(args[0], isHex)
			if err != nil {
				return err
			}

			cfg := conf()
			s, err := openSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.client.PostCustomData(payload); err != nil {
				return err
			}
			if _, err := await[ble.PostCustomDataEvent](cmd.Context(), s.client.Events()); err != nil {
				return err
			}
			pterm.Success.Printfln("Sent %d byte(s)", len(payload))
			if !wait {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.BLE.ResponseTimeout)
			defer cancel()
			reply, err := await[ble.CustomDataEvent](ctx, s.client.Events())
			if err != nil {
				return err
			}
			pterm.Info.Printfln("Reply: %q (%s)", reply.Data, hex.EncodeToString(reply.Data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&isHex, "hex", false, "treat data as a hex string")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for one custom data reply")
	return cmd
}

func closeCmd(conf configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Ask the device to drop the BLE connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), conf())
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.client.RequestCloseConnection(); err != nil {
				return err
			}
			if _, err := await[ble.CloseConnectionEvent](cmd.Context(), s.client.Events()); err != nil {
				return err
			}
			pterm.Success.Println("Close requested")
			return nil
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				pterm.Info.Printfln("Config already exists at %s", config.DefaultConfigPath())
				return nil
			}
			pterm.Success.Printfln("Wrote %s", path)
			return nil
		},
	}
}
