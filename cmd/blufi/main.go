package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chaz8081/goblufi/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// globalFlags override config file values when set.
type globalFlags struct {
	configPath  string
	address     string
	logLevel    string
	metricsAddr string
	requireAck  bool
	noNegotiate bool
	trace       bool
}

func main() {
	var flags globalFlags
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:     "blufi",
		Short:   "Provision Wi-Fi on ESP32 devices over BluFi",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Long: `blufi talks to an ESP32 running the BluFi service over Bluetooth LE.

It negotiates an encrypted channel, reads the device version and Wi-Fi
status, scans for access points, pushes station or SoftAP credentials and
exchanges custom data.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init-config" {
				return nil
			}
			var err error
			cfg, err = loadConfig(flags.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			applyFlags(cmd, cfg, &flags)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			return setupLogging(cfg.LogLevel)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to config file (default: ~/.config/goblufi/config.yaml)")
	pf.StringVarP(&flags.address, "address", "a", "", "device address; scans for the strongest BluFi device when empty")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	pf.BoolVar(&flags.requireAck, "require-ack", false, "ask the device to ack every packet")
	pf.BoolVar(&flags.noNegotiate, "no-negotiate", false, "skip security negotiation")
	pf.BoolVar(&flags.trace, "trace", false, "print a span per BluFi operation to stderr")

	conf := func() *config.Config { return cfg }
	rootCmd.AddCommand(
		devicesCmd(conf),
		deviceVersionCmd(conf),
		statusCmd(conf),
		wifiScanCmd(conf),
		configureCmd(conf),
		customCmd(conf),
		closeCmd(conf),
		initConfigCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		stop()
		os.Exit(1)
	}
}

// applyFlags lets explicitly set flags win over the config file.
func applyFlags(cmd *cobra.Command, cfg *config.Config, f *globalFlags) {
	if f.address != "" {
		cfg.BLE.DeviceAddress = f.address
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.ListenAddr = f.metricsAddr
	}
	if cmd.Flags().Changed("require-ack") {
		cfg.BLE.RequireAck = f.requireAck
	}
	if f.noNegotiate {
		cfg.BLE.Negotiate = false
	}
	if f.trace {
		cfg.Trace = true
	}
}

func setupLogging(level string) error {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	slog.Debug("no config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the session configuration summary.
func printBanner(cfg *config.Config, address string) {
	ack := "off"
	if cfg.BLE.RequireAck {
		ack = "on"
	}
	limit := "from MTU"
	if cfg.BLE.PacketLengthLimit > 0 {
		limit = fmt.Sprintf("%d bytes", cfg.BLE.PacketLengthLimit)
	}
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Device", address},
		{"Packets", limit},
		{"Acks", ack},
		{"Encrypt", fmt.Sprintf("%t", cfg.BLE.Negotiate)},
		{"Log", cfg.LogLevel},
	}).Render()
}
