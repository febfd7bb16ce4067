// Package cmd implements the serialcat CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	serial "github.com/luhtfiimanal/go-serial-transport"
	"github.com/luhtfiimanal/go-serial-transport/internal/logging"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	outputFormat string
	configPath   string
	baudRate     int
	stopBits     int
	xonxoff      bool
	rtscts       bool
)

var rootCmd = &cobra.Command{
	Use:   "serialcat",
	Short: "Talk to serial devices from the terminal",
	Long: `serialcat opens serial devices (or tcp:// endpoints) with the
event-driven transport, lists the ports on this host and inspects
modem control lines.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml")
	addSerialFlags(rootCmd.PersistentFlags())
}

func addSerialFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "", "Serial config file (.toml or .yaml)")
	fs.IntVarP(&baudRate, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	fs.IntVar(&stopBits, "stopbits", 1, "Stop bits (1 or 2)")
	fs.BoolVar(&xonxoff, "xonxoff", false, "Enable XON/XOFF flow control")
	fs.BoolVar(&rtscts, "rtscts", false, "Enable RTS/CTS flow control")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig builds the serial configuration for device from the config file
// (if any), overridden by flags the user set explicitly. With an empty device
// only the line settings are validated; Dial fills in the target later.
func loadConfig(cmd *cobra.Command, device string) (serial.Config, error) {
	cfg := serial.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = serial.DecodeConfig(configPath)
		if err != nil {
			return serial.Config{}, err
		}
	}
	if device != "" {
		cfg.Device = device
	}

	flags := cmd.Flags()
	if flags.Changed("baud") || configPath == "" {
		cfg.BaudRate = baudRate
	}
	if flags.Changed("stopbits") || configPath == "" {
		cfg.StopBits = serial.StopBits(stopBits)
	}
	if flags.Changed("xonxoff") {
		cfg.XonXoff = xonxoff
	}
	if flags.Changed("rtscts") {
		cfg.RtsCts = rtscts
	}

	validate := cfg.Validate
	if cfg.Device == "" {
		validate = cfg.ValidateSettings
	}
	if err := validate(); err != nil {
		return serial.Config{}, err
	}
	return cfg, nil
}

func formatOutput(data interface{}) error {
	switch outputFormat {
	case "yaml":
		return outputYAML(data)
	case "table":
		// Table format is handled by each command
		return nil
	default:
		return errors.Errorf("unknown output format %q", outputFormat)
	}
}

func outputYAML(data interface{}) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, string(out))
	return nil
}
