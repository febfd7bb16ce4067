package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	serial "github.com/luhtfiimanal/go-serial-transport"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	addSerialFlags(c.Flags())
	require.NoError(t, c.ParseFlags(args))
	return c
}

func TestLoadConfig_FlagsOnly(t *testing.T) {
	c := newTestCommand(t, "--baud", "9600", "--stopbits", "2", "--rtscts")
	cfg, err := loadConfig(c, "/dev/ttyUSB0")
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", cfg.Device)
	require.Equal(t, 9600, cfg.BaudRate)
	require.Equal(t, serial.TwoStopBits, cfg.StopBits)
	require.True(t, cfg.RtsCts)
	require.False(t, cfg.XonXoff)
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial.toml")
	require.NoError(t, os.WriteFile(path, []byte("device = \"/dev/ttyS1\"\nbaud_rate = 19200\nxonxoff = true\n"), 0o600))

	c := newTestCommand(t, "--config", path, "--xonxoff=false")
	cfg, err := loadConfig(c, "")
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyS1", cfg.Device)
	require.Equal(t, 19200, cfg.BaudRate)
	require.False(t, cfg.XonXoff)
}

func TestLoadConfig_FileWithoutDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial.toml")
	require.NoError(t, os.WriteFile(path, []byte("baud_rate = 19200\n"), 0o600))

	// modem <device> -c serial.toml
	c := newTestCommand(t, "--config", path)
	cfg, err := loadConfig(c, "/dev/ttyUSB0")
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", cfg.Device)
	require.Equal(t, 19200, cfg.BaudRate)

	// open tcp://... -c serial.toml
	c = newTestCommand(t, "--config", path)
	cfg, err = loadConfig(c, "")
	require.NoError(t, err)
	require.Empty(t, cfg.Device)
	require.Equal(t, 19200, cfg.BaudRate)
}

func TestLoadConfig_InvalidSettingsStillRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial.toml")
	require.NoError(t, os.WriteFile(path, []byte("baud_rate = 12345\n"), 0o600))

	_, err := loadConfig(newTestCommand(t, "--config", path), "")
	require.Error(t, err)
	_, err = loadConfig(newTestCommand(t, "--stopbits", "3"), "/dev/ttyUSB0")
	require.Error(t, err)
}

func TestParseLine(t *testing.T) {
	for in, want := range map[string]serial.Tristate{
		"":    serial.Unknown,
		"on":  serial.On,
		"1":   serial.On,
		"off": serial.Off,
	} {
		got, err := parseLine("dtr", in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := parseLine("rts", "maybe")
	require.Error(t, err)
}

func TestFormatOutput(t *testing.T) {
	prev := outputFormat
	t.Cleanup(func() { outputFormat = prev })

	outputFormat = "table"
	require.NoError(t, formatOutput(nil))
	outputFormat = "xml"
	require.Error(t, formatOutput(nil))
}
