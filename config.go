package serial

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// StopBits is the number of stop bits per character.
type StopBits int

const (
	OneStopBit  StopBits = 1
	TwoStopBits StopBits = 2
)

const (
	DefaultBaudRate  = 115200
	DefaultReadChunk = 256 * 1024
	DefaultHighWater = 64 * 1024
)

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device    string   `toml:"device" yaml:"device"`
	BaudRate  int      `toml:"baud_rate" yaml:"baud_rate"`
	StopBits  StopBits `toml:"stop_bits" yaml:"stop_bits"`
	XonXoff   bool     `toml:"xonxoff" yaml:"xonxoff"`
	RtsCts    bool     `toml:"rtscts" yaml:"rtscts"`
	ReadChunk int      `toml:"read_chunk" yaml:"read_chunk"`
	// HighWater and LowWater are the write buffer limits. A nil limit is
	// derived from the other one, or from DefaultHighWater when both are nil.
	HighWater *int `toml:"high_water" yaml:"high_water"`
	LowWater  *int `toml:"low_water" yaml:"low_water"`
}

// DefaultConfig returns an 8N1 configuration at 115200 baud without flow control.
func DefaultConfig() Config {
	return Config{
		BaudRate:  DefaultBaudRate,
		StopBits:  OneStopBit,
		ReadChunk: DefaultReadChunk,
	}
}

// withDefaults fills zero fields the way a Config literal is expected to
// behave: 115200 baud, one stop bit, default read chunk.
func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.StopBits == 0 {
		c.StopBits = OneStopBit
	}
	if c.ReadChunk == 0 {
		c.ReadChunk = DefaultReadChunk
	}
	return c
}

// Limit returns a pointer to n, for the HighWater and LowWater fields.
func Limit(n int) *int {
	return &n
}

// writeLimits maps the unset-means-derive Config fields onto bufferLimits.
func (c Config) writeLimits() (high, low int) {
	high, low = -1, -1
	if c.HighWater != nil {
		high = *c.HighWater
	}
	if c.LowWater != nil {
		low = *c.LowWater
	}
	return high, low
}

// Validate checks every field that would otherwise fail later at open time.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return errors.New("config: device is required")
	}
	return c.ValidateSettings()
}

// ValidateSettings checks the line and buffer settings but not Device, for
// configurations whose device is only known later.
func (c Config) ValidateSettings() error {
	c = c.withDefaults()
	if _, err := baudToUnix(c.BaudRate); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.StopBits != OneStopBit && c.StopBits != TwoStopBits {
		return errors.Wrapf(ErrInvalidStopBits, "config: %d", c.StopBits)
	}
	if c.ReadChunk < 0 {
		return errors.Errorf("config: read_chunk %d must not be negative", c.ReadChunk)
	}
	high, low := c.writeLimits()
	if (c.HighWater != nil && high < 0) || (c.LowWater != nil && low < 0) {
		return errors.Wrap(&BufferLimitConfigError{High: high, Low: low}, "config")
	}
	if _, _, err := bufferLimits(high, low); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

type fileConfig struct {
	Device    string `toml:"device"`
	BaudRate  int    `toml:"baud_rate"`
	StopBits  int    `toml:"stop_bits"`
	XonXoff   bool   `toml:"xonxoff"`
	RtsCts    bool   `toml:"rtscts"`
	ReadChunk int    `toml:"read_chunk"`
	HighWater int    `toml:"high_water"`
	LowWater  int    `toml:"low_water"`
}

// LoadConfig reads a TOML or YAML (by extension) file over DefaultConfig and
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg, err := DecodeConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeConfig reads a TOML or YAML (by extension) file over DefaultConfig
// without validating it, so callers can fill in the device or override
// settings first.
func DecodeConfig(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return loadTOML(path)
	}
}

func loadTOML(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load serial config")
	}

	if meta.IsDefined("device") {
		cfg.Device = strings.TrimSpace(raw.Device)
	}
	if meta.IsDefined("baud_rate") {
		cfg.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("stop_bits") {
		cfg.StopBits = StopBits(raw.StopBits)
	}
	if meta.IsDefined("xonxoff") {
		cfg.XonXoff = raw.XonXoff
	}
	if meta.IsDefined("rtscts") {
		cfg.RtsCts = raw.RtsCts
	}
	if meta.IsDefined("read_chunk") {
		cfg.ReadChunk = raw.ReadChunk
	}
	if meta.IsDefined("high_water") {
		cfg.HighWater = Limit(raw.HighWater)
	}
	if meta.IsDefined("low_water") {
		cfg.LowWater = Limit(raw.LowWater)
	}
	return cfg, nil
}

func loadYAML(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "load serial config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse serial config %s", path)
	}
	cfg.Device = strings.TrimSpace(cfg.Device)
	return cfg, nil
}
