package serial

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Device is the control surface a LineController drives. *Descriptor
// implements it with ioctls on the tty.
type Device interface {
	io.Reader
	Termios() (*unix.Termios, error)
	SetTermios(t *unix.Termios) error
	ModemLines() (uint32, error)
	SetModemLines(mask uint32) error
	BisModemLines(mask uint32) error
	BicModemLines(mask uint32) error
	LowLatency() (bool, error)
	SetLowLatency(on bool) error
}

// LineController applies line discipline and modem line settings to a
// device. It either owns its descriptor (OpenLineController) or borrows one
// (NewLineController), and only ever closes what it owns.
type LineController struct {
	dev    Device
	owned  *Descriptor
	config Config
	log    zerolog.Logger
}

// OpenLineController opens cfg.Device in blocking mode and configures it.
func OpenLineController(cfg Config) (*LineController, error) {
	d, err := OpenDescriptor(cfg.Device, false)
	if err != nil {
		return nil, err
	}
	lc := newLineController(d, cfg)
	lc.owned = d
	if err := lc.Configure(); err != nil {
		d.Close()
		return nil, err
	}
	return lc, nil
}

// NewLineController configures a borrowed device, for example the
// descriptor of a Transport. Close never releases dev.
func NewLineController(dev Device, cfg Config) (*LineController, error) {
	lc := newLineController(dev, cfg)
	if err := lc.Configure(); err != nil {
		return nil, err
	}
	return lc, nil
}

func newLineController(dev Device, cfg Config) *LineController {
	cfg = cfg.withDefaults()
	return &LineController{
		dev:    dev,
		config: cfg,
		log:    log.Logger.With().Str("component", "line").Str("device", cfg.Device).Logger(),
	}
}

// Path returns the configured device path.
func (lc *LineController) Path() string { return lc.config.Device }

// BaudRate returns the configured baud rate.
func (lc *LineController) BaudRate() int { return lc.config.BaudRate }

// Config returns the configuration the controller applies.
func (lc *LineController) Config() Config { return lc.config }

// Configure puts the line in raw 8-bit mode with the configured stop bits,
// flow control and speed, with non-blocking read semantics (VMIN=0, VTIME=0).
// Low latency is requested afterwards and its failure is not an error.
func (lc *LineController) Configure() error {
	if lc.dev == nil {
		return errors.Wrap(ErrDescriptorClosed, "configure")
	}
	speed, err := baudToUnix(lc.config.BaudRate)
	if err != nil {
		return err
	}
	if lc.config.StopBits != OneStopBit && lc.config.StopBits != TwoStopBits {
		return errors.Wrapf(ErrInvalidStopBits, "%d", lc.config.StopBits)
	}

	t, err := lc.dev.Termios()
	if err != nil {
		return err
	}

	// Software flow control
	if lc.config.XonXoff {
		t.Iflag |= unix.IXON | unix.IXOFF | unix.IXANY
	} else {
		t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	}

	// Raw input
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.INPCK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL

	t.Cflag |= unix.CREAD | unix.CLOCAL
	t.Cflag &^= unix.PARENB | unix.PARODD | unix.CMSPAR
	if lc.config.StopBits == TwoStopBits {
		t.Cflag |= unix.CSTOPB
	} else {
		t.Cflag &^= unix.CSTOPB
	}
	t.Cflag &^= unix.CSIZE
	t.Cflag |= unix.CS8

	// Hardware flow control
	if lc.config.RtsCts {
		t.Cflag |= unix.CRTSCTS
	} else {
		t.Cflag &^= unix.CRTSCTS
	}

	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHONL | unix.ISIG | unix.IEXTEN

	// Baud rate
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := lc.dev.SetTermios(t); err != nil {
		return err
	}

	if err := lc.dev.SetLowLatency(true); err != nil {
		lc.log.Debug().Err(err).Msg("low latency not supported")
	}
	return nil
}

// ModemBits reads every modem line.
func (lc *LineController) ModemBits() (ModemBits, error) {
	if lc.dev == nil {
		return ModemBits{}, ErrDescriptorClosed
	}
	mask, err := lc.dev.ModemLines()
	if err != nil {
		return ModemBits{}, err
	}
	return ModemBitsFromMask(mask), nil
}

// SetModemBits writes the known lines of m. A fully known value replaces the
// whole mask; otherwise On lines are set and Off lines cleared, leaving
// Unknown lines untouched.
func (lc *LineController) SetModemBits(m ModemBits) error {
	if lc.dev == nil {
		return ErrDescriptorClosed
	}
	if m.Known() {
		mask, _ := m.Mask()
		lc.log.Debug().Msgf("setting all modem bits: 0x%08X", mask)
		return lc.dev.SetModemLines(mask)
	}

	if set := m.MaskOf(On); set != 0 {
		lc.log.Debug().Msgf("setting modem bits: 0x%08X", set)
		if err := lc.dev.BisModemLines(set); err != nil {
			return err
		}
	}
	if unset := m.MaskOf(Off); unset != 0 {
		lc.log.Debug().Msgf("clearing modem bits: 0x%08X", unset)
		if err := lc.dev.BicModemLines(unset); err != nil {
			return err
		}
	}
	return nil
}

// DTR reports the Data Terminal Ready line.
func (lc *LineController) DTR() (bool, error) {
	m, err := lc.ModemBits()
	return m.DTR == On, err
}

// SetDTR drives the Data Terminal Ready line.
func (lc *LineController) SetDTR(on bool) error {
	return lc.SetModemBits(ModemBits{DTR: Bool(on)})
}

// RTS reports the Request To Send line.
func (lc *LineController) RTS() (bool, error) {
	m, err := lc.ModemBits()
	return m.RTS == On, err
}

// SetRTS drives the Request To Send line.
func (lc *LineController) SetRTS(on bool) error {
	return lc.SetModemBits(ModemBits{RTS: Bool(on)})
}

// LowLatency reports the driver low latency flag.
func (lc *LineController) LowLatency() (bool, error) {
	if lc.dev == nil {
		return false, ErrDescriptorClosed
	}
	return lc.dev.LowLatency()
}

// SetLowLatency toggles the driver low latency flag.
func (lc *LineController) SetLowLatency(on bool) error {
	if lc.dev == nil {
		return ErrDescriptorClosed
	}
	return lc.dev.SetLowLatency(on)
}

// ReadExactly reads until n bytes have been collected. The device may return
// short reads; a device that reports end of stream first yields
// io.ErrUnexpectedEOF.
func (lc *LineController) ReadExactly(n int) ([]byte, error) {
	if lc.dev == nil {
		return nil, ErrDescriptorClosed
	}
	if n < 0 {
		return nil, errors.Errorf("read exactly: negative length %d", n)
	}
	buf := make([]byte, n)
	for got := 0; got < n; {
		m, err := lc.dev.Read(buf[got:])
		got += m
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf[:got], io.ErrUnexpectedEOF
			}
			return buf[:got], err
		}
	}
	return buf, nil
}

// Close releases the descriptor if the controller owns it. Safe to call
// multiple times.
func (lc *LineController) Close() error {
	if lc.dev == nil {
		return nil
	}
	lc.dev = nil
	if lc.owned == nil {
		return nil
	}
	d := lc.owned
	lc.owned = nil
	return d.Close()
}
