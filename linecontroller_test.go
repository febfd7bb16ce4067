package serial

import (
	"io"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeDevice keeps termios and modem state in memory.
type fakeDevice struct {
	termios    unix.Termios
	modem      uint32
	lowLatency bool
	noSerial   bool
	calls      []string
	reads      [][]byte
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	if len(d.reads) == 0 {
		return 0, io.EOF
	}
	n := copy(p, d.reads[0])
	d.reads = d.reads[1:]
	return n, nil
}

func (d *fakeDevice) Termios() (*unix.Termios, error) {
	t := d.termios
	return &t, nil
}

func (d *fakeDevice) SetTermios(t *unix.Termios) error {
	d.calls = append(d.calls, "set_termios")
	d.termios = *t
	return nil
}

func (d *fakeDevice) ModemLines() (uint32, error) { return d.modem, nil }

func (d *fakeDevice) SetModemLines(mask uint32) error {
	d.calls = append(d.calls, "tiocmset")
	d.modem = mask
	return nil
}

func (d *fakeDevice) BisModemLines(mask uint32) error {
	d.calls = append(d.calls, "tiocmbis")
	d.modem |= mask
	return nil
}

func (d *fakeDevice) BicModemLines(mask uint32) error {
	d.calls = append(d.calls, "tiocmbic")
	d.modem &^= mask
	return nil
}

func (d *fakeDevice) LowLatency() (bool, error) {
	if d.noSerial {
		return false, unix.ENOTTY
	}
	return d.lowLatency, nil
}

func (d *fakeDevice) SetLowLatency(on bool) error {
	if d.noSerial {
		return unix.ENOTTY
	}
	d.lowLatency = on
	return nil
}

// cookedTermios looks like a freshly opened terminal.
func cookedTermios() unix.Termios {
	var t unix.Termios
	t.Iflag = unix.ICRNL | unix.IXON | unix.BRKINT
	t.Oflag = unix.OPOST | unix.ONLCR
	t.Cflag = unix.CS7 | unix.PARENB | unix.CSTOPB | unix.B9600 | unix.CRTSCTS
	t.Lflag = unix.ICANON | unix.ECHO | unix.ISIG | unix.IEXTEN
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 5
	return t
}

func TestLineController_ConfigureRaw(t *testing.T) {
	dev := &fakeDevice{termios: cookedTermios()}
	lc, err := NewLineController(dev, Config{Device: "fake", BaudRate: 57600})
	require.NoError(t, err)
	require.Equal(t, "fake", lc.Path())
	require.Equal(t, 57600, lc.BaudRate())

	tt := dev.termios
	require.Zero(t, tt.Iflag&(unix.IXON|unix.IXOFF|unix.IXANY|unix.ICRNL|unix.BRKINT))
	require.Zero(t, tt.Oflag&(unix.OPOST|unix.ONLCR))
	require.Zero(t, tt.Lflag&(unix.ICANON|unix.ECHO|unix.ISIG|unix.IEXTEN))
	require.Equal(t, uint32(unix.CS8), tt.Cflag&unix.CSIZE)
	require.Zero(t, tt.Cflag&(unix.PARENB|unix.CSTOPB|unix.CRTSCTS))
	require.NotZero(t, tt.Cflag&unix.CREAD)
	require.NotZero(t, tt.Cflag&unix.CLOCAL)
	require.Equal(t, uint32(unix.B57600), tt.Cflag&unix.CBAUD)
	require.Equal(t, uint32(unix.B57600), tt.Ispeed)
	require.Equal(t, uint32(unix.B57600), tt.Ospeed)
	require.Zero(t, tt.Cc[unix.VMIN])
	require.Zero(t, tt.Cc[unix.VTIME])

	require.Equal(t, []string{"set_termios"}, dev.calls)
	require.True(t, dev.lowLatency)
}

func TestLineController_ConfigureFlowControlAndStopBits(t *testing.T) {
	dev := &fakeDevice{}
	_, err := NewLineController(dev, Config{
		Device:   "fake",
		StopBits: TwoStopBits,
		XonXoff:  true,
		RtsCts:   true,
	})
	require.NoError(t, err)

	tt := dev.termios
	require.Equal(t, uint32(unix.IXON|unix.IXOFF|unix.IXANY), tt.Iflag&(unix.IXON|unix.IXOFF|unix.IXANY))
	require.NotZero(t, tt.Cflag&unix.CSTOPB)
	require.Equal(t, uint32(unix.CRTSCTS), tt.Cflag&unix.CRTSCTS)
	require.Equal(t, uint32(unix.B115200), tt.Cflag&unix.CBAUD)
}

func TestLineController_ConfigureRejectsBadSettings(t *testing.T) {
	dev := &fakeDevice{}
	_, err := NewLineController(dev, Config{Device: "fake", BaudRate: 12345})
	var baudErr *UnsupportedBaudRateError
	require.True(t, errors.As(err, &baudErr))

	_, err = NewLineController(dev, Config{Device: "fake", StopBits: 3})
	require.ErrorIs(t, err, ErrInvalidStopBits)
	require.Empty(t, dev.calls)
}

func TestLineController_LowLatencyIsBestEffort(t *testing.T) {
	dev := &fakeDevice{noSerial: true}
	lc, err := NewLineController(dev, Config{Device: "fake"})
	require.NoError(t, err)

	_, err = lc.LowLatency()
	require.ErrorIs(t, err, unix.ENOTTY)
}

func TestLineController_ModemBits(t *testing.T) {
	dev := &fakeDevice{modem: unix.TIOCM_DTR | unix.TIOCM_CAR}
	lc, err := NewLineController(dev, Config{Device: "fake"})
	require.NoError(t, err)

	m, err := lc.ModemBits()
	require.NoError(t, err)
	require.Equal(t, On, m.DTR)
	require.Equal(t, On, m.CAR)
	require.Equal(t, Off, m.RTS)

	dtr, err := lc.DTR()
	require.NoError(t, err)
	require.True(t, dtr)
	rts, err := lc.RTS()
	require.NoError(t, err)
	require.False(t, rts)
}

func TestLineController_SetModemBitsPartial(t *testing.T) {
	dev := &fakeDevice{modem: unix.TIOCM_RTS | unix.TIOCM_DTR}
	lc, err := NewLineController(dev, Config{Device: "fake"})
	require.NoError(t, err)
	dev.calls = nil

	require.NoError(t, lc.SetDTR(false))
	require.Equal(t, []string{"tiocmbic"}, dev.calls)
	require.Equal(t, uint32(unix.TIOCM_RTS), dev.modem)

	dev.calls = nil
	require.NoError(t, lc.SetModemBits(ModemBits{DTR: On, RTS: Off}))
	require.Equal(t, []string{"tiocmbis", "tiocmbic"}, dev.calls)
	require.Equal(t, uint32(unix.TIOCM_DTR), dev.modem)

	// nothing known, nothing written
	dev.calls = nil
	require.NoError(t, lc.SetModemBits(ModemBits{}))
	require.Empty(t, dev.calls)
}

func TestLineController_SetModemBitsFull(t *testing.T) {
	dev := &fakeDevice{modem: unix.TIOCM_RTS}
	lc, err := NewLineController(dev, Config{Device: "fake"})
	require.NoError(t, err)
	dev.calls = nil

	m := AllOff()
	m.DTR = On
	require.NoError(t, lc.SetModemBits(m))
	require.Equal(t, []string{"tiocmset"}, dev.calls)
	require.Equal(t, uint32(unix.TIOCM_DTR), dev.modem)
}

func TestLineController_ReadExactly(t *testing.T) {
	dev := &fakeDevice{reads: [][]byte{[]byte("ab"), []byte("c"), []byte("def")}}
	lc, err := NewLineController(dev, Config{Device: "fake"})
	require.NoError(t, err)

	got, err := lc.ReadExactly(4)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(got))

	got, err = lc.ReadExactly(5)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Empty(t, got)
}

func TestLineController_ReadExactlyNegativeLength(t *testing.T) {
	dev := &fakeDevice{reads: [][]byte{[]byte("ab")}}
	lc, err := NewLineController(dev, Config{Device: "fake"})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		_, err = lc.ReadExactly(-1)
	})
	require.Error(t, err)
	require.Len(t, dev.reads, 1)

	got, err := lc.ReadExactly(0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLineController_BorrowedCloseKeepsDevice(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	t.Cleanup(func() { unix.Close(p[1]) })
	d := NewDescriptor(p[0], "pipe")
	t.Cleanup(func() { d.Close() })

	lc := newLineController(d, Config{Device: "pipe"})
	require.NoError(t, lc.Close())
	require.NoError(t, lc.Close())
	require.False(t, d.Closed())

	_, err := lc.ModemBits()
	require.ErrorIs(t, err, ErrDescriptorClosed)
	require.ErrorIs(t, lc.SetDTR(true), ErrDescriptorClosed)
	_, err = lc.ReadExactly(1)
	require.ErrorIs(t, err, ErrDescriptorClosed)
	require.ErrorIs(t, lc.Configure(), ErrDescriptorClosed)
}

func TestOpenLineController_PTY(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	lc, err := OpenLineController(Config{Device: slave.Name(), BaudRate: 9600})
	require.NoError(t, err)

	tios, err := unix.IoctlGetTermios(int(slave.Fd()), unix.TCGETS)
	require.NoError(t, err)
	require.Zero(t, tios.Lflag&(unix.ICANON|unix.ECHO))
	require.Equal(t, uint32(unix.CS8), tios.Cflag&unix.CSIZE)

	go func() {
		time.Sleep(10 * time.Millisecond)
		master.Write([]byte("12"))
		time.Sleep(10 * time.Millisecond)
		master.Write([]byte("345"))
	}()
	got, err := lc.ReadExactly(5)
	require.NoError(t, err)
	require.Equal(t, "12345", string(got))

	require.NoError(t, lc.Close())
	require.NoError(t, lc.Close())
}

func TestOpenLineController_MissingDevice(t *testing.T) {
	_, err := OpenLineController(Config{Device: "/dev/does-not-exist"})
	var openErr *DeviceOpenError
	require.True(t, errors.As(err, &openErr))
	require.True(t, errors.Is(err, unix.ENOENT))
}
