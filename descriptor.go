package serial

import (
	"io"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	// asyncLowLatency is ASYNC_LOW_LATENCY from linux/tty_flags.h.
	asyncLowLatency = 1 << 13

	// serialStructFlags is the index of serial_struct.flags when the struct
	// is viewed as an array of C ints.
	serialStructFlags = 4
)

var leakedDescriptors atomic.Int64

// LeakedDescriptors returns how many owned descriptors were garbage
// collected while still open and had to be closed by the runtime.
func LeakedDescriptors() int64 {
	return leakedDescriptors.Load()
}

// Descriptor is a handle to an open device. An owned descriptor closes the
// underlying fd on Close; a borrowed one never does.
type Descriptor struct {
	fd    int
	name  string
	owned bool
}

// OpenDescriptor opens path as a raw tty: O_RDWR|O_NOCTTY, plus O_NONBLOCK
// when nonblock is set. Exclusive access is requested with TIOCEXCL but not
// required.
func OpenDescriptor(path string, nonblock bool) (*Descriptor, error) {
	flags := unix.O_RDWR | unix.O_NOCTTY | unix.O_CLOEXEC
	if nonblock {
		flags |= unix.O_NONBLOCK
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, &DeviceOpenError{Path: path, Err: err}
	}
	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		log.Debug().Str("device", path).Err(err).Msg("exclusive access not available")
	}
	return NewDescriptor(fd, path), nil
}

// NewDescriptor takes ownership of an already open fd.
func NewDescriptor(fd int, name string) *Descriptor {
	d := &Descriptor{fd: fd, name: name, owned: true}
	runtime.SetFinalizer(d, (*Descriptor).finalize)
	return d
}

// BorrowDescriptor wraps an fd owned by someone else.
func BorrowDescriptor(fd int, name string) *Descriptor {
	return &Descriptor{fd: fd, name: name}
}

// Fd returns the file descriptor, or -1 once released.
func (d *Descriptor) Fd() int { return d.fd }

// Name returns the path the descriptor was opened from.
func (d *Descriptor) Name() string { return d.name }

// Owned reports whether Close releases the fd.
func (d *Descriptor) Owned() bool { return d.owned }

// Closed reports whether the descriptor has been released.
func (d *Descriptor) Closed() bool { return d.fd < 0 }

// Close releases the descriptor. Safe to call multiple times.
func (d *Descriptor) Close() error {
	if d.fd < 0 {
		return nil
	}
	fd := d.fd
	d.fd = -1
	if !d.owned {
		return nil
	}
	runtime.SetFinalizer(d, nil)
	return errors.Wrapf(unix.Close(fd), "close %s", d.name)
}

func (d *Descriptor) finalize() {
	if d.fd < 0 {
		return
	}
	leakedDescriptors.Add(1)
	log.Warn().Str("device", d.name).Int("fd", d.fd).Msg("unclosed descriptor, closing it")
	unix.Close(d.fd)
	d.fd = -1
}

// SetNonblock switches O_NONBLOCK on or off.
func (d *Descriptor) SetNonblock(nonblock bool) error {
	if d.fd < 0 {
		return ErrDescriptorClosed
	}
	return errors.Wrap(unix.SetNonblock(d.fd, nonblock), "set nonblock")
}

// Read blocks until the device is readable, then reads once. A zero-byte
// read after readiness is reported as io.EOF.
func (d *Descriptor) Read(p []byte) (int, error) {
	if d.fd < 0 {
		return 0, ErrDescriptorClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		if _, err := unix.Poll(pfd, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, errors.Wrap(err, "poll")
		}
		n, err := d.read(p)
		if err != nil {
			if isTransient(err) {
				continue
			}
			return 0, errors.Wrapf(err, "read %s", d.name)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// read and write are single non-blocking syscalls; n is never negative.
func (d *Descriptor) read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	runtime.KeepAlive(d)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Descriptor) write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	runtime.KeepAlive(d)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Termios reads the line discipline attributes (TCGETS).
func (d *Descriptor) Termios() (*unix.Termios, error) {
	if d.fd < 0 {
		return nil, ErrDescriptorClosed
	}
	t, err := unix.IoctlGetTermios(d.fd, unix.TCGETS)
	return t, errors.Wrap(err, "get termios")
}

// SetTermios applies t immediately (TCSETS).
func (d *Descriptor) SetTermios(t *unix.Termios) error {
	if d.fd < 0 {
		return ErrDescriptorClosed
	}
	return errors.Wrap(unix.IoctlSetTermios(d.fd, unix.TCSETS, t), "set termios")
}

// ModemLines returns the TIOCMGET mask.
func (d *Descriptor) ModemLines() (uint32, error) {
	if d.fd < 0 {
		return 0, ErrDescriptorClosed
	}
	v, err := unix.IoctlGetInt(d.fd, unix.TIOCMGET)
	if err != nil {
		return 0, errors.Wrap(err, "TIOCMGET")
	}
	return uint32(v), nil
}

// SetModemLines replaces the whole mask (TIOCMSET).
func (d *Descriptor) SetModemLines(mask uint32) error {
	return d.modemIoctl(unix.TIOCMSET, "TIOCMSET", mask)
}

// BisModemLines sets the bits in mask (TIOCMBIS).
func (d *Descriptor) BisModemLines(mask uint32) error {
	return d.modemIoctl(unix.TIOCMBIS, "TIOCMBIS", mask)
}

// BicModemLines clears the bits in mask (TIOCMBIC).
func (d *Descriptor) BicModemLines(mask uint32) error {
	return d.modemIoctl(unix.TIOCMBIC, "TIOCMBIC", mask)
}

func (d *Descriptor) modemIoctl(req uint, name string, mask uint32) error {
	if d.fd < 0 {
		return ErrDescriptorClosed
	}
	return errors.Wrap(unix.IoctlSetPointerInt(d.fd, req, int(mask)), name)
}

// LowLatency reports the ASYNC_LOW_LATENCY driver flag.
func (d *Descriptor) LowLatency() (bool, error) {
	var ss [64]int32
	if err := d.serialIoctl(unix.TIOCGSERIAL, &ss); err != nil {
		return false, errors.Wrap(err, "TIOCGSERIAL")
	}
	return ss[serialStructFlags]&asyncLowLatency != 0, nil
}

// SetLowLatency toggles ASYNC_LOW_LATENCY with a read-modify-write of
// serial_struct.
func (d *Descriptor) SetLowLatency(on bool) error {
	var ss [64]int32
	if err := d.serialIoctl(unix.TIOCGSERIAL, &ss); err != nil {
		return errors.Wrap(err, "TIOCGSERIAL")
	}
	if on {
		ss[serialStructFlags] |= asyncLowLatency
	} else {
		ss[serialStructFlags] &^= asyncLowLatency
	}
	return errors.Wrap(d.serialIoctl(unix.TIOCSSERIAL, &ss), "TIOCSSERIAL")
}

func (d *Descriptor) serialIoctl(req uint, ss *[64]int32) error {
	if d.fd < 0 {
		return ErrDescriptorClosed
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(req), uintptr(unsafe.Pointer(ss)))
	runtime.KeepAlive(d)
	if errno != 0 {
		return errno
	}
	return nil
}

var _ Device = (*Descriptor)(nil)
