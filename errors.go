package serial

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrModemBitsUnknown is returned when a ModemBits value with unknown
	// lines is converted to a packed mask.
	ErrModemBitsUnknown = errors.New("modem bits: not every line is known")

	// ErrInvalidStopBits is returned for stop-bit counts other than 1 or 2.
	ErrInvalidStopBits = errors.New("invalid stop bits")

	// ErrDescriptorClosed is returned by operations on a released descriptor.
	ErrDescriptorClosed = errors.New("descriptor closed")

	// ErrNotConnected is returned when writing through a protocol that has
	// no live transport.
	ErrNotConnected = errors.New("not connected")

	// ErrLineTooLong is reported when no delimiter arrives within the
	// configured maximum line length.
	ErrLineTooLong = errors.New("line too long")
)

// DeviceOpenError reports a failure to open the device node.
type DeviceOpenError struct {
	Path string
	Err  error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Path, e.Err)
}

func (e *DeviceOpenError) Unwrap() error { return e.Err }
func (e *DeviceOpenError) Cause() error  { return e.Err }

// UnsupportedBaudRateError reports a baud rate with no termios speed code.
type UnsupportedBaudRateError struct {
	Baud int
}

func (e *UnsupportedBaudRateError) Error() string {
	return fmt.Sprintf("unsupported baud rate %d", e.Baud)
}

// BufferLimitConfigError reports write buffer limits violating high >= low >= 0.
type BufferLimitConfigError struct {
	High, Low int
}

func (e *BufferLimitConfigError) Error() string {
	return fmt.Sprintf("high (%d) must be >= low (%d) must be >= 0", e.High, e.Low)
}

// FatalTransportError wraps an unrecoverable OS error seen by a transport.
type FatalTransportError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *FatalTransportError) Error() string {
	return fmt.Sprintf("fatal %s error: %v", e.Op, e.Err)
}

func (e *FatalTransportError) Unwrap() error { return e.Err }
func (e *FatalTransportError) Cause() error  { return e.Err }

// ProtocolCallbackError carries a panic raised inside a protocol hook.
type ProtocolCallbackError struct {
	Hook  string
	Value any
}

func (e *ProtocolCallbackError) Error() string {
	return fmt.Sprintf("protocol.%s() failed: %v", e.Hook, e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *ProtocolCallbackError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// isTransient reports errors that only mean "try again on the next readiness event".
func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// isDeviceGone reports errors consistent with the device being unplugged.
func isDeviceGone(err error) bool {
	return errors.Is(err, unix.EIO) || errors.Is(err, unix.ENXIO) || errors.Is(err, unix.ENODEV)
}
