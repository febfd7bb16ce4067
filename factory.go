package serial

import (
	"net"
	"net/url"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Dial creates a transport for target and the protocol newProtocol returns.
//
// target is either a device path (optionally written as serial:///dev/ttyUSB0
// or file:///dev/ttyUSB0), opened with cfg, or a network endpoint
// (tcp://host:port or socket://host:port). Network endpoints are dialed with
// net.Dial and the socket descriptor is driven by the same Transport, without
// a LineController; cfg then only contributes read and buffer sizes.
func Dial(loop Loop, newProtocol func() Protocol, target string, cfg Config, opts ...Option) (*Transport, Protocol, error) {
	u, err := url.Parse(target)
	if err == nil {
		switch u.Scheme {
		case "tcp", "socket":
			return dialTCP(loop, newProtocol, u.Host, cfg, opts...)
		case "serial", "file":
			target = u.Path
		}
	}

	cfg.Device = target
	proto := newProtocol()
	t, err := Open(loop, proto, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return t, proto, nil
}

func dialTCP(loop Loop, newProtocol func() Protocol, addr string, cfg Config, opts ...Option) (*Transport, Protocol, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	fd, err := dupSocket(conn.(syscall.Conn))
	if err != nil {
		return nil, nil, err
	}
	d := NewDescriptor(fd, "tcp://"+addr)

	cfg = cfg.withDefaults()
	high, low := cfg.writeLimits()
	opts = append([]Option{
		WithReadChunk(cfg.ReadChunk),
		WithWriteBufferLimits(high, low),
	}, opts...)

	proto := newProtocol()
	t, err := NewTransport(loop, proto, d, opts...)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return t, proto, nil
}

// dupSocket returns a non-blocking, close-on-exec duplicate of the socket
// descriptor so it outlives conn.
func dupSocket(conn syscall.Conn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "raw socket")
	}
	fd := -1
	var dupErr error
	if err := rc.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, errors.Wrap(err, "raw socket control")
	}
	if dupErr != nil {
		return -1, errors.Wrap(dupErr, "dup socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblock")
	}
	return fd, nil
}
