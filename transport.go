package serial

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luhtfiimanal/go-serial-transport/reactor"
)

// LogThresholdForConnLostWrites is how many writes may be dropped after the
// transport started closing before a warning is logged. The warning is
// logged once.
const LogThresholdForConnLostWrites = 5

// Protocol receives the transport's notifications. All methods are called on
// the loop goroutine.
type Protocol interface {
	ConnectionMade(t *Transport)
	DataReceived(data []byte)
	EOFReceived()
	ConnectionLost(err error)
	PauseWriting()
	ResumeWriting()
}

// Loop is the part of the event loop a Transport needs. *reactor.Loop
// implements it.
type Loop interface {
	AddReader(fd int, cb func()) error
	RemoveReader(fd int) bool
	AddWriter(fd int, cb func()) error
	RemoveWriter(fd int) bool
	CallSoon(fn func())
	CallExceptionHandler(c reactor.ErrorContext)
}

var _ Loop = (*reactor.Loop)(nil)

// State is the lifecycle stage of a Transport.
type State int

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type options struct {
	ready     chan struct{}
	extra     map[string]any
	chunk     int
	high, low int
	logger    *zerolog.Logger
	serial    *LineController
}

// Option configures a Transport.
type Option func(*options)

// WithReady closes ch once the transport is connected and reading.
func WithReady(ch chan struct{}) Option {
	return func(o *options) { o.ready = ch }
}

// WithExtra seeds the values returned by Transport.Extra.
func WithExtra(extra map[string]any) Option {
	return func(o *options) {
		for k, v := range extra {
			o.extra[k] = v
		}
	}
}

// WithReadChunk caps the size of a single read. Zero keeps DefaultReadChunk.
func WithReadChunk(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunk = n
		}
	}
}

// WithWriteBufferLimits sets the initial watermarks; see SetWriteBufferLimits.
func WithWriteBufferLimits(high, low int) Option {
	return func(o *options) { o.high, o.low = high, low }
}

// WithLogger sets the transport's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

func withSerial(lc *LineController) Option {
	return func(o *options) { o.serial = lc }
}

// Transport turns a non-blocking descriptor into a flow-controlled byte
// stream driven by a Loop. It owns the descriptor and releases it after
// notifying ConnectionLost, which happens exactly once.
//
// Transport methods are not safe for concurrent use; call them from the loop
// goroutine, for example through Loop.CallSoon.
type Transport struct {
	id     string
	loop   Loop
	proto  Protocol
	dev    *Descriptor
	fd     int
	serial *LineController
	extra  map[string]any
	log    zerolog.Logger

	buf       []byte
	rbuf      []byte
	chunk     int
	high, low int

	protocolPaused bool
	readingPaused  bool
	closing        bool
	connLost       int
	warnedDrops    bool

	readerActive  bool
	writerActive  bool
	lostScheduled bool
	lost          bool
}

// Open opens cfg.Device non-blocking, applies the line settings through a
// LineController that borrows the descriptor, and wraps it in a Transport.
// The controller is available as Serial() and as Extra("serial").
func Open(loop Loop, proto Protocol, cfg Config, opts ...Option) (*Transport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := OpenDescriptor(cfg.Device, true)
	if err != nil {
		return nil, err
	}
	lc, err := NewLineController(d, cfg)
	if err != nil {
		d.Close()
		return nil, err
	}

	high, low := cfg.writeLimits()
	opts = append([]Option{
		withSerial(lc),
		WithReadChunk(cfg.ReadChunk),
		WithWriteBufferLimits(high, low),
	}, opts...)
	t, err := NewTransport(loop, proto, d, opts...)
	if err != nil {
		d.Close()
		return nil, err
	}
	return t, nil
}

// NewTransport wraps an open, non-blocking descriptor. The transport takes
// ownership of d. ConnectionMade is delivered through the loop before the
// descriptor is registered for reading, so the protocol is always set up
// before its first DataReceived.
func NewTransport(loop Loop, proto Protocol, d *Descriptor, opts ...Option) (*Transport, error) {
	o := options{
		extra: make(map[string]any),
		chunk: DefaultReadChunk,
		high:  -1,
		low:   -1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	high, low, err := bufferLimits(o.high, o.low)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		id:     uuid.NewString(),
		loop:   loop,
		proto:  proto,
		dev:    d,
		fd:     d.Fd(),
		serial: o.serial,
		extra:  o.extra,
		chunk:  o.chunk,
		high:   high,
		low:    low,
	}
	if o.serial != nil {
		t.extra["serial"] = o.serial
	}
	base := log.Logger
	if o.logger != nil {
		base = *o.logger
	}
	t.log = base.With().Str("component", "transport").Str("transport", t.id).Str("device", d.Name()).Logger()

	loop.CallSoon(t.connectionMade)
	loop.CallSoon(t.startReading)
	if o.ready != nil {
		ready := o.ready
		loop.CallSoon(func() { close(ready) })
	}
	return t, nil
}

func (t *Transport) connectionMade() {
	if t.proto != nil && !t.lost {
		t.proto.ConnectionMade(t)
	}
}

func (t *Transport) startReading() {
	if t.closing || t.readingPaused || t.lost {
		return
	}
	t.addReader()
}

// ID is a unique identifier used in log lines.
func (t *Transport) ID() string { return t.id }

func (t *Transport) String() string {
	return fmt.Sprintf("<serial.Transport %s fd=%d %s>", t.dev.Name(), t.dev.Fd(), t.State())
}

// Serial returns the LineController configuring the device, or nil when
// the transport was built on a plain descriptor.
func (t *Transport) Serial() *LineController { return t.serial }

// Extra returns transport metadata by key.
func (t *Transport) Extra(key string) (any, bool) {
	v, ok := t.extra[key]
	return v, ok
}

// Protocol returns the current protocol, nil once the connection is lost.
func (t *Transport) Protocol() Protocol { return t.proto }

// SetProtocol replaces the protocol receiving notifications.
func (t *Transport) SetProtocol(p Protocol) { t.proto = p }

// IsClosing reports whether Close, WriteEOF, Abort or a failure has started
// tearing the transport down.
func (t *Transport) IsClosing() bool { return t.closing }

// State returns the lifecycle state.
func (t *Transport) State() State {
	switch {
	case t.lost:
		return StateClosed
	case t.closing:
		return StateClosing
	default:
		return StateActive
	}
}

// DroppedWrites returns how many writes were discarded after the transport
// started closing or failed.
func (t *Transport) DroppedWrites() int { return t.connLost }

// IsReading reports whether the descriptor is being read.
func (t *Transport) IsReading() bool {
	return !t.readingPaused && !t.closing
}

// PauseReading stops delivering data until ResumeReading.
func (t *Transport) PauseReading() {
	if t.closing || t.readingPaused {
		return
	}
	t.readingPaused = true
	t.removeReader()
	t.log.Debug().Msg("pause reading")
}

// ResumeReading undoes PauseReading.
func (t *Transport) ResumeReading() {
	if t.closing || !t.readingPaused {
		return
	}
	t.readingPaused = false
	t.addReader()
	t.log.Debug().Msg("resume reading")
}

func (t *Transport) readReady() {
	if t.lost {
		return
	}
	if t.rbuf == nil {
		t.rbuf = make([]byte, t.chunk)
	}
	n, err := t.dev.read(t.rbuf)
	if err != nil {
		if isTransient(err) {
			return
		}
		t.fatalError(&FatalTransportError{Op: "read", Err: err}, "Fatal read error on serial transport")
		return
	}
	if n == 0 {
		t.log.Debug().Msg("closed by peer")
		t.closing = true
		t.removeReader()
		t.loop.CallSoon(t.eofReceived)
		t.scheduleConnectionLost(nil)
		return
	}

	bytesReceived.Add(float64(n))
	data := make([]byte, n)
	copy(data, t.rbuf[:n])
	if t.proto != nil {
		t.proto.DataReceived(data)
	}
}

func (t *Transport) eofReceived() {
	if t.proto != nil {
		t.proto.EOFReceived()
	}
}

// Write queues data for the device. It never blocks: whatever cannot be
// written immediately is buffered and flushed on write readiness. Writes
// after Close, or after a failure, are dropped and counted.
func (t *Transport) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	if t.closing || t.connLost > 0 {
		t.connLost++
		droppedWrites.Inc()
		if t.connLost > LogThresholdForConnLostWrites && !t.warnedDrops {
			t.warnedDrops = true
			t.log.Warn().Int("dropped", t.connLost).Msg("device closed or write failed, dropping writes")
		}
		return
	}

	if len(t.buf) == 0 {
		n, err := t.dev.write(data)
		if err != nil {
			if !isTransient(err) {
				t.connLost++
				t.fatalError(&FatalTransportError{Op: "write", Err: err}, "Fatal write error on serial transport")
				return
			}
			n = 0
		}
		bytesSent.Add(float64(n))
		if n == len(data) {
			return
		}
		data = data[n:]
		t.addWriter()
		if t.lost || t.closing {
			return
		}
	}

	t.buf = append(t.buf, data...)
	t.maybePauseProtocol()
}

func (t *Transport) writeReady() {
	if len(t.buf) == 0 {
		t.removeWriter()
		return
	}
	n, err := t.dev.write(t.buf)
	if err != nil {
		if isTransient(err) {
			return
		}
		t.buf = nil
		t.connLost++
		t.removeWriter()
		t.fatalError(&FatalTransportError{Op: "write", Err: err}, "Fatal write error on serial transport")
		return
	}
	bytesSent.Add(float64(n))

	if n == len(t.buf) {
		t.buf = t.buf[:0]
		t.removeWriter()
		t.maybeResumeProtocol() // may call Write and refill the buffer
		if t.closing && len(t.buf) == 0 {
			t.removeReader()
			t.scheduleConnectionLost(nil)
		}
		return
	}
	if n > 0 {
		t.buf = t.buf[:copy(t.buf, t.buf[n:])]
	}
}

// CanWriteEOF is always true: WriteEOF closes after draining.
func (t *Transport) CanWriteEOF() bool { return true }

// WriteEOF stops accepting writes and closes once the buffer has drained.
func (t *Transport) WriteEOF() {
	if t.closing {
		return
	}
	t.closing = true
	if len(t.buf) == 0 {
		t.removeReader()
		t.scheduleConnectionLost(nil)
	}
}

// Close closes the transport gracefully: buffered data is flushed first.
func (t *Transport) Close() {
	if t.lost || t.closing {
		return
	}
	t.WriteEOF()
}

// Abort closes the transport immediately, discarding buffered data.
func (t *Transport) Abort() {
	if t.lost {
		return
	}
	t.forceClose(nil)
}

func (t *Transport) fatalError(err error, msg string) {
	if isDeviceGone(err) {
		t.log.Debug().Err(err).Msg(msg)
	} else {
		t.loop.CallExceptionHandler(reactor.ErrorContext{
			Message:   msg,
			Err:       err,
			Transport: t,
			Protocol:  t.proto,
		})
	}
	t.forceClose(err)
}

func (t *Transport) forceClose(err error) {
	t.closing = true
	if len(t.buf) > 0 {
		t.removeWriter()
	}
	t.buf = nil
	t.removeReader()
	t.scheduleConnectionLost(err)
}

func (t *Transport) scheduleConnectionLost(err error) {
	if t.lostScheduled {
		return
	}
	t.lostScheduled = true
	t.loop.CallSoon(func() { t.callConnectionLost(err) })
}

func (t *Transport) callConnectionLost(err error) {
	if t.lost {
		return
	}
	t.lost = true
	t.closing = true
	t.removeWriter()
	t.removeReader()
	t.buf = nil
	connectionsLost.WithLabelValues(lostReason(err)).Inc()

	defer func() {
		if cerr := t.dev.Close(); cerr != nil {
			t.log.Debug().Err(cerr).Msg("close descriptor")
		}
		t.proto = nil
		t.loop = nil
	}()
	t.callProtocol("connection_lost", func(p Protocol) { p.ConnectionLost(err) })
}

func (t *Transport) addReader() {
	if t.readerActive {
		return
	}
	if err := t.loop.AddReader(t.fd, t.readReady); err != nil {
		t.fatalError(&FatalTransportError{Op: "register", Err: err}, "Cannot watch serial transport for reading")
		return
	}
	t.readerActive = true
}

func (t *Transport) removeReader() {
	if !t.readerActive {
		return
	}
	t.readerActive = false
	t.loop.RemoveReader(t.fd)
}

func (t *Transport) addWriter() {
	if t.writerActive {
		return
	}
	if err := t.loop.AddWriter(t.fd, t.writeReady); err != nil {
		t.fatalError(&FatalTransportError{Op: "register", Err: err}, "Cannot watch serial transport for writing")
		return
	}
	t.writerActive = true
}

func (t *Transport) removeWriter() {
	if !t.writerActive {
		return
	}
	t.writerActive = false
	t.loop.RemoveWriter(t.fd)
}
