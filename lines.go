package serial

import (
	"bytes"

	"github.com/pkg/errors"
)

// DefaultDelimiter ends lines handled by LineReceiver.
const DefaultDelimiter = "\r\n"

// LineReceiver is a Protocol that splits the incoming stream on Delimiter
// and hands each complete line to OnLine, without the delimiter.
//
// This suits instruments that stream newline-terminated records at a steady
// rate: lines are delivered from the loop goroutine as soon as the chunk
// containing their delimiter is read.
type LineReceiver struct {
	Delimiter string // default "\r\n"
	// MaxLineLength bounds the bytes buffered while waiting for a delimiter;
	// zero means unbounded.
	MaxLineLength int

	OnConnect func(t *Transport)
	OnLine    func(line string)
	OnError   func(err error)
	OnClose   func()

	transport *Transport
	pending   []byte
	paused    bool
}

var _ Protocol = (*LineReceiver)(nil)

func (r *LineReceiver) delimiter() []byte {
	if r.Delimiter == "" {
		return []byte(DefaultDelimiter)
	}
	return []byte(r.Delimiter)
}

// ConnectionMade implements Protocol.
func (r *LineReceiver) ConnectionMade(t *Transport) {
	r.transport = t
	if r.OnConnect != nil {
		r.OnConnect(t)
	}
}

// DataReceived implements Protocol.
func (r *LineReceiver) DataReceived(data []byte) {
	r.pending = append(r.pending, data...)
	delim := r.delimiter()
	for {
		idx := bytes.Index(r.pending, delim)
		if idx < 0 {
			break
		}
		line := string(r.pending[:idx])
		r.pending = r.pending[idx+len(delim):]
		if r.OnLine != nil {
			r.OnLine(line)
		}
	}
	if r.MaxLineLength > 0 && len(r.pending) > r.MaxLineLength {
		n := len(r.pending)
		r.pending = nil
		r.reportError(errors.Wrapf(ErrLineTooLong, "%d bytes without delimiter", n))
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}
}

// EOFReceived implements Protocol.
func (r *LineReceiver) EOFReceived() {}

// ConnectionLost implements Protocol. A non-nil error is passed to OnError.
func (r *LineReceiver) ConnectionLost(err error) {
	r.transport = nil
	if err != nil {
		r.reportError(err)
	}
	if r.OnClose != nil {
		r.OnClose()
	}
}

// PauseWriting implements Protocol.
func (r *LineReceiver) PauseWriting() { r.paused = true }

// ResumeWriting implements Protocol.
func (r *LineReceiver) ResumeWriting() { r.paused = false }

// WritingPaused reports whether the transport asked the writer to back off.
func (r *LineReceiver) WritingPaused() bool { return r.paused }

// Transport returns the live transport, nil before ConnectionMade and after
// ConnectionLost.
func (r *LineReceiver) Transport() *Transport { return r.transport }

// WriteLine writes line followed by the delimiter.
func (r *LineReceiver) WriteLine(line string) error {
	if r.transport == nil {
		return ErrNotConnected
	}
	r.transport.Write([]byte(line + string(r.delimiter())))
	return nil
}

func (r *LineReceiver) reportError(err error) {
	if r.OnError != nil {
		r.OnError(err)
	}
}
