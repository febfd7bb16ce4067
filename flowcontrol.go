package serial

import (
	"fmt"

	"github.com/luhtfiimanal/go-serial-transport/reactor"
)

// bufferLimits resolves the watermarks. A negative value is derived from the
// other one: high defaults to 4*low (DefaultHighWater when both are unset)
// and low defaults to high/4.
func bufferLimits(high, low int) (int, int, error) {
	if high < 0 {
		if low < 0 {
			high = DefaultHighWater
		} else {
			high = 4 * low
		}
	}
	if low < 0 {
		low = high / 4
	}
	if !(high >= low && low >= 0) {
		return 0, 0, &BufferLimitConfigError{High: high, Low: low}
	}
	return high, low, nil
}

// SetWriteBufferLimits sets the watermarks controlling PauseWriting and
// ResumeWriting. Pass -1 to derive a limit from the other one.
func (t *Transport) SetWriteBufferLimits(high, low int) error {
	h, l, err := bufferLimits(high, low)
	if err != nil {
		return err
	}
	t.high, t.low = h, l
	t.maybePauseProtocol()
	return nil
}

// WriteBufferLimits returns the low and high watermarks.
func (t *Transport) WriteBufferLimits() (low, high int) {
	return t.low, t.high
}

// WriteBufferSize returns the number of buffered bytes.
func (t *Transport) WriteBufferSize() int {
	return len(t.buf)
}

func (t *Transport) maybePauseProtocol() {
	if len(t.buf) <= t.high || t.protocolPaused || t.proto == nil {
		return
	}
	t.protocolPaused = true
	t.callProtocol("pause_writing", Protocol.PauseWriting)
}

func (t *Transport) maybeResumeProtocol() {
	if !t.protocolPaused || len(t.buf) > t.low || t.proto == nil {
		return
	}
	t.protocolPaused = false
	t.callProtocol("resume_writing", Protocol.ResumeWriting)
}

// callProtocol runs a protocol hook, reporting a panic to the loop's error
// handler instead of letting it unwind into the caller.
func (t *Transport) callProtocol(hook string, fn func(Protocol)) {
	p := t.proto
	if p == nil {
		return
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := &ProtocolCallbackError{Hook: hook, Value: r}
		if t.loop == nil {
			t.log.Error().Err(err).Msg("protocol hook failed")
			return
		}
		t.loop.CallExceptionHandler(reactor.ErrorContext{
			Message:   fmt.Sprintf("protocol.%s() failed", hook),
			Err:       err,
			Transport: t,
			Protocol:  p,
		})
	}()
	fn(p)
}
