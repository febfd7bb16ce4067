package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ErrRunning is returned by Run when the loop is already running.
var ErrRunning = errors.New("reactor: loop already running")

// ErrorContext describes a failure reported to the loop's error handler.
type ErrorContext struct {
	Message   string
	Err       error
	Transport any
	Protocol  any
}

// ErrorHandler receives every error reported with CallExceptionHandler.
type ErrorHandler func(ErrorContext)

type registration struct {
	reader func()
	writer func()
}

func (r *registration) events() uint32 {
	var ev uint32
	if r.reader != nil {
		ev |= unix.EPOLLIN
	}
	if r.writer != nil {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Loop dispatches readiness callbacks and deferred calls on one goroutine.
type Loop struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	mu      sync.Mutex
	closed  bool
	pending []func()
	regs    map[int]*registration
	handler ErrorHandler

	log       zerolog.Logger
	running   atomic.Bool
	stopping  atomic.Bool
	closeOnce sync.Once
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used by the default error handler.
func WithLogger(l zerolog.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

// WithErrorHandler installs h as the error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(lp *Loop) { lp.handler = h }
}

// New creates a loop backed by an epoll instance and an eventfd used to
// wake it up.
func New(opts ...Option) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll_ctl wakefd")
	}

	l := &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 128),
		regs:   make(map[int]*registration),
		log:    log.Logger.With().Str("component", "reactor").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetExceptionHandler replaces the error handler; nil restores the default,
// which logs the error.
func (l *Loop) SetExceptionHandler(h ErrorHandler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// CallExceptionHandler reports c to the error handler. A panicking handler
// falls back to the default one.
func (l *Loop) CallExceptionHandler(c ErrorContext) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		l.defaultHandler(c)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.defaultHandler(ErrorContext{
				Message: "unhandled error in exception handler",
				Err:     errors.Errorf("%v", r),
			})
			l.defaultHandler(c)
		}
	}()
	h(c)
}

func (l *Loop) defaultHandler(c ErrorContext) {
	ev := l.log.Error().Err(c.Err)
	if c.Transport != nil {
		ev = ev.Str("transport", fmt.Sprint(c.Transport))
	}
	if c.Protocol != nil {
		ev = ev.Str("protocol", fmt.Sprintf("%T", c.Protocol))
	}
	ev.Msg(c.Message)
}

// CallSoon queues fn to run on the loop goroutine on its next iteration.
// Calls run in the order they were queued. Calls made after Close are
// dropped.
func (l *Loop) CallSoon(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.pending = append(l.pending, fn)
	l.wakeLocked()
}

// AddReader registers cb for read readiness of fd, replacing any previous
// reader callback.
func (l *Loop) AddReader(fd int, cb func()) error {
	return l.update(fd, func(r *registration) { r.reader = cb })
}

// RemoveReader drops the reader callback of fd and reports whether one was
// registered.
func (l *Loop) RemoveReader(fd int) bool {
	var had bool
	l.update(fd, func(r *registration) {
		had = r.reader != nil
		r.reader = nil
	})
	return had
}

// AddWriter registers cb for write readiness of fd.
func (l *Loop) AddWriter(fd int, cb func()) error {
	return l.update(fd, func(r *registration) { r.writer = cb })
}

// RemoveWriter drops the writer callback of fd and reports whether one was
// registered.
func (l *Loop) RemoveWriter(fd int) bool {
	var had bool
	l.update(fd, func(r *registration) {
		had = r.writer != nil
		r.writer = nil
	})
	return had
}

func (l *Loop) update(fd int, mutate func(*registration)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reg, ok := l.regs[fd]
	if !ok {
		reg = &registration{}
	}
	before := reg.events()
	next := *reg
	mutate(&next)
	after := next.events()

	var err error
	switch {
	case before == after:
	case before == 0:
		ev := unix.EpollEvent{Events: after, Fd: int32(fd)}
		err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case after == 0:
		err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if err == unix.EBADF || err == unix.ENOENT {
			// already closed: the kernel dropped it from the set
			err = nil
		}
	default:
		ev := unix.EpollEvent{Events: after, Fd: int32(fd)}
		err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		return errors.Wrapf(err, "epoll_ctl fd %d", fd)
	}

	if after == 0 {
		delete(l.regs, fd)
		return nil
	}
	*reg = next
	l.regs[fd] = reg
	return nil
}

// Run dispatches events until ctx is done or Stop is called. Errors from
// callbacks never end the loop; only epoll failures do.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.stopping.Swap(false) {
			return nil
		}

		l.runPending()

		timeout := -1
		l.mu.Lock()
		if len(l.pending) > 0 {
			timeout = 0
		}
		l.mu.Unlock()

		n, err := unix.EpollWait(l.epfd, l.events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll_wait")
		}
		for i := 0; i < n; i++ {
			l.dispatch(l.events[i])
		}
	}
}

// Stop makes Run return after the current iteration.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	l.wake()
}

// Running reports whether Run is executing.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Close releases the epoll instance. Call it after Run has returned.
func (l *Loop) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.closed = true
		l.pending = nil
		err = unix.Close(l.wakefd)
		if cerr := unix.Close(l.epfd); err == nil {
			err = cerr
		}
	})
	return errors.Wrap(err, "close reactor")
}

func (l *Loop) runPending() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range batch {
		l.invoke("deferred call", fn)
	}
}

func (l *Loop) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == l.wakefd {
		var buf [8]byte
		unix.Read(l.wakefd, buf[:])
		return
	}

	if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if cb := l.callback(fd, false); cb != nil {
			l.invoke("reader callback", cb)
		}
	}
	// the reader may have dropped the writer
	if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if cb := l.callback(fd, true); cb != nil {
			l.invoke("writer callback", cb)
		}
	}
}

func (l *Loop) callback(fd int, writer bool) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, ok := l.regs[fd]
	if !ok {
		return nil
	}
	if writer {
		return reg.writer
	}
	return reg.reader
}

func (l *Loop) invoke(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.Errorf("%v", r)
			}
			l.CallExceptionHandler(ErrorContext{
				Message: fmt.Sprintf("panic in %s", what),
				Err:     err,
			})
		}
	}()
	fn()
}

func (l *Loop) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wakeLocked()
}

// wakeLocked must be called with l.mu held; the eventfd is gone once the
// loop is closed.
func (l *Loop) wakeLocked() {
	if l.closed {
		return
	}
	var one = [8]byte{1}
	if _, err := unix.Write(l.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		l.log.Debug().Err(err).Msg("wake failed")
	}
}
