package serial

import (
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	return p[0], p[1]
}

func TestDescriptor_CloseIsIdempotent(t *testing.T) {
	r, w := pipe(t)
	t.Cleanup(func() { unix.Close(w) })

	d := NewDescriptor(r, "pipe")
	require.True(t, d.Owned())
	require.Equal(t, r, d.Fd())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.True(t, d.Closed())
	require.Equal(t, -1, d.Fd())

	_, err := d.Termios()
	require.ErrorIs(t, err, ErrDescriptorClosed)
	_, err = d.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrDescriptorClosed)
	require.ErrorIs(t, d.SetNonblock(true), ErrDescriptorClosed)
}

func TestDescriptor_BorrowedCloseLeavesFdOpen(t *testing.T) {
	r, w := pipe(t)
	t.Cleanup(func() { unix.Close(r); unix.Close(w) })

	d := BorrowDescriptor(w, "pipe")
	require.False(t, d.Owned())
	require.NoError(t, d.Close())
	require.True(t, d.Closed())

	// the fd still works
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
}

func TestDescriptor_ReadBlocksUntilData(t *testing.T) {
	r, w := pipe(t)
	d := NewDescriptor(r, "pipe")
	require.NoError(t, d.SetNonblock(true))
	t.Cleanup(func() { d.Close() })

	go func() {
		time.Sleep(10 * time.Millisecond)
		unix.Write(w, []byte("hi"))
		unix.Close(w)
	}()

	buf := make([]byte, 8)
	n, err := d.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))

	_, err = d.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestDescriptor_LeakGuard(t *testing.T) {
	r, w := pipe(t)
	t.Cleanup(func() { unix.Close(w) })

	before := LeakedDescriptors()
	func() {
		_ = NewDescriptor(r, "leaked")
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return LeakedDescriptors() > before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenDescriptor_Missing(t *testing.T) {
	_, err := OpenDescriptor("/dev/does-not-exist", true)
	require.ErrorIs(t, err, unix.ENOENT)
}
