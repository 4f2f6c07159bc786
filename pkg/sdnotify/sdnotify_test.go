package sdnotify

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify_NoSocketConfiguredIsANoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.NoError(t, Notify("READY=1"))
}

func TestNotify_WritesStateToSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")
	listener, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer listener.Close()

	t.Setenv("NOTIFY_SOCKET", sockPath)
	require.NoError(t, Notify("READY=1"))

	buf := make([]byte, 64)
	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := listener.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "READY=1", string(buf[:n]))
}

func TestWatchdog_SendsHeartbeatsUntilCancelled(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "watchdog.sock")
	listener, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer listener.Close()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var errs int
	Watchdog(ctx, 40*time.Millisecond, func(error) { errs++ })

	buf := make([]byte, 64)
	listener.SetReadDeadline(time.Now().Add(time.Second))
	n, err := listener.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "WATCHDOG=1", string(buf[:n]))
	assert.Zero(t, errs)
}

func TestWatchdog_ZeroIntervalNeverSends(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	Watchdog(ctx, 0, func(error) { t.Fatal("onError should never be called") })
}
