package terminal

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitExit(t *testing.T, host *Host, h Handle) ExitStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := host.Wait(ctx, h)
	require.NoError(t, err)
	return status
}

func TestNewHost(t *testing.T) {
	host := NewHost(NewHub(), nil, 10)
	require.NotNil(t, host)
	assert.Empty(t, host.List())
}

func TestHost_SpawnInvalidWorkDir(t *testing.T) {
	host := NewHost(NewHub(), nil, 10)
	_, err := host.Spawn(context.Background(), SpawnOptions{Command: "sh", WorkDir: "/nonexistent/path/xyz"})
	require.Error(t, err)
}

func TestHost_SpawnWorkDirIsFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "test")
	require.NoError(t, err)
	f.Close()

	host := NewHost(NewHub(), nil, 10)
	_, err = host.Spawn(context.Background(), SpawnOptions{Command: "sh", WorkDir: f.Name()})
	require.Error(t, err)
}

func TestHost_MaxTerminalsLimit(t *testing.T) {
	host := NewHost(NewHub(), nil, 0)
	_, err := host.Spawn(context.Background(), SpawnOptions{Command: "sh"})
	require.ErrorIs(t, err, ErrMaxTerminals)
}

func TestHost_CommandNotFound(t *testing.T) {
	host := NewHost(NewHub(), nil, 10)
	_, err := host.Spawn(context.Background(), SpawnOptions{Command: "definitely-not-a-real-binary-xyz"})
	require.ErrorIs(t, err, ErrCommandNotFound)
}

func TestHost_UnknownHandle(t *testing.T) {
	host := NewHost(NewHub(), nil, 10)

	_, err := host.Get("nonexistent")
	assert.ErrorIs(t, err, ErrTerminalNotFound)
	assert.ErrorIs(t, host.Write("nonexistent", []byte("x")), ErrTerminalNotFound)
	assert.ErrorIs(t, host.Resize("nonexistent", 80, 24), ErrTerminalNotFound)
	assert.ErrorIs(t, host.Kill("nonexistent"), ErrTerminalNotFound)
	_, err = host.Wait(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrTerminalNotFound)
}

func TestHost_PublishesOutputThenClosed(t *testing.T) {
	hub := NewHub()
	c := newCollector()
	hub.Subscribe(c)

	mirror := &lockedBuffer{}
	host := NewHost(hub, nil, 10)
	info, err := host.Spawn(context.Background(), SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "printf '%s\\n' '❯ hello world'"},
		WorkDir: t.TempDir(),
		Label:   "demo",
		Output:  mirror,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.Handle.String(), handlePrefix))
	assert.Len(t, info.Handle.String(), len(handlePrefix)+handleLength)
	assert.Equal(t, StateRunning, info.State)

	status := waitExit(t, host, info.Handle)
	assert.Equal(t, 0, status.Code)
	assert.NoError(t, status.Err)

	assert.Contains(t, c.output(info.Handle), "❯ hello world")
	assert.Contains(t, mirror.String(), "❯ hello world")
	assert.True(t, c.isClosed(info.Handle))

	history := c.history()
	require.NotEmpty(t, history)
	assert.Equal(t, "open "+info.Handle.String(), history[0])
	assert.Equal(t, "close "+info.Handle.String(), history[len(history)-1])
	assert.Empty(t, hub.Terminals())

	got, err := host.Get(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, StateExited, got.State)
	assert.Equal(t, "demo", got.Label)
}

func TestHost_ExitCode(t *testing.T) {
	host := NewHost(NewHub(), nil, 10)
	info, err := host.Spawn(context.Background(), SpawnOptions{Command: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	status := waitExit(t, host, info.Handle)
	assert.Equal(t, 3, status.Code)

	assert.ErrorIs(t, host.Write(info.Handle, []byte("x")), ErrTerminalClosed)
	assert.NoError(t, host.Kill(info.Handle))
}

func TestHost_WriteReachesProcess(t *testing.T) {
	hub := NewHub()
	c := newCollector()
	hub.Subscribe(c)

	host := NewHost(hub, nil, 10)
	info, err := host.Spawn(context.Background(), SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "read line; echo \"got:$line\""},
	})
	require.NoError(t, err)

	require.NoError(t, host.Resize(info.Handle, 120, 40))
	require.NoError(t, host.Write(info.Handle, []byte("ping\n")))

	waitExit(t, host, info.Handle)
	assert.Contains(t, c.output(info.Handle), "got:ping")
}

func TestHost_KillAndShutdown(t *testing.T) {
	host := NewHost(NewHub(), nil, 10)
	host.gracefulTimeout = 500 * time.Millisecond

	first, err := host.Spawn(context.Background(), SpawnOptions{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	second, err := host.Spawn(context.Background(), SpawnOptions{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.Len(t, host.List(), 2)
	require.NoError(t, host.Kill(first.Handle))
	waitExit(t, host, first.Handle)

	host.Shutdown()
	waitExit(t, host, second.Handle)

	for _, info := range host.List() {
		assert.Equal(t, StateExited, info.State)
	}
}
