package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	nanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const (
	defaultReadBufSize     = 32 * 1024
	defaultGracefulTimeout = 5 * time.Second
	defaultCols            = 80
	defaultRows            = 24

	handlePrefix   = "term-"
	handleAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	handleLength   = 10
)

var (
	ErrTerminalNotFound = errors.New("terminal not found")
	ErrTerminalClosed   = errors.New("terminal closed")
	ErrMaxTerminals     = errors.New("maximum terminal limit reached")
	ErrCommandNotFound  = errors.New("command not found in PATH")
)

// State is the lifecycle state of a hosted terminal.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// Info describes a hosted terminal.
type Info struct {
	Handle    Handle    `json:"handle"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	WorkDir   string    `json:"workDir"`
	Label     string    `json:"label,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	State     State     `json:"state"`
	ExitCode  int       `json:"exitCode"`
}

// SpawnOptions configures a hosted command.
type SpawnOptions struct {
	Command string
	Args    []string
	WorkDir string
	Label   string
	Env     []string
	Cols    uint16
	Rows    uint16
	// Output, when set, receives a copy of everything the command writes.
	Output io.Writer
}

// ExitStatus reports how a hosted command ended.
type ExitStatus struct {
	Handle Handle
	Code   int
	Err    error
}

// Host runs commands inside pseudo-terminals and publishes their output
// through a Hub.
type Host struct {
	hub             *Hub
	log             *zap.Logger
	maxTerminals    int
	gracefulTimeout time.Duration

	mu        sync.RWMutex
	terminals map[Handle]*hostedTerminal
}

type hostedTerminal struct {
	info   Info
	cmd    *exec.Cmd
	ptmx   *os.File
	cancel context.CancelFunc
	done   chan struct{}
	exit   ExitStatus

	writeMu sync.Mutex
}

// NewHost creates a host publishing to hub. maxTerminals bounds the number of
// running terminals.
func NewHost(hub *Hub, logger *zap.Logger, maxTerminals int) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		hub:             hub,
		log:             logger,
		maxTerminals:    maxTerminals,
		gracefulTimeout: defaultGracefulTimeout,
		terminals:       make(map[Handle]*hostedTerminal),
	}
}

// Spawn starts opts.Command in a new pseudo-terminal.
func (h *Host) Spawn(ctx context.Context, opts SpawnOptions) (*Info, error) {
	if opts.WorkDir != "" {
		info, err := os.Stat(opts.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("path is not a directory: %s", opts.WorkDir)
		}
	}

	if h.running() >= h.maxTerminals {
		return nil, fmt.Errorf("%w (%d)", ErrMaxTerminals, h.maxTerminals)
	}

	binaryPath, err := exec.LookPath(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, opts.Command)
	}

	id, err := nanoid.Generate(handleAlphabet, handleLength)
	if err != nil {
		return nil, fmt.Errorf("generate terminal handle: %w", err)
	}
	handle := Handle(handlePrefix + id)

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, binaryPath, opts.Args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command, err)
	}

	t := &hostedTerminal{
		info: Info{
			Handle:    handle,
			Command:   opts.Command,
			Args:      opts.Args,
			WorkDir:   opts.WorkDir,
			Label:     opts.Label,
			StartedAt: time.Now().UTC(),
			State:     StateRunning,
		},
		cmd:    cmd,
		ptmx:   ptmx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.terminals[handle] = t
	h.mu.Unlock()

	h.log.Info("terminal started",
		zap.Stringer("terminal", handle),
		zap.String("command", opts.Command),
		zap.Int("pid", cmd.Process.Pid),
	)

	// Listeners must learn about the terminal before its first chunk.
	h.hub.Opened(handle)

	readDone := make(chan struct{})
	go h.readOutput(t, opts.Output, readDone)
	go h.waitForExit(t, readDone)

	info := t.info
	return &info, nil
}

// readOutput forwards raw chunks to the hub, holding back an incomplete UTF-8
// sequence until the rest of it arrives.
func (h *Host) readOutput(t *hostedTerminal, mirror io.Writer, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, defaultReadBufSize)
	var carry []byte
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			if mirror != nil {
				if _, werr := mirror.Write(buf[:n]); werr != nil {
					h.log.Debug("mirror write failed", zap.Error(werr))
				}
			}
			chunk := append(carry, buf[:n]...)
			cut := completeUTF8(chunk)
			h.hub.Data(t.info.Handle, string(chunk[:cut]))
			carry = append([]byte(nil), chunk[cut:]...)
		}
		if err != nil {
			// Linux reports EIO once the child side of the PTY is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.log.Debug("terminal read ended", zap.Stringer("terminal", t.info.Handle), zap.Error(err))
			}
			break
		}
	}
	if len(carry) > 0 {
		h.hub.Data(t.info.Handle, string(carry))
	}
}

// waitForExit waits for the process, lets the reader drain, then announces
// the terminal as closed.
func (h *Host) waitForExit(t *hostedTerminal, readDone <-chan struct{}) {
	err := t.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}

	// A grandchild holding the PTY open would block the reader forever.
	select {
	case <-readDone:
	case <-time.After(h.gracefulTimeout):
		h.log.Warn("terminal output did not drain", zap.Stringer("terminal", t.info.Handle))
	}
	t.ptmx.Close()
	t.cancel()

	h.mu.Lock()
	t.info.State = StateExited
	t.info.ExitCode = exitCode
	t.exit = ExitStatus{Handle: t.info.Handle, Code: exitCode, Err: err}
	h.mu.Unlock()

	h.log.Info("terminal exited", zap.Stringer("terminal", t.info.Handle), zap.Int("exit_code", exitCode))

	h.hub.Closed(t.info.Handle)
	close(t.done)
}

// Get returns a terminal's info.
func (h *Host) Get(handle Handle) (*Info, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, ok := h.terminals[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, handle)
	}
	info := t.info
	return &info, nil
}

// List returns all terminals ordered by start time.
func (h *Host) List() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Info, 0, len(h.terminals))
	for _, t := range h.terminals {
		result = append(result, t.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result
}

// Write sends input to a terminal.
func (h *Host) Write(handle Handle, data []byte) error {
	t, err := h.lookupRunning(handle)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.ptmx.Write(data)
	return err
}

// Resize changes a terminal's dimensions.
func (h *Host) Resize(handle Handle, cols, rows uint16) error {
	t, err := h.lookupRunning(handle)
	if err != nil {
		return err
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Kill interrupts a terminal's process and force-kills it if it is still
// running after the graceful timeout.
func (h *Host) Kill(handle Handle) error {
	h.mu.RLock()
	t, ok := h.terminals[handle]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTerminalNotFound, handle)
	}
	if h.exited(t) {
		return nil
	}

	if t.cmd.Process != nil {
		t.cmd.Process.Signal(os.Interrupt)
		time.AfterFunc(h.gracefulTimeout, t.cancel)
	}
	return nil
}

// Wait blocks until the terminal's process has exited and its output has
// been delivered.
func (h *Host) Wait(ctx context.Context, handle Handle) (ExitStatus, error) {
	h.mu.RLock()
	t, ok := h.terminals[handle]
	h.mu.RUnlock()

	if !ok {
		return ExitStatus{}, fmt.Errorf("%w: %s", ErrTerminalNotFound, handle)
	}

	select {
	case <-t.done:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return t.exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Shutdown interrupts every running terminal, then kills whatever is left
// after the graceful timeout.
func (h *Host) Shutdown() {
	h.mu.RLock()
	running := make([]*hostedTerminal, 0, len(h.terminals))
	for _, t := range h.terminals {
		if t.info.State == StateRunning {
			running = append(running, t)
		}
	}
	h.mu.RUnlock()

	for _, t := range running {
		h.Kill(t.info.Handle)
	}

	deadline := time.After(h.gracefulTimeout)
	for _, t := range running {
		select {
		case <-t.done:
		case <-deadline:
			t.cancel()
		}
	}
}

func (h *Host) lookupRunning(handle Handle) (*hostedTerminal, error) {
	h.mu.RLock()
	t, ok := h.terminals[handle]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, handle)
	}
	if h.exited(t) {
		return nil, fmt.Errorf("%w: %s", ErrTerminalClosed, handle)
	}
	return t, nil
}

func (h *Host) exited(t *hostedTerminal) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return t.info.State == StateExited
}

func (h *Host) running() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, t := range h.terminals {
		if t.info.State == StateRunning {
			count++
		}
	}
	return count
}
