package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tail follows the transcript files in a directory and publishes what gets
// appended to them. Each file is one terminal, identified by its base name.
//
// Files present when Start runs are followed from their current end, so old
// output is never replayed. Files created later are read from the beginning.
// Removing or renaming a file closes its terminal.
type Tail struct {
	dir string
	hub *Hub
	log *zap.Logger

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	wg        sync.WaitGroup

	// files is owned by the watch loop once Start returns.
	files map[string]*tailedFile
}

type tailedFile struct {
	handle Handle
	file   *os.File
	offset int64
	carry  []byte
}

// NewTail creates a tail over dir publishing to hub.
func NewTail(dir string, hub *Hub, logger *zap.Logger) *Tail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tail{
		dir:   dir,
		hub:   hub,
		log:   logger.With(zap.String("dir", dir)),
		files: make(map[string]*tailedFile),
	}
}

// Start begins watching the directory.
func (t *Tail) Start() error {
	info, err := os.Stat(t.dir)
	if err != nil {
		return fmt.Errorf("transcript directory does not exist: %s", t.dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", t.dir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch before scanning so nothing created in between is missed.
	if err := fsW.Add(t.dir); err != nil {
		fsW.Close()
		return err
	}

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		fsW.Close()
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		t.open(filepath.Join(t.dir, entry.Name()), true)
	}

	t.fsWatcher = fsW
	t.cancel = make(chan struct{})
	t.wg.Add(1)
	go t.watchLoop()

	t.log.Info("tailing transcripts", zap.Int("files", len(t.files)))
	return nil
}

// Close stops watching and closes every open terminal.
func (t *Tail) Close() error {
	if t.cancel == nil {
		return nil
	}
	close(t.cancel)
	err := t.fsWatcher.Close()
	t.wg.Wait()
	t.cancel = nil

	for path := range t.files {
		t.close(path)
	}
	return err
}

func (t *Tail) watchLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.cancel:
			return

		case ev, ok := <-t.fsWatcher.Events:
			if !ok {
				return
			}
			if isHidden(filepath.Base(ev.Name)) {
				continue
			}
			t.handle(ev)

		case err, ok := <-t.fsWatcher.Errors:
			if !ok {
				return
			}
			t.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (t *Tail) handle(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		t.close(ev.Name)

	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		f, ok := t.files[ev.Name]
		if !ok {
			if info, err := os.Stat(ev.Name); err != nil || !info.Mode().IsRegular() {
				return
			}
			f = t.open(ev.Name, false)
			if f == nil {
				return
			}
		}
		t.read(f)
	}
}

// open starts following path, from its end when atEnd is set.
func (t *Tail) open(path string, atEnd bool) *tailedFile {
	file, err := os.Open(path)
	if err != nil {
		t.log.Warn("failed to open transcript", zap.String("path", path), zap.Error(err))
		return nil
	}

	var offset int64
	if atEnd {
		if info, err := file.Stat(); err == nil {
			offset = info.Size()
		}
	}

	f := &tailedFile{
		handle: Handle(filepath.Base(path)),
		file:   file,
		offset: offset,
	}
	t.files[path] = f
	t.log.Debug("transcript opened", zap.Stringer("terminal", f.handle), zap.Int64("offset", offset))
	t.hub.Opened(f.handle)
	return f
}

func (t *Tail) close(path string) {
	f, ok := t.files[path]
	if !ok {
		return
	}
	delete(t.files, path)
	f.file.Close()

	if len(f.carry) > 0 {
		t.hub.Data(f.handle, string(f.carry))
	}
	t.log.Debug("transcript closed", zap.Stringer("terminal", f.handle))
	t.hub.Closed(f.handle)
}

// read publishes everything appended since the last read.
func (t *Tail) read(f *tailedFile) {
	if info, err := f.file.Stat(); err == nil && info.Size() < f.offset {
		t.log.Info("transcript truncated, reading from start", zap.Stringer("terminal", f.handle))
		f.offset = 0
		f.carry = nil
	}

	buf := make([]byte, defaultReadBufSize)
	for {
		n, err := f.file.ReadAt(buf, f.offset)
		if n > 0 {
			f.offset += int64(n)
			chunk := append(f.carry, buf[:n]...)
			cut := completeUTF8(chunk)
			t.hub.Data(f.handle, string(chunk[:cut]))
			f.carry = append([]byte(nil), chunk[cut:]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Warn("failed to read transcript", zap.Stringer("terminal", f.handle), zap.Error(err))
			}
			return
		}
	}
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
