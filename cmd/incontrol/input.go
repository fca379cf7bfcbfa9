package main

import (
	"io"
	"sync"
)

// inputRouter hands keyboard input either to the hosted command or to the
// session prompts. Only one goroutine ever reads stdin, so the prompts never
// race the command for keystrokes.
type inputRouter struct {
	mu     sync.Mutex
	target func([]byte) error

	prompts *io.PipeReader
	pw      *io.PipeWriter
}

func newInputRouter() *inputRouter {
	pr, pw := io.Pipe()
	return &inputRouter{prompts: pr, pw: pw}
}

// Prompts returns the reader session prompts should read from.
func (r *inputRouter) Prompts() io.Reader {
	return r.prompts
}

// Route sends subsequent input to fn. A nil fn sends it back to the prompts.
func (r *inputRouter) Route(fn func([]byte) error) {
	r.mu.Lock()
	r.target = fn
	r.mu.Unlock()
}

// Pump copies src until it fails, then ends the prompt stream.
func (r *inputRouter) Pump(src io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			r.deliver(buf[:n])
		}
		if err != nil {
			r.pw.CloseWithError(err)
			return
		}
	}
}

func (r *inputRouter) deliver(data []byte) {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()

	if target != nil && target(data) == nil {
		return
	}
	// The pipe copies synchronously, so data can be reused after Write.
	_, _ = r.pw.Write(data)
}
