// Package terminal supplies raw terminal output to observers.
//
// A Source announces terminals as they open and close and delivers the text
// they write, chunk by chunk, in arrival order. Two sources are provided:
// Host runs commands inside pseudo-terminals it owns, and Tail follows
// transcript files written by processes it does not control. Both publish
// through a Hub, which serializes every notification so that listeners never
// run concurrently with each other.
package terminal

// Handle identifies one terminal for the lifetime of a source.
type Handle string

func (h Handle) String() string { return string(h) }

// Listener receives terminal notifications.
type Listener interface {
	TerminalOpened(h Handle)
	TerminalClosed(h Handle)
	TerminalData(h Handle, data string)
}

// Source is the contract observers consume.
type Source interface {
	// Terminals returns the handles of the terminals open right now.
	Terminals() []Handle
	// Subscribe registers l and returns a function that removes it.
	Subscribe(l Listener) (unsubscribe func())
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Opened func(Handle)
	Closed func(Handle)
	Data   func(Handle, string)
}

func (f ListenerFuncs) TerminalOpened(h Handle) {
	if f.Opened != nil {
		f.Opened(h)
	}
}

func (f ListenerFuncs) TerminalClosed(h Handle) {
	if f.Closed != nil {
		f.Closed(h)
	}
}

func (f ListenerFuncs) TerminalData(h Handle, data string) {
	if f.Data != nil {
		f.Data(h, data)
	}
}
