package observer

import (
	"regexp"
	"time"

	"go.uber.org/zap"

	"incontrol/internal/metrics"
)

const (
	// DefaultMarker is the glyph Claude Code prints in front of an echoed prompt.
	DefaultMarker = "❯"

	DefaultMaxBufferBytes   = 1024 * 1024 // 1 MB
	DefaultMaxResponseBytes = 1024 * 1024 // 1 MB

	// flushThreshold is the number of pending events that forces a flush.
	flushThreshold = 10
)

// Option configures an Observer.
type Option func(*Observer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *Observer) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Observer) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the uuid generator used for event and interaction ids.
func WithIDGenerator(gen func() string) Option {
	return func(o *Observer) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Observer) {
		o.metrics = m
	}
}

// WithMarker changes the boundary glyph. The glyph must still be followed by
// whitespace to count as a marker.
func WithMarker(glyph string) Option {
	return func(o *Observer) {
		if glyph != "" {
			o.glyph = glyph
			o.marker = markerPattern(glyph)
		}
	}
}

// WithMaxBufferBytes bounds the pending output buffer. Values <= 0 keep the default.
func WithMaxBufferBytes(n int) Option {
	return func(o *Observer) {
		if n > 0 {
			o.maxBuffer = n
		}
	}
}

// WithMaxResponseBytes bounds a captured response. Values <= 0 keep the default.
func WithMaxResponseBytes(n int) Option {
	return func(o *Observer) {
		if n > 0 {
			o.maxResponse = n
		}
	}
}

// WithResponseCapture toggles accumulation of output between markers into
// claude_response events. Enabled by default.
func WithResponseCapture(enabled bool) Option {
	return func(o *Observer) {
		o.captureResponses = enabled
	}
}

// WithANSIStripping toggles removal of terminal escape sequences from
// extracted prompts and responses. Enabled by default.
func WithANSIStripping(enabled bool) Option {
	return func(o *Observer) {
		o.stripANSI = enabled
	}
}

// markerPattern matches glyph followed by one whitespace character. The class
// includes Unicode space separators because terminals often pad the prompt
// glyph with a no-break space.
func markerPattern(glyph string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(glyph) + `[\s\v\p{Zs}\x{FEFF}]`)
}
