// Package debuglog provides the unified component-tagged logger used by every
// vidtrack package. Packages keep a func(component, message, ids...) hook and
// main wires Logger.Msg / Logger.Verbose into them at startup.
package debuglog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Func is the signature every package accepts through SetDebugFunction.
type Func func(component, message string, ids ...string)

// Logger writes component-tagged messages for one pipeline session.
type Logger struct {
	mu      sync.Mutex
	zl      zerolog.Logger
	verbose bool
	counts  map[string]int
}

// New creates a logger writing human readable lines to w. When w is nil the
// logger writes to stderr.
func New(w io.Writer, session string, verbose bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000", NoColor: !isTerminal(w)}
	ctx := zerolog.New(console).With().Timestamp()
	if session != "" {
		ctx = ctx.Str("session", session)
	}
	return &Logger{
		zl:      ctx.Logger(),
		verbose: verbose,
		counts:  make(map[string]int),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), counts: make(map[string]int)}
}

// Msg logs an informational message. The optional id names the track or
// object the message is about.
func (l *Logger) Msg(component, message string, ids ...string) {
	l.emit(l.zl.Info(), component, message, ids)
}

// Verbose logs only when the logger was created in verbose mode.
func (l *Logger) Verbose(component, message string, ids ...string) {
	if !l.verbose {
		return
	}
	l.emit(l.zl.Debug(), component, message, ids)
}

// Error logs err under component.
func (l *Logger) Error(component string, err error) {
	if err == nil {
		return
	}
	l.emit(l.zl.Error().Err(err), component, "", nil)
}

// Count returns how many messages were emitted for component.
func (l *Logger) Count(component string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[component]
}

// Throttled returns a Func that forwards at most one message per component
// every interval. Used for per-frame chatter.
func (l *Logger) Throttled(interval time.Duration) Func {
	var mu sync.Mutex
	last := make(map[string]time.Time)
	return func(component, message string, ids ...string) {
		mu.Lock()
		now := time.Now()
		if t, ok := last[component]; ok && now.Sub(t) < interval {
			mu.Unlock()
			return
		}
		last[component] = now
		mu.Unlock()
		l.Msg(component, message, ids...)
	}
}

func (l *Logger) emit(ev *zerolog.Event, component, message string, ids []string) {
	l.mu.Lock()
	l.counts[component]++
	l.mu.Unlock()

	ev = ev.Str("component", component)
	if len(ids) > 0 && ids[0] != "" {
		ev = ev.Str("id", ids[0])
	}
	ev.Msg(message)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
