// Package corelog provides the bracketed-component logger used across
// Linnix's core packages: log.Printf with a "[component]" tag, silenced
// entirely when quiet mode is on. No structured logging framework — the
// daemon's log volume is steady-state counters and /status, not a log
// pipeline.
package corelog

import (
	"log"
	"sync/atomic"
	"time"
)

var quiet atomic.Bool

// SetQuiet enables or disables log output globally.
func SetQuiet(v bool) {
	quiet.Store(v)
}

// Logger prints component-tagged lines to the standard logger.
type Logger struct {
	tag   string
	start time.Time
}

// New returns a Logger tagged with the given component name.
func New(component string) *Logger {
	return &Logger{tag: "[" + component + "]", start: time.Now()}
}

// Printf logs a formatted message unless quiet mode is enabled.
func (l *Logger) Printf(format string, args ...interface{}) {
	if quiet.Load() {
		return
	}
	log.Printf(l.tag+" "+format, args...)
}

// Uptime returns the duration since this logger was created. Used by C7
// to report uptime_secs without a second clock source.
func (l *Logger) Uptime() time.Duration {
	return time.Since(l.start)
}
