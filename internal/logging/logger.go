// Package logging provides the small leveled logger used throughout
// the daemon. It wraps the standard library's log.Logger the way
// hekad wraps it in cmd/hekad/main.go: a single process-wide sink
// configured once at startup from the core config group.
package logging

import (
	"io"
	"log"
	"os"
	"sync"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	default:
		return LevelError
	}
}

type Logger struct {
	mu    sync.Mutex
	level Level
	out   *log.Logger
}

var std = New(os.Stderr, LevelInfo)

// New builds a Logger writing to w at the given minimum level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{level: level, out: log.New(w, "", log.LstdFlags)}
}

// SetDefault installs l as the package-level logger used by the
// convenience functions below.
func SetDefault(l *Logger) { std = l }

func Default() *Logger { return std }

// SetDebug raises the default logger to debug level, mirroring the
// daemon's -d flag.
func SetDebug(debug bool) {
	if debug {
		std.SetLevel(LevelDebug)
	}
}

func (l *Logger) SetLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
}

func (l *Logger) log(lvl Level, prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl > l.level {
		return
	}
	l.out.Printf(prefix+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, "[error] ", format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, "[warn] ", format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, "[info] ", format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, "[debug] ", format, args...) }

func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }
func Warnf(format string, args ...interface{})  { std.Warnf(format, args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
