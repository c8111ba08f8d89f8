// Package dlog is a thin, tag-prefixed wrapper around the standard log
// package. It mirrors the bracketed-tag convention used throughout the
// driver's background tasks ("[mixer] ...", "[ws] ...", "[udp] ...").
package dlog

import (
	"fmt"
	"log"
)

// Logger writes lines prefixed with a fixed component tag.
type Logger struct {
	tag string
}

// New returns a Logger that prefixes every line with "[tag] ".
func New(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) Printf(format string, args ...any) {
	log.Printf("[%s] %s", l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Println(args ...any) {
	log.Println(append([]any{"[" + l.tag + "]"}, args...)...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.Printf("warn: "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.Printf("error: "+format, args...)
}
