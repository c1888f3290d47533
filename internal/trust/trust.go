// Package trust is the core's logging, panic and assertion facility: a
// single leveled logger with a bitmask of enabled levels, matching
// src/lib/trust's MaskLevel/SetLevel/*f idiom, plus the fail-stop panic
// contract from spec.md §6 ("a core-level panic(message) disables
// interrupts, emits the message to the debug output, and halts the CPU
// forever").
package trust

import (
	"fmt"
	"os"
)

// MaskLevel is a bitmask selecting which log levels are emitted.
type MaskLevel int

const (
	Nothing    MaskLevel = 0x0
	ErrorLevel MaskLevel = 0x1
	Warn       MaskLevel = 0x2
	Info       MaskLevel = 0x4
	Debug      MaskLevel = 0x8
	Stats      MaskLevel = 0x10
	fatal      MaskLevel = 0x80
)

var level = fatal | Stats | ErrorLevel | Warn | Info | Debug

// SetLevel installs a new mask of enabled levels and returns the previous
// one. Fatal is never maskable.
func SetLevel(mask MaskLevel) MaskLevel {
	prev := level &^ fatal
	level = (mask & 0x1f) | fatal
	return prev
}

// Level returns the currently enabled mask.
func Level() MaskLevel {
	return level
}

func prefix(l MaskLevel) string {
	switch {
	case l&ErrorLevel > 0:
		return "ERROR"
	case l&Warn > 0:
		return " WARN"
	case l&Info > 0:
		return " INFO"
	case l&Debug > 0:
		return "DEBUG"
	case l&Stats > 0:
		return "STATS"
	case l&fatal > 0:
		return "FATAL"
	default:
		return "?????"
	}
}

func logf(l MaskLevel, format string, params ...interface{}) {
	if level&l == 0 {
		return
	}
	if len(format) == 0 || format[len(format)-1] != '\n' {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, prefix(l)+": "+format, params...)
}

// Fatalf logs at fatal level, unconditionally, and then panics with the
// formatted message — the core's panic(message) contract. It never
// returns. cmd/siliciumctl recovers exactly once, at the boot loop's top
// level, and hands off to the installed internal/arch.Halt (which itself
// never returns on a real target); tests call recover() directly to
// observe a specific fatal path without killing the test binary.
func Fatalf(format string, params ...interface{}) {
	msg := fmt.Sprintf(format, params...)
	logf(fatal, "%s", msg)
	panic(msg)
}

func Errorf(format string, params ...interface{}) { logf(ErrorLevel, format, params...) }
func Warnf(format string, params ...interface{})   { logf(Warn, format, params...) }
func Infof(format string, params ...interface{})   { logf(Info, format, params...) }
func Debugf(format string, params ...interface{})  { logf(Debug, format, params...) }

// Statsf logs a statistics line tagged with category, matching Statsf's
// extra leading parameter.
func Statsf(category, format string, params ...interface{}) {
	logf(Stats, "["+category+"] "+format, params...)
}

// Assert calls Fatalf with msg if cond is false. Matches the source's
// assume()/assert() macros, which are fatal on violation rather than
// returning an error — invariant violations are programming errors.
func Assert(cond bool, msg string, params ...interface{}) {
	if !cond {
		Fatalf("assertion failed: "+msg, params...)
	}
}
