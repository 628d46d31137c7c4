// Package log2 is leveled logger over stdlib log.Logger.
// Nil *Log is valid and discards everything, so components take optional logger as is.
// Level changes are safe while other goroutines log, tests route output into t.Logf.
// Every error logged is also passed to ErrorFunc, server counts them in metrics.
package log2

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"testing"
)

const ContextKey = "run/log"

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
)

type Log struct {
	l      *log.Logger
	level  *int32 // shared with children from With
	w      io.Writer
	fatalf Func
	errorf *atomic.Value // ErrorFunc, shared with children
}

// ErrorFunc receives every error logged, regardless of level.
type ErrorFunc func(error)

type Func func(format string, args ...interface{})

type FuncWriter struct{ Func }

func (fw FuncWriter) Write(b []byte) (int, error) {
	fw.Func("%s", b)
	return len(b), nil
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	lv := int32(level)
	return &Log{
		l:      log.New(w, "", LStdFlags),
		level:  &lv,
		w:      w,
		errorf: &atomic.Value{},
	}
}

func NewFunc(f Func, level Level) *Log { return NewWriter(FuncWriter{f}, level) }

// NewTest logs into t.Logf, Fatal calls t.Fatalf.
func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.SetFlags(LTestFlags)
	self.fatalf = t.Fatalf
	return self
}

// With returns logger for a component: same output, level and error func,
// messages prefixed with "name: " after file:line.
func (self *Log) With(name string) *Log {
	if self == nil {
		return nil
	}
	prefix := self.l.Prefix() + name + ": "
	return &Log{
		l:      log.New(self.w, prefix, self.l.Flags()|log.Lmsgprefix),
		level:  self.level,
		w:      self.w,
		fatalf: self.fatalf,
		errorf: self.errorf,
	}
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32(self.level, int32(l))
}

// SetFlags affects only this logger, not children from With.
func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f | (self.l.Flags() & log.Lmsgprefix))
}

func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.errorf.Store(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32(self.level) >= int32(level)
}

func (self *Log) output(level Level, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, s)
	}
}

func (self *Log) onError(err error) {
	if f, _ := self.errorf.Load().(ErrorFunc); f != nil {
		f(err)
	}
}

func (self *Log) Error(args ...interface{}) {
	if self == nil {
		return
	}
	var err error
	if len(args) == 1 {
		err, _ = args[0].(error)
	}
	if err == nil {
		err = errors.New(fmt.Sprint(args...))
	}
	self.onError(err)
	self.output(LError, "error: "+fmt.Sprint(args...))
}

func (self *Log) Errorf(format string, args ...interface{}) {
	if self == nil {
		return
	}
	self.onError(fmt.Errorf(format, args...))
	self.output(LError, "error: "+fmt.Sprintf(format, args...))
}

func (self *Log) Infof(format string, args ...interface{}) {
	if self.Enabled(LInfo) {
		self.output(LInfo, fmt.Sprintf(format, args...))
	}
}

// Printf, Println make Log usable where stdlib-like logger is expected, e.g. paho mqtt.
func (self *Log) Printf(format string, args ...interface{}) {
	if self.Enabled(LInfo) {
		self.output(LInfo, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Println(args ...interface{}) {
	if self.Enabled(LInfo) {
		self.output(LInfo, fmt.Sprintln(args...))
	}
}

func (self *Log) Debugf(format string, args ...interface{}) {
	if self.Enabled(LDebug) {
		self.output(LDebug, "debug: "+fmt.Sprintf(format, args...))
	}
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.output(LError, "fatal: "+fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
		return
	}
	self.output(LError, "fatal: "+s)
	os.Exit(1)
}
