// Copyright The Swapd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// DebugBlock emits a multiline debug message with a per-line prefix.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock emits a multiline informational message with a per-line prefix.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for this Logger.
	EnableDebug(enabled bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns an slog.Handler bridging to this Logger.
	SlogHandler() slog.Handler
}

const (
	// DefaultSource is the source used for messages without a logger.
	DefaultSource = "swapd"
	// debug message tag
	debugTag = "D:"
)

// logging encapsulates the state shared by all Loggers.
type logging struct {
	sync.RWMutex
	level   Level
	prefix  bool
	dbgmap  srcmap
	sources map[string]logger
	loggers []*source
}

// source is the per-source state of a Logger.
type source struct {
	name  string
	tag   string
	debug bool
}

// logger is a handle to a registered source.
type logger int

var (
	log = &logging{
		level:   DefaultLevel,
		sources: make(map[string]logger),
	}
	deflog = log.get(DefaultSource)
)

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// NewLogger creates a Logger for the given source.
func NewLogger(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Get is an alias for NewLogger.
func Get(source string) Logger {
	return NewLogger(source)
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// get returns the logger for the source, registering it if necessary.
// Callers must hold the logging lock, except during early init.
func (l *logging) get(name string) logger {
	if id, ok := l.sources[name]; ok {
		return id
	}

	src := &source{
		name:  name,
		tag:   "[" + name + "] ",
		debug: l.dbgmap.enabled(name),
	}
	id := logger(len(l.loggers))
	l.loggers = append(l.loggers, src)
	l.sources[name] = id
	return id
}

// setDbgMap reconfigures per-source debugging from the given map.
func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
	for _, src := range l.loggers {
		src.debug = m.enabled(src.name)
	}
}

// setPrefix controls whether messages are prefixed with their source.
func (l *logging) setPrefix(enabled bool) {
	l.prefix = enabled
}

// enabled checks whether debugging is turned on for the given source.
func (m srcmap) enabled(source string) bool {
	if m == nil {
		return false
	}
	if state, ok := m[source]; ok {
		return state
	}
	return m["*"]
}

func (l logger) src() *source {
	return log.loggers[l]
}

func (l logger) format(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if log.prefix {
		return l.src().tag + msg
	}
	return msg
}

func (l logger) Debug(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if !l.src().debug || log.level > LevelDebug {
		return
	}
	klog.InfoDepth(1, debugTag+" "+l.format(format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	klog.ErrorDepth(1, l.format(format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
	klog.Flush()
	klog.Exit()
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.block((logger).Debug, prefix, format, args...)
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.block((logger).Info, prefix, format, args...)
}

// block emits a multiline message line by line using the given emitter.
func (l logger) block(emit func(logger, string, ...interface{}), prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		emit(l, "%s%s", prefix, line)
	}
}

func (l logger) EnableDebug(enabled bool) bool {
	log.Lock()
	defer log.Unlock()
	src := l.src()
	prev := src.debug
	src.debug = enabled
	return prev
}

func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return l.src().debug && log.level <= LevelDebug
}

func (l logger) Source() string {
	return l.src().name
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
