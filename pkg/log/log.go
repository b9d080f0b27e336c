// Copyright The Picktwo Authors. All Rights Reserved.
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

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits.
	Fatal(format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for the logger.
	DebugEnabled() bool
	// Source returns the source of the logger.
	Source() string
}

// logging encapsulates the state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]logger
	debug   map[string]bool
}

type logger struct {
	source string
	prefix string
}

var log = &logging{
	level:   LevelInfo,
	loggers: make(map[string]logger),
	debug:   make(map[string]bool),
}

// NewLogger creates a logger for the given source.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Get returns the logger for the given source, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// Default returns the default logger.
func Default() Logger {
	return log.get("default")
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debug messages for the given sources. The pseudo-source
// "*" (or "all") toggles debugging for every source.
func EnableDebug(sources ...string) {
	log.setDebug(true, sources...)
}

// DisableDebug disables debug messages for the given sources.
func DisableDebug(sources ...string) {
	log.setDebug(false, sources...)
}

func (l *logging) setDebug(enabled bool, sources ...string) {
	l.Lock()
	defer l.Unlock()
	for _, src := range sources {
		if src == "all" {
			src = "*"
		}
		l.debug[src] = enabled
	}
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()
	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	lg := logger{
		source: source,
		prefix: fmt.Sprintf("[%s] ", strings.TrimSpace(source)),
	}
	l.loggers[source] = lg
	return lg
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()
	if enabled, ok := l.debug[source]; ok {
		return enabled
	}
	return l.debug["*"] || l.level <= LevelDebug
}

func (l logger) Debug(format string, args ...interface{}) {
	if !log.debugEnabled(l.source) {
		return
	}
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ExitDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}
