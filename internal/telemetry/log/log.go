// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package log is the coordinator's structured logging facade. It mirrors
// the teacher's package-level leveled-logger call shape
// (Infof/Warnf/Errorf/Debugf/Fatalf) backed by zerolog instead of a
// hand-rolled writer.
package log

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// SetLogger replaces the package-level logger, e.g. to attach component
// fields (With().Str("component", "dedupe-index")) or redirect output.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debugf(format string, args ...interface{}) {
	current().Debug().Msgf(format, args...)
}

func Infof(format string, args ...interface{}) {
	current().Info().Msgf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	current().Warn().Msgf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	current().Error().Msgf(format, args...)
}

func ErrorfErr(err error, format string, args ...interface{}) {
	current().Error().Err(err).Msgf(format, args...)
}

// Fatalf logs at error level, tagged severity=fatal-for-cycle, without
// terminating the process: per spec.md §7, "no error aborts the process;
// every failure has a resting state". A fatal-for-this-cycle log line is
// used instead of os.Exit.
func Fatalf(format string, args ...interface{}) {
	current().Error().Str("severity", "fatal-for-cycle").Msgf(format, args...)
}

// With returns a child logger with structured fields attached, for
// call sites that want per-request correlation (e.g. chunk name, request
// id) rather than a plain formatted line.
func With() zerolog.Context {
	return current().With()
}
