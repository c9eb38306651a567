// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package eventreport implements a coalescing, rate-limited counter used to
// report timeout events without flooding the log: increments accumulate in
// an atomic counter and are surfaced at most once per reporting interval.
package eventreport

import (
	"sync/atomic"
	"time"

	"github.com/couchbase/dedupe-coordinator/internal/telemetry/log"
)

// Reporter coalesces repeated Increment calls into a single periodic log
// line. It is grounded on the teacher's system_state_logger.go pattern of a
// goroutine-driven periodic background task, and on the original source's
// struct periodic_event_reporter / report_dedupe_timeout.
type Reporter struct {
	counter      atomic.Uint64
	queued       atomic.Bool
	lastReported uint64

	format   string
	interval time.Duration

	// schedule defers fn by d. Defaults to time.AfterFunc; overridable in
	// tests for deterministic timing.
	schedule func(d time.Duration, fn func())
}

// New creates a Reporter that logs using format (a single %d verb) at most
// once per interval.
func New(format string, interval time.Duration) *Reporter {
	return &Reporter{
		format:   format,
		interval: interval,
		schedule: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// Increment records one more occurrence of the reported event. Safe to call
// from any goroutine, including a timer callback. It schedules exactly one
// deferred report per reporting interval: the queued flag is the sentinel
// that prevents double-scheduling while an increment landing just after the
// sentinel clears is folded into the next report instead of being lost (the
// atomic counter is the source of truth, not the sentinel).
func (r *Reporter) Increment() {
	r.counter.Add(1)
	if r.queued.CompareAndSwap(false, true) {
		r.schedule(r.interval, r.report)
	}
}

// report clears the sentinel, computes the delta since the last report, and
// emits a single log line if anything changed.
func (r *Reporter) report() {
	r.queued.Store(false)
	value := r.counter.Load()
	diff := value - r.lastReported
	if diff != 0 {
		log.Debugf(r.format, diff)
		r.lastReported = value
	}
}

// Flush runs report synchronously, intended for use at shutdown so a
// partial interval's increments aren't silently dropped.
func (r *Reporter) Flush() {
	r.report()
}

// Count returns the total number of increments recorded so far.
func (r *Reporter) Count() uint64 {
	return r.counter.Load()
}
