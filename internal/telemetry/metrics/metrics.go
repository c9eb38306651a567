// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package metrics wires the coordinator's observable counters (spec.md §6)
// onto a github.com/rcrowley/go-metrics registry, the same metrics library
// the teacher itself depends on directly.
package metrics

import gometrics "github.com/rcrowley/go-metrics"

// Registry holds the named counters/gauges spec.md §6's get_index_stats and
// get_session_stats expose, plus the dispatcher's context-busy counter.
type Registry struct {
	registry gometrics.Registry

	CurrentQueries   gometrics.Counter
	MaxQueries       gometrics.Gauge
	TimeoutCount     gometrics.Counter
	EntriesIndexed   gometrics.Gauge
	PostsFound       gometrics.Counter
	PostsNotFound    gometrics.Counter
	QueriesFound     gometrics.Counter
	QueriesNotFound  gometrics.Counter
	UpdatesFound     gometrics.Counter
	UpdatesNotFound  gometrics.Counter
	ContextBusyCount gometrics.Counter
}

// New creates a Registry with every counter registered under a
// "dedupe." prefix, so a process exporting several registries can
// disambiguate.
func New() *Registry {
	r := gometrics.NewRegistry()
	reg := &Registry{
		registry:         r,
		CurrentQueries:   gometrics.NewRegisteredCounter("dedupe.current_queries", r),
		MaxQueries:       gometrics.NewRegisteredGauge("dedupe.max_queries", r),
		TimeoutCount:     gometrics.NewRegisteredCounter("dedupe.timeout_count", r),
		EntriesIndexed:   gometrics.NewRegisteredGauge("dedupe.entries_indexed", r),
		PostsFound:       gometrics.NewRegisteredCounter("dedupe.posts_found", r),
		PostsNotFound:    gometrics.NewRegisteredCounter("dedupe.posts_not_found", r),
		QueriesFound:     gometrics.NewRegisteredCounter("dedupe.queries_found", r),
		QueriesNotFound:  gometrics.NewRegisteredCounter("dedupe.queries_not_found", r),
		UpdatesFound:     gometrics.NewRegisteredCounter("dedupe.updates_found", r),
		UpdatesNotFound:  gometrics.NewRegisteredCounter("dedupe.updates_not_found", r),
		ContextBusyCount: gometrics.NewRegisteredCounter("dedupe.context_busy_count", r),
	}
	return reg
}

// Underlying exposes the underlying go-metrics registry, for a caller that
// wants to wire a periodic dump (e.g. gometrics.Log) or an HTTP exporter.
func (r *Registry) Underlying() gometrics.Registry { return r.registry }

// Snapshot is a point-in-time copy of every counter, used by
// internal/statushttp to serialize stats as JSON.
type Snapshot struct {
	CurrentQueries   int64 `json:"current_queries"`
	MaxQueries       int64 `json:"max_queries"`
	TimeoutCount     int64 `json:"timeout_count"`
	EntriesIndexed   int64 `json:"entries_indexed"`
	PostsFound       int64 `json:"posts_found"`
	PostsNotFound    int64 `json:"posts_not_found"`
	QueriesFound     int64 `json:"queries_found"`
	QueriesNotFound  int64 `json:"queries_not_found"`
	UpdatesFound     int64 `json:"updates_found"`
	UpdatesNotFound  int64 `json:"updates_not_found"`
	ContextBusyCount int64 `json:"context_busy_count"`
}

// Snapshot reads every counter's current value.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		CurrentQueries:   r.CurrentQueries.Count(),
		MaxQueries:       r.MaxQueries.Value(),
		TimeoutCount:     r.TimeoutCount.Count(),
		EntriesIndexed:   r.EntriesIndexed.Value(),
		PostsFound:       r.PostsFound.Count(),
		PostsNotFound:    r.PostsNotFound.Count(),
		QueriesFound:     r.QueriesFound.Count(),
		QueriesNotFound:  r.QueriesNotFound.Count(),
		UpdatesFound:     r.UpdatesFound.Count(),
		UpdatesNotFound:  r.UpdatesNotFound.Count(),
		ContextBusyCount: r.ContextBusyCount.Count(),
	}
}
