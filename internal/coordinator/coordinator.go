// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package coordinator assembles the session state machine, the request
// dispatcher, the pending tracker, the timeout reporter, and the index
// queue into the single façade the block data path talks to. It is the Go
// port of original_source/vdo/kernel/dedupeIndex.c's
// make_dedupe_index/start_dedupe_index/stop_dedupe_index/
// finish_dedupe_index/free_dedupe_index/get_index_statistics/
// message_dedupe_index.
package coordinator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/couchbase/dedupe-coordinator/internal/config"
	"github.com/couchbase/dedupe-coordinator/internal/dispatch"
	"github.com/couchbase/dedupe-coordinator/internal/eventreport"
	"github.com/couchbase/dedupe-coordinator/internal/indexengine"
	"github.com/couchbase/dedupe-coordinator/internal/pending"
	"github.com/couchbase/dedupe-coordinator/internal/session"
	"github.com/couchbase/dedupe-coordinator/internal/telemetry/log"
	"github.com/couchbase/dedupe-coordinator/internal/telemetry/metrics"
	"github.com/couchbase/dedupe-coordinator/internal/workqueue"
)

// indexQueueCapacity bounds how many work items (session transitions, chunk
// submissions, suspend handshakes) may be buffered before Submit blocks.
const indexQueueCapacity = 1024

// Coordinator is the process-wide, per-device singleton from spec.md §3.
type Coordinator struct {
	cfg    config.Config
	engine indexengine.Engine

	queue      *workqueue.Queue
	pending    *pending.Tracker
	reporter   *eventreport.Reporter
	session    *session.Machine
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Registry
}

// New allocates a Coordinator's collaborators in order — index queue,
// pending tracker, timeout reporter, session machine, dispatcher, metrics
// registry — unwinding anything already allocated if a later step fails,
// per spec.md §7 ("allocation/init failures... unwind in reverse order; no
// partially-initialized coordinator is returned").
func New(cfg config.Config, engine indexengine.Engine) (c *Coordinator, err error) {
	if cfg.ParentDeviceName == "" {
		return nil, fmt.Errorf("coordinator: parent_device_name must be set")
	}
	if engine == nil {
		return nil, fmt.Errorf("coordinator: engine must not be nil")
	}

	var unwind []func()
	defer func() {
		if err != nil {
			for i := len(unwind) - 1; i >= 0; i-- {
				unwind[i]()
			}
		}
	}()

	queue := workqueue.New(indexQueueCapacity)
	unwind = append(unwind, queue.Stop)

	tracker := pending.New(cfg.Timeout(), cfg.MinTimerInterval())
	unwind = append(unwind, tracker.Close)

	reporter := eventreport.New("UDS index timeout on %d requests", cfg.ReportingInterval())

	m := session.New(engine, queue, cfg.IndexName(), cfg.EngineNonce())

	d := dispatch.New(m, tracker, queue, reporter)

	reg := metrics.New()

	return &Coordinator{
		cfg:        cfg,
		engine:     engine,
		queue:      queue,
		pending:    tracker,
		reporter:   reporter,
		session:    m,
		dispatcher: d,
		metrics:    reg,
	}, nil
}

// Start is the bring-up entry point (spec.md §6): it sets the index target
// to Opened and dedupe enabled, optionally forcing a fresh create.
func (c *Coordinator) Start(createFlag bool) {
	c.session.SetTarget(session.Opened, true, true, createFlag)
}

// Stop is the teardown entry point: it sets the index target to Closed.
// The driver loop on the index queue drains any in-flight session
// transition before the session is actually closed.
func (c *Coordinator) Stop() {
	c.session.SetTarget(session.Closed, false, false, false)
}

// Finish joins the index queue's worker goroutine and the pending
// tracker's timer, using golang.org/x/sync/errgroup the way the original
// source's finish_dedupe_index serially waits for the same two things —
// generalized here to a concurrent join since Go represents them as two
// independent goroutines rather than one blocking kernel call. Callers
// must call Stop and wait for the state to settle to "closed"/"error"
// before calling Finish, mirroring the original's ordering requirement.
func (c *Coordinator) Finish() error {
	var g errgroup.Group
	g.Go(func() error { c.queue.Stop(); return nil })
	g.Go(func() error { c.pending.Close(); return nil })
	return g.Wait()
}

// Free releases the coordinator's remaining resources. In this Go port
// there is no manual memory to release once Finish has joined the
// background goroutines, but Free is kept as its own call per spec.md §6's
// lifecycle surface (finish vs. free are distinct verbs in the original
// source) and is safe to call without a prior Finish.
func (c *Coordinator) Free() error {
	return c.Finish()
}

// Post, Query, and Update are the three data-path entry points.
func (c *Coordinator) Post(ctx *dispatch.Context)   { c.dispatcher.Post(ctx) }
func (c *Coordinator) Query(ctx *dispatch.Context)  { c.dispatcher.Query(ctx) }
func (c *Coordinator) Update(ctx *dispatch.Context) { c.dispatcher.Update(ctx) }

// NewContext creates a request context for use with Post/Query/Update. It
// is a thin convenience wrapper over dispatch.NewContext and binds the
// context to nothing in this coordinator (context-busy is tracked by the
// dispatcher itself).
func (c *Coordinator) NewContext(callback func(*dispatch.Context)) *dispatch.Context {
	return dispatch.NewContext(callback)
}

// Message forwards an imperative control message to the session state
// machine (spec.md §4.5's index-close/index-create/index-enable/
// index-disable).
func (c *Coordinator) Message(name string) error {
	return c.session.HandleMessage(name)
}

// Suspend implements spec.md §4.5's suspend/resume handshake.
func (c *Coordinator) Suspend(ctx context.Context, save bool) error {
	return c.session.Suspend(ctx, save)
}

// Status returns the read-only state-name attribute of spec.md §6's
// control surface.
func (c *Coordinator) Status() string {
	return c.session.StateName()
}

// Statistics is the snapshot returned by Stats, per spec.md §6's
// observable counters.
type Statistics struct {
	metrics.Snapshot
	EngineIndexStats   indexengine.IndexStats   `json:"engine_index_stats"`
	EngineSessionStats indexengine.SessionStats `json:"engine_session_stats"`
}

// Stats gathers the coordinator's own counters plus whatever the engine
// itself reports, per spec.md §6 (current_queries/max_queries come from
// the session machine's active/maximum; everything else is the dispatcher
// and engine's own bookkeeping). If no session is open, the engine stats
// are left zero-valued rather than erroring, since "no session" is not a
// failure of Stats itself.
func (c *Coordinator) Stats(ctx context.Context) Statistics {
	c.metrics.CurrentQueries.Clear()
	c.metrics.CurrentQueries.Inc(c.session.Active())
	c.metrics.MaxQueries.Update(c.session.Maximum())
	c.metrics.ContextBusyCount.Clear()
	c.metrics.ContextBusyCount.Inc(int64(c.dispatcher.ContextBusyCount()))
	c.metrics.TimeoutCount.Clear()
	c.metrics.TimeoutCount.Inc(int64(c.reporter.Count()))

	stats := Statistics{Snapshot: c.metrics.Snapshot()}

	if !c.session.IsOpened() {
		return stats
	}
	sess := c.session.Session()
	if idx, err := c.engine.GetIndexStats(ctx, sess); err == nil {
		stats.EngineIndexStats = idx
		c.metrics.EntriesIndexed.Update(int64(idx.EntriesIndexed))
	} else {
		log.ErrorfErr(err, "coordinator: error reading index stats")
	}
	if ss, err := c.engine.GetSessionStats(ctx, sess); err == nil {
		stats.EngineSessionStats = ss
		c.metrics.PostsFound.Clear()
		c.metrics.PostsFound.Inc(int64(ss.PostsFound))
		c.metrics.PostsNotFound.Clear()
		c.metrics.PostsNotFound.Inc(int64(ss.PostsNotFound))
		c.metrics.QueriesFound.Clear()
		c.metrics.QueriesFound.Inc(int64(ss.QueriesFound))
		c.metrics.QueriesNotFound.Clear()
		c.metrics.QueriesNotFound.Inc(int64(ss.QueriesNotFound))
		c.metrics.UpdatesFound.Clear()
		c.metrics.UpdatesFound.Inc(int64(ss.UpdatesFound))
		c.metrics.UpdatesNotFound.Clear()
		c.metrics.UpdatesNotFound.Inc(int64(ss.UpdatesNotFound))
	} else {
		log.ErrorfErr(err, "coordinator: error reading session stats")
	}
	stats.Snapshot = c.metrics.Snapshot()
	return stats
}
