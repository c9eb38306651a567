// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package dispatch accepts per-block post/query/update requests from the
// data path, transitions each through the tri-state atomic lifecycle from
// spec.md §3 (IDLE → BUSY → {IDLE, TIMED_OUT → IDLE}), submits them to the
// index engine, and invokes the data-path completion callback. It is the
// Go port of original_source/vdo/kernel/dedupeIndex.c's
// enqueue_index_operation / start_index_operation / finish_index_operation.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/couchbase/dedupe-coordinator/internal/advice"
	"github.com/couchbase/dedupe-coordinator/internal/eventreport"
	"github.com/couchbase/dedupe-coordinator/internal/indexengine"
	"github.com/couchbase/dedupe-coordinator/internal/pending"
	"github.com/couchbase/dedupe-coordinator/internal/session"
	"github.com/couchbase/dedupe-coordinator/internal/workqueue"
)

// requestState is the tri-state atomic lifecycle arbitrated between the
// submitting caller, the engine's completion callback, and the timeout
// path. Only the owning request may transition Idle → Busy; only the
// completion callback transitions out of Busy; only the timeout path
// transitions Busy → TimedOut. Preserved as a CAS-capable int32, not a
// mutex, per spec.md's design note that the timeout path must be
// wait-free.
type requestState int32

const (
	stateIdle requestState = iota
	stateBusy
	stateTimedOut
)

// Context is one request context: the per-request record tracking a
// single outstanding advice lookup. The caller populates ChunkName and
// (for Post/Update) Outbound before calling Dispatcher.Post/Query/Update,
// and reads Status/Inbound from within Callback.
type Context struct {
	state atomic.Int32
	node  pending.Node

	// ID is a fresh random correlation identifier assigned on every
	// Post/Query/Update; a domain-stack addition not present in the
	// original source. The dispatcher itself does not log it.
	ID uuid.UUID

	ChunkName indexengine.ChunkName
	Outbound  advice.Advice

	Status  error
	Inbound *advice.Advice

	Callback func(*Context)

	op        indexengine.Operation
	engineReq indexengine.Request
}

// NewContext creates a request context ready for reuse across many
// submissions; callback is invoked exactly once per successful
// Post/Query/Update call.
func NewContext(callback func(*Context)) *Context {
	c := &Context{Callback: callback}
	c.state.Store(int32(stateIdle))
	return c
}

// Dispatcher wires the tracker, the index queue, and the session state
// machine together to implement spec.md §4.4.
type Dispatcher struct {
	session  *session.Machine
	pending  *pending.Tracker
	queue    *workqueue.Queue
	reporter *eventreport.Reporter

	contextBusy atomic.Uint64
}

// New creates a Dispatcher over the given session state machine, pending
// tracker, index queue, and timeout reporter.
func New(m *session.Machine, p *pending.Tracker, q *workqueue.Queue, r *eventreport.Reporter) *Dispatcher {
	return &Dispatcher{session: m, pending: p, queue: q, reporter: r}
}

// ContextBusyCount returns the number of submissions that found a stale,
// still-BUSY context (a previous timed-out request whose completion has
// not yet arrived).
func (d *Dispatcher) ContextBusyCount() uint64 {
	return d.contextBusy.Load()
}

// Post is an insert-or-lookup, intended for newly written blocks.
func (d *Dispatcher) Post(ctx *Context) { d.enqueue(ctx, indexengine.Post) }

// Query is a lookup-only request.
func (d *Dispatcher) Query(ctx *Context) { d.enqueue(ctx, indexengine.Query) }

// Update refreshes the stored advice for a chunk.
func (d *Dispatcher) Update(ctx *Context) { d.enqueue(ctx, indexengine.Update) }

// enqueue implements spec.md §4.4's five-step dispatch algorithm.
func (d *Dispatcher) enqueue(ctx *Context, op indexengine.Operation) {
	ctx.Status = nil
	ctx.op = op
	ctx.ID = uuid.New()

	if !ctx.state.CompareAndSwap(int32(stateIdle), int32(stateBusy)) {
		// A previous user of this context had a timeout and its request
		// is still outstanding.
		d.contextBusy.Add(1)
		ctx.Inbound = nil
		ctx.Callback(ctx)
		return
	}

	ctx.engineReq = indexengine.Request{
		ChunkName: ctx.ChunkName,
		Type:      op,
		Update:    true,
		Callback:  func(req *indexengine.Request) { d.complete(ctx, req) },
	}
	if op == indexengine.Post || op == indexengine.Update {
		var rec advice.Record
		advice.Encode(&rec, ctx.Outbound)
		ctx.engineReq.NewMetadata = indexengine.ChunkData(rec)
	}

	ctx.node.OnExpire = func() { d.timeout(ctx) }

	submit := func() { d.submit(ctx) }

	if d.session.AdmitRequest() {
		d.queue.Submit(submit)
		return
	}
	ctx.state.Store(int32(stateIdle))
	ctx.Inbound = nil
	ctx.Callback(ctx)
}

// submit runs on the index queue: it adds ctx to the pending tracker and
// starts the engine's chunk operation, invoking the completion path
// directly if the engine reports a synchronous failure.
func (d *Dispatcher) submit(ctx *Context) {
	d.pending.Add(&ctx.node)

	req := &ctx.engineReq
	err := d.session.Engine().StartChunkOperation(context.Background(), req)
	if err != nil {
		req.Status = err
		d.complete(ctx, req)
	}
}

// complete is the completion callback invoked by the index engine (from
// any goroutine, including synchronously from submit above) when a chunk
// operation finishes.
func (d *Dispatcher) complete(ctx *Context, req *indexengine.Request) {
	if !ctx.state.CompareAndSwap(int32(stateBusy), int32(stateIdle)) {
		// The request timed out; reclaim the context. The data-path
		// callback was already invoked by the timeout path.
		ctx.state.CompareAndSwap(int32(stateTimedOut), int32(stateIdle))
		return
	}

	d.pending.Remove(&ctx.node)

	ctx.Status = req.Status
	if ctx.op == indexengine.Post || ctx.op == indexengine.Query {
		if a, ok := advice.Decode(advice.Record(req.OldMetadata), req.Status == nil, req.Found); ok {
			ctx.Inbound = &a
		} else {
			ctx.Inbound = nil
		}
	} else {
		// No decode on Update, per spec.md §4.4 and §9's open question:
		// the engine's advice-on-update contract is unspecified, so this
		// implementation preserves "no decode" rather than guessing.
		ctx.Inbound = nil
	}

	ctx.Callback(ctx)
	d.session.Release()
}

// timeout is the pending tracker's OnExpire callback: it attempts to claim
// the context for the timeout path and, only on success, delivers the
// data-path callback with ETIMEDOUT and counts the event.
func (d *Dispatcher) timeout(ctx *Context) {
	if !ctx.state.CompareAndSwap(int32(stateBusy), int32(stateTimedOut)) {
		// The completion callback won the race; do nothing.
		return
	}
	ctx.Status = ErrTimedOut
	ctx.Inbound = nil
	ctx.Callback(ctx)
	d.session.Release()
	d.reporter.Increment()
}

// ErrTimedOut is the status surfaced to the data path when a request's
// deadline elapses before the engine responds.
var ErrTimedOut = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "dedupe index request timed out" }

// IsTimeout reports whether err is (or wraps) ErrTimedOut, so data-path
// callers can distinguish "verify anyway" timeouts from hard engine
// errors without a type switch.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimedOut)
}
