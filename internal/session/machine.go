// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package session drives the opaque index engine through
// closed → changing → opened → changing → closed, handling create vs.
// rebuild, mismatched-nonce recovery, and the coordinator's four
// imperative control messages. It is the Go port of
// original_source/vdo/kernel/dedupeIndex.c's change_dedupe_state /
// open_session / close_session / set_target_state, generalized from a
// kernel spinlock + work-queue item to a sync.Mutex plus a submission onto
// the coordinator's workqueue.Queue.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/couchbase/dedupe-coordinator/internal/indexengine"
	"github.com/couchbase/dedupe-coordinator/internal/telemetry/log"
	"github.com/couchbase/dedupe-coordinator/internal/workqueue"
)

// State is one of the three index session states from spec.md §3.
type State int

const (
	Closed State = iota
	Changing
	Opened
)

// Machine owns every "state field" from spec.md §3 guarded by the state
// lock, plus the atomic active request counter and its maximum high-water
// mark (the latter guarded by the state lock), which are logically part of
// the same admission decision (spec.md §4.4 step 5).
type Machine struct {
	engine indexengine.Engine
	queue  *workqueue.Queue

	indexName string
	nonce     indexengine.Nonce

	mu          sync.Mutex
	state       State
	target      State
	changing    bool
	createFlag  bool
	dedupeFlag  bool
	deduping    bool
	errorFlag   bool
	maximum     int64

	active atomic.Int64

	// session is read without the state lock by the completion path, by
	// design (spec.md §5 "Shared resource policy"): it is only mutated
	// while holding the state lock, and is invalidated only after
	// ¬deduping has stopped new submissions and the index queue has
	// drained the in-flight ones, since close always runs on that same
	// single-threaded queue.
	session atomic.Pointer[sessionHolder]
}

type sessionHolder struct {
	session indexengine.Session
}

// New creates a Machine in the Closed state. engine is the opaque index
// engine collaborator; queue is the coordinator's single-worker index
// queue that all engine calls and state transitions run on.
func New(engine indexengine.Engine, queue *workqueue.Queue, indexName string, nonce indexengine.Nonce) *Machine {
	return &Machine{
		engine:    engine,
		queue:     queue,
		indexName: indexName,
		nonce:     nonce,
		target:    Closed,
	}
}

// Active returns the current number of in-flight requests.
func (m *Machine) Active() int64 { return m.active.Load() }

// Maximum returns the monotonic high-water mark of Active. Per spec.md §9
// this is never reset in this implementation.
func (m *Machine) Maximum() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maximum
}

// Session returns the most recently opened engine session handle (nil
// until the first successful open), read without the state lock by design.
// The handle is not cleared on close; it is valid only while IsOpened
// reports true.
func (m *Machine) Session() indexengine.Session {
	h := m.session.Load()
	if h == nil {
		return nil
	}
	return h.session
}

func (m *Machine) setSession(s indexengine.Session) {
	m.session.Store(&sessionHolder{session: s})
}

// Engine returns the opaque index engine collaborator.
func (m *Machine) Engine() indexengine.Engine { return m.engine }

// AdmitRequest implements spec.md §4.4 step 5: under the state lock, if
// deduping, admit the request (bump active/maximum) and report true;
// otherwise report false so the dispatcher reverts request_state to IDLE
// and delivers the callback with no advice.
func (m *Machine) AdmitRequest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.deduping {
		return false
	}
	active := m.active.Add(1)
	if active > m.maximum {
		m.maximum = active
	}
	return true
}

// Release decrements the in-flight request count. Called from the
// completion and timeout paths, never under the state lock.
func (m *Machine) Release() {
	m.active.Add(-1)
}

func stateString(s State) string {
	switch s {
	case Closed:
		return "closed"
	case Changing:
		return "changing"
	case Opened:
		return "opened"
	default:
		return "unknown"
	}
}

// IsOpened reports whether the session handle returned by Session is
// currently valid, i.e. the state machine is in the Opened state. Callers
// that read engine-reported statistics must gate on this rather than on a
// nil check against Session, since the stored handle is not cleared on
// close.
func (m *Machine) IsOpened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Opened
}

// StateName implements spec.md §4.5's "State presentation" table.
func (m *Machine) StateName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateNameLocked(m.state)
}

func (m *Machine) stateNameLocked(state State) string {
	switch state {
	case Closed:
		if m.errorFlag {
			return "error"
		}
		return "closed"
	case Changing:
		if m.target == Opened {
			return "opening"
		}
		return "closing"
	case Opened:
		if m.dedupeFlag {
			return "online"
		}
		return "offline"
	default:
		return "unknown"
	}
}

// SetTarget implements spec.md §4.5's set_target_state. It optionally
// updates dedupeFlag/createFlag, and either folds the change into an
// in-progress transition, starts a new one by enqueuing the driver work
// item onto the index queue, or — if the target already matches and
// create wasn't requested — flips deduping immediately with no session
// transition (the "online vs. offline changes happen immediately" case).
func (m *Machine) SetTarget(target State, changeDedupe, dedupe, setCreate bool) {
	m.mu.Lock()
	oldName := m.stateNameLocked(m.target)

	if changeDedupe {
		m.dedupeFlag = dedupe
	}
	if setCreate {
		m.createFlag = true
	}

	switch {
	case m.changing:
		m.target = target
	case target != m.target || setCreate:
		m.target = target
		m.changing = true
		m.deduping = false
		m.queue.Submit(m.driveChanges)
	default:
		m.deduping = m.dedupeFlag && m.state == Opened
	}

	newName := m.stateNameLocked(m.target)
	m.mu.Unlock()

	if oldName != newName {
		log.Infof("session: setting index target state to %s", newName)
	}
}

// HandleMessage implements spec.md §4.5's imperative command table.
func (m *Machine) HandleMessage(name string) error {
	switch strings.ToLower(name) {
	case "index-close":
		m.SetTarget(Closed, false, false, false)
		return nil
	case "index-create":
		m.SetTarget(Opened, false, false, true)
		return nil
	case "index-disable":
		m.SetTarget(Opened, true, false, false)
		return nil
	case "index-enable":
		m.SetTarget(Opened, true, true, false)
		return nil
	default:
		return indexengine.ErrInvalidArgument
	}
}

// driveChanges is the driver work item from spec.md §4.5, run on the index
// queue: loop until the index is in the target state and createFlag is
// clear, opening or closing a session on each iteration.
func (m *Machine) driveChanges() {
	m.mu.Lock()
	for m.state != m.target || m.createFlag {
		if m.state == Opened {
			m.closeSessionLocked()
		} else {
			m.openSessionLocked()
		}
	}
	m.changing = false
	m.deduping = m.dedupeFlag && m.state == Opened
	m.mu.Unlock()
}

// closeSessionLocked must be called with mu held; it releases the lock for
// the engine call and reacquires it before returning, per spec.md §4.5 and
// §5 ("no engine call is made while the state lock is held").
func (m *Machine) closeSessionLocked() {
	m.state = Changing
	sess := m.Session()
	m.mu.Unlock()

	err := m.engine.CloseIndexSession(context.Background(), sess)
	if err != nil {
		log.ErrorfErr(err, "session: error closing index %s", m.indexName)
	}

	m.mu.Lock()
	m.state = Closed
	if err != nil {
		m.errorFlag = true
	}
}

// openSessionLocked must be called with mu held, mirroring
// closeSessionLocked's lock-release discipline across the engine call.
func (m *Machine) openSessionLocked() {
	createFlag := m.createFlag
	m.createFlag = false
	m.state = Changing
	m.errorFlag = false
	m.mu.Unlock()

	ctx := context.Background()
	var (
		sess           indexengine.Session
		err            error
		nextCreateFlag bool
	)

	if createFlag {
		sess, err = m.engine.CreateLocalIndex(ctx, m.indexName, simpleConfig(m.nonce))
		if err != nil {
			log.ErrorfErr(err, "session: error creating index %s", m.indexName)
		}
	} else {
		sess, err = m.engine.RebuildLocalIndex(ctx, m.indexName)
		if err != nil {
			log.ErrorfErr(err, "session: error opening index %s", m.indexName)
		} else {
			cfg, cfgErr := m.engine.GetIndexConfiguration(ctx, sess)
			if cfgErr != nil {
				log.ErrorfErr(cfgErr, "session: error reading configuration for %s", m.indexName)
				if closeErr := m.engine.CloseIndexSession(ctx, sess); closeErr != nil {
					log.ErrorfErr(closeErr, "session: error closing index %s", m.indexName)
				}
			} else if cfg.Nonce() != m.nonce {
				log.Errorf("session: index does not belong to this device")
				nextCreateFlag = true
			}
		}
	}

	m.mu.Lock()
	if nextCreateFlag {
		m.createFlag = true
	}
	if !createFlag && (errors.Is(err, indexengine.ErrCorruptComponent) || errors.Is(err, indexengine.ErrNoIndex)) {
		// Either there is no index, or there is no way to recover it.
		// The driver loop will be called again and try to create one.
		m.state = Closed
		m.createFlag = true
		return
	}
	if err == nil {
		m.state = Opened
		m.setSession(sess)
		return
	}
	m.state = Closed
	m.target = Closed
	m.errorFlag = true
	log.Infof("session: setting index target state to error")
}

type simpleConfigT struct{ nonce indexengine.Nonce }

func (c simpleConfigT) Nonce() indexengine.Nonce { return c.nonce }

func simpleConfig(nonce indexengine.Nonce) indexengine.Configuration {
	return simpleConfigT{nonce: nonce}
}

// Suspend implements spec.md §4.5's suspend/resume: a work item on the
// index queue either persists (save) or flushes the session, completing a
// one-shot handshake the caller waits on synchronously. If the session is
// not Opened, the work item does nothing but still completes. Resume is
// implicit, per spec.md ("nothing need be undone").
func (m *Machine) Suspend(ctx context.Context, save bool) error {
	done := make(chan error, 1)
	m.queue.Submit(func() {
		m.mu.Lock()
		state := m.state
		m.mu.Unlock()

		if state != Opened {
			done <- nil
			return
		}
		sess := m.Session()
		var err error
		if save {
			err = m.engine.SaveIndex(context.Background(), sess)
		} else {
			err = m.engine.FlushIndexSession(context.Background(), sess)
		}
		if err != nil {
			log.ErrorfErr(err, "session: error suspending dedupe index")
		}
		done <- err
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
