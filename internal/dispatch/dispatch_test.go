package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/dedupe-coordinator/internal/advice"
	"github.com/couchbase/dedupe-coordinator/internal/eventreport"
	"github.com/couchbase/dedupe-coordinator/internal/indexengine"
	"github.com/couchbase/dedupe-coordinator/internal/pending"
	"github.com/couchbase/dedupe-coordinator/internal/session"
	"github.com/couchbase/dedupe-coordinator/internal/workqueue"
)

type stubEngine struct {
	mu      sync.Mutex
	entries map[indexengine.ChunkName]indexengine.ChunkData

	delayComplete bool
	held          []*indexengine.Request

	startErr error
}

func newStubEngine() *stubEngine {
	return &stubEngine{entries: make(map[indexengine.ChunkName]indexengine.ChunkData)}
}

func (s *stubEngine) CreateLocalIndex(context.Context, string, indexengine.Configuration) (indexengine.Session, error) {
	return "sess", nil
}
func (s *stubEngine) RebuildLocalIndex(context.Context, string) (indexengine.Session, error) {
	return "sess", nil
}
func (s *stubEngine) GetIndexConfiguration(context.Context, indexengine.Session) (indexengine.Configuration, error) {
	return nil, nil
}
func (s *stubEngine) CloseIndexSession(context.Context, indexengine.Session) error { return nil }
func (s *stubEngine) SaveIndex(context.Context, indexengine.Session) error         { return nil }
func (s *stubEngine) FlushIndexSession(context.Context, indexengine.Session) error { return nil }
func (s *stubEngine) GetIndexStats(context.Context, indexengine.Session) (indexengine.IndexStats, error) {
	return indexengine.IndexStats{}, nil
}
func (s *stubEngine) GetSessionStats(context.Context, indexengine.Session) (indexengine.SessionStats, error) {
	return indexengine.SessionStats{}, nil
}

func (s *stubEngine) StartChunkOperation(_ context.Context, req *indexengine.Request) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	existing, found := s.entries[req.ChunkName]
	if req.Type == indexengine.Post && !found {
		s.entries[req.ChunkName] = req.NewMetadata
	}
	if req.Type == indexengine.Update {
		s.entries[req.ChunkName] = req.NewMetadata
	}
	s.mu.Unlock()

	req.Found = found
	req.OldMetadata = existing
	req.Status = nil

	if s.delayComplete {
		s.mu.Lock()
		s.held = append(s.held, req)
		s.mu.Unlock()
		return nil
	}
	req.Callback(req)
	return nil
}

func (s *stubEngine) releaseHeld() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, req := range held {
		req.Callback(req)
	}
}

func newDispatcher(t *testing.T, engine indexengine.Engine) (*Dispatcher, *workqueue.Queue) {
	t.Helper()
	q := workqueue.New(8)
	m := session.New(engine, q, "dev=test", 7)
	m.SetTarget(session.Opened, true, true, false)
	waitForOnline(t, m)

	p := pending.New(pending.DefaultTimeout, pending.DefaultMinTimerInterval)
	r := eventreport.New("timeouts=%d", time.Second)
	return New(m, p, q, r), q
}

func waitForOnline(t *testing.T, m *session.Machine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.StateName() == "online" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("session never reached online")
}

func waitForCallback(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestPostThenQueryRoundTrips(t *testing.T) {
	engine := newStubEngine()
	d, q := newDispatcher(t, engine)
	defer q.Stop()

	done := make(chan struct{})
	postCtx := NewContext(func(c *Context) {
		if c.Status != nil {
			t.Errorf("post status = %v, want nil", c.Status)
		}
		close(done)
	})
	postCtx.ChunkName = indexengine.ChunkName{1, 2, 3}
	postCtx.Outbound = advice.Advice{State: 9, PBN: 555}
	d.Post(postCtx)
	waitForCallback(t, done)

	done2 := make(chan struct{})
	queryCtx := NewContext(func(c *Context) {
		defer close(done2)
		if c.Inbound == nil {
			t.Fatal("query after post should find advice")
		}
		if c.Inbound.PBN != 555 || c.Inbound.State != 9 {
			t.Fatalf("Inbound = %+v, want {State:9 PBN:555}", c.Inbound)
		}
	})
	queryCtx.ChunkName = postCtx.ChunkName
	d.Query(queryCtx)
	waitForCallback(t, done2)
}

func TestQueryMissReturnsNoAdvice(t *testing.T) {
	engine := newStubEngine()
	d, q := newDispatcher(t, engine)
	defer q.Stop()

	done := make(chan struct{})
	ctx := NewContext(func(c *Context) {
		defer close(done)
		if c.Inbound != nil {
			t.Fatal("query miss should not return advice")
		}
	})
	ctx.ChunkName = indexengine.ChunkName{9, 9, 9}
	d.Query(ctx)
	waitForCallback(t, done)
}

func TestUpdateNeverDecodesAdvice(t *testing.T) {
	engine := newStubEngine()
	d, q := newDispatcher(t, engine)
	defer q.Stop()

	done := make(chan struct{})
	ctx := NewContext(func(c *Context) {
		defer close(done)
		if c.Inbound != nil {
			t.Fatal("update should never surface decoded advice")
		}
	})
	ctx.ChunkName = indexengine.ChunkName{4, 4, 4}
	ctx.Outbound = advice.Advice{State: 1, PBN: 2}
	d.Update(ctx)
	waitForCallback(t, done)
}

func TestSynchronousEngineErrorCompletesWithStatus(t *testing.T) {
	engine := newStubEngine()
	engine.startErr = errors.New("engine unavailable")
	d, q := newDispatcher(t, engine)
	defer q.Stop()

	done := make(chan struct{})
	ctx := NewContext(func(c *Context) {
		defer close(done)
		if !errors.Is(c.Status, engine.startErr) {
			t.Fatalf("Status = %v, want %v", c.Status, engine.startErr)
		}
	})
	ctx.ChunkName = indexengine.ChunkName{7}
	d.Query(ctx)
	waitForCallback(t, done)
}

func TestBusyContextReentryIsRejected(t *testing.T) {
	engine := newStubEngine()
	engine.delayComplete = true
	d, q := newDispatcher(t, engine)
	defer q.Stop()

	first := NewContext(func(*Context) {})
	first.ChunkName = indexengine.ChunkName{1}
	d.Query(first)

	// Give the worker a moment to actually call StartChunkOperation and
	// land the request in held (without a synchronous callback).
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		engine.mu.Lock()
		n := len(engine.held)
		engine.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	busyCount := d.ContextBusyCount()
	var reentryStatus error
	var once sync.Once
	done := make(chan struct{})
	first.Callback = func(c *Context) {
		once.Do(func() {
			reentryStatus = c.Status
			close(done)
		})
	}
	d.Query(first)
	waitForCallback(t, done)

	if reentryStatus != nil {
		t.Fatalf("reentrant call should not surface an engine status: %v", reentryStatus)
	}
	if d.ContextBusyCount() != busyCount+1 {
		t.Fatalf("ContextBusyCount = %d, want %d", d.ContextBusyCount(), busyCount+1)
	}

	// The original (first) request's delayed completion still arrives
	// later; it must not panic or double-invoke anything observable here.
	engine.releaseHeld()
}

func TestTimeoutDeliversCallbackOnce(t *testing.T) {
	engine := newStubEngine()
	engine.delayComplete = true
	q := workqueue.New(8)
	defer q.Stop()
	m := session.New(engine, q, "dev=test", 7)
	m.SetTarget(session.Opened, true, true, false)
	waitForOnline(t, m)

	p := pending.New(time.Millisecond, time.Millisecond)
	r := eventreport.New("timeouts=%d", time.Hour)
	d := New(m, p, q, r)

	var calls int
	var mu sync.Mutex
	done := make(chan struct{})
	ctx := NewContext(func(c *Context) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			if !IsTimeout(c.Status) {
				t.Errorf("Status = %v, want timeout", c.Status)
			}
			close(done)
		}
	})
	ctx.ChunkName = indexengine.ChunkName{2, 2}
	d.Query(ctx)
	waitForCallback(t, done)

	if r.Count() == 0 {
		t.Fatal("timeout should have incremented the event reporter")
	}

	// The late completion arriving after the timeout must not invoke the
	// callback a second time.
	engine.releaseHeld()
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
}
