package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/dedupe-coordinator/internal/indexengine"
	"github.com/couchbase/dedupe-coordinator/internal/workqueue"
)

type fakeConfig struct{ nonce indexengine.Nonce }

func (c fakeConfig) Nonce() indexengine.Nonce { return c.nonce }

// fakeEngine lets each test script exactly how rebuild/create/close behave.
type fakeEngine struct {
	mu sync.Mutex

	rebuildErr    error
	rebuildNonce  indexengine.Nonce
	configErr     error
	createErr     error
	closeErr      error
	rebuildCalls  int
	createCalls   int
	closeCalls    int
}

func (f *fakeEngine) CreateLocalIndex(_ context.Context, _ string, cfg indexengine.Configuration) (indexengine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return "created-session", nil
}

func (f *fakeEngine) RebuildLocalIndex(_ context.Context, _ string) (indexengine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuildCalls++
	if f.rebuildErr != nil {
		return nil, f.rebuildErr
	}
	return "rebuilt-session", nil
}

func (f *fakeEngine) GetIndexConfiguration(_ context.Context, _ indexengine.Session) (indexengine.Configuration, error) {
	if f.configErr != nil {
		return nil, f.configErr
	}
	return fakeConfig{nonce: f.rebuildNonce}, nil
}

func (f *fakeEngine) CloseIndexSession(_ context.Context, _ indexengine.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

func (f *fakeEngine) SaveIndex(_ context.Context, _ indexengine.Session) error       { return nil }
func (f *fakeEngine) FlushIndexSession(_ context.Context, _ indexengine.Session) error { return nil }
func (f *fakeEngine) StartChunkOperation(_ context.Context, _ *indexengine.Request) error {
	return nil
}
func (f *fakeEngine) GetIndexStats(_ context.Context, _ indexengine.Session) (indexengine.IndexStats, error) {
	return indexengine.IndexStats{}, nil
}
func (f *fakeEngine) GetSessionStats(_ context.Context, _ indexengine.Session) (indexengine.SessionStats, error) {
	return indexengine.SessionStats{}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestStartOpensViaRebuild(t *testing.T) {
	q := workqueue.New(4)
	defer q.Stop()
	engine := &fakeEngine{rebuildNonce: 7}
	m := New(engine, q, "dev=test offset=4096 size=100", 7)

	m.SetTarget(Opened, true, true, false)
	waitFor(t, func() bool { return m.StateName() == "online" })

	if m.Session() != "rebuilt-session" {
		t.Fatalf("Session() = %v, want rebuilt-session", m.Session())
	}
}

func TestNonceMismatchRecreatesIndex(t *testing.T) {
	q := workqueue.New(4)
	defer q.Stop()
	engine := &fakeEngine{rebuildNonce: 999} // configured nonce is 7, mismatches
	m := New(engine, q, "dev=test", 7)

	m.SetTarget(Opened, true, true, false)
	waitFor(t, func() bool { return m.StateName() == "online" })

	engine.mu.Lock()
	createCalls, closeCalls := engine.createCalls, engine.closeCalls
	engine.mu.Unlock()

	if createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1 (retry as create after nonce mismatch)", createCalls)
	}
	if closeCalls != 1 {
		t.Fatalf("closeCalls = %d, want 1 (closing the mismatched rebuild session)", closeCalls)
	}
	if m.Session() != "created-session" {
		t.Fatalf("Session() = %v, want created-session", m.Session())
	}
}

func TestRebuildCorruptionFallsBackToCreate(t *testing.T) {
	q := workqueue.New(4)
	defer q.Stop()
	engine := &fakeEngine{rebuildErr: indexengine.ErrCorruptComponent}
	m := New(engine, q, "dev=test", 7)

	m.SetTarget(Opened, true, true, false)
	waitFor(t, func() bool { return m.StateName() == "online" })

	if m.StateName() != "online" {
		t.Fatalf("final state = %s, want online", m.StateName())
	}
}

func TestOtherOpenFailureForcesTargetClosedWithError(t *testing.T) {
	q := workqueue.New(4)
	defer q.Stop()
	engine := &fakeEngine{rebuildErr: errors.New("transient disk error")}
	m := New(engine, q, "dev=test", 7)

	m.SetTarget(Opened, true, true, false)
	waitFor(t, func() bool { return m.StateName() == "error" })
}

func TestDisableThenEnableSkipsSessionTransition(t *testing.T) {
	q := workqueue.New(4)
	defer q.Stop()
	engine := &fakeEngine{rebuildNonce: 7}
	m := New(engine, q, "dev=test", 7)

	m.SetTarget(Opened, true, true, false)
	waitFor(t, func() bool { return m.StateName() == "online" })

	m.HandleMessage("index-disable")
	waitFor(t, func() bool { return m.StateName() == "offline" })

	engine.mu.Lock()
	rebuildCalls := engine.rebuildCalls
	engine.mu.Unlock()

	m.HandleMessage("index-enable")
	waitFor(t, func() bool { return m.StateName() == "online" })

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.rebuildCalls != rebuildCalls {
		t.Fatalf("enable/disable should not re-open the session: rebuildCalls went from %d to %d", rebuildCalls, engine.rebuildCalls)
	}
}

func TestAdmitRequestRespectsDeduping(t *testing.T) {
	q := workqueue.New(4)
	defer q.Stop()
	engine := &fakeEngine{rebuildNonce: 7}
	m := New(engine, q, "dev=test", 7)

	if m.AdmitRequest() {
		t.Fatal("should not admit before opened/enabled")
	}

	m.SetTarget(Opened, true, true, false)
	waitFor(t, func() bool { return m.StateName() == "online" })

	if !m.AdmitRequest() {
		t.Fatal("should admit once online")
	}
	if m.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", m.Active())
	}
	if m.Maximum() != 1 {
		t.Fatalf("Maximum() = %d, want 1", m.Maximum())
	}
	m.Release()
	if m.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", m.Active())
	}
	if m.Maximum() != 1 {
		t.Fatalf("Maximum() = %d, want 1 (monotonic high-water mark)", m.Maximum())
	}
}

func TestUnknownMessageIsInvalidArgument(t *testing.T) {
	q := workqueue.New(4)
	defer q.Stop()
	m := New(&fakeEngine{}, q, "dev=test", 7)
	if err := m.HandleMessage("bogus"); !errors.Is(err, indexengine.ErrInvalidArgument) {
		t.Fatalf("HandleMessage(bogus) = %v, want ErrInvalidArgument", err)
	}
}

func TestSuspendCompletesWhenClosed(t *testing.T) {
	q := workqueue.New(4)
	defer q.Stop()
	m := New(&fakeEngine{}, q, "dev=test", 7)
	if err := m.Suspend(context.Background(), true); err != nil {
		t.Fatalf("Suspend on closed session: %v", err)
	}
}
