package background

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/db"
	"github.com/matburt/mail2feed/internal/imap"
)

// fakeProcessor counts calls and tracks how many run at once.
type fakeProcessor struct {
	mu          sync.Mutex
	calls       int
	inFlight    int32
	maxInFlight int32
	delay       time.Duration
	err         error
}

func (f *fakeProcessor) ProcessAccount(ctx context.Context, account *db.ImapAccount) (*imap.Result, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &imap.Result{EmailsProcessed: 1, ItemsCreated: 1, Errors: []string{}}, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testSchedulerConfig() Config {
	cfg := DefaultConfig()
	cfg.GlobalInterval = time.Hour
	cfg.PerAccountInterval = 30 * time.Minute
	cfg.RetentionInterval = time.Hour
	cfg.MaxProcessingTime = 5 * time.Second
	return cfg
}

func addAccounts(t *testing.T, store *db.Store, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		a := &db.ImapAccount{Name: "acct", Host: "mail.example.com", Port: 993, Username: "u", Password: "p", UseTLS: true}
		if err := store.CreateAccount(a); err != nil {
			t.Fatalf("create account: %v", err)
		}
		ids[i] = a.ID
	}
	return ids
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerConcurrencyCap(t *testing.T) {
	store := testStore(t)
	addAccounts(t, store, 6)

	cfg := testSchedulerConfig()
	cfg.MaxConcurrentAccounts = 3
	// A busy permit makes the tick skip the account, so ticks have to come
	// around quickly enough to pick up the stragglers.
	cfg.GlobalInterval = 25 * time.Millisecond
	proc := &fakeProcessor{delay: 30 * time.Millisecond}
	sched := NewScheduler(cfg, store, proc, NewCompactor(store, zap.NewNop()), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return proc.callCount() == 6 })
	if max := atomic.LoadInt32(&proc.maxInFlight); max > 3 {
		t.Fatalf("observed %d concurrent workers, cap is 3", max)
	}
}

func TestSchedulerRetryBackoff(t *testing.T) {
	store := testStore(t)
	ids := addAccounts(t, store, 1)

	cfg := testSchedulerConfig()
	cfg.RetryMaxAttempts = 3
	cfg.RetryInitialDelay = 30 * time.Second
	cfg.RetryMultiplier = 2.0
	cfg.RetryMaxDelay = 300 * time.Second

	proc := &fakeProcessor{err: errors.New("connect refused")}
	sched := NewScheduler(cfg, store, proc, NewCompactor(store, zap.NewNop()), zap.NewNop())
	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return fixed }

	ctx := context.Background()

	// First failure: retry in 30s.
	if _, err := sched.ProcessAccountNow(ctx, ids[0]); err == nil {
		t.Fatal("expected processing error")
	}
	st := accountStatus(t, sched, ids[0])
	if st.RetryCount != 1 || !st.NextAllowedRun.Equal(fixed.Add(30*time.Second)) {
		t.Fatalf("after first failure: %+v", st)
	}

	// Second failure: retry in 60s.
	if _, err := sched.ProcessAccountNow(ctx, ids[0]); err == nil {
		t.Fatal("expected processing error")
	}
	st = accountStatus(t, sched, ids[0])
	if st.RetryCount != 2 || !st.NextAllowedRun.Equal(fixed.Add(60*time.Second)) {
		t.Fatalf("after second failure: %+v", st)
	}

	// Third failure: retry in 120s.
	if _, err := sched.ProcessAccountNow(ctx, ids[0]); err == nil {
		t.Fatal("expected processing error")
	}
	st = accountStatus(t, sched, ids[0])
	if st.RetryCount != 3 || !st.NextAllowedRun.Equal(fixed.Add(120*time.Second)) {
		t.Fatalf("after third failure: %+v", st)
	}

	// Fourth failure exhausts the retry budget: counter resets and the
	// account falls back to the regular interval.
	if _, err := sched.ProcessAccountNow(ctx, ids[0]); err == nil {
		t.Fatal("expected processing error")
	}
	st = accountStatus(t, sched, ids[0])
	if st.RetryCount != 0 || !st.NextAllowedRun.Equal(fixed.Add(cfg.PerAccountInterval)) {
		t.Fatalf("after fourth failure: %+v", st)
	}
	if st.ConsecutiveFailures != 4 {
		t.Fatalf("ConsecutiveFailures = %d, want 4", st.ConsecutiveFailures)
	}

	// A success clears everything.
	proc.err = nil
	if _, err := sched.ProcessAccountNow(ctx, ids[0]); err != nil {
		t.Fatalf("process: %v", err)
	}
	st = accountStatus(t, sched, ids[0])
	if st.RetryCount != 0 || st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Fatalf("after success: %+v", st)
	}
}

func accountStatus(t *testing.T, sched *Scheduler, id string) AccountStatus {
	t.Helper()
	for _, st := range sched.Status().Accounts {
		if st.AccountID == id {
			return st
		}
	}
	t.Fatalf("no status for account %s", id)
	return AccountStatus{}
}

func TestSchedulerPauseSkipsTicks(t *testing.T) {
	store := testStore(t)
	addAccounts(t, store, 2)

	proc := &fakeProcessor{}
	sched := NewScheduler(testSchedulerConfig(), store, proc, NewCompactor(store, zap.NewNop()), zap.NewNop())

	ctx := context.Background()
	sched.Pause()
	sched.tick(ctx, false)
	time.Sleep(20 * time.Millisecond)
	if n := proc.callCount(); n != 0 {
		t.Fatalf("paused tick processed %d accounts, want 0", n)
	}

	sched.Resume()
	sched.tick(ctx, false)
	waitFor(t, time.Second, func() bool { return proc.callCount() == 2 })
}

func TestSchedulerAccountGate(t *testing.T) {
	store := testStore(t)
	ids := addAccounts(t, store, 1)

	proc := &fakeProcessor{}
	sched := NewScheduler(testSchedulerConfig(), store, proc, NewCompactor(store, zap.NewNop()), zap.NewNop())

	// Simulate an in-flight worker holding the account.
	if !sched.claim(ids[0], time.Now(), true) {
		t.Fatal("claim failed")
	}
	if _, err := sched.ProcessAccountNow(context.Background(), ids[0]); !errors.Is(err, ErrAccountBusy) {
		t.Fatalf("err = %v, want ErrAccountBusy", err)
	}
	sched.release(ids[0])
	if _, err := sched.ProcessAccountNow(context.Background(), ids[0]); err != nil {
		t.Fatalf("process after release: %v", err)
	}
}

func TestSchedulerBackoffWindowSkipsAccount(t *testing.T) {
	store := testStore(t)
	ids := addAccounts(t, store, 1)

	proc := &fakeProcessor{}
	sched := NewScheduler(testSchedulerConfig(), store, proc, NewCompactor(store, zap.NewNop()), zap.NewNop())

	ctx := context.Background()
	if _, err := sched.ProcessAccountNow(ctx, ids[0]); err != nil {
		t.Fatalf("process: %v", err)
	}
	// The account just ran; a regular tick inside the interval does nothing.
	sched.tick(ctx, false)
	time.Sleep(20 * time.Millisecond)
	if n := proc.callCount(); n != 1 {
		t.Fatalf("tick inside interval processed again, calls = %d", n)
	}
	// A forced tick ignores the window.
	sched.tick(ctx, true)
	waitFor(t, time.Second, func() bool { return proc.callCount() == 2 })
}

func TestSchedulerStartStop(t *testing.T) {
	store := testStore(t)
	proc := &fakeProcessor{}
	sched := NewScheduler(testSchedulerConfig(), store, proc, NewCompactor(store, zap.NewNop()), zap.NewNop())

	ctx := context.Background()
	if err := sched.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop before start: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sched.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("double start: %v", err)
	}
	if err := sched.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sched.Running() {
		t.Fatal("scheduler still reports running after stop")
	}
}

func TestServiceQueueAbsorbsBursts(t *testing.T) {
	store := testStore(t)
	cfg := testSchedulerConfig()
	proc := &fakeProcessor{}
	sched := NewScheduler(cfg, store, proc, NewCompactor(store, zap.NewNop()), zap.NewNop())
	svc := NewService(cfg, sched, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Shutdown()

	// A burst far beyond any fixed channel buffer: nothing may be dropped.
	for i := 0; i < 500; i++ {
		if err := svc.Send(ReloadConfig{}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	// A command enqueued behind the backlog still gets dispatched.
	if err := svc.Send(Pause{}); err != nil {
		t.Fatalf("send pause: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return svc.Status().IsPaused })
}

func TestServiceControlPlane(t *testing.T) {
	store := testStore(t)
	addAccounts(t, store, 1)

	cfg := testSchedulerConfig()
	proc := &fakeProcessor{}
	sched := NewScheduler(cfg, store, proc, NewCompactor(store, zap.NewNop()), zap.NewNop())
	svc := NewService(cfg, sched, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}

	st := svc.Status()
	if !st.IsRunning {
		t.Fatal("service status not running")
	}

	if err := svc.Send(Pause{}); err != nil {
		t.Fatalf("send pause: %v", err)
	}
	waitFor(t, time.Second, func() bool { return svc.Status().IsPaused })

	if err := svc.Send(Resume{}); err != nil {
		t.Fatalf("send resume: %v", err)
	}
	waitFor(t, time.Second, func() bool { return !svc.Status().IsPaused })

	svc.Shutdown()
	if err := svc.Send(ProcessAllNow{}); !errors.Is(err, ErrServiceStopped) {
		t.Fatalf("send after shutdown: %v", err)
	}
	if sched.Running() {
		t.Fatal("scheduler still running after service shutdown")
	}
}
