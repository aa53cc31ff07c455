package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/matburt/mail2feed/internal/db"
	"github.com/matburt/mail2feed/internal/imap"
)

// stopDrain bounds how long Stop waits for in-flight workers before
// abandoning them.
const stopDrain = 2 * time.Second

var (
	ErrAlreadyRunning = errors.New("background: scheduler already running")
	ErrNotRunning     = errors.New("background: scheduler not running")
	ErrAccountBusy    = errors.New("background: account is already being processed")
)

// AccountProcessor runs one polling pass for a single account. Satisfied by
// imap.Processor; tests substitute their own.
type AccountProcessor interface {
	ProcessAccount(ctx context.Context, account *db.ImapAccount) (*imap.Result, error)
}

// accountState tracks per-account scheduling bookkeeping. Access is guarded
// by Scheduler.mu.
type accountState struct {
	isProcessing        bool
	nextAllowedRun      time.Time
	retryCount          int
	consecutiveFailures int
	lastRun             time.Time
	lastSuccess         time.Time
	lastError           string
}

// AccountStatus is the externally visible snapshot of one account's state.
type AccountStatus struct {
	AccountID           string    `json:"account_id"`
	IsProcessing        bool      `json:"is_processing"`
	NextAllowedRun      time.Time `json:"next_allowed_run"`
	RetryCount          int       `json:"retry_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRun             time.Time `json:"last_run,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Scheduler drives periodic account polling and retention sweeps. A global
// semaphore caps how many accounts are processed concurrently; each account
// additionally runs at most one worker at a time.
type Scheduler struct {
	cfg   Config
	store *db.Store
	proc  AccountProcessor
	comp  *Compactor
	log   *zap.Logger

	sem *semaphore.Weighted
	now func() time.Time

	mu       sync.RWMutex
	accounts map[string]*accountState
	paused   bool
	running  bool
	started  time.Time

	totalRuns      int
	totalItems     int
	totalFailures  int
	lastSweep      time.Time
	lastSweepStats CompactionResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config, store *db.Store, proc AccountProcessor, comp *Compactor, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		proc:     proc,
		comp:     comp,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentAccounts)),
		now:      time.Now,
		accounts: make(map[string]*accountState),
	}
}

// Start launches the tick loop. It returns immediately; workers run until
// Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.paused = false
	s.started = s.now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
	s.log.Info("background scheduler started",
		zap.Duration("global_interval", s.cfg.GlobalInterval),
		zap.Duration("account_interval", s.cfg.PerAccountInterval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrentAccounts))
	return nil
}

// Stop cancels the tick loop and waits briefly for in-flight workers to
// drain. Workers that outlive the drain window are abandoned; their
// contexts are cancelled so they unwind on their own.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("background scheduler stopped")
	case <-time.After(stopDrain):
		s.log.Warn("background scheduler stopped with workers still draining")
	}
	return nil
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Pause stops new workers from being launched. In-flight workers finish.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("background processing paused")
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("background processing resumed")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	poll := time.NewTicker(s.cfg.GlobalInterval)
	defer poll.Stop()
	sweep := time.NewTicker(s.cfg.RetentionInterval)
	defer sweep.Stop()

	// Initial pass shortly after startup rather than waiting a full
	// interval.
	s.tick(ctx, false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.tick(ctx, false)
		case <-sweep.C:
			s.runRetention(ctx)
		}
	}
}

// tick launches workers for every account that is due. With force set the
// per-account backoff window is ignored; an account that is already being
// processed is always skipped.
func (s *Scheduler) tick(ctx context.Context, force bool) {
	s.mu.RLock()
	paused := s.paused
	s.mu.RUnlock()
	if paused && !force {
		return
	}

	accounts, err := s.store.ListAccounts()
	if err != nil {
		s.log.Error("listing accounts for background pass", zap.Error(err))
		return
	}

	now := s.now()
	for i := range accounts {
		account := accounts[i]
		if !s.claim(account.ID, now, force) {
			continue
		}
		// No free permit: leave the account for the next tick instead of
		// stalling the loop.
		if !s.sem.TryAcquire(1) {
			s.release(account.ID)
			continue
		}
		s.wg.Add(1)
		go s.worker(ctx, &account)
	}
}

// claim marks an account as processing if it is eligible to run now.
func (s *Scheduler) claim(accountID string, now time.Time, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(accountID)
	if st.isProcessing {
		return false
	}
	if !force && now.Before(st.nextAllowedRun) {
		return false
	}
	st.isProcessing = true
	return true
}

func (s *Scheduler) release(accountID string) {
	s.mu.Lock()
	s.state(accountID).isProcessing = false
	s.mu.Unlock()
}

// state returns the tracked state for an account, creating it on first use.
// Callers must hold s.mu.
func (s *Scheduler) state(accountID string) *accountState {
	st, ok := s.accounts[accountID]
	if !ok {
		st = &accountState{}
		s.accounts[accountID] = st
	}
	return st
}

// worker runs one processing pass for a claimed account and records the
// outcome. The semaphore permit and the processing claim are both released
// on return, panics included.
func (s *Scheduler) worker(ctx context.Context, account *db.ImapAccount) {
	metricWorkersInFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in account worker",
				zap.String("account", account.ID),
				zap.Any("panic", r))
			s.recordFailure(account.ID, fmt.Sprintf("panic: %v", r))
		}
		metricWorkersInFlight.Dec()
		s.sem.Release(1)
		s.release(account.ID)
		s.wg.Done()
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxProcessingTime)
	defer cancel()

	result, err := s.proc.ProcessAccount(runCtx, account)
	if err != nil {
		s.recordFailure(account.ID, err.Error())
		s.log.Warn("account processing failed",
			zap.String("account", account.ID),
			zap.String("name", account.Name),
			zap.Error(err))
		return
	}
	s.recordSuccess(account.ID, result)
	s.log.Info("account processed",
		zap.String("account", account.ID),
		zap.String("name", account.Name),
		zap.Int("emails", result.EmailsProcessed),
		zap.Int("items", result.ItemsCreated),
		zap.Int("errors", len(result.Errors)))
}

// recordSuccess resets retry bookkeeping and schedules the next regular run.
func (s *Scheduler) recordSuccess(accountID string, result *imap.Result) {
	metricAccountRuns.WithLabelValues("success").Inc()
	metricItemsCreated.Add(float64(result.ItemsCreated))

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(accountID)
	st.retryCount = 0
	st.consecutiveFailures = 0
	st.lastRun = s.now()
	st.lastSuccess = st.lastRun
	st.lastError = ""
	st.nextAllowedRun = s.now().Add(s.cfg.PerAccountInterval)
	s.totalRuns++
	s.totalItems += result.ItemsCreated
}

// recordFailure advances the retry backoff. Once the retry budget is spent
// the account falls back to the regular interval and the counter resets.
func (s *Scheduler) recordFailure(accountID string, msg string) {
	metricAccountRuns.WithLabelValues("failure").Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(accountID)
	st.consecutiveFailures++
	st.lastRun = s.now()
	st.lastError = msg
	s.totalRuns++
	s.totalFailures++

	if st.retryCount >= s.cfg.RetryMaxAttempts {
		st.retryCount = 0
		st.nextAllowedRun = s.now().Add(s.cfg.PerAccountInterval)
		return
	}
	delay := s.cfg.Backoff(st.retryCount)
	st.retryCount++
	st.nextAllowedRun = s.now().Add(delay)
}

// ProcessAllNow schedules an immediate pass over every account, ignoring
// per-account backoff windows. Accounts currently being processed are
// skipped.
func (s *Scheduler) ProcessAllNow(ctx context.Context) error {
	if !s.Running() {
		return ErrNotRunning
	}
	s.tick(ctx, true)
	return nil
}

// ProcessAccountNow runs one pass for a single account synchronously. It
// competes for the same concurrency permit as scheduled workers and fails
// fast if the account already has a worker running.
func (s *Scheduler) ProcessAccountNow(ctx context.Context, accountID string) (*imap.Result, error) {
	account, err := s.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if !s.claim(accountID, s.now(), true) {
		return nil, ErrAccountBusy
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.release(accountID)
		return nil, err
	}
	defer func() {
		s.sem.Release(1)
		s.release(accountID)
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxProcessingTime)
	defer cancel()

	result, err := s.proc.ProcessAccount(runCtx, account)
	if err != nil {
		s.recordFailure(accountID, err.Error())
		return nil, err
	}
	s.recordSuccess(accountID, result)
	return result, nil
}

// runRetention sweeps every feed once.
func (s *Scheduler) runRetention(ctx context.Context) {
	result := s.comp.Run(ctx)
	metricRetentionRemoved.Add(float64(result.ItemsRemoved))
	s.mu.Lock()
	s.lastSweep = s.now()
	s.lastSweepStats = *result
	s.mu.Unlock()
	if result.ItemsRemoved > 0 || len(result.Errors) > 0 {
		s.log.Info("retention sweep finished",
			zap.Int("feeds", result.FeedsProcessed),
			zap.Int("removed", result.ItemsRemoved),
			zap.Int("errors", len(result.Errors)))
	}
}

// Status reports a snapshot of scheduler state.
type Status struct {
	IsRunning          bool            `json:"is_running"`
	IsPaused           bool            `json:"is_paused"`
	UptimeSeconds      int64           `json:"uptime_seconds"`
	AccountsProcessing int             `json:"accounts_processing"`
	TotalProcessed     int             `json:"total_processed"`
	TotalFailures      int             `json:"total_failures"`
	TotalItemsCreated  int             `json:"total_items_created"`
	LastRetentionSweep *time.Time      `json:"last_retention_sweep,omitempty"`
	Accounts           []AccountStatus `json:"accounts"`
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		IsRunning:         s.running,
		IsPaused:          s.paused,
		TotalProcessed:    s.totalRuns,
		TotalFailures:     s.totalFailures,
		TotalItemsCreated: s.totalItems,
		Accounts:          make([]AccountStatus, 0, len(s.accounts)),
	}
	if s.running {
		st.UptimeSeconds = int64(s.now().Sub(s.started).Seconds())
	}
	if !s.lastSweep.IsZero() {
		t := s.lastSweep
		st.LastRetentionSweep = &t
	}
	for id, as := range s.accounts {
		if as.isProcessing {
			st.AccountsProcessing++
		}
		st.Accounts = append(st.Accounts, AccountStatus{
			AccountID:           id,
			IsProcessing:        as.isProcessing,
			NextAllowedRun:      as.nextAllowedRun,
			RetryCount:          as.retryCount,
			ConsecutiveFailures: as.consecutiveFailures,
			LastRun:             as.lastRun,
			LastSuccess:         as.lastSuccess,
			LastError:           as.lastError,
		})
	}
	return st
}
