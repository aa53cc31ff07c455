package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// statusDeadline bounds how long Status waits for the handler loop to
// answer a GetStatus command.
const statusDeadline = 5 * time.Second

var ErrServiceStopped = errors.New("background: service stopped")

// Service is the control-plane facade around the scheduler. API handlers
// and the CLI talk to it through commands; a single handler goroutine
// serializes them. The queue grows without bound, so Send never drops a
// command while the service is alive.
type Service struct {
	cfg   Config
	sched *Scheduler
	log   *zap.Logger

	mu      sync.Mutex
	queue   []Command
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func NewService(cfg Config, sched *Scheduler, log *zap.Logger) *Service {
	return &Service{
		cfg:   cfg,
		sched: sched,
		log:   log,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Start launches the scheduler (unless disabled by configuration) and the
// command handler loop.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Enabled {
		if err := s.sched.Start(ctx); err != nil {
			return err
		}
	} else {
		s.log.Info("background processing disabled by configuration")
	}
	go s.handle(ctx)
	return nil
}

// Send enqueues a command. It never blocks and only fails once the service
// has stopped.
func (s *Service) Send(cmd Command) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}
	s.queue = append(s.queue, cmd)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop takes the oldest queued command, if any.
func (s *Service) pop() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	cmd := s.queue[0]
	s.queue = s.queue[1:]
	return cmd, true
}

func (s *Service) markStopped() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
}

// Status requests a snapshot through the command queue. It falls back to a
// direct scheduler read if the handler does not answer within the deadline.
func (s *Service) Status() Status {
	reply := make(chan Status, 1)
	if err := s.Send(GetStatus{Reply: reply}); err != nil {
		return s.sched.Status()
	}
	select {
	case st := <-reply:
		return st
	case <-time.After(statusDeadline):
		s.log.Warn("status request timed out, reading scheduler state directly")
		return s.sched.Status()
	}
}

// Shutdown stops the handler loop and the scheduler, waiting for workers
// to drain.
func (s *Service) Shutdown() {
	_ = s.Send(Shutdown{})
	<-s.done
}

// StartScheduler starts a stopped scheduler. Exposed for the management
// API's start/restart endpoints.
func (s *Service) StartScheduler(ctx context.Context) error {
	return s.sched.Start(ctx)
}

// StopScheduler stops the scheduler without tearing down the control plane.
func (s *Service) StopScheduler() error {
	return s.sched.Stop()
}

// ProcessAccount runs one synchronous pass for an account on behalf of the
// management API.
func (s *Service) ProcessAccount(ctx context.Context, accountID string) (any, error) {
	return s.sched.ProcessAccountNow(ctx, accountID)
}

func (s *Service) handle(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.markStopped()
			if s.sched.Running() {
				_ = s.sched.Stop()
			}
			return
		case <-s.wake:
			for {
				cmd, ok := s.pop()
				if !ok {
					break
				}
				if stop := s.dispatch(ctx, cmd); stop {
					s.markStopped()
					return
				}
			}
		}
	}
}

// dispatch handles one command. Returns true when the loop should exit.
func (s *Service) dispatch(ctx context.Context, cmd Command) bool {
	switch c := cmd.(type) {
	case ProcessAllNow:
		if err := s.sched.ProcessAllNow(ctx); err != nil {
			s.log.Warn("process-all command failed", zap.Error(err))
		}
	case ProcessAccountNow:
		// Run asynchronously so a slow account does not stall the
		// command loop.
		go func() {
			if _, err := s.sched.ProcessAccountNow(ctx, c.AccountID); err != nil {
				s.log.Warn("process-account command failed",
					zap.String("account", c.AccountID), zap.Error(err))
			}
		}()
	case Pause:
		s.sched.Pause()
	case Resume:
		s.sched.Resume()
	case ReloadConfig:
		s.log.Info("config reload requested; restart the service to apply changes")
	case GetStatus:
		if c.Reply != nil {
			c.Reply <- s.sched.Status()
		}
	case Shutdown:
		if s.sched.Running() {
			_ = s.sched.Stop()
		}
		return true
	}
	return false
}
