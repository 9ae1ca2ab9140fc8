// Package worker provides the generic poll-loop skeleton shared by
// every stage worker and control-plane loop: blocking-pop a payload
// (or wait out a fixed interval), dispatch to a handler, graceful
// shutdown on signal. Grounded on the teacher's pkg/queue/worker.go
// run/pollAndProcess shape, generalized away from its Ent session
// claim to an arbitrary Poll function.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoWork is returned by a Poll function when there was nothing to
// do this iteration — the skeleton treats it as routine, not an error
// worth logging.
var ErrNoWork = errors.New("worker: no work available")

// Skeleton runs Poll in a loop until Stop is called or ctx is
// cancelled, backing off briefly after an error and immediately
// retrying after ErrNoWork.
type Skeleton struct {
	Name string
	Poll func(ctx context.Context) error

	// ErrorBackoff is the pause after a non-ErrNoWork error. Defaults
	// to one second.
	ErrorBackoff time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start begins the poll loop in a goroutine. The worker is single-
// threaded within its own process per spec.md §5; run multiple
// replicas for horizontal scale, not multiple goroutines per Skeleton.
func (s *Skeleton) Start(ctx context.Context) {
	if s.stopCh == nil {
		s.stopCh = make(chan struct{})
	}
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to finish its in-flight iteration and exit,
// then blocks until it has. Safe to call more than once.
func (s *Skeleton) Stop() {
	s.stopOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
		}
	})
	s.wg.Wait()
}

func (s *Skeleton) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.ErrorBackoff
	if backoff == 0 {
		backoff = time.Second
	}

	log := slog.With("worker", s.Name)
	log.Info("worker started")

	for {
		select {
		case <-s.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := s.Poll(ctx); err != nil {
				if errors.Is(err, ErrNoWork) {
					continue
				}
				log.Error("poll iteration failed", "error", err)
				s.sleep(backoff)
			}
		}
	}
}

func (s *Skeleton) sleep(d time.Duration) {
	select {
	case <-s.stopCh:
	case <-time.After(d):
	}
}
