package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/metrics"
)

// Policy bounds a supervised task.
type Policy struct {
	Attempts int
	Base     time.Duration
}

// DefaultPolicy is three attempts with exponential backoff from two seconds.
var DefaultPolicy = Policy{Attempts: 3, Base: 2 * time.Second}

// Task is one attempt of a supervised operation. attempt starts at 1.
type Task func(ctx context.Context, attempt int) error

// Result is published once per background task, after the final attempt.
type Result struct {
	Task     string
	Key      string
	Attempts int
	Err      error
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; the supervisor stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Supervisor runs tasks under a bounded exponential backoff. Background tasks
// are detached from the caller's cancellation and report on Results.
type Supervisor struct {
	policy  Policy
	logg    *logger.Logger
	metrics *metrics.FulfillmentMetrics
	results chan Result

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds a supervisor. buffer sizes the results channel.
func NewSupervisor(policy Policy, logg *logger.Logger, m *metrics.FulfillmentMetrics, buffer int) (*Supervisor, error) {
	if policy.Attempts <= 0 {
		return nil, fmt.Errorf("retry attempts must be positive")
	}
	if policy.Base <= 0 {
		return nil, fmt.Errorf("retry base backoff must be positive")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if buffer < 0 {
		buffer = 0
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		policy:  policy,
		logg:    logg,
		metrics: m,
		results: make(chan Result, buffer),
		base:    base,
		cancel:  cancel,
	}, nil
}

// Results delivers the outcome of every task started with Go.
func (s *Supervisor) Results() <-chan Result {
	return s.results
}

// Run executes fn synchronously and returns the number of attempts made and
// the last error, if every attempt failed.
func (s *Supervisor) Run(ctx context.Context, name string, fn Task) (int, error) {
	backoff := goretry.WithMaxRetries(uint64(s.policy.Attempts-1), goretry.NewExponential(s.policy.Base))

	attempt := 0
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		s.metrics.IncRetryAttempt(name)
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"task":    name,
			"attempt": attempt,
			"of":      s.policy.Attempts,
		})
		s.logg.Warn(logCtx, fmt.Sprintf("supervised task attempt failed: %v", err))
		return goretry.RetryableError(err)
	})
	if err != nil {
		var p permanentError
		if errors.As(err, &p) {
			err = p.err
		}
		s.metrics.IncRetryExhausted(name)
	}
	return attempt, err
}

// Go runs fn in its own goroutine after the caller returns. The task keeps the
// caller's log fields but not its deadline or cancellation.
func (s *Supervisor) Go(ctx context.Context, name, key string, fn Task) {
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		taskCtx, stop := context.WithCancel(detached)
		defer stop()
		go func() {
			select {
			case <-s.base.Done():
				stop()
			case <-taskCtx.Done():
			}
		}()

		attempts, err := s.Run(taskCtx, name, fn)
		if err != nil {
			logCtx := s.logg.WithFields(taskCtx, map[string]any{"task": name, "key": key, "attempts": attempts})
			s.logg.Error(logCtx, "supervised task exhausted", err)
		}
		s.publish(Result{Task: name, Key: key, Attempts: attempts, Err: err})
	}()
}

func (s *Supervisor) publish(res Result) {
	select {
	case s.results <- res:
	case <-s.base.Done():
	}
}

// Shutdown stops accepting result deliveries once ctx expires and waits for
// in-flight tasks.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
