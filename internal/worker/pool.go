package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"subflow/internal/backoff"
	"subflow/internal/domain"
	"subflow/internal/retry"
)

// Store is the part of the task store the dispatcher needs.
type Store interface {
	retry.Completer
	ClaimBatch(ctx context.Context, limit int, now time.Time, workerID string) ([]domain.Task, error)
	RenewTask(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	ReleaseTask(ctx context.Context, id, workerID string) error
}

type Option func(*Pool)

func WithPollInterval(d time.Duration) Option { return func(p *Pool) { p.pollEvery = d } }

// WithRateLimit caps how many tasks per second this worker starts.
func WithRateLimit(l *rate.Limiter) Option { return func(p *Pool) { p.limiter = l } }

// WithStoreBackoff sets the delay between poll cycles while the store is failing.
func WithStoreBackoff(s backoff.Strategy) Option { return func(p *Pool) { p.storeBackoff = s } }

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// Pool polls the store for due tasks and runs them on at most size goroutines.
type Pool struct {
	store        Store
	exec         Executor
	retry        *retry.Controller
	workerID     string
	sem          chan struct{}
	pollEvery    time.Duration
	limiter      *rate.Limiter
	storeBackoff backoff.Strategy
	now          func() time.Time
	wg           sync.WaitGroup
}

func NewPool(store Store, exec Executor, rc *retry.Controller, workerID string, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		store:        store,
		exec:         exec,
		retry:        rc,
		workerID:     workerID,
		sem:          make(chan struct{}, size),
		pollEvery:    250 * time.Millisecond,
		storeBackoff: backoff.NewExponential(500*time.Millisecond, 30*time.Second),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) WorkerID() string { return p.workerID }

// Run polls until ctx is cancelled, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Str("worker_id", p.workerID).Int("slots", cap(p.sem)).Dur("poll", p.pollEvery).Msg("dispatcher started")
	t := time.NewTimer(0)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			p.Wait()
			log.Info().Str("worker_id", p.workerID).Msg("dispatcher stopped")
			return nil
		case <-t.C:
			delay := p.pollEvery
			if _, err := p.Cycle(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				failures++
				delay = p.storeBackoff.Delay(failures)
				log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("poll cycle failed")
			} else {
				failures = 0
			}
			t.Reset(delay)
		}
	}
}

// Cycle claims as many due tasks as there are free slots and starts them. It
// returns the number dispatched. An empty claim is not an error.
func (p *Pool) Cycle(ctx context.Context) (int, error) {
	free := cap(p.sem) - len(p.sem)
	if free <= 0 {
		return 0, nil
	}
	tasks, err := p.store.ClaimBatch(ctx, free, p.now(), p.workerID)
	if err != nil {
		return 0, domain.Unavailable(err)
	}
	n := 0
	for _, t := range tasks {
		if !p.dispatch(ctx, t) {
			// held leases on tasks we cannot start would starve other workers
			p.release(ctx, t)
			continue
		}
		n++
	}
	return n, nil
}

// Wait blocks until all dispatched tasks have finished.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) dispatch(ctx context.Context, t domain.Task) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	if p.limiter != nil && !p.limiter.Allow() {
		<-p.sem
		return false
	}
	p.wg.Add(1)
	go p.run(ctx, t)
	return true
}

func (p *Pool) run(ctx context.Context, t domain.Task) {
	defer p.wg.Done()
	defer func() { <-p.sem }()

	jobCtx, cancel := context.WithTimeout(ctx, t.Timeout())
	defer cancel()
	stop := p.heartbeat(jobCtx, t)
	err := p.exec.Execute(jobCtx, t)
	stop()

	// Shutdown interrupted the task: hand it back without spending an attempt.
	if err != nil && ctx.Err() != nil {
		p.release(context.WithoutCancel(ctx), t)
		return
	}
	if _, _, werr := p.retry.Apply(context.WithoutCancel(ctx), t, p.workerID, err, p.now()); werr != nil {
		log.Error().Err(werr).Str("task_id", t.ID).Msg("record task outcome")
	}
}

// heartbeat renews the task lease every third of its timeout until stopped.
func (p *Pool) heartbeat(ctx context.Context, t domain.Task) (stop func()) {
	every := t.Timeout() / 3
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				ok, err := p.store.RenewTask(ctx, t.ID, p.workerID, p.now())
				if err != nil {
					log.Warn().Err(err).Str("task_id", t.ID).Msg("lease renew failed")
					continue
				}
				if !ok {
					log.Warn().Str("task_id", t.ID).Str("worker_id", p.workerID).Msg("lease lost during execution")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) release(ctx context.Context, t domain.Task) {
	if err := p.store.ReleaseTask(ctx, t.ID, p.workerID); err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("release lease")
	}
}
