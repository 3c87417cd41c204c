package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"subflow/internal/backoff"
	"subflow/internal/domain"
	"subflow/internal/schedule"
)

// Store is the cron registry as seen by the tick engine.
type Store interface {
	DueCrons(ctx context.Context, now time.Time) ([]domain.CronDefinition, error)
	AcquireCron(ctx context.Context, id, owner string, now time.Time) (bool, error)
	ReleaseCron(ctx context.Context, id, owner string) error
	FireCron(ctx context.Context, id, owner string, t domain.Task, now, next time.Time) (string, error)
	MarkCronErrored(ctx context.Context, id, owner, msg string, now time.Time) error
}

// Service materializes tasks from due cron definitions. Any number of services
// may tick the same registry; the per-definition lease makes each occurrence
// fire once.
type Service struct {
	repo         Store
	owner        string
	interval     time.Duration
	storeBackoff backoff.Strategy
	now          func() time.Time
	stop         chan struct{}
	stopOnce     sync.Once
}

func NewService(repo Store, owner string, checkInterval time.Duration) *Service {
	return &Service{
		repo:         repo,
		owner:        owner,
		interval:     checkInterval,
		storeBackoff: backoff.NewExponential(time.Second, 30*time.Second),
		now:          func() time.Time { return time.Now().UTC() },
		stop:         make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()

	log.Info().Dur("interval", s.interval).Str("worker_id", s.owner).Msg("cron tick engine started")

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-t.C:
			delay := s.interval
			if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
				failures++
				delay = s.storeBackoff.Delay(failures)
				log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("cron tick failed")
			} else {
				failures = 0
			}
			t.Reset(delay)
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Tick fires every due definition at now and returns the number of tasks created.
// Only a failure to list due definitions is returned; per-definition failures are
// logged and left for the next tick.
func (s *Service) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.DueCrons(ctx, now)
	if err != nil {
		return 0, domain.Unavailable(err)
	}

	fired := 0
	for _, def := range due {
		ok, err := s.processCron(ctx, def, now)
		if err != nil {
			log.Error().Err(err).Str("cron_id", def.ID).Msg("failed to process cron")
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (s *Service) processCron(ctx context.Context, def domain.CronDefinition, now time.Time) (bool, error) {
	acquired, err := s.repo.AcquireCron(ctx, def.ID, s.owner, now)
	if err != nil {
		return false, err
	}
	if !acquired {
		// another instance is ticking it, or it already advanced
		return false, nil
	}

	next, err := schedule.Evaluate(def.CronExpr, now)
	if err != nil {
		if merr := s.repo.MarkCronErrored(ctx, def.ID, s.owner, err.Error(), now); merr != nil {
			s.release(ctx, def.ID)
			return false, merr
		}
		log.Error().Err(err).Str("cron_id", def.ID).Str("cron_expr", def.CronExpr).Msg("cron definition errored")
		return false, nil
	}

	taskID, err := s.repo.FireCron(ctx, def.ID, s.owner, def.Materialize(now), now, next)
	if errors.Is(err, domain.ErrLockConflict) {
		return false, nil
	}
	if err != nil {
		s.release(ctx, def.ID)
		return false, err
	}

	log.Info().
		Str("cron_id", def.ID).
		Str("cron_name", def.Name).
		Str("task_id", taskID).
		Time("next_run", next).
		Msg("scheduled task enqueued")
	return true, nil
}

func (s *Service) release(ctx context.Context, id string) {
	if err := s.repo.ReleaseCron(ctx, id, s.owner); err != nil {
		log.Warn().Err(err).Str("cron_id", id).Msg("release cron lease")
	}
}
