package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ExpiredSessionSubmitter is the part of the session lifecycle the sweeper drives.
type ExpiredSessionSubmitter interface {
	ExpiredSessions(ctx context.Context, limit int) ([]uint, error)
	ForceSubmit(ctx context.Context, sessionID uint) (bool, error)
	RedeliverGraded(ctx context.Context, limit int) (int, error)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Expired     int
	Submitted   int
	Failed      int
	Redelivered int
}

// DeadlineSweeper force-submits sessions whose deadline passed and re-drives
// graded events whose analytics never landed.
type DeadlineSweeper struct {
	sessions  ExpiredSessionSubmitter
	pool      *Pool
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

// NewDeadlineSweeper creates a sweeper. Without a pool submissions run inline.
func NewDeadlineSweeper(sessions ExpiredSessionSubmitter, pool *Pool, interval time.Duration, batchSize int, logger zerolog.Logger) *DeadlineSweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DeadlineSweeper{
		sessions:  sessions,
		pool:      pool,
		interval:  interval,
		batchSize: batchSize,
		log:       logger.With().Str("component", "deadline_sweeper").Logger(),
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *DeadlineSweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("deadline sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		result, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("deadline sweep failed")
		}
		if result.Expired > 0 || result.Redelivered > 0 {
			s.log.Info().
				Int("expired", result.Expired).
				Int("submitted", result.Submitted).
				Int("failed", result.Failed).
				Int("redelivered", result.Redelivered).
				Msg("deadline sweep completed")
		}

		select {
		case <-ctx.Done():
			s.log.Info().Msg("deadline sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass and waits for its submissions to finish.
func (s *DeadlineSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	ids, err := s.sessions.ExpiredSessions(ctx, s.batchSize)
	if err != nil {
		return result, fmt.Errorf("list expired sessions: %w", err)
	}
	result.Expired = len(ids)

	var (
		wg        sync.WaitGroup
		submitted atomic.Int64
		failed    atomic.Int64
	)
	for _, id := range ids {
		sessionID := id
		run := func(jobCtx context.Context) error {
			claimed, err := s.sessions.ForceSubmit(jobCtx, sessionID)
			if err != nil {
				failed.Add(1)
				return fmt.Errorf("force submit session %d: %w", sessionID, err)
			}
			if claimed {
				submitted.Add(1)
			}
			return nil
		}

		if s.pool == nil {
			if err := run(ctx); err != nil {
				s.log.Error().Err(err).Uint("session_id", sessionID).Msg("force submit failed")
			}
			continue
		}

		wg.Add(1)
		job := Job{Name: "force_submit", Run: func(jobCtx context.Context) error {
			defer wg.Done()
			return run(jobCtx)
		}}
		if err := s.pool.Submit(ctx, job); err != nil {
			wg.Done()
			failed.Add(1)
			s.log.Warn().Err(err).Uint("session_id", sessionID).Msg("could not queue force submit")
		}
	}

	if err := wait(ctx, &wg); err != nil {
		return s.collect(result, &submitted, &failed), err
	}
	result = s.collect(result, &submitted, &failed)

	redelivered, err := s.sessions.RedeliverGraded(ctx, s.batchSize)
	if err != nil {
		return result, fmt.Errorf("redeliver graded sessions: %w", err)
	}
	result.Redelivered = redelivered
	return result, nil
}

func (s *DeadlineSweeper) collect(result SweepResult, submitted, failed *atomic.Int64) SweepResult {
	result.Submitted = int(submitted.Load())
	result.Failed = int(failed.Load())
	return result
}

// wait blocks until wg is done or ctx ends, whichever comes first.
func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
