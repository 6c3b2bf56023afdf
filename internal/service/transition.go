package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/events"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// Roles recognised in bearer tokens.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// EventPublisher receives session lifecycle events.
type EventPublisher interface {
	PublishGraded(ctx context.Context, event events.SessionGraded)
}

// canManage reports whether actor may administer an exam owned by ownerID.
func canManage(actor ActivityActor, ownerID uint) bool {
	switch normalizeRole(actor.Role) {
	case RoleAdmin:
		return true
	case RoleTeacher:
		return actor.ID != 0 && actor.ID == ownerID
	default:
		return false
	}
}

// keyedMutex serializes work per session id within this process. Database
// guards keep replicas correct; the mutex only avoids needless conflicts.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key uint) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			k.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// retrier re-runs a whole transition when persistence fails transiently.
type retrier struct {
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

func newRetrier(attempts int, logger zerolog.Logger) retrier {
	if attempts <= 0 {
		attempts = 1
	}
	return retrier{attempts: attempts, delay: 25 * time.Millisecond, logger: logger}
}

func (r retrier) do(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			observability.TransitionRetries().WithLabelValues(operation).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay * time.Duration(attempt)):
			}
		}

		err = fn()
		if err == nil || permanent(err) {
			return err
		}
		r.logger.Warn().Err(err).Str("operation", operation).Int("attempt", attempt+1).Msg("transition failed, retrying")
	}
	return err
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	if exam.IsInvariantViolation(err) {
		return true
	}
	for _, target := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		gorm.ErrRecordNotFound,
		gorm.ErrDuplicatedKey,
		repository.ErrActiveSessionExists,
		repository.ErrSessionNotWritable,
		repository.ErrRecordScored,
		exam.ErrAlreadyActive,
		exam.ErrSessionExpired,
		exam.ErrUnknownQuestion,
		exam.ErrMalformedAnswer,
		exam.ErrAlreadyGraded,
		exam.ErrOutOfRange,
		exam.ErrNotFound,
		exam.ErrInvalidState,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return exam.ErrNotFound
	}
	return err
}
