package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/events"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

var (
	teacher      = ActivityActor{ID: 100, Role: RoleTeacher}
	otherTeacher = ActivityActor{ID: 101, Role: RoleTeacher}
	admin        = ActivityActor{ID: 1000, Role: RoleAdmin}
	student      = ActivityActor{ID: 1, Role: RoleStudent}
	classmate    = ActivityActor{ID: 2, Role: RoleStudent}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SessionGraded
}

func (p *recordingPublisher) PublishGraded(ctx context.Context, event events.SessionGraded) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Events() []events.SessionGraded {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.SessionGraded(nil), p.events...)
}

type testEngine struct {
	db        *gorm.DB
	clock     *testClock
	publisher *recordingPublisher
	activity  *memoryActivityRepo

	exams     ExamService
	sessions  SessionService
	grading   GradingQueueService
	analytics AnalyticsService
	wrongbook WrongbookService
}

type engineOption func(*engineOptions)

type engineOptions struct {
	policy exam.Policy
	cache  *redis.Client
}

func withPolicy(policy exam.Policy) engineOption {
	return func(o *engineOptions) { o.policy = policy }
}

func withCache(cache *redis.Client) engineOption {
	return func(o *engineOptions) { o.cache = cache }
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:exam_engine_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestEngine(t *testing.T, opts ...engineOption) *testEngine {
	t.Helper()

	options := engineOptions{policy: exam.DefaultPolicy()}
	for _, opt := range opts {
		opt(&options)
	}

	db := newTestDB(t)
	clock := newTestClock()
	publisher := &recordingPublisher{}
	activityRepo := &memoryActivityRepo{}
	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := testLogger()

	examRepo := repository.NewExamRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	gradingRepo := repository.NewGradingRepository(db)
	analyticsRepo := repository.NewAnalyticsRepository(db)
	wrongbookRepo := repository.NewWrongbookRepository(db)
	activity := NewActivityService(activityRepo, validate, logger)

	exams := NewExamService(examRepo, validate, activity, logger)
	sessions := NewSessionService(sessionRepo, examRepo, validate, activity, publisher, SessionConfig{
		TransitionRetries: 2,
		Policy:            options.policy,
	}, logger)
	grading := NewGradingQueueService(gradingRepo, sessionRepo, examRepo, validate, activity, publisher, 2, logger)
	analytics := NewAnalyticsService(analyticsRepo, sessionRepo, options.cache, AnalyticsConfig{CacheTTL: time.Minute}, logger)
	wrongbook := NewWrongbookService(wrongbookRepo, validate, options.policy, logger)

	sessions.(*sessionService).now = clock.Now
	grading.(*gradingQueueService).now = clock.Now
	analytics.(*analyticsService).now = clock.Now
	wrongbook.(*wrongbookService).now = clock.Now

	return &testEngine{
		db:        db,
		clock:     clock,
		publisher: publisher,
		activity:  activityRepo,
		exams:     exams,
		sessions:  sessions,
		grading:   grading,
		analytics: analytics,
		wrongbook: wrongbook,
	}
}

// createExam imports a question set as the teacher and returns it with
// answer keys revealed.
func (e *testEngine) createExam(t *testing.T, doc map[string]interface{}) dto.ExamResponse {
	t.Helper()

	payload, err := json.Marshal(doc)
	require.NoError(t, err)
	created, err := e.exams.Create(context.Background(), teacher, payload)
	require.NoError(t, err)
	return created
}

func (e *testEngine) answer(t *testing.T, actor ActivityActor, sessionID, questionID uint, value interface{}) error {
	t.Helper()

	raw, err := json.Marshal(value)
	require.NoError(t, err)
	_, err = e.sessions.RecordAnswer(context.Background(), actor, sessionID, dto.RecordAnswerRequest{QuestionID: questionID, Answer: raw})
	return err
}

// processEvents feeds every published graded event to the aggregator, the
// way the dispatcher does in production.
func (e *testEngine) processEvents(t *testing.T) {
	t.Helper()

	for _, event := range e.publisher.Events() {
		require.NoError(t, e.analytics.Process(context.Background(), event))
	}
}

func question(kind, prompt string, points int, answer interface{}, keywords ...string) map[string]interface{} {
	q := map[string]interface{}{
		"type":             kind,
		"prompt":           prompt,
		"points":           points,
		"knowledge_points": keywords,
	}
	if answer != nil {
		q["answer"] = answer
	}
	if kind == "choice" || kind == "multi" {
		q["options"] = []map[string]string{
			{"label": "A", "text": "first"},
			{"label": "B", "text": "second"},
			{"label": "C", "text": "third"},
			{"label": "D", "text": "fourth"},
		}
	}
	return q
}

func examDoc(title string, minutes int, questions ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"title":            title,
		"duration_minutes": minutes,
		"questions":        questions,
	}
}

func questionIDs(exam dto.ExamResponse) []uint {
	ids := make([]uint, 0, len(exam.Questions))
	for _, q := range exam.Questions {
		ids = append(ids, q.ID)
	}
	return ids
}
