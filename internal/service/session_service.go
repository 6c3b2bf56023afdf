package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/events"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// Submission triggers, used as metric labels.
const (
	TriggerManual   = "manual"
	TriggerDeadline = "deadline"
)

// SessionConfig tunes the session lifecycle.
type SessionConfig struct {
	TransitionRetries  int
	MaxTextAnswerBytes int
	// RedeliveryDelay is how long a graded session may go without an
	// analytics receipt before its event is published again.
	RedeliveryDelay time.Duration
	Policy          exam.Policy
}

// SessionService drives exam attempts from start to grading.
type SessionService interface {
	Start(ctx context.Context, actor ActivityActor, examID uint) (dto.SessionResponse, error)
	Resume(ctx context.Context, actor ActivityActor, examID uint) (dto.SessionResponse, error)
	RecordAnswer(ctx context.Context, actor ActivityActor, sessionID uint, req dto.RecordAnswerRequest) (dto.AnswerResponse, error)
	Submit(ctx context.Context, actor ActivityActor, sessionID uint) (dto.SessionResultResponse, error)
	ForceSubmit(ctx context.Context, sessionID uint) (bool, error)
	Get(ctx context.Context, actor ActivityActor, sessionID uint) (dto.SessionResponse, error)
	Result(ctx context.Context, actor ActivityActor, sessionID uint) (dto.SessionResultResponse, error)
	ListForStudent(ctx context.Context, actor ActivityActor, req dto.SessionListRequest) ([]dto.SessionSummaryResponse, error)
	ListForExam(ctx context.Context, actor ActivityActor, examID uint) ([]dto.SessionSummaryResponse, error)
	ExpiredSessions(ctx context.Context, limit int) ([]uint, error)
	RedeliverGraded(ctx context.Context, limit int) (int, error)
}

type sessionService struct {
	sessions  repository.SessionRepository
	exams     repository.ExamRepository
	validator *validator.Validate
	activity  ActivityRecorder
	publisher EventPublisher
	config    SessionConfig
	locks     *keyedMutex
	retry     retrier
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSessionService constructs the session service. publisher may be nil.
func NewSessionService(
	sessions repository.SessionRepository,
	exams repository.ExamRepository,
	validate *validator.Validate,
	activity ActivityRecorder,
	publisher EventPublisher,
	config SessionConfig,
	logger zerolog.Logger,
) SessionService {
	if config.MaxTextAnswerBytes <= 0 {
		config.MaxTextAnswerBytes = 64 * 1024
	}
	if config.RedeliveryDelay <= 0 {
		config.RedeliveryDelay = time.Minute
	}

	log := logger.With().Str("component", "session_service").Logger()
	return &sessionService{
		sessions:  sessions,
		exams:     exams,
		validator: validate,
		activity:  activity,
		publisher: publisher,
		config:    config,
		locks:     newKeyedMutex(),
		retry:     newRetrier(config.TransitionRetries, log),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/session"),
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *sessionService) Start(ctx context.Context, actor ActivityActor, examID uint) (dto.SessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.Int64("session.student_id", int64(actor.ID)),
		attribute.Int64("session.exam_id", int64(examID)),
	))
	defer span.End()

	model, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return dto.SessionResponse{}, notFound(err)
	}
	if model.Kind == models.ExamKindPractice && model.OwnerID != actor.ID {
		return dto.SessionResponse{}, exam.ErrNotFound
	}

	session, err := s.create(ctx, actor.ID, model)
	if errors.Is(err, exam.ErrAlreadyActive) {
		// An attempt whose deadline passed before the sweeper reached it
		// does not block a new one.
		active, findErr := s.sessions.FindActive(ctx, actor.ID, examID)
		if findErr == nil && active.CurrentState() == exam.StateInProgress && active.Expired(s.now()) {
			if _, forceErr := s.ForceSubmit(ctx, active.ID); forceErr != nil {
				return dto.SessionResponse{}, forceErr
			}
			session, err = s.create(ctx, actor.ID, model)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session_start_failed")
		return dto.SessionResponse{}, err
	}

	observability.SessionsStarted().WithLabelValues(model.Kind).Inc()
	span.SetAttributes(attribute.Int64("session.id", int64(session.ID)))
	s.logger.Info().
		Uint("session_id", session.ID).
		Uint("exam_id", examID).
		Uint("student_id", actor.ID).
		Time("deadline", session.Deadline).
		Msg("session started")
	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "session.started",
		EntityType: "exam_session",
		EntityID:   uintPtr(session.ID),
		Metadata:   map[string]interface{}{"exam_id": examID},
	})

	return dto.NewSessionResponse(session, s.now()), nil
}

func (s *sessionService) create(ctx context.Context, studentID uint, model models.Exam) (models.ExamSession, error) {
	now := s.now()
	var session models.ExamSession
	err := s.retry.do(ctx, "start", func() error {
		session = models.ExamSession{
			ExamID:    model.ID,
			StudentID: studentID,
			State:     string(exam.StateInProgress),
			StartedAt: now,
			Deadline:  now.Add(model.Duration()),
		}
		return s.sessions.Create(ctx, &session)
	})
	if errors.Is(err, repository.ErrActiveSessionExists) {
		return models.ExamSession{}, exam.ErrAlreadyActive
	}
	if err != nil {
		return models.ExamSession{}, err
	}

	created, err := s.sessions.GetByID(ctx, session.ID)
	if err != nil {
		return models.ExamSession{}, err
	}
	return created, nil
}

// Resume returns the active attempt for the exam so a reconnecting client can
// continue. An attempt past its deadline is submitted first.
func (s *sessionService) Resume(ctx context.Context, actor ActivityActor, examID uint) (dto.SessionResponse, error) {
	session, err := s.sessions.FindActive(ctx, actor.ID, examID)
	if err != nil {
		return dto.SessionResponse{}, notFound(err)
	}

	session, err = s.settleExpired(ctx, session)
	if err != nil {
		return dto.SessionResponse{}, err
	}
	return dto.NewSessionResponse(session, s.now()), nil
}

func (s *sessionService) RecordAnswer(ctx context.Context, actor ActivityActor, sessionID uint, req dto.RecordAnswerRequest) (dto.AnswerResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.AnswerResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "session.record_answer", trace.WithAttributes(
		attribute.Int64("session.id", int64(sessionID)),
		attribute.Int64("question.id", int64(req.QuestionID)),
	))
	defer span.End()

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	answer, err := s.recordAnswer(ctx, actor, sessionID, req)
	if err != nil {
		observability.AnswersRecorded().WithLabelValues("rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer_rejected")
		return dto.AnswerResponse{}, err
	}

	observability.AnswersRecorded().WithLabelValues("accepted").Inc()
	return dto.NewAnswerResponse(answer), nil
}

func (s *sessionService) recordAnswer(ctx context.Context, actor ActivityActor, sessionID uint, req dto.RecordAnswerRequest) (models.Answer, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return models.Answer{}, notFound(err)
	}
	if session.StudentID != actor.ID {
		return models.Answer{}, exam.ErrNotFound
	}

	now := s.now()
	if session.CurrentState() != exam.StateInProgress {
		if session.ForceSubmitted {
			return models.Answer{}, exam.ErrSessionExpired
		}
		return models.Answer{}, exam.ErrInvalidState
	}
	if session.Expired(now) {
		return models.Answer{}, exam.ErrSessionExpired
	}

	index, err := session.Exam.Index()
	if err != nil {
		return models.Answer{}, err
	}
	question, ok := index.ByID[req.QuestionID]
	if !ok {
		return models.Answer{}, exam.ErrUnknownQuestion
	}

	value, err := exam.DecodeValue(question, req.Answer)
	if err != nil {
		return models.Answer{}, err
	}
	if size := valueSize(value); size > s.config.MaxTextAnswerBytes {
		return models.Answer{}, &exam.MalformedAnswerError{QuestionID: question.ID, Reason: "answer exceeds the maximum length"}
	}
	if err := exam.Validate(question, value); err != nil {
		return models.Answer{}, err
	}

	var answer models.Answer
	err = s.retry.do(ctx, "record_answer", func() error {
		answer = models.Answer{
			SessionID:   sessionID,
			QuestionID:  question.ID,
			Value:       datatypes.NewJSONType(value),
			SubmittedAt: now,
			UpdatedAt:   now,
		}
		return s.sessions.SaveAnswer(ctx, &answer)
	})
	if errors.Is(err, repository.ErrSessionNotWritable) {
		// Another replica submitted the session between our read and write.
		if session.Expired(s.now()) {
			return models.Answer{}, exam.ErrSessionExpired
		}
		return models.Answer{}, exam.ErrInvalidState
	}
	if err != nil {
		return models.Answer{}, err
	}
	return answer, nil
}

func valueSize(value exam.Value) int {
	size := 0
	for _, item := range value.Strings() {
		size += len(item)
	}
	return size
}

// Submit finalizes the caller's attempt. Submitting an already finalized
// session returns the stored result without scoring again.
func (s *sessionService) Submit(ctx context.Context, actor ActivityActor, sessionID uint) (dto.SessionResultResponse, error) {
	ctx, span := s.tracer.Start(ctx, "session.submit", trace.WithAttributes(
		attribute.Int64("session.id", int64(sessionID)),
	))
	defer span.End()

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return dto.SessionResultResponse{}, notFound(err)
	}
	if session.StudentID != actor.ID {
		return dto.SessionResultResponse{}, exam.ErrNotFound
	}

	if session.CurrentState() == exam.StateInProgress {
		session, _, err = s.finalize(ctx, sessionID, session.Expired(s.now()), TriggerManual)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "session_submit_failed")
			return dto.SessionResultResponse{}, err
		}
	}

	if !session.CurrentState().Finalized() {
		return dto.SessionResultResponse{}, exam.NewInvariantViolation("session", sessionID, "state %s after submission", session.State)
	}
	return dto.NewSessionResultResponse(session), nil
}

// ForceSubmit submits an in-progress session whose deadline has passed. It
// reports whether this call performed the submission.
func (s *sessionService) ForceSubmit(ctx context.Context, sessionID uint) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "session.force_submit", trace.WithAttributes(
		attribute.Int64("session.id", int64(sessionID)),
	))
	defer span.End()

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return false, notFound(err)
	}
	if session.CurrentState() != exam.StateInProgress || !session.Expired(s.now()) {
		return false, nil
	}

	_, claimed, err := s.finalize(ctx, sessionID, true, TriggerDeadline)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session_force_submit_failed")
		return false, err
	}
	return claimed, nil
}

// finalize claims and scores the session under its lock. The graded event is
// published after the lock is released.
func (s *sessionService) finalize(ctx context.Context, sessionID uint, forced bool, trigger string) (models.ExamSession, bool, error) {
	unlock := s.locks.Lock(sessionID)
	at := s.now()
	claimed := false
	err := s.retry.do(ctx, "submit", func() error {
		var err error
		claimed, err = s.sessions.Finalize(ctx, sessionID, at, forced, s.gradeSession)
		return err
	})
	unlock()
	if err != nil {
		if exam.IsInvariantViolation(err) {
			s.logger.Error().Err(err).Uint("session_id", sessionID).Msg("session finalization violated an invariant")
		}
		return models.ExamSession{}, false, err
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return models.ExamSession{}, false, notFound(err)
	}
	if !claimed {
		return session, false, nil
	}

	observability.SessionsSubmitted().WithLabelValues(trigger, session.State).Inc()
	score := dto.SessionScore(session)
	s.logger.Info().
		Uint("session_id", sessionID).
		Str("trigger", trigger).
		Str("state", session.State).
		Float64("earned", score.Earned).
		Int("possible", score.Possible).
		Int("pending", score.Pending).
		Msg("session submitted")

	action := "session.submitted"
	actor := ActivityActor{ID: session.StudentID, Role: RoleStudent}
	if forced {
		action = "session.force_submitted"
		if trigger == TriggerDeadline {
			actor = ActivityActor{}
		}
	}
	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: "exam_session",
		EntityID:   uintPtr(sessionID),
		Metadata: map[string]interface{}{
			"state":   session.State,
			"earned":  score.Earned,
			"pending": score.Pending,
		},
	})

	if session.CurrentState() == exam.StateGraded {
		s.publish(ctx, session)
	}
	return session, true, nil
}

// gradeSession scores every question of a freshly claimed session. It runs
// inside the submit transaction.
func (s *sessionService) gradeSession(session models.ExamSession) ([]models.GradingRecord, exam.State, error) {
	if len(session.Records) > 0 {
		return nil, "", exam.NewInvariantViolation("session", session.ID, "grading records exist before submission")
	}

	index, err := session.Exam.Index()
	if err != nil {
		return nil, "", err
	}

	records := make([]models.GradingRecord, 0, len(index.Order))
	pending := 0
	for _, questionID := range index.Order {
		question := index.ByID[questionID]

		var value *exam.Value
		if answer, ok := session.AnswerFor(questionID); ok {
			data := answer.Value.Data()
			value = &data
		}

		outcome, err := exam.Grade(question, value, s.config.Policy)
		if err != nil {
			return nil, "", err
		}
		record := models.GradingRecord{
			SessionID:      session.ID,
			QuestionID:     questionID,
			ExamID:         session.ExamID,
			StudentID:      session.StudentID,
			IsCorrect:      outcome.IsCorrect,
			PointsEarned:   outcome.PointsEarned,
			PointsPossible: question.Points,
			AutoGraded:     !outcome.Pending(),
		}
		if outcome.Pending() {
			pending++
			observability.GradingRecords().WithLabelValues("pending").Inc()
		} else {
			record.GradedAt = session.SubmittedAt
			observability.GradingRecords().WithLabelValues("auto").Inc()
		}
		records = append(records, record)
	}

	if pending > 0 {
		return records, exam.StatePendingManualGrade, nil
	}
	return records, exam.StateGraded, nil
}

func (s *sessionService) publish(ctx context.Context, session models.ExamSession) {
	if s.publisher == nil || session.GradedAt == nil {
		return
	}
	s.publisher.PublishGraded(ctx, gradedEvent(session))
}

func gradedEvent(session models.ExamSession) events.SessionGraded {
	event := events.SessionGraded{
		SessionID: session.ID,
		StudentID: session.StudentID,
		ExamID:    session.ExamID,
		Kind:      session.Exam.Kind,
	}
	if session.GradedAt != nil {
		event.GradedAt = *session.GradedAt
	}
	return event
}

// settleExpired submits an in-progress session read after its deadline so
// readers never observe a stale attempt.
func (s *sessionService) settleExpired(ctx context.Context, session models.ExamSession) (models.ExamSession, error) {
	if session.CurrentState() != exam.StateInProgress || !session.Expired(s.now()) {
		return session, nil
	}
	if _, err := s.ForceSubmit(ctx, session.ID); err != nil {
		return models.ExamSession{}, err
	}
	reloaded, err := s.sessions.GetByID(ctx, session.ID)
	if err != nil {
		return models.ExamSession{}, notFound(err)
	}
	return reloaded, nil
}

// readable loads a session the actor may view: its student or a manager of
// the exam.
func (s *sessionService) readable(ctx context.Context, actor ActivityActor, sessionID uint) (models.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return models.ExamSession{}, notFound(err)
	}
	if session.StudentID != actor.ID && !canManage(actor, session.Exam.OwnerID) {
		return models.ExamSession{}, exam.ErrNotFound
	}
	return s.settleExpired(ctx, session)
}

func (s *sessionService) Get(ctx context.Context, actor ActivityActor, sessionID uint) (dto.SessionResponse, error) {
	session, err := s.readable(ctx, actor, sessionID)
	if err != nil {
		return dto.SessionResponse{}, err
	}
	return dto.NewSessionResponse(session, s.now()), nil
}

// Result returns the scored attempt. Canonical answers and explanations are
// only revealed once scoring ran.
func (s *sessionService) Result(ctx context.Context, actor ActivityActor, sessionID uint) (dto.SessionResultResponse, error) {
	session, err := s.readable(ctx, actor, sessionID)
	if err != nil {
		return dto.SessionResultResponse{}, err
	}
	if !session.CurrentState().Finalized() {
		return dto.SessionResultResponse{}, exam.ErrInvalidState
	}
	return dto.NewSessionResultResponse(session), nil
}

func (s *sessionService) ListForStudent(ctx context.Context, actor ActivityActor, req dto.SessionListRequest) ([]dto.SessionSummaryResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	filter := repository.SessionFilter{StudentID: uintPtr(actor.ID), ExamID: req.ExamID}
	if req.State != "" {
		filter.States = []string{req.State}
	}
	if req.Kind != "" {
		kind := req.Kind
		filter.ExamKind = &kind
	}

	sessions, err := s.sessions.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return dto.NewSessionSummaryResponseSlice(sessions), nil
}

func (s *sessionService) ListForExam(ctx context.Context, actor ActivityActor, examID uint) ([]dto.SessionSummaryResponse, error) {
	model, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, notFound(err)
	}
	if !canManage(actor, model.OwnerID) {
		return nil, exam.ErrNotFound
	}

	sessions, err := s.sessions.List(ctx, repository.SessionFilter{ExamID: uintPtr(examID)})
	if err != nil {
		return nil, err
	}
	return dto.NewSessionSummaryResponseSlice(sessions), nil
}

func (s *sessionService) ExpiredSessions(ctx context.Context, limit int) ([]uint, error) {
	return s.sessions.ListExpired(ctx, s.now(), limit)
}

// RedeliverGraded publishes the graded event again for sessions whose
// analytics never landed.
func (s *sessionService) RedeliverGraded(ctx context.Context, limit int) (int, error) {
	if s.publisher == nil {
		return 0, nil
	}

	sessions, err := s.sessions.ListUnprocessedGraded(ctx, s.now().Add(-s.config.RedeliveryDelay), limit)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}

	for _, session := range sessions {
		s.logger.Warn().Uint("session_id", session.ID).Msg("redelivering graded event")
		s.publisher.PublishGraded(ctx, gradedEvent(session))
	}
	return len(sessions), nil
}
