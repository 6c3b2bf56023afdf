package service

import (
	"context"
	"errors"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

const defaultPendingPageSize = 50

// GradingQueueService exposes the manual grading worklist.
type GradingQueueService interface {
	ListPending(ctx context.Context, actor ActivityActor, req dto.PendingListRequest) iter.Seq2[dto.PendingGroupResponse, error]
	CountPending(ctx context.Context, actor ActivityActor, examID *uint) (int64, error)
	Grade(ctx context.Context, actor ActivityActor, req dto.GradeRequest) (dto.GradeResponse, error)
	Regrade(ctx context.Context, actor ActivityActor, req dto.GradeRequest) (dto.GradingRecordResponse, error)
	History(ctx context.Context, actor ActivityActor, sessionID, questionID uint) ([]dto.GradingHistoryResponse, error)
}

type gradingQueueService struct {
	grading   repository.GradingRepository
	sessions  repository.SessionRepository
	exams     repository.ExamRepository
	validator *validator.Validate
	activity  ActivityRecorder
	publisher EventPublisher
	sanitizer *bluemonday.Policy
	locks     *keyedMutex
	retry     retrier
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGradingQueueService constructs the grading queue. publisher may be nil.
func NewGradingQueueService(
	grading repository.GradingRepository,
	sessions repository.SessionRepository,
	exams repository.ExamRepository,
	validate *validator.Validate,
	activity ActivityRecorder,
	publisher EventPublisher,
	retries int,
	logger zerolog.Logger,
) GradingQueueService {
	log := logger.With().Str("component", "grading_queue_service").Logger()
	return &gradingQueueService{
		grading:   grading,
		sessions:  sessions,
		exams:     exams,
		validator: validate,
		activity:  activity,
		publisher: publisher,
		sanitizer: bluemonday.StrictPolicy(),
		locks:     newKeyedMutex(),
		retry:     newRetrier(retries, log),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/grading"),
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func pendingFilter(actor ActivityActor, examID *uint) repository.PendingFilter {
	filter := repository.PendingFilter{ExamID: examID}
	if normalizeRole(actor.Role) != RoleAdmin {
		filter.OwnerID = uintPtr(actor.ID)
	}
	return filter
}

// ListPending walks the worklist group by group, ordered by exam then
// question. The sequence is computed from current session state on every
// iteration, so it can be restarted at any time.
func (s *gradingQueueService) ListPending(ctx context.Context, actor ActivityActor, req dto.PendingListRequest) iter.Seq2[dto.PendingGroupResponse, error] {
	return func(yield func(dto.PendingGroupResponse, error) bool) {
		if err := s.validator.Struct(req); err != nil {
			yield(dto.PendingGroupResponse{}, err)
			return
		}

		pageSize := req.Limit
		if pageSize <= 0 {
			pageSize = defaultPendingPageSize
		}

		filter := pendingFilter(actor, req.ExamID)
		exams := make(map[uint]models.Exam)
		after := repository.PendingKey{}
		for {
			keys, err := s.grading.ListPendingKeys(ctx, filter, after, pageSize)
			if err != nil {
				yield(dto.PendingGroupResponse{}, err)
				return
			}

			for _, key := range keys {
				group, err := s.pendingGroup(ctx, key, exams)
				if err != nil {
					yield(dto.PendingGroupResponse{}, err)
					return
				}
				if !yield(group, nil) {
					return
				}
				after = key
			}

			if len(keys) < pageSize {
				return
			}
		}
	}
}

func (s *gradingQueueService) pendingGroup(ctx context.Context, key repository.PendingKey, cache map[uint]models.Exam) (dto.PendingGroupResponse, error) {
	model, ok := cache[key.ExamID]
	if !ok {
		var err error
		model, err = s.exams.GetIncludingDeleted(ctx, key.ExamID)
		if err != nil {
			return dto.PendingGroupResponse{}, notFound(err)
		}
		cache[key.ExamID] = model
	}

	index, err := model.Index()
	if err != nil {
		return dto.PendingGroupResponse{}, err
	}
	question, ok := index.ByID[key.QuestionID]
	if !ok {
		return dto.PendingGroupResponse{}, exam.NewInvariantViolation("question", key.QuestionID, "pending record for a question outside exam %d", key.ExamID)
	}

	records, err := s.grading.ListPendingRecords(ctx, key.ExamID, key.QuestionID)
	if err != nil {
		return dto.PendingGroupResponse{}, err
	}

	sessionIDs := make([]uint, 0, len(records))
	for _, record := range records {
		sessionIDs = append(sessionIDs, record.SessionID)
	}
	answers, err := s.grading.ListAnswers(ctx, key.QuestionID, sessionIDs)
	if err != nil {
		return dto.PendingGroupResponse{}, err
	}
	bySession := make(map[uint]models.Answer, len(answers))
	for _, answer := range answers {
		bySession[answer.SessionID] = answer
	}

	group := dto.PendingGroupResponse{
		ExamID:     model.ID,
		ExamTitle:  model.Title,
		QuestionID: question.ID,
		Type:       string(question.Type()),
		Prompt:     question.Prompt,
		Points:     question.Points,
		Reference:  question.Spec.Canonical(),
		Answers:    make([]dto.PendingAnswerResponse, 0, len(records)),
	}
	for _, record := range records {
		pending := dto.PendingAnswerResponse{SessionID: record.SessionID, StudentID: record.StudentID}
		if answer, ok := bySession[record.SessionID]; ok {
			value := answer.Value.Data()
			submitted := answer.SubmittedAt
			pending.Answer = &value
			pending.SubmittedAt = &submitted
		}
		group.Answers = append(group.Answers, pending)
	}
	return group, nil
}

func (s *gradingQueueService) CountPending(ctx context.Context, actor ActivityActor, examID *uint) (int64, error) {
	return s.grading.CountPending(ctx, pendingFilter(actor, examID))
}

// managedRecord loads a grading record the actor may grade. Records of exams
// the actor does not manage are reported as not found.
func (s *gradingQueueService) managedRecord(ctx context.Context, actor ActivityActor, sessionID, questionID uint) (models.GradingRecord, error) {
	record, err := s.grading.GetRecord(ctx, sessionID, questionID)
	if err != nil {
		return models.GradingRecord{}, notFound(err)
	}

	model, err := s.exams.GetIncludingDeleted(ctx, record.ExamID)
	if err != nil {
		return models.GradingRecord{}, notFound(err)
	}
	if !canManage(actor, model.OwnerID) {
		return models.GradingRecord{}, exam.ErrNotFound
	}
	return record, nil
}

func checkPoints(points float64, possible int) error {
	if math.IsNaN(points) || math.IsInf(points, 0) || points < 0 || points > float64(possible) {
		return exam.ErrOutOfRange
	}
	return nil
}

func (s *gradingQueueService) manualGrade(actor ActivityActor, req dto.GradeRequest) repository.ManualGrade {
	points := *req.PointsEarned
	correct := points > 0
	if req.Correct != nil {
		correct = *req.Correct
	}
	return repository.ManualGrade{
		SessionID:    req.SessionID,
		QuestionID:   req.QuestionID,
		PointsEarned: points,
		IsCorrect:    correct,
		GraderID:     actor.ID,
		Comment:      strings.TrimSpace(s.sanitizer.Sanitize(req.Comment)),
		GradedAt:     s.now(),
	}
}

// Grade scores a pending answer. Only the first grade for a record lands;
// later attempts get ErrAlreadyGraded.
func (s *gradingQueueService) Grade(ctx context.Context, actor ActivityActor, req dto.GradeRequest) (dto.GradeResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.GradeResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "grading.grade", trace.WithAttributes(
		attribute.Int64("session.id", int64(req.SessionID)),
		attribute.Int64("question.id", int64(req.QuestionID)),
		attribute.Int64("grader.id", int64(actor.ID)),
	))
	defer span.End()

	record, err := s.managedRecord(ctx, actor, req.SessionID, req.QuestionID)
	if err != nil {
		return dto.GradeResponse{}, err
	}
	if !record.Pending() {
		observability.GradingRecords().WithLabelValues("conflict").Inc()
		return dto.GradeResponse{}, exam.ErrAlreadyGraded
	}
	if err := checkPoints(*req.PointsEarned, record.PointsPossible); err != nil {
		return dto.GradeResponse{}, err
	}

	grade := s.manualGrade(actor, req)

	unlock := s.locks.Lock(req.SessionID)
	var result repository.GradeResult
	err = s.retry.do(ctx, "grade", func() error {
		var err error
		result, err = s.grading.ApplyGrade(ctx, grade)
		return err
	})
	unlock()

	if errors.Is(err, repository.ErrRecordScored) {
		observability.GradingRecords().WithLabelValues("conflict").Inc()
		return dto.GradeResponse{}, exam.ErrAlreadyGraded
	}
	if err != nil {
		if exam.IsInvariantViolation(err) {
			s.logger.Error().Err(err).Uint("session_id", req.SessionID).Msg("manual grade violated an invariant")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "grade_failed")
		return dto.GradeResponse{}, notFound(err)
	}

	observability.GradingRecords().WithLabelValues("manual").Inc()
	state := exam.StatePendingManualGrade
	if result.SessionGraded {
		state = exam.StateGraded
	}

	s.logger.Info().
		Uint("session_id", req.SessionID).
		Uint("question_id", req.QuestionID).
		Uint("grader_id", actor.ID).
		Float64("points", grade.PointsEarned).
		Int64("remaining", result.Remaining).
		Msg("answer graded")
	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "grading.graded",
		EntityType: "exam_session",
		EntityID:   uintPtr(req.SessionID),
		Metadata: map[string]interface{}{
			"question_id": req.QuestionID,
			"points":      grade.PointsEarned,
			"is_correct":  grade.IsCorrect,
		},
	})

	if result.SessionGraded && s.publisher != nil {
		session, err := s.sessions.GetByID(ctx, req.SessionID)
		if err != nil {
			s.logger.Error().Err(err).Uint("session_id", req.SessionID).Msg("failed to load graded session for event")
		} else {
			s.publisher.PublishGraded(ctx, gradedEvent(session))
		}
	}

	return dto.GradeResponse{
		Record:       dto.NewGradingRecordResponse(result.Record),
		SessionState: string(state),
		Remaining:    result.Remaining,
	}, nil
}

// Regrade overwrites a manual score. Analytics already derived from the
// session are left as they are.
func (s *gradingQueueService) Regrade(ctx context.Context, actor ActivityActor, req dto.GradeRequest) (dto.GradingRecordResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.GradingRecordResponse{}, err
	}

	record, err := s.managedRecord(ctx, actor, req.SessionID, req.QuestionID)
	if err != nil {
		return dto.GradingRecordResponse{}, err
	}
	if record.Pending() || record.AutoGraded {
		return dto.GradingRecordResponse{}, exam.ErrNotGradable
	}
	if err := checkPoints(*req.PointsEarned, record.PointsPossible); err != nil {
		return dto.GradingRecordResponse{}, err
	}

	grade := s.manualGrade(actor, req)

	unlock := s.locks.Lock(req.SessionID)
	var updated models.GradingRecord
	err = s.retry.do(ctx, "regrade", func() error {
		var err error
		updated, err = s.grading.Regrade(ctx, grade)
		return err
	})
	unlock()
	if err != nil {
		return dto.GradingRecordResponse{}, notGradable(err)
	}

	observability.GradingRecords().WithLabelValues("regrade").Inc()
	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "grading.regraded",
		EntityType: "exam_session",
		EntityID:   uintPtr(req.SessionID),
		Metadata: map[string]interface{}{
			"question_id":     req.QuestionID,
			"points":          grade.PointsEarned,
			"previous_points": derefFloat(record.PointsEarned),
		},
	})
	return dto.NewGradingRecordResponse(updated), nil
}

func (s *gradingQueueService) History(ctx context.Context, actor ActivityActor, sessionID, questionID uint) ([]dto.GradingHistoryResponse, error) {
	if _, err := s.managedRecord(ctx, actor, sessionID, questionID); err != nil {
		return nil, err
	}

	history, err := s.grading.ListHistory(ctx, sessionID, questionID)
	if err != nil {
		return nil, err
	}
	return dto.NewGradingHistoryResponseSlice(history), nil
}

func notGradable(err error) error {
	if errors.Is(err, repository.ErrRecordScored) {
		return exam.ErrAlreadyGraded
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return exam.ErrNotGradable
	}
	return err
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
