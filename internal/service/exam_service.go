package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/questionset"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// ExamService manages question sets and the exams built from them.
type ExamService interface {
	Create(ctx context.Context, actor ActivityActor, document []byte) (dto.ExamResponse, error)
	Get(ctx context.Context, id uint, actor ActivityActor) (dto.ExamResponse, error)
	List(ctx context.Context, actor ActivityActor, req dto.ExamListRequest) ([]dto.ExamResponse, error)
	Update(ctx context.Context, id uint, actor ActivityActor, req dto.ExamUpdateRequest) (dto.ExamResponse, error)
	Delete(ctx context.Context, id uint, actor ActivityActor) error
	Clone(ctx context.Context, id uint, actor ActivityActor) (dto.ExamResponse, error)
}

type examService struct {
	exams     repository.ExamRepository
	validator *validator.Validate
	activity  ActivityRecorder
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewExamService constructs the exam service.
func NewExamService(exams repository.ExamRepository, validate *validator.Validate, activity ActivityRecorder, logger zerolog.Logger) ExamService {
	return &examService{
		exams:     exams,
		validator: validate,
		activity:  activity,
		sanitizer: bluemonday.StrictPolicy(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/exam"),
		logger:    logger.With().Str("component", "exam_service").Logger(),
	}
}

// examDraft is everything needed to persist a new exam.
type examDraft struct {
	Title       string
	Description string
	Duration    int
	OwnerID     uint
	Kind        string
	Keyword     string
	Questions   []exam.Question
}

func (d examDraft) model() models.Exam {
	questions := make([]models.Question, 0, len(d.Questions))
	for idx, q := range d.Questions {
		q.ID = 0
		questions = append(questions, models.NewQuestionModel(q, idx+1))
	}
	return models.Exam{
		Title:           d.Title,
		Description:     d.Description,
		DurationMinutes: d.Duration,
		OwnerID:         d.OwnerID,
		Kind:            d.Kind,
		Keyword:         d.Keyword,
		Questions:       questions,
	}
}

func (s *examService) Create(ctx context.Context, actor ActivityActor, document []byte) (dto.ExamResponse, error) {
	ctx, span := s.tracer.Start(ctx, "exam.create", trace.WithAttributes(
		attribute.Int64("exam.owner_id", int64(actor.ID)),
	))
	defer span.End()

	doc, err := questionset.Parse(document)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "question_set_invalid")
		return dto.ExamResponse{}, err
	}

	questions, err := questionset.Build(doc.Questions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "question_set_invalid")
		return dto.ExamResponse{}, err
	}

	title := strings.TrimSpace(s.sanitizer.Sanitize(doc.Title))
	if title == "" {
		return dto.ExamResponse{}, fmt.Errorf("%w: title is empty after sanitization", exam.ErrInvalidQuestionSet)
	}

	model := examDraft{
		Title:       title,
		Description: strings.TrimSpace(s.sanitizer.Sanitize(doc.Description)),
		Duration:    doc.DurationMinutes,
		OwnerID:     actor.ID,
		Kind:        models.ExamKindExam,
		Keyword:     strings.TrimSpace(doc.Keyword),
		Questions:   questions,
	}.model()

	if err := s.exams.Create(ctx, &model); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exam_create_failed")
		return dto.ExamResponse{}, err
	}

	created, err := s.exams.GetByID(ctx, model.ID)
	if err != nil {
		return dto.ExamResponse{}, err
	}

	span.SetAttributes(attribute.Int64("exam.id", int64(created.ID)), attribute.Int("exam.questions", len(created.Questions)))
	s.logger.Info().Uint("exam_id", created.ID).Int("questions", len(created.Questions)).Msg("exam created")
	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "exam.created",
		EntityType: "exam",
		EntityID:   uintPtr(created.ID),
		Metadata:   map[string]interface{}{"questions": len(created.Questions), "duration_minutes": created.DurationMinutes},
	})

	return dto.NewExamResponse(created, true), nil
}

// visible loads an exam the actor may see. Practice exams are private to the
// student they were generated for.
func (s *examService) visible(ctx context.Context, id uint, actor ActivityActor) (models.Exam, bool, error) {
	model, err := s.exams.GetByID(ctx, id)
	if err != nil {
		return models.Exam{}, false, notFound(err)
	}

	manage := canManage(actor, model.OwnerID)
	if model.Kind == models.ExamKindPractice && !manage && model.OwnerID != actor.ID {
		return models.Exam{}, false, exam.ErrNotFound
	}
	return model, manage, nil
}

func (s *examService) Get(ctx context.Context, id uint, actor ActivityActor) (dto.ExamResponse, error) {
	model, manage, err := s.visible(ctx, id, actor)
	if err != nil {
		return dto.ExamResponse{}, err
	}
	return dto.NewExamResponse(model, manage), nil
}

func (s *examService) List(ctx context.Context, actor ActivityActor, req dto.ExamListRequest) ([]dto.ExamResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	filter := repository.ExamFilter{}
	if keyword := strings.TrimSpace(req.Keyword); keyword != "" {
		filter.Keyword = &keyword
	}

	role := normalizeRole(actor.Role)
	kind := req.Kind
	switch role {
	case RoleAdmin:
	case RoleTeacher:
		filter.OwnerID = uintPtr(actor.ID)
	default:
		if kind == models.ExamKindPractice {
			filter.OwnerID = uintPtr(actor.ID)
		} else {
			kind = models.ExamKindExam
		}
	}
	if kind != "" {
		filter.Kind = &kind
	}

	exams, err := s.exams.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.ExamResponse, 0, len(exams))
	for _, model := range exams {
		responses = append(responses, dto.NewExamResponse(model, canManage(actor, model.OwnerID)))
	}
	return responses, nil
}

// managed loads an exam the actor administers; anything else is reported as
// not found so exam ids of other teachers are not disclosed.
func (s *examService) managed(ctx context.Context, id uint, actor ActivityActor) (models.Exam, error) {
	model, err := s.exams.GetByID(ctx, id)
	if err != nil {
		return models.Exam{}, notFound(err)
	}
	if !canManage(actor, model.OwnerID) {
		return models.Exam{}, exam.ErrNotFound
	}
	return model, nil
}

func (s *examService) Update(ctx context.Context, id uint, actor ActivityActor, req dto.ExamUpdateRequest) (dto.ExamResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ExamResponse{}, err
	}

	if _, err := s.managed(ctx, id, actor); err != nil {
		return dto.ExamResponse{}, err
	}

	attempts, err := s.exams.CountSessions(ctx, id)
	if err != nil {
		return dto.ExamResponse{}, err
	}
	if attempts > 0 {
		return dto.ExamResponse{}, exam.ErrExamLocked
	}

	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if req.Title != nil {
		title := strings.TrimSpace(s.sanitizer.Sanitize(*req.Title))
		if title == "" {
			return dto.ExamResponse{}, fmt.Errorf("%w: title is empty after sanitization", exam.ErrInvalidQuestionSet)
		}
		updates["title"] = title
	}
	if req.Description != nil {
		updates["description"] = strings.TrimSpace(s.sanitizer.Sanitize(*req.Description))
	}
	if req.DurationMinutes != nil {
		updates["duration_minutes"] = *req.DurationMinutes
	}

	if err := s.exams.UpdateDetails(ctx, id, updates); err != nil {
		return dto.ExamResponse{}, notFound(err)
	}

	updated, err := s.exams.GetByID(ctx, id)
	if err != nil {
		return dto.ExamResponse{}, notFound(err)
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "exam.updated",
		EntityType: "exam",
		EntityID:   uintPtr(id),
	})
	return dto.NewExamResponse(updated, true), nil
}

// Delete soft-deletes the exam. Sessions and wrongbook snapshots keep
// pointing at it.
func (s *examService) Delete(ctx context.Context, id uint, actor ActivityActor) error {
	if _, err := s.managed(ctx, id, actor); err != nil {
		return err
	}

	if err := s.exams.Delete(ctx, id); err != nil {
		return notFound(err)
	}

	s.logger.Info().Uint("exam_id", id).Uint("actor_id", actor.ID).Msg("exam deleted")
	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "exam.deleted",
		EntityType: "exam",
		EntityID:   uintPtr(id),
	})
	return nil
}

// Clone copies an exam and its questions into a new, editable exam owned by
// the actor.
func (s *examService) Clone(ctx context.Context, id uint, actor ActivityActor) (dto.ExamResponse, error) {
	source, err := s.managed(ctx, id, actor)
	if err != nil {
		return dto.ExamResponse{}, err
	}

	index, err := source.Index()
	if err != nil {
		return dto.ExamResponse{}, err
	}
	questions := make([]exam.Question, 0, len(index.Order))
	for _, qid := range index.Order {
		questions = append(questions, index.ByID[qid])
	}

	model := examDraft{
		Title:       source.Title + " (copy)",
		Description: source.Description,
		Duration:    source.DurationMinutes,
		OwnerID:     actor.ID,
		Kind:        models.ExamKindExam,
		Keyword:     source.Keyword,
		Questions:   questions,
	}.model()

	if err := s.exams.Create(ctx, &model); err != nil {
		return dto.ExamResponse{}, err
	}

	created, err := s.exams.GetByID(ctx, model.ID)
	if err != nil {
		return dto.ExamResponse{}, err
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "exam.cloned",
		EntityType: "exam",
		EntityID:   uintPtr(created.ID),
		Metadata:   map[string]interface{}{"source_exam_id": source.ID},
	})
	return dto.NewExamResponse(created, true), nil
}

