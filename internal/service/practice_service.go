package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

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
	"github.com/noah-isme/gema-exam-api/pkg/ai"
)

var (
	// ErrPracticeUnavailable indicates no question generator is configured.
	ErrPracticeUnavailable = errors.New("practice generation is not configured")
	// ErrGenerationFailed indicates the question generator returned an error.
	ErrGenerationFailed = errors.New("practice question generation failed")
)

const maxPracticeExamples = 5

// practiceTypes are generated because they grade without a teacher.
var practiceTypes = []string{string(exam.TypeChoice), string(exam.TypeMulti), string(exam.TypeFillBlank)}

// PracticeConfig tunes generated practice sets.
type PracticeConfig struct {
	DurationMinutes int
	MaxQuestions    int
	PointsPerItem   int
}

// PracticeService generates reinforcement practice for weak keywords.
type PracticeService interface {
	Generate(ctx context.Context, actor ActivityActor, req dto.PracticeGenerateRequest) (dto.PracticeResponse, error)
	History(ctx context.Context, actor ActivityActor, req dto.PracticeHistoryRequest) ([]dto.SessionSummaryResponse, error)
}

type practiceService struct {
	generator ai.QuestionGenerator
	exams     repository.ExamRepository
	sessions  repository.SessionRepository
	wrongbook repository.WrongbookRepository
	starter   SessionService
	validator *validator.Validate
	activity  ActivityRecorder
	sanitizer *bluemonday.Policy
	config    PracticeConfig
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewPracticeService constructs the practice service. generator may be nil,
// in which case Generate reports ErrPracticeUnavailable.
func NewPracticeService(
	generator ai.QuestionGenerator,
	exams repository.ExamRepository,
	sessions repository.SessionRepository,
	wrongbook repository.WrongbookRepository,
	starter SessionService,
	validate *validator.Validate,
	activity ActivityRecorder,
	config PracticeConfig,
	logger zerolog.Logger,
) PracticeService {
	if config.DurationMinutes <= 0 {
		config.DurationMinutes = 20
	}
	if config.MaxQuestions <= 0 {
		config.MaxQuestions = 20
	}
	if config.PointsPerItem <= 0 {
		config.PointsPerItem = 1
	}

	return &practiceService{
		generator: generator,
		exams:     exams,
		sessions:  sessions,
		wrongbook: wrongbook,
		starter:   starter,
		validator: validate,
		activity:  activity,
		sanitizer: bluemonday.StrictPolicy(),
		config:    config,
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/practice"),
		logger:    logger.With().Str("component", "practice_service").Logger(),
	}
}

// Generate asks the generator for questions on the keyword, keeps the ones
// that pass the same checks as imported exams, stores them as a practice exam
// owned by the student and starts an attempt on it.
func (s *practiceService) Generate(ctx context.Context, actor ActivityActor, req dto.PracticeGenerateRequest) (dto.PracticeResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.PracticeResponse{}, err
	}
	if s.generator == nil {
		return dto.PracticeResponse{}, ErrPracticeUnavailable
	}

	keyword := strings.TrimSpace(s.sanitizer.Sanitize(req.Keyword))
	if keyword == "" {
		return dto.PracticeResponse{}, fmt.Errorf("%w: keyword is empty", exam.ErrInvalidQuestionSet)
	}
	count := req.Count
	if count > s.config.MaxQuestions {
		count = s.config.MaxQuestions
	}
	difficulty := req.Difficulty
	if difficulty == "" {
		difficulty = "medium"
	}

	ctx, span := s.tracer.Start(ctx, "practice.generate", trace.WithAttributes(
		attribute.Int64("practice.student_id", int64(actor.ID)),
		attribute.String("practice.keyword", keyword),
		attribute.Int("practice.count", count),
	))
	defer span.End()

	generated, err := s.generator.Generate(ctx, ai.GenerateRequest{
		Keyword:    keyword,
		Count:      count,
		Difficulty: difficulty,
		Types:      practiceTypes,
		Examples:   s.examples(ctx, actor.ID, keyword),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation_failed")
		s.logger.Error().Err(err).Str("keyword", keyword).Msg("question generator failed")
		return dto.PracticeResponse{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	questions := s.accept(generated, keyword, count)
	if len(questions) == 0 {
		return dto.PracticeResponse{}, fmt.Errorf("%w: generator returned no usable questions", exam.ErrInvalidQuestionSet)
	}

	model := examDraft{
		Title:       "Practice: " + keyword,
		Description: fmt.Sprintf("%d %s practice questions", len(questions), difficulty),
		Duration:    s.config.DurationMinutes,
		OwnerID:     actor.ID,
		Kind:        models.ExamKindPractice,
		Keyword:     keyword,
		Questions:   questions,
	}.model()
	if err := s.exams.Create(ctx, &model); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "practice_store_failed")
		return dto.PracticeResponse{}, err
	}

	created, err := s.exams.GetByID(ctx, model.ID)
	if err != nil {
		return dto.PracticeResponse{}, notFound(err)
	}

	session, err := s.starter.Start(ctx, actor, created.ID)
	if err != nil {
		return dto.PracticeResponse{}, err
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "practice.generated",
		EntityType: "exam",
		EntityID:   uintPtr(created.ID),
		Metadata: map[string]interface{}{
			"keyword":   keyword,
			"requested": count,
			"accepted":  len(questions),
		},
	})

	return dto.PracticeResponse{
		Exam:    dto.NewExamResponse(created, false),
		Session: session,
	}, nil
}

// examples collects prompts of open wrongbook entries for the keyword.
func (s *practiceService) examples(ctx context.Context, studentID uint, keyword string) []string {
	entries, err := s.wrongbook.List(ctx, repository.WrongbookFilter{StudentID: studentID})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load wrongbook examples")
		return nil
	}

	prompts := make([]string, 0, maxPracticeExamples)
	for _, entry := range entries {
		if len(prompts) == maxPracticeExamples {
			break
		}
		if hasKeyword(entry, keyword) {
			prompts = append(prompts, entry.Snapshot.Data().Prompt)
		}
	}
	return prompts
}

// accept validates each generated question on its own so one bad item does
// not discard the whole set.
func (s *practiceService) accept(generated []ai.GeneratedQuestion, keyword string, limit int) []exam.Question {
	questions := make([]exam.Question, 0, limit)
	for idx, candidate := range generated {
		if len(questions) == limit {
			break
		}

		item := s.item(candidate, keyword)
		question, err := s.validateItem(item)
		if err != nil {
			s.logger.Warn().Err(err).Int("index", idx).Str("keyword", keyword).Msg("dropping generated question")
			continue
		}
		questions = append(questions, question)
	}
	return questions
}

func (s *practiceService) item(candidate ai.GeneratedQuestion, keyword string) questionset.Item {
	options := make([]exam.Option, 0, len(candidate.Options))
	for _, option := range candidate.Options {
		options = append(options, exam.Option{Label: option.Label, Text: option.Text})
	}

	knowledge := []string{keyword}
	for _, point := range candidate.KnowledgePoints {
		if strings.TrimSpace(point) != keyword {
			knowledge = append(knowledge, point)
		}
	}

	return questionset.Item{
		Type:            candidate.Type,
		Prompt:          candidate.Prompt,
		Options:         options,
		Answer:          questionset.Answer(candidate.Answer),
		Points:          s.config.PointsPerItem,
		KnowledgePoints: knowledge,
		Explanation:     candidate.Explanation,
	}
}

func (s *practiceService) validateItem(item questionset.Item) (exam.Question, error) {
	document, err := json.Marshal(questionset.Document{
		Title:           "practice",
		DurationMinutes: s.config.DurationMinutes,
		Questions:       []questionset.Item{item},
	})
	if err != nil {
		return exam.Question{}, err
	}
	if err := questionset.ValidateJSON(document); err != nil {
		return exam.Question{}, err
	}

	question, err := exam.NewQuestion(item.Input())
	if err != nil {
		return exam.Question{}, err
	}
	if !question.Spec.AutoGradable() {
		return exam.Question{}, fmt.Errorf("%w: %s questions are not allowed in practice", exam.ErrInvalidQuestionSet, question.Type())
	}
	return question, nil
}

func (s *practiceService) History(ctx context.Context, actor ActivityActor, req dto.PracticeHistoryRequest) ([]dto.SessionSummaryResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	kind := models.ExamKindPractice
	filter := repository.SessionFilter{StudentID: uintPtr(actor.ID), ExamKind: &kind}
	if keyword := strings.TrimSpace(req.Keyword); keyword != "" {
		filter.Keyword = &keyword
	}

	sessions, err := s.sessions.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return dto.NewSessionSummaryResponseSlice(sessions), nil
}
