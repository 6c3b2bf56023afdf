package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// WrongbookService lets students review and redo questions they got wrong.
type WrongbookService interface {
	Keywords(ctx context.Context, studentID uint) ([]dto.WrongbookKeywordResponse, error)
	Entries(ctx context.Context, studentID uint, req dto.WrongbookListRequest) ([]dto.WrongbookEntryResponse, error)
	Get(ctx context.Context, studentID, entryID uint) (dto.WrongbookEntryResponse, error)
	Redo(ctx context.Context, studentID, entryID uint, req dto.WrongbookRedoRequest) (dto.WrongbookRedoResponse, error)
}

type wrongbookService struct {
	repo      repository.WrongbookRepository
	validator *validator.Validate
	policy    exam.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewWrongbookService constructs the wrongbook service. Redo attempts are
// graded with the same policy as exams.
func NewWrongbookService(repo repository.WrongbookRepository, validate *validator.Validate, policy exam.Policy, logger zerolog.Logger) WrongbookService {
	return &wrongbookService{
		repo:      repo,
		validator: validate,
		policy:    policy,
		logger:    logger.With().Str("component", "wrongbook_service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *wrongbookService) Keywords(ctx context.Context, studentID uint) ([]dto.WrongbookKeywordResponse, error) {
	entries, err := s.repo.List(ctx, repository.WrongbookFilter{StudentID: studentID})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, entry := range entries {
		for _, keyword := range entry.Keywords {
			counts[keyword]++
		}
	}

	responses := make([]dto.WrongbookKeywordResponse, 0, len(counts))
	for keyword, count := range counts {
		responses = append(responses, dto.WrongbookKeywordResponse{Keyword: keyword, OpenCount: count})
	}
	sort.Slice(responses, func(i, j int) bool {
		if responses[i].OpenCount != responses[j].OpenCount {
			return responses[i].OpenCount > responses[j].OpenCount
		}
		return responses[i].Keyword < responses[j].Keyword
	})
	return responses, nil
}

func (s *wrongbookService) Entries(ctx context.Context, studentID uint, req dto.WrongbookListRequest) ([]dto.WrongbookEntryResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	entries, err := s.repo.List(ctx, repository.WrongbookFilter{StudentID: studentID, IncludeResolved: req.IncludeResolved})
	if err != nil {
		return nil, err
	}

	keyword := strings.TrimSpace(req.Keyword)
	responses := make([]dto.WrongbookEntryResponse, 0, len(entries))
	for _, entry := range entries {
		if keyword != "" && !hasKeyword(entry, keyword) {
			continue
		}
		responses = append(responses, dto.NewWrongbookEntryResponse(entry))
	}
	return responses, nil
}

func hasKeyword(entry models.WrongbookEntry, keyword string) bool {
	for _, candidate := range entry.Keywords {
		if candidate == keyword {
			return true
		}
	}
	return false
}

func (s *wrongbookService) owned(ctx context.Context, studentID, entryID uint) (models.WrongbookEntry, error) {
	entry, err := s.repo.GetByID(ctx, entryID)
	if err != nil {
		return models.WrongbookEntry{}, notFound(err)
	}
	if entry.StudentID != studentID {
		return models.WrongbookEntry{}, exam.ErrNotFound
	}
	return entry, nil
}

func (s *wrongbookService) Get(ctx context.Context, studentID, entryID uint) (dto.WrongbookEntryResponse, error) {
	entry, err := s.owned(ctx, studentID, entryID)
	if err != nil {
		return dto.WrongbookEntryResponse{}, err
	}
	return dto.NewWrongbookEntryResponse(entry), nil
}

// Redo grades a new answer against the snapshot. A correct answer resolves
// the entry, which is kept for history; a wrong one reopens it.
func (s *wrongbookService) Redo(ctx context.Context, studentID, entryID uint, req dto.WrongbookRedoRequest) (dto.WrongbookRedoResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.WrongbookRedoResponse{}, err
	}

	entry, err := s.owned(ctx, studentID, entryID)
	if err != nil {
		return dto.WrongbookRedoResponse{}, err
	}

	question, err := entry.Snapshot.Data().Question(entry.QuestionID)
	if err != nil {
		return dto.WrongbookRedoResponse{}, exam.NewInvariantViolation("wrongbook_entry", entry.ID, "snapshot is invalid: %v", err)
	}
	if !question.Spec.AutoGradable() {
		return dto.WrongbookRedoResponse{}, exam.ErrNotGradable
	}

	value, err := exam.DecodeValue(question, req.Answer)
	if err != nil {
		return dto.WrongbookRedoResponse{}, err
	}
	if err := exam.Validate(question, value); err != nil {
		return dto.WrongbookRedoResponse{}, err
	}

	outcome, err := exam.Grade(question, &value, s.policy)
	if err != nil {
		return dto.WrongbookRedoResponse{}, err
	}
	correct := outcome.IsCorrect != nil && *outcome.IsCorrect

	now := s.now()
	entry.Answer = datatypes.NewJSONType(value)
	entry.IsCorrect = correct
	switch {
	case correct && entry.ResolvedAt == nil:
		entry.ResolvedAt = &now
	case !correct:
		entry.ResolvedAt = nil
	}

	attempt := models.WrongbookAttempt{
		EntryID:     entry.ID,
		StudentID:   studentID,
		Answer:      datatypes.NewJSONType(value),
		IsCorrect:   correct,
		AttemptedAt: now,
	}
	if err := s.repo.RecordAttempt(ctx, &entry, &attempt); err != nil {
		return dto.WrongbookRedoResponse{}, err
	}

	s.logger.Info().
		Uint("entry_id", entry.ID).
		Uint("student_id", studentID).
		Bool("correct", correct).
		Msg("wrongbook redo recorded")

	response := dto.WrongbookRedoResponse{
		EntryID:     entry.ID,
		IsCorrect:   correct,
		Resolved:    entry.ResolvedAt != nil,
		Attempts:    entry.Attempts + 1,
		Canonical:   question.Spec.Canonical(),
		Explanation: question.Explanation,
	}
	if outcome.PointsEarned != nil {
		response.PointsEarned = *outcome.PointsEarned
	}
	return response, nil
}
