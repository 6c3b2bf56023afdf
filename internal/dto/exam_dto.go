package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
)

// ExamUpdateRequest edits exam metadata. Questions are immutable; create a
// new exam (or clone) to change them.
type ExamUpdateRequest struct {
	Title           *string `json:"title" validate:"omitempty,min=1,max=255"`
	Description     *string `json:"description" validate:"omitempty,max=5000"`
	DurationMinutes *int    `json:"duration_minutes" validate:"omitempty,gte=1,lte=1440"`
}

// ExamListRequest describes query filters for listing exams.
type ExamListRequest struct {
	Kind    string `query:"kind" validate:"omitempty,oneof=exam practice"`
	Keyword string `query:"keyword" validate:"omitempty,max=200"`
}

// QuestionResponse serializes a question. Canonical answers and explanations
// are only filled when the caller may see them.
type QuestionResponse struct {
	ID              uint          `json:"id"`
	Position        int           `json:"position"`
	Type            string        `json:"type"`
	Prompt          string        `json:"prompt"`
	Options         []exam.Option `json:"options,omitempty"`
	BlankCount      int           `json:"blank_count,omitempty"`
	Points          int           `json:"points"`
	KnowledgePoints []string      `json:"knowledge_points"`
	Canonical       []string      `json:"canonical,omitempty"`
	Explanation     string        `json:"explanation,omitempty"`
}

// ExamResponse serializes an exam.
type ExamResponse struct {
	ID              uint               `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	DurationMinutes int                `json:"duration_minutes"`
	OwnerID         uint               `json:"owner_id"`
	Kind            string             `json:"kind"`
	Keyword         string             `json:"keyword,omitempty"`
	TotalPoints     int                `json:"total_points"`
	QuestionCount   int                `json:"question_count"`
	Questions       []QuestionResponse `json:"questions"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// NewQuestionResponse converts a stored question.
func NewQuestionResponse(model models.Question, reveal bool) QuestionResponse {
	response := QuestionResponse{
		ID:              model.ID,
		Position:        model.Position,
		Type:            model.Type,
		Prompt:          model.Prompt,
		Options:         []exam.Option(model.Options),
		Points:          model.Points,
		KnowledgePoints: []string(model.KnowledgePoints),
	}
	if model.Type == string(exam.TypeFillBlank) {
		response.BlankCount = exam.BlankCount(model.Prompt)
	}
	if reveal {
		response.Canonical = []string(model.Canonical)
		response.Explanation = model.Explanation
	}
	return response
}

// NewExamResponse converts an exam model. reveal controls whether answer keys
// are included.
func NewExamResponse(model models.Exam, reveal bool) ExamResponse {
	questions := make([]QuestionResponse, 0, len(model.Questions))
	for _, q := range model.Questions {
		questions = append(questions, NewQuestionResponse(q, reveal))
	}

	return ExamResponse{
		ID:              model.ID,
		Title:           model.Title,
		Description:     model.Description,
		DurationMinutes: model.DurationMinutes,
		OwnerID:         model.OwnerID,
		Kind:            model.Kind,
		Keyword:         model.Keyword,
		TotalPoints:     model.TotalPoints(),
		QuestionCount:   len(model.Questions),
		Questions:       questions,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}
