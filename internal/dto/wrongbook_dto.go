package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
)

// WrongbookListRequest filters wrongbook entries.
type WrongbookListRequest struct {
	Keyword         string `query:"keyword" validate:"omitempty,max=200"`
	IncludeResolved bool   `query:"include_resolved"`
}

// WrongbookRedoRequest carries a new answer for a wrongbook entry.
type WrongbookRedoRequest struct {
	Answer json.RawMessage `json:"answer" validate:"required"`
}

// WrongbookKeywordResponse counts open entries per keyword.
type WrongbookKeywordResponse struct {
	Keyword   string `json:"keyword"`
	OpenCount int    `json:"open_count"`
}

// WrongbookEntryResponse serializes a wrongbook entry with its snapshot.
type WrongbookEntryResponse struct {
	ID              uint          `json:"id"`
	QuestionID      uint          `json:"question_id"`
	ExamID          uint          `json:"exam_id"`
	Type            string        `json:"type"`
	Prompt          string        `json:"prompt"`
	Options         []exam.Option `json:"options,omitempty"`
	Points          int           `json:"points"`
	KnowledgePoints []string      `json:"knowledge_points"`
	Canonical       []string      `json:"canonical"`
	Explanation     string        `json:"explanation"`
	LastAnswer      exam.Value    `json:"last_answer"`
	IsCorrect       bool          `json:"is_correct"`
	Attempts        int           `json:"attempts"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ResolvedAt      *time.Time    `json:"resolved_at"`
}

// WrongbookRedoResponse reports the outcome of a redo attempt.
type WrongbookRedoResponse struct {
	EntryID      uint     `json:"entry_id"`
	IsCorrect    bool     `json:"is_correct"`
	PointsEarned float64  `json:"points_earned"`
	Resolved     bool     `json:"resolved"`
	Attempts     int      `json:"attempts"`
	Canonical    []string `json:"canonical"`
	Explanation  string   `json:"explanation"`
}

// NewWrongbookEntryResponse converts a wrongbook entry.
func NewWrongbookEntryResponse(model models.WrongbookEntry) WrongbookEntryResponse {
	snapshot := model.Snapshot.Data()
	return WrongbookEntryResponse{
		ID:              model.ID,
		QuestionID:      model.QuestionID,
		ExamID:          model.ExamID,
		Type:            snapshot.Type,
		Prompt:          snapshot.Prompt,
		Options:         snapshot.Options,
		Points:          snapshot.Points,
		KnowledgePoints: []string(model.Keywords),
		Canonical:       snapshot.Canonical,
		Explanation:     snapshot.Explanation,
		LastAnswer:      model.Answer.Data(),
		IsCorrect:       model.IsCorrect,
		Attempts:        model.Attempts,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
		ResolvedAt:      model.ResolvedAt,
	}
}
