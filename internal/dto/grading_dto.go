package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
)

// PendingListRequest filters the manual grading worklist.
type PendingListRequest struct {
	ExamID *uint `query:"exam_id"`
	Limit  int   `query:"limit" validate:"omitempty,gte=1,lte=200"`
}

// GradeRequest is a manual score for one pending answer. Correct overrides
// the default rule that any positive score counts as correct.
type GradeRequest struct {
	SessionID    uint     `json:"session_id" validate:"required,gt=0"`
	QuestionID   uint     `json:"question_id" validate:"required,gt=0"`
	PointsEarned *float64 `json:"points_earned" validate:"required"`
	Comment      string   `json:"comment" validate:"max=4000"`
	Correct      *bool    `json:"correct"`
}

// PendingAnswerResponse is one student answer awaiting a grader.
type PendingAnswerResponse struct {
	SessionID   uint        `json:"session_id"`
	StudentID   uint        `json:"student_id"`
	Answer      *exam.Value `json:"answer"`
	SubmittedAt *time.Time  `json:"submitted_at"`
}

// PendingGroupResponse groups pending answers by exam question.
type PendingGroupResponse struct {
	ExamID     uint                    `json:"exam_id"`
	ExamTitle  string                  `json:"exam_title"`
	QuestionID uint                    `json:"question_id"`
	Type       string                  `json:"type"`
	Prompt     string                  `json:"prompt"`
	Points     int                     `json:"points"`
	Reference  []string                `json:"reference,omitempty"`
	Answers    []PendingAnswerResponse `json:"answers"`
}

// GradingRecordResponse serializes a grading record.
type GradingRecordResponse struct {
	SessionID      uint       `json:"session_id"`
	QuestionID     uint       `json:"question_id"`
	IsCorrect      *bool      `json:"is_correct"`
	PointsEarned   *float64   `json:"points_earned"`
	PointsPossible int        `json:"points_possible"`
	AutoGraded     bool       `json:"auto_graded"`
	GraderID       *uint      `json:"grader_id"`
	Comment        string     `json:"comment"`
	GradedAt       *time.Time `json:"graded_at"`
}

// GradeResponse reports the effect of a manual grade.
type GradeResponse struct {
	Record       GradingRecordResponse `json:"record"`
	SessionState string                `json:"session_state"`
	Remaining    int64                 `json:"remaining"`
}

// GradingHistoryResponse serializes one grading history entry.
type GradingHistoryResponse struct {
	PointsEarned float64   `json:"points_earned"`
	IsCorrect    bool      `json:"is_correct"`
	GraderID     uint      `json:"grader_id"`
	Comment      string    `json:"comment"`
	Regrade      bool      `json:"regrade"`
	GradedAt     time.Time `json:"graded_at"`
}

// NewGradingRecordResponse converts a grading record.
func NewGradingRecordResponse(model models.GradingRecord) GradingRecordResponse {
	return GradingRecordResponse{
		SessionID:      model.SessionID,
		QuestionID:     model.QuestionID,
		IsCorrect:      model.IsCorrect,
		PointsEarned:   model.PointsEarned,
		PointsPossible: model.PointsPossible,
		AutoGraded:     model.AutoGraded,
		GraderID:       model.GraderID,
		Comment:        model.Comment,
		GradedAt:       model.GradedAt,
	}
}

// NewGradingHistoryResponseSlice converts grading history entries.
func NewGradingHistoryResponseSlice(history []models.GradingHistory) []GradingHistoryResponse {
	responses := make([]GradingHistoryResponse, 0, len(history))
	for _, entry := range history {
		responses = append(responses, GradingHistoryResponse{
			PointsEarned: entry.PointsEarned,
			IsCorrect:    entry.IsCorrect,
			GraderID:     entry.GraderID,
			Comment:      entry.Comment,
			Regrade:      entry.Regrade,
			GradedAt:     entry.GradedAt,
		})
	}
	return responses
}
