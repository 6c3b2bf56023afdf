package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
)

// StartSessionRequest starts or resumes an attempt.
type StartSessionRequest struct {
	ExamID uint `json:"exam_id" validate:"required,gt=0"`
}

// RecordAnswerRequest carries one answer. The answer is a string or a list of
// strings; its meaning depends on the question type.
type RecordAnswerRequest struct {
	QuestionID uint            `json:"question_id" validate:"required,gt=0"`
	Answer     json.RawMessage `json:"answer" validate:"required"`
}

// SessionListRequest filters the student's attempts.
type SessionListRequest struct {
	ExamID *uint  `query:"exam_id"`
	State  string `query:"state" validate:"omitempty,oneof=in_progress submitted pending_manual_grade graded"`
	Kind   string `query:"kind" validate:"omitempty,oneof=exam practice"`
}

// AnswerResponse serializes a recorded answer.
type AnswerResponse struct {
	QuestionID  uint       `json:"question_id"`
	Answer      exam.Value `json:"answer"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// SessionResponse is the live view of an attempt.
type SessionResponse struct {
	ID               uint             `json:"id"`
	ExamID           uint             `json:"exam_id"`
	StudentID        uint             `json:"student_id"`
	State            string           `json:"state"`
	StartedAt        time.Time        `json:"started_at"`
	Deadline         time.Time        `json:"deadline"`
	RemainingSeconds int64            `json:"remaining_seconds"`
	SubmittedAt      *time.Time       `json:"submitted_at"`
	GradedAt         *time.Time       `json:"graded_at"`
	ForceSubmitted   bool             `json:"force_submitted"`
	Exam             ExamResponse     `json:"exam"`
	Answers          []AnswerResponse `json:"answers"`
}

// SessionSummaryResponse is the list view of an attempt.
type SessionSummaryResponse struct {
	ID             uint        `json:"id"`
	ExamID         uint        `json:"exam_id"`
	ExamTitle      string      `json:"exam_title"`
	ExamKind       string      `json:"exam_kind"`
	ExamKeyword    string      `json:"exam_keyword,omitempty"`
	StudentID      uint        `json:"student_id"`
	State          string      `json:"state"`
	StartedAt      time.Time   `json:"started_at"`
	Deadline       time.Time   `json:"deadline"`
	SubmittedAt    *time.Time  `json:"submitted_at"`
	GradedAt       *time.Time  `json:"graded_at"`
	ForceSubmitted bool        `json:"force_submitted"`
	Score          *exam.Score `json:"score,omitempty"`
}

// QuestionResultResponse is the per-question breakdown of a finalized attempt.
type QuestionResultResponse struct {
	QuestionResponse
	Answer       *exam.Value `json:"answer"`
	IsCorrect    *bool       `json:"is_correct"`
	PointsEarned *float64    `json:"points_earned"`
	AutoGraded   bool        `json:"auto_graded"`
	Comment      string      `json:"comment,omitempty"`
	GradedAt     *time.Time  `json:"graded_at"`
}

// SessionResultResponse is the scored view of an attempt.
type SessionResultResponse struct {
	Session   SessionSummaryResponse   `json:"session"`
	Score     exam.Score               `json:"score"`
	Ratio     float64                  `json:"ratio"`
	Questions []QuestionResultResponse `json:"questions"`
}

// NewAnswerResponse converts a stored answer.
func NewAnswerResponse(model models.Answer) AnswerResponse {
	return AnswerResponse{
		QuestionID:  model.QuestionID,
		Answer:      model.Value.Data(),
		SubmittedAt: model.SubmittedAt,
	}
}

// NewSessionResponse converts a session for its student. Answer keys stay
// hidden until the session is finalized.
func NewSessionResponse(model models.ExamSession, now time.Time) SessionResponse {
	remaining := int64(0)
	if model.CurrentState() == exam.StateInProgress && now.Before(model.Deadline) {
		remaining = int64(model.Deadline.Sub(now).Seconds())
	}

	answers := make([]AnswerResponse, 0, len(model.Answers))
	for _, answer := range model.Answers {
		answers = append(answers, NewAnswerResponse(answer))
	}

	return SessionResponse{
		ID:               model.ID,
		ExamID:           model.ExamID,
		StudentID:        model.StudentID,
		State:            model.State,
		StartedAt:        model.StartedAt,
		Deadline:         model.Deadline,
		RemainingSeconds: remaining,
		SubmittedAt:      model.SubmittedAt,
		GradedAt:         model.GradedAt,
		ForceSubmitted:   model.ForceSubmitted,
		Exam:             NewExamResponse(model.Exam, model.CurrentState().Finalized()),
		Answers:          answers,
	}
}

// NewSessionSummaryResponse converts a session for list views. The score is
// attached once the session is finalized.
func NewSessionSummaryResponse(model models.ExamSession) SessionSummaryResponse {
	summary := SessionSummaryResponse{
		ID:             model.ID,
		ExamID:         model.ExamID,
		ExamTitle:      model.Exam.Title,
		ExamKind:       model.Exam.Kind,
		ExamKeyword:    model.Exam.Keyword,
		StudentID:      model.StudentID,
		State:          model.State,
		StartedAt:      model.StartedAt,
		Deadline:       model.Deadline,
		SubmittedAt:    model.SubmittedAt,
		GradedAt:       model.GradedAt,
		ForceSubmitted: model.ForceSubmitted,
	}
	if model.CurrentState().Finalized() {
		score := SessionScore(model)
		summary.Score = &score
	}
	return summary
}

// SessionScore folds every grading record of the session into a score.
func SessionScore(model models.ExamSession) exam.Score {
	var score exam.Score
	for _, q := range model.Exam.Questions {
		record, ok := model.RecordFor(q.ID)
		if !ok {
			score.Add(q.Points, exam.Outcome{})
			continue
		}
		score.Add(q.Points, record.Outcome())
	}
	return score
}

// NewSessionResultResponse builds the detailed result of a finalized session.
func NewSessionResultResponse(model models.ExamSession) SessionResultResponse {
	score := SessionScore(model)
	questions := make([]QuestionResultResponse, 0, len(model.Exam.Questions))
	for _, q := range model.Exam.Questions {
		item := QuestionResultResponse{QuestionResponse: NewQuestionResponse(q, true)}
		if answer, ok := model.AnswerFor(q.ID); ok {
			value := answer.Value.Data()
			item.Answer = &value
		}
		if record, ok := model.RecordFor(q.ID); ok {
			item.IsCorrect = record.IsCorrect
			item.PointsEarned = record.PointsEarned
			item.AutoGraded = record.AutoGraded
			item.Comment = record.Comment
			item.GradedAt = record.GradedAt
		}
		questions = append(questions, item)
	}

	summary := NewSessionSummaryResponse(model)
	return SessionResultResponse{
		Session:   summary,
		Score:     score,
		Ratio:     score.Ratio(),
		Questions: questions,
	}
}

// NewSessionSummaryResponseSlice converts a list of sessions.
func NewSessionSummaryResponseSlice(sessions []models.ExamSession) []SessionSummaryResponse {
	responses := make([]SessionSummaryResponse, 0, len(sessions))
	for _, session := range sessions {
		responses = append(responses, NewSessionSummaryResponse(session))
	}
	return responses
}
