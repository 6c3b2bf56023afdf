package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-api/internal/exam"
)

// KeywordStat tracks how often a student answered a knowledge point correctly.
type KeywordStat struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	StudentID    uint      `gorm:"not null;uniqueIndex:idx_keyword_stat_student_keyword" json:"student_id"`
	Keyword      string    `gorm:"size:200;not null;uniqueIndex:idx_keyword_stat_student_keyword" json:"keyword"`
	CorrectCount int       `gorm:"not null;default:0" json:"correct_count"`
	TotalCount   int       `gorm:"not null;default:0" json:"total_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Accuracy returns correct/total; ok is false when nothing was answered yet.
func (k KeywordStat) Accuracy() (float64, bool) {
	if k.TotalCount == 0 {
		return 0, false
	}
	return float64(k.CorrectCount) / float64(k.TotalCount), true
}

// AccuracyPoint is one entry of a student's score time series.
type AccuracyPoint struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	StudentID      uint      `gorm:"not null;index" json:"student_id"`
	ExamID         uint      `gorm:"not null" json:"exam_id"`
	SessionID      uint      `gorm:"not null;uniqueIndex" json:"session_id"`
	ExamTitle      string    `gorm:"size:255" json:"exam_title"`
	ExamKind       string    `gorm:"size:16" json:"exam_kind"`
	PointsEarned   float64   `gorm:"not null" json:"points_earned"`
	PointsPossible int       `gorm:"not null" json:"points_possible"`
	Ratio          float64   `gorm:"not null" json:"ratio"`
	RecordedAt     time.Time `gorm:"not null;index" json:"recorded_at"`
}

// AnalyticsReceipt marks a session as already aggregated.
type AnalyticsReceipt struct {
	SessionID   uint      `gorm:"primaryKey;autoIncrement:false" json:"session_id"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

// QuestionSnapshot copies a question at grading time so the wrongbook
// survives deletion of the source exam.
type QuestionSnapshot struct {
	Type            string        `json:"type"`
	Prompt          string        `json:"prompt"`
	Options         []exam.Option `json:"options"`
	Canonical       []string      `json:"canonical"`
	Explanation     string        `json:"explanation"`
	KnowledgePoints []string      `json:"knowledge_points"`
	Points          int           `json:"points"`
}

// NewQuestionSnapshot snapshots a domain question.
func NewQuestionSnapshot(q exam.Question) QuestionSnapshot {
	return QuestionSnapshot{
		Type:            string(q.Type()),
		Prompt:          q.Prompt,
		Options:         append([]exam.Option{}, q.Options...),
		Canonical:       q.Spec.Canonical(),
		Explanation:     q.Explanation,
		KnowledgePoints: append([]string{}, q.KnowledgePoints...),
		Points:          q.Points,
	}
}

// Question rebuilds the domain question from the snapshot.
func (s QuestionSnapshot) Question(id uint) (exam.Question, error) {
	return exam.NewQuestion(exam.QuestionInput{
		ID:              id,
		Type:            s.Type,
		Prompt:          s.Prompt,
		Options:         s.Options,
		Canonical:       s.Canonical,
		Points:          s.Points,
		KnowledgePoints: s.KnowledgePoints,
		Explanation:     s.Explanation,
	})
}

// WrongbookEntry records a question the student most recently got wrong.
// Entries are resolved, never deleted, when a later answer is correct.
type WrongbookEntry struct {
	ID         uint                               `gorm:"primaryKey" json:"id"`
	StudentID  uint                               `gorm:"not null;uniqueIndex:idx_wrongbook_student_question" json:"student_id"`
	QuestionID uint                               `gorm:"not null;uniqueIndex:idx_wrongbook_student_question" json:"question_id"`
	ExamID     uint                               `gorm:"not null" json:"exam_id"`
	SessionID  uint                               `gorm:"not null" json:"session_id"`
	Snapshot   datatypes.JSONType[QuestionSnapshot] `json:"snapshot"`
	Keywords   datatypes.JSONSlice[string]        `json:"keywords"`
	Answer     datatypes.JSONType[exam.Value]     `json:"answer"`
	IsCorrect  bool                               `gorm:"not null;default:false" json:"is_correct"`
	Attempts   int                                `gorm:"not null;default:0" json:"attempts"`
	AnsweredAt time.Time                          `gorm:"index" json:"answered_at"`
	CreatedAt  time.Time                          `json:"created_at"`
	UpdatedAt  time.Time                          `json:"updated_at"`
	ResolvedAt *time.Time                         `gorm:"index" json:"resolved_at"`
}

// Resolved reports whether a later correct answer closed the entry.
func (w WrongbookEntry) Resolved() bool {
	return w.ResolvedAt != nil
}

// WrongbookAttempt stores each redo of a wrongbook entry.
type WrongbookAttempt struct {
	ID          uint                           `gorm:"primaryKey" json:"id"`
	EntryID     uint                           `gorm:"not null;index" json:"entry_id"`
	StudentID   uint                           `gorm:"not null;index" json:"student_id"`
	Answer      datatypes.JSONType[exam.Value] `json:"answer"`
	IsCorrect   bool                           `gorm:"not null" json:"is_correct"`
	AttemptedAt time.Time                      `gorm:"not null" json:"attempted_at"`
}
