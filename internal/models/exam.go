package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/exam"
)

const (
	// ExamKindExam is a teacher-authored exam.
	ExamKindExam = "exam"
	// ExamKindPractice is a reinforcement practice set generated for one student.
	ExamKindPractice = "practice"
)

// Exam is an ordered, immutable set of questions with a time limit.
type Exam struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Title           string         `gorm:"size:255;not null" json:"title"`
	Description     string         `gorm:"type:text" json:"description"`
	DurationMinutes int            `gorm:"not null" json:"duration_minutes"`
	OwnerID         uint           `gorm:"not null;index" json:"owner_id"`
	Kind            string         `gorm:"size:16;not null;default:exam;index" json:"kind"`
	Keyword         string         `gorm:"size:200;index" json:"keyword,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	Questions       []Question     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"questions"`
}

// Duration returns the exam time limit.
func (e Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// TotalPoints sums the point value of every question.
func (e Exam) TotalPoints() int {
	total := 0
	for _, q := range e.Questions {
		total += q.Points
	}
	return total
}

// Question is the stored form of exam.Question.
type Question struct {
	ID              uint                             `gorm:"primaryKey" json:"id"`
	ExamID          uint                             `gorm:"not null;index" json:"exam_id"`
	Position        int                              `gorm:"not null" json:"position"`
	Type            string                           `gorm:"size:32;not null" json:"type"`
	Prompt          string                           `gorm:"type:text;not null" json:"prompt"`
	Options         datatypes.JSONSlice[exam.Option] `json:"options"`
	Canonical       datatypes.JSONSlice[string]      `json:"canonical"`
	Points          int                              `gorm:"not null" json:"points"`
	KnowledgePoints datatypes.JSONSlice[string]      `json:"knowledge_points"`
	Explanation     string                           `gorm:"type:text" json:"explanation"`
	CreatedAt       time.Time                        `json:"created_at"`
}

// Domain rebuilds the tagged question variant from its stored columns.
func (q Question) Domain() (exam.Question, error) {
	return exam.NewQuestion(exam.QuestionInput{
		ID:              q.ID,
		Type:            q.Type,
		Prompt:          q.Prompt,
		Options:         []exam.Option(q.Options),
		Canonical:       []string(q.Canonical),
		Points:          q.Points,
		KnowledgePoints: []string(q.KnowledgePoints),
		Explanation:     q.Explanation,
	})
}

// NewQuestionModel converts a domain question into its stored form.
func NewQuestionModel(q exam.Question, position int) Question {
	return Question{
		ID:              q.ID,
		Position:        position,
		Type:            string(q.Type()),
		Prompt:          q.Prompt,
		Options:         datatypes.NewJSONSlice(append([]exam.Option{}, q.Options...)),
		Canonical:       datatypes.NewJSONSlice(append([]string{}, q.Spec.Canonical()...)),
		Points:          q.Points,
		KnowledgePoints: datatypes.NewJSONSlice(append([]string{}, q.KnowledgePoints...)),
		Explanation:     q.Explanation,
	}
}

// QuestionIndex is an id-indexed view over an exam's questions.
type QuestionIndex struct {
	Order []uint
	ByID  map[uint]exam.Question
}

// Index converts every stored question into its domain form, keyed by id.
func (e Exam) Index() (QuestionIndex, error) {
	index := QuestionIndex{
		Order: make([]uint, 0, len(e.Questions)),
		ByID:  make(map[uint]exam.Question, len(e.Questions)),
	}
	for _, stored := range e.Questions {
		q, err := stored.Domain()
		if err != nil {
			return QuestionIndex{}, exam.NewInvariantViolation("question", stored.ID, "stored question is invalid: %v", err)
		}
		index.Order = append(index.Order, q.ID)
		index.ByID[q.ID] = q
	}
	return index, nil
}
