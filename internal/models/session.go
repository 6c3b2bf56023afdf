package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-api/internal/exam"
)

// ExamSession is one student's attempt at one exam.
type ExamSession struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	ExamID         uint            `gorm:"not null;index:idx_session_student_exam" json:"exam_id"`
	StudentID      uint            `gorm:"not null;index:idx_session_student_exam" json:"student_id"`
	State          string          `gorm:"size:32;not null;index" json:"state"`
	StartedAt      time.Time       `gorm:"not null" json:"started_at"`
	Deadline       time.Time       `gorm:"not null;index" json:"deadline"`
	SubmittedAt    *time.Time      `json:"submitted_at"`
	GradedAt       *time.Time      `json:"graded_at"`
	ForceSubmitted bool            `gorm:"not null;default:false" json:"force_submitted"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Exam           Exam            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Answers        []Answer        `gorm:"foreignKey:SessionID" json:"answers"`
	Records        []GradingRecord `gorm:"foreignKey:SessionID" json:"records"`
}

// CurrentState returns the typed lifecycle state.
func (s ExamSession) CurrentState() exam.State {
	return exam.State(s.State)
}

// Expired reports whether the deadline has passed at the reference time.
func (s ExamSession) Expired(reference time.Time) bool {
	return reference.After(s.Deadline)
}

// AnswerFor returns the stored answer for a question, if any.
func (s ExamSession) AnswerFor(questionID uint) (Answer, bool) {
	for _, answer := range s.Answers {
		if answer.QuestionID == questionID {
			return answer, true
		}
	}
	return Answer{}, false
}

// RecordFor returns the grading record for a question, if any.
func (s ExamSession) RecordFor(questionID uint) (GradingRecord, bool) {
	for _, record := range s.Records {
		if record.QuestionID == questionID {
			return record, true
		}
	}
	return GradingRecord{}, false
}

// Answer is the latest value a student recorded for a question.
type Answer struct {
	ID          uint                          `gorm:"primaryKey" json:"id"`
	SessionID   uint                          `gorm:"not null;uniqueIndex:idx_answer_session_question" json:"session_id"`
	QuestionID  uint                          `gorm:"not null;uniqueIndex:idx_answer_session_question" json:"question_id"`
	Value       datatypes.JSONType[exam.Value] `json:"value"`
	SubmittedAt time.Time                     `gorm:"not null" json:"submitted_at"`
	UpdatedAt   time.Time                     `json:"updated_at"`
}

// GradingRecord is the score of one question within a session. IsCorrect and
// PointsEarned stay NULL while the answer awaits a human grader.
type GradingRecord struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SessionID      uint       `gorm:"not null;uniqueIndex:idx_record_session_question" json:"session_id"`
	QuestionID     uint       `gorm:"not null;uniqueIndex:idx_record_session_question;index:idx_record_pending" json:"question_id"`
	ExamID         uint       `gorm:"not null;index:idx_record_pending" json:"exam_id"`
	StudentID      uint       `gorm:"not null;index" json:"student_id"`
	IsCorrect      *bool      `json:"is_correct"`
	PointsEarned   *float64   `json:"points_earned"`
	PointsPossible int        `gorm:"not null" json:"points_possible"`
	AutoGraded     bool       `gorm:"not null;default:false" json:"auto_graded"`
	GraderID       *uint      `json:"grader_id"`
	Comment        string     `gorm:"type:text" json:"comment"`
	GradedAt       *time.Time `json:"graded_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Pending reports whether the record still needs a manual score.
func (r GradingRecord) Pending() bool {
	return r.IsCorrect == nil
}

// Outcome returns the record as a grading outcome.
func (r GradingRecord) Outcome() exam.Outcome {
	return exam.Outcome{IsCorrect: r.IsCorrect, PointsEarned: r.PointsEarned}
}

// GradingHistory keeps every manual grade applied to a record.
type GradingHistory struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RecordID     uint      `gorm:"not null;index" json:"record_id"`
	SessionID    uint      `gorm:"not null;index" json:"session_id"`
	QuestionID   uint      `gorm:"not null" json:"question_id"`
	PointsEarned float64   `gorm:"not null" json:"points_earned"`
	IsCorrect    bool      `gorm:"not null" json:"is_correct"`
	GraderID     uint      `gorm:"not null" json:"grader_id"`
	Comment      string    `gorm:"type:text" json:"comment"`
	Regrade      bool      `gorm:"not null;default:false" json:"regrade"`
	GradedAt     time.Time `gorm:"not null" json:"graded_at"`
}
