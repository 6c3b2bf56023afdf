package exam

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive indicates the student already has a non-terminal session for the exam.
	ErrAlreadyActive = errors.New("exam session already active")
	// ErrSessionExpired indicates the session deadline has passed.
	ErrSessionExpired = errors.New("exam session expired")
	// ErrUnknownQuestion indicates the question is not part of the exam.
	ErrUnknownQuestion = errors.New("question is not part of this exam")
	// ErrMalformedAnswer indicates the answer does not match the question shape.
	ErrMalformedAnswer = errors.New("malformed answer")
	// ErrAlreadyGraded indicates the grading record already carries a score.
	ErrAlreadyGraded = errors.New("answer already graded")
	// ErrOutOfRange indicates a manual score outside [0, points].
	ErrOutOfRange = errors.New("score out of range")
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExamLocked indicates an exam can no longer be edited because it has attempts.
	ErrExamLocked = errors.New("exam has attempts and cannot be modified")
	// ErrInvalidQuestionSet indicates an imported or generated question set is inconsistent.
	ErrInvalidQuestionSet = errors.New("invalid question set")
	// ErrNotGradable indicates the record cannot be manually graded in its current state.
	ErrNotGradable = errors.New("answer is not awaiting manual grading")
	// ErrInvalidState indicates the session is not in a state that allows the operation.
	ErrInvalidState = errors.New("operation not allowed in current session state")
)

// MalformedAnswerError describes why an answer was rejected.
type MalformedAnswerError struct {
	QuestionID uint
	Reason     string
}

func (e *MalformedAnswerError) Error() string {
	return fmt.Sprintf("malformed answer for question %d: %s", e.QuestionID, e.Reason)
}

func (e *MalformedAnswerError) Unwrap() error {
	return ErrMalformedAnswer
}

func malformed(q Question, reason string) error {
	return &MalformedAnswerError{QuestionID: q.ID, Reason: reason}
}

// InvariantViolation reports internal state that should be impossible. It is
// never repaired silently.
type InvariantViolation struct {
	Entity string
	ID     uint
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %s %d: %s", e.Entity, e.ID, e.Detail)
}

// NewInvariantViolation constructs an InvariantViolation error.
func NewInvariantViolation(entity string, id uint, format string, args ...any) error {
	return &InvariantViolation{Entity: entity, ID: id, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err wraps an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var target *InvariantViolation
	return errors.As(err, &target)
}
