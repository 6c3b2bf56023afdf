package exam

import (
	"math"
	"strings"
)

// Policy configures how objective answers are compared.
type Policy struct {
	// FillBlankCaseSensitive compares blanks byte-for-byte after trimming.
	FillBlankCaseSensitive bool
	// MultiPartialCredit enables the separate partial-credit mode for multi
	// questions. The default is all-or-nothing.
	MultiPartialCredit bool
}

// DefaultPolicy is case-sensitive with all-or-nothing multi scoring.
func DefaultPolicy() Policy {
	return Policy{FillBlankCaseSensitive: true}
}

// Outcome is the result of grading one answer. Both fields are nil while the
// answer awaits manual grading.
type Outcome struct {
	IsCorrect    *bool
	PointsEarned *float64
}

// Pending reports whether the outcome still needs a human grader.
func (o Outcome) Pending() bool {
	return o.IsCorrect == nil
}

func scored(correct bool, points float64) Outcome {
	return Outcome{IsCorrect: &correct, PointsEarned: &points}
}

func allOrNothing(q Question, correct bool) Outcome {
	if correct {
		return scored(true, float64(q.Points))
	}
	return scored(false, 0)
}

// Grade maps a question and the submitted answer to an outcome. A nil answer
// means the student left the question blank: objective types score zero and
// subjective types are still queued for a grader. A question that was not
// built by NewQuestion has no type and is reported as an InvariantViolation.
func Grade(q Question, v *Value, p Policy) (Outcome, error) {
	if q.Spec == nil {
		return Outcome{}, NewInvariantViolation("question", q.ID, "question has no type")
	}
	if v == nil || v.IsZero() {
		if q.Spec.AutoGradable() {
			return scored(false, 0), nil
		}
		return Outcome{}, nil
	}
	return q.Spec.grade(q, *v, p), nil
}

func (s ChoiceSpec) grade(q Question, v Value, _ Policy) Outcome {
	return allOrNothing(q, v.Shape == ShapeText && v.Text == s.Answer)
}

// Multi questions are all-or-nothing: the submitted set must equal the
// canonical set exactly. Partial credit is a separate opt-in mode.
func (s MultiSpec) grade(q Question, v Value, p Policy) Outcome {
	canonical := make(map[string]struct{}, len(s.Answers))
	for _, label := range s.Answers {
		canonical[label] = struct{}{}
	}

	submitted := make(map[string]struct{}, len(v.Items))
	hits, misses := 0, 0
	for _, label := range v.Items {
		if _, dup := submitted[label]; dup {
			continue
		}
		submitted[label] = struct{}{}
		if _, ok := canonical[label]; ok {
			hits++
		} else {
			misses++
		}
	}

	exact := v.Shape == ShapeSet && misses == 0 && hits == len(canonical)
	if exact || !p.MultiPartialCredit || v.Shape != ShapeSet {
		return allOrNothing(q, exact)
	}

	ratio := float64(hits-misses) / float64(len(canonical))
	if ratio < 0 {
		ratio = 0
	}
	points := math.Floor(ratio*float64(q.Points)*100) / 100
	return scored(false, points)
}

func (s FillBlankSpec) grade(q Question, v Value, p Policy) Outcome {
	var submitted []string
	switch v.Shape {
	case ShapeList:
		submitted = v.Items
	case ShapeText:
		submitted = []string{v.Text}
	}
	if len(submitted) != len(s.Blanks) {
		return scored(false, 0)
	}

	for i, expected := range s.Blanks {
		if !blankMatches(submitted[i], expected, p.FillBlankCaseSensitive) {
			return scored(false, 0)
		}
	}
	return scored(true, float64(q.Points))
}

func blankMatches(submitted, expected string, caseSensitive bool) bool {
	submitted = strings.TrimSpace(submitted)
	expected = strings.TrimSpace(expected)
	if caseSensitive {
		return submitted == expected
	}
	return strings.EqualFold(submitted, expected)
}

// Free text is never auto-scored.
func (ShortAnswerSpec) grade(Question, Value, Policy) Outcome { return Outcome{} }

func (ProgrammingSpec) grade(Question, Value, Policy) Outcome { return Outcome{} }

// Score summarises a set of outcomes.
type Score struct {
	Earned   float64 `json:"earned"`
	Possible int     `json:"possible"`
	Pending  int     `json:"pending"`
	Correct  int     `json:"correct"`
	Graded   int     `json:"graded"`
}

// Ratio returns earned/possible, or zero when nothing is possible.
func (s Score) Ratio() float64 {
	if s.Possible == 0 {
		return 0
	}
	return s.Earned / float64(s.Possible)
}

// Add folds one outcome into the score.
func (s *Score) Add(points int, outcome Outcome) {
	s.Possible += points
	if outcome.Pending() {
		s.Pending++
		return
	}
	s.Graded++
	if *outcome.IsCorrect {
		s.Correct++
	}
	if outcome.PointsEarned != nil {
		s.Earned += *outcome.PointsEarned
	}
}
