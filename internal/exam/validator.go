package exam

import (
	"fmt"
	"strings"
)

// Validate checks that v has the shape q expects. It never rewrites the value.
func Validate(q Question, v Value) error {
	if q.Spec == nil {
		return NewInvariantViolation("question", q.ID, "question has no type")
	}
	return q.Spec.validate(q, v)
}

func (ChoiceSpec) validate(q Question, v Value) error {
	if v.Shape != ShapeText {
		return malformed(q, "choice answer must be a single option label")
	}
	if !q.HasOption(v.Text) {
		return malformed(q, fmt.Sprintf("%q is not an option", v.Text))
	}
	return nil
}

func (MultiSpec) validate(q Question, v Value) error {
	if v.Shape != ShapeSet {
		return malformed(q, "multi answer must be a set of option labels")
	}
	if len(v.Items) == 0 {
		return malformed(q, "multi answer must select at least one option")
	}
	seen := make(map[string]struct{}, len(v.Items))
	for _, label := range v.Items {
		if _, dup := seen[label]; dup {
			return malformed(q, fmt.Sprintf("option %q selected more than once", label))
		}
		seen[label] = struct{}{}
		if !q.HasOption(label) {
			return malformed(q, fmt.Sprintf("%q is not an option", label))
		}
	}
	return nil
}

func (FillBlankSpec) validate(q Question, v Value) error {
	blanks := BlankCount(q.Prompt)
	switch v.Shape {
	case ShapeList:
		if len(v.Items) != blanks {
			return malformed(q, fmt.Sprintf("expected %d blanks, got %d", blanks, len(v.Items)))
		}
		return nil
	case ShapeText:
		if blanks != 1 {
			return malformed(q, fmt.Sprintf("expected a list of %d blanks", blanks))
		}
		return nil
	default:
		return malformed(q, "fill_blank answer must be an ordered list")
	}
}

func (ShortAnswerSpec) validate(q Question, v Value) error {
	return validateFreeText(q, v)
}

func (ProgrammingSpec) validate(q Question, v Value) error {
	return validateFreeText(q, v)
}

func validateFreeText(q Question, v Value) error {
	if v.Shape != ShapeText {
		return malformed(q, "answer must be text")
	}
	if strings.TrimSpace(v.Text) == "" {
		return malformed(q, "answer must not be empty")
	}
	return nil
}
