package exam

import (
	"fmt"
	"regexp"
	"strings"
)

// QuestionType enumerates the supported question formats.
type QuestionType string

const (
	// TypeChoice is a single-answer multiple choice question.
	TypeChoice QuestionType = "choice"
	// TypeMulti is a multiple-answer choice question.
	TypeMulti QuestionType = "multi"
	// TypeFillBlank is a question with one or more positional blanks.
	TypeFillBlank QuestionType = "fill_blank"
	// TypeShortAnswer is a free-text question graded by a teacher.
	TypeShortAnswer QuestionType = "short_answer"
	// TypeProgramming is a code question graded by a teacher.
	TypeProgramming QuestionType = "programming"
)

// ParseQuestionType converts a wire value into a QuestionType.
func ParseQuestionType(value string) (QuestionType, error) {
	switch QuestionType(strings.ToLower(strings.TrimSpace(value))) {
	case TypeChoice:
		return TypeChoice, nil
	case TypeMulti:
		return TypeMulti, nil
	case TypeFillBlank:
		return TypeFillBlank, nil
	case TypeShortAnswer:
		return TypeShortAnswer, nil
	case TypeProgramming:
		return TypeProgramming, nil
	default:
		return "", fmt.Errorf("%w: unsupported question type %q", ErrInvalidQuestionSet, value)
	}
}

// Option is a labelled answer option of a choice question.
type Option struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Spec carries the type-specific part of a question. The interface is sealed:
// every variant must implement validation and grading, so a new question type
// does not compile until both are written.
type Spec interface {
	Type() QuestionType
	// Canonical returns the stored answer key; for subjective types it holds
	// the optional reference answer shown to graders.
	Canonical() []string
	AutoGradable() bool

	validate(q Question, v Value) error
	grade(q Question, v Value, p Policy) Outcome
}

// ChoiceSpec is the variant for TypeChoice.
type ChoiceSpec struct {
	Answer string
}

// MultiSpec is the variant for TypeMulti.
type MultiSpec struct {
	Answers []string
}

// FillBlankSpec is the variant for TypeFillBlank.
type FillBlankSpec struct {
	Blanks []string
}

// ShortAnswerSpec is the variant for TypeShortAnswer.
type ShortAnswerSpec struct {
	Reference string
}

// ProgrammingSpec is the variant for TypeProgramming.
type ProgrammingSpec struct {
	Reference string
}

func (ChoiceSpec) Type() QuestionType      { return TypeChoice }
func (MultiSpec) Type() QuestionType       { return TypeMulti }
func (FillBlankSpec) Type() QuestionType   { return TypeFillBlank }
func (ShortAnswerSpec) Type() QuestionType { return TypeShortAnswer }
func (ProgrammingSpec) Type() QuestionType { return TypeProgramming }

func (s ChoiceSpec) Canonical() []string    { return []string{s.Answer} }
func (s MultiSpec) Canonical() []string     { return append([]string(nil), s.Answers...) }
func (s FillBlankSpec) Canonical() []string { return append([]string(nil), s.Blanks...) }
func (s ShortAnswerSpec) Canonical() []string {
	return referenceSlice(s.Reference)
}
func (s ProgrammingSpec) Canonical() []string {
	return referenceSlice(s.Reference)
}

func (ChoiceSpec) AutoGradable() bool      { return true }
func (MultiSpec) AutoGradable() bool       { return true }
func (FillBlankSpec) AutoGradable() bool   { return true }
func (ShortAnswerSpec) AutoGradable() bool { return false }
func (ProgrammingSpec) AutoGradable() bool { return false }

func referenceSlice(reference string) []string {
	if strings.TrimSpace(reference) == "" {
		return nil
	}
	return []string{reference}
}

// Question is an immutable exam question.
type Question struct {
	ID              uint
	Prompt          string
	Options         []Option
	Points          int
	KnowledgePoints []string
	Explanation     string
	Spec            Spec
}

// Type returns the question type of the underlying variant.
func (q Question) Type() QuestionType {
	if q.Spec == nil {
		return ""
	}
	return q.Spec.Type()
}

// HasOption reports whether label is one of the question's option labels.
func (q Question) HasOption(label string) bool {
	for _, option := range q.Options {
		if option.Label == label {
			return true
		}
	}
	return false
}

// QuestionInput is the untyped description of a question as received from a
// question-set provider or read back from storage.
type QuestionInput struct {
	ID              uint
	Type            string
	Prompt          string
	Options         []Option
	Canonical       []string
	Points          int
	KnowledgePoints []string
	Explanation     string
}

// NewQuestion builds a Question and checks it is internally consistent.
func NewQuestion(input QuestionInput) (Question, error) {
	qType, err := ParseQuestionType(input.Type)
	if err != nil {
		return Question{}, err
	}

	if strings.TrimSpace(input.Prompt) == "" {
		return Question{}, invalidQuestion(input, "prompt is required")
	}
	if input.Points <= 0 {
		return Question{}, invalidQuestion(input, "points must be positive")
	}

	keywords := normalizeKeywords(input.KnowledgePoints)
	if len(keywords) == 0 {
		return Question{}, invalidQuestion(input, "at least one knowledge point is required")
	}

	q := Question{
		ID:              input.ID,
		Prompt:          input.Prompt,
		Points:          input.Points,
		KnowledgePoints: keywords,
		Explanation:     input.Explanation,
	}

	switch qType {
	case TypeChoice, TypeMulti:
		options, err := checkOptions(input)
		if err != nil {
			return Question{}, err
		}
		q.Options = options
	default:
		if len(input.Options) > 0 {
			return Question{}, invalidQuestion(input, "options are only allowed on choice questions")
		}
	}

	switch qType {
	case TypeChoice:
		if len(input.Canonical) != 1 || !q.HasOption(input.Canonical[0]) {
			return Question{}, invalidQuestion(input, "choice answer must be exactly one option label")
		}
		q.Spec = ChoiceSpec{Answer: input.Canonical[0]}
	case TypeMulti:
		if len(input.Canonical) == 0 {
			return Question{}, invalidQuestion(input, "multi answer must not be empty")
		}
		seen := make(map[string]struct{}, len(input.Canonical))
		for _, label := range input.Canonical {
			if !q.HasOption(label) {
				return Question{}, invalidQuestion(input, fmt.Sprintf("answer label %q is not an option", label))
			}
			if _, dup := seen[label]; dup {
				return Question{}, invalidQuestion(input, fmt.Sprintf("answer label %q repeated", label))
			}
			seen[label] = struct{}{}
		}
		q.Spec = MultiSpec{Answers: append([]string(nil), input.Canonical...)}
	case TypeFillBlank:
		blanks := BlankCount(input.Prompt)
		if blanks == 0 {
			return Question{}, invalidQuestion(input, "fill_blank prompt has no blank markers")
		}
		if len(input.Canonical) != blanks {
			return Question{}, invalidQuestion(input, fmt.Sprintf("prompt has %d blanks but %d answers", blanks, len(input.Canonical)))
		}
		q.Spec = FillBlankSpec{Blanks: append([]string(nil), input.Canonical...)}
	case TypeShortAnswer:
		q.Spec = ShortAnswerSpec{Reference: firstOrEmpty(input.Canonical)}
	case TypeProgramming:
		q.Spec = ProgrammingSpec{Reference: firstOrEmpty(input.Canonical)}
	}

	return q, nil
}

func checkOptions(input QuestionInput) ([]Option, error) {
	if len(input.Options) < 2 {
		return nil, invalidQuestion(input, "choice questions need at least two options")
	}
	seen := make(map[string]struct{}, len(input.Options))
	options := make([]Option, 0, len(input.Options))
	for _, option := range input.Options {
		label := strings.TrimSpace(option.Label)
		if label == "" {
			return nil, invalidQuestion(input, "option label is required")
		}
		if _, dup := seen[label]; dup {
			return nil, invalidQuestion(input, fmt.Sprintf("option label %q repeated", label))
		}
		seen[label] = struct{}{}
		options = append(options, Option{Label: label, Text: option.Text})
	}
	return options, nil
}

func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	result := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		trimmed := strings.TrimSpace(keyword)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func invalidQuestion(input QuestionInput, reason string) error {
	if input.ID > 0 {
		return fmt.Errorf("%w: question %d: %s", ErrInvalidQuestionSet, input.ID, reason)
	}
	return fmt.Errorf("%w: %s", ErrInvalidQuestionSet, reason)
}

var blankMarker = regexp.MustCompile(`_{3,}`)

// BlankCount returns the number of blanks in a prompt. A blank is one
// unbroken run of three or more underscores, whatever its length: "___",
// the generator's "_____" and "__________" each count once, while "__" is
// plain text. Blanks must be separated by at least one other character.
func BlankCount(prompt string) int {
	return len(blankMarker.FindAllStringIndex(prompt, -1))
}
