package exam

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateChoice(t *testing.T) {
	q := mustQuestion(t, QuestionInput{ID: 1, Type: "choice", Prompt: "Pick", Options: abcd(), Canonical: []string{"A"}, Points: 1, KnowledgePoints: []string{"k"}})

	require.NoError(t, Validate(q, Text("D")))
	require.ErrorIs(t, Validate(q, Text("E")), ErrMalformedAnswer)
	require.ErrorIs(t, Validate(q, Set("A")), ErrMalformedAnswer)
}

func TestValidateMulti(t *testing.T) {
	q := mustQuestion(t, QuestionInput{ID: 2, Type: "multi", Prompt: "Pick", Options: abcd(), Canonical: []string{"A", "B"}, Points: 1, KnowledgePoints: []string{"k"}})

	require.NoError(t, Validate(q, Set("B", "A")))
	require.ErrorIs(t, Validate(q, Set()), ErrMalformedAnswer)
	require.ErrorIs(t, Validate(q, Set("A", "A")), ErrMalformedAnswer)
	require.ErrorIs(t, Validate(q, Set("A", "Z")), ErrMalformedAnswer)
	require.ErrorIs(t, Validate(q, Text("A")), ErrMalformedAnswer)
	require.ErrorIs(t, Validate(q, List("A", "B")), ErrMalformedAnswer)
}

func TestValidateFillBlankCountsMarkers(t *testing.T) {
	two := mustQuestion(t, QuestionInput{ID: 3, Type: "fill_blank", Prompt: "___ and ______", Canonical: []string{"x", "y"}, Points: 1, KnowledgePoints: []string{"k"}})

	require.NoError(t, Validate(two, List("a", "b")))
	require.ErrorIs(t, Validate(two, List("a")), ErrMalformedAnswer)
	require.ErrorIs(t, Validate(two, Text("a b")), ErrMalformedAnswer)

	one := mustQuestion(t, QuestionInput{ID: 4, Type: "fill_blank", Prompt: "Answer: ___", Canonical: []string{"x"}, Points: 1, KnowledgePoints: []string{"k"}})
	require.NoError(t, Validate(one, Text("x")))
	require.NoError(t, Validate(one, List("x")))
}

func TestBlankCountTreatsEachRunAsOneBlank(t *testing.T) {
	cases := map[string]int{
		"Go was released in _____.":   1,
		"Long blank: __________":      1,
		"Short blank: ____":           1,
		"snake__case is not a blank":  0,
		"___ and _____ and _________": 3,
		"no blanks at all":            0,
	}
	for prompt, want := range cases {
		require.Equal(t, want, BlankCount(prompt), prompt)
	}
}

func TestValidateFreeText(t *testing.T) {
	q := mustQuestion(t, QuestionInput{ID: 5, Type: "programming", Prompt: "Write code", Points: 10, KnowledgePoints: []string{"loops"}})

	require.NoError(t, Validate(q, Text("for {}")))
	require.ErrorIs(t, Validate(q, Text("   ")), ErrMalformedAnswer)
	require.ErrorIs(t, Validate(q, List("x")), ErrMalformedAnswer)
}

func TestMalformedAnswerErrorCarriesReason(t *testing.T) {
	q := mustQuestion(t, QuestionInput{ID: 9, Type: "choice", Prompt: "Pick", Options: abcd(), Canonical: []string{"A"}, Points: 1, KnowledgePoints: []string{"k"}})

	err := Validate(q, Text("Q"))
	var malformedErr *MalformedAnswerError
	require.True(t, errors.As(err, &malformedErr))
	require.Equal(t, uint(9), malformedErr.QuestionID)
	require.Contains(t, malformedErr.Reason, "not an option")
}

func TestNewQuestionRejectsInconsistentInput(t *testing.T) {
	cases := map[string]QuestionInput{
		"unknown type":       {Type: "essay", Prompt: "x", Points: 1, KnowledgePoints: []string{"k"}},
		"zero points":        {Type: "short_answer", Prompt: "x", Points: 0, KnowledgePoints: []string{"k"}},
		"no keywords":        {Type: "short_answer", Prompt: "x", Points: 1, KnowledgePoints: []string{" "}},
		"choice not option":  {Type: "choice", Prompt: "x", Options: abcd(), Canonical: []string{"Z"}, Points: 1, KnowledgePoints: []string{"k"}},
		"choice two answers": {Type: "choice", Prompt: "x", Options: abcd(), Canonical: []string{"A", "B"}, Points: 1, KnowledgePoints: []string{"k"}},
		"blank mismatch":     {Type: "fill_blank", Prompt: "___ ___", Canonical: []string{"a"}, Points: 1, KnowledgePoints: []string{"k"}},
		"no blanks":          {Type: "fill_blank", Prompt: "no markers", Canonical: []string{"a"}, Points: 1, KnowledgePoints: []string{"k"}},
		"duplicate option":   {Type: "multi", Prompt: "x", Options: []Option{{Label: "A"}, {Label: "A"}}, Canonical: []string{"A"}, Points: 1, KnowledgePoints: []string{"k"}},
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewQuestion(input)
			require.ErrorIs(t, err, ErrInvalidQuestionSet)
		})
	}
}

func TestStateTransitions(t *testing.T) {
	require.True(t, StateInProgress.CanTransitionTo(StateSubmitted))
	require.True(t, StateSubmitted.CanTransitionTo(StatePendingManualGrade))
	require.True(t, StatePendingManualGrade.CanTransitionTo(StateGraded))
	require.False(t, StateGraded.CanTransitionTo(StateInProgress))
	require.False(t, StateInProgress.CanTransitionTo(StateGraded))
	require.True(t, StatePendingManualGrade.Active())
	require.False(t, StateGraded.Active())
}

func TestDecodeValueUsesQuestionType(t *testing.T) {
	multi := mustQuestion(t, QuestionInput{ID: 1, Type: "multi", Prompt: "Pick", Options: abcd(), Canonical: []string{"A", "B"}, Points: 1, KnowledgePoints: []string{"k"}})
	blank := mustQuestion(t, QuestionInput{ID: 2, Type: "fill_blank", Prompt: "___ ___", Canonical: []string{"a", "b"}, Points: 1, KnowledgePoints: []string{"k"}})

	v, err := DecodeValue(multi, []byte(`["B","A"]`))
	require.NoError(t, err)
	require.Equal(t, ShapeSet, v.Shape)

	v, err = DecodeValue(blank, []byte(`["a","b"]`))
	require.NoError(t, err)
	require.Equal(t, ShapeList, v.Shape)

	v, err = DecodeValue(blank, []byte(`"a"`))
	require.NoError(t, err)
	require.Equal(t, Text("a"), v)

	v, err = DecodeValue(blank, []byte(`{"shape":"list","items":["a","b"]}`))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, v.Items)

	for _, raw := range []string{``, `null`, `42`, `[1,2]`, `{"shape":"blob"}`} {
		_, err := DecodeValue(blank, []byte(raw))
		require.ErrorIs(t, err, ErrMalformedAnswer, raw)
	}
}
