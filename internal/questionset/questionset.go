// Package questionset parses externally generated question sets into exam
// questions. Documents are checked against an embedded JSON schema before the
// domain rules in package exam run.
package questionset

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-exam-api/internal/exam"
)

//go:embed schema.json
var schemaDocument []byte

const schemaURL = "https://schemas.gema.local/questionset.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaDocument)); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Answer accepts either a single string or a list of strings.
type Answer []string

func (a *Answer) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*a = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		*a = Answer{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return err
	}
	*a = Answer(many)
	return nil
}

// Item is one question as it appears in an imported document.
type Item struct {
	Type            string        `json:"type"`
	Prompt          string        `json:"prompt"`
	Options         []exam.Option `json:"options,omitempty"`
	Answer          Answer        `json:"answer,omitempty"`
	Points          int           `json:"points"`
	KnowledgePoints []string      `json:"knowledge_points"`
	Explanation     string        `json:"explanation,omitempty"`
}

// Input converts the item into the domain constructor input.
func (i Item) Input() exam.QuestionInput {
	return exam.QuestionInput{
		Type:            strings.TrimSpace(i.Type),
		Prompt:          i.Prompt,
		Options:         i.Options,
		Canonical:       []string(i.Answer),
		Points:          i.Points,
		KnowledgePoints: i.KnowledgePoints,
		Explanation:     i.Explanation,
	}
}

// Document is a complete question set.
type Document struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	Keyword         string `json:"keyword,omitempty"`
	Questions       []Item `json:"questions"`
}

// Parse validates raw JSON against the schema and decodes it.
func Parse(data []byte) (Document, error) {
	if err := ValidateJSON(data); err != nil {
		return Document{}, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", exam.ErrInvalidQuestionSet, err)
	}
	return doc, nil
}

// ValidateJSON checks raw JSON against the embedded schema.
func ValidateJSON(data []byte) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile question set schema: %w", err)
	}

	var payload interface{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return fmt.Errorf("%w: invalid json: %v", exam.ErrInvalidQuestionSet, err)
	}

	if err := s.Validate(payload); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return fmt.Errorf("%w: %s", exam.ErrInvalidQuestionSet, describe(validationErr))
		}
		return fmt.Errorf("%w: %v", exam.ErrInvalidQuestionSet, err)
	}
	return nil
}

// describe reports the deepest failing location, which is the useful one.
func describe(err *jsonschema.ValidationError) string {
	leaf := err
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	location := leaf.InstanceLocation
	if location == "" {
		location = "/"
	}
	return fmt.Sprintf("%s: %s", location, leaf.Message)
}

// Build runs the domain checks on every item and returns the questions in
// document order.
func Build(items []Item) ([]exam.Question, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: question set is empty", exam.ErrInvalidQuestionSet)
	}

	questions := make([]exam.Question, 0, len(items))
	for idx, item := range items {
		q, err := exam.NewQuestion(item.Input())
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", idx+1, err)
		}
		questions = append(questions, q)
	}
	return questions, nil
}
