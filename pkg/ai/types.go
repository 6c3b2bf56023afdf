package ai

import (
	"bytes"
	"context"
	"encoding/json"
)

// GenerateRequest asks for reinforcement questions on one knowledge point.
type GenerateRequest struct {
	Keyword    string
	Count      int
	Difficulty string
	// Types restricts the question types the model may produce.
	Types []string
	// Examples are prompts the student already got wrong, given as context.
	Examples []string
}

// GeneratedOption is one labelled choice.
type GeneratedOption struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// GeneratedQuestion is a question as returned by a model. It is untrusted and
// must be validated before use.
type GeneratedQuestion struct {
	Type            string            `json:"type"`
	Prompt          string            `json:"prompt"`
	Options         []GeneratedOption `json:"options,omitempty"`
	Answer          StringList        `json:"answer"`
	Points          int               `json:"points"`
	KnowledgePoints []string          `json:"knowledge_points"`
	Explanation     string            `json:"explanation,omitempty"`
}

// QuestionGenerator produces practice questions.
type QuestionGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]GeneratedQuestion, error)
}

// StringList decodes either a JSON string or a list of strings. Models are
// not consistent about single answers.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = StringList(many)
	return nil
}
