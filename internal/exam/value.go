package exam

import (
	"bytes"
	"encoding/json"
)

// Shape identifies how a raw answer value is structured.
type Shape string

const (
	// ShapeText is a single string.
	ShapeText Shape = "text"
	// ShapeSet is an unordered collection of distinct strings.
	ShapeSet Shape = "set"
	// ShapeList is an ordered list of strings.
	ShapeList Shape = "list"
)

// Value is a raw answer as submitted by a student.
type Value struct {
	Shape Shape    `json:"shape"`
	Text  string   `json:"text,omitempty"`
	Items []string `json:"items,omitempty"`
}

// Text wraps a single string answer.
func Text(value string) Value {
	return Value{Shape: ShapeText, Text: value}
}

// Set wraps a set-of-labels answer.
func Set(items ...string) Value {
	return Value{Shape: ShapeSet, Items: append([]string{}, items...)}
}

// List wraps an ordered answer list.
func List(items ...string) Value {
	return Value{Shape: ShapeList, Items: append([]string{}, items...)}
}

// IsZero reports whether the value carries no answer at all.
func (v Value) IsZero() bool {
	return v.Shape == "" && v.Text == "" && len(v.Items) == 0
}

// Strings flattens the value for display and snapshots.
func (v Value) Strings() []string {
	switch v.Shape {
	case ShapeText:
		if v.Text == "" {
			return nil
		}
		return []string{v.Text}
	default:
		return append([]string(nil), v.Items...)
	}
}

// DecodeValue interprets a raw JSON answer for q. A string is text; a list is
// a set for multi questions and an ordered list for everything else. The
// explicit {"shape": ..., ...} form is accepted as is.
func DecodeValue(q Question, raw []byte) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Value{}, malformed(q, "answer is required")
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Value{}, malformed(q, "answer is not valid json")
		}
		return Text(text), nil
	case '[':
		var items []string
		if err := json.Unmarshal(raw, &items); err != nil {
			return Value{}, malformed(q, "answer list must contain only strings")
		}
		if q.Type() == TypeMulti {
			return Set(items...), nil
		}
		return List(items...), nil
	case '{':
		var v Value
		if err := json.Unmarshal(raw, &v); err != nil {
			return Value{}, malformed(q, "answer object is not valid")
		}
		switch v.Shape {
		case ShapeText, ShapeSet, ShapeList:
			return v, nil
		}
		return Value{}, malformed(q, "answer shape must be text, set or list")
	}
	return Value{}, malformed(q, "answer must be a string or a list of strings")
}
