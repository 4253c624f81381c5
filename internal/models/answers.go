// Provides the boolean answer matrix of checklist questions.

package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Answers is the multi-stage selection of one question: one column per stage,
// one boolean per option. The last column holds the final verdict.
type Answers [][]bool

// ParseAnswers decodes the JSON text stored in ChecklistAnswer.Answers.
//
// An empty string is a question with no recorded selection.
func ParseAnswers(s string) (Answers, error) {
	if s == "" {
		return nil, nil
	}
	var a Answers
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("invalid answers: %w", err)
	}
	for i, col := range a {
		if len(col) == 0 {
			return nil, fmt.Errorf("invalid answers: column %d is empty", i)
		}
	}
	return a, nil
}

// String returns the JSON text form.
func (a Answers) String() string {
	if a == nil {
		return ""
	}
	b, err := json.Marshal(a)
	if err != nil {
		// [][]bool always marshals.
		panic(err)
	}
	return string(b)
}

// Clone returns a deep copy.
func (a Answers) Clone() Answers {
	if a == nil {
		return nil
	}
	out := make(Answers, len(a))
	for i, col := range a {
		out[i] = append([]bool(nil), col...)
	}
	return out
}

// Verdict returns the selected option index of the last column.
func (a Answers) Verdict() (int, bool) {
	if len(a) == 0 {
		return 0, false
	}
	return a.Selected(len(a) - 1)
}

// Selected returns the single selected option of column col.
func (a Answers) Selected(col int) (int, bool) {
	if col < 0 || col >= len(a) {
		return 0, false
	}
	idx := -1
	for i, v := range a[col] {
		if v {
			if idx != -1 {
				return 0, false
			}
			idx = i
		}
	}
	return idx, idx != -1
}

// Select returns a copy where column col has only option opt set.
func (a Answers) Select(col, opt int) (Answers, error) {
	if col < 0 || col >= len(a) {
		return nil, errors.New("column out of range")
	}
	if opt < 0 || opt >= len(a[col]) {
		return nil, errors.New("option out of range")
	}
	out := a.Clone()
	for i := range out[col] {
		out[col][i] = i == opt
	}
	return out, nil
}
