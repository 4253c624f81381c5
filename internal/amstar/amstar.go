// Package amstar holds the AMSTAR 2 question template.
//
// Each question has a boolean answer matrix: one column per appraisal stage,
// one option per cell. The last column is the verdict. New checklists start
// from the matrices below, whose verdicts select "No".
package amstar

import (
	"slices"

	"github.com/maruel/corates/internal/models"
)

// ChecklistType is the checklist type using this template.
const ChecklistType = models.ChecklistTypeAMSTAR

// Question is one template entry.
type Question struct {
	Key      string
	Answers  models.Answers
	Critical bool
}

func col(n, selected int) []bool {
	c := make([]bool, n)
	if selected >= 0 {
		c[selected] = true
	}
	return c
}

var template = []Question{
	{"q1", models.Answers{col(4, -1), col(1, -1), col(2, 1)}, false},
	{"q2", models.Answers{col(4, -1), col(3, -1), col(3, 2)}, true},
	{"q3", models.Answers{col(3, -1), col(2, 1)}, false},
	{"q4", models.Answers{col(3, -1), col(5, -1), col(3, 2)}, true},
	{"q5", models.Answers{col(2, -1), col(2, 1)}, false},
	{"q6", models.Answers{col(2, -1), col(2, 1)}, false},
	{"q7", models.Answers{col(1, -1), col(1, -1), col(3, 2)}, true},
	{"q8", models.Answers{col(5, -1), col(4, -1), col(3, 2)}, false},
	{"q9a", models.Answers{col(2, -1), col(2, -1), col(4, 2)}, true},
	{"q9b", models.Answers{col(2, -1), col(2, -1), col(4, 2)}, true},
	{"q10", models.Answers{col(1, -1), col(2, 1)}, false},
	{"q11a", models.Answers{col(3, -1), col(3, 1)}, true},
	{"q11b", models.Answers{col(4, -1), col(3, 1)}, true},
	{"q12", models.Answers{col(2, -1), col(3, 1)}, false},
	{"q13", models.Answers{col(2, -1), col(2, 1)}, true},
	{"q14", models.Answers{col(2, -1), col(2, 1)}, false},
	{"q15", models.Answers{col(1, -1), col(3, 1)}, true},
	{"q16", models.Answers{col(2, -1), col(2, 1)}, false},
}

// Questions returns a copy of the template in question order.
func Questions() []Question {
	out := make([]Question, len(template))
	for i, q := range template {
		q.Answers = q.Answers.Clone()
		out[i] = q
	}
	return out
}

// Lookup returns the template entry of key.
func Lookup(key string) (Question, bool) {
	i := slices.IndexFunc(template, func(q Question) bool { return q.Key == key })
	if i < 0 {
		return Question{}, false
	}
	q := template[i]
	q.Answers = q.Answers.Clone()
	return q, true
}

// Questions whose three option verdict has no partial answer.
var noPartial = []string{"q11a", "q11b", "q12", "q13"}

// Labels returns the verdict labels of question key for a last column of n
// options.
func Labels(key string, n int) []string {
	switch {
	case n == 2:
		return []string{"Yes", "No"}
	case slices.Contains(noPartial, key):
		return []string{"Yes", "No", "No MA"}
	default:
		return []string{"Yes", "Partial Yes", "No", "No MA"}
	}
}

// Verdict returns the label selected in the last column of a. It returns
// false if nothing, or more than one option, is selected.
func Verdict(key string, a models.Answers) (string, bool) {
	idx, ok := a.Verdict()
	if !ok {
		return "", false
	}
	labels := Labels(key, len(a[len(a)-1]))
	if idx >= len(labels) {
		return "", false
	}
	return labels[idx], true
}

// Verdicts returns the verdict label of every answered question.
func Verdicts(answers []models.ChecklistAnswer) map[string]string {
	out := make(map[string]string, len(answers))
	for _, a := range answers {
		m, err := models.ParseAnswers(a.Answers)
		if err != nil {
			continue
		}
		if v, ok := Verdict(a.QuestionKey, m); ok {
			out[a.QuestionKey] = v
		}
	}
	return out
}
