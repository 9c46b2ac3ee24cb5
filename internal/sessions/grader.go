package sessions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zaqqye/proctoring_backend/internal/models"
)

// Grader computes the objective score stored on submit.
type Grader interface {
	Score(ctx context.Context, s *models.Session) (float64, error)
}

// MCQGrader scores multiple-choice questions against their answer keys.
// CODING and SUBJECTIVE questions are left for manual review.
type MCQGrader struct {
	Answers AnswerStore
}

type mcqKey struct {
	CorrectOptionID string `json:"correctOptionId"`
}

type mcqResponse struct {
	MCQOptionID string `json:"mcqOptionId"`
}

func (g MCQGrader) Score(ctx context.Context, s *models.Session) (float64, error) {
	questions, err := g.Answers.ListQuestions(ctx, s.ExamID)
	if err != nil {
		return 0, fmt.Errorf("list questions: %w", err)
	}
	answers, err := g.Answers.ListAnswers(ctx, s.ID)
	if err != nil {
		return 0, fmt.Errorf("list answers: %w", err)
	}
	return ObjectiveScore(questions, answers), nil
}

// ObjectiveScore returns 100 * earned / possible over MCQ questions, or 0 when
// the exam has none.
func ObjectiveScore(questions []models.Question, answers []models.Answer) float64 {
	byQuestion := make(map[string]models.Answer, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a
	}

	var earned, possible int
	for _, q := range questions {
		if q.Type != models.QuestionMCQ {
			continue
		}
		possible += q.Points
		a, ok := byQuestion[q.ID]
		if !ok || len(q.AnswerKey) == 0 {
			continue
		}
		var key mcqKey
		var resp mcqResponse
		if json.Unmarshal(q.AnswerKey, &key) != nil || json.Unmarshal(a.Response, &resp) != nil {
			continue
		}
		if key.CorrectOptionID != "" && key.CorrectOptionID == resp.MCQOptionID {
			earned += q.Points
		}
	}
	if possible == 0 {
		return 0
	}
	return float64(earned) / float64(possible) * 100
}
