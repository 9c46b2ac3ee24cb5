package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Exam is read-only here; it is seeded, never managed through the API.
type Exam struct {
	ID              string    `gorm:"type:uuid;primaryKey"`
	Title           string
	Instructions    string    `gorm:"type:text"`
	DurationMinutes int
	StartsAt        time.Time `gorm:"index"`
	EndsAt          time.Time `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (e *Exam) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// Open reports whether now falls inside the availability window.
func (e *Exam) Open(now time.Time) bool {
	return !now.Before(e.StartsAt) && !now.After(e.EndsAt)
}

// Duration of one attempt.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

type ExamAssignment struct {
	ID          uint      `gorm:"primaryKey"`
	ExamID      string    `gorm:"type:uuid;uniqueIndex:uniq_exam_candidate"`
	CandidateID string    `gorm:"uniqueIndex:uniq_exam_candidate"`
	CreatedAt   time.Time
}

type QuestionType string

const (
	QuestionMCQ        QuestionType = "MCQ"
	QuestionCoding     QuestionType = "CODING"
	QuestionSubjective QuestionType = "SUBJECTIVE"
)

func (t QuestionType) Valid() bool {
	switch t {
	case QuestionMCQ, QuestionCoding, QuestionSubjective:
		return true
	}
	return false
}

type Question struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	ExamID    string         `gorm:"type:uuid;index"`
	Type      QuestionType   `gorm:"size:16"`
	Prompt    string         `gorm:"type:text"`
	Options   datatypes.JSON `gorm:"type:jsonb"`
	AnswerKey datatypes.JSON `gorm:"type:jsonb"` // {"correctOptionId": "..."} for MCQ
	Points    int            `gorm:"default:1"`
	CreatedAt time.Time
}

func (q *Question) BeforeCreate(tx *gorm.DB) (err error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return nil
}
