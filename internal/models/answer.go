package models

import (
	"time"

	"gorm.io/datatypes"
)

type Answer struct {
	ID         uint           `gorm:"primaryKey"`
	SessionID  string         `gorm:"type:uuid;uniqueIndex:uniq_session_question"`
	QuestionID string         `gorm:"type:uuid;uniqueIndex:uniq_session_question"`
	AnswerType QuestionType   `gorm:"size:16"`
	Response   datatypes.JSON `gorm:"type:jsonb"` // {"mcqOptionId": "..."} for MCQ
	LatencyMs  *int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
