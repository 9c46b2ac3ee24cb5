package models

import (
	"time"

	"gorm.io/datatypes"
)

type EventSource string

const (
	SourceLaptop EventSource = "LAPTOP"
	SourceMobile EventSource = "MOBILE"
	SourceSystem EventSource = "SYSTEM"
)

func (s EventSource) Valid() bool {
	switch s {
	case SourceLaptop, SourceMobile, SourceSystem:
		return true
	}
	return false
}

// ProctoringEvent is append-only. Meta is schema-less so perception findings
// can carry arbitrary fields.
type ProctoringEvent struct {
	ID          string            `gorm:"type:uuid;primaryKey" bson:"_id" json:"id"`
	SessionID   string            `gorm:"type:uuid;index:idx_event_session_ts,priority:1" bson:"sessionId" json:"sessionId"`
	ExamID      string            `gorm:"type:uuid;index" bson:"examId" json:"examId"`
	CandidateID string            `gorm:"index" bson:"candidateId" json:"candidateId"`
	Source      EventSource       `gorm:"size:16" bson:"source" json:"source"`
	EventType   string            `gorm:"size:64;index" bson:"eventType" json:"eventType"`
	Severity    int               `bson:"severity" json:"severity"`
	Timestamp   time.Time         `gorm:"index:idx_event_session_ts,priority:2" bson:"timestamp" json:"timestamp"`
	Meta        datatypes.JSONMap `gorm:"type:jsonb" bson:"meta" json:"meta"`
	CreatedAt   time.Time         `bson:"createdAt" json:"createdAt"`
}
