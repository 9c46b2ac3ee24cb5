package models

import (
	"time"

	"gorm.io/datatypes"
)

type SessionStatus string

const (
	StatusCreated       SessionStatus = "CREATED"
	StatusStarted       SessionStatus = "STARTED"
	StatusSubmitted     SessionStatus = "SUBMITTED"
	StatusAutoSubmitted SessionStatus = "AUTO_SUBMITTED"
)

// Terminal reports whether no further status transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusSubmitted || s == StatusAutoSubmitted
}

type ReviewDecision string

const (
	ReviewPending  ReviewDecision = "PENDING"
	ReviewApproved ReviewDecision = "APPROVED"
	ReviewRejected ReviewDecision = "REJECTED"
)

type SubmitReason string

const (
	SubmitByUser SubmitReason = "USER_SUBMIT"
	SubmitAuto   SubmitReason = "AUTO_SUBMIT"
)

// TerminalStatus is the status a submit with this reason lands on.
func (r SubmitReason) TerminalStatus() SessionStatus {
	if r == SubmitAuto {
		return StatusAutoSubmitted
	}
	return StatusSubmitted
}

// Session is one candidate's attempt. At most one STARTED row exists per
// (exam, candidate); postgres enforces it with a partial unique index.
type Session struct {
	ID                    string         `gorm:"type:uuid;primaryKey"`
	ExamID                string         `gorm:"type:uuid;index"`
	CandidateID           string         `gorm:"index"`
	Status                SessionStatus  `gorm:"size:20;index"`
	ReviewDecision        ReviewDecision `gorm:"size:20"`
	ViolationScore        int            `gorm:"not null;default:0"`
	DeviceFingerprint     string
	IPAddress             string
	RoomID                string
	StartedAt             time.Time `gorm:"index"`
	ExpiresAt             time.Time
	SubmittedAt           *time.Time
	AutoScore             *float64
	MobilePairedAt        *time.Time
	CandidateConnectionID *string
	MobileConnectionID    *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AdminAction is an append-only audit record.
type AdminAction struct {
	ID         uint           `gorm:"primaryKey"`
	SessionID  string         `gorm:"type:uuid;index"`
	ActorID    string         `gorm:"index"`
	ActionType string         `gorm:"size:64"`
	Reason     string         `gorm:"type:text"`
	Payload    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

const ActionSessionDecision = "SESSION_DECISION"
