package database

import (
	"context"

	"gorm.io/gorm"

	"github.com/zaqqye/proctoring_backend/internal/models"
)

// EventStore keeps proctoring events in postgres alongside the sessions.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) AppendEvents(ctx context.Context, events ...*models.ProctoringEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(events).Error
}

func (s *EventStore) ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]models.ProctoringEvent, error) {
	var out []models.ProctoringEvent
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("timestamp asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
