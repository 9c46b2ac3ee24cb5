package sessions

import (
	"context"
	"time"

	"github.com/zaqqye/proctoring_backend/internal/models"
)

// Store is the persistence contract of the registry. Implementations must make
// IncrementViolationScore an atomic increment and CompleteSession a
// compare-and-set on status; the registry never reads-modifies-writes either.
type Store interface {
	// GetSession returns apperr.ErrSessionNotFound when id is unknown.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// FindActiveSession returns the STARTED session for the pair or
	// apperr.ErrSessionNotFound.
	FindActiveSession(ctx context.Context, examID, candidateID string) (*models.Session, error)
	// CreateStartedSession inserts s; it fails with apperr.ErrActiveSessionExists
	// when another STARTED session exists for the same pair.
	CreateStartedSession(ctx context.Context, s *models.Session) error
	// IncrementViolationScore adds delta and returns the new score.
	IncrementViolationScore(ctx context.Context, id string, delta int) (int, error)
	// CompleteSession moves a STARTED session to `to` and reports whether this
	// call performed the transition.
	CompleteSession(ctx context.Context, id string, to models.SessionStatus, submittedAt time.Time, autoScore float64) (bool, error)
	// SetReviewDecision updates a terminal session's decision and appends the
	// audit action; apperr.ErrSessionNotSubmitted when the session is not terminal.
	SetReviewDecision(ctx context.Context, id string, decision models.ReviewDecision, action *models.AdminAction) error
	AttachConnection(ctx context.Context, id, role, connID string, at time.Time) error
	MarkMobilePaired(ctx context.Context, id string, at time.Time) error
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error)
}

// ExamCatalog answers assignment questions; exams are managed elsewhere.
type ExamCatalog interface {
	// AssignedExam returns apperr.ErrExamNotAssigned when the candidate has no
	// assignment for examID.
	AssignedExam(ctx context.Context, examID, candidateID string) (*models.Exam, error)
}

type AnswerStore interface {
	UpsertAnswer(ctx context.Context, a *models.Answer) error
	ListQuestions(ctx context.Context, examID string) ([]models.Question, error)
	ListAnswers(ctx context.Context, sessionID string) ([]models.Answer, error)
}
