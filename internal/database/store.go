package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/models"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Store is the postgres backend for sessions, exams, answers and users.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if !validUUID(id) {
		return nil, apperr.ErrSessionNotFound
	}
	var sess models.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) FindActiveSession(ctx context.Context, examID, candidateID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("exam_id = ? AND candidate_id = ? AND status = ?", examID, candidateID, models.StatusStarted).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) CreateStartedSession(ctx context.Context, sess *models.Session) error {
	err := s.db.WithContext(ctx).Create(sess).Error
	if isUniqueViolation(err) {
		return apperr.ErrActiveSessionExists
	}
	return err
}

func (s *Store) IncrementViolationScore(ctx context.Context, id string, delta int) (int, error) {
	if !validUUID(id) {
		return 0, apperr.ErrSessionNotFound
	}
	var score []int
	err := s.db.WithContext(ctx).Raw(
		`UPDATE sessions SET violation_score = violation_score + ?, updated_at = ? WHERE id = ? RETURNING violation_score`,
		delta, time.Now().UTC(), id,
	).Scan(&score).Error
	if err != nil {
		return 0, err
	}
	if len(score) == 0 {
		return 0, apperr.ErrSessionNotFound
	}
	return score[0], nil
}

func (s *Store) CompleteSession(ctx context.Context, id string, to models.SessionStatus, submittedAt time.Time, autoScore float64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.StatusStarted).
		Updates(map[string]interface{}{
			"status":          to,
			"submitted_at":    submittedAt,
			"auto_score":      autoScore,
			"review_decision": models.ReviewPending,
			"updated_at":      submittedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) SetReviewDecision(ctx context.Context, id string, decision models.ReviewDecision, action *models.AdminAction) error {
	if !validUUID(id) {
		return apperr.ErrSessionNotFound
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Session{}).
			Where("id = ? AND status IN ?", id, []models.SessionStatus{models.StatusSubmitted, models.StatusAutoSubmitted}).
			Updates(map[string]interface{}{"review_decision": decision, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.Session{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return apperr.ErrSessionNotFound
			}
			return apperr.ErrSessionNotSubmitted
		}
		if action == nil {
			return nil
		}
		return tx.Create(action).Error
	})
}

func (s *Store) AttachConnection(ctx context.Context, id, role, connID string, at time.Time) error {
	if !validUUID(id) {
		return apperr.ErrSessionNotFound
	}
	updates := map[string]interface{}{"updated_at": at}
	if role == models.RoleCandidate {
		updates["candidate_connection_id"] = connID
	} else {
		updates["mobile_connection_id"] = connID
		updates["mobile_paired_at"] = at
	}
	return s.updateSession(ctx, id, updates)
}

func (s *Store) MarkMobilePaired(ctx context.Context, id string, at time.Time) error {
	if !validUUID(id) {
		return apperr.ErrSessionNotFound
	}
	return s.updateSession(ctx, id, map[string]interface{}{"mobile_paired_at": at, "updated_at": at})
}

func (s *Store) updateSession(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrSessionNotFound
	}
	return nil
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	var out []models.Session
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("started_at asc").Find(&out).Error
	return out, err
}

func (s *Store) AssignedExam(ctx context.Context, examID, candidateID string) (*models.Exam, error) {
	if !validUUID(examID) {
		return nil, apperr.ErrExamNotAssigned
	}
	var exam models.Exam
	err := s.db.WithContext(ctx).
		Joins("JOIN exam_assignments ON exam_assignments.exam_id = exams.id").
		Where("exams.id = ? AND exam_assignments.candidate_id = ?", examID, candidateID).
		First(&exam).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrExamNotAssigned
	}
	if err != nil {
		return nil, err
	}
	return &exam, nil
}

func (s *Store) CreateExam(ctx context.Context, exam *models.Exam, questions []models.Question) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exam).Error; err != nil {
			return err
		}
		for i := range questions {
			questions[i].ExamID = exam.ID
		}
		if len(questions) == 0 {
			return nil
		}
		return tx.Create(&questions).Error
	})
}

func (s *Store) AssignExam(ctx context.Context, examID, candidateID string) error {
	a := models.ExamAssignment{ExamID: examID, CandidateID: candidateID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&a).Error
}

func (s *Store) ListQuestions(ctx context.Context, examID string) ([]models.Question, error) {
	var out []models.Question
	err := s.db.WithContext(ctx).Where("exam_id = ?", examID).Order("created_at asc").Find(&out).Error
	return out, err
}

func (s *Store) UpsertAnswer(ctx context.Context, a *models.Answer) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "question_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"answer_type", "response", "latency_ms", "updated_at"}),
	}).Create(a).Error
}

func (s *Store) ListAnswers(ctx context.Context, sessionID string) ([]models.Answer, error) {
	var out []models.Answer
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&out).Error
	return out, err
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	err := s.db.WithContext(ctx).Create(u).Error
	if isUniqueViolation(err) {
		return apperr.Conflict("email already registered")
	}
	return err
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("LOWER(email) = LOWER(?)", email).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindUserByID(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CountUsersByRole(ctx context.Context, role string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("role = ?", role).Count(&n).Error
	return n, err
}
