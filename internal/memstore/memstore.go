// Package memstore is the in-process backend used when STORE_DRIVER=memory and
// by tests. Every method runs under one mutex, which gives the same atomicity
// the postgres backend gets from conditional updates.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/models"
)

type Store struct {
	mu sync.Mutex

	users       map[string]*models.User // by UserID
	exams       map[string]*models.Exam
	assignments map[string]struct{} // examID + "|" + candidateID
	questions   map[string][]models.Question
	sessions    map[string]*models.Session
	answers     map[string]map[string]models.Answer // sessionID -> questionID
	actions     []models.AdminAction
	events      []models.ProctoringEvent

	nextUserID   uint
	nextAnswerID uint
}

func New() *Store {
	return &Store{
		users:       make(map[string]*models.User),
		exams:       make(map[string]*models.Exam),
		assignments: make(map[string]struct{}),
		questions:   make(map[string][]models.Question),
		sessions:    make(map[string]*models.Session),
		answers:     make(map[string]map[string]models.Answer),
	}
}

func assignmentKey(examID, candidateID string) string {
	return examID + "|" + candidateID
}

func copySession(s *models.Session) *models.Session {
	c := *s
	return &c
}

// Sessions

func (m *Store) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *Store) FindActiveSession(_ context.Context, examID, candidateID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.activeLocked(examID, candidateID); s != nil {
		return copySession(s), nil
	}
	return nil, apperr.ErrSessionNotFound
}

func (m *Store) activeLocked(examID, candidateID string) *models.Session {
	for _, s := range m.sessions {
		if s.ExamID == examID && s.CandidateID == candidateID && s.Status == models.StatusStarted {
			return s
		}
	}
	return nil
}

func (m *Store) CreateStartedSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeLocked(s.ExamID, s.CandidateID) != nil {
		return apperr.ErrActiveSessionExists
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *Store) IncrementViolationScore(_ context.Context, id string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, apperr.ErrSessionNotFound
	}
	s.ViolationScore += delta
	s.UpdatedAt = time.Now().UTC()
	return s.ViolationScore, nil
}

func (m *Store) CompleteSession(_ context.Context, id string, to models.SessionStatus, submittedAt time.Time, autoScore float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, apperr.ErrSessionNotFound
	}
	if s.Status != models.StatusStarted {
		return false, nil
	}
	s.Status = to
	s.SubmittedAt = &submittedAt
	s.AutoScore = &autoScore
	s.ReviewDecision = models.ReviewPending
	s.UpdatedAt = submittedAt
	return true, nil
}

func (m *Store) SetReviewDecision(_ context.Context, id string, decision models.ReviewDecision, action *models.AdminAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperr.ErrSessionNotFound
	}
	if !s.Status.Terminal() {
		return apperr.ErrSessionNotSubmitted
	}
	s.ReviewDecision = decision
	s.UpdatedAt = time.Now().UTC()
	if action != nil {
		a := *action
		a.ID = uint(len(m.actions) + 1)
		m.actions = append(m.actions, a)
	}
	return nil
}

func (m *Store) AttachConnection(_ context.Context, id, role, connID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperr.ErrSessionNotFound
	}
	c := connID
	switch role {
	case models.RoleCandidate:
		s.CandidateConnectionID = &c
	default:
		s.MobileConnectionID = &c
		s.MobilePairedAt = &at
	}
	s.UpdatedAt = at
	return nil
}

func (m *Store) MarkMobilePaired(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperr.ErrSessionNotFound
	}
	s.MobilePairedAt = &at
	s.UpdatedAt = at
	return nil
}

func (m *Store) ListSessionsByStatus(_ context.Context, status models.SessionStatus) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0)
	for _, s := range m.sessions {
		if s.Status == status {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// AdminActions returns a copy of the audit trail for a session.
func (m *Store) AdminActions(sessionID string) []models.AdminAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AdminAction
	for _, a := range m.actions {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out
}

// Exams and answers

func (m *Store) AssignedExam(_ context.Context, examID, candidateID string) (*models.Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[assignmentKey(examID, candidateID)]; !ok {
		return nil, apperr.ErrExamNotAssigned
	}
	e, ok := m.exams[examID]
	if !ok {
		return nil, apperr.ErrExamNotAssigned
	}
	c := *e
	return &c, nil
}

func (m *Store) CreateExam(_ context.Context, exam *models.Exam, questions []models.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exam.ID == "" {
		exam.ID = uuid.NewString()
	}
	e := *exam
	m.exams[e.ID] = &e
	qs := make([]models.Question, 0, len(questions))
	for _, q := range questions {
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.ExamID = e.ID
		qs = append(qs, q)
	}
	m.questions[e.ID] = qs
	return nil
}

func (m *Store) AssignExam(_ context.Context, examID, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[assignmentKey(examID, candidateID)] = struct{}{}
	return nil
}

func (m *Store) ListQuestions(_ context.Context, examID string) ([]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Question(nil), m.questions[examID]...), nil
}

func (m *Store) UpsertAnswer(_ context.Context, a *models.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySession := m.answers[a.SessionID]
	if bySession == nil {
		bySession = make(map[string]models.Answer)
		m.answers[a.SessionID] = bySession
	}
	now := time.Now().UTC()
	if prev, ok := bySession[a.QuestionID]; ok {
		a.ID, a.CreatedAt = prev.ID, prev.CreatedAt
	} else {
		m.nextAnswerID++
		a.ID, a.CreatedAt = m.nextAnswerID, now
	}
	a.UpdatedAt = now
	bySession[a.QuestionID] = *a
	return nil
}

func (m *Store) ListAnswers(_ context.Context, sessionID string) ([]models.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Answer, 0, len(m.answers[sessionID]))
	for _, a := range m.answers[sessionID] {
		out = append(out, a)
	}
	return out, nil
}

// Events

func (m *Store) AppendEvents(_ context.Context, events ...*models.ProctoringEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		m.events = append(m.events, *e)
	}
	return nil
}

func (m *Store) ListEventsBySession(_ context.Context, sessionID string, limit int) ([]models.ProctoringEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ProctoringEvent, 0)
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Users

func (m *Store) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(u.Email)
	for _, existing := range m.users {
		if strings.ToLower(existing.Email) == email {
			return apperr.Conflict("email already registered")
		}
	}
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	m.nextUserID++
	now := time.Now().UTC()
	u.ID, u.CreatedAt, u.UpdatedAt = m.nextUserID, now, now
	c := *u
	m.users[u.UserID] = &c
	return nil
}

func (m *Store) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(email)
	for _, u := range m.users {
		if strings.ToLower(u.Email) == email {
			c := *u
			return &c, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *Store) FindUserByID(_ context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *Store) CountUsersByRole(_ context.Context, role string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, u := range m.users {
		if u.Role == role {
			n++
		}
	}
	return n, nil
}
