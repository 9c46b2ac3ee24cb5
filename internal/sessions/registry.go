// Package sessions owns the session lifecycle: start, violation accounting,
// the exactly-once terminal transition and the review decision.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/observability"
)

const (
	DefaultAutoSubmitThreshold = 100

	MinSeverity = 1
	MaxSeverity = 10
)

// ClampSeverity rounds to the nearest integer and clamps into [1,10].
func ClampSeverity(severity float64) int {
	if math.IsNaN(severity) || severity < MinSeverity {
		return MinSeverity
	}
	if severity > MaxSeverity {
		return MaxSeverity
	}
	return int(math.Round(severity))
}

type Config struct {
	AutoSubmitThreshold int
}

type Registry struct {
	store  Store
	exams  ExamCatalog
	answer AnswerStore
	grader Grader
	cfg    Config
	now    func() time.Time
}

func NewRegistry(store Store, exams ExamCatalog, answers AnswerStore, cfg Config) *Registry {
	if cfg.AutoSubmitThreshold <= 0 {
		cfg.AutoSubmitThreshold = DefaultAutoSubmitThreshold
	}
	return &Registry{
		store:  store,
		exams:  exams,
		answer: answers,
		grader: MCQGrader{Answers: answers},
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) Threshold() int {
	return r.cfg.AutoSubmitThreshold
}

type StartInput struct {
	ExamID      string
	CandidateID string
	Fingerprint string
	IPAddress   string
}

// Start returns the candidate's active session for the exam, creating it when
// none exists. Concurrent starts for the same pair converge on one session.
func (r *Registry) Start(ctx context.Context, in StartInput) (*models.Session, error) {
	if in.ExamID == "" || in.CandidateID == "" {
		return nil, apperr.Validation("examId and candidateId are required")
	}
	exam, err := r.exams.AssignedExam(ctx, in.ExamID, in.CandidateID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if !exam.Open(now) {
		return nil, apperr.ErrExamWindowClosed
	}

	existing, err := r.store.FindActiveSession(ctx, in.ExamID, in.CandidateID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrSessionNotFound) {
		return nil, err
	}

	id := uuid.NewString()
	s := &models.Session{
		ID:                id,
		ExamID:            in.ExamID,
		CandidateID:       in.CandidateID,
		Status:            models.StatusStarted,
		ReviewDecision:    models.ReviewPending,
		DeviceFingerprint: in.Fingerprint,
		IPAddress:         in.IPAddress,
		RoomID:            id,
		StartedAt:         now,
		ExpiresAt:         now.Add(exam.Duration()),
	}
	if err := r.store.CreateStartedSession(ctx, s); err != nil {
		if errors.Is(err, apperr.ErrActiveSessionExists) {
			// Lost the race against a concurrent start; return the winner.
			return r.store.FindActiveSession(ctx, in.ExamID, in.CandidateID)
		}
		return nil, err
	}
	log.Info().
		Str("session_id", s.ID).
		Str("exam_id", s.ExamID).
		Str("candidate_id", s.CandidateID).
		Time("expires_at", s.ExpiresAt).
		Msg("session started")
	return s, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Session, error) {
	return r.store.GetSession(ctx, id)
}

// GetOwned hides sessions that belong to another candidate.
func (r *Registry) GetOwned(ctx context.Context, id, candidateID string) (*models.Session, error) {
	s, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.CandidateID != candidateID {
		return nil, apperr.ErrSessionNotFound
	}
	return s, nil
}

// RecordViolation adds the clamped severity to the session score at the store.
func (r *Registry) RecordViolation(ctx context.Context, id string, severity int) (int, error) {
	sev := ClampSeverity(float64(severity))
	score, err := r.store.IncrementViolationScore(ctx, id, sev)
	if err != nil {
		return 0, err
	}
	observability.RecordViolationPoints(sev)
	return score, nil
}

type SubmitResult struct {
	SessionID      string                `json:"sessionId"`
	Status         models.SessionStatus  `json:"status"`
	SubmittedAt    *time.Time            `json:"submittedAt"`
	AutoScore      *float64              `json:"autoScore"`
	ReviewDecision models.ReviewDecision `json:"reviewDecision"`
}

func resultFrom(s *models.Session) *SubmitResult {
	return &SubmitResult{
		SessionID:      s.ID,
		Status:         s.Status,
		SubmittedAt:    s.SubmittedAt,
		AutoScore:      s.AutoScore,
		ReviewDecision: s.ReviewDecision,
	}
}

// CheckAutoSubmit terminates the session when its score reached the threshold.
// Exactly one of any number of concurrent callers gets fired == true.
func (r *Registry) CheckAutoSubmit(ctx context.Context, id string) (res *SubmitResult, fired bool, err error) {
	s, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if s.Status != models.StatusStarted || s.ViolationScore < r.cfg.AutoSubmitThreshold {
		return resultFrom(s), false, nil
	}
	res, fired, err = r.submit(ctx, s, models.SubmitAuto)
	if err != nil {
		return nil, false, err
	}
	if fired {
		observability.RecordAutoSubmit()
		log.Warn().
			Str("session_id", id).
			Int("violation_score", s.ViolationScore).
			Int("threshold", r.cfg.AutoSubmitThreshold).
			Msg("session auto-submitted")
	}
	return res, fired, nil
}

// Submit is idempotent: a terminal session returns its stored result and the
// score is never recomputed.
func (r *Registry) Submit(ctx context.Context, id string, reason models.SubmitReason) (*SubmitResult, error) {
	if reason != models.SubmitByUser && reason != models.SubmitAuto {
		return nil, apperr.Validation("reason must be USER_SUBMIT or AUTO_SUBMIT")
	}
	s, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	res, _, err := r.submit(ctx, s, reason)
	return res, err
}

func (r *Registry) submit(ctx context.Context, s *models.Session, reason models.SubmitReason) (*SubmitResult, bool, error) {
	if s.Status.Terminal() {
		return resultFrom(s), false, nil
	}
	if s.Status != models.StatusStarted {
		return nil, false, apperr.ErrSessionNotActive
	}

	score, err := r.grader.Score(ctx, s)
	if err != nil {
		return nil, false, fmt.Errorf("grade session %s: %w", s.ID, err)
	}
	submittedAt := r.now().UTC()
	won, err := r.store.CompleteSession(ctx, s.ID, reason.TerminalStatus(), submittedAt, score)
	if err != nil {
		return nil, false, err
	}
	if !won {
		// Another caller completed it first; report what was stored.
		stored, err := r.store.GetSession(ctx, s.ID)
		if err != nil {
			return nil, false, err
		}
		return resultFrom(stored), false, nil
	}
	log.Info().
		Str("session_id", s.ID).
		Str("reason", string(reason)).
		Float64("auto_score", score).
		Msg("session submitted")
	return &SubmitResult{
		SessionID:      s.ID,
		Status:         reason.TerminalStatus(),
		SubmittedAt:    &submittedAt,
		AutoScore:      &score,
		ReviewDecision: models.ReviewPending,
	}, true, nil
}

type DecisionResult struct {
	SessionID string                `json:"sessionId"`
	Decision  models.ReviewDecision `json:"decision"`
	DecidedBy string                `json:"decidedBy"`
	DecidedAt time.Time             `json:"decidedAt"`
}

// Decide records a reviewer decision on a submitted session. It may be called
// any number of times; the last write wins and every call is audited.
func (r *Registry) Decide(ctx context.Context, id string, decision models.ReviewDecision, reason, actorID string) (*DecisionResult, error) {
	if decision != models.ReviewApproved && decision != models.ReviewRejected {
		return nil, apperr.Validation("decision must be APPROVED or REJECTED")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) < 3 {
		return nil, apperr.Validation("reason must be at least 3 characters")
	}
	payload, err := json.Marshal(map[string]string{"decision": string(decision)})
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	action := &models.AdminAction{
		SessionID:  id,
		ActorID:    actorID,
		ActionType: models.ActionSessionDecision,
		Reason:     reason,
		Payload:    payload,
		CreatedAt:  now,
	}
	if err := r.store.SetReviewDecision(ctx, id, decision, action); err != nil {
		return nil, err
	}
	log.Info().
		Str("session_id", id).
		Str("actor_id", actorID).
		Str("decision", string(decision)).
		Msg("review decision recorded")
	return &DecisionResult{SessionID: id, Decision: decision, DecidedBy: actorID, DecidedAt: now}, nil
}

// AttachConnection records the relay connection serving a role; attaching the
// mobile role also stamps mobilePairedAt.
func (r *Registry) AttachConnection(ctx context.Context, id, role, connID string) error {
	if role != "candidate" && role != "mobile" {
		return apperr.Validation("only candidate and mobile connections are attached")
	}
	return r.store.AttachConnection(ctx, id, role, connID, r.now().UTC())
}

func (r *Registry) MarkMobilePaired(ctx context.Context, id string) error {
	return r.store.MarkMobilePaired(ctx, id, r.now().UTC())
}

// ListLive returns STARTED sessions ordered by start time.
func (r *Registry) ListLive(ctx context.Context) ([]models.Session, error) {
	return r.store.ListSessionsByStatus(ctx, models.StatusStarted)
}

type AnswerInput struct {
	QuestionID string
	AnswerType models.QuestionType
	Response   json.RawMessage
	LatencyMs  *int
}

// SaveAnswer upserts the candidate's answer while the session is STARTED.
func (r *Registry) SaveAnswer(ctx context.Context, sessionID, candidateID string, in AnswerInput) (*models.Answer, error) {
	if in.QuestionID == "" || !in.AnswerType.Valid() {
		return nil, apperr.Validation("questionId and a valid answerType are required")
	}
	if in.LatencyMs != nil && *in.LatencyMs < 0 {
		return nil, apperr.Validation("latencyMs must be non-negative")
	}
	s, err := r.GetOwned(ctx, sessionID, candidateID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusStarted {
		return nil, apperr.ErrSessionNotActive
	}
	resp := in.Response
	if len(resp) == 0 {
		resp = json.RawMessage("null")
	}
	a := &models.Answer{
		SessionID:  sessionID,
		QuestionID: in.QuestionID,
		AnswerType: in.AnswerType,
		Response:   []byte(resp),
		LatencyMs:  in.LatencyMs,
	}
	if err := r.answer.UpsertAnswer(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}
