// Package proctoring ingests violation reports from laptops, phones and the
// perception engine and turns them into the session risk score.
package proctoring

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/identity"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/observability"
	"github.com/zaqqye/proctoring_backend/internal/perception"
	"github.com/zaqqye/proctoring_backend/internal/sessions"
)

const (
	ListLimit = 1000

	DefaultFlagThreshold = 70
)

type Action string

const (
	ActionWarn       Action = "WARN"
	ActionFlag       Action = "FLAG"
	ActionAutoSubmit Action = "AUTO_SUBMIT"
)

type EventStore interface {
	AppendEvents(ctx context.Context, events ...*models.ProctoringEvent) error
	ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]models.ProctoringEvent, error)
}

// Sessions is the registry surface used by the pipeline.
type Sessions interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	RecordViolation(ctx context.Context, id string, severity int) (int, error)
	CheckAutoSubmit(ctx context.Context, id string) (*sessions.SubmitResult, bool, error)
}

// Notifier pushes server-originated messages to a session room.
type Notifier interface {
	NotifyRoom(sessionID, msgType string, payload interface{})
}

type Config struct {
	FlagThreshold int
}

type Pipeline struct {
	events   EventStore
	sessions Sessions
	analyzer perception.Analyzer
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

func NewPipeline(events EventStore, sessions Sessions, analyzer perception.Analyzer, cfg Config) *Pipeline {
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = DefaultFlagThreshold
	}
	return &Pipeline{events: events, sessions: sessions, analyzer: analyzer, cfg: cfg, now: time.Now}
}

// SetNotifier wires the relay after construction; the relay is built later.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifier = n
}

type EventInput struct {
	SessionID string                 `json:"sessionId"`
	Source    models.EventSource     `json:"source"`
	EventType string                 `json:"eventType"`
	Severity  float64                `json:"severity"`
	Timestamp *time.Time             `json:"timestamp"`
	Meta      map[string]interface{} `json:"meta"`
}

type Result struct {
	EventID          string               `json:"eventId"`
	SessionRiskScore int                  `json:"sessionRiskScore"`
	Action           Action               `json:"action"`
	Status           models.SessionStatus `json:"status"`
	Findings         int                  `json:"findings"`
}

func (in EventInput) validate() error {
	if in.SessionID == "" {
		return apperr.Validation("sessionId is required")
	}
	if !in.Source.Valid() {
		return apperr.Validation("source must be LAPTOP, MOBILE or SYSTEM")
	}
	if len(strings.TrimSpace(in.EventType)) < 3 {
		return apperr.Validation("eventType must be at least 3 characters")
	}
	if math.IsNaN(in.Severity) || math.IsInf(in.Severity, 0) {
		return apperr.Validation("severity must be a number")
	}
	return nil
}

// authorize runs before anything is written. Candidates may only report for
// sessions they own.
func authorize(caller identity.Identity, s *models.Session) error {
	switch {
	case caller.IsMobile():
		return nil
	case caller.HasRole(models.RoleAdmin, models.RoleProctor):
		return nil
	case caller.HasRole(models.RoleCandidate):
		if s.CandidateID != caller.UserID {
			return apperr.ErrSessionNotFound
		}
		return nil
	}
	return apperr.Forbidden("role may not report proctoring events")
}

// mobileScope limits a mobile credential to MOBILE events of its own session.
func mobileScope(caller identity.Identity, in EventInput) error {
	if !caller.IsMobile() {
		return nil
	}
	if caller.SessionID != in.SessionID {
		return apperr.ScopeMismatch("mobile token/session mismatch")
	}
	if in.Source != models.SourceMobile {
		return apperr.ScopeMismatch("mobile token can only emit MOBILE source events")
	}
	return nil
}

// Ingest appends the event, consults the perception engine, adds every
// severity to the score and runs the auto-submit check.
func (p *Pipeline) Ingest(ctx context.Context, caller identity.Identity, in EventInput) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := mobileScope(caller, in); err != nil {
		return nil, err
	}
	s, err := p.sessions.Get(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(caller, s); err != nil {
		return nil, err
	}

	severity := sessions.ClampSeverity(in.Severity)
	ts := p.now().UTC()
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		ts = in.Timestamp.UTC()
	}
	meta := in.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	event := &models.ProctoringEvent{
		ID:          uuid.NewString(),
		SessionID:   s.ID,
		ExamID:      s.ExamID,
		CandidateID: s.CandidateID,
		Source:      in.Source,
		EventType:   in.EventType,
		Severity:    severity,
		Timestamp:   ts,
		Meta:        meta,
	}
	if err := p.events.AppendEvents(ctx, event); err != nil {
		return nil, err
	}
	observability.RecordEvent(string(in.Source), "client")

	findings := p.analyze(ctx, s, in)
	if len(findings) > 0 {
		if err := p.events.AppendEvents(ctx, findings...); err != nil {
			return nil, err
		}
		for _, f := range findings {
			observability.RecordEvent(string(f.Source), "perception")
		}
	}

	score, err := p.sessions.RecordViolation(ctx, s.ID, severity)
	if err != nil {
		return nil, err
	}
	for _, f := range findings {
		if score, err = p.sessions.RecordViolation(ctx, s.ID, f.Severity); err != nil {
			return nil, err
		}
	}

	submitted, fired, err := p.sessions.CheckAutoSubmit(ctx, s.ID)
	if err != nil {
		return nil, err
	}

	action := ActionWarn
	switch {
	case fired:
		action = ActionAutoSubmit
	case score >= p.cfg.FlagThreshold:
		action = ActionFlag
	}
	res := &Result{
		EventID:          event.ID,
		SessionRiskScore: score,
		Action:           action,
		Status:           submitted.Status,
		Findings:         len(findings),
	}

	log.Debug().
		Str("session_id", s.ID).
		Str("event_id", event.ID).
		Str("event_type", in.EventType).
		Int("severity", severity).
		Int("score", score).
		Str("action", string(action)).
		Msg("violation recorded")

	p.notify(s.ID, event, res, submitted, fired)
	return res, nil
}

func (p *Pipeline) notify(sessionID string, event *models.ProctoringEvent, res *Result, submitted *sessions.SubmitResult, fired bool) {
	if p.notifier == nil {
		return
	}
	p.notifier.NotifyRoom(sessionID, "violation-alert", map[string]interface{}{
		"eventId":          event.ID,
		"eventType":        event.EventType,
		"source":           event.Source,
		"severity":         event.Severity,
		"sessionRiskScore": res.SessionRiskScore,
		"action":           res.Action,
	})
	if fired {
		p.notifier.NotifyRoom(sessionID, "session-terminated", submitted)
	}
}

// analyze runs the frame and audio analyses concurrently. Failures are logged
// and yield no findings.
func (p *Pipeline) analyze(ctx context.Context, s *models.Session, in EventInput) []*models.ProctoringEvent {
	if p.analyzer == nil {
		return nil
	}
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		findings []perception.Finding
	)
	collect := func(kind string, fn func() ([]perception.Finding, error)) {
		defer wg.Done()
		out, err := fn()
		if err != nil {
			observability.RecordPerceptionFailure(kind)
			log.Warn().Err(err).Str("session_id", s.ID).Str("kind", kind).Msg("perception analysis failed")
			return
		}
		mu.Lock()
		findings = append(findings, out...)
		mu.Unlock()
	}

	if frame, ok := in.Meta["frameBase64"].(string); ok && frame != "" {
		wg.Add(1)
		go collect("frame", func() ([]perception.Finding, error) {
			return p.analyzer.AnalyzeFrame(ctx, perception.FrameRequest{
				SessionID:   s.ID,
				Source:      string(in.Source),
				FrameBase64: frame,
			})
		})
	}
	if level, ok := in.Meta["audioLevel"].(float64); ok {
		req := perception.AudioRequest{SessionID: s.ID, Source: string(in.Source), AudioLevel: level}
		if v, ok := in.Meta["voiceCount"].(float64); ok {
			n := int(v)
			req.VoiceCount = &n
		}
		if b, ok := in.Meta["mobileSoundDetected"].(bool); ok {
			req.MobileSoundDetected = &b
		}
		wg.Add(1)
		go collect("audio", func() ([]perception.Finding, error) {
			return p.analyzer.AnalyzeAudio(ctx, req)
		})
	}
	wg.Wait()

	now := p.now().UTC()
	out := make([]*models.ProctoringEvent, 0, len(findings))
	for _, f := range findings {
		if f.EventType == "" || math.IsNaN(f.Severity) {
			continue
		}
		meta := map[string]interface{}{"confidence": f.Confidence}
		for k, v := range f.Meta {
			meta[k] = v
		}
		out = append(out, &models.ProctoringEvent{
			ID:          uuid.NewString(),
			SessionID:   s.ID,
			ExamID:      s.ExamID,
			CandidateID: s.CandidateID,
			Source:      in.Source,
			EventType:   f.EventType,
			Severity:    sessions.ClampSeverity(f.Severity),
			Timestamp:   now,
			Meta:        meta,
		})
	}
	return out
}

// ListBySession returns at most ListLimit events ordered by timestamp.
func (p *Pipeline) ListBySession(ctx context.Context, sessionID string) ([]models.ProctoringEvent, error) {
	if _, err := p.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return p.events.ListEventsBySession(ctx, sessionID, ListLimit)
}
