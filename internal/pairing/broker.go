// Package pairing issues single-use tokens that bind a phone to one session as
// its mobile camera.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/kv"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/observability"
	"github.com/zaqqye/proctoring_backend/internal/utils"
)

const (
	DefaultTTL = 300 * time.Second

	tokenBytes = 32
)

func tokenKey(token string) string { return "pairing:" + token }
func deviceKey(sessionID string) string { return "mobile-device:" + sessionID }

// Sessions is the slice of the registry the broker needs.
type Sessions interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	GetOwned(ctx context.Context, id, candidateID string) (*models.Session, error)
	MarkMobilePaired(ctx context.Context, id string) error
}

// MobileIssuer mints the session-scoped mobile credential.
type MobileIssuer interface {
	IssueMobile(sessionID string) (string, error)
	MobileTTL() time.Duration
}

type Config struct {
	TTL              time.Duration
	MobileAppBaseURL string
}

type Broker struct {
	store    kv.Store
	sessions Sessions
	issuer   MobileIssuer
	cfg      Config
	now      func() time.Time
}

func NewBroker(store kv.Store, sessions Sessions, issuer MobileIssuer, cfg Config) *Broker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	cfg.MobileAppBaseURL = strings.TrimRight(cfg.MobileAppBaseURL, "/")
	return &Broker{store: store, sessions: sessions, issuer: issuer, cfg: cfg, now: time.Now}
}

type claim struct {
	SessionID   string    `json:"sessionId"`
	CandidateID string    `json:"candidateId"`
	IssuedAt    time.Time `json:"issuedAt"`
}

type IssuedToken struct {
	PairingToken string    `json:"pairingToken"`
	PairingURL   string    `json:"pairingUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// IssueToken requires the session to be STARTED and owned by candidateID.
func (b *Broker) IssueToken(ctx context.Context, sessionID, candidateID string) (*IssuedToken, error) {
	s, err := b.sessions.GetOwned(ctx, sessionID, candidateID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusStarted {
		return nil, apperr.ErrSessionNotActive
	}

	token, err := utils.GenerateToken(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate pairing token: %w", err)
	}
	now := b.now().UTC()
	raw, err := json.Marshal(claim{SessionID: sessionID, CandidateID: candidateID, IssuedAt: now})
	if err != nil {
		return nil, err
	}
	if err := b.store.Set(ctx, tokenKey(token), raw, b.cfg.TTL); err != nil {
		return nil, fmt.Errorf("store pairing token: %w", err)
	}
	log.Info().Str("session_id", sessionID).Dur("ttl", b.cfg.TTL).Msg("pairing token issued")
	return &IssuedToken{
		PairingToken: token,
		PairingURL:   b.cfg.MobileAppBaseURL + "/pair?token=" + url.QueryEscape(token),
		ExpiresAt:    now.Add(b.cfg.TTL),
	}, nil
}

type Claimed struct {
	SessionID   string    `json:"sessionId"`
	MobileToken string    `json:"mobileToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ClaimToken consumes token with an atomic get-and-delete, so of any number of
// concurrent claims exactly one succeeds.
func (b *Broker) ClaimToken(ctx context.Context, token, deviceFingerprint string) (*Claimed, error) {
	if token == "" {
		return nil, apperr.Validation("pairingToken is required")
	}
	raw, err := b.store.GetDel(ctx, tokenKey(token))
	if errors.Is(err, kv.ErrNotFound) {
		observability.RecordPairingClaim(false)
		return nil, apperr.ErrTokenInvalidOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("consume pairing token: %w", err)
	}
	var c claim
	if err := json.Unmarshal(raw, &c); err != nil {
		observability.RecordPairingClaim(false)
		return nil, apperr.ErrTokenInvalidOrExpired
	}

	s, err := b.sessions.Get(ctx, c.SessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusStarted {
		observability.RecordPairingClaim(false)
		return nil, apperr.ErrSessionNotActive
	}
	if err := b.sessions.MarkMobilePaired(ctx, c.SessionID); err != nil {
		return nil, err
	}
	if deviceFingerprint != "" {
		if err := b.store.Set(ctx, deviceKey(c.SessionID), []byte(deviceFingerprint), b.issuer.MobileTTL()); err != nil {
			log.Warn().Err(err).Str("session_id", c.SessionID).Msg("store mobile device fingerprint")
		}
	}
	mobileToken, err := b.issuer.IssueMobile(c.SessionID)
	if err != nil {
		return nil, fmt.Errorf("issue mobile token: %w", err)
	}
	observability.RecordPairingClaim(true)
	log.Info().Str("session_id", c.SessionID).Msg("mobile paired")
	return &Claimed{
		SessionID:   c.SessionID,
		MobileToken: mobileToken,
		ExpiresAt:   b.now().UTC().Add(b.issuer.MobileTTL()),
	}, nil
}

// PairedDevice returns the fingerprint recorded by the last successful claim.
func (b *Broker) PairedDevice(ctx context.Context, sessionID string) (string, bool, error) {
	raw, err := b.store.Get(ctx, deviceKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}
