// Package identity issues and verifies the three credential kinds: short-lived
// user access tokens, rotating refresh tokens and session-scoped mobile tokens.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "proctoring_backend"

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
	typeMobile  = "mobile"
)

var ErrInvalidToken = errors.New("identity: invalid token")

type Kind int

const (
	KindUser Kind = iota + 1
	KindMobile
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindMobile:
		return "mobile"
	}
	return "unknown"
}

// Identity is the authenticated principal behind a request or connection.
// A mobile identity is bound to exactly one session and nothing else.
type Identity struct {
	Kind      Kind
	UserID    string
	Role      string
	SessionID string
}

func (id Identity) IsUser() bool   { return id.Kind == KindUser }
func (id Identity) IsMobile() bool { return id.Kind == KindMobile }

// HasRole is true for user identities holding one of roles.
func (id Identity) HasRole(roles ...string) bool {
	if !id.IsUser() {
		return false
	}
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

type AccessClaims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

type MobileClaims struct {
	SessionID string `json:"session_id"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

type Config struct {
	AccessSecret  string
	RefreshSecret string
	MobileSecret  string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	MobileTTL     time.Duration
}

type Provider struct {
	cfg Config
	now func() time.Time
}

func NewProvider(cfg Config) *Provider {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 14 * 24 * time.Hour
	}
	if cfg.MobileTTL <= 0 {
		cfg.MobileTTL = 2 * time.Hour
	}
	return &Provider{cfg: cfg, now: time.Now}
}

func (p *Provider) AccessTTL() time.Duration  { return p.cfg.AccessTTL }
func (p *Provider) RefreshTTL() time.Duration { return p.cfg.RefreshTTL }
func (p *Provider) MobileTTL() time.Duration  { return p.cfg.MobileTTL }

func (p *Provider) registered(subject, id string, ttl time.Duration) jwt.RegisteredClaims {
	now := p.now().UTC()
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func sign(claims jwt.Claims, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (p *Provider) IssueAccess(userID, role, email string) (string, error) {
	return sign(AccessClaims{
		Role:             role,
		Email:            email,
		Type:             typeAccess,
		RegisteredClaims: p.registered(userID, "", p.cfg.AccessTTL),
	}, p.cfg.AccessSecret)
}

// IssueRefresh returns the signed token and its jti.
func (p *Provider) IssueRefresh(userID string) (token, jti string, err error) {
	jti = uuid.NewString()
	token, err = sign(RefreshClaims{
		Type:             typeRefresh,
		RegisteredClaims: p.registered(userID, jti, p.cfg.RefreshTTL),
	}, p.cfg.RefreshSecret)
	return token, jti, err
}

func (p *Provider) IssueMobile(sessionID string) (string, error) {
	return sign(MobileClaims{
		SessionID:        sessionID,
		Type:             typeMobile,
		RegisteredClaims: p.registered("mobile:"+sessionID, uuid.NewString(), p.cfg.MobileTTL),
	}, p.cfg.MobileSecret)
}

func (p *Provider) parse(token string, claims jwt.Claims, secret string) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

func (p *Provider) VerifyAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.parse(token, claims, p.cfg.AccessSecret); err != nil {
		return nil, err
	}
	if claims.Type != typeAccess || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (p *Provider) VerifyRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := p.parse(token, claims, p.cfg.RefreshSecret); err != nil {
		return nil, err
	}
	if claims.Type != typeRefresh || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (p *Provider) VerifyMobile(token string) (*MobileClaims, error) {
	claims := &MobileClaims{}
	if err := p.parse(token, claims, p.cfg.MobileSecret); err != nil {
		return nil, err
	}
	if claims.Type != typeMobile || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate tries the user credential first and falls back to the mobile one.
func (p *Provider) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	if access, err := p.VerifyAccess(token); err == nil {
		return Identity{Kind: KindUser, UserID: access.Subject, Role: access.Role}, nil
	}
	mobile, err := p.VerifyMobile(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Kind: KindMobile, SessionID: mobile.SessionID}, nil
}
