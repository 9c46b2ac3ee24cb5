// Package ws is the signaling relay. Clients join one session room and the
// relay forwards WebRTC negotiation frames to the other members without
// looking at them.
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/identity"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/observability"
)

const (
	RoleCandidate = "candidate"
	RoleMobile    = "mobile"
	RoleAdmin     = "admin"
	RoleProctor   = "proctor"
)

// Sessions is the registry surface used to bind connections to sessions.
type Sessions interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	AttachConnection(ctx context.Context, id, role, connID string) error
}

type Heartbeats interface {
	Touch(ctx context.Context, sessionID, role string) (time.Time, error)
	Forget(ctx context.Context, sessionID, role string) error
}

// Users re-reads the account behind a user token at connect time.
type Users interface {
	FindUserByID(ctx context.Context, userID string) (*models.User, error)
}

type Authenticator interface {
	Authenticate(token string) (identity.Identity, error)
}

type Relay struct {
	hub        *Hub
	sessions   Sessions
	heartbeats Heartbeats
	auth       Authenticator
	users      Users
	bus        Bus
	instanceID string
	opTimeout  time.Duration
}

type Option func(*Relay)

// WithBus fans room and global messages out to other instances.
func WithBus(bus Bus, instanceID string) Option {
	return func(r *Relay) {
		r.bus = bus
		r.instanceID = instanceID
	}
}

// WithUsers rejects deactivated accounts and applies the stored role.
func WithUsers(users Users) Option {
	return func(r *Relay) {
		r.users = users
	}
}

func NewRelay(hub *Hub, sessions Sessions, heartbeats Heartbeats, auth Authenticator, opts ...Option) *Relay {
	r := &Relay{
		hub:        hub,
		sessions:   sessions,
		heartbeats: heartbeats,
		auth:       auth,
		opTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the hub and, when configured, the cross-instance subscription.
// It returns when ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	if r.bus != nil {
		go func() {
			err := r.bus.Subscribe(ctx, func(m BusMessage) {
				if m.Origin == r.instanceID {
					return
				}
				r.hub.Broadcast(m.Room, nil, m.Payload)
			})
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("relay bus subscription ended")
			}
		}()
	}
	r.hub.Run(ctx)
}

// fanout delivers locally and, for multi-instance setups, publishes to peers.
func (r *Relay) fanout(room string, exclude *Client, payload []byte) {
	r.hub.Broadcast(room, exclude, payload)
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, BusMessage{Origin: r.instanceID, Room: room, Payload: payload}); err != nil {
		log.Warn().Err(err).Str("room", room).Msg("relay bus publish failed")
	}
}

// NotifyRoom pushes a server-originated message to every member of a session
// room.
func (r *Relay) NotifyRoom(sessionID, msgType string, payload interface{}) {
	data, err := encode(msgType, sessionID, "", payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("encode room notification")
		return
	}
	r.fanout(sessionID, nil, data)
}

func (r *Relay) reply(c *Client, msgType, sessionID string, payload interface{}) {
	data, err := encode(msgType, sessionID, "", payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("encode reply")
		return
	}
	r.hub.Send(c, data)
}

// fail reports an error in-band; the connection stays open.
func (r *Relay) fail(c *Client, sessionID string, err error) {
	log.Debug().Err(err).Str("conn_id", c.id).Msg("relay request rejected")
	r.reply(c, TypeError, sessionID, errorPayload{Message: apperr.Message(err), Code: string(apperr.CodeOf(err))})
}

func (r *Relay) handle(c *Client, data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		r.fail(c, "", apperr.Validation("malformed message"))
		return
	}
	observability.RecordRelayMessage(in.Type)

	switch in.Type {
	case TypeJoinRoom:
		r.handleJoin(c, in)
	case TypeHeartbeat:
		r.handleHeartbeat(c)
	default:
		out, ok := relayed[in.Type]
		if !ok {
			r.fail(c, in.SessionID, apperr.Validation("unknown message type "+in.Type))
			return
		}
		if !c.joined() {
			r.fail(c, in.SessionID, apperr.New(apperr.CodeNotJoined, "join a room first"))
			return
		}
		// Membership was authorized at join; the frame goes to the sender's
		// own room whatever sessionId it claims.
		payload, err := encode(out, c.session, c.id, in.Payload)
		if err != nil {
			r.fail(c, c.session, err)
			return
		}
		r.fanout(c.session, c, payload)
	}
}

func (r *Relay) handleJoin(c *Client, in Inbound) {
	if in.SessionID == "" {
		r.fail(c, "", apperr.Validation("sessionId is required"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	switch in.Role {
	case RoleMobile:
		if !c.identity.IsMobile() || c.identity.SessionID != in.SessionID {
			r.fail(c, in.SessionID, apperr.ScopeMismatch("mobile token does not match session"))
			return
		}
		if _, err := r.sessions.Get(ctx, in.SessionID); err != nil {
			r.fail(c, in.SessionID, err)
			return
		}
		if err := r.sessions.AttachConnection(ctx, in.SessionID, RoleMobile, c.id); err != nil {
			r.fail(c, in.SessionID, err)
			return
		}
		r.touch(ctx, in.SessionID, RoleMobile)
		r.enter(c, in.SessionID, RoleMobile)
		payload, err := encode(TypeMobilePaired, in.SessionID, c.id, map[string]string{"sessionId": in.SessionID})
		if err == nil {
			r.fanout(in.SessionID, nil, payload)
		}

	case RoleCandidate, RoleAdmin, RoleProctor:
		if !c.identity.IsUser() {
			r.fail(c, in.SessionID, apperr.Forbidden("invalid actor type"))
			return
		}
		s, err := r.sessions.Get(ctx, in.SessionID)
		if err != nil {
			r.fail(c, in.SessionID, err)
			return
		}
		if in.Role == RoleCandidate {
			if !c.identity.HasRole(models.RoleCandidate) || s.CandidateID != c.identity.UserID {
				r.fail(c, in.SessionID, apperr.ErrSessionNotFound)
				return
			}
			if err := r.sessions.AttachConnection(ctx, in.SessionID, RoleCandidate, c.id); err != nil {
				r.fail(c, in.SessionID, err)
				return
			}
			r.touch(ctx, in.SessionID, RoleCandidate)
		} else if !c.identity.HasRole(models.RoleAdmin, models.RoleProctor) {
			r.fail(c, in.SessionID, apperr.Forbidden("only admins and proctors may observe"))
			return
		}
		r.enter(c, in.SessionID, in.Role)
		r.reply(c, TypeJoinedRoom, in.SessionID, map[string]string{"sessionId": in.SessionID, "role": in.Role})

	default:
		r.fail(c, in.SessionID, apperr.Validation("role must be candidate, mobile, admin or proctor"))
	}
}

func (r *Relay) enter(c *Client, sessionID, role string) {
	r.hub.Join(c, sessionID)
	c.session, c.role = sessionID, role
	log.Info().Str("conn_id", c.id).Str("session_id", sessionID).Str("role", role).Msg("joined room")
}

func (r *Relay) touch(ctx context.Context, sessionID, role string) {
	if r.heartbeats == nil {
		return
	}
	if _, err := r.heartbeats.Touch(ctx, sessionID, role); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("role", role).Msg("heartbeat not recorded")
	}
}

func (r *Relay) handleHeartbeat(c *Client) {
	if !c.joined() {
		r.fail(c, "", apperr.New(apperr.CodeNotJoined, "join a room first"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	r.touch(ctx, c.session, c.role)
	r.reply(c, TypeHeartbeatAck, c.session, map[string]interface{}{"at": time.Now().UTC()})
}

// authenticate resolves the connect token. For user tokens the account must
// still exist and be active, and its stored role replaces the token claim.
func (r *Relay) authenticate(ctx context.Context, token string) (identity.Identity, error) {
	ident, err := r.auth.Authenticate(token)
	if err != nil {
		return identity.Identity{}, err
	}
	if !ident.IsUser() || r.users == nil {
		return ident, nil
	}
	user, err := r.users.FindUserByID(ctx, ident.UserID)
	if err != nil {
		return identity.Identity{}, err
	}
	if !user.Active {
		return identity.Identity{}, apperr.Unauthenticated("user inactive")
	}
	ident.Role = user.Role
	return ident, nil
}

// forget clears the liveness record of a closing candidate or mobile
// connection, unless a newer connection has since taken the role over.
func (r *Relay) forget(c *Client) {
	if r.heartbeats == nil || !c.joined() || (c.role != RoleCandidate && c.role != RoleMobile) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	s, err := r.sessions.Get(ctx, c.session)
	if err != nil {
		log.Warn().Err(err).Str("session_id", c.session).Msg("liveness not cleared")
		return
	}
	current := s.CandidateConnectionID
	if c.role == RoleMobile {
		current = s.MobileConnectionID
	}
	if current != nil && *current != c.id {
		return
	}
	if err := r.heartbeats.Forget(ctx, c.session, c.role); err != nil {
		log.Warn().Err(err).Str("session_id", c.session).Str("role", c.role).Msg("liveness not cleared")
	}
}

// leave runs once the read loop ends.
func (r *Relay) leave(c *Client) {
	r.hub.Unregister(c)
	observability.RelayConnectionClosed()
	r.forget(c)
	payload, err := encode(TypeParticipantLeft, c.session, "", map[string]string{
		"connectionId": c.id,
		"actorType":    c.identity.Kind.String(),
		"role":         c.role,
	})
	if err == nil {
		r.fanout("", nil, payload)
	}
	log.Info().Str("conn_id", c.id).Str("session_id", c.session).Msg("relay connection closed")
}
