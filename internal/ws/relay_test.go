package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zaqqye/proctoring_backend/internal/identity"
	"github.com/zaqqye/proctoring_backend/internal/kv"
	"github.com/zaqqye/proctoring_backend/internal/liveness"
	"github.com/zaqqye/proctoring_backend/internal/memstore"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/sessions"
)

type relayFixture struct {
	server   *httptest.Server
	tokens   *identity.Provider
	registry *sessions.Registry
	db       *memstore.Store
	live     *liveness.Tracker
	relay    *Relay
	sessionA string
	sessionB string
}

func newRelayFixture(t *testing.T, opts ...Option) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db := memstore.New()
	now := time.Now().UTC()
	exam := &models.Exam{Title: "Chemistry", DurationMinutes: 60, StartsAt: now.Add(-time.Minute), EndsAt: now.Add(time.Hour)}
	if err := db.CreateExam(ctx, exam, nil); err != nil {
		t.Fatalf("create exam: %v", err)
	}
	for _, cand := range []string{"cand-a", "cand-b"} {
		if err := db.AssignExam(ctx, exam.ID, cand); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	for _, u := range []models.User{
		{UserID: "cand-a", Email: "a@example.com", Role: models.RoleCandidate, Active: true},
		{UserID: "cand-b", Email: "b@example.com", Role: models.RoleCandidate, Active: true},
		{UserID: "admin-1", Email: "admin1@example.com", Role: models.RoleAdmin, Active: true},
		{UserID: "admin-2", Email: "admin2@example.com", Role: models.RoleAdmin, Active: true},
		{UserID: "proc-1", Email: "proc1@example.com", Role: models.RoleProctor, Active: true},
		{UserID: "retired", Email: "retired@example.com", Role: models.RoleProctor, Active: false},
		{UserID: "demoted", Email: "demoted@example.com", Role: models.RoleCandidate, Active: true},
	} {
		u := u
		if err := db.CreateUser(ctx, &u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	registry := sessions.NewRegistry(db, db, db, sessions.Config{})
	a, err := registry.Start(ctx, sessions.StartInput{ExamID: exam.ID, CandidateID: "cand-a"})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	b, err := registry.Start(ctx, sessions.StartInput{ExamID: exam.ID, CandidateID: "cand-b"})
	if err != nil {
		t.Fatalf("start b: %v", err)
	}

	tokens := identity.NewProvider(identity.Config{AccessSecret: "a", RefreshSecret: "r", MobileSecret: "m"})
	live := liveness.NewTracker(kv.NewMemory(), 20*time.Second)
	relay := NewRelay(NewHub(), registry, live, tokens, append([]Option{WithUsers(db)}, opts...)...)

	runCtx, cancel := context.WithCancel(context.Background())
	go relay.Run(runCtx)

	router := gin.New()
	router.GET("/ws", Handler(relay))
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &relayFixture{server: server, tokens: tokens, registry: registry, db: db, live: live, relay: relay, sessionA: a.ID, sessionB: b.ID}
}

func (f *relayFixture) userToken(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := f.tokens.IssueAccess(userID, role, userID+"@example.com")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	return tok
}

func (f *relayFixture) mobileToken(t *testing.T, sessionID string) string {
	t.Helper()
	tok, err := f.tokens.IssueMobile(sessionID)
	if err != nil {
		t.Fatalf("issue mobile: %v", err)
	}
	return tok
}

func (f *relayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, in Inbound) {
	t.Helper()
	if err := conn.WriteJSON(in); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func next(t *testing.T, conn *websocket.Conn) Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out Outbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func expect(t *testing.T, conn *websocket.Conn, msgType string) Outbound {
	t.Helper()
	out := next(t, conn)
	if out.Type != msgType {
		t.Fatalf("expected %s, got %s (%s)", msgType, out.Type, string(out.Payload))
	}
	return out
}

func TestRelayFanOutStaysInRoom(t *testing.T) {
	f := newRelayFixture(t)

	candidate := f.dial(t, f.userToken(t, "cand-a", models.RoleCandidate))
	send(t, candidate, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleCandidate})
	expect(t, candidate, TypeJoinedRoom)

	admin := f.dial(t, f.userToken(t, "admin-1", models.RoleAdmin))
	send(t, admin, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleAdmin})
	expect(t, admin, TypeJoinedRoom)

	mobile := f.dial(t, f.mobileToken(t, f.sessionA))
	send(t, mobile, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleMobile})
	expect(t, mobile, TypeMobilePaired)
	expect(t, candidate, TypeMobilePaired)
	expect(t, admin, TypeMobilePaired)

	other := f.dial(t, f.userToken(t, "cand-b", models.RoleCandidate))
	send(t, other, Inbound{Type: TypeJoinRoom, SessionID: f.sessionB, Role: RoleCandidate})
	expect(t, other, TypeJoinedRoom)

	sdp := json.RawMessage(`{"source":"laptop","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`)
	// sessionId in the frame is ignored; the sender's room is used.
	send(t, candidate, Inbound{Type: TypeWebRTCOffer, SessionID: f.sessionB, Payload: sdp})

	for name, conn := range map[string]*websocket.Conn{"mobile": mobile, "admin": admin} {
		got := expect(t, conn, TypeWebRTCOffer)
		if got.SessionID != f.sessionA || got.From == "" {
			t.Fatalf("%s: bad envelope %+v", name, got)
		}
		if string(got.Payload) != string(sdp) {
			t.Fatalf("%s: payload altered: %s", name, got.Payload)
		}
	}

	send(t, mobile, Inbound{Type: TypeWebRTCAnswer, Payload: json.RawMessage(`{"source":"mobile","sdp":"answer"}`)})
	for name, conn := range map[string]*websocket.Conn{"candidate": candidate, "admin": admin} {
		if got := expect(t, conn, TypeWebRTCAnswer); got.SessionID != f.sessionA || got.From == "" {
			t.Fatalf("%s: bad answer envelope %+v", name, got)
		}
	}

	ice := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54400 typ host","sdpMid":"0"}`)
	send(t, candidate, Inbound{Type: TypeWebRTCIce, Payload: ice})
	for name, conn := range map[string]*websocket.Conn{"mobile": mobile, "admin": admin} {
		if got := expect(t, conn, TypeWebRTCIce); string(got.Payload) != string(ice) {
			t.Fatalf("%s: ice payload altered: %s", name, got.Payload)
		}
	}

	send(t, mobile, Inbound{Type: TypeViolationAlert, Payload: json.RawMessage(`{"eventType":"PHONE_DETECTED"}`)})
	for name, conn := range map[string]*websocket.Conn{"candidate": candidate, "admin": admin} {
		if got := expect(t, conn, TypeViolationAlert); got.From == "" {
			t.Fatalf("%s: client alert must carry its sender", name)
		}
	}

	// No sender sees its own frames and the other room sees nothing: the next
	// frame each gets is the ack to its own heartbeat.
	send(t, candidate, Inbound{Type: TypeHeartbeat})
	expect(t, candidate, TypeHeartbeatAck)
	send(t, mobile, Inbound{Type: TypeHeartbeat})
	expect(t, mobile, TypeHeartbeatAck)
	send(t, other, Inbound{Type: TypeHeartbeat})
	expect(t, other, TypeHeartbeatAck)

	send(t, admin, Inbound{Type: TypeRequestRepublish})
	expect(t, candidate, TypeRepublishRequest)
	expect(t, mobile, TypeRepublishRequest)

	s, _ := f.registry.Get(context.Background(), f.sessionA)
	if s.CandidateConnectionID == nil || s.MobileConnectionID == nil || s.MobilePairedAt == nil {
		t.Fatalf("connections not attached: %+v", s)
	}
	for _, role := range []string{liveness.RoleCandidate, liveness.RoleMobile} {
		if ok, _ := f.live.IsAlive(context.Background(), f.sessionA, role); !ok {
			t.Fatalf("%s liveness not recorded", role)
		}
	}
}

func TestRelayRejectsMobileForOtherSession(t *testing.T) {
	f := newRelayFixture(t)
	mobile := f.dial(t, f.mobileToken(t, f.sessionA))

	send(t, mobile, Inbound{Type: TypeJoinRoom, SessionID: f.sessionB, Role: RoleMobile})
	got := expect(t, mobile, TypeError)
	var p errorPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil || p.Code != "SCOPE_MISMATCH" {
		t.Fatalf("expected SCOPE_MISMATCH, got %s", got.Payload)
	}

	// Still connected, still not joined.
	send(t, mobile, Inbound{Type: TypeWebRTCIce, Payload: json.RawMessage(`{}`)})
	got = expect(t, mobile, TypeError)
	if err := json.Unmarshal(got.Payload, &p); err != nil || p.Code != "NOT_JOINED" {
		t.Fatalf("expected NOT_JOINED, got %s", got.Payload)
	}

	send(t, mobile, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleCandidate})
	expect(t, mobile, TypeError)
}

func TestRelayCandidateCannotJoinForeignSession(t *testing.T) {
	f := newRelayFixture(t)
	candidate := f.dial(t, f.userToken(t, "cand-a", models.RoleCandidate))
	send(t, candidate, Inbound{Type: TypeJoinRoom, SessionID: f.sessionB, Role: RoleCandidate})
	expect(t, candidate, TypeError)
	send(t, candidate, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleAdmin})
	expect(t, candidate, TypeError)
}

func TestRelayServerPushAndDisconnect(t *testing.T) {
	f := newRelayFixture(t)
	admin := f.dial(t, f.userToken(t, "proc-1", models.RoleProctor))
	send(t, admin, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleProctor})
	expect(t, admin, TypeJoinedRoom)

	f.relay.NotifyRoom(f.sessionA, TypeViolationAlert, map[string]interface{}{"eventType": "PHONE_DETECTED", "severity": 9})
	got := expect(t, admin, TypeViolationAlert)
	if got.From != "" {
		t.Fatalf("server push must not carry a sender, got %q", got.From)
	}

	observer := f.dial(t, f.userToken(t, "admin-2", models.RoleAdmin))
	send(t, observer, Inbound{Type: TypeHeartbeat})
	expect(t, observer, TypeError)

	candidate := f.dial(t, f.userToken(t, "cand-b", models.RoleCandidate))
	send(t, candidate, Inbound{Type: TypeJoinRoom, SessionID: f.sessionB, Role: RoleCandidate})
	expect(t, candidate, TypeJoinedRoom)
	candidate.Close()

	// participant-disconnected is global, so even the room-less observer sees it.
	expect(t, observer, TypeParticipantLeft)
	expect(t, admin, TypeParticipantLeft)
}

func TestRelayRejectsUnauthenticatedBeforeUpgrade(t *testing.T) {
	f := newRelayFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestRelayRejectsInactiveOrUnknownUsers(t *testing.T) {
	f := newRelayFixture(t)
	for _, userID := range []string{"retired", "nobody"} {
		url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + f.userToken(t, userID, models.RoleProctor)
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("%s: expected dial to fail", userID)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %v", userID, resp)
		}
	}
}

func TestRelayUsesStoredRole(t *testing.T) {
	f := newRelayFixture(t)
	// The token still claims proctor but the account is now a candidate.
	conn := f.dial(t, f.userToken(t, "demoted", models.RoleProctor))
	send(t, conn, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleProctor})
	got := expect(t, conn, TypeError)
	var p errorPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil || p.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", got.Payload)
	}
}

func TestRelayDisconnectClearsLiveness(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	observer := f.dial(t, f.userToken(t, "admin-1", models.RoleAdmin))
	send(t, observer, Inbound{Type: TypeJoinRoom, SessionID: f.sessionB, Role: RoleAdmin})
	expect(t, observer, TypeJoinedRoom)

	first := f.dial(t, f.userToken(t, "cand-a", models.RoleCandidate))
	send(t, first, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleCandidate})
	expect(t, first, TypeJoinedRoom)
	second := f.dial(t, f.userToken(t, "cand-a", models.RoleCandidate))
	send(t, second, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleCandidate})
	expect(t, second, TypeJoinedRoom)

	// A superseded connection closing leaves the live one's record alone.
	first.Close()
	expect(t, observer, TypeParticipantLeft)
	if ok, _ := f.live.IsAlive(ctx, f.sessionA, liveness.RoleCandidate); !ok {
		t.Fatalf("liveness cleared by a superseded connection")
	}

	second.Close()
	expect(t, observer, TypeParticipantLeft)
	if ok, _ := f.live.IsAlive(ctx, f.sessionA, liveness.RoleCandidate); ok {
		t.Fatalf("liveness still recorded after the candidate left")
	}
}

type fakeBus struct {
	mu        sync.Mutex
	published []BusMessage
	ready     chan struct{}
	fn        func(BusMessage)
}

func newFakeBus() *fakeBus {
	return &fakeBus{ready: make(chan struct{})}
}

func (b *fakeBus) Publish(_ context.Context, m BusMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, m)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, fn func(BusMessage)) error {
	b.fn = fn
	close(b.ready)
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBus) origins() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, m := range b.published {
		out = append(out, m.Origin)
	}
	return out
}

func TestRelayBusDeliversRemoteMessages(t *testing.T) {
	bus := newFakeBus()
	f := newRelayFixture(t, WithBus(bus, "inst-1"))
	<-bus.ready

	admin := f.dial(t, f.userToken(t, "admin-1", models.RoleAdmin))
	send(t, admin, Inbound{Type: TypeJoinRoom, SessionID: f.sessionA, Role: RoleAdmin})
	expect(t, admin, TypeJoinedRoom)

	own, _ := encode(TypeWebRTCOffer, f.sessionA, "local", json.RawMessage(`{}`))
	bus.fn(BusMessage{Origin: "inst-1", Room: f.sessionA, Payload: own})
	remote, _ := encode(TypeWebRTCAnswer, f.sessionA, "remote-conn", json.RawMessage(`{"sdp":"x"}`))
	bus.fn(BusMessage{Origin: "inst-2", Room: f.sessionA, Payload: remote})

	got := expect(t, admin, TypeWebRTCAnswer)
	if got.From != "remote-conn" {
		t.Fatalf("unexpected sender %q", got.From)
	}

	f.relay.NotifyRoom(f.sessionA, TypeSessionEnded, map[string]string{"status": "AUTO_SUBMITTED"})
	expect(t, admin, TypeSessionEnded)
	origins := bus.origins()
	if len(origins) == 0 {
		t.Fatalf("expected notifications to be published")
	}
	for _, o := range origins {
		if o != "inst-1" {
			t.Fatalf("published with wrong origin %q", o)
		}
	}
}
