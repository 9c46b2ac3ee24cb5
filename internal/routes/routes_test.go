package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/zaqqye/proctoring_backend/internal/identity"
	"github.com/zaqqye/proctoring_backend/internal/kv"
	"github.com/zaqqye/proctoring_backend/internal/liveness"
	"github.com/zaqqye/proctoring_backend/internal/memstore"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/pairing"
	"github.com/zaqqye/proctoring_backend/internal/perception"
	"github.com/zaqqye/proctoring_backend/internal/proctoring"
	"github.com/zaqqye/proctoring_backend/internal/sessions"
	"github.com/zaqqye/proctoring_backend/internal/utils"
)

type fixture struct {
	router  *gin.Engine
	store   *memstore.Store
	examID  string
	mcqID   string
	essayID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	store := memstore.New()
	kvStore := kv.NewMemory()

	hashed, err := utils.HashPassword("secret123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for _, u := range []*models.User{
		{FullName: "Cand", Email: "cand@example.com", Password: hashed, Role: models.RoleCandidate, Active: true},
		{FullName: "Other", Email: "other@example.com", Password: hashed, Role: models.RoleCandidate, Active: true},
		{FullName: "Proc", Email: "proc@example.com", Password: hashed, Role: models.RoleProctor, Active: true},
	} {
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	cand, _ := store.FindUserByEmail(ctx, "cand@example.com")

	now := time.Now().UTC()
	exam := &models.Exam{Title: "Demo", DurationMinutes: 30, StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour)}
	questions := []models.Question{
		{Type: models.QuestionMCQ, AnswerKey: datatypes.JSON(`{"correctOptionId":"b"}`), Points: 2},
		{Type: models.QuestionSubjective, Points: 5},
	}
	if err := store.CreateExam(ctx, exam, questions); err != nil {
		t.Fatalf("create exam: %v", err)
	}
	if err := store.AssignExam(ctx, exam.ID, cand.UserID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	qs, _ := store.ListQuestions(ctx, exam.ID)

	tokens := identity.NewProvider(identity.Config{AccessSecret: "a", RefreshSecret: "r", MobileSecret: "m"})
	registry := sessions.NewRegistry(store, store, store, sessions.Config{})
	tracker := liveness.NewTracker(kvStore, liveness.DefaultTTL)
	broker := pairing.NewBroker(kvStore, registry, tokens, pairing.Config{MobileAppBaseURL: "http://mobile.test"})
	pipeline := proctoring.NewPipeline(store, registry, perception.NewClient("", time.Second), proctoring.Config{})

	r := gin.New()
	Register(r, Deps{
		Users:    store,
		Tokens:   tokens,
		KV:       kvStore,
		Registry: registry,
		Broker:   broker,
		Liveness: tracker,
		Pipeline: pipeline,
	})
	f := &fixture{router: r, store: store, examID: exam.ID}
	for _, q := range qs {
		if q.Type == models.QuestionMCQ {
			f.mcqID = q.ID
		} else {
			f.essayID = q.ID
		}
	}
	return f
}

func (f *fixture) call(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	out := map[string]interface{}{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func (f *fixture) login(t *testing.T, email string) string {
	t.Helper()
	code, body := f.call(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": email, "password": "secret123"})
	if code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d %v", email, code, body)
	}
	tok, _ := body["access_token"].(string)
	return tok
}

func TestExamSessionFlow(t *testing.T) {
	f := newFixture(t)
	cand := f.login(t, "cand@example.com")
	proc := f.login(t, "proc@example.com")
	other := f.login(t, "other@example.com")

	code, started := f.call(t, http.MethodPost, "/api/v1/sessions/start", cand, gin.H{"examId": f.examID})
	if code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d %v", code, started)
	}
	sid, _ := started["sessionId"].(string)
	if started["status"] != string(models.StatusStarted) || started["roomId"] != sid {
		t.Fatalf("unexpected start body %v", started)
	}
	if _, again := f.call(t, http.MethodPost, "/api/v1/sessions/start", cand, gin.H{"examId": f.examID}); again["sessionId"] != sid {
		t.Fatalf("second start returned a different session: %v", again)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/sessions/start", other, gin.H{"examId": f.examID}); code != http.StatusNotFound {
		t.Fatalf("unassigned start: expected 404, got %d", code)
	}

	// Pair the phone.
	code, issued := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/pairing-token", cand, nil)
	if code != http.StatusCreated {
		t.Fatalf("pairing token: expected 201, got %d %v", code, issued)
	}
	pairingToken, _ := issued["pairingToken"].(string)
	if code, _ := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/pairing-token", other, nil); code != http.StatusNotFound {
		t.Fatalf("foreign pairing token: expected 404, got %d", code)
	}
	code, claimed := f.call(t, http.MethodPost, "/api/v1/pairing/claim", "", gin.H{"pairingToken": pairingToken, "deviceFingerprint": "phone-1"})
	if code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d %v", code, claimed)
	}
	mobile, _ := claimed["mobileToken"].(string)
	if code, _ := f.call(t, http.MethodPost, "/api/v1/pairing/claim", "", gin.H{"pairingToken": pairingToken}); code != http.StatusNotFound {
		t.Fatalf("second claim: expected 404, got %d", code)
	}

	// Mobile heartbeat and scope.
	if code, _ := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/heartbeat", mobile, gin.H{"role": "mobile"}); code != http.StatusOK {
		t.Fatalf("mobile heartbeat: expected 200, got %d", code)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/heartbeat", mobile, gin.H{"role": "candidate"}); code != http.StatusForbidden {
		t.Fatalf("mobile posing as candidate: expected 403, got %d", code)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/sessions/start", mobile, gin.H{"examId": f.examID}); code != http.StatusUnauthorized {
		t.Fatalf("mobile token on user route: expected 401, got %d", code)
	}

	// Events from the phone.
	code, res := f.call(t, http.MethodPost, "/api/v1/proctoring/events", mobile, gin.H{
		"sessionId": sid, "source": "MOBILE", "eventType": "PHONE_DETECTED", "severity": 8,
	})
	if code != http.StatusCreated || res["sessionRiskScore"] != float64(8) || res["action"] != "WARN" {
		t.Fatalf("ingest: got %d %v", code, res)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/proctoring/events", mobile, gin.H{
		"sessionId": sid, "source": "LAPTOP", "eventType": "TAB_SWITCH", "severity": 3,
	}); code != http.StatusForbidden {
		t.Fatalf("mobile LAPTOP event: expected 403, got %d", code)
	}

	// Answers.
	if code, body := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/answers", cand, gin.H{
		"questionId": f.mcqID, "answerType": "MCQ", "response": gin.H{"mcqOptionId": "b"}, "latencyMs": 1200,
	}); code != http.StatusOK {
		t.Fatalf("answer: expected 200, got %d %v", code, body)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/answers", other, gin.H{
		"questionId": f.mcqID, "answerType": "MCQ", "response": gin.H{"mcqOptionId": "a"},
	}); code != http.StatusNotFound {
		t.Fatalf("foreign answer: expected 404, got %d", code)
	}

	// Proctor console.
	code, live := f.call(t, http.MethodGet, "/api/v1/admin/sessions/live", proc, nil)
	if code != http.StatusOK || live["count"] != float64(1) {
		t.Fatalf("live: got %d %v", code, live)
	}
	item := live["items"].([]interface{})[0].(map[string]interface{})
	if item["mobileOnline"] != true || item["candidateOnline"] != false || item["mobilePaired"] != true || item["mobileDevice"] != "phone-1" {
		t.Fatalf("unexpected liveness flags %v", item)
	}
	if code, _ := f.call(t, http.MethodGet, "/api/v1/admin/sessions/live", cand, nil); code != http.StatusForbidden {
		t.Fatalf("candidate on live list: expected 403, got %d", code)
	}
	code, events := f.call(t, http.MethodGet, "/api/v1/proctoring/sessions/"+sid+"/events", proc, nil)
	if code != http.StatusOK || len(events["items"].([]interface{})) != 1 {
		t.Fatalf("events: got %d %v", code, events)
	}

	// Decision before submit is rejected.
	if code, _ := f.call(t, http.MethodPost, "/api/v1/admin/sessions/"+sid+"/decision", proc, gin.H{"decision": "APPROVED", "reason": "clean"}); code != http.StatusConflict {
		t.Fatalf("decision before submit: expected 409, got %d", code)
	}

	code, submitted := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/submit", cand, gin.H{"reason": "USER_SUBMIT"})
	if code != http.StatusOK || submitted["status"] != string(models.StatusSubmitted) || submitted["autoScore"] != float64(100) {
		t.Fatalf("submit: got %d %v", code, submitted)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/submit", cand, gin.H{"reason": "AUTO_SUBMIT"}); code != http.StatusBadRequest {
		t.Fatalf("client auto submit: expected 400, got %d", code)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/answers", cand, gin.H{
		"questionId": f.essayID, "answerType": "SUBJECTIVE", "response": "late",
	}); code != http.StatusConflict {
		t.Fatalf("answer after submit: expected 409, got %d", code)
	}

	code, decided := f.call(t, http.MethodPost, "/api/v1/admin/sessions/"+sid+"/decision", proc, gin.H{"decision": "REJECTED", "reason": "second person in frame"})
	if code != http.StatusOK || decided["decision"] != "REJECTED" {
		t.Fatalf("decision: got %d %v", code, decided)
	}
	if actions := f.store.AdminActions(sid); len(actions) != 1 || actions[0].ActorID == "" {
		t.Fatalf("expected one audited action with an actor, got %+v", actions)
	}

	code, live = f.call(t, http.MethodGet, "/api/v1/admin/sessions/live", proc, nil)
	if code != http.StatusOK || live["count"] != float64(0) {
		t.Fatalf("live after submit: got %d %v", code, live)
	}
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	cand := f.login(t, "cand@example.com")
	code, started := f.call(t, http.MethodPost, "/api/v1/sessions/start", cand, gin.H{"examId": f.examID})
	if code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d %v", code, started)
	}
	sid, _ := started["sessionId"].(string)

	if code, body := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/submit", cand, gin.H{"reason": 5}); code != http.StatusBadRequest {
		t.Fatalf("numeric reason: expected 400, got %d %v", code, body)
	}
	code, got := f.call(t, http.MethodGet, "/api/v1/sessions/"+sid, cand, nil)
	if code != http.StatusOK || got["status"] != string(models.StatusStarted) {
		t.Fatalf("session must stay STARTED after a rejected submit: %d %v", code, got)
	}

	// No body at all still submits as the user.
	code, submitted := f.call(t, http.MethodPost, "/api/v1/sessions/"+sid+"/submit", cand, nil)
	if code != http.StatusOK || submitted["status"] != string(models.StatusSubmitted) {
		t.Fatalf("empty submit: got %d %v", code, submitted)
	}
}

func TestRefreshRotatesOnce(t *testing.T) {
	f := newFixture(t)
	code, body := f.call(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "cand@example.com", "password": "secret123"})
	if code != http.StatusOK {
		t.Fatalf("login: %d", code)
	}
	refresh, _ := body["refresh_token"].(string)

	code, rotated := f.call(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": refresh})
	if code != http.StatusOK || rotated["refresh_token"] == refresh {
		t.Fatalf("refresh: got %d %v", code, rotated)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": refresh}); code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: expected 401, got %d", code)
	}

	next, _ := rotated["refresh_token"].(string)
	if code, _ := f.call(t, http.MethodPost, "/api/v1/auth/logout", "", gin.H{"refresh_token": next}); code != http.StatusOK {
		t.Fatalf("logout: %d", code)
	}
	if code, _ := f.call(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": next}); code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	f := newFixture(t)
	var last int
	for i := 0; i < 31; i++ {
		last, _ = f.call(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "nobody@example.com", "password": "x"})
		if i < 30 && last != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, last)
		}
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 30 attempts, got %d", last)
	}
}

func TestHealthAndWebsocketWithoutRelay(t *testing.T) {
	f := newFixture(t)
	if code, body := f.call(t, http.MethodGet, "/api/v1/health", "", nil); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: got %d %v", code, body)
	}
	if code, _ := f.call(t, http.MethodGet, "/ws", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("ws without relay: expected 503, got %d", code)
	}
}
