package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/config"
	"github.com/stemsi/exstem-runner/internal/events"
	"github.com/stemsi/exstem-runner/internal/handler"
	"github.com/stemsi/exstem-runner/internal/kvstore"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/service"
	"github.com/stemsi/exstem-runner/internal/session"
	"github.com/stemsi/exstem-runner/internal/submission"
	"github.com/stemsi/exstem-runner/internal/validator"
	"github.com/stretchr/testify/require"
)

type stubSubmitter struct {
	mu    sync.Mutex
	resps []submission.Response
	calls int
}

func (s *stubSubmitter) SubmitMark(context.Context, submission.Request) (submission.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.resps) == 0 {
		return submission.Response{Code: 200}, nil
	}
	r := s.resps[0]
	s.resps = s.resps[1:]
	return r, nil
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
}

type testServer struct {
	engine *gin.Engine
	sub    *stubSubmitter
	clock  *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	validator.Setup()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{GinMode: gin.TestMode, LoginEntryURL: "/login"}
	keys := config.NewStorageKeyStruct("http")
	clk := clock.NewFake(time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC))
	sub := &stubSubmitter{}

	publisher := events.NewPublisher(rdb, keys.EventsChannel(), clk, zerolog.Nop())
	store := session.NewStore(kvstore.NewRedisStore(rdb), keys, clk, session.DefaultExpiry, zerolog.Nop())
	runner := service.NewRunnerService(store, model.DefaultCatalog(), publisher, clk, service.RunnerOptions{
		Submitter: sub,
		ScopeDurations: map[string]time.Duration{
			model.ScopeTask:          2400 * time.Second,
			model.ScopeQuestionnaire: 600 * time.Second,
			model.ScopeNotice:        40 * time.Second,
		},
		LoginEntryURL: cfg.LoginEntryURL,
	}, zerolog.Nop())
	runner.SetListeners(publisher, publisher)
	tokens := service.NewTokenService("test-secret", time.Hour)

	engine := SetupRouter(tokens, runner, &Handlers{
		Runner: handler.NewRunnerHandler(runner, tokens, zerolog.Nop()),
		Timer:  handler.NewTimerHandler(runner),
		WS:     handler.NewWSHandler(runner, publisher, zerolog.Nop(), nil),
		System: handler.NewSystemHandler(map[string]handler.Pinger{
			"redis": handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		}, zerolog.Nop()),
	}, cfg)
	return &testServer{engine: engine, sub: sub, clock: clk}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func (s *testServer) login(t *testing.T) string {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/session/login", "", gin.H{"batch_code": "B-2026", "exam_no": "E-1001"})
	require.Equal(t, http.StatusOK, code)
	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Token)
	return data.Token
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestLoginValidation(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodPost, "/api/v1/session/login", "", gin.H{"batch_code": "B-2026"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	require.Contains(t, env.Error.Fields, "exam_no")
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodGet, "/api/v1/session", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "TOKEN_INVALID", env.Error.Code)
}

func TestLogRecordAndAdvance(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	code, env := s.do(t, http.MethodPost, "/api/v1/operations", token, gin.H{
		"target_element": "agree", "event_type": "click", "value": "yes",
	})
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"accepted":true}`, string(env.Data))

	code, _ = s.do(t, http.MethodPost, "/api/v1/answers", token, gin.H{"target_element": "q0", "value": "A"})
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodPost, "/api/v1/navigation/advance", token, gin.H{})
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Status string `json:"status"`
		To     string `json:"to_page_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Equal(t, "navigated", out.Status)
	require.Equal(t, "Page_02_Introduction", out.To)
	require.Equal(t, 1, s.sub.calls)

	code, env = s.do(t, http.MethodGet, "/api/v1/timers/task", token, nil)
	require.Equal(t, http.StatusOK, code)
	var snap model.TimerSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Equal(t, model.TimerRunning, snap.Status)
}

func TestAdvanceFailureMapsToSubmissionFailed(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)
	s.sub.resps = []submission.Response{{Code: 500, Msg: "busy"}, {Code: 500, Msg: "busy"}, {Code: 500, Msg: "busy"}}

	code, env := s.do(t, http.MethodPost, "/api/v1/navigation/advance", token, gin.H{"next_page_id": "Page_02_Introduction"})
	require.Equal(t, http.StatusBadGateway, code)
	require.Equal(t, "SUBMISSION_FAILED", env.Error.Code)
	require.Equal(t, "business", env.Error.Fields["kind"])
}

func TestSessionExpiryInvalidatesToken(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)
	s.sub.resps = []submission.Response{{Code: 401}}

	code, env := s.do(t, http.MethodPost, "/api/v1/navigation/advance", token, gin.H{})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "SESSION_EXPIRED", env.Error.Code)

	code, env = s.do(t, http.MethodGet, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "NO_ACTIVE_SESSION", env.Error.Code)
}

func TestTimerEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	code, _ := s.do(t, http.MethodPost, "/api/v1/timers/notice/start", token, gin.H{"duration_seconds": 40})
	require.Equal(t, http.StatusOK, code)

	code, env := s.do(t, http.MethodPost, "/api/v1/timers/notice/resume", token, nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "TIMER_NOT_PAUSED", env.Error.Code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/timers/notice/pause", token, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodGet, "/api/v1/timers/bogus", token, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "UNKNOWN_TIMER_SCOPE", env.Error.Code)

	code, env = s.do(t, http.MethodPost, "/api/v1/timers/notice/reset", token, nil)
	require.Equal(t, http.StatusOK, code)
	var snap model.TimerSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Equal(t, model.TimerIdle, snap.Status)
}

func TestLogoutInvalidatesToken(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	code, _ := s.do(t, http.MethodPost, "/api/v1/session/logout", token, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusUnauthorized, code)
}
