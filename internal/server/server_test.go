package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/collab"
	"github.com/amoylab/collab/internal/collab/bus"
	"github.com/amoylab/collab/internal/collab/page"
	"github.com/amoylab/collab/internal/collab/push"
	"github.com/amoylab/collab/internal/collab/users"
	"github.com/amoylab/collab/internal/common/config"
	"github.com/amoylab/collab/pkg/metrics"
)

const (
	testPage   = "/content/site/en"
	userHeader = "X-Remote-User"
	jwtSecret  = "0123456789abcdef0123456789abcdef"
)

type env struct {
	srv      *Server
	svc      *collab.Service
	registry *push.Registry
}

func newEnv(t *testing.T, mutate ...func(*config.CollabServerConfig)) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.CollabServerConfig{
		Auth: config.AuthConfig{Header: userHeader},
		Collab: config.CollabConfig{
			ExpirationWindow: config.DefaultExpirationWindow,
			SetupWindow:      config.DefaultSetupWindow,
			StreamTimeout:    time.Minute,
			SendTimeout:      time.Second,
			QueueSize:        16,
		},
	}
	for _, m := range mutate {
		m(cfg)
	}

	registry := push.NewRegistry(zap.NewNop(), nil)
	svc := collab.NewService(zap.NewNop(), cfg.Collab, registry,
		collab.WithResolver(users.Static{"alice": "Alice Smith", "bob": "Bob Jones"}))

	b := bus.NewLocalBus(zap.NewNop(), config.RoleBoth, "node-1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.NewHandler(zap.NewNop(), svc).Run(ctx, b)
	}()
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
		<-done
	})

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}
	return &env{
		srv:      NewServer(zap.NewNop(), cfg, svc, b, m),
		svc:      svc,
		registry: registry,
	}
}

func (e *env) do(t *testing.T, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func rejected(t *testing.T, w *httptest.ResponseRecorder) bool {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	var resp leaseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Rejected
}

func TestHealthCheck(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/health_check", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestLease_BadRequests(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/collab/lease", "", `{"uid":"s1","page":"/content/p"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodPost, "/api/collab/lease", "alice", `{"page":"/content/p"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/collab/lease", "alice", `{"uid":"s1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/collab/lease", "alice", ``)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/collab/lease", "alice", `{"uid":`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestLease_Flow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.AddSession(ctx, testPage, "alice", "s1")
	e.svc.AddSession(ctx, testPage, "bob", "s2")
	leased := testPage + "/jcr:content/par/text"

	w := e.do(t, http.MethodPost, "/api/collab/lease", "alice",
		`{"uid":"s1","page":"`+testPage+`","leasePath":"`+testPage+`/_jcr_content/par/text"}`)
	assert.False(t, rejected(t, w))
	assert.Eventually(t, func() bool {
		_, ok := e.svc.Leases(testPage, "")[leased]
		return ok
	}, time.Second, 10*time.Millisecond)

	// the page can also be given as query parameter
	w = e.do(t, http.MethodPost, "/api/collab/lease?page="+testPage, "bob",
		`{"uid":"s2","leasePath":"`+leased+`"}`)
	assert.True(t, rejected(t, w))

	w = e.do(t, http.MethodPost, "/api/collab/lease", "bob", `{"uid":"s2","page":"`+testPage+`"}`)
	assert.False(t, rejected(t, w))

	w = e.do(t, http.MethodPost, "/api/collab/lease", "alice", `{"uid":"s1","page":"`+testPage+`","release":true}`)
	assert.False(t, rejected(t, w))
	assert.Eventually(t, func() bool {
		return len(e.svc.Leases(testPage, "")) == 0
	}, time.Second, 10*time.Millisecond)
	assert.True(t, e.svc.MayLease(testPage, "s2", leased))
}

func TestLease_UnknownSessionIsRegistered(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/collab/lease", "alice", `{"uid":"s9","page":"`+testPage+`","leasePath":"/x"}`)
	assert.False(t, rejected(t, w))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(map[string]page.User{"/x": {ID: "alice", Name: "Alice Smith"}}, e.svc.Leases(testPage, ""))
	}, time.Second, 10*time.Millisecond)
}

func TestBeacon(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.AddSession(ctx, testPage, "alice", "s1")
	e.svc.AddSession(ctx, testPage, "bob", "s2")

	w := e.do(t, http.MethodPost, "/api/collab/beacon", "", ``)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/api/collab/beacon", "", `{"uid":`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = e.do(t, http.MethodPost, "/api/collab/beacon", "", `{"uid":"s2"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/api/collab/beacon", "", `{"uid":"s2","pagePath":"`+testPage+`"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]page.User{{ID: "alice", Name: "Alice Smith"}}, e.svc.Users(testPage))
	}, time.Second, 10*time.Millisecond)
}

func TestEvents(t *testing.T) {
	e := newEnv(t)
	body := `{"events":[{"path":"` + testPage + `/jcr:content/par/image/fileReference","type":"PROPERTY_CHANGED"}]}`

	w := e.do(t, http.MethodPost, "/api/collab/events", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updates":[]}`, w.Body.String())

	e.svc.AddSession(context.Background(), testPage, "alice", "s1")
	w = e.do(t, http.MethodPost, "/api/collab/events", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updates":[{
		"page":"`+testPage+`",
		"paths":["`+testPage+`/jcr:content/par/image"],
		"refreshPaths":["`+testPage+`/jcr:content/par/image"]
	}]}`, w.Body.String())

	// a page with a session still gets nothing for an event without a type
	w = e.do(t, http.MethodPost, "/api/collab/events", "", `{"events":[{"path":"`+testPage+`/jcr:content/par/text"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updates":[]}`, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/collab/events", "", `{"events":[{"path":"/a","type":"BOGUS"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func readFrame(t *testing.T, r *bufio.Reader) push.Message {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			msg, err := push.Decode([]byte(line + "\n"))
			require.NoError(t, err)
			return msg
		}
	}
}

func TestSSE(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	e.svc.AddSession(ctx, testPage, "alice", "s1")
	require.NoError(t, e.svc.Lease(ctx, testPage, "s1", "/x", "alice"))

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ts.URL+"/api/collab/sse?page="+testPage+"&uid=s2", nil)
	require.NoError(t, err)
	req.Header.Set(userHeader, "bob")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(resp.Body)
	setup, ok := readFrame(t, r).(push.Setup)
	require.True(t, ok)
	assert.Equal(t, []page.User{
		{ID: "alice", Name: "Alice Smith"},
		{ID: "bob", Name: "Bob Jones"},
	}, setup.Users)
	assert.Equal(t, []push.Lease{{Path: "/x", User: page.User{ID: "alice", Name: "Alice Smith"}}}, setup.Leases)

	e.svc.Update(ctx, testPage, []string{"/x"}, []string{"/x"})
	upd, ok := readFrame(t, r).(push.ContentUpdate)
	require.True(t, ok)
	assert.Equal(t, []string{"/x"}, upd.Updates[0].Paths)

	cancel()
	assert.Eventually(t, func() bool { return e.registry.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSSE_BadRequest(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/api/collab/sse?page="+testPage, "bob", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/collab/sse?page="+testPage+"&uid=s1", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSSE_StreamTimeout(t *testing.T) {
	e := newEnv(t, func(cfg *config.CollabServerConfig) {
		cfg.Collab.StreamTimeout = 50 * time.Millisecond
	})
	w := e.do(t, http.MethodGet, "/api/collab/sse?page="+testPage+"&uid=s1", "alice", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "data: "))
	assert.Zero(t, e.registry.Count())
}

func TestIdentity_JWT(t *testing.T) {
	e := newEnv(t, func(cfg *config.CollabServerConfig) {
		cfg.Auth.JWTSecret = jwtSecret
	})
	sign := func(method jwt.SigningMethod, key any, sub string) string {
		token, err := jwt.NewWithClaims(method, jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString(key)
		require.NoError(t, err)
		return token
	}
	lease := func(auth string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/collab/lease", strings.NewReader(`{"uid":"s1","page":"`+testPage+`"}`))
		// the trusted header is ignored once tokens are configured
		req.Header.Set(userHeader, "alice")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		e.srv.Handler().ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, lease("Bearer "+sign(jwt.SigningMethodHS256, []byte(jwtSecret), "alice")))
	assert.Equal(t, http.StatusUnauthorized, lease(""))
	assert.Equal(t, http.StatusUnauthorized, lease("Bearer "+sign(jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), "alice")))
	assert.Equal(t, http.StatusUnauthorized, lease("Bearer "+sign(jwt.SigningMethodHS256, []byte(jwtSecret), "")))
	assert.Equal(t, http.StatusUnauthorized, lease("Basic YWxpY2U6c2VjcmV0"))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, func(cfg *config.CollabServerConfig) {
		cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "collab"}
	})
	e.do(t, http.MethodGet, "/health_check", "", "")

	w := e.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `collab_http_requests_total{method="GET",route="/health_check",status="200"} 1`)
}

func TestShutdownEndsStreams(t *testing.T) {
	e := newEnv(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.do(t, http.MethodGet, "/api/collab/sse?page="+testPage+"&uid=s1", "alice", "")
	}()
	assert.Eventually(t, func() bool { return e.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, e.srv.Shutdown(context.Background()))
	require.NoError(t, e.srv.Shutdown(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after shutdown")
	}
	assert.Zero(t, e.registry.Count())
}
