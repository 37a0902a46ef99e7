package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hjnpark/QCFractal/internal/app/auth"
	"github.com/hjnpark/QCFractal/internal/app/events"
	"github.com/hjnpark/QCFractal/internal/app/metrics"
	"github.com/hjnpark/QCFractal/internal/config"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.New("test", logger.Options{Level: "error"})
	issuer := auth.NewTokenIssuer("test-secret", time.Minute, time.Hour)
	users := auth.NewUserStore(db)

	s := New(Options{
		Config: &config.Config{
			MOTD:                       "welcome",
			Env:                        "test",
			DefaultRetryBudget:         3,
			HeartbeatInterval:          30 * time.Second,
			HeartbeatMaxMissed:         3,
			RateLimitRequestsPerSecond: 100,
			RateLimitBurst:             100,
		},
		Log:     log,
		DB:      db,
		Auth:    auth.NewManager(users, issuer, log),
		Policy:  auth.NewPolicyEvaluator(db, nil, log),
		Metrics: metrics.New(),
		Hub:     events.NewHub(),
	})
	t.Cleanup(s.Close)
	return s, mock
}

func TestFirstSegmentUnderV1(t *testing.T) {
	cases := map[string]string{
		"/v1/records/5":               "records",
		"/v1/datasets/neb/3/submit":   "datasets",
		"/v1/tasks/claim":             "tasks",
		"/v1/information":             "information",
		"/v1/events":                  "events",
	}
	for path, want := range cases {
		assert.Equal(t, want, firstSegmentUnderV1(path))
	}
}

func TestExtractBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/records/1", nil)
	assert.Empty(t, extractBearer(r))

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", extractBearer(r))

	r.Header.Set("Authorization", "Basic dXNlcg==")
	assert.Empty(t, extractBearer(r))
}

func TestRoutePatternCollapsesIDs(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/records/12345", nil)
	assert.Equal(t, "/v1/records/{id}", routePattern(r))

	r = httptest.NewRequest(http.MethodGet, "/v1/datasets/neb/7/status", nil)
	assert.Equal(t, "/v1/datasets/neb/{id}/status", routePattern(r))
}

func TestInformationEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleInformation(w, httptest.NewRequest(http.MethodGet, "/v1/information", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"motd":"welcome"`)
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	s, mock := newTestServer(t)

	// Unauthenticated non-GET never consults the read role.
	handler := s.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/records", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Unauthenticated GET falls back to the read role's policy.
	mock.ExpectQuery("SELECT permissions FROM roles").
		WillReturnRows(sqlmock.NewRows([]string{"permissions"}).
			AddRow(`[{"action": "GET", "resource": "records"}]`))
	ran := false
	handler = s.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	}))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/records/1", nil))
	assert.True(t, ran)
}

func TestAuthenticateEnforcesPolicy(t *testing.T) {
	s, mock := newTestServer(t)
	issuer := auth.NewTokenIssuer("test-secret", time.Minute, time.Hour)

	token, err := issuer.Issue("alice", "read", auth.TokenAccess, true, nil)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT permissions FROM roles").
		WillReturnRows(sqlmock.NewRows([]string{"permissions"}).
			AddRow(`[{"action": "GET", "resource": "records"}]`))

	handler := s.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	r := httptest.NewRequest(http.MethodPost, "/v1/tasks/claim", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	mock.ExpectQuery("SELECT permissions FROM roles").
		WillReturnRows(sqlmock.NewRows([]string{"permissions"}).
			AddRow(`[{"action": "GET", "resource": "records"}]`))

	var principal string
	handler = s.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal = principalFromCtx(r.Context())
	}))
	r = httptest.NewRequest(http.MethodGet, "/v1/records/1", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "alice", principal)
}

func TestWriteErrorMapsTaxonomy(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/records/9", nil)
	s.writeError(w, r, apperrors.MissingData("record not found"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "missing-data")
}
