package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"edittime/api/internal/auth"
	"edittime/api/internal/config"
	"edittime/api/internal/notify"
	"edittime/api/internal/policy"
	"edittime/api/internal/rbac"
	"edittime/api/internal/reconcile"
	"edittime/api/internal/search"
	"edittime/api/internal/store"
	"edittime/api/internal/tracker"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvents struct {
	handleFn func(context.Context, reconcile.Event) (reconcile.Result, error)
	events   []reconcile.Event
}

func (f *fakeEvents) Handle(ctx context.Context, e reconcile.Event) (reconcile.Result, error) {
	f.events = append(f.events, e)
	if f.handleFn != nil {
		return f.handleFn(ctx, e)
	}
	return reconcile.Result{Intent: e.Intent}, nil
}

type fakeStore struct {
	queryFn  func(context.Context, store.OutcomeFilter) ([]store.Outcome, error)
	sumFn    func(context.Context, store.OutcomeFilter) (int64, error)
	upsertFn func(context.Context, store.Document) (store.Document, error)
	pingFn   func(context.Context) error
}

func (f *fakeStore) QueryOutcomes(ctx context.Context, filter store.OutcomeFilter) ([]store.Outcome, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeStore) SumDuration(ctx context.Context, filter store.OutcomeFilter) (int64, error) {
	if f.sumFn != nil {
		return f.sumFn(ctx, filter)
	}
	return 0, nil
}

func (f *fakeStore) UpsertDocument(ctx context.Context, doc store.Document) (store.Document, error) {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, doc)
	}
	return doc, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSearch struct {
	searchFn func(context.Context, search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	return f.searchFn(ctx, q)
}

func (f *fakeSearch) ReindexAll(context.Context, search.OutcomeSource) (int, error) {
	return 0, nil
}

type testServer struct {
	server *HTTPServer
	events *fakeEvents
	store  *fakeStore
	clock  *quartz.Mock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := quartz.NewMock(t)
	events := &fakeEvents{}
	fs := &fakeStore{}
	svc := NewService(Options{
		Config:   config.Config{TokenSecret: "secret", SyncToken: "sync"},
		Events:   events,
		Store:    fs,
		Statuses: notify.NewMemoryNotifier(clock, 30*time.Second),
		Clock:    clock,
		Logger:   slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	return &testServer{
		server: NewHTTPServer(svc, nil, "*", slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})),
		events: events,
		store:  fs,
		clock:  clock,
	}
}

func (ts *testServer) token(t *testing.T, userID string, role rbac.Role) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("secret"), auth.NewClaims(userID, role, time.Hour, ts.clock.Now()))
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeMap(t, rr)["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeMap(t, rr)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"].(map[string]any)["status"])
	assert.Equal(t, "disabled", checks["sessions"].(map[string]any)["status"])

	ts.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr = ts.do(httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body = decodeMap(t, rr)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["database"].(map[string]any)["error"])
}

func TestSurfacesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/surfaces", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Surfaces map[string][]string `json:"surfaces"`
		Intents  []string            `json:"intents"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, []string{"autosave", "edit_screen_loaded", "post_saved"}, body.Surfaces["classic"])
	assert.Contains(t, body.Surfaces["builder"], "save_builder")
	assert.Equal(t, []string{"start", "update", "close"}, body.Intents)
}

func TestMetricsDisabled(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTrackingRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/tracking/start", strings.NewReader(`{"post_id":42}`)))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/tracking/start", strings.NewReader(`{"post_id":42}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr = ts.do(req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, ts.events.events)
}

func TestTrackingCloseResponse(t *testing.T) {
	ts := newTestServer(t)
	ts.events.handleFn = func(_ context.Context, e reconcile.Event) (reconcile.Result, error) {
		return reconcile.Result{Intent: reconcile.Close, Close: &tracker.Result{
			Disposition: policy.Full,
			Outcome:     store.Outcome{ID: "01J0", Duration: 95},
		}}, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tracking/close",
		strings.NewReader(`{"post_id":42,"clientTimerSeconds":95,"activityDelta":2}`))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleAuthor))
	rr := ts.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Len(t, ts.events.events, 1)
	e := ts.events.events[0]
	assert.Equal(t, reconcile.Close, e.Intent)
	assert.Equal(t, "7", e.UserID)
	assert.Equal(t, "42", e.DocumentID)
	assert.Equal(t, int64(95), e.Patch.ClientTimerSeconds)
	assert.Equal(t, 2, e.Patch.ActivityDelta)

	body := decodeMap(t, rr)
	assert.Equal(t, "full", body["disposition"])
	assert.Equal(t, "01J0", body["sessionId"])
	assert.Equal(t, "1m 35s", body["durationText"])
}

func TestUnknownTrackingIntent(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tracking/pause", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleAuthor))
	assert.Equal(t, http.StatusNotFound, ts.do(req).Code)
}

func TestSubscriberCannotTrack(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tracking/start", strings.NewReader(`{"post_id":42}`))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleSubscriber))
	rr := ts.do(req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, ts.events.events)
}

func TestBuilderSurfaceFormEvent(t *testing.T) {
	ts := newTestServer(t)
	actions := `{"save_builder":{"action":"save_builder","data":{"id":"42","status":"publish","elements":[{"id":"a1","elType":"widget","settings":{"title":"Hi"}}]}}}`
	form := url.Values{
		"trigger": {"save_builder"},
		"actions": {actions},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/surfaces/builder/events", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleEditor))
	rr := ts.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Len(t, ts.events.events, 1)
	e := ts.events.events[0]
	assert.Equal(t, reconcile.Builder, e.Surface)
	assert.Equal(t, "save_builder", e.Trigger)
	assert.Equal(t, "42", e.DocumentID)
	assert.JSONEq(t, `[{"id":"a1","elType":"widget","settings":{"title":"Hi"}}]`, string(e.Patch.BuilderData))
}

func TestEventErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "missing identity", err: reconcile.ErrMissingIdentity, status: http.StatusBadRequest, code: "MISSING_IDENTITY"},
		{name: "unknown trigger", err: reconcile.ErrUnknownTrigger, status: http.StatusBadRequest, code: "UNKNOWN_TRIGGER"},
		{name: "unknown document", err: tracker.ErrUnknownDocument, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "invalid patch", err: tracker.ErrInvalidPatch, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "persist failure", err: &tracker.PersistError{Err: errors.New("db down")}, status: http.StatusServiceUnavailable, code: "PERSIST_FAILED"},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, code: "SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.events.handleFn = func(context.Context, reconcile.Event) (reconcile.Result, error) {
				return reconcile.Result{}, tc.err
			}
			req := httptest.NewRequest(http.MethodPost, "/api/tracking/update", strings.NewReader(`{}`))
			req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleAuthor))
			rr := ts.do(req)
			require.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.code, decodeMap(t, rr)["code"])
		})
	}
}

func TestDocumentSync(t *testing.T) {
	ts := newTestServer(t)
	var got store.Document
	ts.store.upsertFn = func(_ context.Context, doc store.Document) (store.Document, error) {
		got = doc
		return doc, nil
	}

	body := `{"type":"page","title":"Landing","content":"<p>Hi</p>","builderData":[{"id":"a1"}]}`
	req := httptest.NewRequest(http.MethodPut, "/api/documents/42", strings.NewReader(body))
	rr := ts.do(req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/documents/42", strings.NewReader(body))
	req.Header.Set(auth.SyncHeader, "sync")
	rr = ts.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "42", got.ID)
	assert.Equal(t, "page", got.Type)
	assert.True(t, got.UsesBuilder)
	assert.JSONEq(t, `[{"id":"a1"}]`, string(got.BuilderData))

	req = httptest.NewRequest(http.MethodPut, "/api/documents/42", strings.NewReader(`{"title":"No type"}`))
	req.Header.Set(auth.SyncHeader, "sync")
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(req).Code)
}

func TestTrackingStatusIsConsumed(t *testing.T) {
	ts := newTestServer(t)
	statuses := ts.server.service.statuses.(*notify.MemoryNotifier)
	require.NoError(t, statuses.Publish(context.Background(), "7", notify.Status{Status: "full", DocumentID: "42"}))

	get := func() map[string]any {
		req := httptest.NewRequest(http.MethodGet, "/api/tracking/status", nil)
		req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleAuthor))
		rr := ts.do(req)
		require.Equal(t, http.StatusOK, rr.Code)
		return decodeMap(t, rr)
	}
	first := get()
	require.NotNil(t, first["status"])
	assert.Equal(t, "full", first["status"].(map[string]any)["status"])
	assert.Nil(t, get()["status"])
}

func TestReportsScopeToCaller(t *testing.T) {
	ts := newTestServer(t)
	var filters []store.OutcomeFilter
	ts.store.queryFn = func(_ context.Context, f store.OutcomeFilter) ([]store.Outcome, error) {
		filters = append(filters, f)
		return []store.Outcome{{ID: "01J0", Duration: 3725}}, nil
	}
	ts.store.sumFn = func(context.Context, store.OutcomeFilter) (int64, error) { return 3725, nil }

	req := httptest.NewRequest(http.MethodGet, "/api/reports/sessions?start_date=2026-03-01&end_date=2026-03-02&order=asc&limit=10", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleAuthor))
	rr := ts.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, filters, 1)
	assert.Equal(t, "7", filters[0].UserID)
	assert.True(t, filters[0].Ascending)
	assert.Equal(t, 10, filters[0].Limit)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), filters[0].EndDate)
	body := decodeMap(t, rr)
	assert.Equal(t, "1h 2m 5s", body["totalDurationText"])

	req = httptest.NewRequest(http.MethodGet, "/api/reports/sessions?user_id=9", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleAuthor))
	assert.Equal(t, http.StatusForbidden, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/reports/sessions?user_id=9", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleEditor))
	require.Equal(t, http.StatusOK, ts.do(req).Code)
	assert.Equal(t, "9", filters[len(filters)-1].UserID)
}

func TestReportsRejectBadQuery(t *testing.T) {
	ts := newTestServer(t)
	for _, q := range []string{"start_date=03/01/2026", "limit=-1", "offset=x"} {
		req := httptest.NewRequest(http.MethodGet, "/api/reports/sessions?"+q, nil)
		req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleEditor))
		assert.Equal(t, http.StatusBadRequest, ts.do(req).Code, q)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/reports/sessions?start_date=2026-03-02&end_date=2026-03-01", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleEditor))
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(req).Code)
}

func TestSearchScopesAuthors(t *testing.T) {
	ts := newTestServer(t)
	var got search.Query
	ts.server.service.search = &fakeSearch{searchFn: func(_ context.Context, q search.Query) search.Response {
		got = q
		return search.Response{Results: []search.Result{{ID: "01J0"}}, Total: 1, Query: q.Text}
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=landing&user_id=9", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleAuthor))
	rr := ts.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "7", got.UserID)
	assert.Equal(t, "landing", got.Text)

	req = httptest.NewRequest(http.MethodGet, "/api/search", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleAuthor))
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(req).Code)
}

func TestReindexRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.server.service.search = &fakeSearch{}
	req := httptest.NewRequest(http.MethodPost, "/api/search/reindex", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "7", rbac.RoleEditor))
	assert.Equal(t, http.StatusForbidden, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/search/reindex", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "1", rbac.RoleAdmin))
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestStatusStreamWithoutRedis(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tracking/stream?token="+ts.token(t, "7", rbac.RoleAuthor), nil)
	rr := ts.do(req)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}
