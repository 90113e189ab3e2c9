package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/guard"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/reset"
	"github.com/telhawk-systems/casehawk/internal/retriever"
	"github.com/telhawk-systems/casehawk/internal/retry"
	"github.com/telhawk-systems/casehawk/internal/search/memsearch"
	"github.com/telhawk-systems/casehawk/internal/tasks"
	"github.com/telhawk-systems/casehawk/internal/testenv"
)

const testSecret = "api-test-secret"

type fakeSubmitter struct {
	mu   sync.Mutex
	got  []tasks.Task
	fail error
}

func (s *fakeSubmitter) Submit(_ context.Context, t tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, t)
	return nil
}

type fixture struct {
	repo   repository.Repository
	guard  *guard.Guard
	queue  *fakeSubmitter
	server *httptest.Server
	token  string
}

func newFixture(t *testing.T, ready map[string]Check) *fixture {
	t.Helper()
	repo := testenv.Repository(t)
	locker, _ := testenv.Locker(t)
	g := guard.New(repo, "api-test", time.Minute, logging.Discard().Logger)
	engine := memsearch.New()
	walker := retriever.New(engine, config.HuntConfig{}, retry.None, logging.Discard().Logger)
	coord := reset.New(repo, engine, walker, g, locker, testenv.IndexPrefix, retry.None, logging.Discard().Logger)

	fx := &fixture{repo: repo, guard: g, queue: &fakeSubmitter{}}
	h := New(Deps{
		Repo:      repo,
		Files:     g,
		Clearer:   coord,
		Tasks:     fx.queue,
		JWTSecret: testSecret,
		Ready:     ready,
	}, logging.Discard())
	fx.server = httptest.NewServer(h.Routes())
	t.Cleanup(fx.server.Close)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "analyst1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	fx.token = signed
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, fx.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+fx.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestIntake_RegistersAndEnqueuesFull(t *testing.T) {
	fx := newFixture(t, nil)

	var resp TaskResponse
	code := fx.do(t, http.MethodPost, "/api/v1/files",
		IntakeRequest{CaseID: 4, StoragePath: "/evidence/sec.ndjson", SourceFormat: "ndjson"}, &resp)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, repository.OpFull, resp.Operation)
	assert.NotEmpty(t, resp.TaskID)

	rec, err := fx.repo.GetFile(context.Background(), resp.FileID)
	require.NoError(t, err)
	assert.Equal(t, repository.StateQueued, rec.State)
	assert.Equal(t, int64(4), rec.CaseID)

	require.Len(t, fx.queue.got, 1)
	assert.Equal(t, resp.FileID, fx.queue.got[0].FileID)
	assert.Equal(t, "analyst1", fx.queue.got[0].RequestedBy)
}

func TestIntake_Validation(t *testing.T) {
	fx := newFixture(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"no case", IntakeRequest{StoragePath: "/e.csv", SourceFormat: "csv"}},
		{"no path", IntakeRequest{CaseID: 1, SourceFormat: "csv"}},
		{"unknown format", IntakeRequest{CaseID: 1, StoragePath: "/e.pcap", SourceFormat: "pcap"}},
		{"unknown field", map[string]any{"case_id": 1, "storage_path": "/e.csv", "source_format": "csv", "x": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodPost, "/api/v1/files", tt.body, nil))
		})
	}
	assert.Empty(t, fx.queue.got)
}

func TestIntake_QueueDownKeepsRecord(t *testing.T) {
	fx := newFixture(t, nil)
	fx.queue.fail = errors.New("nats: no responders")

	code := fx.do(t, http.MethodPost, "/api/v1/files",
		IntakeRequest{CaseID: 4, StoragePath: "/evidence/a.csv", SourceFormat: "csv"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	files, err := fx.repo.ListFiles(context.Background(), 4)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFiles_GetAndList(t *testing.T) {
	fx := newFixture(t, nil)
	a := testenv.File(t, fx.repo, 9, "/a.ndjson", "ndjson")
	testenv.File(t, fx.repo, 9, "/b.ndjson", "ndjson")

	var rec repository.FileRecord
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, fmt.Sprintf("/api/v1/files/%d", a.ID), nil, &rec))
	assert.Equal(t, "/a.ndjson", rec.StoragePath)

	var list []repository.FileRecord
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/v1/cases/9/files", nil, &list))
	assert.Len(t, list, 2)

	assert.Equal(t, http.StatusNotFound, fx.do(t, http.MethodGet, "/api/v1/files/999", nil, nil))
	assert.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodGet, "/api/v1/files/abc", nil, nil))
}

func TestOperations_EnqueueAndReject(t *testing.T) {
	fx := newFixture(t, nil)
	f := testenv.File(t, fx.repo, 2, "/a.ndjson", "ndjson")

	var resp TaskResponse
	code := fx.do(t, http.MethodPost, fmt.Sprintf("/api/v1/files/%d/operations", f.ID),
		OperationRequest{Operation: repository.OpIOCHunt}, &resp)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, int64(2), resp.CaseID)

	code = fx.do(t, http.MethodPost, fmt.Sprintf("/api/v1/files/%d/operations", f.ID),
		OperationRequest{Operation: "defragment"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = fx.do(t, http.MethodPost, "/api/v1/cases/2/operations",
		OperationRequest{Operation: repository.OpRuleScan}, &resp)
	require.Equal(t, http.StatusAccepted, code)

	code = fx.do(t, http.MethodPost, "/api/v1/cases/2/operations",
		OperationRequest{Operation: repository.OpReindex}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	require.Len(t, fx.queue.got, 2)
	assert.False(t, fx.queue.got[0].CaseWide())
	assert.True(t, fx.queue.got[1].CaseWide())
}

func TestCancel_FileAndCase(t *testing.T) {
	fx := newFixture(t, nil)
	a := testenv.File(t, fx.repo, 3, "/a.ndjson", "ndjson")
	testenv.File(t, fx.repo, 3, "/b.ndjson", "ndjson")

	var one map[string]any
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodPost, fmt.Sprintf("/api/v1/files/%d/cancel", a.ID), nil, &one))
	assert.Equal(t, true, one["cancel_requested"])

	var all map[string]any
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodPost, "/api/v1/cases/3/cancel", nil, &all))
	assert.Equal(t, float64(2), all["files_flagged"])

	rec, err := fx.repo.GetFile(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, rec.CancelRequested)
}

func TestClear_RefusedWhileFileIsClaimed(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	f := testenv.File(t, fx.repo, 6, "/a.ndjson", "ndjson")

	_, err := fx.guard.Begin(ctx, f.ID, repository.OpFull)
	require.NoError(t, err)

	code := fx.do(t, http.MethodPost, "/api/v1/cases/6/clear", ClearRequest{What: reset.WhatAll}, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestClear_FileScope(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	f := testenv.File(t, fx.repo, 6, "/a.ndjson", "ndjson")
	g := testenv.File(t, fx.repo, 6, "/b.ndjson", "ndjson")

	_, err := fx.repo.InsertViolations(ctx, []repository.Violation{
		{RuleID: "r1", RuleTitle: "R1", RuleLevel: "high", CaseID: 6, FileID: f.ID, DocumentID: "d1", DetectedAt: time.Now()},
		{RuleID: "r1", RuleTitle: "R1", RuleLevel: "high", CaseID: 6, FileID: g.ID, DocumentID: "d2", DetectedAt: time.Now()},
	})
	require.NoError(t, err)

	var report reset.Report
	code := fx.do(t, http.MethodPost, "/api/v1/cases/6/clear",
		ClearRequest{What: reset.WhatViolations, FileID: f.ID}, &report)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), report.ViolationsDeleted)

	var left []repository.Violation
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, fmt.Sprintf("/api/v1/files/%d/violations", g.ID), nil, &left))
	assert.Len(t, left, 1)
}

func TestIndicators_Lifecycle(t *testing.T) {
	fx := newFixture(t, nil)

	var ind repository.Indicator
	code := fx.do(t, http.MethodPost, "/api/v1/cases/8/indicators",
		IndicatorRequest{Type: repository.IndicatorIP, Value: "203.0.113.7"}, &ind)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, ind.Active)

	code = fx.do(t, http.MethodPost, "/api/v1/cases/8/indicators",
		IndicatorRequest{Type: repository.IndicatorIP, Value: "203.0.113.7"}, nil)
	assert.Equal(t, http.StatusConflict, code)

	code = fx.do(t, http.MethodPost, "/api/v1/cases/8/indicators",
		IndicatorRequest{Type: "mutex", Value: "Global\\x"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var updated repository.Indicator
	code = fx.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/indicators/%d", ind.ID), map[string]bool{"active": false}, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, updated.Active)

	var active []repository.Indicator
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/v1/cases/8/indicators?active=true", nil, &active))
	assert.Empty(t, active)

	assert.Equal(t, http.StatusNoContent, fx.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/indicators/%d", ind.ID), nil, nil))
	assert.Equal(t, http.StatusNotFound, fx.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/indicators/%d", ind.ID), nil, nil))
}

func TestAuth_MissingTokenRejected(t *testing.T) {
	fx := newFixture(t, nil)

	resp, err := http.Get(fx.server.URL + "/api/v1/cases/1/files")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Probes stay open.
	resp, err = http.Get(fx.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyz(t *testing.T) {
	fx := newFixture(t, map[string]Check{
		"database": func(ctx context.Context) error { return nil },
		"queue":    func(ctx context.Context) error { return errors.New("nats: disconnected") },
	})

	resp, err := http.Get(fx.server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Contains(t, body.Checks["queue"], "disconnected")
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t, nil)
	fx.do(t, http.MethodGet, "/api/v1/cases/1/files", nil, nil)

	resp, err := http.Get(fx.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `casehawk_http_requests_total{route="/api/v1/cases/{id}/files",status="200"}`)
}
