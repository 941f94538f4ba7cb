package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/arnavshah/rota-api-go/pkg/auth"
	"github.com/arnavshah/rota-api-go/pkg/config"
	"github.com/arnavshah/rota-api-go/pkg/coordinator"
	"github.com/arnavshah/rota-api-go/pkg/database"
	"github.com/arnavshah/rota-api-go/pkg/ledger"
	"github.com/arnavshah/rota-api-go/pkg/logging"
	"github.com/arnavshah/rota-api-go/pkg/models"
	"github.com/arnavshah/rota-api-go/pkg/oracle"
	"github.com/arnavshah/rota-api-go/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	h      *Handler
	router *gin.Engine
	key    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, oracle.Noop{})
}

func newTestEnvWith(t *testing.T, o oracle.Oracle) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open("", filepath.Join(dir, "rota.db"))
	require.NoError(t, err)

	a, err := auth.New("jwt-secret", "master-secret")
	require.NoError(t, err)
	a.Cost = bcrypt.MinCost

	fs, err := store.NewFileStore(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)

	roster := &database.Roster{DB: db}
	require.NoError(t, roster.Replace(context.Background(), []models.RosterMember{
		{ID: 1, Name: "Al", Active: true},
		{ID: 2, Name: "Bo", Active: true},
		{ID: 3, Name: "Cy", Active: true},
	}))
	runs := &database.RunLog{DB: db}

	coord, err := coordinator.New(coordinator.Options{
		Ledger:   ledger.New(ledger.NewState("seed-test")),
		Store:    fs,
		Roster:   roster,
		Rota:     config.StaticRota{R: config.Rota{Areas: []config.Area{{Name: "lobby", Count: 1}}, DefaultInstruction: "rotate"}},
		Oracle:   o,
		Recorder: runs,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	h := &Handler{DB: db, Auth: a, Coord: coord, Roster: roster, Runs: runs, Logger: logging.Discard()}
	return &testEnv{h: h, router: NewRouter(h), key: a.GenerateHMACKey("ops")}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestStatusFor(t *testing.T) {
	cases := map[models.OutcomeCode]int{
		models.CodeOK:              http.StatusOK,
		models.CodeValidation:      http.StatusBadRequest,
		models.CodeConfig:          http.StatusPreconditionFailed,
		models.CodeBusy:            http.StatusConflict,
		models.CodeTimeout:         http.StatusGatewayTimeout,
		models.CodeOracleMalformed: http.StatusBadGateway,
		models.CodeRunFailed:       http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusFor(code), code)
	}
}

func TestAPI_RequiresKey(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, "GET", "/api/state", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, "GET", "/api/state", "ops.forged", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/api/state", e.key, nil).Code)
}

func TestAPI_RunAndQuery(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/run", e.key, gin.H{"coverage_days": 3, "start_from_today": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode(t, w)
	assert.Equal(t, "ok", res["code"])
	assert.Equal(t, true, res["success"])

	w = e.do(t, "GET", "/api/schedule", e.key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	days := decode(t, w)["days"].([]any)
	assert.Len(t, days, 3)

	w = e.do(t, "GET", "/api/schedule?from=bad", e.key, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "GET", "/api/runs", e.key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["runs"].([]any), 1)

	w = e.do(t, "GET", "/api/debts", e.key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	debts := decode(t, w)
	assert.Empty(t, debts["debts"])
	assert.Equal(t, float64(3), debts["main_pointer"])

	w = e.do(t, "GET", "/api/usage", e.key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	totals := decode(t, w)["totals"].(map[string]any)
	assert.Equal(t, float64(1), totals["runs"])
	assert.Equal(t, float64(3), totals["days"])

	w = e.do(t, "GET", "/api/roster", e.key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["members"].([]any), 3)

	w = e.do(t, "GET", "/api/state", e.key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "committed", decode(t, w)["phase"])
}

func TestAPI_RunFailuresMapToStatus(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/run", e.key, gin.H{"apply_mode": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decode(t, w)["code"])

	require.NoError(t, e.h.Roster.Replace(context.Background(), nil))
	w = e.do(t, "POST", "/api/run", e.key, gin.H{})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "config", decode(t, w)["code"])
}

func TestAPI_Validate(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/validate", e.key, gin.H{"coverage_days": 2})
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, true, out["valid"])
	preview := out["preview"].(map[string]any)
	assert.Len(t, preview["window"].([]any), 2)

	w = e.do(t, "POST", "/api/validate", e.key, gin.H{"coverage_days": -4})
	out = decode(t, w)
	assert.Equal(t, false, out["valid"])
	assert.Equal(t, "validation", out["code"])
}

func TestAPI_RunStream(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	req, err := http.NewRequest("POST", srv.URL+"/api/run?stream=1", bytes.NewBufferString(`{"coverage_days":2}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "event:result")
	assert.Contains(t, string(body), `"code":"ok"`)
}

type oracleFunc func(ctx context.Context, c oracle.Context, events chan<- oracle.Event) (*oracle.Proposal, error)

func (f oracleFunc) Invoke(ctx context.Context, c oracle.Context, events chan<- oracle.Event) (*oracle.Proposal, error) {
	return f(ctx, c, events)
}

func TestAPI_RunStreamDisconnectStillRecordsUsage(t *testing.T) {
	release := make(chan struct{})
	e := newTestEnvWith(t, oracleFunc(func(ctx context.Context, c oracle.Context, events chan<- oracle.Event) (*oracle.Proposal, error) {
		events <- oracle.Event{Kind: oracle.EventStatus, Text: "working"}
		<-release
		return &oracle.Proposal{}, nil
	}))
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "POST", srv.URL+"/api/run?stream=1", bytes.NewBufferString(`{"coverage_days":2}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event:progress")

	cancel()
	resp.Body.Close()
	close(release)

	assert.Eventually(t, func() bool {
		w := e.do(t, "GET", "/api/usage", e.key, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var out struct {
			Totals struct {
				Runs int `json:"runs"`
				Days int `json:"days"`
			} `json:"totals"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			return false
		}
		return out.Totals.Runs == 1 && out.Totals.Days == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func login(t *testing.T, e *testEnv) string {
	t.Helper()
	_, err := e.h.Auth.EnsureAdminExists(e.h.DB, "root", "hunter2")
	require.NoError(t, err)

	w := e.do(t, "POST", "/admin/login", "", gin.H{"username": "root", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, "POST", "/admin/login", "", gin.H{"username": "root", "password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code)
	return decode(t, w)["access_token"].(string)
}

func TestAdmin_RosterAndReset(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, "PUT", "/admin/roster", "", gin.H{}).Code)
	token := login(t, e)

	w := e.do(t, "PUT", "/admin/roster", token, gin.H{"members": []gin.H{
		{"id": 1, "name": "Al"},
		{"id": 2, "name": "Bo", "active": false},
		{"id": 4, "name": "Di"},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	members, err := e.h.Roster.Members(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.False(t, members[1].Active)

	w = e.do(t, "PATCH", "/admin/roster/2", token, gin.H{"active": true})
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, "PATCH", "/admin/roster/99", token, gin.H{"active": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(t, "PATCH", "/admin/roster/2", token, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/run", e.key, gin.H{"coverage_days": 2}).Code)
	w = e.do(t, "POST", "/admin/ledger/reset", token, gin.H{"seed_anchor": "fresh"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	state := e.h.Coord.Ledger().Snapshot()
	assert.Equal(t, "fresh", state.SeedAnchor)
	assert.Empty(t, state.SchedulePool)
}

func TestAdmin_Keys(t *testing.T) {
	e := newTestEnv(t)
	token := login(t, e)

	w := e.do(t, "POST", "/admin/keys", token, gin.H{"name": "frontdesk"})
	require.Equal(t, http.StatusOK, w.Code)
	key := decode(t, w)["key"].(string)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/api/roster", key, nil).Code)

	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/admin/keys", token, gin.H{}).Code)

	w = e.do(t, "GET", "/admin/keys", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	keys := decode(t, w)["keys"].([]any)
	require.Len(t, keys, 1)
	id := keys[0].(map[string]any)["id"]

	path := "/admin/keys/" + jsonNumber(id)
	assert.Equal(t, http.StatusOK, e.do(t, "PUT", path, token, gin.H{"rate_limit": 50}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "PUT", path, token, gin.H{"rate_limit": -1}).Code)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/admin/usage/"+jsonNumber(id), token, nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, "DELETE", path, token, nil).Code)
}

func jsonNumber(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func TestMetricsAndHealth(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/run", e.key, gin.H{"coverage_days": 1})

	w := e.do(t, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rota_run_total")

	w = e.do(t, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}
