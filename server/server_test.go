package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"idealsize/db"
	"idealsize/logging"
	"idealsize/metrics"
	"idealsize/node"
	"idealsize/sizing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memModels struct {
	mu     sync.Mutex
	models map[string]db.ModelRecord
}

func newMemModels(records ...db.ModelRecord) *memModels {
	m := &memModels{models: make(map[string]db.ModelRecord)}
	for _, r := range records {
		m.models[r.Key] = r
	}
	return m
}

func (m *memModels) ResolveBaseModel(_ context.Context, key string) (string, error) {
	rec, err := m.GetModel(context.Background(), key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", node.ErrUnknownModel, err)
	}
	return rec.BaseModel, nil
}

func (m *memModels) GetModel(_ context.Context, key string) (db.ModelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.models[key]
	if !ok {
		return db.ModelRecord{}, fmt.Errorf("%w: model %s", db.ErrNotFound, key)
	}
	return rec, nil
}

func (m *memModels) ListModels(_ context.Context) ([]db.ModelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.ModelRecord, 0, len(m.models))
	for _, r := range m.models {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memModels) UpsertModel(_ context.Context, rec db.ModelRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[rec.Key] = rec
	return nil
}

func (m *memModels) DeleteModel(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[key]; !ok {
		return fmt.Errorf("%w: model %s", db.ErrNotFound, key)
	}
	delete(m.models, key)
	return nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []node.HistoryEntry
}

func (h *memHistory) RecordInvocation(_ context.Context, e node.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) ListHistory(_ context.Context, limit int) ([]db.InvocationRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []db.InvocationRecord{}
	for i := len(h.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := h.entries[i]
		out = append(out, db.InvocationRecord{
			InvocationID: e.InvocationID,
			NodeType:     e.NodeType,
			ModelFamily:  e.Family.String(),
		})
	}
	return out, nil
}

func newTestServer(t *testing.T, cfg Config, services Services) *Server {
	t.Helper()
	if services.Registry == nil {
		reg, err := node.NewDefaultRegistry(node.DefaultInputs())
		require.NoError(t, err)
		services.Registry = reg
	}
	s, err := NewServer(cfg, services, logging.NewNop())
	require.NoError(t, err)
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0
	cfg.LimiterCleanupIn = 0
	return cfg
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(testConfig(), Services{}, nil)
	assert.Error(t, err)
}

func TestNewServer_RejectsInvalidTokenHash(t *testing.T) {
	cfg := testConfig()
	cfg.APITokenHash = "not-a-hash"

	reg, err := node.NewDefaultRegistry(node.DefaultInputs())
	require.NoError(t, err)
	_, err = NewServer(cfg, Services{Registry: reg}, nil)
	assert.ErrorIs(t, err, ErrInvalidTokenHash)
}

func TestHandleHealth(t *testing.T) {
	cfg := testConfig()
	cfg.VersionInfo = VersionInfo{Version: "1.2.3", GitCommit: "abc123"}
	s := newTestServer(t, cfg, Services{})

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Build.Version)
	assert.Equal(t, "abc123", resp.Build.GitCommit)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestHandleListNodes(t *testing.T) {
	s := newTestServer(t, testConfig(), Services{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var schemas []node.Schema
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schemas))
	require.Len(t, schemas, 2)
	assert.Equal(t, node.IdealSizeVersion1, schemas[0].Version)
	assert.Equal(t, node.IdealSizeVersion, schemas[1].Version)
	assert.Equal(t, "Ideal Size", schemas[1].UI.Title)
}

func TestHandleInvoke(t *testing.T) {
	models := newMemModels(db.ModelRecord{Key: "sdxl-base", BaseModel: "sdxl"})
	history := &memHistory{}
	s := newTestServer(t, testConfig(), Services{Models: models, History: history})

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantSize   sizing.Size
	}{
		{
			name:       "defaults",
			path:       "/api/nodes/ideal_size/invoke",
			body:       "",
			wantStatus: http.StatusOK,
			wantSize:   sizing.Size{Width: 680, Height: 384},
		},
		{
			name:       "explicit base model",
			path:       "/api/nodes/ideal_size/invoke",
			body:       `{"width":1920,"height":1080,"unet":{"unet":{"key":"m","base_model":"sdxl"}}}`,
			wantStatus: http.StatusOK,
			wantSize:   sizing.Size{Width: 1360, Height: 768},
		},
		{
			name:       "model key resolved from catalog",
			path:       "/api/nodes/ideal_size/invoke",
			body:       `{"width":1024,"height":1024,"unet":{"unet":{"key":"sdxl-base"}}}`,
			wantStatus: http.StatusOK,
			wantSize:   sizing.Size{Width: 1024, Height: 1024},
		},
		{
			name:       "multiplier ignored by 1.0.0",
			path:       "/api/nodes/ideal_size/invoke?version=1.0.0",
			body:       `{"width":1024,"height":1024,"multiplier":2}`,
			wantStatus: http.StatusOK,
			wantSize:   sizing.Size{Width: 512, Height: 512},
		},
		{
			name:       "multiplier",
			path:       "/api/nodes/ideal_size/invoke",
			body:       `{"width":1024,"height":1024,"multiplier":2}`,
			wantStatus: http.StatusOK,
			wantSize:   sizing.Size{Width: 1024, Height: 1024},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get(InvocationIDHeader))

			var out node.IdealSizeOutput
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			assert.Equal(t, node.IdealSizeOutputType, out.Type)
			assert.Equal(t, tt.wantSize.Width, out.Width)
			assert.Equal(t, tt.wantSize.Height, out.Height)
		})
	}

	history.mu.Lock()
	defer history.mu.Unlock()
	assert.Len(t, history.entries, len(tests))
}

func TestHandleInvoke_Errors(t *testing.T) {
	s := newTestServer(t, testConfig(), Services{Models: newMemModels()})

	tests := []struct {
		name        string
		path        string
		body        string
		wantStatus  int
		wantDetails int
	}{
		{"unknown node", "/api/nodes/nope/invoke", "", http.StatusNotFound, 0},
		{"unknown version", "/api/nodes/ideal_size/invoke?version=9.9.9", "", http.StatusNotFound, 0},
		{"malformed json", "/api/nodes/ideal_size/invoke", `{"width":`, http.StatusBadRequest, 0},
		{"type mismatch", "/api/nodes/ideal_size/invoke", `{"type":"other"}`, http.StatusBadRequest, 0},
		{"invalid inputs", "/api/nodes/ideal_size/invoke", `{"width":0,"height":-1,"multiplier":0}`, http.StatusBadRequest, 3},
		{"unknown model key", "/api/nodes/ideal_size/invoke", `{"unet":{"unet":{"key":"missing"}}}`, http.StatusUnprocessableEntity, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			resp := decodeError(t, rec)
			assert.Equal(t, http.StatusText(tt.wantStatus), resp.Error)
			assert.NotEmpty(t, resp.Message)
			assert.Len(t, resp.Details, tt.wantDetails)
		})
	}
}

func TestHandleInvoke_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, testConfig(), Services{})

	body := `{"width":1024,"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec := do(t, s.Handler(), http.MethodPost, "/api/nodes/ideal_size/invoke", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleInvoke_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, testConfig(), Services{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/nodes/ideal_size/invoke", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleFamilies(t *testing.T) {
	table, err := sizing.DefaultFamilyTable().With(map[sizing.ModelFamily]int{"flux": 1024})
	require.NoError(t, err)
	s := newTestServer(t, testConfig(), Services{Calculator: sizing.NewCalculator(table)})

	rec := do(t, s.Handler(), http.MethodGet, "/api/families", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp familiesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, sizing.DefaultNativeDimension, resp.DefaultDimension)
	assert.Equal(t, []sizing.FamilyEntry{
		{Family: "flux", Dimension: 1024},
		{Family: sizing.StableDiffusion1, Dimension: 512},
		{Family: sizing.StableDiffusion2, Dimension: 768},
		{Family: sizing.StableDiffusionXL, Dimension: 1024},
	}, resp.Families)
}

func TestHandleHistory(t *testing.T) {
	history := &memHistory{}
	s := newTestServer(t, testConfig(), Services{History: history})

	for i := 0; i < 3; i++ {
		rec := do(t, s.Handler(), http.MethodPost, "/api/nodes/ideal_size/invoke", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, s.Handler(), http.MethodGet, "/api/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []db.InvocationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, node.IdealSizeType, records[0].NodeType)
	assert.Equal(t, string(sizing.Unknown), records[0].ModelFamily)

	for _, limit := range []string{"abc", "0", "-5"} {
		rec := do(t, s.Handler(), http.MethodGet, "/api/history?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestHandleHistory_Disabled(t *testing.T) {
	s := newTestServer(t, testConfig(), Services{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	history := &memHistory{}
	store := metrics.NewStore(metrics.StoreConfig{RecentCapacity: 10, Version: "1.2.3"}, time.Now())
	s := newTestServer(t, testConfig(), Services{History: history, Metrics: store})

	rec := do(t, s.Handler(), http.MethodPost, "/api/nodes/ideal_size/invoke",
		`{"width":1920,"height":1080,"unet":{"unet":{"key":"k","base_model":"sdxl"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s.Handler(), http.MethodPost, "/api/nodes/ideal_size/invoke", `{"width":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "1.2.3", snap.System.Version)
	assert.Equal(t, int64(2), snap.Invocations.TotalInvocations)
	assert.Equal(t, int64(1), snap.Invocations.TotalErrors)
	assert.Equal(t, int64(1), snap.Invocations.ByFamily["sdxl"])

	// both recorders saw the invocations
	rec = do(t, s.Handler(), http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []db.InvocationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 2)

	rec = do(t, s.Handler(), http.MethodGet, "/api/metrics/recent?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recent []metrics.InvocationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, metrics.StatusError, recent[0].Status)

	rec = do(t, s.Handler(), http.MethodGet, "/api/metrics/recent?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMetrics_Disabled(t *testing.T) {
	s := newTestServer(t, testConfig(), Services{})

	for _, path := range []string{"/api/metrics", "/api/metrics/recent"} {
		rec := do(t, s.Handler(), http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestModelRoutes(t *testing.T) {
	models := newMemModels()
	s := newTestServer(t, testConfig(), Services{Models: models})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/models", `{"key":"juggernaut","name":"Juggernaut XL","base_model":"StableDiffusionXL"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var saved db.ModelRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, "juggernaut", saved.Key)
	assert.Equal(t, string(sizing.StableDiffusionXL), saved.BaseModel)

	rec = do(t, h, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []db.ModelRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = do(t, h, http.MethodPost, "/api/nodes/ideal_size/invoke", `{"width":1920,"height":1080,"unet":{"unet":{"key":"juggernaut"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out node.IdealSizeOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1360, out.Width)

	rec = do(t, h, http.MethodDelete, "/api/models/juggernaut", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/models/juggernaut", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUpsertModel_Invalid(t *testing.T) {
	s := newTestServer(t, testConfig(), Services{Models: newMemModels()})

	for _, body := range []string{
		`{"key":"","base_model":"sdxl"}`,
		`{"key":"m","base_model":"  "}`,
		`{"key":"m","base_model":"sdxl","extra":1}`,
		`not json`,
	} {
		rec := do(t, s.Handler(), http.MethodPost, "/api/models", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestModelRoutes_Disabled(t *testing.T) {
	s := newTestServer(t, testConfig(), Services{})

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/models", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodDelete, "/api/models/x", "").Code)
}

func TestAuthProtectsAPI(t *testing.T) {
	hash, err := HashToken("s3cret", 4)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.APITokenHash = hash
	s := newTestServer(t, cfg, Services{})
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)

	rec := do(t, h, http.MethodGet, "/api/nodes", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = do(t, h, http.MethodGet, "/api/nodes", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/nodes", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func requestFrom(remote string, headers ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = remote
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func serveCode(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 2
	s := newTestServer(t, cfg, Services{})
	h := s.Handler()

	assert.Equal(t, http.StatusOK, serveCode(h, requestFrom("203.0.113.9:4000")).Code)
	assert.Equal(t, http.StatusOK, serveCode(h, requestFrom("203.0.113.9:4001")).Code)

	rec := serveCode(h, requestFrom("203.0.113.9:4002"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Other peers have their own bucket.
	assert.Equal(t, http.StatusOK, serveCode(h, requestFrom("203.0.113.10:4000")).Code)
}

func TestRateLimitMiddleware_IgnoresForwardingHeadersFromUntrustedPeer(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg, Services{})
	h := s.Handler()

	allowed := 0
	for i := 0; i < 50; i++ {
		req := requestFrom("203.0.113.9:4000",
			"X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i),
			"X-Real-IP", fmt.Sprintf("10.1.0.%d", i))
		if serveCode(h, req).Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestRateLimitMiddleware_TrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	cfg.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	s := newTestServer(t, cfg, Services{})
	h := s.Handler()

	// Clients behind the proxy are told apart by X-Forwarded-For.
	assert.Equal(t, http.StatusOK, serveCode(h, requestFrom("10.0.0.2:80", "X-Forwarded-For", "198.51.100.1")).Code)
	assert.Equal(t, http.StatusOK, serveCode(h, requestFrom("10.0.0.2:80", "X-Forwarded-For", "198.51.100.2")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serveCode(h, requestFrom("10.0.0.2:80", "X-Forwarded-For", "198.51.100.1")).Code)

	// A client prepending its own entries is still keyed on the hop the proxy added.
	assert.Equal(t, http.StatusTooManyRequests,
		serveCode(h, requestFrom("10.0.0.3:80", "X-Forwarded-For", "1.2.3.4, 198.51.100.2")).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(logging.NewNop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeError(t, rec).Message)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{node.ErrUnknownNode, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", db.ErrNotFound), http.StatusNotFound},
		{node.ErrInvalidInput, http.StatusBadRequest},
		{fmt.Errorf("%w: %w", node.ErrUnknownModel, db.ErrNotFound), http.StatusUnprocessableEntity},
		{sizing.ErrDivisionByZero, http.StatusUnprocessableEntity},
		{sizing.ErrDomain, http.StatusUnprocessableEntity},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:1234", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": " 203.0.113.8 "}, "10.0.0.1:1234", "203.0.113.8"},
		{"remote addr", nil, "192.0.2.10:5555", "192.0.2.10"},
		{"remote addr without port", nil, "192.0.2.11", "192.0.2.11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.LimiterCleanupIn = 10 * time.Millisecond
	s := newTestServer(t, cfg, Services{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
