package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/attic-io/attic/internal/state"
	"github.com/attic-io/attic/internal/tenant"
)

// mockService implements Service for testing.
type mockService struct {
	tenants   []string
	records   map[string][]state.Record
	runs      map[string][]state.RunLog
	busy      bool
	triggered []string
}

func (m *mockService) Tenants() []string { return m.tenants }

func (m *mockService) known(slug string) bool {
	for _, t := range m.tenants {
		if t == slug {
			return true
		}
	}
	return false
}

func (m *mockService) Records(_ context.Context, slug string, _ int) ([]state.Record, error) {
	if !m.known(slug) {
		return nil, tenant.ErrUnknownTenant
	}
	return m.records[slug], nil
}

func (m *mockService) Record(_ context.Context, slug string, id int64) (*state.Record, error) {
	if !m.known(slug) {
		return nil, tenant.ErrUnknownTenant
	}
	for _, r := range m.records[slug] {
		if r.TicketID == id {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *mockService) Runs(_ context.Context, slug string, _ int) ([]state.RunLog, error) {
	if !m.known(slug) {
		return nil, tenant.ErrUnknownTenant
	}
	return m.runs[slug], nil
}

func (m *mockService) Trigger(slug, kind string, _ []int64) error {
	if !m.known(slug) {
		return tenant.ErrUnknownTenant
	}
	if m.busy {
		return tenant.ErrBusy
	}
	m.triggered = append(m.triggered, slug+":"+kind)
	return nil
}

func newMockService() *mockService {
	return &mockService{
		tenants: []string{"acme"},
		records: map[string][]state.Record{
			"acme": {{
				TicketID: 101, FilesCount: 2, BytesTotal: 512,
				ObjectKeys: []string{"20260815/101_a.png"}, Status: "processed",
				ProcessedAt: time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC),
			}},
		},
		runs: map[string][]state.RunLog{
			"acme": {{ID: "run-1", Kind: "offload", TicketsProcessed: 5}},
		},
	}
}

func newTestServer(svc Service, key string) *Server {
	return NewServer(svc, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, nil)
}

func do(t *testing.T, srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := do(t, newTestServer(newMockService(), ""), "GET", "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(newMockService(), "sekrit")

	if w := do(t, srv, "GET", "/api/tenants", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", w.Code)
	}
	if w := do(t, srv, "GET", "/api/tenants", "", map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d, want 401", w.Code)
	}
	if w := do(t, srv, "GET", "/api/tenants", "", map[string]string{"Authorization": "Bearer sekrit"}); w.Code != http.StatusOK {
		t.Errorf("good key: status = %d, want 200", w.Code)
	}
	// Health stays open.
	if w := do(t, srv, "GET", "/api/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", w.Code)
	}
}

func TestListTenants(t *testing.T) {
	w := do(t, newTestServer(newMockService(), ""), "GET", "/api/tenants", "", nil)
	var got []string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0] != "acme" {
		t.Errorf("tenants = %v", got)
	}
}

func TestListRecords(t *testing.T) {
	srv := newTestServer(newMockService(), "")

	w := do(t, srv, "GET", "/api/tenants/acme/records", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []state.Record
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].TicketID != 101 {
		t.Errorf("records = %+v", got)
	}

	if w := do(t, srv, "GET", "/api/tenants/nope/records", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown tenant: status = %d, want 404", w.Code)
	}
}

func TestGetRecord(t *testing.T) {
	srv := newTestServer(newMockService(), "")

	w := do(t, srv, "GET", "/api/tenants/acme/records/101", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got state.Record
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FilesCount != 2 || len(got.ObjectKeys) != 1 {
		t.Errorf("record = %+v", got)
	}

	if w := do(t, srv, "GET", "/api/tenants/acme/records/999", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", w.Code)
	}
	if w := do(t, srv, "GET", "/api/tenants/acme/records/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	w := do(t, newTestServer(newMockService(), ""), "GET", "/api/tenants/acme/runs", "", nil)
	var got []state.RunLog
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "run-1" {
		t.Errorf("runs = %+v", got)
	}
}

func TestTriggerRun(t *testing.T) {
	svc := newMockService()
	srv := newTestServer(svc, "")

	w := do(t, srv, "POST", "/api/tenants/acme/run", `{"kind": "recheck"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(svc.triggered) != 1 || svc.triggered[0] != "acme:recheck" {
		t.Errorf("triggered = %v", svc.triggered)
	}
}

func TestTriggerRunDefaultsToOffload(t *testing.T) {
	svc := newMockService()
	srv := newTestServer(svc, "")

	if w := do(t, srv, "POST", "/api/tenants/acme/run", `{}`, nil); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if len(svc.triggered) != 1 || svc.triggered[0] != "acme:offload" {
		t.Errorf("triggered = %v", svc.triggered)
	}
}

func TestTriggerRunBusy(t *testing.T) {
	svc := newMockService()
	svc.busy = true
	srv := newTestServer(svc, "")

	if w := do(t, srv, "POST", "/api/tenants/acme/run", `{"kind": "offload"}`, nil); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestTriggerRunBadJSON(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	if w := do(t, srv, "POST", "/api/tenants/acme/run", "{nope", nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestLogsWithoutBuffer(t *testing.T) {
	w := do(t, newTestServer(newMockService(), ""), "GET", "/api/logs", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %q, want empty array", body)
	}
}
