package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mowerlink/internal/audit"
	"mowerlink/internal/auth"
	commandsapp "mowerlink/internal/commands/application"
	commands "mowerlink/internal/commands/domain"
	"mowerlink/internal/commands/infrastructure/memory"
)

const testDevice = "351234567890123"

type stubIssuer struct {
	outcome commands.Outcome
	err     error
	got     commandsapp.IssueRequest
}

func (s *stubIssuer) Issue(_ context.Context, req commandsapp.IssueRequest) (commands.Outcome, error) {
	s.got = req
	return s.outcome, s.err
}

type recordingAudit struct {
	entries []audit.Entry
}

func (r *recordingAudit) Log(_ context.Context, entry audit.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func newHistory(t *testing.T, records ...commands.HistoryRecord) *commandsapp.History {
	t.Helper()
	repo := memory.NewHistoryRepository(0)
	for _, rec := range records {
		if err := repo.Save(context.Background(), rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	history, err := commandsapp.NewHistory(repo, nil)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	return history
}

func TestPostCommandStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		outcome commands.Outcome
		err     error
		want    int
	}{
		{name: "success", outcome: commands.Outcome{Status: commands.OutcomeSuccess}, want: http.StatusOK},
		{name: "validation", outcome: commands.Outcome{Status: commands.OutcomeFailed, ErrorKind: commands.ValidationRejected}, want: http.StatusBadRequest},
		{name: "exhausted", outcome: commands.Outcome{Status: commands.OutcomeFailed, ErrorKind: commands.Exhausted}, want: http.StatusBadGateway},
		{name: "timeout", outcome: commands.Outcome{Status: commands.OutcomeTimeout}, want: http.StatusGatewayTimeout},
		{name: "stopped", err: commandsapp.ErrDispatcherStopped, want: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issuer := &stubIssuer{outcome: tc.outcome, err: tc.err}
			handler, err := NewHandler(issuer, nil, testDevice, nil)
			if err != nil {
				t.Fatalf("new handler: %v", err)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(`{"kind":"work-now"}`))
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestPostCommandDecodesParamsAndAudits(t *testing.T) {
	issuer := &stubIssuer{outcome: commands.Outcome{CommandID: "cmd-1", Status: commands.OutcomeSuccess, Attempts: 1}}
	recorder := &recordingAudit{}
	handler, _ := NewHandler(issuer, nil, testDevice, recorder)

	body := `{"kind":"charge-until","params":{"hours":7,"minutes":30},"timeout_seconds":5}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleOperator, "alice"))
	req.Header.Set("X-Forwarded-For", "10.0.0.9, 10.0.0.1")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if issuer.got.Kind != commands.KindChargeUntil || issuer.got.TimeoutSeconds != 5 || issuer.got.Params["minutes"] != float64(30) {
		t.Fatalf("unexpected issue request: %+v", issuer.got)
	}
	var outcome commands.Outcome
	if err := json.Unmarshal(resp.Body.Bytes(), &outcome); err != nil || outcome.CommandID != "cmd-1" {
		t.Fatalf("unexpected body %s: %v", resp.Body.String(), err)
	}
	if len(recorder.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Actor != "alice" || entry.Action != "command.issue" || entry.IP != "10.0.0.9" || entry.DeviceID != testDevice || entry.PayloadDigest == "" {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
}

func TestPostCommandRejectsMalformedBody(t *testing.T) {
	issuer := &stubIssuer{}
	handler, _ := NewHandler(issuer, nil, testDevice, nil)
	for _, body := range []string{"{", `{"params":{}}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.Code)
		}
	}
}

func TestGetCommandHistory(t *testing.T) {
	now := time.Now().UTC()
	history := newHistory(t,
		commands.HistoryRecord{CommandID: "old", Status: commands.OutcomeSuccess, CompletedAt: now.Add(-48 * time.Hour)},
		commands.HistoryRecord{CommandID: "recent", Status: commands.OutcomeFailed, ErrorKind: commands.Exhausted, CompletedAt: now.Add(-time.Hour)},
	)
	handler, _ := NewHandler(&stubIssuer{}, history, testDevice, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/commands", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var list []commands.HistoryRecord
	if err := json.Unmarshal(resp.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].CommandID != "recent" {
		t.Fatalf("expected last 24h only, got %+v", list)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/commands?from=yesterday", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", resp.Code)
	}
}

func TestExportHistory(t *testing.T) {
	now := time.Now().UTC()
	history := newHistory(t, commands.HistoryRecord{CommandID: "c1", Kind: commands.KindWorkNow, Status: commands.OutcomeSuccess, CompletedAt: now.Add(-time.Minute)})
	recorder := &recordingAudit{}
	handler, _ := NewHandler(&stubIssuer{}, history, testDevice, recorder)

	cases := map[string]string{
		"/api/v1/commands/export.pdf":  "application/pdf",
		"/api/v1/commands/export.xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
	for path, contentType := range cases {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
		if got := resp.Header().Get("Content-Type"); got != contentType {
			t.Fatalf("%s: unexpected content type %q", path, got)
		}
		if resp.Body.Len() == 0 {
			t.Fatalf("%s: empty export", path)
		}
	}
	if len(recorder.entries) != 2 || recorder.entries[0].Action != "command.export" {
		t.Fatalf("expected export audit entries, got %+v", recorder.entries)
	}
}

func TestListWithoutHistoryStore(t *testing.T) {
	handler, _ := NewHandler(&stubIssuer{}, nil, testDevice, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/commands", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
