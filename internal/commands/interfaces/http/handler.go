package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"mowerlink/internal/audit"
	"mowerlink/internal/auth"
	commandsapp "mowerlink/internal/commands/application"
	commands "mowerlink/internal/commands/domain"
	commandsexport "mowerlink/internal/commands/interfaces"
	"mowerlink/internal/observability/metrics"
)

const maxBodyBytes = 64 << 10

// Issuer issues one command and waits for its outcome.
type Issuer interface {
	Issue(ctx context.Context, req commandsapp.IssueRequest) (commands.Outcome, error)
}

// HistoryLister lists completed commands.
type HistoryLister interface {
	List(ctx context.Context, from, to time.Time) ([]commands.HistoryRecord, error)
}

// Handler provides command HTTP endpoints.
type Handler struct {
	issuer      Issuer
	history     HistoryLister
	deviceID    string
	auditLogger audit.Logger
}

// NewHandler constructs a handler. history may be nil when no store is
// configured; listing then answers 503.
func NewHandler(issuer Issuer, history HistoryLister, deviceID string, auditLogger audit.Logger) (*Handler, error) {
	if issuer == nil {
		return nil, errors.New("commands handler: nil issuer")
	}
	return &Handler{issuer: issuer, history: history, deviceID: deviceID, auditLogger: auditLogger}, nil
}

// ServeHTTP handles /api/v1/commands and its export endpoints.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimRight(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(path, "/export.xlsx"):
		h.handleExport(w, r, "xlsx")
	case strings.HasSuffix(path, "/export.pdf"):
		h.handleExport(w, r, "pdf")
	case r.Method == http.MethodPost:
		h.handlePost(w, r)
	case r.Method == http.MethodGet:
		h.handleGet(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req commandsapp.IssueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind required", http.StatusBadRequest)
		return
	}

	outcome, err := h.issuer.Issue(r.Context(), req)
	if err != nil {
		if errors.Is(err, commandsapp.ErrDispatcherStopped) {
			http.Error(w, "dispatcher stopped", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, statusFor(outcome), outcome)

	h.logAudit(r, "command.issue", outcome.CommandID, body)
}

// statusFor maps an outcome to the response status.
func statusFor(outcome commands.Outcome) int {
	switch outcome.Status {
	case commands.OutcomeSuccess:
		return http.StatusOK
	case commands.OutcomeTimeout:
		return http.StatusGatewayTimeout
	}
	if outcome.ErrorKind == commands.ValidationRejected {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseWindow(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		http.Error(w, "history not configured", http.StatusServiceUnavailable)
		return
	}
	list, err := h.history.List(r.Context(), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []commands.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveHistoryExport(format, result, time.Since(start))
	}()

	from, to, ok := parseWindow(w, r)
	if !ok {
		result = metrics.ResultError
		return
	}
	if h.history == nil {
		result = metrics.ResultError
		http.Error(w, "history not configured", http.StatusServiceUnavailable)
		return
	}
	records, err := h.history.List(r.Context(), from, to)
	if err != nil {
		result = metrics.ResultError
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	report := commandsexport.HistoryReport{DeviceID: h.deviceID, From: from, To: to, Records: records}

	var (
		data        []byte
		contentType string
	)
	switch format {
	case "pdf":
		data, err = commandsexport.BuildHistoryPDF(report)
		contentType = "application/pdf"
	default:
		data, err = commandsexport.BuildHistoryXLSX(report)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		result = metrics.ResultError
		http.Error(w, "export "+format+" error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=command-history."+format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)

	meta, _ := json.Marshal(map[string]any{"format": format, "records": len(records)})
	h.logAudit(r, "command.export", "", meta)
}

// parseWindow reads optional RFC3339 from/to query values. Missing bounds
// default to the last 24 hours.
func parseWindow(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return from, to, false
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return from, to, false
		}
		to = t
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return from, to, false
	}
	return from, to, true
}

func (h *Handler) logAudit(r *http.Request, action, commandID string, payload []byte) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:         auth.SubjectFromContext(r.Context()),
		Role:          string(auth.RoleFromContext(r.Context())),
		Action:        action,
		ResourceType:  "command",
		ResourceID:    commandID,
		DeviceID:      h.deviceID,
		Metadata:      payload,
		PayloadDigest: audit.DigestJSON(payload),
		IP:            audit.ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
