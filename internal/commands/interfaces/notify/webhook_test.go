package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	commandsevents "mowerlink/internal/commands/application/events"
	commands "mowerlink/internal/commands/domain"
)

type capture struct {
	mu       sync.Mutex
	payloads []webhookPayload
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func failedEvent(id string) commandsevents.CommandCompleted {
	return commandsevents.CommandCompleted{
		CommandID: id,
		DeviceID:  "351234567890123",
		Kind:      commands.KindWorkNow,
		Outcome: commands.Outcome{
			CommandID:     id,
			Kind:          commands.KindWorkNow,
			Status:        commands.OutcomeFailed,
			ErrorKind:     commands.Exhausted,
			LastErrorKind: commands.ServerBusy,
			Detail:        "server busy",
			Attempts:      3,
		},
		CompletedAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	c := &capture{}
	server := httptest.NewServer(http.HandlerFunc(c.handler))
	defer server.Close()

	n, err := NewWebhookNotifier(server.URL, "")
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	n.CommandCompleted(context.Background(), failedEvent("cmd-1"))
	n.Wait()

	if c.count() != 1 {
		t.Fatalf("expected 1 payload, got %d", c.count())
	}
	content := c.payloads[0].Text.Content
	for _, want := range []string{"[Mower command failed]", "work-now (cmd-1)", "exhausted (last: server_busy)", "Attempts: 3", "2026-05-01T08:00:00Z"} {
		if !strings.Contains(content, want) {
			t.Fatalf("content missing %q:\n%s", want, content)
		}
	}
	if c.payloads[0].MsgType != "text" {
		t.Fatalf("unexpected msgtype %q", c.payloads[0].MsgType)
	}
}

func TestWebhookNotifierSkipsSuccessAndRejections(t *testing.T) {
	c := &capture{}
	server := httptest.NewServer(http.HandlerFunc(c.handler))
	defer server.Close()

	n, err := NewWebhookNotifier(server.URL, "")
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ok := failedEvent("cmd-ok")
	ok.Outcome.Status = commands.OutcomeSuccess
	ok.Outcome.ErrorKind = ""
	rejected := failedEvent("cmd-bad")
	rejected.Outcome.ErrorKind = commands.ValidationRejected
	n.CommandCompleted(context.Background(), ok)
	n.CommandCompleted(context.Background(), rejected)
	n.Wait()
	if c.count() != 0 {
		t.Fatalf("expected no payloads, got %d", c.count())
	}
}

func TestWebhookNotifierDedupeWindow(t *testing.T) {
	c := &capture{}
	server := httptest.NewServer(http.HandlerFunc(c.handler))
	defer server.Close()

	n, err := NewWebhookNotifier(server.URL, "{{.Kind}} {{.ErrorKind}}", WithDedupeWindow(time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	n.CommandCompleted(context.Background(), failedEvent("cmd-1"))
	n.CommandCompleted(context.Background(), failedEvent("cmd-2"))
	now = now.Add(2 * time.Minute)
	n.CommandCompleted(context.Background(), failedEvent("cmd-3"))
	n.Wait()

	if c.count() != 2 {
		t.Fatalf("expected 2 payloads after dedupe, got %d", c.count())
	}
	if c.payloads[0].Text.Content != "work-now exhausted" {
		t.Fatalf("unexpected custom template output %q", c.payloads[0].Text.Content)
	}
}

func TestNewWebhookNotifierValidates(t *testing.T) {
	if _, err := NewWebhookNotifier("", ""); err == nil {
		t.Fatalf("expected empty url error")
	}
	if _, err := NewWebhookNotifier("http://example.invalid", "{{.Broken"); err == nil {
		t.Fatalf("expected template parse error")
	}
}
