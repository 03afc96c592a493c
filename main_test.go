package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	commandsapp "mowerlink/internal/commands/application"
	commands "mowerlink/internal/commands/domain"
	"mowerlink/internal/config"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"profile=2", "zone={\"latitude\":45.1,\"longitude\":9.2}", "note=hello world"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["profile"] != float64(2) {
		t.Fatalf("expected numeric profile, got %#v", got["profile"])
	}
	zone, ok := got["zone"].(map[string]any)
	if !ok || zone["latitude"] != 45.1 {
		t.Fatalf("expected decoded object, got %#v", got["zone"])
	}
	if got["note"] != "hello world" {
		t.Fatalf("expected raw string, got %#v", got["note"])
	}
	if _, err := parseParams([]string{"noequals"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}

func TestPrintDryRun(t *testing.T) {
	cfg := config.Default()
	cfg.Device.IMEI = "351234567890123"
	var buf bytes.Buffer
	if err := printDryRun(&buf, cfg, commands.KindWorkNow, nil); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	var req struct {
		Auth struct {
			SessionID string `json:"sessionId"`
		} `json:"auth"`
		Data struct {
			Command string         `json:"command"`
			Params  map[string]any `json:"params"`
		} `json:"data"`
	}
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Data.Command != "method.exec" || req.Data.Params["imei"] != cfg.Device.IMEI || req.Auth.SessionID != "<session>" {
		t.Fatalf("unexpected request: %s", buf.String())
	}

	if err := printDryRun(&buf, cfg, commands.KindProfileSelect, map[string]any{"profile_id": 9}); err == nil {
		t.Fatalf("expected validation error for out-of-range profile")
	}
}

func TestRunSendDeliversFailureWebhookBeforeReturning(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "api.authenticate") {
			_, _ = w.Write([]byte(`{"auth":{"success":true,"params":{"sessionId":"sess-1"}}}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer api.Close()

	var hooks int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&hooks, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	cfg := config.Default()
	cfg.Device.IMEI = "351234567890123"
	cfg.Device.ClientKey = "abcdefghijklmnopqrstuvwxyz01"
	cfg.API.Endpoint = api.URL
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.Schedule = []time.Duration{time.Millisecond}
	cfg.Notify.WebhookURL = webhook.URL

	outcome, err := runSend(context.Background(), cfg, log.New(io.Discard, "", 0),
		commandsapp.IssueRequest{Kind: commands.KindWorkNow})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome.Status != commands.OutcomeFailed || outcome.ErrorKind != commands.Exhausted || outcome.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if got := atomic.LoadInt32(&hooks); got != 1 {
		t.Fatalf("expected the failure webhook delivered before return, got %d", got)
	}
}
