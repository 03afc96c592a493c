package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"text/template"
	"time"

	commandsevents "mowerlink/internal/commands/application/events"
	commands "mowerlink/internal/commands/domain"
)

const DefaultTemplate = `[Mower command {{.Status}}]
Device: {{.DeviceID}}
Command: {{.Kind}} ({{.CommandID}})
Error: {{.ErrorKind}}{{ if .LastErrorKind }} (last: {{.LastErrorKind}}){{ end }}
Attempts: {{.Attempts}}
{{ if .Detail }}Detail: {{.Detail}}
{{ end }}Completed: {{.CompletedAt}}`

// TemplateData provides fields for rendering a failure message.
type TemplateData struct {
	DeviceID      string
	CommandID     string
	Kind          string
	Status        string
	ErrorKind     string
	LastErrorKind string
	Detail        string
	Attempts      int
	CompletedAt   string
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// WebhookNotifier posts failed and timed-out command outcomes to a webhook.
// Delivery happens off the worker goroutine.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	tpl      *template.Template
	logger   *log.Logger
	dedupe   time.Duration
	now      func() time.Time
	mu       sync.Mutex
	lastSent map[string]time.Time
	wg       sync.WaitGroup
}

// Option configures the notifier.
type Option func(*WebhookNotifier)

// WithDedupeWindow suppresses repeated notifications for the same kind and
// error within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *WebhookNotifier) {
		if window > 0 {
			n.dedupe = window
		}
	}
}

// WithLogger sets the notifier logger.
func WithLogger(logger *log.Logger) Option {
	return func(n *WebhookNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewWebhookNotifier constructs a notifier. An empty tpl selects
// DefaultTemplate.
func NewWebhookNotifier(url, tpl string, opts ...Option) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook notifier: empty url")
	}
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("command-notification").Parse(tpl)
	if err != nil {
		return nil, fmt.Errorf("webhook notifier: %w", err)
	}
	n := &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		tpl:      parsed,
		logger:   log.Default(),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// CommandCompleted implements the dispatcher observer.
func (n *WebhookNotifier) CommandCompleted(_ context.Context, evt commandsevents.CommandCompleted) {
	if evt.Outcome.Succeeded() || evt.Outcome.ErrorKind == commands.ValidationRejected {
		return
	}
	if !n.admit(string(evt.Kind) + "|" + evt.Outcome.Status + "|" + string(evt.Outcome.ErrorKind)) {
		return
	}
	content, err := n.render(evt)
	if err != nil {
		n.logger.Printf("notify render failed: id=%s err=%v", evt.CommandID, err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.send(ctx, content); err != nil {
			n.logger.Printf("notify send failed: id=%s err=%v", evt.CommandID, err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

func (n *WebhookNotifier) admit(key string) bool {
	if n.dedupe <= 0 {
		return true
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.dedupe {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *WebhookNotifier) render(evt commandsevents.CommandCompleted) (string, error) {
	data := TemplateData{
		DeviceID:      evt.DeviceID,
		CommandID:     evt.CommandID,
		Kind:          string(evt.Kind),
		Status:        evt.Outcome.Status,
		ErrorKind:     string(evt.Outcome.ErrorKind),
		LastErrorKind: string(evt.Outcome.LastErrorKind),
		Detail:        evt.Outcome.Detail,
		Attempts:      evt.Outcome.Attempts,
		CompletedAt:   evt.CompletedAt.UTC().Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := n.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (n *WebhookNotifier) send(ctx context.Context, content string) error {
	body, err := json.Marshal(webhookPayload{MsgType: "text", Text: webhookText{Content: content}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: status %d", resp.StatusCode)
	}
	return nil
}
