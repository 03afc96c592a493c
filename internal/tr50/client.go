package tr50

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	commands "mowerlink/internal/commands/domain"
	"mowerlink/internal/observability/metrics"
)

const (
	DefaultEndpoint   = "https://api-de.devicewise.com/api"
	DefaultAppToken   = "DJMYYngGNEit40vA"
	DefaultAckTimeout = 30

	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 4 << 20

	sessionInvalidMessage = "Authentication session is invalid"
)

// Client talks to the DeviceWise TR50 JSON endpoint.
type Client struct {
	endpoint   string
	appToken   string
	ackTimeout int
	statusMap  StatusMapping
	client     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAppToken overrides the application token sent on authentication.
func WithAppToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.appToken = token
		}
	}
}

// WithAckTimeout sets the device acknowledgement timeout in seconds.
func WithAckTimeout(seconds int) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.ackTimeout = seconds
		}
	}
}

// WithStatusMapping replaces the HTTP status classification table.
func WithStatusMapping(m StatusMapping) Option {
	return func(c *Client) {
		c.statusMap = m
	}
}

// WithRequestTimeout bounds a single HTTP exchange.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient constructs a TR50 client.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("tr50: empty endpoint")
	}
	c := &Client{
		endpoint:   endpoint,
		appToken:   DefaultAppToken,
		ackTimeout: DefaultAckTimeout,
		statusMap:  DefaultStatusMapping(),
		client:     &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AckTimeout returns the configured acknowledgement timeout.
func (c *Client) AckTimeout() int {
	return c.ackTimeout
}

// Authenticate exchanges the client identity for a TR50 session.
// The client key is used as both appId and thingKey.
func (c *Client) Authenticate(ctx context.Context, deviceID string, identity commands.ClientIdentity) (commands.Session, error) {
	if identity.Key == "" {
		return commands.Session{}, commands.Classify(commands.CredentialsInvalid, "empty client key", nil)
	}
	req := Request{Auth: &AuthBlock{
		Command: "api.authenticate",
		Params: map[string]any{
			"appId":    identity.Key,
			"appToken": c.appToken,
			"thingKey": identity.Key,
		},
	}}
	env, err := c.post(ctx, "api.authenticate", req)
	if err != nil {
		return commands.Session{}, authFailure(err)
	}
	if env.SessionID == "" {
		return commands.Session{}, commands.Classify(commands.CredentialsInvalid, "missing sessionId in authentication response", nil)
	}
	return commands.Session{
		Token:    env.SessionID,
		DeviceID: deviceID,
		Identity: identity,
	}, nil
}

// authFailure maps errors seen on the authentication call. A well-formed
// refusal means the credentials cannot work; network and busy errors stay
// retryable.
func authFailure(err error) error {
	var ce *commands.ClassifiedError
	if !errors.As(err, &ce) {
		return err
	}
	if ce.StatusCode != http.StatusOK {
		switch ce.Kind {
		case commands.TransientNetwork, commands.ServerBusy:
			return err
		}
	}
	return &commands.ClassifiedError{
		Kind:       commands.CredentialsInvalid,
		Detail:     ce.Detail,
		StatusCode: ce.StatusCode,
		Err:        ce.Err,
	}
}

// Call performs cmd within session and returns the command result.
func (c *Client) Call(ctx context.Context, session commands.Session, cmd *commands.Command) (json.RawMessage, error) {
	req, err := BuildRequest(session, cmd, c.ackTimeout)
	if err != nil {
		return nil, err
	}
	env, err := c.post(ctx, req.Data.Command, req)
	if err != nil {
		return nil, err
	}
	return resultOf(cmd.Kind, env), nil
}

// Exec runs an arbitrary TR50 command and returns the parsed envelope.
func (c *Client) Exec(ctx context.Context, session commands.Session, command string, params map[string]any) (*Envelope, error) {
	if session.Token == "" {
		return nil, commands.Classify(commands.SessionInvalid, "no session", nil)
	}
	req := Request{
		Data: &DataBlock{Command: command, Params: params},
		Auth: &AuthBlock{SessionID: session.Token},
	}
	return c.post(ctx, command, req)
}

func resultOf(kind commands.Kind, env *Envelope) json.RawMessage {
	switch kind {
	case commands.KindFindDevice, commands.KindListDevices:
		return env.Raw
	}
	if len(env.Params) > 0 && string(env.Params) != "null" {
		return env.Params
	}
	return env.Raw
}

func (c *Client) post(ctx context.Context, command string, body Request) (*Envelope, error) {
	start := time.Now()
	env, err := c.do(ctx, body)
	metrics.ObserveTransport(command, string(commands.ClassificationOf(err)), time.Since(start))
	return env, err
}

func (c *Client) do(ctx context.Context, body Request) (*Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, commands.Classify(commands.ValidationRejected, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, commands.Classify(commands.TransientNetwork, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, commands.Classify(commands.TransientNetwork, "network or timeout error", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, commands.Classify(commands.TransientNetwork, "read response", err)
	}
	return c.statusMap.Classify(resp.StatusCode, raw)
}
