package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	commands "mowerlink/internal/commands/domain"
	"mowerlink/internal/observability/metrics"
)

// IssueRequest represents a command issue request.
type IssueRequest struct {
	Kind           commands.Kind  `json:"kind"`
	Params         map[string]any `json:"params"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// Submitter enqueues validated commands.
type Submitter interface {
	Submit(ctx context.Context, cmd *commands.Command) (commands.Outcome, error)
}

// Service validates and issues commands to the mower.
type Service struct {
	registry       *commands.Registry
	submitter      Submitter
	defaultTimeout time.Duration
	clock          Clock
}

// NewService constructs a command service.
func NewService(registry *commands.Registry, submitter Submitter, defaultTimeout time.Duration) (*Service, error) {
	if registry == nil {
		return nil, errors.New("commands: nil registry")
	}
	if submitter == nil {
		return nil, errors.New("commands: nil submitter")
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Service{
		registry:       registry,
		submitter:      submitter,
		defaultTimeout: defaultTimeout,
		clock:          systemClock{},
	}, nil
}

// Issue validates req and waits for the command outcome. Rejected requests
// return a validation_rejected outcome without being queued.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (commands.Outcome, error) {
	metrics.IncCommandIssued(string(req.Kind))
	cmd, err := s.registry.Validate(req.Kind, req.Params)
	if err != nil {
		metrics.IncCommandResult(commands.OutcomeFailed, string(commands.ValidationRejected))
		return commands.Outcome{
			Kind:      req.Kind,
			Status:    commands.OutcomeFailed,
			ErrorKind: commands.ValidationRejected,
			Detail:    commands.DetailOf(err),
		}, nil
	}
	cmd.ID = uuid.NewString()
	cmd.CreatedAt = s.clock.Now()

	timeout := s.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.submitter.Submit(ctx, cmd)
}
