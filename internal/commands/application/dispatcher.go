package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	commandsevents "mowerlink/internal/commands/application/events"
	commands "mowerlink/internal/commands/domain"
	"mowerlink/internal/observability/metrics"
)

// ErrDispatcherStopped is returned for commands that cannot run because the
// worker has exited.
var ErrDispatcherStopped = errors.New("dispatcher: stopped")

// Transport performs one device API call for a command.
type Transport interface {
	Call(ctx context.Context, session commands.Session, cmd *commands.Command) (json.RawMessage, error)
}

// Observer receives terminal outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	CommandCompleted(ctx context.Context, evt commandsevents.CommandCompleted)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt commandsevents.CommandCompleted)

// CommandCompleted calls f.
func (f ObserverFunc) CommandCompleted(ctx context.Context, evt commandsevents.CommandCompleted) {
	f(ctx, evt)
}

type jobResult struct {
	outcome commands.Outcome
	err     error
}

type job struct {
	cmd    *commands.Command
	result chan jobResult
	once   sync.Once
}

func (j *job) resolve(res jobResult) bool {
	won := false
	j.once.Do(func() {
		j.result <- res
		won = true
	})
	return won
}

// Dispatcher serializes command execution through a single worker.
type Dispatcher struct {
	sessions  *SessionManager
	transport Transport
	policy    RetryPolicy
	limiter   *rate.Limiter
	observers []Observer
	logger    *log.Logger
	clock     Clock
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	pending []*job
	wake    chan struct{}
	stopped bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver registers observers of terminal outcomes.
func WithObserver(observers ...Observer) DispatcherOption {
	return func(d *Dispatcher) {
		for _, obs := range observers {
			if obs != nil {
				d.observers = append(d.observers, obs)
			}
		}
	}
}

// WithPacing enforces a minimum spacing between device calls.
func WithPacing(every time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if every > 0 {
			d.limiter = rate.NewLimiter(rate.Every(every), 1)
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(clock Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDispatcher constructs a dispatcher. Run must be started for submitted
// commands to execute.
func NewDispatcher(sessions *SessionManager, transport Transport, policy RetryPolicy, opts ...DispatcherOption) (*Dispatcher, error) {
	if sessions == nil {
		return nil, errors.New("dispatcher: nil session manager")
	}
	if transport == nil {
		return nil, errors.New("dispatcher: nil transport")
	}
	if policy.MaxAttempts < 1 {
		return nil, errors.New("dispatcher: max attempts must be positive")
	}
	d := &Dispatcher{
		sessions:  sessions,
		transport: transport,
		policy:    policy,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		logger:    log.Default(),
		clock:     systemClock{},
		sleep:     sleepContext,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Submit enqueues cmd and blocks until it reaches a terminal outcome or ctx
// is done. A command still pending when ctx is done is removed from the
// queue; one already in flight keeps running and its late result is dropped.
func (d *Dispatcher) Submit(ctx context.Context, cmd *commands.Command) (commands.Outcome, error) {
	if cmd == nil {
		return commands.Outcome{}, errors.New("dispatcher: nil command")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = d.clock.Now()
	}
	cmd.Status = commands.StatusPending
	j := &job{cmd: cmd, result: make(chan jobResult, 1)}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return commands.Outcome{}, ErrDispatcherStopped
	}
	d.pending = append(d.pending, j)
	metrics.SetQueueDepth(len(d.pending))
	d.mu.Unlock()
	d.signal()

	select {
	case res := <-j.result:
		return res.outcome, res.err
	case <-ctx.Done():
	}

	removed := d.remove(j)
	timeout := commands.Outcome{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		Status:    commands.OutcomeTimeout,
		Detail:    ctx.Err().Error(),
	}
	if !j.resolve(jobResult{outcome: timeout}) {
		res := <-j.result
		return res.outcome, res.err
	}
	metrics.IncCommandResult(commands.OutcomeTimeout, "")
	if removed {
		d.logger.Printf("command timed out while pending: id=%s kind=%s", cmd.ID, cmd.Kind)
		d.notify(context.WithoutCancel(ctx), cmd, timeout)
	} else {
		d.logger.Printf("command caller timed out while in flight: id=%s kind=%s", cmd.ID, cmd.Kind)
	}
	return timeout, nil
}

// Depth returns the number of commands waiting to execute.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run executes queued commands one at a time until ctx is done. Commands
// still queued when Run returns are resolved with ErrDispatcherStopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.drain()
	for {
		j, err := d.next(ctx)
		if err != nil {
			return err
		}
		d.execute(ctx, j)
	}
}

func (d *Dispatcher) next(ctx context.Context) (*job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.mu.Lock()
		if len(d.pending) > 0 {
			j := d.pending[0]
			d.pending[0] = nil
			d.pending = d.pending[1:]
			metrics.SetQueueDepth(len(d.pending))
			d.mu.Unlock()
			return j, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, j *job) {
	cmd := j.cmd
	cmd.Status = commands.StatusInFlight
	cmd.AttemptCount++

	err := d.attempt(ctx, j)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		d.requeue(j)
		return
	}

	kind := commands.ClassificationOf(err)
	if d.policy.ReauthOn[kind] {
		// a rejected token is never reused, even when no attempts remain
		d.sessions.Invalidate()
	}
	decision := d.policy.Decide(kind, cmd.AttemptCount)
	switch decision {
	case ReauthAndRetry, RetryWithBackoff:
		delay := d.policy.Delay(cmd.AttemptCount)
		d.logger.Printf("command retry: id=%s kind=%s attempt=%d error=%s decision=%s backoff=%s", cmd.ID, cmd.Kind, cmd.AttemptCount, kind, decision, delay)
		metrics.IncCommandRetry(string(kind))
		_ = d.sleep(ctx, delay)
		d.requeue(j)
		return
	}

	cmd.Status = commands.StatusFailed
	outcome := commands.Outcome{
		CommandID:     cmd.ID,
		Kind:          cmd.Kind,
		Status:        commands.OutcomeFailed,
		ErrorKind:     kind,
		LastErrorKind: kind,
		Detail:        commands.DetailOf(err),
		Attempts:      cmd.AttemptCount,
	}
	if d.policy.Retryable(kind) {
		outcome.ErrorKind = commands.Exhausted
	}
	d.logger.Printf("command failed: id=%s kind=%s attempts=%d error=%s last=%s detail=%s", cmd.ID, cmd.Kind, cmd.AttemptCount, outcome.ErrorKind, kind, outcome.Detail)
	d.finish(ctx, j, outcome)
}

func (d *Dispatcher) attempt(ctx context.Context, j *job) error {
	cmd := j.cmd
	session, err := d.sessions.EnsureValid(ctx)
	if err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	result, err := d.transport.Call(ctx, session, cmd)
	if err != nil {
		return err
	}
	cmd.Status = commands.StatusSucceeded
	d.finish(ctx, j, commands.Outcome{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		Status:    commands.OutcomeSuccess,
		Result:    result,
		Attempts:  cmd.AttemptCount,
	})
	return nil
}

func (d *Dispatcher) finish(ctx context.Context, j *job, outcome commands.Outcome) {
	metrics.IncCommandResult(outcome.Status, string(outcome.ErrorKind))
	metrics.ObserveCommandAttempts(outcome.Attempts)
	if !j.resolve(jobResult{outcome: outcome}) {
		d.logger.Printf("command result dropped: id=%s kind=%s status=%s", j.cmd.ID, j.cmd.Kind, outcome.Status)
	}
	// observers run after the caller is released, still on the worker
	d.notify(ctx, j.cmd, outcome)
}

func (d *Dispatcher) notify(ctx context.Context, cmd *commands.Command, outcome commands.Outcome) {
	if len(d.observers) == 0 {
		return
	}
	evt := commandsevents.CommandCompleted{
		CommandID:   cmd.ID,
		DeviceID:    d.sessions.DeviceID(),
		Kind:        cmd.Kind,
		Params:      cmd.Params,
		Outcome:     outcome,
		CreatedAt:   cmd.CreatedAt,
		CompletedAt: d.clock.Now(),
	}
	for _, obs := range d.observers {
		obs.CommandCompleted(ctx, evt)
	}
}

func (d *Dispatcher) requeue(j *job) {
	d.mu.Lock()
	j.cmd.Status = commands.StatusPending
	d.pending = append([]*job{j}, d.pending...)
	metrics.SetQueueDepth(len(d.pending))
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) remove(j *job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, candidate := range d.pending {
		if candidate == j {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			metrics.SetQueueDepth(len(d.pending))
			return true
		}
	}
	return false
}

func (d *Dispatcher) drain() {
	d.mu.Lock()
	d.stopped = true
	pending := d.pending
	d.pending = nil
	metrics.SetQueueDepth(0)
	d.mu.Unlock()
	for _, j := range pending {
		j.cmd.Status = commands.StatusFailed
		j.resolve(jobResult{err: ErrDispatcherStopped})
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
