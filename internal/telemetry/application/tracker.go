package application

import (
	"context"
	"log"
	"sync"
	"time"

	commandsevents "mowerlink/internal/commands/application/events"
	commands "mowerlink/internal/commands/domain"
	telemetry "mowerlink/internal/telemetry/domain"
)

// Tracker keeps the last known device state from find/list results.
type Tracker struct {
	mu     sync.RWMutex
	state  telemetry.DeviceState
	logger *log.Logger
	now    func() time.Time
}

// NewTracker constructs a tracker.
func NewTracker(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{logger: logger, now: time.Now}
}

// CommandCompleted applies successful thing.find and thing.list results.
func (t *Tracker) CommandCompleted(_ context.Context, evt commandsevents.CommandCompleted) {
	if !evt.Outcome.Succeeded() || len(evt.Outcome.Result) == 0 {
		return
	}
	var (
		fix    telemetry.Fix
		err    error
		source string
	)
	switch evt.Kind {
	case commands.KindFindDevice:
		fix, err = telemetry.ExtractFind(evt.Outcome.Result)
		source = "thing.find"
	case commands.KindListDevices:
		fix, err = telemetry.ExtractList(evt.Outcome.Result)
		source = "thing.list"
	default:
		return
	}
	if err != nil {
		t.logger.Printf("device state: %s %s: %v", source, evt.CommandID, err)
		return
	}
	t.Apply(fix, source)
}

// Apply merges fix into the tracked state.
func (t *Tracker) Apply(fix telemetry.Fix, source string) bool {
	t.mu.Lock()
	changed := t.state.Apply(fix, source, t.now().UTC())
	t.mu.Unlock()
	if changed {
		t.logger.Printf("device state: %s applied new location/info", source)
	}
	return changed
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() telemetry.DeviceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.state
	out.Info = append(out.Info[:0:0], t.state.Info...)
	return out
}
