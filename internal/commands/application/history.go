package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	commandsevents "mowerlink/internal/commands/application/events"
	commands "mowerlink/internal/commands/domain"
)

// HistoryRepository stores completed command records.
type HistoryRepository interface {
	Save(ctx context.Context, rec commands.HistoryRecord) error
	ListByTime(ctx context.Context, from, to time.Time) ([]commands.HistoryRecord, error)
}

// History records terminal outcomes and serves them back.
type History struct {
	repo   HistoryRepository
	logger *log.Logger
}

// NewHistory constructs a history recorder.
func NewHistory(repo HistoryRepository, logger *log.Logger) (*History, error) {
	if repo == nil {
		return nil, errors.New("history: nil repo")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &History{repo: repo, logger: logger}, nil
}

// CommandCompleted implements Observer.
func (h *History) CommandCompleted(ctx context.Context, evt commandsevents.CommandCompleted) {
	rec := commands.HistoryRecord{
		CommandID:     evt.CommandID,
		DeviceID:      evt.DeviceID,
		Kind:          evt.Kind,
		Status:        evt.Outcome.Status,
		ErrorKind:     evt.Outcome.ErrorKind,
		LastErrorKind: evt.Outcome.LastErrorKind,
		Detail:        evt.Outcome.Detail,
		Attempts:      evt.Outcome.Attempts,
		CreatedAt:     evt.CreatedAt.UTC(),
		CompletedAt:   evt.CompletedAt.UTC(),
	}
	if len(evt.Params) > 0 {
		if payload, err := json.Marshal(evt.Params); err == nil {
			rec.Params = payload
		}
	}
	if err := h.repo.Save(ctx, rec); err != nil {
		h.logger.Printf("history save failed: id=%s err=%v", evt.CommandID, err)
	}
}

// List returns records completed within [from, to).
func (h *History) List(ctx context.Context, from, to time.Time) ([]commands.HistoryRecord, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !from.Before(to) {
		return nil, errors.New("history: from must be before to")
	}
	return h.repo.ListByTime(ctx, from.UTC(), to.UTC())
}
