package events

import (
	"time"

	commands "mowerlink/internal/commands/domain"
)

// CommandCompleted is emitted when a command reaches a terminal outcome.
type CommandCompleted struct {
	CommandID   string           `json:"command_id"`
	DeviceID    string           `json:"device_id"`
	Kind        commands.Kind    `json:"kind"`
	Params      commands.Params  `json:"params,omitempty"`
	Outcome     commands.Outcome `json:"outcome"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at"`
}
