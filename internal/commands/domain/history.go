package commands

import (
	"encoding/json"
	"time"
)

// HistoryRecord is the persisted summary of a completed command.
type HistoryRecord struct {
	CommandID     string          `json:"command_id"`
	DeviceID      string          `json:"device_id"`
	Kind          Kind            `json:"kind"`
	Params        json.RawMessage `json:"params,omitempty"`
	Status        string          `json:"status"`
	ErrorKind     Classification  `json:"error_kind,omitempty"`
	LastErrorKind Classification  `json:"last_error_kind,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   time.Time       `json:"completed_at"`
}
