package http

import (
	"encoding/json"
	"errors"
	"net/http"

	telemetry "mowerlink/internal/telemetry/domain"
)

// StateSource provides the tracked device state.
type StateSource interface {
	Snapshot() telemetry.DeviceState
}

// StateHandler serves GET /api/v1/device/state.
type StateHandler struct {
	source   StateSource
	deviceID string
}

// NewStateHandler constructs a state handler.
func NewStateHandler(source StateSource, deviceID string) (*StateHandler, error) {
	if source == nil {
		return nil, errors.New("device state: nil source")
	}
	return &StateHandler{source: source, deviceID: deviceID}, nil
}

type stateResponse struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	telemetry.DeviceState
}

// ServeHTTP returns the last known position and connectivity.
func (h *StateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	state := h.source.Snapshot()
	resp := stateResponse{DeviceID: h.deviceID, Status: connectivity(state), DeviceState: state}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func connectivity(state telemetry.DeviceState) string {
	switch {
	case state.Connected == nil:
		return "unknown"
	case *state.Connected:
		return "connected"
	default:
		return "disconnected"
	}
}
