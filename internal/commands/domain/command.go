package commands

import (
	"encoding/json"
	"time"
)

// Kind identifies a supported mower command.
type Kind string

const (
	KindProfileSelect Kind = "profile-select"
	KindWorkNow       Kind = "work-now"
	KindBorderCut     Kind = "border-cut"
	KindChargeNow     Kind = "charge-now"
	KindChargeUntil   Kind = "charge-until"
	KindTracePosition Kind = "trace-position"
	KindKeepOut       Kind = "keep-out"
	KindWakeUp        Kind = "wake-up"
	KindFindDevice    Kind = "find-device"
	KindListDevices   Kind = "list-devices"
)

// Kinds lists every supported kind in display order.
var Kinds = []Kind{
	KindProfileSelect,
	KindWorkNow,
	KindBorderCut,
	KindChargeNow,
	KindChargeUntil,
	KindTracePosition,
	KindKeepOut,
	KindWakeUp,
	KindFindDevice,
	KindListDevices,
}

// Status is the lifecycle state of a queued command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Command represents one requested mower action.
type Command struct {
	ID           string
	Kind         Kind
	Params       Params
	AttemptCount int
	Status       Status
	CreatedAt    time.Time
}

// Params holds validated command parameters.
type Params map[string]any

// Int returns an integer parameter.
func (p Params) Int(name string) (int, bool) {
	v, ok := p[name]
	if !ok {
		return 0, false
	}
	n, ok := v.(int)
	return n, ok
}

// Float returns a float parameter.
func (p Params) Float(name string) (float64, bool) {
	v, ok := p[name]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Object returns a nested parameter object.
func (p Params) Object(name string) (Params, bool) {
	v, ok := p[name]
	if !ok {
		return nil, false
	}
	obj, ok := v.(Params)
	return obj, ok
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		if nested, ok := v.(Params); ok {
			out[k] = nested.Clone()
			continue
		}
		out[k] = v
	}
	return out
}

// Outcome statuses returned to callers.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Outcome is the terminal result delivered to a submitter.
type Outcome struct {
	CommandID     string          `json:"command_id"`
	Kind          Kind            `json:"kind"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorKind     Classification  `json:"error_kind,omitempty"`
	LastErrorKind Classification  `json:"last_error_kind,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Attempts      int             `json:"attempts"`
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}

// ClientIdentity is the name/key pair used to authenticate.
type ClientIdentity struct {
	Name string
	Key  string
}

// Session is an authenticated device API context.
type Session struct {
	Token     string
	ExpiresAt time.Time
	DeviceID  string
	Identity  ClientIdentity
}

// Valid reports whether the session can be used at now.
func (s Session) Valid(now time.Time) bool {
	if s.Token == "" || s.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(s.ExpiresAt)
}
