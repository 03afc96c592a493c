package tr50

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	commands "mowerlink/internal/commands/domain"
)

const (
	commandMethodExec = "method.exec"
	commandSMSSend    = "sms.send"
	commandThingFind  = "thing.find"
	commandThingList  = "thing.list"

	wakeUpMessage = "UP"
	smsCoding     = "SEVEN_BIT"
)

// Request is the TR50 request envelope.
type Request struct {
	Auth *AuthBlock `json:"auth,omitempty"`
	Data *DataBlock `json:"data,omitempty"`
}

// AuthBlock carries either an authentication command or a session id.
type AuthBlock struct {
	Command   string         `json:"command,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

// DataBlock carries a TR50 command.
type DataBlock struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Envelope is a parsed TR50 response.
type Envelope struct {
	Raw       json.RawMessage
	Success   bool
	Errors    []string
	Params    json.RawMessage
	SessionID string
}

type responseBlock struct {
	Success       bool              `json:"success"`
	ErrorMessages []json.RawMessage `json:"errorMessages"`
	Params        json.RawMessage   `json:"params"`
}

type responseBody struct {
	Success       bool              `json:"success"`
	ErrorMessages []json.RawMessage `json:"errorMessages"`
	Data          *responseBlock    `json:"data"`
	Auth          *responseBlock    `json:"auth"`
}

type authParams struct {
	SessionID string `json:"sessionId"`
}

// ParseEnvelope decodes a TR50 response body.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var body responseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	env := &Envelope{
		Raw:     json.RawMessage(raw),
		Success: body.Success,
	}
	env.Errors = appendMessages(env.Errors, body.ErrorMessages)
	if body.Data != nil {
		env.Success = env.Success || body.Data.Success
		env.Errors = appendMessages(env.Errors, body.Data.ErrorMessages)
		env.Params = body.Data.Params
	}
	if body.Auth != nil {
		env.Success = env.Success || body.Auth.Success
		env.Errors = appendMessages(env.Errors, body.Auth.ErrorMessages)
		if len(body.Auth.Params) > 0 {
			var ap authParams
			if err := json.Unmarshal(body.Auth.Params, &ap); err == nil {
				env.SessionID = ap.SessionID
			}
		}
	}
	return env, nil
}

func appendMessages(dst []string, msgs []json.RawMessage) []string {
	for _, m := range msgs {
		var s string
		if err := json.Unmarshal(m, &s); err == nil {
			dst = append(dst, s)
			continue
		}
		dst = append(dst, string(m))
	}
	return dst
}

// Message joins the error messages of a failed envelope.
func (e *Envelope) Message() string {
	if len(e.Errors) == 0 {
		return "TR50 call failed"
	}
	return strings.Join(e.Errors, "; ")
}

// StatusMapping classifies HTTP statuses returned by the endpoint.
type StatusMapping struct {
	ByStatus map[int]commands.Classification
}

// DefaultStatusMapping returns the built-in status table.
func DefaultStatusMapping() StatusMapping {
	return StatusMapping{ByStatus: map[int]commands.Classification{
		http.StatusUnauthorized:       commands.AuthExpired,
		http.StatusTooManyRequests:    commands.ServerBusy,
		http.StatusServiceUnavailable: commands.ServerBusy,
	}}
}

// ForStatus classifies a non-200 status.
func (m StatusMapping) ForStatus(status int) commands.Classification {
	if kind, ok := m.ByStatus[status]; ok {
		return kind
	}
	switch {
	case status >= 500:
		return commands.TransientNetwork
	case status >= 400:
		return commands.ValidationRejected
	}
	return commands.TransientNetwork
}

// Classify turns an HTTP exchange into an envelope or a classified error.
func (m StatusMapping) Classify(status int, raw []byte) (*Envelope, error) {
	if status != http.StatusOK {
		return nil, &commands.ClassifiedError{
			Kind:       m.ForStatus(status),
			Detail:     truncate(strings.TrimSpace(string(raw)), 200),
			StatusCode: status,
		}
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, commands.Classify(commands.TransientNetwork, "invalid JSON from API", err)
	}
	if env.Success {
		return env, nil
	}
	msg := env.Message()
	kind := commands.ServerBusy
	if strings.Contains(msg, sessionInvalidMessage) {
		kind = commands.SessionInvalid
	}
	return env, &commands.ClassifiedError{Kind: kind, Detail: msg, StatusCode: status}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type wireCommand struct {
	command string
	method  string
}

var wireCommands = map[commands.Kind]wireCommand{
	commands.KindProfileSelect: {command: commandMethodExec, method: "set_profile"},
	commands.KindWorkNow:       {command: commandMethodExec, method: "work_now"},
	commands.KindBorderCut:     {command: commandMethodExec, method: "border_cut"},
	commands.KindChargeNow:     {command: commandMethodExec, method: "charge_now"},
	commands.KindChargeUntil:   {command: commandMethodExec, method: "charge_until"},
	commands.KindTracePosition: {command: commandMethodExec, method: "trace_position"},
	commands.KindKeepOut:       {command: commandMethodExec, method: "keep_out"},
	commands.KindWakeUp:        {command: commandSMSSend},
	commands.KindFindDevice:    {command: commandThingFind},
	commands.KindListDevices:   {command: commandThingList},
}

// ListFields are the thing fields requested by thing.list.
var ListFields = []string{
	"id", "key", "name", "connected", "lastSeen", "lastCommunication", "loc",
	"properties", "alarms", "attrs", "createdOn", "storage", "varBillingPlanCode",
}

// BuildRequest maps a validated command to its TR50 envelope.
func BuildRequest(session commands.Session, cmd *commands.Command, ackTimeout int) (Request, error) {
	if cmd == nil {
		return Request{}, commands.Classify(commands.ValidationRejected, "nil command", nil)
	}
	if session.Token == "" {
		return Request{}, commands.Classify(commands.SessionInvalid, "no session", nil)
	}
	wire, ok := wireCommands[cmd.Kind]
	if !ok {
		return Request{}, commands.Classify(commands.ValidationRejected, fmt.Sprintf("unsupported command kind %q", cmd.Kind), nil)
	}
	imei := session.DeviceID

	var params map[string]any
	switch wire.command {
	case commandMethodExec:
		inner, err := methodParams(cmd)
		if err != nil {
			return Request{}, err
		}
		params = map[string]any{
			"method":     wire.method,
			"imei":       imei,
			"ackTimeout": ackTimeout,
			"singleton":  true,
		}
		if len(inner) > 0 {
			params["params"] = inner
		}
	case commandSMSSend:
		params = map[string]any{"coding": smsCoding, "imei": imei, "message": wakeUpMessage}
	case commandThingFind:
		params = map[string]any{"imei": imei}
	case commandThingList:
		params = map[string]any{
			"show":       ListFields,
			"hideFields": true,
			"keys":       []string{imei},
		}
	}
	return Request{
		Data: &DataBlock{Command: wire.command, Params: params},
		Auth: &AuthBlock{SessionID: session.Token},
	}, nil
}

func methodParams(cmd *commands.Command) (map[string]any, error) {
	p := cmd.Params
	switch cmd.Kind {
	case commands.KindProfileSelect:
		id, ok := p.Int("profile_id")
		if !ok {
			return nil, missingParam("profile_id")
		}
		// Devices number profiles from zero.
		return map[string]any{"profile": id - 1}, nil
	case commands.KindChargeUntil:
		hh, ok := p.Int("hours")
		if !ok {
			return nil, missingParam("hours")
		}
		mm, ok := p.Int("minutes")
		if !ok {
			return nil, missingParam("minutes")
		}
		out := map[string]any{"hh": hh, "mm": mm}
		if wd, ok := p.Int("weekday"); ok {
			out["weekday"] = wd - 1
		}
		return out, nil
	case commands.KindKeepOut:
		loc, ok := p.Object("location")
		if !ok {
			return nil, missingParam("location")
		}
		lat, ok := loc.Float("latitude")
		if !ok {
			return nil, missingParam("location.latitude")
		}
		lng, ok := loc.Float("longitude")
		if !ok {
			return nil, missingParam("location.longitude")
		}
		out := map[string]any{"latitude": lat, "longitude": lng}
		if r, ok := loc.Int("radius"); ok {
			out["radius"] = r
		}
		if hh, ok := p.Int("hours"); ok {
			out["hh"] = hh
		}
		if mm, ok := p.Int("minutes"); ok {
			out["mm"] = mm
		}
		if idx, ok := p.Int("index"); ok {
			out["index"] = idx
		}
		return out, nil
	}
	return nil, nil
}

func missingParam(name string) error {
	return commands.Classify(commands.ValidationRejected, "missing parameter "+name, nil)
}
