package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Position sources reported with a fix.
const (
	SourceFindTrace  = "params.loc(trace)"
	SourceFindLoc    = "params.loc"
	SourceListTrace  = "result.loc(trace)"
	SourceListLoc    = "result.loc"
	SourceRobotState = "alarms.robot_state"

	traceCorrelation = "trace"
)

// Fix is the device information extracted from one thing.find or
// thing.list response.
type Fix struct {
	Latitude       *float64
	Longitude      *float64
	Connected      *bool
	LocUpdated     string
	PositionSource string
	Info           json.RawMessage
}

// DeviceState is the last known state of the mower.
type DeviceState struct {
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	Connected      *bool           `json:"connected,omitempty"`
	LocUpdated     string          `json:"loc_updated,omitempty"`
	PositionSource string          `json:"position_source,omitempty"`
	Source         string          `json:"source,omitempty"`
	Info           json.RawMessage `json:"info,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at,omitempty"`
}

// Apply merges fix into s and reports whether anything changed. source names
// the call that produced the fix.
func (s *DeviceState) Apply(fix Fix, source string, now time.Time) bool {
	changed := false
	if fix.Latitude != nil && fix.Longitude != nil {
		lat, lng := round6(*fix.Latitude), round6(*fix.Longitude)
		if s.Latitude == nil || s.Longitude == nil || *s.Latitude != lat || *s.Longitude != lng {
			s.Latitude, s.Longitude = &lat, &lng
			changed = true
		}
	}
	if fix.Connected != nil && (s.Connected == nil || *s.Connected != *fix.Connected) {
		v := *fix.Connected
		s.Connected = &v
		changed = true
	}
	if fix.LocUpdated != "" && s.LocUpdated != fix.LocUpdated {
		s.LocUpdated = fix.LocUpdated
		changed = true
	}
	if fix.PositionSource != "" && s.PositionSource != fix.PositionSource {
		s.PositionSource = fix.PositionSource
		changed = true
	}
	if len(fix.Info) > 0 && !bytes.Equal(s.Info, fix.Info) {
		s.Info = append(json.RawMessage(nil), fix.Info...)
		changed = true
	}
	if changed {
		s.Source = source
		s.UpdatedAt = now
	}
	return changed
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// flexFloat accepts JSON numbers and numeric strings.
type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Unparseable coordinates are ignored.
		return nil
	}
	f.value, f.set = v, true
	return nil
}

type location struct {
	Lat    flexFloat       `json:"lat"`
	Lng    flexFloat       `json:"lng"`
	CorrID string          `json:"corrId"`
	Since  json.RawMessage `json:"since"`
}

type robotState struct {
	Lat   flexFloat       `json:"lat"`
	Lng   flexFloat       `json:"lng"`
	TS    json.RawMessage `json:"ts"`
	Since json.RawMessage `json:"since"`
}

type thing struct {
	Connected  *bool           `json:"connected"`
	LocUpdated json.RawMessage `json:"locUpdated"`
	Loc        *location       `json:"loc"`
	Alarms     *struct {
		RobotState *robotState `json:"robot_state"`
	} `json:"alarms"`
}

type envelope struct {
	Data *struct {
		Params json.RawMessage `json:"params"`
	} `json:"data"`
}

type listParams struct {
	Result []json.RawMessage `json:"result"`
}

// ErrNoThing is returned when a response carries no thing payload.
var ErrNoThing = errors.New("telemetry: response carries no thing")

// ExtractFind reads a fix from a raw thing.find response.
func ExtractFind(raw []byte) (Fix, error) {
	params, err := dataParams(raw)
	if err != nil {
		return Fix{}, err
	}
	return extract(params, SourceFindTrace, SourceFindLoc)
}

// ExtractList reads a fix from the first result of a raw thing.list response.
func ExtractList(raw []byte) (Fix, error) {
	params, err := dataParams(raw)
	if err != nil {
		return Fix{}, err
	}
	var list listParams
	if err := json.Unmarshal(params, &list); err != nil {
		return Fix{}, err
	}
	if len(list.Result) == 0 {
		return Fix{}, ErrNoThing
	}
	return extract(list.Result[0], SourceListTrace, SourceListLoc)
}

func dataParams(raw []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Data == nil || len(env.Data.Params) == 0 || string(env.Data.Params) == "null" {
		return nil, ErrNoThing
	}
	return env.Data.Params, nil
}

func extract(raw json.RawMessage, traceSource, locSource string) (Fix, error) {
	var t thing
	if err := json.Unmarshal(raw, &t); err != nil {
		return Fix{}, err
	}
	fix := Fix{Connected: t.Connected, Info: raw}

	var locLat, locLng flexFloat
	var locTS string
	corr := ""
	if t.Loc != nil {
		locLat, locLng, corr = t.Loc.Lat, t.Loc.Lng, t.Loc.CorrID
		locTS = firstValue(t.LocUpdated, t.Loc.Since)
	} else {
		locTS = firstValue(t.LocUpdated)
	}
	var rs robotState
	if t.Alarms != nil && t.Alarms.RobotState != nil {
		rs = *t.Alarms.RobotState
	}

	switch {
	case corr == traceCorrelation && locLat.set && locLng.set:
		fix.setPosition(locLat.value, locLng.value, locTS, traceSource)
	case rs.Lat.set && rs.Lng.set:
		fix.setPosition(rs.Lat.value, rs.Lng.value, firstValue(rs.TS, rs.Since), SourceRobotState)
	case locLat.set && locLng.set:
		fix.setPosition(locLat.value, locLng.value, locTS, locSource)
	}
	return fix, nil
}

func (f *Fix) setPosition(lat, lng float64, when, source string) {
	f.Latitude, f.Longitude = &lat, &lng
	f.LocUpdated = when
	f.PositionSource = source
}

// firstValue returns the first non-empty timestamp, unquoted if it is a
// JSON string.
func firstValue(values ...json.RawMessage) string {
	for _, v := range values {
		s := strings.TrimSpace(string(v))
		switch s {
		case "", "null", `""`, "0", "false":
			continue
		}
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			return str
		}
		return s
	}
	return ""
}
