package telemetry

import (
	"testing"
	"time"
)

func TestExtractFindPrefersTraceFix(t *testing.T) {
	raw := []byte(`{"data":{"success":true,"params":{
		"connected":true,
		"locUpdated":"2026-07-01T10:00:00Z",
		"loc":{"lat":45.1234567,"lng":9.7654321,"corrId":"trace"},
		"alarms":{"robot_state":{"lat":1,"lng":2,"ts":"2026-07-01T09:00:00Z"}}
	}}}`)
	fix, err := ExtractFind(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if fix.PositionSource != SourceFindTrace || *fix.Latitude != 45.1234567 {
		t.Fatalf("expected trace fix, got %+v", fix)
	}
	if fix.LocUpdated != "2026-07-01T10:00:00Z" || fix.Connected == nil || !*fix.Connected {
		t.Fatalf("unexpected fix: %+v", fix)
	}
}

func TestExtractFindFallsBackToRobotState(t *testing.T) {
	raw := []byte(`{"data":{"params":{
		"loc":{"lat":45.0,"lng":9.0,"since":"old"},
		"alarms":{"robot_state":{"lat":"45.5","lng":"9.5","since":"2026-07-01T08:00:00Z"}}
	}}}`)
	fix, err := ExtractFind(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if fix.PositionSource != SourceRobotState || *fix.Latitude != 45.5 || fix.LocUpdated != "2026-07-01T08:00:00Z" {
		t.Fatalf("expected robot_state fix, got %+v", fix)
	}
}

func TestExtractListUsesFirstResult(t *testing.T) {
	raw := []byte(`{"data":{"params":{"result":[
		{"connected":false,"loc":{"lat":44.1,"lng":8.2,"since":1719820800}},
		{"connected":true,"loc":{"lat":1,"lng":1}}
	]}}}`)
	fix, err := ExtractList(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if fix.PositionSource != SourceListLoc || *fix.Longitude != 8.2 || fix.LocUpdated != "1719820800" {
		t.Fatalf("unexpected fix: %+v", fix)
	}
	if fix.Connected == nil || *fix.Connected {
		t.Fatalf("expected disconnected, got %+v", fix.Connected)
	}
}

func TestExtractListEmpty(t *testing.T) {
	if _, err := ExtractList([]byte(`{"data":{"params":{"result":[]}}}`)); err != ErrNoThing {
		t.Fatalf("expected ErrNoThing, got %v", err)
	}
}

func TestApplyOnlyOnChange(t *testing.T) {
	var state DeviceState
	lat, lng := 45.12345678, 9.87654321
	fix := Fix{Latitude: &lat, Longitude: &lng, PositionSource: SourceFindLoc, Info: []byte(`{"key":"x"}`)}
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	if !state.Apply(fix, "thing.find", now) {
		t.Fatalf("expected first apply to change state")
	}
	if *state.Latitude != 45.123457 || *state.Longitude != 9.876543 {
		t.Fatalf("expected 6 decimal rounding, got %v,%v", *state.Latitude, *state.Longitude)
	}
	if state.Apply(fix, "thing.list", now.Add(time.Minute)) {
		t.Fatalf("expected identical fix to be a no-op")
	}
	if state.Source != "thing.find" || !state.UpdatedAt.Equal(now) {
		t.Fatalf("no-op apply must not touch source: %+v", state)
	}
}
