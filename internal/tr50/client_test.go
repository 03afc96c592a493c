package tr50

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	commands "mowerlink/internal/commands/domain"
)

const testIMEI = "351234567890123"

func testSession() commands.Session {
	return commands.Session{Token: "sess-1", DeviceID: testIMEI}
}

func decodeRequest(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return body
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAuthenticateReturnsSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeRequest(t, r)
		auth := body["auth"].(map[string]any)
		params := auth["params"].(map[string]any)
		if auth["command"] != "api.authenticate" || params["appId"] != "key-1" || params["thingKey"] != "key-1" || params["appToken"] != DefaultAppToken {
			t.Fatalf("unexpected auth request: %v", body)
		}
		_, _ = w.Write([]byte(`{"auth":{"success":true,"params":{"sessionId":"abc"}}}`))
	})
	session, err := client.Authenticate(context.Background(), testIMEI, commands.ClientIdentity{Name: "test", Key: "key-1"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.Token != "abc" || session.DeviceID != testIMEI {
		t.Fatalf("unexpected session: %+v", session)
	}
}

func TestAuthenticateRejectedIsCredentialsInvalid(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"auth":{"success":false,"errorMessages":["Invalid credentials"]}}`))
	})
	_, err := client.Authenticate(context.Background(), testIMEI, commands.ClientIdentity{Key: "bad"})
	if commands.ClassificationOf(err) != commands.CredentialsInvalid {
		t.Fatalf("expected credentials_invalid, got %v", err)
	}
}

func TestAuthenticateBusyStaysRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.Authenticate(context.Background(), testIMEI, commands.ClientIdentity{Key: "k"})
	if commands.ClassificationOf(err) != commands.ServerBusy {
		t.Fatalf("expected server_busy, got %v", err)
	}
}

func TestCallReturnsDataParams(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeRequest(t, r)
		if body["auth"].(map[string]any)["sessionId"] != "sess-1" {
			t.Fatalf("missing session id: %v", body)
		}
		data := body["data"].(map[string]any)
		params := data["params"].(map[string]any)
		if data["command"] != "method.exec" || params["method"] != "set_profile" {
			t.Fatalf("unexpected data: %v", data)
		}
		if params["params"].(map[string]any)["profile"] != float64(1) {
			t.Fatalf("expected zero based profile, got %v", params["params"])
		}
		_, _ = w.Write([]byte(`{"data":{"success":true,"params":{"ack":true}}}`))
	})
	cmd := &commands.Command{Kind: commands.KindProfileSelect, Params: commands.Params{"profile_id": 2}}
	result, err := client.Call(context.Background(), testSession(), cmd)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != `{"ack":true}` {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestCallFindReturnsEnvelope(t *testing.T) {
	reply := `{"data":{"success":true,"params":{"key":"351234567890123"}}}`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(reply))
	})
	result, err := client.Call(context.Background(), testSession(), &commands.Command{Kind: commands.KindFindDevice})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != reply {
		t.Fatalf("expected raw envelope, got %s", result)
	}
}

func TestCallClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   commands.Classification
	}{
		{name: "unauthorized", status: 401, want: commands.AuthExpired},
		{name: "too many", status: 429, want: commands.ServerBusy},
		{name: "unavailable", status: 503, want: commands.ServerBusy},
		{name: "bad gateway", status: 502, want: commands.TransientNetwork},
		{name: "bad request", status: 400, want: commands.ValidationRejected},
		{name: "invalid json", status: 200, body: "<html>", want: commands.TransientNetwork},
		{name: "session invalid", status: 200, body: `{"success":false,"errorMessages":["Authentication session is invalid."]}`, want: commands.SessionInvalid},
		{name: "other failure", status: 200, body: `{"data":{"success":false,"errorMessages":["device offline"]}}`, want: commands.ServerBusy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.Call(context.Background(), testSession(), &commands.Command{Kind: commands.KindWorkNow})
			if got := commands.ClassificationOf(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestCustomStatusMapping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	WithStatusMapping(StatusMapping{ByStatus: map[int]commands.Classification{409: commands.ServerBusy}})(client)
	_, err := client.Call(context.Background(), testSession(), &commands.Command{Kind: commands.KindChargeNow})
	if commands.ClassificationOf(err) != commands.ServerBusy {
		t.Fatalf("expected mapped server_busy, got %v", err)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Call(context.Background(), testSession(), &commands.Command{Kind: commands.KindWorkNow})
	if commands.ClassificationOf(err) != commands.TransientNetwork {
		t.Fatalf("expected transient_network, got %v", err)
	}
}

func TestBuildRequestWireMapping(t *testing.T) {
	session := testSession()
	cases := []struct {
		name string
		cmd  *commands.Command
		want string
	}{
		{
			name: "charge until",
			cmd:  &commands.Command{Kind: commands.KindChargeUntil, Params: commands.Params{"hours": 7, "minutes": 30, "weekday": 1}},
			want: `{"auth":{"sessionId":"sess-1"},"data":{"command":"method.exec","params":{"ackTimeout":30,"imei":"351234567890123","method":"charge_until","params":{"hh":7,"mm":30,"weekday":0},"singleton":true}}}`,
		},
		{
			name: "keep out",
			cmd: &commands.Command{Kind: commands.KindKeepOut, Params: commands.Params{
				"location": commands.Params{"latitude": 45.5, "longitude": 9.25, "radius": 10},
				"index":    2,
			}},
			want: `{"auth":{"sessionId":"sess-1"},"data":{"command":"method.exec","params":{"ackTimeout":30,"imei":"351234567890123","method":"keep_out","params":{"index":2,"latitude":45.5,"longitude":9.25,"radius":10},"singleton":true}}}`,
		},
		{
			name: "work now",
			cmd:  &commands.Command{Kind: commands.KindWorkNow},
			want: `{"auth":{"sessionId":"sess-1"},"data":{"command":"method.exec","params":{"ackTimeout":30,"imei":"351234567890123","method":"work_now","singleton":true}}}`,
		},
		{
			name: "wake up",
			cmd:  &commands.Command{Kind: commands.KindWakeUp},
			want: `{"auth":{"sessionId":"sess-1"},"data":{"command":"sms.send","params":{"coding":"SEVEN_BIT","imei":"351234567890123","message":"UP"}}}`,
		},
		{
			name: "find",
			cmd:  &commands.Command{Kind: commands.KindFindDevice},
			want: `{"auth":{"sessionId":"sess-1"},"data":{"command":"thing.find","params":{"imei":"351234567890123"}}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := BuildRequest(session, tc.cmd, DefaultAckTimeout)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			got, err := json.Marshal(req)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("unexpected envelope\n got: %s\nwant: %s", got, tc.want)
			}
		})
	}
}

func TestBuildRequestListDevices(t *testing.T) {
	req, err := BuildRequest(testSession(), &commands.Command{Kind: commands.KindListDevices}, DefaultAckTimeout)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Data.Command != "thing.list" || req.Data.Params["hideFields"] != true {
		t.Fatalf("unexpected list request: %+v", req.Data)
	}
	show := req.Data.Params["show"].([]string)
	if len(show) != 13 || !strings.Contains(strings.Join(show, ","), "alarms") {
		t.Fatalf("unexpected show fields: %v", show)
	}
}

func TestBuildRequestWithoutSession(t *testing.T) {
	_, err := BuildRequest(commands.Session{}, &commands.Command{Kind: commands.KindWorkNow}, DefaultAckTimeout)
	if commands.ClassificationOf(err) != commands.SessionInvalid {
		t.Fatalf("expected session_invalid, got %v", err)
	}
}
