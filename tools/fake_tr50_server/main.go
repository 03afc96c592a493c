package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeTR50Server emulates the subset of the DeviceWise TR50 API used by
// mowerlink: authentication, thing lookup and method execution.
type fakeTR50Server struct {
	start      time.Time
	latency    time.Duration
	failRate   float64
	sessionTTL time.Duration
	imei       string

	mu         sync.Mutex
	sessions   map[string]time.Time
	things     map[string]map[string]any
	byCommand  map[string]int64
	byStatus   map[int]int64
	totalCall  int64
	sessionSeq int64
}

func main() {
	addr := getenvDefault("FAKE_TR50_ADDR", ":18090")
	latencyMs := getenvIntDefault("FAKE_TR50_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_TR50_FAIL_RATE", 0)
	ttlSeconds := getenvIntDefault("FAKE_TR50_SESSION_TTL_SECONDS", 0)
	imei := getenvDefault("FAKE_TR50_IMEI", "351234567890123")

	srv := &fakeTR50Server{
		start:      time.Now().UTC(),
		latency:    time.Duration(latencyMs) * time.Millisecond,
		failRate:   failRate,
		sessionTTL: time.Duration(ttlSeconds) * time.Second,
		imei:       imei,
		sessions:   make(map[string]time.Time),
		things:     make(map[string]map[string]any),
		byCommand:  make(map[string]int64),
		byStatus:   make(map[int]int64),
	}
	srv.things[imei] = map[string]any{
		"key":        imei,
		"name":       "mower",
		"connected":  true,
		"locUpdated": time.Now().UTC().Format(time.RFC3339),
		"loc":        map[string]any{"lat": 45.4642, "lng": 9.19},
		"attrs":      map[string]any{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/metrics", srv.handleMetrics)
	mux.HandleFunc("/api", srv.handleAPI)

	log.Printf("fake TR50 server listening on %s imei=%s", addr, imei)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func (s *fakeTR50Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeTR50Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := make(map[string]int64, len(s.byStatus))
	for status, n := range s.byStatus {
		byStatus[strconv.Itoa(status)] = n
	}
	payload := map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      s.totalCall,
		"by_command": s.byCommand,
		"by_status":  byStatus,
		"sessions":   len(s.sessions),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

type tr50Request struct {
	Auth *struct {
		Command   string         `json:"command"`
		Params    map[string]any `json:"params"`
		SessionID string         `json:"sessionId"`
	} `json:"auth"`
	Data *struct {
		Command string         `json:"command"`
		Params  map[string]any `json:"params"`
	} `json:"data"`
}

func (s *fakeTR50Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	var req tr50Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Auth == nil {
		s.reply(w, "invalid", http.StatusBadRequest, nil)
		return
	}

	if req.Auth.Command == "api.authenticate" {
		s.authenticate(w, req.Auth.Params)
		return
	}
	if req.Data == nil {
		s.reply(w, "invalid", http.StatusBadRequest, nil)
		return
	}
	command := req.Data.Command
	if s.failRate > 0 && rand.Float64() < s.failRate {
		s.reply(w, command, http.StatusServiceUnavailable, map[string]any{"error": "fake overload"})
		return
	}
	if !s.sessionValid(req.Auth.SessionID) {
		s.reply(w, command, http.StatusOK, failure("data", "Authentication session is invalid"))
		return
	}

	switch command {
	case "thing.find":
		s.thingFind(w, req.Data.Params)
	case "thing.list":
		s.thingList(w)
	case "thing.create", "thing.update":
		s.thingUpsert(w, command, req.Data.Params)
	case "attribute.publish":
		s.attributePublish(w, req.Data.Params)
	case "method.exec":
		s.methodExec(w, req.Data.Params)
	case "sms.send":
		s.reply(w, command, http.StatusOK, success("data", nil))
	default:
		s.reply(w, command, http.StatusOK, failure("data", fmt.Sprintf("Unknown command %s", command)))
	}
}

func (s *fakeTR50Server) authenticate(w http.ResponseWriter, params map[string]any) {
	key, _ := params["thingKey"].(string)
	if strings.TrimSpace(key) == "" {
		s.reply(w, "api.authenticate", http.StatusOK, failure("auth", "Invalid credentials"))
		return
	}
	s.mu.Lock()
	s.sessionSeq++
	id := fmt.Sprintf("sess-%d-%d", s.start.Unix(), s.sessionSeq)
	expires := time.Time{}
	if s.sessionTTL > 0 {
		expires = time.Now().Add(s.sessionTTL)
	}
	s.sessions[id] = expires
	s.mu.Unlock()
	s.reply(w, "api.authenticate", http.StatusOK, success("auth", map[string]any{"sessionId": id}))
}

func (s *fakeTR50Server) sessionValid(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.sessions[id]
	if !ok {
		return false
	}
	if !expires.IsZero() && time.Now().After(expires) {
		delete(s.sessions, id)
		return false
	}
	return true
}

func (s *fakeTR50Server) thingFind(w http.ResponseWriter, params map[string]any) {
	key, _ := params["key"].(string)
	if key == "" {
		key, _ = params["imei"].(string)
	}
	s.mu.Lock()
	thing, ok := s.things[key]
	s.mu.Unlock()
	if !ok {
		s.reply(w, "thing.find", http.StatusOK, failure("data", "Thing not found"))
		return
	}
	s.reply(w, "thing.find", http.StatusOK, success("data", thing))
}

func (s *fakeTR50Server) thingList(w http.ResponseWriter) {
	s.mu.Lock()
	thing := s.things[s.imei]
	s.mu.Unlock()
	s.reply(w, "thing.list", http.StatusOK, success("data", map[string]any{
		"count":  1,
		"result": []any{thing},
	}))
}

func (s *fakeTR50Server) thingUpsert(w http.ResponseWriter, command string, params map[string]any) {
	key, _ := params["key"].(string)
	if key == "" {
		s.reply(w, command, http.StatusOK, failure("data", "key is required"))
		return
	}
	s.mu.Lock()
	s.things[key] = map[string]any{"key": key, "name": params["name"], "defKey": params["defKey"]}
	s.mu.Unlock()
	s.reply(w, command, http.StatusOK, success("data", nil))
}

func (s *fakeTR50Server) attributePublish(w http.ResponseWriter, params map[string]any) {
	thingKey, _ := params["thingKey"].(string)
	attr, _ := params["key"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	thing, ok := s.things[thingKey]
	if !ok {
		s.replyLocked(w, "attribute.publish", http.StatusOK, failure("data", "Thing not found"))
		return
	}
	attrs, _ := thing["attrs"].(map[string]any)
	if attrs == nil {
		attrs = map[string]any{}
		thing["attrs"] = attrs
	}
	attrs[attr] = map[string]any{"value": params["value"], "ts": time.Now().UTC().Format(time.RFC3339)}
	s.replyLocked(w, "attribute.publish", http.StatusOK, success("data", nil))
}

func (s *fakeTR50Server) methodExec(w http.ResponseWriter, params map[string]any) {
	method, _ := params["method"].(string)
	imei, _ := params["imei"].(string)
	if imei != s.imei {
		s.reply(w, "method.exec", http.StatusOK, failure("data", "Thing not found"))
		return
	}
	if method == "trace_position" {
		s.mu.Lock()
		if thing, ok := s.things[s.imei]; ok {
			thing["loc"] = map[string]any{"lat": 45.4643, "lng": 9.1901, "corrId": "trace"}
			thing["locUpdated"] = time.Now().UTC().Format(time.RFC3339)
		}
		s.mu.Unlock()
	}
	s.reply(w, "method.exec", http.StatusOK, success("data", map[string]any{"method": method, "status": "acknowledged"}))
}

func success(block string, params any) map[string]any {
	inner := map[string]any{"success": true}
	if params != nil {
		inner["params"] = params
	}
	return map[string]any{block: inner}
}

func failure(block, message string) map[string]any {
	return map[string]any{block: map[string]any{"success": false, "errorMessages": []string{message}}}
}

func (s *fakeTR50Server) reply(w http.ResponseWriter, command string, status int, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyLocked(w, command, status, payload)
}

func (s *fakeTR50Server) replyLocked(w http.ResponseWriter, command string, status int, payload any) {
	s.totalCall++
	s.byCommand[command]++
	s.byStatus[status]++
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloatDefault(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
