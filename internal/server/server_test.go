package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joshmu/aid-online/internal/config"
	"github.com/joshmu/aid-online/internal/protocol"
	"github.com/joshmu/aid-online/internal/room"
	"github.com/joshmu/aid-online/internal/speech"
)

type stubContext struct{}

func (stubContext) AddRules(map[string][]string)        {}
func (stubContext) AddRuleDefaults(map[string][]string) {}
func (stubContext) DeleteRule(string)                   {}
func (stubContext) Evaluate(_ context.Context, name string) (string, error) {
	switch name {
	case "ss":
		return "hello there", nil
	case "delay":
		return "5", nil
	default:
		return "", nil
	}
}
func (stubContext) TakeAudioCue() (string, bool) { return "", false }
func (stubContext) Vars() map[string]any         { return map[string]any{} }
func (stubContext) Close()                       {}

type stubExpander struct{}

func (stubExpander) Init(map[string]any) (room.Context, error) {
	return stubContext{}, nil
}

type stubSynth struct{}

func (stubSynth) Synthesize(_ context.Context, req speech.Request) (speech.Artifact, error) {
	return speech.Artifact{ID: "a1", Filename: req.RoomID + "_a1.mp3", Path: "/tmp/a1.mp3"}, nil
}

type stubProber struct{}

func (stubProber) Measure(context.Context, string) (time.Duration, error) {
	return 3 * time.Millisecond, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Port = 0
	cfg.Server.Address = "127.0.0.1"
	cfg.Media.OutputDir = t.TempDir()
	cfg.Speech.Endpoint = "http://localhost:9999/synthesize"
	cfg.Speech.APIKey = "super-secret-key"
	cfg.ApplyDefaults()
	return cfg
}

func newTestServer(t *testing.T) (*httptest.Server, *HTTPServer, *room.Registry) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := testConfig(t)

	hub := NewHub(nil, logger)
	settings := room.DefaultSettings()
	settings.DefaultDelay = time.Millisecond
	registry := room.NewRegistry(settings, room.Deps{
		Expander:    stubExpander{},
		Synthesizer: stubSynth{},
		Prober:      stubProber{},
		Broadcaster: hub,
		Logger:      logger,
	})
	hub.SetRegistry(registry)

	h := NewHTTPServer(cfg, logger, registry, hub, nil, nil)
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)
	return ts, h, registry
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// awaitEvent reads frames until the wanted event arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read failed waiting for %s: %v", event, err)
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			t.Fatalf("Bad frame waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func TestWebsocketSessionRoundTrip(t *testing.T) {
	ts, _, registry := newTestServer(t)
	conn := dialWS(t, ts)

	sendEvent(t, conn, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: "lounge"})

	// First member into the room is told it holds the admin role.
	env := awaitEvent(t, conn, protocol.EventRole)
	var role string
	if err := json.Unmarshal(env.Data, &role); err != nil || role != protocol.RoleAdmin {
		t.Errorf("Expected ADMIN role payload, got %s", env.Data)
	}

	sendEvent(t, conn, protocol.EventStart, protocol.StartPayload{
		FormData: map[string]any{"cast_members": []string{"mira"}},
	})
	awaitEvent(t, conn, protocol.EventStart)

	env = awaitEvent(t, conn, protocol.EventMessage)
	var msg room.MessagePayload
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("Bad message payload: %v", err)
	}
	if msg.Text != "hello there" {
		t.Errorf("Expected generated segment text, got %q", msg.Text)
	}
	if !strings.HasPrefix(msg.AudioURL, "/mp3/") {
		t.Errorf("Expected audio URL under /mp3/, got %q", msg.AudioURL)
	}

	sendEvent(t, conn, protocol.EventEnd, nil)
	awaitEvent(t, conn, protocol.EventFinished)

	session, ok := registry.Get("lounge")
	if !ok {
		t.Fatal("Expected room to exist")
	}
	if session.State() != room.StateNotStarted {
		t.Errorf("Expected idle session after end, got %v", session.State())
	}
}

func TestWebsocketCommandsBeforeJoin(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialWS(t, ts)

	sendEvent(t, conn, protocol.EventStart, protocol.StartPayload{})

	env := awaitEvent(t, conn, protocol.EventError)
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Code != "no_room" {
		t.Errorf("Expected no_room error, got %s", env.Data)
	}
}

func TestWebsocketMalformedConfigTargetsSender(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialWS(t, ts)

	sendEvent(t, conn, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: "lounge"})
	awaitEvent(t, conn, protocol.EventRole)

	other := dialWS(t, ts)
	sendEvent(t, other, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: "lounge"})

	sendEvent(t, conn, protocol.EventStart, protocol.StartPayload{
		FormData: map[string]any{"session_length": "bogus"},
	})

	env := awaitEvent(t, conn, protocol.EventError)
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Code != "invalid_config" {
		t.Errorf("Expected invalid_config error, got %s", env.Data)
	}

	// The other participant must not see the rejection.
	other.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	for {
		_, data, err := other.ReadMessage()
		if err != nil {
			break
		}
		e, _ := protocol.ParseEnvelope(data)
		if e != nil && e.Event == protocol.EventError {
			t.Error("Expected config error to target only the sender")
		}
	}
}

func TestWebsocketAdminSearchParam(t *testing.T) {
	ts, _, _ := newTestServer(t)

	first := dialWS(t, ts)
	sendEvent(t, first, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: "lounge"})
	awaitEvent(t, first, protocol.EventRole)

	second := dialWS(t, ts)
	sendEvent(t, second, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		RoomID:       "lounge",
		SearchParams: "?admin=true",
	})
	awaitEvent(t, second, protocol.EventRole)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Bad health payload: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", health["status"])
	}
}

func TestRoomsEndpoints(t *testing.T) {
	ts, _, registry := newTestServer(t)
	registry.Join("lounge", "p1", room.JoinParams{})

	resp, err := http.Get(ts.URL + "/rooms")
	if err != nil {
		t.Fatalf("Rooms request failed: %v", err)
	}
	defer resp.Body.Close()

	var listing struct {
		TotalRooms int                `json:"total_rooms"`
		Rooms      []room.SessionInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("Bad rooms payload: %v", err)
	}
	if listing.TotalRooms != 1 || listing.Rooms[0].ID != "lounge" {
		t.Errorf("Unexpected rooms listing: %+v", listing)
	}

	resp, err = http.Get(ts.URL + "/rooms/lounge")
	if err != nil {
		t.Fatalf("Room detail request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for known room, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/rooms/nowhere")
	if err != nil {
		t.Fatalf("Room detail request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown room, got %d", resp.StatusCode)
	}
}

func TestConfigEndpointOmitsSecrets(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatalf("Config request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if strings.Contains(string(body), "super-secret-key") {
		t.Error("Expected API key to be omitted from /config")
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/heartbeat", "application/json",
		strings.NewReader(`{"client": 1234567}`))
	if err != nil {
		t.Fatalf("Heartbeat request failed: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Msg  string `json:"msg"`
		Data struct {
			Client float64 `json:"client"`
			Server float64 `json:"server"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("Bad heartbeat payload: %v", err)
	}
	if payload.Msg != "heartbeat" || payload.Data.Client != 1234567 || payload.Data.Server == 0 {
		t.Errorf("Unexpected heartbeat payload: %+v", payload)
	}

	resp, err = http.Get(ts.URL + "/heartbeat")
	if err != nil {
		t.Fatalf("Heartbeat GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET heartbeat, got %d", resp.StatusCode)
	}
}

func TestAudioEndpoint(t *testing.T) {
	ts, h, _ := newTestServer(t)

	path := filepath.Join(h.config.Media.OutputDir, "lounge_a1.mp3")
	if err := os.WriteFile(path, []byte{0xFF, 0xFB, 0x90, 0x00}, 0o644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}

	resp, err := http.Get(ts.URL + "/mp3/lounge_a1.mp3")
	if err != nil {
		t.Fatalf("Audio request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for stored artifact, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Expected audio/mpeg content type, got %q", ct)
	}

	resp, err = http.Get(ts.URL + "/mp3/missing.mp3")
	if err != nil {
		t.Fatalf("Audio request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for missing artifact, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/mp3/..%2Fconfig.yaml")
	if err != nil {
		t.Fatalf("Audio request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected traversal attempt to be rejected, got %d", resp.StatusCode)
	}
}

func TestRootServesAPIDocWithoutStaticDir(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("Root request failed: %v", err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("Bad root payload: %v", err)
	}
	if doc["service"] != "AID Online" {
		t.Errorf("Unexpected API doc: %v", doc)
	}
}

func TestParseJoinParams(t *testing.T) {
	tests := []struct {
		in        string
		admin     bool
		hasUpdate bool
	}{
		{"?admin=true", true, false},
		{"admin=true", true, false},
		{"?admin=false", false, false},
		{"", false, false},
		{"?other=1", false, false},
		{"?update=" + url.QueryEscape(`{"session_length":9}`), false, true},
		{"?update=notjson", false, false},
		{"?admin=true&update=" + url.QueryEscape(`{"user_areas":["attic"]}`), true, true},
	}

	for _, tt := range tests {
		got := parseJoinParams(tt.in)
		if got.Admin != tt.admin {
			t.Errorf("parseJoinParams(%q).Admin = %v, expected %v", tt.in, got.Admin, tt.admin)
		}
		if (got.Update != nil) != tt.hasUpdate {
			t.Errorf("parseJoinParams(%q).Update = %v, expected update %v", tt.in, got.Update, tt.hasUpdate)
		}
	}
}

func TestWebsocketJoinUpdateRestartsSession(t *testing.T) {
	ts, _, _ := newTestServer(t)

	first := dialWS(t, ts)
	sendEvent(t, first, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: "lounge"})
	awaitEvent(t, first, protocol.EventRole)

	sendEvent(t, first, protocol.EventStart, protocol.StartPayload{})
	awaitEvent(t, first, protocol.EventStart)
	awaitEvent(t, first, protocol.EventMessage)

	second := dialWS(t, ts)
	sendEvent(t, second, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		RoomID:       "lounge",
		SearchParams: "?update=" + url.QueryEscape(`{"session_length":9}`),
	})

	// The running narrative finishes and starts over with the merged
	// configuration.
	awaitEvent(t, first, protocol.EventFinished)
	env := awaitEvent(t, first, protocol.EventStart)

	var started room.StartedPayload
	if err := json.Unmarshal(env.Data, &started); err != nil {
		t.Fatalf("Bad start payload: %v", err)
	}
	if started.FormData["session_length"] != 9.0 {
		t.Errorf("Expected updated session length in restart, got %v", started.FormData["session_length"])
	}

	sendEvent(t, first, protocol.EventEnd, nil)
	awaitEvent(t, first, protocol.EventFinished)
}

func TestUpdateAidTargetsFormDataOnly(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialWS(t, ts)

	sendEvent(t, conn, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: "lounge"})
	awaitEvent(t, conn, protocol.EventRole)

	// An update aimed at an unknown target is dropped, so its malformed
	// data never reaches the merge.
	sendEvent(t, conn, protocol.EventUpdateAid, protocol.UpdateAidPayload{
		Name: "preferences",
		Data: map[string]any{"session_length": "bogus"},
	})
	sendEvent(t, conn, protocol.EventUpdateAid, protocol.UpdateAidPayload{
		Name: "formData",
		Data: map[string]any{"session_length": "bogus"},
	})

	env := awaitEvent(t, conn, protocol.EventError)
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Code != "invalid_config" {
		t.Errorf("Expected invalid_config for the formData update, got %s", env.Data)
	}

	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		e, _ := protocol.ParseEnvelope(data)
		if e != nil && e.Event == protocol.EventError {
			t.Error("Expected a single rejection for the formData update only")
		}
	}
}
