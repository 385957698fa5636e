package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{OutputDir: t.TempDir()}); err == nil {
		t.Error("Expected error for empty endpoint")
	}
	if _, err := NewClient(Config{Endpoint: "http://localhost:1"}); err == nil {
		t.Error("Expected error for empty output directory")
	}
}

func TestSynthesizeStoresArtifact(t *testing.T) {
	audio := []byte{0xFF, 0xFB, 0x90, 0x00, 0x01, 0x02}

	var gotReq Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(audio)
	}))
	defer server.Close()

	dir := t.TempDir()
	client, err := NewClient(Config{
		Endpoint:  server.URL,
		Voice:     "en-AU-Standard-B",
		OutputDir: dir,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	artifact, err := client.Synthesize(context.Background(), Request{
		RoomID: "lounge",
		Text:   "the lights dim",
		Rate:   0.9,
		Pitch:  -5,
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if gotReq.Text != "the lights dim" {
		t.Errorf("Expected request text to pass through, got %q", gotReq.Text)
	}
	if gotReq.Voice != "en-AU-Standard-B" {
		t.Errorf("Expected configured default voice, got %q", gotReq.Voice)
	}

	if !strings.HasPrefix(artifact.Filename, "lounge_") || !strings.HasSuffix(artifact.Filename, ".mp3") {
		t.Errorf("Unexpected artifact filename %q", artifact.Filename)
	}
	if artifact.Path != filepath.Join(dir, artifact.Filename) {
		t.Errorf("Artifact path %q not under output dir", artifact.Path)
	}

	stored, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatalf("Failed to read stored artifact: %v", err)
	}
	if string(stored) != string(audio) {
		t.Error("Stored audio does not match response body")
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSynthesizeRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte{0x01})
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:   server.URL,
		OutputDir:  t.TempDir(),
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	start := time.Now()
	if _, err := client.Synthesize(context.Background(), Request{RoomID: "r", Text: "x"}); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	// Two backoffs of 1s and 2s.
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("Expected backoff between retries, elapsed %v", elapsed)
	}

	stats := client.GetStats()
	if stats.TotalRetries != 2 {
		t.Errorf("Expected 2 retries recorded, got %d", stats.TotalRetries)
	}
}

func TestSynthesizeDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:   server.URL,
		OutputDir:  t.TempDir(),
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if _, err := client.Synthesize(context.Background(), Request{RoomID: "r", Text: "x"}); err == nil {
		t.Fatal("Expected error for 400 response")
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt for a non-retryable error, got %d", attempts)
	}

	stats := client.GetStats()
	if stats.FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %d", stats.FailedRequests)
	}
}

func TestSynthesizeEmptyAudio(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:   server.URL,
		OutputDir:  t.TempDir(),
		MaxRetries: 0,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if _, err := client.Synthesize(context.Background(), Request{RoomID: "r", Text: "x"}); err == nil {
		t.Error("Expected error for empty audio body")
	}
}

func TestSanitizeRoomID(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"lounge", "lounge"},
		{"../etc/passwd", "__etc_passwd"},
		{"a/b\\c", "a_b_c"},
		{"", "room"},
	}

	for _, tt := range tests {
		if got := sanitizeRoomID(tt.in); got != tt.expected {
			t.Errorf("sanitizeRoomID(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}
