package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// synthesizeRequest mirrors the JSON body the service sends.
type synthesizeRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Rate  float64 `json:"rate"`
	Pitch float64 `json:"pitch"`
}

const (
	// One 128 kbit/s 44.1 kHz MPEG-1 Layer III frame is 417 bytes and
	// plays for 1152/44100 seconds.
	frameSize        = 417
	secondsPerFrame  = 1152.0 / 44100.0
	secondsPerWord   = 0.35
	minFramesPerClip = 4
)

// silentFrames builds playable silence long enough to "speak" the text.
func silentFrames(text string, rate float64) []byte {
	words := len(strings.Fields(text))
	if rate <= 0 {
		rate = 1.0
	}

	seconds := float64(words) * secondsPerWord / rate
	frames := int(seconds / secondsPerFrame)
	if frames < minFramesPerClip {
		frames = minFramesPerClip
	}

	data := make([]byte, 0, frames*frameSize)
	for i := 0; i < frames; i++ {
		frame := make([]byte, frameSize)
		copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
		data = append(data, frame...)
	}
	return data
}

func synthesizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}

	audio := silentFrames(req.Text, req.Rate)

	log.Printf("SYNTHESIS REQUEST:")
	log.Printf("  Text: %q", req.Text)
	log.Printf("  Voice: %s  Rate: %.2f  Pitch: %.1f", req.Voice, req.Rate, req.Pitch)
	log.Printf("  Responding with %d bytes (%.2fs of silence)",
		len(audio), float64(len(audio)/frameSize)*secondsPerFrame)

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write(audio)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	port := flag.Int("port", 5002, "Port to listen on")
	flag.Parse()

	http.HandleFunc("/synthesize", synthesizeHandler)
	http.HandleFunc("/health", healthHandler)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock TTS server listening on %s", addr)
	log.Printf("  POST %s/synthesize", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
