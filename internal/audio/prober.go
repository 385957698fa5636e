package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Prober measures the play duration of synthesized audio files.
type Prober struct {
	logger *slog.Logger
}

// NewProber creates an audio duration prober.
func NewProber(logger *slog.Logger) *Prober {
	return &Prober{logger: logger}
}

// Measure returns the play duration of the audio file at path. The format
// is chosen by extension, falling back to content sniffing.
func (p *Prober) Measure(ctx context.Context, path string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audio file: %w", err)
	}

	var dur time.Duration
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		dur, err = MP3Duration(data)
	case ".wav":
		dur, err = WAVDuration(data)
	default:
		if isWAV(data) {
			dur, err = WAVDuration(data)
		} else {
			dur, err = MP3Duration(data)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", filepath.Base(path), err)
	}

	p.logger.Debug("Measured audio duration",
		slog.String("file", filepath.Base(path)),
		slog.Duration("duration", dur),
	)
	return dur, nil
}
