package room

import (
	"context"
	"time"

	"github.com/joshmu/aid-online/internal/speech"
)

// Expander mints one rule-evaluation context per session start.
type Expander interface {
	Init(seed map[string]any) (Context, error)
}

// Context is a live rule set for one session. The loop evaluates rules
// through it and live configuration updates rewrite rules in place.
type Context interface {
	AddRules(rules map[string][]string)
	AddRuleDefaults(rules map[string][]string)
	DeleteRule(name string)
	Evaluate(ctx context.Context, name string) (string, error)
	TakeAudioCue() (string, bool)
	Vars() map[string]any
	Close()
}

// Synthesizer renders segment text to an audio artifact.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.Request) (speech.Artifact, error)
}

// Prober measures the play duration of an audio artifact.
type Prober interface {
	Measure(ctx context.Context, path string) (time.Duration, error)
}

// Emitter delivers one event to a delivery scope.
type Emitter interface {
	Emit(event string, payload any)
}

// Broadcaster fans events out to a whole room or to one participant.
type Broadcaster interface {
	ToRoom(roomID string) Emitter
	ToParticipant(participantID string) Emitter
}

// Recorder receives session lifecycle measurements. All methods must be
// safe for concurrent use.
type Recorder interface {
	SetActiveRooms(count int)
	RecordRoomCreated()
	RecordParticipantJoin(activeTotal int)
	RecordParticipantLeave(activeTotal int)
	RecordCycleCompleted(durationSeconds float64)
	RecordCycleFailure()
	RecordSessionStarted()
	RecordSessionFinished()
	RecordSessionRestarted()
	RecordSpeechAudio(seconds float64)
}

// nopRecorder is used when no metrics backend is wired in.
type nopRecorder struct{}

func (nopRecorder) SetActiveRooms(int)          {}
func (nopRecorder) RecordRoomCreated()          {}
func (nopRecorder) RecordParticipantJoin(int)   {}
func (nopRecorder) RecordParticipantLeave(int)  {}
func (nopRecorder) RecordCycleCompleted(float64) {}
func (nopRecorder) RecordCycleFailure()         {}
func (nopRecorder) RecordSessionStarted()       {}
func (nopRecorder) RecordSessionFinished()      {}
func (nopRecorder) RecordSessionRestarted()     {}
func (nopRecorder) RecordSpeechAudio(float64)   {}
