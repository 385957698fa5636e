package room

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/joshmu/aid-online/internal/protocol"
	"github.com/joshmu/aid-online/internal/speech"
)

// State is the session lifecycle phase.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StatePaused
	StateEnded
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Settings contains session pacing and voice shaping parameters.
type Settings struct {
	RateMin      float64
	RateMax      float64
	RateOffset   float64
	PitchOffset  float64
	DefaultDelay time.Duration
}

// DefaultSettings returns the stock pacing parameters.
func DefaultSettings() Settings {
	return Settings{
		RateMin:      0.25,
		RateMax:      4.0,
		RateOffset:   -0.1,
		PitchOffset:  -5,
		DefaultDelay: 10 * time.Millisecond,
	}
}

// clampRate bounds a requested speech rate to the supported range. The
// rate offset is applied after clamping.
func (st Settings) clampRate(v float64) float64 {
	if v < st.RateMin {
		return st.RateMin
	}
	if v > st.RateMax {
		return st.RateMax
	}
	return v
}

// JoinParams carries the out-of-band options of a join request: an
// explicit admin claim and an optional configuration update applied on
// entry.
type JoinParams struct {
	Admin  bool
	Update map[string]any
}

// Member is one connected participant of a room.
type Member struct {
	ID       string
	Admin    bool
	JoinedAt time.Time
}

// MemberInfo is the external snapshot of a member.
type MemberInfo struct {
	ID    string `json:"id"`
	Admin bool   `json:"admin"`
}

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	ID             string         `json:"id"`
	State          string         `json:"state"`
	Members        []MemberInfo   `json:"members"`
	StartTime      *time.Time     `json:"startTime,omitempty"`
	FormData       map[string]any `json:"formData"`
	RestartPending bool           `json:"restartPending"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// StartedPayload announces a running narrative to the room.
type StartedPayload struct {
	RoomID    string         `json:"roomId"`
	StartTime time.Time      `json:"startTime"`
	FormData  map[string]any `json:"formData"`
}

// AudioCuePayload names a sound effect clients should play.
type AudioCuePayload struct {
	Name string `json:"name"`
}

// MessagePayload carries one narrative segment and its audio.
type MessagePayload struct {
	Text      string         `json:"text"`
	AudioID   string         `json:"audioId,omitempty"`
	AudioFile string         `json:"mp3,omitempty"`
	AudioURL  string         `json:"url,omitempty"`
	Duration  float64        `json:"duration"`
	Elapsed   float64        `json:"elapsed"`
	Vars      map[string]any `json:"vars,omitempty"`
}

// FinishedPayload announces the end of a narrative.
type FinishedPayload struct {
	RoomID  string  `json:"roomId"`
	Elapsed float64 `json:"elapsed"`
}

// Deps groups the collaborators a session needs.
type Deps struct {
	Expander    Expander
	Synthesizer Synthesizer
	Prober      Prober
	Broadcaster Broadcaster
	Recorder    Recorder
	Logger      *slog.Logger
}

// Session drives one room's shared narrative. Participants observe the
// same stream of generated segments; the expansion loop paces itself by
// the play duration of each synthesized segment.
//
// Control requests (pause, end, restart) are flags consulted at loop
// checkpoints. A cycle already in flight completes and its message is
// still delivered.
type Session struct {
	id       string
	settings Settings

	expander    Expander
	synth       Synthesizer
	prober      Prober
	broadcaster Broadcaster
	recorder    Recorder
	logger      *slog.Logger

	mu             sync.Mutex
	state          State
	restartPending bool
	endRequested   bool
	suspended      bool
	loopActive     bool
	members        map[string]*Member
	formData       map[string]any
	engine         Context
	startTime      time.Time
	createdAt      time.Time
}

// NewSession creates an idle session for the given room.
func NewSession(id string, settings Settings, deps Deps) *Session {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Session{
		id:          id,
		settings:    settings,
		expander:    deps.Expander,
		synth:       deps.Synthesizer,
		prober:      deps.Prober,
		broadcaster: deps.Broadcaster,
		recorder:    deps.Recorder,
		logger:      deps.Logger,
		state:       StateNotStarted,
		members:     make(map[string]*Member),
		formData:    defaultFormData(),
		createdAt:   time.Now(),
	}
}

// ID returns the room identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddMember registers a participant. The first participant into an empty
// room becomes admin and is told so directly; later participants can
// request the admin role explicitly. Joining a room whose loop was
// suspended by everyone leaving resumes the narrative. A join carrying a
// configuration update merges it and schedules a restart so the new
// configuration takes effect from a fresh narrative.
func (s *Session) AddMember(participantID string, params JoinParams) *Member {
	s.mu.Lock()

	if m, ok := s.members[participantID]; ok {
		s.mu.Unlock()
		return m
	}

	first := len(s.members) == 0
	m := &Member{
		ID:       participantID,
		Admin:    first || params.Admin,
		JoinedAt: time.Now(),
	}
	s.members[participantID] = m

	if s.suspended {
		s.suspended = false
		if s.state == StateRunning && !s.loopActive {
			s.startLoopLocked()
		}
	}

	var updateErr error
	if params.Update != nil {
		if updateErr = mergeFormData(s.formData, params.Update); updateErr == nil {
			s.requestRestartLocked()
		}
	}

	total := len(s.members)
	if m.Admin {
		s.broadcaster.ToParticipant(participantID).Emit(protocol.EventRole, protocol.RoleAdmin)
	}
	if updateErr != nil {
		s.broadcaster.ToParticipant(participantID).Emit(protocol.EventError, protocol.ErrorPayload{
			Code:    "invalid_config",
			Message: updateErr.Error(),
		})
	}
	s.mu.Unlock()

	s.recorder.RecordParticipantJoin(total)
	s.logger.Info("Participant joined room",
		slog.String("room_id", s.id),
		slog.String("participant_id", participantID),
		slog.Bool("admin", m.Admin),
		slog.Int("members", total),
	)
	return m
}

// RemoveMember drops a participant. An admin's role leaves with them.
// When the last participant leaves a running room the loop suspends
// until somebody rejoins.
func (s *Session) RemoveMember(participantID string) bool {
	s.mu.Lock()

	if _, ok := s.members[participantID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.members, participantID)

	if len(s.members) == 0 && s.state == StateRunning {
		s.suspended = true
	}

	total := len(s.members)
	s.mu.Unlock()

	s.recorder.RecordParticipantLeave(total)
	s.logger.Info("Participant left room",
		slog.String("room_id", s.id),
		slog.String("participant_id", participantID),
		slog.Int("members", total),
	)
	return true
}

// MemberCount returns the number of connected participants.
func (s *Session) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Start merges the given configuration and launches the narrative.
// Starting an already started session is ignored; the running narrative
// and its start time are preserved. A malformed configuration is
// rejected and the session stays idle.
func (s *Session) Start(formData map[string]any) error {
	s.mu.Lock()

	if s.state != StateNotStarted {
		s.mu.Unlock()
		s.logger.Debug("Ignoring start request",
			slog.String("room_id", s.id),
			slog.String("state", s.state.String()),
		)
		return nil
	}

	if err := mergeFormData(s.formData, formData); err != nil {
		s.mu.Unlock()
		return err
	}

	now := time.Now()
	engine, err := s.expander.Init(s.seedVarsLocked(now))
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.engine = engine
	s.state = StateRunning
	s.startTime = now
	s.restartPending = false
	s.endRequested = false
	s.suspended = false
	s.registerRulesLocked(now)

	s.recorder.RecordSessionStarted()
	s.broadcaster.ToRoom(s.id).Emit(protocol.EventStart, s.startedPayloadLocked())
	s.startLoopLocked()
	s.mu.Unlock()

	s.logger.Info("Session started",
		slog.String("room_id", s.id),
	)
	return nil
}

// Pause suspends or resumes the narrative. Requests that do not apply
// to the current state are ignored.
func (s *Session) Pause(paused bool) {
	s.mu.Lock()

	if paused {
		if s.state != StateRunning {
			s.mu.Unlock()
			return
		}
		s.state = StatePaused
	} else {
		if s.state != StatePaused {
			s.mu.Unlock()
			return
		}
		s.state = StateRunning
		if !s.loopActive && !s.suspended {
			s.startLoopLocked()
		}
	}

	s.broadcaster.ToRoom(s.id).Emit(protocol.EventPause, paused)
	s.mu.Unlock()

	s.logger.Info("Session pause toggled",
		slog.String("room_id", s.id),
		slog.Bool("paused", paused),
	)
}

// RequestEnd asks the narrative to finish. A cycle in flight completes
// and delivers its message first; only when no cycle is running does the
// session finish immediately.
func (s *Session) RequestEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning, StatePaused:
		s.endRequested = true
		if !s.loopActive {
			s.finishLocked()
		}
	default:
		// Nothing to end.
	}
}

// RequestRestart flags the narrative for a restart at the next loop
// checkpoint. The cycle in flight completes first.
func (s *Session) RequestRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestRestartLocked()
}

// requestRestartLocked records a restart request. A paused narrative
// with no cycle in flight restarts on the spot and resumes; otherwise
// the flag is honored at the next checkpoint. Callers hold s.mu.
func (s *Session) requestRestartLocked() {
	if s.state != StateRunning && s.state != StatePaused {
		return
	}
	s.restartPending = true

	if s.state == StatePaused && !s.loopActive {
		if s.restartLocked() {
			s.state = StateRunning
			s.startLoopLocked()
		}
	}
}

// UpdateFormData merges configuration changes. When the narrative is
// live, cast and session length updates are pushed into the rule set
// so the next cycle already sees them.
func (s *Session) UpdateFormData(data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := mergeFormData(s.formData, data); err != nil {
		return err
	}

	if s.state != StateNotStarted && s.engine != nil {
		s.engine.DeleteRule(keyCastMembers)
		s.engine.DeleteRule(keySessionLength)
		s.engine.AddRules(map[string][]string{
			keyCastMembers:   stringList(s.formData, keyCastMembers),
			keySessionLength: {formatNumber(numberField(s.formData, keySessionLength))},
		})
	}
	return nil
}

// Info returns a point-in-time snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]MemberInfo, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, MemberInfo{ID: m.ID, Admin: m.Admin})
	}

	formData := make(map[string]any, len(s.formData))
	for k, v := range s.formData {
		formData[k] = v
	}

	info := SessionInfo{
		ID:             s.id,
		State:          s.state.String(),
		Members:        members,
		FormData:       formData,
		RestartPending: s.restartPending,
		CreatedAt:      s.createdAt,
	}
	if !s.startTime.IsZero() && s.state != StateNotStarted {
		t := s.startTime
		info.StartTime = &t
	}
	return info
}

// seedVarsLocked builds the variable seed a fresh expansion context
// starts from. Callers hold s.mu.
func (s *Session) seedVarsLocked(now time.Time) map[string]any {
	return map[string]any{
		"room_id":         s.id,
		"room_start_time": now.Format(time.RFC3339),
		keyCastMembers:    stringList(s.formData, keyCastMembers),
		keyUserObjects:    stringList(s.formData, keyUserObjects),
		keyUserAreas:      stringList(s.formData, keyUserAreas),
		keySessionLength:  numberField(s.formData, keySessionLength),
	}
}

// registerRulesLocked installs the rules the loop depends on. Script
// provided rules win for the narrative itself; room data is always
// authoritative. Callers hold s.mu.
func (s *Session) registerRulesLocked(now time.Time) {
	s.engine.AddRuleDefaults(map[string][]string{
		"ss":    {"#segment#"},
		"delay": {strconv.FormatInt(s.settings.DefaultDelay.Milliseconds(), 10)},
		"end":   {""},
	})
	s.engine.AddRules(map[string][]string{
		"room_id":         {s.id},
		"room_start_time": {now.Format(time.RFC3339)},
		keyCastMembers:    stringList(s.formData, keyCastMembers),
		keyUserObjects:    stringList(s.formData, keyUserObjects),
		keyUserAreas:      stringList(s.formData, keyUserAreas),
		keySessionLength:  {formatNumber(numberField(s.formData, keySessionLength))},
	})
}

// startedPayloadLocked snapshots the start announcement. Callers hold s.mu.
func (s *Session) startedPayloadLocked() StartedPayload {
	formData := make(map[string]any, len(s.formData))
	for k, v := range s.formData {
		formData[k] = v
	}
	return StartedPayload{
		RoomID:    s.id,
		StartTime: s.startTime,
		FormData:  formData,
	}
}

// finishLocked tears the narrative down and returns the session to the
// idle state, ready to be started again. Callers hold s.mu.
func (s *Session) finishLocked() {
	elapsed := roundElapsed(time.Since(s.startTime))

	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
	s.state = StateNotStarted
	s.restartPending = false
	s.endRequested = false
	s.suspended = false

	s.recorder.RecordSessionFinished()
	s.broadcaster.ToRoom(s.id).Emit(protocol.EventFinished, FinishedPayload{
		RoomID:  s.id,
		Elapsed: elapsed,
	})

	s.logger.Info("Session finished",
		slog.String("room_id", s.id),
		slog.Float64("elapsed", elapsed),
	)
}

// startLoopLocked launches the expansion loop goroutine. Callers hold s.mu.
func (s *Session) startLoopLocked() {
	s.loopActive = true
	go s.run()
}

// run is the expansion loop. Each turn consults the control flags at a
// checkpoint, produces one narrative cycle, and sleeps for the segment
// play time plus the inter-segment delay.
func (s *Session) run() {
	for {
		if !s.checkpoint() {
			return
		}
		sleep, ok := s.cycle()
		if !ok {
			return
		}
		time.Sleep(sleep)
	}
}

// checkpoint applies pending control requests and reports whether the
// loop should produce another cycle.
func (s *Session) checkpoint() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endRequested {
		s.finishLocked()
		s.loopActive = false
		return false
	}
	if len(s.members) == 0 {
		s.suspended = true
	}
	if s.state != StateRunning || s.suspended {
		s.loopActive = false
		return false
	}
	if s.restartPending {
		if !s.restartLocked() {
			s.loopActive = false
			return false
		}
	}
	return true
}

// restartLocked finishes the current narrative and immediately starts a
// fresh one with the same configuration. Callers hold s.mu.
func (s *Session) restartLocked() bool {
	s.restartPending = false

	now := time.Now()
	elapsed := roundElapsed(now.Sub(s.startTime))

	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
	s.broadcaster.ToRoom(s.id).Emit(protocol.EventFinished, FinishedPayload{
		RoomID:  s.id,
		Elapsed: elapsed,
	})

	engine, err := s.expander.Init(s.seedVarsLocked(now))
	if err != nil {
		s.state = StatePaused
		s.broadcaster.ToRoom(s.id).Emit(protocol.EventError, protocol.ErrorPayload{
			Code:    "restart_failed",
			Message: err.Error(),
		})
		s.logger.Error("Session restart failed",
			slog.String("room_id", s.id),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.engine = engine
	s.startTime = now
	s.registerRulesLocked(now)

	s.recorder.RecordSessionRestarted()
	s.broadcaster.ToRoom(s.id).Emit(protocol.EventStart, s.startedPayloadLocked())

	s.logger.Info("Session restarted",
		slog.String("room_id", s.id),
	)
	return true
}

// cycle produces one narrative segment. It returns how long the loop
// should sleep before the next cycle and whether the loop continues.
func (s *Session) cycle() (time.Duration, bool) {
	s.mu.Lock()
	engine := s.engine
	startTime := s.startTime
	s.mu.Unlock()

	if engine == nil {
		s.mu.Lock()
		s.loopActive = false
		s.mu.Unlock()
		return 0, false
	}

	ctx := context.Background()
	cycleStart := time.Now()

	text, err := engine.Evaluate(ctx, "ss")
	if err != nil {
		return 0, s.failCycle("segment", err)
	}
	delayText, err := engine.Evaluate(ctx, "delay")
	if err != nil {
		return 0, s.failCycle("delay", err)
	}
	rateText, err := engine.Evaluate(ctx, "rate")
	if err != nil {
		return 0, s.failCycle("rate", err)
	}
	pitchText, err := engine.Evaluate(ctx, "pitch")
	if err != nil {
		return 0, s.failCycle("pitch", err)
	}
	endText, err := engine.Evaluate(ctx, "end")
	if err != nil {
		return 0, s.failCycle("end condition", err)
	}

	delay := s.parseDelay(delayText)
	rate := s.settings.clampRate(parseFloatDefault(rateText, 1.0)) + s.settings.RateOffset
	pitch := parseFloatDefault(pitchText, 0) + s.settings.PitchOffset

	if cue, ok := engine.TakeAudioCue(); ok {
		s.broadcaster.ToRoom(s.id).Emit(protocol.EventAudio, AudioCuePayload{Name: cue})
	}

	payload := MessagePayload{Text: text}
	var speechDur time.Duration

	if text != "" {
		artifact, err := s.synth.Synthesize(ctx, speech.Request{
			RoomID: s.id,
			Text:   text,
			Rate:   rate,
			Pitch:  pitch,
		})
		if err != nil {
			return 0, s.failCycle("synthesis", err)
		}

		dur, err := s.prober.Measure(ctx, artifact.Path)
		if err != nil {
			return 0, s.failCycle("duration probe", err)
		}

		speechDur = dur
		s.recorder.RecordSpeechAudio(dur.Seconds())

		payload.AudioID = artifact.ID
		payload.AudioFile = artifact.Filename
		payload.AudioURL = "/mp3/" + artifact.Filename
		payload.Duration = dur.Seconds()
	}

	payload.Elapsed = roundElapsed(time.Since(startTime))
	payload.Vars = engine.Vars()

	s.broadcaster.ToRoom(s.id).Emit(protocol.EventMessage, payload)
	s.recorder.RecordCycleCompleted(time.Since(cycleStart).Seconds())

	// A met end condition finishes at the checkpoint after the paced
	// wait, once the final segment has had its play time.
	if endText != "" {
		s.mu.Lock()
		s.endRequested = true
		s.mu.Unlock()
	}

	return speechDur + delay, true
}

// failCycle aborts the current cycle, pauses the session, and tells the
// room what went wrong. It always returns false.
func (s *Session) failCycle(stage string, err error) bool {
	s.recorder.RecordCycleFailure()
	s.logger.Error("Session cycle failed",
		slog.String("room_id", s.id),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)

	s.mu.Lock()
	s.state = StatePaused
	s.loopActive = false
	s.broadcaster.ToRoom(s.id).Emit(protocol.EventError, protocol.ErrorPayload{
		Code:    "cycle_failed",
		Message: err.Error(),
	})
	s.mu.Unlock()
	return false
}

// parseDelay reads an inter-segment delay in milliseconds, falling back
// to the configured default.
func (s *Session) parseDelay(text string) time.Duration {
	ms, err := strconv.Atoi(text)
	if err != nil || ms < 0 {
		return s.settings.DefaultDelay
	}
	return time.Duration(ms) * time.Millisecond
}

func parseFloatDefault(text string, def float64) float64 {
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return def
	}
	return v
}

// roundElapsed rounds an elapsed duration to tenths of a second.
func roundElapsed(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}
