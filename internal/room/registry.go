package room

import (
	"log/slog"
	"sync"
)

// Registry owns all room sessions. Rooms are created the first time a
// participant joins them and stay registered for the lifetime of the
// process, so an emptied room keeps its configuration for whoever comes
// back.
type Registry struct {
	settings Settings
	deps     Deps
	logger   *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Session
}

// NewRegistry creates an empty room registry.
func NewRegistry(settings Settings, deps Deps) *Registry {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Registry{
		settings: settings,
		deps:     deps,
		logger:   deps.Logger,
		rooms:    make(map[string]*Session),
	}
}

// Join adds a participant to a room, creating the room on first use.
func (r *Registry) Join(roomID, participantID string, params JoinParams) *Session {
	r.mu.Lock()
	session, ok := r.rooms[roomID]
	if !ok {
		session = NewSession(roomID, r.settings, r.deps)
		r.rooms[roomID] = session

		r.deps.Recorder.RecordRoomCreated()
		r.deps.Recorder.SetActiveRooms(len(r.rooms))
		r.logger.Info("Room created",
			slog.String("room_id", roomID),
		)
	}
	r.mu.Unlock()

	session.AddMember(participantID, params)
	return session
}

// Leave removes a participant from a room. Unknown rooms are ignored.
func (r *Registry) Leave(roomID, participantID string) {
	r.mu.RLock()
	session, ok := r.rooms[roomID]
	r.mu.RUnlock()

	if !ok {
		return
	}
	session.RemoveMember(participantID)
}

// Get returns the session for a room, if it exists.
func (r *Registry) Get(roomID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.rooms[roomID]
	return session, ok
}

// Sessions returns snapshots of every registered room.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.rooms))
	for _, s := range r.rooms {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Count returns the number of registered rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
