// Package playback is the seam between the external playback engine and the
// broadcast channels. It forwards intents to the attached engine and tracks
// the last known state of every cue from the engine's events.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoEngine is returned when an intent is issued with no engine attached.
var ErrNoEngine = errors.New("no playback engine attached")

// Status is a cue's playback status as reported by the engine.
type Status string

const (
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusCuedNext Status = "cued_next"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPlaying, StatusPaused, StatusStopped, StatusCuedNext:
		return true
	}
	return false
}

// Active reports whether a cue with status s is playing or paused.
func (s Status) Active() bool {
	return s == StatusPlaying || s == StatusPaused
}

// IntentKind names a command sent to the engine.
type IntentKind string

const (
	IntentTrigger          IntentKind = "trigger"
	IntentStop             IntentKind = "stop"
	IntentStopAll          IntentKind = "stopAll"
	IntentPlaylistNext     IntentKind = "playlistNext"
	IntentPlaylistPrevious IntentKind = "playlistPrevious"
	IntentPlaylistJump     IntentKind = "playlistJumpTo"
)

// Intent is a command for the engine. Play requests from every source are
// sent as IntentTrigger so the cue's retrigger policy always applies.
type Intent struct {
	Intent   IntentKind `json:"intent"`
	CueID    string     `json:"cueId,omitempty"`
	Source   string     `json:"source,omitempty"`
	Behavior string     `json:"behavior,omitempty"`
	Index    *int       `json:"index,omitempty"`
}

// StatusEvent reports a cue status change.
type StatusEvent struct {
	CueID   string         `json:"cueId"`
	Status  Status         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// Error returns details.error when the engine reported one.
func (e StatusEvent) Error() string {
	if msg, ok := e.Details["error"].(string); ok {
		return msg
	}
	return ""
}

// TimeUpdate reports playback progress for a cue.
type TimeUpdate struct {
	CueID                 string   `json:"cueId"`
	CueName               string   `json:"cueName"`
	Status                Status   `json:"status"`
	CurrentTimeSec        float64  `json:"currentTimeSec"`
	TotalDurationSec      float64  `json:"totalDurationSec"`
	RemainingTimeSec      float64  `json:"remainingTimeSec"`
	PlaylistItemName      string   `json:"playlistItemName,omitempty"`
	NextPlaylistItemName  string   `json:"nextPlaylistItemName,omitempty"`
	OriginalKnownDuration *float64 `json:"originalKnownDuration,omitempty"`
}

// CueState is the last known state of one cue.
type CueState struct {
	CueID       string
	Status      Status
	Error       string
	LastTime    *TimeUpdate
	LastUpdated time.Time
}

// Engine receives intents.
type Engine interface {
	Send(intent Intent) error
}

// Service tracks cue states and routes intents.
type Service struct {
	mu sync.RWMutex

	engine Engine
	states map[string]*CueState

	// Callbacks for broadcast updates (optional)
	onStatus func(event StatusEvent)
	onTime   func(update TimeUpdate)

	logger zerolog.Logger
}

// NewService creates a new playback service.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		states: make(map[string]*CueState),
		logger: logger.With().Str("component", "playback").Logger(),
	}
}

// SetStatusCallback sets the callback for status events.
func (s *Service) SetStatusCallback(callback func(event StatusEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = callback
}

// SetTimeCallback sets the callback for time updates.
func (s *Service) SetTimeCallback(callback func(update TimeUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTime = callback
}

// AttachEngine makes e the target of all intents, replacing any previous one.
func (s *Service) AttachEngine(e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = e
	s.logger.Info().Msg("playback engine attached")
}

// DetachEngine removes e if it is still the attached engine.
func (s *Service) DetachEngine(e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == e {
		s.engine = nil
		s.logger.Info().Msg("playback engine detached")
	}
}

// HasEngine reports whether an engine is attached.
func (s *Service) HasEngine() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine != nil
}

// TriggerCue asks the engine to trigger a cue by id.
func (s *Service) TriggerCue(cueID, source string) error {
	return s.send(Intent{Intent: IntentTrigger, CueID: cueID, Source: source})
}

// StopCue stops one cue.
func (s *Service) StopCue(cueID string) error {
	return s.send(Intent{Intent: IntentStop, CueID: cueID})
}

// StopAll stops every cue. behavior is passed through to the engine
// (e.g. "fade" or "immediate"); empty means the engine default.
func (s *Service) StopAll(behavior string) error {
	return s.send(Intent{Intent: IntentStopAll, Behavior: behavior})
}

// PlaylistNext advances a playing playlist.
func (s *Service) PlaylistNext(cueID string) error {
	return s.send(Intent{Intent: IntentPlaylistNext, CueID: cueID})
}

// PlaylistPrevious steps a playing playlist back.
func (s *Service) PlaylistPrevious(cueID string) error {
	return s.send(Intent{Intent: IntentPlaylistPrevious, CueID: cueID})
}

// PlaylistJumpTo jumps a playlist to the item at index.
func (s *Service) PlaylistJumpTo(cueID string, index int) error {
	return s.send(Intent{Intent: IntentPlaylistJump, CueID: cueID, Index: &index})
}

func (s *Service) send(intent Intent) error {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	if engine == nil {
		s.logger.Warn().Str("intent", string(intent.Intent)).Str("cue_id", intent.CueID).Msg("intent dropped, no engine")
		return ErrNoEngine
	}
	if err := engine.Send(intent); err != nil {
		s.logger.Error().Err(err).Str("intent", string(intent.Intent)).Str("cue_id", intent.CueID).Msg("failed to send intent")
		return err
	}
	s.logger.Debug().Str("intent", string(intent.Intent)).Str("cue_id", intent.CueID).Str("source", intent.Source).Msg("intent sent")
	return nil
}

// HandleStatus records a status event and emits it.
func (s *Service) HandleStatus(event StatusEvent) {
	if event.CueID == "" || !event.Status.Valid() {
		s.logger.Warn().Str("cue_id", event.CueID).Str("status", string(event.Status)).Msg("ignoring invalid status event")
		return
	}

	s.mu.Lock()
	state := s.stateLocked(event.CueID)
	state.Status = event.Status
	state.Error = event.Error()
	if event.Status == StatusStopped {
		state.LastTime = nil
	}
	state.LastUpdated = time.Now()
	callback := s.onStatus
	s.mu.Unlock()

	if callback != nil {
		callback(event)
	}
}

// HandleTimeUpdate records a time update and emits it.
func (s *Service) HandleTimeUpdate(update TimeUpdate) {
	if update.CueID == "" {
		return
	}

	s.mu.Lock()
	state := s.stateLocked(update.CueID)
	if update.Status.Valid() {
		state.Status = update.Status
	}
	u := update
	if update.OriginalKnownDuration != nil {
		v := *update.OriginalKnownDuration
		u.OriginalKnownDuration = &v
	}
	state.LastTime = &u
	state.LastUpdated = time.Now()
	callback := s.onTime
	s.mu.Unlock()

	if callback != nil {
		callback(update)
	}
}

func (s *Service) stateLocked(cueID string) *CueState {
	state := s.states[cueID]
	if state == nil {
		state = &CueState{CueID: cueID, Status: StatusStopped}
		s.states[cueID] = state
	}
	return state
}

// GetState returns a copy of a cue's state, or nil if the engine never
// reported on it.
func (s *Service) GetState(cueID string) *CueState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.states[cueID]
	if state == nil {
		return nil
	}
	return copyState(state)
}

// Status returns a cue's status; cues never reported on are stopped.
func (s *Service) Status(cueID string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state := s.states[cueID]; state != nil {
		return state.Status
	}
	return StatusStopped
}

// Forget drops the state of a deleted cue.
func (s *Service) Forget(cueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, cueID)
}

func copyState(state *CueState) *CueState {
	stateCopy := *state
	if state.LastTime != nil {
		timeCopy := *state.LastTime
		if state.LastTime.OriginalKnownDuration != nil {
			v := *state.LastTime.OriginalKnownDuration
			timeCopy.OriginalKnownDuration = &v
		}
		stateCopy.LastTime = &timeCopy
	}
	return &stateCopy
}
