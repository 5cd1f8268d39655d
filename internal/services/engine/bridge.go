// Package engine attaches the external playback engine over a WebSocket.
// The engine reports status, time and duration events and receives the
// intents issued by every control surface.
package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/services/playback"
)

const writeWait = 5 * time.Second

// Event types sent by the engine.
const (
	EventStatus     = "status"
	EventTimeUpdate = "timeUpdate"
	EventDuration   = "duration"
)

// ErrSessionClosed is returned when sending to a closed session.
var ErrSessionClosed = errors.New("engine session closed")

// DurationEvent reports the decoded duration of a cue or playlist item.
type DurationEvent struct {
	CueID       string  `json:"cueId"`
	ItemID      string  `json:"itemId,omitempty"`
	DurationSec float64 `json:"durationSec"`
}

// Playback ingests engine events and routes intents to the engine.
type Playback interface {
	AttachEngine(e playback.Engine)
	DetachEngine(e playback.Engine)
	HandleStatus(event playback.StatusEvent)
	HandleTimeUpdate(update playback.TimeUpdate)
}

// DurationSink records durations the engine measured.
type DurationSink interface {
	UpdateDuration(id string, seconds float64, itemID string) bool
}

// Bridge serves the engine endpoint. Only one session is attached at a
// time; a new session replaces the previous one.
type Bridge struct {
	playback  Playback
	durations DurationSink
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	current *Session

	logger zerolog.Logger
}

// NewBridge creates a bridge feeding pb. durations may be nil.
func NewBridge(pb Playback, durations DurationSink, logger zerolog.Logger) *Bridge {
	return &Bridge{
		playback:  pb,
		durations: durations,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

// Session is one attached engine connection.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// Send writes an intent to the engine.
func (s *Session) Send(intent playback.Intent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(intent)
}

func (s *Session) close() {
	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// Connected reports whether an engine is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

// ServeHTTP upgrades the request into the engine session.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("engine upgrade failed")
		return
	}

	session := &Session{conn: conn}
	b.mu.Lock()
	prev := b.current
	b.current = session
	b.mu.Unlock()

	if prev != nil {
		b.logger.Warn().Msg("new engine session replaces the attached one")
		b.playback.DetachEngine(prev)
		prev.close()
	}
	b.playback.AttachEngine(session)
	b.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("engine attached")

	b.readLoop(session)

	b.mu.Lock()
	if b.current == session {
		b.current = nil
	}
	b.mu.Unlock()
	b.playback.DetachEngine(session)
	session.close()
	b.logger.Info().Msg("engine session ended")
}

// Close ends the attached session, if any.
func (b *Bridge) Close() {
	b.mu.Lock()
	s := b.current
	b.current = nil
	b.mu.Unlock()
	if s != nil {
		b.playback.DetachEngine(s)
		s.close()
	}
}

func (b *Bridge) readLoop(s *Session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn().Err(err).Msg("engine connection lost")
			}
			return
		}
		b.handleEvent(data)
	}
}

func (b *Bridge) handleEvent(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		b.logger.Warn().Err(err).Msg("ignoring malformed engine event")
		return
	}

	switch head.Type {
	case EventStatus:
		var e playback.StatusEvent
		if err := json.Unmarshal(data, &e); err != nil {
			b.logger.Warn().Err(err).Msg("ignoring malformed status event")
			return
		}
		b.playback.HandleStatus(e)
	case EventTimeUpdate:
		var u playback.TimeUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			b.logger.Warn().Err(err).Msg("ignoring malformed time update")
			return
		}
		b.playback.HandleTimeUpdate(u)
	case EventDuration:
		var d DurationEvent
		if err := json.Unmarshal(data, &d); err != nil {
			b.logger.Warn().Err(err).Msg("ignoring malformed duration event")
			return
		}
		if b.durations != nil && d.CueID != "" {
			b.durations.UpdateDuration(d.CueID, d.DurationSec, d.ItemID)
		}
	default:
		b.logger.Warn().Str("type", head.Type).Msg("unknown engine event")
	}
}
