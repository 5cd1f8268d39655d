// Package automation is the Broadcast Hub: a WebSocket endpoint that mirrors
// the cue list and playback state to fleet-automation clients and accepts
// their playback commands.
package automation

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/metrics"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
	"github.com/bbernstein/lacylights-audio/internal/services/relay"
	"github.com/bbernstein/lacylights-audio/internal/services/wshub"
)

// Source identifies automation triggers to the playback engine.
const Source = "automation"

// Inbound actions.
const (
	ActionPlayCue          = "playCue"
	ActionToggleCue        = "toggleCue"
	ActionStopCue          = "stopCue"
	ActionStopAllCues      = "stopAllCues"
	ActionPlaylistNext     = "playlistNavigateNext"
	ActionPlaylistPrevious = "playlistNavigatePrevious"
	ActionPlaylistJump     = "playlistJumpToItem"
)

// Command is an inbound client message.
type Command struct {
	Action  string         `json:"action"`
	Payload CommandPayload `json:"payload"`
}

// CommandPayload carries the arguments of a command.
type CommandPayload struct {
	CueID    string `json:"cueId"`
	Behavior string `json:"behavior,omitempty"`
	Index    *int   `json:"index,omitempty"`
}

// Controller receives playback intents.
type Controller interface {
	TriggerCue(cueID, source string) error
	StopCue(cueID string) error
	StopAll(behavior string) error
	PlaylistNext(cueID string) error
	PlaylistPrevious(cueID string) error
	PlaylistJumpTo(cueID string, index int) error
}

// Snapshotter encodes the full cue list for a new client.
type Snapshotter interface {
	AutomationSnapshot() (relay.Frame, error)
}

// Hub serves automation clients.
type Hub struct {
	*wshub.Server

	clients  *wshub.Hub
	ctrl     Controller
	snap     Snapshotter
	sub      *pubsub.Subscriber
	ps       *pubsub.PubSub
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewHub creates a stopped hub that relays every frame published on the
// automation topic. Call Start to listen and Close to release the
// subscription.
func NewHub(ps *pubsub.PubSub, ctrl Controller, snap Snapshotter, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	logger = logger.With().Str("component", "automation").Logger()
	h := &Hub{
		clients: wshub.NewHub(relay.ChannelAutomation, m, logger),
		ctrl:    ctrl,
		snap:    snap,
		ps:      ps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger,
	}
	h.Server = wshub.NewServer(h, h.clients, logger)

	h.sub = ps.Subscribe(pubsub.TopicAutomation, 1024)
	go pubsub.Drain(h.sub, func(msg any) {
		if frame, ok := msg.(relay.Frame); ok {
			h.clients.Broadcast(frame.Data)
		}
	})
	return h
}

// Close stops relaying frames. The listener must be stopped separately.
func (h *Hub) Close() {
	h.ps.Unsubscribe(h.sub)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return h.clients.Count()
}

// ServeHTTP upgrades every request to a client socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var initial [][]byte
	if frame, err := h.snap.AutomationSnapshot(); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode cue list")
	} else {
		initial = append(initial, frame.Data)
	}

	client := h.clients.Register(conn, initial...)

	go client.ReadLoop(h.handleMessage)
}

func (h *Hub) handleMessage(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.logger.Warn().Err(err).Msg("ignoring malformed command")
		return
	}

	id := cmd.Payload.CueID
	var err error
	switch cmd.Action {
	case ActionPlayCue, ActionToggleCue:
		if id == "" {
			h.logger.Warn().Str("action", cmd.Action).Msg("command missing cueId")
			return
		}
		err = h.ctrl.TriggerCue(id, Source)
		h.metrics.Trigger(Source, outcome(err))
	case ActionStopCue:
		err = h.ctrl.StopCue(id)
	case ActionStopAllCues:
		err = h.ctrl.StopAll(cmd.Payload.Behavior)
	case ActionPlaylistNext:
		err = h.ctrl.PlaylistNext(id)
	case ActionPlaylistPrevious:
		err = h.ctrl.PlaylistPrevious(id)
	case ActionPlaylistJump:
		if cmd.Payload.Index == nil {
			h.logger.Warn().Str("cue_id", id).Msg("playlistJumpToItem missing index")
			return
		}
		err = h.ctrl.PlaylistJumpTo(id, *cmd.Payload.Index)
	default:
		h.logger.Warn().Str("action", cmd.Action).Msg("unknown action")
		return
	}

	if err != nil {
		h.logger.Warn().Err(err).Str("action", cmd.Action).Str("cue_id", id).Msg("command not delivered")
	}
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "relayed"
}
