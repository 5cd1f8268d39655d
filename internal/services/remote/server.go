// Package remote is the Remote Control Server: a small control page and a
// WebSocket channel on one port for a secondary operator surface.
package remote

import (
	_ "embed"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/metrics"
	"github.com/bbernstein/lacylights-audio/internal/services/network"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
	"github.com/bbernstein/lacylights-audio/internal/services/relay"
	"github.com/bbernstein/lacylights-audio/internal/services/wshub"
)

//go:embed static/index.html
var indexHTML []byte

// Source identifies remote triggers to the playback engine.
const Source = "remote"

// Inbound actions.
const (
	ActionTriggerCue  = "trigger_cue"
	ActionStopAllCues = "stop_all_cues"
)

// Command is an inbound client message.
type Command struct {
	Action string `json:"action"`
	CueID  string `json:"cueId,omitempty"`
}

// Controller receives playback intents.
type Controller interface {
	TriggerCue(cueID, source string) error
	StopAll(behavior string) error
}

// Snapshotter encodes all cues for a new client.
type Snapshotter interface {
	RemoteSnapshot() (relay.Frame, error)
}

// Options tunes the server.
type Options struct {
	TriggerWindow time.Duration
	RelayLockTime time.Duration
	CORSOrigins   []string
}

// Info is the body of GET /api/info.
type Info struct {
	Port      int               `json:"port"`
	Clients   int               `json:"clients"`
	Addresses []network.Address `json:"addresses"`
}

// Server serves remote clients.
type Server struct {
	*wshub.Server

	clients   *wshub.Hub
	ctrl      Controller
	snap      Snapshotter
	debounce  *Debouncer
	ps        *pubsub.PubSub
	sub       *pubsub.Subscriber
	upgrader  websocket.Upgrader
	addresses func(port int) ([]network.Address, error)
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewServer creates a stopped remote server relaying frames published on
// the remote topic. Call Start to listen and Close to release the
// subscription.
func NewServer(ps *pubsub.PubSub, ctrl Controller, snap Snapshotter, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "remote").Logger()
	s := &Server{
		clients:  wshub.NewHub(relay.ChannelRemote, m, logger),
		ctrl:     ctrl,
		snap:     snap,
		debounce: NewDebouncer(opts.TriggerWindow, opts.RelayLockTime),
		ps:       ps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		addresses: network.ReachableAddresses,
		metrics:   m,
		logger:    logger,
	}
	s.Server = wshub.NewServer(s.Router(opts.CORSOrigins), s.clients, logger)

	s.sub = ps.Subscribe(pubsub.TopicRemote, 1024)
	go pubsub.Drain(s.sub, func(msg any) {
		if frame, ok := msg.(relay.Frame); ok {
			s.clients.Broadcast(frame.Data)
		}
	})
	return s
}

// Close stops relaying frames. The listener must be stopped separately.
func (s *Server) Close() {
	s.ps.Unsubscribe(s.sub)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.Count()
}

// Router builds the HTTP routes of the server.
func (s *Server) Router(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}).Handler)

	r.Get("/", s.handleIndex)
	r.Get("/ws", s.handleWS)
	r.Get("/api/info", s.handleInfo)
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	port := 0
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	info := Info{Port: port, Clients: s.clients.Count()}
	addrs, err := s.addresses(port)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list network interfaces")
	}
	info.Addresses = addrs
	if info.Addresses == nil {
		info.Addresses = []network.Address{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var initial [][]byte
	if frame, err := s.snap.RemoteSnapshot(); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode cue snapshot")
	} else {
		initial = append(initial, frame.Data)
	}

	client := s.clients.Register(conn, initial...)
	go client.ReadLoop(s.handleMessage)
}

func (s *Server) handleMessage(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring malformed command")
		return
	}

	switch cmd.Action {
	case ActionTriggerCue:
		s.trigger(cmd.CueID)
	case ActionStopAllCues:
		if err := s.ctrl.StopAll(""); err != nil {
			s.logger.Warn().Err(err).Msg("stop all not delivered")
		}
	default:
		s.logger.Warn().Str("action", cmd.Action).Msg("unknown action")
	}
}

func (s *Server) trigger(cueID string) {
	if cueID == "" {
		s.logger.Warn().Msg("trigger_cue missing cueId")
		return
	}

	release, ok := s.debounce.Acquire(cueID)
	if !ok {
		s.metrics.Trigger(Source, "debounced")
		s.logger.Debug().Str("cue_id", cueID).Msg("trigger debounced")
		return
	}
	defer release()

	if err := s.ctrl.TriggerCue(cueID, Source); err != nil {
		s.metrics.Trigger(Source, "failed")
		s.logger.Warn().Err(err).Str("cue_id", cueID).Msg("trigger not delivered")
		return
	}
	s.metrics.Trigger(Source, "relayed")
}
