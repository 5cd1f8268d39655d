// Package mixer bridges cue triggers to the user buttons of a hardware
// mixer over OSC. It programs button bindings on the surface and turns
// button presses into trigger intents.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/metrics"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
	"github.com/bbernstein/lacylights-audio/internal/services/settings"
)

// Source identifies mixer triggers to the playback engine.
const Source = "mixer"

// TypeBehringerWing is the only supported mixer type.
const TypeBehringerWing = "behringer_wing"

// DefaultKeepAlive is how often the subscription is renewed.
const DefaultKeepAlive = 8 * time.Second

// Sender sends OSC packets to the mixer. *osc.Client implements it.
type Sender interface {
	Send(packet osc.Packet) error
}

// CueStore is the part of the cue store the manager uses.
type CueStore interface {
	All() []cues.Cue
	SetAssignedMidiCC(ctx context.Context, id string, cc int) error
}

// Controller receives trigger intents.
type Controller interface {
	TriggerCue(cueID, source string) error
}

// binding is the state programmed on one physical button.
type binding struct {
	Enabled bool
	Name    string
	Channel int
	CC      int
}

// connection is one live client/server pair.
type connection struct {
	cfg    settings.Mixer
	sender Sender
	conn   net.PacketConn
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the OSC connection to one mixer.
type Manager struct {
	// configMu serializes Configure and Close so one connection is torn
	// down before the next is built.
	configMu   sync.Mutex
	mu         sync.Mutex
	conn       *connection
	programmed map[int]binding

	store     CueStore
	ctrl      Controller
	keepAlive time.Duration
	newSender func(ip string, port int) Sender

	ps      *pubsub.PubSub
	sub     *pubsub.Subscriber
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewManager creates a manager with no connection. Cue-list changes
// published on ps are synced to the surface once Configure connected it.
func NewManager(ps *pubsub.PubSub, store CueStore, ctrl Controller, keepAlive time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	mgr := &Manager{
		programmed: make(map[int]binding),
		store:      store,
		ctrl:       ctrl,
		keepAlive:  keepAlive,
		newSender: func(ip string, port int) Sender {
			return osc.NewClient(ip, port)
		},
		ps:      ps,
		metrics: m,
		logger:  logger.With().Str("component", "mixer").Logger(),
	}

	mgr.sub = ps.Subscribe(pubsub.TopicCueList, 16)
	go pubsub.Drain(mgr.sub, func(msg any) {
		if list, ok := msg.([]cues.Cue); ok {
			mgr.Sync(context.Background(), list)
		}
	})
	return mgr
}

// Configure tears down the current connection and, if cfg is enabled,
// builds a new one and programs every bound cue. A bind failure is logged
// and leaves the manager disconnected.
func (m *Manager) Configure(cfg settings.Mixer) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	m.teardown()

	if !cfg.Enabled {
		m.logger.Info().Msg("mixer integration disabled")
		return nil
	}
	if cfg.Type != "" && cfg.Type != TypeBehringerWing {
		m.logger.Warn().Str("type", cfg.Type).Msg("unsupported mixer type")
		return fmt.Errorf("unsupported mixer type %q", cfg.Type)
	}
	if cfg.IP == "" {
		m.logger.Warn().Msg("mixer enabled without an ip")
		return errors.New("mixer ip not set")
	}

	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		m.logger.Error().Err(err).Int("listen_port", cfg.ListenPort).Msg("failed to bind OSC listener")
		return fmt.Errorf("failed to bind OSC listener: %w", err)
	}

	server := &osc.Server{Dispatcher: messageDispatcher(func(msg *osc.Message) {
		m.handleMessage(msg.Address, msg.Arguments)
	})}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		cfg:    cfg,
		sender: m.newSender(cfg.IP, cfg.Port),
		conn:   pc,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		if err := server.Serve(pc); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("OSC listener stopped")
		}
	}()

	m.mu.Lock()
	m.conn = c
	m.programmed = make(map[int]binding)
	m.mu.Unlock()

	listenPort := cfg.ListenPort
	if addr, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		listenPort = addr.Port
	}
	m.logger.Info().Str("ip", cfg.IP).Int("port", cfg.Port).Int("listen_port", listenPort).Msg("mixer connected")

	go m.keepSubscribed(ctx, c, listenPort)

	m.Sync(ctx, m.store.All())
	return nil
}

// Close tears down the connection and stops syncing.
func (m *Manager) Close() {
	m.ps.Unsubscribe(m.sub)

	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.teardown()
}

// ListenAddr returns the local address of the OSC listener, or nil.
func (m *Manager) ListenAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.conn.LocalAddr()
}

// Connected reports whether a connection is configured.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) teardown() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	c.cancel()
	_ = c.conn.Close()
	<-c.done
	m.logger.Info().Msg("mixer disconnected")
}

// keepSubscribed sends the subscription now and on every keep-alive tick
// until ctx ends. Mixers drop subscribers that stop renewing.
func (m *Manager) keepSubscribed(ctx context.Context, c *connection, listenPort int) {
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	address := SubscriptionAddress(listenPort)
	for {
		m.send(c.sender, osc.NewMessage(address))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// UpdateCueMixerTrigger programs the cue's user button, or clears it when
// the binding is disabled. An accepted binding writes the assigned MIDI CC
// back to the cue.
func (m *Manager) UpdateCueMixerTrigger(ctx context.Context, c cues.Cue) {
	if c.WingTrigger == nil {
		return
	}

	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return
	}
	want, err := m.programCue(conn, c)
	m.mu.Unlock()

	if err == nil && want.Enabled {
		m.writeBack(ctx, c, want.CC)
	}
}

// programCue sends the binding c wants to its user button and records it
// as programmed. Callers hold m.mu.
func (m *Manager) programCue(conn *connection, c cues.Cue) (binding, error) {
	n := c.WingTrigger.UserButton
	want := m.desired(conn.cfg, c)
	if err := m.program(conn, n, want); err != nil {
		m.logger.Warn().Err(err).Str("cue_id", c.ID).Int("button", n).Msg("failed to program mixer button")
		return want, err
	}
	m.programmed[n] = want
	return want, nil
}

// Sync programs every button whose binding differs from what the surface
// last accepted, and clears buttons no cue is bound to anymore.
func (m *Manager) Sync(ctx context.Context, list []cues.Cue) {
	type accepted struct {
		cue cues.Cue
		cc  int
	}
	var writeBacks []accepted

	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return
	}

	wanted := make(map[int]binding)
	owner := make(map[int]cues.Cue)
	for _, c := range list {
		if c.WingTrigger == nil || !c.WingTrigger.Enabled {
			continue
		}
		n := c.WingTrigger.UserButton
		if _, err := ButtonFor(n); err != nil {
			m.logger.Warn().Str("cue_id", c.ID).Int("button", n).Msg("cue bound to invalid button")
			continue
		}
		if _, taken := wanted[n]; taken {
			m.logger.Warn().Str("cue_id", c.ID).Int("button", n).Msg("button already bound, skipping")
			continue
		}
		wanted[n] = m.desired(conn.cfg, c)
		owner[n] = c
	}

	for _, n := range sortedButtons(m.programmed) {
		if _, ok := wanted[n]; ok || !m.programmed[n].Enabled {
			continue
		}
		neutral := binding{}
		if err := m.program(conn, n, neutral); err != nil {
			m.logger.Warn().Err(err).Int("button", n).Msg("failed to clear mixer button")
			continue
		}
		m.programmed[n] = neutral
	}

	for _, n := range sortedButtons(wanted) {
		want := wanted[n]
		c := owner[n]
		if prev, ok := m.programmed[n]; !ok || prev != want {
			if _, err := m.programCue(conn, c); err != nil {
				continue
			}
		}
		if c.AssignedMidiCC == nil || *c.AssignedMidiCC != want.CC {
			writeBacks = append(writeBacks, accepted{cue: c, cc: want.CC})
		}
	}
	m.mu.Unlock()

	for _, wb := range writeBacks {
		m.writeBack(ctx, wb.cue, wb.cc)
	}
}

func (m *Manager) desired(cfg settings.Mixer, c cues.Cue) binding {
	if c.WingTrigger == nil || !c.WingTrigger.Enabled {
		return binding{}
	}
	return binding{
		Enabled: true,
		Name:    c.Name,
		Channel: cfg.MIDIChannel,
		CC:      cfg.BaseCC + c.WingTrigger.UserButton - 1,
	}
}

// program sends every field of button n. Callers hold m.mu.
func (m *Manager) program(c *connection, n int, b binding) error {
	button, err := ButtonFor(n)
	if err != nil {
		return err
	}

	mode, val := "OFF", 0
	if b.Enabled {
		mode, val = "MIDICCP", PressedValue
	}

	var errs []error
	for _, msg := range []*osc.Message{
		osc.NewMessage(button.Address(FieldMode), mode),
		osc.NewMessage(button.Address(FieldCh), int32(b.Channel)),
		osc.NewMessage(button.Address(FieldCC), int32(b.CC)),
		osc.NewMessage(button.Address(FieldVal), int32(val)),
		osc.NewMessage(button.Address(FieldName), b.Name),
	} {
		if err := m.send(c.sender, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) send(sender Sender, msg *osc.Message) error {
	err := sender.Send(msg)
	m.metrics.OSCSend(err)
	if err != nil {
		m.logger.Warn().Err(err).Str("address", msg.Address).Msg("OSC send failed")
	}
	return err
}

func (m *Manager) writeBack(ctx context.Context, c cues.Cue, cc int) {
	if c.AssignedMidiCC != nil && *c.AssignedMidiCC == cc {
		return
	}
	if err := m.store.SetAssignedMidiCC(ctx, c.ID, cc); err != nil {
		m.logger.Warn().Err(err).Str("cue_id", c.ID).Int("cc", cc).Msg("failed to record assigned MIDI CC")
	}
}

func (m *Manager) handleMessage(address string, args []any) {
	if n, ok := ParseTrigger(address); ok {
		if len(args) > 0 && numeric(args[0]) == 0 {
			return
		}
		m.triggerButton(n)
		return
	}

	if n, ok := ParsePress(address); ok {
		if len(args) == 0 || numeric(args[0]) != PressedValue {
			return
		}
		m.triggerButton(n)
		return
	}

	m.logger.Trace().Str("address", address).Msg("ignoring OSC message")
}

func (m *Manager) triggerButton(n int) {
	var cueID string
	for _, c := range m.store.All() {
		if c.WingTrigger != nil && c.WingTrigger.Enabled && c.WingTrigger.UserButton == n {
			cueID = c.ID
			break
		}
		if cueID == "" && c.MixerButtonAssignment != nil && c.MixerButtonAssignment.ButtonID == n {
			cueID = c.ID
		}
	}
	if cueID == "" {
		m.logger.Debug().Int("button", n).Msg("no cue bound to button")
		return
	}

	err := m.ctrl.TriggerCue(cueID, Source)
	if err != nil {
		m.metrics.Trigger(Source, "failed")
		m.logger.Warn().Err(err).Str("cue_id", cueID).Int("button", n).Msg("trigger not delivered")
		return
	}
	m.metrics.Trigger(Source, "relayed")
	m.logger.Info().Str("cue_id", cueID).Int("button", n).Msg("mixer button triggered cue")
}

// messageDispatcher hands every message to one function. Mixer addresses
// contain "$", which the pattern matching of the standard dispatcher
// cannot take.
type messageDispatcher func(msg *osc.Message)

func (d messageDispatcher) Dispatch(packet osc.Packet) {
	switch p := packet.(type) {
	case *osc.Message:
		d(p)
	case *osc.Bundle:
		for _, msg := range p.Messages {
			d(msg)
		}
		for _, b := range p.Bundles {
			d.Dispatch(b)
		}
	}
}

// numeric returns v as a float, or -1 when it is not a number.
func numeric(v any) float64 {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case bool:
		if n {
			return PressedValue
		}
		return 0
	}
	return -1
}

func sortedButtons[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
