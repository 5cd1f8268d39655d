// Package settings owns the runtime-mutable channel settings (ports, enable
// flags, mixer integration). Values persist in SQLite and start from the
// environment defaults.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/config"
	"github.com/bbernstein/lacylights-audio/internal/database/models"
)

const (
	keyAutomation = "automation"
	keyRemote     = "remote"
	keyMixer      = "mixer"
)

// Channel is an enable flag plus a listening port.
type Channel struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Mixer is one mixer integration.
type Mixer struct {
	Enabled     bool   `json:"enabled"`
	Type        string `json:"type"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	ListenPort  int    `json:"listenPort"`
	BaseCC      int    `json:"baseCC"`
	MIDIChannel int    `json:"midiChannel"`
}

// Settings is the full runtime configuration.
type Settings struct {
	Automation Channel `json:"automation"`
	Remote     Channel `json:"remote"`
	Mixer      Mixer   `json:"mixer"`
}

// Defaults builds the initial settings from the environment config.
func Defaults(cfg *config.Config) Settings {
	return Settings{
		Automation: Channel{Enabled: cfg.AutomationEnabled, Port: cfg.AutomationPort},
		Remote:     Channel{Enabled: cfg.RemoteEnabled, Port: cfg.RemotePort},
		Mixer: Mixer{
			Enabled:     cfg.MixerEnabled,
			Type:        cfg.MixerType,
			IP:          cfg.MixerIP,
			Port:        cfg.MixerPort,
			ListenPort:  cfg.MixerListenPort,
			BaseCC:      cfg.MixerBaseCC,
			MIDIChannel: cfg.MixerMIDIChan,
		},
	}
}

// Validate rejects settings that no component could apply.
func (s Settings) Validate() error {
	for name, port := range map[string]int{
		"automation port":  s.Automation.Port,
		"remote port":      s.Remote.Port,
		"mixer port":       s.Mixer.Port,
		"mixer listenPort": s.Mixer.ListenPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if s.Mixer.Enabled && net.ParseIP(s.Mixer.IP) == nil {
		return fmt.Errorf("mixer ip %q is not a valid address", s.Mixer.IP)
	}
	if s.Mixer.BaseCC < 0 || s.Mixer.BaseCC+15 > 127 {
		return fmt.Errorf("mixer baseCC %d leaves no room for 16 buttons", s.Mixer.BaseCC)
	}
	if s.Mixer.MIDIChannel < 1 || s.Mixer.MIDIChannel > 16 {
		return fmt.Errorf("mixer midiChannel %d out of range", s.Mixer.MIDIChannel)
	}
	return nil
}

// Repository is the persistence the service needs.
type Repository interface {
	FindAll(ctx context.Context) ([]models.Setting, error)
	UpsertMany(ctx context.Context, values map[string]string) error
}

// ChangeFunc receives the previous and the new settings after a change.
type ChangeFunc func(prev, next Settings)

// Service holds the current settings and notifies subscribers of changes.
type Service struct {
	// applyMu is held from commit through the listener loop so listeners
	// see changes in commit order.
	applyMu   sync.Mutex
	mu        sync.RWMutex
	repo      Repository
	current   Settings
	listeners []ChangeFunc
	logger    zerolog.Logger
}

// NewService creates a service starting from defaults.
func NewService(repo Repository, defaults Settings, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		current: defaults,
		logger:  logger.With().Str("component", "settings").Logger(),
	}
}

// Load overlays persisted values on the defaults. Unreadable sections are
// logged and keep their defaults.
func (s *Service) Load(ctx context.Context) error {
	rows, err := s.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		var target any
		switch row.Key {
		case keyAutomation:
			target = &s.current.Automation
		case keyRemote:
			target = &s.current.Remote
		case keyMixer:
			target = &s.current.Mixer
		default:
			continue
		}
		if err := json.Unmarshal([]byte(row.Value), target); err != nil {
			s.logger.Warn().Err(err).Str("key", row.Key).Msg("ignoring unreadable setting")
		}
	}
	return nil
}

// Get returns the current settings.
func (s *Service) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to run after every successful update.
func (s *Service) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Update applies mutate to a copy of the current settings, validates and
// persists the result, then notifies listeners. Nothing changes on error.
// Concurrent updates are applied one at a time; listeners must not call
// Update.
func (s *Service) Update(ctx context.Context, mutate func(*Settings)) (Settings, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	prev := s.current
	next := prev
	mutate(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return prev, err
	}
	if next == prev {
		s.mu.Unlock()
		return next, nil
	}

	values := make(map[string]string, 3)
	for key, section := range map[string]any{
		keyAutomation: next.Automation,
		keyRemote:     next.Remote,
		keyMixer:      next.Mixer,
	} {
		data, err := json.Marshal(section)
		if err != nil {
			s.mu.Unlock()
			return prev, fmt.Errorf("encode %s settings: %w", key, err)
		}
		values[key] = string(data)
	}
	if err := s.repo.UpsertMany(ctx, values); err != nil {
		s.mu.Unlock()
		return prev, fmt.Errorf("save settings: %w", err)
	}
	s.current = next
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info().Interface("settings", next).Msg("settings updated")
	for _, fn := range listeners {
		fn(prev, next)
	}
	return next, nil
}
