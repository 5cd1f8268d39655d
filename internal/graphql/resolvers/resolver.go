// Package resolvers serves the GraphQL API: cue and settings management,
// playback intents and a live cue-list subscription.
package resolvers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/services/playback"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
	"github.com/bbernstein/lacylights-audio/internal/services/settings"
)

// Source identifies GraphQL triggers to the playback engine.
const Source = "graphql"

// CueStore is the cue persistence the resolvers manage.
type CueStore interface {
	All() []cues.Cue
	Get(id string) (cues.Cue, bool)
	Upsert(ctx context.Context, patch cues.CuePatch) (cues.Cue, error)
	Delete(id string) bool
	UpdateDuration(id string, seconds float64, itemID string) bool
}

// SettingsStore holds the runtime settings.
type SettingsStore interface {
	Get() settings.Settings
	Update(ctx context.Context, mutate func(*settings.Settings)) (settings.Settings, error)
}

// Playback sends intents to the engine and reads the last known state.
type Playback interface {
	TriggerCue(cueID, source string) error
	StopCue(cueID string) error
	StopAll(behavior string) error
	GetState(cueID string) *playback.CueState
}

// Resolver is the root resolver for the GraphQL schema.
// It holds dependencies that are shared across all resolvers.
type Resolver struct {
	Cues     CueStore
	Settings SettingsStore
	Playback Playback
	PubSub   *pubsub.PubSub

	// Status backs the status query. It may be nil.
	Status func() any

	logger zerolog.Logger
}

// NewResolver creates a new Resolver instance with all dependencies.
func NewResolver(store CueStore, st SettingsStore, pb Playback, ps *pubsub.PubSub, status func() any, logger zerolog.Logger) *Resolver {
	return &Resolver{
		Cues:     store,
		Settings: st,
		Playback: pb,
		PubSub:   ps,
		Status:   status,
		logger:   logger.With().Str("component", "graphql").Logger(),
	}
}

// fieldFunc resolves one root field from its coerced arguments.
type fieldFunc func(ctx context.Context, args map[string]any) (any, error)

func (r *Resolver) queries() map[string]fieldFunc {
	return map[string]fieldFunc{
		"cues": func(ctx context.Context, _ map[string]any) (any, error) {
			return r.Cues.All(), nil
		},
		"cue": func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			cue, ok := r.Cues.Get(in.ID)
			if !ok {
				return nil, nil
			}
			return cue, nil
		},
		"cueState": func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return r.cueState(in.ID), nil
		},
		"settings": func(ctx context.Context, _ map[string]any) (any, error) {
			return r.Settings.Get(), nil
		},
		"status": func(ctx context.Context, _ map[string]any) (any, error) {
			if r.Status == nil {
				return nil, nil
			}
			return r.Status(), nil
		},
	}
}

func (r *Resolver) mutations() map[string]fieldFunc {
	return map[string]fieldFunc{
		"upsertCue": func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Input cues.CuePatch `json:"input"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, fmt.Errorf("invalid cue: %w", err)
			}
			return r.Cues.Upsert(ctx, in.Input)
		},
		"deleteCue": func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return r.Cues.Delete(in.ID), nil
		},
		"updateCueDuration": func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				ID          string  `json:"id"`
				DurationSec float64 `json:"durationSec"`
				ItemID      string  `json:"itemId"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if _, ok := r.Cues.Get(in.ID); !ok {
				return nil, cues.ErrCueNotFound
			}
			return r.Cues.UpdateDuration(in.ID, in.DurationSec, in.ItemID), nil
		},
		"updateSettings": func(ctx context.Context, args map[string]any) (any, error) {
			return r.updateSettings(ctx, args["input"])
		},
		"triggerCue": func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if _, ok := r.Cues.Get(in.ID); !ok {
				return nil, cues.ErrCueNotFound
			}
			if err := r.Playback.TriggerCue(in.ID, Source); err != nil {
				return nil, err
			}
			r.logger.Info().Str("cue_id", in.ID).Msg("cue triggered")
			return true, nil
		},
		"stopCue": func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return true, r.Playback.StopCue(in.ID)
		},
		"stopAll": func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Behavior string `json:"behavior"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return true, r.Playback.StopAll(in.Behavior)
		},
	}
}

// updateSettings overlays input on the current settings, so a client may
// send only the sections it changes.
func (r *Resolver) updateSettings(ctx context.Context, input any) (settings.Settings, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return settings.Settings{}, err
	}
	var check settings.Settings
	if err := json.Unmarshal(body, &check); err != nil {
		return settings.Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return r.Settings.Update(ctx, func(s *settings.Settings) {
		_ = json.Unmarshal(body, s)
	})
}

type cueState struct {
	CueID  string          `json:"cueId"`
	Status playback.Status `json:"status"`
	Error  string          `json:"error,omitempty"`
}

func (r *Resolver) cueState(id string) cueState {
	state := r.Playback.GetState(id)
	if state == nil {
		return cueState{CueID: id, Status: playback.StatusStopped}
	}
	return cueState{CueID: id, Status: state.Status, Error: state.Error}
}

// decodeArgs converts coerced GraphQL arguments into a typed struct.
func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("invalid arguments: " + err.Error())
	}
	return nil
}
