package cues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lucsky/cuid"
	"github.com/rs/zerolog"
)

// ErrCueNotFound is returned when an operation targets an unknown cue id.
var ErrCueNotFound = errors.New("cue not found")

// DurationResolver extracts the duration of an audio file in seconds.
// ok is false for any failure; failures are never fatal to the caller.
type DurationResolver interface {
	Resolve(ctx context.Context, path string) (seconds float64, ok bool)
}

// Listener is notified after the store persisted a change.
type Listener interface {
	// CuesChanged receives the full list after every successful save.
	CuesChanged(cues []Cue)
	// DurationUpdated signals a targeted refresh of one cue or playlist item.
	DurationUpdated(cueID, itemID string, seconds float64)
	// CueDeleted runs before CuesChanged when a cue was removed.
	CueDeleted(cueID string)
}

// Store owns the canonical cue list. All mutation goes through its methods;
// readers get deep copies.
type Store struct {
	mu sync.RWMutex

	path     string
	cues     []Cue
	resolver DurationResolver
	listener Listener
	logger   zerolog.Logger

	// writeFile is replaced in tests to simulate persistence failures.
	writeFile func(path string, data []byte) error
}

// NewStore creates a store backed by the JSON document at path. listener may
// be nil and attached later with SetListener.
func NewStore(path string, resolver DurationResolver, listener Listener, logger zerolog.Logger) *Store {
	return &Store{
		path:      path,
		cues:      []Cue{},
		resolver:  resolver,
		listener:  listener,
		logger:    logger.With().Str("component", "cue-store").Logger(),
		writeFile: writeFileAtomic,
	}
}

// SetListener attaches the change listener.
func (s *Store) SetListener(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// Path returns the location of the persisted document.
func (s *Store) Path() string {
	return s.path
}

// Load replaces the in-memory list with the persisted document. A missing or
// malformed document yields an empty list; only unexpected read errors are
// returned, and even then the store is left empty and usable.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cues = []Cue{}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info().Str("path", s.path).Msg("no cue document found, starting empty")
			return nil
		}
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to read cue document")
		return fmt.Errorf("read cue document: %w", err)
	}

	list, err := decodeCues(data)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("malformed cue document, starting empty")
		return nil
	}

	for i := range list {
		normalizeVariant(&list[i])
		assignIDs(&list[i])
	}
	s.cues = list
	s.logger.Info().Int("count", len(list)).Msg("cues loaded")
	return nil
}

// All returns a deep copy of every cue in order.
func (s *Store) All() []Cue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneList(s.cues)
}

// Get returns a copy of the cue with the given id.
func (s *Store) Get(id string) (Cue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.cues[i].Clone(), true
	}
	return Cue{}, false
}

// Save persists the current list and, on success, broadcasts it.
func (s *Store) Save() error {
	s.mu.Lock()
	err := s.persistLocked()
	snapshot, listener := cloneList(s.cues), s.listener
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if listener != nil {
		listener.CuesChanged(snapshot)
	}
	return nil
}

// Upsert merges patch onto the cue with the same id, or appends a new cue.
// Missing durations are probed before the record is stored; probe failures
// leave the duration as it was. The stored record is returned.
func (s *Store) Upsert(ctx context.Context, patch CuePatch) (Cue, error) {
	patch = patch.Clone()
	if err := patch.Validate(); err != nil {
		return Cue{}, err
	}

	// Probe outside the lock: resolution may shell out to ffprobe.
	s.mu.RLock()
	var existing Cue
	if i := s.indexOf(patch.ID); patch.ID != "" && i >= 0 {
		existing = s.cues[i].Clone()
	}
	s.mu.RUnlock()

	draft := patch.Apply(existing)
	pathChanged := existing.ID != "" && draft.FilePath != existing.FilePath
	probes := s.probeMissing(ctx, draft, pathChanged)

	s.mu.Lock()
	var current Cue
	idx := -1
	if patch.ID != "" {
		idx = s.indexOf(patch.ID)
	}
	if idx >= 0 {
		current = s.cues[idx]
	}
	cue := patch.Apply(current)
	assignIDs(&cue)
	applyProbes(&cue, probes, pathChanged, patch.KnownDuration.Set)

	if idx >= 0 {
		s.cues[idx] = cue
	} else {
		s.cues = append(s.cues, cue)
	}
	err := s.persistLocked()
	snapshot, listener := cloneList(s.cues), s.listener
	s.mu.Unlock()

	if err == nil && listener != nil {
		listener.CuesChanged(snapshot)
	}
	return cue.Clone(), nil
}

// Delete removes the cue with the given id. The document is only rewritten
// when something was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.cues = append(s.cues[:idx], s.cues[idx+1:]...)
	err := s.persistLocked()
	snapshot, listener := cloneList(s.cues), s.listener
	s.mu.Unlock()

	if err == nil && listener != nil {
		listener.CueDeleted(id)
		listener.CuesChanged(snapshot)
	}
	return true
}

// UpdateDuration records a duration reported for a cue, or for one of its
// playlist items when itemID is set. It only writes when the value is valid
// and differs meaningfully from the cached one, and reports whether it did.
func (s *Store) UpdateDuration(id string, seconds float64, itemID string) bool {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn().Str("cue_id", id).Msg("duration update for unknown cue")
		return false
	}

	cue := &s.cues[idx]
	if itemID != "" {
		i := cue.FindItem(itemID)
		if i < 0 {
			s.mu.Unlock()
			s.logger.Warn().Str("cue_id", id).Str("item_id", itemID).Msg("duration update for unknown playlist item")
			return false
		}
		item := &cue.PlaylistItems[i]
		if !ShouldReplaceDuration(item.KnownDuration, seconds) {
			s.mu.Unlock()
			return false
		}
		item.KnownDuration = Float(seconds)
		if total, ok := AggregateDuration(cue.PlaylistItems); ok && ShouldReplaceDuration(cue.KnownDuration, total) {
			cue.KnownDuration = Float(total)
		}
	} else {
		if !ShouldReplaceDuration(cue.KnownDuration, seconds) {
			s.mu.Unlock()
			return false
		}
		cue.KnownDuration = Float(seconds)
	}

	err := s.persistLocked()
	snapshot, listener := cloneList(s.cues), s.listener
	s.mu.Unlock()

	if err == nil && listener != nil {
		listener.DurationUpdated(id, itemID, seconds)
		listener.CuesChanged(snapshot)
	}
	return true
}

// SetAssignedMidiCC writes back the MIDI CC a mixer accepted for the cue.
func (s *Store) SetAssignedMidiCC(ctx context.Context, id string, cc int) error {
	current, ok := s.Get(id)
	if !ok {
		return ErrCueNotFound
	}
	if current.AssignedMidiCC != nil && *current.AssignedMidiCC == cc {
		return nil
	}
	_, err := s.Upsert(ctx, CuePatch{ID: id, AssignedMidiCC: Some(cc)})
	return err
}

// probeMissing resolves durations the draft lacks, keyed by file path.
func (s *Store) probeMissing(ctx context.Context, draft Cue, pathChanged bool) map[string]float64 {
	probes := make(map[string]float64)
	if s.resolver == nil {
		return probes
	}

	switch draft.Type {
	case TypePlaylist:
		for _, item := range draft.PlaylistItems {
			if item.Path == "" || ValidDuration(item.KnownDuration) {
				continue
			}
			if _, done := probes[item.Path]; done {
				continue
			}
			if d, ok := s.resolver.Resolve(ctx, item.Path); ok {
				probes[item.Path] = d
			}
		}
	default:
		if draft.FilePath == "" {
			return probes
		}
		if ValidDuration(draft.KnownDuration) && !pathChanged {
			return probes
		}
		if d, ok := s.resolver.Resolve(ctx, draft.FilePath); ok {
			probes[draft.FilePath] = d
		}
	}
	return probes
}

// applyProbes folds probed durations into the merged record. A changed file
// path invalidates the old duration, so a successful probe always wins then.
// An explicit knownDuration in the patch is left alone for playlists.
func applyProbes(c *Cue, probes map[string]float64, pathChanged, explicit bool) {
	if c.Type == TypePlaylist {
		for i := range c.PlaylistItems {
			item := &c.PlaylistItems[i]
			if d, ok := probes[item.Path]; ok && ShouldReplaceDuration(item.KnownDuration, d) {
				item.KnownDuration = Float(d)
			}
		}
		if explicit {
			return
		}
		if total, ok := AggregateDuration(c.PlaylistItems); ok && len(c.PlaylistItems) > 0 && ShouldReplaceDuration(c.KnownDuration, total) {
			c.KnownDuration = Float(total)
		}
		return
	}

	d, ok := probes[c.FilePath]
	if !ok {
		return
	}
	if pathChanged || ShouldReplaceDuration(c.KnownDuration, d) {
		c.KnownDuration = Float(d)
	}
}

func (s *Store) indexOf(id string) int {
	for i := range s.cues {
		if s.cues[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes the whole list. Failures are logged and returned but
// never roll back the in-memory state.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.cues, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode cues")
		return fmt.Errorf("encode cues: %w", err)
	}
	if err := s.writeFile(s.path, data); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to save cues")
		return fmt.Errorf("save cues: %w", err)
	}
	s.logger.Debug().Int("count", len(s.cues)).Msg("cues saved")
	return nil
}

func assignIDs(c *Cue) {
	if c.ID == "" {
		c.ID = cuid.New()
	}
	for i := range c.PlaylistItems {
		if c.PlaylistItems[i].ID == "" {
			c.PlaylistItems[i].ID = cuid.New()
		}
	}
}

func cloneList(list []Cue) []Cue {
	out := make([]Cue, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}

// writeFileAtomic replaces path with data via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
