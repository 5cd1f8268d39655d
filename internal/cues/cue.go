// Package cues holds the cue data model, the typed patch used to mutate it,
// and the Store that owns and persists the canonical cue list.
package cues

import "encoding/json"

// CueType is the variant tag of a cue.
type CueType string

const (
	TypeSingleFile CueType = "single_file"
	TypePlaylist   CueType = "playlist"
)

// PlaylistPlayMode governs how a playlist advances between items.
type PlaylistPlayMode string

const (
	PlayModeContinue        PlaylistPlayMode = "continue"
	PlayModeStopAndCueNext  PlaylistPlayMode = "stop_and_cue_next"
	DefaultPlaylistPlayMode                  = PlayModeContinue
)

// DurationEpsilon is the smallest change (seconds) that replaces an already
// valid known duration.
const DurationEpsilon = 0.01

// PlaylistItem is one entry of a playlist cue. Slice order is playback order.
type PlaylistItem struct {
	ID            string   `json:"id"`
	Path          string   `json:"path"`
	Name          string   `json:"name,omitempty"`
	KnownDuration *float64 `json:"knownDuration,omitempty"`
	TrimStartTime *float64 `json:"trimStartTime,omitempty"`
	TrimEndTime   *float64 `json:"trimEndTime,omitempty"`
}

// MixerButtonAssignment binds a cue to an abstract mixer button.
type MixerButtonAssignment struct {
	ButtonID  int    `json:"buttonId"`
	MixerType string `json:"mixerType"`
}

// WingTrigger binds a cue to a user button on a Behringer Wing surface.
type WingTrigger struct {
	Enabled    bool   `json:"enabled"`
	MixerType  string `json:"mixerType,omitempty"`
	UserButton int    `json:"userButton"`
}

// Cue is a named, triggerable unit of audio playback.
type Cue struct {
	ID   string  `json:"id"`
	Type CueType `json:"type"`
	Name string  `json:"name"`

	// single_file variant
	FilePath      string   `json:"filePath,omitempty"`
	TrimStartTime *float64 `json:"trimStartTime,omitempty"`
	TrimEndTime   *float64 `json:"trimEndTime,omitempty"`

	// playlist variant
	PlaylistItems    []PlaylistItem   `json:"playlistItems,omitempty"`
	PlaylistPlayMode PlaylistPlayMode `json:"playlistPlayMode,omitempty"`
	Shuffle          *bool            `json:"shuffle,omitempty"`
	RepeatOne        *bool            `json:"repeatOne,omitempty"`

	KnownDuration *float64 `json:"knownDuration,omitempty"`

	// Engine-consumed playback options, carried through untouched.
	Volume            *float64 `json:"volume,omitempty"`
	FadeInTime        *float64 `json:"fadeInTime,omitempty"`
	FadeOutTime       *float64 `json:"fadeOutTime,omitempty"`
	Loop              *bool    `json:"loop,omitempty"`
	RetriggerBehavior string   `json:"retriggerBehavior,omitempty"`
	EnableDucking     *bool    `json:"enableDucking,omitempty"`
	DuckingLevel      *float64 `json:"duckingLevel,omitempty"`
	IsDuckingTrigger  *bool    `json:"isDuckingTrigger,omitempty"`

	MixerButtonAssignment *MixerButtonAssignment `json:"mixerButtonAssignment,omitempty"`
	WingTrigger           *WingTrigger           `json:"wingTrigger,omitempty"`
	AssignedMidiCC        *int                   `json:"assignedMidiCC,omitempty"`
}

// MarshalJSON always emits playlistItems for playlist cues, even when empty,
// so the persisted record carries exactly one variant.
func (c Cue) MarshalJSON() ([]byte, error) {
	type alias Cue
	if c.Type != TypePlaylist {
		return json.Marshal(alias(c))
	}
	items := c.PlaylistItems
	if items == nil {
		items = []PlaylistItem{}
	}
	return json.Marshal(struct {
		alias
		PlaylistItems []PlaylistItem `json:"playlistItems"`
	}{alias(c), items})
}

// Clone returns a deep copy of the cue. Callers outside the store only ever
// see clones.
func (c Cue) Clone() Cue {
	out := c
	out.TrimStartTime = cloneFloat(c.TrimStartTime)
	out.TrimEndTime = cloneFloat(c.TrimEndTime)
	out.KnownDuration = cloneFloat(c.KnownDuration)
	out.Volume = cloneFloat(c.Volume)
	out.FadeInTime = cloneFloat(c.FadeInTime)
	out.FadeOutTime = cloneFloat(c.FadeOutTime)
	out.DuckingLevel = cloneFloat(c.DuckingLevel)
	out.Shuffle = cloneBool(c.Shuffle)
	out.RepeatOne = cloneBool(c.RepeatOne)
	out.Loop = cloneBool(c.Loop)
	out.EnableDucking = cloneBool(c.EnableDucking)
	out.IsDuckingTrigger = cloneBool(c.IsDuckingTrigger)
	if c.AssignedMidiCC != nil {
		v := *c.AssignedMidiCC
		out.AssignedMidiCC = &v
	}
	if c.MixerButtonAssignment != nil {
		v := *c.MixerButtonAssignment
		out.MixerButtonAssignment = &v
	}
	if c.WingTrigger != nil {
		v := *c.WingTrigger
		out.WingTrigger = &v
	}
	if c.PlaylistItems != nil {
		out.PlaylistItems = make([]PlaylistItem, len(c.PlaylistItems))
		for i, item := range c.PlaylistItems {
			out.PlaylistItems[i] = item.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the item.
func (p PlaylistItem) Clone() PlaylistItem {
	out := p
	out.KnownDuration = cloneFloat(p.KnownDuration)
	out.TrimStartTime = cloneFloat(p.TrimStartTime)
	out.TrimEndTime = cloneFloat(p.TrimEndTime)
	return out
}

// FindItem returns the index of the playlist item with the given id, or -1.
func (c *Cue) FindItem(itemID string) int {
	for i := range c.PlaylistItems {
		if c.PlaylistItems[i].ID == itemID {
			return i
		}
	}
	return -1
}

// ValidDuration reports whether d holds a usable (positive) duration.
func ValidDuration(d *float64) bool {
	return d != nil && *d > 0
}

// ShouldReplaceDuration reports whether a newly probed duration should
// overwrite the cached one: the new value must be valid, and either nothing
// valid is cached or the two differ by more than DurationEpsilon.
func ShouldReplaceDuration(current *float64, next float64) bool {
	if next <= 0 {
		return false
	}
	if !ValidDuration(current) {
		return true
	}
	diff := *current - next
	if diff < 0 {
		diff = -diff
	}
	return diff > DurationEpsilon
}

// decodeCues parses a persisted cue document.
func decodeCues(data []byte) ([]Cue, error) {
	var list []Cue
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []Cue{}
	}
	return list, nil
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
