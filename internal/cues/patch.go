package cues

import (
	"encoding/json"
	"fmt"
)

// Opt is a patch field. Set reports whether the key was present in the
// incoming document; Null reports an explicit null, which clears the field.
type Opt[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Some returns a set, non-null Opt.
func Some[T any](v T) Opt[T] {
	return Opt[T]{Set: true, Value: v}
}

// Null returns a set Opt that clears the target field.
func Null[T any]() Opt[T] {
	return Opt[T]{Set: true, Null: true}
}

// UnmarshalJSON is only invoked for keys present in the document.
func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Null = true
		var zero T
		o.Value = zero
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// CuePatch is a partial cue. Fields that are not Set keep the value of the
// record being patched.
type CuePatch struct {
	ID   string       `json:"id"`
	Type Opt[CueType] `json:"type"`
	Name Opt[string]  `json:"name"`

	FilePath      Opt[string]  `json:"filePath"`
	TrimStartTime Opt[float64] `json:"trimStartTime"`
	TrimEndTime   Opt[float64] `json:"trimEndTime"`

	PlaylistItems    Opt[[]PlaylistItem]   `json:"playlistItems"`
	PlaylistPlayMode Opt[PlaylistPlayMode] `json:"playlistPlayMode"`
	Shuffle          Opt[bool]             `json:"shuffle"`
	RepeatOne        Opt[bool]             `json:"repeatOne"`

	KnownDuration Opt[float64] `json:"knownDuration"`

	Volume            Opt[float64] `json:"volume"`
	FadeInTime        Opt[float64] `json:"fadeInTime"`
	FadeOutTime       Opt[float64] `json:"fadeOutTime"`
	Loop              Opt[bool]    `json:"loop"`
	RetriggerBehavior Opt[string]  `json:"retriggerBehavior"`
	EnableDucking     Opt[bool]    `json:"enableDucking"`
	DuckingLevel      Opt[float64] `json:"duckingLevel"`
	IsDuckingTrigger  Opt[bool]    `json:"isDuckingTrigger"`

	MixerButtonAssignment Opt[MixerButtonAssignment] `json:"mixerButtonAssignment"`
	WingTrigger           Opt[WingTrigger]           `json:"wingTrigger"`
	AssignedMidiCC        Opt[int]                   `json:"assignedMidiCC"`
}

// PatchFromCue builds a patch that sets every populated field of c.
func PatchFromCue(c Cue) CuePatch {
	c = c.Clone()
	p := CuePatch{ID: c.ID}
	if c.Type != "" {
		p.Type = Some(c.Type)
	}
	p.Name = Some(c.Name)
	if c.FilePath != "" {
		p.FilePath = Some(c.FilePath)
	}
	p.TrimStartTime = fromPtr(c.TrimStartTime)
	p.TrimEndTime = fromPtr(c.TrimEndTime)
	if c.PlaylistItems != nil {
		p.PlaylistItems = Some(c.PlaylistItems)
	}
	if c.PlaylistPlayMode != "" {
		p.PlaylistPlayMode = Some(c.PlaylistPlayMode)
	}
	p.Shuffle = fromPtr(c.Shuffle)
	p.RepeatOne = fromPtr(c.RepeatOne)
	p.KnownDuration = fromPtr(c.KnownDuration)
	p.Volume = fromPtr(c.Volume)
	p.FadeInTime = fromPtr(c.FadeInTime)
	p.FadeOutTime = fromPtr(c.FadeOutTime)
	p.Loop = fromPtr(c.Loop)
	if c.RetriggerBehavior != "" {
		p.RetriggerBehavior = Some(c.RetriggerBehavior)
	}
	p.EnableDucking = fromPtr(c.EnableDucking)
	p.DuckingLevel = fromPtr(c.DuckingLevel)
	p.IsDuckingTrigger = fromPtr(c.IsDuckingTrigger)
	p.MixerButtonAssignment = fromPtr(c.MixerButtonAssignment)
	p.WingTrigger = fromPtr(c.WingTrigger)
	p.AssignedMidiCC = fromPtr(c.AssignedMidiCC)
	return p
}

// Clone deep-copies the patch so the caller's slices are never retained.
func (p CuePatch) Clone() CuePatch {
	out := p
	if p.PlaylistItems.Value != nil {
		items := make([]PlaylistItem, len(p.PlaylistItems.Value))
		for i, item := range p.PlaylistItems.Value {
			items[i] = item.Clone()
		}
		out.PlaylistItems.Value = items
	}
	return out
}

// Apply merges the patch over base and prunes fields that do not belong to
// the resulting cue type. base is not modified.
func (p CuePatch) Apply(base Cue) Cue {
	c := base.Clone()
	if p.ID != "" && c.ID == "" {
		c.ID = p.ID
	}
	setValue(&c.Type, p.Type)
	setValue(&c.Name, p.Name)
	setValue(&c.FilePath, p.FilePath)
	setPtr(&c.TrimStartTime, p.TrimStartTime)
	setPtr(&c.TrimEndTime, p.TrimEndTime)
	if p.PlaylistItems.Set {
		if p.PlaylistItems.Null {
			c.PlaylistItems = nil
		} else {
			c.PlaylistItems = make([]PlaylistItem, len(p.PlaylistItems.Value))
			for i, item := range p.PlaylistItems.Value {
				c.PlaylistItems[i] = item.Clone()
			}
		}
	}
	setValue(&c.PlaylistPlayMode, p.PlaylistPlayMode)
	setPtr(&c.Shuffle, p.Shuffle)
	setPtr(&c.RepeatOne, p.RepeatOne)
	setPtr(&c.KnownDuration, p.KnownDuration)
	setPtr(&c.Volume, p.Volume)
	setPtr(&c.FadeInTime, p.FadeInTime)
	setPtr(&c.FadeOutTime, p.FadeOutTime)
	setPtr(&c.Loop, p.Loop)
	setValue(&c.RetriggerBehavior, p.RetriggerBehavior)
	setPtr(&c.EnableDucking, p.EnableDucking)
	setPtr(&c.DuckingLevel, p.DuckingLevel)
	setPtr(&c.IsDuckingTrigger, p.IsDuckingTrigger)
	setPtr(&c.MixerButtonAssignment, p.MixerButtonAssignment)
	setPtr(&c.WingTrigger, p.WingTrigger)
	setPtr(&c.AssignedMidiCC, p.AssignedMidiCC)

	normalizeVariant(&c)
	return c
}

// Validate rejects patches that cannot produce a well-formed cue.
func (p CuePatch) Validate() error {
	if p.Type.Set && !p.Type.Null {
		switch p.Type.Value {
		case TypeSingleFile, TypePlaylist:
		default:
			return fmt.Errorf("unknown cue type %q", p.Type.Value)
		}
	}
	if p.PlaylistPlayMode.Set && !p.PlaylistPlayMode.Null {
		switch p.PlaylistPlayMode.Value {
		case PlayModeContinue, PlayModeStopAndCueNext:
		default:
			return fmt.Errorf("unknown playlist play mode %q", p.PlaylistPlayMode.Value)
		}
	}
	return nil
}

// normalizeVariant enforces that only the fields of c.Type are present.
func normalizeVariant(c *Cue) {
	switch c.Type {
	case TypePlaylist:
		c.FilePath = ""
		c.TrimStartTime = nil
		c.TrimEndTime = nil
		if c.PlaylistItems == nil {
			c.PlaylistItems = []PlaylistItem{}
		}
		if c.PlaylistPlayMode == "" {
			c.PlaylistPlayMode = DefaultPlaylistPlayMode
		}
	default:
		c.Type = TypeSingleFile
		c.PlaylistItems = nil
		c.PlaylistPlayMode = ""
		c.Shuffle = nil
		c.RepeatOne = nil
	}
}

func setValue[T any](dst *T, o Opt[T]) {
	if !o.Set {
		return
	}
	if o.Null {
		var zero T
		*dst = zero
		return
	}
	*dst = o.Value
}

func setPtr[T any](dst **T, o Opt[T]) {
	if !o.Set {
		return
	}
	if o.Null {
		*dst = nil
		return
	}
	v := o.Value
	*dst = &v
}

func fromPtr[T any](v *T) Opt[T] {
	if v == nil {
		return Opt[T]{}
	}
	return Some(*v)
}
