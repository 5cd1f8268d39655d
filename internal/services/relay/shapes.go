package relay

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/services/playback"
)

// Automation event names.
const (
	EventCuesListUpdate     = "cuesListUpdate"
	EventCueStatus          = "cueStatus"
	EventPlaybackTimeUpdate = "playbackTimeUpdate"
)

// Remote message types.
const (
	TypeAllCues         = "all_cues"
	TypeRemoteCueUpdate = "remote_cue_update"
)

// AutomationEnvelope is the outbound frame of the automation protocol.
type AutomationEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// CueStatusPayload is the payload of a cueStatus event.
type CueStatusPayload struct {
	ID     string          `json:"id"`
	Status playback.Status `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// TimeUpdatePayload is the payload of a playbackTimeUpdate event.
type TimeUpdatePayload struct {
	ID                     string          `json:"id"`
	CurrentTime            float64         `json:"currentTime"`
	TotalDuration          float64         `json:"totalDuration"`
	RemainingTime          float64         `json:"remainingTime"`
	CurrentTimeFormatted   string          `json:"currentTimeFormatted"`
	TotalDurationFormatted string          `json:"totalDurationFormatted"`
	RemainingTimeFormatted string          `json:"remainingTimeFormatted"`
	Status                 playback.Status `json:"status"`
	PlaylistItemName       string          `json:"playlistItemName,omitempty"`
	NextPlaylistItemName   string          `json:"nextPlaylistItemName,omitempty"`
}

// RemoteCue is the normalized per-cue display state of the remote protocol.
type RemoteCue struct {
	ID                        string          `json:"id"`
	Name                      string          `json:"name"`
	Type                      cues.CueType    `json:"type"`
	Status                    playback.Status `json:"status"`
	CurrentTimeS              float64         `json:"currentTimeS"`
	CurrentItemDurationS      float64         `json:"currentItemDurationS"`
	CurrentItemRemainingTimeS float64         `json:"currentItemRemainingTimeS"`
	PlaylistItemName          *string         `json:"playlistItemName"`
	NextPlaylistItemName      *string         `json:"nextPlaylistItemName"`
	KnownDurationS            float64         `json:"knownDurationS"`
}

// RemoteAllCues is the remote snapshot frame.
type RemoteAllCues struct {
	Type    string      `json:"type"`
	Payload []RemoteCue `json:"payload"`
}

// RemoteCueUpdate is the remote per-cue frame.
type RemoteCueUpdate struct {
	Type string    `json:"type"`
	Cue  RemoteCue `json:"cue"`
}

// FormatTime renders seconds as M:SS, or H:MM:SS from one hour up.
func FormatTime(seconds float64) string {
	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}
	total := int(math.Floor(seconds))
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// CueStatusEvent builds the automation cueStatus envelope.
func CueStatusEvent(e playback.StatusEvent) AutomationEnvelope {
	return AutomationEnvelope{
		Event:   EventCueStatus,
		Payload: CueStatusPayload{ID: e.CueID, Status: e.Status, Error: e.Error()},
	}
}

// TimeUpdateEvent builds the automation playbackTimeUpdate envelope.
func TimeUpdateEvent(u playback.TimeUpdate) AutomationEnvelope {
	return AutomationEnvelope{
		Event: EventPlaybackTimeUpdate,
		Payload: TimeUpdatePayload{
			ID:                     u.CueID,
			CurrentTime:            u.CurrentTimeSec,
			TotalDuration:          u.TotalDurationSec,
			RemainingTime:          u.RemainingTimeSec,
			CurrentTimeFormatted:   FormatTime(u.CurrentTimeSec),
			TotalDurationFormatted: FormatTime(u.TotalDurationSec),
			RemainingTimeFormatted: FormatTime(u.RemainingTimeSec),
			Status:                 u.Status,
			PlaylistItemName:       u.PlaylistItemName,
			NextPlaylistItemName:   u.NextPlaylistItemName,
		},
	}
}

// CuesListEvent builds the automation cuesListUpdate envelope.
func CuesListEvent(list []cues.Cue) AutomationEnvelope {
	if list == nil {
		list = []cues.Cue{}
	}
	return AutomationEnvelope{Event: EventCuesListUpdate, Payload: list}
}

// IdleRemoteCue is the display state of a cue that is not running: the
// clock at zero and the full effective duration remaining.
func IdleRemoteCue(c cues.Cue, status playback.Status) RemoteCue {
	if status == "" {
		status = playback.StatusStopped
	}
	d := cues.EffectiveCueDuration(c)
	return RemoteCue{
		ID:                        c.ID,
		Name:                      c.Name,
		Type:                      c.Type,
		Status:                    status,
		CurrentItemDurationS:      d,
		CurrentItemRemainingTimeS: d,
		KnownDurationS:            d,
	}
}

// LiveRemoteCue is the display state of a running cue. c may be the zero
// value when the store no longer knows the cue.
func LiveRemoteCue(c cues.Cue, u playback.TimeUpdate) RemoteCue {
	name := c.Name
	if u.CueName != "" {
		name = u.CueName
	}
	known := cues.EffectiveCueDuration(c)
	if u.OriginalKnownDuration != nil && *u.OriginalKnownDuration > 0 {
		known = *u.OriginalKnownDuration
	}
	return RemoteCue{
		ID:                        u.CueID,
		Name:                      name,
		Type:                      c.Type,
		Status:                    u.Status,
		CurrentTimeS:              u.CurrentTimeSec,
		CurrentItemDurationS:      u.TotalDurationSec,
		CurrentItemRemainingTimeS: u.RemainingTimeSec,
		PlaylistItemName:          optString(u.PlaylistItemName),
		NextPlaylistItemName:      optString(u.NextPlaylistItemName),
		KnownDurationS:            known,
	}
}

// RemoteUpdate wraps a cue state in the remote update frame.
func RemoteUpdate(rc RemoteCue) RemoteCueUpdate {
	return RemoteCueUpdate{Type: TypeRemoteCueUpdate, Cue: rc}
}

// RemoteSnapshot builds the all_cues frame; status maps a cue to the status
// to show, nil meaning every cue is stopped.
func RemoteSnapshot(list []cues.Cue, status func(id string) playback.Status) RemoteAllCues {
	out := make([]RemoteCue, 0, len(list))
	for _, c := range list {
		st := playback.StatusStopped
		if status != nil {
			st = status(c.ID)
		}
		out = append(out, IdleRemoteCue(c, st))
	}
	return RemoteAllCues{Type: TypeAllCues, Payload: out}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
