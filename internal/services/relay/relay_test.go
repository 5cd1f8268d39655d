package relay

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/services/playback"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
)

type staticCues []cues.Cue

func (s staticCues) All() []cues.Cue { return append([]cues.Cue(nil), s...) }

func (s staticCues) Get(id string) (cues.Cue, bool) {
	for _, c := range s {
		if c.ID == id {
			return c, true
		}
	}
	return cues.Cue{}, false
}

type fixture struct {
	relay      *Relay
	playback   *playback.Service
	automation *pubsub.Subscriber
	remote     *pubsub.Subscriber
	cueList    *pubsub.Subscriber
}

func newFixture(t *testing.T, list staticCues) *fixture {
	t.Helper()
	ps := pubsub.New()
	pb := playback.NewService(zerolog.Nop())
	r := New(ps, list, pb, nil, zerolog.Nop())
	pb.SetStatusCallback(r.HandleStatus)
	pb.SetTimeCallback(r.HandleTimeUpdate)

	return &fixture{
		relay:      r,
		playback:   pb,
		automation: ps.Subscribe(pubsub.TopicAutomation, 64),
		remote:     ps.Subscribe(pubsub.TopicRemote, 64),
		cueList:    ps.Subscribe(pubsub.TopicCueList, 4),
	}
}

func pending(sub *pubsub.Subscriber) []Frame {
	var out []Frame
	for {
		select {
		case msg := <-sub.Channel:
			out = append(out, msg.(Frame))
		default:
			return out
		}
	}
}

func decodeRemoteCue(t *testing.T, f Frame) RemoteCue {
	t.Helper()
	var update RemoteCueUpdate
	require.NoError(t, json.Unmarshal(f.Data, &update))
	require.Equal(t, TypeRemoteCueUpdate, update.Type)
	return update.Cue
}

func twoCues() staticCues {
	return staticCues{
		{ID: "a", Type: cues.TypeSingleFile, Name: "Thunder", FilePath: "/a.wav",
			KnownDuration: cues.Float(100), TrimStartTime: cues.Float(10), TrimEndTime: cues.Float(40)},
		{ID: "b", Type: cues.TypeSingleFile, Name: "Rain", FilePath: "/b.wav", KnownDuration: cues.Float(20)},
	}
}

func TestStopEmitsIdleUpdatesForOtherCues(t *testing.T) {
	f := newFixture(t, twoCues())

	f.playback.HandleStatus(playback.StatusEvent{CueID: "a", Status: playback.StatusPlaying})
	f.playback.HandleTimeUpdate(playback.TimeUpdate{
		CueID: "a", Status: playback.StatusPlaying, CurrentTimeSec: 30, TotalDurationSec: 30, RemainingTimeSec: 0,
	})
	pending(f.remote)

	f.playback.HandleStatus(playback.StatusEvent{CueID: "a", Status: playback.StatusStopped})

	frames := pending(f.remote)
	require.Len(t, frames, 2)

	a := decodeRemoteCue(t, frames[0])
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, playback.StatusStopped, a.Status)
	assert.Equal(t, 30.0, a.CurrentItemDurationS)

	b := decodeRemoteCue(t, frames[1])
	assert.Equal(t, "b", b.ID)
	assert.Equal(t, playback.StatusStopped, b.Status)
	assert.Equal(t, 20.0, b.CurrentItemDurationS)
	assert.Equal(t, 20.0, b.CurrentItemRemainingTimeS)
	assert.Zero(t, b.CurrentTimeS)
}

func TestStopSkipsActiveCues(t *testing.T) {
	f := newFixture(t, twoCues())

	f.playback.HandleStatus(playback.StatusEvent{CueID: "a", Status: playback.StatusPlaying})
	f.playback.HandleStatus(playback.StatusEvent{CueID: "b", Status: playback.StatusPlaying})
	pending(f.remote)

	f.playback.HandleStatus(playback.StatusEvent{CueID: "a", Status: playback.StatusStopped})

	frames := pending(f.remote)
	require.Len(t, frames, 1)
	assert.Equal(t, "a", frames[0].CueID)
}

func TestAutomationEnvelopes(t *testing.T) {
	f := newFixture(t, twoCues())

	f.playback.HandleStatus(playback.StatusEvent{CueID: "a", Status: playback.StatusStopped, Details: map[string]any{"error": "decode failed"}})
	f.playback.HandleTimeUpdate(playback.TimeUpdate{
		CueID: "b", Status: playback.StatusPlaying, CurrentTimeSec: 65.4, TotalDurationSec: 3725, RemainingTimeSec: 3659.6,
		PlaylistItemName: "Intro",
	})

	frames := pending(f.automation)
	require.Len(t, frames, 2)

	var status map[string]any
	require.NoError(t, json.Unmarshal(frames[0].Data, &status))
	assert.Equal(t, EventCueStatus, status["event"])
	assert.Equal(t, map[string]any{"id": "a", "status": "stopped", "error": "decode failed"}, status["payload"])

	var update struct {
		Event   string            `json:"event"`
		Payload TimeUpdatePayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frames[1].Data, &update))
	assert.Equal(t, EventPlaybackTimeUpdate, update.Event)
	assert.Equal(t, "1:05", update.Payload.CurrentTimeFormatted)
	assert.Equal(t, "1:02:05", update.Payload.TotalDurationFormatted)
	assert.Equal(t, "Intro", update.Payload.PlaylistItemName)
	assert.Equal(t, playback.StatusPlaying, update.Payload.Status)
}

func TestTimeUpdate_RemoteShape(t *testing.T) {
	f := newFixture(t, twoCues())
	known := 100.0

	f.playback.HandleTimeUpdate(playback.TimeUpdate{
		CueID: "a", Status: playback.StatusPlaying, CurrentTimeSec: 5, TotalDurationSec: 30, RemainingTimeSec: 25,
		OriginalKnownDuration: &known,
	})

	frames := pending(f.remote)
	require.Len(t, frames, 1)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(frames[0].Data, &raw))
	cue := raw["cue"].(map[string]any)
	assert.Equal(t, "Thunder", cue["name"])
	assert.Equal(t, "single_file", cue["type"])
	assert.Equal(t, 25.0, cue["currentItemRemainingTimeS"])
	assert.Equal(t, 100.0, cue["knownDurationS"])
	assert.Contains(t, cue, "playlistItemName")
	assert.Nil(t, cue["playlistItemName"])
}

func TestResumeUsesLastTimeUpdate(t *testing.T) {
	f := newFixture(t, twoCues())

	f.playback.HandleTimeUpdate(playback.TimeUpdate{CueID: "a", Status: playback.StatusPlaying, CurrentTimeSec: 12, TotalDurationSec: 30, RemainingTimeSec: 18})
	pending(f.remote)

	f.playback.HandleStatus(playback.StatusEvent{CueID: "a", Status: playback.StatusPaused})
	frames := pending(f.remote)
	require.Len(t, frames, 1)

	rc := decodeRemoteCue(t, frames[0])
	assert.Equal(t, playback.StatusPaused, rc.Status)
	assert.Equal(t, 12.0, rc.CurrentTimeS)
	assert.Equal(t, 18.0, rc.CurrentItemRemainingTimeS)
}

func TestCuesChanged(t *testing.T) {
	list := twoCues()
	f := newFixture(t, list)
	f.playback.HandleStatus(playback.StatusEvent{CueID: "b", Status: playback.StatusPlaying})
	pending(f.automation)
	pending(f.remote)

	f.relay.CuesChanged(list)

	auto := pending(f.automation)
	require.Len(t, auto, 1)
	assert.Equal(t, EventCuesListUpdate, auto[0].Kind)

	remote := pending(f.remote)
	require.Len(t, remote, 1)
	var all RemoteAllCues
	require.NoError(t, json.Unmarshal(remote[0].Data, &all))
	assert.Equal(t, TypeAllCues, all.Type)
	require.Len(t, all.Payload, 2)
	assert.Equal(t, 30.0, all.Payload[0].KnownDurationS)
	assert.Equal(t, playback.StatusPlaying, all.Payload[1].Status)

	msg := <-f.cueList.Channel
	assert.Len(t, msg.([]cues.Cue), 2)
}

func TestCueDeleted_DropsPlaybackState(t *testing.T) {
	f := newFixture(t, twoCues())
	f.playback.HandleStatus(playback.StatusEvent{CueID: "b", Status: playback.StatusPlaying})
	require.NotNil(t, f.playback.GetState("b"))

	f.relay.CueDeleted("b")
	assert.Nil(t, f.playback.GetState("b"))
	assert.Equal(t, playback.StatusStopped, f.playback.Status("b"))
}

func TestDurationUpdated(t *testing.T) {
	f := newFixture(t, twoCues())

	f.relay.DurationUpdated("b", "", 20)
	frames := pending(f.remote)
	require.Len(t, frames, 1)
	assert.Equal(t, 20.0, decodeRemoteCue(t, frames[0]).KnownDurationS)

	f.playback.HandleStatus(playback.StatusEvent{CueID: "b", Status: playback.StatusPlaying})
	pending(f.remote)
	f.relay.DurationUpdated("b", "", 21)
	assert.Empty(t, pending(f.remote), "running cues keep their live display")

	f.relay.DurationUpdated("missing", "", 5)
	assert.Empty(t, pending(f.remote))
}

func TestSnapshots(t *testing.T) {
	f := newFixture(t, twoCues())
	f.playback.HandleStatus(playback.StatusEvent{CueID: "a", Status: playback.StatusPlaying})

	remote, err := f.relay.RemoteSnapshot()
	require.NoError(t, err)
	var all RemoteAllCues
	require.NoError(t, json.Unmarshal(remote.Data, &all))
	for _, rc := range all.Payload {
		assert.Equal(t, playback.StatusStopped, rc.Status)
	}

	auto, err := f.relay.AutomationSnapshot()
	require.NoError(t, err)
	var env struct {
		Event   string     `json:"event"`
		Payload []cues.Cue `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(auto.Data, &env))
	assert.Equal(t, EventCuesListUpdate, env.Event)
	assert.Len(t, env.Payload, 2)
}

func TestFormatTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "0:00"},
		{9.9, "0:09"},
		{65, "1:05"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{-4, "0:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTime(tt.seconds))
	}
}

func TestRemoteSnapshot_PlaylistUsesAggregate(t *testing.T) {
	list := []cues.Cue{{
		ID: "p", Type: cues.TypePlaylist, KnownDuration: cues.Float(80),
		PlaylistItems: []cues.PlaylistItem{
			{ID: "1", Path: "/1.wav", KnownDuration: cues.Float(50), TrimStartTime: cues.Float(20)},
			{ID: "2", Path: "/2.wav", KnownDuration: cues.Float(30)},
		},
	}}
	snap := RemoteSnapshot(list, nil)
	require.Len(t, snap.Payload, 1)
	assert.Equal(t, 80.0, snap.Payload[0].KnownDurationS)
}
