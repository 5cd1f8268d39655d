// Package relay fans playback and cue-list events out to the broadcast
// channels. It computes the payload shape of each protocol once and publishes
// the encoded frame on the channel's pubsub topic.
package relay

import (
	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/metrics"
	"github.com/bbernstein/lacylights-audio/internal/services/playback"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
)

// Channel names used for metrics.
const (
	ChannelAutomation = "automation"
	ChannelRemote     = "remote"
)

// Frame is an encoded message for one channel. CueID is empty for frames
// that are not about a single cue.
type Frame struct {
	CueID string
	Kind  string
	Data  []byte
}

// CueReader reads the canonical cue list.
type CueReader interface {
	All() []cues.Cue
	Get(id string) (cues.Cue, bool)
}

// StateReader reads the last known playback state.
type StateReader interface {
	Status(cueID string) playback.Status
	GetState(cueID string) *playback.CueState
	Forget(cueID string)
}

// Relay implements cues.Listener and consumes playback events.
type Relay struct {
	ps      *pubsub.PubSub
	cues    CueReader
	states  StateReader
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

var _ cues.Listener = (*Relay)(nil)

// New creates a relay publishing on ps.
func New(ps *pubsub.PubSub, cueReader CueReader, states StateReader, m *metrics.Metrics, logger zerolog.Logger) *Relay {
	return &Relay{
		ps:      ps,
		cues:    cueReader,
		states:  states,
		metrics: m,
		logger:  logger.With().Str("component", "relay").Logger(),
	}
}

// CuesChanged pushes the new list to every channel and to the cue-list topic.
func (r *Relay) CuesChanged(list []cues.Cue) {
	r.publish(pubsub.TopicAutomation, ChannelAutomation, "", EventCuesListUpdate, CuesListEvent(list))
	r.publish(pubsub.TopicRemote, ChannelRemote, "", TypeAllCues, RemoteSnapshot(list, r.states.Status))
	r.ps.Publish(pubsub.TopicCueList, list)
}

// CueDeleted drops the playback state of a removed cue so a new cue with
// the same id starts stopped.
func (r *Relay) CueDeleted(cueID string) {
	r.states.Forget(cueID)
	r.logger.Debug().Str("cue_id", cueID).Msg("cue deleted")
}

// DurationUpdated refreshes the remote display of an idle cue whose
// duration just became known.
func (r *Relay) DurationUpdated(cueID, itemID string, seconds float64) {
	if r.states.Status(cueID).Active() {
		return
	}
	c, ok := r.cues.Get(cueID)
	if !ok {
		return
	}
	r.logger.Debug().Str("cue_id", cueID).Str("item_id", itemID).Float64("seconds", seconds).Msg("duration updated")
	r.publishRemoteCue(IdleRemoteCue(c, r.states.Status(cueID)))
}

// HandleStatus relays a status event from the playback engine.
func (r *Relay) HandleStatus(e playback.StatusEvent) {
	r.publish(pubsub.TopicAutomation, ChannelAutomation, e.CueID, EventCueStatus, CueStatusEvent(e))

	c, _ := r.cues.Get(e.CueID)
	if c.ID == "" {
		c.ID = e.CueID
	}

	if e.Status.Active() {
		if state := r.states.GetState(e.CueID); state != nil && state.LastTime != nil {
			u := *state.LastTime
			u.Status = e.Status
			r.publishRemoteCue(LiveRemoteCue(c, u))
			return
		}
		r.publishRemoteCue(IdleRemoteCue(c, e.Status))
		return
	}

	r.publishRemoteCue(IdleRemoteCue(c, e.Status))
	if e.Status != playback.StatusStopped {
		return
	}

	// A stopping cue must not leave other idle cues showing zero remaining.
	for _, other := range r.cues.All() {
		if other.ID == e.CueID {
			continue
		}
		status := r.states.Status(other.ID)
		if status.Active() {
			continue
		}
		r.publishRemoteCue(IdleRemoteCue(other, status))
	}
}

// HandleTimeUpdate relays a time update from the playback engine.
func (r *Relay) HandleTimeUpdate(u playback.TimeUpdate) {
	r.publish(pubsub.TopicAutomation, ChannelAutomation, u.CueID, EventPlaybackTimeUpdate, TimeUpdateEvent(u))

	c, _ := r.cues.Get(u.CueID)
	r.publishRemoteCue(LiveRemoteCue(c, u))
}

// AutomationSnapshot encodes the full cue list for a new automation client.
func (r *Relay) AutomationSnapshot() (Frame, error) {
	data, err := encode(CuesListEvent(r.cues.All()))
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: EventCuesListUpdate, Data: data}, nil
}

// RemoteSnapshot encodes every cue in its stopped state for a new remote
// client.
func (r *Relay) RemoteSnapshot() (Frame, error) {
	data, err := encode(RemoteSnapshot(r.cues.All(), nil))
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: TypeAllCues, Data: data}, nil
}

func (r *Relay) publishRemoteCue(rc RemoteCue) {
	r.publish(pubsub.TopicRemote, ChannelRemote, rc.ID, TypeRemoteCueUpdate, RemoteUpdate(rc))
}

func (r *Relay) publish(topic pubsub.Topic, channel, cueID, kind string, v any) {
	data, err := encode(v)
	if err != nil {
		r.logger.Error().Err(err).Str("kind", kind).Msg("failed to encode frame")
		return
	}
	r.ps.Publish(topic, Frame{CueID: cueID, Kind: kind, Data: data})
	r.metrics.Broadcast(channel, kind)
}
