// Package pubsub fans playback and cue-list events out to the broadcast
// channels. Each subscriber owns a buffered channel; publishing never blocks.
package pubsub

import (
	"strconv"
	"sync"
)

// Topic represents a subscription topic.
type Topic string

const (
	// TopicAutomation carries encoded automation envelopes.
	TopicAutomation Topic = "AUTOMATION_EVENT"
	// TopicRemote carries encoded remote-control envelopes.
	TopicRemote Topic = "REMOTE_EVENT"
	// TopicCueList carries the full cue list after every saved change.
	TopicCueList Topic = "CUE_LIST_UPDATED"
)

// Subscriber represents a subscription channel.
type Subscriber struct {
	ID      string
	Topic   Topic
	Channel chan any
}

// PubSub manages subscriptions and message distribution.
type PubSub struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*Subscriber
	nextID      int

	// onDrop is called when a full subscriber drops a message.
	onDrop func(topic Topic)
}

// New creates a new PubSub instance.
func New() *PubSub {
	return &PubSub{
		subscribers: make(map[Topic][]*Subscriber),
	}
}

// SetDropCallback registers fn to observe dropped messages.
func (ps *PubSub) SetDropCallback(fn func(topic Topic)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.onDrop = fn
}

// Subscribe creates a new subscription for a topic.
func (ps *PubSub) Subscribe(topic Topic, bufferSize int) *Subscriber {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.nextID++
	sub := &Subscriber{
		ID:      strconv.Itoa(ps.nextID),
		Topic:   topic,
		Channel: make(chan any, bufferSize),
	}

	ps.subscribers[topic] = append(ps.subscribers[topic], sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (ps *PubSub) Unsubscribe(sub *Subscriber) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	subs := ps.subscribers[sub.Topic]
	for i, s := range subs {
		if s.ID == sub.ID {
			close(s.Channel)
			// Copy so in-flight publishers keep a consistent slice
			next := make([]*Subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			ps.subscribers[sub.Topic] = append(next, subs[i+1:]...)
			return
		}
	}
}

// Publish sends a message to every subscriber of a topic. A full
// subscriber drops the message.
func (ps *PubSub) Publish(topic Topic, message any) {
	// Hold the read lock while sending so Unsubscribe cannot close a
	// channel underneath us.
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	for _, sub := range ps.subscribers[topic] {
		select {
		case sub.Channel <- message:
		default:
			if ps.onDrop != nil {
				ps.onDrop(topic)
			}
		}
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (ps *PubSub) SubscriberCount(topic Topic) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// Drain delivers every message of sub to fn on the calling goroutine until
// the subscription is closed. One drain per subscriber keeps delivery in
// publish order.
func Drain(sub *Subscriber, fn func(message any)) {
	for msg := range sub.Channel {
		fn(msg)
	}
}
