package pubsub

import (
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	ps := New()
	if ps == nil {
		t.Fatal("New() returned nil")
	}
	if ps.subscribers == nil {
		t.Error("subscribers map should be initialized")
	}
}

func TestSubscribe(t *testing.T) {
	ps := New()

	sub := ps.Subscribe(TopicAutomation, 10)
	if sub == nil {
		t.Fatal("Subscribe() returned nil")
	}
	if sub.Topic != TopicAutomation {
		t.Errorf("Expected topic %s, got %s", TopicAutomation, sub.Topic)
	}
	if cap(sub.Channel) != 10 {
		t.Errorf("Expected channel buffer size 10, got %d", cap(sub.Channel))
	}

	// Check subscriber count
	if count := ps.SubscriberCount(TopicAutomation); count != 1 {
		t.Errorf("Expected 1 subscriber, got %d", count)
	}
}

func TestSubscribe_MultipleSubscribers(t *testing.T) {
	ps := New()

	ps.Subscribe(TopicAutomation, 10)
	ps.Subscribe(TopicAutomation, 10)
	ps.Subscribe(TopicRemote, 10)

	if count := ps.SubscriberCount(TopicAutomation); count != 2 {
		t.Errorf("Expected 2 automation subscribers, got %d", count)
	}
	if count := ps.SubscriberCount(TopicRemote); count != 1 {
		t.Errorf("Expected 1 remote subscriber, got %d", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	ps := New()

	sub := ps.Subscribe(TopicAutomation, 10)
	if count := ps.SubscriberCount(TopicAutomation); count != 1 {
		t.Errorf("Expected 1 subscriber before unsubscribe, got %d", count)
	}

	ps.Unsubscribe(sub)

	if count := ps.SubscriberCount(TopicAutomation); count != 0 {
		t.Errorf("Expected 0 subscribers after unsubscribe, got %d", count)
	}

	// Channel should be closed
	select {
	case _, ok := <-sub.Channel:
		if ok {
			t.Error("Channel should be closed after unsubscribe")
		}
	default:
		t.Error("Channel should be closed and readable")
	}
}

func TestUnsubscribe_NonExistent(t *testing.T) {
	ps := New()

	// Create a fake subscriber that doesn't exist in pubsub
	fakeSub := &Subscriber{
		ID:      "fake-id",
		Topic:   TopicAutomation,
		Channel: make(chan any, 1),
	}

	// Should not panic
	ps.Unsubscribe(fakeSub)
}

func TestPublish(t *testing.T) {
	ps := New()

	sub := ps.Subscribe(TopicAutomation, 10)

	// Publish a message
	ps.Publish(TopicAutomation, "test message")

	// Should receive the message
	select {
	case msg := <-sub.Channel:
		if msg != "test message" {
			t.Errorf("Expected 'test message', got '%v'", msg)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timed out waiting for message")
	}
}

func TestPublish_ChannelFull(t *testing.T) {
	ps := New()

	// Create subscriber with buffer size 1
	sub := ps.Subscribe(TopicAutomation, 1)

	// Fill the channel
	ps.Publish(TopicAutomation, "msg1")

	// This should not block (non-blocking publish)
	done := make(chan bool, 1)
	go func() {
		ps.Publish(TopicAutomation, "msg2") // Should be dropped
		done <- true
	}()

	select {
	case <-done:
		// Success - didn't block
	case <-time.After(100 * time.Millisecond):
		t.Error("Publish blocked on full channel")
	}

	// Should only have first message
	msg := <-sub.Channel
	if msg != "msg1" {
		t.Errorf("Expected 'msg1', got '%v'", msg)
	}
}

func TestPublish_AllSubscribersReceive(t *testing.T) {
	ps := New()

	subs := []*Subscriber{
		ps.Subscribe(TopicAutomation, 10),
		ps.Subscribe(TopicAutomation, 10),
		ps.Subscribe(TopicAutomation, 10),
	}
	other := ps.Subscribe(TopicRemote, 10)

	ps.Publish(TopicAutomation, "broadcast")

	for i, sub := range subs {
		select {
		case msg := <-sub.Channel:
			if msg != "broadcast" {
				t.Errorf("Subscriber %d: Expected 'broadcast', got '%v'", i, msg)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("Subscriber %d timed out waiting for message", i)
		}
	}

	select {
	case msg := <-other.Channel:
		t.Errorf("Subscriber of another topic received '%v'", msg)
	default:
	}
}

func TestSubscriberCount(t *testing.T) {
	ps := New()

	// Initially zero
	if count := ps.SubscriberCount(TopicAutomation); count != 0 {
		t.Errorf("Expected 0 subscribers initially, got %d", count)
	}

	// Add subscribers
	sub1 := ps.Subscribe(TopicAutomation, 10)
	sub2 := ps.Subscribe(TopicAutomation, 10)

	if count := ps.SubscriberCount(TopicAutomation); count != 2 {
		t.Errorf("Expected 2 subscribers, got %d", count)
	}

	// Remove one
	ps.Unsubscribe(sub1)
	if count := ps.SubscriberCount(TopicAutomation); count != 1 {
		t.Errorf("Expected 1 subscriber after unsubscribe, got %d", count)
	}

	// Remove remaining
	ps.Unsubscribe(sub2)
	if count := ps.SubscriberCount(TopicAutomation); count != 0 {
		t.Errorf("Expected 0 subscribers after all unsubscribed, got %d", count)
	}
}

func TestConcurrentOperations(t *testing.T) {
	ps := New()
	var wg sync.WaitGroup

	// Concurrent subscriptions
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := ps.Subscribe(TopicAutomation, 10)
			// Read a message or timeout
			select {
			case <-sub.Channel:
			case <-time.After(200 * time.Millisecond):
			}
		}()
	}

	// Concurrent publishes
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ps.Publish(TopicAutomation, i)
		}(i)
	}

	// Wait for all goroutines
	wg.Wait()
}

func TestTopicConstants(t *testing.T) {
	topics := []Topic{
		TopicAutomation,
		TopicRemote,
		TopicCueList,
	}

	seen := make(map[Topic]bool)
	for _, topic := range topics {
		if seen[topic] {
			t.Errorf("Duplicate topic: %s", topic)
		}
		seen[topic] = true
	}
}

func TestSubscribe_UniqueIDs(t *testing.T) {
	ps := New()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		sub := ps.Subscribe(TopicRemote, 1)
		if seen[sub.ID] {
			t.Fatalf("Duplicate subscriber ID %q", sub.ID)
		}
		seen[sub.ID] = true
	}
}

func TestDropCallback(t *testing.T) {
	ps := New()
	var dropped []Topic
	ps.SetDropCallback(func(topic Topic) { dropped = append(dropped, topic) })

	ps.Subscribe(TopicRemote, 1)
	ps.Publish(TopicRemote, "first")
	ps.Publish(TopicRemote, "second")
	ps.Publish(TopicRemote, "third")

	if len(dropped) != 2 {
		t.Fatalf("Expected 2 drops, got %d", len(dropped))
	}
}

func TestDrain_PreservesOrder(t *testing.T) {
	ps := New()
	sub := ps.Subscribe(TopicAutomation, 100)

	for i := 0; i < 50; i++ {
		ps.Publish(TopicAutomation, i)
	}

	var got []int
	done := make(chan struct{})
	go func() {
		Drain(sub, func(msg any) { got = append(got, msg.(int)) })
		close(done)
	}()

	ps.Unsubscribe(sub)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after unsubscribe")
	}

	if len(got) != 50 {
		t.Fatalf("Expected 50 messages, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Message %d out of order: got %d", i, v)
		}
	}
}
