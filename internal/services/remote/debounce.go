package remote

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Debounce defaults.
const (
	DefaultTriggerWindow = 400 * time.Millisecond
	DefaultRelayLockTime = 1000 * time.Millisecond
	debounceCapacity     = 1024
)

// Debouncer suppresses repeated triggers of the same cue in two stages. The
// trigger window drops presses arriving within window of the last accepted
// press. The relay lock drops a trigger while a relay for the same cue is
// still in flight, for at most lockTime.
type Debouncer struct {
	mu       sync.Mutex
	window   time.Duration
	lockTime time.Duration
	triggers *expirable.LRU[string, time.Time]
	locks    *expirable.LRU[string, time.Time]
	now      func() time.Time
}

// NewDebouncer creates a debouncer. Non-positive durations take the
// defaults.
func NewDebouncer(window, lockTime time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultTriggerWindow
	}
	if lockTime <= 0 {
		lockTime = DefaultRelayLockTime
	}
	return &Debouncer{
		window:   window,
		lockTime: lockTime,
		triggers: expirable.NewLRU[string, time.Time](debounceCapacity, nil, window),
		locks:    expirable.NewLRU[string, time.Time](debounceCapacity, nil, lockTime),
		now:      time.Now,
	}
}

// Acquire decides whether a trigger for cueID may be relayed. When ok, the
// caller must call release once the relay returned.
func (d *Debouncer) Acquire(cueID string) (release func(), ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, found := d.triggers.Get(cueID); found && now.Sub(last) < d.window {
		return nil, false
	}
	d.triggers.Add(cueID, now)

	if until, found := d.locks.Get(cueID); found && now.Before(until) {
		return nil, false
	}
	until := now.Add(d.lockTime)
	d.locks.Add(cueID, until)

	var once sync.Once
	return func() { once.Do(func() { d.release(cueID, until) }) }, true
}

// release drops the lock unless a later relay has taken it over.
func (d *Debouncer) release(cueID string, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, found := d.locks.Peek(cueID); found && current.Equal(until) {
		d.locks.Remove(cueID)
	}
}
