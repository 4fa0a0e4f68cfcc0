package chat

import (
	"sort"
	"sync"
	"time"
)

// TypingTimeout clears a remote typing indicator that was not refreshed.
const TypingTimeout = 3 * time.Second

// Stopper is the part of *time.Timer the typing tracker needs.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it via a wrapper.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// typingTracker holds who is typing in the current room. A start signal arms
// a TypingTimeout timer; a fresh start re-arms it; stop clears immediately.
type typingTracker struct {
	mu       sync.Mutex
	after    AfterFunc
	timers   map[string]Stopper
	gen      map[string]uint64
	onChange func(userID string, typing bool)
}

func newTypingTracker(after AfterFunc, onChange func(string, bool)) *typingTracker {
	if after == nil {
		after = realAfterFunc
	}
	return &typingTracker{
		after:    after,
		timers:   make(map[string]Stopper),
		gen:      make(map[string]uint64),
		onChange: onChange,
	}
}

func (t *typingTracker) start(userID string) {
	t.mu.Lock()
	if old, ok := t.timers[userID]; ok {
		old.Stop()
	}
	_, was := t.timers[userID]
	t.gen[userID]++
	g := t.gen[userID]
	t.timers[userID] = t.after(TypingTimeout, func() { t.expire(userID, g) })
	t.mu.Unlock()
	if !was {
		t.notify(userID, true)
	}
}

func (t *typingTracker) stop(userID string) {
	t.mu.Lock()
	timer, ok := t.timers[userID]
	if ok {
		timer.Stop()
		delete(t.timers, userID)
		t.gen[userID]++
	}
	t.mu.Unlock()
	if ok {
		t.notify(userID, false)
	}
}

// expire ignores timers superseded by a later start or stop.
func (t *typingTracker) expire(userID string, g uint64) {
	t.mu.Lock()
	if t.gen[userID] != g {
		t.mu.Unlock()
		return
	}
	delete(t.timers, userID)
	t.mu.Unlock()
	t.notify(userID, false)
}

func (t *typingTracker) reset() {
	t.mu.Lock()
	users := make([]string, 0, len(t.timers))
	for id, timer := range t.timers {
		timer.Stop()
		t.gen[id]++
		users = append(users, id)
	}
	t.timers = make(map[string]Stopper)
	t.mu.Unlock()
	for _, id := range users {
		t.notify(id, false)
	}
}

func (t *typingTracker) users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.timers))
	for id := range t.timers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *typingTracker) notify(userID string, typing bool) {
	if t.onChange != nil {
		t.onChange(userID, typing)
	}
}
