package chat

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// EchoWindow is how far apart an optimistic entry and a server echo may be
// and still be matched by sender and content.
const EchoWindow = 5 * time.Second

// Timeline is the ordered message list of one chat room with optimistic
// entries. An echo of a pending send replaces its temporary entry in place,
// so the visible count never grows on echo.
//
// Matching order for an incoming message:
//  1. an entry with the same server id (update in place)
//  2. the pending entry with the same clientMessageId
//  3. a temporary entry whose id equals the incoming id
//  4. the earliest temporary entry from the same sender whose normalized
//     content matches and whose timestamp is within EchoWindow
type Timeline struct {
	mu      sync.Mutex
	items   []domain.Message
	pending map[string]string // clientMessageId -> temp id
	now     func() time.Time
}

// NewTimeline returns an empty timeline. now may be nil.
func NewTimeline(now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{pending: make(map[string]string), now: now}
}

// Reset replaces the contents with msgs, typically a history page.
func (t *Timeline) Reset(msgs []domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append([]domain.Message(nil), msgs...)
	t.pending = make(map[string]string)
}

// AddPending appends an optimistic entry. m must carry a temporary id and a
// ClientMessageID.
func (t *Timeline) AddPending(m domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	t.items = append(t.items, m)
	if m.ClientMessageID != "" {
		t.pending[m.ClientMessageID] = m.ID
	}
}

// Discard removes the optimistic entry of a failed send.
func (t *Timeline) Discard(clientMessageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropPending(clientMessageID)
}

// Apply merges a server message and reports whether it replaced or updated
// an existing entry rather than appending.
func (t *Timeline) Apply(m domain.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}

	if m.ID != "" && !m.IsTemporary() {
		if i := t.indexOf(m.ID); i >= 0 {
			t.items[i] = m
			// The echo landed first as its own entry; the temporary one
			// for the same send must go.
			t.dropPending(m.ClientMessageID)
			return true
		}
	}
	if i := t.match(m); i >= 0 {
		t.forget(t.items[i])
		t.items[i] = m
		return true
	}
	t.items = append(t.items, m)
	return false
}

// MarkOwnRead flips every message sent by senderID to read and returns how
// many changed.
func (t *Timeline) MarkOwnRead(senderID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.items {
		if t.items[i].SenderID == senderID && !t.items[i].IsRead {
			t.items[i].IsRead = true
			n++
		}
	}
	return n
}

// Messages returns a snapshot in display order.
func (t *Timeline) Messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Message(nil), t.items...)
}

// Len returns the number of visible entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Pending returns the number of unacknowledged sends.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Timeline) match(m domain.Message) int {
	if m.ClientMessageID != "" {
		if tempID, ok := t.pending[m.ClientMessageID]; ok {
			if i := t.indexOf(tempID); i >= 0 {
				return i
			}
		}
	}
	if m.ID != "" {
		for i, it := range t.items {
			if it.IsTemporary() && it.ID == m.ID {
				return i
			}
		}
	}
	content := normalizeContent(m.Content)
	for i, it := range t.items {
		if !it.IsTemporary() || it.SenderID != m.SenderID {
			continue
		}
		if normalizeContent(it.Content) != content {
			continue
		}
		if absDuration(m.CreatedAt.Sub(it.CreatedAt)) <= EchoWindow {
			return i
		}
	}
	return -1
}

// dropPending removes the pending send clientMessageID and its temporary
// entry, if any.
func (t *Timeline) dropPending(clientMessageID string) {
	if clientMessageID == "" {
		return
	}
	tempID, ok := t.pending[clientMessageID]
	if !ok {
		return
	}
	delete(t.pending, clientMessageID)
	if i := t.indexOf(tempID); i >= 0 {
		t.items = append(t.items[:i], t.items[i+1:]...)
	}
}

func (t *Timeline) forget(temp domain.Message) {
	if temp.ClientMessageID != "" {
		delete(t.pending, temp.ClientMessageID)
		return
	}
	for k, id := range t.pending {
		if id == temp.ID {
			delete(t.pending, k)
		}
	}
}

func (t *Timeline) indexOf(id string) int {
	for i, it := range t.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// normalizeContent makes equal-looking text compare equal: NFC form,
// trimmed, inner whitespace collapsed.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
