// Package reconcile merges optimistic local messages with the durable
// messages the server broadcasts, so a conversation view never shows a
// message twice, loses one, or shows them out of order.
package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"messenger/internal/models"
)

const tempPrefix = "temp-"

// Entry is one row of a conversation view. Provisional rows carry a temporary
// id and the local time they were rendered at.
type Entry struct {
	Message     models.Message
	Provisional bool
}

// Timeline is a single conversation's merged view. It is safe for concurrent
// use.
type Timeline struct {
	mu      sync.Mutex
	entries []Entry
	durable map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{durable: make(map[string]struct{})}
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// AddProvisional renders a message that has not been confirmed yet and
// returns its temporary id.
func (t *Timeline) AddProvisional(senderID, body string, now time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	tempID := tempPrefix + uuid.NewString()
	t.entries = append(t.entries, Entry{
		Message: models.Message{
			ID:        tempID,
			SenderID:  senderID,
			Body:      body,
			CreatedAt: now.UTC(),
		},
		Provisional: true,
	})
	return tempID
}

// ApplyCreated merges a durable message. A message already present is
// ignored. Otherwise the first provisional row from the same sender with the
// same trimmed body is replaced in place; failing that the message is
// inserted at its place in the total order. It reports whether the view
// changed.
func (t *Timeline) ApplyCreated(msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.durable[msg.ID]; ok {
		return false
	}
	t.resolve(t.matchProvisional(msg), msg)
	return true
}

// Confirm resolves the provisional row tempID with the message the server
// acknowledged for it.
func (t *Timeline) Confirm(tempID string, msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(tempID)
	if _, ok := t.durable[msg.ID]; ok {
		// The broadcast beat the ack and already took a provisional row.
		if i >= 0 {
			t.removeAt(i)
			return true
		}
		return false
	}
	if i < 0 {
		i = t.matchProvisional(msg)
	}
	t.resolve(i, msg)
	return true
}

// Fail drops the provisional row tempID and hands its body back so the user
// can retry.
func (t *Timeline) Fail(tempID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(tempID)
	if i < 0 || !t.entries[i].Provisional {
		return "", false
	}
	body := t.entries[i].Message.Body
	t.removeAt(i)
	return body, true
}

func (t *Timeline) ApplyDeleted(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.durable[messageID]; !ok {
		return false
	}
	if i := t.indexOf(messageID); i >= 0 {
		t.removeAt(i)
	}
	return true
}

// Prepend merges an older page of history and returns how many messages were
// new.
func (t *Timeline) Prepend(page []models.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, msg := range page {
		if _, ok := t.durable[msg.ID]; ok {
			continue
		}
		t.insertDurable(msg)
		added++
	}
	return added
}

// Messages returns the durable messages in total order.
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.Message, 0, len(t.durable))
	for _, e := range t.entries {
		if !e.Provisional {
			out = append(out, e.Message)
		}
	}
	return out
}

// Entries returns every row as rendered, provisional ones included.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Oldest returns the id of the oldest durable message, the cursor for the
// next history page.
func (t *Timeline) Oldest() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.Provisional {
			return e.Message.ID, true
		}
	}
	return "", false
}

// The helpers below require t.mu.

func (t *Timeline) matchProvisional(msg models.Message) int {
	body := strings.TrimSpace(msg.Body)
	for i, e := range t.entries {
		if e.Provisional && e.Message.SenderID == msg.SenderID && strings.TrimSpace(e.Message.Body) == body {
			return i
		}
	}
	return -1
}

func (t *Timeline) indexOf(id string) int {
	for i, e := range t.entries {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) removeAt(i int) {
	if !t.entries[i].Provisional {
		delete(t.durable, t.entries[i].Message.ID)
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

// resolve turns the provisional row at i (or nothing when i < 0) into msg.
// The row keeps its slot unless that would put durable rows out of order.
func (t *Timeline) resolve(i int, msg models.Message) {
	if i >= 0 {
		if t.fitsAt(i, msg) {
			t.durable[msg.ID] = struct{}{}
			t.entries[i] = Entry{Message: msg}
			return
		}
		t.removeAt(i)
	}
	t.insertDurable(msg)
}

// fitsAt reports whether msg sorts between the durable rows around slot i.
func (t *Timeline) fitsAt(i int, msg models.Message) bool {
	for j := i - 1; j >= 0; j-- {
		if !t.entries[j].Provisional {
			if !models.Less(t.entries[j].Message, msg) {
				return false
			}
			break
		}
	}
	for j := i + 1; j < len(t.entries); j++ {
		if !t.entries[j].Provisional {
			return models.Less(msg, t.entries[j].Message)
		}
	}
	return true
}

// insertDurable places msg between the durable rows that sort around it.
// Among the provisional rows in that gap it goes before the first one
// rendered after it, so rows with equal keys keep arrival order.
func (t *Timeline) insertDurable(msg models.Message) {
	t.durable[msg.ID] = struct{}{}

	lo, hi := 0, len(t.entries)
	for j, e := range t.entries {
		if e.Provisional {
			continue
		}
		if models.Less(msg, e.Message) {
			hi = j
			break
		}
		lo = j + 1
	}
	at := hi
	for j := lo; j < hi; j++ {
		if models.Less(msg, t.entries[j].Message) {
			at = j
			break
		}
	}

	t.entries = append(t.entries, Entry{})
	copy(t.entries[at+1:], t.entries[at:])
	t.entries[at] = Entry{Message: msg}
}
