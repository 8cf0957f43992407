package chat

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/popchat/backend/internal/model/chat"
)

// ErrInvalidAuthor is returned when a message carries an unknown author tag.
var ErrInvalidAuthor = errors.New("invalid message author")

// Listener observes appended messages in insertion order.
type Listener func(msg chat.Message)

// MessageLog is the append-only ordered record of one session's chat entries.
//
// Listeners run synchronously after each append, in the order messages were
// appended. A listener may read the log but must not append to it.
type MessageLog struct {
	sessionID string

	// notifyMu serialises append+notify so listeners observe log order.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	items     []chat.Message
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

// NewMessageLog creates an empty log for the session.
func NewMessageLog(sessionID string) *MessageLog {
	return &MessageLog{
		sessionID: sessionID,
		items:     make([]chat.Message, 0, 16),
		listeners: make(map[int]Listener),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append adds a message at the end of the log and notifies listeners.
func (l *MessageLog) Append(content chat.Content, author chat.Author) (chat.Message, error) {
	if !author.Valid() {
		return chat.Message{}, ErrInvalidAuthor
	}

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	msg := chat.Message{
		ID:        uuid.NewString(),
		SessionID: l.sessionID,
		Seq:       len(l.items) + 1,
		Author:    author,
		Content:   content,
		CreatedAt: l.now(),
	}
	l.items = append(l.items, msg)
	listeners := l.snapshotListeners()
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
	return msg, nil
}

// AppendText is Append for plain text content.
func (l *MessageLog) AppendText(text string, author chat.Author) (chat.Message, error) {
	return l.Append(chat.TextContent(text), author)
}

// Subscribe registers fn for future appends. The returned func removes it.
func (l *MessageLog) Subscribe(fn Listener) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Messages returns a copy of the log in display order.
func (l *MessageLog) Messages() []chat.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	copied := make([]chat.Message, len(l.items))
	copy(copied, l.items)
	return copied
}

// Since returns the messages with Seq greater than seq.
func (l *MessageLog) Since(seq int) []chat.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq < 0 {
		seq = 0
	}
	if seq >= len(l.items) {
		return nil
	}
	copied := make([]chat.Message, len(l.items)-seq)
	copy(copied, l.items[seq:])
	return copied
}

// Len returns the number of entries.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Last returns the newest entry, the current scroll target.
func (l *MessageLog) Last() (chat.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.items) == 0 {
		return chat.Message{}, false
	}
	return l.items[len(l.items)-1], true
}

// snapshotListeners must be called with mu held.
func (l *MessageLog) snapshotListeners() []Listener {
	if len(l.listeners) == 0 {
		return nil
	}
	ids := make([]int, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids) // registration order
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.listeners[id])
	}
	return out
}
