package roomsync

import (
	"context"
	"sort"
	"sync"
)

// PageSize is the fixed number of messages per history page.
const PageSize = 20

// HistoryProvider fetches one page of historical messages for a room,
// ordered oldest-first within the page. Implemented by Client.History.
type HistoryProvider interface {
	RoomMessages(ctx context.Context, roomID int64, page, limit int) ([]Message, error)
}

// Timeline holds the ordered, deduplicated message list for the active room
// plus its backward-pagination cursor. History pages are only ever prepended
// and live messages only ever appended, so history always precedes the live
// segment by construction.
//
// Mutated only by the connection manager (AppendLive) and the presentation
// caller (FetchPage, Clear); all methods are safe for concurrent use.
type Timeline struct {
	history HistoryProvider

	mu           sync.Mutex
	roomID       int64
	messages     []Message
	seen         map[int64]struct{}
	hasMoreOlder bool
	oldestPage   int
	loadingOlder bool
	lastError    string

	// gen is bumped by Clear. A fetch that left before the bump belongs to
	// a previous room binding and its response is discarded on return.
	gen int
}

// NewTimeline creates an empty timeline backed by the given history source.
func NewTimeline(history HistoryProvider) *Timeline {
	return &Timeline{
		history:      history,
		seen:         make(map[int64]struct{}),
		hasMoreOlder: true,
	}
}

// FetchPage loads one history page for roomID. Page 1 (or reset) replaces
// the timeline wholesale; later pages are prepended in front of what is
// already loaded. A fetch already in flight makes this call a no-op.
//
// A failed fetch records the error without touching already-loaded messages;
// re-invoking FetchPage retries. A Clear while the fetch is out discards the
// response entirely: the results belong to the room binding that was cleared.
func (t *Timeline) FetchPage(ctx context.Context, roomID int64, page int, reset bool) error {
	if page < 1 {
		page = 1
	}

	t.mu.Lock()
	if t.loadingOlder {
		t.mu.Unlock()
		return nil
	}
	t.loadingOlder = true
	t.lastError = ""
	gen := t.gen
	t.mu.Unlock()

	msgs, err := t.history.RoomMessages(ctx, roomID, page, PageSize)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		// Cleared mid-flight. The loading flag now belongs to whatever
		// fetch started after the Clear, so leave it alone too.
		return nil
	}
	t.loadingOlder = false

	if err != nil {
		t.lastError = err.Error()
		return err
	}

	// Pages arrive oldest-first but the order within a page is re-derived
	// locally for determinism: CreatedAt ascending, ties by ID.
	sorted := append([]Message(nil), msgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	if page == 1 || reset {
		t.roomID = roomID
		t.messages = t.messages[:0]
		t.seen = make(map[int64]struct{}, len(sorted))
		for _, m := range sorted {
			if _, dup := t.seen[m.ID]; dup {
				continue
			}
			t.seen[m.ID] = struct{}{}
			t.messages = append(t.messages, m)
		}
		t.oldestPage = page
	} else {
		fresh := make([]Message, 0, len(sorted))
		for _, m := range sorted {
			if _, dup := t.seen[m.ID]; dup {
				continue
			}
			t.seen[m.ID] = struct{}{}
			fresh = append(fresh, m)
		}
		t.messages = append(fresh, t.messages...)
		t.oldestPage = page
	}

	// Fewer than a full page signals history exhaustion.
	t.hasMoreOlder = len(msgs) == PageSize
	return nil
}

// AppendLive inserts a live-pushed message at the tail. A message whose ID
// is already present (a replay after reconnect) is dropped, as is a message
// for a room other than the bound one (a straggler that raced a room
// switch). Live messages keep arrival order even when their CreatedAt is
// older than the current tail; any visual re-ordering is the rendering
// layer's concern.
func (t *Timeline) AppendLive(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.roomID != 0 && m.RoomID != 0 && m.RoomID != t.roomID {
		return false
	}
	if _, dup := t.seen[m.ID]; dup {
		return false
	}
	t.seen[m.ID] = struct{}{}
	t.messages = append(t.messages, m)
	return true
}

// Clear resets the timeline to empty. Invoked on room deactivation and
// before activating a new room so no messages leak across rooms. Any fetch
// still in flight is orphaned: its response will be discarded on return.
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomID = 0
	t.messages = nil
	t.seen = make(map[int64]struct{})
	t.hasMoreOlder = true
	t.oldestPage = 0
	t.loadingOlder = false
	t.lastError = ""
	t.gen++
}

// bind pins the timeline to a room before its first page loads, so live
// appends for any other room are rejected from the moment of activation.
func (t *Timeline) bind(roomID int64) {
	t.mu.Lock()
	t.roomID = roomID
	t.mu.Unlock()
}

// Messages returns a snapshot copy of the current timeline.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}

// Len returns the number of retained messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Room returns the room the timeline was last loaded for.
func (t *Timeline) Room() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomID
}

// HasMoreOlder reports whether an older history page may still exist.
func (t *Timeline) HasMoreOlder() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMoreOlder
}

// OldestLoadedPage returns the highest page number loaded so far.
func (t *Timeline) OldestLoadedPage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oldestPage
}

// IsLoadingOlder reports whether a page fetch is currently in flight.
func (t *Timeline) IsLoadingOlder() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadingOlder
}

// LastError returns the most recent fetch error, or "" after a success.
func (t *Timeline) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}
