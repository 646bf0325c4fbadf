package timeline

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gamechat/gamechat/chat"
)

// Manager owns every room timeline. It is one of the two writable stores;
// only ingress and the dispatcher call its mutating methods.
type Manager struct {
	mu     sync.RWMutex
	conn   chat.Connector
	rooms  map[chat.RoomID]*timeline
	logger *logrus.Entry
}

func NewManager(conn chat.Connector, logger *logrus.Logger) *Manager {
	return &Manager{
		conn:   conn,
		rooms:  make(map[chat.RoomID]*timeline),
		logger: logger.WithFields(logrus.Fields{"prefix": "timeline"}),
	}
}

func (m *Manager) room(id chat.RoomID) *timeline {
	t, ok := m.rooms[id]
	if !ok {
		t = newTimeline(id)
		m.rooms[id] = t
	}
	return t
}

// Prime records the history cursor delivered with a room's first timeline
// chunk so later pagination knows where to start.
func (m *Manager) Prime(room chat.RoomID, prevBatch string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)
	if t.backStart == "" && !t.atStart {
		t.backStart = prevBatch
	}
}

// AppendLive extends the live edge with a batch of confirmed events, in
// order. While the live edge is detached the batch is buffered instead.
// Returns the number of events made visible.
func (m *Manager) AppendLive(room chat.RoomID, events []chat.TimelineEvent) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)
	if !t.attached {
		t.buffer = append(t.buffer, events...)
		m.logger.Debugf("%s detached, buffered %d events", room, len(events))
		return 0
	}

	applied := 0
	for _, ev := range events {
		if t.knows(ev.ID) {
			continue
		}
		t.reconcile(ev)
		t.append(ev)
		applied++
	}
	return applied
}

// StampState assigns live-edge tokens to a batch of state events so the
// state store can fold them with last-writer-wins semantics.
func (m *Manager) StampState(room chat.RoomID, events []chat.StateEvent) []chat.StateEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)
	for i := range events {
		events[i].Token = t.next
		t.next++
	}
	return events
}

// MarkGap detaches the room's live edge. Until Backfill succeeds, live
// appends are buffered.
func (m *Manager) MarkGap(room chat.RoomID, prevBatch string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)
	if len(t.events) == 0 {
		// Nothing is loaded yet, so there is no gap to fill; the
		// server token is just our history cursor.
		if t.backStart == "" {
			t.backStart = prevBatch
		}
		return
	}
	t.attached = false
	t.gapStart = prevBatch
	// A new discontinuity invalidates any partial walk of the old one.
	t.gapSpan = nil
	m.logger.Warn((&chat.GapError{Room: room, PrevBatch: prevBatch}).Error())
}

func (m *Manager) Attached(room chat.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.rooms[room]
	return !ok || t.attached
}

// BackfillResult reports what a backfill changed. State events found in the
// fetched history are returned for the caller to fold.
type BackfillResult struct {
	// Added counts events made visible; during a paused gap walk it counts
	// events recovered toward the gap instead, so callers can tell
	// progress from a stall.
	Added    int
	AtStart  bool
	Attached bool
	State    []chat.StateEvent
}

// Backfill fetches older history. With the live edge attached it paginates
// backward from the oldest-loaded cursor and prepends; detached, it walks the
// gap back from the discontinuity, reattaching only once the walk meets the
// loaded timeline (a wide gap may take several calls). Fetched pages are
// applied in one step after the network calls finish, so a cancelled or
// failed backfill changes nothing. Duplicate event ids are dropped, which
// makes retries of the same range idempotent.
func (m *Manager) Backfill(ctx context.Context, room chat.RoomID, limit int) (*BackfillResult, error) {
	m.mu.Lock()
	t := m.room(room)
	detached := !t.attached
	from := t.backStart
	if detached {
		from = t.gapStart
	}
	atStart := t.atStart
	m.mu.Unlock()

	if detached {
		return m.fillGap(ctx, room, from, limit)
	}
	if atStart || from == "" {
		return &BackfillResult{AtStart: atStart, Attached: true}, nil
	}

	chunk, err := m.conn.Backfill(ctx, room, from, limit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var fresh []chat.TimelineEvent
	// Chunks arrive newest first; flip to timeline order.
	for i := len(chunk.Events) - 1; i >= 0; i-- {
		ev := chunk.Events[i]
		if !t.knows(ev.ID) {
			fresh = append(fresh, ev)
		}
	}
	t.prepend(fresh)
	t.backStart = chunk.End
	if chunk.End == "" {
		t.atStart = true
	}

	// Historical state gets tokens below the oldest entry so it can never
	// override newer folds.
	st := make([]chat.StateEvent, 0, len(chunk.State))
	for _, ev := range chunk.State {
		ev.Token = t.back
		t.back--
		st = append(st, ev)
	}

	return &BackfillResult{Added: len(fresh), AtStart: t.atStart, Attached: true, State: st}, nil
}

// fillGap walks backward from the discontinuity until it reaches an event we
// already have or the start of history, then appends the recovered span,
// flushes the buffer and reattaches. When the fetch budget runs out first the
// partial span is held aside and the room stays detached, so the next call
// resumes the walk instead of losing the unfetched middle of the gap.
func (m *Manager) fillGap(ctx context.Context, room chat.RoomID, from string, limit int) (*BackfillResult, error) {
	m.mu.RLock()
	var span []chat.TimelineEvent
	if t, ok := m.rooms[room]; ok {
		span = append(span, t.gapSpan...)
	}
	m.mu.RUnlock()

	overlap := false
	fetched := 0

	for fetched < limit && from != "" && !overlap {
		chunk, err := m.conn.Backfill(ctx, room, from, limit)
		if err != nil {
			return nil, err
		}
		if len(chunk.Events) == 0 {
			break
		}
		for _, ev := range chunk.Events {
			fetched++
			m.mu.RLock()
			known := false
			if t, ok := m.rooms[room]; ok {
				known = t.knows(ev.ID)
			}
			m.mu.RUnlock()
			if known {
				overlap = true
				break
			}
			span = append(span, ev)
		}
		from = chunk.End
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)

	if !overlap && from != "" {
		// Known ground is still ahead. Reattaching here would silently
		// drop everything between the cursor and the loaded timeline, so
		// hold what was recovered and resume the walk next call.
		t.gapSpan = span
		t.gapStart = from
		m.logger.Debugf("%s gap walk paused after %d events, resume at %q", room, len(span), from)
		return &BackfillResult{Added: fetched}, nil
	}

	applied := 0

	// span is newest-first; the gap replays oldest-first at the live edge.
	for i := len(span) - 1; i >= 0; i-- {
		ev := span[i]
		if t.knows(ev.ID) {
			continue
		}
		t.reconcile(ev)
		t.append(ev)
		applied++
	}

	for _, ev := range t.buffer {
		if t.knows(ev.ID) {
			continue
		}
		t.reconcile(ev)
		t.append(ev)
		applied++
	}
	t.buffer = nil
	t.attached = true
	t.gapStart = ""
	t.gapSpan = nil

	m.logger.Infof("%s gap closed, %d events recovered", room, applied)
	return &BackfillResult{Added: applied, Attached: true}, nil
}

// Redact hides an event's content. Position and timeline length are
// untouched so positional consumers stay valid.
func (m *Manager) Redact(room chat.RoomID, target chat.EventID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room(room).redact(target)
}

// AppendPending adds an optimistic entry after everything currently known in
// the room and returns its provisional token.
func (m *Manager) AppendPending(ev chat.TimelineEvent) chat.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(ev.Room)
	ev.Pending = true
	ev.Token = t.next
	t.next++
	t.pending = append(t.pending, ev)
	return ev.Token
}

// ConfirmPending swaps the optimistic entry for the authoritative one. If the
// sync echo already delivered the confirmed event, the optimistic entry is
// simply dropped; either way exactly one copy remains.
func (m *Manager) ConfirmPending(room chat.RoomID, txnID string, id chat.EventID, ts int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)
	i := t.findPending(txnID)
	if i < 0 {
		return false
	}
	ev := t.pending[i]
	t.pending = append(t.pending[:i], t.pending[i+1:]...)

	if t.knows(id) {
		return true
	}
	ev.ID = id
	ev.Pending = false
	ev.Failed = false
	if ts != 0 {
		ev.Timestamp = ts
	}
	if t.attached {
		t.append(ev)
	} else {
		t.buffer = append(t.buffer, ev)
	}
	return true
}

// FailPending flags the optimistic entry so the user can retry or discard.
func (m *Manager) FailPending(room chat.RoomID, txnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)
	if i := t.findPending(txnID); i >= 0 {
		t.pending[i].Failed = true
	}
}

// ResetPending clears the failed flag before a retry of the same txn id.
func (m *Manager) ResetPending(room chat.RoomID, txnID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)
	if i := t.findPending(txnID); i >= 0 {
		t.pending[i].Failed = false
		return true
	}
	return false
}

// DropPending discards a failed optimistic entry.
func (m *Manager) DropPending(room chat.RoomID, txnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.room(room)
	if i := t.findPending(txnID); i >= 0 {
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
	}
}

// Events returns the room's visible entries (confirmed plus optimistic tail)
// as a copy safe to hand out.
func (m *Manager) Events(room chat.RoomID) []chat.TimelineEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.rooms[room]
	if !ok {
		return nil
	}
	return t.merged()
}

// Window returns a bounded slice around focus, or the tail when focus is
// empty or unknown.
func (m *Manager) Window(room chat.RoomID, focus chat.EventID, size int) []chat.TimelineEvent {
	evs := m.Events(room)
	if size <= 0 || len(evs) <= size {
		return evs
	}

	center := -1
	if focus != "" {
		for i, ev := range evs {
			if ev.ID == focus {
				center = i
				break
			}
		}
	}
	if center < 0 {
		return evs[len(evs)-size:]
	}

	lo := center - size/2
	if lo < 0 {
		lo = 0
	}
	hi := lo + size
	if hi > len(evs) {
		hi = len(evs)
		lo = hi - size
	}
	return evs[lo:hi]
}

func (m *Manager) Newest(room chat.RoomID) (chat.TimelineEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.rooms[room]
	if !ok {
		return chat.TimelineEvent{}, false
	}
	return t.newest()
}

// CountAfter counts confirmed events after the read marker. No marker means
// nothing is unread.
func (m *Manager) CountAfter(room chat.RoomID, marker chat.EventID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.rooms[room]
	if !ok {
		return 0
	}
	return t.countAfter(marker)
}

func (m *Manager) PendingCount(room chat.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.rooms[room]
	if !ok {
		return 0
	}
	return len(t.pending)
}

// Remove drops a room's timeline after the local user leaves it.
func (m *Manager) Remove(room chat.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room)
}
