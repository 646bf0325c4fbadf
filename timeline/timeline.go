package timeline

import (
	"github.com/gamechat/gamechat/chat"
)

type reactionRef struct {
	target chat.EventID
	key    string
}

// timeline is the per-room ordered event sequence. All access goes through
// the Manager's lock.
type timeline struct {
	room chat.RoomID

	// events holds confirmed entries in ascending token order; the slice
	// is only ever appended to (live) or prepended to (backfill).
	events []chat.TimelineEvent
	index  map[chat.EventID]int

	// pending holds optimistic local entries, rendered after events.
	pending []chat.TimelineEvent

	// buffer holds live events that arrived while the live edge was
	// detached; they are stamped and appended once the gap closes.
	buffer []chat.TimelineEvent

	next chat.Token // next live/pending token, counts up from 1
	back chat.Token // next backfill token, counts down from 0

	attached bool
	gapStart string // where a gap backfill resumes, set while detached

	// gapSpan accumulates gap events (newest first) across partial walks
	// when one backfill budget is not enough to reach known ground.
	gapSpan []chat.TimelineEvent

	// backStart is the oldest-loaded cursor; it only ever moves further
	// into history. atStart means history is fully loaded.
	backStart string
	atStart   bool

	reactions  map[chat.EventID]map[string]int
	reactionOf map[chat.EventID]reactionRef
}

func newTimeline(room chat.RoomID) *timeline {
	return &timeline{
		room:       room,
		index:      make(map[chat.EventID]int),
		next:       1,
		attached:   true,
		reactions:  make(map[chat.EventID]map[string]int),
		reactionOf: make(map[chat.EventID]reactionRef),
	}
}

func (t *timeline) knows(id chat.EventID) bool {
	_, ok := t.index[id]
	return ok
}

// append stamps ev with the next live token and adds it at the live edge.
func (t *timeline) append(ev chat.TimelineEvent) chat.TimelineEvent {
	ev.Room = t.room
	ev.Token = t.next
	t.next++
	t.index[ev.ID] = len(t.events)
	t.events = append(t.events, ev)
	t.note(ev)
	return ev
}

// prepend stamps events (given in ascending order) with tokens below every
// known token and inserts them before the oldest entry.
func (t *timeline) prepend(evs []chat.TimelineEvent) {
	for i := len(evs) - 1; i >= 0; i-- {
		evs[i].Room = t.room
		evs[i].Token = t.back
		t.back--
	}
	t.events = append(evs, t.events...)
	t.index = make(map[chat.EventID]int, len(t.events))
	for i, ev := range t.events {
		t.index[ev.ID] = i
	}
	for _, ev := range evs {
		t.note(ev)
	}
}

// note updates the reaction aggregate for a newly inserted event.
func (t *timeline) note(ev chat.TimelineEvent) {
	if ev.Kind != chat.KindReaction || ev.RelatesTo == "" || ev.ReactionKey == "" {
		return
	}
	m := t.reactions[ev.RelatesTo]
	if m == nil {
		m = make(map[string]int)
		t.reactions[ev.RelatesTo] = m
	}
	m[ev.ReactionKey]++
	t.reactionOf[ev.ID] = reactionRef{target: ev.RelatesTo, key: ev.ReactionKey}
}

// redact hides the target's content without touching its position. Redacting
// a reaction also reverses its aggregate.
func (t *timeline) redact(target chat.EventID) bool {
	i, ok := t.index[target]
	if !ok {
		return false
	}
	ev := t.events[i]
	if ev.Redacted {
		return true
	}
	ev.Redacted = true
	ev.Body = ""
	ev.ReplyPreview = ""
	t.events[i] = ev

	if ref, ok := t.reactionOf[target]; ok {
		if m := t.reactions[ref.target]; m != nil {
			m[ref.key]--
			if m[ref.key] <= 0 {
				delete(m, ref.key)
			}
			if len(m) == 0 {
				delete(t.reactions, ref.target)
			}
		}
		delete(t.reactionOf, target)
	}
	return true
}

// reconcile drops the optimistic copy matching an incoming confirmed event.
// Reports whether a pending entry was removed.
func (t *timeline) reconcile(ev chat.TimelineEvent) bool {
	if ev.TxnID == "" {
		return false
	}
	for i, p := range t.pending {
		if p.TxnID == ev.TxnID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (t *timeline) findPending(txnID string) int {
	for i, p := range t.pending {
		if p.TxnID == txnID {
			return i
		}
	}
	return -1
}

// merged returns a copy of confirmed entries plus the pending tail, with
// reaction aggregates attached.
func (t *timeline) merged() []chat.TimelineEvent {
	out := make([]chat.TimelineEvent, 0, len(t.events)+len(t.pending))
	out = append(out, t.events...)
	out = append(out, t.pending...)
	for i := range out {
		if m, ok := t.reactions[out[i].ID]; ok {
			agg := make(map[string]int, len(m))
			for k, v := range m {
				agg[k] = v
			}
			out[i].Reactions = agg
		}
	}
	return out
}

func (t *timeline) countAfter(marker chat.EventID) int {
	if marker == "" {
		return 0
	}
	i, ok := t.index[marker]
	if !ok {
		// Marker points before the oldest loaded event.
		return len(t.events)
	}
	return len(t.events) - i - 1
}

func (t *timeline) newest() (chat.TimelineEvent, bool) {
	if len(t.events) == 0 {
		return chat.TimelineEvent{}, false
	}
	return t.events[len(t.events)-1], true
}
