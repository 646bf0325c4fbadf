package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamechat/gamechat/chat"
	"github.com/gamechat/gamechat/state"
	"github.com/gamechat/gamechat/timeline"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type sendResult struct {
	id  chat.EventID
	err error
}

// fakeConn hands each send a scripted result and records calls.
type fakeConn struct {
	mu      sync.Mutex
	sends   []string // txn ids in call order
	results chan sendResult

	marked   []chat.EventID
	joined   []string
	left     []chat.RoomID
	redacted []chat.EventID

	backfill *chat.BackfillChunk
}

func newFakeConn() *fakeConn {
	return &fakeConn{results: make(chan sendResult, 8)}
}

func (f *fakeConn) SendMessage(ctx context.Context, room chat.RoomID, content chat.MessageContent, txnID string) (chat.EventID, error) {
	f.mu.Lock()
	f.sends = append(f.sends, txnID)
	f.mu.Unlock()
	res := <-f.results
	return res.id, res.err
}

func (f *fakeConn) RedactMessage(ctx context.Context, room chat.RoomID, target chat.EventID, reason string) (chat.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, target)
	return "$redaction", nil
}

func (f *fakeConn) JoinRoom(ctx context.Context, roomOrAlias string) (chat.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomOrAlias)
	return "!joined", nil
}

func (f *fakeConn) LeaveRoom(ctx context.Context, room chat.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, room)
	return nil
}

func (f *fakeConn) MarkRead(ctx context.Context, room chat.RoomID, upTo chat.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, upTo)
	return nil
}

func (f *fakeConn) Backfill(ctx context.Context, room chat.RoomID, from string, limit int) (*chat.BackfillChunk, error) {
	if f.backfill != nil {
		return f.backfill, nil
	}
	return &chat.BackfillChunk{}, nil
}

type fakeMarkers struct {
	mu sync.Mutex
	m  map[chat.RoomID]chat.EventID
}

func (f *fakeMarkers) Set(room chat.RoomID, ev chat.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[chat.RoomID]chat.EventID)
	}
	f.m[room] = ev
	return nil
}

type fixture struct {
	conn      *fakeConn
	store     *state.Store
	timelines *timeline.Manager
	markers   *fakeMarkers
	notified  chan struct{}
	disp      *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		conn:     newFakeConn(),
		markers:  &fakeMarkers{},
		notified: make(chan struct{}, 64),
	}
	f.store = state.NewStore("@me:x", testLogger())
	f.timelines = timeline.NewManager(f.conn, testLogger())
	notify := func() {
		select {
		case f.notified <- struct{}{}:
		default:
		}
	}
	f.disp = New(context.Background(), f.conn, f.store, f.timelines, f.markers, notify, Config{}, testLogger())
	return f
}

// waitFor polls until the timeline satisfies cond or times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSendMessageOptimisticThenConfirmed(t *testing.T) {
	f := newFixture(t)

	txn := f.disp.SendMessage("!r", "hi")
	require.NotEmpty(t, txn)

	// Exactly one optimistic entry, flagged pending.
	evs := f.timelines.Events("!r")
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Pending)
	assert.Equal(t, "hi", evs[0].Body)

	pm, ok := f.disp.Pending(txn)
	require.True(t, ok)
	assert.Equal(t, StatusPending, pm.Status)

	f.conn.results <- sendResult{id: "$E123"}

	waitFor(t, func() bool {
		evs := f.timelines.Events("!r")
		return len(evs) == 1 && !evs[0].Pending
	})

	// Exactly one entry before and after: the confirmed one.
	evs = f.timelines.Events("!r")
	require.Len(t, evs, 1)
	assert.Equal(t, chat.EventID("$E123"), evs[0].ID)
	assert.Equal(t, "hi", evs[0].Body)

	// The mutation record is gone and the echo stays resolvable.
	_, ok = f.disp.Pending(txn)
	assert.False(t, ok)
	got, ok := f.disp.ResolveEcho("$E123")
	require.True(t, ok)
	assert.Equal(t, txn, got)
}

func TestSendMessageFailRetrySameTxn(t *testing.T) {
	f := newFixture(t)

	txn := f.disp.SendMessage("!r", "hi")
	f.conn.results <- sendResult{err: &chat.TransportError{Op: "send", Attempts: 5}}

	waitFor(t, func() bool {
		evs := f.timelines.Events("!r")
		return len(evs) == 1 && evs[0].Failed
	})

	pm, ok := f.disp.Pending(txn)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, pm.Status)

	require.True(t, f.disp.Retry(txn))
	f.conn.results <- sendResult{id: "$E456"}

	waitFor(t, func() bool {
		evs := f.timelines.Events("!r")
		return len(evs) == 1 && !evs[0].Pending
	})

	// The retry reused the original transaction id.
	f.conn.mu.Lock()
	defer f.conn.mu.Unlock()
	require.Len(t, f.conn.sends, 2)
	assert.Equal(t, f.conn.sends[0], f.conn.sends[1])
	assert.Equal(t, txn, f.conn.sends[0])
}

func TestDiscardFailedSend(t *testing.T) {
	f := newFixture(t)

	txn := f.disp.SendMessage("!r", "hi")
	f.conn.results <- sendResult{err: &chat.TransportError{Op: "send", Attempts: 5}}

	waitFor(t, func() bool {
		evs := f.timelines.Events("!r")
		return len(evs) == 1 && evs[0].Failed
	})

	f.disp.Discard(txn)
	assert.Empty(t, f.timelines.Events("!r"))
	_, ok := f.disp.Pending(txn)
	assert.False(t, ok)
}

func TestRetryUnknownTxn(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.disp.Retry("nope"))
}

func TestMarkReadUpdatesMarkerAndServer(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.disp.MarkRead("!r", "$3"))
	assert.Equal(t, chat.EventID("$3"), f.markers.m["!r"])

	waitFor(t, func() bool {
		f.conn.mu.Lock()
		defer f.conn.mu.Unlock()
		return len(f.conn.marked) == 1
	})
}

func TestLeaveRoomArchives(t *testing.T) {
	f := newFixture(t)

	f.store.ApplyState(chat.StateEvent{
		Room:     "!r",
		Type:     "m.room.member",
		StateKey: "@me:x",
		Token:    1,
		Content:  chat.MemberContent{Membership: chat.MembershipJoined},
	})
	f.timelines.AppendLive("!r", []chat.TimelineEvent{{ID: "$1", Kind: chat.KindMessage}})

	require.NoError(t, f.disp.LeaveRoom(context.Background(), "!r"))
	assert.True(t, f.store.Room("!r").Archived)
	assert.Empty(t, f.timelines.Events("!r"))
}

func TestRequestBackfillFoldsState(t *testing.T) {
	f := newFixture(t)

	f.timelines.Prime("!r", "t0")
	f.timelines.AppendLive("!r", []chat.TimelineEvent{{ID: "$live", Kind: chat.KindMessage}})
	f.conn.backfill = &chat.BackfillChunk{
		Events: []chat.TimelineEvent{{ID: "$old", Kind: chat.KindMessage}},
		State: []chat.StateEvent{{
			Room:     "!r",
			Type:     "m.room.member",
			StateKey: "@alice:x",
			Content:  chat.MemberContent{Membership: chat.MembershipJoined},
		}},
		End: "",
	}

	added, err := f.disp.RequestBackfill(context.Background(), "!r", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, chat.MembershipJoined, f.store.Room("!r").Members["@alice:x"].Membership)
}
