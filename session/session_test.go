package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/gamechat/gamechat/chat"
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

type fakeConn struct {
	mu      sync.Mutex
	pages   map[string]*chat.BackfillChunk
	results chan sendResult
	sends   []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		pages:   make(map[string]*chat.BackfillChunk),
		results: make(chan sendResult, 8),
	}
}

func (f *fakeConn) SendMessage(ctx context.Context, room chat.RoomID, content chat.MessageContent, txnID string) (chat.EventID, error) {
	f.mu.Lock()
	f.sends = append(f.sends, txnID)
	f.mu.Unlock()
	res := <-f.results
	return res.id, res.err
}

func (f *fakeConn) RedactMessage(ctx context.Context, room chat.RoomID, target chat.EventID, reason string) (chat.EventID, error) {
	return "$redaction", nil
}

func (f *fakeConn) JoinRoom(ctx context.Context, roomOrAlias string) (chat.RoomID, error) {
	return "!joined", nil
}

func (f *fakeConn) LeaveRoom(ctx context.Context, room chat.RoomID) error { return nil }

func (f *fakeConn) MarkRead(ctx context.Context, room chat.RoomID, upTo chat.EventID) error {
	return nil
}

func (f *fakeConn) Backfill(ctx context.Context, room chat.RoomID, from string, limit int) (*chat.BackfillChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chunk, ok := f.pages[from]; ok {
		return chunk, nil
	}
	return &chat.BackfillChunk{}, nil
}

func newTestSession(t *testing.T, conn *fakeConn) *Session {
	t.Helper()
	s, err := New("@me:x", conn, Config{
		DBPath: filepath.Join(t.TempDir(), "cache.db"),
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

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

func eventIDs(evs []chat.TimelineEvent) []chat.EventID {
	var out []chat.EventID
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}

func TestApplyFoldsStateAndTimeline(t *testing.T) {
	s := newTestSession(t, newFakeConn())

	s.Apply(&chat.SyncBatch{
		NextBatch: "s1",
		Rooms: []chat.RoomUpdate{{
			Room: "!r",
			State: []chat.StateEvent{
				{
					Room:     "!r",
					Type:     "m.room.member",
					StateKey: "@me:x",
					Content:  chat.MemberContent{Membership: chat.MembershipJoined},
				},
				{
					Room:    "!r",
					Type:    "m.room.name",
					Content: chat.NameContent{Name: "General"},
				},
			},
			Timeline: []chat.TimelineEvent{{
				ID:     "$1",
				Sender: "@a:x",
				Kind:   chat.KindMessage,
				Body:   "hello",
			}},
		}},
	})

	room := s.store.Room("!r")
	assert.Equal(t, chat.MembershipJoined, room.Members["@me:x"].Membership)
	assert.Equal(t, "General", room.Name)

	evs := s.timelines.Events("!r")
	require.Len(t, evs, 1)
	assert.Equal(t, chat.EventID("$1"), evs[0].ID)

	// The timeline message outranks the preceding state events.
	assert.Greater(t, evs[0].Token, chat.Token(0))
}

func TestApplyGapTriggersRecovery(t *testing.T) {
	conn := newFakeConn()
	conn.pages["gap"] = &chat.BackfillChunk{
		// Newest first, like the protocol client delivers history.
		Events: []chat.TimelineEvent{
			{ID: "$missed", Sender: "@a:x", Kind: chat.KindMessage, Body: "missed"},
			{ID: "$1", Sender: "@a:x", Kind: chat.KindMessage, Body: "known"},
		},
		End: "t-1",
	}
	s := newTestSession(t, conn)

	s.Apply(&chat.SyncBatch{
		Rooms: []chat.RoomUpdate{{
			Room:      "!r",
			PrevBatch: "t0",
			Timeline:  []chat.TimelineEvent{{ID: "$1", Sender: "@a:x", Kind: chat.KindMessage, Body: "known"}},
		}},
	})

	s.Apply(&chat.SyncBatch{
		Rooms: []chat.RoomUpdate{{
			Room:      "!r",
			Gap:       true,
			PrevBatch: "gap",
			Timeline:  []chat.TimelineEvent{{ID: "$after", Sender: "@a:x", Kind: chat.KindMessage, Body: "after"}},
		}},
	})

	// The gap fill runs off the ingress path; wait for it to close.
	waitFor(t, func() bool { return s.timelines.Attached("!r") })
	assert.Equal(t, []chat.EventID{"$1", "$missed", "$after"}, eventIDs(s.timelines.Events("!r")))
}

func TestApplyResolvesOwnEcho(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn)

	txn := s.SendMessage("!r", "hi")
	conn.results <- sendResult{id: "$E123"}

	waitFor(t, func() bool {
		evs := s.timelines.Events("!r")
		return len(evs) == 1 && !evs[0].Pending
	})

	// The sync echo comes back without a transaction id; the dispatcher's
	// record of the confirmed send keeps it from duplicating.
	s.Apply(&chat.SyncBatch{
		Rooms: []chat.RoomUpdate{{
			Room:     "!r",
			Timeline: []chat.TimelineEvent{{ID: "$E123", Sender: "@me:x", Kind: chat.KindMessage, Body: "hi"}},
		}},
	})

	evs := s.timelines.Events("!r")
	require.Len(t, evs, 1)
	assert.Equal(t, chat.EventID("$E123"), evs[0].ID)
	assert.NotEmpty(t, txn)
}

func TestApplyRedactionInBatch(t *testing.T) {
	s := newTestSession(t, newFakeConn())

	s.Apply(&chat.SyncBatch{
		Rooms: []chat.RoomUpdate{{
			Room:     "!r",
			Timeline: []chat.TimelineEvent{{ID: "$1", Sender: "@a:x", Kind: chat.KindMessage, Body: "secret"}},
		}},
	})
	s.Apply(&chat.SyncBatch{
		Rooms: []chat.RoomUpdate{{
			Room: "!r",
			Timeline: []chat.TimelineEvent{{
				ID: "$2", Sender: "@a:x", Kind: chat.KindRedaction, Redacts: "$1",
			}},
		}},
	})

	evs := s.timelines.Events("!r")
	require.Len(t, evs, 2)
	assert.True(t, evs[0].Redacted)
	assert.Empty(t, evs[0].Body)
}

func TestApplyArchivedRoom(t *testing.T) {
	s := newTestSession(t, newFakeConn())

	s.Apply(&chat.SyncBatch{
		Rooms: []chat.RoomUpdate{{
			Room: "!r",
			State: []chat.StateEvent{{
				Room:     "!r",
				Type:     "m.room.member",
				StateKey: "@me:x",
				Content:  chat.MemberContent{Membership: chat.MembershipJoined},
			}},
			Timeline: []chat.TimelineEvent{{ID: "$1", Sender: "@a:x", Kind: chat.KindMessage}},
		}},
	})
	s.Apply(&chat.SyncBatch{
		Rooms: []chat.RoomUpdate{{Room: "!r", Archived: true}},
	})

	assert.True(t, s.store.Room("!r").Archived)
	assert.Empty(t, s.timelines.Events("!r"))
}

func TestApplyReadMarker(t *testing.T) {
	s := newTestSession(t, newFakeConn())

	s.Apply(&chat.SyncBatch{
		Rooms: []chat.RoomUpdate{{
			Room:       "!r",
			Timeline:   []chat.TimelineEvent{{ID: "$1", Sender: "@a:x", Kind: chat.KindMessage}},
			ReadMarker: "$1",
		}},
	})

	assert.Equal(t, chat.EventID("$1"), s.markers.Marker("!r"))
}

func TestMarkersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)

	m, err := OpenMarkers(db, "@me:x", testLogger())
	require.NoError(t, err)
	require.NoError(t, m.Set("!r", "$5"))
	require.NoError(t, db.Close())

	db, err = bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	m, err = OpenMarkers(db, "@me:x", testLogger())
	require.NoError(t, err)
	assert.Equal(t, chat.EventID("$5"), m.Marker("!r"))
	assert.Empty(t, m.Marker("!other"))
}

func TestMarkersIsolatedPerUser(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "cache.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	mine, err := OpenMarkers(db, "@me:x", testLogger())
	require.NoError(t, err)
	theirs, err := OpenMarkers(db, "@other:x", testLogger())
	require.NoError(t, err)

	require.NoError(t, mine.Set("!r", "$5"))
	assert.Empty(t, theirs.Marker("!r"))
}

func TestProfilesRoundTrip(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "cache.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, SaveProfile(db, Profile{
		UserID:     "@zed:x",
		Homeserver: "https://x",
	}))
	require.NoError(t, SaveProfile(db, Profile{
		UserID:      "@alice:x",
		Homeserver:  "https://x",
		AccessToken: "tok",
		DeviceID:    "DEV",
	}))

	profiles, err := Profiles(db)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, chat.UserID("@alice:x"), profiles[0].UserID)
	assert.Equal(t, "tok", profiles[0].AccessToken)
	assert.Equal(t, chat.UserID("@zed:x"), profiles[1].UserID)

	// Saving again replaces, not duplicates.
	require.NoError(t, SaveProfile(db, Profile{UserID: "@alice:x", DeviceID: "DEV2"}))
	profiles, err = Profiles(db)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "DEV2", profiles[0].DeviceID)

	require.NoError(t, DeleteProfile(db, "@alice:x"))
	profiles, err = Profiles(db)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, chat.UserID("@zed:x"), profiles[0].UserID)
}
