package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/gamechat/gamechat/chat"
	"github.com/gamechat/gamechat/dispatch"
	"github.com/gamechat/gamechat/state"
	"github.com/gamechat/gamechat/timeline"
	"github.com/gamechat/gamechat/view"
)

type Config struct {
	DBPath        string
	BackfillLimit int
	WindowSize    int
	Coalesce      time.Duration
	SendTimeout   time.Duration
}

// Session is the reconciliation engine for one logged-in user: it owns the
// state store, the timelines, the view composer and the dispatcher, and it
// is torn down as a unit at logout.
type Session struct {
	// mu makes each applied sync batch atomic with respect to snapshot
	// composition: readers never see half a batch.
	mu sync.RWMutex

	me   chat.UserID
	conn chat.Connector

	store     *state.Store
	timelines *timeline.Manager
	composer  *view.Composer
	disp      *dispatch.Dispatcher
	markers   *Markers
	db        *bolt.DB

	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Entry
}

func New(me chat.UserID, conn chat.Connector, cfg Config, logger *logrus.Logger) (*Session, error) {
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 50
	}

	db, err := bolt.Open(cfg.DBPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	markers, err := OpenMarkers(db, me, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		me:        me,
		conn:      conn,
		markers:   markers,
		db:        db,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.WithFields(logrus.Fields{"prefix": "session"}),
		store:     state.NewStore(me, logger),
		timelines: timeline.NewManager(conn, logger),
	}
	s.composer = view.NewComposer(s.store, s.timelines, markers, s.mu.RLocker(),
		view.Config{WindowSize: cfg.WindowSize, Coalesce: cfg.Coalesce}, logger)
	s.disp = dispatch.New(ctx, conn, s.store, s.timelines, markers, s.composer.Invalidate,
		dispatch.Config{SendTimeout: cfg.SendTimeout}, logger)
	return s, nil
}

// Run consumes translated sync batches until the feed closes or the session
// is shut down. It is the ingress pump and runs on its own goroutine.
func (s *Session) Run(batches <-chan *chat.SyncBatch) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			s.Apply(batch)
		}
	}
}

// Apply folds one sync batch. Room updates are applied in order; the whole
// batch is atomic with respect to snapshot readers.
func (s *Session) Apply(batch *chat.SyncBatch) {
	var gapRooms []chat.RoomID

	s.mu.Lock()
	for room := range batch.DirectRooms {
		s.store.MarkDirect(room)
	}
	for _, up := range batch.Rooms {
		if s.applyRoom(up) {
			gapRooms = append(gapRooms, up.Room)
		}
	}
	s.mu.Unlock()

	for user, p := range batch.Presence {
		s.composer.SetPresence(user, p)
	}
	s.composer.Invalidate()

	// Gap recovery runs off the ingress goroutine so a slow homeserver
	// never stalls the feed; the room stays detached until it succeeds.
	// A wide gap takes several pages, so keep paging until the live edge
	// reattaches or the walk stops making progress.
	for _, room := range gapRooms {
		room := room
		go func() {
			for s.ctx.Err() == nil {
				added, err := s.disp.RequestBackfill(s.ctx, room, s.cfg.BackfillLimit)
				if err != nil {
					s.logger.Warnf("gap backfill for %s: %v", room, err)
					return
				}
				if s.timelines.Attached(room) {
					return
				}
				if added == 0 {
					s.logger.Warnf("gap recovery for %s stalled", room)
					return
				}
			}
		}()
	}
}

func (s *Session) applyRoom(up chat.RoomUpdate) (gap bool) {
	if up.Archived {
		s.store.Archive(up.Room)
		s.timelines.Remove(up.Room)
		return false
	}

	if up.Gap {
		s.timelines.MarkGap(up.Room, up.PrevBatch)
		gap = !s.timelines.Attached(up.Room)
	} else if up.PrevBatch != "" {
		s.timelines.Prime(up.Room, up.PrevBatch)
	}

	for _, ev := range s.timelines.StampState(up.Room, up.State) {
		s.store.ApplyState(ev)
	}

	events := up.Timeline
	for i := range events {
		if events[i].Sender == s.me && events[i].TxnID == "" {
			if txn, ok := s.disp.ResolveEcho(events[i].ID); ok {
				events[i].TxnID = txn
			}
		}
	}
	s.timelines.AppendLive(up.Room, events)

	// Redactions flip visibility even while the redaction event itself
	// sits in the detach buffer; the flip is idempotent.
	for _, ev := range events {
		if ev.Kind == chat.KindRedaction && ev.Redacts != "" {
			s.timelines.Redact(up.Room, ev.Redacts)
		}
	}

	if up.TypingSet {
		s.composer.SetTyping(up.Room, up.Typing)
	}
	if up.ReadMarker != "" {
		s.markers.Set(up.Room, up.ReadMarker) //nolint:errcheck
	}
	return gap
}

// Updates exposes the composer's snapshot feed to the presentation layer.
func (s *Session) Updates() <-chan *view.Snapshot {
	return s.composer.Updates()
}

// Snapshot composes the current view on demand.
func (s *Session) Snapshot() *view.Snapshot {
	return s.composer.Compose()
}

func (s *Session) SelectRoom(room chat.RoomID) {
	s.composer.SetActive(room)
}

func (s *Session) FocusEvent(ev chat.EventID) {
	s.composer.SetFocus(ev)
}

func (s *Session) SendMessage(room chat.RoomID, body string) string {
	return s.disp.SendMessage(room, body)
}

func (s *Session) RetrySend(txnID string) bool { return s.disp.Retry(txnID) }

func (s *Session) DiscardSend(txnID string) { s.disp.Discard(txnID) }

func (s *Session) MarkRead(room chat.RoomID, upTo chat.EventID) error {
	return s.disp.MarkRead(room, upTo)
}

// LoadOlder pages further into a room's history.
func (s *Session) LoadOlder(ctx context.Context, room chat.RoomID) (int, error) {
	return s.disp.RequestBackfill(ctx, room, s.cfg.BackfillLimit)
}

func (s *Session) JoinRoom(ctx context.Context, roomOrAlias string) (chat.RoomID, error) {
	return s.disp.JoinRoom(ctx, roomOrAlias)
}

func (s *Session) LeaveRoom(ctx context.Context, room chat.RoomID) error {
	return s.disp.LeaveRoom(ctx, room)
}

func (s *Session) RedactMessage(ctx context.Context, room chat.RoomID, target chat.EventID, reason string) error {
	return s.disp.RedactMessage(ctx, room, target, reason)
}

func (s *Session) User() chat.UserID { return s.me }

func (s *Session) DB() *bolt.DB { return s.db }

// Close tears the session down: in-flight work is cancelled, the snapshot
// feed stops and the cache database is closed.
func (s *Session) Close() error {
	s.cancel()
	s.composer.Close()
	return s.db.Close()
}
