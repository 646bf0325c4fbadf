package view

import (
	"sort"
	"sync"
	"time"

	"github.com/desertbit/timer"
	"github.com/sirupsen/logrus"

	"github.com/gamechat/gamechat/chat"
	"github.com/gamechat/gamechat/state"
	"github.com/gamechat/gamechat/timeline"
)

// Markers resolves the local user's last-read marker per room.
type Markers interface {
	Marker(room chat.RoomID) chat.EventID
}

// RoomSummary is one row of the room rail, fully derived.
type RoomSummary struct {
	ID    chat.RoomID
	Kind  chat.RoomKind
	Name  string
	Topic string

	Membership chat.Membership
	Unread     int
	Pending    int
	Attached   bool

	LastActivity int64
	LastEventID  chat.EventID
	LastSender   chat.UserID
	LastBody     string

	Typing []chat.UserID
}

// Snapshot is an immutable composed view handed to the presentation layer.
// Composing twice over unchanged state yields equal snapshots.
type Snapshot struct {
	Rooms    []RoomSummary
	Active   chat.RoomID
	Events   []chat.TimelineEvent
	Presence map[chat.UserID]chat.Presence
}

type Config struct {
	WindowSize int
	Coalesce   time.Duration
}

// Composer derives snapshots from the state store and timeline manager and
// publishes them on a coalesced schedule. It owns the ephemeral view inputs
// (typing, presence, active room) that belong to no other store.
type Composer struct {
	store     *state.Store
	timelines *timeline.Manager
	markers   Markers

	// stores guards a consistent read over store and timelines; the
	// session hands in the read side of its batch-level lock.
	stores sync.Locker

	mu       sync.Mutex
	typing   map[chat.RoomID][]chat.UserID
	presence map[chat.UserID]chat.Presence
	active   chat.RoomID
	focus    chat.EventID
	armed    bool

	cfg     Config
	timer   *timer.Timer
	updates chan *Snapshot
	quit    chan struct{}
	once    sync.Once
	logger  *logrus.Entry
}

func NewComposer(store *state.Store, timelines *timeline.Manager, markers Markers, stores sync.Locker, cfg Config, logger *logrus.Logger) *Composer {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.Coalesce <= 0 {
		cfg.Coalesce = 50 * time.Millisecond
	}
	c := &Composer{
		store:     store,
		timelines: timelines,
		markers:   markers,
		stores:    stores,
		typing:    make(map[chat.RoomID][]chat.UserID),
		presence:  make(map[chat.UserID]chat.Presence),
		cfg:       cfg,
		timer:     timer.NewStoppedTimer(),
		updates:   make(chan *Snapshot, 1),
		quit:      make(chan struct{}),
		logger:    logger.WithFields(logrus.Fields{"prefix": "view"}),
	}
	go c.loop()
	return c
}

// Updates delivers fresh snapshots. Only the latest snapshot is retained if
// the consumer lags.
func (c *Composer) Updates() <-chan *Snapshot {
	return c.updates
}

// Invalidate schedules a recompute. Bursts within the coalesce window
// produce a single snapshot.
func (c *Composer) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.armed {
		return
	}
	c.armed = true
	c.timer.Reset(c.cfg.Coalesce)
}

func (c *Composer) loop() {
	for {
		select {
		case <-c.quit:
			return
		case <-c.timer.C:
			c.mu.Lock()
			c.armed = false
			c.mu.Unlock()
			c.publish(c.Compose())
		}
	}
}

func (c *Composer) publish(snap *Snapshot) {
	select {
	case c.updates <- snap:
	default:
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- snap:
		default:
		}
	}
}

func (c *Composer) SetActive(room chat.RoomID) {
	c.mu.Lock()
	c.active = room
	c.focus = ""
	c.mu.Unlock()
	c.Invalidate()
}

// SetFocus centers the active room's window on an event, e.g. while the user
// scrolls through history.
func (c *Composer) SetFocus(ev chat.EventID) {
	c.mu.Lock()
	c.focus = ev
	c.mu.Unlock()
	c.Invalidate()
}

func (c *Composer) SetTyping(room chat.RoomID, users []chat.UserID) {
	sorted := append([]chat.UserID(nil), users...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	c.mu.Lock()
	if len(sorted) == 0 {
		delete(c.typing, room)
	} else {
		c.typing[room] = sorted
	}
	c.mu.Unlock()
	c.Invalidate()
}

func (c *Composer) SetPresence(user chat.UserID, p chat.Presence) {
	c.mu.Lock()
	c.presence[user] = p
	c.mu.Unlock()
	c.Invalidate()
}

// Compose builds a snapshot from current state. It is a pure read: no store
// is mutated and equal inputs give an equal snapshot.
func (c *Composer) Compose() *Snapshot {
	c.stores.Lock()
	defer c.stores.Unlock()

	c.mu.Lock()
	active := c.active
	focus := c.focus
	typing := make(map[chat.RoomID][]chat.UserID, len(c.typing))
	for room, users := range c.typing {
		typing[room] = append([]chat.UserID(nil), users...)
	}
	presence := make(map[chat.UserID]chat.Presence, len(c.presence))
	for user, p := range c.presence {
		presence[user] = p
	}
	c.mu.Unlock()

	snap := &Snapshot{
		Active:   active,
		Presence: presence,
	}

	me := c.store.Me()
	for _, room := range c.store.RoomsForUser() {
		sum := RoomSummary{
			ID:         room.ID,
			Kind:       room.Kind,
			Name:       room.Name,
			Topic:      room.Topic,
			Membership: room.Members[me].Membership,
			Unread:     c.timelines.CountAfter(room.ID, c.markers.Marker(room.ID)),
			Pending:    c.timelines.PendingCount(room.ID),
			Attached:   c.timelines.Attached(room.ID),
			Typing:     typing[room.ID],
		}
		if last, ok := c.timelines.Newest(room.ID); ok {
			sum.LastActivity = last.Timestamp
			sum.LastEventID = last.ID
			sum.LastSender = last.Sender
			if !last.Redacted {
				sum.LastBody = last.Body
			}
		}
		snap.Rooms = append(snap.Rooms, sum)
	}

	sort.SliceStable(snap.Rooms, func(i, j int) bool {
		if snap.Rooms[i].LastActivity != snap.Rooms[j].LastActivity {
			return snap.Rooms[i].LastActivity > snap.Rooms[j].LastActivity
		}
		return snap.Rooms[i].ID < snap.Rooms[j].ID
	})

	if active != "" {
		snap.Events = c.timelines.Window(active, focus, c.cfg.WindowSize)
	}
	return snap
}

func (c *Composer) Close() {
	c.once.Do(func() {
		close(c.quit)
		c.timer.Stop()
	})
}
