package state

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gamechat/gamechat/chat"
)

type foldKey struct {
	typ      string
	stateKey string
}

type roomEntry struct {
	room  *Room
	folds map[foldKey]chat.Token
}

// Store holds the folded state of every known room. Updates swap in a fresh
// Room copy, so snapshots handed to readers are never written again.
type Store struct {
	mu     sync.RWMutex
	me     chat.UserID
	rooms  map[chat.RoomID]*roomEntry
	logger *logrus.Entry
}

func NewStore(me chat.UserID, logger *logrus.Logger) *Store {
	return &Store{
		me:     me,
		rooms:  make(map[chat.RoomID]*roomEntry),
		logger: logger.WithFields(logrus.Fields{"prefix": "state"}),
	}
}

func (s *Store) entry(id chat.RoomID) *roomEntry {
	e, ok := s.rooms[id]
	if !ok {
		// State can arrive before the room's create event; start from
		// an empty shell rather than failing.
		e = &roomEntry{room: newRoom(id), folds: make(map[foldKey]chat.Token)}
		s.rooms[id] = e
	}
	return e
}

// ApplyState folds one state event. The event with the later token wins its
// (type, state key) slot; a stale event is dropped. Reports whether the fold
// changed the room.
func (s *Store) ApplyState(ev chat.StateEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(ev.Room)
	key := foldKey{typ: ev.Type, stateKey: ev.StateKey}
	if prev, ok := e.folds[key]; ok && prev >= ev.Token {
		s.logger.Debugf("stale state %s/%q in %s (token %d <= %d)", ev.Type, ev.StateKey, ev.Room, ev.Token, prev)
		return false
	}

	room := e.room.clone()
	if !fold(room, ev) {
		return false
	}
	e.folds[key] = ev.Token
	room.derive(s.me)
	e.room = room
	return true
}

func fold(room *Room, ev chat.StateEvent) bool {
	switch c := ev.Content.(type) {
	case chat.MemberContent:
		room.Members[chat.UserID(ev.StateKey)] = Member{
			Membership:  c.Membership,
			Displayname: c.Displayname,
		}
		if c.Direct {
			room.Direct = true
		}
	case chat.NameContent:
		room.ExplicitName = c.Name
	case chat.TopicContent:
		room.Topic = c.Topic
	case chat.AliasContent:
		room.CanonicalAlias = c.Alias
		room.AltAliases = append([]string(nil), c.AltAliases...)
	case chat.PowerLevelsContent:
		room.PowerLevels = make(map[chat.UserID]int, len(c.Users))
		for u, lvl := range c.Users {
			room.PowerLevels[u] = lvl
		}
		room.PowerDefault = c.UsersDefault
	case chat.CreateContent:
		room.Creator = c.Creator
		if c.Space {
			room.Kind = chat.RoomSpace
		}
	default:
		return false
	}
	return true
}

// MarkDirect records an account-data hint that a room is a direct chat.
func (s *Store) MarkDirect(id chat.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(id)
	if e.room.Direct {
		return
	}
	room := e.room.clone()
	room.Direct = true
	room.derive(s.me)
	e.room = room
}

// Archive flags a room the local user has left or been removed from. The
// folded state is kept so history stays renderable.
func (s *Store) Archive(id chat.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(id)
	if e.room.Archived {
		return
	}
	room := e.room.clone()
	room.Archived = true
	e.room = room
}

// Room returns the latest folded snapshot, creating an empty shell for
// unknown rooms.
func (s *Store) Room(id chat.RoomID) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry(id).room.clone()
}

// RoomsForUser returns the rooms the local user is joined to or invited to,
// sorted by id for determinism.
func (s *Store) RoomsForUser() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rooms []*Room
	for _, e := range s.rooms {
		if e.room.Archived {
			continue
		}
		m, ok := e.room.Members[s.me]
		if !ok {
			continue
		}
		if m.Membership == chat.MembershipJoined || m.Membership == chat.MembershipInvited {
			rooms = append(rooms, e.room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

func (s *Store) Me() chat.UserID { return s.me }
