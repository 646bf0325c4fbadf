package state

import (
	"sort"
	"strings"

	"github.com/gamechat/gamechat/chat"
)

type Member struct {
	Membership  chat.Membership
	Displayname string
}

// Room is an immutable folded snapshot of one room. The store hands out
// copies; mutating a returned Room never affects the store.
type Room struct {
	ID    chat.RoomID
	Kind  chat.RoomKind
	Topic string

	// ExplicitName is the server-set room name; Name is the derived
	// display name (explicit name, else alias, else member names).
	ExplicitName   string
	Name           string
	CanonicalAlias string
	AltAliases     []string

	Creator      chat.UserID
	Members      map[chat.UserID]Member
	PowerLevels  map[chat.UserID]int
	PowerDefault int

	Direct   bool
	Archived bool
}

func newRoom(id chat.RoomID) *Room {
	return &Room{
		ID:          id,
		Kind:        chat.RoomGroup,
		Members:     make(map[chat.UserID]Member),
		PowerLevels: make(map[chat.UserID]int),
	}
}

func (r *Room) clone() *Room {
	c := *r
	c.Members = make(map[chat.UserID]Member, len(r.Members))
	for k, v := range r.Members {
		c.Members[k] = v
	}
	c.PowerLevels = make(map[chat.UserID]int, len(r.PowerLevels))
	for k, v := range r.PowerLevels {
		c.PowerLevels[k] = v
	}
	c.AltAliases = append([]string(nil), r.AltAliases...)
	return &c
}

func (r *Room) PowerLevel(user chat.UserID) int {
	if lvl, ok := r.PowerLevels[user]; ok {
		return lvl
	}
	return r.PowerDefault
}

func (r *Room) Joined() []chat.UserID {
	var users []chat.UserID
	for id, m := range r.Members {
		if m.Membership == chat.MembershipJoined {
			users = append(users, id)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// deriveName recomputes Name and Kind after a fold. Preference order:
// explicit name, canonical alias, the other members' display names, room id.
func (r *Room) derive(me chat.UserID) {
	joined := 0
	for _, m := range r.Members {
		if m.Membership == chat.MembershipJoined || m.Membership == chat.MembershipInvited {
			joined++
		}
	}

	switch {
	case r.Kind == chat.RoomSpace:
	case r.Direct && joined <= 2:
		r.Kind = chat.RoomDirect
	default:
		r.Kind = chat.RoomGroup
	}

	switch {
	case r.ExplicitName != "":
		r.Name = r.ExplicitName
	case r.CanonicalAlias != "":
		r.Name = r.CanonicalAlias
	default:
		r.Name = r.memberName(me)
	}
}

func (r *Room) memberName(me chat.UserID) string {
	var names []string
	for id, m := range r.Members {
		if id == me {
			continue
		}
		if m.Membership != chat.MembershipJoined && m.Membership != chat.MembershipInvited {
			continue
		}
		name := m.Displayname
		if name == "" {
			name = string(id)
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return string(r.ID)
	}
	sort.Strings(names)
	if len(names) > 3 {
		names = names[:3]
	}
	return strings.Join(names, ", ")
}
