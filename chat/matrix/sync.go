package matrix

import (
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/gamechat/gamechat/chat"
)

// Feed implements mautrix.Syncer. Each sync response is translated into one
// chat.SyncBatch and enqueued; malformed events are skipped with a warning
// and never abort the batch.
type Feed struct {
	me            id.UserID
	batches       chan *chat.SyncBatch
	timelineLimit int

	// previewCache remembers reply-parent bodies so threads do not
	// refetch the same parent on every reply.
	previewCache *lru.Cache
	getEvent     func(roomID id.RoomID, eventID id.EventID) (*event.Event, error)

	logger *logrus.Entry
}

func NewFeed(c *Conn, buffer, timelineLimit int, logger *logrus.Logger) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	if timelineLimit <= 0 {
		timelineLimit = 50
	}
	cache, _ := lru.New(100)
	return &Feed{
		me:            c.mc.UserID,
		batches:       make(chan *chat.SyncBatch, buffer),
		timelineLimit: timelineLimit,
		previewCache:  cache,
		getEvent:      c.mc.GetEvent,
		logger:        logger.WithFields(logrus.Fields{"prefix": "chat/matrix"}),
	}
}

// Batches is the ordered ingress feed consumed by the session.
func (f *Feed) Batches() <-chan *chat.SyncBatch {
	return f.batches
}

func (f *Feed) ProcessResponse(resp *mautrix.RespSync, since string) error {
	f.logger.Tracef("sync since %q: %s", since, spew.Sdump(resp))

	batch := &chat.SyncBatch{
		NextBatch:   resp.NextBatch,
		Presence:    make(map[chat.UserID]chat.Presence),
		DirectRooms: make(map[chat.RoomID]bool),
	}

	for _, ev := range resp.AccountData.Events {
		if ev.Type != event.AccountDataDirectChats {
			continue
		}
		if err := ev.Content.ParseRaw(ev.Type); err != nil {
			f.decodeSkip("", ev, err)
			continue
		}
		for _, rooms := range *ev.Content.AsDirectChats() {
			for _, roomID := range rooms {
				batch.DirectRooms[chat.RoomID(roomID)] = true
			}
		}
	}

	for _, ev := range resp.Presence.Events {
		if p, ok := ev.Content.Raw["presence"].(string); ok {
			batch.Presence[chat.UserID(ev.Sender)] = chat.Presence(p)
		}
	}

	for roomID, room := range resp.Rooms.Join {
		up := chat.RoomUpdate{
			Room:      chat.RoomID(roomID),
			Gap:       room.Timeline.Limited,
			PrevBatch: room.Timeline.PrevBatch,
		}

		for _, ev := range room.State.Events {
			se, err := translateState(roomID, ev)
			if err != nil {
				f.decodeSkip(roomID, ev, err)
				continue
			}
			up.State = append(up.State, se)
		}

		for _, ev := range room.Timeline.Events {
			if ev.StateKey != nil {
				se, err := translateState(roomID, ev)
				if err != nil {
					f.decodeSkip(roomID, ev, err)
					continue
				}
				up.State = append(up.State, se)
				up.Timeline = append(up.Timeline, chat.TimelineEvent{
					Room:      chat.RoomID(roomID),
					ID:        chat.EventID(ev.ID),
					Sender:    chat.UserID(ev.Sender),
					Kind:      chat.KindState,
					Timestamp: ev.Timestamp,
				})
				continue
			}
			te, err := translateTimeline(roomID, ev)
			if err != nil {
				f.decodeSkip(roomID, ev, err)
				continue
			}
			if te.Kind == chat.KindMessage && te.RelatesTo != "" {
				te.ReplyPreview = f.relatedPreview(roomID, id.EventID(te.RelatesTo))
			}
			up.Timeline = append(up.Timeline, te)
		}

		for _, ev := range room.Ephemeral.Events {
			switch ev.Type {
			case event.EphemeralEventTyping:
				if err := ev.Content.ParseRaw(ev.Type); err != nil {
					f.decodeSkip(roomID, ev, err)
					continue
				}
				up.TypingSet = true
				up.Typing = nil
				for _, user := range ev.Content.AsTyping().UserIDs {
					up.Typing = append(up.Typing, chat.UserID(user))
				}
			case event.EphemeralEventReceipt:
				if marker := f.ownReadReceipt(ev); marker != "" {
					up.ReadMarker = marker
				}
			}
		}

		batch.Rooms = append(batch.Rooms, up)
	}

	for roomID, room := range resp.Rooms.Invite {
		up := chat.RoomUpdate{Room: chat.RoomID(roomID), Invited: true}
		for _, ev := range room.State.Events {
			se, err := translateState(roomID, ev)
			if err != nil {
				f.decodeSkip(roomID, ev, err)
				continue
			}
			up.State = append(up.State, se)
		}
		batch.Rooms = append(batch.Rooms, up)
	}

	for roomID := range resp.Rooms.Leave {
		batch.Rooms = append(batch.Rooms, chat.RoomUpdate{
			Room:     chat.RoomID(roomID),
			Archived: true,
		})
	}

	f.batches <- batch
	return nil
}

func (f *Feed) OnFailedSync(resp *mautrix.RespSync, err error) (time.Duration, error) {
	f.logger.Errorf("sync failed: %v", err)
	return 10 * time.Second, nil
}

func (f *Feed) GetFilterJSON(userID id.UserID) *mautrix.Filter {
	return &mautrix.Filter{
		Room: mautrix.RoomFilter{
			Timeline: mautrix.FilterPart{
				Limit: f.timelineLimit,
			},
		},
	}
}

func (f *Feed) decodeSkip(roomID id.RoomID, ev *event.Event, err error) {
	derr := &chat.DecodeError{
		Room: chat.RoomID(roomID),
		ID:   chat.EventID(ev.ID),
		Type: ev.Type.Type,
		Err:  err,
	}
	f.logger.Warnf("skipping event: %v", derr)
}

// ownReadReceipt digs our user's m.read position out of a receipt event. The
// receipt schema is read from the raw content because its typed form moved
// between library versions.
func (f *Feed) ownReadReceipt(ev *event.Event) chat.EventID {
	var marker chat.EventID
	for eventID, v := range ev.Content.Raw {
		receipts, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		read, ok := receipts["m.read"].(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok := read[f.me.String()]; ok {
			marker = chat.EventID(eventID)
		}
	}
	return marker
}

// relatedPreview returns a short preview of the event a reply relates to,
// fetching and caching the parent on first sight.
func (f *Feed) relatedPreview(roomID id.RoomID, parentID id.EventID) string {
	if v, ok := f.previewCache.Get(parentID); ok {
		preview, _ := v.(string)
		return preview
	}

	parent, err := f.getEvent(roomID, parentID)
	// Retry once on failure.
	if err != nil {
		parent, err = f.getEvent(roomID, parentID)
	}
	if err != nil {
		f.logger.Debugf("fetch parent %s: %v", parentID, err)
		return ""
	}

	body, _ := parent.Content.Raw["body"].(string)
	if r := []rune(body); len(r) > 80 {
		body = string(r[:80]) + "…"
	}
	f.previewCache.Add(parentID, body)
	return body
}

func translateState(roomID id.RoomID, ev *event.Event) (chat.StateEvent, error) {
	se := chat.StateEvent{
		Room:   chat.RoomID(roomID),
		ID:     chat.EventID(ev.ID),
		Sender: chat.UserID(ev.Sender),
		Type:   ev.Type.Type,
	}
	if ev.StateKey != nil {
		se.StateKey = *ev.StateKey
	}

	if err := ev.Content.ParseRaw(ev.Type); err != nil {
		return se, err
	}

	switch ev.Type {
	case event.StateMember:
		c := ev.Content.AsMember()
		se.Content = chat.MemberContent{
			Membership:  chat.Membership(c.Membership),
			Displayname: c.Displayname,
			Direct:      c.IsDirect,
		}
	case event.StateRoomName:
		se.Content = chat.NameContent{Name: ev.Content.AsRoomName().Name}
	case event.StateTopic:
		se.Content = chat.TopicContent{Topic: ev.Content.AsTopic().Topic}
	case event.StateCanonicalAlias:
		c := ev.Content.AsCanonicalAlias()
		alt := make([]string, 0, len(c.AltAliases))
		for _, a := range c.AltAliases {
			alt = append(alt, a.String())
		}
		se.Content = chat.AliasContent{Alias: c.Alias.String(), AltAliases: alt}
	case event.StatePowerLevels:
		c := ev.Content.AsPowerLevels()
		users := make(map[chat.UserID]int, len(c.Users))
		for user, lvl := range c.Users {
			users[chat.UserID(user)] = lvl
		}
		se.Content = chat.PowerLevelsContent{Users: users, UsersDefault: c.UsersDefault}
	case event.StateCreate:
		space := false
		if t, ok := ev.Content.Raw["type"].(string); ok && t == "m.space" {
			space = true
		}
		se.Content = chat.CreateContent{Creator: chat.UserID(ev.Sender), Space: space}
	default:
		return se, fmt.Errorf("unhandled state type %s", ev.Type.Type)
	}
	return se, nil
}

func translateTimeline(roomID id.RoomID, ev *event.Event) (chat.TimelineEvent, error) {
	te := chat.TimelineEvent{
		Room:      chat.RoomID(roomID),
		ID:        chat.EventID(ev.ID),
		Sender:    chat.UserID(ev.Sender),
		Timestamp: ev.Timestamp,
		TxnID:     ev.Unsigned.TransactionID,
	}

	switch ev.Type {
	case event.EventMessage:
		if err := ev.Content.ParseRaw(ev.Type); err != nil {
			return te, err
		}
		c := ev.Content.AsMessage()
		te.Kind = chat.KindMessage
		te.Body = c.Body
		te.MsgType = string(c.MsgType)
		if c.RelatesTo != nil {
			te.RelatesTo = chat.EventID(c.RelatesTo.EventID)
		}
	case event.EventReaction:
		if err := ev.Content.ParseRaw(ev.Type); err != nil {
			return te, err
		}
		c := ev.Content.AsReaction()
		te.Kind = chat.KindReaction
		te.RelatesTo = chat.EventID(c.RelatesTo.EventID)
		te.ReactionKey = c.RelatesTo.Key
	case event.EventRedaction:
		te.Kind = chat.KindRedaction
		te.Redacts = chat.EventID(ev.Redacts)
	case event.EventEncrypted:
		// Key management is out of scope; keep the slot in the timeline.
		te.Kind = chat.KindMessage
		te.MsgType = "m.encrypted"
		te.Body = "(encrypted message)"
	default:
		return te, fmt.Errorf("unhandled event type %s", ev.Type.Type)
	}
	return te, nil
}
