package chat

import (
	"context"
)

// Token orders events within a single room. Tokens from different rooms are
// not comparable. A later token always means a later timeline position.
type Token int64

type (
	RoomID  string
	UserID  string
	EventID string
)

type Membership string

const (
	MembershipJoined  Membership = "join"
	MembershipInvited Membership = "invite"
	MembershipLeft    Membership = "leave"
	MembershipBanned  Membership = "ban"
)

type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
	RoomSpace  RoomKind = "space"
)

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "unavailable"
	PresenceOffline Presence = "offline"
)

type EventKind string

const (
	KindMessage   EventKind = "message"
	KindState     EventKind = "state"
	KindReaction  EventKind = "reaction"
	KindRedaction EventKind = "redaction"
)

// StateEvent is a single folded unit of room state. The (Type, StateKey)
// pair identifies the slot it occupies; the later token wins the slot.
type StateEvent struct {
	Room     RoomID
	ID       EventID
	Sender   UserID
	Type     string
	StateKey string
	Token    Token
	Content  StateContent
}

// StateContent is one of the *Content structs below.
type StateContent interface {
	isStateContent()
}

type MemberContent struct {
	Membership  Membership
	Displayname string
	Direct      bool
}

type NameContent struct {
	Name string
}

type TopicContent struct {
	Topic string
}

type AliasContent struct {
	Alias      string
	AltAliases []string
}

type PowerLevelsContent struct {
	Users        map[UserID]int
	UsersDefault int
}

type CreateContent struct {
	Creator UserID
	Space   bool
}

func (MemberContent) isStateContent()      {}
func (NameContent) isStateContent()        {}
func (TopicContent) isStateContent()       {}
func (AliasContent) isStateContent()       {}
func (PowerLevelsContent) isStateContent() {}
func (CreateContent) isStateContent()      {}

// TimelineEvent is one entry in a room timeline. Once stamped with a token
// its position never changes; redaction clears the visible content only.
type TimelineEvent struct {
	Room      RoomID
	ID        EventID
	Sender    UserID
	Kind      EventKind
	Token     Token
	Timestamp int64

	Body    string
	MsgType string

	RelatesTo    EventID
	ReactionKey  string
	Redacts      EventID
	ReplyPreview string

	// TxnID carries the client transaction id for events we sent
	// ourselves, used to reconcile the optimistic copy.
	TxnID string

	Redacted bool
	Pending  bool
	Failed   bool

	// Reactions aggregates reaction events targeting this event, keyed by
	// reaction. Filled in on composed copies, not on stored entries.
	Reactions map[string]int
}

type MessageContent struct {
	Body    string
	MsgType string
}

// SyncBatch is one translated sync cycle. Room updates are applied in slice
// order; events within an update keep protocol order.
type SyncBatch struct {
	NextBatch   string
	Rooms       []RoomUpdate
	Presence    map[UserID]Presence
	DirectRooms map[RoomID]bool
}

type RoomUpdate struct {
	Room     RoomID
	State    []StateEvent
	Timeline []TimelineEvent

	// Gap marks a discontinuity in the live feed: the server skipped
	// events and PrevBatch is where a gap backfill should start.
	Gap       bool
	PrevBatch string

	// TypingSet distinguishes "nobody is typing now" from "no typing
	// update in this batch".
	Typing     []UserID
	TypingSet  bool
	ReadMarker EventID

	Invited  bool
	Archived bool
}

// BackfillChunk is a page of history as returned by the protocol client,
// newest event first. An empty End means the start of history was reached.
type BackfillChunk struct {
	Events []TimelineEvent
	State  []StateEvent
	End    string
}

// Connector is the outbound face of the protocol client. Implementations own
// transport, authentication and retry; callers only see the final outcome.
type Connector interface {
	SendMessage(ctx context.Context, room RoomID, content MessageContent, txnID string) (EventID, error)
	RedactMessage(ctx context.Context, room RoomID, target EventID, reason string) (EventID, error)
	JoinRoom(ctx context.Context, roomOrAlias string) (RoomID, error)
	LeaveRoom(ctx context.Context, room RoomID) error
	MarkRead(ctx context.Context, room RoomID, upTo EventID) error
	Backfill(ctx context.Context, room RoomID, from string, limit int) (*BackfillChunk, error)
}
