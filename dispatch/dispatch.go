package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/gamechat/gamechat/chat"
	"github.com/gamechat/gamechat/state"
	"github.com/gamechat/gamechat/timeline"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// PendingMutation tracks one locally originated action until it reaches a
// terminal state. The TxnID stays stable across retries so the server and
// the reconciliation logic see one logical send.
type PendingMutation struct {
	TxnID   string
	Room    chat.RoomID
	Content chat.MessageContent
	Status  Status
	EventID chat.EventID
	Err     error
}

// ReadMarkers is the dispatcher's write side of read-marker bookkeeping.
type ReadMarkers interface {
	Set(room chat.RoomID, ev chat.EventID) error
}

// Notifier is poked after every visible change; the view composer's
// Invalidate satisfies it.
type Notifier func()

// Dispatcher turns user intents into protocol requests with an optimistic
// local echo. It is the second writer to the timeline manager (ingress being
// the first).
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string]*PendingMutation

	conn      chat.Connector
	store     *state.Store
	timelines *timeline.Manager
	markers   ReadMarkers
	notify    Notifier

	// confirmed remembers recently confirmed event ids so a late sync
	// echo can still be tied back to its txn id.
	confirmed *lru.Cache

	baseCtx     context.Context
	sendTimeout time.Duration
	logger      *logrus.Entry
}

type Config struct {
	SendTimeout time.Duration
}

func New(ctx context.Context, conn chat.Connector, store *state.Store, timelines *timeline.Manager, markers ReadMarkers, notify Notifier, cfg Config, logger *logrus.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	cache, _ := lru.New(200)
	return &Dispatcher{
		pending:     make(map[string]*PendingMutation),
		conn:        conn,
		store:       store,
		timelines:   timelines,
		markers:     markers,
		notify:      notify,
		confirmed:   cache,
		baseCtx:     ctx,
		sendTimeout: cfg.SendTimeout,
		logger:      logger.WithFields(logrus.Fields{"prefix": "dispatch"}),
	}
}

// SendMessage inserts an optimistic timeline entry and delivers the message
// in the background. The returned id identifies the pending mutation for
// Retry and Discard.
func (d *Dispatcher) SendMessage(room chat.RoomID, body string) string {
	txnID := uuid.NewString()
	content := chat.MessageContent{Body: body, MsgType: "m.text"}

	d.timelines.AppendPending(chat.TimelineEvent{
		Room:      room,
		Sender:    d.store.Me(),
		Kind:      chat.KindMessage,
		Timestamp: time.Now().UnixMilli(),
		Body:      body,
		MsgType:   content.MsgType,
		TxnID:     txnID,
	})

	pm := &PendingMutation{TxnID: txnID, Room: room, Content: content, Status: StatusPending}
	d.mu.Lock()
	d.pending[txnID] = pm
	d.mu.Unlock()

	d.notify()
	go d.deliver(pm)
	return txnID
}

func (d *Dispatcher) deliver(pm *PendingMutation) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.sendTimeout)
	defer cancel()

	eventID, err := d.conn.SendMessage(ctx, pm.Room, pm.Content, pm.TxnID)

	d.mu.Lock()
	if err != nil {
		pm.Status = StatusFailed
		pm.Err = err
		d.mu.Unlock()

		d.logger.Errorf("send %s to %s failed: %v", pm.TxnID, pm.Room, err)
		d.timelines.FailPending(pm.Room, pm.TxnID)
		d.notify()
		return
	}

	pm.Status = StatusConfirmed
	pm.EventID = eventID
	delete(d.pending, pm.TxnID)
	d.confirmed.Add(eventID, pm.TxnID)
	d.mu.Unlock()

	d.timelines.ConfirmPending(pm.Room, pm.TxnID, eventID, 0)
	d.logger.Debugf("send %s confirmed as %s", pm.TxnID, eventID)
	d.notify()
}

// Retry re-delivers a failed send under the same txn id.
func (d *Dispatcher) Retry(txnID string) bool {
	d.mu.Lock()
	pm, ok := d.pending[txnID]
	if !ok || pm.Status != StatusFailed {
		d.mu.Unlock()
		return false
	}
	pm.Status = StatusPending
	pm.Err = nil
	d.mu.Unlock()

	d.timelines.ResetPending(pm.Room, txnID)
	d.notify()
	go d.deliver(pm)
	return true
}

// Discard drops a failed send and its optimistic entry.
func (d *Dispatcher) Discard(txnID string) {
	d.mu.Lock()
	pm, ok := d.pending[txnID]
	if ok {
		delete(d.pending, txnID)
	}
	d.mu.Unlock()

	if ok {
		d.timelines.DropPending(pm.Room, txnID)
		d.notify()
	}
}

// Pending returns a copy of the mutation record, if still unresolved.
func (d *Dispatcher) Pending(txnID string) (PendingMutation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pm, ok := d.pending[txnID]
	if !ok {
		return PendingMutation{}, false
	}
	return *pm, true
}

// ResolveEcho maps a confirmed event id back to its txn id so ingress can
// reconcile sync echoes that arrive after the pending record is gone.
func (d *Dispatcher) ResolveEcho(ev chat.EventID) (string, bool) {
	if v, ok := d.confirmed.Get(ev); ok {
		txn, _ := v.(string)
		return txn, true
	}
	return "", false
}

func (d *Dispatcher) JoinRoom(ctx context.Context, roomOrAlias string) (chat.RoomID, error) {
	room, err := d.conn.JoinRoom(ctx, roomOrAlias)
	if err != nil {
		d.logger.Errorf("join %s: %v", roomOrAlias, err)
		return "", err
	}
	d.notify()
	return room, nil
}

func (d *Dispatcher) LeaveRoom(ctx context.Context, room chat.RoomID) error {
	if err := d.conn.LeaveRoom(ctx, room); err != nil {
		d.logger.Errorf("leave %s: %v", room, err)
		return err
	}
	d.store.Archive(room)
	d.timelines.Remove(room)
	d.notify()
	return nil
}

// MarkRead advances the local read marker immediately and tells the server
// in the background; a receipt failure only costs the remote marker.
func (d *Dispatcher) MarkRead(room chat.RoomID, upTo chat.EventID) error {
	if err := d.markers.Set(room, upTo); err != nil {
		return err
	}
	d.notify()

	go func() {
		ctx, cancel := context.WithTimeout(d.baseCtx, d.sendTimeout)
		defer cancel()
		if err := d.conn.MarkRead(ctx, room, upTo); err != nil {
			d.logger.Warnf("read receipt for %s in %s: %v", upTo, room, err)
		}
	}()
	return nil
}

// RedactMessage asks the server to redact an event. The local visibility
// flip happens when the redaction comes back through sync.
func (d *Dispatcher) RedactMessage(ctx context.Context, room chat.RoomID, target chat.EventID, reason string) error {
	_, err := d.conn.RedactMessage(ctx, room, target, reason)
	if err != nil {
		d.logger.Errorf("redact %s in %s: %v", target, room, err)
	}
	return err
}

// RequestBackfill loads older history for a room and folds any state found
// there into the store.
func (d *Dispatcher) RequestBackfill(ctx context.Context, room chat.RoomID, limit int) (int, error) {
	res, err := d.timelines.Backfill(ctx, room, limit)
	if err != nil {
		d.logger.Errorf("backfill %s: %v", room, err)
		return 0, err
	}
	for _, ev := range res.State {
		d.store.ApplyState(ev)
	}
	if res.Added > 0 || len(res.State) > 0 {
		d.notify()
	}
	return res.Added, nil
}
