package matrix

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/gamechat/gamechat/chat"
)

type Credentials struct {
	Server string
	Login  string
	Pass   string

	// Token plus UserID restore a remembered session without a password
	// round trip.
	Token    string
	UserID   string
	DeviceID string
}

type Config struct {
	MaxAttempts int
	RetryMin    time.Duration
	RetryMax    time.Duration
}

// Conn is the Matrix-backed protocol connector. Every outbound call retries
// transport failures with jittered backoff up to a bounded attempt count;
// server rejections are returned immediately.
type Conn struct {
	mc       *mautrix.Client
	deviceID string
	stopped  atomic.Bool

	cfg    Config
	logger *logrus.Entry
}

func New(cred Credentials, cfg Config, logger *logrus.Logger) (*Conn, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}

	c := &Conn{
		cfg:    cfg,
		logger: logger.WithFields(logrus.Fields{"prefix": "chat/matrix"}),
	}

	if cred.Token != "" {
		mc, err := mautrix.NewClient(cred.Server, id.UserID(cred.UserID), cred.Token)
		if err != nil {
			return nil, err
		}
		c.mc = mc
		c.deviceID = cred.DeviceID
		return c, nil
	}

	mc, err := mautrix.NewClient(cred.Server, "", "")
	if err != nil {
		return nil, err
	}

	resp, err := mc.Login(&mautrix.ReqLogin{
		Type: "m.login.password",
		Identifier: mautrix.UserIdentifier{
			Type: "m.id.user",
			User: cred.Login,
		},
		Password:         cred.Pass,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, err
	}

	c.mc = mc
	c.deviceID = resp.DeviceID.String()
	return c, nil
}

func (c *Conn) UserID() chat.UserID { return chat.UserID(c.mc.UserID) }
func (c *Conn) AccessToken() string { return c.mc.AccessToken }
func (c *Conn) DeviceID() string    { return c.deviceID }

// Start attaches the feed as the sync handler and keeps /sync running until
// Stop. Sync errors are logged and retried; they never reach the core.
func (c *Conn) Start(f *Feed) {
	c.mc.Syncer = f
	go func() {
		for !c.stopped.Load() {
			if err := c.mc.Sync(); err != nil {
				c.logger.Errorf("sync: %v", err)
				time.Sleep(5 * time.Second)
			}
		}
	}()
}

func (c *Conn) Stop() {
	c.stopped.Store(true)
	c.mc.StopSync()
}

// withRetry classifies failures per the error taxonomy: a response carrying
// a server error code is terminal, anything else is transport and retried.
func (c *Conn) withRetry(ctx context.Context, op string, f func() error) error {
	b := &backoff.Backoff{
		Min:    c.cfg.RetryMin,
		Max:    c.cfg.RetryMax,
		Jitter: true,
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = f(); err == nil {
			return nil
		}

		var httpErr mautrix.HTTPError
		if errors.As(err, &httpErr) && httpErr.RespError != nil {
			return &chat.MutationRejectedError{
				Code:    httpErr.RespError.ErrCode,
				Message: httpErr.RespError.Err,
			}
		}

		if attempt >= c.cfg.MaxAttempts {
			return &chat.TransportError{Op: op, Attempts: attempt, Err: err}
		}
		c.logger.Debugf("%s attempt %d: %v", op, attempt, err)

		select {
		case <-ctx.Done():
			return &chat.TransportError{Op: op, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(b.Duration()):
		}
	}
}

func (c *Conn) SendMessage(ctx context.Context, room chat.RoomID, content chat.MessageContent, txnID string) (chat.EventID, error) {
	msgType := event.MessageType(content.MsgType)
	if msgType == "" {
		msgType = event.MsgText
	}

	var eventID chat.EventID
	err := c.withRetry(ctx, "send", func() error {
		resp, err := c.mc.SendMessageEvent(id.RoomID(room), event.EventMessage, &event.MessageEventContent{
			MsgType: msgType,
			Body:    content.Body,
		}, mautrix.ReqSendEvent{TransactionID: txnID})
		if err != nil {
			return err
		}
		eventID = chat.EventID(resp.EventID)
		return nil
	})
	return eventID, err
}

func (c *Conn) RedactMessage(ctx context.Context, room chat.RoomID, target chat.EventID, reason string) (chat.EventID, error) {
	var eventID chat.EventID
	err := c.withRetry(ctx, "redact", func() error {
		resp, err := c.mc.RedactEvent(id.RoomID(room), id.EventID(target), mautrix.ReqRedact{Reason: reason})
		if err != nil {
			return err
		}
		eventID = chat.EventID(resp.EventID)
		return nil
	})
	return eventID, err
}

func (c *Conn) JoinRoom(ctx context.Context, roomOrAlias string) (chat.RoomID, error) {
	var room chat.RoomID
	err := c.withRetry(ctx, "join", func() error {
		resp, err := c.mc.JoinRoom(roomOrAlias, "", nil)
		if err != nil {
			return err
		}
		room = chat.RoomID(resp.RoomID)
		return nil
	})
	return room, err
}

func (c *Conn) LeaveRoom(ctx context.Context, room chat.RoomID) error {
	return c.withRetry(ctx, "leave", func() error {
		_, err := c.mc.LeaveRoom(id.RoomID(room))
		return err
	})
}

func (c *Conn) MarkRead(ctx context.Context, room chat.RoomID, upTo chat.EventID) error {
	return c.withRetry(ctx, "markread", func() error {
		return c.mc.MarkRead(id.RoomID(room), id.EventID(upTo))
	})
}

// Backfill fetches one page of history before from, newest event first.
func (c *Conn) Backfill(ctx context.Context, room chat.RoomID, from string, limit int) (*chat.BackfillChunk, error) {
	var resp *mautrix.RespMessages
	err := c.withRetry(ctx, "backfill", func() error {
		var err error
		resp, err = c.mc.Messages(id.RoomID(room), from, "", 'b', limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	chunk := &chat.BackfillChunk{End: resp.End}
	if len(resp.Chunk) == 0 {
		chunk.End = ""
	}
	for _, ev := range resp.Chunk {
		if ev.StateKey != nil {
			if se, err := translateState(id.RoomID(room), ev); err == nil {
				chunk.State = append(chunk.State, se)
			} else {
				c.logger.Warnf("%v", err)
			}
			continue
		}
		te, err := translateTimeline(id.RoomID(room), ev)
		if err != nil {
			c.logger.Warnf("%v", err)
			continue
		}
		chunk.Events = append(chunk.Events, te)
	}
	return chunk, nil
}
