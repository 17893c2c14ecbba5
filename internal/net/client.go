package net

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"boardsync/internal/ephemeral"
	"boardsync/internal/logger"
)

var ErrWrongDocument = errors.New("channel is bound to another document")

type subscriber struct {
	self string
	fn   func(ephemeral.Frame)
}

// WSChannel is an ephemeral.Channel over a relay websocket. One channel
// serves one document.
type WSChannel struct {
	doc  string
	conn *websocket.Conn
	log  *zap.Logger

	wmu sync.Mutex

	mu     sync.RWMutex
	subs   map[int]subscriber
	nextID int

	done chan struct{}
}

// Dial connects to the relay at base (ws://host:port) for doc.
func Dial(ctx context.Context, base, doc string) (*WSChannel, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "relay url %q", base)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = u.Path + "/ws/" + url.PathEscape(doc)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial relay %s", u.String())
	}
	c := &WSChannel{
		doc:  doc,
		conn: conn,
		log:  logger.Named("wschannel").With(zap.String("doc", doc)),
		subs: map[int]subscriber{},
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSChannel) Broadcast(ctx context.Context, f ephemeral.Frame) error {
	return c.write(ctx, Message{Type: MsgFrame, Frame: f})
}

func (c *WSChannel) Clear(ctx context.Context, f ephemeral.Frame) error {
	f.Clear = true
	f.Entries = nil
	return c.write(ctx, Message{Type: MsgClear, Frame: f})
}

func (c *WSChannel) write(ctx context.Context, m Message) error {
	if m.Frame.Doc != c.doc {
		return ErrWrongDocument
	}
	data, err := Encode(m)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSChannel) Subscribe(doc, self string, fn func(ephemeral.Frame)) (func(), error) {
	if doc != c.doc {
		return nil, ErrWrongDocument
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = subscriber{self: self, fn: fn}
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}, nil
}

func (c *WSChannel) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Debug("relay_read_failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			c.log.Debug("frame_decode_failed", zap.Error(err))
			continue
		}
		if msg.Type == MsgClear {
			msg.Frame.Clear = true
		}
		c.mu.RLock()
		subs := make([]subscriber, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.RUnlock()
		for _, s := range subs {
			if s.self != msg.Frame.Source {
				s.fn(msg.Frame)
			}
		}
	}
}

// Close ends the connection and waits for the reader to stop.
func (c *WSChannel) Close() error {
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
