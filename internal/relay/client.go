package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/signaling"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("relay connection closed")

// Client is one peer's socket to the relay.
type Client struct {
	peerID string
	conn   *websocket.Conn
	logger *logrus.Logger

	writeMu  sync.Mutex
	messages chan signaling.Message
	done     chan struct{}
	open     atomic.Bool
	once     sync.Once
}

// Dial connects to the relay at relayURL and registers as peerID.
func Dial(ctx context.Context, relayURL, peerID string, log *logrus.Logger) (*Client, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("id", peerID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Client{
		peerID:   peerID,
		conn:     conn,
		logger:   log,
		messages: make(chan signaling.Message, 64),
		done:     make(chan struct{}),
	}
	c.open.Store(true)

	go c.readLoop()
	return c, nil
}

func (c *Client) PeerID() string {
	return c.peerID
}

func (c *Client) IsOpen() bool {
	return c.open.Load()
}

// Messages delivers every decoded frame until the socket closes.
func (c *Client) Messages() <-chan signaling.Message {
	return c.messages
}

func (c *Client) Send(ctx context.Context, msg signaling.Message) error {
	if !c.IsOpen() {
		return ErrClosed
	}

	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.open.Store(false)
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.messages)
	defer c.open.Store(false)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("Relay connection lost: %v", err)
			}
			return
		}

		msg, err := signaling.Unmarshal(data)
		if err != nil {
			c.logger.Warnf("Ignoring relay frame: %v", err)
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}
