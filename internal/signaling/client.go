package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/util"
)

// Client is an endpoint's connection to the relay. Frames are addressed by
// user id; the relay stamps each inbound frame with its sender.
type Client struct {
	selfID string
	conn   *websocket.Conn

	outgoing  chan Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	handler func(Message)
}

// Dial connects to the relay at relayURL as selfID, e.g.:
//
//	ws://localhost:8080/ws  ->  ws://localhost:8080/ws?uid=alice
func Dial(ctx context.Context, relayURL, selfID string) (*Client, error) {
	if selfID == "" {
		return nil, fmt.Errorf("dial relay: empty user id")
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("uid", selfID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &Client{
		selfID:   selfID,
		conn:     conn,
		outgoing: make(chan Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// OnMessage registers the single consumer of inbound signals. It is called
// from the read goroutine, one message at a time.
func (c *Client) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Send queues msg for targetID without blocking.
func (c *Client) Send(targetID string, msg Message) error {
	env, err := Seal(targetID, msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendQueueFull
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() {
	c.shutdown()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) dispatch(msg Message) {
	c.mu.RLock()
	fn := c.handler
	c.mu.RUnlock()

	if fn != nil {
		fn(msg)
	}
}

// readPump decodes relay frames and hands the signals to the handler.
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogWarning("relay read: %v", err)
			}
			return
		}

		msg, err := env.Open()
		if err != nil {
			util.LogWarning("relay frame dropped: %v", err)
			continue
		}
		if msg.SenderID != env.UserID {
			util.LogWarning("relay frame dropped: sender %q claims to be %q", env.UserID, msg.SenderID)
			continue
		}

		c.dispatch(msg)
	}
}

// writePump writes queued frames and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				util.LogWarning("relay write: %v", err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
