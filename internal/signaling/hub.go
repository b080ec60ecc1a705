package signaling

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/util"
)

// member is one connected endpoint on the relay.
type member struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	send chan Envelope
}

type routed struct {
	from *member
	env  Envelope
}

// Hub routes envelopes between connected user ids. All membership state is
// owned by Run.
type Hub struct {
	members map[string]*member

	register   chan *member
	unregister chan *member
	route      chan routed
	lookup     chan lookupReq
}

type lookupReq struct {
	id    string
	reply chan bool
}

// NewHub creates an empty hub. Call Run to start it.
func NewHub() *Hub {
	return &Hub{
		members:    make(map[string]*member),
		register:   make(chan *member),
		unregister: make(chan *member),
		route:      make(chan routed),
		lookup:     make(chan lookupReq),
	}
}

// Run processes membership changes and routing until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case m := <-h.register:
			if old, ok := h.members[m.id]; ok {
				util.LogWarning("relay: %s reconnected, dropping previous connection", m.id)
				close(old.send)
			}
			h.members[m.id] = m
			util.LogInfo("relay: %s joined (%d online)", m.id, len(h.members))

		case m := <-h.unregister:
			if cur, ok := h.members[m.id]; ok && cur == m {
				delete(h.members, m.id)
				close(m.send)
				util.LogInfo("relay: %s left (%d online)", m.id, len(h.members))
			}

		case r := <-h.route:
			h.deliver(r)

		case q := <-h.lookup:
			_, ok := h.members[q.id]
			q.reply <- ok

		case <-ctx.Done():
			for id, m := range h.members {
				close(m.send)
				delete(h.members, id)
			}
			return
		}
	}
}

// deliver forwards an envelope to its target with the sender's id stamped in.
func (h *Hub) deliver(r routed) {
	target, ok := h.members[r.env.UserID]
	if !ok {
		util.LogDebug("relay: %s -> %s dropped, target offline", r.from.id, r.env.UserID)
		return
	}

	env := r.env
	env.UserID = r.from.id

	select {
	case target.send <- env:
	default:
		util.LogWarning("relay: %s -> %s dropped, queue full", r.from.id, target.id)
	}
}

// Online reports whether id currently has a connection.
func (h *Hub) Online(ctx context.Context, id string) bool {
	q := lookupReq{id: id, reply: make(chan bool, 1)}
	select {
	case h.lookup <- q:
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-q.reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// readPump forwards frames from the connection to the hub.
func (m *member) readPump(ctx context.Context) {
	defer func() {
		select {
		case m.hub.unregister <- m:
		case <-ctx.Done():
		}
		m.conn.Close()
	}()

	m.conn.SetReadLimit(maxMessageSize)
	m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		m.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := m.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogWarning("relay: read from %s: %v", m.id, err)
			}
			return
		}
		if env.Type != EnvelopeTypeRTCSignal || env.UserID == "" {
			util.LogDebug("relay: ignoring %q frame from %s", env.Type, m.id)
			continue
		}

		select {
		case m.hub.route <- routed{from: m, env: env}:
		case <-ctx.Done():
			return
		}
	}
}

// writePump writes routed frames to the connection and keeps it alive.
func (m *member) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()

	for {
		select {
		case env, ok := <-m.send:
			m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				m.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := m.conn.WriteJSON(env); err != nil {
				util.LogWarning("relay: write to %s: %v", m.id, err)
				return
			}

		case <-ticker.C:
			m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
