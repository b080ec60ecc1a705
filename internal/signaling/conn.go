package signaling

import (
	"errors"
	"time"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size; SDP blobs fit comfortably.
	maxMessageSize = 64 * 1024

	// Outbound frames queued per connection before Send fails.
	sendQueueSize = 32
)

var (
	// ErrClientClosed is returned by Send after the connection went away.
	ErrClientClosed = errors.New("relay connection closed")
	// ErrSendQueueFull is returned by Send when the writer cannot keep up.
	ErrSendQueueFull = errors.New("relay send queue full")
)
