package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

var errSendQueueFull = errors.New("signaling: send queue full")

// wsPeer adapts one gorilla websocket connection to room.Handle.
//
// Send enqueues without blocking; a dedicated write pump owns all writes to
// the connection (gorilla allows a single concurrent writer). A full queue or
// a write error counts as a failed send, which the router treats as that
// peer's problem, never the sender's.
type wsPeer struct {
	log  *slog.Logger
	conn *websocket.Conn

	send chan any
	done chan struct{}

	closeOnce sync.Once
}

func newWSPeer(logger *slog.Logger, conn *websocket.Conn, queueSize int) *wsPeer {
	return &wsPeer{
		log:  logger,
		conn: conn,
		send: make(chan any, queueSize),
		done: make(chan struct{}),
	}
}

// Send queues msg for delivery. It never blocks: when the peer's queue is
// full or the peer is closed, the message is dropped and an error returned.
func (p *wsPeer) Send(msg any) error {
	select {
	case <-p.done:
		return errors.New("signaling: peer closed")
	default:
	}

	select {
	case p.send <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

// writePump drains the send queue and emits keepalive pings. It exits when
// the peer closes or a write fails, closing the connection either way so the
// read loop unblocks.
func (p *wsPeer) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				p.log.Debug("write failed", "err", err)
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// close shuts the peer down. Safe to call from any goroutine, repeatedly.
func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
