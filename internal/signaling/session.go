package signaling

import (
	"log/slog"
	"sync/atomic"

	"github.com/peermesh/signal-relay/internal/metrics"
	"github.com/peermesh/signal-relay/internal/room"
)

// Session supervises one connection handle: inbound frames go to the router
// while the session is open, and the close transition runs registry cleanup
// exactly once.
type Session struct {
	log     *slog.Logger
	router  *Router
	reg     *room.Registry
	metrics *metrics.Metrics
	handle  room.Handle

	closed atomic.Bool
}

func NewSession(logger *slog.Logger, router *Router, reg *room.Registry, m *metrics.Metrics, handle room.Handle) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		log:     logger,
		router:  router,
		reg:     reg,
		metrics: m,
		handle:  handle,
	}
}

// HandleFrame feeds one inbound frame to the router. Frames arriving after
// Close are dropped.
func (s *Session) HandleFrame(data []byte) {
	if s.closed.Load() {
		return
	}
	s.router.HandleMessage(s.handle, data)
}

// Close transitions the session to its terminal state, removes every room
// membership held by the handle, and notifies each affected room's remaining
// members. It is idempotent: repeated calls, or a close after an explicit
// leave already emptied the memberships, mutate nothing and broadcast
// nothing.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.metrics.Inc(metrics.ConnClosed)

	removals := s.reg.RemoveAllForHandle(s.handle)
	for _, rm := range removals {
		s.metrics.Inc(metrics.RoomLeft)
		s.log.Info("participant disconnected", "room_id", rm.RoomID, "user_id", rm.UserID)
		if len(rm.Remaining) == 0 {
			continue
		}
		s.router.BroadcastLeft(rm.RoomID, rm.UserID, rm.Remaining)
	}
}
