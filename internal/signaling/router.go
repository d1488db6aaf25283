package signaling

import (
	"log/slog"

	"github.com/peermesh/signal-relay/internal/metrics"
	"github.com/peermesh/signal-relay/internal/room"
)

// Router dispatches decoded client messages to registry operations and
// targeted sends. It holds no per-connection state; one Router serves every
// session concurrently.
type Router struct {
	log     *slog.Logger
	reg     *room.Registry
	metrics *metrics.Metrics

	// onSendFailure is invoked (outside any registry lock) when a delivery to
	// a handle fails, so the transport can tear that connection down and let
	// its own cleanup path run. May be nil.
	onSendFailure func(room.Handle)
}

func NewRouter(logger *slog.Logger, reg *room.Registry, m *metrics.Metrics, onSendFailure func(room.Handle)) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		log:           logger,
		reg:           reg,
		metrics:       m,
		onSendFailure: onSendFailure,
	}
}

// HandleMessage decodes one inbound frame from sender and dispatches it.
// Malformed frames and unknown types are dropped; the connection stays open.
func (r *Router) HandleMessage(sender room.Handle, data []byte) {
	msg, err := parseClientMessage(data)
	if err != nil {
		r.metrics.Inc(metrics.FrameDropped)
		r.log.Debug("dropping frame", "err", err)
		return
	}
	r.metrics.Inc(metrics.FrameDecoded)

	switch msg.Type {
	case messageTypeJoin:
		r.handleJoin(sender, msg)
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		r.handleRelay(msg)
	case messageTypeLeave:
		r.handleLeave(msg)
	case messageTypeGetParticipants:
		r.handleGetParticipants(sender, msg)
	}
}

func (r *Router) handleJoin(sender room.Handle, msg clientMessage) {
	others, ok := r.reg.Join(msg.RoomID, msg.UserID, sender)
	if !ok {
		r.metrics.Inc(metrics.RoomJoinRejected)
		r.log.Info("join refused, room full", "room_id", msg.RoomID, "user_id", msg.UserID)
		return
	}
	r.metrics.Inc(metrics.RoomJoined)
	r.log.Info("participant joined", "room_id", msg.RoomID, "user_id", msg.UserID)

	r.broadcast(others, membershipNotice{
		Type:   messageTypeJoined,
		UserID: msg.UserID,
		RoomID: msg.RoomID,
	})
}

func (r *Router) handleRelay(msg clientMessage) {
	target, ok := r.reg.Lookup(msg.RoomID, msg.Target)
	if !ok {
		// No delivery confirmation in this protocol; the sender is not told.
		r.metrics.Inc(metrics.RelayTargetMissed)
		r.log.Debug("relay target not found", "room_id", msg.RoomID, "target", msg.Target, "kind", msg.Type)
		return
	}

	switch msg.Type {
	case messageTypeOffer:
		r.metrics.Inc(metrics.RelayOffer)
	case messageTypeAnswer:
		r.metrics.Inc(metrics.RelayAnswer)
	case messageTypeICECandidate:
		r.metrics.Inc(metrics.RelayICECandidate)
	}

	r.sendTo(target, newRelayedSignal(msg))
}

func (r *Router) handleLeave(msg clientMessage) {
	removed, remaining := r.reg.Leave(msg.RoomID, msg.UserID)
	if !removed {
		return
	}
	r.metrics.Inc(metrics.RoomLeft)
	r.log.Info("participant left", "room_id", msg.RoomID, "user_id", msg.UserID)

	r.broadcast(remaining, membershipNotice{
		Type:   messageTypeLeft,
		UserID: msg.UserID,
		RoomID: msg.RoomID,
	})
}

func (r *Router) handleGetParticipants(sender room.Handle, msg clientMessage) {
	r.sendTo(sender, participantsReply{
		Type:         messageTypeParticipants,
		Participants: r.reg.Participants(msg.RoomID),
	})
}

// BroadcastLeft notifies a room's remaining members that userID is gone.
// The session supervisor uses it on disconnect cleanup.
func (r *Router) BroadcastLeft(roomID, userID string, remaining []room.Member) {
	r.broadcast(remaining, membershipNotice{
		Type:   messageTypeLeft,
		UserID: userID,
		RoomID: roomID,
	})
}

// broadcast delivers msg to every member, isolating per-recipient failures:
// a broken or slow recipient never aborts delivery to the rest.
func (r *Router) broadcast(members []room.Member, msg any) {
	for _, m := range members {
		r.sendTo(m.Handle, msg)
	}
}

func (r *Router) sendTo(h room.Handle, msg any) {
	if err := h.Send(msg); err != nil {
		r.metrics.Inc(metrics.BroadcastSendFail)
		r.log.Warn("send failed", "err", err)
		if r.onSendFailure != nil {
			r.onSendFailure(h)
		}
	}
}
