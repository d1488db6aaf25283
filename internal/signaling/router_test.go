package signaling

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/peermesh/signal-relay/internal/metrics"
	"github.com/peermesh/signal-relay/internal/room"
)

// capturingHandle records every message delivered to it.
type capturingHandle struct {
	name string
	sent []any
	fail bool
}

func (h *capturingHandle) Send(msg any) error {
	if h.fail {
		return errors.New("send failed")
	}
	h.sent = append(h.sent, msg)
	return nil
}

func newTestRouter(t *testing.T, reg *room.Registry) (*Router, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewRouter(slog.Default(), reg, m, nil), m
}

func TestRouterJoinBroadcastsJoinedToOthers(t *testing.T) {
	reg := room.NewRegistry(0)
	r, m := newTestRouter(t, reg)

	alice := &capturingHandle{name: "alice"}
	bob := &capturingHandle{name: "bob"}

	r.HandleMessage(alice, []byte(`{"type":"join","roomId":"r1","userId":"alice"}`))
	r.HandleMessage(bob, []byte(`{"type":"join","roomId":"r1","userId":"bob"}`))

	if got := m.Get(metrics.RoomJoined); got != 2 {
		t.Fatalf("room_joined = %d, want 2", got)
	}
	if len(alice.sent) != 1 {
		t.Fatalf("alice received %d messages, want 1", len(alice.sent))
	}
	notice, ok := alice.sent[0].(membershipNotice)
	if !ok {
		t.Fatalf("alice received %T, want membershipNotice", alice.sent[0])
	}
	if notice.Type != messageTypeJoined || notice.UserID != "bob" || notice.RoomID != "r1" {
		t.Fatalf("notice = %+v, want joined/bob/r1", notice)
	}
	// The joiner itself gets no notification about its own join.
	if len(bob.sent) != 0 {
		t.Fatalf("bob received %d messages, want 0", len(bob.sent))
	}
}

func TestRouterRelayDeliversToTargetOnly(t *testing.T) {
	reg := room.NewRegistry(0)
	r, m := newTestRouter(t, reg)

	alice := &capturingHandle{name: "alice"}
	bob := &capturingHandle{name: "bob"}
	carol := &capturingHandle{name: "carol"}
	reg.Join("r1", "alice", alice)
	reg.Join("r1", "bob", bob)
	reg.Join("r1", "carol", carol)

	r.HandleMessage(alice, []byte(
		`{"type":"offer","roomId":"r1","from":"alice","target":"bob","offer":{"sdp":"v=0","type":"offer"}}`,
	))

	if got := m.Get(metrics.RelayOffer); got != 1 {
		t.Fatalf("relay_offer = %d, want 1", got)
	}
	if len(bob.sent) != 1 {
		t.Fatalf("bob received %d messages, want 1", len(bob.sent))
	}
	sig, ok := bob.sent[0].(relayedSignal)
	if !ok {
		t.Fatalf("bob received %T, want relayedSignal", bob.sent[0])
	}
	if sig.Type != messageTypeOffer || sig.From != "alice" || sig.Target != "bob" {
		t.Fatalf("signal = %+v, want offer from alice to bob", sig)
	}
	if string(sig.Offer) != `{"sdp":"v=0","type":"offer"}` {
		t.Fatalf("offer payload = %s, want verbatim copy", sig.Offer)
	}
	if len(carol.sent) != 0 {
		t.Fatalf("carol received %d messages, want 0", len(carol.sent))
	}
}

func TestRouterRelayMissingTargetIsSilent(t *testing.T) {
	reg := room.NewRegistry(0)
	r, m := newTestRouter(t, reg)

	alice := &capturingHandle{name: "alice"}
	reg.Join("r1", "alice", alice)

	r.HandleMessage(alice, []byte(
		`{"type":"answer","roomId":"r1","from":"alice","target":"ghost","answer":{}}`,
	))
	r.HandleMessage(alice, []byte(
		`{"type":"ice-candidate","roomId":"nosuchroom","from":"alice","target":"bob","candidate":{}}`,
	))

	if got := m.Get(metrics.RelayTargetMissed); got != 2 {
		t.Fatalf("relay_target_missed = %d, want 2", got)
	}
	if got := m.Get(metrics.RelayAnswer) + m.Get(metrics.RelayICECandidate); got != 0 {
		t.Fatalf("relay counters = %d, want 0 when nothing was delivered", got)
	}
	if len(alice.sent) != 0 {
		t.Fatalf("sender received %d messages, want no error reply", len(alice.sent))
	}
}

func TestRouterLeaveBroadcastsLeftToRemaining(t *testing.T) {
	reg := room.NewRegistry(0)
	r, m := newTestRouter(t, reg)

	alice := &capturingHandle{name: "alice"}
	bob := &capturingHandle{name: "bob"}
	reg.Join("r1", "alice", alice)
	reg.Join("r1", "bob", bob)

	r.HandleMessage(alice, []byte(`{"type":"leave","roomId":"r1","userId":"alice"}`))

	if got := m.Get(metrics.RoomLeft); got != 1 {
		t.Fatalf("room_left = %d, want 1", got)
	}
	if len(bob.sent) != 1 {
		t.Fatalf("bob received %d messages, want 1", len(bob.sent))
	}
	notice := bob.sent[0].(membershipNotice)
	if notice.Type != messageTypeLeft || notice.UserID != "alice" || notice.RoomID != "r1" {
		t.Fatalf("notice = %+v, want left/alice/r1", notice)
	}
	if _, ok := reg.Lookup("r1", "alice"); ok {
		t.Fatal("alice still registered after leave")
	}

	// Leaving a room you are not in changes nothing and notifies no one.
	r.HandleMessage(alice, []byte(`{"type":"leave","roomId":"r1","userId":"alice"}`))
	if got := m.Get(metrics.RoomLeft); got != 1 {
		t.Fatalf("room_left after duplicate leave = %d, want 1", got)
	}
	if len(bob.sent) != 1 {
		t.Fatalf("bob received %d messages after duplicate leave, want 1", len(bob.sent))
	}
}

func TestRouterGetParticipantsRepliesToSender(t *testing.T) {
	reg := room.NewRegistry(0)
	r, _ := newTestRouter(t, reg)

	alice := &capturingHandle{name: "alice"}
	bob := &capturingHandle{name: "bob"}
	reg.Join("r1", "alice", alice)
	reg.Join("r1", "bob", bob)

	r.HandleMessage(alice, []byte(`{"type":"get-participants","roomId":"r1"}`))

	if len(alice.sent) != 1 {
		t.Fatalf("alice received %d messages, want 1", len(alice.sent))
	}
	reply := alice.sent[0].(participantsReply)
	if reply.Type != messageTypeParticipants {
		t.Fatalf("reply type = %q, want participants", reply.Type)
	}
	got := map[string]bool{}
	for _, id := range reply.Participants {
		got[id] = true
	}
	if len(got) != 2 || !got["alice"] || !got["bob"] {
		t.Fatalf("participants = %v, want alice and bob", reply.Participants)
	}
	if len(bob.sent) != 0 {
		t.Fatalf("bob received %d messages, want 0", len(bob.sent))
	}
}

func TestRouterGetParticipantsMissingRoomRepliesEmpty(t *testing.T) {
	reg := room.NewRegistry(0)
	r, _ := newTestRouter(t, reg)

	alice := &capturingHandle{name: "alice"}
	r.HandleMessage(alice, []byte(`{"type":"get-participants","roomId":"nosuchroom"}`))

	if len(alice.sent) != 1 {
		t.Fatalf("alice received %d messages, want 1", len(alice.sent))
	}
	reply := alice.sent[0].(participantsReply)
	if reply.Participants == nil || len(reply.Participants) != 0 {
		t.Fatalf("participants = %#v, want empty non-nil list", reply.Participants)
	}
}

func TestRouterMalformedAndUnknownFramesAreDropped(t *testing.T) {
	reg := room.NewRegistry(0)
	r, m := newTestRouter(t, reg)

	alice := &capturingHandle{name: "alice"}
	r.HandleMessage(alice, []byte(`not json at all`))
	r.HandleMessage(alice, []byte(`{"type":"subscribe","roomId":"r1"}`))
	r.HandleMessage(alice, []byte(`{"type":"join","roomId":"r1"}`))

	if got := m.Get(metrics.FrameDropped); got != 3 {
		t.Fatalf("frame_dropped = %d, want 3", got)
	}
	if got := m.Get(metrics.FrameDecoded); got != 0 {
		t.Fatalf("frame_decoded = %d, want 0", got)
	}
	if reg.RoomCount() != 0 {
		t.Fatalf("rooms = %d, want 0", reg.RoomCount())
	}
	if len(alice.sent) != 0 {
		t.Fatalf("sender received %d messages, want 0", len(alice.sent))
	}
}

func TestRouterBroadcastIsolatesFailingRecipients(t *testing.T) {
	reg := room.NewRegistry(0)
	m := metrics.New()

	var failedHandles []room.Handle
	r := NewRouter(slog.Default(), reg, m, func(h room.Handle) {
		failedHandles = append(failedHandles, h)
	})

	alice := &capturingHandle{name: "alice"}
	broken := &capturingHandle{name: "broken", fail: true}
	carol := &capturingHandle{name: "carol"}
	reg.Join("r1", "alice", alice)
	reg.Join("r1", "broken", broken)
	reg.Join("r1", "carol", carol)

	dave := &capturingHandle{name: "dave"}
	r.HandleMessage(dave, []byte(`{"type":"join","roomId":"r1","userId":"dave"}`))

	// The broken recipient must not prevent delivery to the healthy ones.
	if len(alice.sent) != 1 || len(carol.sent) != 1 {
		t.Fatalf("healthy members received %d/%d messages, want 1/1", len(alice.sent), len(carol.sent))
	}
	if got := m.Get(metrics.BroadcastSendFail); got != 1 {
		t.Fatalf("broadcast_send_fail = %d, want 1", got)
	}
	if len(failedHandles) != 1 || failedHandles[0] != broken {
		t.Fatalf("onSendFailure handles = %v, want exactly the broken one", failedHandles)
	}
}

func TestRouterJoinRefusedWhenRoomFull(t *testing.T) {
	reg := room.NewRegistry(2)
	r, m := newTestRouter(t, reg)

	alice := &capturingHandle{name: "alice"}
	bob := &capturingHandle{name: "bob"}
	carol := &capturingHandle{name: "carol"}
	r.HandleMessage(alice, []byte(`{"type":"join","roomId":"r1","userId":"alice"}`))
	r.HandleMessage(bob, []byte(`{"type":"join","roomId":"r1","userId":"bob"}`))
	r.HandleMessage(carol, []byte(`{"type":"join","roomId":"r1","userId":"carol"}`))

	if got := m.Get(metrics.RoomJoinRejected); got != 1 {
		t.Fatalf("room_join_rejected = %d, want 1", got)
	}
	if _, ok := reg.Lookup("r1", "carol"); ok {
		t.Fatal("carol admitted past the room capacity")
	}
	// Existing members must not see a joined notice for the refused join.
	if len(alice.sent) != 1 || len(bob.sent) != 0 {
		t.Fatalf("notices after refused join = %d/%d, want 1/0", len(alice.sent), len(bob.sent))
	}
}
