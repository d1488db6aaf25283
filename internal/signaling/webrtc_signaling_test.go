package signaling

import (
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

func newSignalingTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func gatherLocalDescription(t *testing.T, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) *webrtc.SessionDescription {
	t.Helper()
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered
	local := pc.LocalDescription()
	if local == nil {
		t.Fatal("missing local description after gathering")
	}
	return local
}

// readSignal reads frames until one of the wanted type arrives, skipping
// membership notices from concurrent joins.
func readSignal(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for {
		got := readJSON(t, conn)
		switch got["type"] {
		case want:
			return got
		case "joined", "left":
		default:
			t.Fatalf("unexpected frame %v while waiting for %s", got, want)
		}
	}
}

// Two real peer connections negotiate a data channel with every SDP blob
// carried through the relay. The relay must deliver the payloads verbatim or
// the remote descriptions fail to apply.
func TestSignalingCarriesRealSessionDescriptions(t *testing.T) {
	ts, _, _ := startTestServer(t, Config{})

	api := newSignalingTestAPI(t)

	offererPC, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection(offerer): %v", err)
	}
	t.Cleanup(func() { _ = offererPC.Close() })

	answererPC, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection(answerer): %v", err)
	}
	t.Cleanup(func() { _ = answererPC.Close() })

	if _, err := offererPC.CreateDataChannel("signal-check", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}

	alice := dialWS(t, ts)
	bob := dialWS(t, ts)
	sendJSON(t, alice, `{"type":"join","roomId":"call","userId":"alice"}`)
	sendJSON(t, bob, `{"type":"join","roomId":"call","userId":"bob"}`)
	// Serialize on both joins being registered before relaying.
	sendJSON(t, alice, `{"type":"get-participants","roomId":"call"}`)
	readSignal(t, alice, "participants")
	sendJSON(t, bob, `{"type":"get-participants","roomId":"call"}`)
	readSignal(t, bob, "participants")

	offer, err := offererPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	localOffer := gatherLocalDescription(t, offererPC, offer)

	offerJSON, err := json.Marshal(localOffer)
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	envelope, err := json.Marshal(map[string]any{
		"type":   "offer",
		"roomId": "call",
		"from":   "alice",
		"target": "bob",
		"offer":  json.RawMessage(offerJSON),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sendJSON(t, alice, string(envelope))

	relayedOffer := readSignal(t, bob, "offer")
	if relayedOffer["from"] != "alice" {
		t.Fatalf("offer from = %v, want alice", relayedOffer["from"])
	}
	var remoteOffer webrtc.SessionDescription
	mustDecodeField(t, relayedOffer, "offer", &remoteOffer)
	if err := answererPC.SetRemoteDescription(remoteOffer); err != nil {
		t.Fatalf("SetRemoteDescription(offer): %v", err)
	}

	answer, err := answererPC.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	localAnswer := gatherLocalDescription(t, answererPC, answer)

	answerJSON, err := json.Marshal(localAnswer)
	if err != nil {
		t.Fatalf("marshal answer: %v", err)
	}
	envelope, err = json.Marshal(map[string]any{
		"type":   "answer",
		"roomId": "call",
		"from":   "bob",
		"target": "alice",
		"answer": json.RawMessage(answerJSON),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sendJSON(t, bob, string(envelope))

	relayedAnswer := readSignal(t, alice, "answer")
	var remoteAnswer webrtc.SessionDescription
	mustDecodeField(t, relayedAnswer, "answer", &remoteAnswer)
	if err := offererPC.SetRemoteDescription(remoteAnswer); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}

	if offererPC.RemoteDescription() == nil || answererPC.RemoteDescription() == nil {
		t.Fatal("negotiation through the relay left a peer without a remote description")
	}
	if got := offererPC.SignalingState(); got != webrtc.SignalingStateStable {
		t.Fatalf("offerer signaling state = %s, want stable", got)
	}
	if got := answererPC.SignalingState(); got != webrtc.SignalingStateStable {
		t.Fatalf("answerer signaling state = %s, want stable", got)
	}
}

func mustDecodeField(t *testing.T, msg map[string]any, field string, out any) {
	t.Helper()
	raw, err := json.Marshal(msg[field])
	if err != nil {
		t.Fatalf("marshal %s: %v", field, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshal %s: %v", field, err)
	}
}
