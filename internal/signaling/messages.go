package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

type messageType string

const (
	messageTypeJoin            messageType = "join"
	messageTypeOffer           messageType = "offer"
	messageTypeAnswer          messageType = "answer"
	messageTypeICECandidate    messageType = "ice-candidate"
	messageTypeLeave           messageType = "leave"
	messageTypeGetParticipants messageType = "get-participants"

	// Relay -> client only.
	messageTypeJoined       messageType = "joined"
	messageTypeLeft         messageType = "left"
	messageTypeParticipants messageType = "participants"
)

var errUnsupportedType = errors.New("signaling: unsupported message type")

// clientMessage is the inbound envelope. The negotiation payloads stay raw:
// the relay forwards them verbatim and never looks inside.
type clientMessage struct {
	Type   messageType `json:"type"`
	RoomID string      `json:"roomId"`
	UserID string      `json:"userId"`
	From   string      `json:"from"`
	Target string      `json:"target"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// parseClientMessage decodes and checks the fields dispatch depends on.
// Payload contents are never validated. Unknown fields are tolerated so
// clients can extend messages without breaking the relay.
func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoin, messageTypeLeave:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
		if m.UserID == "" {
			return fmt.Errorf("%s message missing userId", m.Type)
		}
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
		if m.Target == "" {
			return fmt.Errorf("%s message missing target", m.Type)
		}
	case messageTypeGetParticipants:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
	default:
		return fmt.Errorf("%w %q", errUnsupportedType, m.Type)
	}
	return nil
}

// membershipNotice is the joined/left broadcast sent to a room's members.
type membershipNotice struct {
	Type   messageType `json:"type"`
	UserID string      `json:"userId"`
	RoomID string      `json:"roomId"`
}

// participantsReply answers a get-participants request.
type participantsReply struct {
	Type         messageType `json:"type"`
	Participants []string    `json:"participants"`
}

// relayedSignal re-wraps a negotiation payload with routing metadata for the
// target. Exactly one of Offer/Answer/Candidate is set, matching Type.
type relayedSignal struct {
	Type      messageType     `json:"type"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	From      string          `json:"from"`
	Target    string          `json:"target"`
}

func newRelayedSignal(m clientMessage) relayedSignal {
	out := relayedSignal{
		Type:   m.Type,
		From:   m.From,
		Target: m.Target,
	}
	switch m.Type {
	case messageTypeOffer:
		out.Offer = m.Offer
	case messageTypeAnswer:
		out.Answer = m.Answer
	case messageTypeICECandidate:
		out.Candidate = m.Candidate
	}
	return out
}
