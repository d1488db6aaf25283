// Package signaling implements the rendezvous surface of the relay: rooms of
// participants exchanging opaque WebRTC negotiation payloads over WebSocket.
//
// The relay routes by message type and never interprets offer/answer/candidate
// payloads.
package signaling
