// Package hub provides a thread-safe websocket broadcast hub
// using the idiomatic Go channel-based fan-out pattern.
package hub

import "encoding/json"

// Event types pushed to display clients.
const (
	EventTurn  = "turn"
	EventState = "state"
	EventReset = "history_cleared"
)

// Message is one encoded frame for clients. An empty Session reaches
// every client; otherwise only clients watching that session (or all
// sessions) receive it.
type Message struct {
	Session string
	Data    []byte
}

// Envelope is the JSON shape of every frame.
type Envelope struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Encode builds a Message from an envelope.
func Encode(eventType, session string, data any) (Message, error) {
	raw, err := json.Marshal(Envelope{Type: eventType, Session: session, Data: data})
	if err != nil {
		return Message{}, err
	}
	return Message{Session: session, Data: raw}, nil
}
