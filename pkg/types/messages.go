// Package types holds the wire messages exchanged over the session
// websocket, shared by the host display and player clients.
package types

import "encoding/json"

// ClientMessage is what a connected client sends: a session-level or
// game-level action plus its game-specific payload. Identity never rides
// in the payload; it is derived from the connection's query parameters.
type ClientMessage struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage types.
const (
	MessageSnapshot = "snapshot"
	MessageError    = "error"
)

type PlayerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ServerMessage is either a full state snapshot or an error. Snapshots
// are whole-state: clients render what they receive and never patch.
type ServerMessage struct {
	Type     string          `json:"type"`
	Version  int             `json:"version,omitempty"`
	Code     string          `json:"code,omitempty"`
	GameType string          `json:"gameType,omitempty"`
	Status   string          `json:"status,omitempty"`
	Phase    string          `json:"phase,omitempty"`
	Players  []PlayerInfo    `json:"players,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Error    string          `json:"error,omitempty"`
}
