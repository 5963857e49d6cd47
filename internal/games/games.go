// Package games defines the contract shared by all game state machines:
// a command envelope submitted by hosts and players, an event stream
// describing what a command changed, and the Machine interface the
// per-session room drives.
package games

import (
	"encoding/json"
	"errors"
	"time"
)

type Type string

const (
	TypeKingsCupLocal Type = "kings-cup-local"
	TypeHorseRace     Type = "horse-race"
	TypeBeerPong      Type = "beer-pong"
	TypeRideBus       Type = "ride-bus"
)

func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case TypeKingsCupLocal, TypeHorseRace, TypeBeerPong, TypeRideBus:
		return Type(s), true
	default:
		return "", false
	}
}

var ErrWrongPhase = errors.New("action not legal in current phase")
var ErrWrongTurn = errors.New("not this player's turn")
var ErrNotHost = errors.New("host-only action")
var ErrUnknownAction = errors.New("unknown action")
var ErrBadPayload = errors.New("malformed action payload")
var ErrWrongStateType = errors.New("state does not belong to this game")

// PlayerRef identifies a roster member. Roster order is join order and
// doubles as turn order for the round-based games.
type PlayerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Command is the envelope every action travels in. ActorID/ActorName and
// FromHost are resolved server-side from the connection identity, never
// trusted from the client payload.
type Command struct {
	Action    string
	ActorID   string
	ActorName string
	FromHost  bool
	Payload   json.RawMessage
}

type EventType string

// EvtGameFinished is the one cross-game event: the room flips the
// session status to finished when it sees it.
const EvtGameFinished EventType = "GameFinished"

type Event struct {
	Type     EventType
	PlayerID string
	Target   string
	Amount   int
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// State is the authoritative per-session game state. Concrete states are
// plain structs that marshal to the stored JSON row.
type State interface {
	GameType() Type
	CurrentPhase() string
}

// Machine owns phase transitions and turn progression for one game type.
// Apply is a pure-ish reducer in the value-in/value-out sense: it returns
// the next state and never reports a partial mutation alongside an error.
type Machine interface {
	Type() Type
	NewState(players []PlayerRef) State
	Apply(s State, cmd Command) ([]Event, State, error)
	Decode(raw []byte) (State, error)
}

// Timed is implemented by machines that want the room to pace them:
// a host-side draw loop, a decision timeout, a reveal delay. The room
// arms a single generation-guarded timer after every state change and
// feeds cmd back through Apply when it fires.
type Timed interface {
	NextTimer(s State) (cmd Command, after time.Duration, ok bool)
}

var registry = map[Type]Machine{}

// Register is called from each game package's init.
func Register(m Machine) {
	registry[m.Type()] = m
}

func ForType(t Type) (Machine, bool) {
	m, ok := registry[t]
	return m, ok
}
