// Package kingscup implements the single-device King's Cup machine and the
// rule-set blob codec used to share custom rules by key.
package kingscup

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/partydeck/server/internal/deck"
	"github.com/partydeck/server/internal/games"
)

type Phase string

const (
	PhaseDrawing  Phase = "drawing"
	PhaseFinished Phase = "finished"
)

const ActionDrawCard = "draw_card"

const (
	EvtCardDrawn games.EventType = "CardDrawn"
	EvtKingDrawn games.EventType = "KingDrawn"
)

// KingsToEnd: the fourth king drains the cup and ends the game.
const KingsToEnd = 4

type Rule struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// RuleSet maps card ranks to their table rule.
type RuleSet map[deck.Rank]Rule

// DefaultRules is the standard table.
func DefaultRules() RuleSet {
	return RuleSet{
		2:          {Title: "You", Description: "Pick someone to drink."},
		3:          {Title: "Me", Description: "You drink."},
		4:          {Title: "Floor", Description: "Last to touch the floor drinks."},
		5:          {Title: "Guys", Description: "Guys drink."},
		6:          {Title: "Chicks", Description: "Chicks drink."},
		7:          {Title: "Heaven", Description: "Last to raise a hand drinks."},
		8:          {Title: "Mate", Description: "Pick a mate; they drink when you drink."},
		9:          {Title: "Rhyme", Description: "Say a word; rhyme around the circle."},
		10:         {Title: "Categories", Description: "Pick a category; name things in turn."},
		deck.Jack:  {Title: "Rule", Description: "Make a rule for the table."},
		deck.Queen: {Title: "Questions", Description: "Answer a question with a question."},
		deck.King:  {Title: "King's Cup", Description: "Pour into the cup. Fourth king drinks it."},
		deck.Ace:   {Title: "Waterfall", Description: "Everyone drinks until the person before them stops."},
	}
}

// Encode packs a rule set into the base64 JSON blob handed out under a
// user-chosen key.
func Encode(rs RuleSet) (string, error) {
	raw, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("encode rule set: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func Decode(blob string) (RuleSet, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode rule set: %w", err)
	}
	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode rule set: %w", err)
	}
	return rs, nil
}

var ErrNeedsPlayers = errors.New("king's cup needs at least one player")

type DrawRecord struct {
	PlayerID string    `json:"playerId"`
	Card     deck.Card `json:"card"`
	Rule     Rule      `json:"rule"`
}

type State struct {
	Phase              Phase        `json:"phase"`
	CurrentPlayerIndex int          `json:"currentPlayerIndex"`
	Players            []string     `json:"players"`
	Deck               deck.Deck    `json:"deck"`
	Drawn              []DrawRecord `json:"drawn"`
	KingsDrawn         int          `json:"kingsDrawn"`
	LoserID            string       `json:"loserId,omitempty"`
	Rules              RuleSet      `json:"rules"`
}

func (State) GameType() games.Type   { return games.TypeKingsCupLocal }
func (s State) CurrentPhase() string { return string(s.Phase) }

type Machine struct{}

func init() { games.Register(Machine{}) }

func (Machine) Type() games.Type { return games.TypeKingsCupLocal }

func (Machine) NewState(players []games.PlayerRef) games.State {
	ids := make([]string, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.ID)
	}
	return State{
		Phase:   PhaseDrawing,
		Players: ids,
		Deck:    newDeck(),
		Rules:   DefaultRules(),
	}
}

func (Machine) Decode(raw []byte) (games.State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode king's cup state: %w", err)
	}
	return s, nil
}

func (Machine) Apply(gs games.State, cmd games.Command) ([]games.Event, games.State, error) {
	s, ok := gs.(State)
	if !ok {
		return nil, gs, games.ErrWrongStateType
	}

	switch cmd.Action {
	case ActionDrawCard:
		// Single-device game: the host screen is the only writer.
		if !cmd.FromHost {
			return nil, s, games.ErrNotHost
		}
		if s.Phase != PhaseDrawing {
			return nil, s, games.ErrWrongPhase
		}
		if len(s.Players) == 0 {
			return nil, s, ErrNeedsPlayers
		}

		d := append(deck.Deck{}, s.Deck...)
		card, ok := d.Draw()
		if !ok {
			return nil, s, games.ErrWrongPhase
		}
		s.Deck = d

		playerID := s.Players[s.CurrentPlayerIndex]
		s.Drawn = append(s.Drawn, DrawRecord{PlayerID: playerID, Card: card, Rule: s.Rules[card.Rank]})

		events := []games.Event{{Type: EvtCardDrawn, PlayerID: playerID, Amount: int(card.Rank)}}

		if card.Rank == deck.King {
			s.KingsDrawn++
			events = append(events, games.Event{Type: EvtKingDrawn, PlayerID: playerID, Amount: s.KingsDrawn})
			if s.KingsDrawn >= KingsToEnd {
				s.Phase = PhaseFinished
				s.LoserID = playerID
				events = append(events, games.Event{Type: games.EvtGameFinished, PlayerID: playerID})
			}
		}

		if s.Phase == PhaseDrawing && len(s.Deck) == 0 {
			s.Phase = PhaseFinished
			events = append(events, games.Event{Type: games.EvtGameFinished})
		}

		s.CurrentPlayerIndex = (s.CurrentPlayerIndex + 1) % len(s.Players)
		return events, s, nil

	default:
		return nil, s, games.ErrUnknownAction
	}
}

// stubbed in tests
var newDeck = deck.Shuffled
