// Package horserace implements the betting/racing/finished machine: players
// stake drinks on a suit, the host draws suits off a shuffled pile until one
// crosses the finish line, and winning bets pay out at the posted odds.
package horserace

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/partydeck/server/internal/deck"
	"github.com/partydeck/server/internal/games"
)

type Phase string

const (
	PhaseBetting  Phase = "betting"
	PhaseRacing   Phase = "racing"
	PhaseFinished Phase = "finished"
)

const (
	ActionPlaceBet  = "place_bet"
	ActionStartRace = "start_race"
	ActionDrawStep  = "draw_step"
	ActionResetRace = "reset_race"
)

const (
	EvtBetPlaced    games.EventType = "BetPlaced"
	EvtRaceStarted  games.EventType = "RaceStarted"
	EvtSuitDrawn    games.EventType = "SuitDrawn"
	EvtRaceFinished games.EventType = "RaceFinished"
	EvtRaceReset    games.EventType = "RaceReset"
)

var ErrNoBets = errors.New("cannot start a race with no bets")
var ErrBadAmount = errors.New("bet amount not offered")
var ErrBadSuit = errors.New("unknown suit")

// FinishLine is how many draws a suit needs to win.
const FinishLine = 8

// BetAmounts are the only stakes the table offers.
var BetAmounts = []int{1, 5, 10, 15, 20}

// DrawInterval paces the host-driven draw loop. Overridden from config.
var DrawInterval = 900 * time.Millisecond

const (
	minOdds = 1.0
	maxOdds = 5.0
)

type Bet struct {
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	Suit       deck.Suit `json:"suit"`
	Amount     int       `json:"amount"`
}

type Payout struct {
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	Suit       deck.Suit `json:"suit"`
	Amount     int       `json:"amount"`
	Winnings   float64   `json:"winnings"`
}

type State struct {
	Phase      Phase                 `json:"phase"`
	Bets       []Bet                 `json:"bets"`
	Progress   map[deck.Suit]int     `json:"raceProgress"`
	Odds       map[deck.Suit]float64 `json:"odds"`
	DrawPile   []deck.Suit           `json:"drawPile"`
	DrawnCards []deck.Suit           `json:"drawnCards"`
	Winner     deck.Suit             `json:"winner,omitempty"`
	Payouts    []Payout              `json:"payouts,omitempty"`
}

func (State) GameType() games.Type   { return games.TypeHorseRace }
func (s State) CurrentPhase() string { return string(s.Phase) }

type Machine struct{}

func init() { games.Register(Machine{}) }

func (Machine) Type() games.Type { return games.TypeHorseRace }

func (Machine) NewState(players []games.PlayerRef) games.State {
	return State{
		Phase:    PhaseBetting,
		Bets:     []Bet{},
		Progress: map[deck.Suit]int{deck.Spades: 0, deck.Hearts: 0, deck.Diamonds: 0, deck.Clubs: 0},
		Odds:     map[deck.Suit]float64{deck.Spades: 4, deck.Hearts: 3, deck.Diamonds: 2, deck.Clubs: 1},
	}
}

func (Machine) Decode(raw []byte) (games.State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode horse race state: %w", err)
	}
	return s, nil
}

func (Machine) NextTimer(gs games.State) (games.Command, time.Duration, bool) {
	s, ok := gs.(State)
	if !ok || s.Phase != PhaseRacing {
		return games.Command{}, 0, false
	}
	return games.Command{Action: ActionDrawStep, FromHost: true}, DrawInterval, true
}

type placeBetPayload struct {
	Suit   string `json:"suit"`
	Amount int    `json:"amount"`
}

func (Machine) Apply(gs games.State, cmd games.Command) ([]games.Event, games.State, error) {
	s, ok := gs.(State)
	if !ok {
		return nil, gs, games.ErrWrongStateType
	}

	switch cmd.Action {
	case ActionPlaceBet:
		if s.Phase != PhaseBetting {
			return nil, s, games.ErrWrongPhase
		}
		var p placeBetPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, s, games.ErrBadPayload
		}
		suit, ok := deck.ParseSuit(p.Suit)
		if !ok {
			return nil, s, ErrBadSuit
		}
		if !slices.Contains(BetAmounts, p.Amount) {
			return nil, s, ErrBadAmount
		}

		// Re-betting replaces the prior bet, which is what makes
		// bet submission safe to repeat after a network blip.
		bet := Bet{PlayerID: cmd.ActorID, PlayerName: cmd.ActorName, Suit: suit, Amount: p.Amount}
		s.Bets = upsertBet(s.Bets, bet)
		return []games.Event{{Type: EvtBetPlaced, PlayerID: cmd.ActorID, Target: string(suit), Amount: p.Amount}}, s, nil

	case ActionStartRace:
		if !cmd.FromHost {
			return nil, s, games.ErrNotHost
		}
		if s.Phase != PhaseBetting {
			return nil, s, games.ErrWrongPhase
		}
		if len(s.Bets) == 0 {
			return nil, s, ErrNoBets
		}
		s.Phase = PhaseRacing
		s.DrawPile = newDrawPile()
		s.DrawnCards = []deck.Suit{}
		return []games.Event{{Type: EvtRaceStarted}}, s, nil

	case ActionDrawStep:
		if !cmd.FromHost {
			return nil, s, games.ErrNotHost
		}
		if s.Phase != PhaseRacing {
			return nil, s, games.ErrWrongPhase
		}
		if len(s.DrawPile) == 0 {
			s.DrawPile = newDrawPile()
		}
		suit := s.DrawPile[0]
		s.DrawPile = s.DrawPile[1:]

		progress := make(map[deck.Suit]int, len(s.Progress))
		for k, v := range s.Progress {
			progress[k] = v
		}
		progress[suit]++
		s.Progress = progress
		s.DrawnCards = append(s.DrawnCards, suit)

		events := []games.Event{{Type: EvtSuitDrawn, Target: string(suit)}}

		// Progress is updated and checked one draw at a time, so the
		// earliest suit to reach the line wins unambiguously.
		if s.Progress[suit] >= FinishLine {
			s.Phase = PhaseFinished
			s.Winner = suit
			s.Payouts = settle(s.Bets, suit, s.Odds[suit])
			events = append(events, games.Event{Type: EvtRaceFinished, Target: string(suit)})
		}
		return events, s, nil

	case ActionResetRace:
		if !cmd.FromHost {
			return nil, s, games.ErrNotHost
		}
		if s.Phase != PhaseFinished {
			return nil, s, games.ErrWrongPhase
		}

		// Stale bets must not pay out in a race their owner never
		// entered, so the slate is wiped along with the track.
		s.Odds = rebalanceOdds(s.Odds, s.Winner)
		s.Bets = []Bet{}
		s.Progress = map[deck.Suit]int{deck.Spades: 0, deck.Hearts: 0, deck.Diamonds: 0, deck.Clubs: 0}
		s.DrawPile = nil
		s.DrawnCards = nil
		s.Winner = ""
		s.Payouts = nil
		s.Phase = PhaseBetting
		return []games.Event{{Type: EvtRaceReset}}, s, nil

	default:
		return nil, s, games.ErrUnknownAction
	}
}

func upsertBet(bets []Bet, bet Bet) []Bet {
	out := make([]Bet, len(bets))
	copy(out, bets)
	for i, b := range out {
		if b.PlayerID == bet.PlayerID {
			out[i] = bet
			return out
		}
	}
	return append(out, bet)
}

// newDrawPile is the suit distribution of a shuffled 52-card deck: a
// quarter chance per draw, with memory until the pile reshuffles.
func newDrawPile() []deck.Suit {
	pile := make([]deck.Suit, 0, 52)
	for _, s := range deck.Suits() {
		for i := 0; i < 13; i++ {
			pile = append(pile, s)
		}
	}
	shufflePile(pile)
	return pile
}

func settle(bets []Bet, winner deck.Suit, odds float64) []Payout {
	payouts := make([]Payout, 0, len(bets))
	for _, b := range bets {
		if b.Suit != winner {
			continue
		}
		payouts = append(payouts, Payout{
			PlayerID:   b.PlayerID,
			PlayerName: b.PlayerName,
			Suit:       b.Suit,
			Amount:     b.Amount,
			Winnings:   float64(b.Amount) * odds,
		})
	}
	return payouts
}

// rebalanceOdds shortens the winner and lengthens the field, clamped to
// [minOdds, maxOdds].
func rebalanceOdds(odds map[deck.Suit]float64, winner deck.Suit) map[deck.Suit]float64 {
	next := make(map[deck.Suit]float64, len(odds))
	for suit, o := range odds {
		if suit == winner {
			next[suit] = max(minOdds, o-0.5)
		} else {
			next[suit] = min(maxOdds, o+0.2)
		}
	}
	return next
}

// stubbed in tests
var shufflePile = func(pile []deck.Suit) {
	rand.Shuffle(len(pile), func(i, j int) { pile[i], pile[j] = pile[j], pile[i] })
}
