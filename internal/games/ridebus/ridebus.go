// Package ridebus implements the four guessing rounds, the community-card
// reveal with its give-or-keep decision window, and the bus-riding loop.
package ridebus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/partydeck/server/internal/deck"
	"github.com/partydeck/server/internal/games"
)

type Phase string

const (
	PhaseRound1    Phase = "round1"
	PhaseRound2    Phase = "round2"
	PhaseRound3    Phase = "round3"
	PhaseRound4    Phase = "round4"
	PhaseCommunity Phase = "community"
	PhaseBusRider  Phase = "bus_rider"
	PhaseRidingBus Phase = "riding_bus"
	PhaseFinished  Phase = "finished"
)

const (
	ActionSubmitGuess     = "submit_guess"
	ActionRevealCommunity = "reveal_community"
	ActionResolveMatch    = "resolve_match"
	ActionDefaultMatch    = "default_match"
	ActionBeginBus        = "begin_bus"
	ActionBusGuess        = "bus_guess"
)

const (
	EvtGuessCorrect    games.EventType = "GuessCorrect"
	EvtGuessWrong      games.EventType = "GuessWrong"
	EvtRoundAdvanced   games.EventType = "RoundAdvanced"
	EvtCommunityDealt  games.EventType = "CommunityDealt"
	EvtCardRevealed    games.EventType = "CardRevealed"
	EvtMatchPrompted   games.EventType = "MatchPrompted"
	EvtCardGiven       games.EventType = "CardGiven"
	EvtCardKept        games.EventType = "CardKept"
	EvtBusRiderChosen  games.EventType = "BusRiderChosen"
	EvtBusGuessCorrect games.EventType = "BusGuessCorrect"
	EvtBusGuessWrong   games.EventType = "BusGuessWrong"
)

var ErrBadGuess = errors.New("guess not valid for this round")
var ErrPendingDecision = errors.New("a give-or-keep decision is still pending")
var ErrNoPendingDecision = errors.New("no decision pending")
var ErrNotBusRider = errors.New("only the bus rider guesses here")
var ErrBadTarget = errors.New("unknown target player")
var ErrNeedsPlayers = errors.New("ride the bus needs at least one player")

// CommunityCardCount is how many shared cards are dealt after round 4.
const CommunityCardCount = 8

// BusWinStreak is the number of consecutive correct guesses that gets the
// rider off the bus.
const BusWinStreak = 4

// Overridden from config.
var (
	MatchDecisionTimeout = 10 * time.Second
	BusAnnounceDelay     = 3 * time.Second
)

type Hand struct {
	PlayerID    string      `json:"playerId"`
	PlayerName  string      `json:"playerName"`
	Cards       []deck.Card `json:"cards"`
	DrinksGiven int         `json:"drinksGiven"`
	DrinksTaken int         `json:"drinksTaken"`
}

// MatchPrompt is one queued give-or-keep decision: hand card HandIndex of
// PlayerID matched the community card at CommunityIndex.
type MatchPrompt struct {
	PlayerID       string `json:"playerId"`
	HandIndex      int    `json:"handIndex"`
	CommunityIndex int    `json:"communityIndex"`
}

// Choice is the append-only action log shown on the host screen.
type Choice struct {
	PlayerID string `json:"playerId"`
	Action   string `json:"action"`
	Detail   string `json:"detail,omitempty"`
}

type State struct {
	Phase              Phase         `json:"phase"`
	CurrentRound       int           `json:"currentRound"`
	CurrentPlayerIndex int           `json:"currentPlayerIndex"`
	Hands              []Hand        `json:"playerCards"`
	Deck               deck.Deck     `json:"deck"`
	CommunityCards     []deck.Card   `json:"communityCards"`
	RevealIndex        int           `json:"revealIndex"`
	Pending            []MatchPrompt `json:"pendingMatches"`
	// PendingGen bumps whenever the head of the queue changes, so a
	// stale decision timeout cannot resolve the wrong prompt.
	PendingGen      int         `json:"pendingGen"`
	BusRiderID      string      `json:"busRiderId,omitempty"`
	BusSequence     []deck.Card `json:"busCards"`
	FlippedBusCards int         `json:"flippedBusCards"`
	BusWrongGuesses int         `json:"busWrongGuesses"`
	DrinkPenalty    int         `json:"drinkPenalty"`
	Choices         []Choice    `json:"choices"`
}

func (State) GameType() games.Type   { return games.TypeRideBus }
func (s State) CurrentPhase() string { return string(s.Phase) }

func roundPhase(round int) Phase {
	switch round {
	case 1:
		return PhaseRound1
	case 2:
		return PhaseRound2
	case 3:
		return PhaseRound3
	default:
		return PhaseRound4
	}
}

func (s State) inGuessingRounds() bool {
	switch s.Phase {
	case PhaseRound1, PhaseRound2, PhaseRound3, PhaseRound4:
		return true
	default:
		return false
	}
}

func (s State) handIndex(playerID string) int {
	for i, h := range s.Hands {
		if h.PlayerID == playerID {
			return i
		}
	}
	return -1
}

type Machine struct{}

func init() { games.Register(Machine{}) }

func (Machine) Type() games.Type { return games.TypeRideBus }

func (Machine) NewState(players []games.PlayerRef) games.State {
	hands := make([]Hand, 0, len(players))
	for _, p := range players {
		hands = append(hands, Hand{PlayerID: p.ID, PlayerName: p.Name, Cards: []deck.Card{}})
	}
	return State{
		Phase:        PhaseRound1,
		CurrentRound: 1,
		Hands:        hands,
		Deck:         newDeck(),
	}
}

func (Machine) Decode(raw []byte) (games.State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode ride bus state: %w", err)
	}
	return s, nil
}

// NextTimer arms the two host-paced delays: the give-or-keep decision
// window and the bus-rider announcement.
func (Machine) NextTimer(gs games.State) (games.Command, time.Duration, bool) {
	s, ok := gs.(State)
	if !ok {
		return games.Command{}, 0, false
	}
	if len(s.Pending) > 0 {
		payload, _ := json.Marshal(defaultMatchPayload{Gen: s.PendingGen})
		return games.Command{Action: ActionDefaultMatch, FromHost: true, Payload: payload}, MatchDecisionTimeout, true
	}
	if s.Phase == PhaseBusRider {
		return games.Command{Action: ActionBeginBus, FromHost: true}, BusAnnounceDelay, true
	}
	return games.Command{}, 0, false
}

type guessPayload struct {
	Guess string `json:"guess"`
}

type resolveMatchPayload struct {
	Give       bool   `json:"give"`
	ToPlayerID string `json:"toPlayerId,omitempty"`
}

type defaultMatchPayload struct {
	Gen int `json:"gen"`
}

func (Machine) Apply(gs games.State, cmd games.Command) ([]games.Event, games.State, error) {
	s, ok := gs.(State)
	if !ok {
		return nil, gs, games.ErrWrongStateType
	}

	switch cmd.Action {
	case ActionSubmitGuess:
		return applyGuess(s, cmd)
	case ActionRevealCommunity:
		return applyReveal(s, cmd)
	case ActionResolveMatch:
		return applyResolveMatch(s, cmd)
	case ActionDefaultMatch:
		return applyDefaultMatch(s, cmd)
	case ActionBeginBus:
		return applyBeginBus(s, cmd)
	case ActionBusGuess:
		return applyBusGuess(s, cmd)
	default:
		return nil, s, games.ErrUnknownAction
	}
}

func applyGuess(s State, cmd games.Command) ([]games.Event, games.State, error) {
	if !s.inGuessingRounds() {
		return nil, s, games.ErrWrongPhase
	}
	if len(s.Hands) == 0 {
		return nil, s, ErrNeedsPlayers
	}
	hand := s.Hands[s.CurrentPlayerIndex]
	if cmd.ActorID != hand.PlayerID {
		return nil, s, games.ErrWrongTurn
	}
	var p guessPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, s, games.ErrBadPayload
	}

	card, next := drawCard(s)
	s = next

	correct, err := evaluateGuess(s.CurrentRound, p.Guess, hand.Cards, card)
	if err != nil {
		return nil, s, err
	}

	hands := cloneHands(s.Hands)
	h := &hands[s.CurrentPlayerIndex]
	h.Cards = append(h.Cards, card)

	// Round N's stake is N drinks.
	events := []games.Event{}
	if correct {
		h.DrinksGiven += s.CurrentRound
		events = append(events, games.Event{Type: EvtGuessCorrect, PlayerID: h.PlayerID, Amount: s.CurrentRound})
	} else {
		h.DrinksTaken += s.CurrentRound
		events = append(events, games.Event{Type: EvtGuessWrong, PlayerID: h.PlayerID, Amount: s.CurrentRound})
	}
	s.Hands = hands
	s.Choices = append(s.Choices, Choice{PlayerID: h.PlayerID, Action: ActionSubmitGuess, Detail: p.Guess})

	// Turn advances in join order; a completed cycle advances the round.
	s.CurrentPlayerIndex++
	if s.CurrentPlayerIndex >= len(s.Hands) {
		s.CurrentPlayerIndex = 0
		s.CurrentRound++
		if s.CurrentRound > 4 {
			s = dealCommunity(s)
			events = append(events, games.Event{Type: EvtCommunityDealt, Amount: CommunityCardCount})
		} else {
			s.Phase = roundPhase(s.CurrentRound)
			events = append(events, games.Event{Type: EvtRoundAdvanced, Amount: s.CurrentRound})
		}
	}
	return events, s, nil
}

func applyReveal(s State, cmd games.Command) ([]games.Event, games.State, error) {
	if !cmd.FromHost {
		return nil, s, games.ErrNotHost
	}
	if s.Phase != PhaseCommunity {
		return nil, s, games.ErrWrongPhase
	}
	if len(s.Pending) > 0 {
		return nil, s, ErrPendingDecision
	}
	if s.RevealIndex >= len(s.CommunityCards) {
		return nil, s, games.ErrWrongPhase
	}

	card := s.CommunityCards[s.RevealIndex]
	idx := s.RevealIndex
	s.RevealIndex++

	events := []games.Event{{Type: EvtCardRevealed, Amount: idx}}

	// Every rank match across every hand queues its own prompt.
	pending := append([]MatchPrompt{}, s.Pending...)
	for _, h := range s.Hands {
		for ci, c := range h.Cards {
			if c.Rank == card.Rank {
				pending = append(pending, MatchPrompt{PlayerID: h.PlayerID, HandIndex: ci, CommunityIndex: idx})
				events = append(events, games.Event{Type: EvtMatchPrompted, PlayerID: h.PlayerID})
			}
		}
	}
	if len(pending) > 0 {
		s.Pending = pending
		s.PendingGen++
	}

	s = maybeChooseBusRider(s, &events)
	return events, s, nil
}

func applyResolveMatch(s State, cmd games.Command) ([]games.Event, games.State, error) {
	if s.Phase != PhaseCommunity {
		return nil, s, games.ErrWrongPhase
	}
	if len(s.Pending) == 0 {
		return nil, s, ErrNoPendingDecision
	}
	prompt := s.Pending[0]
	if cmd.ActorID != prompt.PlayerID {
		return nil, s, games.ErrWrongTurn
	}
	var p resolveMatchPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, s, games.ErrBadPayload
	}
	return resolveHeadPrompt(s, p.Give, p.ToPlayerID)
}

// applyDefaultMatch is the decision-window timeout racing the player's
// explicit choice; default is to keep the card. The generation check makes
// a stale fire a no-op rather than an error.
func applyDefaultMatch(s State, cmd games.Command) ([]games.Event, games.State, error) {
	if !cmd.FromHost {
		return nil, s, games.ErrNotHost
	}
	var p defaultMatchPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, s, games.ErrBadPayload
	}
	if s.Phase != PhaseCommunity || len(s.Pending) == 0 || p.Gen != s.PendingGen {
		return nil, s, nil
	}
	return resolveHeadPrompt(s, false, "")
}

func resolveHeadPrompt(s State, give bool, toPlayerID string) ([]games.Event, games.State, error) {
	prompt := s.Pending[0]
	events := []games.Event{}

	if give {
		from := s.handIndex(prompt.PlayerID)
		to := s.handIndex(toPlayerID)
		if to < 0 || to == from {
			return nil, s, ErrBadTarget
		}
		hands := cloneHands(s.Hands)
		card := hands[from].Cards[prompt.HandIndex]
		hands[from].Cards = append(hands[from].Cards[:prompt.HandIndex:prompt.HandIndex], hands[from].Cards[prompt.HandIndex+1:]...)
		hands[to].Cards = append(hands[to].Cards, card)
		s.Hands = hands

		// Giving a card shifts the giver's hand, so re-point any queued
		// prompts at the cards they matched.
		rest := make([]MatchPrompt, 0, len(s.Pending)-1)
		for _, q := range s.Pending[1:] {
			if q.PlayerID == prompt.PlayerID {
				if q.HandIndex == prompt.HandIndex {
					continue // the matched card left the hand
				}
				if q.HandIndex > prompt.HandIndex {
					q.HandIndex--
				}
			}
			rest = append(rest, q)
		}
		s.Pending = rest
		events = append(events, games.Event{Type: EvtCardGiven, PlayerID: prompt.PlayerID, Target: toPlayerID})
		s.Choices = append(s.Choices, Choice{PlayerID: prompt.PlayerID, Action: "give", Detail: toPlayerID})
	} else {
		s.Pending = append([]MatchPrompt{}, s.Pending[1:]...)
		events = append(events, games.Event{Type: EvtCardKept, PlayerID: prompt.PlayerID})
		s.Choices = append(s.Choices, Choice{PlayerID: prompt.PlayerID, Action: "keep"})
	}
	s.PendingGen++

	s = maybeChooseBusRider(s, &events)
	return events, s, nil
}

func applyBeginBus(s State, cmd games.Command) ([]games.Event, games.State, error) {
	if !cmd.FromHost {
		return nil, s, games.ErrNotHost
	}
	if s.Phase != PhaseBusRider {
		return nil, s, games.ErrWrongPhase
	}
	card, next := drawCard(s)
	s = next
	s.BusSequence = []deck.Card{card}
	s.FlippedBusCards++
	s.Phase = PhaseRidingBus
	return []games.Event{{Type: EvtCardRevealed, PlayerID: s.BusRiderID}}, s, nil
}

func applyBusGuess(s State, cmd games.Command) ([]games.Event, games.State, error) {
	if s.Phase != PhaseRidingBus {
		return nil, s, games.ErrWrongPhase
	}
	if cmd.ActorID != s.BusRiderID {
		return nil, s, ErrNotBusRider
	}
	var p guessPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, s, games.ErrBadPayload
	}
	if p.Guess != "higher" && p.Guess != "lower" {
		return nil, s, ErrBadGuess
	}

	card, next := drawCard(s)
	s = next
	s.FlippedBusCards++

	last := s.BusSequence[len(s.BusSequence)-1]
	correct := (p.Guess == "higher" && card.Rank > last.Rank) ||
		(p.Guess == "lower" && card.Rank < last.Rank) // a tie is a wrong guess

	s.Choices = append(s.Choices, Choice{PlayerID: cmd.ActorID, Action: ActionBusGuess, Detail: p.Guess})

	if correct {
		s.BusSequence = append(append([]deck.Card{}, s.BusSequence...), card)
		events := []games.Event{{Type: EvtBusGuessCorrect, PlayerID: cmd.ActorID, Amount: len(s.BusSequence) - 1}}
		if len(s.BusSequence)-1 >= BusWinStreak {
			s.Phase = PhaseFinished
			events = append(events, games.Event{Type: games.EvtGameFinished, PlayerID: cmd.ActorID})
		}
		return events, s, nil
	}

	// The n-th wrong guess costs n drinks; the penalty survives the
	// restart, the streak does not.
	s.BusWrongGuesses++
	s.DrinkPenalty += s.BusWrongGuesses

	fresh, next2 := drawCard(s)
	s = next2
	s.FlippedBusCards++
	s.BusSequence = []deck.Card{fresh}
	return []games.Event{{Type: EvtBusGuessWrong, PlayerID: cmd.ActorID, Amount: s.BusWrongGuesses}}, s, nil
}

// evaluateGuess scores one round-N guess against the drawn card. Ties and
// boundary hits lose: an equal card is neither higher nor lower, and a
// card on the range boundary is neither inside nor outside.
func evaluateGuess(round int, guess string, hand []deck.Card, card deck.Card) (bool, error) {
	switch round {
	case 1:
		switch guess {
		case "red", "black":
			return string(card.Color()) == guess, nil
		}
	case 2:
		if len(hand) < 1 {
			return false, ErrBadGuess
		}
		prev := hand[len(hand)-1]
		switch guess {
		case "higher":
			return card.Rank > prev.Rank, nil
		case "lower":
			return card.Rank < prev.Rank, nil
		}
	case 3:
		if len(hand) < 2 {
			return false, ErrBadGuess
		}
		lo, hi := hand[0].Rank, hand[1].Rank
		if lo > hi {
			lo, hi = hi, lo
		}
		switch guess {
		case "inside":
			return card.Rank > lo && card.Rank < hi, nil
		case "outside":
			return card.Rank < lo || card.Rank > hi, nil
		}
	case 4:
		if _, ok := deck.ParseSuit(guess); ok {
			return string(card.Suit) == guess, nil
		}
	}
	return false, ErrBadGuess
}

func dealCommunity(s State) State {
	cards := make([]deck.Card, 0, CommunityCardCount)
	for i := 0; i < CommunityCardCount; i++ {
		var c deck.Card
		c, s = drawCard(s)
		cards = append(cards, c)
	}
	s.CommunityCards = cards
	s.RevealIndex = 0
	s.Phase = PhaseCommunity
	return s
}

// maybeChooseBusRider fires once all community cards are revealed and no
// decision is outstanding: the largest hand rides the bus, ties going to
// the earliest joiner.
func maybeChooseBusRider(s State, events *[]games.Event) State {
	if s.Phase != PhaseCommunity || len(s.Pending) > 0 || s.RevealIndex < len(s.CommunityCards) || len(s.CommunityCards) == 0 {
		return s
	}
	rider := 0
	for i, h := range s.Hands {
		if len(h.Cards) > len(s.Hands[rider].Cards) {
			rider = i
		}
	}
	s.BusRiderID = s.Hands[rider].PlayerID
	s.Phase = PhaseBusRider
	*events = append(*events, games.Event{Type: EvtBusRiderChosen, PlayerID: s.BusRiderID})
	return s
}

// drawCard pops the next card, reshuffling a fresh deck under the game if
// the current one runs dry mid-phase.
func drawCard(s State) (deck.Card, State) {
	d := append(deck.Deck{}, s.Deck...)
	card, ok := d.Draw()
	if !ok {
		d = newDeck()
		card, _ = d.Draw()
	}
	s.Deck = d
	return card, s
}

func cloneHands(hands []Hand) []Hand {
	out := make([]Hand, len(hands))
	copy(out, hands)
	for i := range out {
		out[i].Cards = append([]deck.Card{}, out[i].Cards...)
	}
	return out
}

// stubbed in tests
var newDeck = deck.Shuffled
