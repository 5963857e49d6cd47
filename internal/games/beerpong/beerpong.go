// Package beerpong implements the lobby/playing/finished machine: two teams,
// ten cups each in a 4-3-2-1 triangle, alternating shots resolved by the host
// with a power/angle hit model.
package beerpong

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"

	"github.com/partydeck/server/internal/games"
)

type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
)

type Mode string

const (
	ModeHeadToHead Mode = "head_to_head"
	ModeTournament Mode = "tournament"
)

const (
	ActionSetMode     = "set_mode"
	ActionJoinTeam    = "join_team"
	ActionStartGame   = "start_game"
	ActionResolveShot = "resolve_shot"
	ActionSetBracket  = "set_bracket"
)

const (
	EvtTeamJoined   games.EventType = "TeamJoined"
	EvtGameStarted  games.EventType = "GameStarted"
	EvtShotResolved games.EventType = "ShotResolved"
	EvtCupHit       games.EventType = "CupHit"
)

var ErrBadTeam = errors.New("unknown team")
var ErrBadShot = errors.New("shot parameters out of range")
var ErrNotOnTeam = errors.New("player is not on the shooting team")
var ErrNotTournament = errors.New("bracket only exists in tournament mode")

const (
	TeamOne = "team1"
	TeamTwo = "team2"
)

// maxHitChance caps the hit model: a perfect throw still misses 30% of
// the time.
const maxHitChance = 0.7

type Cup struct {
	ID  int     `json:"id"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Hit bool    `json:"hit"`
}

type Team struct {
	Name    string   `json:"name"`
	Cups    []Cup    `json:"cups"`
	Score   int      `json:"score"`
	Players []string `json:"players"`
}

type Shot struct {
	Team  string  `json:"team"`
	Power float64 `json:"power"`
	Angle float64 `json:"angle"`
	Hit   bool    `json:"hit"`
	CupID int     `json:"cupId,omitempty"`
}

type Match struct {
	ID     int    `json:"id"`
	Round  int    `json:"round"`
	Team1  string `json:"team1"`
	Team2  string `json:"team2"`
	Winner string `json:"winner,omitempty"`
}

// Bracket is display-only state; advancement happens on the host screen.
type Bracket struct {
	Matches      []Match `json:"matches"`
	CurrentRound int     `json:"currentRound"`
	Champion     string  `json:"champion,omitempty"`
}

type State struct {
	Mode        Mode     `json:"mode"`
	Phase       Phase    `json:"phase"`
	Team1       Team     `json:"team1"`
	Team2       Team     `json:"team2"`
	CurrentTurn string   `json:"currentTurn"`
	Shots       []Shot   `json:"shots"`
	Bracket     *Bracket `json:"bracketData,omitempty"`
	Winner      string   `json:"winner,omitempty"`
}

func (State) GameType() games.Type   { return games.TypeBeerPong }
func (s State) CurrentPhase() string { return string(s.Phase) }

// CupLayout returns the 4-3-2-1 triangle for one side. Coordinates are
// relative offsets in display space; the right side mirrors the left.
func CupLayout(side string) []Cup {
	rows := []int{4, 3, 2, 1}
	cups := make([]Cup, 0, 10)
	id := 1
	for r, count := range rows {
		x := 0.06 + 0.08*float64(r)
		if side == TeamTwo {
			x = 1 - x
		}
		for i := 0; i < count; i++ {
			y := 0.5 + 0.1*(float64(i)-float64(count-1)/2)
			cups = append(cups, Cup{ID: id, X: x, Y: y})
			id++
		}
	}
	return cups
}

type Machine struct{}

func init() { games.Register(Machine{}) }

func (Machine) Type() games.Type { return games.TypeBeerPong }

func (Machine) NewState(players []games.PlayerRef) games.State {
	return State{
		Mode:        ModeHeadToHead,
		Phase:       PhaseLobby,
		Team1:       Team{Name: "Team 1", Cups: CupLayout(TeamOne), Players: []string{}},
		Team2:       Team{Name: "Team 2", Cups: CupLayout(TeamTwo), Players: []string{}},
		CurrentTurn: TeamOne,
		Shots:       []Shot{},
	}
}

func (Machine) Decode(raw []byte) (games.State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode beer pong state: %w", err)
	}
	return s, nil
}

type setModePayload struct {
	Mode string `json:"mode"`
}

type joinTeamPayload struct {
	Team string `json:"team"`
}

type shotPayload struct {
	Power float64 `json:"power"`
	Angle float64 `json:"angle"`
}

func (Machine) Apply(gs games.State, cmd games.Command) ([]games.Event, games.State, error) {
	s, ok := gs.(State)
	if !ok {
		return nil, gs, games.ErrWrongStateType
	}

	switch cmd.Action {
	case ActionSetMode:
		if !cmd.FromHost {
			return nil, s, games.ErrNotHost
		}
		if s.Phase != PhaseLobby {
			return nil, s, games.ErrWrongPhase
		}
		var p setModePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, s, games.ErrBadPayload
		}
		switch Mode(p.Mode) {
		case ModeHeadToHead, ModeTournament:
			s.Mode = Mode(p.Mode)
		default:
			return nil, s, games.ErrBadPayload
		}
		return nil, s, nil

	case ActionJoinTeam:
		if s.Phase != PhaseLobby {
			return nil, s, games.ErrWrongPhase
		}
		var p joinTeamPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, s, games.ErrBadPayload
		}
		if p.Team != TeamOne && p.Team != TeamTwo {
			return nil, s, ErrBadTeam
		}
		s.Team1.Players = removePlayer(s.Team1.Players, cmd.ActorID)
		s.Team2.Players = removePlayer(s.Team2.Players, cmd.ActorID)
		if p.Team == TeamOne {
			s.Team1.Players = append(s.Team1.Players, cmd.ActorID)
		} else {
			s.Team2.Players = append(s.Team2.Players, cmd.ActorID)
		}
		return []games.Event{{Type: EvtTeamJoined, PlayerID: cmd.ActorID, Target: p.Team}}, s, nil

	case ActionStartGame:
		if !cmd.FromHost {
			return nil, s, games.ErrNotHost
		}
		if s.Phase != PhaseLobby {
			return nil, s, games.ErrWrongPhase
		}
		s.Phase = PhasePlaying
		return []games.Event{{Type: EvtGameStarted}}, s, nil

	case ActionResolveShot:
		if s.Phase != PhasePlaying {
			return nil, s, games.ErrWrongPhase
		}
		shooting, defending := s.teams(s.CurrentTurn)
		if !cmd.FromHost && !slices.Contains(shooting.Players, cmd.ActorID) {
			return nil, s, ErrNotOnTeam
		}
		var p shotPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, s, games.ErrBadPayload
		}
		if p.Power < 20 || p.Power > 100 || p.Angle < -45 || p.Angle > 45 {
			return nil, s, ErrBadShot
		}

		chance := HitChance(p.Power, p.Angle)
		hit := randFloat() < chance

		shot := Shot{Team: s.CurrentTurn, Power: p.Power, Angle: p.Angle, Hit: hit}
		events := []games.Event{}

		if hit {
			unhit := unhitIndexes(defending.Cups)
			if len(unhit) > 0 {
				idx := unhit[randIntn(len(unhit))]
				cups := make([]Cup, len(defending.Cups))
				copy(cups, defending.Cups)
				cups[idx].Hit = true
				defending.Cups = cups
				shooting.Score++
				shot.CupID = cups[idx].ID
				events = append(events, games.Event{Type: EvtCupHit, Target: s.CurrentTurn, Amount: cups[idx].ID})
			}
		}

		s.Shots = append(s.Shots, shot)
		events = append(events, games.Event{Type: EvtShotResolved, Target: s.CurrentTurn})

		if len(unhitIndexes(defending.Cups)) == 0 {
			s.Phase = PhaseFinished
			s.Winner = s.CurrentTurn
			events = append(events, games.Event{Type: games.EvtGameFinished, Target: s.CurrentTurn})
		}

		// Turn flips after every shot, hit or miss.
		s.CurrentTurn = otherTeam(s.CurrentTurn)
		return events, s, nil

	case ActionSetBracket:
		if !cmd.FromHost {
			return nil, s, games.ErrNotHost
		}
		if s.Mode != ModeTournament {
			return nil, s, ErrNotTournament
		}
		var b Bracket
		if err := json.Unmarshal(cmd.Payload, &b); err != nil {
			return nil, s, games.ErrBadPayload
		}
		s.Bracket = &b
		return nil, s, nil

	default:
		return nil, s, games.ErrUnknownAction
	}
}

// HitChance is the shot model: scaled power, degraded by angle, capped
// at maxHitChance.
func HitChance(power, angle float64) float64 {
	if angle < 0 {
		angle = -angle
	}
	return (power / 100) * (1 - angle/90) * maxHitChance
}

// teams returns pointers into s for the shooting and defending teams.
func (s *State) teams(turn string) (shooting, defending *Team) {
	if turn == TeamOne {
		return &s.Team1, &s.Team2
	}
	return &s.Team2, &s.Team1
}

func otherTeam(team string) string {
	if team == TeamOne {
		return TeamTwo
	}
	return TeamOne
}

func unhitIndexes(cups []Cup) []int {
	idx := make([]int, 0, len(cups))
	for i, c := range cups {
		if !c.Hit {
			idx = append(idx, i)
		}
	}
	return idx
}

func removePlayer(players []string, id string) []string {
	out := players[:0:0]
	for _, p := range players {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

// stubbed in tests
var randFloat = rand.Float64
var randIntn = rand.Intn
