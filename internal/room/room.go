// Package room hosts the per-session actor: one goroutine owns the
// authoritative game state, applies commands through the game machine,
// persists every change, and fans versioned snapshots out to every
// subscribed client (host display and player phones alike).
package room

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/partydeck/server/internal/games"
	"github.com/partydeck/server/internal/store"
)

type Msg interface{ isRoomMsg() }

// Join subscribes a client: it is registered and immediately sent the
// current snapshot, closing the fetch-then-subscribe gap for late joiners.
type Join struct {
	ClientID string
	Outbox   chan Snapshot
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

// FromClient carries an already-authenticated command: ActorID and
// FromHost were resolved by the transport layer.
type FromClient struct {
	Cmd games.Command
}

func (FromClient) isRoomMsg() {}

// PlayerJoined lands when the HTTP join endpoint inserts a roster row.
type PlayerJoined struct {
	Player games.PlayerRef
}

func (PlayerJoined) isRoomMsg() {}

type GetView struct {
	Reply chan View
}

func (GetView) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// timerFired re-enters the loop from an armed pacing timer. Fires whose
// generation no longer matches are stale and dropped.
type timerFired struct {
	gen int
	cmd games.Command
}

func (timerFired) isRoomMsg() {}

// Session-level actions handled by the room itself rather than the game
// machine.
const (
	ActionStartSession = "start_session"
	ActionEndSession   = "end_session"
)

type Snapshot struct {
	Version  int                 `json:"version"`
	Code     string              `json:"code"`
	GameType games.Type          `json:"gameType"`
	Status   store.SessionStatus `json:"status"`
	Players  []games.PlayerRef   `json:"players"`
	Phase    string              `json:"phase,omitempty"`
	State    games.State         `json:"state,omitempty"`
}

// View is test-only introspection, answered from inside the loop so reads
// never race the owning goroutine.
type View struct {
	Version    int
	NumClients int
	Status     store.SessionStatus
	State      games.State
}

// Persister is the slice of the store the room writes through.
type Persister interface {
	InitState(ctx context.Context, sessionID string, gameType games.Type, raw []byte) error
	SaveState(ctx context.Context, sessionID string, raw []byte, expectedVersion int) error
	SetSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error
}

type Config struct {
	SessionID string
	Code      string
	HostToken string
	Machine   games.Machine
	// State may be nil for a session still in its lobby; Version must
	// match the stored row when State is non-nil.
	State   games.State
	Version int
	Status  store.SessionStatus
	Players []games.PlayerRef
	Store   Persister
	Log     *zap.Logger
}

type Room struct {
	inbox     chan Msg
	sessionID string
	code      string
	hostToken string
	machine   games.Machine
	state     games.State
	status    store.SessionStatus
	players   []games.PlayerRef
	version   int
	clients   map[string]chan Snapshot
	store     Persister
	log       *zap.Logger
	timerGen  int
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(parent context.Context, cfg Config) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		inbox:     make(chan Msg, 64),
		sessionID: cfg.SessionID,
		code:      cfg.Code,
		hostToken: cfg.HostToken,
		machine:   cfg.Machine,
		state:     cfg.State,
		status:    cfg.Status,
		players:   append([]games.PlayerRef{}, cfg.Players...),
		version:   cfg.Version,
		clients:   make(map[string]chan Snapshot),
		store:     cfg.Store,
		log:       cfg.Log,
		ctx:       ctx,
		cancel:    cancel,
	}

	go r.loop()
	return r
}

// Inbox exposes the actor's mailbox to the WS layer and tests.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// HostToken lets the transport resolve whether a connection holds host
// authority. Immutable after construction.
func (r *Room) HostToken() string { return r.hostToken }

func (r *Room) SessionID() string { return r.sessionID }

// Done closes when the room's loop has exited. Senders must select
// against it: a dead room drains nothing, and an unguarded send into a
// full inbox would block forever.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) loop() {
	// A room resuming an in-flight game re-arms its pacing timer, so a
	// host reconnect restarts a stalled race.
	if r.state != nil {
		r.armTimer()
	}

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.clients[msg.ClientID] = msg.Outbox
				msg.Outbox <- r.snapshot()

			case Leave:
				delete(r.clients, msg.ClientID)

			case PlayerJoined:
				r.addPlayer(msg.Player)
				r.broadcast(r.snapshot())

			case FromClient:
				r.handleCommand(msg.Cmd)

			case timerFired:
				if msg.gen != r.timerGen {
					break // stale fire from a superseded timer
				}
				r.handleCommand(msg.cmd)

			case GetView:
				msg.Reply <- View{
					Version:    r.version,
					NumClients: len(r.clients),
					Status:     r.status,
					State:      r.state,
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleCommand(cmd games.Command) {
	switch cmd.Action {
	case ActionStartSession:
		r.startSession(cmd)
		return
	case ActionEndSession:
		r.endSession(cmd)
		return
	}

	if r.state == nil {
		r.log.Debug("command before session start", zap.String("action", cmd.Action))
		return
	}

	cmd = r.resolveActor(cmd)
	events, newState, err := r.machine.Apply(r.state, cmd)
	if err != nil {
		// Rejected actions are business as usual: log and move on, the
		// client's own state told it better.
		r.log.Debug("command rejected",
			zap.String("session_id", r.sessionID),
			zap.String("action", cmd.Action),
			zap.Error(err))
		return
	}

	r.state = newState
	if games.ContainsEvent(events, games.EvtGameFinished) {
		r.setStatus(store.StatusFinished)
	}
	r.persistState()
	r.broadcast(r.snapshot())
	r.armTimer()
}

func (r *Room) startSession(cmd games.Command) {
	if !cmd.FromHost {
		r.log.Debug("start_session from non-host", zap.String("session_id", r.sessionID))
		return
	}
	if r.status != store.StatusWaiting {
		return
	}

	// The roster freezes into turn order here.
	r.state = r.machine.NewState(r.players)
	r.setStatus(store.StatusActive)

	raw, err := json.Marshal(r.state)
	if err != nil {
		r.log.Error("marshal initial state", zap.Error(err))
	} else if err := r.store.InitState(r.ctx, r.sessionID, r.machine.Type(), raw); err != nil {
		r.log.Error("persist initial state", zap.String("session_id", r.sessionID), zap.Error(err))
	}
	r.version = 0

	r.broadcast(r.snapshot())
	r.armTimer()
}

func (r *Room) endSession(cmd games.Command) {
	if !cmd.FromHost {
		return
	}
	if r.status == store.StatusFinished {
		return
	}
	r.setStatus(store.StatusFinished)
	r.timerGen++ // cancel any in-flight pacing timer
	r.broadcast(r.snapshot())
}

func (r *Room) setStatus(status store.SessionStatus) {
	r.status = status
	if err := r.store.SetSessionStatus(r.ctx, r.sessionID, status); err != nil {
		r.log.Error("persist session status",
			zap.String("session_id", r.sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (r *Room) persistState() {
	raw, err := json.Marshal(r.state)
	if err != nil {
		r.log.Error("marshal state", zap.String("session_id", r.sessionID), zap.Error(err))
		return
	}
	if err := r.store.SaveState(r.ctx, r.sessionID, raw, r.version); err != nil {
		// The actor serializes writers within this process; a conflict
		// means another process wrote the row. Keep the version where it
		// is so the next save retries against the stored row instead of
		// failing forever.
		r.log.Warn("persist state",
			zap.String("session_id", r.sessionID),
			zap.Int("version", r.version),
			zap.Error(err))
		return
	}
	r.version++
}

// resolveActor fills in the display name for the submitting player from
// the roster; machines never trust a client-supplied name.
func (r *Room) resolveActor(cmd games.Command) games.Command {
	for _, p := range r.players {
		if p.ID == cmd.ActorID {
			cmd.ActorName = p.Name
			return cmd
		}
	}
	return cmd
}

func (r *Room) addPlayer(p games.PlayerRef) {
	for _, existing := range r.players {
		if existing.ID == p.ID {
			return
		}
	}
	r.players = append(r.players, p)
}

func (r *Room) armTimer() {
	r.timerGen++
	timed, ok := r.machine.(games.Timed)
	if !ok || r.state == nil || r.status != store.StatusActive {
		return
	}
	cmd, after, ok := timed.NextTimer(r.state)
	if !ok {
		return
	}
	gen := r.timerGen
	time.AfterFunc(after, func() {
		select {
		case r.inbox <- timerFired{gen: gen, cmd: cmd}:
		case <-r.ctx.Done():
		}
	})
}

func (r *Room) snapshot() Snapshot {
	snap := Snapshot{
		Version:  r.version,
		Code:     r.code,
		GameType: r.machine.Type(),
		Status:   r.status,
		Players:  append([]games.PlayerRef{}, r.players...),
		State:    r.state,
	}
	if r.state != nil {
		snap.Phase = r.state.CurrentPhase()
	}
	return snap
}

func (r *Room) shutdown() {
	for id, ch := range r.clients {
		close(ch)
		delete(r.clients, id)
	}
	r.cancel()
}

func (r *Room) broadcast(snap Snapshot) {
	for id, ch := range r.clients {
		select {
		case ch <- snap:
		default:
			// Slow or wedged client: drop it rather than stall the room.
			close(ch)
			delete(r.clients, id)
		}
	}
}
