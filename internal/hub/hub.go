// Package hub is the registry actor mapping session ids to live rooms,
// spinning rooms up from the store on first use.
package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/partydeck/server/internal/games"
	"github.com/partydeck/server/internal/room"
	"github.com/partydeck/server/internal/store"
)

type HubMsg interface{ isHubMsg() }

// EnsureRoom replies with the session's room, creating it from persisted
// state if this is the first subscriber since startup.
type EnsureRoom struct {
	SessionID string
	Reply     chan *room.Room
}

type GetRoom struct {
	SessionID string
	Reply     chan *room.Room
}

type RemoveRoom struct {
	SessionID string
}

type ShutdownHub struct{}

func (EnsureRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

// SessionLoader is the slice of the store the hub needs to resurrect a
// room: the session row, its roster, and the game-state row if the game
// has started.
type SessionLoader interface {
	room.Persister
	SessionByID(ctx context.Context, id string) (*store.Session, error)
	Players(ctx context.Context, sessionID string) ([]store.SessionPlayer, error)
	LoadState(ctx context.Context, sessionID string) (*store.GameState, error)
}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*room.Room
	store  SessionLoader
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, loader SessionLoader, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*room.Room),
		store:  loader,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				if r := h.rooms[msg.SessionID]; r != nil {
					msg.Reply <- r
					break
				}
				r, err := h.resurrect(msg.SessionID)
				if err != nil {
					h.log.Warn("ensure room", zap.String("session_id", msg.SessionID), zap.Error(err))
					msg.Reply <- nil
					break
				}
				h.rooms[msg.SessionID] = r
				msg.Reply <- r

			case GetRoom:
				msg.Reply <- h.rooms[msg.SessionID] // may be nil

			case RemoveRoom:
				if r := h.rooms[msg.SessionID]; r != nil {
					r.Inbox() <- room.Shutdown{}
					delete(h.rooms, msg.SessionID)
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

// resurrect rebuilds a room from the store. A subscriber connecting after
// changes were committed still starts from current state; the immediate
// join snapshot closes the fetch-then-subscribe window.
func (h *Hub) resurrect(sessionID string) (*room.Room, error) {
	session, err := h.store.SessionByID(h.ctx, sessionID)
	if err != nil {
		return nil, err
	}

	machine, ok := games.ForType(session.GameType)
	if !ok {
		return nil, store.ErrNotFound
	}

	rows, err := h.store.Players(h.ctx, sessionID)
	if err != nil {
		return nil, err
	}
	players := make([]games.PlayerRef, 0, len(rows))
	for _, p := range rows {
		players = append(players, games.PlayerRef{ID: p.ID, Name: p.PlayerName})
	}

	cfg := room.Config{
		SessionID: session.ID,
		Code:      session.JoinCode,
		HostToken: session.HostToken,
		Machine:   machine,
		Status:    session.Status,
		Players:   players,
		Store:     h.store,
		Log:       h.log,
	}

	// Only a missing row means the game has not started; any other failure
	// must not cache a stateless room, so the next connection retries.
	row, err := h.store.LoadState(h.ctx, sessionID)
	switch {
	case err == nil:
		state, decodeErr := machine.Decode(row.State)
		if decodeErr != nil {
			return nil, decodeErr
		}
		cfg.State = state
		cfg.Version = row.Version
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	return room.New(h.ctx, cfg), nil
}

func (h *Hub) shutdown() {
	for _, r := range h.rooms {
		r.Inbox() <- room.Shutdown{}
	}
	clear(h.rooms)
	h.cancel()
}
