// Package ws bridges websocket connections to session rooms: snapshots
// flow out, commands flow in.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partydeck/server/internal/games"
	"github.com/partydeck/server/internal/hub"
	"github.com/partydeck/server/internal/room"
	"github.com/partydeck/server/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	readTimeout  = 5 * time.Minute
)

func Handler(h *hub.Hub, log *zap.Logger, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		playerID := r.URL.Query().Get("player")
		token := r.URL.Query().Get("token")

		reply := make(chan *room.Room, 1)
		h.Inbox() <- hub.EnsureRoom{SessionID: sessionID, Reply: reply}
		rm := <-reply
		if rm == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		// Host authority is the token issued at session creation, not
		// anything the client claims per-message.
		isHost := token != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(rm.HostToken())) == 1

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan room.Snapshot, 8)
		clientID := uuid.NewString()

		// Scoped subscription: registered here, released on every exit
		// path so the room never leaks outboxes.
		select {
		case rm.Inbox() <- room.Join{ClientID: clientID, Outbox: out}:
		case <-rm.Done():
			conn.Close(websocket.StatusGoingAway, "session closed")
			return
		}
		defer func() {
			select {
			case rm.Inbox() <- room.Leave{ClientID: clientID}:
			case <-rm.Done():
			}
		}()

		log.Debug("client connected",
			zap.String("session_id", sessionID),
			zap.String("client_id", clientID),
			zap.Bool("host", isHost))

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for snap := range out {
				payload, err := encodeSnapshot(snap)
				if err != nil {
					log.Error("encode snapshot", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				status := websocket.CloseStatus(err)
				if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
					log.Debug("client read", zap.String("client_id", clientID), zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeError(r.Context(), conn, "bad json")
				continue
			}
			if cm.Action == "" {
				writeError(r.Context(), conn, "missing action")
				continue
			}

			select {
			case rm.Inbox() <- room.FromClient{Cmd: games.Command{
				Action:   cm.Action,
				ActorID:  playerID,
				FromHost: isHost,
				Payload:  cm.Payload,
			}}:
			case <-rm.Done():
				return
			}
		}
	}
}

func encodeSnapshot(snap room.Snapshot) ([]byte, error) {
	msg := types.ServerMessage{
		Type:     types.MessageSnapshot,
		Version:  snap.Version,
		Code:     snap.Code,
		GameType: string(snap.GameType),
		Status:   string(snap.Status),
		Phase:    snap.Phase,
	}
	for _, p := range snap.Players {
		msg.Players = append(msg.Players, types.PlayerInfo{ID: p.ID, Name: p.Name})
	}
	if snap.State != nil {
		raw, err := json.Marshal(snap.State)
		if err != nil {
			return nil, err
		}
		msg.State = raw
	}
	return json.Marshal(msg)
}

func writeError(ctx context.Context, conn *websocket.Conn, text string) {
	payload, _ := json.Marshal(types.ServerMessage{Type: types.MessageError, Error: text})
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(writeCtx, websocket.MessageText, payload)
}
