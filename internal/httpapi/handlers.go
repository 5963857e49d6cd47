// Package httpapi exposes the REST surface for creating and joining
// sessions; live gameplay happens over the websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/partydeck/server/internal/games"
	"github.com/partydeck/server/internal/games/kingscup"
	"github.com/partydeck/server/internal/hub"
	"github.com/partydeck/server/internal/room"
	"github.com/partydeck/server/internal/store"
)

// SessionStore is the slice of the store the API needs.
type SessionStore interface {
	CreateSession(ctx context.Context, gameType games.Type, hostName string) (*store.Session, error)
	SessionByID(ctx context.Context, id string) (*store.Session, error)
	SessionByCode(ctx context.Context, code string) (*store.Session, error)
	JoinSession(ctx context.Context, code, playerName string) (*store.Session, *store.SessionPlayer, error)
	SetSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error
	SaveRuleSet(ctx context.Context, key, encoded string) error
	RuleSetByKey(ctx context.Context, key string) (*store.RuleSet, error)
}

type API struct {
	store       SessionStore
	hub         *hub.Hub
	log         *zap.Logger
	joinURLBase string
}

func New(s SessionStore, h *hub.Hub, log *zap.Logger, joinURLBase string) *API {
	return &API{store: s, hub: h, log: log, joinURLBase: joinURLBase}
}

type createSessionRequest struct {
	GameType string `json:"game_type"`
	HostName string `json:"host_name"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	HostToken string `json:"host_token"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	gameType, ok := games.ParseType(req.GameType)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown game type")
		return
	}
	if req.HostName == "" {
		writeError(w, http.StatusBadRequest, "host_name is required")
		return
	}

	session, err := a.store.CreateSession(r.Context(), gameType, req.HostName)
	if err != nil {
		a.log.Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	a.log.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("code", session.JoinCode),
		zap.String("game_type", string(gameType)))

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: session.ID,
		Code:      session.JoinCode,
		HostToken: session.HostToken,
	})
}

type joinSessionRequest struct {
	Code       string `json:"code"`
	PlayerName string `json:"player_name"`
}

type joinSessionResponse struct {
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id"`
}

func (a *API) joinSession(w http.ResponseWriter, r *http.Request) {
	var req joinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PlayerName == "" {
		writeError(w, http.StatusBadRequest, "player_name is required")
		return
	}

	session, player, err := a.store.JoinSession(r.Context(), req.Code, req.PlayerName)
	switch {
	case errors.Is(err, store.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "invalid join code")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		a.log.Error("join session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not join session")
		return
	}

	// Tell the live room, if any, so connected clients see the roster grow
	// without a refresh.
	if a.hub != nil {
		reply := make(chan *room.Room, 1)
		a.hub.Inbox() <- hub.GetRoom{SessionID: session.ID, Reply: reply}
		if rm := <-reply; rm != nil {
			select {
			case rm.Inbox() <- room.PlayerJoined{Player: games.PlayerRef{ID: player.ID, Name: player.PlayerName}}:
			case <-rm.Done():
			}
		}
	}

	writeJSON(w, http.StatusOK, joinSessionResponse{
		SessionID: session.ID,
		PlayerID:  player.ID,
	})
}

// sessionQR renders the join URL for a code as a PNG so the host screen
// can show a scannable code.
func (a *API) sessionQR(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	session, err := a.store.SessionByCode(r.Context(), code)
	switch {
	case errors.Is(err, store.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "invalid join code")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		a.log.Error("session qr", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not render code")
		return
	}

	png, err := qrcode.Encode(a.joinURLBase+"?code="+session.JoinCode, qrcode.Medium, 256)
	if err != nil {
		a.log.Error("encode qr", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not render code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type setStatusRequest struct {
	HostToken string `json:"host_token"`
	Status    string `json:"status"`
}

// setStatus is the out-of-band lifecycle control for hosts that lost
// their websocket; in-game transitions go through the room.
func (a *API) setStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := store.SessionStatus(req.Status)
	switch status {
	case store.StatusWaiting, store.StatusActive, store.StatusFinished:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	session, err := a.store.SessionByID(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.log.Error("set status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not update session")
		return
	}
	if req.HostToken == "" || req.HostToken != session.HostToken {
		writeError(w, http.StatusForbidden, "host token required")
		return
	}

	if err := a.store.SetSessionStatus(r.Context(), sessionID, status); err != nil {
		a.log.Error("set status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not update session")
		return
	}

	// A finished session's room has nothing left to do.
	if status == store.StatusFinished && a.hub != nil {
		a.hub.Inbox() <- hub.RemoveRoom{SessionID: sessionID}
	}

	w.WriteHeader(http.StatusNoContent)
}

type ruleSetRequest struct {
	Encoded string `json:"encoded"`
}

type ruleSetResponse struct {
	Key     string `json:"key"`
	Encoded string `json:"encoded"`
}

func (a *API) putRuleSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req ruleSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Reject blobs that would fail to load at game time.
	if _, err := kingscup.Decode(req.Encoded); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule set")
		return
	}

	if err := a.store.SaveRuleSet(r.Context(), key, req.Encoded); err != nil {
		a.log.Error("save rule set", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not save rule set")
		return
	}
	writeJSON(w, http.StatusOK, ruleSetResponse{Key: key, Encoded: req.Encoded})
}

func (a *API) getRuleSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rs, err := a.store.RuleSetByKey(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule set not found")
		return
	}
	if err != nil {
		a.log.Error("load rule set", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load rule set")
		return
	}
	writeJSON(w, http.StatusOK, ruleSetResponse{Key: rs.Key, Encoded: rs.Encoded})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
