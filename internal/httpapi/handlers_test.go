package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/partydeck/server/internal/games"
	"github.com/partydeck/server/internal/games/kingscup"
	"github.com/partydeck/server/internal/joincode"
	"github.com/partydeck/server/internal/store"
)

type fakeSessionStore struct {
	sessions map[string]*store.Session // by id
	byCode   map[string]*store.Session
	rulesets map[string]string
	statuses map[string]store.SessionStatus
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: map[string]*store.Session{},
		byCode:   map[string]*store.Session{},
		rulesets: map[string]string{},
		statuses: map[string]store.SessionStatus{},
	}
}

func (f *fakeSessionStore) add(s *store.Session) {
	f.sessions[s.ID] = s
	f.byCode[s.JoinCode] = s
}

func (f *fakeSessionStore) CreateSession(ctx context.Context, gameType games.Type, hostName string) (*store.Session, error) {
	s := &store.Session{
		ID:        "sess-new",
		JoinCode:  "QQ234",
		GameType:  gameType,
		HostName:  hostName,
		HostToken: "tok-new",
		Status:    store.StatusWaiting,
	}
	f.add(s)
	return s, nil
}

func (f *fakeSessionStore) SessionByID(ctx context.Context, id string) (*store.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessionStore) SessionByCode(ctx context.Context, code string) (*store.Session, error) {
	if !joincode.Validate(code) {
		return nil, store.ErrInvalidCode
	}
	// Same joinable filter as the real lookup: finished sessions are
	// indistinguishable from unknown codes.
	s, ok := f.byCode[joincode.Normalize(code)]
	if !ok || (s.Status != store.StatusWaiting && s.Status != store.StatusActive) {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessionStore) JoinSession(ctx context.Context, code, playerName string) (*store.Session, *store.SessionPlayer, error) {
	s, err := f.SessionByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	p := &store.SessionPlayer{ID: "player-1", SessionID: s.ID, PlayerName: playerName, JoinedAt: time.Now()}
	return s, p, nil
}

func (f *fakeSessionStore) SetSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error {
	if _, ok := f.sessions[sessionID]; !ok {
		return store.ErrNotFound
	}
	f.statuses[sessionID] = status
	return nil
}

func (f *fakeSessionStore) SaveRuleSet(ctx context.Context, key, encoded string) error {
	f.rulesets[key] = encoded
	return nil
}

func (f *fakeSessionStore) RuleSetByKey(ctx context.Context, key string) (*store.RuleSet, error) {
	encoded, ok := f.rulesets[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.RuleSet{Key: key, Encoded: encoded}, nil
}

func newTestServer(t *testing.T, fs *fakeSessionStore) *httptest.Server {
	t.Helper()
	api := New(fs, nil, zap.NewNop(), "https://party.example/join")
	srv := httptest.NewServer(SetupRoutes(api, nil))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateSession(t *testing.T) {
	srv := newTestServer(t, newFakeSessionStore())

	resp := postJSON(t, srv.URL+"/sessions", map[string]string{
		"game_type": "horse-race",
		"host_name": "Alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decode[createSessionResponse](t, resp)
	assert.Equal(t, "sess-new", got.SessionID)
	assert.Equal(t, "QQ234", got.Code)
	assert.NotEmpty(t, got.HostToken)
}

func TestCreateSession_UnknownGameType(t *testing.T) {
	srv := newTestServer(t, newFakeSessionStore())

	resp := postJSON(t, srv.URL+"/sessions", map[string]string{
		"game_type": "chess",
		"host_name": "Alice",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJoinSession(t *testing.T) {
	fs := newFakeSessionStore()
	fs.add(&store.Session{ID: "sess-1", JoinCode: "AB23C", Status: store.StatusWaiting})
	srv := newTestServer(t, fs)

	resp := postJSON(t, srv.URL+"/sessions/join", map[string]string{
		"code":        " ab23c ", // codes normalize before lookup
		"player_name": "Bob",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[joinSessionResponse](t, resp)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "player-1", got.PlayerID)
}

func TestJoinSession_Errors(t *testing.T) {
	fs := newFakeSessionStore()
	fs.add(&store.Session{ID: "sess-1", JoinCode: "AB23C", Status: store.StatusWaiting})
	srv := newTestServer(t, fs)

	cases := []struct {
		name string
		code string
		want int
	}{
		{"malformed code", "!!", http.StatusBadRequest},
		{"unknown code", "ZZ999", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/sessions/join", map[string]string{
				"code":        tc.code,
				"player_name": "Bob",
			})
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestJoinSession_FinishedSessionLooksUnknown(t *testing.T) {
	fs := newFakeSessionStore()
	fs.add(&store.Session{ID: "sess-1", JoinCode: "AB23C", Status: store.StatusWaiting})
	srv := newTestServer(t, fs)

	resp := postJSON(t, srv.URL+"/sessions/join", map[string]string{
		"code":        "AB23C",
		"player_name": "Bob",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fs.sessions["sess-1"].Status = store.StatusFinished

	resp = postJSON(t, srv.URL+"/sessions/join", map[string]string{
		"code":        "AB23C",
		"player_name": "Carol",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	got := decode[map[string]string](t, resp)
	assert.Equal(t, "session not found", got["error"])
}

func TestSessionQR(t *testing.T) {
	fs := newFakeSessionStore()
	fs.add(&store.Session{ID: "sess-1", JoinCode: "AB23C", Status: store.StatusWaiting})
	srv := newTestServer(t, fs)

	resp, err := http.Get(srv.URL + "/sessions/AB23C/qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestSetStatus(t *testing.T) {
	fs := newFakeSessionStore()
	fs.add(&store.Session{ID: "sess-1", JoinCode: "AB23C", HostToken: "secret", Status: store.StatusActive})
	srv := newTestServer(t, fs)

	resp := postJSON(t, srv.URL+"/sessions/sess-1/status", map[string]string{
		"host_token": "wrong",
		"status":     "finished",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/sessions/sess-1/status", map[string]string{
		"host_token": "secret",
		"status":     "finished",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, store.StatusFinished, fs.statuses["sess-1"])
}

func TestRuleSets(t *testing.T) {
	fs := newFakeSessionStore()
	srv := newTestServer(t, fs)

	encoded, err := kingscup.Encode(kingscup.DefaultRules())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/rulesets/my-house",
		bytes.NewReader([]byte(`{"encoded":"`+encoded+`"}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	getResp, err := http.Get(srv.URL + "/rulesets/my-house")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	got := decode[ruleSetResponse](t, getResp)
	assert.Equal(t, encoded, got.Encoded)

	rules, err := kingscup.Decode(got.Encoded)
	require.NoError(t, err)
	assert.Equal(t, "Waterfall", rules[14].Title)
}

func TestRuleSets_RejectsMalformedBlob(t *testing.T) {
	srv := newTestServer(t, newFakeSessionStore())

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/rulesets/bad",
		bytes.NewReader([]byte(`{"encoded":"not base64!!"}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuleSets_Missing(t *testing.T) {
	srv := newTestServer(t, newFakeSessionStore())

	resp, err := http.Get(srv.URL + "/rulesets/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, newFakeSessionStore())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
