package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/partydeck/server/internal/games"
	"github.com/partydeck/server/internal/games/horserace"
	"github.com/partydeck/server/internal/store"
)

// fakeStore records writes so tests can assert persistence without a
// database.
type fakeStore struct {
	mu       sync.Mutex
	inits    int
	saves    []int // expectedVersion of each SaveState call
	saveErr  error // returned by every SaveState call when set
	statuses []store.SessionStatus
}

func (f *fakeStore) InitState(ctx context.Context, sessionID string, gameType games.Type, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeStore) SaveState(ctx context.Context, sessionID string, raw []byte, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, expectedVersion)
	return f.saveErr
}

func (f *fakeStore) SetSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) lastStatus() (store.SessionStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return "", false
	}
	return f.statuses[len(f.statuses)-1], true
}

func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func recvNoSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no snapshot within %v, but got: %+v", within, s)
	case <-time.After(within):
	}
}

func recvView(t *testing.T, ch <-chan View, within time.Duration) View {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func newTestRoom(t *testing.T, fs *fakeStore) *Room {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return New(ctx, Config{
		SessionID: "sess-1",
		Code:      "AB23C",
		HostToken: "host-token",
		Machine:   horserace.Machine{},
		Status:    store.StatusWaiting,
		Players: []games.PlayerRef{
			{ID: "p1", Name: "Alice"},
			{ID: "p2", Name: "Bob"},
		},
		Store: fs,
		Log:   zap.NewNop(),
	})
}

func TestRoom_JoinSendsImmediateSnapshot(t *testing.T) {
	r := newTestRoom(t, &fakeStore{})

	out := make(chan Snapshot, 2)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}

	first := recvSnapshot(t, out, 100*time.Millisecond)
	if first.Version != 0 || first.Status != store.StatusWaiting {
		t.Fatalf("after join: want version=0 waiting, got %d %s", first.Version, first.Status)
	}
	if first.State != nil {
		t.Fatalf("no game state before session start, got %+v", first.State)
	}
	if len(first.Players) != 2 {
		t.Fatalf("want roster of 2, got %d", len(first.Players))
	}
}

func TestRoom_StartSessionInitializesStateAndBroadcasts(t *testing.T) {
	fs := &fakeStore{}
	r := newTestRoom(t, fs)

	out := make(chan Snapshot, 4)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	// non-host start is ignored
	r.Inbox() <- FromClient{Cmd: games.Command{Action: ActionStartSession}}
	recvNoSnapshot(t, out, 50*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{Action: ActionStartSession, FromHost: true}}
	snap := recvSnapshot(t, out, 100*time.Millisecond)

	if snap.Status != store.StatusActive {
		t.Fatalf("want active, got %s", snap.Status)
	}
	if snap.Phase != string(horserace.PhaseBetting) {
		t.Fatalf("want betting phase, got %q", snap.Phase)
	}
	if status, ok := fs.lastStatus(); !ok || status != store.StatusActive {
		t.Fatalf("status not persisted, got %v %v", status, ok)
	}
}

func TestRoom_CommandBroadcastsVersionedSnapshotAndPersists(t *testing.T) {
	fs := &fakeStore{}
	r := newTestRoom(t, fs)

	out := make(chan Snapshot, 4)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{Action: ActionStartSession, FromHost: true}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{
		Action:  horserace.ActionPlaceBet,
		ActorID: "p1",
		Payload: payload(t, map[string]any{"suit": "spades", "amount": 10}),
	}}

	snap := recvSnapshot(t, out, 100*time.Millisecond)
	if snap.Version != 1 {
		t.Fatalf("after bet: want version=1, got %d", snap.Version)
	}
	hs, ok := snap.State.(horserace.State)
	if !ok {
		t.Fatalf("unexpected state type %T", snap.State)
	}
	if len(hs.Bets) != 1 || hs.Bets[0].PlayerName != "Alice" {
		t.Fatalf("bet not applied with resolved name: %+v", hs.Bets)
	}

	fs.mu.Lock()
	saves := append([]int{}, fs.saves...)
	fs.mu.Unlock()
	if len(saves) != 1 || saves[0] != 0 {
		t.Fatalf("want one CAS save at version 0, got %v", saves)
	}
}

func TestRoom_SaveConflictKeepsVersionForRetry(t *testing.T) {
	fs := &fakeStore{saveErr: store.ErrVersionConflict}
	r := newTestRoom(t, fs)

	out := make(chan Snapshot, 8)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{Action: ActionStartSession, FromHost: true}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	bet := func(playerID string) {
		r.Inbox() <- FromClient{Cmd: games.Command{
			Action:  horserace.ActionPlaceBet,
			ActorID: playerID,
			Payload: payload(t, map[string]any{"suit": "spades", "amount": 10}),
		}}
	}

	bet("p1")
	snap := recvSnapshot(t, out, 100*time.Millisecond)
	if snap.Version != 0 {
		t.Fatalf("version advanced past a failed save: got %d", snap.Version)
	}

	// The next write retries against the same stored version instead of
	// climbing away from it.
	bet("p2")
	snap = recvSnapshot(t, out, 100*time.Millisecond)
	if snap.Version != 0 {
		t.Fatalf("version advanced past a failed save: got %d", snap.Version)
	}

	fs.mu.Lock()
	saves := append([]int{}, fs.saves...)
	fs.mu.Unlock()
	if len(saves) != 2 || saves[0] != 0 || saves[1] != 0 {
		t.Fatalf("want both saves attempted at version 0, got %v", saves)
	}
}

func TestRoom_RejectedCommandEmitsNothing(t *testing.T) {
	r := newTestRoom(t, &fakeStore{})

	out := make(chan Snapshot, 4)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{Action: ActionStartSession, FromHost: true}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	// start_race with no bets is illegal; the room swallows it
	r.Inbox() <- FromClient{Cmd: games.Command{Action: horserace.ActionStartRace, FromHost: true}}
	recvNoSnapshot(t, out, 100*time.Millisecond)

	reply := make(chan View, 1)
	r.Inbox() <- GetView{Reply: reply}
	view := recvView(t, reply, 100*time.Millisecond)
	if view.Version != 1 {
		t.Fatalf("version must not advance on rejection, got %d", view.Version)
	}
}

func TestRoom_PlayerJoinedBroadcastsRoster(t *testing.T) {
	r := newTestRoom(t, &fakeStore{})

	out := make(chan Snapshot, 4)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- PlayerJoined{Player: games.PlayerRef{ID: "p3", Name: "Carol"}}
	snap := recvSnapshot(t, out, 100*time.Millisecond)
	if len(snap.Players) != 3 || snap.Players[2].Name != "Carol" {
		t.Fatalf("roster not updated: %+v", snap.Players)
	}

	// duplicate joins are idempotent
	r.Inbox() <- PlayerJoined{Player: games.PlayerRef{ID: "p3", Name: "Carol"}}
	snap = recvSnapshot(t, out, 100*time.Millisecond)
	if len(snap.Players) != 3 {
		t.Fatalf("duplicate join grew roster: %+v", snap.Players)
	}
}

func TestRoom_DropSlowClient(t *testing.T) {
	r := newTestRoom(t, &fakeStore{})

	out := make(chan Snapshot, 1)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	// Leave the join snapshot unread so the next broadcast finds the
	// buffer full.
	r.Inbox() <- PlayerJoined{Player: games.PlayerRef{ID: "p3", Name: "Carol"}}

	reply := make(chan View, 1)
	r.Inbox() <- GetView{Reply: reply}
	view := recvView(t, reply, 100*time.Millisecond)
	if view.NumClients != 0 {
		t.Fatalf("expected slow client to be dropped; NumClients=%d", view.NumClients)
	}
}

func TestRoom_RaceTimerDrivesDraws(t *testing.T) {
	restore := horserace.DrawInterval
	horserace.DrawInterval = 10 * time.Millisecond
	defer func() { horserace.DrawInterval = restore }()

	r := newTestRoom(t, &fakeStore{})

	out := make(chan Snapshot, 64)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{Action: ActionStartSession, FromHost: true}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{
		Action:  horserace.ActionPlaceBet,
		ActorID: "p1",
		Payload: payload(t, map[string]any{"suit": "hearts", "amount": 5}),
	}}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{Action: horserace.ActionStartRace, FromHost: true}}

	// The armed timer keeps feeding draw_step back in until some suit
	// crosses the line.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-out:
			if !ok {
				t.Fatalf("outbox closed mid-race")
			}
			hs, isRace := snap.State.(horserace.State)
			if isRace && hs.Phase == horserace.PhaseFinished {
				if hs.Winner == "" {
					t.Fatalf("finished without a winner")
				}
				return
			}
		case <-deadline:
			t.Fatalf("race never finished")
		}
	}
}

func TestRoom_DoneGuardsSendsAfterShutdown(t *testing.T) {
	r := newTestRoom(t, &fakeStore{})

	out := make(chan Snapshot, 2)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- Shutdown{}
	select {
	case <-r.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("Done not closed after shutdown")
	}

	// More sends than the inbox can buffer: the guard must keep each one
	// from blocking now that nothing drains the channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 128; i++ {
			select {
			case r.Inbox() <- Leave{ClientID: "c1"}:
			case <-r.Done():
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("guarded sends blocked on a dead room")
	}
}

func TestRoom_EndSessionFinishesAndShutdownClosesClients(t *testing.T) {
	fs := &fakeStore{}
	r := newTestRoom(t, fs)

	out := make(chan Snapshot, 4)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	r.Inbox() <- FromClient{Cmd: games.Command{Action: ActionEndSession, FromHost: true}}
	snap := recvSnapshot(t, out, 100*time.Millisecond)
	if snap.Status != store.StatusFinished {
		t.Fatalf("want finished, got %s", snap.Status)
	}

	r.Inbox() <- Shutdown{}
	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("expected closed outbox after shutdown")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("outbox not closed after shutdown")
	}
}
