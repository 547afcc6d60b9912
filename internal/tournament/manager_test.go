package tournament_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-match-server/internal/room"
	"github.com/koopa0/system-design/14-match-server/internal/tournament"
	"github.com/koopa0/system-design/14-match-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	arena    *room.Manager
	results  chan room.Result
	recorded chan room.Result
	manager  *tournament.Manager
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, size int, opts ...tournament.ManagerOption) *harness {
	t.Helper()
	h := &harness{
		results:  make(chan room.Result),
		recorded: make(chan room.Result, 16),
		done:     make(chan error, 1),
	}
	h.arena = room.NewManager(logger.Discard(), room.WithTickInterval(time.Hour), room.WithResults(h.results))
	h.manager = tournament.NewManager(h.arena, h.results, append([]tournament.ManagerOption{
		tournament.WithBracketSize(size),
		tournament.WithSeeding(identity),
		tournament.WithRecorder(tournament.RecorderFunc(func(_ context.Context, res room.Result) error {
			h.recorded <- res
			return nil
		})),
	}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.manager.Run(ctx) }()

	t.Cleanup(func() {
		h.cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("dispatcher did not stop")
		}
		h.manager.Stop()
		h.arena.Stop()
	})
	return h
}

func (h *harness) expectRecorded(t *testing.T) room.Result {
	t.Helper()
	select {
	case res := <-h.recorded:
		return res
	case <-time.After(time.Second):
		t.Fatal("no result recorded")
		return room.Result{}
	}
}

func (h *harness) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case res := <-h.recorded:
		t.Fatalf("unexpected result %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_JoinReusesPendingTournament(t *testing.T) {
	h := newHarness(t, 4)

	t1, err := h.manager.Join("alice", "Alice", nil)
	require.NoError(t, err)
	t2, err := h.manager.Join("bob", "", nil)
	require.NoError(t, err)
	assert.Same(t, t1, t2)

	_, err = h.manager.Join("alice", "Alice", nil)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyJoined)

	view := t1.View()
	require.Len(t, view.Players, 2)
	assert.Equal(t, "bob", view.Players[1].Username, "username defaults to the user id")

	list := h.manager.List()
	require.Len(t, list, 1)
	assert.Equal(t, t1.ID(), list[0].ID)
}

func TestManager_FullTournamentOpensANewOne(t *testing.T) {
	h := newHarness(t, 2)

	first, err := h.manager.Join("alice", "", nil)
	require.NoError(t, err)
	_, err = h.manager.Join("bob", "", nil)
	require.NoError(t, err)
	assert.Equal(t, tournament.StatusActive, first.Status())

	second, err := h.manager.Join("carol", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Len(t, h.manager.List(), 2)
}

func TestManager_DispatchesRoomResults(t *testing.T) {
	h := newHarness(t, 2)

	tr, err := h.manager.Join("alice", "", nil)
	require.NoError(t, err)
	_, err = h.manager.Join("bob", "", nil)
	require.NoError(t, err)

	roomID := tr.View().Matches[0].RoomID
	res := room.Result{
		RoomID:   roomID,
		Match:    &room.MatchContext{TournamentID: tr.ID(), MatchID: 0},
		WinnerID: "alice",
		LoserID:  "bob",
		ScoreL:   5,
		ScoreR:   2,
	}
	h.results <- res
	h.results <- res

	got := h.expectRecorded(t)
	assert.Equal(t, "alice", got.WinnerID)
	assert.Equal(t, 5, got.ScoreL)
	assert.Equal(t, roomID, got.RoomID)
	h.expectNothing(t)

	// 兩人賽程一場就結束並移除
	assert.Eventually(t, func() bool {
		_, ok := h.manager.Get(tr.ID())
		return !ok
	}, time.Second, 10*time.Millisecond)

	// 結束後可以再次報名
	_, err = h.manager.Join("alice", "", nil)
	assert.NoError(t, err)
}

func TestManager_RecordsCasualResults(t *testing.T) {
	h := newHarness(t, 2)

	h.results <- room.Result{RoomID: 7, WinnerID: "alice", LoserID: "bob"}

	got := h.expectRecorded(t)
	assert.False(t, got.InTournament())
	assert.Equal(t, 7, got.RoomID)
}

func TestManager_DisconnectRecordsWalkovers(t *testing.T) {
	t.Run("opponent of a disconnected player", func(t *testing.T) {
		h := newHarness(t, 2)

		a := transport.NewLive("a", 64)
		tr, err := h.manager.Join("alice", "", a)
		require.NoError(t, err)
		_, err = h.manager.Join("bob", "", nil)
		require.NoError(t, err)

		h.manager.HandleDisconnect("alice", a.ID())

		got := h.expectRecorded(t)
		assert.True(t, got.Walkover)
		assert.Equal(t, "bob", got.WinnerID)
		assert.Equal(t, tournament.StatusCompleted, tr.Status())
	})

	t.Run("waiting-area player who left is paired into the final", func(t *testing.T) {
		h := newHarness(t, 4)

		a := transport.NewLive("a", 64)
		tr, err := h.manager.Join("alice", "", a)
		require.NoError(t, err)
		for _, id := range []string{"bob", "carol", "dave"} {
			_, err = h.manager.Join(id, "", nil)
			require.NoError(t, err)
		}

		_, err = h.manager.RecordResult(tr.ID(), 0, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", h.expectRecorded(t).WinnerID)

		h.manager.HandleDisconnect("alice", a.ID())
		h.expectNothing(t)

		_, err = h.manager.RecordResult(tr.ID(), 1, "carol")
		require.NoError(t, err)

		semi := h.expectRecorded(t)
		assert.Equal(t, "carol", semi.WinnerID)
		assert.Equal(t, "dave", semi.LoserID)

		final := h.expectRecorded(t)
		assert.True(t, final.Walkover)
		assert.Equal(t, "carol", final.WinnerID)
		assert.Equal(t, "alice", final.LoserID)
		require.NotNil(t, final.Match)
		assert.Equal(t, 2, final.Match.MatchID)

		assert.Equal(t, tournament.StatusCompleted, tr.Status())
		h.expectNothing(t)
	})
}

func TestManager_SlowRecorderDoesNotStallBrackets(t *testing.T) {
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })

	got := make(chan room.Result, 4)
	rec := tournament.RecorderFunc(func(ctx context.Context, res room.Result) error {
		if !res.InTournament() {
			select {
			case <-gate:
			case <-ctx.Done():
			}
		}
		got <- res
		return nil
	})
	h := newHarness(t, 2, tournament.WithRecorder(rec), tournament.WithRecordTimeout(time.Hour))
	// 在 harness 的清理之前放行
	t.Cleanup(release)

	// 第一筆卡在 Recorder
	h.results <- room.Result{RoomID: 9, WinnerID: "x", LoserID: "y"}

	tr, err := h.manager.Join("alice", "", nil)
	require.NoError(t, err)
	_, err = h.manager.Join("bob", "", nil)
	require.NoError(t, err)

	roomID := tr.View().Matches[0].RoomID
	h.results <- room.Result{
		RoomID:   roomID,
		Match:    &room.MatchContext{TournamentID: tr.ID(), MatchID: 0},
		WinnerID: "bob",
		LoserID:  "alice",
	}

	assert.Eventually(t, func() bool {
		return tr.Status() == tournament.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	release()
	for _, want := range []int{9, roomID} {
		select {
		case res := <-got:
			assert.Equal(t, want, res.RoomID)
		case <-time.After(time.Second):
			t.Fatal("result was not recorded after the recorder recovered")
		}
	}
}

func TestManager_RecordTimeout(t *testing.T) {
	got := make(chan error, 1)
	rec := tournament.RecorderFunc(func(ctx context.Context, _ room.Result) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})
	h := newHarness(t, 2, tournament.WithRecorder(rec), tournament.WithRecordTimeout(20*time.Millisecond))

	h.results <- room.Result{RoomID: 1, WinnerID: "x", LoserID: "y"}

	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("recorder call was not cancelled")
	}
}

func TestManager_RunDrainsOnShutdown(t *testing.T) {
	results := make(chan room.Result, 4)
	var mu sync.Mutex
	var recorded []int

	arena := room.NewManager(logger.Discard(), room.WithTickInterval(time.Hour))
	defer arena.Stop()
	m := tournament.NewManager(arena, results, tournament.WithRecorder(tournament.RecorderFunc(
		func(_ context.Context, res room.Result) error {
			mu.Lock()
			defer mu.Unlock()
			recorded = append(recorded, res.RoomID)
			return nil
		})))

	results <- room.Result{RoomID: 1, WinnerID: "a", LoserID: "b"}
	results <- room.Result{RoomID: 2, WinnerID: "c", LoserID: "d"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{1, 2}, recorded)
}

func TestManager_RecordResult(t *testing.T) {
	h := newHarness(t, 2)

	_, err := h.manager.RecordResult("missing", 0, "alice")
	assert.True(t, apperrors.IsNotFound(err))

	tr, _ := h.manager.Join("alice", "", nil)
	_, _ = h.manager.Join("bob", "", nil)

	_, err = h.manager.RecordResult(tr.ID(), 0, "carol")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.Code(err))

	view, err := h.manager.RecordResult(tr.ID(), 0, "bob")
	require.NoError(t, err)
	assert.Equal(t, "completed", view.Status)
	_, ok := h.manager.Get(tr.ID())
	assert.False(t, ok)

	got := h.expectRecorded(t)
	assert.Equal(t, "bob", got.WinnerID)
}

func TestMultiRecorder(t *testing.T) {
	var calls int
	ok := tournament.RecorderFunc(func(context.Context, room.Result) error {
		calls++
		return nil
	})
	boom := errors.New("boom")
	failing := tournament.RecorderFunc(func(context.Context, room.Result) error {
		calls++
		return boom
	})

	err := tournament.MultiRecorder{failing, nil, ok}.RecordResult(context.Background(), room.Result{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	assert.NoError(t, tournament.MultiRecorder{ok}.RecordResult(context.Background(), room.Result{}))
}
