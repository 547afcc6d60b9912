package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-match-server/internal/transport"
)

func TestRouter_JoinReadyInput(t *testing.T) {
	s := newStack(t, 4)

	a := transport.NewLive("a", 64)
	b := transport.NewLive("b", 64)
	s.router.Attach("alice", a)
	s.router.Attach("bob", b)

	dispatch(s, "alice", a, `{"type":"join"}`)
	dispatch(s, "bob", b, `{"type":"join"}`)

	ja := drain(t, a)
	jb := drain(t, b)
	require.Len(t, ja, 1)
	require.Len(t, jb, 1)
	assert.Equal(t, "join", ja[0].Type)
	assert.Equal(t, "left", ja[0].Side)
	assert.Equal(t, "right", jb[0].Side)
	assert.Equal(t, ja[0].RoomID, jb[0].RoomID)

	dispatch(s, "alice", a, `{"type":"ready"}`)
	dispatch(s, "bob", b, `{"type":"ready"}`)
	assert.Equal(t, []string{"ready", "ready", "start"}, types(drain(t, a)))

	dispatch(s, "alice", a, `{"type":"input","direction":1}`)
	r, ok := s.rooms.FindRoomForConnection(a.ID())
	require.True(t, ok)
	require.True(t, r.Tick())
	assert.Greater(t, r.Snapshot().P1Y, 0.0)
	r.Stop()
}

func TestRouter_InvalidMessagesAreDropped(t *testing.T) {
	s := newStack(t, 4)
	a := transport.NewLive("a", 64)
	s.router.Attach("alice", a)

	for _, raw := range []string{
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"input"}`,
		`{"type":"input","direction":7}`,
		`{"type":"chat","content":"hi"}`,
	} {
		dispatch(s, "alice", a, raw)
	}

	assert.Empty(t, drain(t, a))
	assert.False(t, a.Closed())

	// 未入座時 ready / input 是 no-op
	dispatch(s, "alice", a, `{"type":"ready"}`)
	dispatch(s, "alice", a, `{"type":"input","direction":-1}`)
	assert.Empty(t, drain(t, a))
}

func TestRouter_LeaveCasualRoomKeepsConnection(t *testing.T) {
	s := newStack(t, 4)
	a := transport.NewLive("a", 64)
	s.router.Attach("alice", a)

	dispatch(s, "alice", a, `{"type":"join"}`)
	dispatch(s, "alice", a, `{"type":"leave"}`)

	_, ok := s.rooms.FindRoomForConnection(a.ID())
	assert.False(t, ok)
	assert.False(t, a.Closed())
	assert.Zero(t, s.rooms.Stats().Rooms)
}

func TestRouter_LeaveCasualRoomKeepsTournamentEntry(t *testing.T) {
	s := newStack(t, 4)
	a := transport.NewLive("a", 64)
	s.router.Attach("alice", a)

	// 等待錦標賽湊滿時先打一場一般對戰
	dispatch(s, "alice", a, `{"type":"joinTournament"}`)
	dispatch(s, "alice", a, `{"type":"join"}`)
	dispatch(s, "alice", a, `{"type":"leave"}`)

	_, ok := s.rooms.FindRoomForConnection(a.ID())
	assert.False(t, ok)

	list := s.tournaments.List()
	require.Len(t, list, 1)
	require.Len(t, list[0].Players, 1)
	assert.Equal(t, "alice", list[0].Players[0].ID)

	// 未入座時的 leave 才退出報名
	dispatch(s, "alice", a, `{"type":"leave"}`)
	list = s.tournaments.List()
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Players)
}

func TestRouter_JoinTournament(t *testing.T) {
	s := newStack(t, 4)
	s.memory.SetUsername("alice", "Alice")

	a := transport.NewLive("a", 64)
	s.router.Attach("alice", a)

	dispatch(s, "alice", a, `{"type":"joinTournament"}`)
	msgs := drain(t, a)
	assert.Equal(t, []string{"tournamentUpdate", "joinedTournament"}, types(msgs))
	assert.NotEmpty(t, msgs[1].TournamentID)
	assert.Contains(t, string(msgs[0].State), `"username":"Alice"`)

	dispatch(s, "alice", a, `{"type":"joinTournament"}`)
	msgs = drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, "error", msgs[0].Type)
	assert.Equal(t, "player already joined this tournament", msgs[0].Message)

	// 斷線後從報名池移除
	s.router.Detach(context.Background(), "alice", a)
	list := s.tournaments.List()
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Players)
}

func TestRouter_ChatRelay(t *testing.T) {
	s := newStack(t, 4)

	a := transport.NewLive("a", 64)
	b1 := transport.NewLive("b1", 64)
	b2 := transport.NewLive("b2", 64)
	s.router.Attach("alice", a)
	s.router.Attach("bob", b1)
	s.router.Attach("bob", b2)
	assert.Equal(t, 3, s.router.Connections())

	dispatch(s, "alice", a, `{"type":"chat","to":"bob","content":"gg"}`)
	for _, c := range []*transport.Live{b1, b2} {
		msgs := drain(t, c)
		require.Len(t, msgs, 1)
		assert.Equal(t, "chat", msgs[0].Type)
		assert.Equal(t, "alice", msgs[0].UserID)
		assert.Equal(t, "gg", msgs[0].Content)
	}
	assert.Empty(t, drain(t, a))

	// 數字形式的使用者 ID
	s.router.Attach("42", transport.NewLive("n", 8))
	dispatch(s, "alice", a, `{"type":"chat","to":42,"content":"hi"}`)
	assert.Empty(t, drain(t, a))

	dispatch(s, "alice", a, `{"type":"chat","to":"nobody","content":"?"}`)
	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, "error", msgs[0].Type)

	s.router.Detach(context.Background(), "bob", b1)
	assert.Equal(t, 3, s.router.Connections())
}
