package session_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-match-server/internal/room"
	"github.com/koopa0/system-design/14-match-server/internal/session"
	"github.com/koopa0/system-design/14-match-server/internal/store"
	"github.com/koopa0/system-design/14-match-server/internal/tournament"
	"github.com/koopa0/system-design/14-match-server/internal/transport"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// stack 完整組裝的伺服器元件，房間排程器不會自動觸發
type stack struct {
	rooms       *room.Manager
	tournaments *tournament.Manager
	router      *session.Router
	hub         *session.Hub
	handler     *session.Handler
	memory      *store.Memory
}

func newStack(t *testing.T, bracketSize int) *stack {
	t.Helper()

	results := make(chan room.Result, 16)
	s := &stack{memory: store.NewMemory()}
	s.rooms = room.NewManager(logger.Discard(), room.WithTickInterval(time.Hour), room.WithResults(results))
	s.tournaments = tournament.NewManager(s.rooms, results,
		tournament.WithBracketSize(bracketSize),
		tournament.WithRecorder(s.memory),
	)
	s.router = session.NewRouter(s.rooms, s.tournaments, s.memory, logger.Discard())
	s.hub = session.NewHub(s.router, session.QueryAuthenticator{}, session.DefaultHubConfig(), logger.Discard())
	s.handler = session.NewHandler(s.rooms, s.tournaments, s.hub, s.memory, logger.Discard())

	t.Cleanup(func() {
		s.hub.Stop()
		s.tournaments.Stop()
		s.rooms.Stop()
	})
	return s
}

// envelope 解碼後的出站訊息
type envelope struct {
	Type         string          `json:"type"`
	RoomID       int             `json:"roomId"`
	Side         string          `json:"side"`
	UserID       string          `json:"userId"`
	Content      string          `json:"content"`
	Message      string          `json:"message"`
	TournamentID string          `json:"tournamentId"`
	State        json.RawMessage `json:"state"`
}

func drain(t *testing.T, c *transport.Live) []envelope {
	t.Helper()
	var out []envelope
	for {
		select {
		case msg, ok := <-c.Outbox():
			if !ok {
				return out
			}
			var env envelope
			require.NoError(t, json.Unmarshal(msg, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(envs []envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func dispatch(s *stack, userID string, c transport.Conn, raw string) {
	s.router.Dispatch(context.Background(), userID, c, []byte(raw))
}
