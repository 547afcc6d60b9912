package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/14-match-server/internal/physics"
	"github.com/koopa0/system-design/14-match-server/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantErr  bool
		validate func(t *testing.T, msg protocol.Inbound)
	}{
		{
			name: "join",
			raw:  `{"type":"join"}`,
			validate: func(t *testing.T, msg protocol.Inbound) {
				assert.Equal(t, protocol.TypeJoin, msg.Type)
			},
		},
		{
			name: "input up",
			raw:  `{"type":"input","direction":-1}`,
			validate: func(t *testing.T, msg protocol.Inbound) {
				require.NotNil(t, msg.Direction)
				assert.Equal(t, -1, *msg.Direction)
			},
		},
		{
			name: "input zero",
			raw:  `{"type":"input","direction":0}`,
			validate: func(t *testing.T, msg protocol.Inbound) {
				require.NotNil(t, msg.Direction)
				assert.Equal(t, 0, *msg.Direction)
			},
		},
		{
			name: "chat with numeric recipient",
			raw:  `{"type":"chat","to":42,"content":"gg"}`,
			validate: func(t *testing.T, msg protocol.Inbound) {
				assert.Equal(t, protocol.UserID("42"), msg.To)
				assert.Equal(t, "gg", msg.Content)
			},
		},
		{
			name: "chat with string recipient",
			raw:  `{"type":"chat","to":"bob","content":"hi"}`,
			validate: func(t *testing.T, msg protocol.Inbound) {
				assert.Equal(t, protocol.UserID("bob"), msg.To)
			},
		},
		{name: "malformed json", raw: `{"type":`, wantErr: true},
		{name: "missing type", raw: `{}`, wantErr: true},
		{name: "unknown type", raw: `{"type":"fly"}`, wantErr: true},
		{name: "input without direction", raw: `{"type":"input"}`, wantErr: true},
		{name: "direction out of range", raw: `{"type":"input","direction":2}`, wantErr: true},
		{name: "fractional direction", raw: `{"type":"input","direction":0.5}`, wantErr: true},
		{name: "chat without recipient", raw: `{"type":"chat","content":"x"}`, wantErr: true},
		{name: "chat with fractional recipient", raw: `{"type":"chat","to":1.5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.Decode([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.ErrCodeInvalidMessage, apperrors.Code(err))
				return
			}
			require.NoError(t, err)
			tt.validate(t, msg)
		})
	}
}

func TestThrottled(t *testing.T) {
	tests := []struct {
		raw      string
		expected bool
	}{
		{raw: `{"type":"input","direction":1}`, expected: true},
		{raw: `{"type":"chat","to":"bob","content":"gg"}`, expected: true},
		{raw: `{"type":"join"}`, expected: false},
		{raw: `{"type":"ready"}`, expected: false},
		{raw: `{"type":"leave"}`, expected: false},
		{raw: `{"type":"joinTournament"}`, expected: false},
		{raw: `{"type":"fly"}`, expected: true},
		{raw: `not json`, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expected, protocol.Throttled([]byte(tt.raw)))
		})
	}
}

func TestOutboundShapes(t *testing.T) {
	ts := int64(1700000000000)
	snap := protocol.Snapshot{P1X: -49, P2X: 49, ScoreL: 2}

	tests := []struct {
		name     string
		msg      any
		expected string
	}{
		{
			name:     "start",
			msg:      protocol.Start(ts),
			expected: `{"type":"start","timestamp":1700000000000}`,
		},
		{
			name:     "reset",
			msg:      protocol.Reset(),
			expected: `{"type":"reset"}`,
		},
		{
			name:     "eliminated",
			msg:      protocol.Eliminated(),
			expected: `{"type":"tournamentEliminated"}`,
		},
		{
			name:     "complete",
			msg:      protocol.Complete(),
			expected: `{"type":"tournamentComplete"}`,
		},
		{
			name:     "joined tournament",
			msg:      protocol.JoinedTournament("t-1"),
			expected: `{"type":"joinedTournament","tournamentId":"t-1"}`,
		},
		{
			name:     "error",
			msg:      protocol.Error("tournament is already full"),
			expected: `{"type":"error","message":"tournament is already full"}`,
		},
		{
			name:     "ready",
			msg:      protocol.Ready("alice"),
			expected: `{"type":"ready","userId":"alice"}`,
		},
		{
			name:     "chat",
			msg:      protocol.Chat("alice", "gg"),
			expected: `{"type":"chat","userId":"alice","content":"gg"}`,
		},
		{
			name: "state before start has null timestamp",
			msg:  protocol.State(snap),
			expected: `{"type":"state","state":{"p1X":-49,"p2X":49,"p1Y":0,"p2Y":0,"ballX":0,"ballY":0,
				"scoreL":2,"scoreR":0,"started":false,"timestamp":null}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(data))
		})
	}
}

func TestJoinMessage(t *testing.T) {
	msg := protocol.Join(3, "right", physics.BuildWorld(physics.WorldConfig{}), protocol.Snapshot{})
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "join", out["type"])
	assert.Equal(t, float64(3), out["roomId"])
	assert.Equal(t, "right", out["side"])

	cfg, ok := out["gameConfig"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(100), cfg["FIELD_WIDTH"])
	assert.Contains(t, cfg, "paddleSize")
	assert.Contains(t, out, "state")
}
