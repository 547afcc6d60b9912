package physics_test

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/koopa0/system-design/14-match-server/internal/physics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSource 每次回傳相同值
type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func TestBuildWorld(t *testing.T) {
	tests := []struct {
		name      string
		overrides physics.WorldConfig
		validate  func(t *testing.T, d physics.Derived)
	}{
		{
			name: "defaults",
			validate: func(t *testing.T, d physics.Derived) {
				assert.Equal(t, 100.0, d.FieldWidth)
				assert.Equal(t, 40.0, d.FieldHeight)
				assert.InDelta(t, 40.0/6.0, d.PaddleSize(), 1e-9)
				assert.InDelta(t, 40.0/90.0, d.PaddleSpeed(), 1e-9)
			},
		},
		{
			name:      "height only",
			overrides: physics.WorldConfig{FieldHeight: 60},
			validate: func(t *testing.T, d physics.Derived) {
				assert.Equal(t, 100.0, d.FieldWidth)
				assert.InDelta(t, 10.0, d.PaddleSize(), 1e-9)
				assert.InDelta(t, 60.0/90.0, d.PaddleSpeed(), 1e-9)
			},
		},
		{
			name:      "ratio and acc",
			overrides: physics.WorldConfig{PaddleRatio: 0.25, PaddleAcc: 0.5},
			validate: func(t *testing.T, d physics.Derived) {
				assert.InDelta(t, 10.0, d.PaddleSize(), 1e-9)
				assert.Equal(t, 0.5, d.PaddleAcc)
			},
		},
		{
			name:      "all fields",
			overrides: physics.WorldConfig{FieldWidth: 120, FieldHeight: 50, PaddleRatio: 0.2, PaddleAcc: 0.1},
			validate: func(t *testing.T, d physics.Derived) {
				assert.Equal(t, 120.0, d.FieldWidth)
				assert.InDelta(t, 10.0, d.PaddleSize(), 1e-9)
				assert.InDelta(t, 50.0/90.0, d.PaddleSpeed(), 1e-9)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := physics.BuildWorld(tt.overrides)
			// 衍生值永遠由基本參數計算
			assert.InDelta(t, d.FieldHeight*d.PaddleRatio, d.PaddleSize(), 1e-9)
			assert.InDelta(t, d.FieldHeight/90, d.PaddleSpeed(), 1e-9)
			tt.validate(t, d)
		})
	}
}

func TestDerived_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(physics.BuildWorld(physics.WorldConfig{}))
	require.NoError(t, err)

	var out map[string]float64
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, 100.0, out["FIELD_WIDTH"])
	assert.Equal(t, 40.0, out["FIELD_HEIGHT"])
	assert.Equal(t, 0.2, out["PADDLE_ACC"])
	assert.InDelta(t, 40.0/6.0, out["paddleSize"], 1e-9)
	assert.InDelta(t, 40.0/90.0, out["paddleSpeed"], 1e-9)
}

func TestAdvancePaddles_StaysInBounds(t *testing.T) {
	cfg := physics.BuildWorld(physics.WorldConfig{})
	lo, hi := cfg.PaddleBounds()
	s := physics.NewState(cfg)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 10000; i++ {
		in := physics.Inputs{
			Left:  float64(rng.IntN(3) - 1),
			Right: float64(rng.IntN(3) - 1),
		}
		physics.AdvancePaddles(&s, in, cfg)
		require.GreaterOrEqual(t, s.P1Y, lo)
		require.LessOrEqual(t, s.P1Y, hi)
		require.GreaterOrEqual(t, s.P2Y, lo)
		require.LessOrEqual(t, s.P2Y, hi)
	}
}

func TestAdvancePaddles_Smoothing(t *testing.T) {
	cfg := physics.BuildWorld(physics.WorldConfig{})
	s := physics.NewState(cfg)

	physics.AdvancePaddles(&s, physics.Inputs{Left: 1, Right: -1}, cfg)

	want := cfg.PaddleSpeed() * cfg.PaddleAcc
	assert.InDelta(t, want, s.P1Speed, 1e-12)
	assert.InDelta(t, -want, s.P2Speed, 1e-12)
	assert.InDelta(t, want, s.P1Y, 1e-12)
	assert.InDelta(t, -want, s.P2Y, 1e-12)

	// 持續往上推，最後停在上界
	for i := 0; i < 1000; i++ {
		physics.AdvancePaddles(&s, physics.Inputs{Left: 1}, cfg)
	}
	_, hi := cfg.PaddleBounds()
	assert.Equal(t, hi, s.P1Y)
}

func TestAdvanceBall(t *testing.T) {
	cfg := physics.BuildWorld(physics.WorldConfig{})

	tests := []struct {
		name          string
		ballX, ballY  float64
		v             physics.Velocity
		authoritative bool
		src           physics.Source
		validate      func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity)
	}{
		{
			name:          "left block reverses and boosts",
			ballX:         -46,
			v:             physics.Velocity{H: -0.5},
			authoritative: true,
			validate: func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity) {
				assert.Equal(t, physics.EventBlockLeft, ev)
				assert.InDelta(t, 0.505, v.H, 1e-12)
				assert.Zero(t, s.ScoreL+s.ScoreR)
			},
		},
		{
			name:          "right block",
			ballX:         46,
			v:             physics.Velocity{H: 0.5},
			authoritative: true,
			validate: func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity) {
				assert.Equal(t, physics.EventBlockRight, ev)
				assert.InDelta(t, -0.505, v.H, 1e-12)
			},
		},
		{
			name:          "left goal scores right and re-serves",
			ballX:         -46,
			ballY:         10,
			v:             physics.Velocity{H: -0.5},
			authoritative: true,
			src:           fixedSource(0.9),
			validate: func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity) {
				assert.Equal(t, physics.EventGoalLeft, ev)
				assert.Equal(t, 0, s.ScoreL)
				assert.Equal(t, 1, s.ScoreR)
				assert.Zero(t, s.BallX)
				assert.Zero(t, s.BallY)
				assert.Equal(t, physics.Velocity{H: 0.5, V: 0.5}, v)
			},
		},
		{
			name:          "right goal scores left",
			ballX:         46,
			ballY:         -10,
			v:             physics.Velocity{H: 0.5},
			authoritative: true,
			src:           fixedSource(0.1),
			validate: func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity) {
				assert.Equal(t, physics.EventGoalRight, ev)
				assert.Equal(t, 1, s.ScoreL)
				assert.Equal(t, 0, s.ScoreR)
				assert.Equal(t, physics.Velocity{H: -0.5, V: -0.5}, v)
			},
		},
		{
			name:  "non-authoritative stops at the crossing",
			ballX: -46,
			ballY: 10,
			v:     physics.Velocity{H: -0.5},
			validate: func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity) {
				assert.Equal(t, physics.EventCrossed, ev)
				assert.Zero(t, s.ScoreR)
				assert.Equal(t, -0.5, v.H)
				assert.Equal(t, -46.5, s.BallX)
			},
		},
		{
			name:          "top wall reverses vertical",
			ballY:         18.6,
			v:             physics.Velocity{H: 0.5, V: 0.5},
			authoritative: true,
			validate: func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity) {
				assert.Equal(t, physics.EventNone, ev)
				assert.Equal(t, -0.5, v.V)
			},
		},
		{
			name:          "input velocity clamped",
			v:             physics.Velocity{H: 3, V: -3},
			authoritative: true,
			validate: func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity) {
				assert.Equal(t, 1.25, s.BallX)
				assert.Equal(t, -1.25, s.BallY)
				assert.Equal(t, 1.25, v.H)
			},
		},
		{
			name:          "boosted block stays within max speed",
			ballX:         -45,
			v:             physics.Velocity{H: -1.25},
			authoritative: true,
			validate: func(t *testing.T, ev physics.Event, s physics.State, v physics.Velocity) {
				assert.Equal(t, physics.EventBlockLeft, ev)
				assert.Equal(t, physics.MaxBallSpeed, v.H)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := physics.NewState(cfg)
			s.BallX, s.BallY = tt.ballX, tt.ballY
			v := tt.v
			ev := physics.AdvanceBall(&s, &v, cfg, tt.authoritative, tt.src)
			tt.validate(t, ev, s, v)
		})
	}
}

func TestAdvanceBall_FirstGoalFromServe(t *testing.T) {
	cfg := physics.BuildWorld(physics.WorldConfig{})
	s := physics.NewState(cfg)
	v := physics.ResetVelocity(fixedSource(0.1))
	require.Equal(t, physics.Velocity{H: -0.5, V: -0.5}, v)

	// 球拍不動時，往左下發的球在第 93 個 tick 從左側進球
	for tick := 1; tick <= 93; tick++ {
		ev := physics.AdvanceBall(&s, &v, cfg, true, fixedSource(0.1))
		if tick < 93 {
			require.False(t, ev.IsGoal(), "tick %d", tick)
			continue
		}
		assert.Equal(t, physics.EventGoalLeft, ev)
	}
	assert.Equal(t, 1, s.ScoreR)
}

func TestBallSpeedNeverExceedsLimit(t *testing.T) {
	cfg := physics.BuildWorld(physics.WorldConfig{})
	s := physics.NewState(cfg)
	rng := rand.New(rand.NewPCG(7, 11))
	v := physics.ResetVelocity(rng)

	for i := 0; i < 20000; i++ {
		// 讓球拍追球，製造大量擋球
		in := physics.Inputs{
			Left:  math.Copysign(1, s.BallY-s.P1Y),
			Right: math.Copysign(1, s.BallY-s.P2Y),
		}
		physics.AdvancePaddles(&s, in, cfg)
		physics.AdvanceBall(&s, &v, cfg, true, rng)
		require.LessOrEqual(t, math.Abs(v.H), physics.MaxBallSpeed)
		require.LessOrEqual(t, math.Abs(v.V), physics.MaxBallSpeed)
	}
}

func TestResetVelocity_FourDirections(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	seen := map[physics.Velocity]bool{}

	for i := 0; i < 200; i++ {
		v := physics.ResetVelocity(rng)
		assert.Equal(t, 0.5, math.Abs(v.H))
		assert.Equal(t, 0.5, math.Abs(v.V))
		seen[v] = true
	}
	assert.Len(t, seen, 4)

	// nil 使用全域來源
	v := physics.ResetVelocity(nil)
	assert.Equal(t, 0.5, math.Abs(v.H))
}

func TestPredictInterceptY(t *testing.T) {
	cfg := physics.BuildWorld(physics.WorldConfig{})
	s := physics.NewState(cfg)
	v := physics.Velocity{H: -0.5, V: -0.5}

	y, ok := physics.PredictInterceptY(s, v, cfg, 200)
	require.True(t, ok)
	assert.Equal(t, 8.5, y)

	// 副本推進，不影響呼叫端狀態
	assert.Zero(t, s.BallX)

	_, ok = physics.PredictInterceptY(s, v, cfg, 10)
	assert.False(t, ok)
}
