package physics

import (
	"math"
	"math/rand/v2"
)

// MaxBallSpeed 球速單一分量的上限
const MaxBallSpeed = 1.25

// blockBoost 每次擋球的水平加速倍率
const blockBoost = 1.01

// State 模擬狀態
//
// 由 Room 獨占，其他元件不得修改。
type State struct {
	P1X     float64
	P1Y     float64
	P2X     float64
	P2Y     float64
	P1Speed float64
	P2Speed float64
	BallX   float64
	BallY   float64
	ScoreL  int
	ScoreR  int
}

// NewState 建立開局狀態：球拍置中，球在原點
func NewState(cfg Derived) State {
	halfW := cfg.FieldWidth / 2
	return State{
		P1X: -halfW + 1,
		P2X: halfW - 1,
	}
}

// Velocity 球速
type Velocity struct {
	H float64
	V float64
}

// Inputs 左右兩側的方向輸入，取值 -1、0、1
type Inputs struct {
	Left  float64
	Right float64
}

// Source 隨機來源
//
// *rand.Rand 滿足此介面；nil 代表使用 math/rand/v2 的全域來源。
type Source interface {
	Float64() float64
}

// Event 單次 AdvanceBall 的結果
type Event int

const (
	EventNone       Event = iota
	EventBlockLeft        // 左拍擋球
	EventBlockRight       // 右拍擋球
	EventGoalLeft         // 左側失分，右側得分
	EventGoalRight        // 右側失分，左側得分
	EventCrossed          // 非權威模式下球越過擋板平面
)

// String 實作 fmt.Stringer
func (e Event) String() string {
	switch e {
	case EventBlockLeft:
		return "block_left"
	case EventBlockRight:
		return "block_right"
	case EventGoalLeft:
		return "goal_left"
	case EventGoalRight:
		return "goal_right"
	case EventCrossed:
		return "crossed"
	default:
		return "none"
	}
}

// IsGoal 是否為得分事件
func (e Event) IsGoal() bool {
	return e == EventGoalLeft || e == EventGoalRight
}

// AdvancePaddles 推進兩側球拍一個 tick
//
// 速度以 PaddleAcc 為係數向目標速度指數平滑：v += (target - v) * acc
func AdvancePaddles(s *State, in Inputs, cfg Derived) {
	s.P1Speed += (in.Left*cfg.paddleSpeed - s.P1Speed) * cfg.PaddleAcc
	s.P2Speed += (in.Right*cfg.paddleSpeed - s.P2Speed) * cfg.PaddleAcc
	s.P1Y += s.P1Speed
	s.P2Y += s.P2Speed

	lo, hi := cfg.PaddleBounds()
	s.P1Y = clamp(s.P1Y, lo, hi)
	s.P2Y = clamp(s.P2Y, lo, hi)
}

// AdvanceBall 推進球一個 tick
//
// 擋板判定平面在球拍中心往內 2 單位，再減去當前水平速度，
// 高速時球不會在兩個 tick 之間穿過球拍。
//
// authoritative 為 false 時（預測、AI 前瞻）遇到越過平面就立即回傳 EventCrossed，
// 不計分也不改變速度。
func AdvanceBall(s *State, v *Velocity, cfg Derived, authoritative bool, src Source) Event {
	v.H = clamp(v.H, -MaxBallSpeed, MaxBallSpeed)
	v.V = clamp(v.V, -MaxBallSpeed, MaxBallSpeed)

	s.BallX = clamp(s.BallX+v.H, -cfg.FieldWidth/2, cfg.FieldWidth/2)
	s.BallY = clamp(s.BallY+v.V, -cfg.FieldHeight/2, cfg.FieldHeight/2)

	event := EventNone

	if s.BallX <= s.P1X+2-v.H {
		if !authoritative {
			return EventCrossed
		}
		if missed(s.BallY, s.P1Y, cfg.paddleSize) {
			s.ScoreR++
			serve(s, v, src)
			event = EventGoalLeft
		} else {
			v.H *= -blockBoost
			event = EventBlockLeft
		}
	}

	if s.BallX >= s.P2X-2-v.H {
		if !authoritative {
			return EventCrossed
		}
		if missed(s.BallY, s.P2Y, cfg.paddleSize) {
			s.ScoreL++
			serve(s, v, src)
			event = EventGoalRight
		} else {
			v.H *= -blockBoost
			event = EventBlockRight
		}
	}

	if s.BallY <= -cfg.FieldHeight/2+1 || s.BallY >= cfg.FieldHeight/2-1 {
		v.V = -v.V
	}

	// 擋球加速後可能超過上限，回傳前再夾一次
	v.H = clamp(v.H, -MaxBallSpeed, MaxBallSpeed)
	v.V = clamp(v.V, -MaxBallSpeed, MaxBallSpeed)

	return event
}

// ResetVelocity 重新發球
//
// 水平與垂直分量各自獨立取 ±0.5，方向量化為 4 個 45° 方向。
func ResetVelocity(src Source) Velocity {
	return Velocity{
		H: half(src),
		V: half(src),
	}
}

func half(src Source) float64 {
	var r float64
	if src == nil {
		r = rand.Float64()
	} else {
		r = src.Float64()
	}
	if r < 0.5 {
		return -0.5
	}
	return 0.5
}

// missed 球是否在球拍的半長加 1 單位容差之外
func missed(ballY, paddleY, paddleSize float64) bool {
	return ballY-1 > paddleY+paddleSize/2 || ballY+1 < paddleY-paddleSize/2
}

// serve 球回到原點並重新取速度
func serve(s *State, v *Velocity, src Source) {
	s.BallX = 0
	s.BallY = 0
	*v = ResetVelocity(src)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
