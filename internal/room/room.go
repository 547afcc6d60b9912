// Package room 實作對戰房間與房間註冊表
package room

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-match-server/internal/physics"
	"github.com/koopa0/system-design/14-match-server/internal/protocol"
	"github.com/koopa0/system-design/14-match-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// 系統設計問題：
//   如何讓上百個對戰各自以 60Hz 推進，彼此互不阻塞？
//
// 核心挑戰：
//   1. 定時推進：每 16ms 一個 tick，tick 之間嚴格循序
//   2. 隔離：一個房間卡住或 panic 不能影響其他房間
//   3. 非阻塞廣播：慢客戶端不能拖慢 tick
//   4. 結果回報：房間不持有錦標賽的參照
//
// 設計方案：
//   ✅ 每個房間一個 goroutine + ticker，模擬狀態由房間獨占
//   ✅ Mutex 保護狀態，廣播在鎖外進行
//   ✅ 連線 outbox 非阻塞送出，失敗只記錄
//   ✅ MatchContext 值 + results channel 回報結果

// Side 場地側
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Status 房間狀態
//
// 有限狀態機：
//
//	empty → filling → ready-check → running → finished → closed
//	          ↑___________↓____________↓
//
// running / ready-check 中有人離開：一般房間退回 filling，
// 錦標賽房間則判定留下的一方不戰而勝（finished）。
type Status string

const (
	StatusEmpty      Status = "empty"
	StatusFilling    Status = "filling"
	StatusReadyCheck Status = "ready-check"
	StatusRunning    Status = "running"
	StatusFinished   Status = "finished"
	StatusClosed     Status = "closed"
)

// 預設值
const (
	DefaultTickInterval = 16 * time.Millisecond
	DefaultWinningScore = 5
	resultTimeout       = 5 * time.Second
)

// MatchContext 房間所屬的錦標賽對戰
type MatchContext struct {
	TournamentID string `json:"tournament_id"`
	MatchID      int    `json:"match_id"`
}

// Player 房間內的玩家
type Player struct {
	UserID string
	Side   Side
	Ready  bool
	Conn   transport.Conn
}

// Room 對戰房間
//
// 系統設計考量：
//
//  1. 鎖的範圍：
//     - 模擬狀態、玩家表、排程器控制都由 mu 保護
//     - 送出訊息一律在解鎖後進行，tick 期間不會因 I/O 持鎖
//
//  2. 排程器：
//     - quit channel 非 nil 代表排程器運行中
//     - 停止 = 關閉 quit 並設為 nil，重複停止是 no-op
type Room struct {
	id           int
	cfg          physics.Derived
	tickInterval time.Duration
	winningScore int
	match        *MatchContext
	results      chan<- Result
	emitting     *sync.WaitGroup
	logger       *slog.Logger
	rng          physics.Source
	createdAt    time.Time

	mu        sync.Mutex
	state     physics.State
	ball      physics.Velocity
	inputs    physics.Inputs
	started   bool
	startedAt *int64
	finished  bool
	closed    bool
	players   map[string]*Player // connID -> Player
	quit      chan struct{}
}

// Option 房間選項
type Option func(*Room)

// WithWorld 覆蓋場地參數
func WithWorld(overrides physics.WorldConfig) Option {
	return func(r *Room) { r.cfg = physics.BuildWorld(overrides) }
}

// WithTickInterval 設定 tick 間隔
func WithTickInterval(d time.Duration) Option {
	return func(r *Room) {
		if d > 0 {
			r.tickInterval = d
		}
	}
}

// WithWinningScore 設定勝利分數
func WithWinningScore(n int) Option {
	return func(r *Room) {
		if n > 0 {
			r.winningScore = n
		}
	}
}

// WithResults 設定結果回報 channel
func WithResults(ch chan<- Result) Option {
	return func(r *Room) { r.results = ch }
}

// withEmitGroup 由 Manager 設定，追蹤尚未送達的結果
func withEmitGroup(wg *sync.WaitGroup) Option {
	return func(r *Room) { r.emitting = wg }
}

// WithMatch 標記為錦標賽房間
func WithMatch(mc MatchContext) Option {
	return func(r *Room) {
		c := mc
		r.match = &c
	}
}

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(r *Room) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRandom 設定發球的隨機來源
func WithRandom(src physics.Source) Option {
	return func(r *Room) { r.rng = src }
}

// New 建立房間，球拍置中並隨機發球
func New(id int, opts ...Option) *Room {
	r := &Room{
		id:           id,
		cfg:          physics.BuildWorld(physics.WorldConfig{}),
		tickInterval: DefaultTickInterval,
		winningScore: DefaultWinningScore,
		logger:       logger.Discard(),
		createdAt:    time.Now(),
		players:      make(map[string]*Player),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.With("room_id", id)
	r.state = physics.NewState(r.cfg)
	r.ball = physics.ResetVelocity(r.rng)
	return r
}

// ID 房間 ID
func (r *Room) ID() int { return r.id }

// Config 場地參數
func (r *Room) Config() physics.Derived { return r.cfg }

// Match 錦標賽對戰，一般房間為 nil
func (r *Room) Match() *MatchContext {
	if r.match == nil {
		return nil
	}
	c := *r.match
	return &c
}

// AddPlayer 加入玩家
//
// conn 為 nil 時以 Detached 代替。側別依目前人數的奇偶決定（偶數左、奇數右），
// 若該側已被佔用（先前有人離開）則使用另一側。
func (r *Room) AddPlayer(userID string, conn transport.Conn) (*Player, error) {
	if conn == nil {
		conn = transport.NewDetached(userID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, apperrors.ErrRoomClosed
	}
	if p, ok := r.players[conn.ID()]; ok {
		return p, nil
	}
	if len(r.players) >= 2 {
		return nil, apperrors.ErrRoomFull
	}

	side := SideLeft
	if len(r.players)%2 == 1 {
		side = SideRight
	}
	if r.sideTakenLocked(side) {
		side = opposite(side)
	}

	p := &Player{UserID: userID, Side: side, Conn: conn}
	r.players[conn.ID()] = p

	r.logger.Info("玩家加入房間", "user_id", userID, "side", side, "live", conn.IsLive())
	return p, nil
}

// RemovePlayer 移除玩家
//
// 錦標賽房間剩一人且對戰尚未結束時，停止排程並回報留下的一方不戰而勝。
// 一般房間若正在對戰，停止排程、重置比分並清除準備狀態，退回 filling。
// 未知的連線是 no-op。
func (r *Room) RemovePlayer(connID string) *Player {
	r.mu.Lock()

	p, ok := r.players[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.players, connID)

	var walkover *Result
	switch {
	case r.match != nil && !r.finished && !r.closed && len(r.players) == 1:
		r.stopLocked()
		r.finished = true
		for _, remaining := range r.players {
			res := r.resultLocked(remaining.UserID, p.UserID, true)
			walkover = &res
		}
	case r.match == nil && !r.finished:
		if r.started {
			r.stopLocked()
		}
		r.resetLocked()
	}
	r.mu.Unlock()

	r.logger.Info("玩家離開房間", "user_id", p.UserID, "walkover", walkover != nil)

	if walkover != nil {
		r.emit(*walkover)
	}
	return p
}

// SetReady 標記玩家準備，並嘗試開賽
func (r *Room) SetReady(connID string) bool {
	r.mu.Lock()
	p, ok := r.players[connID]
	if !ok || p.Ready || r.finished || r.closed {
		r.mu.Unlock()
		return false
	}
	p.Ready = true
	conns := r.connsLocked()
	r.mu.Unlock()

	r.broadcast(conns, protocol.Ready(p.UserID))
	r.Start()
	return true
}

// SetInput 設定玩家的方向輸入，未開賽時忽略
func (r *Room) SetInput(connID string, direction int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	p, ok := r.players[connID]
	if !ok {
		return
	}
	switch p.Side {
	case SideLeft:
		r.inputs.Left = float64(direction)
	case SideRight:
		r.inputs.Right = float64(direction)
	}
}

// Start 開賽
//
// 冪等：只有兩位玩家都準備好、且尚未開賽時才會啟動排程器。
func (r *Room) Start() bool {
	r.mu.Lock()
	if r.started || r.finished || r.closed || len(r.players) != 2 {
		r.mu.Unlock()
		return false
	}
	for _, p := range r.players {
		if !p.Ready {
			r.mu.Unlock()
			return false
		}
	}

	r.started = true
	ts := time.Now().UnixMilli()
	r.startedAt = &ts
	quit := make(chan struct{})
	r.quit = quit
	conns := r.connsLocked()
	r.mu.Unlock()

	r.logger.Info("對戰開始", "timestamp", ts)
	r.broadcast(conns, protocol.Start(ts))

	go r.run(quit)
	return true
}

// run 排程器 goroutine
func (r *Room) run(quit <-chan struct{}) {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if !r.safeTick() {
				return
			}
		}
	}
}

// safeTick 單一房間的 panic 只停止該房間
func (r *Room) safeTick() (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tick panic，停止房間", "panic", fmt.Sprint(rec))
			r.Stop()
			ok = false
		}
	}()
	return r.Tick()
}

// Tick 推進一個 tick 並廣播狀態
//
// 任一方達到勝利分數時停止排程、清除 started 並回報結果。
// 回傳 false 代表房間不在（或不再）運行。
func (r *Room) Tick() bool {
	r.mu.Lock()
	if !r.started || r.closed {
		r.mu.Unlock()
		return false
	}

	physics.AdvancePaddles(&r.state, r.inputs, r.cfg)
	event := physics.AdvanceBall(&r.state, &r.ball, r.cfg, true, r.rng)
	snap := r.snapshotLocked()
	conns := r.connsLocked()

	var res *Result
	if r.state.ScoreL >= r.winningScore || r.state.ScoreR >= r.winningScore {
		r.stopLocked()
		r.finished = true
		winner, loser := SideLeft, SideRight
		if r.state.ScoreL < r.winningScore {
			winner, loser = SideRight, SideLeft
		}
		out := r.resultLocked(r.userOnSideLocked(winner), r.userOnSideLocked(loser), false)
		res = &out
	}
	r.mu.Unlock()

	if event.IsGoal() {
		r.logger.Debug("得分", "event", event, "score_l", snap.ScoreL, "score_r", snap.ScoreR)
	}

	r.broadcast(conns, protocol.State(snap))

	if res != nil {
		r.logger.Info("對戰結束", "winner", res.WinnerID, "score_l", res.ScoreL, "score_r", res.ScoreR)
		r.emit(*res)
		return false
	}
	return true
}

// Stop 停止排程器，可重複呼叫
func (r *Room) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// Release 停止排程、標記關閉並清空玩家表，回傳原本的玩家
func (r *Room) Release() []*Player {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.closed = true
	players := make([]*Player, 0, len(r.players))
	for id, p := range r.players {
		players = append(players, p)
		delete(r.players, id)
	}
	return players
}

// Close 釋放房間，並對所有連線送出 reset 後關閉
func (r *Room) Close() {
	resetAndClose(r.logger, r.Release())
	r.logger.Info("房間已關閉")
}

// Status 目前狀態
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// Accepting 是否為仍可加入的一般房間
func (r *Room) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.match == nil && !r.closed && !r.finished && len(r.players) < 2
}

// PlayerCount 玩家數
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// Player 依連線取得玩家
func (r *Room) Player(connID string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[connID]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Players 玩家副本
func (r *Room) Players() []Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	return out
}

// Snapshot 可廣播的狀態
func (r *Room) Snapshot() protocol.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// JoinMessage 產生給指定連線的入座通知
func (r *Room) JoinMessage(connID string) (protocol.JoinMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[connID]
	if !ok {
		return protocol.JoinMessage{}, false
	}
	return protocol.Join(r.id, string(p.Side), r.cfg, r.snapshotLocked()), true
}

// Summary 房間摘要
type Summary struct {
	ID           int       `json:"room_id"`
	Status       Status    `json:"status"`
	Players      []string  `json:"players"`
	ScoreL       int       `json:"score_l"`
	ScoreR       int       `json:"score_r"`
	TournamentID string    `json:"tournament_id,omitempty"`
	MatchID      *int      `json:"match_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary 產生房間摘要
func (r *Room) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		ID:        r.id,
		Status:    r.statusLocked(),
		Players:   make([]string, 0, len(r.players)),
		ScoreL:    r.state.ScoreL,
		ScoreR:    r.state.ScoreR,
		CreatedAt: r.createdAt,
	}
	for _, side := range []Side{SideLeft, SideRight} {
		if u := r.userOnSideLocked(side); u != "" {
			s.Players = append(s.Players, u)
		}
	}
	if r.match != nil {
		s.TournamentID = r.match.TournamentID
		id := r.match.MatchID
		s.MatchID = &id
	}
	return s
}

func (r *Room) statusLocked() Status {
	switch {
	case r.closed:
		return StatusClosed
	case r.finished:
		return StatusFinished
	case r.started:
		return StatusRunning
	case len(r.players) == 0:
		return StatusEmpty
	case len(r.players) == 1:
		return StatusFilling
	default:
		return StatusReadyCheck
	}
}

func (r *Room) stopLocked() {
	r.started = false
	if r.quit != nil {
		close(r.quit)
		r.quit = nil
	}
}

// resetLocked 重置比分、球與球拍，清除準備狀態
func (r *Room) resetLocked() {
	r.state = physics.NewState(r.cfg)
	r.ball = physics.ResetVelocity(r.rng)
	r.inputs = physics.Inputs{}
	r.startedAt = nil
	for _, p := range r.players {
		p.Ready = false
	}
}

func (r *Room) snapshotLocked() protocol.Snapshot {
	return protocol.Snapshot{
		P1X:       r.state.P1X,
		P2X:       r.state.P2X,
		P1Y:       r.state.P1Y,
		P2Y:       r.state.P2Y,
		BallX:     r.state.BallX,
		BallY:     r.state.BallY,
		ScoreL:    r.state.ScoreL,
		ScoreR:    r.state.ScoreR,
		Started:   r.started,
		Timestamp: r.startedAt,
	}
}

func (r *Room) connsLocked() []transport.Conn {
	conns := make([]transport.Conn, 0, len(r.players))
	for _, p := range r.players {
		conns = append(conns, p.Conn)
	}
	return conns
}

func (r *Room) sideTakenLocked(side Side) bool {
	for _, p := range r.players {
		if p.Side == side {
			return true
		}
	}
	return false
}

func (r *Room) userOnSideLocked(side Side) string {
	for _, p := range r.players {
		if p.Side == side {
			return p.UserID
		}
	}
	return ""
}

func (r *Room) resultLocked(winner, loser string, walkover bool) Result {
	return Result{
		RoomID:     r.id,
		Match:      r.Match(),
		WinnerID:   winner,
		LoserID:    loser,
		ScoreL:     r.state.ScoreL,
		ScoreR:     r.state.ScoreR,
		Walkover:   walkover,
		FinishedAt: time.Now(),
	}
}

// broadcast 非阻塞送給每條連線，失敗只記錄
func (r *Room) broadcast(conns []transport.Conn, msg any) {
	for _, c := range conns {
		if err := transport.SendJSON(c, msg); err != nil {
			r.logger.Debug("送出失敗", "conn_id", c.ID(), "error", err)
		}
	}
}

// emit 在獨立 goroutine 送出結果，呼叫端（可能持有其他鎖）不會被阻塞
func (r *Room) emit(res Result) {
	if r.results == nil {
		return
	}
	if r.emitting != nil {
		r.emitting.Add(1)
	}
	go func() {
		if r.emitting != nil {
			defer r.emitting.Done()
		}
		select {
		case r.results <- res:
		case <-time.After(resultTimeout):
			r.logger.Error("回報結果逾時，結果遺失", "winner", res.WinnerID, "loser", res.LoserID)
		}
	}()
}

// resetAndClose 盡力通知 reset 後關閉連線
func resetAndClose(log *slog.Logger, players []*Player) {
	for _, p := range players {
		if err := transport.SendJSON(p.Conn, protocol.Reset()); err != nil {
			log.Debug("送出 reset 失敗", "user_id", p.UserID, "error", err)
		}
		_ = p.Conn.Close()
	}
}

func opposite(s Side) Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}
