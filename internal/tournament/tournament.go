// Package tournament 實作單淘汰錦標賽
package tournament

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-match-server/internal/protocol"
	"github.com/koopa0/system-design/14-match-server/internal/room"
	"github.com/koopa0/system-design/14-match-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// 系統設計問題：
//   對戰以任意順序結束時，如何保證賽程狀態一致、每一輪只晉級一次？
//
// 核心挑戰：
//   1. 並發結果：同一輪的兩場對戰可能同時結束
//   2. 斷線：參賽者可能在報名、對戰、等待下一輪時離開
//   3. 競爭：房間的不戰而勝與斷線處理可能回報同一場對戰
//
// 設計方案：
//   ✅ 每個賽程一把 Mutex，所有變更循序執行
//   ✅ 已結束的對戰再次回報一律 MATCH_COMPLETED，不會重複晉級
//   ✅ 斷線一律走 recordLocked，晉級邏輯只有一份

// DefaultSize 預設人數
const DefaultSize = 4

// Status 賽程狀態
//
//	pending → active → completed（終態）
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// MatchStatus 對戰狀態
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchCompleted MatchStatus = "completed"
)

// Entrant 參賽者
type Entrant struct {
	UserID   string
	Username string
	Conn     transport.Conn

	wins int
	// gone 在等待區時斷線；下一輪配對時對手直接晉級
	gone bool
}

// Match 對戰紀錄
type Match struct {
	ID        int
	Round     int
	RoomID    int
	P1        *Entrant
	P2        *Entrant
	Winner    *Entrant
	Loser     *Entrant
	Status    MatchStatus
	CreatedAt time.Time
}

// Arena 賽程需要的房間操作，由 room.Manager 實作
type Arena interface {
	CreateRoom(mc *room.MatchContext) *room.Room
	Seat(r *room.Room, userID string, conn transport.Conn) (room.Player, error)
	ReleaseRoom(id int) ([]*room.Player, bool)
	CloseRoom(id int) bool
}

// Tournament 單淘汰賽程
type Tournament struct {
	id        string
	size      int // 名義人數，每輪減半
	entrySize int
	status    Status
	round     int
	players   []*Entrant
	matches   []*Match
	waiting   []*Entrant
	nextMatch int
	createdAt time.Time

	// settled 本次變更中結算的對戰，由公開方法交給呼叫端
	settled []room.Result

	arena   Arena
	shuffle func(n int, swap func(i, j int))
	logger  *slog.Logger
	mu      sync.Mutex
}

// Option 賽程選項
type Option func(*Tournament)

// WithSize 設定人數（2 的次方）
func WithSize(n int) Option {
	return func(t *Tournament) {
		if n >= 2 && n&(n-1) == 0 {
			t.size = n
		}
	}
}

// WithShuffle 設定洗牌函式，簽名與 rand.Shuffle 相同
func WithShuffle(fn func(n int, swap func(i, j int))) Option {
	return func(t *Tournament) {
		if fn != nil {
			t.shuffle = fn
		}
	}
}

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(t *Tournament) {
		if l != nil {
			t.logger = l
		}
	}
}

// New 建立賽程
func New(arena Arena, opts ...Option) *Tournament {
	t := &Tournament{
		id:        uuid.NewString(),
		size:      DefaultSize,
		status:    StatusPending,
		arena:     arena,
		shuffle:   rand.Shuffle,
		logger:    logger.Discard(),
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.entrySize = t.size
	t.logger = t.logger.With("tournament_id", t.id)
	return t
}

// ID 賽程 ID
func (t *Tournament) ID() string { return t.id }

// Status 目前狀態
func (t *Tournament) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// PlayerCount 池中人數
func (t *Tournament) PlayerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.players)
}

// Open 是否仍可報名
func (t *Tournament) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusPending && len(t.players) < t.size
}

// HasPlayer 使用者是否在池中、等待區或任何對戰中
func (t *Tournament) HasPlayer(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusCompleted {
		return false
	}
	if findEntrant(t.players, userID) != nil || findEntrant(t.waiting, userID) != nil {
		return true
	}
	for _, m := range t.matches {
		if m.P1.UserID == userID || m.P2.UserID == userID {
			return true
		}
	}
	return false
}

// AddPlayer 報名
//
// 人數到齊時立即開賽。
func (t *Tournament) AddPlayer(e Entrant) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if findEntrant(t.players, e.UserID) != nil {
		return apperrors.ErrAlreadyJoined
	}
	if t.status != StatusPending || len(t.players) >= t.size {
		return apperrors.ErrTournamentFull
	}

	entrant := &Entrant{UserID: e.UserID, Username: e.Username, Conn: e.Conn}
	t.players = append(t.players, entrant)
	t.logger.Info("玩家報名錦標賽", "user_id", e.UserID, "players", len(t.players), "size", t.size)

	if len(t.players) == t.size {
		t.startLocked()
	}
	t.broadcastLocked()
	return nil
}

// startLocked 洗牌後兩兩配對第一輪
func (t *Tournament) startLocked() {
	seeded := slices.Clone(t.players)
	t.shuffle(len(seeded), func(i, j int) { seeded[i], seeded[j] = seeded[j], seeded[i] })

	t.status = StatusActive
	t.round = 1
	for i := 0; i+1 < len(seeded); i += 2 {
		t.createMatchLocked(seeded[i], seeded[i+1], 1)
	}

	t.logger.Info("錦標賽開始", "players", len(seeded), "matches", len(t.matches))
	t.broadcastLocked()
}

// createMatchLocked 建立對戰房間並安排兩位參賽者
//
// 沒有 socket 的參賽者以 Detached 入座；只有 Live 連線會收到入座通知。
func (t *Tournament) createMatchLocked(p1, p2 *Entrant, round int) *Match {
	id := t.nextMatch
	t.nextMatch++

	r := t.arena.CreateRoom(&room.MatchContext{TournamentID: t.id, MatchID: id})
	for _, e := range []*Entrant{p1, p2} {
		if _, err := t.arena.Seat(r, e.UserID, e.Conn); err != nil {
			t.logger.Error("安排參賽者入座失敗", "user_id", e.UserID, "room_id", r.ID(), "error", err)
		}
	}

	for _, e := range []*Entrant{p1, p2} {
		if e.Conn == nil || !e.Conn.IsLive() {
			continue
		}
		msg, ok := r.JoinMessage(e.Conn.ID())
		if !ok {
			continue
		}
		if err := transport.SendJSON(e.Conn, msg); err != nil {
			t.logger.Debug("送出入座通知失敗", "user_id", e.UserID, "error", err)
		}
	}

	m := &Match{
		ID:        id,
		Round:     round,
		RoomID:    r.ID(),
		P1:        p1,
		P2:        p2,
		Status:    MatchPending,
		CreatedAt: time.Now(),
	}
	t.matches = append(t.matches, m)
	t.logger.Info("對戰已建立", "match_id", id, "round", round, "room_id", r.ID(), "p1", p1.UserID, "p2", p2.UserID)
	return m
}

// RecordMatchResult 回報對戰結果
//
// 回傳這次結算產生的所有結果，第一筆是本場，其後是配對時的不戰而勝。
func (t *Tournament) RecordMatchResult(matchID int, winnerID string) ([]room.Result, error) {
	return t.ApplyResult(room.Result{
		Match:    &room.MatchContext{TournamentID: t.id, MatchID: matchID},
		WinnerID: winnerID,
	})
}

// ApplyResult 套用房間送來的結果，保留比分與不戰而勝旗標
func (t *Tournament) ApplyResult(res room.Result) ([]room.Result, error) {
	if res.Match == nil || res.Match.TournamentID != t.id {
		return nil, apperrors.ErrMatchNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.recordLocked(res.Match.MatchID, res.WinnerID, res); err != nil {
		return nil, err
	}
	t.broadcastLocked()
	return t.takeSettledLocked(), nil
}

// recordLocked 結算對戰
//
// 拆除房間：敗者收到淘汰通知並斷線，勝者連線保留並進入等待區。
func (t *Tournament) recordLocked(matchID int, winnerID string, base room.Result) (room.Result, error) {
	m := t.matchLocked(matchID)
	if m == nil {
		return room.Result{}, apperrors.ErrMatchNotFound
	}
	if m.Status == MatchCompleted {
		return room.Result{}, apperrors.ErrMatchCompleted
	}

	var winner, loser *Entrant
	switch winnerID {
	case m.P1.UserID:
		winner, loser = m.P1, m.P2
	case m.P2.UserID:
		winner, loser = m.P2, m.P1
	default:
		return room.Result{}, apperrors.New(apperrors.ErrCodeInvalidInput, "winner is not in this match")
	}

	m.Winner, m.Loser = winner, loser
	m.Status = MatchCompleted
	winner.wins++

	t.arena.ReleaseRoom(m.RoomID)

	if loser.Conn != nil {
		if err := transport.SendJSON(loser.Conn, protocol.Eliminated()); err != nil {
			t.logger.Debug("送出淘汰通知失敗", "user_id", loser.UserID, "error", err)
		}
		_ = loser.Conn.Close()
	}

	t.players = slices.DeleteFunc(t.players, func(e *Entrant) bool { return e == loser })
	t.waiting = append(t.waiting, winner)

	out := base
	out.RoomID = m.RoomID
	out.Match = &room.MatchContext{TournamentID: t.id, MatchID: m.ID}
	out.WinnerID = winner.UserID
	out.LoserID = loser.UserID
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now()
	}

	t.logger.Info("對戰結束", "match_id", m.ID, "round", m.Round, "winner", winner.UserID, "loser", loser.UserID, "walkover", out.Walkover)
	t.settled = append(t.settled, out)

	t.checkRoundReadyLocked()
	return out, nil
}

// checkRoundReadyLocked 本輪全部結束時晉級或產生冠軍
func (t *Tournament) checkRoundReadyLocked() {
	if t.status != StatusActive {
		return
	}
	for _, m := range t.matches {
		if m.Round == t.round && m.Status != MatchCompleted {
			return
		}
	}

	if len(t.waiting) <= 1 {
		t.completeLocked()
		return
	}
	t.advanceRoundLocked()
}

// completeLocked 產生冠軍，送出最終快照後清理
func (t *Tournament) completeLocked() {
	t.status = StatusCompleted

	if len(t.waiting) == 1 {
		champion := t.waiting[0]
		t.logger.Info("錦標賽結束", "champion", champion.UserID)
		if champion.Conn != nil {
			if err := transport.SendJSON(champion.Conn, protocol.Complete()); err != nil {
				t.logger.Debug("送出冠軍通知失敗", "user_id", champion.UserID, "error", err)
			}
		}
	}

	t.broadcastLocked()
	t.cleanupLocked()
}

// advanceRoundLocked 等待區依抵達順序兩兩配對下一輪
//
// 等待區為奇數時（正常賽程不會發生），最後一人輪空直接進入下一輪等待區。
func (t *Tournament) advanceRoundLocked() {
	winners := t.waiting
	t.waiting = nil
	t.size /= 2
	t.round++

	var created []*Match
	for i := 0; i+1 < len(winners); i += 2 {
		created = append(created, t.createMatchLocked(winners[i], winners[i+1], t.round))
	}
	if len(winners)%2 == 1 {
		bye := winners[len(winners)-1]
		t.waiting = append(t.waiting, bye)
		t.logger.Info("輪空", "user_id", bye.UserID, "round", t.round)
	}

	t.logger.Info("進入下一輪", "round", t.round, "matches", len(created))
	t.broadcastLocked()

	// 等待區中已斷線的參賽者，對手直接晉級
	for _, m := range created {
		if m.Status != MatchPending {
			continue
		}
		var winner *Entrant
		switch {
		case m.P1.gone:
			winner = m.P2
		case m.P2.gone:
			winner = m.P1
		default:
			continue
		}
		if _, err := t.recordLocked(m.ID, winner.UserID, room.Result{Walkover: true}); err != nil {
			t.logger.Error("不戰而勝結算失敗", "match_id", m.ID, "error", err)
		}
	}
}

// HandleDisconnect 參賽者斷線
//
// pending：從池中移除。active：若有進行中的對戰，判定對手不戰而勝；
// 若在等待區，標記為已離開。connID 不是參賽者報名時的連線時忽略（同一使用者的其他分頁）。
// 回傳因此產生的所有結果。
func (t *Tournament) HandleDisconnect(userID, connID string) []room.Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case StatusPending:
		e := findEntrant(t.players, userID)
		if e == nil || !sameConn(e, connID) {
			return nil
		}
		t.players = slices.DeleteFunc(t.players, func(x *Entrant) bool { return x == e })
		t.logger.Info("玩家退出報名", "user_id", userID, "players", len(t.players))
		t.broadcastLocked()
		return nil

	case StatusActive:
		for _, m := range t.matches {
			if m.Status != MatchPending || (m.P1.UserID != userID && m.P2.UserID != userID) {
				continue
			}
			self, opponent := m.P1, m.P2
			if m.P2.UserID == userID {
				self, opponent = m.P2, m.P1
			}
			if !sameConn(self, connID) {
				return nil
			}
			if _, err := t.recordLocked(m.ID, opponent.UserID, room.Result{Walkover: true}); err != nil {
				t.logger.Error("斷線結算失敗", "match_id", m.ID, "error", err)
				return nil
			}
			t.broadcastLocked()
			return t.takeSettledLocked()
		}

		if e := findEntrant(t.waiting, userID); e != nil && sameConn(e, connID) {
			e.gone = true
			t.logger.Info("等待區玩家離開", "user_id", userID)
		}
	}
	return nil
}

// takeSettledLocked 取出尚未交出的結果
func (t *Tournament) takeSettledLocked() []room.Result {
	out := t.settled
	t.settled = nil
	return out
}

// Cleanup 停止所有仍在進行的對戰並清空賽程，狀態設為 completed
func (t *Tournament) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusCompleted
	t.cleanupLocked()
}

// cleanupLocked 關閉仍存在的房間（reset 後斷線）並清空
func (t *Tournament) cleanupLocked() {
	for _, m := range t.matches {
		t.arena.CloseRoom(m.RoomID)
	}
	t.players = nil
	t.waiting = nil
	t.matches = nil
	t.logger.Info("錦標賽已清理")
}

// View 可序列化的快照
func (t *Tournament) View() protocol.TournamentView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewLocked()
}

func (t *Tournament) viewLocked() protocol.TournamentView {
	v := protocol.TournamentView{
		ID:      t.id,
		Status:  string(t.status),
		Round:   t.round,
		Size:    t.entrySize,
		Players: make([]protocol.PlayerView, 0, len(t.players)),
		Matches: make([]protocol.MatchView, 0, len(t.matches)),
	}
	for _, e := range t.players {
		v.Players = append(v.Players, protocol.PlayerView{
			ID:       e.UserID,
			Username: e.Username,
			Score:    e.wins,
			Ready:    slices.Contains(t.waiting, e),
		})
	}
	for _, m := range t.matches {
		v.Matches = append(v.Matches, protocol.MatchView{
			ID:     m.ID,
			Round:  m.Round,
			RoomID: m.RoomID,
			P1:     ref(m.P1),
			P2:     ref(m.P2),
			Status: string(m.Status),
			Winner: ref(m.Winner),
		})
	}
	return v
}

// broadcastLocked 對池中每個有 socket 的參賽者送出快照
func (t *Tournament) broadcastLocked() {
	msg := protocol.TournamentUpdate(t.viewLocked())
	for _, e := range t.players {
		if e.Conn == nil || !e.Conn.IsLive() {
			continue
		}
		if err := transport.SendJSON(e.Conn, msg); err != nil {
			t.logger.Debug("送出錦標賽快照失敗", "user_id", e.UserID, "error", err)
		}
	}
}

func (t *Tournament) matchLocked(id int) *Match {
	for _, m := range t.matches {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func findEntrant(list []*Entrant, userID string) *Entrant {
	for _, e := range list {
		if e.UserID == userID {
			return e
		}
	}
	return nil
}

// sameConn connID 為空時視為相符（管理端操作）
func sameConn(e *Entrant, connID string) bool {
	if connID == "" || e.Conn == nil {
		return true
	}
	return e.Conn.ID() == connID
}

func ref(e *Entrant) *protocol.PlayerRef {
	if e == nil {
		return nil
	}
	return &protocol.PlayerRef{ID: e.UserID, Username: e.Username}
}
