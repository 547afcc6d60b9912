package tournament

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-match-server/internal/protocol"
	"github.com/koopa0/system-design/14-match-server/internal/room"
	"github.com/koopa0/system-design/14-match-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// DefaultOutcomeBuffer 待寫入 Recorder 的結果緩衝
const DefaultOutcomeBuffer = 1024

// DefaultRecordTimeout 單筆結果寫入 Recorder 的期限
const DefaultRecordTimeout = 5 * time.Second

// Manager 錦標賽註冊表與結果分派器
//
// 系統設計考量：
//
//  1. 一人一賽：Join 在註冊表鎖內完成「檢查是否已參賽 + 報名」
//
//  2. 結果來源有兩個：
//     - 房間透過 results channel 回報（正常結束、不戰而勝）
//     - 斷線處理與 REST 直接回報
//     兩者都經過 Tournament.recordLocked，先到者生效，後到者得到 MATCH_COMPLETED
//
//  3. 持久化與賽程分開：
//     - 分派 goroutine 只套用結果，被接受的結果放進 outcomes
//     - 記錄 goroutine 逐筆交給 Recorder，每筆有 recordTimeout 期限
//     - 資料庫或訊息佇列卡住時，賽程照常推進；緩衝滿了才丟棄並記錄
//
//  4. 一次結算可能產生多筆結果（配對時對手已離開的不戰而勝），全部都會記錄
type Manager struct {
	mu          sync.Mutex
	tournaments map[string]*Tournament
	order       []string // 建立順序，報名時優先使用最早的 pending 賽程

	arena    Arena
	results  <-chan room.Result
	outcomes chan room.Result
	recorder Recorder
	timeout  time.Duration
	size     int
	shuffle  func(n int, swap func(i, j int))
	logger   *slog.Logger
}

// ManagerOption 註冊表選項
type ManagerOption func(*Manager)

// WithBracketSize 新賽程的人數
func WithBracketSize(n int) ManagerOption {
	return func(m *Manager) { m.size = n }
}

// WithRecorder 設定結果的持久化目標
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithRecordTimeout 設定單筆記錄的期限
func WithRecordTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithManagerLogger 設定日誌
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSeeding 設定新賽程的洗牌函式
func WithSeeding(fn func(n int, swap func(i, j int))) ManagerOption {
	return func(m *Manager) { m.shuffle = fn }
}

// NewManager 建立註冊表
//
// results 是房間回報結果的 channel，與 room.WithResults 共用同一個。
func NewManager(arena Arena, results <-chan room.Result, opts ...ManagerOption) *Manager {
	m := &Manager{
		tournaments: make(map[string]*Tournament),
		arena:       arena,
		results:     results,
		outcomes:    make(chan room.Result, DefaultOutcomeBuffer),
		timeout:     DefaultRecordTimeout,
		size:        DefaultSize,
		logger:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join 報名錦標賽
//
// 使用者已在任何未結束的賽程中時回傳 ALREADY_JOINED。
// 優先加入最早建立、仍有空位的 pending 賽程，沒有就建立新的。
func (m *Manager) Join(userID, username string, conn transport.Conn) (*Tournament, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		if m.tournaments[id].HasPlayer(userID) {
			return nil, apperrors.ErrAlreadyJoined
		}
	}

	var t *Tournament
	for _, id := range m.order {
		if candidate := m.tournaments[id]; candidate.Open() {
			t = candidate
			break
		}
	}
	if t == nil {
		t = New(m.arena,
			WithSize(m.size),
			WithShuffle(m.shuffle),
			WithLogger(m.logger),
		)
		m.tournaments[t.ID()] = t
		m.order = append(m.order, t.ID())
		m.logger.Info("錦標賽已建立", "tournament_id", t.ID(), "size", m.size)
	}

	if username == "" {
		username = userID
	}
	if err := t.AddPlayer(Entrant{UserID: userID, Username: username, Conn: conn}); err != nil {
		return nil, err
	}
	m.pruneLocked(t)
	return t, nil
}

// HandleDisconnect 使用者的連線斷開
func (m *Manager) HandleDisconnect(userID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range slices.Clone(m.order) {
		t := m.tournaments[id]
		if !t.HasPlayer(userID) {
			continue
		}
		m.pushOutcomes(t.HandleDisconnect(userID, connID))
		m.pruneLocked(t)
	}
}

// RecordResult 直接回報對戰結果（REST 或管理工具）
func (m *Manager) RecordResult(tournamentID string, matchID int, winnerID string) (protocol.TournamentView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tournaments[tournamentID]
	if !ok {
		return protocol.TournamentView{}, apperrors.ErrTournamentGone
	}

	settled, err := t.RecordMatchResult(matchID, winnerID)
	if err != nil {
		return protocol.TournamentView{}, err
	}
	m.pushOutcomes(settled)

	view := t.View()
	m.pruneLocked(t)
	return view, nil
}

// Get 取得賽程
func (m *Manager) Get(id string) (*Tournament, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tournaments[id]
	return t, ok
}

// List 依建立順序的賽程快照
func (m *Manager) List() []protocol.TournamentView {
	m.mu.Lock()
	ts := make([]*Tournament, 0, len(m.order))
	for _, id := range m.order {
		ts = append(ts, m.tournaments[id])
	}
	m.mu.Unlock()

	out := make([]protocol.TournamentView, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.View())
	}
	return out
}

// Run 分派房間結果並把被接受的結果交給 Recorder，直到 ctx 結束
//
// ctx 結束時先取完 results 中已送達的結果，再把 outcomes 全部寫完才回傳。
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("結果分派器啟動")

	dispatched := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(dispatched)
		m.dispatchLoop(ctx)
		return nil
	})
	g.Go(func() error {
		m.recordLoop(ctx, dispatched)
		return nil
	})
	err := g.Wait()

	m.logger.Info("結果分派器停止")
	return err
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	results := m.results
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case res, ok := <-results:
					if !ok {
						return
					}
					m.dispatch(ctx, res)
				default:
					return
				}
			}
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			m.dispatch(ctx, res)
		}
	}
}

// recordLoop 分派結束後寫完剩下的結果才離開
func (m *Manager) recordLoop(ctx context.Context, dispatched <-chan struct{}) {
	for {
		select {
		case res := <-m.outcomes:
			m.record(ctx, res)
		case <-dispatched:
			for {
				select {
				case res := <-m.outcomes:
					m.record(ctx, res)
				default:
					return
				}
			}
		}
	}
}

// Stop 清理所有賽程
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		m.tournaments[id].Cleanup()
		delete(m.tournaments, id)
	}
	m.order = nil
	m.logger.Info("錦標賽註冊表已停止")
}

// dispatch 處理一筆房間結果
//
// 一般對戰直接排入記錄；錦標賽對戰先交給賽程，只有被接受的結果才排入。
func (m *Manager) dispatch(ctx context.Context, res room.Result) {
	if !res.InTournament() {
		m.pushOutcome(res)
		return
	}

	ctx = logger.WithTournamentID(ctx, res.Match.TournamentID)
	ctx = logger.WithRoomID(ctx, res.RoomID)

	m.mu.Lock()
	t, ok := m.tournaments[res.Match.TournamentID]
	if !ok {
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "賽程已不存在，忽略結果", "match_id", res.Match.MatchID)
		return
	}

	settled, err := t.ApplyResult(res)
	if err == nil {
		m.pushOutcomes(settled)
		m.pruneLocked(t)
	}
	m.mu.Unlock()

	switch {
	case err == nil:
	case apperrors.Code(err) == apperrors.ErrCodeMatchCompleted:
		m.logger.DebugContext(ctx, "對戰已結算，忽略重複結果", "match_id", res.Match.MatchID)
	default:
		m.logger.WarnContext(ctx, "套用對戰結果失敗", "match_id", res.Match.MatchID, "error", err)
	}
}

// record 寫入 Recorder；關閉期間仍以獨立期限寫完
func (m *Manager) record(ctx context.Context, res room.Result) {
	if m.recorder == nil {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	if err := m.recorder.RecordResult(rctx, res); err != nil {
		m.logger.ErrorContext(ctx, "記錄對戰結果失敗", "room_id", res.RoomID, "winner", res.WinnerID, "error", err)
	}
}

func (m *Manager) pushOutcomes(results []room.Result) {
	for _, res := range results {
		m.pushOutcome(res)
	}
}

// pushOutcome 非阻塞；緩衝滿時丟棄並記錄
func (m *Manager) pushOutcome(res room.Result) {
	select {
	case m.outcomes <- res:
	default:
		m.logger.Warn("結果緩衝已滿，未記錄", "room_id", res.RoomID, "winner", res.WinnerID)
	}
}

// pruneLocked 移除已結束的賽程
func (m *Manager) pruneLocked(t *Tournament) {
	if t.Status() != StatusCompleted {
		return
	}
	delete(m.tournaments, t.ID())
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == t.ID() })
	m.logger.Info("錦標賽已移除", "tournament_id", t.ID())
}
