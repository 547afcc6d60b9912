package room

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/koopa0/system-design/14-match-server/internal/transport"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// Manager 房間註冊表
//
// 系統設計考量：
//
//  1. 大廳策略：最新的可加入房間
//     - Join 在註冊表寫鎖內完成「找房 + 入座」
//     - 兩個同時加入的玩家不會各自建立新房間，也不會有第三人擠進同一間
//
//  2. 連線標記：connRoom map[connID]roomID
//     - 一條連線同一時間只屬於一個房間
//     - 斷線時 O(1) 找到所在房間
//
//  3. 移除恰好一次：
//     - 只有持有寫鎖並成功從 rooms 刪除的呼叫者負責釋放房間
//     - 第二次 CloseRoom / ReleaseRoom 是 no-op
type Manager struct {
	rooms    map[int]*Room
	connRoom map[string]int // connID -> roomID
	nextID   int
	opts     []Option
	mu       sync.RWMutex
	logger   *slog.Logger

	emitting sync.WaitGroup // 已結束但結果尚未被接收的房間
}

// NewManager 建立註冊表；opts 套用到每個新建的房間
func NewManager(log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		rooms:    make(map[int]*Room),
		connRoom: make(map[string]int),
		opts:     opts,
		logger:   log,
	}
}

// Join 把連線安排進最新的可加入房間，沒有就建立一間
//
// 已入座的連線直接回傳原本的房間與玩家。
func (m *Manager) Join(userID string, conn transport.Conn) (*Room, Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.connRoom[conn.ID()]; ok {
		if r, exists := m.rooms[id]; exists {
			if p, seated := r.Player(conn.ID()); seated {
				return r, p, nil
			}
		}
	}

	r := m.openRoomLocked()
	p, err := m.seatLocked(r, userID, conn)
	if err != nil {
		return nil, Player{}, err
	}
	return r, p, nil
}

// GetOrCreateOpenRoom 回傳最新的可加入一般房間，沒有就建立
func (m *Manager) GetOrCreateOpenRoom() *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openRoomLocked()
}

// CreateRoom 建立房間；mc 不為 nil 時為錦標賽房間
func (m *Manager) CreateRoom(mc *MatchContext) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(mc)
}

// Seat 把玩家安排進指定房間並標記連線
//
// 連線若仍在其他房間，先從舊房間離開。
func (m *Manager) Seat(r *Room, userID string, conn transport.Conn) (Player, error) {
	if conn == nil {
		conn = transport.NewDetached(userID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seatLocked(r, userID, conn)
}

// FindRoomForConnection 連線所在的房間
func (m *Manager) FindRoomForConnection(connID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.connRoom[connID]
	if !ok {
		return nil, false
	}
	r, ok := m.rooms[id]
	return r, ok
}

// Leave 連線離開所在房間
//
// 一般房間沒有玩家時從註冊表移除；錦標賽房間由錦標賽負責拆除。
// 未入座的連線是 no-op。
func (m *Manager) Leave(connID string) (*Room, *Player) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(connID)
}

// CloseRoom 移除房間，對所有連線送出 reset 後關閉
//
// 回傳是否由這次呼叫移除。
func (m *Manager) CloseRoom(id int) bool {
	r, players, ok := m.remove(id)
	if !ok {
		return false
	}
	resetAndClose(r.logger, players)
	m.logger.Info("房間已關閉", "room_id", id)
	return true
}

// ReleaseRoom 移除房間但不動連線，回傳原本的玩家
func (m *Manager) ReleaseRoom(id int) ([]*Player, bool) {
	_, players, ok := m.remove(id)
	if ok {
		m.logger.Info("房間已釋放", "room_id", id)
	}
	return players, ok
}

// Get 取得房間
func (m *Manager) Get(id int) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// List 依 ID 排序的房間摘要
func (m *Manager) List() []Summary {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *Room) int { return a.id - b.id })

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Summary())
	}
	return out
}

// Stats 註冊表統計
type Stats struct {
	Rooms    int            `json:"rooms"`
	Seated   int            `json:"seated_connections"`
	ByStatus map[Status]int `json:"by_status"`
}

// Stats 取得統計
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Rooms:    len(m.rooms),
		Seated:   len(m.connRoom),
		ByStatus: make(map[Status]int),
	}
	for _, r := range m.rooms {
		s.ByStatus[r.Status()]++
	}
	return s
}

// Stop 關閉所有房間
func (m *Manager) Stop() {
	m.mu.Lock()
	var all []*Player
	for id, r := range m.rooms {
		all = append(all, r.Release()...)
		delete(m.rooms, id)
	}
	m.connRoom = make(map[string]int)
	m.mu.Unlock()

	resetAndClose(m.logger, all)
	m.logger.Info("房間註冊表已停止")
}

// WaitResults 等待已送出的結果被接收，或 ctx 結束
//
// 關閉時在 Stop 之後、停止結果消費者之前呼叫，斷線產生的不戰而勝才不會遺失。
func (m *Manager) WaitResults(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.emitting.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) openRoomLocked() *Room {
	var newest *Room
	for _, r := range m.rooms {
		if !r.Accepting() {
			continue
		}
		if newest == nil || r.id > newest.id {
			newest = r
		}
	}
	if newest != nil {
		return newest
	}
	return m.createLocked(nil)
}

func (m *Manager) createLocked(mc *MatchContext) *Room {
	id := m.nextID
	m.nextID++

	opts := slices.Clone(m.opts)
	opts = append(opts, WithLogger(m.logger), withEmitGroup(&m.emitting))
	if mc != nil {
		opts = append(opts, WithMatch(*mc))
	}

	r := New(id, opts...)
	m.rooms[id] = r

	if mc != nil {
		m.logger.Info("錦標賽房間已創建", "room_id", id, "tournament_id", mc.TournamentID, "match_id", mc.MatchID)
	} else {
		m.logger.Info("房間已創建", "room_id", id)
	}
	return r
}

func (m *Manager) seatLocked(r *Room, userID string, conn transport.Conn) (Player, error) {
	if prev, ok := m.connRoom[conn.ID()]; ok && prev != r.id {
		m.leaveLocked(conn.ID())
	}

	p, err := r.AddPlayer(userID, conn)
	if err != nil {
		return Player{}, err
	}
	m.connRoom[conn.ID()] = r.id
	return *p, nil
}

func (m *Manager) leaveLocked(connID string) (*Room, *Player) {
	id, ok := m.connRoom[connID]
	if !ok {
		return nil, nil
	}
	delete(m.connRoom, connID)

	r, ok := m.rooms[id]
	if !ok {
		return nil, nil
	}

	p := r.RemovePlayer(connID)
	if r.match == nil && r.PlayerCount() == 0 {
		delete(m.rooms, id)
		r.Release()
		m.logger.Info("空房間已移除", "room_id", id)
	}
	return r, p
}

func (m *Manager) remove(id int) (*Room, []*Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return nil, nil, false
	}
	delete(m.rooms, id)

	players := r.Release()
	for _, p := range players {
		if m.connRoom[p.Conn.ID()] == id {
			delete(m.connRoom, p.Conn.ID())
		}
	}
	return r, players, true
}
