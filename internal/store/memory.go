package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-match-server/internal/room"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
)

// Memory 記憶體存儲
type Memory struct {
	mu      sync.RWMutex
	names   map[string]string
	stats   map[string]*PlayerStats
	results []room.Result
}

// NewMemory 創建記憶體存儲
func NewMemory() *Memory {
	return &Memory{
		names: make(map[string]string),
		stats: make(map[string]*PlayerStats),
	}
}

// SetUsername 設定顯示名稱
func (m *Memory) SetUsername(userID, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[userID] = username
}

// Username 查詢顯示名稱
func (m *Memory) Username(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok := m.names[userID]
	if !ok {
		return "", apperrors.ErrUserNotFound
	}
	return name, nil
}

// RecordResult 記錄結果並累加勝負
func (m *Memory) RecordResult(_ context.Context, res room.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results = append(m.results, res)

	now := time.Now()
	if res.WinnerID != "" {
		s := m.statsLocked(res.WinnerID)
		s.Wins++
		s.UpdatedAt = now
	}
	if res.LoserID != "" {
		s := m.statsLocked(res.LoserID)
		s.Losses++
		s.UpdatedAt = now
	}
	return nil
}

// PlayerStats 查詢戰績
func (m *Memory) PlayerStats(_ context.Context, userID string) (PlayerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stats[userID]
	if !ok {
		return PlayerStats{}, apperrors.ErrUserNotFound
	}
	out := *s
	if name, ok := m.names[userID]; ok {
		out.Username = name
	}
	return out, nil
}

// Results 已記錄的結果（副本）
func (m *Memory) Results() []room.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.results)
}

func (m *Memory) statsLocked(userID string) *PlayerStats {
	s, ok := m.stats[userID]
	if !ok {
		s = &PlayerStats{PlayerID: userID, Username: userID}
		m.stats[userID] = s
	}
	return s
}
