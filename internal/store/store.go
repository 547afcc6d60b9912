// Package store 對戰結果的持久化與使用者名稱查詢
//
// 三種實作：
//   - Memory：未設定資料庫時使用，行程結束即消失
//   - Postgres：match_results 與 player_stats，同一筆交易寫入
//   - CachedDirectory：Redis 旁路快取包在任一 Directory 外面
package store

import (
	"context"
	"time"
)

// PlayerStats 玩家戰績
type PlayerStats struct {
	PlayerID  string    `json:"player_id"`
	Username  string    `json:"username"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory 依使用者 ID 查詢顯示名稱
type Directory interface {
	Username(ctx context.Context, userID string) (string, error)
}
