package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-match-server/internal/room"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
)

// Postgres PostgreSQL 存儲實現
//
// 系統設計考量：
//
//  1. 表結構：
//     - match_results：每場結束的對戰一列（含錦標賽與不戰而勝）
//     - player_stats：每位玩家的勝負累計
//     - players：顯示名稱
//
//  2. 一致性：
//     - 結果與勝負在同一筆交易中寫入
//     - UPSERT + wins = wins + 1：原子累加，不需要先讀後寫
//
//  3. 寫入路徑不在 tick 迴圈上：
//     - 由錦標賽分派器在鎖外呼叫，資料庫變慢只會延遲記錄
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// PoolConfig 連接池參數
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// Connect 建立並驗證 pgx 連接池
func Connect(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析資料庫設定失敗: %w", err)
	}

	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("建立連接池失敗: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("連接資料庫失敗: %w", err)
	}
	return pool, nil
}

// NewPostgres 創建 PostgreSQL 存儲（連接池由調用方管理生命週期）
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// RecordResult 寫入對戰結果並累加勝負
func (p *Postgres) RecordResult(ctx context.Context, res room.Result) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("開始交易失敗: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tournamentID *string
	var matchID *int
	if res.Match != nil {
		tournamentID = &res.Match.TournamentID
		matchID = &res.Match.MatchID
	}

	finishedAt := res.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO match_results
			(room_id, tournament_id, match_id, winner_id, loser_id, score_l, score_r, walkover, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		res.RoomID, tournamentID, matchID, res.WinnerID, res.LoserID,
		res.ScoreL, res.ScoreR, res.Walkover, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("寫入對戰結果失敗: %w", err)
	}

	if res.WinnerID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO player_stats (player_id, wins, losses, updated_at)
			VALUES ($1, 1, 0, NOW())
			ON CONFLICT (player_id)
			DO UPDATE SET wins = player_stats.wins + 1, updated_at = NOW()`,
			res.WinnerID,
		); err != nil {
			return fmt.Errorf("更新勝場失敗: %w", err)
		}
	}

	if res.LoserID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO player_stats (player_id, wins, losses, updated_at)
			VALUES ($1, 0, 1, NOW())
			ON CONFLICT (player_id)
			DO UPDATE SET losses = player_stats.losses + 1, updated_at = NOW()`,
			res.LoserID,
		); err != nil {
			return fmt.Errorf("更新敗場失敗: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("提交交易失敗: %w", err)
	}

	p.logger.DebugContext(ctx, "對戰結果已寫入",
		"room_id", res.RoomID,
		"winner", res.WinnerID,
		"loser", res.LoserID,
		"walkover", res.Walkover)
	return nil
}

// UpsertPlayer 新增或更新顯示名稱
func (p *Postgres) UpsertPlayer(ctx context.Context, userID, username string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO players (id, username) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username`,
		userID, username,
	)
	if err != nil {
		return fmt.Errorf("寫入玩家失敗: %w", err)
	}
	return nil
}

// Username 查詢顯示名稱
func (p *Postgres) Username(ctx context.Context, userID string) (string, error) {
	var name string
	err := p.pool.QueryRow(ctx, `SELECT username FROM players WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("查詢玩家失敗: %w", err)
	}
	return name, nil
}

// PlayerStats 查詢戰績
func (p *Postgres) PlayerStats(ctx context.Context, userID string) (PlayerStats, error) {
	var s PlayerStats
	err := p.pool.QueryRow(ctx, `
		SELECT s.player_id, COALESCE(pl.username, s.player_id), s.wins, s.losses, s.updated_at
		FROM player_stats s
		LEFT JOIN players pl ON pl.id = s.player_id
		WHERE s.player_id = $1`,
		userID,
	).Scan(&s.PlayerID, &s.Username, &s.Wins, &s.Losses, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PlayerStats{}, apperrors.ErrUserNotFound
	}
	if err != nil {
		return PlayerStats{}, fmt.Errorf("查詢戰績失敗: %w", err)
	}
	return s, nil
}

// Ping 健康檢查
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
