// Package migrations 管理對戰紀錄的資料表版本
//
// SQL 檔嵌入在 binary 中（sql/*.sql），部署時不需要額外複製檔案。
// 遷移走 database/sql + lib/pq，與服務本身的 pgxpool 分開，執行完即關閉。
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Schema 一次遷移工作階段
type Schema struct {
	m   *migrate.Migrate
	log *slog.Logger
}

// Open 連接資料庫並載入嵌入的遷移檔
func Open(databaseURL string, log *slog.Logger) (*Schema, error) {
	src, err := iofs.New(schemaFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "match_schema_migrations"})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init migrate: %w", err)
	}

	return &Schema{m: m, log: log}, nil
}

// Apply 開啟、升級到最新版本後關閉
func Apply(databaseURL string, log *slog.Logger) error {
	s, err := Open(databaseURL, log)
	if err != nil {
		return err
	}

	_, upErr := s.Upgrade()
	closeErr := s.Close()
	return errors.Join(upErr, closeErr)
}

// Upgrade 升級到最新版本，回傳目前版本
//
// 上次遷移中斷留下的髒狀態會先 Force 回該版本再重跑。
func (s *Schema) Upgrade() (uint, error) {
	version, dirty, err := s.Current()
	if err != nil {
		return 0, err
	}

	if dirty {
		s.log.Warn("資料表處於髒狀態，強制回到該版本", "version", version)
		if err := s.m.Force(int(version)); err != nil {
			return 0, fmt.Errorf("force version %d: %w", version, err)
		}
	}

	switch err := s.m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		s.log.Debug("資料表已是最新版本", "version", version)
		return version, nil
	case err != nil:
		return 0, fmt.Errorf("migrate up: %w", err)
	}

	version, _, err = s.Current()
	if err != nil {
		return 0, err
	}
	s.log.Info("資料表遷移完成", "version", version)
	return version, nil
}

// Rollback 回退 steps 個版本
func (s *Schema) Rollback(steps int) error {
	if steps <= 0 {
		return nil
	}
	if err := s.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback %d steps: %w", steps, err)
	}
	return nil
}

// Current 目前版本；尚未遷移時回傳 0
func (s *Schema) Current() (uint, bool, error) {
	version, dirty, err := s.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

// Close 釋放遷移源與資料庫連線
func (s *Schema) Close() error {
	srcErr, dbErr := s.m.Close()
	return errors.Join(srcErr, dbErr)
}
