package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-match-server/internal/config"
	"github.com/koopa0/system-design/14-match-server/internal/events"
	"github.com/koopa0/system-design/14-match-server/internal/room"
	"github.com/koopa0/system-design/14-match-server/internal/session"
	"github.com/koopa0/system-design/14-match-server/internal/store"
	"github.com/koopa0/system-design/14-match-server/internal/store/migrations"
	"github.com/koopa0/system-design/14-match-server/internal/tournament"
	"github.com/koopa0/system-design/14-match-server/internal/transport"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// main 函數：應用程序入口
//
// 初始化順序：
//  1. 配置與日誌
//  2. 外部依賴（PostgreSQL、Redis、NATS，皆為選用）
//  3. 房間註冊表 → 錦標賽註冊表 → 路由 → HTTP
//  4. errgroup 管理 HTTP 服務與結果分派器，收到信號後優雅關閉
//     關閉順序：HTTP → Hub → 賽程 → 房間 → 等待房間結果 → 分派器
func main() {
	var (
		configPath = flag.String("config", "", "配置檔路徑 (YAML)")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
		migrate    = flag.Bool("migrate", true, "啟動時執行資料庫遷移")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	if err := run(cfg, *migrate, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, runMigrations bool, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := connect(ctx, cfg, runMigrations, log)
	if err != nil {
		return err
	}
	defer deps.close()

	// 房間結果由錦標賽分派器統一消費
	results := make(chan room.Result, 256)

	rooms := room.NewManager(log,
		room.WithTickInterval(cfg.Game.TickInterval),
		room.WithWinningScore(cfg.Game.WinningScore),
		room.WithWorld(cfg.Game.World),
		room.WithResults(results),
	)

	tournaments := tournament.NewManager(rooms, results,
		tournament.WithBracketSize(cfg.Tournament.Size),
		tournament.WithRecorder(deps.recorder),
		tournament.WithManagerLogger(log),
	)

	router := session.NewRouter(rooms, tournaments, deps.directory, log)

	socketCfg := transport.DefaultSocketConfig()
	socketCfg.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	hub := session.NewHub(router, session.QueryAuthenticator{}, session.HubConfig{
		SendBuffer: cfg.WebSocket.SendBuffer,
		RateLimit:  cfg.WebSocket.RateLimit,
		RateBurst:  cfg.WebSocket.RateBurst,
		Socket:     socketCfg,
	}, log)

	handler := session.NewHandler(rooms, tournaments, hub, deps.stats, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// 分派器不跟著信號停止：斷線產生的結果要在 Hub 與房間關閉後才取完
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()

	g.Go(func() error {
		return tournaments.Run(dispatchCtx)
	})

	g.Go(func() error {
		log.Info("對戰服務器啟動",
			"port", cfg.Server.Port,
			"tick_interval", cfg.Game.TickInterval,
			"tournament_size", cfg.Tournament.Size,
			"postgres", deps.pool != nil,
			"redis", deps.redis != nil,
			"nats", deps.publisher != nil)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服務失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("收到關閉信號，開始優雅關閉...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 停止接受新連接
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("服務器關閉失敗", "error", err)
		}

		// 關閉 WebSocket 連線，讀泵結束後各自 Detach
		hub.Stop()
		tournaments.Stop()
		rooms.Stop()

		if err := rooms.WaitResults(shutdownCtx); err != nil {
			log.Warn("等待房間結果逾時", "error", err)
		}
		stopDispatch()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("服務器已關閉")
	return nil
}

// dependencies 選用的外部依賴
type dependencies struct {
	pool      interface{ Close() }
	redis     *redis.Client
	publisher *events.Publisher

	recorder  tournament.Recorder
	directory session.Directory
	stats     session.StatsReader
}

// connect 依配置連接外部依賴；未啟用時退回記憶體存儲
func connect(ctx context.Context, cfg *config.Config, runMigrations bool, log *slog.Logger) (*dependencies, error) {
	deps := &dependencies{}
	memory := store.NewMemory()

	var recorders tournament.MultiRecorder
	var directory store.Directory = memory
	deps.stats = memory

	if cfg.Postgres.Enabled {
		dsn := cfg.PostgresDSN()

		if runMigrations {
			if err := migrations.Apply(dsn, log); err != nil {
				return nil, err
			}
		}

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := store.Connect(connectCtx, dsn, store.PoolConfig{
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		deps.pool = pool

		pg := store.NewPostgres(pool, log)
		recorders = append(recorders, pg)
		directory = pg
		deps.stats = pg
		log.Info("PostgreSQL 已連接", "max_conns", cfg.Postgres.MaxConns)
	} else {
		recorders = append(recorders, memory)
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			deps.close()
			return nil, fmt.Errorf("連接 Redis 失敗: %w", err)
		}

		deps.redis = client
		directory = store.NewCachedDirectory(client, directory, cfg.Redis.CacheTTL, log)
		log.Info("Redis 已連接", "addr", cfg.Redis.Addr)
	}

	if cfg.NATS.Enabled {
		pub, err := events.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, log)
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.publisher = pub
		recorders = append(recorders, pub)
		log.Info("NATS JetStream 已連接", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
	}

	deps.recorder = recorders
	deps.directory = directory
	return deps, nil
}

func (d *dependencies) close() {
	if d.publisher != nil {
		_ = d.publisher.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}
