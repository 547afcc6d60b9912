// Package config 載入對戰伺服器配置
//
// 優先順序（由低到高）：
//  1. Default() 內建預設值
//  2. YAML 配置檔
//  3. .env 與環境變數（PORT、DATABASE_URL、REDIS_ADDR、NATS_URL、LOG_LEVEL）
//  4. 命令列參數（由 cmd/server 套用）
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-match-server/internal/physics"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Game struct {
		TickInterval time.Duration       `yaml:"tick_interval"`
		WinningScore int                 `yaml:"winning_score"`
		World        physics.WorldConfig `yaml:"world"`
	} `yaml:"game"`

	Tournament struct {
		Size int `yaml:"size"`
	} `yaml:"tournament"`

	WebSocket struct {
		SendBuffer     int     `yaml:"send_buffer"`
		MaxMessageSize int64   `yaml:"max_message_size"`
		RateLimit      float64 `yaml:"rate_limit"` // 每秒訊息數
		RateBurst      int     `yaml:"rate_burst"`
	} `yaml:"websocket"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Stream  string `yaml:"stream"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 回傳預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	// 16ms 約為 60Hz
	cfg.Game.TickInterval = 16 * time.Millisecond
	cfg.Game.WinningScore = 5
	cfg.Game.World = physics.DefaultWorld()

	cfg.Tournament.Size = 4

	cfg.WebSocket.SendBuffer = 256
	cfg.WebSocket.MaxMessageSize = 512
	cfg.WebSocket.RateLimit = 120
	cfg.WebSocket.RateBurst = 60

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "match_server"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.CacheTTL = 10 * time.Minute

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Stream = "MATCHES"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// Load 載入配置
//
// path 為空字串時只使用預設值與環境變數；檔案不存在視為錯誤。
func Load(path string) (*Config, error) {
	// .env 是選用的，不存在時忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 套用環境變數覆蓋
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Game.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive: %s", c.Game.TickInterval)
	}
	if c.Game.WinningScore <= 0 {
		return fmt.Errorf("winning score must be positive: %d", c.Game.WinningScore)
	}
	// 單淘汰賽制：人數必須是 2 的次方
	size := c.Tournament.Size
	if size < 2 || size&(size-1) != 0 {
		return fmt.Errorf("tournament size must be a power of two: %d", size)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive: %d", c.WebSocket.SendBuffer)
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
