package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-match-server/internal/protocol"
	"github.com/koopa0/system-design/14-match-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// Authenticator 從請求解析使用者身份
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// QueryAuthenticator 以查詢參數作為身份
//
// 身份驗證由外部服務負責，這裡只讀取已驗證的使用者 ID。
type QueryAuthenticator struct {
	Param string
}

// Authenticate 參數缺少時回傳 NOT_AUTHENTICATED
func (a QueryAuthenticator) Authenticate(r *http.Request) (string, error) {
	param := a.Param
	if param == "" {
		param = "player_id"
	}
	id := r.URL.Query().Get(param)
	if id == "" {
		return "", apperrors.ErrNotAuthenticated
	}
	return id, nil
}

// HubConfig WebSocket 連線參數
type HubConfig struct {
	SendBuffer int
	RateLimit  float64 // 每秒入站訊息數，0 表示不限
	RateBurst  int
	Socket     transport.SocketConfig
}

// DefaultHubConfig 預設參數
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer: 256,
		RateLimit:  120,
		RateBurst:  60,
		Socket:     transport.DefaultSocketConfig(),
	}
}

// Hub WebSocket 連線中心
//
// 系統設計問題：
//   每條 socket 需要讀寫兩個 goroutine，關閉時必須確認全部結束
//
// 設計方案：
//   ✅ ServeWS 在 handler goroutine 內執行讀泵，結束時 Detach
//   ✅ lives 記錄所有 Live 連線，Stop 時關閉並等待
type Hub struct {
	router   *Router
	auth     Authenticator
	cfg      HubConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	lives  map[string]*transport.Live
	wg     sync.WaitGroup
	closed bool
}

// NewHub 建立 Hub
func NewHub(router *Router, auth Authenticator, cfg HubConfig, log *slog.Logger) *Hub {
	if auth == nil {
		auth = QueryAuthenticator{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultHubConfig().SendBuffer
	}
	if cfg.Socket.Throttled == nil {
		cfg.Socket.Throttled = protocol.Throttled
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		router: router,
		auth:   auth,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log,
		lives:  make(map[string]*transport.Live),
	}
}

// ServeWS 處理 WebSocket 連接，阻塞到連線結束
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "未驗證身份", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升級 WebSocket 失敗", "user_id", userID, "error", err)
		return
	}

	live := transport.NewLive("", h.cfg.SendBuffer)
	if !h.track(live) {
		_ = ws.Close()
		return
	}
	defer h.untrack(live)

	ctx := logger.WithUserID(context.WithoutCancel(r.Context()), userID)

	var limiter *transport.TokenBucket
	if h.cfg.RateLimit > 0 {
		limiter = transport.NewTokenBucket(h.cfg.RateBurst, h.cfg.RateLimit)
	}

	h.router.Attach(userID, live)
	h.logger.InfoContext(ctx, "WebSocket 連接建立", "conn_id", live.ID())

	socket := transport.NewSocket(ws, live, limiter, h.logger, h.cfg.Socket)
	socket.Run(func(raw []byte) {
		h.router.Dispatch(ctx, userID, live, raw)
	})

	h.router.Detach(ctx, userID, live)
	h.logger.InfoContext(ctx, "WebSocket 連接關閉", "conn_id", live.ID())
}

// Stop 關閉所有連線並等待讀寫泵結束
func (h *Hub) Stop() {
	h.mu.Lock()
	h.closed = true
	for _, live := range h.lives {
		_ = live.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("WebSocket Hub 已停止")
}

func (h *Hub) track(live *transport.Live) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.lives[live.ID()] = live
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(live *transport.Live) {
	h.mu.Lock()
	delete(h.lives, live.ID())
	h.mu.Unlock()
	h.wg.Done()
}
