package transport

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// SocketConfig WebSocket 讀寫參數
type SocketConfig struct {
	MaxMessageSize int64
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration

	// Throttled 判斷訊息是否計入限流；nil 表示全部計入
	Throttled func(raw []byte) bool
}

// DefaultSocketConfig 預設參數
//
// PingPeriod 必須小於 PongWait：54 秒送 Ping，60 秒內沒有任何入站資料就斷線。
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		MaxMessageSize: 512,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

// Socket 把一條 gorilla WebSocket 連接綁到 Live 連線
//
// 兩個 goroutine：
//   - readPump：讀取入站訊息，高頻訊息經限流後交給 onMessage
//   - writePump：把 Live 的 outbox 寫到 socket，並定時送 Ping
//
// 任一端結束都會讓另一端跟著結束：
// readPump 結束時關閉 Live（outbox 關閉，writePump 送 close frame 後離開）；
// 伺服器主動關閉 Live 時，writePump 關閉 socket，readPump 讀取失敗後離開。
type Socket struct {
	ws      *websocket.Conn
	live    *Live
	limiter *TokenBucket
	logger  *slog.Logger
	cfg     SocketConfig
}

// NewSocket 建立 Socket；limiter 為 nil 時不限流
func NewSocket(ws *websocket.Conn, live *Live, limiter *TokenBucket, logger *slog.Logger, cfg SocketConfig) *Socket {
	if cfg.PongWait <= 0 || cfg.PingPeriod <= 0 || cfg.WriteWait <= 0 {
		def := DefaultSocketConfig()
		cfg.PongWait, cfg.PingPeriod, cfg.WriteWait = def.PongWait, def.PingPeriod, def.WriteWait
	}
	return &Socket{
		ws:      ws,
		live:    live,
		limiter: limiter,
		logger:  logger.With("conn_id", live.ID()),
		cfg:     cfg,
	}
}

// Run 啟動讀寫泵，阻塞到連線結束
func (s *Socket) Run(onMessage func([]byte)) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump()
	}()

	s.readPump(onMessage)
	_ = s.live.Close()
	<-done
}

// readPump 讀取客戶端訊息
func (s *Socket) readPump(onMessage func([]byte)) {
	defer s.ws.Close()

	if s.cfg.MaxMessageSize > 0 {
		s.ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	if err := s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.logger.Error("設置讀取期限失敗", "error", err)
	}
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		messageType, message, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if s.limiter != nil && s.throttled(message) && !s.limiter.Allow() {
			s.logger.Debug("入站訊息超過速率限制，丟棄")
			continue
		}

		// 收到任何資料都代表對端存活
		if err := s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
			s.logger.Error("設置讀取期限失敗", "error", err)
		}

		onMessage(message)
	}
}

// throttled 控制類訊息（join、leave、ready）不受限流影響
func (s *Socket) throttled(message []byte) bool {
	if s.cfg.Throttled == nil {
		return true
	}
	return s.cfg.Throttled(message)
}

// writePump 寫入訊息到客戶端
func (s *Socket) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	outbox := s.live.Outbox()
	for {
		select {
		case message, ok := <-outbox:
			if err := s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Live 已關閉，嘗試送出 close frame，忽略錯誤
				_ = s.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("寫入訊息失敗", "error", err)
				return
			}

			// 批量送出已排隊的訊息
			n := len(outbox)
			for i := 0; i < n; i++ {
				next, ok := <-outbox
				if !ok {
					break
				}
				if err := s.ws.WriteMessage(websocket.TextMessage, next); err != nil {
					s.logger.Debug("寫入訊息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
