// Package logger 提供結構化日誌功能
//
// 與 log/slog 的差異只有兩點：
//   - 自定義時間格式
//   - 從 context 取出 user_id、room_id、tournament_id 自動附加到每筆日誌
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// UserIDKey 用戶 ID 的上下文鍵
	UserIDKey contextKey = "user_id"
	// RoomIDKey 房間 ID 的上下文鍵
	RoomIDKey contextKey = "room_id"
	// TournamentIDKey 錦標賽 ID 的上下文鍵
	TournamentIDKey contextKey = "tournament_id"
)

// timeLayout 日誌時間格式
const timeLayout = "2006-01-02 15:04:05.000"

// New 建立日誌記錄器
//
// format 為 "json" 時輸出 JSON，其餘一律使用文字格式。
func New(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(timeLayout))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// Discard 回傳丟棄所有輸出的記錄器，給測試與未注入 logger 的建構函式使用
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel 解析日誌級別，無法辨識時回傳 Info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []contextKey{UserIDKey, RoomIDKey, TournamentIDKey} {
		switch v := ctx.Value(key).(type) {
		case string:
			if v != "" {
				r.AddAttrs(slog.String(string(key), v))
			}
		case int:
			r.AddAttrs(slog.Int(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留 contextHandler 包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留 contextHandler 包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithUserID 添加用戶 ID 到上下文
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRoomID 添加房間 ID 到上下文
func WithRoomID(ctx context.Context, roomID int) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// WithTournamentID 添加錦標賽 ID 到上下文
func WithTournamentID(ctx context.Context, tournamentID string) context.Context {
	return context.WithValue(ctx, TournamentIDKey, tournamentID)
}
