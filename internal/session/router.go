// Package session 把每條連線對應到使用者，並把入站訊息分派到房間、錦標賽與聊天轉送
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/koopa0/system-design/14-match-server/internal/protocol"
	"github.com/koopa0/system-design/14-match-server/internal/room"
	"github.com/koopa0/system-design/14-match-server/internal/tournament"
	"github.com/koopa0/system-design/14-match-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// Directory 依使用者 ID 查詢顯示名稱
type Directory interface {
	Username(ctx context.Context, userID string) (string, error)
}

// Router 連線路由
//
// 系統設計考量：
//
//  1. 使用者可以同時有多條連線（多個分頁）
//     - conns: map[userID]map[connID]Conn
//     - 聊天訊息送到收件者的每一條 Live 連線
//
//  2. 註冊表由 cmd/server 建立後注入，Router 不持有任何全域狀態
//
//  3. 錯誤處理：
//     - 格式錯誤的訊息記錄後丟棄，連線保持開啟
//     - 錦標賽操作的錯誤以 error 訊息回給發送者
type Router struct {
	rooms       *room.Manager
	tournaments *tournament.Manager
	directory   Directory
	logger      *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[string]transport.Conn // userID -> connID -> Conn
}

// NewRouter 建立路由；directory 為 nil 時顯示名稱使用 userID
func NewRouter(rooms *room.Manager, tournaments *tournament.Manager, directory Directory, log *slog.Logger) *Router {
	if log == nil {
		log = logger.Discard()
	}
	return &Router{
		rooms:       rooms,
		tournaments: tournaments,
		directory:   directory,
		logger:      log,
		conns:       make(map[string]map[string]transport.Conn),
	}
}

// Attach 登記使用者的連線
func (rt *Router) Attach(userID string, conn transport.Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.conns[userID] == nil {
		rt.conns[userID] = make(map[string]transport.Conn)
	}
	rt.conns[userID][conn.ID()] = conn
	rt.logger.Info("連線已登記", "user_id", userID, "conn_id", conn.ID(), "connections", len(rt.conns[userID]))
}

// Detach 連線結束：離開房間並通知錦標賽
//
// 從未入座的連線只是 no-op。
func (rt *Router) Detach(ctx context.Context, userID string, conn transport.Conn) {
	rt.mu.Lock()
	if byConn, ok := rt.conns[userID]; ok {
		delete(byConn, conn.ID())
		if len(byConn) == 0 {
			delete(rt.conns, userID)
		}
	}
	rt.mu.Unlock()

	rt.leaveRoom(ctx, conn)
	rt.tournaments.HandleDisconnect(userID, conn.ID())
	rt.logger.InfoContext(ctx, "連線已移除", "conn_id", conn.ID())
}

// Connections 目前登記的連線數
func (rt *Router) Connections() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	n := 0
	for _, byConn := range rt.conns {
		n += len(byConn)
	}
	return n
}

// Dispatch 解碼並處理一則入站訊息
func (rt *Router) Dispatch(ctx context.Context, userID string, conn transport.Conn, raw []byte) {
	ctx = logger.WithUserID(ctx, userID)

	msg, err := protocol.Decode(raw)
	if err != nil {
		rt.logger.WarnContext(ctx, "無效的訊息，丟棄", "conn_id", conn.ID(), "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeJoin:
		rt.handleJoin(ctx, userID, conn)
	case protocol.TypeReady:
		if r, ok := rt.rooms.FindRoomForConnection(conn.ID()); ok {
			r.SetReady(conn.ID())
		}
	case protocol.TypeInput:
		if r, ok := rt.rooms.FindRoomForConnection(conn.ID()); ok {
			r.SetInput(conn.ID(), *msg.Direction)
		}
	case protocol.TypeLeave:
		rt.leave(ctx, userID, conn)
	case protocol.TypeJoinTournament:
		rt.handleJoinTournament(ctx, userID, conn)
	case protocol.TypeChat:
		rt.handleChat(ctx, userID, conn, string(msg.To), msg.Content)
	}
}

func (rt *Router) handleJoin(ctx context.Context, userID string, conn transport.Conn) {
	r, _, err := rt.rooms.Join(userID, conn)
	if err != nil {
		rt.logger.WarnContext(ctx, "加入房間失敗", "error", err)
		rt.sendError(ctx, conn, err)
		return
	}

	msg, ok := r.JoinMessage(conn.ID())
	if !ok {
		return
	}
	rt.send(ctx, conn, msg)
}

func (rt *Router) handleJoinTournament(ctx context.Context, userID string, conn transport.Conn) {
	username := rt.username(ctx, userID)

	t, err := rt.tournaments.Join(userID, username, conn)
	if err != nil {
		level := slog.LevelWarn
		if apperrors.IsBracketError(err) {
			level = slog.LevelInfo
		}
		rt.logger.Log(ctx, level, "報名錦標賽失敗", "error", err)
		rt.sendError(ctx, conn, err)
		return
	}
	rt.send(ctx, conn, protocol.JoinedTournament(t.ID()))
}

// handleChat 轉送到收件者的每一條 Live 連線
func (rt *Router) handleChat(ctx context.Context, from string, conn transport.Conn, to, content string) {
	rt.mu.RLock()
	targets := make([]transport.Conn, 0, len(rt.conns[to]))
	for _, c := range rt.conns[to] {
		if c.IsLive() {
			targets = append(targets, c)
		}
	}
	rt.mu.RUnlock()

	if len(targets) == 0 {
		rt.sendError(ctx, conn, apperrors.ErrUserNotFound)
		return
	}

	msg := protocol.Chat(from, content)
	for _, c := range targets {
		rt.send(ctx, c, msg)
	}
}

// leave 處理 leave 訊息
//
// 離開一般房間只影響該房間，報名中或等待下一輪的錦標賽不受影響。
// 在錦標賽房間或未入座時，才退出（或放棄）錦標賽。
func (rt *Router) leave(ctx context.Context, userID string, conn transport.Conn) {
	if casual := rt.leaveRoom(ctx, conn); casual {
		return
	}
	rt.tournaments.HandleDisconnect(userID, conn.ID())
}

// leaveRoom 離開所在房間，回傳是否離開的是一般房間
func (rt *Router) leaveRoom(ctx context.Context, conn transport.Conn) bool {
	r, p := rt.rooms.Leave(conn.ID())
	if p == nil {
		return false
	}
	rt.logger.InfoContext(logger.WithRoomID(ctx, r.ID()), "玩家離開房間")
	return r.Match() == nil
}

func (rt *Router) username(ctx context.Context, userID string) string {
	if rt.directory == nil {
		return userID
	}
	name, err := rt.directory.Username(ctx, userID)
	if err != nil || name == "" {
		if err != nil {
			rt.logger.DebugContext(ctx, "查詢使用者名稱失敗", "error", err)
		}
		return userID
	}
	return name
}

func (rt *Router) send(ctx context.Context, conn transport.Conn, msg any) {
	if err := transport.SendJSON(conn, msg); err != nil {
		rt.logger.DebugContext(ctx, "送出失敗", "conn_id", conn.ID(), "error", err)
	}
}

func (rt *Router) sendError(ctx context.Context, conn transport.Conn, err error) {
	rt.send(ctx, conn, protocol.Error(errorMessage(err)))
}

// errorMessage AppError 只送出 Message，不洩漏內部錯誤鏈
func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
