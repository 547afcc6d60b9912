// Package protocol 定義 WebSocket 上的 JSON 訊息
//
// 每則訊息都是帶 type 欄位的物件。入站訊息經 Decode 驗證，
// 格式錯誤一律回傳 INVALID_MESSAGE，由呼叫端記錄後丟棄，連線保持開啟。
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/koopa0/system-design/14-match-server/internal/physics"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
)

// 訊息類型
const (
	TypeJoin                 = "join"
	TypeReady                = "ready"
	TypeInput                = "input"
	TypeLeave                = "leave"
	TypeJoinTournament       = "joinTournament"
	TypeChat                 = "chat"
	TypeStart                = "start"
	TypeState                = "state"
	TypeReset                = "reset"
	TypeTournamentUpdate     = "tournamentUpdate"
	TypeTournamentEliminated = "tournamentEliminated"
	TypeTournamentComplete   = "tournamentComplete"
	TypeJoinedTournament     = "joinedTournament"
	TypeError                = "error"
)

// UserID 使用者識別
//
// 客戶端可能以字串或數字送出，統一轉成字串。
type UserID string

// UnmarshalJSON 接受字串或數字
func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("user id must be an integer or string: %s", n)
	}
	*u = UserID(n.String())
	return nil
}

// Inbound 入站訊息
type Inbound struct {
	Type      string `json:"type"`
	Direction *int   `json:"direction,omitempty"`
	To        UserID `json:"to,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Decode 解析並驗證入站訊息
func Decode(raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidMessage, "malformed json")
	}

	switch msg.Type {
	case TypeJoin, TypeReady, TypeLeave, TypeJoinTournament:
	case TypeInput:
		if msg.Direction == nil {
			return Inbound{}, apperrors.ErrInvalidMessage.WithDetails("input without direction")
		}
		if d := *msg.Direction; d < -1 || d > 1 {
			return Inbound{}, apperrors.ErrInvalidMessage.WithDetails(fmt.Sprintf("direction out of range: %d", d))
		}
	case TypeChat:
		if msg.To == "" {
			return Inbound{}, apperrors.ErrInvalidMessage.WithDetails("chat without recipient")
		}
	case "":
		return Inbound{}, apperrors.ErrInvalidMessage.WithDetails("missing type")
	default:
		return Inbound{}, apperrors.ErrInvalidMessage.WithDetails("unknown type: " + msg.Type)
	}

	return msg, nil
}

// Throttled 是否為需要限流的高頻訊息（input、chat）
//
// 無法辨識的內容一律限流，控制類訊息不限流，限流時也不會遺失 leave 或 ready。
func Throttled(raw []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return true
	}
	switch head.Type {
	case TypeJoin, TypeReady, TypeLeave, TypeJoinTournament:
		return false
	default:
		return true
	}
}

// Snapshot 可廣播的對戰狀態
//
// Timestamp 在開賽前為 null（毫秒 Unix 時間）。
type Snapshot struct {
	P1X       float64 `json:"p1X"`
	P2X       float64 `json:"p2X"`
	P1Y       float64 `json:"p1Y"`
	P2Y       float64 `json:"p2Y"`
	BallX     float64 `json:"ballX"`
	BallY     float64 `json:"ballY"`
	ScoreL    int     `json:"scoreL"`
	ScoreR    int     `json:"scoreR"`
	Started   bool    `json:"started"`
	Timestamp *int64  `json:"timestamp"`
}

// JoinMessage 入座通知
type JoinMessage struct {
	Type       string          `json:"type"`
	RoomID     int             `json:"roomId"`
	Side       string          `json:"side"`
	GameConfig physics.Derived `json:"gameConfig"`
	State      Snapshot        `json:"state"`
}

// StartMessage 開賽通知
type StartMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// StateMessage 每個 tick 的狀態
type StateMessage struct {
	Type  string   `json:"type"`
	State Snapshot `json:"state"`
}

// ReadyMessage 玩家準備
type ReadyMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// TournamentUpdateMessage 錦標賽快照
type TournamentUpdateMessage struct {
	Type  string         `json:"type"`
	State TournamentView `json:"state"`
}

// JoinedTournamentMessage 加入錦標賽確認
type JoinedTournamentMessage struct {
	Type         string `json:"type"`
	TournamentID string `json:"tournamentId"`
}

// ErrorMessage 錯誤通知
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ChatMessage 私訊
type ChatMessage struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

// signal 只有 type 的訊息
type signal struct {
	Type string `json:"type"`
}

// Join 建立入座通知
func Join(roomID int, side string, cfg physics.Derived, state Snapshot) JoinMessage {
	return JoinMessage{Type: TypeJoin, RoomID: roomID, Side: side, GameConfig: cfg, State: state}
}

// Start 建立開賽通知
func Start(timestamp int64) StartMessage {
	return StartMessage{Type: TypeStart, Timestamp: timestamp}
}

// State 建立狀態訊息
func State(s Snapshot) StateMessage {
	return StateMessage{Type: TypeState, State: s}
}

// Ready 建立準備訊息
func Ready(userID string) ReadyMessage {
	return ReadyMessage{Type: TypeReady, UserID: userID}
}

// TournamentUpdate 建立錦標賽快照訊息
func TournamentUpdate(v TournamentView) TournamentUpdateMessage {
	return TournamentUpdateMessage{Type: TypeTournamentUpdate, State: v}
}

// JoinedTournament 建立加入確認
func JoinedTournament(id string) JoinedTournamentMessage {
	return JoinedTournamentMessage{Type: TypeJoinedTournament, TournamentID: id}
}

// Error 建立錯誤訊息
func Error(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// Chat 建立私訊
func Chat(from, content string) ChatMessage {
	return ChatMessage{Type: TypeChat, UserID: from, Content: content}
}

// Reset 重置通知
func Reset() any { return signal{Type: TypeReset} }

// Eliminated 淘汰通知
func Eliminated() any { return signal{Type: TypeTournamentEliminated} }

// Complete 冠軍通知
func Complete() any { return signal{Type: TypeTournamentComplete} }
