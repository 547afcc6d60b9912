// Package transport 定義連線型別、WebSocket 讀寫泵與入站限流
//
// 連線是明確的和型別：
//
//	Conn = *Live | Detached
//
// Live 有真實的 socket，訊息推入緩衝 outbox，由 writePump 寫出；
// Detached 代表使用者尚未（或已不再）有可用的 socket，送出與關閉都是 no-op。
// 房間與錦標賽的簿記只依賴 Conn 介面，不依賴傳輸層是否存活。
package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
)

// Conn 連線
//
// 未匯出的 variant 方法封閉了實作集合，只有 *Live 與 Detached。
type Conn interface {
	// ID 穩定的連線識別，作為房間玩家表的 key
	ID() string
	// Send 非阻塞送出；緩衝滿或已關閉時回傳 SEND_FAILED
	Send(msg []byte) error
	// Close 關閉連線，可重複呼叫
	Close() error
	// IsLive 是否有真實的 socket
	IsLive() bool

	variant()
}

// Live 有真實 socket 的連線
//
// 系統設計考量：
//
//  1. 非阻塞送出：select + default
//     - tick 迴圈不能等待慢客戶端
//     - 緩衝滿就丟棄該則訊息並回報 SEND_FAILED
//
//  2. 關閉與送出的競爭：RWMutex + closed 旗標
//     - 對已關閉的 channel 送出會 panic
//     - Send 持讀鎖檢查旗標，Close 持寫鎖關閉 channel
type Live struct {
	id     string
	outbox chan []byte
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewLive 建立 Live 連線，id 為空時自動產生
func NewLive(id string, buffer int) *Live {
	if id == "" {
		id = uuid.NewString()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Live{
		id:     id,
		outbox: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// ID 連線識別
func (l *Live) ID() string { return l.id }

// IsLive 永遠為 true
func (l *Live) IsLive() bool { return true }

func (l *Live) variant() {}

// Send 推入 outbox
func (l *Live) Send(msg []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return apperrors.ErrSendFailed.WithDetails("connection closed")
	}

	select {
	case l.outbox <- msg:
		return nil
	default:
		return apperrors.ErrSendFailed.WithDetails("outbox full")
	}
}

// Close 關閉 outbox，writePump 讀到關閉後送出 close frame
func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.outbox)
	close(l.done)
	return nil
}

// Outbox 待送出的訊息
func (l *Live) Outbox() <-chan []byte { return l.outbox }

// Done 連線關閉時被關閉
func (l *Live) Done() <-chan struct{} { return l.done }

// Closed 是否已關閉
func (l *Live) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Detached 沒有 socket 的連線
type Detached struct {
	userID string
}

// NewDetached 為使用者建立 Detached 連線
func NewDetached(userID string) Detached {
	return Detached{userID: userID}
}

// ID 以使用者 ID 衍生，同一使用者的 Detached 連線 ID 相同
func (d Detached) ID() string { return "detached-" + d.userID }

// Send no-op
func (d Detached) Send([]byte) error { return nil }

// Close no-op
func (d Detached) Close() error { return nil }

// IsLive 永遠為 false
func (d Detached) IsLive() bool { return false }

func (d Detached) variant() {}

// SendJSON 序列化後送出
func SendJSON(c Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.Send(data)
}
