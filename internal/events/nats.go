// Package events 把對戰結果發布到 NATS JetStream
//
// 系統設計問題：
//   排行榜、通知、統計等下游服務需要知道對戰結果，但不應該拖慢對戰伺服器
//
// 設計方案：
//   ✅ JetStream 持久化：下游服務離線時結果不會遺失
//   ✅ Nats-Msg-Id 去重：同一筆結果重送只會存一份
//   ✅ 主題區分一般對戰與錦標賽對戰，下游可各自訂閱
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-match-server/internal/room"
)

// 主題
const (
	SubjectMatchCompleted      = "match.completed"
	SubjectTournamentCompleted = "tournament.match.completed"
)

// DefaultStream 預設 Stream 名稱
const DefaultStream = "MATCHES"

const publishTimeout = 5 * time.Second

// MatchEvent 發布的訊息內容
type MatchEvent struct {
	RoomID       int       `json:"room_id"`
	TournamentID string    `json:"tournament_id,omitempty"`
	MatchID      *int      `json:"match_id,omitempty"`
	WinnerID     string    `json:"winner_id"`
	LoserID      string    `json:"loser_id"`
	ScoreL       int       `json:"score_l"`
	ScoreR       int       `json:"score_r"`
	Walkover     bool      `json:"walkover"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewMatchEvent 從結果建立訊息
func NewMatchEvent(res room.Result) MatchEvent {
	ev := MatchEvent{
		RoomID:     res.RoomID,
		WinnerID:   res.WinnerID,
		LoserID:    res.LoserID,
		ScoreL:     res.ScoreL,
		ScoreR:     res.ScoreR,
		Walkover:   res.Walkover,
		FinishedAt: res.FinishedAt,
	}
	if res.Match != nil {
		ev.TournamentID = res.Match.TournamentID
		id := res.Match.MatchID
		ev.MatchID = &id
	}
	return ev
}

// SubjectFor 結果對應的主題
func SubjectFor(res room.Result) string {
	if res.InTournament() {
		return SubjectTournamentCompleted
	}
	return SubjectMatchCompleted
}

// MessageID 去重用的訊息 ID
func MessageID(res room.Result) string {
	if res.Match != nil {
		return fmt.Sprintf("%s-%d", res.Match.TournamentID, res.Match.MatchID)
	}
	return fmt.Sprintf("room-%d-%d", res.RoomID, res.FinishedAt.UnixNano())
}

// Publisher JetStream 發布者，實作 tournament.Recorder
type Publisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	stream string
	logger *slog.Logger
}

// NewPublisher 連接 NATS 並確保 Stream 存在
//
// 選項說明：
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
func NewPublisher(url, stream string, logger *slog.Logger) (*Publisher, error) {
	if stream == "" {
		stream = DefaultStream
	}

	conn, err := nats.Connect(url,
		nats.Name("match-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("創建 JetStream 上下文失敗: %w", err)
	}

	p := &Publisher{conn: conn, js: js, stream: stream, logger: logger}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// ensureStream 不存在則創建，存在則更新設定
func (p *Publisher) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{SubjectMatchCompleted, SubjectTournamentCompleted},
		Storage:    nats.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}

	_, err := p.js.StreamInfo(p.stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("創建 Stream 失敗: %w", err)
		}
		p.logger.Info("Stream 已創建", "stream", p.stream)
		return nil
	}
	if err != nil {
		return fmt.Errorf("查詢 Stream 失敗: %w", err)
	}

	if _, err := p.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("更新 Stream 失敗: %w", err)
	}
	return nil
}

// RecordResult 同步發布，等待 PubAck
func (p *Publisher) RecordResult(ctx context.Context, res room.Result) error {
	data, err := json.Marshal(NewMatchEvent(res))
	if err != nil {
		return fmt.Errorf("序列化結果失敗: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	subject := SubjectFor(res)
	ack, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(MessageID(res)))
	if err != nil {
		return fmt.Errorf("發布結果失敗: %w", err)
	}

	p.logger.DebugContext(ctx, "結果已發布", "subject", subject, "seq", ack.Sequence, "duplicate", ack.Duplicate)
	return nil
}

// Close 排空後關閉連線
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
