package tournament

import (
	"context"
	"errors"

	"github.com/koopa0/system-design/14-match-server/internal/room"
)

// Recorder 對戰結果的持久化目標（資料庫、訊息佇列）
type Recorder interface {
	RecordResult(ctx context.Context, res room.Result) error
}

// RecorderFunc 讓一般函式滿足 Recorder
type RecorderFunc func(ctx context.Context, res room.Result) error

// RecordResult 呼叫 f
func (f RecorderFunc) RecordResult(ctx context.Context, res room.Result) error {
	return f(ctx, res)
}

// MultiRecorder 依序寫入每個 Recorder，任一失敗不影響其他
type MultiRecorder []Recorder

// RecordResult 回傳所有失敗合併後的錯誤
func (m MultiRecorder) RecordResult(ctx context.Context, res room.Result) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordResult(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
