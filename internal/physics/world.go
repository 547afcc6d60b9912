// Package physics 實作對戰的權威物理核心
//
// 系統設計問題：
//
//	伺服器與客戶端（預測、AI）如何對同一個 tick 得到相同的結果？
//
// 設計方案：
//   - 純函式：所有狀態由呼叫端傳入，套件本身沒有任何可變狀態
//   - 衍生參數只由 BuildWorld 計算，無法單獨設定
//   - 隨機來源可注入（Source），測試可以重現每一次重新發球
package physics

import "encoding/json"

// 預設場地參數
const (
	DefaultFieldWidth  = 100.0
	DefaultFieldHeight = 40.0
	DefaultPaddleRatio = 1.0 / 6.0
	DefaultPaddleAcc   = 0.2
)

// WorldConfig 場地基本參數
//
// 零值欄位在 BuildWorld 時以預設值取代，因此可以只覆蓋部分欄位。
type WorldConfig struct {
	FieldWidth  float64 `json:"FIELD_WIDTH" yaml:"field_width"`
	FieldHeight float64 `json:"FIELD_HEIGHT" yaml:"field_height"`
	PaddleRatio float64 `json:"PADDLE_RATIO" yaml:"paddle_ratio"`
	PaddleAcc   float64 `json:"PADDLE_ACC" yaml:"paddle_acc"`
}

// DefaultWorld 回傳預設場地參數
func DefaultWorld() WorldConfig {
	return WorldConfig{
		FieldWidth:  DefaultFieldWidth,
		FieldHeight: DefaultFieldHeight,
		PaddleRatio: DefaultPaddleRatio,
		PaddleAcc:   DefaultPaddleAcc,
	}
}

// Derived 場地參數加上衍生值
//
// paddleSize、paddleSpeed 是未匯出欄位，只能透過 BuildWorld 產生，
// 保證永遠由基本參數重新計算。
type Derived struct {
	WorldConfig
	paddleSize  float64
	paddleSpeed float64
}

// BuildWorld 以預設值為基底套用覆蓋值，並計算衍生參數
func BuildWorld(overrides WorldConfig) Derived {
	base := DefaultWorld()
	if overrides.FieldWidth != 0 {
		base.FieldWidth = overrides.FieldWidth
	}
	if overrides.FieldHeight != 0 {
		base.FieldHeight = overrides.FieldHeight
	}
	if overrides.PaddleRatio != 0 {
		base.PaddleRatio = overrides.PaddleRatio
	}
	if overrides.PaddleAcc != 0 {
		base.PaddleAcc = overrides.PaddleAcc
	}

	return Derived{
		WorldConfig: base,
		paddleSize:  base.FieldHeight * base.PaddleRatio,
		paddleSpeed: base.FieldHeight / 90,
	}
}

// PaddleSize 球拍長度
func (d Derived) PaddleSize() float64 { return d.paddleSize }

// PaddleSpeed 球拍最高速度（每 tick）
func (d Derived) PaddleSpeed() float64 { return d.paddleSpeed }

// PaddleBounds 球拍中心 Y 的上下限
func (d Derived) PaddleBounds() (lo, hi float64) {
	return -d.FieldHeight/2 + d.paddleSize/2, d.FieldHeight/2 - d.paddleSize/2
}

// MarshalJSON 攤平成客戶端使用的格式
func (d Derived) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		FieldWidth  float64 `json:"FIELD_WIDTH"`
		FieldHeight float64 `json:"FIELD_HEIGHT"`
		PaddleRatio float64 `json:"PADDLE_RATIO"`
		PaddleAcc   float64 `json:"PADDLE_ACC"`
		PaddleSize  float64 `json:"paddleSize"`
		PaddleSpeed float64 `json:"paddleSpeed"`
	}{
		FieldWidth:  d.FieldWidth,
		FieldHeight: d.FieldHeight,
		PaddleRatio: d.PaddleRatio,
		PaddleAcc:   d.PaddleAcc,
		PaddleSize:  d.paddleSize,
		PaddleSpeed: d.paddleSpeed,
	})
}
