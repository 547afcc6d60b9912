package room

import "time"

// Result 對戰的最終結果
//
// 由房間在分出勝負或不戰而勝時送出；錦標賽的不戰而勝也使用同一型別。
// Match 為 nil 代表一般對戰。
type Result struct {
	RoomID     int           `json:"room_id"`
	Match      *MatchContext `json:"match,omitempty"`
	WinnerID   string        `json:"winner_id"`
	LoserID    string        `json:"loser_id"`
	ScoreL     int           `json:"score_l"`
	ScoreR     int           `json:"score_r"`
	Walkover   bool          `json:"walkover"`
	FinishedAt time.Time     `json:"finished_at"`
}

// InTournament 是否為錦標賽對戰
func (r Result) InTournament() bool {
	return r.Match != nil
}
