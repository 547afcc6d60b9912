package protocol

// TournamentView 錦標賽的可序列化快照
//
// 只包含識別與狀態，不含連線、房間等內部欄位。
type TournamentView struct {
	ID      string       `json:"id"`
	Status  string       `json:"status"`
	Round   int          `json:"round"`
	Size    int          `json:"size"`
	Players []PlayerView `json:"players"`
	Matches []MatchView  `json:"matches"`
}

// PlayerView 參賽者
type PlayerView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	Ready    bool   `json:"ready"`
}

// PlayerRef 對戰中的參賽者參照
type PlayerRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MatchView 對戰紀錄
type MatchView struct {
	ID     int        `json:"id"`
	Round  int        `json:"round"`
	RoomID int        `json:"roomId"`
	P1     *PlayerRef `json:"p1"`
	P2     *PlayerRef `json:"p2"`
	Status string     `json:"status"`
	Winner *PlayerRef `json:"winner"`
}
