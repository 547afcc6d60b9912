package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-match-server/internal/room"
	"github.com/koopa0/system-design/14-match-server/internal/store"
	"github.com/koopa0/system-design/14-match-server/internal/tournament"
	apperrors "github.com/koopa0/system-design/14-match-server/pkg/errors"
	"github.com/koopa0/system-design/14-match-server/pkg/logger"
)

// StatsReader 玩家戰績查詢
type StatsReader interface {
	PlayerStats(ctx context.Context, userID string) (store.PlayerStats, error)
}

// Handler HTTP 請求處理器
type Handler struct {
	rooms       *room.Manager
	tournaments *tournament.Manager
	hub         *Hub
	stats       StatsReader
	logger      *slog.Logger
	startedAt   time.Time
}

// NewHandler 創建 HTTP 處理器；stats 為 nil 時戰績路由回傳 503
func NewHandler(rooms *room.Manager, tournaments *tournament.Manager, hub *Hub, stats StatsReader, log *slog.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		rooms:       rooms,
		tournaments: tournaments,
		hub:         hub,
		stats:       stats,
		logger:      log,
		startedAt:   time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// WebSocket 需要原始的 ResponseWriter 才能 Hijack，不經過 loggerMiddleware
	mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))

	// 錦標賽 API
	mux.HandleFunc("GET /api/v1/tournaments", wrap(h.listTournaments))
	mux.HandleFunc("GET /api/v1/tournaments/{tournament_id}", wrap(h.getTournament))
	mux.HandleFunc("POST /api/v1/tournaments/{tournament_id}/matches/{match_id}/result", wrap(h.recordResult))

	// 房間與玩家
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/players/{player_id}/stats", wrap(h.playerStats))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.serverStats))

	return mux
}

type recordResultRequest struct {
	WinnerID string `json:"winner_id"`
}

// listTournaments 列出錦標賽
func (h *Handler) listTournaments(w http.ResponseWriter, r *http.Request) {
	list := h.tournaments.List()
	h.jsonResponse(w, map[string]any{
		"tournaments": list,
		"total":       len(list),
	}, http.StatusOK)
}

// getTournament 錦標賽快照
func (h *Handler) getTournament(w http.ResponseWriter, r *http.Request) {
	t, ok := h.tournaments.Get(r.PathValue("tournament_id"))
	if !ok {
		h.appErrorResponse(w, apperrors.ErrTournamentGone)
		return
	}
	h.jsonResponse(w, t.View(), http.StatusOK)
}

// recordResult 手動回報對戰結果
func (h *Handler) recordResult(w http.ResponseWriter, r *http.Request) {
	matchID, err := strconv.Atoi(r.PathValue("match_id"))
	if err != nil || matchID < 0 {
		h.errorResponse(w, "無效的對戰 ID", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}

	var req recordResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}
	if req.WinnerID == "" {
		h.errorResponse(w, "winner_id 為必填", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}

	view, err := h.tournaments.RecordResult(r.PathValue("tournament_id"), matchID, req.WinnerID)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, view, http.StatusOK)
}

// listRooms 房間摘要
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.rooms.List()
	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	}, http.StatusOK)
}

// playerStats 玩家戰績
func (h *Handler) playerStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		h.errorResponse(w, "戰績服務未啟用", apperrors.ErrCodeUnavailable, http.StatusServiceUnavailable)
		return
	}

	stats, err := h.stats.PlayerStats(r.Context(), r.PathValue("player_id"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// serverStats 統計資訊
func (h *Handler) serverStats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"rooms":       h.rooms.Stats(),
		"tournaments": len(h.tournaments.List()),
		"connections": h.hub.router.Connections(),
		"uptime_sec":  int(time.Since(h.startedAt).Seconds()),
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message, code string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
		"code":  code,
	}, status)
}

// appErrorResponse 依錯誤碼決定 HTTP 狀態
func (h *Handler) appErrorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.Code(err) {
	case apperrors.ErrCodeNotFound, apperrors.ErrCodeMatchNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeMatchCompleted, apperrors.ErrCodeAlreadyJoined, apperrors.ErrCodeTournamentFull:
		status = http.StatusConflict
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("處理請求失敗", "error", err)
		h.errorResponse(w, "內部伺服器錯誤", "INTERNAL", status)
		return
	}
	h.errorResponse(w, errorMessage(err), apperrors.Code(err), status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", "INTERNAL", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
