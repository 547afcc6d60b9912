// Package errors 提供對戰伺服器的應用程式錯誤
//
// 錯誤分類：
//   - 回報給呼叫端：ALREADY_JOINED、TOURNAMENT_FULL、MATCH_NOT_FOUND（由 Router 轉成 error 訊息）
//   - 本地吸收：SEND_FAILED（單一連線發送失敗，只記錄日誌）
//   - 丟棄：INVALID_MESSAGE（格式錯誤的輸入，連線保持開啟）
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeAlreadyJoined 玩家已在錦標賽中
	ErrCodeAlreadyJoined = "ALREADY_JOINED"
	// ErrCodeTournamentFull 錦標賽人數已滿
	ErrCodeTournamentFull = "TOURNAMENT_FULL"
	// ErrCodeMatchNotFound 對戰不存在
	ErrCodeMatchNotFound = "MATCH_NOT_FOUND"
	// ErrCodeMatchCompleted 對戰已結束
	ErrCodeMatchCompleted = "MATCH_COMPLETED"
	// ErrCodeInvalidMessage 無效的協定訊息
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	// ErrCodeSendFailed 發送失敗
	ErrCodeSendFailed = "SEND_FAILED"
	// ErrCodeNotAuthenticated 未驗證身份
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比較，讓 errors.Is(err, ErrTournamentFull) 對包裝過的錯誤也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本；預定義錯誤是共用值，不能原地修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrAlreadyJoined    = New(ErrCodeAlreadyJoined, "player already joined this tournament")
	ErrTournamentFull   = New(ErrCodeTournamentFull, "tournament is already full")
	ErrMatchNotFound    = New(ErrCodeMatchNotFound, "match not found")
	ErrMatchCompleted   = New(ErrCodeMatchCompleted, "match already completed")
	ErrInvalidMessage   = New(ErrCodeInvalidMessage, "invalid message")
	ErrSendFailed       = New(ErrCodeSendFailed, "send failed")
	ErrNotAuthenticated = New(ErrCodeNotAuthenticated, "not authenticated")
	ErrRoomFull         = New(ErrCodeRoomFull, "room is full")
	ErrRoomClosed       = New(ErrCodeNotFound, "room is closed")
	ErrUserNotFound     = New(ErrCodeNotFound, "user not found")
	ErrTournamentGone   = New(ErrCodeNotFound, "tournament not found")
)

// Code 取出錯誤碼，非 AppError 時回傳空字串
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsAlreadyJoined 檢查是否為重複加入錯誤
func IsAlreadyJoined(err error) bool {
	return Code(err) == ErrCodeAlreadyJoined
}

// IsTournamentFull 檢查是否為人數已滿錯誤
func IsTournamentFull(err error) bool {
	return Code(err) == ErrCodeTournamentFull
}

// IsMatchNotFound 檢查是否為對戰不存在錯誤
func IsMatchNotFound(err error) bool {
	return Code(err) == ErrCodeMatchNotFound
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsSendFailed 檢查是否為發送失敗
func IsSendFailed(err error) bool {
	return Code(err) == ErrCodeSendFailed
}

// IsBracketError 判斷錯誤是否應該以 error 訊息回報給發送者
func IsBracketError(err error) bool {
	switch Code(err) {
	case ErrCodeAlreadyJoined, ErrCodeTournamentFull, ErrCodeMatchNotFound:
		return true
	}
	return false
}
