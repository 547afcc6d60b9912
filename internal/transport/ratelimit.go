package transport

import (
	"sync"
	"time"
)

// TokenBucket 令牌桶限流器
//
// 每條連線一個，限制入站訊息速率。
// input 訊息在按住方向鍵時會連續送出，容量決定可容忍的突發量。
//
// 令牌以浮點數累積，低速率（例如每秒 0.5 個）也不會因為取整而永遠補不到。
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // 每秒填充的令牌數
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 建立令牌桶，初始為滿
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 目前令牌數（監控用）
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}
