// Package ratelimit bounds what a single signaling connection may send.
package ratelimit

import "golang.org/x/time/rate"

// Reasons returned by ConnLimiter.Allow.
const (
	ReasonMessages = "messages"
	ReasonBytes    = "bytes"
)

// ConnLimiter bounds the inbound message rate and byte rate of a single
// signaling connection. Each budget refills once per second and bursts up to
// its per-second value. A limit <= 0 disables that budget.
type ConnLimiter struct {
	clock    Clock
	messages *rate.Limiter
	bytes    *rate.Limiter
}

func NewConnLimiter(clock Clock, messagesPerSecond, bytesPerSecond int) *ConnLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	l := &ConnLimiter{clock: clock}
	if messagesPerSecond > 0 {
		l.messages = rate.NewLimiter(rate.Limit(messagesPerSecond), messagesPerSecond)
	}
	if bytesPerSecond > 0 {
		l.bytes = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	return l
}

// Allow charges one message of size n bytes. When the message is rejected,
// reason names the budget that ran dry.
//
// The message budget is checked first, so a message rejected for rate never
// consumes byte budget. A message larger than the byte budget is always
// rejected.
func (l *ConnLimiter) Allow(n int) (ok bool, reason string) {
	if l == nil {
		return true, ""
	}
	now := l.clock.Now()
	if l.messages != nil && !l.messages.AllowN(now, 1) {
		return false, ReasonMessages
	}
	if l.bytes != nil && n > 0 && !l.bytes.AllowN(now, n) {
		return false, ReasonBytes
	}
	return true, ""
}
