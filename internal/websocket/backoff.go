package websocket

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Schedule 重连等待节奏
// 第一次立即重连，之后按指数增长，不超过上限
type Schedule struct {
	b       *backoff.ExponentialBackOff
	ceiling time.Duration
	attempt int
}

// NewSchedule 创建重连节奏
func NewSchedule(initial, ceiling time.Duration, multiplier float64) *Schedule {
	if ceiling <= 0 {
		ceiling = initial
	}
	if initial > ceiling {
		initial = ceiling
	}
	if multiplier < 1 {
		multiplier = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         ceiling,
	}
	b.Reset()
	return &Schedule{b: b, ceiling: ceiling}
}

// Next 下一次重连前的等待时间
func (s *Schedule) Next() time.Duration {
	s.attempt++
	if s.attempt == 1 {
		return 0
	}
	d := s.b.NextBackOff()
	if d < 0 || d > s.ceiling {
		d = s.ceiling
	}
	return d
}

// Attempt 已经给出的等待次数
func (s *Schedule) Attempt() int {
	return s.attempt
}
