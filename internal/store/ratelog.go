package store

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one warning per interval.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	log      zerolog.Logger
	dropped  int
}

func newRateLimitedLogger(interval time.Duration, l zerolog.Logger) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval, log: l}
}

func (l *rateLimitedLogger) Warn(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	l.log.Warn().Int("suppressed", l.dropped).Msg(msg)
	l.dropped = 0
}
