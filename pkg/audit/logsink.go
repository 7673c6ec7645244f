package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"code.vita-gw.org/keymgr/internal/clock"
)

// DefaultRateLimit bounds how often the same (Kind, Route) pair may log,
// matching the manager's own throttled-publish rhythm rather than logging
// on every tick a noisy peer keeps retrying.
const DefaultRateLimit = time.Second

// LogSink is a slog-backed Sink stamping a uuid trace id on each event.
// Events are rate-limited per (Kind, Route) pair so a misbehaving or hostile
// peer cannot flood the audit log.
type LogSink struct {
	logger *slog.Logger
	clock  clock.Clock
	limit  time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewLogSink returns a LogSink writing through logger (slog.Default() if
// nil) rate-limited to at most one line per limit per (Kind, Route) pair.
func NewLogSink(logger *slog.Logger, clk clock.Clock, limit time.Duration) *LogSink {
	if nil == logger {
		logger = slog.Default()
	}
	if nil == clk {
		clk = clock.Real{}
	}
	if 0 == limit {
		limit = DefaultRateLimit
	}
	return &LogSink{
		logger: logger,
		clock:  clk,
		limit:  limit,
		last:   make(map[string]time.Time),
	}
}

// Record logs e if the (Kind, Route) pair is not currently rate-limited.
func (self *LogSink) Record(ctx context.Context, e Event) {
	key := string(e.Kind) + "|" + e.Route

	self.mu.Lock()
	now := self.clock.Now()
	prev, seen := self.last[key]
	if seen && now.Sub(prev) < self.limit {
		self.mu.Unlock()
		return
	}
	self.last[key] = now
	self.mu.Unlock()

	tId := uuid.New().String()
	self.logger.InfoContext(ctx, "audit event",
		"tId", tId,
		"kind", e.Kind,
		"route", e.Route,
		"detail", e.Detail,
	)
}

var _ Sink = &LogSink{}
