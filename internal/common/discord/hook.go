package discord

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultHookInterval = time.Minute
	DefaultHookBurst    = 5
)

// LogHook mirrors log events at or above minLevel to the webhook. Sends run
// in their own goroutine and are rate limited; events over the limit are
// counted and dropped.
type LogHook struct {
	client   *Client
	minLevel zerolog.Level
	limiter  *rate.Limiter
	dropped  atomic.Uint64
	pending  sync.WaitGroup
}

// NewLogHook allows one message per interval with bursts of up to burst.
// Non-positive values take the defaults.
func NewLogHook(client *Client, minLevel zerolog.Level, interval time.Duration, burst int) *LogHook {
	if interval <= 0 {
		interval = DefaultHookInterval
	}
	if burst <= 0 {
		burst = DefaultHookBurst
	}
	return &LogHook{
		client:   client,
		minLevel: minLevel,
		limiter:  rate.NewLimiter(rate.Every(interval), burst),
	}
}

func (h *LogHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if !h.client.Enabled() || level < h.minLevel || level == zerolog.NoLevel {
		return
	}
	if !h.limiter.Allow() {
		h.dropped.Add(1)
		return
	}

	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.client.SendLogMessage(ctx, strings.ToUpper(level.String()), msg, nil)
	}()
}

// Dropped is the number of events suppressed by the rate limit
func (h *LogHook) Dropped() uint64 {
	return h.dropped.Load()
}

// Wait blocks until in-flight sends finish
func (h *LogHook) Wait() {
	h.pending.Wait()
}
