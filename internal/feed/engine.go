// Package feed ties the polling scheduler, backoff policy, transport, parser
// and aggregate together behind one engine.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/transitboard-data/internal/archive"
	"github.com/transitboard-data/internal/common/config"
	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/common/metrics"
	"github.com/transitboard-data/internal/feed/aggregator"
	"github.com/transitboard-data/internal/feed/arrival"
	"github.com/transitboard-data/internal/feed/backoff"
	"github.com/transitboard-data/internal/feed/consumer"
	"github.com/transitboard-data/internal/feed/parser"
	"github.com/transitboard-data/internal/feed/scheduler"
)

const DefaultTickInterval = 250 * time.Millisecond

// ArchiveSink takes parsed batches for persistence
type ArchiveSink interface {
	Enqueue(batch archive.Batch) bool
}

// Alerter is notified when polling enters the long recovery wait
type Alerter interface {
	SendRecoveryAlert(ctx context.Context, failures int, wait time.Duration, lastError string) error
}

type Options struct {
	Clock        Clock
	HTTPClient   *http.Client
	Metrics      *metrics.Metrics
	Archive      ArchiveSink
	Alerter      Alerter
	Memory       parser.MemoryGuard
	TickInterval time.Duration
	// RequireClockSync keeps the readiness gate closed until SetClockSynced(true)
	RequireClockSync bool
}

type Engine struct {
	config  config.FeedConfig
	logger  logger.Logger
	clock   Clock
	sources []arrival.Source
	styles  *arrival.StyleTable

	parser     *parser.Parser
	aggregator *aggregator.Aggregator
	policy     *backoff.Policy
	consumer   *consumer.Consumer
	scheduler  *scheduler.Scheduler
	metrics    *metrics.Metrics
	archive    ArchiveSink
	alerter    Alerter

	tickInterval time.Duration

	mu          sync.RWMutex
	isRunning   bool
	cancelFn    context.CancelFunc
	done        chan struct{}
	netReady    bool
	readySince  time.Time
	clockSynced bool
	lastActive  time.Time
	recovering  bool
	lastError   string
}

func NewEngine(cfg config.FeedConfig, opts Options, log logger.Logger) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}

	sources := make([]arrival.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, arrival.Source{Name: s.Name, URL: s.URL})
	}

	styles := arrival.NewStyleTable(cfg.Style.RouteColors, cfg.Style.DirectionColors,
		cfg.Style.DefaultRouteColor, cfg.Style.SeparatorColor, cfg.Style.RailLines)

	e := &Engine{
		config:       cfg,
		logger:       log,
		clock:        opts.Clock,
		sources:      sources,
		styles:       styles,
		metrics:      opts.Metrics,
		archive:      opts.Archive,
		alerter:      opts.Alerter,
		tickInterval: opts.TickInterval,
		clockSynced:  !opts.RequireClockSync,
	}

	e.parser = parser.NewParser(parser.Config{
		MaxBodyBytes:  cfg.MaxResponseBytes,
		MaxRecords:    cfg.MaxRecords,
		MaxETA:        cfg.MaxETA,
		MinFreeMemory: cfg.MinFreeMemoryBytes,
		RouteFilter:   parser.NewRouteFilter(cfg.RouteFilter),
		Styles:        styles,
		Memory:        opts.Memory,
	}, log.With("component", "parser"))

	e.aggregator = aggregator.NewAggregator(cfg.LineCapacity, log.With("component", "aggregator"))

	e.policy = backoff.NewPolicy(backoff.Config{
		Base:         cfg.Backoff.Base,
		Cap:          cfg.Backoff.Cap,
		HighWater:    cfg.Backoff.HighWater,
		RecoveryWait: cfg.Backoff.RecoveryWait,
	})

	e.consumer = consumer.NewConsumer(consumer.Config{
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxResponseBytes,
		ResultBuffer:   len(sources) + 4,
	}, opts.HTTPClient, log.With("component", "consumer"))

	e.scheduler = scheduler.NewScheduler(scheduler.Config{
		PollInterval:       cfg.PollInterval,
		MinDispatchSpacing: cfg.MinDispatchSpacing,
		StuckTimeout:       cfg.StuckTimeout,
		CycleTimeout:       cfg.CycleTimeout,
	}, sources, e.consumer, e.consumer.Results(), e, e, e.policy, log.With("component", "scheduler"))
	e.scheduler.SetObserver(e)

	return e
}

// Start drives Tick from a ticker until ctx is cancelled or Stop is called
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return fmt.Errorf("feed engine is already running")
	}
	if len(e.sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.done = make(chan struct{})
	e.isRunning = true

	go e.loop(ctx, e.done)

	e.logger.Info("Feed engine started", "sources", len(e.sources), "tick", e.tickInterval)
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.logger.Info("Stopping feed engine")
	e.cancelFn()
	done := e.done
	e.isRunning = false
	e.mu.Unlock()

	<-done
	e.logger.Info("Feed engine stopped")
}

func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx, e.clock.Now())
		}
	}
}

// Tick runs one bounded step: scheduler work, the active-window refresh
// when due, and backoff bookkeeping.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.scheduler.Tick(ctx, now)

	e.mu.Lock()
	activeDue := e.lastActive.IsZero() || now.Sub(e.lastActive) >= e.config.ActiveInterval
	if activeDue {
		e.lastActive = now
	}
	e.mu.Unlock()

	if activeDue {
		n := e.aggregator.RecomputeActive(now, e.config.ActiveWindow)
		e.metrics.ActiveLines.Set(float64(n))
	}

	e.metrics.SetBackoff(e.policy.Failures(), e.policy.CurrentWait())
	e.checkRecovery(ctx)
}

// HandleResult parses and ingests one completed fetch. It reports whether
// the response counts as a success for the backoff policy.
func (e *Engine) HandleResult(res consumer.Result, now time.Time) bool {
	src := res.Source.Name

	if !res.OK() {
		e.metrics.ObserveFetch(src, res.Kind.String(), res.Duration)
		e.setLastError(res.Err)
		e.logger.Warn("Feed fetch failed",
			"source", src,
			"kind", res.Kind.String(),
			"status", res.StatusCode,
			"error", res.Err)
		return false
	}

	parsed := e.parser.ParseDetailed(res.Body)
	if !parsed.OK() {
		e.metrics.ObserveFetch(src, "parse_error", res.Duration)
		e.setLastError(parsed.Err)
		e.logger.Warn("Feed response rejected", "source", src, "error", parsed.Err)
		return false
	}

	e.metrics.ObserveFetch(src, "ok", res.Duration)

	if len(parsed.Records) == 0 {
		e.aggregator.Purge(now)
	} else {
		refs := e.aggregator.IngestResponse(src, parsed.Records, now)
		e.logger.Debug("Ingested response",
			"source", src,
			"records", len(parsed.Records),
			"references", refs,
			"not_modified", res.NotModified)
	}
	e.metrics.ObserveParse(src, parsed.Skipped, parsed.Dropped, len(parsed.Records))

	if e.archive != nil && !res.NotModified {
		if !e.archive.Enqueue(archive.Batch{Source: src, FetchedAt: res.FetchedAt, Records: parsed.Records}) {
			e.metrics.ArchiveDropped.Inc()
		}
	}

	e.aggregator.DebugLog(e.logger, now)
	return true
}

// Ready is the readiness gate: network up for at least the stabilization
// delay and a trustworthy clock.
func (e *Engine) Ready(now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.netReady || !e.clockSynced {
		return false
	}
	return now.Sub(e.readySince) >= e.config.StabilizationDelay
}

// SetConnectivity records a network transition observed at at
func (e *Engine) SetConnectivity(ready bool, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ready && !e.netReady {
		e.readySince = at
	}
	e.netReady = ready
}

func (e *Engine) SetClockSynced(synced bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clockSynced = synced
}

func (e *Engine) CycleStarted(id string, _ time.Time) {
	e.metrics.Cycles.WithLabelValues("started").Inc()
}

func (e *Engine) CycleFinished(id string, failed int, elapsed time.Duration) {
	result := "ok"
	if failed > 0 {
		result = "partial"
		if failed == len(e.sources) {
			result = "failed"
		}
	}
	e.metrics.Cycles.WithLabelValues(result).Inc()
}

func (e *Engine) CycleStuck(id string, elapsed time.Duration) {
	e.metrics.Cycles.WithLabelValues("stuck").Inc()
	e.setLastError(fmt.Errorf("cycle %s stuck after %s", id, elapsed))
}

func (e *Engine) checkRecovery(ctx context.Context) {
	recovering := e.policy.Recovering()

	e.mu.Lock()
	entered := recovering && !e.recovering
	e.recovering = recovering
	lastError := e.lastError
	e.mu.Unlock()

	if !entered {
		return
	}

	failures, wait := e.policy.Failures(), e.policy.CurrentWait()
	e.logger.Error("Polling entered recovery wait", "failures", failures, "wait", wait, "last_error", lastError)
	if e.alerter == nil {
		return
	}
	go func() {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.alerter.SendRecoveryAlert(alertCtx, failures, wait, lastError); err != nil {
			e.logger.Warn("Failed to send recovery alert", "error", err)
		}
	}()
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

// StartCycle begins a cycle now, bypassing the poll interval
func (e *Engine) StartCycle(ctx context.Context) error {
	return e.scheduler.StartCycle(ctx, e.clock.Now())
}

func (e *Engine) Refresh(force bool) {
	e.scheduler.Refresh(force)
}

// Running reports whether a polling cycle is in progress
func (e *Engine) Running() bool {
	return e.scheduler.Running()
}

func (e *Engine) Lines() map[string][]*arrival.Record {
	return e.aggregator.Lines()
}

func (e *Engine) Line(name string) []*arrival.Record {
	return e.aggregator.Line(name)
}

func (e *Engine) References() map[string][]arrival.Record {
	return e.aggregator.References()
}

func (e *Engine) IsLineActive(line string) bool {
	return e.aggregator.IsLineActive(line)
}

func (e *Engine) NumActive() int {
	return e.aggregator.NumActive()
}

func (e *Engine) Snapshot() aggregator.Snapshot {
	return e.aggregator.Snapshot()
}

func (e *Engine) RouteColor(line string) string {
	return e.styles.RouteColor(line)
}

func (e *Engine) DirectionColor(direction string) string {
	return e.styles.DirectionColor(direction)
}

func (e *Engine) SeparatorColor() string {
	return e.styles.SeparatorColor
}

func (e *Engine) IsRail(line string) bool {
	return e.styles.IsRail(line)
}

// Metrics exposes the engine's instruments for the HTTP server
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

type Status struct {
	Scheduler   scheduler.Status `json:"scheduler"`
	Ready       bool             `json:"ready"`
	Failures    int              `json:"failures"`
	Wait        time.Duration    `json:"wait_ns"`
	Recovering  bool             `json:"recovering"`
	LastError   string           `json:"last_error,omitempty"`
	ActiveLines int              `json:"active_lines"`
	Records     int              `json:"records"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (e *Engine) Status() Status {
	now := e.clock.Now()
	e.mu.RLock()
	lastError := e.lastError
	e.mu.RUnlock()

	return Status{
		Scheduler:   e.scheduler.Status(),
		Ready:       e.Ready(now),
		Failures:    e.policy.Failures(),
		Wait:        e.policy.CurrentWait(),
		Recovering:  e.policy.Recovering(),
		LastError:   lastError,
		ActiveLines: e.aggregator.NumActive(),
		Records:     e.aggregator.RecordCount(),
		UpdatedAt:   e.aggregator.UpdatedAt(),
	}
}

// LogConfig writes the effective feed settings at info level
func (e *Engine) LogConfig() {
	e.logger.Info("Feed configuration",
		"poll_interval", e.config.PollInterval,
		"min_dispatch_spacing", e.config.MinDispatchSpacing,
		"stuck_timeout", e.config.StuckTimeout,
		"cycle_timeout", e.config.CycleTimeout,
		"active_window", e.config.ActiveWindow,
		"max_eta", e.config.MaxETA,
		"max_response_bytes", e.config.MaxResponseBytes,
		"max_records", e.config.MaxRecords,
		"line_capacity", e.config.LineCapacity,
		"backoff_base", e.config.Backoff.Base,
		"backoff_cap", e.config.Backoff.Cap,
		"route_filter", e.config.RouteFilter)
	for _, s := range e.sources {
		e.logger.Info("Feed source", "name", s.Name, "url", s.URL)
	}
}
