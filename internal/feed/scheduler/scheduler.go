package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed/arrival"
	"github.com/transitboard-data/internal/feed/backoff"
	"github.com/transitboard-data/internal/feed/consumer"
)

const (
	StateIdle        = "idle"
	StateDispatching = "dispatching"
	StateAwaiting    = "awaiting_response"
	StateStuck       = "stuck"

	eventStart    = "start"
	eventSent     = "sent"
	eventReceived = "received"
	eventComplete = "complete"
	eventTimeout  = "timeout"
	eventReset    = "reset"
)

var ErrCycleRunning = errors.New("a polling cycle is already running")

// Dispatcher starts a non-blocking request whose result arrives later on
// the results channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, seq uint64, src arrival.Source) error
}

// Handler consumes a completed fetch and reports whether it was usable
type Handler interface {
	HandleResult(res consumer.Result, now time.Time) bool
}

// Gate reports whether the environment allows requests at now. A closed
// gate defers work without counting as a failure.
type Gate interface {
	Ready(now time.Time) bool
}

// Observer is told about cycle boundaries
type Observer interface {
	CycleStarted(id string, now time.Time)
	CycleFinished(id string, failed int, elapsed time.Duration)
	CycleStuck(id string, elapsed time.Duration)
}

type Config struct {
	PollInterval       time.Duration
	MinDispatchSpacing time.Duration
	// StuckTimeout bounds the time without progress inside a cycle
	StuckTimeout time.Duration
	// CycleTimeout bounds a whole cycle, excluding time deferred by the gate.
	// Zero means StuckTimeout per source.
	CycleTimeout time.Duration
}

type Status struct {
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	CycleID      string    `json:"cycle_id,omitempty"`
	NextSource   int       `json:"next_source"`
	NextCycle    time.Time `json:"next_cycle"`
	LastComplete time.Time `json:"last_complete"`
}

// Scheduler walks the configured sources one request at a time. Tick does a
// bounded amount of work and never waits on the network.
type Scheduler struct {
	config     Config
	sources    []arrival.Source
	dispatcher Dispatcher
	handler    Handler
	gate       Gate
	policy     *backoff.Policy
	observer   Observer
	results    <-chan consumer.Result
	logger     logger.Logger

	mu           sync.Mutex
	fsm          *fsm.FSM
	limiter      *rate.Limiter
	running      bool
	cycleID      string
	cycleStart   time.Time
	progressAt   time.Time
	gateClosedAt time.Time
	cycleFailed  int
	index        int
	seq          uint64
	nextCycle    time.Time
	lastComplete time.Time
	refresh      bool
	force        bool
}

func NewScheduler(cfg Config, sources []arrival.Source, dispatcher Dispatcher, results <-chan consumer.Result,
	handler Handler, gate Gate, policy *backoff.Policy, log logger.Logger) *Scheduler {
	s := &Scheduler{
		config:     cfg,
		sources:    sources,
		dispatcher: dispatcher,
		handler:    handler,
		gate:       gate,
		policy:     policy,
		results:    results,
		logger:     log,
		limiter:    rate.NewLimiter(rate.Every(cfg.MinDispatchSpacing), 1),
	}
	if s.config.CycleTimeout <= 0 {
		s.config.CycleTimeout = cfg.StuckTimeout * time.Duration(max(len(sources), 1))
	}

	s.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateDispatching},
			{Name: eventSent, Src: []string{StateDispatching}, Dst: StateAwaiting},
			{Name: eventReceived, Src: []string{StateAwaiting}, Dst: StateDispatching},
			{Name: eventComplete, Src: []string{StateDispatching, StateAwaiting}, Dst: StateIdle},
			{Name: eventTimeout, Src: []string{StateDispatching, StateAwaiting}, Dst: StateStuck},
			{Name: eventReset, Src: []string{StateStuck}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("Scheduler state change", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)

	return s
}

// SetObserver registers cycle callbacks
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Tick advances the scheduler by one step: it drains completed results,
// checks for a stuck cycle and starts at most one request.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainResults(ctx, now)
	s.checkStuck(ctx, now)

	switch s.fsm.Current() {
	case StateIdle:
		if !s.cycleDue(now) {
			return
		}
		if !s.gate.Ready(now) {
			return
		}
		if !s.force && !s.policy.MayDispatch(now) {
			return
		}
		if err := s.startCycle(ctx, now); err != nil {
			s.logger.Warn("Failed to start polling cycle", "error", err)
			return
		}
		s.dispatchNext(ctx, now)
	case StateDispatching:
		s.dispatchNext(ctx, now)
	}
}

// StartCycle begins a new pass over every source at now
func (s *Scheduler) StartCycle(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCycle(ctx, now)
}

// Refresh makes the next cycle due immediately. With force the backoff
// wait is ignored for that cycle as well.
func (s *Scheduler) Refresh(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = true
	if force {
		s.force = true
	}
}

// Running reports whether a cycle is in progress
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State is the current FSM state
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.fsm.Current(),
		Running:      s.running,
		CycleID:      s.cycleID,
		NextSource:   s.index,
		NextCycle:    s.nextCycle,
		LastComplete: s.lastComplete,
	}
}

func (s *Scheduler) cycleDue(now time.Time) bool {
	return s.refresh || s.force || !now.Before(s.nextCycle)
}

func (s *Scheduler) startCycle(ctx context.Context, now time.Time) error {
	if s.running {
		s.logger.Warn("Polling cycle start requested while one is running", "cycle", s.cycleID)
		return ErrCycleRunning
	}
	if err := s.fsm.Event(ctx, eventStart); err != nil {
		return err
	}

	s.running = true
	s.cycleID = uuid.NewString()
	s.cycleStart = now
	s.progressAt = now
	s.gateClosedAt = time.Time{}
	s.cycleFailed = 0
	s.index = 0
	s.refresh = false
	s.force = false

	s.logger.Info("Starting polling cycle", "cycle", s.cycleID, "sources", len(s.sources))
	if s.observer != nil {
		s.observer.CycleStarted(s.cycleID, now)
	}
	return nil
}

func (s *Scheduler) dispatchNext(ctx context.Context, now time.Time) {
	if s.index >= len(s.sources) {
		s.finishCycle(ctx, now)
		return
	}
	if !s.gate.Ready(now) {
		// a closed gate is a deferral, not a stall
		if s.gateClosedAt.IsZero() {
			s.gateClosedAt = now
		}
		s.progressAt = now
		return
	}
	if !s.gateClosedAt.IsZero() {
		s.cycleStart = s.cycleStart.Add(now.Sub(s.gateClosedAt))
		s.gateClosedAt = time.Time{}
	}
	if !s.limiter.AllowN(now, 1) {
		return
	}

	src := s.sources[s.index]
	s.seq++
	s.progressAt = now
	if err := s.dispatcher.Dispatch(ctx, s.seq, src); err != nil {
		s.logger.Warn("Failed to dispatch request", "source", src.Name, "error", err)
		s.cycleFailed++
		s.index++
		if s.index >= len(s.sources) {
			s.finishCycle(ctx, now)
		}
		return
	}

	s.logger.Debug("Dispatched request", "source", src.Name, "seq", s.seq)
	if err := s.fsm.Event(ctx, eventSent); err != nil {
		s.logger.Error("Scheduler transition failed", "event", eventSent, "error", err)
	}
}

func (s *Scheduler) drainResults(ctx context.Context, now time.Time) {
	for {
		select {
		case res := <-s.results:
			s.handleResult(ctx, res, now)
		default:
			return
		}
	}
}

func (s *Scheduler) handleResult(ctx context.Context, res consumer.Result, now time.Time) {
	if res.Seq != s.seq || s.fsm.Current() != StateAwaiting {
		s.logger.Debug("Ignoring stale result", "source", res.Source.Name, "seq", res.Seq, "current_seq", s.seq)
		return
	}

	if !s.handler.HandleResult(res, now) {
		s.cycleFailed++
	}

	s.progressAt = now
	s.index++
	if s.index >= len(s.sources) {
		s.finishCycle(ctx, now)
		return
	}
	if err := s.fsm.Event(ctx, eventReceived); err != nil {
		s.logger.Error("Scheduler transition failed", "event", eventReceived, "error", err)
	}
}

func (s *Scheduler) finishCycle(ctx context.Context, now time.Time) {
	if err := s.fsm.Event(ctx, eventComplete); err != nil {
		s.logger.Error("Scheduler transition failed", "event", eventComplete, "error", err)
	}

	elapsed := now.Sub(s.cycleStart)
	s.running = false
	s.lastComplete = now
	// one backoff outcome per cycle, so a healthy source cannot clear a
	// failing sibling's strike
	if s.cycleFailed > 0 {
		s.policy.RecordFailure(now)
		// the backoff policy decides when the retry goes out
		s.nextCycle = now
	} else {
		s.policy.RecordSuccess()
		s.nextCycle = now.Add(s.config.PollInterval)
	}

	s.logger.Info("Polling cycle complete",
		"cycle", s.cycleID,
		"failed", s.cycleFailed,
		"elapsed", elapsed,
		"next_cycle", s.nextCycle)
	if s.observer != nil {
		s.observer.CycleFinished(s.cycleID, s.cycleFailed, elapsed)
	}
}

func (s *Scheduler) checkStuck(ctx context.Context, now time.Time) {
	state := s.fsm.Current()
	if state != StateDispatching && state != StateAwaiting {
		return
	}
	elapsed := s.activeElapsed(now)
	if now.Sub(s.progressAt) <= s.config.StuckTimeout && elapsed <= s.config.CycleTimeout {
		return
	}

	if err := s.fsm.Event(ctx, eventTimeout); err != nil {
		s.logger.Error("Scheduler transition failed", "event", eventTimeout, "error", err)
		return
	}
	s.logger.Warn("Polling cycle stuck, resetting",
		"cycle", s.cycleID,
		"elapsed", elapsed,
		"since_progress", now.Sub(s.progressAt),
		"source_index", s.index)

	s.policy.RecordFailure(now)
	// late results for the abandoned request are ignored
	s.seq++
	s.running = false
	s.index = 0
	s.nextCycle = now
	if s.observer != nil {
		s.observer.CycleStuck(s.cycleID, elapsed)
	}

	if err := s.fsm.Event(ctx, eventReset); err != nil {
		s.logger.Error("Scheduler transition failed", "event", eventReset, "error", err)
	}
}

// activeElapsed is the cycle's age minus any time spent behind a closed gate
func (s *Scheduler) activeElapsed(now time.Time) time.Duration {
	elapsed := now.Sub(s.cycleStart)
	if !s.gateClosedAt.IsZero() {
		elapsed -= now.Sub(s.gateClosedAt)
	}
	return elapsed
}
