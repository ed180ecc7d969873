// Package connectivity decides whether the network is usable and reports
// transitions to the feed engine.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/transitboard-data/internal/common/logger"
)

// Sink receives readiness transitions
type Sink interface {
	SetConnectivity(ready bool, at time.Time)
}

// Dialer opens the probe connection
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	// Probe is a host:port dialled over TCP; empty means always ready
	Probe    string
	Interval time.Duration
	Timeout  time.Duration
}

type Watcher struct {
	config    Config
	sink      Sink
	dialer    Dialer
	logger    logger.Logger
	mu        sync.RWMutex
	ready     bool
	known     bool
	isRunning bool
	cancelFn  context.CancelFunc
}

func NewWatcher(cfg Config, sink Sink, log logger.Logger) *Watcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Watcher{
		config: cfg,
		sink:   sink,
		dialer: &net.Dialer{},
		logger: log,
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("connectivity watcher is already running")
	}

	if w.config.Probe == "" {
		w.logger.Info("No connectivity probe configured, network assumed ready")
		w.ready, w.known = true, true
		w.sink.SetConnectivity(true, time.Now())
		return nil
	}
	if w.config.Interval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFn = cancel
	w.isRunning = true

	w.logger.Info("Starting connectivity watcher", "probe", w.config.Probe, "interval", w.config.Interval)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return
	}
	w.cancelFn()
	w.isRunning = false
}

// Ready is the last observed state
func (w *Watcher) Ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ready
}

// Check probes once and reports a transition to the sink if the state changed
func (w *Watcher) Check(ctx context.Context, now time.Time) bool {
	ready := w.probe(ctx)

	w.mu.Lock()
	changed := !w.known || ready != w.ready
	w.ready, w.known = ready, true
	w.mu.Unlock()

	if changed {
		if ready {
			w.logger.Info("Network connectivity established", "probe", w.config.Probe)
		} else {
			w.logger.Warn("Network connectivity lost", "probe", w.config.Probe)
		}
		w.sink.SetConnectivity(ready, now)
	}
	return ready
}

func (w *Watcher) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	conn, err := w.dialer.DialContext(ctx, "tcp", w.config.Probe)
	if err != nil {
		w.logger.Debug("Connectivity probe failed", "probe", w.config.Probe, "error", err)
		return false
	}
	conn.Close()
	return true
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.Check(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx, time.Now())
		}
	}
}
