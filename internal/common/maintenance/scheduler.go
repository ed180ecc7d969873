package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/transitboard-data/internal/common/logger"
)

// Cleaner is the storage side of a retention pass
type Cleaner interface {
	PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

// CleanupScheduler handles periodic archive retention
type CleanupScheduler struct {
	cleaner    Cleaner
	logger     logger.Logger
	config     SchedulerConfig
	isRunning  bool
	mu         sync.RWMutex
	cancelFn   context.CancelFunc
	lastResult *CleanupResult
	now        func() time.Time
}

// SchedulerConfig contains configuration for the cleanup scheduler
type SchedulerConfig struct {
	CleanupInterval time.Duration // How often to purge the archive
	Retention       time.Duration // How long archived arrivals are kept
	InitialDelay    time.Duration // Delay before the first pass after startup
	VacuumAfter     bool          // Whether to VACUUM after a pass that deleted rows
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CleanupInterval: time.Hour,
		Retention:       24 * time.Hour,
		InitialDelay:    time.Minute,
		VacuumAfter:     true,
	}
}

// NewCleanupScheduler creates a new cleanup scheduler
func NewCleanupScheduler(cleaner Cleaner, logger logger.Logger, config SchedulerConfig) *CleanupScheduler {
	return &CleanupScheduler{
		cleaner: cleaner,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// Start begins the cleanup scheduling
func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("cleanup scheduler is already running")
	}
	if s.config.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.isRunning = true

	s.logger.Info("Starting cleanup scheduler",
		"interval", s.config.CleanupInterval,
		"retention", s.config.Retention)

	go s.cleanupLoop(ctx)

	return nil
}

// Stop stops the cleanup scheduler
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.logger.Info("Stopping cleanup scheduler")

	if s.cancelFn != nil {
		s.cancelFn()
	}

	s.isRunning = false
	s.logger.Info("Cleanup scheduler stopped")
}

// IsRunning returns whether the scheduler is active
func (s *CleanupScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *CleanupScheduler) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	initialDelay := time.NewTimer(s.config.InitialDelay)
	defer initialDelay.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup loop stopping")
			return

		case <-initialDelay.C:
			s.performCleanup(ctx)

		case <-ticker.C:
			s.performCleanup(ctx)
		}
	}
}

func (s *CleanupScheduler) performCleanup(ctx context.Context) CleanupResult {
	start := s.now()
	result := CleanupResult{Cutoff: start.Add(-s.config.Retention)}

	deleted, err := s.cleaner.PurgeArchive(ctx, result.Cutoff)
	result.Duration = s.now().Sub(start)

	if err != nil {
		result.Error = err.Error()
		s.logger.Error("Archive cleanup failed", "error", err, "duration", result.Duration)
	} else {
		result.Success = true
		result.RecordsDeleted = deleted
		s.logger.Info("Archive cleanup completed",
			"records_deleted", deleted,
			"duration", result.Duration)

		if deleted > 0 && s.config.VacuumAfter {
			if err := s.cleaner.Vacuum(ctx); err != nil {
				s.logger.Warn("Failed to vacuum after cleanup", "error", err)
			}
		}
	}

	s.mu.Lock()
	s.lastResult = &result
	s.mu.Unlock()

	return result
}

// TriggerCleanup runs one retention pass immediately
func (s *CleanupScheduler) TriggerCleanup(ctx context.Context) error {
	s.logger.Info("Manual archive cleanup triggered")
	result := s.performCleanup(ctx)
	if !result.Success {
		return fmt.Errorf("archive cleanup: %s", result.Error)
	}
	return nil
}

// GetStatus returns the current status of the cleanup scheduler
func (s *CleanupScheduler) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]interface{}{
		"is_running": s.isRunning,
		"interval":   s.config.CleanupInterval.String(),
		"retention":  s.config.Retention.String(),
	}
	if s.lastResult != nil {
		status["last_result"] = *s.lastResult
	}
	return status
}
