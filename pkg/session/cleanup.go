package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultPruneInterval = 24 * time.Hour
)

// Cleanup periodically deletes idle, unpinned sessions that have not been
// touched within the retention window.
type Cleanup struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewCleanup creates a cleanup loop. Zero durations use the defaults.
func NewCleanup(store *Store, retention, interval time.Duration, logger zerolog.Logger) *Cleanup {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Cleanup{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Start runs one pass immediately and then one per interval.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running = true
	go c.run(c.stopCh, c.doneCh)

	c.logger.Info().Dur("retention", c.retention).Msg("Session cleanup started")
	return nil
}

// Stop ends the loop and waits for an in-flight pass.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is not running")
	}
	close(c.stopCh)
	done := c.doneCh
	c.running = false
	c.mu.Unlock()

	<-done
	c.logger.Info().Msg("Session cleanup stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CleanupNow runs one pass and returns the number of deleted sessions.
func (c *Cleanup) CleanupNow(ctx context.Context) (int64, error) {
	deleted, err := c.store.PruneSessions(ctx, time.Now().Add(-c.retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		c.logger.Info().Int64("deleted", deleted).Msg("Cleaned up old sessions")
	}
	return deleted, nil
}

func (c *Cleanup) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.CleanupNow(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("Failed to cleanup old sessions")
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}
