package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultReapInterval = 30 * time.Second

// CallReaper closes calls that exceed the maximum call duration
type CallReaper struct {
	hub         *Hub
	maxDuration time.Duration
	interval    time.Duration
	logger      *zap.Logger
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewCallReaper creates a new call reaper. maxDuration must be positive.
func NewCallReaper(hub *Hub, maxDuration time.Duration, logger *zap.Logger) *CallReaper {
	interval := defaultReapInterval
	if maxDuration/4 < interval {
		interval = maxDuration / 4
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	return &CallReaper{
		hub:         hub,
		maxDuration: maxDuration,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the background reaping process
func (r *CallReaper) Start() {
	go r.reapLoop()
	r.logger.Info("Call reaper started",
		zap.Duration("maxCallDuration", r.maxDuration),
		zap.Duration("interval", r.interval))
}

// Stop gracefully stops the reaper
func (r *CallReaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.logger.Info("Call reaper stopped")
	})
}

// reapLoop runs the reaper periodically
func (r *CallReaper) reapLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap closes every call older than the maximum duration. It returns the
// number of calls closed.
func (r *CallReaper) reap() int {
	closed := 0
	for _, b := range r.hub.snapshot() {
		if d := b.duration(); d > r.maxDuration {
			r.logger.Warn("Closing call that exceeded the maximum duration",
				zap.String("callID", b.callID()),
				zap.Duration("duration", d))
			b.close(ReasonMaxDuration)
			closed++
		}
	}
	return closed
}
