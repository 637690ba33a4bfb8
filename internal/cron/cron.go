// Package cron runs the server's periodic housekeeping.
package cron

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Cleaner drops expired entries and reports how many it removed.
type Cleaner interface {
	Cleanup() int
}

// Counter reports a gauge, such as live connections.
type Counter interface {
	ClientCount() int
}

// Start schedules the hourly jobs and returns the running scheduler.
// Call Stop on it during shutdown.
func Start(limiter Cleaner, conns Counter, logger *zap.Logger) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.Local)

	if _, err := s.Every(1).Hour().Do(cleanupRateLimits, limiter, logger); err != nil {
		return nil, err
	}
	if _, err := s.Every(1).Hour().Do(reportConnections, conns, logger); err != nil {
		return nil, err
	}
	s.StartAsync()
	return s, nil
}

func cleanupRateLimits(limiter Cleaner, logger *zap.Logger) {
	removed := limiter.Cleanup()
	logger.Debug("rate limit cleanup", zap.Int("removed", removed))
}

func reportConnections(conns Counter, logger *zap.Logger) {
	logger.Info("websocket connections", zap.Int("clients", conns.ClientCount()))
}
