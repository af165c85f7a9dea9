package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runTicker calls tick every interval until ctx is done. A failed tick is
// logged and the loop keeps going.
func runTicker(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("timer started", zap.String("timer", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("timer stopped", zap.String("timer", name))
			return nil
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				logger.Warn("timer tick failed", zap.String("timer", name), zap.Error(err))
			}
		}
	}
}
