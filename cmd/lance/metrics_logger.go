package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nitecon/go-lance/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_tx", snap.FramesTx,
					"frames_rx", snap.FramesRx,
					"acks", snap.Acks,
					"ack_timeouts", snap.AckTimeouts,
					"backpressure", snap.Backpressure,
					"reconnects", snap.Reconnects,
					"batches", snap.Batches,
					"fetches", snap.Fetches,
					"fetch_bytes", snap.FetchBytes,
					"commits", snap.Commits,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
