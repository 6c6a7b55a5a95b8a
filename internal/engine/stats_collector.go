package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pegbridge/pegbridge/internal/store"
)

const statCollectionIntervalDefault = 60 * time.Second

var ErrFailedToRegisterStats = errors.New("failed to register stats collector")

type statsCollector struct {
	logger   *slog.Logger
	store    store.CoordinatorStore
	interval time.Duration

	openDeposits      prometheus.Gauge
	openWithdrawals   prometheus.Gauge
	pendingVotes      prometheus.Gauge
	activeEpochHeight prometheus.Gauge
}

func newStatsCollector(logger *slog.Logger, s store.CoordinatorStore, interval time.Duration) *statsCollector {
	if interval == 0 {
		interval = statCollectionIntervalDefault
	}

	return &statsCollector{
		logger:   logger.With(slog.String("module", "stats")),
		store:    s,
		interval: interval,
		openDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pegbridge_open_deposits_count",
			Help: "Current number of open deposit requests",
		}),
		openWithdrawals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pegbridge_open_withdrawals_count",
			Help: "Current number of open withdrawal requests",
		}),
		pendingVotes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pegbridge_pending_votes_count",
			Help: "Current number of votes on open requests",
		}),
		activeEpochHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pegbridge_active_epoch_height",
			Help: "Activation height of the currently active key epoch",
		}),
	}
}

func (c *statsCollector) start(ctx context.Context, waitGroup *sync.WaitGroup) error {
	err := registerStats(c.openDeposits, c.openWithdrawals, c.pendingVotes, c.activeEpochHeight)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(c.interval)

	waitGroup.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Recovered from panic", "panic", r, slog.String("stacktrace", string(debug.Stack())))
			}
		}()
		defer func() {
			unregisterStats(c.openDeposits, c.openWithdrawals, c.pendingVotes, c.activeEpochHeight)
			waitGroup.Done()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collected, err := c.store.GetStats(ctx)
				if err != nil {
					c.logger.Error("failed to get stats", slog.String("err", err.Error()))
					continue
				}

				c.openDeposits.Set(float64(collected.OpenDeposits))
				c.openWithdrawals.Set(float64(collected.OpenWithdrawals))
				c.pendingVotes.Set(float64(collected.PendingVotes))
				c.activeEpochHeight.Set(float64(collected.ActiveEpochHeight))
			}
		}
	}()

	return nil
}

func registerStats(cs ...prometheus.Collector) error {
	for _, collector := range cs {
		err := prometheus.Register(collector)
		if err != nil {
			return errors.Join(ErrFailedToRegisterStats, err)
		}
	}
	return nil
}

func unregisterStats(cs ...prometheus.Collector) {
	for _, collector := range cs {
		_ = prometheus.Unregister(collector)
	}
}
