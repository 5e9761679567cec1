/*
scheduler.go - Exchange rate staleness monitor

PURPOSE:
  Sales, payments and transfers all refuse to run without an exchange
  rate, and a rate left unchanged for days usually means nobody updated
  it. This background job checks the active rate periodically, exports
  its age as a gauge and warns when it is missing or older than MaxAge.
  It never writes.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Checks once immediately on start
  - Stop waits for the goroutine to exit

CONFIGURATION:
  - CheckInterval: How often to check (RATE_CHECK_INTERVAL, default 5m)
  - MaxAge: Age after which the rate counts as stale (RATE_MAX_AGE, default 24h)

USAGE:
  monitor := NewRateMonitor(services.Rates, cfg.RateMonitor, clock, log, m)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - ledger/rate.go: RateProvider
  - metrics/metrics.go: exchange_rate_age_seconds
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/van-ledger/config"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/logging"
	"github.com/warp/van-ledger/metrics"
	"go.uber.org/zap"
)

// RateReader is the part of ledger.RateProvider the monitor needs.
type RateReader interface {
	Current(ctx context.Context) (core.Rate, error)
}

// RateStatus is the outcome of one check.
type RateStatus struct {
	Configured bool
	Rate       core.Rate
	Age        time.Duration
	Stale      bool
	CheckedAt  time.Time
}

// RateMonitor periodically checks the active exchange rate.
type RateMonitor struct {
	Rates         RateReader
	CheckInterval time.Duration
	MaxAge        time.Duration

	clock   core.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   RateStatus
}

// NewRateMonitor creates a monitor. A zero interval leaves it disabled.
func NewRateMonitor(rates RateReader, cfg config.RateMonitorConfig, clock core.Clock, log *zap.Logger, m *metrics.Metrics) *RateMonitor {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &RateMonitor{
		Rates:         rates,
		CheckInterval: cfg.Interval,
		MaxAge:        cfg.MaxAge,
		clock:         clock,
		log:           logging.OrNop(log).Named("rate-monitor"),
		metrics:       m,
	}
}

// Start begins the periodic check.
func (rm *RateMonitor) Start() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.CheckInterval <= 0 {
		rm.log.Info("disabled, not starting")
		return
	}
	if rm.ticker != nil {
		return
	}

	rm.ticker = time.NewTicker(rm.CheckInterval)
	rm.stop = make(chan struct{})
	rm.wg.Add(1)
	go rm.run(rm.ticker, rm.stop)

	rm.log.Info("started", zap.Duration("interval", rm.CheckInterval), zap.Duration("max_age", rm.MaxAge))
}

// Stop stops the monitor and waits for an in-flight check.
func (rm *RateMonitor) Stop() {
	rm.mu.Lock()
	if rm.ticker == nil {
		rm.mu.Unlock()
		return
	}
	rm.ticker.Stop()
	close(rm.stop)
	rm.ticker = nil
	rm.mu.Unlock()

	rm.wg.Wait()
	rm.log.Info("stopped")
}

func (rm *RateMonitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rm.wg.Done()

	rm.Check(context.Background())
	for {
		select {
		case <-ticker.C:
			rm.Check(context.Background())
		case <-stop:
			return
		}
	}
}

// Check reads the active rate once, updates the gauge and logs problems.
func (rm *RateMonitor) Check(ctx context.Context) RateStatus {
	now := rm.clock.Now()
	status := RateStatus{CheckedAt: now}

	rate, err := rm.Rates.Current(ctx)
	switch {
	case errors.Is(err, core.ErrConfiguration):
		rm.metrics.RateAge(0, false)
		rm.log.Warn("no exchange rate configured; sales and transfers are blocked")
	case err != nil:
		rm.log.Error("rate check failed", zap.Error(err))
		return status
	default:
		status.Configured = true
		status.Rate = rate
		status.Age = now.Sub(rate.EffectiveDate)
		status.Stale = rm.MaxAge > 0 && status.Age > rm.MaxAge
		rm.metrics.RateAge(status.Age, true)
		if status.Stale {
			rm.log.Warn("exchange rate is stale",
				zap.String("rate_id", string(rate.ID)),
				zap.String("lbp_per_usd", rate.LBPPerUSD.String()),
				zap.Duration("age", status.Age),
				zap.Duration("max_age", rm.MaxAge))
		}
	}

	rm.mu.Lock()
	rm.last = status
	rm.mu.Unlock()
	return status
}

// LastStatus returns the result of the most recent check.
func (rm *RateMonitor) LastStatus() RateStatus {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.last
}
