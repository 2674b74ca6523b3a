// Package fleet provides the egress daemon's multi-client registry: a
// CPU-aware admission-control guard and a Manager that ticks a
// fleet of egress.ClientEgress instances.
package fleet

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/odinsim/egress/internal/metrics"
)

// GuardConfig carries the static thresholds ResourceGuard enforces.
type GuardConfig struct {
	MaxClients           int
	CPURejectThreshold   float64 // percent; reject new connections above this
	CPUPauseThreshold    float64 // percent; pause producer notifications above this
	MaxConnectRate       int     // connect attempts/sec
	MaxProduceNotifyRate int     // queue-empty notifications/sec
}

// ResourceGuard enforces static admission-control limits: a hard
// connection cap, container-aware CPU emergency brakes, and rate
// limiters for connection attempts and producer-notify dispatch.
// Unlike AdaptiveTokenBucket, the guard never auto-tunes its
// thresholds — it's a deterministic safety valve around the fleet,
// not a per-client congestion controller.
type ResourceGuard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	connectLimiter *rate.Limiter
	notifyLimiter  *rate.Limiter

	currentClients int64 // atomic
	currentCPU     atomic.Int64 // CPU percent * 100, for lock-free float storage
}

// NewResourceGuard builds a guard against the given static config.
func NewResourceGuard(cfg GuardConfig, logger zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{
		cfg:            cfg,
		logger:         logger,
		connectLimiter: rate.NewLimiter(rate.Limit(cfg.MaxConnectRate), cfg.MaxConnectRate*2),
		notifyLimiter:  rate.NewLimiter(rate.Limit(cfg.MaxProduceNotifyRate), cfg.MaxProduceNotifyRate*2),
	}
}

// SampleCPU updates the guard's view of current CPU load. Call
// periodically from a background sampler (ResourceGuard.RunCPUSampler).
func (rg *ResourceGuard) SampleCPU(ctx context.Context) error {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("sample cpu: %w", err)
	}
	if len(percents) == 0 {
		return nil
	}
	rg.currentCPU.Store(int64(percents[0] * 100))
	metrics.FleetCPUPercent.Set(percents[0])
	return nil
}

func (rg *ResourceGuard) cpuPercent() float64 {
	return float64(rg.currentCPU.Load()) / 100
}

// ShouldAcceptConnection reports whether a new client may be admitted.
// Checks, in order: hard client cap, CPU emergency brake, connect-rate
// limiter.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	current := atomic.LoadInt64(&rg.currentClients)
	if current >= int64(rg.cfg.MaxClients) {
		metrics.FleetRejectedConnects.WithLabelValues("at_max_clients").Inc()
		return false, fmt.Sprintf("at max clients (%d)", rg.cfg.MaxClients)
	}
	if cpuPct := rg.cpuPercent(); cpuPct > rg.cfg.CPURejectThreshold {
		metrics.FleetRejectedConnects.WithLabelValues("cpu_overload").Inc()
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, rg.cfg.CPURejectThreshold)
	}
	if !rg.connectLimiter.Allow() {
		metrics.FleetRejectedConnects.WithLabelValues("connect_rate_limited").Inc()
		return false, "connect rate limited"
	}
	return true, "OK"
}

// ShouldPauseProducerNotify reports whether CPU pressure is high
// enough that producer-notify dispatch (the queue-empty callback's
// eventual publish onto the producer bus) should pause.
func (rg *ResourceGuard) ShouldPauseProducerNotify() bool {
	return rg.cpuPercent() > rg.cfg.CPUPauseThreshold
}

// AllowProducerNotify applies the notify-rate limiter.
func (rg *ResourceGuard) AllowProducerNotify() bool {
	return rg.notifyLimiter.Allow()
}

// NoteClientAdded/NoteClientRemoved track the live client count the
// accept check compares against MaxClients.
func (rg *ResourceGuard) NoteClientAdded()   { atomic.AddInt64(&rg.currentClients, 1) }
func (rg *ResourceGuard) NoteClientRemoved() { atomic.AddInt64(&rg.currentClients, -1) }

// CurrentClients returns the live client count.
func (rg *ResourceGuard) CurrentClients() int64 { return atomic.LoadInt64(&rg.currentClients) }

// Goroutines returns the current process goroutine count, exposed for
// diagnostics alongside the CPU/client checks above.
func (rg *ResourceGuard) Goroutines() int { return runtime.NumGoroutine() }

// RunCPUSampler polls CPU usage at the given interval until ctx is
// cancelled, feeding SampleCPU.
func (rg *ResourceGuard) RunCPUSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rg.SampleCPU(ctx); err != nil {
				rg.logger.Warn().Err(err).Msg("cpu sample failed")
			}
		}
	}
}
