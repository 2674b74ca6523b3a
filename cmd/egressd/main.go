// Command egressd is a demo/embedding harness for the egress core: it
// loads configuration, wires logging, metrics, the fleet manager, and
// the producer bus, then drives a tick loop until interrupted. A real
// simulator would replace the demo send sink with its UDP transport
// and call EnqueueOutgoing from its own world-state pipeline instead of
// (or alongside) the producer bus consumer started here.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/odinsim/egress/internal/config"
	"github.com/odinsim/egress/internal/executor"
	"github.com/odinsim/egress/internal/fleet"
	"github.com/odinsim/egress/internal/logging"
	"github.com/odinsim/egress/internal/metrics"
	"github.com/odinsim/egress/internal/producerbus"
	"github.com/odinsim/egress/pkg/egress"
)

// splitBrokers parses a comma-separated broker list, dropping blanks.
func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// logSink is a stand-in SendSink for this harness: it logs dispatch
// instead of writing to a UDP socket, which is out of scope for the
// egress core.
type logSink struct {
	adapter logging.Adapter
}

func (s logSink) SendPacketFinal(pkt egress.OutgoingPacket) {
	s.adapter.Logger.Debug().
		Str("category", pkt.Category().String()).
		Uint32("payload_len", pkt.PayloadLen()).
		Msg("packet dispatched")
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.NewLogger(logging.Options{Level: "info", Format: "json"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)
	adapter := logging.Adapter{Logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := executor.New(maxProcs*4, 4096, logger)
	pool.Start(ctx)
	defer pool.Stop()

	guard := fleet.NewResourceGuard(fleet.GuardConfig{
		MaxClients:           cfg.MaxClients,
		CPURejectThreshold:   cfg.CPURejectThreshold,
		CPUPauseThreshold:    cfg.CPUPauseThreshold,
		MaxConnectRate:       cfg.MaxConnectRate,
		MaxProduceNotifyRate: cfg.MaxProduceNotifyRate,
	}, logger)
	go guard.RunCPUSampler(ctx, 2*time.Second)

	manager := fleet.NewManager(guard, logger, 64)
	defer manager.Shutdown()
	go manager.Run(ctx, 50*time.Millisecond)

	publisher, err := producerbus.NewPublisher(producerbus.PublisherConfig{
		URL:             cfg.NATSUrl,
		SubjectPrefix:   cfg.NATSSubjectPrefix,
		MaxReconnects:   10,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("producer bus publisher unavailable, queue-empty notices disabled")
	} else {
		defer publisher.Close()
	}

	if brokers := splitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		consumer, err := producerbus.NewConsumer(producerbus.ConsumerConfig{
			Brokers:       brokers,
			ConsumerGroup: "egressd",
			Topics:        []string{cfg.KafkaTopic},
			Logger:        logger,
			Clients:       manager,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("world-state consumer unavailable")
		} else {
			consumer.Start(ctx)
			defer consumer.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	go reportWorkerMetrics(ctx, pool, cfg.MetricsInterval)

	logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("egressd ready")

	// Demo: admit a single synthetic client so the tick loop and
	// producer bus have something to drive. A real deployment replaces
	// this with connections arriving off the handshake layer.
	primUpdates, lowWater, emptyTick, promotionMask, defaultRTO, maxRTO, tickRes := cfg.ClientTunables()
	clk := egress.NewSystemClock()
	demo := egress.NewClientEgress("demo-agent", "127.0.0.1:0", 1, clk, logSink{adapter: adapter}, pool, adapter,
		egress.ClientConfig{
			PrimUpdatesPerCallback: primUpdates,
			QueueEmptyLowWater:     lowWater,
			EmptyTickThreshold:     emptyTick,
			PromotionMask:          promotionMask,
			DefaultRTO:             defaultRTO,
			MaxRTO:                 maxRTO,
			TickResolution:         tickRes,
		})
	if publisher != nil {
		notify := publisher.NotifyNeedMoreWork("demo-agent")
		demo.SetCallbacks(func(numPackets int64) {
			if guard.ShouldPauseProducerNotify() || !guard.AllowProducerNotify() {
				return
			}
			notify(numPackets)
		}, nil)
	}
	if accepted, reason := manager.Admit("demo-agent", demo); !accepted {
		logger.Warn().Str("reason", reason).Msg("demo client rejected by admission control")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}
	fmt.Fprintln(os.Stdout, "egressd stopped")
}

// reportWorkerMetrics periodically pushes the worker pool's queue
// health to Prometheus until ctx is cancelled.
func reportWorkerMetrics(ctx context.Context, pool *executor.WorkerPool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.ReportMetrics()
		}
	}
}
