// Command hsxd is the HSX host daemon: it owns the mailbox manager, the
// value/command registry, the scheduler/executive, and the RPC front end,
// and drives the auto-clock loop that steps every runnable task.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hsxvm/hsxd/internal/config"
	"github.com/hsxvm/hsxd/internal/executive"
	"github.com/hsxvm/hsxd/internal/mailbox"
	"github.com/hsxvm/hsxd/internal/registry"
	"github.com/hsxvm/hsxd/internal/rpc"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML host configuration file (optional)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hsxd: %v\n", err)
		os.Exit(1)
	}

	mb := mailbox.NewManager(cfg.MaxDescriptors)
	reg := registry.New(nil) // fail-closed: no token validator wired (spec.md §4.4 default)
	bus := executive.NewEventBus(cfg.EventHistory)
	sched := executive.NewScheduler(mb, reg, bus)
	sched.SetAutoClockRate(cfg.ClockHz)
	dbg := executive.NewDebugger(sched)
	sessions := executive.NewSessionManager()

	server := rpc.NewServer(sched, dbg, sessions, bus, reg, mb, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("hsxd: rpc listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(cfg.Listen); err != nil && ctx.Err() == nil {
			return fmt.Errorf("rpc: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return runAutoClock(ctx, sched)
	})

	g.Go(func() error {
		return sessions.RunReaper(ctx, bus, time.Second)
	})

	if cfg.MetricsListen != "" {
		reg2 := prometheus.NewRegistry()
		metrics := executive.NewMetrics(reg2)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg2, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}

		g.Go(func() error {
			return metrics.Run(ctx, sched, mb, bus, time.Second)
		})
		g.Go(func() error {
			log.Info("hsxd: metrics listening", "addr", cfg.MetricsListen)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return httpSrv.Close()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return server.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "hsxd: %v\n", err)
		os.Exit(1)
	}
}

// runAutoClock steps every runnable task continuously, honoring the
// configured instruction rate (spec.md §5 "the period implied by the
// configured instruction rate (if set)"); rate 0 runs unthrottled,
// yielding to the scheduler as fast as tasks are schedulable.
func runAutoClock(ctx context.Context, sched *executive.Scheduler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if pid := sched.StepOne(); pid == 0 {
			// Nothing runnable: avoid a busy spin until the next sleeper
			// wakes or an RPC command makes a task Ready again.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}
		if hz := sched.AutoClockRate(); hz > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second / time.Duration(hz)):
			}
		}
	}
}
