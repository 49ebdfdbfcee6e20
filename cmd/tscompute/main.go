// Command tscompute is the composition root for one compute node: it
// wires a ComputePacer across every input connection, an optional
// FailureOracle bridge, and the metrics/health endpoints. As with
// cmd/tsinput, flag parsing stays out of scope (spec §1); Config is
// populated by the caller.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flesnet-go/tsbuilder/internal/failureoracle"
	"github.com/flesnet-go/tsbuilder/internal/metrics"
	"github.com/flesnet-go/tsbuilder/internal/netutil"
	"github.com/flesnet-go/tsbuilder/internal/pacer"
	"github.com/flesnet-go/tsbuilder/internal/timeslicemgr"
)

// Config is the fully-resolved runtime configuration for one compute
// node.
type Config struct {
	NumInputs         int
	PacerAlpha        []float64
	MetricsListenAddr string
	MaxMetricsConns   int
	Registry          *prometheus.Registry
	Oracle            *failureoracle.Bridge
}

// Node bundles the long-lived collaborators a compute node's connection
// handlers (built elsewhere, per input channel) need to share: one
// Pacer aggregating arrival times across every input, and the Manager
// mirror used by the FailureOracle bridge to drive reassignment.
type Node struct {
	Pacer   *pacer.Pacer
	Manager *timeslicemgr.Manager
}

// Run wires the pacer, manager, an optional FailureOracle bridge, and
// the metrics endpoint, then starts serving in the background. It
// returns immediately with the Node a caller's per-input-connection
// handlers should share, plus a wait function that blocks until ctx is
// cancelled or the metrics server exits.
func Run(ctx context.Context, log *zap.Logger, cfg Config) (*Node, func() error, error) {
	node := &Node{
		Pacer:   pacer.New(cfg.NumInputs, cfg.PacerAlpha, nil),
		Manager: timeslicemgr.New(cfg.NumInputs, 0),
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", cfg.MetricsListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("tscompute: listen %s: %w", cfg.MetricsListenAddr, err)
	}
	if cfg.MaxMetricsConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxMetricsConns)
	}

	srv := &http.Server{Handler: mux}
	errC := make(chan error, 1)
	go func() { errC <- srv.Serve(ln) }()

	if cfg.Oracle != nil {
		go func() {
			if err := cfg.Oracle.Run(ctx); err != nil {
				log.Warn("failureoracle bridge stopped", zap.Error(err))
			}
		}()
	}

	log.Info("tscompute: serving metrics", zap.String("addr", cfg.MetricsListenAddr))

	wait := func() error {
		select {
		case <-ctx.Done():
			return srv.Close()
		case err := <-errC:
			return err
		}
	}
	return node, wait, nil
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tscompute: build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = ctx
	log.Info("tscompute: no in-process Config supplied; see Run for the composition entrypoint")
}
