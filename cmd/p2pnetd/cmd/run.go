package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/florinxfl/go-p2p"
	"github.com/florinxfl/go-p2p/api"
	"github.com/florinxfl/go-p2p/config"
	"github.com/florinxfl/go-p2p/logging"
	"github.com/florinxfl/go-p2p/metrics"
)

func newRunCommand(cfgFile *string) *cobra.Command {
	var startInactive bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the network daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("start-inactive") {
				cfg.Node.StartInactive = startInactive
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, cfg)
		},
	}

	runCmd.Flags().BoolVar(&startInactive, "start-inactive", false, "start with networking disabled")

	return runCmd
}

// runDaemon wires the node, controller, metrics and API together and blocks
// until ctx is canceled.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	node, err := p2p.NewNode(ctx, logger, cfg.P2PConfig())
	if err != nil {
		return err
	}

	controller, err := p2p.NewNodeController(node)
	if err != nil {
		_ = node.Stop(context.Background())
		return err
	}

	if previous := p2p.Install(controller); previous != nil {
		_ = previous.Close()
	}

	defer func() {
		if err := p2p.Shutdown(); err != nil {
			logger.Errorf("[p2pnetd] error releasing node: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	networkMetrics, err := metrics.NewListener(reg)
	if err != nil {
		return fmt.Errorf("[p2pnetd] error registering metrics: %w", err)
	}

	networkMetrics.SetNetworkActive(node.NetworkActive())

	if err := p2p.SetListener(p2p.MultiListener{newLogListener(logger), networkMetrics}); err != nil {
		return err
	}

	if err := node.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		server := api.NewServer(logger, controller, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		g.Go(func() error {
			return server.Start(gctx, cfg.API.ListenAddr)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("[p2pnetd] shutting down")

		return nil
	})

	return g.Wait()
}

// newLogListener logs every networking event
func newLogListener(logger p2p.Logger) p2p.NetworkListener {
	return p2p.ListenerFuncs{
		NetworkEnabled: func() {
			logger.Infof("[p2pnetd] network enabled")
		},
		NetworkDisabled: func() {
			logger.Infof("[p2pnetd] network disabled")
		},
		ConnectionCountChanged: func(numConnections int32) {
			logger.Infof("[p2pnetd] connected peers: %d", numConnections)
		},
		BytesChanged: func(totalRecv, totalSent uint64) {
			logger.Debugf("[p2pnetd] bytes received %d, sent %d", totalRecv, totalSent)
		},
	}
}
