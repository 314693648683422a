package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/TheusHen/ngmesh/ngmesh/baseserver"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
)

func newBaseCommand(a *app) *cobra.Command {
	var (
		listen      string
		relayRate   float64
		relayBurst  int
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "base",
		Short: "Run a base server for registration and relaying",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			if metricsAddr != "" {
				go serveMetrics(metricsAddr, m, a.logger)
			}
			srv, err := baseserver.New(baseserver.Options{
				ListenAddr: listen,
				RelayRate:  rate.Limit(relayRate),
				RelayBurst: relayBurst,
				Metrics:    m,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			defer srv.Close()
			return srv.Serve(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&listen, "listen", ":5582", "UDP address for the QUIC listener")
	f.Float64Var(&relayRate, "relay-rate", float64(baseserver.DefaultRelayRate), "relayed packets per second per device")
	f.IntVar(&relayBurst, "relay-burst", baseserver.DefaultRelayBurst, "relay burst size per device")
	f.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	return cmd
}
