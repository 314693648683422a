package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh"
	"github.com/TheusHen/ngmesh/ngmesh/config/sqlstore"
	"github.com/TheusHen/ngmesh/ngmesh/directory"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/tun"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		noTUN       bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the mesh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id, err := a.identity()
			if err != nil {
				return err
			}
			store, err := sqlstore.Open(a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var dev tun.Device
			if !noTUN {
				dev, err = openDevice(a.cfg.InterfaceName, id.Addr(), a.logger)
				if err != nil {
					return err
				}
			}

			m := metrics.New()
			if metricsAddr != "" {
				go serveMetrics(metricsAddr, m, a.logger)
			}
			mgr, err := ngmesh.New(ctx, ngmesh.Options{
				Config:     a.cfg,
				Identity:   id,
				Store:      store,
				Resolver:   directory.NewStatic(),
				Device:     dev,
				Privileged: a.privileged(),
				Metrics:    m,
				Logger:     a.logger,
			})
			if err != nil {
				if dev != nil {
					_ = dev.Close()
				}
				return err
			}
			defer mgr.Close()
			return mgr.Run(ctx)
		},
	}
	f := cmd.Flags()
	f.Int("port", 0, "UDP listen port")
	f.StringSlice("base", nil, "base server address (repeatable)")
	f.String("interface", "", "virtual interface name")
	f.BoolVar(&noTUN, "no-tun", false, "run without a virtual interface")
	f.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	_ = a.v.BindPFlag("listen_port", f.Lookup("port"))
	_ = a.v.BindPFlag("base_servers", f.Lookup("base"))
	_ = a.v.BindPFlag("interface_name", f.Lookup("interface"))
	return cmd
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	err := http.ListenAndServe(addr, mux)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint stopped", zap.Error(err))
	}
}
