package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/config"
	"github.com/TheusHen/ngmesh/ngmesh/config/sqlstore"
	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/privileged"
)

type app struct {
	v          *viper.Viper
	configFile string
	debug      bool

	cfg    config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}
	cmd := &cobra.Command{
		Use:               "ngmeshd",
		Short:             "Peer-to-peer IPv6 mesh network daemon",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&a.configFile, "config", "c", "", "YAML configuration file")
	f.BoolVar(&a.debug, "debug", false, "development logging")
	f.String("data-dir", config.DefaultDataDir(), "state directory")
	_ = a.v.BindPFlag("data_dir", f.Lookup("data-dir"))

	cmd.AddCommand(
		newRunCommand(a),
		newIdentityCommand(a),
		newWhitelistCommand(a),
		newHostsCommand(a),
		newBaseCommand(a),
	)
	return cmd
}

func (a *app) setup(*cobra.Command, []string) error {
	var err error
	if a.debug {
		a.logger, err = zap.NewDevelopment()
	} else {
		a.logger, err = zap.NewProduction()
	}
	if err != nil {
		return oops.Wrapf(err, "build logger")
	}
	if a.configFile != "" {
		a.v.SetConfigFile(a.configFile)
		if err := a.v.ReadInConfig(); err != nil {
			return oops.Wrapf(err, "read config file %s", a.configFile)
		}
	}
	a.cfg, err = config.FromViper(a.v)
	return err
}

func (a *app) privileged() *privileged.OS {
	return &privileged.OS{Dir: a.cfg.DataDir, Skip: []string{a.cfg.InterfaceName}}
}

func (a *app) identity() (identity.Identity, error) {
	return identity.LoadOrCreate(privileged.IdentityStore{P: a.privileged()}, a.logger)
}

// withStore opens the settings database for the duration of fn.
func (a *app) withStore(fn func(*sqlstore.Store) error) (err error) {
	store, err := sqlstore.Open(a.cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(store)
}
