package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fxrun/internal/persistence/postgres"
	"github.com/sawpanic/fxrun/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve live signals from the local oracle over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptContext()
			defer cancel()

			scfg := serverConfig(a, addr)
			var opts []server.Option
			if a.cfg.Persistence.Enabled {
				mgr, err := postgres.NewManager(ctx, a.cfg.Persistence)
				if err != nil {
					return err
				}
				defer mgr.Close()
				opts = append(opts, server.WithDatabaseHealth(mgr.Health()))
			}

			srv := server.New(scfg, a.cfg.Oracle.Local, a.metrics, opts...)
			log.Info().
				Str("addr", scfg.Addr).
				Bool("database", a.cfg.Persistence.Enabled).
				Msg("signal server configured")
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serverConfig(a *app, addr string) server.Config {
	scfg := server.DefaultConfig()
	sc := a.cfg.Server
	if sc.Addr != "" {
		scfg.Addr = sc.Addr
	}
	if addr != "" {
		scfg.Addr = addr
	}
	if sc.ReadTimeout > 0 {
		scfg.ReadTimeout = sc.ReadTimeout
	}
	if sc.WriteTimeout > 0 {
		scfg.WriteTimeout = sc.WriteTimeout
	}
	if sc.RequestTimeout > 0 {
		scfg.RequestTimeout = sc.RequestTimeout
	}
	return scfg
}
