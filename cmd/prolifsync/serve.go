package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	proliferate "github.com/proliferate-ai/proliferate-sub003"
	"github.com/proliferate-ai/proliferate-sub003/core"
	"github.com/proliferate-ai/proliferate-sub003/httpapi"
	"github.com/proliferate-ai/proliferate-sub003/internal/appconfig"
	"github.com/proliferate-ai/proliferate-sub003/internal/persist"
	"github.com/proliferate-ai/proliferate-sub003/sshserver"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the prolifsync servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			resolver, err := proliferate.NewHTTPTokenResolver(cfg.Gateway.TokenEndpoint, cfg.Gateway.TokenAPIKey, logger)
			if err != nil {
				return err
			}
			provider := proliferate.NewGatewayProvider(cfg.Gateway.BaseURL, logger)
			store, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
			if err != nil {
				return err
			}

			serverCfg := proliferate.ServerConfig{
				Sync:       cfg.Channels(),
				HTTP:       toHTTPConfig(cfg.HTTP),
				SSH:        toSSHConfig(cfg.SSH),
				HubHistory: 1000,
			}
			serverDeps := proliferate.ServerDeps{
				ServiceDeps: core.ServiceDeps{
					Resolver:   resolver,
					Transports: provider,
					Store:      store,
					Logger:     logger,
				},
			}
			server, err := proliferate.New(serverCfg, serverDeps, proliferate.WithHTTP(), proliferate.WithSSH())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", serverCfg.HTTP.Addr)
			logger.Info("ssh server listening", "addr", serverCfg.SSH.Addr)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:               cfg.Addr,
		BaseURL:            cfg.BaseURL,
		BasePath:           cfg.BasePath,
		InitialBufferLines: cfg.InitialBufferLines,
	}
}

func toSSHConfig(cfg appconfig.SSHConfig) sshserver.Config {
	return sshserver.Config{
		Addr:               cfg.Addr,
		HostKeyPath:        cfg.HostKeyPath,
		AuthorizedKeysPath: cfg.AuthorizedKeysPath,
	}
}
