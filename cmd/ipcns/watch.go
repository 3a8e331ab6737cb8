package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ipc-rpc/naming"
)

type WatchCommand struct {
	Services []string `arg:"" optional:"" help:"Services to watch, the configured services by default."`
}

func (c *WatchCommand) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	services := c.Services
	if len(services) == 0 {
		services = cfg.Services
	}
	if len(services) == 0 {
		return errors.New("no services to watch")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, service := range services {
		// Each poller owns its naming service and so its registry connection
		ns := naming.NewIpcNamingService(cfg.NamingOptions(log))
		p := naming.NewPoller(ns, cfg.PollerOptions(log))
		w := naming.NewWatcher(func(servers []naming.ServerNode) {
			log.Info("server list",
				zap.String("service", service),
				zap.Int("count", len(servers)),
				zap.Stringers("servers", servers))
		})
		g.Go(func() error {
			defer ns.Close() //nolint:errcheck
			if err := p.Run(ctx, service, w); err != nil {
				return fmt.Errorf("watch %s: %w", service, err)
			}
			return nil
		})
	}
	return g.Wait()
}
