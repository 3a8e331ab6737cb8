package main

import (
	"context"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ipc-rpc/config"
	"ipc-rpc/middleware"
	"ipc-rpc/registry"
	"ipc-rpc/server"
)

const (
	shutdownTimeout = 5 * time.Second
	// Lease of static instances in etcd, renewed while the process runs
	staticTTL = 10 * time.Second
)

type RegistryCommand struct {
	Listen string `help:"Listen address, overrides listen_addr."`
}

func (c *RegistryCommand) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	svr := server.NewServer(registry.NewService(store, log), server.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		MaxBodySize:    uint32(cfg.MaxBodySize),
		Logger:         log,
	})
	svr.Use(middleware.Recover(log))
	svr.Use(middleware.Logging(log))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimit(cfg.RateLimit, max(cfg.RateBurst, 1)))
	}
	if cfg.RequestTimeout > 0 {
		svr.Use(middleware.Timeout(cfg.RequestTimeout.Std()))
	}

	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info("registry starting",
		zap.Stringer("addr", l.Addr()),
		zap.String("max_body_size", humanize.IBytes(uint64(cfg.MaxBodySize))),
		zap.Int64("max_concurrency", cfg.MaxConcurrency),
		zap.Float64("rate_limit", cfg.RateLimit),
		zap.Bool("etcd", len(cfg.EtcdEndpoints) > 0))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svr.ServeListener(l) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info("registry stopping")
		return svr.Shutdown(shutdownTimeout)
	})
	return g.Wait()
}

// openStore returns the etcd store when endpoints are configured and a memory
// store otherwise. Static instances are registered into either.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (registry.Store, func() error, error) {
	static, err := cfg.StaticInstances()
	if err != nil {
		return nil, nil, err
	}

	var (
		store   registry.Store
		reg     registry.Registrar
		closeFn = func() error { return nil }
	)
	if len(cfg.EtcdEndpoints) > 0 {
		es, err := registry.DialEtcd(cfg.EtcdEndpoints, cfg.EtcdTimeout.Std(), log)
		if err != nil {
			return nil, nil, err
		}
		store, reg, closeFn = es, es, es.Close
	} else {
		ms := registry.NewMemoryStore()
		store, reg = ms, ms
	}

	var errs error
	for service, insts := range static {
		for _, inst := range insts {
			errs = multierr.Append(errs, reg.Register(ctx, service, inst, staticTTL))
		}
	}
	if errs != nil {
		return nil, nil, multierr.Append(errs, closeFn())
	}
	return store, closeFn, nil
}
