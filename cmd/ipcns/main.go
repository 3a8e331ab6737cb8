package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"go.uber.org/zap"

	"ipc-rpc/config"
	"ipc-rpc/logging"
)

var CLI struct {
	Config string            `short:"c" help:"TOML configuration file." type:"existingfile"`
	Man    mangokong.ManFlag `help:"Write man page." hidden:""`

	Watch    WatchCommand    `cmd:"" help:"Poll the registry and log every server list."`
	Call     CallCommand     `cmd:"" help:"Send one request to a service found through the registry."`
	Registry RegistryCommand `cmd:"" help:"Serve the IPC registry."`
}

// loadConfig reads the --config file, or returns the defaults without one.
func loadConfig() (config.Config, error) {
	if CLI.Config == "" {
		return config.Default(), nil
	}
	return config.Load(CLI.Config)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogDevelopment)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`naming client and registry for the IPC protocol

ipcns resolves service names to server lists through an IPC registry, and can serve that registry from static instances or etcd.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
