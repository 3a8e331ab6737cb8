package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"ipc-rpc/cluster"
	"ipc-rpc/loadbalance"
	"ipc-rpc/message"
	"ipc-rpc/naming"
	"ipc-rpc/rcm"
)

type CallCommand struct {
	Service string        `arg:"" help:"Service to call."`
	Body    string        `arg:"" help:"Request body, usually an RCM document."`
	Key     string        `help:"Affinity key for the consistent hash balancer."`
	Timeout time.Duration `default:"5s" help:"Call timeout."`
	Params  bool          `help:"Body is in params form (k=v&k=v); it is sent as JSON."`
}

func (c *CallCommand) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	body := []byte(c.Body)
	if c.Params {
		doc, err := rcm.Decode(body, rcm.FormatParams)
		if err != nil {
			return err
		}
		body = doc.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	ns := naming.NewIpcNamingService(cfg.NamingOptions(log))
	defer ns.Close() //nolint:errcheck
	cl, err := cluster.Dial(ctx, ns, c.Service, cluster.Options{
		Balancer: loadbalance.New(cfg.Balancer),
		Channel:  cfg.ChannelOptions(log),
		Poller:   cfg.PollerOptions(log),
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.Service, err)
	}
	defer cl.Close() //nolint:errcheck

	resp := &message.IpcMessage{}
	if err := cl.Call(ctx, c.Key, message.New(body), resp); err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(resp.Body))
	return err
}
