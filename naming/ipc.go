package naming

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"ipc-rpc/client"
	"ipc-rpc/message"
	"ipc-rpc/rcm"
	"ipc-rpc/registry"
)

const (
	DefaultRegistryAddr      = "10.1.5.11:18888"
	DefaultConnectTimeout    = 200 * time.Millisecond
	DefaultBlockingQueryWait = 60 * time.Second
	DefaultMaxRetry          = 5
	DefaultClientIP          = "10.1.29.2"

	// The registry may hold a query open for up to BlockingQueryWait; the
	// call timeout leaves this much on top.
	blockingQuerySlack = 10 * time.Second
)

// IpcOptions configures an IpcNamingService. Zero fields take the defaults,
// except MaxRetry where 0 means a single attempt.
type IpcOptions struct {
	RegistryAddr      string // "host:port", an "http://" prefix is ignored
	ConnectTimeout    time.Duration
	BlockingQueryWait time.Duration
	MaxRetry          int // Extra attempts per lookup, negative means DefaultMaxRetry
	MaxBodySize       uint32

	// When EnableDegradeToFile is set and the registry cannot be reached, the
	// list is read once from FileDir/<service>.
	EnableDegradeToFile bool
	FileDir             string

	ClientIP string // Reported to the registry as "ip"
	Pid      int    // Reported to the registry as "pid", 0 means os.Getpid()
	Logger   *zap.Logger
}

func (o *IpcOptions) setDefaults() {
	o.RegistryAddr = strings.TrimPrefix(o.RegistryAddr, "http://")
	if o.RegistryAddr == "" {
		o.RegistryAddr = DefaultRegistryAddr
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.BlockingQueryWait <= 0 {
		o.BlockingQueryWait = DefaultBlockingQueryWait
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = DefaultMaxRetry
	}
	if o.ClientIP == "" {
		o.ClientIP = DefaultClientIP
	}
	if o.Pid == 0 {
		o.Pid = os.Getpid()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// IpcNamingService looks servers up in the IPC registry.
//
// It owns its registry channel, created on the first lookup and reused after.
// It is meant to be driven by a single Poller and is not safe for concurrent
// use.
type IpcNamingService struct {
	opts IpcOptions
	log  *zap.Logger

	channel      *client.Channel
	backupLoaded bool
}

// NewIpcNamingService returns a naming service for the registry in opts. No
// connection is made until the first GetServers.
func NewIpcNamingService(opts IpcOptions) *IpcNamingService {
	opts.setDefaults()
	return &IpcNamingService{
		opts: opts,
		log:  opts.Logger.Named("naming").With(zap.String("registry", opts.RegistryAddr)),
	}
}

// GetServers asks the registry for the servers of service. If the registry
// cannot be reached, the file fallback is tried once per IpcNamingService.
// Items whose address does not parse are left out.
func (s *IpcNamingService) GetServers(ctx context.Context, service string) ([]ServerNode, error) {
	// Step 1: Channel, created once
	if s.channel == nil {
		ch, err := client.NewChannel(s.opts.RegistryAddr, client.Options{
			ConnectTimeout: s.opts.ConnectTimeout,
			Timeout:        s.opts.BlockingQueryWait + blockingQuerySlack,
			MaxRetry:       s.opts.MaxRetry,
			MaxBodySize:    s.opts.MaxBodySize,
			Logger:         s.opts.Logger,
		})
		if err != nil {
			s.log.Error("init registry channel failed", zap.Error(err))
			return s.degrade(ctx, service, err)
		}
		s.channel = ch
	}

	// Step 2: Ask
	req := message.New(s.request(service).Encode())
	resp := &message.IpcMessage{}
	if err := s.channel.Call(ctx, req, resp); err != nil {
		s.log.Error("registry call failed", zap.String("service", service), zap.Error(err))
		return s.degrade(ctx, service, err)
	}

	// Step 3: Check the answer and collect the servers
	doc, err := rcm.Decode(resp.Body, rcm.FormatJSON)
	if err != nil {
		return nil, err
	}
	if cmd, _ := doc.Get("query_cmd"); cmd != registry.CmdGetServersReturn {
		return nil, fmt.Errorf("%w: %q", ErrCommandMismatch, cmd)
	}

	servers := make([]ServerNode, 0, doc.Len())
	for _, it := range doc.Items() {
		node, err := ParseNode(it.Get("ip"), it.Get("port"))
		if err != nil {
			s.log.Error("skipping server with illegal address", zap.String("service", service), zap.Error(err))
			continue
		}
		node.Tag = it.Get("tag")
		servers = append(servers, node)
	}
	return servers, nil
}

func (s *IpcNamingService) request(service string) *rcm.Document {
	d := rcm.New()
	d.Set("query_cmd", registry.CmdGetServers)
	d.SetInt("pid", int64(s.opts.Pid))
	d.Set("ip", s.opts.ClientIP)
	d.Set("remote_servers", service)
	d.Set("model_file", "-")
	d.Set("model_class", "-")
	return d
}

// degrade reads the fallback file the first time the registry fails. Later
// failures report cause.
func (s *IpcNamingService) degrade(ctx context.Context, service string, cause error) ([]ServerNode, error) {
	if !s.opts.EnableDegradeToFile || s.backupLoaded {
		return nil, fmt.Errorf("%w: %w", ErrDegradeUnavailable, cause)
	}
	s.backupLoaded = true

	file := filepath.Join(s.opts.FileDir, service)
	s.log.Info("loading server list from file", zap.String("file", file))
	return FileNamingService{Logger: s.opts.Logger}.GetServers(ctx, file)
}

// Close releases the registry channel.
func (s *IpcNamingService) Close() error {
	if s.channel == nil {
		return nil
	}
	return s.channel.Close()
}
