// Package config loads the TOML configuration shared by the ipcns commands.
//
//	registry_addr = "http://10.1.5.11:18888"
//	connect_timeout = "200ms"
//	blocking_query_wait = "60s"
//	interval = "3s"
//	retry_interval = "1s"
//	enable_degrade_to_file = true
//	file_naming_service_dir = "/etc/ipc/servers"
//	max_body_size = "64MiB"
//	services = ["rank", "recall"]
//
//	[[instances]]
//	service = "rank"
//	addr = "10.0.0.1:8000"
//	tag = "10"
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ipc-rpc/client"
	"ipc-rpc/loadbalance"
	"ipc-rpc/naming"
	"ipc-rpc/protocol"
	"ipc-rpc/registry"
)

// Duration is a time.Duration written as "200ms", "60s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size written as a number of bytes or as "64MiB", "512 KB".
type ByteSize uint32

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := humanize.ParseBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	if v > math.MaxUint32 {
		return fmt.Errorf("%s is over %s", humanize.IBytes(v), humanize.IBytes(math.MaxUint32))
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

// Instance is a statically configured server of a service.
type Instance struct {
	Service string `toml:"service"`
	Addr    string `toml:"addr"`
	Tag     string `toml:"tag"`
}

type Config struct {
	// Naming client
	RegistryAddr         string   `toml:"registry_addr"`
	ConnectTimeout       Duration `toml:"connect_timeout"`
	BlockingQueryWait    Duration `toml:"blocking_query_wait"`
	Interval             Duration `toml:"interval"`
	RetryInterval        Duration `toml:"retry_interval"`
	EnableDegradeToFile  bool     `toml:"enable_degrade_to_file"`
	FileNamingServiceDir string   `toml:"file_naming_service_dir"`
	MaxBodySize          ByteSize `toml:"max_body_size"`
	MaxRetry             int      `toml:"max_retry"`
	ClientIP             string   `toml:"client_ip"`
	Services             []string `toml:"services"`
	Balancer             string   `toml:"balancer"`

	// Registry server
	ListenAddr     string     `toml:"listen_addr"`
	MaxConcurrency int64      `toml:"max_concurrency"`
	RateLimit      float64    `toml:"rate_limit"` // Requests per second, 0 means unlimited
	RateBurst      int        `toml:"rate_burst"`
	RequestTimeout Duration   `toml:"request_timeout"`
	EtcdEndpoints  []string   `toml:"etcd_endpoints"`
	EtcdTimeout    Duration   `toml:"etcd_dial_timeout"`
	Instances      []Instance `toml:"instances"`

	LogLevel       string `toml:"log_level"`
	LogDevelopment bool   `toml:"log_development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		RegistryAddr:      naming.DefaultRegistryAddr,
		ConnectTimeout:    Duration(naming.DefaultConnectTimeout),
		BlockingQueryWait: Duration(naming.DefaultBlockingQueryWait),
		Interval:          Duration(naming.DefaultPollInterval),
		RetryInterval:     Duration(naming.DefaultRetryInterval),
		MaxBodySize:       ByteSize(protocol.DefaultMaxBodySize),
		MaxRetry:          naming.DefaultMaxRetry,
		ClientIP:          naming.DefaultClientIP,
		ListenAddr:        ":18888",
		EtcdTimeout:       Duration(5 * time.Second),
		LogLevel:          "info",
	}
}

// Load reads path over the defaults and validates the result. Keys the
// configuration does not know are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}

	cfg.RegistryAddr = strings.TrimSpace(cfg.RegistryAddr)
	cfg.Services = normalize(cfg.Services)
	cfg.EtcdEndpoints = normalize(cfg.EtcdEndpoints)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found.
func (c Config) Validate() error {
	var errs error
	if _, _, err := net.SplitHostPort(strings.TrimPrefix(c.RegistryAddr, "http://")); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("registry_addr: %w", err))
	}
	durations := []struct {
		name string
		d    Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"blocking_query_wait", c.BlockingQueryWait},
		{"interval", c.Interval},
		{"retry_interval", c.RetryInterval},
		{"etcd_dial_timeout", c.EtcdTimeout},
		{"request_timeout", c.RequestTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: negative duration %s", d.name, d.d.Std()))
		}
	}
	if c.EnableDegradeToFile && c.FileNamingServiceDir == "" {
		errs = multierr.Append(errs, errors.New("file_naming_service_dir: required when enable_degrade_to_file is set"))
	}
	if c.MaxRetry < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_retry: %d is negative", c.MaxRetry))
	}
	if c.MaxConcurrency < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_concurrency: %d is negative", c.MaxConcurrency))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = multierr.Append(errs, errors.New("rate_limit, rate_burst: must not be negative"))
	}
	if loadbalance.New(c.Balancer) == nil {
		errs = multierr.Append(errs, fmt.Errorf("balancer: unknown strategy %q", c.Balancer))
	}
	for i, inst := range c.Instances {
		if inst.Service == "" {
			errs = multierr.Append(errs, fmt.Errorf("instances[%d]: service is required", i))
		}
		if _, err := naming.ParseAddr(inst.Addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("instances[%d]: %w", i, err))
		}
	}
	return errs
}

// NamingOptions configures the IPC naming client.
func (c Config) NamingOptions(log *zap.Logger) naming.IpcOptions {
	return naming.IpcOptions{
		RegistryAddr:        c.RegistryAddr,
		ConnectTimeout:      c.ConnectTimeout.Std(),
		BlockingQueryWait:   c.BlockingQueryWait.Std(),
		MaxRetry:            c.MaxRetry,
		MaxBodySize:         uint32(c.MaxBodySize),
		EnableDegradeToFile: c.EnableDegradeToFile,
		FileDir:             c.FileNamingServiceDir,
		ClientIP:            c.ClientIP,
		Logger:              log,
	}
}

func (c Config) PollerOptions(log *zap.Logger) naming.PollerOptions {
	return naming.PollerOptions{
		PollInterval:  c.Interval.Std(),
		RetryInterval: c.RetryInterval.Std(),
		Logger:        log,
	}
}

// ChannelOptions configures channels to the servers found by naming.
func (c Config) ChannelOptions(log *zap.Logger) client.Options {
	return client.Options{
		ConnectTimeout: c.ConnectTimeout.Std(),
		MaxRetry:       c.MaxRetry,
		MaxBodySize:    uint32(c.MaxBodySize),
		Logger:         log,
	}
}

// StaticInstances groups the configured instances by service.
func (c Config) StaticInstances() (map[string][]registry.ServiceInstance, error) {
	out := make(map[string][]registry.ServiceInstance)
	for i, inst := range c.Instances {
		node, err := naming.ParseAddr(inst.Addr)
		if err != nil {
			return nil, fmt.Errorf("instances[%d]: %w", i, err)
		}
		out[inst.Service] = append(out[inst.Service], registry.ServiceInstance{
			IP:   node.Addr.Addr().String(),
			Port: int(node.Addr.Port()),
			Tag:  inst.Tag,
		})
	}
	return out, nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
