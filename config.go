package redis

import (
	"net"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/metrics"
	"github.com/xenking/rdx/internal/resp"
)

// Deployment selects which driver backs a Dispatcher.
type Deployment uint8

const (
	DeploymentStandalone Deployment = iota
	DeploymentSentinel
	DeploymentCluster
)

// ReadPreference controls which cluster replica set a read-only
// command may be routed to.
type ReadPreference uint8

const (
	ReadMaster ReadPreference = iota
	ReadPreferReplica
	ReadReplica
)

// TLSMode selects the transport's TLS posture. Concrete certificate
// configuration is out of scope (§1 Non-goals); a caller needing a
// custom *tls.Config sets it directly on Config.TLSConfig instead.
type TLSMode uint8

const (
	TLSOff TLSMode = iota
	TLSNative
)

// ReconnectPolicy parameterizes the connection actor's backoff.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 means unbounded
}

// Config collects every option spec.md's External Interfaces section
// enumerates. The zero value is invalid; use Connect's functional
// Options or the With* setters below to build one. Mirrors the
// teacher's NewClient(addr, ...) parameter list, generalized from one
// fixed address to a deployment-shaped endpoint set.
type Config struct {
	Username string
	Password string
	Database int

	// Endpoints is one or more "host:port" addresses. For
	// DeploymentSentinel these are the sentinel nodes; for
	// DeploymentCluster these are seed nodes used for the initial
	// CLUSTER SHARDS/SLOTS probe; for DeploymentStandalone exactly one
	// is used.
	Endpoints []string

	Deployment Deployment
	// MasterName is required when Deployment == DeploymentSentinel.
	MasterName string

	TLSMode   TLSMode
	TLSConfig *TLSConfig

	ReadPreference ReadPreference

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	Reconnect ReconnectPolicy

	MaxInflightPerConnection int
	AutoPipelineWindow       time.Duration
	KeepAlive                time.Duration
	ClientName               string
	IdleTimeout              time.Duration

	Logger *zap.Logger

	// MetricsRegisterer, when set, registers a Metrics instance
	// (§10.4) against it; nil leaves metrics collection disabled
	// without scattering nil-checks through call sites.
	MetricsRegisterer prometheus.Registerer
}

// TLSConfig is a minimal placeholder for the caller-supplied transport
// TLS material; certificate/CA configuration is explicitly out of
// scope (§1 Non-goals) beyond choosing whether TLS is used at all.
type TLSConfig struct {
	ServerName         string
	InsecureSkipVerify bool
}

// Option mutates a Config during Connect, following the functional-
// option idiom (the redigo-derived DialOption pattern the pack uses).
type Option func(*Config)

func WithAuth(username, password string) Option {
	return func(c *Config) { c.Username = username; c.Password = password }
}

func WithDatabase(db int) Option {
	return func(c *Config) { c.Database = db }
}

func WithClientName(name string) Option {
	return func(c *Config) { c.ClientName = name }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) { c.CommandTimeout = d }
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Config) { c.Reconnect = p }
}

func WithMaxInflightPerConnection(n int) Option {
	return func(c *Config) { c.MaxInflightPerConnection = n }
}

func WithAutoPipelineWindow(d time.Duration) Option {
	return func(c *Config) { c.AutoPipelineWindow = d }
}

func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) { c.KeepAlive = d }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithTLS(mode TLSMode, tlsCfg *TLSConfig) Option {
	return func(c *Config) { c.TLSMode = mode; c.TLSConfig = tlsCfg }
}

func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.MetricsRegisterer = reg }
}

// ClusterOption configures Deployment == DeploymentCluster specifics.
type ClusterOption func(*Config)

func WithReadPreference(p ReadPreference) ClusterOption {
	return func(c *Config) { c.ReadPreference = p }
}

// SentinelOption configures Deployment == DeploymentSentinel
// specifics.
type SentinelOption func(*Config)

func WithMasterName(name string) SentinelOption {
	return func(c *Config) { c.MasterName = name }
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.MaxInflightPerConnection <= 0 {
		c.MaxInflightPerConnection = 1000
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	normalized := make([]string, len(c.Endpoints))
	for i, e := range c.Endpoints {
		normalized[i] = normalizeAddr(e)
	}
	c.Endpoints = normalized
	return c
}

func (c Config) validate() error {
	if len(c.Endpoints) == 0 {
		return newError(KindConfig, nil, "at least one endpoint is required")
	}
	if c.Deployment == DeploymentSentinel && c.MasterName == "" {
		return newError(KindConfig, nil, "sentinel deployment requires a master name")
	}
	return nil
}

func (c Config) connioConfig(endpoint string, pushSink chan<- resp.Value, m *metrics.Metrics) connio.Config {
	return connio.Config{
		Endpoint:           endpoint,
		Username:           c.Username,
		Password:           c.Password,
		Database:           c.Database,
		ClientName:         c.ClientName,
		ConnectTimeout:     c.ConnectTimeout,
		CommandTimeout:     c.CommandTimeout,
		MaxInflight:        c.MaxInflightPerConnection,
		AutoPipelineWindow: c.AutoPipelineWindow,
		Backoff: connio.BackoffConfig{
			Initial:     c.Reconnect.InitialDelay,
			Max:         c.Reconnect.MaxDelay,
			MaxAttempts: c.Reconnect.MaxAttempts,
		},
		PushSink: pushSink,
		Logger:   c.Logger,
		Metrics:  m,
	}
}

func isUnixAddr(s string) bool {
	return len(s) != 0 && s[0] == '/'
}

// normalizeAddr generalizes the teacher's single-address normalizer to
// every endpoint in a multi-endpoint Config: host defaults to
// localhost, port defaults to 6379, unix socket paths are cleaned.
func normalizeAddr(s string) string {
	if isUnixAddr(s) {
		return filepath.Clean(s)
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(host, port)
}
