// Package config binds the namespace / queue id / backend addressing
// configuration to CLI flags with environment-variable overrides.
//
// No environment variable is required: every flag carries a default.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/relaycore/statepipe/pkg/backend"
	"github.com/relaycore/statepipe/pkg/keys"
)

// Config is the full set of knobs a processor or producer binary needs.
type Config struct {
	Namespace string
	QueueID   string

	Topology     string
	Addrs        []string
	SentinelName string
	Username     string
	Password     string
	DB           int
	EnableTLS    bool

	MaxRetries    int
	RetryInterval time.Duration

	MetricsAddr string
}

// BindFlags registers every Config field on fs, one pflag.*Var call per
// setting, each carrying its own default and help text.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Namespace, "namespace", ResolveEnvString("STATEPIPE_NAMESPACE", "default"),
		"Namespace prefix partitioning storage keys and the singleton lock.")
	fs.StringVar(&c.QueueID, "queue-id", ResolveEnvString("STATEPIPE_QUEUE_ID", "main"),
		"Identifier of the incoming queue this processor drains.")
	fs.StringVar(&c.Topology, "redis-topology", ResolveEnvString("STATEPIPE_REDIS_TOPOLOGY", "standalone"),
		"Backend topology: standalone, sentinel, or cluster.")
	fs.StringSliceVar(&c.Addrs, "redis-addrs", []string{ResolveEnvString("STATEPIPE_REDIS_ADDR", "localhost:6379")},
		"Backend host:port addresses (repeat for sentinel/cluster).")
	fs.StringVar(&c.SentinelName, "redis-sentinel-master", ResolveEnvString("STATEPIPE_REDIS_SENTINEL_MASTER", ""),
		"Sentinel master name, required when redis-topology=sentinel.")
	fs.StringVar(&c.Username, "redis-username", ResolveEnvString("STATEPIPE_REDIS_USERNAME", ""), "Backend username.")
	fs.StringVar(&c.Password, "redis-password", ResolveEnvString("STATEPIPE_REDIS_PASSWORD", ""), "Backend password.")
	db, _ := ResolveEnvInt("STATEPIPE_REDIS_DB", 0)
	fs.IntVar(&c.DB, "redis-db", db, "Backend logical database index.")
	tls, _ := ResolveEnvBool("STATEPIPE_REDIS_TLS", false)
	fs.BoolVar(&c.EnableTLS, "redis-tls", tls, "Enable TLS to the backend.")
	maxRetries, _ := ResolveEnvInt("STATEPIPE_REDIS_MAX_RETRIES", 10)
	fs.IntVar(&c.MaxRetries, "redis-max-retries", maxRetries, "Per-command retry bound.")
	retryInterval, _ := ResolveEnvDuration("STATEPIPE_REDIS_RETRY_INTERVAL", 2*time.Second)
	fs.DurationVar(&c.RetryInterval, "redis-retry-interval", retryInterval, "Fixed gap between per-command retries.")
	fs.StringVar(&c.MetricsAddr, "metrics-bind-address", ResolveEnvString("STATEPIPE_METRICS_ADDR", ":9090"),
		"Address the Prometheus metrics endpoint binds to.")
}

// Validate rejects configurations the backend adapter can't act on.
func (c Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("config: namespace must not be empty")
	}
	if c.QueueID == "" {
		return fmt.Errorf("config: queue-id must not be empty")
	}
	if len(c.Addrs) == 0 {
		return fmt.Errorf("config: at least one redis-addrs entry is required")
	}
	switch backend.Topology(c.Topology) {
	case backend.TopologyStandalone, backend.TopologySentinel, backend.TopologyCluster:
	default:
		return fmt.Errorf("config: unknown redis-topology %q", c.Topology)
	}
	if backend.Topology(c.Topology) == backend.TopologySentinel && c.SentinelName == "" {
		return fmt.Errorf("config: redis-sentinel-master is required when redis-topology=sentinel")
	}
	return nil
}

// NamespaceKeys returns the typed namespace this config resolves to.
func (c Config) NamespaceKeys() keys.Namespace { return keys.Namespace(c.Namespace) }

// BackendOptions builds the pkg/backend.Options this config describes.
func (c Config) BackendOptions() backend.Options {
	return backend.Options{
		Topology:      backend.Topology(c.Topology),
		Addrs:         c.Addrs,
		SentinelName:  c.SentinelName,
		Username:      c.Username,
		Password:      c.Password,
		DB:            c.DB,
		EnableTLS:     c.EnableTLS,
		MaxRetries:    c.MaxRetries,
		RetryInterval: c.RetryInterval,
	}
}
