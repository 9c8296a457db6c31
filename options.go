package meshkv

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/meshdb/meshkv/internal/xlog"
)

// Option configures a MeshNode on creation. Return an error to reject an
// invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for a meshkv node.
type Config struct {
	NodeID            string
	BindAddr          string
	Seeds             []string
	LANDiscovery      bool
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	SyncInterval      time.Duration
	DiscoveryInterval time.Duration
	LogLevel          string

	logger           xlog.Logger
	onStateChange    StateChangeFunc
	onPeerDiscovered PeerDiscoveredFunc
	onPeerFailed     PeerFailedFunc
}

func defaultConfig() Config {
	return Config{
		LANDiscovery:      false,
		HeartbeatInterval: 5 * time.Second,
		PeerTimeout:       15 * time.Second,
		SyncInterval:      10 * time.Second,
		DiscoveryInterval: 30 * time.Second,
		LogLevel:          "info",
	}
}

func (c *Config) finalize() error {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.BindAddr == "" {
		return fmt.Errorf("meshkv: bind addr is required")
	}
	if err := validateAddr(c.BindAddr); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("meshkv: heartbeat interval must be positive")
	}
	if c.PeerTimeout <= 0 {
		return fmt.Errorf("meshkv: peer timeout must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("meshkv: sync interval must be positive")
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("meshkv: discovery interval must be positive")
	}
	if c.logger == nil {
		c.logger = xlog.New(c.LogLevel)
	}
	return nil
}

// WithNodeID sets a stable node identifier used in mesh metadata. If
// omitted, a random UUID is generated.
func WithNodeID(nodeID string) Option {
	return func(c *Config) error {
		if nodeID == "" {
			return fmt.Errorf("meshkv: node id cannot be empty")
		}
		c.NodeID = nodeID
		return nil
	}
}

// WithBindAddr sets the local UDP bind address in host:port form.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("meshkv: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		return nil
	}
}

// WithSeeds sets the initial bootstrap peer addresses, in host:port form.
func WithSeeds(seeds []string) Option {
	return func(c *Config) error {
		c.Seeds = append([]string(nil), seeds...)
		return nil
	}
}

// WithLANDiscovery enables supplemental mDNS-based LAN peer discovery.
// Discovered addresses are added as bootstrap seeds, not observed directly.
func WithLANDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.LANDiscovery = enabled
		return nil
	}
}

// WithHeartbeatInterval sets how often the node broadcasts HEARTBEAT packets
// to its known peers. Default 5s.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("meshkv: heartbeat interval must be positive")
		}
		c.HeartbeatInterval = d
		return nil
	}
}

// WithPeerTimeout sets how long a peer may go unseen before it is marked
// dead. Default 15s.
func WithPeerTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("meshkv: peer timeout must be positive")
		}
		c.PeerTimeout = d
		return nil
	}
}

// WithSyncInterval sets how often the node performs anti-entropy
// synchronization with each alive peer. Default 10s.
func WithSyncInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("meshkv: sync interval must be positive")
		}
		c.SyncInterval = d
		return nil
	}
}

// WithDiscoveryInterval sets how often the node gossips its known-peer list.
// Default 30s.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("meshkv: discovery interval must be positive")
		}
		c.DiscoveryInterval = d
		return nil
	}
}

// WithLogLevel sets the structured logger's minimum level ("debug", "info",
// "warn", "error"). Ignored if WithLogger is also set.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.LogLevel = level
		return nil
	}
}

// WithLogger installs a caller-provided logger instead of the default
// zap-backed one.
func WithLogger(logger xlog.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("meshkv: logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithStateChangeFunc installs a hook invoked, outside any internal lock,
// whenever a key's live value changes locally (via Set/Delete or merge).
func WithStateChangeFunc(fn StateChangeFunc) Option {
	return func(c *Config) error {
		c.onStateChange = fn
		return nil
	}
}

// WithPeerDiscoveredFunc installs a hook invoked when a new peer is first
// observed.
func WithPeerDiscoveredFunc(fn PeerDiscoveredFunc) Option {
	return func(c *Config) error {
		c.onPeerDiscovered = fn
		return nil
	}
}

// WithPeerFailedFunc installs a hook invoked when a peer transitions from
// alive to dead.
func WithPeerFailedFunc(fn PeerFailedFunc) Option {
	return func(c *Config) error {
		c.onPeerFailed = fn
		return nil
	}
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("meshkv: invalid address %q: %w", addr, err)
	}
	return nil
}
