package node

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

type Config struct {
	// ID overrides the address-derived id.
	ID   peer.ID
	Role peer.Role
	// DirectoryAddr is where the node registers. A gateway points it at
	// its own transport address.
	DirectoryAddr string

	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	RetryInterval  time.Duration

	// LivenessInterval paces parent and child probing; zero disables it.
	LivenessInterval time.Duration
	LivenessFailures int

	// InitialBackoff and MaxBackoff bound retries while the directory is
	// unreachable.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// DedupeSize is the number of recent departure signals remembered, and
	// separately of abandoned connect requests.
	DedupeSize int

	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		Role:             peer.RoleNode,
		ProbeTimeout:     500 * time.Millisecond,
		ConnectTimeout:   time.Second,
		RequestTimeout:   2 * time.Second,
		RetryInterval:    5 * time.Second,
		LivenessInterval: 2 * time.Second,
		LivenessFailures: 3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		DedupeSize:       1024,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.LivenessFailures <= 0 {
		c.LivenessFailures = d.LivenessFailures
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = d.DedupeSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
