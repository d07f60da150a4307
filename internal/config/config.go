// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/ryandielhenn/zephyrchat/pkg/node"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

const defaultPort = "7946"

type Config struct {
	// SelfID overrides the id derived from SelfAddr.
	SelfID        peer.ID
	SelfAddr      string
	Role          peer.Role
	GatewayAddr   string
	HTTPAddr      string
	EtcdEndpoints []string

	ProbeTimeout     time.Duration
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	RetryInterval    time.Duration
	LivenessInterval time.Duration
	LivenessFailures int
	MaxBackoff       time.Duration

	HealthInterval time.Duration
	HealthFailures int

	LogLevel string
	LogDev   bool
}

func Default() Config {
	return Config{
		Role:             peer.RoleNode,
		HTTPAddr:         ":8080",
		ProbeTimeout:     500 * time.Millisecond,
		ConnectTimeout:   time.Second,
		RequestTimeout:   2 * time.Second,
		RetryInterval:    5 * time.Second,
		LivenessInterval: 2 * time.Second,
		LivenessFailures: 3,
		MaxBackoff:       30 * time.Second,
		HealthInterval:   10 * time.Second,
		HealthFailures:   3,
		LogLevel:         "info",
	}
}

// Load reads the environment through getenv (os.Getenv when nil) on top of
// Default and validates the result.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Default()
	var errs error

	c.SelfID = peer.ID(strings.TrimSpace(getenv("SELF_ID")))
	c.SelfAddr = getenv("SELF_ADDR")
	if v := getenv("ROLE"); v != "" {
		role, ok := peer.ParseRole(v)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("ROLE: unknown role %q", v))
		}
		c.Role = role
	}
	c.GatewayAddr = getenv("GATEWAY_ADDR")
	if v := getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := getenv("ETCD_ENDPOINTS"); v != "" {
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.EtcdEndpoints = append(c.EtcdEndpoints, ep)
			}
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PROBE_TIMEOUT", &c.ProbeTimeout},
		{"CONNECT_TIMEOUT", &c.ConnectTimeout},
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
		{"RETRY_INTERVAL", &c.RetryInterval},
		{"LIVENESS_INTERVAL", &c.LivenessInterval},
		{"MAX_BACKOFF", &c.MaxBackoff},
		{"HEALTH_INTERVAL", &c.HealthInterval},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.key, err))
				continue
			}
			*d.dst = parsed
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"LIVENESS_FAILURES", &c.LivenessFailures},
		{"HEALTH_FAILURES", &c.HealthFailures},
	}
	for _, i := range ints {
		if v := getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", i.key, err))
				continue
			}
			*i.dst = n
		}
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("LOG_DEV"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("LOG_DEV: %w", err))
		}
		c.LogDev = dev
	}

	if errs != nil {
		return Config{}, errs
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) normalize() {
	if c.SelfAddr != "" {
		c.SelfAddr = node.NormalizeHostPort(c.SelfAddr, defaultPort)
	}
	if c.GatewayAddr != "" {
		c.GatewayAddr = node.NormalizeHostPort(c.GatewayAddr, defaultPort)
	}
}

// Validate checks required fields and that every interval is positive.
func (c Config) Validate() error {
	var errs error
	if c.SelfAddr == "" {
		errs = multierr.Append(errs, errors.New("SELF_ADDR is required"))
	}
	if c.Role != peer.RoleGateway && c.GatewayAddr == "" && len(c.EtcdEndpoints) == 0 {
		errs = multierr.Append(errs, errors.New("GATEWAY_ADDR or ETCD_ENDPOINTS is required for role node"))
	}
	for name, d := range map[string]time.Duration{
		"PROBE_TIMEOUT":     c.ProbeTimeout,
		"CONNECT_TIMEOUT":   c.ConnectTimeout,
		"REQUEST_TIMEOUT":   c.RequestTimeout,
		"RETRY_INTERVAL":    c.RetryInterval,
		"LIVENESS_INTERVAL": c.LivenessInterval,
		"MAX_BACKOFF":       c.MaxBackoff,
		"HEALTH_INTERVAL":   c.HealthInterval,
	} {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.LivenessFailures <= 0 {
		errs = multierr.Append(errs, errors.New("LIVENESS_FAILURES must be positive"))
	}
	if c.HealthFailures <= 0 {
		errs = multierr.Append(errs, errors.New("HEALTH_FAILURES must be positive"))
	}
	return errs
}

// NodeConfig maps the process configuration onto a node.Config. directory
// is the address the node registers with.
func (c Config) NodeConfig(directory string) node.Config {
	nc := node.DefaultConfig()
	nc.ID = c.SelfID
	nc.Role = c.Role
	nc.DirectoryAddr = directory
	nc.ProbeTimeout = c.ProbeTimeout
	nc.ConnectTimeout = c.ConnectTimeout
	nc.RequestTimeout = c.RequestTimeout
	nc.RetryInterval = c.RetryInterval
	nc.LivenessInterval = c.LivenessInterval
	nc.LivenessFailures = c.LivenessFailures
	nc.MaxBackoff = c.MaxBackoff
	return nc
}
