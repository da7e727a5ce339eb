// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the full configuration for nsync-client.
type ClientConfig struct {
	Client  ClientInfo   `yaml:"client"`
	Daemon  DaemonInfo   `yaml:"daemon"`
	Server  ServerAddr   `yaml:"server"`
	TLS     TLSClient    `yaml:"tls"`
	Tree    WorkingTree  `yaml:"tree"`
	Retry   RetryInfo    `yaml:"retry"`
	Logging LoggingInfo  `yaml:"logging"`
}

// ClientInfo identifies the client installation.
type ClientInfo struct {
	Name string `yaml:"name"`
}

// DaemonInfo contains the scheduler's cron expression for unattended
// sync runs. It is used when `sync` runs without --once; an empty
// schedule makes daemon mode fail to start.
type DaemonInfo struct {
	Schedule string `yaml:"schedule"`
}

// ServerAddr contains the remote sync server's address.
type ServerAddr struct {
	Address string `yaml:"address"`
}

// TLSClient contains the client's mTLS certificate paths.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// WorkingTree configures the local directory being kept in sync and
// the walker's behavior over it.
type WorkingTree struct {
	Root             string   `yaml:"root"`
	Exclude          []string `yaml:"exclude"`
	BandwidthLimit   string   `yaml:"bandwidth_limit"` // ex: "50mb" (0/empty = unlimited)
	BandwidthLimitRaw int64   `yaml:"-"`
	CacheFile        string   `yaml:"cache_file"` // default: ".nsync-cache"
}

// RetryInfo contains exponential-backoff retry settings for failed sync
// attempts.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// LoggingInfo contains logging settings shared by client and server.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadClientConfig reads and validates the client's YAML config file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Client.Name == "" {
		return fmt.Errorf("client.name is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ClientCert == "" {
		return fmt.Errorf("tls.client_cert is required")
	}
	if c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required")
	}
	if c.Tree.Root == "" {
		return fmt.Errorf("tree.root is required")
	}
	if c.Tree.CacheFile == "" {
		c.Tree.CacheFile = ".nsync-cache"
	}

	if c.Tree.BandwidthLimit != "" {
		parsed, err := ParseByteSize(c.Tree.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("tree.bandwidth_limit: %w", err)
		}
		if parsed != 0 && parsed < 64*1024 {
			return fmt.Errorf("tree.bandwidth_limit must be at least 64kb, got %s", c.Tree.BandwidthLimit)
		}
		c.Tree.BandwidthLimitRaw = parsed
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable strings like "256mb", "1gb"
// to a byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
