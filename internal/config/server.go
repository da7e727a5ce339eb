// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the full configuration for nsync-server.
type ServerConfig struct {
	Server      ServerListen      `yaml:"server"`
	TLS         TLSServer         `yaml:"tls"`
	Repository  RepositoryInfo    `yaml:"repository"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     LoggingInfo       `yaml:"logging"`
	WebUI       WebUIConfig       `yaml:"web_ui"`
}

// ServerListen contains the server's listen address.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// TLSServer contains the server's mTLS certificate paths.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// RepositoryInfo configures the on-disk repository: where version
// indices and the content-addressed blob store live, and whether
// blobs are compressed at rest.
type RepositoryInfo struct {
	Root            string `yaml:"root"`
	CompressBlobs   bool   `yaml:"compress_blobs"`
	BlobShardLevels int    `yaml:"blob_shard_levels"` // 1|2 (default: 1); validated only, the blob store always uses one hash-prefix level
}

// ReplicationConfig configures best-effort asynchronous mirroring of
// blobs and version indices to an S3-compatible bucket.
type ReplicationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	Prefix     string `yaml:"prefix"`      // default: "n-sync/"
	Endpoint   string `yaml:"endpoint"`    // optional, for S3-compatible providers
	QueueDepth int    `yaml:"queue_depth"` // default: 256
}

// WebUIConfig configures the observability dashboard's HTTP listener.
type WebUIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9848"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP or CIDR, deny-by-default

	EventsFile     string `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int    `yaml:"events_max_lines"` // default: 10000

	// ParsedCIDRs is populated by validate(); not read from YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoadServerConfig reads and validates the server's YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required")
	}
	if c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required")
	}
	if c.Repository.Root == "" {
		return fmt.Errorf("repository.root is required")
	}
	if c.Repository.BlobShardLevels == 0 {
		c.Repository.BlobShardLevels = 1
	}
	if c.Repository.BlobShardLevels < 1 || c.Repository.BlobShardLevels > 2 {
		return fmt.Errorf("repository.blob_shard_levels must be 1 or 2, got %d", c.Repository.BlobShardLevels)
	}

	if c.Replication.Enabled {
		if c.Replication.Bucket == "" {
			return fmt.Errorf("replication.bucket is required when replication is enabled")
		}
		if c.Replication.Region == "" {
			return fmt.Errorf("replication.region is required when replication is enabled")
		}
		if c.Replication.Prefix == "" {
			c.Replication.Prefix = "n-sync/"
		}
		if c.Replication.QueueDepth <= 0 {
			c.Replication.QueueDepth = 256
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.WebUI.Enabled {
		if c.WebUI.Listen == "" {
			c.WebUI.Listen = "127.0.0.1:9848"
		}
		if c.WebUI.ReadTimeout <= 0 {
			c.WebUI.ReadTimeout = 5 * time.Second
		}
		if c.WebUI.WriteTimeout <= 0 {
			c.WebUI.WriteTimeout = 15 * time.Second
		}
		if c.WebUI.IdleTimeout <= 0 {
			c.WebUI.IdleTimeout = 60 * time.Second
		}
		if c.WebUI.EventsFile == "" {
			c.WebUI.EventsFile = "events.jsonl"
		}
		if c.WebUI.EventsMaxLines <= 0 {
			c.WebUI.EventsMaxLines = 10000
		}
		if len(c.WebUI.AllowOrigins) == 0 {
			return fmt.Errorf("web_ui.allow_origins is required when web_ui is enabled (deny-by-default)")
		}
		for _, origin := range c.WebUI.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("web_ui.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.WebUI.ParsedCIDRs = append(c.WebUI.ParsedCIDRs, cidr)
		}
	}

	return nil
}
