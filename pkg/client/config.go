package client

import (
	"flag"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/cqlkit/pkg/compress"
	"github.com/grafana/cqlkit/pkg/conn"
	"github.com/grafana/cqlkit/pkg/control"
	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// Config holds everything needed to connect to a cluster. The zero value is
// not usable; call RegisterFlags or fill in at least Addresses.
type Config struct {
	Addresses       string `yaml:"addresses"`
	Port            int    `yaml:"port"`
	ProtocolVersion int    `yaml:"protocol_version"`
	Compression     string `yaml:"compression"`
	Consistency     string `yaml:"consistency"`
	LocalDatacenter string `yaml:"local_datacenter"`

	Auth     bool   `yaml:"auth"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Connection conn.Config    `yaml:"connection"`
	Pooling    PoolingConfig  `yaml:"pooling"`
	Control    control.Config `yaml:"control"`

	PreparedCacheSize int `yaml:"prepared_cache_size"`
}

// PoolingConfig sizes per-host pools by distance. Remote hosts get the
// reduced remote sizes.
type PoolingConfig struct {
	Local           conn.PoolConfig `yaml:"local"`
	RemoteCoreConns int             `yaml:"remote_core_connections_per_host"`
	RemoteMaxConns  int             `yaml:"remote_max_connections_per_host"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given
// FlagSet with a specified prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Addresses, prefix+"addresses", "", "Comma-separated hostnames or IPs of the contact points.")
	f.IntVar(&cfg.Port, prefix+"port", 9042, "Port that the cluster is running on.")
	f.IntVar(&cfg.ProtocolVersion, prefix+"protocol-version", int(cqlproto.MaxVersion), "Highest native protocol version to negotiate.")
	f.StringVar(&cfg.Compression, prefix+"compression", "", "Frame body compression: SNAPPY, LZ4 or empty for none.")
	f.StringVar(&cfg.Consistency, prefix+"consistency", "QUORUM", "Default consistency level.")
	f.StringVar(&cfg.LocalDatacenter, prefix+"local-datacenter", "", "Datacenter to prefer for coordination. Empty treats every host as local.")
	f.BoolVar(&cfg.Auth, prefix+"auth", false, "Enable password authentication.")
	f.StringVar(&cfg.Username, prefix+"username", "", "Username for password authentication.")
	f.StringVar(&cfg.Password, prefix+"password", "", "Password for password authentication.")
	f.IntVar(&cfg.PreparedCacheSize, prefix+"prepared-cache-size", 1000, "Number of prepared statements to cache.")
	cfg.Connection.RegisterFlagsWithPrefix(prefix+"connection.", f)
	cfg.Pooling.Local.RegisterFlagsWithPrefix(prefix+"pooling.", f)
	f.IntVar(&cfg.Pooling.RemoteCoreConns, prefix+"pooling.remote-core-connections-per-host", 1, "Connections opened eagerly to each remote host.")
	f.IntVar(&cfg.Pooling.RemoteMaxConns, prefix+"pooling.remote-max-connections-per-host", 1, "Connection ceiling for each remote host.")
	cfg.Control.RegisterFlagsWithPrefix(prefix+"control.", f)
}

// Validate checks the parts of the config that cannot fail late.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Addresses) == "" {
		return errors.New("no addresses configured")
	}
	if v := cqlproto.Version(cfg.ProtocolVersion); v < cqlproto.MinVersion || v > cqlproto.MaxVersion {
		return errors.Errorf("unsupported protocol version %d", cfg.ProtocolVersion)
	}
	if _, err := cfg.compressor(); err != nil {
		return err
	}
	if _, err := cqlproto.ParseConsistency(cfg.Consistency); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) contactPoints() []string {
	var points []string
	for _, a := range strings.Split(cfg.Addresses, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !strings.Contains(a, ":") {
			a = fmt.Sprintf("%s:%d", a, cfg.Port)
		}
		points = append(points, a)
	}
	return points
}

func (cfg *Config) compressor() (cqlproto.Compressor, error) {
	switch strings.ToUpper(cfg.Compression) {
	case "", "NONE":
		return nil, nil
	case "SNAPPY":
		return compress.Snappy{}, nil
	case "LZ4":
		return compress.LZ4{}, nil
	}
	return nil, errors.Errorf("unknown compression %q", cfg.Compression)
}

func (cfg *Config) connConfig() conn.Config {
	c := cfg.Connection
	if comp, err := cfg.compressor(); err == nil {
		c.Compressor = comp
	}
	if cfg.Auth {
		c.Authenticator = conn.PasswordAuthenticator{Username: cfg.Username, Password: cfg.Password}
	}
	return c
}
