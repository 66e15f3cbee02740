// Package config loads the p2pnetd configuration from a YAML file and
// P2PNET_ environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/florinxfl/go-p2p"
	"github.com/florinxfl/go-p2p/logging"
)

// EnvPrefix prefixes every environment override, e.g. P2PNET_NODE_PORT.
const EnvPrefix = "P2PNET"

// Config is the complete daemon configuration.
type Config struct {
	// Node configures the libp2p node.
	Node NodeConfig `mapstructure:"node" yaml:"node"`

	// API configures the HTTP control API.
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Logging configures the daemon logger.
	Logging logging.Config `mapstructure:"logging" yaml:"logging"`
}

// NodeConfig mirrors p2p.Config with file and environment friendly names.
type NodeConfig struct {
	ProcessName        string   `mapstructure:"process_name" yaml:"process_name"`
	ListenAddresses    []string `mapstructure:"listen_addresses" yaml:"listen_addresses"`
	AdvertiseAddresses []string `mapstructure:"advertise_addresses" yaml:"advertise_addresses"`
	Port               int      `mapstructure:"port" yaml:"port"`
	BootstrapAddresses []string `mapstructure:"bootstrap_addresses" yaml:"bootstrap_addresses"`
	StaticPeers        []string `mapstructure:"static_peers" yaml:"static_peers"`
	DHTProtocolID      string   `mapstructure:"dht_protocol_id" yaml:"dht_protocol_id"`
	PrivateKey         string   `mapstructure:"private_key" yaml:"private_key"`
	SharedKey          string   `mapstructure:"shared_key" yaml:"shared_key"`
	UsePrivateDHT      bool     `mapstructure:"use_private_dht" yaml:"use_private_dht"`
	OptimiseRetries    bool     `mapstructure:"optimise_retries" yaml:"optimise_retries"`
	Advertise          bool     `mapstructure:"advertise" yaml:"advertise"`
	DisableDiscovery   bool     `mapstructure:"disable_discovery" yaml:"disable_discovery"`
	StartInactive      bool     `mapstructure:"start_inactive" yaml:"start_inactive"`

	BytesReportInterval    time.Duration `mapstructure:"bytes_report_interval" yaml:"bytes_report_interval"`
	HeightTopic            string        `mapstructure:"height_topic" yaml:"height_topic"`
	HeightAnnounceInterval time.Duration `mapstructure:"height_announce_interval" yaml:"height_announce_interval"`

	EnablePeerCache bool          `mapstructure:"enable_peer_cache" yaml:"enable_peer_cache"`
	PeerCacheFile   string        `mapstructure:"peer_cache_file" yaml:"peer_cache_file"`
	MaxCachedPeers  int           `mapstructure:"max_cached_peers" yaml:"max_cached_peers"`
	PeerCacheTTL    time.Duration `mapstructure:"peer_cache_ttl" yaml:"peer_cache_ttl"`
	BanListFile     string        `mapstructure:"ban_list_file" yaml:"ban_list_file"`

	EnableConnManager bool          `mapstructure:"enable_conn_manager" yaml:"enable_conn_manager"`
	ConnLowWater      int           `mapstructure:"conn_low_water" yaml:"conn_low_water"`
	ConnHighWater     int           `mapstructure:"conn_high_water" yaml:"conn_high_water"`
	ConnGracePeriod   time.Duration `mapstructure:"conn_grace_period" yaml:"conn_grace_period"`
	MaxConnsPerPeer   int           `mapstructure:"max_conns_per_peer" yaml:"max_conns_per_peer"`

	EnableNATService   bool `mapstructure:"enable_nat_service" yaml:"enable_nat_service"`
	EnableNATPortMap   bool `mapstructure:"enable_nat_port_map" yaml:"enable_nat_port_map"`
	EnableHolePunching bool `mapstructure:"enable_hole_punching" yaml:"enable_hole_punching"`
	EnableRelay        bool `mapstructure:"enable_relay" yaml:"enable_relay"`
	EnableRelayService bool `mapstructure:"enable_relay_service" yaml:"enable_relay_service"`
	EnableAutoNATv2    bool `mapstructure:"enable_autonat_v2" yaml:"enable_autonat_v2"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Default returns the configuration used when no file or override sets a value.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ProcessName:            "p2pnetd",
			ListenAddresses:        []string{"0.0.0.0"},
			AdvertiseAddresses:     []string{},
			Port:                   9905,
			BootstrapAddresses:     []string{},
			StaticPeers:            []string{},
			DHTProtocolID:          "/p2pnet",
			Advertise:              true,
			BytesReportInterval:    p2p.DefaultBytesReportInterval,
			HeightTopic:            p2p.DefaultHeightTopic,
			HeightAnnounceInterval: p2p.DefaultHeightAnnounceInterval,
			EnablePeerCache:        true,
			PeerCacheFile:          "~/.p2pnet/peers.json",
			MaxCachedPeers:         p2p.DefaultMaxCachedPeers,
			PeerCacheTTL:           p2p.DefaultCacheTTL,
			BanListFile:            "~/.p2pnet/bans.json",
			ConnLowWater:           200,
			ConnHighWater:          400,
			ConnGracePeriod:        time.Minute,
			MaxConnsPerPeer:        p2p.DefaultMaxConnsPerPeer,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9906",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads path (if non-empty) over the defaults and applies P2PNET_
// environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()

	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key of defaults with viper so that environment
// overrides apply even to keys the file leaves out.
func setDefaults(v *viper.Viper, defaults *Config) error {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}

	for key, value := range flatten("", tree) {
		v.SetDefault(key, value)
	}

	return nil
}

func flatten(prefix string, tree map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})

	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}

			continue
		}

		out[full] = value
	}

	return out
}

// Save writes cfg to path as YAML, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	n := c.Node

	if len(n.ListenAddresses) == 0 {
		errs = append(errs, errors.New("node.listen_addresses must not be empty"))
	}

	if n.Port < 0 || n.Port > 65535 {
		errs = append(errs, fmt.Errorf("node.port %d out of range", n.Port))
	}

	if n.UsePrivateDHT {
		if key, err := hex.DecodeString(n.SharedKey); err != nil || len(key) != 32 {
			errs = append(errs, errors.New("node.shared_key must be 64 hex characters when use_private_dht is set"))
		}
	}

	if n.PrivateKey != "" {
		if _, err := hex.DecodeString(n.PrivateKey); err != nil {
			errs = append(errs, errors.New("node.private_key must be hex encoded"))
		}
	}

	if n.EnableConnManager && n.ConnLowWater > n.ConnHighWater {
		errs = append(errs, fmt.Errorf("node.conn_low_water %d exceeds conn_high_water %d", n.ConnLowWater, n.ConnHighWater))
	}

	if n.EnableRelayService && !n.EnableRelay {
		errs = append(errs, errors.New("node.enable_relay_service requires node.enable_relay"))
	}

	if n.EnablePeerCache && n.PeerCacheFile == "" {
		errs = append(errs, errors.New("node.peer_cache_file is required when the peer cache is enabled"))
	}

	if c.API.Enabled && c.API.ListenAddr == "" {
		errs = append(errs, errors.New("api.listen_addr is required when the API is enabled"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// P2PConfig converts the node section into the library configuration.
func (c *Config) P2PConfig() p2p.Config {
	n := c.Node

	return p2p.Config{
		ProcessName:            n.ProcessName,
		BootstrapAddresses:     n.BootstrapAddresses,
		ListenAddresses:        n.ListenAddresses,
		AdvertiseAddresses:     n.AdvertiseAddresses,
		Port:                   n.Port,
		DHTProtocolID:          n.DHTProtocolID,
		PrivateKey:             n.PrivateKey,
		SharedKey:              n.SharedKey,
		UsePrivateDHT:          n.UsePrivateDHT,
		OptimiseRetries:        n.OptimiseRetries,
		Advertise:              n.Advertise,
		DisableDiscovery:       n.DisableDiscovery,
		StaticPeers:            n.StaticPeers,
		StartInactive:          n.StartInactive,
		BytesReportInterval:    n.BytesReportInterval,
		HeightTopic:            n.HeightTopic,
		HeightAnnounceInterval: n.HeightAnnounceInterval,
		EnablePeerCache:        n.EnablePeerCache,
		PeerCacheFile:          n.PeerCacheFile,
		MaxCachedPeers:         n.MaxCachedPeers,
		PeerCacheTTL:           n.PeerCacheTTL,
		BanListFile:            n.BanListFile,
		EnableConnManager:      n.EnableConnManager,
		ConnLowWater:           n.ConnLowWater,
		ConnHighWater:          n.ConnHighWater,
		ConnGracePeriod:        n.ConnGracePeriod,
		MaxConnsPerPeer:        n.MaxConnsPerPeer,
		EnableNATService:       n.EnableNATService,
		EnableNATPortMap:       n.EnableNATPortMap,
		EnableHolePunching:     n.EnableHolePunching,
		EnableRelay:            n.EnableRelay,
		EnableRelayService:     n.EnableRelayService,
		EnableAutoNATv2:        n.EnableAutoNATv2,
	}
}
