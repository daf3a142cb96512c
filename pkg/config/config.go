// Package config provides a reusable loader for the node's configuration
// files and environment variables, grounded on the teacher's viper-based
// pkg/config loader.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rg-network/node/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for one node process.
type Config struct {
	Network struct {
		Environment    string   `mapstructure:"environment" json:"environment"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
	} `mapstructure:"network" json:"network"`

	Node struct {
		PrivateKeyHex string `mapstructure:"private_key_hex" json:"private_key_hex"`
		GenesisFile   string `mapstructure:"genesis_file" json:"genesis_file"`
	} `mapstructure:"node" json:"node"`

	Mempool struct {
		Capacity         int `mapstructure:"capacity" json:"capacity"`
		FinalizationMS   int `mapstructure:"finalization_ms" json:"finalization_ms"`
		ResolveTimeoutMS int `mapstructure:"resolve_timeout_ms" json:"resolve_timeout_ms"`
	} `mapstructure:"mempool" json:"mempool"`

	Observation struct {
		FormationMillis int `mapstructure:"formation_millis" json:"formation_millis"`
		QueueCapacity   int `mapstructure:"queue_capacity" json:"queue_capacity"`
	} `mapstructure:"observation" json:"observation"`

	Party struct {
		PollIntervalMS   int      `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
		OrderCutoffMS    int      `mapstructure:"order_cutoff_ms" json:"order_cutoff_ms"`
		SelfPartyKeysHex []string `mapstructure:"self_party_keys_hex" json:"self_party_keys_hex"`
		SeedNodeKeysHex  []string `mapstructure:"seed_node_keys_hex" json:"seed_node_keys_hex"`
		SignerEndpoint   string   `mapstructure:"signer_endpoint" json:"signer_endpoint"`

		BTC struct {
			RPCHost string `mapstructure:"rpc_host" json:"rpc_host"`
			RPCUser string `mapstructure:"rpc_user" json:"rpc_user"`
			RPCPass string `mapstructure:"rpc_pass" json:"rpc_pass"`
		} `mapstructure:"btc" json:"btc"`

		ETH struct {
			RPCURL    string `mapstructure:"rpc_url" json:"rpc_url"`
			ScanDepth uint64 `mapstructure:"scan_depth" json:"scan_depth"`
		} `mapstructure:"eth" json:"eth"`
	} `mapstructure:"party" json:"party"`

	Storage struct {
		Backend     string `mapstructure:"backend" json:"backend"` // "memory" | "postgres"
		DataDir     string `mapstructure:"data_dir" json:"data_dir"`
		PostgresDSN string `mapstructure:"postgres_dsn" json:"postgres_dsn"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Feed struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"feed" json:"feed"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // best effort; missing .env is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/rgnode/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.SetEnvPrefix("RGNODE")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the RGNODE_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("RGNODE_ENV", ""))
}

func setDefaults() {
	viper.SetDefault("network.environment", "dev")
	viper.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/0")
	viper.SetDefault("network.discovery_tag", "rgnode")
	viper.SetDefault("network.max_peers", 64)
	viper.SetDefault("mempool.capacity", 4096)
	viper.SetDefault("mempool.finalization_ms", 2000)
	viper.SetDefault("mempool.resolve_timeout_ms", 1500)
	viper.SetDefault("observation.formation_millis", 1000)
	viper.SetDefault("observation.queue_capacity", 8192)
	viper.SetDefault("party.poll_interval_ms", 15000)
	viper.SetDefault("party.order_cutoff_ms", 60000)
	viper.SetDefault("storage.backend", "memory")
	viper.SetDefault("storage.data_dir", "./data")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("metrics.listen_addr", "127.0.0.1:9190")
	viper.SetDefault("feed.listen_addr", "127.0.0.1:9191")
}
