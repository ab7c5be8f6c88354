package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type APIConfig struct {
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WalletConfig struct {
	Key string `yaml:"key"` // WIF used to sign withdrawal payloads
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MiningConfig drives the accrual engine. Amounts are decimal strings so
// that YAML float parsing never rounds them.
type MiningConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	BlockReward       string        `yaml:"block_reward"`
	NetworkDifficulty string        `yaml:"network_difficulty"`
	SecondsPerBlock   int64         `yaml:"seconds_per_block"`
	VarianceMin       float64       `yaml:"variance_min"`
	VarianceMax       float64       `yaml:"variance_max"`
	PayoutProbability float64       `yaml:"payout_probability"`
	PayoutMin         string        `yaml:"payout_min"`
	PayoutMax         string        `yaml:"payout_max"`
	StartBonusMin     string        `yaml:"start_bonus_min"`
	StartBonusMax     string        `yaml:"start_bonus_max"`
}

// SettlementConfig holds the withdrawal policy and the external collaborators.
type SettlementConfig struct {
	ConfirmationThreshold int           `yaml:"confirmation_threshold"`
	PartialConfirmations  int           `yaml:"partial_confirmations"`
	FirstDelay            time.Duration `yaml:"first_delay"`
	SecondDelay           time.Duration `yaml:"second_delay"`
	CallTimeout           time.Duration `yaml:"call_timeout"`
	DebitMode             string        `yaml:"debit_mode"`     // "after_submit" or "reserve"
	VerifierMode          string        `yaml:"verifier_mode"`  // "local" or "http"
	VerifierURL           string        `yaml:"verifier_url"`
	ProcessorMode         string        `yaml:"processor_mode"` // "wallet" or "http"
	ProcessorURL          string        `yaml:"processor_url"`
	CompensateURL         string        `yaml:"compensate_url"`
	MinWithdrawal         string        `yaml:"min_withdrawal"`
	MaxWithdrawal         string        `yaml:"max_withdrawal"`
}

// NetworkConfig points at a Block Headers Service for live difficulty.
type NetworkConfig struct {
	BHSURL       string        `yaml:"bhs_url"`
	BHSAPIKey    string        `yaml:"bhs_api_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type GossipConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Port           int      `yaml:"port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	EnableDHT      bool     `yaml:"enable_dht"`
	FeedSize       int      `yaml:"feed_size"`
}

type Config struct {
	DataDir     string           `yaml:"data_dir"`
	CatalogPath string           `yaml:"catalog_path"`
	API         APIConfig        `yaml:"api"`
	Log         LogConfig        `yaml:"log"`
	Wallet      WalletConfig     `yaml:"wallet"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Mining      MiningConfig     `yaml:"mining"`
	Settlement  SettlementConfig `yaml:"settlement"`
	Network     NetworkConfig    `yaml:"network"`
	Gossip      GossipConfig     `yaml:"gossip"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".hashdash"),
		API: APIConfig{
			Port: 8420,
			Bind: "127.0.0.1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{Enabled: true},
		Mining: MiningConfig{
			Enabled:           false,
			TickInterval:      time.Second,
			BlockReward:       "3.125",
			NetworkDifficulty: "83148355189239.77",
			SecondsPerBlock:   600,
			VarianceMin:       0.8,
			VarianceMax:       1.2,
			PayoutProbability: 0.001,
			PayoutMin:         "0.00001",
			PayoutMax:         "0.0001",
			StartBonusMin:     "0.000001",
			StartBonusMax:     "0.00001",
		},
		Settlement: SettlementConfig{
			ConfirmationThreshold: 3,
			PartialConfirmations:  1,
			FirstDelay:            8 * time.Second,
			SecondDelay:           15 * time.Second,
			CallTimeout:           30 * time.Second,
			DebitMode:             "after_submit",
			VerifierMode:          "local",
			ProcessorMode:         "wallet",
			MinWithdrawal:         "0.0001",
			MaxWithdrawal:         "10",
		},
		Network: NetworkConfig{
			PollInterval: 5 * time.Minute,
		},
		Gossip: GossipConfig{
			Enabled:   false,
			Port:      4021,
			EnableDHT: true,
			FeedSize:  100,
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.expandPaths()
	return cfg, nil
}

// LoadFromBytes parses YAML config from bytes and merges with defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) expandPaths() {
	c.DataDir = expandHome(c.DataDir)
	c.CatalogPath = expandHome(c.CatalogPath)
	if c.CatalogPath == "" {
		c.CatalogPath = filepath.Join(c.DataDir, "catalog.yaml")
	}
}

func expandHome(p string) string {
	if len(p) > 0 && p[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[1:])
	}
	return p
}

// applyEnv overlays environment variables on top of config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("HASHDASH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HASHDASH_CATALOG"); v != "" {
		c.CatalogPath = v
	}
	if v := os.Getenv("HASHDASH_WALLET_KEY"); v != "" {
		c.Wallet.Key = v
	}
	if v := os.Getenv("HASHDASH_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}
	if v := os.Getenv("HASHDASH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HASHDASH_VERIFIER_URL"); v != "" {
		c.Settlement.VerifierURL = v
		c.Settlement.VerifierMode = "http"
	}
	if v := os.Getenv("HASHDASH_PROCESSOR_URL"); v != "" {
		c.Settlement.ProcessorURL = v
		c.Settlement.ProcessorMode = "http"
	}
	if v := os.Getenv("HASHDASH_BHS_URL"); v != "" {
		c.Network.BHSURL = v
	}
	if v := os.Getenv("HASHDASH_BHS_API_KEY"); v != "" {
		c.Network.BHSAPIKey = v
	}
}

// DBPath returns the full path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "hashdash.db")
}
