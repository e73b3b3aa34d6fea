package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mambagen/internal/inference"
)

const envConfigPath = "MAMBAGEN_CONFIG"

// Config represents the mambagen configuration file
// (~/.config/mambagen/config.yaml). All fields are pointers or strings so
// "not set" is distinguishable from zero values.
type Config struct {
	ModelVersion string `yaml:"model_version"`
	CacheDir     string `yaml:"cache_dir"`
	Offline      *bool  `yaml:"offline"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopP          *float64 `yaml:"top_p"`
	TopK          *int     `yaml:"top_k"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int     `yaml:"repeat_last_n"`
	Seed          *uint64  `yaml:"seed"`
	MaxNewTokens  *int     `yaml:"max_new_tokens"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
	RateBurst     *int     `yaml:"rate_burst"`
}

func configPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mambagen", "config.yaml")
}

// GenDefaults returns the sampling defaults the file carries.
func (c Config) GenDefaults() inference.GenDefaults {
	return inference.GenDefaults{
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		RepeatPenalty: c.RepeatPenalty,
		RepeatLastN:   c.RepeatLastN,
		MaxNewTokens:  c.MaxNewTokens,
	}
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelVersion != "" && !c.IsSet("model-version") {
		modelVersion = cfg.ModelVersion
	}
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	if cfg.Offline != nil && !c.IsSet("offline") {
		offline = *cfg.Offline
	}
}

// applyRunConfig applies config file defaults to run command variables.
func applyRunConfig(c *cli.Command, cfg Config, topK *int, seed *uint64, streamMode *string) {
	applyModelConfig(c, cfg)
	if cfg.TopK != nil && !c.IsSet("top-k") {
		*topK = *cfg.TopK
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.StreamMode != "" && !c.IsSet("stream-mode") {
		*streamMode = cfg.StreamMode
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rateLimit *float64, rateBurst *int) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*rateLimit = *cfg.RateLimit
	}
	if cfg.RateBurst != nil && !c.IsSet("rate-burst") {
		*rateBurst = *cfg.RateBurst
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or does not parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	cfg, err := readConfig(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
