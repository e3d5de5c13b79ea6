package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/swapctl/internal/registry"
	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	MaxStale       string
	NoCache        bool
	RPCURL         string
	Verbose        bool
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int
	MaxStale       time.Duration
	CacheEnabled   bool
	CachePath      string
	CacheLockPath  string
	Verbose        bool

	PendingStorePath string
	PendingLockPath  string

	AggregatorBaseURL string
	AggregatorAPIKey  string
	FeeRecipient      string
	FeeBps            int

	DefaultSlippageBps   int
	ApprovalPollInterval time.Duration
	ApprovalTimeout      time.Duration

	KeySource    string
	RPCURL       string
	RPCOverrides map[int64]string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Pending struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"pending"`
	Aggregator struct {
		BaseURL      string `yaml:"base_url"`
		APIKey       string `yaml:"api_key"`
		APIKeyEnv    string `yaml:"api_key_env"`
		FeeRecipient string `yaml:"fee_recipient"`
		FeeBps       *int   `yaml:"fee_bps"`
	} `yaml:"aggregator"`
	Swap struct {
		DefaultSlippageBps   *int   `yaml:"default_slippage_bps"`
		ApprovalPollInterval string `yaml:"approval_poll_interval"`
		ApprovalTimeout      string `yaml:"approval_timeout"`
	} `yaml:"swap"`
	Wallet struct {
		KeySource    string            `yaml:"key_source"`
		RPCURL       string            `yaml:"rpc_url"`
		RPCOverrides map[string]string `yaml:"rpc_overrides"`
	} `yaml:"wallet"`
}

// maxFeeBps caps the configurable integrator fee at 3%.
const maxFeeBps = 300

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.FeeBps < 0 {
		settings.FeeBps = 0
	}
	if settings.FeeBps > maxFeeBps {
		settings.FeeBps = maxFeeBps
	}
	if !registry.IsAllowedAggregatorURL(settings.AggregatorBaseURL) {
		return Settings{}, fmt.Errorf("aggregator base url must be https (or http on loopback): %s", settings.AggregatorBaseURL)
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:           "json",
		Timeout:              10 * time.Second,
		Retries:              2,
		MaxStale:             5 * time.Minute,
		CacheEnabled:         true,
		CachePath:            cachePath,
		CacheLockPath:        lockPath,
		PendingStorePath:     filepath.Join(cacheDir, "pending.db"),
		PendingLockPath:      filepath.Join(cacheDir, "pending.lock"),
		DefaultSlippageBps:   50,
		ApprovalPollInterval: 2 * time.Second,
		ApprovalTimeout:      30 * time.Second,
		KeySource:            "auto",
		RPCOverrides:         map[int64]string{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "swapctl", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "swapctl")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Pending.Path != "" {
		settings.PendingStorePath = cfg.Pending.Path
	}
	if cfg.Pending.LockPath != "" {
		settings.PendingLockPath = cfg.Pending.LockPath
	}
	if cfg.Aggregator.BaseURL != "" {
		settings.AggregatorBaseURL = cfg.Aggregator.BaseURL
	}
	if cfg.Aggregator.APIKey != "" {
		settings.AggregatorAPIKey = cfg.Aggregator.APIKey
	}
	if cfg.Aggregator.APIKeyEnv != "" {
		settings.AggregatorAPIKey = os.Getenv(cfg.Aggregator.APIKeyEnv)
	}
	if cfg.Aggregator.FeeRecipient != "" {
		settings.FeeRecipient = cfg.Aggregator.FeeRecipient
	}
	if cfg.Aggregator.FeeBps != nil {
		settings.FeeBps = *cfg.Aggregator.FeeBps
	}
	if cfg.Swap.DefaultSlippageBps != nil {
		settings.DefaultSlippageBps = *cfg.Swap.DefaultSlippageBps
	}
	if cfg.Swap.ApprovalPollInterval != "" {
		d, err := time.ParseDuration(cfg.Swap.ApprovalPollInterval)
		if err != nil {
			return fmt.Errorf("config swap.approval_poll_interval: %w", err)
		}
		settings.ApprovalPollInterval = d
	}
	if cfg.Swap.ApprovalTimeout != "" {
		d, err := time.ParseDuration(cfg.Swap.ApprovalTimeout)
		if err != nil {
			return fmt.Errorf("config swap.approval_timeout: %w", err)
		}
		settings.ApprovalTimeout = d
	}
	if cfg.Wallet.KeySource != "" {
		settings.KeySource = strings.ToLower(cfg.Wallet.KeySource)
	}
	if cfg.Wallet.RPCURL != "" {
		settings.RPCURL = cfg.Wallet.RPCURL
	}
	for key, value := range cfg.Wallet.RPCOverrides {
		chainID, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return fmt.Errorf("config wallet.rpc_overrides: invalid chain id %q", key)
		}
		settings.RPCOverrides[chainID] = strings.TrimSpace(value)
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("SWAPCTL_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPCTL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("SWAPCTL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("SWAPCTL_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("SWAPCTL_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("SWAPCTL_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("SWAPCTL_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("SWAPCTL_PENDING_PATH"); v != "" {
		settings.PendingStorePath = v
	}
	if v := os.Getenv("SWAPCTL_PENDING_LOCK_PATH"); v != "" {
		settings.PendingLockPath = v
	}
	if v := os.Getenv("SWAPCTL_AGGREGATOR_URL"); v != "" {
		settings.AggregatorBaseURL = v
	}
	if v := os.Getenv("SWAPCTL_AGGREGATOR_API_KEY"); v != "" {
		settings.AggregatorAPIKey = v
	}
	if v := os.Getenv("SWAPCTL_FEE_RECIPIENT"); v != "" {
		settings.FeeRecipient = v
	}
	if v := os.Getenv("SWAPCTL_FEE_BPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.FeeBps = n
		}
	}
	if v := os.Getenv("SWAPCTL_SLIPPAGE_BPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.DefaultSlippageBps = n
		}
	}
	if v := os.Getenv("SWAPCTL_KEY_SOURCE"); v != "" {
		settings.KeySource = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPCTL_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("SWAPCTL_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Verbose = b
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		parts := strings.Split(flags.EnableCommands, ",")
		allowed := make([]string, 0, len(parts))
		for _, part := range parts {
			v := strings.TrimSpace(part)
			if v != "" {
				allowed = append(allowed, v)
			}
		}
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if strings.TrimSpace(flags.RPCURL) != "" {
		settings.RPCURL = strings.TrimSpace(flags.RPCURL)
	}
	if flags.Verbose {
		settings.Verbose = true
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}
