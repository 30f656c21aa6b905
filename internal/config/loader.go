package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the optional TOML configuration file. It covers
// operational knobs only; credentials always come from the environment.
type TOMLConfig struct {
	Bot       TOMLBotConfig       `toml:"bot"`
	HTTP      TOMLHTTPConfig      `toml:"http"`
	Cadence   TOMLCadenceConfig   `toml:"cadence"`
	Limits    TOMLLimitsConfig    `toml:"limits"`
	Transform TOMLTransformConfig `toml:"transform"`
	Repost    TOMLRepostConfig    `toml:"repost"`
	OutboxDir string              `toml:"outbox_dir"`
	DevMode   bool                `toml:"dev_mode"`
}

// TOMLBotConfig represents bot configuration in TOML
type TOMLBotConfig struct {
	Handle           string   `toml:"handle"`
	Mode             string   `toml:"mode"`
	ImagePipeline    string   `toml:"image_pipeline"`
	WhitelistHandles []string `toml:"whitelist_handles"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	TimeoutSecs int      `toml:"timeout_secs"`
}

// TOMLCadenceConfig represents cadence configuration in TOML
type TOMLCadenceConfig struct {
	PollSeconds    int `toml:"poll_seconds"`
	AwakeMinSecs   int `toml:"awake_min_secs"`
	AwakeMaxSecs   int `toml:"awake_max_secs"`
	SleeperMinSecs int `toml:"sleeper_min_secs"`
	SleeperMaxSecs int `toml:"sleeper_max_secs"`
}

// TOMLLimitsConfig represents limiter configuration in TOML
type TOMLLimitsConfig struct {
	PerAuthorHourly int `toml:"per_author_hourly"`
	PerTargetHourly int `toml:"per_target_hourly"`
}

// TOMLTransformConfig represents transform-service configuration in TOML
type TOMLTransformConfig struct {
	Model            string `toml:"model"`
	BaseURL          string `toml:"base_url"`
	StyleURL         string `toml:"style_url"`
	TimeoutSecs      int    `toml:"timeout_secs"`
	PollIntervalSecs int    `toml:"poll_interval_secs"`
	MaxConcurrency   int    `toml:"max_concurrency"`
	MaxAttempts      int    `toml:"max_attempts"`
}

// TOMLRepostConfig represents repost configuration in TOML
type TOMLRepostConfig struct {
	LikeThreshold int `toml:"like_threshold"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"crybb.toml",
	"config.toml",
	"./config/crybb.toml",
	"/etc/crybb/config.toml",
}

// LoadWithFile loads configuration from environment variables, applying
// values from a TOML file only where the environment did not set them.
// CRYBB_CONFIG names an explicit file; otherwise standard locations are
// searched.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("CRYBB_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		return cfg, nil
	}

	var fileCfg TOMLConfig
	if _, err := toml.DecodeFile(configPath, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	applyFile(cfg, &fileCfg)
	return cfg, nil
}

// applyFile copies file values into cfg for fields the environment left
// at their defaults. Env vars win: a set env var is detected through
// os.LookupEnv rather than by comparing against default values.
func applyFile(cfg *Config, tc *TOMLConfig) {
	set := func(envKey string) bool {
		_, ok := os.LookupEnv(envKey)
		return !ok
	}

	if tc.Bot.Handle != "" && set("BOT_HANDLE") {
		cfg.Bot.Handle = tc.Bot.Handle
	}
	if tc.Bot.Mode != "" && set("X_MODE") {
		cfg.Bot.Mode = tc.Bot.Mode
	}
	if tc.Bot.ImagePipeline != "" && set("IMAGE_PIPELINE") {
		cfg.Bot.ImagePipeline = tc.Bot.ImagePipeline
	}
	if len(tc.Bot.WhitelistHandles) > 0 && set("WHITELIST_HANDLES") {
		cfg.Bot.WhitelistHandles = tc.Bot.WhitelistHandles
	}

	if tc.HTTP.Port != 0 && set("HTTP_PORT") {
		cfg.HTTP.Port = tc.HTTP.Port
	}
	if len(tc.HTTP.CORSOrigins) > 0 && set("CORS_ORIGINS") {
		cfg.HTTP.CORSOrigins = tc.HTTP.CORSOrigins
	}
	if tc.HTTP.TimeoutSecs != 0 && set("HTTP_TIMEOUT_SECS") {
		cfg.HTTP.Timeout = secs(tc.HTTP.TimeoutSecs)
	}

	if tc.Cadence.PollSeconds != 0 && set("POLL_SECONDS") {
		cfg.Cadence.PollSeconds = tc.Cadence.PollSeconds
	}
	if tc.Cadence.AwakeMinSecs != 0 && set("AWAKE_MIN_SECS") {
		cfg.Cadence.AwakeMin = secs(tc.Cadence.AwakeMinSecs)
	}
	if tc.Cadence.AwakeMaxSecs != 0 && set("AWAKE_MAX_SECS") {
		cfg.Cadence.AwakeMax = secs(tc.Cadence.AwakeMaxSecs)
	}
	if tc.Cadence.SleeperMinSecs != 0 && set("SLEEPER_MIN_SECS") {
		cfg.Cadence.SleeperMin = secs(tc.Cadence.SleeperMinSecs)
	}
	if tc.Cadence.SleeperMaxSecs != 0 && set("SLEEPER_MAX_SECS") {
		cfg.Cadence.SleeperMax = secs(tc.Cadence.SleeperMaxSecs)
	}

	if tc.Limits.PerAuthorHourly != 0 && set("PER_AUTHOR_HOURLY_LIMIT") {
		cfg.Limits.PerAuthorHourly = tc.Limits.PerAuthorHourly
	}
	if tc.Limits.PerTargetHourly != 0 && set("PER_TARGET_HOURLY_LIMIT") {
		cfg.Limits.PerTargetHourly = tc.Limits.PerTargetHourly
	}

	if tc.Transform.Model != "" && set("REPLICATE_MODEL") {
		cfg.Transform.Model = tc.Transform.Model
	}
	if tc.Transform.BaseURL != "" && set("REPLICATE_BASE_URL") {
		cfg.Transform.BaseURL = tc.Transform.BaseURL
	}
	if tc.Transform.StyleURL != "" && set("CRYBB_STYLE_URL") {
		cfg.Transform.StyleURL = tc.Transform.StyleURL
	}
	if tc.Transform.TimeoutSecs != 0 && set("AI_TIMEOUT") {
		cfg.Transform.Timeout = secs(tc.Transform.TimeoutSecs)
	}
	if tc.Transform.PollIntervalSecs != 0 && set("AI_POLL_INTERVAL") {
		cfg.Transform.PollInterval = secs(tc.Transform.PollIntervalSecs)
	}
	if tc.Transform.MaxConcurrency != 0 && set("AI_MAX_CONCURRENCY") {
		cfg.Transform.MaxConcurrency = tc.Transform.MaxConcurrency
	}
	if tc.Transform.MaxAttempts != 0 && set("AI_MAX_ATTEMPTS") {
		cfg.Transform.MaxAttempts = tc.Transform.MaxAttempts
	}

	if tc.Repost.LikeThreshold != 0 && set("RT_LIKE_THRESHOLD") {
		cfg.Repost.LikeThreshold = tc.Repost.LikeThreshold
	}

	if tc.OutboxDir != "" && set("OUTBOX_DIR") {
		cfg.OutboxDir = tc.OutboxDir
	}
	if tc.DevMode && set("CRYBB_DEV") {
		cfg.DevMode = true
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
