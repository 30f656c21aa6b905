package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the CryBB responder
type Config struct {
	// Credentials for the microblog API
	Credentials CredentialsConfig

	// Bot identity and mode
	Bot BotConfig

	// HTTP server and client configuration
	HTTP HTTPConfig

	// Cadence controls the polling loop sleep ranges
	Cadence CadenceConfig

	// Limits holds the per-author and per-target hourly caps
	Limits LimitsConfig

	// Transform holds the image-transformation service settings
	Transform TransformConfig

	// Repost holds the quiet-period repost settings
	Repost RepostConfig

	// OutboxDir is where the ledger files (and dry-run output) live
	OutboxDir string

	// DevMode enables debug logging
	DevMode bool
}

// CredentialsConfig holds the two credential classes: an app bearer
// token for reads and OAuth1 user-context keys for writes.
type CredentialsConfig struct {
	ClientID     string
	ClientSecret string
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string
	BearerToken  string
}

// BotConfig holds bot identity and pipeline selection
type BotConfig struct {
	// Handle is the bot's username, with or without a leading @
	Handle string

	// Mode selects the write behavior: "live" posts, "dryrun" writes
	// to the outbox directory instead
	Mode string

	// ImagePipeline selects "ai" or "placeholder"
	ImagePipeline string

	// WhitelistHandles bypass the per-author limiter
	WhitelistHandles []string
}

// HTTPConfig holds HTTP server and client settings
type HTTPConfig struct {
	Port        int
	CORSOrigins []string

	// Timeout applies to microblog API calls
	Timeout time.Duration
}

// CadenceConfig holds the polling sleep ranges
type CadenceConfig struct {
	// PollSeconds is the base interval used for registry-gated waits
	PollSeconds int

	// Awake range applies while mentions are arriving
	AwakeMin time.Duration
	AwakeMax time.Duration

	// Sleeper range applies during quiet periods
	SleeperMin time.Duration
	SleeperMax time.Duration
}

// LimitsConfig holds the sliding-window caps
type LimitsConfig struct {
	PerAuthorHourly int
	PerTargetHourly int
}

// TransformConfig holds the image-transformation service settings
type TransformConfig struct {
	Token        string
	Model        string
	BaseURL      string
	StyleURL     string
	Timeout      time.Duration
	PollInterval time.Duration

	// MaxConcurrency bounds parallel reply pipelines
	MaxConcurrency int

	// MaxAttempts is the total transform attempt budget per mention
	MaxAttempts int
}

// RepostConfig holds the quiet-period repost settings
type RepostConfig struct {
	LikeThreshold int
}

// Load loads configuration from environment variables with documented defaults
func Load() (*Config, error) {
	cfg := &Config{
		Credentials: CredentialsConfig{
			ClientID:     getEnv("CLIENT_ID", ""),
			ClientSecret: getEnv("CLIENT_SECRET", ""),
			APIKey:       getEnv("API_KEY", ""),
			APISecret:    getEnv("API_SECRET", ""),
			AccessToken:  getEnv("ACCESS_TOKEN", ""),
			AccessSecret: getEnv("ACCESS_SECRET", ""),
			BearerToken:  getEnv("BEARER_TOKEN", ""),
		},

		Bot: BotConfig{
			Handle:           getEnv("BOT_HANDLE", "crybbmaker"),
			Mode:             getEnv("X_MODE", "live"),
			ImagePipeline:    getEnv("IMAGE_PIPELINE", "ai"),
			WhitelistHandles: getEnvSlice("WHITELIST_HANDLES", nil),
		},

		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
			Timeout:     getEnvSeconds("HTTP_TIMEOUT_SECS", 30*time.Second),
		},

		Cadence: CadenceConfig{
			PollSeconds: getEnvInt("POLL_SECONDS", 30),
			AwakeMin:    getEnvSeconds("AWAKE_MIN_SECS", 180*time.Second),
			AwakeMax:    getEnvSeconds("AWAKE_MAX_SECS", 300*time.Second),
			SleeperMin:  getEnvSeconds("SLEEPER_MIN_SECS", 480*time.Second),
			SleeperMax:  getEnvSeconds("SLEEPER_MAX_SECS", 600*time.Second),
		},

		Limits: LimitsConfig{
			PerAuthorHourly: getEnvInt("PER_AUTHOR_HOURLY_LIMIT", 12),
			PerTargetHourly: getEnvInt("PER_TARGET_HOURLY_LIMIT", 5),
		},

		Transform: TransformConfig{
			Token:          getEnv("REPLICATE_API_TOKEN", ""),
			Model:          getEnv("REPLICATE_MODEL", "google/nano-banana"),
			BaseURL:        getEnv("REPLICATE_BASE_URL", "https://api.replicate.com/v1"),
			StyleURL:       getEnv("CRYBB_STYLE_URL", ""),
			Timeout:        getEnvSeconds("AI_TIMEOUT", 120*time.Second),
			PollInterval:   getEnvSeconds("AI_POLL_INTERVAL", 2*time.Second),
			MaxConcurrency: getEnvInt("AI_MAX_CONCURRENCY", 2),
			MaxAttempts:    getEnvInt("AI_MAX_ATTEMPTS", 2),
		},

		Repost: RepostConfig{
			LikeThreshold: getEnvInt("RT_LIKE_THRESHOLD", 10),
		},

		OutboxDir: getEnv("OUTBOX_DIR", "outbox"),
		DevMode:   getEnvBool("CRYBB_DEV", false),
	}

	return cfg, nil
}

// Validate checks that the required credential set is present, and that
// the ai pipeline has its transform token and style URL.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"CLIENT_ID", c.Credentials.ClientID},
		{"CLIENT_SECRET", c.Credentials.ClientSecret},
		{"API_KEY", c.Credentials.APIKey},
		{"API_SECRET", c.Credentials.APISecret},
		{"ACCESS_TOKEN", c.Credentials.AccessToken},
		{"ACCESS_SECRET", c.Credentials.AccessSecret},
		{"BEARER_TOKEN", c.Credentials.BearerToken},
	}

	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if strings.ToLower(c.Bot.ImagePipeline) == "ai" {
		var aiMissing []string
		if c.Transform.Token == "" {
			aiMissing = append(aiMissing, "REPLICATE_API_TOKEN")
		}
		if c.Transform.StyleURL == "" {
			aiMissing = append(aiMissing, "CRYBB_STYLE_URL")
		}
		if len(aiMissing) > 0 {
			return fmt.Errorf("IMAGE_PIPELINE=ai requires: %s", strings.Join(aiMissing, ", "))
		}
	}

	return nil
}

// BotHandleClean returns the bot handle without a leading @
func (c *Config) BotHandleClean() string {
	return strings.TrimPrefix(c.Bot.Handle, "@")
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvSeconds parses an integer second count into a duration
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		if value == "" {
			return nil
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
