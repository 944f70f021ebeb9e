// Package config provides runtime configuration management.
package config

import (
	"os"
	"sync"
)

// HealthScoreConfig configures the health scoring for the hybrid strategy.
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig configures the client-side token bucket for the hybrid strategy.
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig configures quota thresholds for the hybrid strategy.
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
	UnknownScore      float64 `json:"unknownScore"`
}

// WeightConfig holds the scoring weights the hybrid strategy applies to each
// signal: health score, remaining token-bucket capacity, quota headroom and
// time-since-last-use (LRU). This is the single definition every package
// that needs hybrid weights (server presets, strategies) refers to.
type WeightConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	Quota  float64 `json:"quota"`
	LRU    float64 `json:"lru"`
}

// DefaultWeights returns the default hybrid scoring weights.
func DefaultWeights() *WeightConfig {
	return &WeightConfig{
		Health: 2.0,
		Tokens: 5.0,
		Quota:  3.0,
		LRU:    0.1,
	}
}

// AccountSelectionConfig configures account selection behavior.
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota       *QuotaConfig       `json:"quota,omitempty"`
	Weights     *WeightConfig      `json:"weights,omitempty"`
}

// Config represents the proxy's immutable runtime configuration. It is
// assembled once at startup from compiled-in defaults layered with
// environment variable overrides; there is no hot-reload and no on-disk
// persistence, since the admin surface that would mutate it at runtime is
// out of scope for this service.
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey string `json:"apiKey"`

	// Logging and debugging
	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	LogLevel string `json:"logLevel"`

	// Retry configuration
	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	// Cooldown configuration
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	// Account limits
	MaxAccounts          int     `json:"maxAccounts"`
	GlobalQuotaThreshold float64 `json:"globalQuotaThreshold"`

	// Rate limit handling
	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`
	SwitchAccountDelayMs   int64 `json:"switchAccountDelayMs"`

	// Model mapping (for hiding/aliasing models)
	ModelMapping map[string]string `json:"modelMapping"`

	// Account selection strategy
	AccountSelection AccountSelectionConfig `json:"accountSelection"`

	// Redis configuration (process-wide mutable state backing store)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// Per-model concurrency ceiling (0 = unlimited)
	MaxConcurrentPerModel int `json:"maxConcurrentPerModel"`

	// Server configuration
	Port int    `json:"port"`
	Host string `json:"host"`

	// Fallback configuration
	FallbackEnabled bool `json:"fallbackEnabled"`

	// ThinkingOutputStyle controls how thought parts are surfaced over the
	// OpenAI-compatible surface: "reasoning_content", "tags" (<think> wraps
	// the visible content), or "both".
	ThinkingOutputStyle string `json:"thinkingOutputStyle"`
}

// DefaultConfig returns a Config populated with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		APIKey:                 "",
		Debug:                  false,
		DevMode:                false,
		LogLevel:               "info",
		MaxRetries:             MaxRetries,
		RetryBaseMs:            FirstRetryDelayMs,
		RetryMaxMs:             30000,
		DefaultCooldownMs:      DefaultCooldownMs,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		MaxAccounts:            MaxAccounts,
		GlobalQuotaThreshold:   0,
		RateLimitDedupWindowMs: RateLimitDedupWindowMs,
		MaxConsecutiveFailures: MaxConsecutiveFailures,
		ExtendedCooldownMs:     ExtendedCooldownMs,
		MaxCapacityRetries:     MaxCapacityRetries,
		SwitchAccountDelayMs:   SwitchAccountDelayMs,
		ModelMapping:           make(map[string]string),
		AccountSelection: AccountSelectionConfig{
			Strategy: DefaultSelectionStrategy,
			HealthScore: &HealthScoreConfig{
				Initial:          70,
				SuccessReward:    1,
				RateLimitPenalty: -10,
				FailurePenalty:   -20,
				RecoveryPerHour:  2,
				MinUsable:        50,
				MaxScore:         100,
			},
			TokenBucket: &TokenBucketConfig{
				MaxTokens:       50,
				TokensPerMinute: 6,
				InitialTokens:   50,
			},
			Quota: &QuotaConfig{
				LowThreshold:      0.10,
				CriticalThreshold: 0.05,
				StaleMs:           300000,
				UnknownScore:      50,
			},
			Weights: DefaultWeights(),
		},
		RedisAddr:             "localhost:6379",
		RedisPassword:         "",
		RedisDB:               0,
		MaxConcurrentPerModel: 0,
		Port:                  DefaultPort,
		Host:                  "0.0.0.0",
		FallbackEnabled:       false,
		ThinkingOutputStyle:   "reasoning_content",
	}
}

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the process-wide Config, built once from defaults and
// environment overrides on first use.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.loadFromEnv()
	})
	return globalConfig
}

// loadFromEnv layers environment variable overrides onto the config. It is
// only ever called once, from GetConfig's sync.Once.
func (c *Config) loadFromEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("ANTIGRAVITY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("SELECTION_STRATEGY"); v != "" {
		c.AccountSelection.Strategy = v
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := parsePositiveInt(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("THINKING_OUTPUT_STYLE"); v == "reasoning_content" || v == "tags" || v == "both" {
		c.ThinkingOutputStyle = v
	}

	// debug implies devMode
	if c.Debug && !c.DevMode {
		c.DevMode = true
	}
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var errNotANumber = &configError{"not a number"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

// GetPublic returns a redacted snapshot of the config suitable for the
// health/status endpoint.
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"debug":                  c.Debug,
		"devMode":                c.DevMode,
		"logLevel":               c.LogLevel,
		"maxRetries":             c.MaxRetries,
		"retryBaseMs":            c.RetryBaseMs,
		"retryMaxMs":             c.RetryMaxMs,
		"defaultCooldownMs":      c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"maxAccounts":            c.MaxAccounts,
		"globalQuotaThreshold":   c.GlobalQuotaThreshold,
		"rateLimitDedupWindowMs": c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"maxConcurrentPerModel":  c.MaxConcurrentPerModel,
		"accountSelection":       c.AccountSelection,
		"port":                   c.Port,
		"host":                   c.Host,
		"fallbackEnabled":        c.FallbackEnabled,
		"apiKeySet":              c.APIKey != "",
	}
}

// GetStrategy returns the configured account selection strategy name.
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// SetStrategy overrides the account selection strategy (used by the
// --strategy CLI flag, which takes precedence over the config default).
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AccountSelection.Strategy = strategy
}

// IsDevMode reports whether dev mode is enabled.
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}

// Convenience accessors mirroring the teacher's package-level helpers.

// GetPort returns the server port from the global config.
func GetPort() int { return GetConfig().Port }

// GetHost returns the server host from the global config.
func GetHost() string { return GetConfig().Host }

// IsDebug reports whether debug mode is enabled.
func IsDebug() bool {
	cfg := GetConfig()
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.Debug
}

// IsDevModeEnabled reports whether dev mode is enabled.
func IsDevModeEnabled() bool { return GetConfig().IsDevMode() }

// GetGlobalQuotaThreshold returns the configured global quota threshold.
func GetGlobalQuotaThreshold() float64 {
	cfg := GetConfig()
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.GlobalQuotaThreshold
}
