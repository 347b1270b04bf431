// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable the application reads.
const EnvPrefix = "TOPUP"

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Storefront StorefrontConfig `mapstructure:"storefront" yaml:"storefront"`
	Account    AccountConfig    `mapstructure:"account" yaml:"account"`
	Humanoid   HumanoidConfig   `mapstructure:"humanoid" yaml:"humanoid"`
	Locator    LocatorConfig    `mapstructure:"locator" yaml:"locator"`
	Captcha    CaptchaConfig    `mapstructure:"captcha" yaml:"captcha"`
	Evidence   EvidenceConfig   `mapstructure:"evidence" yaml:"evidence"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig describes the remote browser hosting service.
type BrowserConfig struct {
	// WSEndpoint embeds the access token; it is read from the environment only.
	WSEndpoint        string        `mapstructure:"ws_endpoint" yaml:"-"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	SessionLifetime   time.Duration `mapstructure:"session_lifetime" yaml:"session_lifetime"`
	MaxSessions       int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	Persona           PersonaConfig `mapstructure:"persona" yaml:"persona"`
}

// PersonaConfig is the browser identity applied to every session.
type PersonaConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
	Width     int64    `mapstructure:"width" yaml:"width"`
	Height    int64    `mapstructure:"height" yaml:"height"`
}

// StorefrontConfig holds the target site and the texts the flow keys on.
type StorefrontConfig struct {
	ShopURL        string        `mapstructure:"shop_url" yaml:"shop_url"`
	GameName       string        `mapstructure:"game_name" yaml:"game_name"`
	PaymentChannel string        `mapstructure:"payment_channel" yaml:"payment_channel"`
	SubChannel     string        `mapstructure:"sub_channel" yaml:"sub_channel"`
	ProviderName   string        `mapstructure:"provider_name" yaml:"provider_name"`
	SuccessPhrases []string      `mapstructure:"success_phrases" yaml:"success_phrases"`
	FailurePhrases []string      `mapstructure:"failure_phrases" yaml:"failure_phrases"`
	OTPPhrases     []string      `mapstructure:"otp_phrases" yaml:"otp_phrases"`
	OTPWait        time.Duration `mapstructure:"otp_wait" yaml:"otp_wait"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
}

// AccountConfig holds the payment provider credentials. None of these have
// defaults; they must come from the environment or a config file.
type AccountConfig struct {
	Email    string `mapstructure:"email" yaml:"-"`
	Password string `mapstructure:"password" yaml:"-"`
	PIN      string `mapstructure:"pin" yaml:"-"`
}

// LocatorConfig tunes element lookup.
type LocatorConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// CaptchaConfig tunes the slider challenge engine.
type CaptchaConfig struct {
	LocalAttempts   int           `mapstructure:"local_attempts" yaml:"local_attempts"`
	MinDistance     float64       `mapstructure:"min_distance" yaml:"min_distance"`
	MaxDistance     float64       `mapstructure:"max_distance" yaml:"max_distance"`
	DefaultDistance float64       `mapstructure:"default_distance" yaml:"default_distance"`
	Margin          float64       `mapstructure:"margin" yaml:"margin"`
	Steps           int           `mapstructure:"steps" yaml:"steps"`
	JitterAmplitude float64       `mapstructure:"jitter_amplitude" yaml:"jitter_amplitude"`
	StepDelay       time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	VerifyDelay     time.Duration `mapstructure:"verify_delay" yaml:"verify_delay"`
	// PerturbDistance and PerturbOffsetY shift each local retry.
	PerturbDistance float64            `mapstructure:"perturb_distance" yaml:"perturb_distance"`
	PerturbOffsetY  float64            `mapstructure:"perturb_offset_y" yaml:"perturb_offset_y"`
	BlindDistance   float64            `mapstructure:"blind_distance" yaml:"blind_distance"`
	Remote          RemoteSolverConfig `mapstructure:"remote" yaml:"remote"`
}

// RemoteSolverConfig configures the remote image-solving tier.
type RemoteSolverConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	// BaseURL overrides the provider's default endpoint.
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Model             string        `mapstructure:"model" yaml:"model"`
	Instructions      string        `mapstructure:"instructions" yaml:"instructions"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPolls          int           `mapstructure:"max_polls" yaml:"max_polls"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// Remote solver providers.
const (
	ProviderSolveCaptcha = "solvecaptcha"
	ProviderGemini       = "gemini"
	ProviderNone         = "none"
)

// EvidenceConfig controls where screenshots go.
type EvidenceConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DatabaseConfig holds the order ledger connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// Enabled reports whether the order ledger is configured.
func (d DatabaseConfig) Enabled() bool { return d.URL != "" }

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "topup")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.connect_timeout", "30s")
	v.SetDefault("browser.session_lifetime", "10m")
	v.SetDefault("browser.max_sessions", 1)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.default_timeout", "60s")
	v.SetDefault("browser.persona.enabled", true)
	v.SetDefault("browser.persona.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.persona.platform", "Win32")
	v.SetDefault("browser.persona.languages", []string{"en-US", "en"})
	v.SetDefault("browser.persona.timezone", "Asia/Kuala_Lumpur")
	v.SetDefault("browser.persona.locale", "en-US")
	v.SetDefault("browser.persona.width", 1366)
	v.SetDefault("browser.persona.height", 768)

	// -- Storefront --
	v.SetDefault("storefront.shop_url", "https://shop.garena.my/")
	v.SetDefault("storefront.game_name", "Free Fire")
	v.SetDefault("storefront.payment_channel", "Wallet")
	v.SetDefault("storefront.sub_channel", "UP Points")
	v.SetDefault("storefront.provider_name", "UniPin")
	v.SetDefault("storefront.success_phrases", []string{"Transaction successful", "Payment successful", "Success", "completed"})
	v.SetDefault("storefront.failure_phrases", []string{"failed", "unsuccessful", "declined", "error", "insufficient"})
	v.SetDefault("storefront.otp_phrases", []string{"One-Time Password", "OTP code", "Enter OTP"})
	v.SetDefault("storefront.otp_wait", "3s")
	v.SetDefault("storefront.verify_timeout", "10s")

	// -- Humanoid --
	setHumanoidDefaults(v)

	// -- Locator --
	v.SetDefault("locator.attempt_timeout", "5s")
	v.SetDefault("locator.poll_interval", "250ms")

	// -- Captcha --
	v.SetDefault("captcha.local_attempts", 3)
	v.SetDefault("captcha.min_distance", 100.0)
	v.SetDefault("captcha.max_distance", 500.0)
	v.SetDefault("captcha.default_distance", 260.0)
	v.SetDefault("captcha.margin", 10.0)
	v.SetDefault("captcha.steps", 25)
	v.SetDefault("captcha.jitter_amplitude", 2.0)
	v.SetDefault("captcha.step_delay", "20ms")
	v.SetDefault("captcha.verify_delay", "1500ms")
	v.SetDefault("captcha.perturb_distance", 12.0)
	v.SetDefault("captcha.perturb_offset_y", 3.0)
	v.SetDefault("captcha.blind_distance", 260.0)
	v.SetDefault("captcha.remote.provider", ProviderSolveCaptcha)
	v.SetDefault("captcha.remote.model", "gemini-2.5-flash")
	v.SetDefault("captcha.remote.instructions", "Click the center of the slider handle that must be dragged to complete the puzzle")
	v.SetDefault("captcha.remote.poll_interval", "3s")
	v.SetDefault("captcha.remote.max_polls", 40)
	v.SetDefault("captcha.remote.request_timeout", "30s")
	v.SetDefault("captcha.remote.requests_per_second", 1.0)

	// -- Evidence --
	v.SetDefault("evidence.dir", "~/.topup/screenshots")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are bound explicitly so they are picked up even when absent from the config file.
	_ = v.BindEnv("browser.ws_endpoint", EnvPrefix+"_BROWSER_WS_ENDPOINT")
	_ = v.BindEnv("account.email", EnvPrefix+"_ACCOUNT_EMAIL")
	_ = v.BindEnv("account.password", EnvPrefix+"_ACCOUNT_PASSWORD")
	_ = v.BindEnv("account.pin", EnvPrefix+"_ACCOUNT_PIN")
	_ = v.BindEnv("captcha.remote.api_key", EnvPrefix+"_CAPTCHA_API_KEY")
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	dir, err := homedir.Expand(c.Evidence.Dir)
	if err != nil {
		return fmt.Errorf("evidence.dir: %w", err)
	}
	c.Evidence.Dir = dir

	if c.Logger.LogFile != "" {
		logFile, err := homedir.Expand(c.Logger.LogFile)
		if err != nil {
			return fmt.Errorf("logger.log_file: %w", err)
		}
		c.Logger.LogFile = logFile
	}
	return nil
}

// Validate checks the configuration for sane values. It does not require the
// run-time secrets; see ValidateForRun.
func (c *Config) Validate() error {
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be a positive integer")
	}
	if c.Browser.SessionLifetime <= 0 {
		return fmt.Errorf("browser.session_lifetime must be a positive duration")
	}
	if c.Locator.AttemptTimeout <= 0 {
		return fmt.Errorf("locator.attempt_timeout must be a positive duration")
	}
	if err := c.Humanoid.Validate(); err != nil {
		return fmt.Errorf("humanoid configuration invalid: %w", err)
	}
	if err := c.Captcha.Validate(); err != nil {
		return fmt.Errorf("captcha configuration invalid: %w", err)
	}
	if _, err := url.ParseRequestURI(c.Storefront.ShopURL); err != nil {
		return fmt.Errorf("storefront.shop_url is not a valid URL: %w", err)
	}
	return nil
}

// ValidateForRun additionally requires everything a purchase run needs.
func (c *Config) ValidateForRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	var missing []string
	if c.Browser.WSEndpoint == "" {
		missing = append(missing, EnvPrefix+"_BROWSER_WS_ENDPOINT")
	}
	if c.Account.Email == "" {
		missing = append(missing, EnvPrefix+"_ACCOUNT_EMAIL")
	}
	if c.Account.Password == "" {
		missing = append(missing, EnvPrefix+"_ACCOUNT_PASSWORD")
	}
	if c.Account.PIN == "" {
		missing = append(missing, EnvPrefix+"_ACCOUNT_PIN")
	}
	if c.Captcha.Remote.Provider != ProviderNone && c.Captcha.Remote.APIKey == "" {
		missing = append(missing, EnvPrefix+"_CAPTCHA_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required configuration missing: %s", strings.Join(missing, ", "))
	}
	if !strings.HasPrefix(c.Browser.WSEndpoint, "ws://") && !strings.HasPrefix(c.Browser.WSEndpoint, "wss://") {
		return fmt.Errorf("browser.ws_endpoint must be a ws:// or wss:// URL")
	}
	return nil
}

// Validate checks the captcha settings.
func (c *CaptchaConfig) Validate() error {
	if c.LocalAttempts <= 0 {
		return fmt.Errorf("local_attempts must be greater than 0")
	}
	if c.MinDistance <= 0 || c.MaxDistance <= c.MinDistance {
		return fmt.Errorf("distance bounds must satisfy 0 < min_distance < max_distance")
	}
	if c.DefaultDistance < c.MinDistance || c.DefaultDistance > c.MaxDistance {
		return fmt.Errorf("default_distance must lie within [min_distance, max_distance]")
	}
	if c.Steps < 2 {
		return fmt.Errorf("steps must be at least 2")
	}
	switch c.Remote.Provider {
	case ProviderSolveCaptcha, ProviderGemini, ProviderNone:
	default:
		return fmt.Errorf("unknown remote provider %q", c.Remote.Provider)
	}
	if c.Remote.Provider == ProviderGemini && strings.TrimSpace(c.Remote.Model) == "" {
		return fmt.Errorf("remote.model is required for provider %q", ProviderGemini)
	}
	if c.Remote.Provider != ProviderNone && (c.Remote.MaxPolls <= 0 || c.Remote.PollInterval <= 0) {
		return fmt.Errorf("remote.max_polls and remote.poll_interval must be positive")
	}
	return nil
}

// RedactURL strips credentials and query parameters so endpoints can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
