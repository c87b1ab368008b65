package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	DefaultBaseURL      = "http://127.0.0.1:8080/api"
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 60 * time.Second
	DefaultAutoClose    = 1200 * time.Millisecond
	DefaultFade         = 300 * time.Millisecond
	DefaultListLimit    = 50
	DefaultSource       = "runlens"
)

// Config holds runtime configuration values.
type Config struct {
	BaseURL        string
	APIKey         string
	PollInterval   time.Duration
	Timeout        time.Duration
	AutoClose      time.Duration
	Fade           time.Duration
	ListLimit      int
	DailyBudgetUSD float64
	Source         string
	Quiet          bool
	JSON           bool
	Verbose        bool
	LogFile        string
}

type rawConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	PollInterval   string  `mapstructure:"poll_interval"`
	Timeout        string  `mapstructure:"timeout"`
	AutoCloseMs    int     `mapstructure:"auto_close_ms"`
	FadeMs         int     `mapstructure:"fade_ms"`
	ListLimit      int     `mapstructure:"list_limit"`
	DailyBudgetUSD float64 `mapstructure:"daily_budget_usd"`
	Source         string  `mapstructure:"source"`
	Quiet          bool    `mapstructure:"quiet"`
	JSON           bool    `mapstructure:"json"`
	Verbose        bool    `mapstructure:"verbose"`
	LogFile        string  `mapstructure:"log_file"`
}

// Load resolves configuration from defaults, config files, env, and flags.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUNLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("poll_interval", DefaultPollInterval.String())
	v.SetDefault("timeout", DefaultTimeout.String())
	v.SetDefault("auto_close_ms", int(DefaultAutoClose/time.Millisecond))
	v.SetDefault("fade_ms", int(DefaultFade/time.Millisecond))
	v.SetDefault("list_limit", DefaultListLimit)
	v.SetDefault("daily_budget_usd", 0.0)
	v.SetDefault("source", DefaultSource)
	v.SetDefault("quiet", false)
	v.SetDefault("json", false)
	v.SetDefault("verbose", false)
	v.SetDefault("log_file", "")

	if cmd != nil {
		_ = v.BindPFlag("base_url", cmd.Flags().Lookup("base-url"))
		_ = v.BindPFlag("poll_interval", cmd.Flags().Lookup("poll-interval"))
		_ = v.BindPFlag("timeout", cmd.Flags().Lookup("timeout"))
		_ = v.BindPFlag("auto_close_ms", cmd.Flags().Lookup("auto-close-ms"))
		_ = v.BindPFlag("fade_ms", cmd.Flags().Lookup("fade-ms"))
		_ = v.BindPFlag("list_limit", cmd.Flags().Lookup("limit"))
		_ = v.BindPFlag("daily_budget_usd", cmd.Flags().Lookup("daily-budget"))
		_ = v.BindPFlag("quiet", cmd.Flags().Lookup("quiet"))
		_ = v.BindPFlag("json", cmd.Flags().Lookup("json"))
		_ = v.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))
		_ = v.BindPFlag("log_file", cmd.Flags().Lookup("log-file"))
	}

	if err := loadConfigFile(v); err != nil {
		return Config{}, err
	}

	var raw rawConfig
	decoder, _ := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "mapstructure", Result: &raw})
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Config{}, err
	}

	pollInterval, err := parseDurationOr(raw.PollInterval, DefaultPollInterval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid poll_interval: %w", err)
	}
	timeout, err := parseDurationOr(raw.Timeout, DefaultTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("invalid timeout: %w", err)
	}

	cfg := Config{
		BaseURL:        strings.TrimRight(raw.BaseURL, "/"),
		APIKey:         os.Getenv("RUNLENS_API_KEY"),
		PollInterval:   pollInterval,
		Timeout:        timeout,
		AutoClose:      time.Duration(raw.AutoCloseMs) * time.Millisecond,
		Fade:           time.Duration(raw.FadeMs) * time.Millisecond,
		ListLimit:      raw.ListLimit,
		DailyBudgetUSD: raw.DailyBudgetUSD,
		Source:         raw.Source,
		Quiet:          raw.Quiet,
		JSON:           raw.JSON,
		Verbose:        raw.Verbose,
		LogFile:        raw.LogFile,
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AutoClose <= 0 {
		cfg.AutoClose = DefaultAutoClose
	}
	if cfg.Fade <= 0 {
		cfg.Fade = DefaultFade
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = DefaultListLimit
	}
	if cfg.DailyBudgetUSD < 0 {
		cfg.DailyBudgetUSD = 0
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}

	return cfg, nil
}

func parseDurationOr(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

func loadConfigFile(v *viper.Viper) error {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	base := filepath.Join(configDir, "runlens")
	candidates := []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
		filepath.Join(base, "config.json"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return err
			}
			return nil
		}
	}
	return nil
}
