package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	defaultDomains  = []string{"familyfeastadmin.xyz", "bigboyent.xyz"}
	defaultSubjects = []string{"your uber verification code", "your uber account verification code"}
	defaultSenders  = []string{"admin@uber.com"}
)

// Config captures every option the mailbox watcher needs.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	ConnectTimeout     time.Duration
	AuthTimeout        time.Duration
	KeyringKey         string

	SupportedDomains  []string
	SubjectSignatures []string
	SenderAllowList   []string

	Cooldown     time.Duration
	LimitBackoff time.Duration
	FetchLimit   int
	DrainWindow  time.Duration
	PollInterval time.Duration
	MaxAge       time.Duration

	IdleTimeout     time.Duration
	WatchTimeout    time.Duration
	MonitorInterval time.Duration

	LogLevel string
	LogDir   string
}

// ConfigurationError reports a missing or malformed setting. It is fatal at
// startup and never retried.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// envNames maps flag names to the environment variables the bot has always used.
var envNames = map[string]string{
	"imap-host":            "EMAIL_HOST",
	"imap-port":            "EMAIL_PORT",
	"imap-user":            "EMAIL_USER",
	"imap-pass":            "EMAIL_PASSWORD",
	"folder":               "EMAIL_FOLDER",
	"use-tls":              "EMAIL_TLS",
	"domains":              "SUPPORTED_DOMAINS",
	"subjects":             "OTP_SUBJECTS",
	"senders":              "OTP_SENDERS",
	"poll-interval":        "POLL_INTERVAL",
	"keyring-key":          "EMAIL_KEYRING_KEY",
	"log-level":            "LOG_LEVEL",
	"connect-timeout":      "EMAIL_CONNECT_TIMEOUT",
	"auth-timeout":         "EMAIL_AUTH_TIMEOUT",
	"insecure-skip-verify": "EMAIL_INSECURE_SKIP_VERIFY",
	"idle-timeout":         "EMAIL_IDLE_TIMEOUT",
	"watch-timeout":        "WATCH_TIMEOUT",
	"monitor-interval":     "MONITOR_INTERVAL",
}

// RegisterFlags attaches all persistent CLI flags to the root command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML config file")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to EMAIL_PASSWORD, then the OS keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "Mailbox folder to search")
	flags.Duration("connect-timeout", 10*time.Second, "Timeout for establishing the IMAP connection")
	flags.Duration("auth-timeout", 10*time.Second, "Timeout for IMAP authentication")
	flags.String("keyring-key", "", "Keyring item holding the IMAP password")
	flags.StringSlice("domains", defaultDomains, "Catch-all domains that may be queried")
	flags.StringSlice("subjects", defaultSubjects, "Subject phrases identifying verification emails (case-insensitive)")
	flags.StringSlice("senders", defaultSenders, "Sender allow-list; empty accepts any sender")
	flags.Duration("cooldown", 2*time.Second, "Minimum interval between IMAP connection attempts")
	flags.Duration("limit-backoff", 5*time.Second, "Wait after the server reports too many connections")
	flags.Int("fetch-limit", 3, "Maximum messages fetched per search")
	flags.Duration("drain-window", 30*time.Second, "How far back a watch looks when it starts")
	flags.Duration("poll-interval", time.Second, "Delay between polling cycles")
	flags.Duration("max-age", 24*time.Hour, "How far back a one-shot check looks")
	flags.Duration("idle-timeout", time.Minute, "Close the IMAP session after this much inactivity (0 keeps it open)")
	flags.Duration("watch-timeout", 10*time.Minute, "Default lifetime of a watch started without an explicit timeout")
	flags.Duration("monitor-interval", 30*time.Second, "Delay between rounds of the all-domains monitor")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Optional directory for log files")
	return nil
}

// LoadConfig merges flags, environment variables and the optional config
// file into a validated Config. Explicit flags win over the environment,
// which wins over the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd, true)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOfflineConfig is LoadConfig for commands that never contact the mail
// store; connection settings are not required.
func LoadOfflineConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd, false)
	if err != nil {
		return Config{}, err
	}
	if err := validateExtraction(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(cmd *cobra.Command, useKeyring bool) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &ConfigurationError{Key: "config", Reason: err.Error()}
		}
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Folder:             strings.TrimSpace(v.GetString("folder")),
		ConnectTimeout:     v.GetDuration("connect-timeout"),
		AuthTimeout:        v.GetDuration("auth-timeout"),
		KeyringKey:         strings.TrimSpace(v.GetString("keyring-key")),
		SupportedDomains:   lowerAll(listValue(v, "domains")),
		SubjectSignatures:  listValue(v, "subjects"),
		SenderAllowList:    listValue(v, "senders"),
		Cooldown:           v.GetDuration("cooldown"),
		LimitBackoff:       v.GetDuration("limit-backoff"),
		FetchLimit:         v.GetInt("fetch-limit"),
		DrainWindow:        v.GetDuration("drain-window"),
		PollInterval:       v.GetDuration("poll-interval"),
		MaxAge:             v.GetDuration("max-age"),
		IdleTimeout:        v.GetDuration("idle-timeout"),
		WatchTimeout:       v.GetDuration("watch-timeout"),
		MonitorInterval:    v.GetDuration("monitor-interval"),
		LogLevel:           strings.ToLower(v.GetString("log-level")),
		LogDir:             v.GetString("log-dir"),
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if useKeyring && cfg.IMAPPass == "" && cfg.KeyringKey != "" {
		pass, err := passwordFromKeyring(cfg.KeyringKey)
		if err != nil {
			return Config{}, &ConfigurationError{Key: "keyring-key", Reason: err.Error()}
		}
		cfg.IMAPPass = pass
	}

	return cfg, nil
}

// Validate checks that every required connection parameter is present.
func Validate(cfg Config) error {
	if cfg.IMAPHost == "" {
		return &ConfigurationError{Key: "imap-host", Reason: "required (--imap-host or EMAIL_HOST)"}
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return &ConfigurationError{Key: "imap-port", Reason: "must be between 1 and 65535"}
	}
	if cfg.IMAPUser == "" {
		return &ConfigurationError{Key: "imap-user", Reason: "required (--imap-user or EMAIL_USER)"}
	}
	if cfg.IMAPPass == "" {
		return &ConfigurationError{Key: "imap-pass", Reason: "required (--imap-pass, EMAIL_PASSWORD or --keyring-key)"}
	}
	if cfg.Folder == "" {
		return &ConfigurationError{Key: "folder", Reason: "required"}
	}
	if cfg.ConnectTimeout <= 0 {
		return &ConfigurationError{Key: "connect-timeout", Reason: "must be positive"}
	}
	if cfg.AuthTimeout <= 0 {
		return &ConfigurationError{Key: "auth-timeout", Reason: "must be positive"}
	}
	return validateExtraction(cfg)
}

func validateExtraction(cfg Config) error {
	if len(cfg.SupportedDomains) == 0 {
		return &ConfigurationError{Key: "domains", Reason: "at least one supported domain is required"}
	}
	if len(cfg.SubjectSignatures) == 0 {
		return &ConfigurationError{Key: "subjects", Reason: "at least one subject signature is required"}
	}
	if cfg.Cooldown < 0 || cfg.LimitBackoff < 0 {
		return &ConfigurationError{Key: "cooldown", Reason: "must not be negative"}
	}
	if cfg.FetchLimit <= 0 {
		return &ConfigurationError{Key: "fetch-limit", Reason: "must be positive"}
	}
	if cfg.PollInterval <= 0 {
		return &ConfigurationError{Key: "poll-interval", Reason: "must be positive"}
	}
	if cfg.DrainWindow < 0 || cfg.MaxAge < 0 {
		return &ConfigurationError{Key: "drain-window", Reason: "must not be negative"}
	}
	if cfg.IdleTimeout < 0 {
		return &ConfigurationError{Key: "idle-timeout", Reason: "must not be negative"}
	}
	if cfg.WatchTimeout <= 0 {
		return &ConfigurationError{Key: "watch-timeout", Reason: "must be positive"}
	}
	if cfg.MonitorInterval <= 0 {
		return &ConfigurationError{Key: "monitor-interval", Reason: "must be positive"}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigurationError{Key: "log-level", Reason: fmt.Sprintf("invalid value %q", cfg.LogLevel)}
	}

	return nil
}

// listValue reads a list setting that may come from a flag, a YAML list or a
// comma separated environment variable.
func listValue(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, strings.ToLower(value))
	}
	return out
}
