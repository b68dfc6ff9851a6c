// Package config loads the engine's single YAML configuration document and
// applies environment-variable overrides for container-friendly deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the firewall engine.
type Config struct {
	LogSource   LogSourceConfig   `yaml:"log_source"`
	Store       StoreConfig       `yaml:"store"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Detector    DetectorConfig    `yaml:"detector"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Firewall    FirewallConfig    `yaml:"firewall"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	AllowList   []ListSeed        `yaml:"allow_list"`
	DenyList    []ListSeed        `yaml:"deny_list"`
	API         APIConfig         `yaml:"api"`
}

// LogSourceConfig selects the access log to tail and its parsing profile.
type LogSourceConfig struct {
	Path    string `yaml:"path"`
	Format  string `yaml:"format"` // "combined" or "combined+time"
}

// StoreConfig holds the Postgres connection string.
type StoreConfig struct {
	DSN             string        `yaml:"dsn"`
	RetentionHorizon time.Duration `yaml:"retention_horizon"`
}

// FingerprintConfig configures the identity-chain behavior-evolution trigger.
type FingerprintConfig struct {
	SameBaseCount      int     `yaml:"same_base_count"`
	BehaviorChangeRate float64 `yaml:"behavior_change_rate"`
	HistoryWindow      int     `yaml:"history_window"`
}

// DetectorConfig configures the threat-detection battery (§4.5).
type DetectorConfig struct {
	RateLimit      RateWindowConfig `yaml:"rate_limit"`
	PathScan       RateWindowConfig `yaml:"path_scan"`
	SQLInjection   []string         `yaml:"sql_injection_patterns"`
	XSS            []string         `yaml:"xss_patterns"`
	SensitivePaths []string         `yaml:"sensitive_paths"`
	BadUserAgents  []string         `yaml:"bad_user_agent_patterns"`
}

// RateWindowConfig is a sliding-window rate threshold.
type RateWindowConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxEvents     int `yaml:"max_events"`
}

// ScoringConfig configures the decaying threat-score engine (§4.6).
type ScoringConfig struct {
	DecayHours              int                `yaml:"decay_hours"`
	DecayRate               float64            `yaml:"decay_rate"`
	BaseScores              map[string]int     `yaml:"base_scores"`
	SeverityMultipliers     map[string]float64 `yaml:"severity_multipliers"`
	BehaviorPatternScores   map[string]int     `yaml:"behavior_pattern_scores"`
	RewardScores            map[string]int     `yaml:"reward_scores"`
	TemporaryThreshold      int                `yaml:"temporary_threshold"`
	ExtendedThreshold       int                `yaml:"extended_threshold"`
	PermanentThreshold      int                `yaml:"permanent_threshold"`
	TemporaryBanDuration    time.Duration      `yaml:"temporary_ban_duration"`
	ExtendedBanDuration     time.Duration      `yaml:"extended_ban_duration"`
	PermanentEscalationBans int                `yaml:"permanent_escalation_threshold"`
}

// FirewallConfig selects and configures the packet-filter backend (§4.7).
type FirewallConfig struct {
	Backend    string `yaml:"backend"` // "linux", "windows", or "dryrun"
	BansChain  string `yaml:"bans_chain"`
	RateChain  string `yaml:"rate_limit_chain"`
	PortChain  string `yaml:"port_rules_chain"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// SchedulerConfig sets cadences for the three periodic jobs (§4.8).
type SchedulerConfig struct {
	BanSweepInterval   time.Duration `yaml:"ban_sweep_interval"`
	RetentionHourLocal int           `yaml:"retention_hour_local"`
}

// AlertingConfig configures the webhook fan-out for high/critical findings.
type AlertingConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one registered alert receiver.
type WebhookConfig struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	MinSeverity string            `yaml:"min_severity"`
	Headers     map[string]string `yaml:"headers"`
}

// ListSeed is a static allow/deny entry loaded at startup.
type ListSeed struct {
	CIDROrAddr  string `yaml:"entry"`
	Description string `yaml:"description"`
	Reason      string `yaml:"reason"`
}

// APIConfig configures the admin HTTP surface.
type APIConfig struct {
	Listen           string `yaml:"listen"`
	AuthToken        string `yaml:"auth_token"`
	RateLimitPerMin  int    `yaml:"rate_limit_per_min"`
	RateLimitBurst   int    `yaml:"rate_limit_burst"`
	EnableSynthetic  bool   `yaml:"enable_synthetic"`
}

// Load reads and parses the configuration file, applying defaults for any
// field the document omits and environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogSource: LogSourceConfig{
			Path:   "/var/log/nginx/access.log",
			Format: "combined",
		},
		Store: StoreConfig{
			RetentionHorizon: 72 * time.Hour,
		},
		Fingerprint: FingerprintConfig{
			SameBaseCount:      10,
			BehaviorChangeRate: 0.3,
			HistoryWindow:      1000,
		},
		Detector: DetectorConfig{
			RateLimit: RateWindowConfig{WindowSeconds: 60, MaxEvents: 100},
			PathScan:  RateWindowConfig{WindowSeconds: 300, MaxEvents: 20},
			SQLInjection: []string{
				`(?i)(\bunion\b.{1,100}\bselect\b)`,
				`(?i)(\bor\b\s+1\s*=\s*1\b)`,
				`(?i)(\bdrop\b\s+\btable\b)`,
				`(?i)(--|#|/\*)\s*$`,
				`(?i)(\bselect\b.{1,100}\bfrom\b)`,
			},
			XSS: []string{
				`(?i)<script[^>]*>`,
				`(?i)javascript:`,
				`(?i)on(error|load|click)\s*=`,
				`(?i)<img[^>]+onerror`,
			},
			SensitivePaths: []string{
				"/.env", "/.git", "/admin", "/wp-admin", "/.ssh", "/config.php",
			},
			BadUserAgents: []string{
				`(?i)sqlmap`, `(?i)nikto`, `(?i)nmap`, `(?i)masscan`, `(?i)dirbuster`, `(?i)havij`,
			},
		},
		Scoring: ScoringConfig{
			DecayHours: 24,
			DecayRate:  0.5,
			BaseScores: map[string]int{
				"sql_injection":  50,
				"xss":            40,
				"rate_limit":     25,
				"path_scan":      30,
				"sensitive_path": 15,
				"bad_user_agent": 20,
			},
			SeverityMultipliers: map[string]float64{
				"critical": 2.0,
				"high":     1.5,
				"medium":   1.0,
				"low":      0.5,
			},
			TemporaryThreshold:      60,
			ExtendedThreshold:       100,
			PermanentThreshold:      150,
			TemporaryBanDuration:    1 * time.Hour,
			ExtendedBanDuration:     24 * time.Hour,
			PermanentEscalationBans: 5,
		},
		Firewall: FirewallConfig{
			Backend:        "dryrun",
			BansChain:      "FIREWALL_BANS",
			RateChain:      "FIREWALL_RATE_LIMIT",
			PortChain:      "FIREWALL_PORT_RULES",
			CommandTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			BanSweepInterval:   300 * time.Second,
			RetentionHourLocal: 3,
		},
		API: APIConfig{
			Listen:          ":5339",
			RateLimitPerMin: 30,
			RateLimitBurst:  5,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FIREWALL_LOG_PATH"); v != "" {
		c.LogSource.Path = v
	}
	if v := os.Getenv("FIREWALL_LOG_FORMAT"); v != "" {
		c.LogSource.Format = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("FIREWALL_BACKEND"); v != "" {
		c.Firewall.Backend = v
	}
	if v := os.Getenv("FIREWALL_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("API_AUTH_TOKEN"); v != "" {
		c.API.AuthToken = v
	}
	if os.Getenv("ENABLE_SYNTHETIC") == "true" {
		c.API.EnableSynthetic = true
	}
}

func (c *Config) validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn (or DATABASE_URL) is required")
	}
	switch c.Firewall.Backend {
	case "linux", "windows", "dryrun":
	default:
		return fmt.Errorf("unknown firewall backend %q", c.Firewall.Backend)
	}
	switch c.LogSource.Format {
	case "combined", "combined+time":
	default:
		return fmt.Errorf("unknown log format %q", c.LogSource.Format)
	}
	return nil
}

// RequireEnv reads a required environment variable and fails fast if unset,
// matching the startup-time fatal-misconfiguration contract of §7.
func RequireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "FATAL: required environment variable %s is not set\n", key)
		os.Exit(1)
	}
	return v
}
