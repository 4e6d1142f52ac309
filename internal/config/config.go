// Package config loads and validates the sync configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode distinguishes how a run was invoked.
type Mode string

const (
	// ModePeriodic runs are started by a timer and pass through the trigger gate.
	ModePeriodic Mode = "periodic"
	// ModeManual runs are started by a person and bypass the trigger gate.
	ModeManual Mode = "manual"
)

// Reconcile policies for the schedule API.
const (
	PolicyReplace = "replace"
	PolicyDiff    = "diff"
)

// Next-stream store backends and empty-feed policies.
const (
	BackendSupabase = "supabase"
	BackendSQL      = "sql"
	BackendMemory   = "memory"

	EmptyPolicyKeep  = "keep"
	EmptyPolicyClear = "clear"
)

// Defaults applied when neither file, environment nor flags set a value.
const (
	DefaultTwitchAPIURL      = "https://api.twitch.tv/helix"
	DefaultTwitchTokenURL    = "https://id.twitch.tv/oauth2/token"
	DefaultScheduleTimezone  = "Europe/Berlin"
	DefaultNextStreamTable   = "next_stream"
	DefaultTriggerMinAge     = 30 * time.Minute
	DefaultTriggerMaxAge     = 65 * time.Minute
	DefaultRecurrenceHorizon = 90 * 24 * time.Hour
	DefaultLockTTL           = 10 * time.Minute
	DefaultHTTPTimeout       = 30 * time.Second
)

// TwitchConfig holds the schedule API identity and endpoints.
type TwitchConfig struct {
	ClientID       string `yaml:"client_id" validate:"required"`
	ClientSecret   string `yaml:"client_secret,omitempty" validate:"required_without=AccessToken"`
	AccessToken    string `yaml:"access_token,omitempty"`           // Static user token; skips the client-credentials flow
	Channel        string `yaml:"channel" validate:"required"`      // Channel login name, resolved to a broadcaster id each run
	TokenCachePath string `yaml:"token_cache_path,omitempty"`       // Where the app token is cached between runs
	APIURL         string `yaml:"api_url,omitempty" validate:"url"` // Helix base URL
	TokenURL       string `yaml:"token_url,omitempty" validate:"url"`
	Timezone       string `yaml:"timezone,omitempty"` // Timezone label sent with every created segment
}

// NextStreamConfig configures the optional auxiliary store.
type NextStreamConfig struct {
	Backend     string `yaml:"backend,omitempty" validate:"omitempty,oneof=supabase sql memory"`
	SupabaseURL string `yaml:"supabase_url,omitempty"`
	SupabaseKey string `yaml:"supabase_key,omitempty"`
	Table       string `yaml:"table,omitempty"`
	DSN         string `yaml:"dsn,omitempty"` // MySQL DSN for the sql backend
	EmptyPolicy string `yaml:"empty_policy,omitempty" validate:"oneof=keep clear"`
}

// Enabled reports whether a next-stream backend is configured.
func (n NextStreamConfig) Enabled() bool {
	return n.Backend != ""
}

// RedisConfig configures the run-overlap lock. An empty Addr disables locking.
type RedisConfig struct {
	Addr     string        `yaml:"addr,omitempty"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	LockTTL  time.Duration `yaml:"lock_ttl,omitempty"`
}

// ServerConfig configures daemon mode. An empty Schedule means a single run.
type ServerConfig struct {
	Schedule string `yaml:"schedule,omitempty"`  // cron spec for periodic runs
	Listen   string `yaml:"listen,omitempty"`    // address of the status server, empty disables it
	RunToken string `yaml:"run_token,omitempty"` // bearer token required by POST /run
}

// Config holds the configuration for a sync process. It is built once by
// LoadConfig and passed by value into every component.
type Config struct {
	ICSURL     string           `yaml:"ics_url" validate:"required,url"`
	Mode       Mode             `yaml:"mode,omitempty" validate:"oneof=periodic manual"`
	Twitch     TwitchConfig     `yaml:"twitch"`
	NextStream NextStreamConfig `yaml:"next_stream"`
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`

	ReconcilePolicy string `yaml:"reconcile_policy,omitempty" validate:"oneof=replace diff"`

	// Trigger window: a periodic run proceeds when an event started between
	// TriggerMinAge and TriggerMaxAge ago.
	TriggerMinAge time.Duration `yaml:"trigger_min_age,omitempty"`
	TriggerMaxAge time.Duration `yaml:"trigger_max_age,omitempty" validate:"gtfield=TriggerMinAge"`

	SkipRecurrenceExpansion bool          `yaml:"skip_recurrence_expansion,omitempty"`
	RecurrenceHorizon       time.Duration `yaml:"recurrence_horizon,omitempty"`

	HTTPTimeout    time.Duration `yaml:"http_timeout,omitempty"`
	PushgatewayURL string        `yaml:"pushgateway_url,omitempty" validate:"omitempty,url"`
	DryRun         bool          `yaml:"dry_run,omitempty"`
}

// Overrides carries command-line flag values. Empty fields leave the
// lower-precedence value in place.
type Overrides struct {
	ICSURL          string
	Channel         string
	Mode            string
	ReconcilePolicy string
	TokenCachePath  string
	Schedule        string
	Listen          string
	DryRun          bool
}

// LoadConfigFromFile loads configuration from a YAML (or JSON) file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Process environment variables
// 3. Variables from envFile (a .env file), if it exists
// 4. Config file
// 5. Defaults
// Returns an error if any required value is missing or invalid.
func LoadConfig(configFile, envFile string, flags Overrides) (Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return Config{}, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables (.env file first, process env wins)
	dotenv := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read env file: %w", err)
		}
		if values != nil {
			dotenv = values
		}
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return dotenv[key]
	}
	if err := applyEnv(&config, lookup); err != nil {
		return Config{}, err
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.ICSURL != "" {
		config.ICSURL = flags.ICSURL
	}
	if flags.Channel != "" {
		config.Twitch.Channel = flags.Channel
	}
	if flags.Mode != "" {
		config.Mode = Mode(flags.Mode)
	}
	if flags.ReconcilePolicy != "" {
		config.ReconcilePolicy = flags.ReconcilePolicy
	}
	if flags.TokenCachePath != "" {
		config.Twitch.TokenCachePath = flags.TokenCachePath
	}
	if flags.Schedule != "" {
		config.Server.Schedule = flags.Schedule
	}
	if flags.Listen != "" {
		config.Server.Listen = flags.Listen
	}
	if flags.DryRun {
		config.DryRun = true
	}

	// Step 4: Apply defaults and validate
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func applyEnv(config *Config, lookup func(string) string) error {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := lookup(key); v != "" {
				*dst = v
				return
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) error {
		if v := lookup(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s value: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	setString(&config.ICSURL, "ICS_URL")
	setString(&config.Twitch.ClientID, "TWITCH_CLIENT_ID")
	setString(&config.Twitch.ClientSecret, "TWITCH_CLIENT_SECRET")
	setString(&config.Twitch.AccessToken, "TWITCH_ACCESS_TOKEN")
	setString(&config.Twitch.Channel, "TWITCH_CHANNEL")
	setString(&config.Twitch.TokenCachePath, "TOKEN_CACHE_PATH")
	setString(&config.Twitch.Timezone, "SCHEDULE_TIMEZONE")
	setString(&config.NextStream.SupabaseURL, "SUPABASE_URL")
	setString(&config.NextStream.SupabaseKey, "SUPABASE_KEY", "SUPABASE_PUBLISHABLE_KEY")
	setString(&config.NextStream.DSN, "NEXT_STREAM_DSN")
	setString(&config.NextStream.EmptyPolicy, "NEXT_STREAM_EMPTY_POLICY")
	setString(&config.Redis.Addr, "REDIS_ADDR")
	setString(&config.Redis.Password, "REDIS_PASSWORD")
	setString(&config.ReconcilePolicy, "RECONCILE_POLICY")
	setString(&config.PushgatewayURL, "PUSHGATEWAY_URL")
	setString(&config.Server.Schedule, "SYNC_SCHEDULE")
	setString(&config.Server.Listen, "LISTEN_ADDR")
	setString(&config.Server.RunToken, "RUN_TOKEN")

	// The invocation mode comes from SYNC_MODE, or from the CI event that
	// started the job when SYNC_MODE is not set.
	if mode := lookup("SYNC_MODE"); mode != "" {
		config.Mode = Mode(mode)
	} else {
		switch lookup("GITHUB_EVENT_NAME") {
		case "workflow_dispatch", "repository_dispatch", "push":
			config.Mode = ModeManual
		case "schedule":
			config.Mode = ModePeriodic
		}
	}

	if v := lookup("DRY_RUN"); v != "" {
		dryRun, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DRY_RUN value: %w", err)
		}
		config.DryRun = dryRun
	}
	if err := setDuration(&config.TriggerMinAge, "TRIGGER_MIN_AGE"); err != nil {
		return err
	}
	if err := setDuration(&config.TriggerMaxAge, "TRIGGER_MAX_AGE"); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePeriodic
	}
	if c.ReconcilePolicy == "" {
		c.ReconcilePolicy = PolicyReplace
	}
	if c.Twitch.APIURL == "" {
		c.Twitch.APIURL = DefaultTwitchAPIURL
	}
	if c.Twitch.TokenURL == "" {
		c.Twitch.TokenURL = DefaultTwitchTokenURL
	}
	if c.Twitch.Timezone == "" {
		c.Twitch.Timezone = DefaultScheduleTimezone
	}
	if c.TriggerMinAge == 0 {
		c.TriggerMinAge = DefaultTriggerMinAge
	}
	if c.TriggerMaxAge == 0 {
		c.TriggerMaxAge = DefaultTriggerMaxAge
	}
	if c.RecurrenceHorizon == 0 {
		c.RecurrenceHorizon = DefaultRecurrenceHorizon
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = DefaultLockTTL
	}

	// The auxiliary store is optional: pick a backend from whichever
	// credentials are present, or leave it disabled.
	ns := &c.NextStream
	if ns.Backend == "" {
		switch {
		case ns.SupabaseURL != "" && ns.SupabaseKey != "":
			ns.Backend = BackendSupabase
		case ns.DSN != "":
			ns.Backend = BackendSQL
		}
	}
	if c.DryRun && ns.Backend != "" {
		ns.Backend = BackendMemory
	}
	if ns.Table == "" {
		ns.Table = DefaultNextStreamTable
	}
	if ns.EmptyPolicy == "" {
		ns.EmptyPolicy = EmptyPolicyKeep
	}
}

// Validate checks struct-level rules and the backend-specific requirements
// that struct tags cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.NextStream.Backend {
	case BackendSupabase:
		if c.NextStream.SupabaseURL == "" || c.NextStream.SupabaseKey == "" {
			return fmt.Errorf("next_stream: supabase_url and supabase_key must be provided for the supabase backend")
		}
	case BackendSQL:
		if c.NextStream.DSN == "" {
			return fmt.Errorf("next_stream: dsn must be provided for the sql backend")
		}
	}

	if c.Server.Listen != "" && c.Server.Schedule == "" {
		return fmt.Errorf("server: listen requires a schedule")
	}

	if c.TriggerMinAge < 0 {
		return fmt.Errorf("trigger_min_age must not be negative, got %s", c.TriggerMinAge)
	}
	return nil
}
