// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/caseharvest/internal/coordinator"
	"github.com/JakeFAU/caseharvest/internal/driver/headless"
	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/logging"
)

// Driver kinds.
const (
	DriverChromedp = "chromedp"
	DriverReplay   = "replay"
)

// Storage kinds.
const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Config captures all harvester configuration loaded via Viper.
type Config struct {
	Scope     ScopeConfig     `mapstructure:"scope"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Traversal TraversalConfig `mapstructure:"traversal"`
	Store     StoreConfig     `mapstructure:"store"`
	Driver    DriverConfig    `mapstructure:"driver"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// ScopeConfig selects the search space. Empty lists mean "everything known".
type ScopeConfig struct {
	Registries []string `mapstructure:"registries"`
	CaseTypes  []string `mapstructure:"case_types"`
	YearRanges []string `mapstructure:"year_ranges"`
}

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	WorkerBudget int `mapstructure:"worker_budget"`
	// Allocation maps a year to its worker count.
	Allocation     map[string]int `mapstructure:"allocation"`
	MaxAttempts    int            `mapstructure:"max_attempts"`
	RestartBackoff time.Duration  `mapstructure:"restart_backoff"`
}

// TraversalConfig controls pagination.
type TraversalConfig struct {
	PageTimeout    time.Duration `mapstructure:"page_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxPages       int           `mapstructure:"max_pages"`
	PaceQPS        float64       `mapstructure:"pace_qps"`
}

// StoreConfig locates partition logs.
type StoreConfig struct {
	RootDir   string `mapstructure:"root_dir"`
	OnCorrupt string `mapstructure:"on_corrupt"`
	Fsync     bool   `mapstructure:"fsync"`
}

// DriverConfig selects and tunes the page driver.
type DriverConfig struct {
	Kind           string             `mapstructure:"kind"`
	BaseURL        string             `mapstructure:"base_url"`
	Headless       bool               `mapstructure:"headless"`
	UserAgent      string             `mapstructure:"user_agent"`
	NavTimeout     time.Duration      `mapstructure:"nav_timeout"`
	ActionInterval time.Duration      `mapstructure:"action_interval"`
	Details        bool               `mapstructure:"details"`
	Selectors      headless.Selectors `mapstructure:"selectors"`
	// Fixtures is the replay driver's JSON fixture file.
	Fixtures string `mapstructure:"fixtures"`
}

// RetrievalConfig controls document downloads.
type RetrievalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	RPS       float64       `mapstructure:"rps"`
	Burst     int           `mapstructure:"burst"`
	MaxBytes  int           `mapstructure:"max_bytes"`
}

// StorageConfig selects the document blob store.
type StorageConfig struct {
	Kind      string `mapstructure:"kind"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig enables the Postgres run ledger when DSN is set.
type DBConfig struct {
	DSN        string `mapstructure:"dsn"`
	RunsTable  string `mapstructure:"runs_table"`
	TasksTable string `mapstructure:"tasks_table"`
	MaxConns   int32  `mapstructure:"max_conns"`
	Migrate    bool   `mapstructure:"migrate"`
}

// PubSubConfig enables run summary notifications when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// Load builds a Config from disk and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CASEHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.worker_budget", 4)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.restart_backoff", 2*time.Second)
	v.SetDefault("traversal.page_timeout", 45*time.Second)
	v.SetDefault("traversal.max_retries", 3)
	v.SetDefault("traversal.backoff_initial", 500*time.Millisecond)
	v.SetDefault("traversal.backoff_max", 10*time.Second)
	v.SetDefault("traversal.max_pages", 0)
	v.SetDefault("traversal.pace_qps", 0)
	v.SetDefault("store.root_dir", "output")
	v.SetDefault("store.on_corrupt", string(coordinator.CorruptAbort))
	v.SetDefault("store.fsync", false)
	v.SetDefault("driver.kind", DriverChromedp)
	v.SetDefault("driver.base_url", "https://scp.gov.pk/OnlineCaseInformation.aspx")
	v.SetDefault("driver.headless", true)
	v.SetDefault("driver.user_agent", "caseharvest/0.1")
	v.SetDefault("driver.nav_timeout", 45*time.Second)
	v.SetDefault("driver.action_interval", 500*time.Millisecond)
	v.SetDefault("driver.details", true)
	v.SetDefault("retrieval.enabled", true)
	v.SetDefault("retrieval.timeout", 60*time.Second)
	v.SetDefault("retrieval.user_agent", "caseharvest/0.1")
	v.SetDefault("retrieval.rps", 1.0)
	v.SetDefault("retrieval.burst", 1)
	v.SetDefault("storage.kind", StorageLocal)
	v.SetDefault("storage.base_dir", "output")
	v.SetDefault("db.runs_table", "harvest_runs")
	v.SetDefault("db.tasks_table", "harvest_tasks")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Scheduler.WorkerBudget < 1 {
		errs = append(errs, errors.New("scheduler.worker_budget must be >= 1"))
	}
	if c.Scheduler.MaxAttempts < 1 {
		errs = append(errs, errors.New("scheduler.max_attempts must be >= 1"))
	}
	if _, err := c.AllocationByYear(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ScopeSpec(); err != nil {
		errs = append(errs, err)
	}
	if c.Traversal.PageTimeout <= 0 {
		errs = append(errs, errors.New("traversal.page_timeout must be > 0"))
	}
	if c.Traversal.MaxRetries < 0 || c.Traversal.MaxPages < 0 || c.Traversal.PaceQPS < 0 {
		errs = append(errs, errors.New("traversal limits must not be negative"))
	}
	if strings.TrimSpace(c.Store.RootDir) == "" {
		errs = append(errs, errors.New("store.root_dir is required"))
	}
	switch coordinator.CorruptPolicy(c.Store.OnCorrupt) {
	case coordinator.CorruptAbort, coordinator.CorruptQuarantine:
	default:
		errs = append(errs, fmt.Errorf("store.on_corrupt must be abort or quarantine, got %q", c.Store.OnCorrupt))
	}
	switch c.Driver.Kind {
	case DriverChromedp:
		if strings.TrimSpace(c.Driver.BaseURL) == "" {
			errs = append(errs, errors.New("driver.base_url is required for the chromedp driver"))
		}
	case DriverReplay:
		if strings.TrimSpace(c.Driver.Fixtures) == "" {
			errs = append(errs, errors.New("driver.fixtures is required for the replay driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("driver.kind must be chromedp or replay, got %q", c.Driver.Kind))
	}
	if c.Retrieval.RPS < 0 {
		errs = append(errs, errors.New("retrieval.rps must not be negative"))
	}
	switch c.Storage.Kind {
	case StorageLocal:
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			errs = append(errs, errors.New("storage.base_dir is required for local storage"))
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.kind must be local or gcs, got %q", c.Storage.Kind))
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub.topic is set"))
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0 when the server is enabled"))
	}
	return errors.Join(errs...)
}

// ScopeSpec resolves the configured scope. Empty lists select every known
// registry, case type and default year range.
func (c Config) ScopeSpec() (coordinator.Scope, error) {
	scope := coordinator.Scope{
		Registries: harvest.KnownRegistries,
		CaseTypes:  harvest.KnownCaseTypes,
		YearRanges: harvest.DefaultYearRanges,
	}
	if len(c.Scope.Registries) > 0 {
		scope.Registries = nil
		for _, s := range c.Scope.Registries {
			r, err := harvest.ParseRegistry(s)
			if err != nil {
				return coordinator.Scope{}, fmt.Errorf("scope.registries: %w", err)
			}
			scope.Registries = append(scope.Registries, r)
		}
	}
	if len(c.Scope.CaseTypes) > 0 {
		scope.CaseTypes = nil
		for _, s := range c.Scope.CaseTypes {
			ct, err := harvest.ParseCaseType(s)
			if err != nil {
				return coordinator.Scope{}, fmt.Errorf("scope.case_types: %w", err)
			}
			scope.CaseTypes = append(scope.CaseTypes, ct)
		}
	}
	if len(c.Scope.YearRanges) > 0 {
		scope.YearRanges = nil
		for _, s := range c.Scope.YearRanges {
			yr, err := harvest.ParseYearRange(s)
			if err != nil {
				return coordinator.Scope{}, fmt.Errorf("scope.year_ranges: %w", err)
			}
			scope.YearRanges = append(scope.YearRanges, yr)
		}
		ranges, err := harvest.DistinctYearRanges(scope.YearRanges)
		if err != nil {
			return coordinator.Scope{}, fmt.Errorf("scope.year_ranges: %w", err)
		}
		scope.YearRanges = ranges
	}
	return scope, nil
}

// AllocationByYear parses scheduler.allocation.
func (c Config) AllocationByYear() (map[int]int, error) {
	if len(c.Scheduler.Allocation) == 0 {
		return nil, nil
	}
	out := make(map[int]int, len(c.Scheduler.Allocation))
	for k, n := range c.Scheduler.Allocation {
		year, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("scheduler.allocation: year %q: %w", k, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("scheduler.allocation: negative workers for %d", year)
		}
		out[year] = n
	}
	return out, nil
}

// HeadlessConfig maps the driver section onto the chromedp driver config.
func (c Config) HeadlessConfig() headless.Config {
	return headless.Config{
		BaseURL:           c.Driver.BaseURL,
		Headless:          c.Driver.Headless,
		UserAgent:         c.Driver.UserAgent,
		NavigationTimeout: c.Driver.NavTimeout,
		ActionInterval:    c.Driver.ActionInterval,
		Details:           c.Driver.Details,
		Selectors:         c.Driver.Selectors,
	}
}
