package config

import (
	"fmt"
	"os"
	"time"

	"github.com/outflow-ai/outflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all Outflow configuration. It is constructed once at process
// start and passed into each component; no component reads ambient state.
type Config struct {
	Listen  string             `yaml:"listen"`
	DBPath  string             `yaml:"db_path"`
	Signing SigningConfig      `yaml:"signing"`
	Budget  BudgetConfig       `yaml:"budget"`
	Kill    KillConfig         `yaml:"kill_switch"`
	Queue   QueueConfig        `yaml:"queue"`
	Cache   CacheConfig        `yaml:"cache"`
	Audit   models.AuditConfig `yaml:"audit"`
	Sink    SinkConfig         `yaml:"sink"`

	// ConfirmRequired lists operation kinds with irreversible external
	// effects; enqueueing one without an explicit confirmation is refused.
	ConfirmRequired []models.OperationKind `yaml:"confirm_required"`
}

// SigningConfig controls the internal signed call channel.
type SigningConfig struct {
	Secret string        `yaml:"secret"`
	MaxAge time.Duration `yaml:"max_age"`
}

// BudgetConfig defines the cost ceilings enforced by the budget guard.
type BudgetConfig struct {
	PerRequestMax float64 `yaml:"per_request_max"`
	DailyCap      float64 `yaml:"daily_cap"`
	MonthlyCap    float64 `yaml:"monthly_cap"`
	// FailClosed denies on breach; when false, breaches are logged but allowed.
	FailClosed bool `yaml:"fail_closed"`
	// Costs maps operation kinds to their realized per-execution cost,
	// charged to the ledger after a successful dispatch.
	Costs map[models.OperationKind]float64 `yaml:"operation_costs"`
}

// KillConfig is the emergency stop.
type KillConfig struct {
	Enabled bool `yaml:"enabled"`
	Global  bool `yaml:"global"`
	// Operations pauses specific operation kinds without a global stop.
	Operations []models.OperationKind `yaml:"operations"`
}

// QueueConfig controls retry scheduling for the durable queue.
type QueueConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotencyBucket time.Duration `yaml:"idempotency_bucket"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SinkConfig points at the platform sink and its fallbacks.
type SinkConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Routes  []RouteConfig `yaml:"routes"`
}

// RouteConfig maps an operation kind to an ordered list of sink targets.
// The kind "*" is the default route.
type RouteConfig struct {
	Operation models.OperationKind `yaml:"operation"`
	Targets   []string             `yaml:"targets"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "outflow.db",
		Signing: SigningConfig{
			MaxAge: 5 * time.Minute,
		},
		Budget: BudgetConfig{
			PerRequestMax: 0.50,
			DailyCap:      7,
			MonthlyCap:    150,
			FailClosed:    true,
			Costs: map[models.OperationKind]float64{
				models.OpPublishPost:      0.02,
				models.OpGenerateContent:  0.15,
				models.OpRefreshAnalytics: 0.05,
				models.OpExportReport:     0.10,
			},
		},
		Queue: QueueConfig{
			MaxAttempts:       4,
			BackoffBase:       2 * time.Second,
			BackoffMax:        30 * time.Second,
			IdempotencyBucket: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Audit: models.AuditConfig{
			Enabled:       true,
			RetentionDays: 30,
			MaxErrorSize:  4096,
		},
		Sink: SinkConfig{
			Timeout: 30 * time.Second,
		},
		ConfirmRequired: []models.OperationKind{models.OpPublishPost},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		cfg.Audit.DBPath = cfg.DBPath
	}

	return cfg, nil
}

// RequiresConfirmation reports whether the operation kind is irreversible
// and needs an explicit confirmation on enqueue.
func (c *Config) RequiresConfirmation(kind models.OperationKind) bool {
	for _, k := range c.ConfirmRequired {
		if k == kind {
			return true
		}
	}
	return false
}
