// Package config loads the orchestrator configuration from CUE files. The
// embedded schema constrains shape and types at parse time; struct tags
// validate the decoded result; defaults fill whatever the operator left out.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/capahunt/capahunt/pkg/provision"
	"github.com/capahunt/capahunt/pkg/telemetry"
)

// Duration decodes "30s"-style strings from CUE.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the stdlib duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full orchestrator configuration.
type Config struct {
	Region   string          `json:"region" validate:"required"`
	StateDir string          `json:"state_dir"`
	Profiles []ProfileConfig `json:"profiles" validate:"required,min=1,dive"`

	Command   CommandConfig   `json:"command"`
	Hunt      HuntConfig      `json:"hunt"`
	Breaker   BreakerConfig   `json:"breaker"`
	Cache     CacheConfig     `json:"cache"`
	Retry     RetryConfig     `json:"retry"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Policy    PolicyConfig    `json:"policy"`
	ZoneRank  ZoneRankConfig  `json:"zonerank"`
	Verify    VerifyConfig    `json:"verify"`
	History   HistoryConfig   `json:"history"`
	Notify    NotifyConfig    `json:"notify"`

	Telemetry telemetry.Config `json:"telemetry"`
}

// ProfileConfig describes one resource profile to hunt for.
type ProfileConfig struct {
	Name        string            `json:"name" validate:"required"`
	Shape       string            `json:"shape" validate:"required"`
	OCPUs       int               `json:"ocpus" validate:"gte=0"`
	MemoryGB    int               `json:"memory_gb" validate:"gte=0"`
	ImageID     string            `json:"image_id" validate:"required"`
	SubnetID    string            `json:"subnet_id" validate:"required"`
	DisplayName string            `json:"display_name" validate:"required"`
	Zones       []string          `json:"zones" validate:"required,min=1"`
	Env         map[string]string `json:"env"`
	Timeout     Duration          `json:"timeout"`
}

// Spec builds the attempt value object for this profile.
func (p ProfileConfig) Spec(region string) provision.Spec {
	return provision.Spec{
		Profile:          p.Name,
		Shape:            p.Shape,
		OCPUs:            p.OCPUs,
		MemoryGB:         p.MemoryGB,
		ImageID:          p.ImageID,
		SubnetID:         p.SubnetID,
		DisplayName:      p.DisplayName,
		Zones:            append([]string(nil), p.Zones...),
		Region:           region,
		Env:              p.Env,
		OperationTimeout: p.Timeout.Std(),
	}
}

// CommandConfig locates the external provisioning program.
type CommandConfig struct {
	Program  string   `json:"program" validate:"required"`
	BaseArgs []string `json:"base_args"`
	Timeout  Duration `json:"timeout"`
	Grace    Duration `json:"grace"`
}

// HuntConfig bounds one hunt run.
type HuntConfig struct {
	Budget       Duration `json:"budget"`
	Grace        Duration `json:"grace"`
	ArtifactWait Duration `json:"artifact_wait"`
	StrictExit   bool     `json:"strict_exit"`
}

// BreakerConfig tunes the per-zone circuit breaker.
type BreakerConfig struct {
	Threshold  int      `json:"threshold" validate:"gte=0"`
	Cooldown   Duration `json:"cooldown"`
	MaxRecords int      `json:"max_records" validate:"gte=0"`
}

// CacheConfig tunes the instance state cache.
type CacheConfig struct {
	Disabled       bool     `json:"disabled"`
	TTL            Duration `json:"ttl"`
	HighContention bool     `json:"high_contention"`
}

// RetryConfig tunes transient-failure retries.
type RetryConfig struct {
	MaxRetries int      `json:"max_retries" validate:"gte=0"`
	Base       Duration `json:"base"`
}

// SchedulerConfig tunes the adaptive hour-bucket scheduler.
type SchedulerConfig struct {
	Disabled   bool `json:"disabled"`
	Window     int  `json:"window" validate:"gte=0"`
	MinSamples int  `json:"min_samples" validate:"gte=0"`
	MaxRecords int  `json:"max_records" validate:"gte=0"`
}

// PolicyConfig points at operator Rego policies.
type PolicyConfig struct {
	Dir string `json:"dir"`
}

// ZoneRankConfig points at the Starlark ranking hook.
type ZoneRankConfig struct {
	Script  string   `json:"script"`
	Timeout Duration `json:"timeout"`
	// Lookback bounds how far back failure statistics reach.
	Lookback Duration `json:"lookback"`
}

// VerifyConfig enables SSH verification of created instances.
type VerifyConfig struct {
	Enabled         bool     `json:"enabled"`
	User            string   `json:"user"`
	KeyPath         string   `json:"key_path"`
	Port            int      `json:"port" validate:"gte=0,lte=65535"`
	DialTimeout     Duration `json:"dial_timeout"`
	ProbeCommand    string   `json:"probe_command"`
	BootstrapScript string   `json:"bootstrap_script"`
	// ResolveCommand prints the instance address for a resource id.
	ResolveCommand string `json:"resolve_command"`
}

// HistoryConfig locates the SQLite history database.
type HistoryConfig struct {
	Path string `json:"path"`
}

// NotifyConfig configures the outcome webhook.
type NotifyConfig struct {
	WebhookURL string   `json:"webhook_url" validate:"omitempty,url"`
	AuthHeader string   `json:"auth_header"`
	Timeout    Duration `json:"timeout"`
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = ".capahunt"
	}
	if c.Hunt.Budget == 0 {
		c.Hunt.Budget = Duration(25 * time.Minute)
	}
	if c.Hunt.Grace == 0 {
		c.Hunt.Grace = Duration(10 * time.Second)
	}
	if c.Hunt.ArtifactWait == 0 {
		c.Hunt.ArtifactWait = Duration(5 * time.Second)
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = 3
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = Duration(24 * time.Hour)
	}
	if c.Breaker.MaxRecords == 0 {
		c.Breaker.MaxRecords = 16
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(24 * time.Hour)
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.Base == 0 {
		c.Retry.Base = Duration(2 * time.Second)
	}
	if c.Scheduler.Window == 0 {
		c.Scheduler.Window = 5
	}
	if c.Scheduler.MinSamples == 0 {
		c.Scheduler.MinSamples = 5
	}
	if c.Scheduler.MaxRecords == 0 {
		c.Scheduler.MaxRecords = 50
	}
	if c.Command.Timeout == 0 {
		c.Command.Timeout = Duration(5 * time.Minute)
	}
	if c.Command.Grace == 0 {
		c.Command.Grace = Duration(10 * time.Second)
	}
	if c.ZoneRank.Timeout == 0 {
		c.ZoneRank.Timeout = Duration(5 * time.Second)
	}
	if c.ZoneRank.Lookback == 0 {
		c.ZoneRank.Lookback = Duration(7 * 24 * time.Hour)
	}
	if c.Verify.Port == 0 {
		c.Verify.Port = 22
	}
	if c.Verify.DialTimeout == 0 {
		c.Verify.DialTimeout = Duration(30 * time.Second)
	}
	if c.History.Path == "" {
		c.History.Path = c.StateDir + "/history.db"
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = Duration(10 * time.Second)
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry = *telemetry.DefaultConfig()
	}
}
