// Package config loads the selftune configuration: one YAML file with a
// section per component, merged over built-in defaults. Durations are plain
// seconds or milliseconds in the file and converted at the component
// boundary.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"selftune/internal/allowlist"
	"selftune/internal/analyzer"
	"selftune/internal/breaker"
	"selftune/internal/collab"
	"selftune/internal/executor"
	"selftune/internal/learner"
	"selftune/internal/monitor"
	"selftune/internal/types"
)

// LoopSection configures the controller.
type LoopSection struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// AutoApprove executes diagnoses below ApprovalMinSeverity without an
	// operator. At or above it, diagnoses wait for approve/reject. The
	// sentinel "none" disables the threshold entirely.
	AutoApprove         bool   `yaml:"auto_approve"`
	ApprovalMinSeverity string `yaml:"approval_min_severity"`
}

// MonitorSection configures drift detection.
type MonitorSection struct {
	MinSamplesPerCheck    uint64  `yaml:"min_samples_per_check"`
	MinBaselineSamples    uint64  `yaml:"min_baseline_samples"`
	EMAAlpha              float64 `yaml:"ema_alpha"`
	BaselineWindow        int     `yaml:"baseline_window"`
	ErrorRateThresholdPct float64 `yaml:"error_rate_threshold_pct"`
	LatencyThresholdPct   float64 `yaml:"latency_threshold_pct"`
	QualityThresholdPct   float64 `yaml:"quality_threshold_pct"`
	QualityMinimum        float64 `yaml:"quality_minimum"`
}

// AnalyzerSection configures diagnosis gating.
type AnalyzerSection struct {
	MinSeverity        string `yaml:"min_severity"`
	MaxPending         int    `yaml:"max_pending"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
}

// ExecutorSection configures action gating.
type ExecutorSection struct {
	CooldownSeconds        int `yaml:"cooldown_seconds"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`
	RateLimitMax           int `yaml:"rate_limit_max"`
}

// LearnerSection configures reward computation.
type LearnerSection struct {
	MinPostSamples    uint64  `yaml:"min_post_samples"`
	ConfidenceSamples uint64  `yaml:"confidence_samples"`
	ErrorRateWeight   float64 `yaml:"error_rate_weight"`
	LatencyWeight     float64 `yaml:"latency_weight"`
	QualityWeight     float64 `yaml:"quality_weight"`
	TriggerBoost      float64 `yaml:"trigger_boost"`
}

// BreakerSection configures the safety breaker.
type BreakerSection struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds"`
	SuccessThreshold    int `yaml:"success_threshold"`
}

// CollaboratorSection configures the LLM backend. The API key falls back to
// OPENAI_API_KEY when not set here.
type CollaboratorSection struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	LessonLimit int     `yaml:"lesson_limit"`
}

// ParamSeed is the YAML form of an initial runtime parameter value.
type ParamSeed struct {
	Kind  string    `yaml:"kind"`
	Value yaml.Node `yaml:"value"`
}

// RuntimeSection seeds the tunable runtime configuration.
type RuntimeSection struct {
	Params    map[string]ParamSeed `yaml:"params"`
	Resources map[string]uint32    `yaml:"resources"`
}

// AllowlistSection declares the permitted bounds for each tunable.
type AllowlistSection struct {
	Params    map[string]allowlist.ParamBounds    `yaml:"params"`
	Resources map[string]allowlist.ResourceBounds `yaml:"resources"`
}

// MetricsSection configures the Prometheus exposition endpoint.
type MetricsSection struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the full selftune configuration.
type Config struct {
	Workspace string `yaml:"workspace"`
	Debug     bool   `yaml:"debug"`

	Loop         LoopSection         `yaml:"loop"`
	Monitor      MonitorSection      `yaml:"monitor"`
	Analyzer     AnalyzerSection     `yaml:"analyzer"`
	Executor     ExecutorSection     `yaml:"executor"`
	Learner      LearnerSection      `yaml:"learner"`
	Breaker      BreakerSection      `yaml:"breaker"`
	Collaborator CollaboratorSection `yaml:"collaborator"`
	Runtime      RuntimeSection      `yaml:"runtime"`
	Allowlist    AllowlistSection    `yaml:"allowlist"`
	Metrics      MetricsSection      `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Loop: LoopSection{
			IntervalSeconds:     300,
			AutoApprove:         true,
			ApprovalMinSeverity: "critical",
		},
		Monitor: MonitorSection{
			MinSamplesPerCheck:    20,
			MinBaselineSamples:    50,
			EMAAlpha:              0.1,
			BaselineWindow:        100,
			ErrorRateThresholdPct: 25,
			LatencyThresholdPct:   25,
			QualityThresholdPct:   15,
			QualityMinimum:        0.5,
		},
		Analyzer: AnalyzerSection{
			MinSeverity:        "warning",
			MaxPending:         5,
			CallTimeoutSeconds: 60,
		},
		Executor: ExecutorSection{
			CooldownSeconds:        600,
			RateLimitWindowSeconds: 3600,
			RateLimitMax:           6,
		},
		Learner: LearnerSection{
			MinPostSamples:    20,
			ConfidenceSamples: 50,
			ErrorRateWeight:   0.45,
			LatencyWeight:     0.35,
			QualityWeight:     0.20,
			TriggerBoost:      1.5,
		},
		Breaker: BreakerSection{
			FailureThreshold:    3,
			ResetTimeoutSeconds: 300,
			SuccessThreshold:    2,
		},
		Collaborator: CollaboratorSection{
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   2048,
			LessonLimit: 10,
		},
		Metrics: MetricsSection{
			Enabled: false,
			Addr:    ":9464",
		},
	}
}

// Load reads the configuration file at path, merged over defaults. A missing
// file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// COMPONENT CONVERSIONS
// =============================================================================

// MonitorConfig converts the monitor section.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		MinSamplesPerCheck:    c.Monitor.MinSamplesPerCheck,
		MinBaselineSamples:    c.Monitor.MinBaselineSamples,
		EMAAlpha:              c.Monitor.EMAAlpha,
		BaselineWindow:        c.Monitor.BaselineWindow,
		ErrorRateThresholdPct: c.Monitor.ErrorRateThresholdPct,
		LatencyThresholdPct:   c.Monitor.LatencyThresholdPct,
		QualityThresholdPct:   c.Monitor.QualityThresholdPct,
		QualityMinimum:        c.Monitor.QualityMinimum,
	}
}

// AnalyzerConfig converts the analyzer section.
func (c *Config) AnalyzerConfig() (analyzer.Config, error) {
	severity, err := types.ParseSeverity(c.Analyzer.MinSeverity)
	if err != nil {
		return analyzer.Config{}, fmt.Errorf("analyzer.min_severity: %w", err)
	}
	return analyzer.Config{
		MinSeverity: severity,
		MaxPending:  c.Analyzer.MaxPending,
		CallTimeout: time.Duration(c.Analyzer.CallTimeoutSeconds) * time.Second,
	}, nil
}

// ExecutorConfig converts the executor section.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		Cooldown:        time.Duration(c.Executor.CooldownSeconds) * time.Second,
		RateLimitWindow: time.Duration(c.Executor.RateLimitWindowSeconds) * time.Second,
		RateLimitMax:    c.Executor.RateLimitMax,
	}
}

// LearnerConfig converts the learner section.
func (c *Config) LearnerConfig() learner.Config {
	return learner.Config{
		MinPostSamples:    c.Learner.MinPostSamples,
		ConfidenceSamples: c.Learner.ConfidenceSamples,
		Weights: learner.Weights{
			ErrorRate: c.Learner.ErrorRateWeight,
			Latency:   c.Learner.LatencyWeight,
			Quality:   c.Learner.QualityWeight,
		},
		TriggerBoost: c.Learner.TriggerBoost,
	}
}

// BreakerConfig converts the breaker section.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(c.Breaker.ResetTimeoutSeconds) * time.Second,
		SuccessThreshold: c.Breaker.SuccessThreshold,
	}
}

// ClientConfig converts the collaborator section. The API key falls back to
// the OPENAI_API_KEY environment variable.
func (c *Config) ClientConfig() collab.ClientConfig {
	cfg := collab.DefaultClientConfig()
	if c.Collaborator.APIKey != "" {
		cfg.APIKey = c.Collaborator.APIKey
	}
	if c.Collaborator.BaseURL != "" {
		cfg.BaseURL = c.Collaborator.BaseURL
	}
	if c.Collaborator.Model != "" {
		cfg.Model = c.Collaborator.Model
	}
	if c.Collaborator.Temperature > 0 {
		cfg.Temperature = c.Collaborator.Temperature
	}
	if c.Collaborator.MaxTokens > 0 {
		cfg.MaxTokens = c.Collaborator.MaxTokens
	}
	return cfg
}

// CollabConfig converts the collaborator tuning.
func (c *Config) CollabConfig() collab.Config {
	return collab.Config{LessonLimit: c.Collaborator.LessonLimit}
}

// BuildAllowlist constructs the allowlist from the configured tables.
func (c *Config) BuildAllowlist() *allowlist.Allowlist {
	return allowlist.FromTables(c.Allowlist.Params, c.Allowlist.Resources)
}

// ApprovalMinSeverity parses the loop approval threshold. The sentinel
// "none" returns nil, meaning every severity auto-approves.
func (c *Config) ApprovalMinSeverity() (*types.Severity, error) {
	if c.Loop.ApprovalMinSeverity == "none" {
		return nil, nil
	}
	severity, err := types.ParseSeverity(c.Loop.ApprovalMinSeverity)
	if err != nil {
		return nil, fmt.Errorf("loop.approval_min_severity: %w", err)
	}
	return &severity, nil
}

// LoopInterval returns the periodic check interval.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.Loop.IntervalSeconds) * time.Second
}

// RuntimeParams decodes the seeded parameter values.
func (c *Config) RuntimeParams() (map[string]types.ParamValue, error) {
	out := make(map[string]types.ParamValue, len(c.Runtime.Params))
	for key, seed := range c.Runtime.Params {
		value, err := seed.toParamValue()
		if err != nil {
			return nil, fmt.Errorf("runtime.params.%s: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

// RuntimeResources returns the seeded resource allocations.
func (c *Config) RuntimeResources() map[string]uint32 {
	out := make(map[string]uint32, len(c.Runtime.Resources))
	for k, v := range c.Runtime.Resources {
		out[k] = v
	}
	return out
}

func (s ParamSeed) toParamValue() (types.ParamValue, error) {
	switch types.ParamKind(s.Kind) {
	case types.ParamInteger:
		var v int64
		if err := s.Value.Decode(&v); err != nil {
			return types.ParamValue{}, err
		}
		return types.IntValue(v), nil
	case types.ParamFloat:
		var v float64
		if err := s.Value.Decode(&v); err != nil {
			return types.ParamValue{}, err
		}
		return types.FloatValue(v), nil
	case types.ParamString:
		var v string
		if err := s.Value.Decode(&v); err != nil {
			return types.ParamValue{}, err
		}
		return types.StringValue(v), nil
	case types.ParamDurationMs:
		var v int64
		if err := s.Value.Decode(&v); err != nil {
			return types.ParamValue{}, err
		}
		return types.DurationValue(v), nil
	case types.ParamBoolean:
		var v bool
		if err := s.Value.Decode(&v); err != nil {
			return types.ParamValue{}, err
		}
		return types.BoolValue(v), nil
	default:
		return types.ParamValue{}, fmt.Errorf("unknown param kind %q", s.Kind)
	}
}
