// Package config defines the engine configuration model and its loader.
package config

import (
	"fmt"
	"time"
)

// Well-known oracle route names bound by the engine at startup.
const (
	OracleMonitor   = "monitor"
	OracleIntent    = "intent"
	OracleHint      = "hint"
	OracleEvaluator = "evaluator"
	OraclePolish    = "polish"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Oracles     map[string]*OracleConfig `yaml:"oracles"`
	Flow        FlowConfig               `yaml:"flow"`
	Interview   InterviewConfig          `yaml:"interview"`
	Safety      SafetyConfig             `yaml:"safety"`
	Checkpoints CheckpointConfig         `yaml:"checkpoints"`
	Analytics   AnalyticsConfig          `yaml:"analytics"`
	Metrics     MetricsConfig            `yaml:"metrics"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// OracleConfig describes one named upstream model route.
type OracleConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`

	// Sequential serializes all calls to this route behind a named lock.
	Sequential bool `yaml:"sequential"`

	// EnforceSchema prepends the output schema as a system message and
	// validates replies against it.
	EnforceSchema *bool `yaml:"enforce_schema"`
}

func (c *OracleConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.EnforceSchema == nil {
		enforce := true
		c.EnforceSchema = &enforce
	}
}

func (c *OracleConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// SchemaEnforced reports whether structured output is enforced for the route.
func (c *OracleConfig) SchemaEnforced() bool {
	return c.EnforceSchema == nil || *c.EnforceSchema
}

// FlowConfig tunes per-turn routing.
type FlowConfig struct {
	HintsPerStage              int     `yaml:"hints_per_stage"`
	ThinkSeconds               int     `yaml:"think_seconds"`
	MaxFollowupsPerItem        int     `yaml:"max_followups_per_item"`
	NudgeAfterConsecutiveSkips int     `yaml:"nudge_after_consecutive_skips"`
	OffTopicCutoff             float64 `yaml:"off_topic_cutoff"`
	LowContentTokens           int     `yaml:"low_content_tokens"`

	// TopicBaseline is the relevance score the static cosine provider
	// reports until an embedding backend is wired. Setting it below
	// off_topic_cutoff redirects every free-text reply.
	TopicBaseline float64 `yaml:"topic_baseline"`
}

func (c *FlowConfig) SetDefaults() {
	if c.HintsPerStage == 0 {
		c.HintsPerStage = 2
	}
	if c.ThinkSeconds == 0 {
		c.ThinkSeconds = 30
	}
	if c.MaxFollowupsPerItem == 0 {
		c.MaxFollowupsPerItem = 2
	}
	if c.NudgeAfterConsecutiveSkips == 0 {
		c.NudgeAfterConsecutiveSkips = 3
	}
	if c.OffTopicCutoff == 0 {
		c.OffTopicCutoff = 0.45
	}
	if c.LowContentTokens == 0 {
		c.LowContentTokens = 12
	}
	if c.TopicBaseline == 0 {
		c.TopicBaseline = 0.70
	}
}

func (c *FlowConfig) Validate() error {
	if c.MaxFollowupsPerItem < 0 || c.MaxFollowupsPerItem > 2 {
		return fmt.Errorf("max_followups_per_item must be in [0,2], got %d", c.MaxFollowupsPerItem)
	}
	if c.OffTopicCutoff < 0 || c.OffTopicCutoff > 1 {
		return fmt.Errorf("off_topic_cutoff must be in [0,1], got %f", c.OffTopicCutoff)
	}
	if c.TopicBaseline < 0 || c.TopicBaseline > 1 {
		return fmt.Errorf("topic_baseline must be in [0,1], got %f", c.TopicBaseline)
	}
	return nil
}

// InterviewConfig tunes session-level behavior.
type InterviewConfig struct {
	WarmupQuestions   int           `yaml:"warmup_questions"`
	LowScoreThreshold float64       `yaml:"low_score_threshold"`
	DefaultPersona    string        `yaml:"default_persona"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
}

func (c *InterviewConfig) SetDefaults() {
	if c.WarmupQuestions == 0 {
		c.WarmupQuestions = 1
	}
	if c.LowScoreThreshold == 0 {
		c.LowScoreThreshold = 2.5
	}
	if c.DefaultPersona == "" {
		c.DefaultPersona = "friendly"
	}
}

// SafetyConfig points at the safety rules file.
type SafetyConfig struct {
	Path string `yaml:"path"`

	// Watch enables a background fsnotify watch in addition to the lazy
	// mtime check performed on each analysis.
	Watch bool `yaml:"watch"`
}

func (c *SafetyConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "configs/safety.yaml"
	}
}

// CheckpointConfig configures durable session snapshots.
type CheckpointConfig struct {
	Dir string `yaml:"dir"`
}

func (c *CheckpointConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "data/checkpoints"
	}
}

// AnalyticsConfig configures the append-only SQL sinks.
type AnalyticsConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func (c *AnalyticsConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = "data/analytics.db"
	}
}

func (c *AnalyticsConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported analytics driver: %s (supported: sqlite, postgres, mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("analytics dsn is required for driver %s", c.Driver)
	}
	return nil
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// SetDefaults applies defaults across the whole tree.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Flow.SetDefaults()
	c.Interview.SetDefaults()
	c.Safety.SetDefaults()
	c.Checkpoints.SetDefaults()
	c.Analytics.SetDefaults()
	c.Metrics.SetDefaults()
	for _, oracle := range c.Oracles {
		oracle.SetDefaults()
	}
}

// Validate checks the whole tree; missing required oracle routes are fatal
// at startup rather than at first use.
func (c *Config) Validate() error {
	if err := c.Flow.Validate(); err != nil {
		return fmt.Errorf("flow: %w", err)
	}
	if err := c.Analytics.Validate(); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	for _, name := range []string{OracleMonitor, OracleIntent, OracleEvaluator} {
		if _, ok := c.Oracles[name]; !ok {
			return fmt.Errorf("oracles: required route %q is not configured", name)
		}
	}
	for name, oracle := range c.Oracles {
		if err := oracle.Validate(); err != nil {
			return fmt.Errorf("oracles.%s: %w", name, err)
		}
	}
	return nil
}
