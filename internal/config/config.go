// Package config provides configuration loading for decisiond.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, with hardcoded defaults filling the gaps. All learning-loop
// tunables (thresholds, cadences, decay parameters) live here so deployments
// can adjust them without code changes.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/decisiond/internal/logging"
)

// Config holds the complete decisiond configuration.
type Config struct {
	Logging     logging.Config    `koanf:"logging"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Knowledge   KnowledgeConfig   `koanf:"knowledge"`
	Rules       RulesConfig       `koanf:"rules"`
	Learning    LearningConfig    `koanf:"learning"`
	Persistence PersistenceConfig `koanf:"persistence"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is the provider type: "http" or "local".
	Provider string `koanf:"provider"`

	// BaseURL is the embedding server URL (http provider only).
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// Dimension is the fixed system-wide embedding dimensionality.
	Dimension int `koanf:"dimension"`
}

// KnowledgeConfig holds knowledge graph configuration.
type KnowledgeConfig struct {
	// MaxNodes bounds graph size; inserts beyond it trigger eviction
	// of the lowest-weight nodes.
	MaxNodes int `koanf:"max_nodes"`

	// DecayRate is the multiplicative weight reduction applied to every
	// node on each maintenance pass.
	DecayRate float64 `koanf:"decay_rate"`

	// DecayFloor is the weight below which nodes are pruned.
	DecayFloor float64 `koanf:"decay_floor"`
}

// RulesConfig holds rule store configuration.
type RulesConfig struct {
	// MaxRules bounds the rule set size.
	MaxRules int `koanf:"max_rules"`

	// RetireConfidenceFloor is the confidence below which a rule becomes
	// eligible for retirement.
	RetireConfidenceFloor float64 `koanf:"retire_confidence_floor"`

	// RetireFailureStreak is the number of consecutive failures required
	// before a rule below the confidence floor is retired.
	RetireFailureStreak int `koanf:"retire_failure_streak"`

	// IdleDecayAge is how long a rule may go unused before maintenance
	// applies confidence decay to it.
	IdleDecayAge time.Duration `koanf:"idle_decay_age"`

	// IdleDecayDelta is the confidence reduction applied to idle rules.
	IdleDecayDelta float64 `koanf:"idle_decay_delta"`
}

// LearningConfig holds decision and learning loop configuration.
type LearningConfig struct {
	// AcceptanceThreshold is the minimum rule confidence for a symbolic
	// match to be used directly.
	AcceptanceThreshold float64 `koanf:"acceptance_threshold"`

	// MemoryThreshold is the minimum similarity score for a memory-derived
	// fallback recommendation.
	MemoryThreshold float64 `koanf:"memory_threshold"`

	// SimilarityK is how many nearest knowledge nodes to consider.
	SimilarityK int `koanf:"similarity_k"`

	// MinSupport is the minimum occurrence count for a candidate pattern.
	MinSupport int `koanf:"min_support"`

	// MinConfidence is the minimum outcome consistency for a candidate pattern.
	MinConfidence float64 `koanf:"min_confidence"`

	// TrustFactor scales pattern confidence into initial confidence for
	// synthesized rules, keeping them below user-authored rules.
	TrustFactor float64 `koanf:"trust_factor"`

	// SignatureKeys is the context attribute projection used to group
	// events into pattern signatures.
	SignatureKeys []string `koanf:"signature_keys"`

	// EventRetention bounds the event log length.
	EventRetention int `koanf:"event_retention"`

	// WindowSize is how many recent events the pattern detector examines.
	WindowSize int `koanf:"window_size"`

	// LearnInterval is the cadence of pattern detection and rule synthesis.
	LearnInterval time.Duration `koanf:"learn_interval"`

	// MaintenanceInterval is the cadence of decay and prune passes.
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`

	// ExecutorTimeout bounds how long the loop waits for an executor
	// before recording failure:timeout.
	ExecutorTimeout time.Duration `koanf:"executor_timeout"`

	// UtilityThreshold triggers an immediate learning pass when the recent
	// success-rate utility drops below it.
	UtilityThreshold float64 `koanf:"utility_threshold"`

	// MinEvents is how many events must be retained before the utility
	// gate can trigger an early learning pass.
	MinEvents int `koanf:"min_events"`

	// PassTimeout bounds each background learning, maintenance, and
	// snapshot pass, independently of ExecutorTimeout.
	PassTimeout time.Duration `koanf:"pass_timeout"`
}

// PersistenceConfig holds snapshot persistence configuration.
type PersistenceConfig struct {
	// Path is the SQLite database file path.
	Path string `koanf:"path"`

	// SnapshotInterval is the cadence of store snapshots.
	SnapshotInterval time.Duration `koanf:"snapshot_interval"`

	// MaxRetries bounds snapshot retry attempts before signaling
	// degraded mode.
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff is the base backoff between snapshot retries.
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

// ApplyDefaults sets default values for missing configuration fields.
func ApplyDefaults(cfg *Config) {
	cfg.Logging.ApplyDefaults()

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "local"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384 // bge-small-en-v1.5 dimensions
	}

	if cfg.Knowledge.MaxNodes == 0 {
		cfg.Knowledge.MaxNodes = 10000
	}
	if cfg.Knowledge.DecayRate == 0 {
		cfg.Knowledge.DecayRate = 0.05
	}
	if cfg.Knowledge.DecayFloor == 0 {
		cfg.Knowledge.DecayFloor = 0.1
	}

	if cfg.Rules.MaxRules == 0 {
		cfg.Rules.MaxRules = 5000
	}
	if cfg.Rules.RetireConfidenceFloor == 0 {
		cfg.Rules.RetireConfidenceFloor = 0.2
	}
	if cfg.Rules.RetireFailureStreak == 0 {
		cfg.Rules.RetireFailureStreak = 3
	}
	if cfg.Rules.IdleDecayAge == 0 {
		cfg.Rules.IdleDecayAge = 24 * time.Hour
	}
	if cfg.Rules.IdleDecayDelta == 0 {
		cfg.Rules.IdleDecayDelta = 0.05
	}

	if cfg.Learning.AcceptanceThreshold == 0 {
		cfg.Learning.AcceptanceThreshold = 0.6
	}
	if cfg.Learning.MemoryThreshold == 0 {
		cfg.Learning.MemoryThreshold = 0.7
	}
	if cfg.Learning.SimilarityK == 0 {
		cfg.Learning.SimilarityK = 5
	}
	if cfg.Learning.MinSupport == 0 {
		cfg.Learning.MinSupport = 3
	}
	if cfg.Learning.MinConfidence == 0 {
		cfg.Learning.MinConfidence = 0.8
	}
	if cfg.Learning.TrustFactor == 0 {
		cfg.Learning.TrustFactor = 0.6
	}
	if cfg.Learning.EventRetention == 0 {
		cfg.Learning.EventRetention = 1000
	}
	if cfg.Learning.WindowSize == 0 {
		cfg.Learning.WindowSize = 200
	}
	if cfg.Learning.LearnInterval == 0 {
		cfg.Learning.LearnInterval = time.Minute
	}
	if cfg.Learning.MaintenanceInterval == 0 {
		cfg.Learning.MaintenanceInterval = 5 * time.Minute
	}
	if cfg.Learning.ExecutorTimeout == 0 {
		cfg.Learning.ExecutorTimeout = 30 * time.Second
	}
	if cfg.Learning.UtilityThreshold == 0 {
		cfg.Learning.UtilityThreshold = 0.8
	}
	if cfg.Learning.MinEvents == 0 {
		cfg.Learning.MinEvents = 10
	}
	if cfg.Learning.PassTimeout == 0 {
		cfg.Learning.PassTimeout = 5 * time.Minute
	}

	if cfg.Persistence.Path == "" {
		cfg.Persistence.Path = "~/.config/decisiond/decisiond.db"
	}
	if cfg.Persistence.SnapshotInterval == 0 {
		cfg.Persistence.SnapshotInterval = time.Minute
	}
	if cfg.Persistence.MaxRetries == 0 {
		cfg.Persistence.MaxRetries = 3
	}
	if cfg.Persistence.RetryBackoff == 0 {
		cfg.Persistence.RetryBackoff = time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}

	switch c.Embeddings.Provider {
	case "http", "local":
	default:
		return fmt.Errorf("invalid embeddings provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return errors.New("embedding dimension must be positive")
	}
	if c.Embeddings.Provider == "http" && c.Embeddings.BaseURL == "" {
		return errors.New("embeddings base URL required for http provider")
	}

	if c.Knowledge.DecayRate <= 0 || c.Knowledge.DecayRate >= 1 {
		return fmt.Errorf("decay rate must be in (0,1), got %f", c.Knowledge.DecayRate)
	}
	if c.Knowledge.DecayFloor <= 0 || c.Knowledge.DecayFloor >= 1 {
		return fmt.Errorf("decay floor must be in (0,1), got %f", c.Knowledge.DecayFloor)
	}
	if c.Knowledge.MaxNodes <= 0 {
		return errors.New("max nodes must be positive")
	}

	if c.Rules.RetireConfidenceFloor < 0 || c.Rules.RetireConfidenceFloor > 1 {
		return errors.New("retire confidence floor must be in [0,1]")
	}
	if c.Rules.RetireFailureStreak < 1 {
		return errors.New("retire failure streak must be at least 1")
	}
	if c.Rules.MaxRules <= 0 {
		return errors.New("max rules must be positive")
	}

	for _, pair := range []struct {
		name  string
		value float64
	}{
		{"acceptance threshold", c.Learning.AcceptanceThreshold},
		{"memory threshold", c.Learning.MemoryThreshold},
		{"min confidence", c.Learning.MinConfidence},
		{"trust factor", c.Learning.TrustFactor},
		{"utility threshold", c.Learning.UtilityThreshold},
	} {
		if pair.value < 0 || pair.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %f", pair.name, pair.value)
		}
	}
	if c.Learning.MinSupport < 1 {
		return errors.New("min support must be at least 1")
	}
	if c.Learning.SimilarityK < 1 {
		return errors.New("similarity k must be at least 1")
	}
	if c.Learning.EventRetention < c.Learning.WindowSize {
		return fmt.Errorf("event retention %d smaller than window size %d",
			c.Learning.EventRetention, c.Learning.WindowSize)
	}
	if c.Learning.ExecutorTimeout <= 0 {
		return errors.New("executor timeout must be positive")
	}
	if c.Learning.MinEvents < 1 {
		return errors.New("min events must be at least 1")
	}
	if c.Learning.PassTimeout <= 0 {
		return errors.New("pass timeout must be positive")
	}

	if c.Persistence.Path == "" {
		return errors.New("persistence path required")
	}
	if c.Persistence.SnapshotInterval <= 0 {
		return errors.New("snapshot interval must be positive")
	}

	return nil
}
