package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full environment-driven configuration. Values are read once
// at startup; the engine never consults the environment afterwards.
type Config struct {
	Workspace string `env:"DOTMEMORY_WORKSPACE" envDefault:"~/.dotmemory"`
	UserID    string `env:"DOTMEMORY_USER" envDefault:"local"`
	LogLevel  string `env:"DOTMEMORY_LOG_LEVEL" envDefault:"info"`

	// Embedding and completion providers. Provider "chargram" and "hash" run
	// locally; "openai" needs the API settings below.
	EmbedProvider   string `env:"DOTMEMORY_EMBED_PROVIDER" envDefault:"chargram"`
	EmbedDims       int    `env:"DOTMEMORY_EMBED_DIMS" envDefault:"384"`
	APIKey          string `env:"DOTMEMORY_API_KEY"`
	APIBase         string `env:"DOTMEMORY_API_BASE"`
	EmbedModel      string `env:"DOTMEMORY_EMBED_MODEL" envDefault:"text-embedding-3-small"`
	CompletionModel string `env:"DOTMEMORY_COMPLETION_MODEL" envDefault:"gpt-4o-mini"`

	// Retrieval.
	TopK                     int     `env:"DOTMEMORY_TOP_K" envDefault:"10"`
	SemanticHalfLifeDays     float64 `env:"DOTMEMORY_SEMANTIC_HALFLIFE_DAYS" envDefault:"90"`
	EpisodicHalfLifeDays     float64 `env:"DOTMEMORY_EPISODIC_HALFLIFE_DAYS" envDefault:"14"`
	SummaryHalfLifeDays      float64 `env:"DOTMEMORY_SUMMARY_HALFLIFE_DAYS" envDefault:"90"`
	SemanticCandidateLimit   int     `env:"DOTMEMORY_SEMANTIC_CANDIDATES" envDefault:"48"`
	EpisodicCandidateLimit   int     `env:"DOTMEMORY_EPISODIC_CANDIDATES" envDefault:"32"`
	SummaryCandidateLimit    int     `env:"DOTMEMORY_SUMMARY_CANDIDATES" envDefault:"16"`
	RetrievalConfidenceFloor float64 `env:"DOTMEMORY_RETRIEVAL_CONFIDENCE_FLOOR" envDefault:"0"`

	// Conflict resolution thresholds.
	TemporalThresholdDays  float64 `env:"DOTMEMORY_TEMPORAL_THRESHOLD_DAYS" envDefault:"30"`
	ConfidenceThreshold    float64 `env:"DOTMEMORY_CONFIDENCE_THRESHOLD" envDefault:"0.2"`
	ReinforcementThreshold int     `env:"DOTMEMORY_REINFORCEMENT_THRESHOLD" envDefault:"3"`

	// Decay and confirmation.
	ImportanceHalfLifeDays float64 `env:"DOTMEMORY_IMPORTANCE_HALFLIFE_DAYS" envDefault:"90"`
	ConfidenceDecayRate    float64 `env:"DOTMEMORY_CONFIDENCE_DECAY_RATE" envDefault:"0.01"`
	ConfirmationIncrement  float64 `env:"DOTMEMORY_CONFIRMATION_INCREMENT" envDefault:"0.05"`
	MaxConfidence          float64 `env:"DOTMEMORY_MAX_CONFIDENCE" envDefault:"0.95"`
	DeactivationFloor      float64 `env:"DOTMEMORY_DEACTIVATION_FLOOR" envDefault:"0.3"`

	// Consolidation.
	EntityEpisodeThreshold int `env:"DOTMEMORY_ENTITY_EPISODE_THRESHOLD" envDefault:"10"`
	SessionWindowSessions  int `env:"DOTMEMORY_SESSION_WINDOW" envDefault:"3"`
	SynthesisMaxAttempts   int `env:"DOTMEMORY_SYNTHESIS_ATTEMPTS" envDefault:"3"`

	// Maintenance worker.
	MaintenancePoll   time.Duration `env:"DOTMEMORY_MAINTENANCE_POLL" envDefault:"1m"`
	DecayCron         string        `env:"DOTMEMORY_DECAY_CRON" envDefault:"0 3 * * *"`
	ConsolidationCron string        `env:"DOTMEMORY_CONSOLIDATION_CRON" envDefault:"30 3 * * *"`
	SweepLimit        int           `env:"DOTMEMORY_SWEEP_LIMIT" envDefault:"500"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Workspace = expandHome(cfg.Workspace)
	return cfg, nil
}

// DBPath is the sqlite file inside the workspace.
func (c Config) DBPath() string {
	return filepath.Join(c.Workspace, "memory.db")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
