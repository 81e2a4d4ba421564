package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotmemory"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openService builds the full engine from configuration. The caller owns
// Close.
func openService(cfg config.Config, logger *zap.Logger) (*memory.Service, *memory.SQLiteStore, error) {
	store, err := memory.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}

	var embedder memory.Embedder
	switch cfg.EmbedProvider {
	case "hash":
		embedder = memory.NewHashEmbedder(cfg.EmbedDims)
	case "openai":
		embedder = memory.NewOpenAIEmbedder(cfg.APIKey, cfg.APIBase, cfg.EmbedModel, cfg.EmbedDims)
	default:
		embedder = memory.NewChargramEmbedder(cfg.EmbedDims)
	}

	var completer memory.Completer
	if cfg.APIKey != "" && cfg.APIBase != "" {
		completer = memory.NewOpenAICompleter(cfg.APIKey, cfg.APIBase, cfg.CompletionModel)
	}

	svc, err := memory.NewService(memory.ServiceOptions{
		Store:     store,
		Embedder:  embedder,
		Completer: completer,
		Logger:    logger,
		Config: memory.ServiceConfig{
			Scorer: memory.ScorerConfig{
				SemanticHalfLifeDays: cfg.SemanticHalfLifeDays,
				EpisodicHalfLifeDays: cfg.EpisodicHalfLifeDays,
				SummaryHalfLifeDays:  cfg.SummaryHalfLifeDays,
				ConfidenceDecayRate:  cfg.ConfidenceDecayRate,
			},
			Limits: memory.CandidateLimits{
				Semantic: cfg.SemanticCandidateLimit,
				Episodic: cfg.EpisodicCandidateLimit,
				Summary:  cfg.SummaryCandidateLimit,
			},
			Conflicts: memory.ConflictConfig{
				TemporalThresholdDays:  cfg.TemporalThresholdDays,
				ConfidenceThreshold:    cfg.ConfidenceThreshold,
				ReinforcementThreshold: cfg.ReinforcementThreshold,
			},
			Decay: memory.DecayConfig{
				ImportanceHalfLifeDays: cfg.ImportanceHalfLifeDays,
				ConfidenceDecayRate:    cfg.ConfidenceDecayRate,
				ConfirmationIncrement:  cfg.ConfirmationIncrement,
				MaxConfidence:          cfg.MaxConfidence,
				DeactivationFloor:      cfg.DeactivationFloor,
			},
			Trigger: memory.TriggerConfig{
				EntityEpisodeThreshold: cfg.EntityEpisodeThreshold,
				SessionWindowSessions:  cfg.SessionWindowSessions,
			},
			Consolidation: memory.ConsolidationConfig{
				MaxAttempts:       cfg.SynthesisMaxAttempts,
				ConfirmationBoost: cfg.ConfirmationIncrement,
				MaxConfidence:     cfg.MaxConfidence,
			},
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, store, nil
}

func printRetrieval(result memory.RetrievalResult) {
	if len(result.Memories) == 0 {
		fmt.Println("No memories matched.")
		return
	}
	fmt.Printf("%d of %d candidates (%s, %s):\n", len(result.Memories), result.CandidateCount, result.Strategy, result.Elapsed.Round(time.Millisecond))
	for i, m := range result.Memories {
		fmt.Printf("  %2d. [%.3f] (%s) %s\n", i+1, m.Score, m.Candidate.Layer, truncateLine(m.Candidate.Content, 100))
		fmt.Printf("      sim=%.2f entity=%.2f recency=%.2f importance=%.2f reinforcement=%.2f conf=%.2f\n",
			m.Signals.SemanticSimilarity, m.Signals.EntityOverlap, m.Signals.Recency,
			m.Signals.Importance, m.Signals.Reinforcement, m.EffectiveConfidence)
	}
}

func printIngest(result memory.IngestResult) {
	switch {
	case result.Confirmed:
		fmt.Printf("✓ Confirmed %s (reinforced %dx, confidence %.2f)\n",
			result.Memory.ID, result.Memory.ReinforcementCount, result.Memory.Confidence)
	case result.Conflict != nil:
		fmt.Printf("! Conflict %s (%s): %q vs %q\n",
			result.Conflict.ID, result.Conflict.Type, result.Conflict.ExistingValue, result.Conflict.ChallengerValue)
		if result.Resolution != nil {
			fmt.Printf("  Resolution: %s (%s)\n", result.Resolution.Strategy, result.Resolution.Rationale)
		}
		fmt.Printf("  Stored as %s [%s]\n", result.Memory.ID, result.Memory.Status)
	default:
		fmt.Printf("✓ Remembered %s (confidence %.2f)\n", result.Memory.ID, result.Memory.Confidence)
	}
}

func replMode(svc *memory.Service, cfg config.Config) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".dotmemory_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleReplMode(svc, cfg)
		return
	}
	defer rl.Close()

	replHelp()
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !replDispatch(svc, cfg, strings.TrimSpace(line)) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

func simpleReplMode(svc *memory.Service, cfg config.Config) {
	reader := bufio.NewReader(os.Stdin)
	replHelp()
	for {
		fmt.Printf("%s> ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !replDispatch(svc, cfg, strings.TrimSpace(line)) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

func replHelp() {
	fmt.Println("Commands:")
	fmt.Println("  remember <subject> <predicate> <object...>   Store a fact")
	fmt.Println("  episode <text...>                            Record a conversational event")
	fmt.Println("  recall <query...>                            Retrieve ranked memories")
	fmt.Println("  consolidate <entity-id>                      Force an entity consolidation")
	fmt.Println("  help                                         Show this help")
	fmt.Println("  exit                                         Quit")
}

// replDispatch handles one REPL line; returns false to quit.
func replDispatch(svc *memory.Service, cfg config.Config, input string) bool {
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		return false
	}

	ctx := context.Background()
	fields := strings.Fields(input)
	command, rest := fields[0], fields[1:]

	switch command {
	case "help":
		replHelp()
	case "remember":
		if len(rest) < 3 {
			fmt.Println("Usage: remember <subject> <predicate> <object...>")
			return true
		}
		result, err := svc.Ingest(ctx, cfg.UserID, memory.Observation{
			Subject:    rest[0],
			Predicate:  rest[1],
			Object:     strings.Join(rest[2:], " "),
			Confidence: 0.8,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		printIngest(result)
	case "episode":
		if len(rest) == 0 {
			fmt.Println("Usage: episode <text...>")
			return true
		}
		m, err := svc.RecordEpisode(ctx, cfg.UserID, "repl", strings.Join(rest, " "), nil, 0.5)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("✓ Recorded %s\n", m.ID)
	case "recall":
		if len(rest) == 0 {
			fmt.Println("Usage: recall <query...>")
			return true
		}
		result, err := svc.Retrieve(ctx, strings.Join(rest, " "), memory.RetrieveOptions{
			UserID: cfg.UserID,
			TopK:   cfg.TopK,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		printRetrieval(result)
	case "consolidate":
		if len(rest) != 1 {
			fmt.Println("Usage: consolidate <entity-id>")
			return true
		}
		summary, err := svc.Consolidate(ctx, cfg.UserID, memory.ConsolidationScope{
			Type:     memory.ScopeEntity,
			EntityID: rest[0],
		}, true)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("✓ Summary %s (fallback=%v): %s\n", summary.ID, summary.Fallback, truncateLine(summary.Narrative, 160))
	default:
		fmt.Printf("Unknown command: %s\n", command)
		replHelp()
	}
	return true
}

func truncateLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
