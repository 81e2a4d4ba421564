package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/spf13/cobra"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "dotmemory",
		Short: "Long-term memory engine for agents: layered retrieval, conflict resolution, consolidation",
		Long: strings.TrimSpace(`dotmemory stores what an agent learns across sessions and retrieves it with
multi-signal scoring. Facts decay unless confirmed, contradictions open
conflicts with an explicit resolution ladder, and accumulated episodes are
periodically consolidated into summaries.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newRememberCommand())
	root.AddCommand(newEpisodeCommand())
	root.AddCommand(newRetrieveCommand())
	root.AddCommand(newConsolidateCommand())
	root.AddCommand(newResolveCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newReplCommand())
	root.AddCommand(newVersionCommand())

	return root
}

// withService loads config, opens the engine, runs fn, and closes.
func withService(fn func(ctx context.Context, cfg config.Config, svc *memory.Service, store *memory.SQLiteStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	svc, store, err := openService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	return fn(context.Background(), cfg, svc, store)
}

func newRememberCommand() *cobra.Command {
	var (
		confidence float64
		content    string
		eventID    string
		sessionID  string
		entities   []string
	)

	cmd := &cobra.Command{
		Use:   "remember <subject> <predicate> <object...>",
		Short: "Store or reinforce a fact",
		Long:  "Ingest one observation. A matching existing fact is confirmed; a contradicting one opens a conflict and runs the resolution ladder.",
		Args:  cobra.MinimumNArgs(3),
		Example: strings.Join([]string{
			"  dotmemory remember alice employer \"Acme Corp\"",
			"  dotmemory remember alice city Berlin --confidence 0.9 --entity ent-alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg config.Config, svc *memory.Service, _ *memory.SQLiteStore) error {
				result, err := svc.Ingest(ctx, cfg.UserID, memory.Observation{
					Subject:       args[0],
					Predicate:     args[1],
					Object:        strings.Join(args[2:], " "),
					Content:       content,
					Confidence:    confidence,
					EntityIDs:     entities,
					SourceEventID: eventID,
					SessionID:     sessionID,
				})
				if err != nil {
					return err
				}
				printIngest(result)
				return nil
			})
		},
	}

	cmd.Flags().Float64VarP(&confidence, "confidence", "c", 0.8, "Extraction confidence in [0,1]")
	cmd.Flags().StringVar(&content, "content", "", "Free-text statement (defaults to the triple)")
	cmd.Flags().StringVar(&eventID, "event", "", "Source event id")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "Entity ids the fact mentions")
	return cmd
}

func newEpisodeCommand() *cobra.Command {
	var (
		sessionID  string
		entities   []string
		importance float64
	)

	cmd := &cobra.Command{
		Use:     "episode <text...>",
		Short:   "Record a conversational event",
		Args:    cobra.MinimumNArgs(1),
		Example: "  dotmemory episode \"debugged the deploy pipeline with alice\" --session s-42 --entity ent-alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg config.Config, svc *memory.Service, _ *memory.SQLiteStore) error {
				m, err := svc.RecordEpisode(ctx, cfg.UserID, sessionID, strings.Join(args, " "), entities, importance)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Recorded %s (session %s)\n", m.ID, m.SessionID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Session id")
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "Entity ids the event mentions")
	cmd.Flags().Float64VarP(&importance, "importance", "i", 0.5, "Importance in [0,1]")
	return cmd
}

func newRetrieveCommand() *cobra.Command {
	var (
		strategy      string
		topK          int
		types         []string
		sessionID     string
		minConfidence float64
	)

	cmd := &cobra.Command{
		Use:   "retrieve <query...>",
		Short: "Retrieve ranked memories for a query",
		Args:  cobra.MinimumNArgs(1),
		Example: strings.Join([]string{
			"  dotmemory retrieve where does alice work",
			"  dotmemory retrieve recent deploys --strategy temporal --types episodic",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := memory.StrategyName(strategy)
			if strategy != "" && !knownStrategy(name) {
				return fmt.Errorf("unknown strategy %q (known: %s)", strategy, strategyList())
			}
			var layers []memory.MemoryLayer
			for _, t := range types {
				layers = append(layers, memory.MemoryLayer(t))
			}
			return withService(func(ctx context.Context, cfg config.Config, svc *memory.Service, _ *memory.SQLiteStore) error {
				topK := topK
				if topK <= 0 {
					topK = cfg.TopK
				}
				result, err := svc.Retrieve(ctx, strings.Join(args, " "), memory.RetrieveOptions{
					UserID:   cfg.UserID,
					Strategy: name,
					TopK:     topK,
					Filters: memory.RetrievalFilters{
						MemoryTypes:   layers,
						MinConfidence: minConfidence,
						SessionID:     sessionID,
					},
				})
				if err != nil {
					return err
				}
				printRetrieval(result)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", fmt.Sprintf("Scoring strategy (%s)", strategyList()))
	cmd.Flags().IntVarP(&topK, "top", "k", 0, "Number of results (default from config)")
	cmd.Flags().StringSliceVar(&types, "types", nil, "Restrict layers (semantic, episodic, summary)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Restrict episodic results to a session")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Semantic confidence floor")
	return cmd
}

func newConsolidateCommand() *cobra.Command {
	var (
		entityID string
		topic    string
		window   int
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Synthesize a scope into a summary",
		Long:  "Consolidate one scope (entity, topic predicate pattern, or recent session window) into a durable summary. Without --force the scope must be over its accumulation threshold.",
		Example: strings.Join([]string{
			"  dotmemory consolidate --entity ent-alice",
			"  dotmemory consolidate --topic 'preference_%' --force",
			"  dotmemory consolidate --window 3",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags(entityID, topic, window)
			if err != nil {
				return err
			}
			return withService(func(ctx context.Context, cfg config.Config, svc *memory.Service, _ *memory.SQLiteStore) error {
				summary, err := svc.Consolidate(ctx, cfg.UserID, scope, force)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Summary %s (scope %s/%s, fallback=%v, confidence %.2f)\n",
					summary.ID, summary.ScopeType, summary.ScopeID, summary.Fallback, summary.Confidence)
				fmt.Println(summary.Narrative)
				for name, fact := range summary.KeyFacts {
					fmt.Printf("  %s = %s (%.2f)\n", name, fact.Value, fact.Confidence)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&entityID, "entity", "", "Entity scope")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic scope (predicate LIKE pattern)")
	cmd.Flags().IntVar(&window, "window", 0, "Session window scope (last N sessions)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the accumulation threshold check")
	return cmd
}

func scopeFromFlags(entityID, topic string, window int) (memory.ConsolidationScope, error) {
	set := 0
	var scope memory.ConsolidationScope
	if entityID != "" {
		scope = memory.ConsolidationScope{Type: memory.ScopeEntity, EntityID: entityID}
		set++
	}
	if topic != "" {
		scope = memory.ConsolidationScope{Type: memory.ScopeTopic, PredicatePattern: topic}
		set++
	}
	if window > 0 {
		scope = memory.ConsolidationScope{Type: memory.ScopeSessionWindow, SessionCount: window}
		set++
	}
	if set != 1 {
		return memory.ConsolidationScope{}, fmt.Errorf("exactly one of --entity, --topic, --window is required")
	}
	return scope, nil
}

func newResolveCommand() *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "resolve <existing-id> <challenger-id>",
		Short: "Settle a conflict between two memories",
		Long:  "Re-detect the conflict between two stored memories and execute a resolution. Without --keep the detector's recommendation applies; pass --keep to answer a clarification request.",
		Args:  cobra.ExactArgs(2),
		Example: strings.Join([]string{
			"  dotmemory resolve mem-01H... mem-01J...",
			"  dotmemory resolve mem-01H... mem-01J... --keep keep_newest",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			override := memory.ResolutionStrategy(strategy)
			return withService(func(ctx context.Context, cfg config.Config, svc *memory.Service, _ *memory.SQLiteStore) error {
				result, err := svc.ResolveBetween(ctx, args[0], args[1], override)
				if err != nil {
					return err
				}
				switch result.Action {
				case memory.ActionAskUser:
					fmt.Println("? Clarification still required:", result.Rationale)
					fmt.Println("  Re-run with --keep keep_newest|keep_highest_confidence|keep_most_reinforced")
				default:
					if result.WinnerID != nil {
						fmt.Printf("✓ Kept %s", *result.WinnerID)
						if result.LoserID != nil {
							fmt.Printf(", superseded %s", *result.LoserID)
						}
						fmt.Println()
					} else if result.LoserID != nil {
						fmt.Printf("✓ Invalidated %s against the authoritative database\n", *result.LoserID)
					}
					fmt.Println(" ", result.Rationale)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "keep", "", "Override strategy (keep_newest, keep_highest_confidence, keep_most_reinforced)")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the background maintenance worker",
		Long:    "Run the cron-gated worker: decay sweeps demote stale memories, consolidation scans summarize pending scopes.",
		Example: "  dotmemory serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg config.Config, svc *memory.Service, store *memory.SQLiteStore) error {
				worker := memory.NewMaintenanceWorker(memory.MaintenanceConfig{
					PollInterval:      cfg.MaintenancePoll,
					DecayCron:         cfg.DecayCron,
					ConsolidationCron: cfg.ConsolidationCron,
					SweepLimit:        cfg.SweepLimit,
				}, svc, store, buildLogger(cfg.LogLevel))

				worker.Start()
				fmt.Printf("✓ Maintenance worker started (decay %q, consolidation %q)\n", cfg.DecayCron, cfg.ConsolidationCron)
				fmt.Println("Press Ctrl+C to stop")

				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt)
				<-sigChan

				fmt.Println("\nShutting down...")
				worker.Stop()
				fmt.Println("✓ Worker stopped")
				return nil
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and store readiness",
		Example: "  dotmemory status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			fmt.Printf("%s Status\n", appName)
			fmt.Printf("Version: %s\n", formatVersion())
			fmt.Println()
			fmt.Println("Workspace:", cfg.Workspace)
			if _, err := os.Stat(cfg.DBPath()); err == nil {
				fmt.Println("Memory DB:", cfg.DBPath(), "✓")
			} else {
				fmt.Println("Memory DB:", cfg.DBPath(), "not initialized")
			}
			fmt.Println("User:", cfg.UserID)
			fmt.Println("Embedder:", cfg.EmbedProvider)
			if cfg.APIKey != "" && cfg.APIBase != "" {
				fmt.Println("Completion provider: ✓", cfg.CompletionModel)
			} else {
				fmt.Println("Completion provider: not set (consolidation uses the deterministic fallback)")
			}
			return nil
		},
	}
}

func newReplCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "repl",
		Short:   "Interactive memory session",
		Example: "  dotmemory repl",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg config.Config, svc *memory.Service, _ *memory.SQLiteStore) error {
				fmt.Printf("%s interactive mode (Ctrl+C to exit)\n\n", appName)
				replMode(svc, cfg)
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotmemory version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func knownStrategy(name memory.StrategyName) bool {
	for _, s := range memory.KnownStrategies() {
		if s == name {
			return true
		}
	}
	return false
}

func strategyList() string {
	var names []string
	for _, s := range memory.KnownStrategies() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
