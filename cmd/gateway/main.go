// Command gateway runs the EcoShield admission-control gateway: an
// OpenAI-compatible proxy that screens prompts for economic DoS before they
// reach a paid LLM backend.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ecoshield-ai/ecoshield/pkg/config"
	"github.com/ecoshield-ai/ecoshield/pkg/entropy"
	"github.com/ecoshield-ai/ecoshield/pkg/judge"
	"github.com/ecoshield-ai/ecoshield/pkg/llm"
	"github.com/ecoshield-ai/ecoshield/pkg/patterns"
	"github.com/ecoshield-ai/ecoshield/pkg/penalty"
	"github.com/ecoshield-ai/ecoshield/pkg/server"
	"github.com/ecoshield-ai/ecoshield/pkg/shield"
	"github.com/ecoshield-ai/ecoshield/pkg/sieve"
	"github.com/ecoshield-ai/ecoshield/pkg/telemetry"
)

var configPath string

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	root := &cobra.Command{
		Use:   "ecoshield",
		Short: "Admission-control gateway for LLM backends",
		Long: "EcoShield screens inbound prompts (signature scan, entropy\n" +
			"classification, LLM-as-judge) and compresses what it admits,\n" +
			"with per-requester penalties for judged-abusive traffic.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serveCmd(), scanCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[STARTUP] config: %v", err)
	}
	cfg.MustValidate()
	return cfg
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			registry := patterns.Get()
			if cfg.PatternsFile != "" {
				if err := registry.LoadFile(cfg.PatternsFile); err != nil {
					log.Fatalf("[STARTUP] patterns: %v", err)
				}
				log.Printf("[STARTUP] loaded %d signature patterns (%s)", registry.TotalPatterns(), cfg.PatternsFile)
				if cfg.WatchPatterns {
					stop, err := registry.Watch(cfg.PatternsFile)
					if err != nil {
						log.Printf("[WARN] pattern watch disabled: %v", err)
					} else {
						defer stop()
						log.Printf("[STARTUP] watching %s for pattern changes", cfg.PatternsFile)
					}
				}
			}

			audit, err := telemetry.NewClient(cfg.AuditLogPath)
			if err != nil {
				log.Fatalf("[STARTUP] audit log: %v", err)
			}
			defer audit.Close()

			engine := penalty.NewEngine(penalty.Options{
				BaseAggressiveness:    cfg.BaseAggressiveness,
				PenaltyAggressiveness: cfg.PenaltyAggressiveness,
				TTL:                   cfg.PenaltyTTL,
				FlagCapacity:          cfg.PenaltyCapacity,
				WindowSize:            cfg.CostWindowSize,
			})

			pipeline := shield.New(shield.Deps{
				Registry:   registry,
				Classifier: entropy.NewClassifier(cfg.EntropyWeird, cfg.EntropySuspicious),
				Engine:     engine,
				Compressor: sieve.New(sieve.Config{
					URL:     cfg.CompressionURL,
					APIKey:  cfg.CompressionAPIKey,
					Model:   cfg.CompressionModel,
					Timeout: cfg.CompressionTimeout,
				}),
				Judge: judge.New(judge.Config{
					BaseURL: cfg.JudgeBaseURL,
					APIKey:  cfg.JudgeAPIKey,
					Model:   cfg.JudgeModel,
				}),
				Upstream: llm.New(llm.Config{
					BaseURL: cfg.LLMBaseURL,
					APIKey:  cfg.LLMAPIKey,
					Model:   cfg.LLMModel,
				}),
				Audit: audit,
			})

			log.Printf("[STARTUP] upstream model %s, judge model %s", cfg.LLMModel, cfg.JudgeModel)
			return server.New(cfg, pipeline, registry).Listen()
		},
	}
}

// scanCmd screens a prompt locally (signature scan + entropy) without
// touching any backend. Useful for pattern tuning.
func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <text>",
		Short: "Scan text against signatures and entropy thresholds",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			text := strings.Join(args, " ")

			registry := patterns.Get()
			if cfg.PatternsFile != "" {
				if err := registry.LoadFile(cfg.PatternsFile); err != nil {
					return fmt.Errorf("patterns: %w", err)
				}
			}

			verdict := registry.Scan(text)
			score, tier := entropy.NewClassifier(cfg.EntropyWeird, cfg.EntropySuspicious).ClassifyText(text)

			out, err := json.MarshalIndent(map[string]any{
				"malicious": verdict.Malicious,
				"threat":    string(verdict.Threat),
				"pattern":   verdict.Pattern,
				"entropy":   score,
				"tier":      string(tier),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("EcoShield Gateway v%s\n", server.Version)
		},
	}
}
