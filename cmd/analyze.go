package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dealflow/internal/model"
	"github.com/sells-group/dealflow/internal/pipeline"
	"github.com/sells-group/dealflow/internal/resilience"
	"github.com/sells-group/dealflow/internal/stages"
	"github.com/sells-group/dealflow/internal/store"
	anthropicpkg "github.com/sells-group/dealflow/pkg/anthropic"
)

// Exit codes of the analyze command.
const (
	exitFailure      = 1
	exitInvalidInput = 2
)

var analyzeFormat string

// newAnalysisClient is swapped out in tests.
var newAnalysisClient = func(key string) anthropicpkg.Client {
	return anthropicpkg.NewClient(key)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [pitch-id] [investor-id]",
	Short: "Analyse a pitch deck against an investor's thesis",
	Long:  "Runs the full analysis for one pitch and one investor and prints the combined report. IDs not given as arguments are read from stdin.",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if analyzeFormat != "json" && analyzeFormat != "yaml" {
			return withExitCode(exitInvalidInput, eris.Errorf("analyze: unknown format %q (json or yaml)", analyzeFormat))
		}
		if err := cfg.Validate("analyze"); err != nil {
			return err
		}

		pitchID, investorID, err := readIDs(cmd.InOrStdin(), cmd.ErrOrStderr(), args)
		if err != nil {
			return withExitCode(exitInvalidInput, err)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		client := newAnalysisClient(cfg.Anthropic.Key)
		coord, err := buildCoordinator(st, client)
		if err != nil {
			return err
		}

		report, err := coord.Orchestrate(ctx, map[string]any{
			stages.KeyPitchID:    pitchID,
			stages.KeyInvestorID: investorID,
		})
		if err != nil {
			if errors.Is(err, pipeline.ErrInvalidInput) {
				return withExitCode(exitInvalidInput, err)
			}
			return withExitCode(exitFailure, err)
		}

		zap.L().Info("analysis complete",
			zap.String("run_id", report.Metadata.RunID),
			zap.String("pitch_id", pitchID),
			zap.String("investor_id", investorID),
			zap.Int("sections", len(report.Sections)),
		)
		return writeReport(cmd.OutOrStdout(), report, analyzeFormat)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "json", "report output format (json or yaml)")
	rootCmd.AddCommand(analyzeCmd)
}

// buildCoordinator wires the analysis stages to st and client using the
// loaded configuration.
func buildCoordinator(st store.Store, client anthropicpkg.Client) (*pipeline.Coordinator, error) {
	analyst := stages.NewAnalyst(client, stages.AnalystConfig{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Temperature:       cfg.Anthropic.Temperature,
		RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
		Burst:             cfg.Anthropic.Burst,
		Retry:             resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs),
		Breaker:           newBreaker(),
	})

	reg := pipeline.NewRegistry()
	if err := stages.Register(reg, st, analyst); err != nil {
		return nil, err
	}

	sched := []pipeline.SchedulerOption{pipeline.WithCancelOnFailure(cfg.Pipeline.CancelOnFailure)}
	if cfg.Pipeline.LevelTimeoutSecs > 0 {
		sched = append(sched, pipeline.WithLevelTimeout(time.Duration(cfg.Pipeline.LevelTimeoutSecs)*time.Second))
	}

	return pipeline.New(stages.Definitions(), reg, stages.NewAggregator(),
		pipeline.WithRecorder(st),
		pipeline.WithScheduling(sched...),
	)
}

// newBreaker returns the analysis-service breaker, or nil when disabled.
func newBreaker() *resilience.Breaker {
	if cfg.Retry.BreakerThreshold <= 0 {
		return nil
	}
	return resilience.NewBreaker(resilience.BreakerConfig{
		Service:   "anthropic",
		Threshold: cfg.Retry.BreakerThreshold,
		Cooldown:  time.Duration(cfg.Retry.BreakerCooldownSecs) * time.Second,
	})
}

// readIDs takes the pitch and investor IDs from args, prompting on in for
// any that are missing.
func readIDs(in io.Reader, prompt io.Writer, args []string) (pitchID, investorID string, err error) {
	ids := make([]string, 2)
	copy(ids, args)

	scanner := bufio.NewScanner(in)
	labels := []string{"pitch ID", "investor ID"}
	for i := range ids {
		if strings.TrimSpace(ids[i]) != "" {
			continue
		}
		fmt.Fprintf(prompt, "Enter %s: ", labels[i])
		if scanner.Scan() {
			ids[i] = scanner.Text()
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", eris.Wrap(err, "analyze: read stdin")
	}

	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
		if ids[i] == "" {
			return "", "", eris.Errorf("analyze: %s is required", labels[i])
		}
	}
	return ids[0], ids[1], nil
}

// writeReport prints report to w as JSON or YAML.
func writeReport(w io.Writer, report *model.Report, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return eris.Wrap(err, "analyze: encode yaml report")
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
}
