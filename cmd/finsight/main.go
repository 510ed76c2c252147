package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/finsightlab/finsight/config"
	"github.com/finsightlab/finsight/internal/eval"
	"github.com/finsightlab/finsight/internal/pipeline"
	"github.com/finsightlab/finsight/internal/runtime"
	"github.com/finsightlab/finsight/internal/server"
	"github.com/finsightlab/finsight/internal/telemetry"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "finsight",
		Short: "Multi-agent investment research pipeline",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(researchCmd(&cfgPath))
	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(evalCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateForRun(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return cfg, nil
}

// parseSeriesFlags turns repeated label=SERIES_ID pairs into a map.
func parseSeriesFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		label, id, ok := strings.Cut(pair, "=")
		if !ok || label == "" || id == "" {
			return nil, fmt.Errorf("invalid --fred-series value %q, want label=SERIES_ID", pair)
		}
		out[label] = id
	}
	return out, nil
}

func researchCmd(cfgPath *string) *cobra.Command {
	var (
		ticker       string
		analysisGoal string
		fredSeries   []string
		outPath      string
		auditLog     string
		visualize    bool
	)

	cmd := &cobra.Command{
		Use:   "research <company>",
		Short: "Run the full research pipeline for a company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if auditLog != "" {
				cfg.Audit.LogFile = auditLog
				cfg.Audit.RedisAddr = ""
			}
			series, err := parseSeriesFlags(fredSeries)
			if err != nil {
				return err
			}
			if analysisGoal == "" {
				analysisGoal = fmt.Sprintf("Assess the investment outlook for %s", args[0])
			}

			req := pipeline.Request{
				Company:      args[0],
				Ticker:       ticker,
				AnalysisGoal: analysisGoal,
				FredSeries:   series,
			}
			if visualize {
				req.VisualizationSpec = pipeline.DefaultChartSpec()
				req.VisualizationGoal = "Show the closing price trend clearly"
			}

			tel := telemetry.New(cfg.Telemetry)
			runner := server.NewLocalRunner(cfg, tel)
			res, _, err := runner.Execute(cmd.Context(), req)
			if err != nil {
				return err
			}

			raw, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			if outPath != "" {
				if err := os.WriteFile(outPath, raw, 0o644); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
				fmt.Printf("result written to %s\n", outPath)
			} else {
				fmt.Println(string(raw))
			}
			if len(res.Degraded) > 0 {
				fmt.Printf("degraded stages: %s\n", strings.Join(res.Degraded, ", "))
			}
			if cfg.Telemetry.CostTracking {
				fmt.Print(tel.CostReport())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ticker, "ticker", "", "stock ticker (resolved from company name when omitted)")
	cmd.Flags().StringVar(&analysisGoal, "analysis-goal", "", "analysis goal for the chain-of-analysis agent")
	cmd.Flags().StringArrayVar(&fredSeries, "fred-series", nil, "macro series to collect, as label=SERIES_ID (repeatable)")
	cmd.Flags().StringVar(&outPath, "out", "", "write the run result JSON to this file")
	cmd.Flags().StringVar(&auditLog, "audit-log", "", "append audit records to this JSONL file")
	cmd.Flags().BoolVar(&visualize, "visualize", false, "refine a stock-history chart and embed it in the memo")
	return cmd
}

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Address
			}
			tel := telemetry.New(cfg.Telemetry)
			return server.New(cfg, server.NewLocalRunner(cfg, tel), tel).Start(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.address)")
	return cmd
}

func evalCmd() *cobra.Command {
	var (
		conclusions []string
		keyPoints   []string
	)

	cmd := &cobra.Command{
		Use:   "eval <result.json>",
		Short: "Score a saved research result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read result: %w", err)
			}
			var res pipeline.Result
			if err := json.Unmarshal(raw, &res); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}

			score, err := scoreSavedResult(cmd.Context(), &res, conclusions, keyPoints)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(score, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&conclusions, "conclusion", nil, "reference conclusion the memo should reach (repeatable)")
	cmd.Flags().StringArrayVar(&keyPoints, "key-point", nil, "key point the perspectives should cover (repeatable)")
	return cmd
}

// scoreSavedResult rebuilds a minimal artifact space from a saved result
// so the evaluation runner can score it offline.
func scoreSavedResult(ctx context.Context, res *pipeline.Result, conclusions, keyPoints []string) (eval.RunScore, error) {
	space := runtime.NewSpace()
	orch := runtime.NewOrchestrator(space)

	artifacts := map[string]string{}
	memoUID, err := orch.RegisterData(ctx, "final_investment_memo", res.Memo,
		"Saved research memo", "eval_reload", []string{"report"})
	if err != nil {
		return eval.RunScore{}, err
	}
	artifacts["memo_uid"] = memoUID

	if len(res.Perspectives) > 0 {
		uid, err := orch.RegisterData(ctx, "chain_of_analysis_perspectives", res.Perspectives,
			"Saved perspectives", "eval_reload", []string{"chain_of_analysis"})
		if err != nil {
			return eval.RunScore{}, err
		}
		artifacts["perspectives_uid"] = uid
	}

	return eval.EvaluateRun(space, artifacts, conclusions, keyPoints)
}
