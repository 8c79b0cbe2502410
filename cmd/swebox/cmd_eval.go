package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swebox/internal/config"
	"swebox/internal/env"
	"swebox/internal/eval"
	"swebox/internal/task"
	"swebox/internal/trajectory"
)

var (
	evalPredictions string
	evalWorkers     int
	evalStorePath   string
	evalRunID       string
)

var (
	resolvedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// evalCmd evaluates a predictions file against a benchmark instance file.
// Instances run concurrently, each in its own container.
var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate predicted patches against instance test suites",
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		args, err := loadArguments()
		if err != nil {
			return err
		}
		if evalPredictions == "" {
			return fmt.Errorf("--predictions is required")
		}

		instances, err := task.Resolve(ctx, task.ResolveOptions{
			DataPath: args.DataPath,
			Filter:   args.SplitName,
		})
		if err != nil {
			return err
		}

		preds, err := eval.LoadPredictions(evalPredictions)
		if err != nil {
			return err
		}
		byInstance := eval.ByInstance(preds)

		store, err := trajectory.OpenStore(evalStorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		runID := evalRunID
		if runID == "" {
			runID = "eval-" + filepath.Base(evalPredictions)
		}
		if err := store.RecordRun(runID, args.DataPath, modelName(preds)); err != nil {
			return err
		}

		var mu sync.Mutex
		var results []*eval.EvaluationResult

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(evalWorkers)

		for _, inst := range instances {
			pred, ok := byInstance[inst.InstanceID]
			if !ok {
				logger.Warn("no prediction for instance",
					zap.String("instance", inst.InstanceID))
				continue
			}

			g.Go(func() error {
				result, err := evaluateOne(gctx, args, inst, pred)
				if err != nil {
					return err
				}
				if err := store.RecordResult(runID, result); err != nil {
					return err
				}
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
				printResult(result)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}

		resolved := 0
		for _, r := range results {
			if r.Resolved {
				resolved++
			}
		}
		fmt.Printf("\n%d/%d resolved (run %s)\n", resolved, len(results), runID)
		return nil
	},
}

// evaluateOne runs one instance in a fresh ephemeral environment.
func evaluateOne(ctx context.Context, args config.EnvironmentArguments, inst *task.Instance, pred *eval.Prediction) (*eval.EvaluationResult, error) {
	// Concurrent evaluations each need their own container.
	args.ContainerName = ""

	environment, err := env.New(args)
	if err != nil {
		return nil, err
	}
	defer environment.Close(ctx)

	if _, err := environment.Reset(ctx, inst); err != nil {
		return &eval.EvaluationResult{
			InstanceID: inst.InstanceID,
			Model:      pred.ModelNameOrPath,
			Error:      err.Error(),
			ErrorPhase: "reset",
		}, nil
	}

	harness := eval.NewHarness(inst, environment)
	return harness.Evaluate(ctx, pred)
}

func printResult(r *eval.EvaluationResult) {
	switch {
	case r.Resolved:
		fmt.Println(resolvedStyle.Render("RESOLVED ") + r.InstanceID)
	case r.Error != "":
		fmt.Println(failedStyle.Render("ERROR    ") + r.InstanceID +
			dimStyle.Render(" ("+r.ErrorPhase+": "+r.Error+")"))
	default:
		fmt.Println(failedStyle.Render("FAILED   ") + r.InstanceID +
			dimStyle.Render(" "+r.Summary()))
	}
}

func modelName(preds []*eval.Prediction) string {
	for _, p := range preds {
		if p.ModelNameOrPath != "" {
			return p.ModelNameOrPath
		}
	}
	return ""
}

func init() {
	evalCmd.Flags().StringVarP(&evalPredictions, "predictions", "p", "", "predictions file (json or jsonl)")
	evalCmd.Flags().StringVarP(&runDataPath, "data-path", "d", "", "benchmark instance file")
	evalCmd.Flags().IntVar(&evalWorkers, "workers", 2, "concurrent evaluations")
	evalCmd.Flags().StringVar(&evalStorePath, "store", filepath.Join("trajectories", "runs.db"), "run store path")
	evalCmd.Flags().StringVar(&evalRunID, "run-id", "", "run identifier (default derived from predictions file)")
	evalCmd.Flags().StringVar(&runSplit, "filter", "", "instance ID filter")
}
