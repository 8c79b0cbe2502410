package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"swebox/internal/trajectory"
)

var runsStorePath string

// runsCmd inspects recorded runs and their results.
var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded runs or show one run's results",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := trajectory.OpenStore(runsStorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			runs, err := store.ListRuns()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			fmt.Println(headerStyle.Render(fmt.Sprintf("%d run(s)", len(runs))))
			for _, r := range runs {
				fmt.Printf("  %-30s %s  %d/%d resolved  %s\n",
					r.RunID, r.CreatedAt.Format("2006-01-02 15:04"),
					r.Resolved, r.Instances, dimStyle.Render(r.DataPath))
			}
			return nil
		}

		results, err := store.RunResults(args[0])
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return fmt.Errorf("no results for run %q", args[0])
		}
		for _, r := range results {
			status := failedStyle.Render("FAILED  ")
			if r.Resolved {
				status = resolvedStyle.Render("RESOLVED")
			}
			fmt.Printf("%s %s\n", status, r.InstanceID)
			if r.Summary != "" {
				fmt.Println(dimStyle.Render("         " + r.Summary))
			}
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStorePath, "store", filepath.Join("trajectories", "runs.db"), "run store path")
}
