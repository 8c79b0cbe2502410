package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"swebox/internal/docsindex"
)

var (
	docsCore       []string
	docsSubfolders []string
)

// docsCheckCmd validates a documentation index page: the incompleteness
// warning must be present, listed folders must match the expected layout,
// and every listed folder needs a link target.
var docsCheckCmd = &cobra.Command{
	Use:   "docs-check <index.md>",
	Short: "Validate a documentation index page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		shape := docsindex.DefaultShape()
		if len(docsCore) > 0 {
			shape.Core = docsCore
		}
		if len(docsSubfolders) > 0 {
			shape.Subfolders = docsSubfolders
		}

		report, err := docsindex.CheckFile(args[0], shape)
		if err != nil {
			return err
		}

		if report.OK() {
			fmt.Println(resolvedStyle.Render("OK ") + args[0])
			return nil
		}

		fmt.Println(failedStyle.Render("FAIL ") + args[0])
		for _, p := range report.Problems {
			fmt.Println("  - " + p)
		}
		return fmt.Errorf("%d problem(s) found", len(report.Problems))
	},
}

func init() {
	docsCheckCmd.Flags().StringSliceVar(&docsCore, "core", nil, "expected core folders")
	docsCheckCmd.Flags().StringSliceVar(&docsSubfolders, "subfolders", nil, "expected subfolders")
}
