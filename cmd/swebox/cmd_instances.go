package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"swebox/internal/task"
)

var instancesShowStatement bool

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

// instancesCmd inspects benchmark instance files.
var instancesCmd = &cobra.Command{
	Use:   "instances <file.json|file.jsonl> [instance-id]",
	Short: "List or show benchmark instances",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		instances, err := task.LoadInstances(args[0])
		if err != nil {
			return err
		}

		if len(args) == 1 {
			fmt.Println(headerStyle.Render(fmt.Sprintf("%d instance(s) in %s", len(instances), args[0])))
			for _, inst := range instances {
				fmt.Printf("  %-40s %-28s %d test(s)\n",
					inst.InstanceID, inst.Repo, inst.TestCount())
			}
			return nil
		}

		for _, inst := range instances {
			if inst.InstanceID == args[1] {
				return showInstance(inst)
			}
		}
		return fmt.Errorf("instance %q not found in %s", args[1], args[0])
	},
}

func showInstance(inst *task.Instance) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", inst.InstanceID)
	fmt.Fprintf(&sb, "- **Repo**: %s\n", inst.Repo)
	fmt.Fprintf(&sb, "- **Base commit**: `%s`\n", inst.BaseCommit)
	if inst.Version != "" {
		fmt.Fprintf(&sb, "- **Version**: %s\n", inst.Version)
	}
	fmt.Fprintf(&sb, "- **Fail-to-pass tests**: %d\n", len(inst.FailToPass))
	fmt.Fprintf(&sb, "- **Pass-to-pass tests**: %d\n", len(inst.PassToPass))

	if instancesShowStatement {
		fmt.Fprintf(&sb, "\n## Problem statement\n\n%s\n", inst.ProblemStatement)
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		// Fall back to raw markdown if the terminal renderer fails.
		fmt.Println(sb.String())
		return nil
	}
	out, err := renderer.Render(sb.String())
	if err != nil {
		fmt.Println(sb.String())
		return nil
	}
	fmt.Print(out)
	return nil
}

func init() {
	instancesCmd.Flags().BoolVar(&instancesShowStatement, "statement", false, "include the problem statement")
}
