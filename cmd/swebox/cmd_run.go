package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swebox/internal/config"
	"swebox/internal/env"
	"swebox/internal/task"
	"swebox/internal/trajectory"
)

var (
	runDataPath      string
	runRepoPath      string
	runImage         string
	runContainerName string
	runEnvSetup      string
	runNoInstall     bool
	runCacheImages   bool
	runSplit         string
	runTrajDir       string
	runOpenPR        bool
	runPRDryRun      bool
)

// loadArguments builds environment arguments from config file + flags.
// Flags win over the config file, which wins over defaults.
func loadArguments() (config.EnvironmentArguments, error) {
	args := config.DefaultEnvironmentArguments()
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return args, err
		}
		args = cfg.Environment
	}

	if runDataPath != "" {
		args.DataPath = runDataPath
	}
	if runRepoPath != "" {
		args.RepoPath = runRepoPath
	}
	if runImage != "" {
		args.ImageName = runImage
	}
	if runContainerName != "" {
		args.ContainerName = runContainerName
	}
	if runEnvSetup != "" {
		args.EnvironmentSetup = runEnvSetup
	}
	if runNoInstall {
		args.InstallEnvironment = false
	}
	if runCacheImages {
		args.CacheTaskImages = true
	}
	if runSplit != "" {
		args.SplitName = runSplit
	}
	args.Timeout = config.Duration(timeout)
	args.Verbose = verbose
	return args, nil
}

// runCmd drives a single task environment interactively: actions are read
// from stdin, observations printed to stdout, everything recorded as a
// trajectory.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision a task environment and drive it from stdin",
	Long: `Provision a containerized environment for a task and execute shell
actions read from standard input, one per line.

Two actions are special: "submit" prints the accumulated patch and ends
the episode; "exit" ends it without submitting. Every step is recorded
in a trajectory file.`,
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		args, err := loadArguments()
		if err != nil {
			return err
		}

		instances, err := task.Resolve(ctx, task.ResolveOptions{
			DataPath: args.DataPath,
			RepoPath: args.RepoPath,
			Filter:   args.SplitName,
		})
		if err != nil {
			return err
		}
		inst := instances[0]
		if len(instances) > 1 {
			logger.Info("multiple instances resolved, running the first",
				zap.String("instance", inst.InstanceID))
		}

		environment, err := env.New(args)
		if err != nil {
			return err
		}
		defer environment.Close(ctx)

		writer, err := trajectory.NewWriter(runTrajDir, environment.RunID(),
			inst.InstanceID, args.DataPath)
		if err != nil {
			return err
		}
		defer writer.Close()

		fmt.Printf("Resetting environment for %s ...\n", inst.InstanceID)
		observation, err := environment.Reset(ctx, inst)
		if err != nil {
			return err
		}
		_ = writer.Event("environment ready")

		fmt.Println(strings.Repeat("-", 60))
		fmt.Println(observation)
		fmt.Println(strings.Repeat("-", 60))

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			action := strings.TrimSpace(scanner.Text())
			if action == "" {
				continue
			}

			obs, done, info, err := environment.Step(ctx, action)
			if err != nil {
				fmt.Fprintf(os.Stderr, "step failed: %v\n", err)
				_ = writer.Step(action, err.Error(), environment.ReturnCode(), false)
				continue
			}
			_ = writer.Step(action, obs, environment.ReturnCode(), done)

			if obs != "" {
				fmt.Println(obs)
			}
			if done {
				_ = writer.ExitStatus(info.ExitStatus)
				if info.ExitStatus == env.ExitSubmitted {
					_ = writer.Submission(obs)
					fmt.Println("Patch submitted.")
					if runOpenPR {
						if err := openPullRequest(ctx, environment); err != nil {
							fmt.Fprintf(os.Stderr, "open PR: %v\n", err)
						}
					}
				} else {
					fmt.Printf("Episode ended: %s\n", info.ExitStatus)
				}
				break
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read actions: %w", err)
		}

		return environment.Close(ctx)
	},
}

func openPullRequest(ctx context.Context, environment *env.Environment) error {
	pr, err := environment.OpenPR(ctx, env.PROptions{DryRun: runPRDryRun})
	if err != nil {
		return err
	}
	if pr != nil {
		fmt.Printf("Opened pull request: %s\n", pr.HTMLURL)
	}
	return nil
}

func init() {
	runCmd.Flags().StringVarP(&runDataPath, "data-path", "d", "", "problem statement, issue URL, or instance file")
	runCmd.Flags().StringVar(&runRepoPath, "repo-path", "", "local repository to mirror into the container")
	runCmd.Flags().StringVar(&runImage, "image", "", "container image")
	runCmd.Flags().StringVar(&runContainerName, "container-name", "", "reuse a persistent container with this name")
	runCmd.Flags().StringVar(&runEnvSetup, "env-setup", "", "environment setup file (.sh or .yml)")
	runCmd.Flags().BoolVar(&runNoInstall, "no-install", false, "skip environment installation")
	runCmd.Flags().BoolVar(&runCacheImages, "cache-task-images", false, "commit prepared environments as task images")
	runCmd.Flags().StringVar(&runSplit, "filter", "", "instance ID filter for instance files")
	runCmd.Flags().StringVar(&runTrajDir, "traj-dir", "trajectories", "trajectory output directory")
	runCmd.Flags().BoolVar(&runOpenPR, "open-pr", false, "open a pull request after submit")
	runCmd.Flags().BoolVar(&runPRDryRun, "pr-dry-run", true, "log the pull request instead of opening it")
}
