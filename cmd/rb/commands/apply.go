package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rootbeer/rootbeer/pkg/config"
	"github.com/rootbeer/rootbeer/pkg/engine"
	"github.com/rootbeer/rootbeer/pkg/runner"
	"github.com/rootbeer/rootbeer/pkg/telemetry"
)

func newApplyCommand(a *app) *cobra.Command {
	var (
		dryRun bool
		name   string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "apply [script]",
		Short: "Run a configuration script and record a revision",
		Long: `Run a configuration script against this host.

This command:
  - Evaluates the script as the invoking user (privileges are dropped)
  - Writes and links the files the script asks for
  - Stores the script, its loaded modules and its reference files
    as a new revision and marks it current

Without an argument the script is the configured manifest, or
rootbeer/init.star under XDG_CONFIG_HOME, XDG_CONFIG_DIRS or ~/.config.`,
		Example: `  # Apply the discovered init.star
  sudo rb apply

  # Show what would be written without touching the host
  rb apply --dry-run ./init.star

  # Re-apply whenever the script or anything it references changes
  sudo rb apply --watch --name laptop`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := telemetry.FromContext(ctx).Component("apply")

			script, err := resolveScript(a.settings, args)
			if err != nil {
				return err
			}

			r, err := a.newRunner(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			req := runner.Request{Script: script, Name: name, DryRun: dryRun}
			report, err := r.Apply(ctx, req)
			if err != nil && !watch {
				// A fatal abort leaves nothing meaningful to report.
				if report != nil && !jsonOutput && !engine.IsFatal(err) {
					printReport(report)
				}
				return err
			}
			if err != nil {
				logger.Error().Err(err).Msg("Apply failed")
			}
			if report != nil {
				if perr := emitReport(report); perr != nil {
					return perr
				}
			}
			if !watch {
				return nil
			}

			w := config.NewWatcher(config.DefaultDebounce, logger)
			if report != nil {
				w.SetFiles(report.Watched)
			} else {
				w.SetFiles([]string{script})
			}
			return w.Run(ctx, func(ctx context.Context) error {
				if err := r.ReloadPolicies(ctx); err != nil {
					logger.Warn().Err(err).Msg("Keeping previous policies")
				}
				report, err := r.Apply(ctx, req)
				if report != nil {
					w.SetFiles(report.Watched)
					if perr := emitReport(report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "plan writes and links without performing them")
	cmd.Flags().StringVar(&name, "name", "", "name recorded with the revision")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-apply when tracked files change")

	return cmd
}

// resolveScript picks the entry script: the argument, the configured
// manifest, then XDG discovery.
func resolveScript(settings *config.Settings, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if settings.Manifest != "" {
		return settings.Manifest, nil
	}
	script, err := config.DefaultManifest(os.Getenv)
	if err != nil {
		return "", fmt.Errorf("no script given: %w", err)
	}
	return script, nil
}

func emitReport(report *runner.Report) error {
	if jsonOutput {
		return printJSON(report)
	}
	printReport(report)
	return nil
}

func printReport(report *runner.Report) {
	if len(report.Plan) > 0 {
		verb := "Applied"
		if report.DryRun {
			verb = "Planned"
		}
		fmt.Printf("%s %d operation(s):\n", verb, len(report.Plan))
		for _, op := range report.Plan {
			fmt.Printf("  %s\n", op)
		}
	}

	if report.Output != "" {
		fmt.Print(report.Output)
		if report.Output[len(report.Output)-1] != '\n' {
			fmt.Println()
		}
	}

	switch {
	case report.Revision != nil:
		fmt.Printf("✓ Revision %d recorded (%d config, %d reference files)\n",
			report.Revision.ID, len(report.Revision.CfgFiles), len(report.Revision.RefFiles))
	case report.DryRun:
		fmt.Printf("✓ Dry run finished in %s, nothing written\n", report.Duration.Round(time.Millisecond))
	}
}
