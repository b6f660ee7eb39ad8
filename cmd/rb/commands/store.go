package commands

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rootbeer/rootbeer/pkg/stores"
)

func newStoreCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the revision store",
		Long: `Manage the revision store.

The store keeps one directory per successful apply under <root>/store,
holding the entry script, every module it loaded and every reference
file it declared. <root>/_current names the revision that describes the
host as it is now.`,
	}

	cmd.AddCommand(newStoreInitCommand(a))
	cmd.AddCommand(newStoreDestroyCommand(a))
	cmd.AddCommand(newStoreListCommand(a))
	cmd.AddCommand(newStoreReadCommand(a))
	cmd.AddCommand(newStoreCurrentCommand(a))
	cmd.AddCommand(newStoreVerifyCommand(a))
	cmd.AddCommand(newStoreHistoryCommand(a))

	return cmd
}

func newStoreInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.Init(); err != nil {
				return err
			}
			fmt.Printf("✓ Created store: %s\n", s.Root())

			if !a.settings.DisableJournal {
				path := filepath.Join(s.Root(), stores.JournalFile)
				j, err := stores.OpenJournal(cmd.Context(), path)
				if err != nil {
					return err
				}
				if err := j.Close(); err != nil {
					return err
				}
				fmt.Printf("✓ Initialized journal: %s\n", path)
			}
			return nil
		},
	}
}

func newStoreDestroyCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Remove the store and every revision in it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newStore(cmd.Context())
			if err != nil {
				return err
			}
			if !force {
				return fmt.Errorf("refusing to remove %s without --force", s.Root())
			}
			if err := s.Destroy(); err != nil {
				return err
			}
			fmt.Printf("✓ Removed store: %s\n", s.Root())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "confirm removal")
	return cmd
}

func newStoreListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List revisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newStore(cmd.Context())
			if err != nil {
				return err
			}
			revs, err := s.List(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(revs)
			}

			current, hasCurrent := s.Current()
			for _, rev := range revs {
				marker := " "
				if hasCurrent && rev.ID == current {
					marker = "*"
				}
				fmt.Printf("%s %4d  %s  %-20s %d cfg, %d ref\n", marker, rev.ID,
					rev.Time().Format(time.DateTime), rev.Name, len(rev.CfgFiles), len(rev.RefFiles))
			}
			return nil
		},
	}
}

func newStoreReadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read [id]",
		Short: "Show the files recorded by a revision (default: current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newStore(cmd.Context())
			if err != nil {
				return err
			}
			id, err := revisionArg(s, args)
			if err != nil {
				return err
			}
			rev, err := s.Read(id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rev)
			}
			printRevision(rev)
			return nil
		},
	}
}

func newStoreCurrentCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "current [id]",
		Short: "Print the current revision, or point it at id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newStore(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				if err := s.SetCurrent(id); err != nil {
					return err
				}
				fmt.Printf("✓ Current revision set to %d\n", id)
				return nil
			}

			rev, err := s.CurrentRevision()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rev)
			}
			printRevision(rev)
			return nil
		},
	}
}

func newStoreVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [id]",
		Short: "Check a revision's files against their recorded checksums",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newStore(cmd.Context())
			if err != nil {
				return err
			}
			id, err := revisionArg(s, args)
			if err != nil {
				return err
			}
			bad, err := s.Verify(id)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(bad); err != nil {
					return err
				}
			} else {
				for _, m := range bad {
					if m.Missing {
						fmt.Printf("✗ %s: missing\n", m.Path)
					} else {
						fmt.Printf("✗ %s: expected %s, got %s\n", m.Path, m.Expected, m.Actual)
					}
				}
			}
			if len(bad) > 0 {
				return fmt.Errorf("revision %d: %d file(s) failed verification", id, len(bad))
			}
			if !jsonOutput {
				fmt.Printf("✓ Revision %d verified\n", id)
			}
			return nil
		},
	}
}

func newStoreHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent apply attempts from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			j := r.Journal()
			if j == nil {
				return fmt.Errorf("no journal for store %s", r.Store().Root())
			}
			recs, err := j.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(recs)
			}

			for _, rec := range recs {
				rev := "-"
				if rec.RevisionID != nil {
					rev = strconv.Itoa(*rec.RevisionID)
				}
				mode := ""
				if rec.DryRun {
					mode = " (dry run)"
				}
				fmt.Printf("%s  %-9s rev %-4s %s%s\n", rec.StartedAt.Local().Format(time.DateTime), rec.Status, rev, rec.Script, mode)
				if rec.Error != nil {
					fmt.Printf("    %s\n", *rec.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of entries to show")
	return cmd
}

// revisionArg parses the optional id argument, defaulting to the current
// revision.
func revisionArg(s *stores.FileStore, args []string) (int, error) {
	if len(args) == 1 {
		return parseID(args[0])
	}
	id, ok := s.Current()
	if !ok {
		return 0, fmt.Errorf("no current revision in %s", s.Root())
	}
	return id, nil
}

func parseID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid revision id %q", arg)
	}
	return id, nil
}

func printRevision(rev *stores.Revision) {
	fmt.Printf("Revision %d\n", rev.ID)
	if rev.Name != "" {
		fmt.Printf("  name:      %s\n", rev.Name)
	}
	fmt.Printf("  timestamp: %s\n", rev.Time().Format(time.RFC3339))
	fmt.Printf("  cfg files: %s\n", strings.Join(rev.CfgFiles, ", "))
	fmt.Printf("  ref files: %s\n", strings.Join(rev.RefFiles, ", "))
}
