package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rootbeer/rootbeer/pkg/policy"
)

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the write and link policies",
		Long: `Inspect the policies every write and link is checked against.

Built-in policies protect the revision store and kernel filesystems and
warn about links outside the invoking user's home. Additional .rego or
.json policies are read from policy_dirs; disabled_policies turns any of
them off.`,
	}

	cmd.AddCommand(newPolicyListCommand(a))
	return cmd
}

// policySummary is the JSON form of a policy, without its source.
type policySummary struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Severity    policy.Severity `json:"severity"`
	Enabled     bool            `json:"enabled"`
}

func newPolicyListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			policies, err := r.Policies(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				out := make([]policySummary, 0, len(policies))
				for _, p := range policies {
					out = append(out, policySummary{
						Name:        p.Name,
						Description: p.Description,
						Severity:    p.Severity,
						Enabled:     p.Enabled,
					})
				}
				return printJSON(out)
			}
			printPolicies(os.Stdout, policies)
			return nil
		},
	}
}

func printPolicies(w io.Writer, policies []policy.Policy) {
	for _, p := range policies {
		state := "on "
		if !p.Enabled {
			state = "off"
		}
		fmt.Fprintf(w, "%s  %-20s %-8s %s\n", state, p.Name, p.Severity, p.Description)
	}
}
