package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cozyapp/cozylink/internal/core"
	"github.com/cozyapp/cozylink/internal/workflow"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Validate and inspect workflow template files",
	}
	cmd.AddCommand(newWorkflowValidateCmd())
	cmd.AddCommand(newWorkflowShowCmd())
	cmd.AddCommand(newWorkflowSubmitCmd())
	return cmd
}

func newWorkflowSubmitCmd() *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "submit <template.json>",
		Short: "Submit a workflow file as-is, without parameter binding",
		Long: `Submit a fully-specified workflow graph exactly as written. Nothing is
bound onto it: no prompt, no seed randomization. Edit the file first,
or use "generate" for parameterized templates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tpl, err := workflow.Load(args[0])
			if err != nil {
				return err
			}
			graph, err := tpl.Graph()
			if err != nil {
				return err
			}

			session, err := core.NewSession(cfg)
			if err != nil {
				return err
			}
			defer session.Close()
			session.Start(ctx)

			handle, err := session.SubmitGraph(ctx, graph, filepath.Base(args[0]))
			if err != nil {
				return err
			}
			GetLogger().Infof("submitted job %s", handle)

			if noWait {
				return nil
			}
			return watchJobs(ctx, session, []string{handle})
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Submit and exit without watching progress")
	return cmd
}

func newWorkflowValidateCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "validate <template.json>",
		Short: "Check a workflow template for structural errors",
		Long: `Validate a workflow template: JSON shape, link integrity and cycle
freedom. Unless --offline is given, node classes are also checked
against the configured server's catalog.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := workflow.Load(args[0])
			if err != nil {
				return err
			}

			if !offline {
				client, err := newAPIClient()
				if err != nil {
					return err
				}
				catalog, err := client.NodeCatalog(GetContext())
				if err != nil {
					return fmt.Errorf("fetching node catalog (use --offline to skip): %w", err)
				}
				if err := tpl.ValidateAgainstCatalog(catalog); err != nil {
					return err
				}
			}

			fmt.Printf("%s: valid (%d nodes)\n", args[0], tpl.NodeCount())
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the server-side node class check")
	return cmd
}

func newWorkflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template.json>",
		Short: "Show a template's nodes, editable inputs and links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := workflow.Load(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s: %d nodes in execution order\n\n", args[0], tpl.NodeCount())

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tCLASS\tEDITABLE INPUTS\tUPSTREAM")
			for _, node := range tpl.Summary() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					node.ID,
					node.ClassType,
					strings.Join(node.Editable, ", "),
					strings.Join(node.Upstream, ", "))
			}
			return w.Flush()
		},
	}
}
