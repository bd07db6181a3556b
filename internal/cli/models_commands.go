package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cozyapp/cozylink/internal/workflow"
)

func newModelsCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models and presets offered by the server",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, styles, resolutions or samplers",
		Long: `List the values the server accepts for generation parameters. The
lists come from the node catalog, so they reflect exactly what the
connected server has installed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			// Each listing is an enum input on a known node class.
			listings := []struct {
				kind  string
				class string
				input string
			}{
				{"checkpoints", workflow.LoaderNodeClass, "ckpt_name"},
				{"styles", workflow.PromptNodeClass, "style"},
				{"resolutions", workflow.BaseNodeClass, "resolution"},
				{"samplers", workflow.BaseNodeClass, "sampler_name"},
			}

			shown := 0
			for _, l := range listings {
				if kind != "" && kind != l.kind {
					continue
				}
				class, err := client.NodeClass(ctx, l.class)
				if err != nil {
					GetLogger().Warnf("no %s listing: %v", l.kind, err)
					continue
				}
				values, ok := class.EnumInput(l.input)
				if !ok {
					continue
				}

				fmt.Printf("%s (%d):\n", l.kind, len(values))
				for _, v := range values {
					fmt.Printf("  %s\n", v)
				}
				fmt.Println()
				shown++
			}

			if shown == 0 {
				return fmt.Errorf("server offered no listings (unknown node classes?)")
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&kind, "kind", "", "Limit to one listing: checkpoints, styles, resolutions or samplers")

	cmd.AddCommand(listCmd)
	return cmd
}
