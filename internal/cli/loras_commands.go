package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cozyapp/cozylink/internal/api"
)

func newLorasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loras",
		Short: "Browse and download LoRA models via the server's lora manager",
	}
	cmd.AddCommand(newLorasListCmd())
	cmd.AddCommand(newLorasDownloadCmd())
	return cmd
}

func newLorasListCmd() *cobra.Command {
	var (
		search string
		sortBy string
		page   int
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List LoRA models installed on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var items []loraRow
			if all {
				loras, err := client.ListAllLoras(ctx, sortBy, search)
				if errors.Is(err, api.ErrEndpointMissing) {
					return fmt.Errorf("the server has no lora manager extension installed")
				}
				if err != nil {
					return err
				}
				for _, l := range loras {
					items = append(items, loraRow{l.ModelName, l.FileName, l.BaseModel})
				}
			} else {
				resp, err := client.ListLoras(ctx, api.LoraListOptions{
					Page:   page,
					SortBy: sortBy,
					Search: search,
				})
				if errors.Is(err, api.ErrEndpointMissing) {
					return fmt.Errorf("the server has no lora manager extension installed")
				}
				if err != nil {
					return err
				}
				for _, l := range resp.Items {
					items = append(items, loraRow{l.ModelName, l.FileName, l.BaseModel})
				}
				if resp.TotalPages > 1 {
					defer fmt.Printf("\nPage %d of %d. Use --page or --all for more.\n", page, resp.TotalPages)
				}
			}

			if len(items) == 0 {
				fmt.Println("No loras found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFILE\tBASE MODEL")
			for _, row := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\n", row.name, row.file, row.base)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&search, "search", "", "Filter by name substring")
	cmd.Flags().StringVar(&sortBy, "sort", "name", "Sort order: name or date")
	cmd.Flags().IntVar(&page, "page", 1, "Page to list")
	cmd.Flags().BoolVar(&all, "all", false, "List every page")
	return cmd
}

type loraRow struct {
	name, file, base string
}

func newLorasDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <civitai-url>",
		Short: "Ask the server to download a LoRA from CivitAI",
		Long: `Download a LoRA model into the server's model directory. The argument
is a CivitAI model or version URL; the download itself runs on the
server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			err = client.DownloadLora(GetContext(), args[0])
			if errors.Is(err, api.ErrEndpointMissing) {
				return fmt.Errorf("the server has no lora manager extension installed")
			}
			if err != nil {
				return err
			}
			fmt.Println("Download started on the server.")
			return nil
		},
	}
}
