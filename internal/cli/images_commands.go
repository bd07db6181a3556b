package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cozyapp/cozylink/internal/api"
	"github.com/cozyapp/cozylink/internal/imagecache"
	"github.com/cozyapp/cozylink/internal/models"
	"github.com/cozyapp/cozylink/internal/progress"
)

func newImagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Manage locally cached generations and server outputs",
	}
	cmd.AddCommand(newImagesListCmd())
	cmd.AddCommand(newImagesFetchCmd())
	cmd.AddCommand(newImagesCleanCmd())
	cmd.AddCommand(newImagesDeleteCmd())
	return cmd
}

func openCache() (*imagecache.Cache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.CacheEnabled {
		return nil, errors.New("the image cache is disabled in the configuration")
	}
	dir, err := cfg.ImageCacheDir()
	if err != nil {
		return nil, err
	}
	return imagecache.New(dir)
}

func newImagesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached generations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache()
			if err != nil {
				return err
			}
			entries, err := cache.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Printf("Cache at %s is empty.\n", cache.Dir())
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSAVED\tSEED\tPROMPT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					e.Name,
					e.SavedAt.Format("2006-01-02 15:04"),
					e.Meta.Seed,
					truncate(e.Meta.Prompt, 50))
			}
			return w.Flush()
		},
	}
}

func newImagesFetchCmd() *cobra.Command {
	var (
		subfolder string
		output    string
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <filename>",
		Short: "Download an output image from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			body, size, err := client.ViewStream(GetContext(), models.OutputImage{
				Filename:  args[0],
				Subfolder: subfolder,
				Type:      "output",
			})
			if err != nil {
				return err
			}
			defer body.Close()

			dest := output
			if dest == "" {
				dest = filepath.Base(args[0])
			}
			f, err := os.Create(dest)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", dest, err)
			}
			defer f.Close()

			var reporter progress.Reporter = progress.NewNoOpProgress()
			if !quiet {
				reporter = progress.NewCLIProgress()
			}
			reporter.Start(size, args[0])
			_, err = io.Copy(f, progress.NewProgressReader(body, reporter))
			if err != nil {
				reporter.Error(err)
				os.Remove(dest)
				return fmt.Errorf("download failed: %w", err)
			}
			reporter.Finish()

			fmt.Printf("Saved %s\n", dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&subfolder, "subfolder", "", "Output subfolder on the server")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination path (defaults to the filename)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "No progress bar")
	return cmd
}

func newImagesCleanCmd() *cobra.Command {
	var maxAgeDays int

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached generations older than the retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			days := maxAgeDays
			if days <= 0 {
				days = cfg.CacheMaxAgeDays
			}
			dir, err := cfg.ImageCacheDir()
			if err != nil {
				return err
			}
			cache, err := imagecache.New(dir)
			if err != nil {
				return err
			}
			removed, err := cache.Cleanup(time.Duration(days) * 24 * time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d cached generation(s) older than %d days.\n", removed, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "Override the configured retention age")
	return cmd
}

func newImagesDeleteCmd() *cobra.Command {
	var fromServer bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a cached generation, or an output file on the server",
		Long: `Delete a generation from the local cache by its entry name, as shown
by "images list". With --server the argument is instead an output
filename to delete from the server's output directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromServer {
				client, err := newAPIClient()
				if err != nil {
					return err
				}
				err = client.DeleteOutput(GetContext(), args[0])
				if errors.Is(err, api.ErrEndpointMissing) {
					return fmt.Errorf("the server has no api-tools extension installed")
				}
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %s from the server.\n", args[0])
				return nil
			}

			cache, err := openCache()
			if err != nil {
				return err
			}
			if err := cache.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s from the cache.\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromServer, "server", false, "Delete an output file on the server instead")
	return cmd
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
