package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cozyapp/cozylink/internal/api"
	"github.com/cozyapp/cozylink/internal/stream"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control jobs on the server queue",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsWatchCmd())
	cmd.AddCommand(newJobsCancelCmd())
	return cmd
}

func newJobsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow server activity live until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := GetContext()
			listener := stream.NewListener(cfg, uuid.NewString())
			done := make(chan error, 1)
			go func() { done <- listener.Run(ctx) }()

			fmt.Println("Watching server activity, Ctrl+C to stop.")
			for {
				select {
				case <-ctx.Done():
					return <-done
				case ev, ok := <-listener.Events():
					if !ok {
						return <-done
					}
					printStreamEvent(ev)
				}
			}
		},
	}
}

func printStreamEvent(ev stream.Event) {
	switch ev.Kind {
	case stream.KindConnected:
		fmt.Println("connected")
	case stream.KindDisconnected:
		fmt.Println("disconnected, reconnecting...")
	case stream.KindQueueCount:
		fmt.Printf("queue: %d job(s) remaining\n", ev.QueueRemaining)
	case stream.KindStarted:
		fmt.Printf("%s: started\n", ev.Handle)
	case stream.KindExecuting:
		fmt.Printf("%s: node %s\n", ev.Handle, ev.Node)
	case stream.KindProgress:
		if ev.Max > 0 {
			fmt.Printf("%s: node %s %d/%d\n", ev.Handle, ev.Node, ev.Value, ev.Max)
		}
	case stream.KindFinished:
		fmt.Printf("%s: finished\n", ev.Handle)
	case stream.KindFailed:
		fmt.Printf("%s: failed: %s\n", ev.Handle, ev.ErrorMessage)
	case stream.KindInterrupted:
		fmt.Printf("%s: interrupted\n", ev.Handle)
	}
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running and pending jobs on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			queue, err := client.QueueState(ctx)
			if err != nil {
				return err
			}

			if len(queue.Running) == 0 && len(queue.Pending) == 0 {
				fmt.Println("Server queue is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tPOSITION\tJOB")
			for _, entry := range queue.Running {
				fmt.Fprintf(w, "running\t-\t%s\n", entry.PromptID)
			}
			for i, entry := range queue.Pending {
				fmt.Fprintf(w, "pending\t%d\t%s\n", i+1, entry.PromptID)
			}
			return w.Flush()
		},
	}
}

func newJobsCancelCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a pending job, or interrupt the running one",
		Long: `Cancel jobs on the server.

A pending job is removed from the queue. The currently running job is
interrupted. With --all, the whole queue is cleared and the running job
interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			queue, err := client.QueueState(ctx)
			if err != nil {
				return err
			}

			if all {
				for _, id := range queue.PendingIDs() {
					if err := client.DeleteQueued(ctx, id); err != nil {
						GetLogger().Warnf("failed to remove %s: %v", id, err)
					}
				}
				if len(queue.Running) > 0 {
					if err := client.Interrupt(ctx); err != nil {
						return err
					}
				}
				fmt.Println("Cancelled all jobs.")
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("provide a job id or --all")
			}
			handle := args[0]

			for _, id := range queue.RunningIDs() {
				if id == handle {
					if err := client.Interrupt(ctx); err != nil {
						return err
					}
					fmt.Printf("Interrupted running job %s.\n", handle)
					return nil
				}
			}
			for _, id := range queue.PendingIDs() {
				if id == handle {
					if err := client.DeleteQueued(ctx, handle); err != nil {
						return err
					}
					fmt.Printf("Removed pending job %s.\n", handle)
					return nil
				}
			}
			return fmt.Errorf("job %s is not on the server queue", handle)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Cancel every queued job and interrupt the running one")
	return cmd
}

// newAPIClient builds a one-shot API client for commands that need no
// event stream.
func newAPIClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg, "cozylink-cli")
}
