package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cozyapp/cozylink/internal/core"
	"github.com/cozyapp/cozylink/internal/events"
	"github.com/cozyapp/cozylink/internal/jobs"
	"github.com/cozyapp/cozylink/internal/progress"
	"github.com/cozyapp/cozylink/internal/workflow"
)

// generateFlags carries the flag values of the generate command.
type generateFlags struct {
	workflowPath string
	promptText   string
	negative     string
	style        string
	model        string
	resolution   string
	detailer     string
	seed         int64
	seedSet      bool
	batch        int
	steps        int
	cfgScale     float64
	sampler      string
	scheduler    string
	noWait       bool
}

// buildParameters converts flag values into workflow parameters.
func (f *generateFlags) buildParameters() (workflow.Parameters, error) {
	params := workflow.Parameters{
		Prompt:     f.promptText,
		Negative:   f.negative,
		Style:      f.style,
		Model:      f.model,
		Resolution: f.resolution,
	}

	if f.seedSet {
		seed := f.seed
		params.Seed = &seed
	}

	if f.detailer != "" {
		mode, err := workflow.ParseDetailerMode(f.detailer)
		if err != nil {
			return params, err
		}
		params.Detailer = mode
	}

	// Sampler flags target the base pipeline node; per-class tuning goes
	// through workflow templates directly.
	if f.steps > 0 || f.cfgScale > 0 || f.sampler != "" || f.scheduler != "" {
		params.Sampler = map[string]workflow.SamplerSettings{
			workflow.BaseNodeClass: {
				Sampler:   f.sampler,
				Scheduler: f.scheduler,
				Steps:     f.steps,
				CFG:       f.cfgScale,
			},
		}
	}

	return params, nil
}

func newGenerateCmd() *cobra.Command {
	flags := &generateFlags{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Submit a generation workflow and watch its progress",
		Long: `Submit a workflow to the generation server and follow progress live.

Examples:
  cozylink generate -w workflow.json -p "a red fox in the snow"
  cozylink generate -w workflow.json -p "portrait" --batch 4 --detailer face
  cozylink generate -w workflow.json -p "castle" --seed 42 --no-wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.seedSet = cmd.Flags().Changed("seed")
			return runGenerate(flags)
		},
	}

	cmd.Flags().StringVarP(&flags.workflowPath, "workflow", "w", "", "Workflow template JSON file (required)")
	cmd.Flags().StringVarP(&flags.promptText, "prompt", "p", "", "Positive prompt text (required)")
	cmd.Flags().StringVarP(&flags.negative, "negative", "n", "", "Negative prompt text")
	cmd.Flags().StringVar(&flags.style, "style", "", "Prompt style preset")
	cmd.Flags().StringVar(&flags.model, "model", "", "Checkpoint model name")
	cmd.Flags().StringVar(&flags.resolution, "resolution", "", "Output resolution preset")
	cmd.Flags().StringVar(&flags.detailer, "detailer", "", "Detailer mode: none, face or nested")
	cmd.Flags().Int64Var(&flags.seed, "seed", 0, "Noise seed (default: random per batch item)")
	cmd.Flags().IntVar(&flags.batch, "batch", 1, "Number of images to generate")
	cmd.Flags().IntVar(&flags.steps, "steps", 0, "Sampler steps override")
	cmd.Flags().Float64Var(&flags.cfgScale, "cfg", 0, "CFG scale override")
	cmd.Flags().StringVar(&flags.sampler, "sampler", "", "Sampler name override")
	cmd.Flags().StringVar(&flags.scheduler, "scheduler", "", "Scheduler name override")
	cmd.Flags().BoolVar(&flags.noWait, "no-wait", false, "Submit and exit without watching progress")
	cmd.MarkFlagRequired("workflow")
	cmd.MarkFlagRequired("prompt")

	return cmd
}

func runGenerate(flags *generateFlags) error {
	ctx := GetContext()
	log := GetLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tpl, err := workflow.Load(flags.workflowPath)
	if err != nil {
		return err
	}

	params, err := flags.buildParameters()
	if err != nil {
		return err
	}

	session, err := core.NewSession(cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	// Catalog validation is best-effort: an unreachable catalog endpoint
	// must not block submission, the server validates anyway.
	if catalog, err := session.Client().NodeCatalog(ctx); err == nil {
		if err := tpl.ValidateAgainstCatalog(catalog); err != nil {
			return err
		}
	}

	session.Start(ctx)

	handles, err := session.Generate(ctx, tpl, params, flags.batch)
	if err != nil {
		return err
	}
	for _, handle := range handles {
		log.Infof("submitted job %s", handle)
	}

	if flags.noWait {
		return nil
	}
	return watchJobs(ctx, session, handles)
}

// watchJobs renders live progress bars for the given handles and returns
// once all of them reach a terminal state. It reports an error if any job
// failed.
func watchJobs(ctx context.Context, session *core.Session, handles []string) error {
	bus := session.Events()
	stateCh := bus.Subscribe(events.EventStateChange)
	progressCh := bus.Subscribe(events.EventProgress)
	defer bus.UnsubscribeAll(stateCh)
	defer bus.UnsubscribeAll(progressCh)

	watched := make(map[string]bool, len(handles))
	ui := progress.NewWatchUI(len(handles))
	for _, handle := range handles {
		name := handle
		if snap, ok := session.Job(handle); ok {
			name = snap.Name
		}
		ui.AddJobBar(handle, name)
		watched[handle] = true
	}

	remaining := len(handles)
	failures := 0

	// Jobs can already be terminal by the time we subscribe.
	for _, handle := range handles {
		if snap, ok := session.Job(handle); ok && snap.Terminal() {
			finishBar(ui, handle, snap)
			remaining--
			if snap.State == jobs.StateFailed {
				failures++
			}
		}
	}

	for remaining > 0 {
		select {
		case ev := <-progressCh:
			update, ok := ev.(*events.ProgressEvent)
			if !ok || !watched[update.JobID] {
				continue
			}
			if bar, ok := ui.Bar(update.JobID); ok {
				bar.SetProgress(update.Progress)
				if update.Node != "" {
					bar.SetStatus("node " + update.Node)
				}
			}

		case ev := <-stateCh:
			change, ok := ev.(*events.StateChangeEvent)
			if !ok || !watched[change.JobID] {
				continue
			}
			snap, ok := session.Job(change.JobID)
			if !ok {
				continue
			}
			if bar, barOK := ui.Bar(change.JobID); barOK && !snap.Terminal() {
				bar.SetStatus(change.NewState)
			}
			if snap.Terminal() {
				finishBar(ui, change.JobID, snap)
				remaining--
				if snap.State == jobs.StateFailed {
					failures++
				}
			}

		case <-ctx.Done():
			ui.Wait()
			return ctx.Err()
		}
	}

	ui.Wait()

	if failures > 0 {
		return fmt.Errorf("%d of %d jobs failed", failures, len(handles))
	}
	return nil
}

func finishBar(ui *progress.WatchUI, handle string, snap jobs.Snapshot) {
	bar, ok := ui.Bar(handle)
	if !ok {
		return
	}
	switch snap.State {
	case jobs.StateCompleted:
		detail := ""
		if n := len(snap.Outputs); n > 0 {
			detail = fmt.Sprintf("(%d image(s), seed %d)", n, snap.Seed)
		}
		bar.Complete(detail, nil)
	case jobs.StateFailed:
		bar.Complete("", fmt.Errorf("%s", snap.ErrorDetail))
	case jobs.StateCancelled:
		bar.Complete("", fmt.Errorf("cancelled"))
	}
}
