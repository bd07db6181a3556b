package workflow

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/cozyapp/cozylink/internal/constants"
	"github.com/cozyapp/cozylink/internal/models"
)

// DetailerMode selects which post-processing branch the workflow takes.
type DetailerMode string

const (
	// DetailerNone routes the branch node straight to the upscaler.
	DetailerNone DetailerMode = "none"

	// DetailerFace routes through the single-pass face detailer.
	DetailerFace DetailerMode = "face"

	// DetailerNested routes through the nested face+eyes detailer chain.
	DetailerNested DetailerMode = "nested"
)

// ParseDetailerMode converts user input to a DetailerMode.
func ParseDetailerMode(s string) (DetailerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return DetailerNone, nil
	case "face":
		return DetailerFace, nil
	case "nested":
		return DetailerNested, nil
	default:
		return "", fmt.Errorf("unknown detailer mode %q (want none, face or nested)", s)
	}
}

// SamplerSettings overrides sampler inputs on one node class. Zero-valued
// fields leave the template's value in place.
//
// The nested detailer splits steps and denoise into separate face and eye
// passes; use Parameters.Overrides to reach those keys.
type SamplerSettings struct {
	Sampler   string
	Scheduler string
	Steps     int
	CFG       float64
	Denoise   float64
}

// Parameters carries everything the user can vary per generation. String
// fields left empty and nil pointers keep whatever the template ships with.
type Parameters struct {
	// Prompt is the positive prompt text. It is the one required parameter.
	Prompt string

	// Negative is the negative prompt text. Unlike the optional fields an
	// empty negative is still bound: clearing it is meaningful.
	Negative string

	Style      string
	Model      string // checkpoint name as listed by the server
	Resolution string

	Portrait    *bool
	QualityTags *bool
	Embeddings  *bool

	// Seed pins the noise seed of the first batch item. Every later batch
	// item gets a fresh random seed regardless, otherwise the batch would
	// render the same image repeatedly.
	Seed *int64

	// Detailer selects the post-processing branch. Empty leaves the
	// template's branch wiring untouched.
	Detailer DetailerMode

	// Sampler overrides sampler settings per node class, e.g.
	// {BaseNodeClass: {Steps: 30}}.
	Sampler map[string]SamplerSettings

	// Overrides sets arbitrary inputs on specific nodes: node id -> input
	// key -> value. Applied last, so they win over every other binding.
	Overrides map[string]map[string]any
}

// JobRequest is a fully bound workflow ready for submission.
type JobRequest struct {
	Graph models.PromptGraph
	Seed  int64
	Order []string // execution order, for progress mapping
}

// Instantiate binds parameters into a deep copy of the template.
func (t *Template) Instantiate(params Parameters) (*JobRequest, error) {
	requests, err := t.InstantiateBatch(params, 1)
	if err != nil {
		return nil, err
	}
	return requests[0], nil
}

// InstantiateBatch produces count independent job requests. The first item
// uses the pinned seed when one is set; all others are randomized so a batch
// explores the seed space instead of repeating one image.
func (t *Template) InstantiateBatch(params Parameters, count int) ([]*JobRequest, error) {
	if count < 1 {
		count = 1
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt", ErrMissingParameter)
	}

	requests := make([]*JobRequest, 0, count)
	for i := 0; i < count; i++ {
		seed := rand.Int63n(constants.SeedMax)
		if params.Seed != nil && i == 0 {
			seed = *params.Seed
		}

		request, err := t.instantiate(params, seed)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}

	return requests, nil
}

func (t *Template) instantiate(params Parameters, seed int64) (*JobRequest, error) {
	graph, err := t.graph.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone template graph: %w", err)
	}

	if _, ok := t.FindClass(PromptNodeClass); !ok {
		return nil, fmt.Errorf("template has no %s node to bind the prompt", PromptNodeClass)
	}

	for _, id := range t.order {
		node := graph[id]
		inputs := node.Inputs

		// Any node with a scalar seed input gets this item's seed, so
		// templates built on stock sampler nodes randomize too.
		if existing, ok := inputs["seed"]; ok {
			if _, _, isLink := models.AsLink(existing); !isLink {
				inputs["seed"] = seed
			}
		}

		switch node.ClassType {
		case PromptNodeClass:
			inputs["positive"] = params.Prompt
			inputs["negative"] = params.Negative
			if params.Style != "" {
				inputs["style"] = params.Style
			}
			if params.QualityTags != nil {
				inputs["quality_tags"] = *params.QualityTags
			}
			if params.Embeddings != nil {
				inputs["embeddings"] = *params.Embeddings
			}

		case LoaderNodeClass:
			// The loader drives the noise seed for the whole pipe; set it
			// even when the template omits the key.
			inputs["seed"] = seed
			if params.Model != "" {
				inputs["ckpt_name"] = params.Model
			}

		case BaseNodeClass:
			if params.Resolution != "" {
				inputs["resolution"] = params.Resolution
			}
			if params.Portrait != nil {
				inputs["portrait"] = *params.Portrait
			}
		}
	}

	if err := applySamplerSettings(graph, params.Sampler); err != nil {
		return nil, err
	}
	if params.Detailer != "" {
		if err := applyDetailerMode(t, graph, params.Detailer); err != nil {
			return nil, err
		}
	}
	if err := applyOverrides(graph, params.Overrides); err != nil {
		return nil, err
	}

	return &JobRequest{Graph: graph, Seed: seed, Order: t.Order()}, nil
}

// samplerInputKey returns the input key a class uses for its sampler name.
// The detailer nodes call it "sampler" where the base pipeline nodes use
// "sampler_name".
func samplerInputKey(classType string) string {
	switch classType {
	case DetailerNodeClass, NestedDetailerNodeClass:
		return "sampler"
	default:
		return "sampler_name"
	}
}

func applySamplerSettings(graph models.PromptGraph, settings map[string]SamplerSettings) error {
	classes := make([]string, 0, len(settings))
	for class := range settings {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	for _, class := range classes {
		ids := graph.NodesOfClass(class)
		if len(ids) == 0 {
			return fmt.Errorf("sampler settings target class %q, but the template has no such node", class)
		}

		s := settings[class]
		nested := class == NestedDetailerNodeClass

		for _, id := range ids {
			inputs := graph[id].Inputs
			if s.Sampler != "" {
				inputs[samplerInputKey(class)] = s.Sampler
			}
			if s.Scheduler != "" {
				inputs["scheduler"] = s.Scheduler
			}
			if s.Steps > 0 && !nested {
				inputs["steps"] = s.Steps
			}
			if s.CFG > 0 {
				inputs["cfg"] = s.CFG
			}
			if s.Denoise > 0 && !nested {
				inputs["denoise"] = s.Denoise
			}
		}
	}

	return nil
}

// applyDetailerMode patches the conditional branch node. The branch
// evaluates cond ? tt_value : ff_value; the template wires tt_value to the
// nested detailer chain, so selecting a mode means setting cond and
// re-pointing ff_value at either the upscaler or the face detailer.
func applyDetailerMode(t *Template, graph models.PromptGraph, mode DetailerMode) error {
	branchID, haveBranch := t.FindClass(BranchNodeClass)
	detailerID, haveDetailer := t.FindClass(DetailerNodeClass)
	upscaleID, haveUpscale := t.FindClass(UpscaleNodeClass)

	if !haveBranch || !haveDetailer || !haveUpscale {
		return fmt.Errorf("detailer mode %q needs branch, detailer and upscale nodes, which this template lacks", mode)
	}

	inputs := graph[branchID].Inputs
	switch mode {
	case DetailerNone:
		inputs["cond"] = false
		inputs["ff_value"] = []any{upscaleID, 0}
	case DetailerFace:
		inputs["cond"] = false
		inputs["ff_value"] = []any{detailerID, 0}
	case DetailerNested:
		inputs["cond"] = true
		inputs["ff_value"] = []any{detailerID, 0}
	default:
		return fmt.Errorf("unknown detailer mode %q", mode)
	}

	return nil
}

func applyOverrides(graph models.PromptGraph, overrides map[string]map[string]any) error {
	ids := make([]string, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node, ok := graph[id]
		if !ok {
			return fmt.Errorf("override targets unknown node %s", id)
		}
		for key, value := range overrides[id] {
			node.Inputs[key] = value
		}
	}

	return nil
}
