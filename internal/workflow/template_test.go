package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cozyapp/cozylink/internal/models"
)

// testTemplateJSON mirrors the shipped full-pipe workflow: loader feeding
// prompt conditioning, base sampling, an upscaler, two detailer variants
// behind a conditional branch, and a save node.
const testTemplateJSON = `{
	"1": {"class_type": "LoaderFullPipe", "inputs": {"seed": 42, "ckpt_name": "base.safetensors"}},
	"2": {"class_type": "PromptConditioningNode", "inputs": {
		"positive": "", "negative": "", "style": "default",
		"quality_tags": true, "embeddings": false, "pipe": ["1", 0]}},
	"3": {"class_type": "BaseNode", "inputs": {
		"resolution": "1024x1024 (1:1)", "portrait": false,
		"sampler_name": "euler_ancestral_cfg_pp", "scheduler": "karras",
		"steps": 20, "cfg": 1.5, "denoise": 1.0, "pipe": ["2", 0]}},
	"4": {"class_type": "UpscaleNode", "inputs": {
		"sampler_name": "euler_ancestral", "scheduler": "align_your_steps",
		"steps": 18, "cfg": 2.5, "denoise": 0.2,
		"upscale_model": "4x-UltraSharpV2_Lite.pth", "scale_by": 2.0, "pipe": ["3", 0]}},
	"5": {"class_type": "DetailerPipeNode", "inputs": {
		"bbox_model": "bbox/face_yolov8m.pt", "threshold": 0.5,
		"sampler": "euler_ancestral_cfg_pp", "scheduler": "align_your_steps",
		"steps": 20, "cfg": 1.5, "denoise": 0.2, "pipe": ["4", 0]}},
	"6": {"class_type": "NestedDetailerPipeNode", "inputs": {
		"face_model": "bbox/face_yolov8m.pt", "cfg": 2.5,
		"sampler": "euler_ancestral", "scheduler": "align_your_steps",
		"face_steps": 20, "eye_steps": 20, "pipe": ["5", 0]}},
	"7": {"class_type": "ImpactConditionalBranch", "inputs": {
		"cond": false, "tt_value": ["6", 0], "ff_value": ["4", 0]}},
	"8": {"class_type": "SaveFullPipe", "inputs": {
		"filename_prefix": "gen", "images": ["7", 0]}}
}`

func mustParse(t *testing.T) *Template {
	t.Helper()
	tpl, err := Parse([]byte(testTemplateJSON))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return tpl
}

func TestParseValidTemplate(t *testing.T) {
	tpl := mustParse(t)

	if tpl.NodeCount() != 8 {
		t.Errorf("NodeCount() = %d, want 8", tpl.NodeCount())
	}

	order := tpl.Order()
	if order[0] != "1" || order[len(order)-1] != "8" {
		t.Errorf("execution order = %v, want loader first and save last", order)
	}

	// Every node must come after all of its upstream links.
	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	pairs := [][2]string{{"1", "2"}, {"2", "3"}, {"3", "4"}, {"4", "5"}, {"5", "6"}, {"6", "7"}, {"7", "8"}}
	for _, pair := range pairs {
		if position[pair[0]] >= position[pair[1]] {
			t.Errorf("node %s should execute before node %s, order %v", pair[0], pair[1], order)
		}
	}

	if idx, ok := tpl.NodeIndex("8"); !ok || idx != len(order)-1 {
		t.Errorf("NodeIndex(8) = (%d, %t), want last position", idx, ok)
	}
	if got := tpl.ClassOf("1"); got != LoaderNodeClass {
		t.Errorf("ClassOf(1) = %q, want %q", got, LoaderNodeClass)
	}
	if id, ok := tpl.FindClass(BranchNodeClass); !ok || id != "7" {
		t.Errorf("FindClass(branch) = (%q, %t), want (7, true)", id, ok)
	}
}

func TestParseRejectsMalformedTemplates(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"invalid json", `{"1": {`},
		{"empty graph", `{}`},
		{"missing class_type", `{"1": {"inputs": {"seed": 1}}}`},
		{"link to unknown node", `{"1": {"class_type": "BaseNode", "inputs": {"pipe": ["99", 0]}}}`},
		{"self cycle", `{"1": {"class_type": "BaseNode", "inputs": {"pipe": ["1", 0]}}}`},
		{"two node cycle", `{
			"1": {"class_type": "BaseNode", "inputs": {"pipe": ["2", 0]}},
			"2": {"class_type": "UpscaleNode", "inputs": {"pipe": ["1", 0]}}
		}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			if !errors.Is(err, ErrMalformedTemplate) {
				t.Errorf("Parse() error = %v, want ErrMalformedTemplate", err)
			}
		})
	}
}

// TestParseNumericPairIsNotALink guards against treating plain two-element
// numeric arrays (a size pair, for example) as node links.
func TestParseNumericPairIsNotALink(t *testing.T) {
	tpl, err := Parse([]byte(`{
		"1": {"class_type": "BaseNode", "inputs": {"size": [512, 512]}}
	}`))
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}
	if tpl.NodeCount() != 1 {
		t.Errorf("NodeCount() = %d, want 1", tpl.NodeCount())
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.json")
	if err := os.WriteFile(path, []byte(testTemplateJSON), 0644); err != nil {
		t.Fatalf("failed to write template file: %v", err)
	}

	tpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tpl.Path() != path {
		t.Errorf("Path() = %q, want %q", tpl.Path(), path)
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Load() of a missing file should fail")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"1": {}}`), 0644); err != nil {
		t.Fatalf("failed to write bad template: %v", err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrMalformedTemplate) {
		t.Errorf("Load(bad) error = %v, want ErrMalformedTemplate", err)
	}
}

func TestValidateAgainstCatalog(t *testing.T) {
	tpl := mustParse(t)

	full := models.ObjectInfo{}
	for _, class := range []string{
		LoaderNodeClass, PromptNodeClass, BaseNodeClass, UpscaleNodeClass,
		DetailerNodeClass, NestedDetailerNodeClass, BranchNodeClass, SaveNodeClass,
	} {
		full[class] = models.NodeClass{Name: class}
	}

	if err := tpl.ValidateAgainstCatalog(full); err != nil {
		t.Errorf("ValidateAgainstCatalog(full) error = %v, want nil", err)
	}

	partial := models.ObjectInfo{LoaderNodeClass: models.NodeClass{Name: LoaderNodeClass}}
	err := tpl.ValidateAgainstCatalog(partial)
	if !errors.Is(err, ErrMalformedTemplate) {
		t.Errorf("ValidateAgainstCatalog(partial) error = %v, want ErrMalformedTemplate", err)
	}

	// Without a catalog there is nothing to check against.
	if err := tpl.ValidateAgainstCatalog(nil); err != nil {
		t.Errorf("ValidateAgainstCatalog(nil) error = %v, want nil", err)
	}
}

func TestSummary(t *testing.T) {
	tpl := mustParse(t)
	summaries := tpl.Summary()

	if len(summaries) != tpl.NodeCount() {
		t.Fatalf("Summary() has %d entries, want %d", len(summaries), tpl.NodeCount())
	}

	var branch *NodeSummary
	for i := range summaries {
		if summaries[i].ClassType == BranchNodeClass {
			branch = &summaries[i]
		}
	}
	if branch == nil {
		t.Fatal("Summary() lost the branch node")
	}

	if strings.Join(branch.Editable, ",") != "cond" {
		t.Errorf("branch editable inputs = %v, want [cond]", branch.Editable)
	}
	if strings.Join(branch.Upstream, ",") != "4,6" {
		t.Errorf("branch upstream links = %v, want [4 6]", branch.Upstream)
	}
}
