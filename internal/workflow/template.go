// Package workflow loads, validates and instantiates the prompt graphs
// submitted to the generation server.
//
// A template is a ComfyUI prompt JSON document: a map of node id to
// {class_type, inputs}, where a two-element [id, output] array input links
// the node to an upstream node's output. Templates stay parameterized on
// disk; Instantiate binds user parameters into a deep copy at submission
// time.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/cozyapp/cozylink/internal/models"
)

// ErrMalformedTemplate indicates a template that cannot be executed: invalid
// JSON, a node without a class type, a link to a node that does not exist,
// a cycle in the link graph, or a class the target server does not know.
var ErrMalformedTemplate = errors.New("malformed workflow template")

// ErrMissingParameter indicates Instantiate was called without a parameter
// the workflow requires.
var ErrMissingParameter = errors.New("missing required parameter")

// Node classes with dedicated parameter binding. Templates may contain any
// classes the server knows; these are the ones user parameters map onto.
const (
	PromptNodeClass         = "PromptConditioningNode"
	LoaderNodeClass         = "LoaderFullPipe"
	SaveNodeClass           = "SaveFullPipe"
	BaseNodeClass           = "BaseNode"
	UpscaleNodeClass        = "UpscaleNode"
	DetailerNodeClass       = "DetailerPipeNode"
	NestedDetailerNodeClass = "NestedDetailerPipeNode"
	BranchNodeClass         = "ImpactConditionalBranch"
)

// Template is a validated workflow graph. It is immutable after Parse;
// Instantiate works on deep copies.
type Template struct {
	graph models.PromptGraph
	order []string       // topological execution order
	index map[string]int // node id -> position in order
	path  string         // source file, empty for in-memory templates
}

// Load reads and validates a workflow template file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}

	tpl, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	tpl.path = path

	return tpl, nil
}

// Parse validates raw prompt JSON and builds the execution order.
func Parse(data []byte) (*Template, error) {
	var graph models.PromptGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedTemplate, err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrMalformedTemplate)
	}

	for id, node := range graph {
		if node == nil || node.ClassType == "" {
			return nil, fmt.Errorf("%w: node %s has no class_type", ErrMalformedTemplate, id)
		}
		if node.Inputs == nil {
			node.Inputs = map[string]any{}
		}
	}

	if err := validateLinks(graph); err != nil {
		return nil, err
	}

	order, err := topoOrder(graph)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(order))
	for i, id := range order {
		index[id] = i
	}

	return &Template{graph: graph, order: order, index: index}, nil
}

// validateLinks checks that every link input points at a node in the graph.
func validateLinks(graph models.PromptGraph) error {
	for id, node := range graph {
		for key, value := range node.Inputs {
			upstream, _, ok := models.AsLink(value)
			if !ok {
				continue
			}
			if _, exists := graph[upstream]; !exists {
				return fmt.Errorf("%w: node %s input %q links to unknown node %s",
					ErrMalformedTemplate, id, key, upstream)
			}
		}
	}
	return nil
}

// topoOrder returns node ids in dependency order: every node appears after
// all of its upstream links. Node ids and input keys are walked sorted so
// the order is stable across runs.
func topoOrder(graph models.PromptGraph) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(graph))
	order := make([]string, 0, len(graph))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: cycle through node %s", ErrMalformedTemplate, id)
		}
		state[id] = visiting

		node := graph[id]
		keys := make([]string, 0, len(node.Inputs))
		for key := range node.Inputs {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			upstream, _, ok := models.AsLink(node.Inputs[key])
			if !ok {
				continue
			}
			if err := visit(upstream); err != nil {
				return err
			}
		}

		state[id] = done
		order = append(order, id)
		return nil
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// ValidateAgainstCatalog checks every node class against the server's node
// catalog. Call it once the catalog has been fetched; a template that parses
// fine can still name classes the target server never installed.
func (t *Template) ValidateAgainstCatalog(catalog models.ObjectInfo) error {
	if catalog == nil {
		return nil
	}
	for _, id := range t.order {
		class := t.graph[id].ClassType
		if _, known := catalog[class]; !known {
			return fmt.Errorf("%w: node %s has class %q unknown to the server",
				ErrMalformedTemplate, id, class)
		}
	}
	return nil
}

// Path returns the file the template was loaded from, or "" for in-memory
// templates.
func (t *Template) Path() string {
	return t.path
}

// Graph returns an independent copy of the prompt graph, for callers that
// submit the template as-is without parameter binding.
func (t *Template) Graph() (models.PromptGraph, error) {
	return t.graph.Clone()
}

// NodeCount returns the number of nodes in the graph.
func (t *Template) NodeCount() int {
	return len(t.order)
}

// Order returns the node ids in execution order.
func (t *Template) Order() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// NodeIndex returns a node's position in the execution order. Progress
// mapping divides this by NodeCount to turn "currently executing node" into
// an overall fraction.
func (t *Template) NodeIndex(id string) (int, bool) {
	idx, ok := t.index[id]
	return idx, ok
}

// ClassOf returns the class type of a node, or "" if the id is unknown.
func (t *Template) ClassOf(id string) string {
	if node, ok := t.graph[id]; ok {
		return node.ClassType
	}
	return ""
}

// FindClass returns the id of the first node of the given class in
// execution order.
func (t *Template) FindClass(classType string) (string, bool) {
	for _, id := range t.order {
		if t.graph[id].ClassType == classType {
			return id, true
		}
	}
	return "", false
}

// NodeSummary describes one node for display purposes.
type NodeSummary struct {
	ID        string
	ClassType string
	Editable  []string // non-link input keys, sorted
	Upstream  []string // linked upstream node ids, sorted
}

// Summary lists the template's nodes in execution order with their editable
// inputs and upstream links.
func (t *Template) Summary() []NodeSummary {
	summaries := make([]NodeSummary, 0, len(t.order))

	for _, id := range t.order {
		node := t.graph[id]
		s := NodeSummary{ID: id, ClassType: node.ClassType}

		for key, value := range node.Inputs {
			if upstream, _, ok := models.AsLink(value); ok {
				s.Upstream = append(s.Upstream, upstream)
			} else {
				s.Editable = append(s.Editable, key)
			}
		}
		sort.Strings(s.Editable)
		sort.Strings(s.Upstream)

		summaries = append(summaries, s)
	}

	return summaries
}
