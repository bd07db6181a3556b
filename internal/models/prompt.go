// Package models defines the wire shapes of the generation server API.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PromptNode is a single node in a workflow graph. Inputs hold either scalar
// values or two-element [upstreamID, outputIndex] links to other nodes.
type PromptNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// PromptGraph is the submittable workflow shape: node id -> node.
type PromptGraph map[string]*PromptNode

// AsLink interprets an input value as an upstream link. A link is a
// two-element array whose first element is the upstream node id (a string)
// and whose second is a numeric output index. Two-element numeric arrays
// (e.g. a size pair) are plain values, not links.
func AsLink(v any) (nodeID string, output int, ok bool) {
	arr, isArr := v.([]any)
	if !isArr || len(arr) != 2 {
		return "", 0, false
	}
	id, isStr := arr[0].(string)
	if !isStr {
		return "", 0, false
	}
	switch n := arr[1].(type) {
	case float64:
		return id, int(n), true
	case int:
		return id, n, true
	default:
		return "", 0, false
	}
}

// Clone returns a deep copy of the graph via a JSON round trip, so callers
// can patch inputs per submission without touching the loaded template.
func (g PromptGraph) Clone() (PromptGraph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("clone graph: %w", err)
	}
	var out PromptGraph
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone graph: %w", err)
	}
	return out, nil
}

// NodesOfClass returns the ids of all nodes with the given class type,
// sorted for deterministic iteration.
func (g PromptGraph) NodesOfClass(classType string) []string {
	var ids []string
	for id, node := range g {
		if node != nil && node.ClassType == classType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	Prompt   PromptGraph `json:"prompt"`
	ClientID string      `json:"client_id"`
}

// PromptResponse is the acknowledgment for an accepted prompt.
type PromptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     float64                    `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors,omitempty"`
}

// DeleteQueuedRequest is the body of POST /queue used to drop pending jobs.
type DeleteQueuedRequest struct {
	Delete []string `json:"delete"`
}

// QueueStatus is the response of GET /queue.
type QueueStatus struct {
	Running []QueueEntry `json:"queue_running"`
	Pending []QueueEntry `json:"queue_pending"`
}

// QueueEntry is one positional entry in the server queue:
// [number, prompt_id, prompt, extra_data, outputs_to_execute].
// Only the leading fields are decoded.
type QueueEntry struct {
	Number   float64
	PromptID string
}

// UnmarshalJSON decodes the positional array form the server uses.
func (e *QueueEntry) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("queue entry: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields[0], &e.Number); err != nil {
			return fmt.Errorf("queue entry number: %w", err)
		}
	}
	if len(fields) > 1 {
		if err := json.Unmarshal(fields[1], &e.PromptID); err != nil {
			return fmt.Errorf("queue entry prompt id: %w", err)
		}
	}
	return nil
}

// RunningIDs returns the prompt ids currently executing.
func (q *QueueStatus) RunningIDs() []string {
	ids := make([]string, 0, len(q.Running))
	for _, e := range q.Running {
		ids = append(ids, e.PromptID)
	}
	return ids
}

// PendingIDs returns the prompt ids waiting in the server queue.
func (q *QueueStatus) PendingIDs() []string {
	ids := make([]string, 0, len(q.Pending))
	for _, e := range q.Pending {
		ids = append(ids, e.PromptID)
	}
	return ids
}

// Contains reports whether the given prompt id is anywhere in the queue.
func (q *QueueStatus) Contains(promptID string) bool {
	for _, e := range q.Running {
		if e.PromptID == promptID {
			return true
		}
	}
	for _, e := range q.Pending {
		if e.PromptID == promptID {
			return true
		}
	}
	return false
}
