package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// HistoryResponse maps prompt id -> recorded execution (GET /history/{id}).
// The server returns an empty object while the job is still pending or
// running, so absence of the requested id is not an error.
type HistoryResponse map[string]HistoryEntry

// HistoryEntry is the recorded execution of one prompt.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// NodeOutput holds the artifacts a single node produced.
type NodeOutput struct {
	Images []OutputImage `json:"images"`
}

// OutputImage locates one produced artifact on the server.
type OutputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryStatus is the status block of a history entry.
type HistoryStatus struct {
	StatusStr string           `json:"status_str"`
	Completed bool             `json:"completed"`
	Messages  []HistoryMessage `json:"messages"`
}

// HistoryMessage is one positional [name, data] pair from the status block.
type HistoryMessage struct {
	Name string
	Data json.RawMessage
}

// UnmarshalJSON decodes the positional pair form the server uses.
func (m *HistoryMessage) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("history message: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields[0], &m.Name); err != nil {
			return fmt.Errorf("history message name: %w", err)
		}
	}
	if len(fields) > 1 {
		m.Data = fields[1]
	}
	return nil
}

// Succeeded reports whether the entry records a successful run.
func (e HistoryEntry) Succeeded() bool {
	return e.Status.Completed && e.Status.StatusStr != "error"
}

// Failed reports whether the entry records a failed run.
func (e HistoryEntry) Failed() bool {
	return e.Status.StatusStr == "error"
}

// ErrorMessage extracts the error detail from an execution_error message,
// if the status block carries one.
func (e HistoryEntry) ErrorMessage() string {
	for _, m := range e.Status.Messages {
		if m.Name != "execution_error" {
			continue
		}
		var detail ExecutionErrorData
		if err := json.Unmarshal(m.Data, &detail); err != nil {
			return "execution error"
		}
		if detail.ExceptionMessage != "" {
			return detail.ExceptionMessage
		}
		return "execution error"
	}
	return ""
}

// Images flattens all output images across nodes, node ids sorted for
// deterministic order.
func (e HistoryEntry) Images() []OutputImage {
	if len(e.Outputs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(e.Outputs))
	for id := range e.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var images []OutputImage
	for _, id := range ids {
		images = append(images, e.Outputs[id].Images...)
	}
	return images
}
