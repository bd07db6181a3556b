package models

import "encoding/json"

// Websocket event type names sent by the server on /ws.
const (
	WSStatus               = "status"
	WSExecutionStart       = "execution_start"
	WSExecuting            = "executing"
	WSProgress             = "progress"
	WSExecuted             = "executed"
	WSExecutionError       = "execution_error"
	WSExecutionInterrupted = "execution_interrupted"
	WSExecutionCached      = "execution_cached"
)

// WSMessage is the envelope of a JSON text frame on the event socket.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StatusData reports overall server queue status.
type StatusData struct {
	SID    string       `json:"sid,omitempty"`
	Status StatusDetail `json:"status"`
}

// StatusDetail wraps the exec_info block of a status event.
type StatusDetail struct {
	ExecInfo ExecInfo `json:"exec_info"`
}

// ExecInfo carries the server-wide queue depth.
type ExecInfo struct {
	QueueRemaining int `json:"queue_remaining"`
}

// ExecutionStartData announces that a prompt began executing.
type ExecutionStartData struct {
	PromptID string `json:"prompt_id"`
}

// ExecutingData reports the node the server is entering. A nil Node together
// with a matching prompt id means the job finished.
type ExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// ProgressData is a step counter for the currently executing node.
type ProgressData struct {
	Value    int     `json:"value"`
	Max      int     `json:"max"`
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
}

// ExecutedData carries the outputs a node produced mid-run.
type ExecutedData struct {
	Node     string     `json:"node"`
	Output   NodeOutput `json:"output"`
	PromptID string     `json:"prompt_id"`
}

// ExecutionErrorData describes a failed node execution.
type ExecutionErrorData struct {
	PromptID         string   `json:"prompt_id"`
	NodeID           string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback,omitempty"`
}

// ExecutionInterruptedData reports a run cut short by an interrupt.
type ExecutionInterruptedData struct {
	PromptID string `json:"prompt_id"`
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
}

// ExecutionCachedData lists nodes the server skipped because their outputs
// were cached from a previous run.
type ExecutionCachedData struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}
