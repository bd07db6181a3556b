package models

import (
	"encoding/json"
	"testing"
)

const successHistory = `{
	"pid-1": {
		"outputs": {
			"9": {"images": [{"filename": "gen_00001_.png", "subfolder": "", "type": "output"}]},
			"12": {"images": [{"filename": "gen_00002_.png", "subfolder": "extra", "type": "output"}]}
		},
		"status": {"status_str": "success", "completed": true, "messages": [["execution_start", {"prompt_id": "pid-1"}]]}
	}
}`

const errorHistory = `{
	"pid-2": {
		"outputs": {},
		"status": {
			"status_str": "error",
			"completed": false,
			"messages": [
				["execution_start", {"prompt_id": "pid-2"}],
				["execution_error", {"prompt_id": "pid-2", "node_id": "4", "node_type": "LoaderFullPipe", "exception_message": "model not found: base.safetensors", "exception_type": "FileNotFoundError"}]
			]
		}
	}
}`

func TestHistoryResponse_Success(t *testing.T) {
	var resp HistoryResponse
	if err := json.Unmarshal([]byte(successHistory), &resp); err != nil {
		t.Fatalf("failed to unmarshal history: %v", err)
	}

	entry, ok := resp["pid-1"]
	if !ok {
		t.Fatal("expected entry for pid-1")
	}
	if !entry.Succeeded() || entry.Failed() {
		t.Errorf("expected success, got status %+v", entry.Status)
	}

	images := entry.Images()
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	// Node ids sorted: "12" before "9"
	if images[0].Filename != "gen_00002_.png" || images[1].Filename != "gen_00001_.png" {
		t.Errorf("unexpected image order: %v", images)
	}
	if images[0].Subfolder != "extra" {
		t.Errorf("subfolder lost: %+v", images[0])
	}
}

func TestHistoryResponse_Error(t *testing.T) {
	var resp HistoryResponse
	if err := json.Unmarshal([]byte(errorHistory), &resp); err != nil {
		t.Fatalf("failed to unmarshal history: %v", err)
	}

	entry := resp["pid-2"]
	if entry.Succeeded() || !entry.Failed() {
		t.Errorf("expected failure, got status %+v", entry.Status)
	}
	if msg := entry.ErrorMessage(); msg != "model not found: base.safetensors" {
		t.Errorf("ErrorMessage = %q", msg)
	}
	if imgs := entry.Images(); imgs != nil {
		t.Errorf("expected no images, got %v", imgs)
	}
}

func TestHistoryResponse_PendingIsEmptyObject(t *testing.T) {
	// While a job is pending or running the server returns {}
	var resp HistoryResponse
	if err := json.Unmarshal([]byte(`{}`), &resp); err != nil {
		t.Fatalf("failed to unmarshal empty history: %v", err)
	}
	if _, ok := resp["pid-3"]; ok {
		t.Error("expected no entry in empty history")
	}
}

func TestHistoryEntry_ErrorMessageWithoutDetail(t *testing.T) {
	entry := HistoryEntry{
		Status: HistoryStatus{
			StatusStr: "error",
			Messages: []HistoryMessage{
				{Name: "execution_error", Data: json.RawMessage(`{"prompt_id": "x"}`)},
			},
		},
	}
	if msg := entry.ErrorMessage(); msg != "execution error" {
		t.Errorf("expected fallback message, got %q", msg)
	}

	// No execution_error message at all
	entry.Status.Messages = nil
	if msg := entry.ErrorMessage(); msg != "" {
		t.Errorf("expected empty message, got %q", msg)
	}
}
