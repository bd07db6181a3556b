package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	nethttp "net/http"

	"github.com/cozyapp/cozylink/internal/config"
	"github.com/cozyapp/cozylink/internal/constants"
	"github.com/cozyapp/cozylink/internal/models"
)

// newTestClient points a client at an httptest server.
func newTestClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(ts.URL, "http://"))
	if err != nil {
		t.Fatalf("failed to split test server address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse test server port: %v", err)
	}

	cfg := config.New()
	cfg.ServerHost = host
	cfg.ServerPort = port

	client, err := NewClient(cfg, "test-client-id")
	if err != nil {
		t.Fatalf("NewClient() error = %v, want nil", err)
	}
	return client
}

func testGraph() models.PromptGraph {
	return models.PromptGraph{
		"3": &models.PromptNode{
			ClassType: "LoaderFullPipe",
			Inputs:    map[string]any{"seed": float64(42), "ckpt_name": "base.safetensors"},
		},
	}
}

// TestNewClientRejectsEmptyHost verifies that NewClient fails with a clear
// error when the server host is empty, instead of creating a broken client
// that produces "unsupported protocol scheme" errors on every request.
func TestNewClientRejectsEmptyHost(t *testing.T) {
	cfg := config.New()
	cfg.ServerHost = "  "

	_, err := NewClient(cfg, "test-client-id")
	if err == nil {
		t.Fatal("NewClient() should return error for empty server host")
	}
	if !strings.Contains(err.Error(), "server host is empty") {
		t.Errorf("NewClient() error = %q, want error containing 'server host is empty'", err.Error())
	}
}

func TestSubmitPromptReturnsPromptID(t *testing.T) {
	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != "POST" || r.URL.Path != "/prompt" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req models.PromptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode submit body: %v", err)
		}
		if req.ClientID != "test-client-id" {
			t.Errorf("client_id = %q, want %q", req.ClientID, "test-client-id")
		}
		if _, ok := req.Prompt["3"]; !ok {
			t.Error("submitted graph lost node 3")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prompt_id": "abc123", "number": 5}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts)
	promptID, err := client.SubmitPrompt(context.Background(), testGraph())
	if err != nil {
		t.Fatalf("SubmitPrompt() error = %v, want nil", err)
	}
	if promptID != "abc123" {
		t.Errorf("prompt id = %q, want %q", promptID, "abc123")
	}
}

// TestSubmitPromptRejectedNotRetried verifies a 4xx response fails
// immediately: the payload is at fault, so resubmitting it would just get
// the same answer.
func TestSubmitPromptRejectedNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		atomic.AddInt32(&calls, 1)
		nethttp.Error(w, `{"error": "invalid prompt: node 7 missing class_type"}`, nethttp.StatusBadRequest)
	}))
	defer ts.Close()

	client := newTestClient(t, ts)
	_, err := client.SubmitPrompt(context.Background(), testGraph())
	if !IsRejected(err) {
		t.Fatalf("SubmitPrompt() error = %v, want ErrRejectedByServer", err)
	}
	if !strings.Contains(err.Error(), "invalid prompt") {
		t.Errorf("error %q should carry the server's reason", err.Error())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server saw %d requests, want 1 (4xx must not be retried)", got)
	}
}

// TestSubmitPromptUnavailableAfterRetryBudget verifies persistent 5xx
// responses burn the whole retry budget and then surface as
// ErrServerUnavailable.
func TestSubmitPromptUnavailableAfterRetryBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping retry budget test in short mode")
	}

	var calls int32
	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		atomic.AddInt32(&calls, 1)
		nethttp.Error(w, "overloaded", nethttp.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := newTestClient(t, ts)
	_, err := client.SubmitPrompt(context.Background(), testGraph())
	if !IsUnavailable(err) {
		t.Fatalf("SubmitPrompt() error = %v, want ErrServerUnavailable", err)
	}

	want := int32(constants.SubmitMaxRetries + 1)
	if got := atomic.LoadInt32(&calls); got != want {
		t.Errorf("server saw %d requests, want %d (initial attempt plus retries)", got, want)
	}
}

// TestSubmitPromptConnectionRefused verifies a dead server surfaces as
// ErrServerUnavailable once the retry budget is spent.
func TestSubmitPromptConnectionRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping retry budget test in short mode")
	}

	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {}))
	client := newTestClient(t, ts)
	ts.Close() // nothing is listening anymore

	_, err := client.SubmitPrompt(context.Background(), testGraph())
	if !IsUnavailable(err) {
		t.Fatalf("SubmitPrompt() error = %v, want ErrServerUnavailable", err)
	}
}

func TestHistoryPendingAndComplete(t *testing.T) {
	const completed = `{
		"abc": {
			"outputs": {"9": {"images": [{"filename": "img_00001_.png", "subfolder": "", "type": "output"}]}},
			"status": {"status_str": "success", "completed": true, "messages": []}
		}
	}`

	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/history/abc":
			w.Write([]byte(completed))
		case "/history/xyz":
			w.Write([]byte(`{}`)) // still queued or running
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	hist, err := client.History(context.Background(), "xyz")
	if err != nil {
		t.Fatalf("History(xyz) error = %v", err)
	}
	if _, done := hist["xyz"]; done {
		t.Error("pending prompt should not appear in history")
	}

	hist, err = client.History(context.Background(), "abc")
	if err != nil {
		t.Fatalf("History(abc) error = %v", err)
	}
	entry, done := hist["abc"]
	if !done {
		t.Fatal("completed prompt missing from history")
	}
	if !entry.Succeeded() {
		t.Errorf("entry should report success, got status %+v", entry.Status)
	}
	if images := entry.Images(); len(images) != 1 || images[0].Filename != "img_00001_.png" {
		t.Errorf("unexpected images %+v", images)
	}
}

func TestQueueState(t *testing.T) {
	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/queue" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"queue_running": [[0, "run-1", {"3": {"class_type": "LoaderFullPipe"}}]],
			"queue_pending": [[1, "pend-1"], [2, "pend-2"]]
		}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts)
	queue, err := client.QueueState(context.Background())
	if err != nil {
		t.Fatalf("QueueState() error = %v", err)
	}

	if got := queue.RunningIDs(); len(got) != 1 || got[0] != "run-1" {
		t.Errorf("running ids = %v, want [run-1]", got)
	}
	if got := queue.PendingIDs(); len(got) != 2 || got[0] != "pend-1" || got[1] != "pend-2" {
		t.Errorf("pending ids = %v, want [pend-1 pend-2]", got)
	}
	if !queue.Contains("pend-2") {
		t.Error("Contains(pend-2) = false, want true")
	}
	if queue.Contains("gone") {
		t.Error("Contains(gone) = true, want false")
	}
}

func TestInterruptAndDeleteQueued(t *testing.T) {
	type seen struct {
		method, path, body string
	}
	var requests []seen

	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, seen{r.Method, r.URL.Path, string(body)})
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	if err := client.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if err := client.DeleteQueued(context.Background(), "pend-1"); err != nil {
		t.Fatalf("DeleteQueued() error = %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(requests))
	}
	if requests[0].method != "POST" || requests[0].path != "/interrupt" {
		t.Errorf("interrupt request = %s %s", requests[0].method, requests[0].path)
	}
	if requests[1].method != "POST" || requests[1].path != "/queue" {
		t.Errorf("delete request = %s %s", requests[1].method, requests[1].path)
	}
	if !strings.Contains(requests[1].body, `"delete":["pend-1"]`) {
		t.Errorf("delete body = %q, want delete list with pend-1", requests[1].body)
	}
}

func TestNodeClassEnumValues(t *testing.T) {
	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/object_info/LoaderFullPipe" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"LoaderFullPipe": {
				"input": {
					"required": {
						"ckpt_name": [["base.safetensors", "detail.safetensors"], {}],
						"seed": ["INT", {"default": 0}]
					}
				},
				"name": "LoaderFullPipe",
				"output_node": false
			}
		}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts)
	class, err := client.NodeClass(context.Background(), "LoaderFullPipe")
	if err != nil {
		t.Fatalf("NodeClass() error = %v", err)
	}

	choices, ok := class.EnumInput("ckpt_name")
	if !ok {
		t.Fatal("ckpt_name should be an enum input")
	}
	if len(choices) != 2 || choices[0] != "base.safetensors" {
		t.Errorf("enum choices = %v", choices)
	}
}

func TestViewDownloadsImageBytes(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3}

	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/view" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("filename") != "img_00001_.png" || q.Get("subfolder") != "batch" || q.Get("type") != "output" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write(payload)
	}))
	defer ts.Close()

	client := newTestClient(t, ts)
	data, err := client.View(context.Background(), models.OutputImage{
		Filename:  "img_00001_.png",
		Subfolder: "batch",
		Type:      "output",
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("View() returned %d bytes, want %d", len(data), len(payload))
	}
}

func TestDeleteOutputExtensionMissing(t *testing.T) {
	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.NotFound(w, r)
	}))
	defer ts.Close()

	client := newTestClient(t, ts)
	err := client.DeleteOutput(context.Background(), "img_00001_.png")
	if !errors.Is(err, ErrEndpointMissing) {
		t.Fatalf("DeleteOutput() error = %v, want ErrEndpointMissing", err)
	}
}

func TestPing(t *testing.T) {
	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Write([]byte(`{"queue_running": [], "queue_pending": []}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v, want nil", err)
	}
}
