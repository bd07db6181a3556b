package core

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cozyapp/cozylink/internal/api"
	"github.com/cozyapp/cozylink/internal/config"
	"github.com/cozyapp/cozylink/internal/events"
	"github.com/cozyapp/cozylink/internal/jobs"
	"github.com/cozyapp/cozylink/internal/workflow"
)

const testGraph = `{
	"1": {"class_type": "LoaderFullPipe", "inputs": {"ckpt_name": "model.safetensors"}},
	"2": {"class_type": "PromptConditioningNode", "inputs": {"positive": "", "negative": "", "style": "none"}},
	"3": {"class_type": "KSampler", "inputs": {"model": ["1", 0], "positive": ["2", 0], "seed": 1}},
	"4": {"class_type": "SaveImage", "inputs": {"images": ["3", 0]}}
}`

func testTemplate(t *testing.T) *workflow.Template {
	t.Helper()
	tpl, err := workflow.Parse([]byte(testGraph))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return tpl
}

func configFor(t *testing.T, srv *httptest.Server) *config.Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := config.New()
	cfg.ServerHost = host
	cfg.ServerPort = port
	cfg.CacheEnabled = true
	cfg.CacheDir = t.TempDir()
	return cfg
}

// fakeServer mimics the generation server: one prompt slot, a websocket
// that plays the execution event sequence once a prompt arrives, and a
// history that fills in after the finish event.
type fakeServer struct {
	mu           sync.Mutex
	submitted    bool
	finished     bool
	viewFailures int // /view responds 503 this many times before serving
	upgrader     websocket.Upgrader
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.submitted = true
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"prompt_id": "p-1", "number": 1})
	})

	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		done := f.finished
		f.mu.Unlock()
		if !done {
			w.Write([]byte("{}"))
			return
		}
		w.Write([]byte(`{"p-1": {
			"outputs": {"4": {"images": [{"filename": "out_0001.png", "subfolder": "", "type": "output"}]}},
			"status": {"status_str": "success", "completed": true, "messages": []}
		}}`))
	})

	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		pending := f.submitted && !f.finished
		f.mu.Unlock()
		if pending {
			w.Write([]byte(`{"queue_running": [], "queue_pending": [[0, "p-1"]]}`))
			return
		}
		w.Write([]byte(`{"queue_running": [], "queue_pending": []}`))
	})

	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		if f.viewFailures > 0 {
			f.viewFailures--
			f.mu.Unlock()
			http.Error(w, "server busy", http.StatusServiceUnavailable)
			return
		}
		f.mu.Unlock()
		w.Write([]byte("fake-png-bytes"))
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Wait for the submission, then play the execution sequence.
		for {
			f.mu.Lock()
			submitted := f.submitted
			f.mu.Unlock()
			if submitted {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		send := func(msg string) {
			conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		send(`{"type": "execution_start", "data": {"prompt_id": "p-1"}}`)
		send(`{"type": "executing", "data": {"node": "3", "prompt_id": "p-1"}}`)
		send(`{"type": "progress", "data": {"value": 10, "max": 20, "prompt_id": "p-1", "node": "3"}}`)

		f.mu.Lock()
		f.finished = true
		f.mu.Unlock()
		send(`{"type": "executing", "data": {"node": null, "prompt_id": "p-1"}}`)

		// Keep the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	return mux
}

func TestGenerateLifecycle(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	session, err := NewSession(configFor(t, srv))
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	stateCh := session.Events().Subscribe(events.EventStateChange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.Start(ctx)
	defer session.Close()

	handles, err := session.Generate(ctx, testTemplate(t), workflow.Parameters{Prompt: "a red fox"}, 1)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(handles) != 1 || handles[0] != "p-1" {
		t.Fatalf("handles = %v, want [p-1]", handles)
	}

	// Drain state changes until the job completes.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-stateCh:
			change := ev.(*events.StateChangeEvent)
			if change.JobID == "p-1" && change.NewState == string(jobs.StateCompleted) {
				goto completed
			}
			if change.NewState == string(jobs.StateFailed) {
				t.Fatalf("job failed: %s", change.ErrorDetail)
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}
completed:

	snap, ok := session.Job("p-1")
	if !ok {
		t.Fatal("job not tracked")
	}
	if len(snap.Outputs) != 1 || snap.Outputs[0].Filename != "out_0001.png" {
		t.Errorf("outputs = %v", snap.Outputs)
	}
	if snap.Progress != 1.0 {
		t.Errorf("progress = %v, want 1.0", snap.Progress)
	}

	// The completed output lands in the image cache with its sidecar.
	waitFor(t, 5*time.Second, func() bool {
		entries, err := session.Cache().List()
		return err == nil && len(entries) == 1
	})
	entries, _ := session.Cache().List()
	if entries[0].Meta.Prompt != "a red fox" {
		t.Errorf("sidecar prompt = %q", entries[0].Meta.Prompt)
	}
	if entries[0].Meta.JobHandle != "p-1" {
		t.Errorf("sidecar handle = %q", entries[0].Meta.JobHandle)
	}
}

func TestGenerateRejectedByServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/prompt" {
			http.Error(w, `{"error": "invalid prompt"}`, http.StatusBadRequest)
			return
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	cfg := configFor(t, srv)
	cfg.CacheEnabled = false
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	_, err = session.Generate(context.Background(), testTemplate(t), workflow.Parameters{Prompt: "x"}, 1)
	if !errors.Is(err, api.ErrRejectedByServer) {
		t.Fatalf("Generate() error = %v, want ErrRejectedByServer", err)
	}
	if len(session.Jobs()) != 0 {
		t.Errorf("rejected submission was tracked: %v", session.Jobs())
	}
}

func TestGenerateMissingParameter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("local validation failure must not reach the server")
	}))
	defer srv.Close()

	cfg := configFor(t, srv)
	cfg.CacheEnabled = false
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	_, err = session.Generate(context.Background(), testTemplate(t), workflow.Parameters{}, 1)
	if !errors.Is(err, workflow.ErrMissingParameter) {
		t.Fatalf("Generate() error = %v, want ErrMissingParameter", err)
	}
}

func TestJobNameTruncation(t *testing.T) {
	long := strings.Repeat("fox ", 30)
	name := jobName(long, 1, 4)
	if len(name) > 60 {
		t.Errorf("name too long: %q", name)
	}
	if !strings.HasSuffix(name, "[2/4]") {
		t.Errorf("name = %q, want batch suffix", name)
	}

	if got := jobName("short", 0, 1); got != "short" {
		t.Errorf("jobName(short) = %q", got)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestOutputFetchRetriesTransientFailure(t *testing.T) {
	fake := &fakeServer{viewFailures: 1}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	session, err := NewSession(configFor(t, srv))
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.Start(ctx)
	defer session.Close()

	_, err = session.Generate(ctx, testTemplate(t), workflow.Parameters{Prompt: "a red fox"}, 1)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// One 503 on /view must not lose the output; the fetch is retried.
	waitFor(t, 5*time.Second, func() bool {
		entries, err := session.Cache().List()
		return err == nil && len(entries) == 1
	})
}

func TestSubmitGraphTracksJob(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := configFor(t, srv)
	cfg.CacheEnabled = false
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	graph, err := testTemplate(t).Graph()
	if err != nil {
		t.Fatalf("Graph() error = %v", err)
	}
	handle, err := session.SubmitGraph(context.Background(), graph, "raw.json")
	if err != nil {
		t.Fatalf("SubmitGraph() error = %v", err)
	}
	if handle != "p-1" {
		t.Fatalf("handle = %s, want p-1", handle)
	}

	snap, ok := session.Job(handle)
	if !ok {
		t.Fatal("submitted graph not tracked")
	}
	if snap.Name != "raw.json" {
		t.Errorf("name = %q, want raw.json", snap.Name)
	}
	if snap.State != jobs.StateQueued {
		t.Errorf("state = %s, want queued", snap.State)
	}
}

func TestUpdateConfigBeforeStart(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := configFor(t, srv)
	cfg.CacheEnabled = false
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	ch := session.Events().Subscribe(events.EventConfigChanged)

	updated := configFor(t, srv)
	updated.CacheEnabled = false
	updated.AuthToken = "rotated"
	if err := session.UpdateConfig(updated); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	select {
	case ev := <-ch:
		if _, ok := ev.(*events.ConfigChangedEvent); !ok {
			t.Errorf("event = %T, want ConfigChangedEvent", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no config change published")
	}
	if got := session.Client().GetConfig().AuthToken; got != "rotated" {
		t.Errorf("client token = %q, want rotated", got)
	}

	bad := config.New()
	bad.ServerPort = 0
	if err := session.UpdateConfig(bad); err == nil {
		t.Error("invalid config accepted")
	}

	// A cancelled context keeps the stream from dialing; the session still
	// counts as started.
	sctx, scancel := context.WithCancel(context.Background())
	scancel()
	session.Start(sctx)
	if err := session.UpdateConfig(updated); err == nil {
		t.Error("config change accepted on a started session")
	}
}

func TestCloseDrainsOutputCollector(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	session, err := NewSession(configFor(t, srv))
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	stateCh := session.Events().Subscribe(events.EventStateChange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.Start(ctx)

	if _, err := session.Generate(ctx, testTemplate(t), workflow.Parameters{Prompt: "a red fox"}, 1); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-stateCh:
			change := ev.(*events.StateChangeEvent)
			if change.NewState == string(jobs.StateCompleted) {
				done = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}

	// Close must wait out the background collector; the cached image is
	// there the moment it returns, with no settling delay.
	session.Close()

	entries, err := session.Cache().List()
	if err != nil {
		t.Fatalf("Cache().List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("cache entries = %d, want 1", len(entries))
	}
}
