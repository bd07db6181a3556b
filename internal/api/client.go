package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cozyapp/cozylink/internal/config"
	"github.com/cozyapp/cozylink/internal/constants"
	"github.com/cozyapp/cozylink/internal/http"
	"github.com/cozyapp/cozylink/internal/models"
)

// retryLogger implements the retryablehttp.LeveledLogger interface
type retryLogger struct{}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Printf("🔄 [RETRY ERROR] %s %v", msg, keysAndValues)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Only log errors and warnings, not all info
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	// Only log errors and warnings
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Printf("⚠️  [RETRY WARN] %s %v", msg, keysAndValues)
}

// apiMetrics tracks request statistics. The reconciler can poll history
// aggressively when the event stream is down, so the request rate is worth
// watching in logs.
type apiMetrics struct {
	sync.Mutex
	totalCalls    int64
	callsByPath   map[string]int64
	windowStart   time.Time
	callsInWindow int64
}

// Client talks to a single generation server.
//
// One instance is shared by the whole process: the underlying HTTP client
// pools connections, and the retry policy is safe for concurrent use.
type Client struct {
	httpClient     *nethttp.Client
	downloadClient *nethttp.Client
	config         *config.Config
	baseURL        string
	clientID       string
	metrics        *apiMetrics
}

// NewClient creates an API client for the configured server.
//
// clientID identifies this process to the server; the same ID must be used
// for the websocket event stream so the server routes our events back to us.
func NewClient(cfg *config.Config, clientID string) (*Client, error) {
	if cfg == nil || strings.TrimSpace(cfg.ServerHost) == "" {
		return nil, fmt.Errorf("server host is empty, check your configuration")
	}

	// Configure HTTP client with proxy support
	httpClient, err := http.ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	// Wrap with retry logic. The budget is deliberately small: submissions
	// must fail fast enough for the user to notice, and everything that can
	// wait goes through the reconciler instead.
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = constants.SubmitMaxRetries
	retryClient.RetryWaitMin = constants.SubmitRetryWaitMin
	retryClient.RetryWaitMax = constants.SubmitRetryWaitMax
	retryClient.Logger = &retryLogger{} // Enable error/warning logging

	// Image fetches bypass the retry wrapper: previews and outputs are large
	// and a partial body is cheaper to refetch at the call site.
	downloadClient, err := http.CreateDownloadClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure download client: %w", err)
	}

	return &Client{
		httpClient:     retryClient.StandardClient(),
		downloadClient: downloadClient,
		config:         cfg,
		baseURL:        strings.TrimSuffix(cfg.BaseURL(), "/"),
		clientID:       clientID,
		metrics: &apiMetrics{
			callsByPath: make(map[string]int64),
			windowStart: time.Now(),
		},
	}, nil
}

// GetConfig returns the configuration used by this API client
func (c *Client) GetConfig() *config.Config {
	return c.config
}

// ClientID returns the identifier this client registers with the server.
func (c *Client) ClientID() string {
	return c.clientID
}

// doRequest performs an HTTP request with authentication headers and
// request accounting.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*nethttp.Response, error) {
	c.metrics.Lock()
	c.metrics.totalCalls++
	c.metrics.callsByPath[path]++
	c.metrics.callsInWindow++

	// Log stats every 30 seconds
	if time.Since(c.metrics.windowStart) >= 30*time.Second {
		reqPerSec := float64(c.metrics.callsInWindow) / 30.0
		log.Printf("📊 API usage: %.2f req/sec, %d total calls", reqPerSec, c.metrics.totalCalls)
		c.metrics.callsInWindow = 0
		c.metrics.windowStart = time.Now()
	}
	c.metrics.Unlock()

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := nethttp.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config != nil && c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("❌ API call failed: %s %s - Error: %v", method, path, err)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// SubmitPrompt queues a prompt graph for execution and returns the prompt ID
// the server assigned. That ID is the job handle every other operation keys
// on: history lookups, queue entries and websocket events all carry it.
//
// Error classification:
//   - 4xx responses wrap ErrRejectedByServer; the graph is at fault and the
//     same payload must not be resubmitted.
//   - transport failures that survive the retry budget wrap
//     ErrServerUnavailable.
//   - a cancelled context or an unreadable response wraps ErrTransport.
func (c *Client) SubmitPrompt(ctx context.Context, graph models.PromptGraph) (string, error) {
	request := models.PromptRequest{
		Prompt:   graph,
		ClientID: c.clientID,
	}

	resp, err := c.doRequest(ctx, "POST", "/prompt", request)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTransport, err)
		}
		// The retrying client already burned the whole budget before
		// reporting this error.
		return "", fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrRejectedByServer, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrServerUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var promptResp models.PromptResponse
	if err := json.NewDecoder(resp.Body).Decode(&promptResp); err != nil {
		return "", fmt.Errorf("%w: failed to decode submit response: %v", ErrTransport, err)
	}
	if promptResp.PromptID == "" {
		return "", fmt.Errorf("%w: submit response carried no prompt id", ErrTransport)
	}

	return promptResp.PromptID, nil
}

// History fetches the execution record for a prompt. The server returns an
// empty object while the prompt is still queued or running, so callers must
// check membership:
//
//	hist, err := client.History(ctx, id)
//	entry, done := hist[id]
func (c *Client) History(ctx context.Context, promptID string) (models.HistoryResponse, error) {
	resp, err := c.doRequest(ctx, "GET", "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch history failed: status %d: %s", resp.StatusCode, string(body))
	}

	var history models.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	return history, nil
}

// QueueState fetches the server's running and pending prompt queues.
func (c *Client) QueueState(ctx context.Context) (*models.QueueStatus, error) {
	resp, err := c.doRequest(ctx, "GET", "/queue", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch queue failed: status %d: %s", resp.StatusCode, string(body))
	}

	var queue models.QueueStatus
	if err := json.NewDecoder(resp.Body).Decode(&queue); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}

	return &queue, nil
}

// Interrupt asks the server to abort whatever prompt is currently executing.
// The server does not confirm which prompt was hit; the resulting
// execution_interrupted event on the stream is the authoritative answer.
func (c *Client) Interrupt(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "POST", "/interrupt", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("interrupt failed: status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// DeleteQueued removes a still-pending prompt from the server queue. It has
// no effect on the prompt that is already executing; use Interrupt for that.
func (c *Client) DeleteQueued(ctx context.Context, promptID string) error {
	request := models.DeleteQueuedRequest{Delete: []string{promptID}}

	resp, err := c.doRequest(ctx, "POST", "/queue", request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete queued prompt failed: status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// NodeCatalog fetches the full node class catalog from the server. The
// catalog is large (hundreds of classes on a stock server); prefer NodeClass
// when only one class is needed.
func (c *Client) NodeCatalog(ctx context.Context) (models.ObjectInfo, error) {
	resp, err := c.doRequest(ctx, "GET", "/object_info", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch node catalog failed: status %d: %s", resp.StatusCode, string(body))
	}

	var info models.ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode node catalog: %w", err)
	}

	return info, nil
}

// NodeClass fetches the input specification of a single node class. This is
// how templates discover valid enum values, for example the checkpoint list
// offered by a loader node.
func (c *Client) NodeClass(ctx context.Context, classType string) (*models.NodeClass, error) {
	resp, err := c.doRequest(ctx, "GET", "/object_info/"+url.PathEscape(classType), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch node class failed: status %d: %s", resp.StatusCode, string(body))
	}

	// The response is keyed by class name even for a single-class query.
	var info models.ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode node class: %w", err)
	}

	class, ok := info[classType]
	if !ok {
		return nil, fmt.Errorf("node class %q not in catalog", classType)
	}

	return &class, nil
}

// View downloads one generated image from the server's output store.
func (c *Client) View(ctx context.Context, image models.OutputImage) ([]byte, error) {
	body, _, err := c.ViewStream(ctx, image)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	return data, nil
}

// ViewStream fetches an output image as a stream, for callers that want to
// report download progress or write straight to disk. The returned size is
// the Content-Length, or -1 when the server does not send one. The caller
// must close the body.
func (c *Client) ViewStream(ctx context.Context, image models.OutputImage) (io.ReadCloser, int64, error) {
	params := url.Values{}
	params.Set("filename", image.Filename)
	params.Set("subfolder", image.Subfolder)
	params.Set("type", image.Type)

	reqURL := c.baseURL + "/view?" + params.Encode()
	req, err := nethttp.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config != nil && c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("image download failed: %w", err)
	}

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, 0, fmt.Errorf("image download failed: status %d: %s", resp.StatusCode, string(body))
	}

	return resp.Body, resp.ContentLength, nil
}

// DeleteOutput removes a generated image from the server's output directory.
// The route is provided by the api-tools server extension; a 404 means the
// extension is not installed and wraps ErrEndpointMissing.
func (c *Client) DeleteOutput(ctx context.Context, filename string) error {
	resp, err := c.doRequest(ctx, "DELETE", "/api-tools/v1/images/output/"+url.PathEscape(filename), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return fmt.Errorf("%w: api-tools extension missing, cannot delete %s", ErrEndpointMissing, filename)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete output failed: status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Ping checks that the server answers at all. It hits the queue endpoint
// because that route exists on every server version and is cheap to serve.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.APIConnectionTestTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, "GET", "/queue", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return fmt.Errorf("%w: status %d", ErrServerUnavailable, resp.StatusCode)
	}

	return nil
}
