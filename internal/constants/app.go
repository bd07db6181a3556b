package constants

import (
	"time"
)

// Server defaults
const (
	// DefaultServerHost - host the generation server listens on out of the box
	DefaultServerHost = "127.0.0.1"

	// DefaultServerPort - default generation server port
	DefaultServerPort = 8188
)

// Directory names under the user config/cache homes
const (
	// AppDirName - directory name used for config and cache storage
	AppDirName = "cozylink"

	// ConfigFileName - INI configuration file name
	ConfigFileName = "config.ini"

	// ImageCacheDirName - subdirectory of the cache home holding generated images
	ImageCacheDirName = "images"
)

// Submission retry configuration
const (
	// SubmitMaxRetries - retry attempts for job submission beyond the first try
	SubmitMaxRetries = 3

	// SubmitRetryWaitMin - minimum wait between submission retries
	SubmitRetryWaitMin = 500 * time.Millisecond

	// SubmitRetryWaitMax - maximum wait between submission retries
	SubmitRetryWaitMax = 8 * time.Second
)

// Generic retry configuration (shared by reconnect loops)
const (
	// MaxRetries - maximum number of retries for transient errors
	MaxRetries = 10

	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	// Exponential backoff with jitter caps at this value
	RetryMaxDelay = 15 * time.Second
)

// Websocket stream
const (
	// StreamWriteWait - deadline for writing a control frame
	StreamWriteWait = 10 * time.Second

	// StreamPongWait - how long to wait for a pong before declaring the
	// connection dead
	StreamPongWait = 60 * time.Second

	// StreamPingPeriod - interval between client pings; must be below
	// StreamPongWait
	StreamPingPeriod = (StreamPongWait * 9) / 10

	// StreamReadLimit - maximum frame size accepted from the server (32 MB,
	// previews are full images)
	StreamReadLimit = 32 * 1024 * 1024

	// PreviewHeaderSize - bytes of framing before the image payload in a
	// binary preview frame
	PreviewHeaderSize = 8

	// StreamReconnectMaxDelay - backoff cap for reconnect attempts
	StreamReconnectMaxDelay = 30 * time.Second

	// StreamReconnectInitialDelay - first reconnect delay
	StreamReconnectInitialDelay = 500 * time.Millisecond
)

// Event system
const (
	// EventBusDefaultBuffer - default buffer size for event channels
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios
	EventBusMaxBuffer = 5000

	// StreamEventBuffer - buffer between the websocket reader and the
	// reconciler; previews make events large, keep this modest
	StreamEventBuffer = 256
)

// API and context timeouts
const (
	// APIContextTimeout - default timeout for API operations (30 seconds)
	APIContextTimeout = 30 * time.Second

	// APIConnectionTestTimeout - timeout for testing server connectivity
	APIConnectionTestTimeout = 10 * time.Second

	// ViewDownloadTimeout - timeout for fetching a single output image
	ViewDownloadTimeout = 2 * time.Minute
)

// HTTP client timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second
)

// Image cache
const (
	// ImageCacheDefaultMaxAgeDays - cached generations older than this are
	// removed by cleanup
	ImageCacheDefaultMaxAgeDays = 30
)

// UI updates
const (
	// ProgressUpdateInterval - interval for progress bar updates (250ms)
	// Balances responsiveness with performance
	ProgressUpdateInterval = 250 * time.Millisecond
)

// Seeds
const (
	// SeedMax - exclusive upper bound for randomized seeds; matches the
	// 32-bit seed range the sampler nodes accept
	SeedMax = 1 << 32
)
