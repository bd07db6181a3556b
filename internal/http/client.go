package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/cozyapp/cozylink/internal/config"
	"github.com/cozyapp/cozylink/internal/constants"
)

// CreateDownloadClient creates an HTTP client tuned for fetching generated
// artifacts (full-resolution images can run into the tens of megabytes).
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Large connection pool for concurrent batch downloads
//   - No overall client timeout; each download sets its own via context
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression (no benefit for PNG/WebP payloads)
//
// The cfg parameter provides proxy configuration. If cfg is nil, proxy settings
// are read from environment variables (HTTP_PROXY, HTTPS_PROXY, NO_PROXY).
func CreateDownloadClient(cfg *config.Config) (*nethttp.Client, error) {
	var baseClient *nethttp.Client
	var err error

	if cfg != nil {
		// Use ConfigureHTTPClient so artifact downloads respect the same
		// proxy configuration as API calls
		baseClient, err = ConfigureHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
	} else {
		baseClient = &nethttp.Client{}
	}

	// Get the transport from the base client
	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// If transport is not *nethttp.Transport (e.g., wrapped by NTLM negotiator),
		// we can't apply optimizations, so return the base client as-is.
		// Clear the 300s timeout to allow long downloads; per-operation
		// timeouts are applied via context instead
		baseClient.Timeout = 0
		return baseClient, nil
	}

	// Connection pooling for concurrent batch downloads
	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100
	tr.IdleConnTimeout = constants.HTTPIdleConnTimeout

	tr.TLSHandshakeTimeout = constants.HTTPTLSHandshakeTimeout
	tr.ExpectContinueTimeout = constants.HTTPExpectContinueTimeout

	tr.DisableCompression = true // PNG and WebP payloads are already compressed
	tr.ForceAttemptHTTP2 = true

	// Ensure HTTP/2 is properly configured
	_ = http2.ConfigureTransport(tr)

	// Runtime toggle for HTTP/2 (useful for debugging or compatibility issues).
	// Set DISABLE_HTTP2=true environment variable to force HTTP/1.1
	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	// Disable HTTP/2 when a proxy is active to avoid stream errors.
	// Proxies often have issues with HTTP/2 multiplexing, causing mid-transfer
	// failures. Trust config proxy mode first; only check env vars for
	// "system" mode or when no config is present.
	var proxyActive bool
	if cfg != nil {
		switch cfg.ProxyMode {
		case "no-proxy", "":
			proxyActive = false
		case "system":
			proxyActive = os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
				os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
		default:
			// ntlm, basic - proxy is definitely active
			proxyActive = true
		}
	} else {
		proxyActive = os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	}

	// Allow power users to force HTTP/2 even through proxy with FORCE_HTTP2=true
	if proxyActive && os.Getenv("FORCE_HTTP2") != "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	baseClient.Timeout = 0 // Each download sets its own timeout via context

	return baseClient, nil
}
