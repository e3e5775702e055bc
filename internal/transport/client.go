package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// ErrRangeRequestsNotSupported signals that the source cannot serve byte
// ranges; the planner falls back to a single serial chunk.
var ErrRangeRequestsNotSupported = errors.New("server doesn't support range requests")

// ClientConfig is the per-task transport snapshot: timeouts, credential
// headers and the proxy configuration. It is never mutated mid-download.
type ClientConfig struct {
	Timeout   time.Duration
	KATimeout time.Duration
	UserAgent string
	Headers   map[string]string
	Proxy     ProxyConfig
}

// Request describes one fetch. A Length > 0 asks for the byte range
// [Offset, Offset+Length).
type Request struct {
	URL    string
	Offset int64
	Length int64
}

// Result is a successful response. The caller owns Body and must close it.
type Result struct {
	Status        int
	ContentLength int64
	Body          io.ReadCloser
}

// FileInfo is what a probe learns about a source.
type FileInfo struct {
	Size           int64
	SupportsRanges bool
	Filename       string
}

// Client issues HTTP(S) requests through an optional proxy. It pools
// connections but never retries; retry policy belongs to the worker pool.
type Client struct {
	client    *http.Client
	transport *http.Transport
	config    ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if err := cfg.Proxy.Validate(); err != nil {
		return nil, err
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
		MaxConnsPerHost:     0,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.Proxy.Enabled {
		if cfg.Proxy.Scheme == ProxySchemeSOCKS5 {
			var auth *xproxy.Auth
			if cfg.Proxy.Username != "" {
				auth = &xproxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
			}
			dialer, err := xproxy.SOCKS5("tcp", cfg.Proxy.Address(), auth, &net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			})
			if err != nil {
				return nil, fmt.Errorf("socks5 proxy setup: %w", err)
			}
			contextDialer, ok := dialer.(xproxy.ContextDialer)
			if !ok {
				return nil, errors.New("socks5 dialer does not support context dialing")
			}
			transport.DialContext = contextDialer.DialContext
		} else {
			proxyURL := cfg.Proxy.URL()
			proxy := cfg.Proxy
			transport.Proxy = func(req *http.Request) (*url.URL, error) {
				if proxy.AppliesTo(req.URL.Scheme) {
					return proxyURL, nil
				}
				return nil, nil
			}
		}
	}
	return &Client{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		transport: transport,
		config:    cfg,
	}, nil
}

// Do applies the snapshot's user agent and credential headers, then issues
// the request on the pooled client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", "Medley-CLI")
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}

// Fetch performs one download request. Connection and timeout failures are
// transient; 429/5xx transient with a backoff hint; other 4xx fatal.
// Cancellation surfaces as the context's error, unclassified.
func (c *Client) Fetch(ctx context.Context, r Request) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	ranged := r.Length > 0
	if ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1))
	}
	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError("GET", r.URL, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if ranged && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return nil, networkError("GET", r.URL, fmt.Errorf("expected partial content, got status %d", resp.StatusCode))
		}
		return &Result{
			Status:        resp.StatusCode,
			ContentLength: resp.ContentLength,
			Body:          resp.Body,
		}, nil
	}
	defer resp.Body.Close()
	return nil, classifyStatus("GET", r.URL, resp)
}

// Probe learns the source size, range support and suggested filename. Some
// servers reject HEAD, so it falls back to a minimal range GET.
func (c *Client) Probe(ctx context.Context, rawURL string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating HEAD request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError("HEAD", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusForbidden {
		return c.probeRange(ctx, rawURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus("HEAD", rawURL, resp)
	}
	info := &FileInfo{
		Filename:       filenameFrom(resp.Header, rawURL),
		SupportsRanges: strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = size
		}
	}
	if info.Size <= 0 {
		info.Size = -1
	}
	return info, nil
}

// probeRange issues GET bytes=0-0 and reads the total from Content-Range.
func (c *Client) probeRange(ctx context.Context, rawURL string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating fallback GET request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError("GET", rawURL, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
		info := &FileInfo{
			Size:           int64(-1),
			SupportsRanges: true,
			Filename:       filenameFrom(resp.Header, rawURL),
		}
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if parts := strings.Split(cr, "/"); len(parts) == 2 {
				if size, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
					info.Size = size
				}
			}
		}
		return info, nil
	case http.StatusOK:
		return &FileInfo{
			Size:           resp.ContentLength,
			SupportsRanges: false,
			Filename:       filenameFrom(resp.Header, rawURL),
		}, nil
	default:
		return nil, classifyStatus("GET", rawURL, resp)
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

func filenameFrom(header http.Header, rawURL string) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if filename := params["filename"]; filename != "" {
				return filename
			}
		}
	}
	parsed, _ := url.Parse(rawURL)
	if parsed != nil && parsed.Path != "" {
		segments := strings.Split(parsed.Path, "/")
		if last := segments[len(segments)-1]; last != "" {
			return last
		}
	}
	return "download"
}
