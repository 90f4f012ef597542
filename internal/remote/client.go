// Package remote talks to the cloud ingest API: it negotiates single-use
// upload targets, transfers payloads and probes connectivity.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrOffline is returned by Reachable when the API host cannot be resolved.
var ErrOffline = errors.New("remote api unreachable")

// StatusError is returned when the API or the upload target answers with an
// unexpected HTTP status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

// Resolver looks up a host name. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Registration is the body of a register-chunk request.
type Registration struct {
	Key       string `json:"key"`
	Session   string `json:"session"`
	Timestamp string `json:"timestamp"`
	Time      int64  `json:"time"`
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	ProbeTimeout  time.Duration
	ProbeAttempts int
	HTTPClient    *http.Client
	Resolver      Resolver
}

// Client is the remote API client. Safe for concurrent use.
type Client struct {
	base          *url.URL
	apiKey        string
	http          *http.Client
	resolver      Resolver
	probeTimeout  time.Duration
	probeAttempts int
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", opts.BaseURL)
	}
	if base.Hostname() == "" {
		return nil, fmt.Errorf("api url %q: missing host", opts.BaseURL)
	}

	c := &Client{
		base:          base,
		apiKey:        opts.APIKey,
		http:          opts.HTTPClient,
		resolver:      opts.Resolver,
		probeTimeout:  opts.ProbeTimeout,
		probeAttempts: opts.ProbeAttempts,
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if c.probeTimeout <= 0 {
		c.probeTimeout = 3 * time.Second
	}
	if c.probeAttempts <= 0 {
		c.probeAttempts = 1
	}
	return c, nil
}

// Host returns the API host name probed by Reachable.
func (c *Client) Host() string {
	return c.base.Hostname()
}

// Register asks the API for an upload target for one artifact and returns
// the single-use PUT url.
func (c *Client) Register(ctx context.Context, reg Registration) (string, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return "", fmt.Errorf("register %s: encode: %w", reg.Key, err)
	}

	endpoint := c.base.JoinPath("register-chunk")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("register %s: %w", reg.Key, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", reg.Key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "register " + reg.Key, Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("register %s: decode response: %w", reg.Key, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("register %s: response has no upload url", reg.Key)
	}
	return out.URL, nil
}

// Put transfers body to target in a single request.
func (c *Client) Put(ctx context.Context, target, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return &StatusError{Op: "put", Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Reachable resolves the API host. Each attempt is bounded by the probe
// timeout. Returns an error wrapping ErrOffline when every attempt fails.
func (c *Client) Reachable(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.probeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		addrs, err := c.resolver.LookupHost(probeCtx, c.base.Hostname())
		cancel()
		if err == nil && len(addrs) > 0 {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("no addresses for %s", c.base.Hostname())
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrOffline, lastErr)
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(b))
}
