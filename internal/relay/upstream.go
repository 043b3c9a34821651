package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

// UpstreamError is a non-2xx status from the inference service.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.Status)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return domain.ErrUpstreamUnavailable }

// UpstreamConfig holds the inference endpoints.
type UpstreamConfig struct {
	AnswerURL      string
	NamingURL      string
	SimpleURL      string
	ConnectTimeout time.Duration
}

// Upstream opens streaming calls to the inference service.
type Upstream struct {
	cfg  UpstreamConfig
	http *http.Client
}

// NewUpstream creates an Upstream. The client has no overall timeout since
// streams may run for minutes; dialing and response headers are bounded by
// cfg.ConnectTimeout instead.
func NewUpstream(cfg UpstreamConfig) *Upstream {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = cfg.ConnectTimeout
	// Compression would make the transport buffer and re-chunk the body.
	transport.DisableCompression = true

	return &Upstream{cfg: cfg, http: &http.Client{Transport: transport}}
}

// Answer opens the answer stream.
func (u *Upstream) Answer(ctx context.Context, req AnswerRequest) (io.ReadCloser, error) {
	return u.postJSON(ctx, u.cfg.AnswerURL, adaptAnswer(req))
}

// ChatName opens the title stream for the given seed messages.
func (u *Upstream) ChatName(ctx context.Context, msgs []domain.Message) (io.ReadCloser, error) {
	return u.postJSON(ctx, u.cfg.NamingURL, adaptNaming(msgs))
}

// Simple opens a plain prompt stream.
func (u *Upstream) Simple(ctx context.Context, prompt string) (io.ReadCloser, error) {
	target, err := url.Parse(u.cfg.SimpleURL)
	if err != nil {
		return nil, fmt.Errorf("parse simple upstream url: %w", err)
	}
	q := target.Query()
	q.Set("query", prompt)
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	return u.open(req)
}

// Ping dials every configured upstream host.
func (u *Upstream) Ping(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, raw := range []string{u.cfg.AnswerURL, u.cfg.NamingURL, u.cfg.SimpleURL} {
		target, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse upstream url: %w", err)
		}
		host := target.Host
		if target.Port() == "" {
			port := "80"
			if target.Scheme == "https" {
				port = "443"
			}
			host = net.JoinHostPort(target.Hostname(), port)
		}
		if seen[host] {
			continue
		}
		seen[host] = true

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return fmt.Errorf("dial %s: %w", host, err)
		}
		_ = conn.Close()
	}
	return nil
}

func (u *Upstream) postJSON(ctx context.Context, target string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return u.open(req)
}

func (u *Upstream) open(req *http.Request) (io.ReadCloser, error) {
	req.Header.Set("Accept", "text/event-stream, text/plain, */*")
	resp, err := u.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp.Body, nil
}
