package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
)

// Client calls the relay from the chat engine side.
type Client struct {
	baseURL string
	http    *http.Client
	token   func() string
}

// NewClient creates a relay client. httpClient must not carry an overall
// timeout since answers stream for as long as the model writes. token, when
// set, supplies a bearer credential used by the relay for rate limiting.
func NewClient(baseURL string, httpClient *http.Client, token func() string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   token,
	}
}

// StreamAnswer opens the answer stream for a query.
func (c *Client) StreamAnswer(ctx context.Context, req AnswerRequest) (io.ReadCloser, error) {
	return c.post(ctx, "/api/llm_providers/gen_answer", req)
}

// StreamChatName opens the title stream seeded with msgs.
func (c *Client) StreamChatName(ctx context.Context, msgs []domain.Message) (io.ReadCloser, error) {
	return c.post(ctx, "/api/llm_providers/gen_chat_name", ChatNameRequest{Context: msgs})
}

// StreamSimple opens a plain prompt stream.
func (c *Client) StreamSimple(ctx context.Context, prompt string) (io.ReadCloser, error) {
	return c.post(ctx, "/api/llm_providers/simple_get", SimpleRequest{Prompt: prompt})
}

func (c *Client) post(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal relay request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnauthenticated, msg)
	default:
		return nil, fmt.Errorf("%w: relay returned %d: %s", domain.ErrUpstreamUnavailable, resp.StatusCode, msg)
	}
}
