package threat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/tacmap/backend/internal/apperr"
)

// Call timeouts per §operation class.
const (
	SearchTimeout = 240 * time.Second
	DedupTimeout  = 30 * time.Second
	TestTimeout   = 30 * time.Second
	AdminTimeout  = 15 * time.Second
)

// ErrSchemaUnsupported signals a 400-class rejection of the structured
// output constraint; the caller retries once without it.
var ErrSchemaUnsupported = errors.New("llm: structured output not supported by model")

// Tool names on the wire.
const (
	toolSocialStream = "social_stream_search"
	toolWebSearch    = "web_search"
)

// Tool is a search tool offered to the model.
type Tool struct {
	Type           string   `json:"type"`
	FromDate       string   `json:"from_date,omitempty"`
	ToDate         string   `json:"to_date,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// InputMessage is one prompt message.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextFormat requests structured JSON output when the model supports it.
type TextFormat struct {
	Format map[string]any `json:"format"`
}

// Request is the provider request body.
type Request struct {
	Model      string         `json:"model"`
	Input      []InputMessage `json:"input"`
	Tools      []Tool         `json:"tools,omitempty"`
	ToolChoice string         `json:"tool_choice,omitempty"`
	Text       *TextFormat    `json:"text,omitempty"`
}

// OutputContent is one content block of an output item.
type OutputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OutputItem is one entry of the response output list. Tool invocations
// appear as non-message items.
type OutputItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content []OutputContent `json:"content,omitempty"`
}

// Usage carries the provider's token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the provider response body.
type Response struct {
	Output    []OutputItem `json:"output"`
	Usage     Usage        `json:"usage"`
	Citations []string     `json:"citations,omitempty"`
	Model     string       `json:"model"`
}

// Text concatenates the assistant message text blocks.
func (r *Response) Text() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				b.WriteString(c.Text)
			}
		}
	}
	return b.String()
}

// SocialStreamCalls counts real-time social-stream tool invocations, which
// carry a fixed per-call surcharge.
func (r *Response) SocialStreamCalls() int {
	n := 0
	for _, item := range r.Output {
		if item.Type == toolSocialStream+"_call" {
			n++
		}
	}
	return n
}

// KeyProvider resolves the provider API key at call time so key rotation
// through the settings cache takes effect without a restart.
type KeyProvider func(ctx context.Context) (string, error)

// Client speaks the provider contract with retry and a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	key     KeyProvider
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewClient builds a provider client. The breaker opens after repeated
// upstream failures so a dead provider fails ticks fast instead of holding
// worker slots for the full timeout.
func NewClient(baseURL string, key KeyProvider, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		key:     key,
		log:     log.With("component", "llm"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// CreateResponse issues one provider call with exponential back-off
// (2s/4s/8s, up to 3 retries). 401/403 abort immediately; a 400-class
// rejection of the structured output constraint surfaces as
// ErrSchemaUnsupported without retry.
func (c *Client) CreateResponse(ctx context.Context, req *Request) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 8 * time.Second

	var resp *Response
	operation := func() error {
		r, err := c.doOnce(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(apperr.Wrap(apperr.KindUpstream, "ai provider unavailable", err))
		}
		return nil, err
	}
	return out.(*Response), nil
}

func (c *Client) post(ctx context.Context, req *Request) (*Response, error) {
	key, err := c.key(ctx)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("resolve api key: %w", err))
	}
	if key == "" {
		return nil, backoff.Permanent(apperr.New(apperr.KindUpstream, "ai provider api key not configured"))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "ai provider request failed", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "ai provider response read failed", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(apperr.Newf(apperr.KindUpstream, "ai provider rejected credentials (%d)", httpResp.StatusCode))
	case httpResp.StatusCode >= 400 && httpResp.StatusCode < 500:
		if req.Text != nil && schemaRejected(raw) {
			return nil, backoff.Permanent(ErrSchemaUnsupported)
		}
		return nil, backoff.Permanent(apperr.Newf(apperr.KindUpstream, "ai provider rejected request (%d)", httpResp.StatusCode))
	default:
		return nil, apperr.Newf(apperr.KindUpstream, "ai provider error (%d)", httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "ai provider returned malformed response", err)
	}
	return &resp, nil
}

// schemaRejected sniffs a 400 body for a structured-output complaint.
func schemaRejected(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "format") || strings.Contains(s, "schema")
}

// analysisArrayFormat is the structured output constraint sent with search
// requests when the model supports it.
func analysisArrayFormat() *TextFormat {
	return &TextFormat{Format: map[string]any{
		"type": "json_schema",
		"name": "threat_analyses",
		"schema": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"required": []string{
					"threat_level", "threat_type", "confidence_score",
					"summary", "locations", "keywords", "citations",
				},
			},
		},
	}}
}
