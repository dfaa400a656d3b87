// Package llm streams chat completions from OpenAI-compatible endpoints.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/chaincord/internal/chain"
	"github.com/ashureev/chaincord/internal/stream"
	"github.com/tidwall/gjson"
)

// DefaultAPIKey is sent to providers configured without a key.
const DefaultAPIKey = "sk-no-key-required"

var (
	errStatus      = errors.New("completion request rejected")
	errStreamError = errors.New("completion stream returned error")
	errBadChunk    = errors.New("malformed stream chunk")
)

// Provider is an OpenAI-compatible endpoint.
type Provider struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Request is one streamed completion call.
type Request struct {
	Model    string
	Messages []chain.Message
	// Extra is merged into the request body (temperature, max_tokens, ...).
	Extra map[string]any
}

// Completer produces a fragment stream for a request.
type Completer interface {
	Stream(ctx context.Context, provider Provider, req Request) iter.Seq2[stream.Fragment, error]
}

// Client talks to /chat/completions with stream=true.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// Ensure Client implements Completer.
var _ Completer = (*Client)(nil)

// NewClient creates a completion client. A nil httpClient uses http.DefaultClient.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger}
}

// Stream sends the request and yields text fragments as they arrive. The last
// fragment carries the finish reason. Transport and protocol failures are
// yielded as errors and end the sequence.
func (c *Client) Stream(ctx context.Context, provider Provider, req Request) iter.Seq2[stream.Fragment, error] {
	return func(yield func(stream.Fragment, error) bool) {
		body, err := buildBody(req)
		if err != nil {
			yield(stream.Fragment{}, err)
			return
		}

		endpoint := strings.TrimRight(provider.BaseURL, "/") + "/chat/completions"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			yield(stream.Fragment{}, fmt.Errorf("build completion request: %w", err))
			return
		}
		apiKey := provider.APIKey
		if apiKey == "" {
			apiKey = DefaultAPIKey
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			yield(stream.Fragment{}, fmt.Errorf("completion request failed: %w", err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close completion body", "error", closeErr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			msg := gjson.GetBytes(detail, "error.message").String()
			if msg == "" {
				msg = strings.TrimSpace(string(detail))
			}
			yield(stream.Fragment{}, fmt.Errorf("%w: %s: %s", errStatus, resp.Status, msg))
			return
		}

		c.logger.Debug("Completion stream opened", "provider", provider.Name, "model", req.Model)

		reader := bufio.NewReaderSize(resp.Body, 64*1024)
		for {
			line, err := reader.ReadString('\n')
			if line == "" && err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(stream.Fragment{}, fmt.Errorf("completion stream error: %w", err))
				return
			}

			data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data:")
			if !ok {
				continue
			}
			data = strings.TrimPrefix(data, " ")
			if data == "[DONE]" {
				return
			}

			frag, skip, perr := parseChunk(data)
			if perr != nil {
				yield(stream.Fragment{}, perr)
				return
			}
			if !skip && !yield(frag, nil) {
				return
			}
		}
	}
}

// parseChunk extracts the first choice's delta text and finish reason.
func parseChunk(data string) (stream.Fragment, bool, error) {
	if !gjson.Valid(data) {
		return stream.Fragment{}, false, fmt.Errorf("%w: %q", errBadChunk, truncate(data, 120))
	}
	if msg := gjson.Get(data, "error.message"); msg.Exists() {
		return stream.Fragment{}, false, fmt.Errorf("%w: %s", errStreamError, msg.String())
	}

	choice := gjson.Get(data, "choices.0")
	if !choice.Exists() {
		return stream.Fragment{}, true, nil
	}
	frag := stream.Fragment{Text: choice.Get("delta.content").String()}
	if reason := choice.Get("finish_reason"); reason.Type == gjson.String {
		frag.FinishReason = reason.String()
	}
	return frag, frag.Text == "" && frag.FinishReason == "", nil
}

func buildBody(req Request) ([]byte, error) {
	payload := make(map[string]any, len(req.Extra)+3)
	for k, v := range req.Extra {
		payload[k] = v
	}
	payload["model"] = req.Model
	payload["messages"] = req.Messages
	payload["stream"] = true

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
