// Package daemon is the HTTP client for the local model daemon: blocking and
// line-delimited streaming generate calls plus the model listing endpoint.
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrEmptyResponse is returned when the daemon answers 200 with no text.
var ErrEmptyResponse = errors.New("daemon: empty response")

// Options are the sampling knobs forwarded to the daemon.
type Options struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

// GenerateResponse is one blocking response or one streamed line.
type GenerateResponse struct {
	Model    string `json:"model,omitempty"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Client talks to one daemon base URL. Timeouts come from the caller's context.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for baseURL. A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// BaseURL returns the daemon address the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Generate performs a blocking generate call and returns the response text.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	req.Stream = false
	resp, err := c.post(ctx, "/api/generate", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("daemon: read generate: %w", err)
	}
	return ParseGenerate(body)
}

// Stream performs a streaming generate call, invoking fn for every non-empty
// token in arrival order. It returns when the daemon reports done, the body
// ends, fn returns an error, or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req GenerateRequest, fn func(token string) error) error {
	req.Stream = true
	resp, err := c.post(ctx, "/api/generate", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var chunk GenerateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("daemon: stream: %s", chunk.Error)
		}
		if chunk.Response != "" {
			if err := fn(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("daemon: stream: %w", err)
	}
	return nil
}

// ListModels returns the model names the daemon has loaded.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("daemon: list models: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("daemon: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon: list models: status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("daemon: decode tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// ParseGenerate extracts the response text from a blocking generate body.
// It is shared with callers that obtain the body by other means.
func ParseGenerate(body []byte) (string, error) {
	var out GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("daemon: decode generate: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("daemon: generate: %s", out.Error)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", ErrEmptyResponse
	}
	return out.Response, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("daemon: marshal %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("daemon: build %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("daemon: %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("daemon: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}
