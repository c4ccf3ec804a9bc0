package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrNotListening is returned when nothing accepts connections at the base URL.
var ErrNotListening = errors.New("ollama server is not listening")

// Client communicates with a local Ollama instance over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given Ollama base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Streaming calls run for minutes; deadlines come from contexts.
			Timeout: 0,
		},
	}
}

// BaseURL returns the server address the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []modelEntry `json:"models"`
}

type modelEntry struct {
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
}

// ListModels returns the names of all models available in the local Ollama
// instance. A refused connection is reported as ErrNotListening.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err, "requesting model list")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
		if names[i] == "" {
			names[i] = m.Model
		}
	}
	return names, nil
}

// HasModel reports whether the given model is present locally.
func (c *Client) HasModel(ctx context.Context, id ModelID) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	return ContainsModel(models, id), nil
}

// pullRequest is the JSON body for POST /api/pull.
type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// The optional progress callback receives each progress line; pass nil to ignore.
// A progress line carrying an error field aborts the pull with that error.
func (c *Client) PullModel(ctx context.Context, id ModelID, onProgress func(PullProgress)) error {
	body, err := json.Marshal(pullRequest{Name: id.String(), Stream: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err, "pulling model "+id.String())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pull %s: unexpected status %d: %s", id, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("pull %s: %s", id, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}

	return nil
}

// GenerateOptions are the sampling parameters forwarded to /api/generate.
type GenerateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// generateRequest is the JSON body for POST /api/generate.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Raw     bool            `json:"raw"`
	Stream  bool            `json:"stream"`
	Options GenerateOptions `json:"options"`
}

// generateChunk is one line of the streamed generate response.
type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// GenerateStream yields text fragments of a streaming completion in arrival
// order. It is not safe for concurrent use.
type GenerateStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Generate opens a raw (untemplated) streaming completion for prompt. The
// caller must Close the returned stream.
func (c *Client) Generate(ctx context.Context, model ModelID, prompt string, opts GenerateOptions) (*GenerateStream, error) {
	body, err := json.Marshal(generateRequest{
		Model:   model.String(),
		Prompt:  prompt,
		Raw:     true,
		Stream:  true,
		Options: opts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err, "generate request")
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("generate: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &GenerateStream{body: resp.Body, scanner: sc}, nil
}

// Recv returns the next non-empty fragment, or io.EOF once the backend
// reports completion or closes the stream.
func (s *GenerateStream) Recv() (string, error) {
	for !s.done {
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return "", fmt.Errorf("reading generate stream: %w", err)
			}
			break
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("decoding generate chunk: %w", err)
		}
		if chunk.Error != "" {
			s.done = true
			return "", fmt.Errorf("generate: %s", chunk.Error)
		}
		if chunk.Done {
			s.done = true
		}
		if chunk.Response != "" {
			return chunk.Response, nil
		}
	}
	return "", io.EOF
}

// Close releases the underlying connection.
func (s *GenerateStream) Close() error {
	return s.body.Close()
}

// classifyTransport maps a refused or unreachable connection to
// ErrNotListening and wraps everything else with op.
func classifyTransport(err error, op string) error {
	if IsNotListening(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrNotListening, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotListening reports whether err means no process accepts connections at
// the target address. Timeouts and protocol errors are not included.
func IsNotListening(err error) bool {
	if errors.Is(err, ErrNotListening) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return true
	}
	return false
}
