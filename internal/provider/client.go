package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

const defaultTimeout = 30 * time.Second

// maxErrorBodyBytes bounds how much of an upstream error body is read.
const maxErrorBodyBytes = 64 << 10

// Client executes Codec-built requests and implements Adapter. One Client
// wraps one provider.
type Client struct {
	codec      Codec
	name       string
	httpClient *http.Client
	models     []types.ModelInfo
	multiModal bool
}

// NewClient wraps codec with an executing HTTP client. The streaming client
// carries no overall timeout; stream lifetimes are bounded by ctx.
func NewClient(codec Codec, settings Settings) *Client {
	timeout := defaultTimeout
	if settings.Timeout > 0 {
		timeout = time.Duration(settings.Timeout) * time.Second
	}

	multiModal := false
	for _, m := range settings.Models {
		if m.Capabilities.Vision {
			multiModal = true
			break
		}
	}

	name := settings.Name
	if name == "" {
		name = codec.Name()
	}

	return &Client{
		codec:      codec,
		name:       name,
		httpClient: &http.Client{Timeout: timeout},
		models:     settings.Models,
		multiModal: multiModal,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// Models lists the logical models mapped onto this provider.
func (c *Client) Models() []types.ModelInfo {
	out := make([]types.ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

// Model looks up one mapped logical model.
func (c *Client) Model(id string) (types.ModelInfo, bool) {
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return types.ModelInfo{}, false
}

// SupportsStreaming reports streaming capability.
func (c *Client) SupportsStreaming() bool { return c.codec.SupportsStreaming() }

// SupportsMultiModal reports whether any mapped model accepts images.
func (c *Client) SupportsMultiModal() bool { return c.multiModal }

// Complete performs a blocking completion call.
func (c *Client) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	httpReq, err := c.codec.BuildRequest(ctx, req)
	if err != nil {
		return nil, gwerr.Newf(gwerr.KindInternal, "build request: %v", err).WithProvider(c.Name(), req.Model)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err, req.Model)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, c.codec.MapError(resp.StatusCode, resp.Header, body, req.Model)
	}

	parsed, err := c.codec.ParseResponse(resp)
	if err != nil {
		return nil, gwerr.Newf(gwerr.KindUpstreamError, "parse response: %v", err).WithProvider(c.Name(), req.Model)
	}
	parsed.Provider = c.Name()
	return parsed, nil
}

// CompleteStream opens a streaming completion. Chunks arrive on the returned
// channel; the channel closes when the upstream stream ends or ctx is
// cancelled. A mid-stream failure is surfaced as a terminal error chunk.
func (c *Client) CompleteStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, error) {
	if !c.codec.SupportsStreaming() {
		return nil, gwerr.Newf(gwerr.KindNotSupported, "provider %s does not support streaming", c.Name()).WithProvider(c.Name(), req.Model)
	}

	streamReq := req.Clone()
	streamReq.Stream = true

	httpReq, err := c.codec.BuildRequest(ctx, streamReq)
	if err != nil {
		return nil, gwerr.Newf(gwerr.KindInternal, "build request: %v", err).WithProvider(c.Name(), req.Model)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// The shared client's timeout would kill long streams.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err, req.Model)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, c.codec.MapError(resp.StatusCode, resp.Header, body, req.Model)
	}

	out := make(chan types.StreamChunk)
	go c.readStream(ctx, resp.Body, req.Model, out)
	return out, nil
}

// readStream pumps SSE data lines through the codec until EOF, a terminal
// chunk, or cancellation.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, model string, out chan<- types.StreamChunk) {
	defer close(out)
	defer body.Close()

	// Cancellation closes the body, unblocking the scanner.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

		chunk, err := c.codec.ParseStreamChunk(data)
		if err != nil {
			c.emit(ctx, out, *types.TerminalErrorChunk(model, string(gwerr.KindUpstreamError), fmt.Sprintf("parse chunk: %v", err)))
			return
		}
		if chunk == nil {
			continue
		}

		if !c.emit(ctx, out, *chunk) {
			return
		}
		if chunk.Terminal() {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.emit(ctx, out, *types.TerminalErrorChunk(model, string(gwerr.KindUpstreamError), fmt.Sprintf("stream read: %v", err)))
	}
}

func (c *Client) emit(ctx context.Context, out chan<- types.StreamChunk, chunk types.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Embed performs an embedding call.
func (c *Client) Embed(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	if !c.codec.SupportsEmbeddings() {
		return nil, gwerr.Newf(gwerr.KindNotSupported, "provider %s does not support embeddings", c.Name()).WithProvider(c.Name(), req.Model)
	}

	httpReq, err := c.codec.BuildEmbeddingRequest(ctx, req)
	if err != nil {
		return nil, gwerr.Newf(gwerr.KindInternal, "build embedding request: %v", err).WithProvider(c.Name(), req.Model)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err, req.Model)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, c.codec.MapError(resp.StatusCode, resp.Header, body, req.Model)
	}

	parsed, err := c.codec.ParseEmbeddingResponse(resp)
	if err != nil {
		return nil, gwerr.Newf(gwerr.KindUpstreamError, "parse embedding response: %v", err).WithProvider(c.Name(), req.Model)
	}
	parsed.Provider = c.Name()
	return parsed, nil
}

// IsAvailable probes the provider endpoint.
func (c *Client) IsAvailable(ctx context.Context) error {
	httpReq, err := c.codec.HealthRequest(ctx)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.transportError(err, "")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes)) //nolint:errcheck

	if resp.StatusCode >= 500 {
		return gwerr.Newf(gwerr.KindProviderUnavailable, "health probe returned %d", resp.StatusCode).WithProvider(c.Name(), "")
	}
	return nil
}

// transportError classifies connection-level failures.
func (c *Client) transportError(err error, model string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerr.New(gwerr.KindTimeout, "request deadline exceeded").WithProvider(c.Name(), model)
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerr.New(gwerr.KindTimeout, "request timed out").WithProvider(c.Name(), model)
	}
	return gwerr.Newf(gwerr.KindProviderUnavailable, "connect: %v", err).WithProvider(c.Name(), model)
}

// RetryAfterFrom parses a Retry-After header into a duration hint, supporting
// both delta-seconds and HTTP-date forms. Zero means no hint.
func RetryAfterFrom(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
