package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// SSEClient speaks the same JSON-RPC protocol over HTTP: requests go out
// as POSTs to the message endpoint, responses arrive on a long-lived
// text/event-stream. Used for tool servers that run as network services
// rather than subprocesses.
type SSEClient struct {
	name     string
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	endpoint string // message endpoint, announced by the stream

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan response
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SSEOption configures an SSEClient.
type SSEOption func(*SSEClient)

// SSEHTTPClient replaces the default http.Client.
func SSEHTTPClient(c *http.Client) SSEOption {
	return func(s *SSEClient) { s.client = c }
}

// SSELogger sets the structured logger.
func SSELogger(l *slog.Logger) SSEOption {
	return func(s *SSEClient) { s.logger = l }
}

// NewSSEClient connects to baseURL's /sse stream and waits for the
// endpoint announcement before returning.
func NewSSEClient(ctx context.Context, name, baseURL string, opts ...SSEOption) (*SSEClient, error) {
	s := &SSEClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		pending: make(map[int64]chan response),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.baseURL+"/sse", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mcp: sse connect %s: %w", baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mcp: sse connect %s: status %d", baseURL, resp.StatusCode)
	}

	ready := make(chan string, 1)
	s.wg.Add(1)
	go s.readStream(resp.Body, ready)

	select {
	case ep := <-ready:
		if ep == "" {
			ep = s.baseURL + "/message"
		} else if strings.HasPrefix(ep, "/") {
			ep = s.baseURL + ep
		}
		s.endpoint = ep
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

// readStream parses SSE frames: "event:" names the frame, "data:" carries
// the payload. The endpoint event announces where to POST; message events
// carry JSON-RPC responses.
func (s *SSEClient) readStream(body io.ReadCloser, ready chan<- string) {
	defer s.wg.Done()
	defer body.Close()

	announced := false
	event := ""
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "endpoint":
				if !announced {
					announced = true
					ready <- data
				}
			default:
				s.dispatch([]byte(data))
			}
		case line == "":
			event = ""
		}
	}
	if !announced {
		ready <- ""
	}

	s.mu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	s.mu.Unlock()
}

func (s *SSEClient) dispatch(data []byte) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		s.logger.Warn("mcp: unparseable sse frame", "server", s.name, "error", err)
		return
	}
	id, err := strconv.ParseInt(string(resp.ID), 10, 64)
	if err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// Call posts one request and waits for its streamed response.
func (s *SSEClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	body, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	ch := make(chan response, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("mcp: sse client %s closed", s.name)
	}
	s.pending[id] = ch
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	httpResp, err := s.client.Do(req)
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("mcp: sse post %s: %w", method, err)
	}
	io.Copy(io.Discard, httpResp.Body)
	httpResp.Body.Close()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp: sse stream %s closed", s.name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: %s: %d %s", method, resp.Error.Code, resp.Error.Message)
		}
		raw, _ := json.Marshal(resp.Result)
		return raw, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Initialize performs the protocol handshake.
func (s *SSEClient) Initialize(ctx context.Context, clientName, clientVersion string) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}
	_, err := s.Call(ctx, "initialize", params)
	return err
}

// ListTools returns the server's tool definitions.
func (s *SSEClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := s.Call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool and flattens its text content blocks.
func (s *SSEClient) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	raw, err := s.Call(ctx, "tools/call", toolCallParams{Name: name, Arguments: mustMarshal(args)})
	if err != nil {
		return "", false, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("mcp: parse tools/call: %w", err)
	}
	var b strings.Builder
	for i, block := range result.Content {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(block.Text)
	}
	return b.String(), result.IsError, nil
}

// Close tears down the stream. Idempotent.
func (s *SSEClient) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}
