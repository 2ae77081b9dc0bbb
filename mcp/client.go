package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Client is the stdio side of the protocol: it spawns a tool server as a
// subprocess and correlates JSON-RPC requests with responses by numeric id.
// Safe for concurrent use; writes are serialized, reads run on one loop.
type Client struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	nextID  atomic.Int64
	mu      sync.Mutex // guards pending and stdin writes
	pending map[int64]chan response
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// ClientLogger sets the structured logger for transport noise.
func ClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient spawns command with args and env appended to the parent
// environment, and starts the read loops. The server is not initialized;
// call Initialize before anything else.
func NewClient(name, command string, args, env []string, opts ...ClientOption) (*Client, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", command, err)
	}

	c := &Client{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.wg.Add(2)
	go c.readLoop(stdout)
	go c.drainStderr(stderr)
	return c, nil
}

// readLoop dispatches responses to their pending channels. Lines that are
// not responses (server notifications) are logged and dropped.
func (c *Client) readLoop(stdout io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("mcp: unparseable line from server", "server", c.name, "error", err)
			continue
		}
		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			c.logger.Debug("mcp: server notification", "server", c.name)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	// Server went away: fail everything still in flight.
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Client) drainStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("mcp: server stderr", "server", c.name, "line", scanner.Text())
	}
}

// Call sends one request and waits for its response or ctx expiry.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", method, err)
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("mcp: client %s closed", c.name)
	}
	c.pending[id] = ch
	_, werr := c.stdin.Write(append(data, '\n'))
	if werr != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("mcp: write to %s: %w", c.name, werr)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp: server %s closed connection", c.name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: %s: %d %s", method, resp.Error.Code, resp.Error.Message)
		}
		raw, _ := json.Marshal(resp.Result)
		return raw, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify sends a request without an id; no response follows.
func (c *Client) notify(method string) error {
	data, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mcp: client %s closed", c.name)
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// Initialize performs the protocol handshake and acknowledges it.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}
	if _, err := c.Call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.notify("notifications/initialized")
}

// ListTools returns the server's tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.Call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool and flattens its text content blocks. isError
// mirrors the result's isError flag; transport failures come back as err.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (text string, isError bool, err error) {
	raw, err := c.Call(ctx, "tools/call", toolCallParams{Name: name, Arguments: mustMarshal(args)})
	if err != nil {
		return "", false, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("mcp: parse tools/call: %w", err)
	}
	out := ""
	for i, block := range result.Content {
		if i > 0 {
			out += "\n"
		}
		out += block.Text
	}
	return out, result.IsError, nil
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", struct{}{})
	return err
}

// Close closes stdin (letting a well-behaved server exit), waits briefly,
// then kills the process. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	_ = c.stdin.Close()
	c.mu.Unlock()

	exited := make(chan error, 1)
	go func() { exited <- c.cmd.Wait() }()
	select {
	case err := <-exited:
		c.wg.Wait()
		return err
	case <-time.After(3 * time.Second):
		_ = c.cmd.Process.Kill()
		<-exited
		c.wg.Wait()
		return nil
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
