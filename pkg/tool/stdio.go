package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// StdioClient talks JSON-RPC 2.0 to a tool server over the stdin/stdout of
// a child process, one newline-delimited message per line. This is the
// transport used for external skill servers the binary does not embed.
//
// Requests are serialized; tool servers in this protocol answer in order.
type StdioClient struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	nextID int64
	closed bool
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// NewStdioClient spawns the server process and performs the initialize
// handshake. The process lives until Close.
func NewStdioClient(ctx context.Context, command string, args ...string) (*StdioClient, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio client: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio client: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio client: start %s: %w", command, err)
	}

	c := &StdioClient{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}

	if _, err := c.call(ctx, "initialize", map[string]interface{}{"protocol": "drover/1"}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("stdio client: initialize: %w", err)
	}
	return c, nil
}

// call issues one request and reads its response.
func (c *StdioClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("stdio client: closed")
	}

	c.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params}
	data, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("stdio client: write: %w", err)
	}

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := c.stdout.ReadBytes('\n')
		ch <- readResult{line, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rr := <-ch:
		if rr.err != nil {
			return nil, fmt.Errorf("stdio client: read: %w", rr.err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(rr.line, &resp); err != nil {
			return nil, fmt.Errorf("stdio client: malformed response: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("stdio client: %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	}
}

// ListTools returns the tools the server advertises.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("stdio client: tools/list: %w", err)
	}
	return out.Tools, nil
}

// Invoke implements Invoker over the subprocess.
func (c *StdioClient) Invoke(ctx context.Context, tool string, args Args) (Result, error) {
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: non-object result from %s", ErrSchemaViolation, tool)
	}
	return result, nil
}

// ReadResource implements ResourceReader over the subprocess.
func (c *StdioClient) ReadResource(ctx context.Context, uri string) (string, error) {
	raw, err := c.call(ctx, "resources/read", map[string]interface{}{"uri": uri})
	if err != nil {
		return "", err
	}
	var out struct {
		Contents string `json:"contents"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("stdio client: resources/read: %w", err)
	}
	return out.Contents, nil
}

// RegisterExternal registers every tool the server advertises into the
// registry, with handlers that delegate to the client. The registry keeps
// validating both schemas, so an external server is held to the same
// contract as a builtin. Returns the registered names.
func RegisterExternal(ctx context.Context, r *Registry, c *StdioClient) ([]string, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tools))
	for i := range tools {
		t := tools[i]
		name := t.Name
		t.Handler = func(ctx context.Context, args Args) (Result, error) {
			return c.Invoke(ctx, name, args)
		}
		r.Register(&t)
		names = append(names, name)
	}
	return names, nil
}

// Close shuts the server down and reaps the process.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
