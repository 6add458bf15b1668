package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/internal/headers"
	"github.com/jrmatherly/nexus/internal/tlsutil"
	"github.com/jrmatherly/nexus/types"
)

// caller abstracts the transports behind a request/response call.
type caller interface {
	call(ctx context.Context, msg *Message) (*Message, error)
	notify(ctx context.Context, msg *Message) error
	close() error
}

// Client is one connection to a downstream MCP server. It is safe for
// concurrent use; responses are matched to requests by id.
type Client struct {
	name        string
	timeout     time.Duration
	caller      caller
	logger      *zap.Logger
	nextID      atomic.Int64
	initialized bool
}

// NewClient connects to the downstream described by cfg. bearer is the
// forwarded caller credential for auth.type=forward servers; inbound
// supplies headers for Forward rules. The returned client has completed
// the initialize handshake.
func NewClient(ctx context.Context, name string, cfg config.MCPServerConfig, bearer string, inbound http.Header, logger *zap.Logger) (*Client, error) {
	logger = logger.With(zap.String("server", name))
	timeout := cfg.Timeout.AsDuration()
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &Client{name: name, timeout: timeout, logger: logger}

	if len(cfg.Cmd) > 0 {
		// Header rules do not apply to stdio transports.
		t, err := newStdioTransport(cfg, logger)
		if err != nil {
			return nil, c.wrapErr(err)
		}
		c.caller = newDuplexCaller(t, logger)
	} else {
		upstream := make(http.Header)
		if err := headers.Apply(cfg.Headers, upstream, inbound); err != nil {
			return nil, types.NewError(types.ErrProtocol, err.Error()).WithServer(name)
		}
		switch {
		case cfg.Auth != nil && cfg.Auth.Token != "":
			upstream.Set("Authorization", "Bearer "+config.ExpandEnv(cfg.Auth.Token))
		case cfg.Auth.IsForward() && bearer != "":
			upstream.Set("Authorization", "Bearer "+bearer)
		}

		httpClient, err := tlsutil.HTTPClient(cfg.TLS, 0)
		if err != nil {
			return nil, types.NewError(types.ErrTransport, err.Error()).WithServer(name)
		}

		if err := c.connectHTTP(ctx, cfg, upstream, httpClient); err != nil {
			return nil, err
		}
	}

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// connectHTTP picks the URL transport. Streamable-HTTP is preferred; when
// no protocol is pinned, a rejected probe falls back to SSE.
func (c *Client) connectHTTP(ctx context.Context, cfg config.MCPServerConfig, upstream http.Header, httpClient *http.Client) error {
	switch cfg.Protocol {
	case "sse":
		return c.connectSSE(ctx, cfg, upstream, httpClient)
	case "streamable-http":
		c.caller = &httpCaller{rt: newStreamableHTTP(cfg.URL, upstream, httpClient, c.logger)}
		return nil
	default:
		c.caller = &httpCaller{rt: newStreamableHTTP(cfg.URL, upstream, httpClient, c.logger)}
		// Probe with initialize; a 404/405 means the server only speaks SSE.
		if err := c.initialize(ctx); err != nil {
			var unsupported *errHTTPNotSupported
			if errors.As(err, &unsupported) {
				c.logger.Info("falling back to sse transport")
				c.initialized = false
				return c.connectSSE(ctx, cfg, upstream, httpClient)
			}
			return err
		}
		return nil
	}
}

func (c *Client) connectSSE(ctx context.Context, cfg config.MCPServerConfig, upstream http.Header, httpClient *http.Client) error {
	t, err := newSSETransport(ctx, cfg.URL, cfg.MessageURL, upstream, httpClient, c.logger)
	if err != nil {
		return types.NewError(types.ErrTransport, err.Error()).WithServer(c.name)
	}
	c.caller = newDuplexCaller(t, c.logger)
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      Implementation{Name: "nexus", Version: "1.0"},
	}
	if _, err := c.rpc(ctx, MethodInitialize, params); err != nil {
		return err
	}
	note, _ := NewNotification(MethodInitialized, nil)
	if err := c.caller.notify(ctx, note); err != nil {
		c.logger.Debug("initialized notification failed", zap.Error(err))
	}
	c.initialized = true
	return nil
}

// rpc issues one request with the client timeout applied.
func (c *Client) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return nil, types.Internal(err)
	}
	resp, err := c.caller.call(ctx, msg)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	if resp.Error != nil {
		return nil, types.NewError(types.ErrProtocol,
			fmt.Sprintf("downstream error %d: %s", resp.Error.Code, resp.Error.Message)).
			WithServer(c.name)
	}
	return resp.Result, nil
}

// wrapErr folds transport failures into the downstream error taxonomy.
func (c *Client) wrapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, "downstream call timed out").
			WithServer(c.name).WithCause(err)
	}
	if e, ok := err.(*types.Error); ok {
		return e
	}
	return types.NewError(types.ErrTransport, err.Error()).
		WithServer(c.name).WithCause(err)
}

// Name returns the configured downstream name.
func (c *Client) Name() string { return c.name }

// ListTools lists the downstream's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.rpc(ctx, MethodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, c.parseErr(err)
	}
	return result.Tools, nil
}

// ListPrompts lists the downstream's prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	raw, err := c.rpc(ctx, MethodPromptsList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, c.parseErr(err)
	}
	return result.Prompts, nil
}

// ListResources lists the downstream's resources.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.rpc(ctx, MethodResourcesList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, c.parseErr(err)
	}
	return result.Resources, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	raw, err := c.rpc(ctx, MethodResourcesRead, ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, c.parseErr(err)
	}
	return &result, nil
}

// GetPrompt renders one prompt by name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	raw, err := c.rpc(ctx, MethodPromptsGet, GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, c.parseErr(err)
	}
	return &result, nil
}

// CallTool invokes one downstream tool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	raw, err := c.rpc(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, c.parseErr(err)
	}
	return &result, nil
}

func (c *Client) parseErr(err error) error {
	return types.NewError(types.ErrProtocol, "malformed downstream result").
		WithServer(c.name).WithCause(err)
}

// Close releases the transport; for stdio servers this terminates the
// subprocess.
func (c *Client) Close() error {
	if c.caller == nil {
		return nil
	}
	return c.caller.close()
}

// duplexCaller correlates requests and responses over a duplex transport
// via a pending-id map fed by a single reader task.
type duplexCaller struct {
	t       transport
	logger  *zap.Logger
	mu      sync.Mutex
	pending map[string]chan *Message
	done    chan struct{}
}

func newDuplexCaller(t transport, logger *zap.Logger) *duplexCaller {
	d := &duplexCaller{
		t:       t,
		logger:  logger,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d
}

func (d *duplexCaller) readLoop() {
	ctx := context.Background()
	for {
		msg, err := d.t.receive(ctx)
		if err != nil {
			if err != io.EOF {
				d.logger.Warn("downstream read failed", zap.Error(err))
			}
			d.failAll()
			return
		}
		if !msg.IsResponse() {
			// Server-initiated notifications are not routed anywhere.
			continue
		}
		key := fmt.Sprint(msg.ID)
		d.mu.Lock()
		ch, ok := d.pending[key]
		d.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// failAll unblocks every waiter after the transport dies.
func (d *duplexCaller) failAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func (d *duplexCaller) call(ctx context.Context, msg *Message) (*Message, error) {
	key := fmt.Sprint(msg.ID)
	ch := make(chan *Message, 1)
	d.mu.Lock()
	d.pending[key] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}()

	if err := d.t.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, io.ErrUnexpectedEOF
	case resp := <-ch:
		return resp, nil
	}
}

func (d *duplexCaller) notify(ctx context.Context, msg *Message) error {
	return d.t.send(ctx, msg)
}

func (d *duplexCaller) close() error {
	return d.t.close()
}

// httpCaller adapts the request-scoped streamable-HTTP transport.
type httpCaller struct {
	rt *streamableHTTP
}

func (h *httpCaller) call(ctx context.Context, msg *Message) (*Message, error) {
	resp, err := h.rt.roundTrip(ctx, msg)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("no response for request id %v", msg.ID)
	}
	return resp, nil
}

func (h *httpCaller) notify(ctx context.Context, msg *Message) error {
	_, err := h.rt.roundTrip(ctx, msg)
	return err
}

func (h *httpCaller) close() error { return nil }
