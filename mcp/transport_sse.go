package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// sseTransport speaks MCP over Server-Sent Events: a long-lived GET
// delivers server messages, and requests are POSTed to the message
// endpoint. Transient stream failures reconnect with capped exponential
// backoff until the transport is closed.
type sseTransport struct {
	eventsURL  string
	messageURL string
	headers    http.Header
	httpClient *http.Client

	events chan *Message
	cancel context.CancelFunc
	logger *zap.Logger
}

// newSSETransport opens the event stream and starts the reader task.
func newSSETransport(ctx context.Context, eventsURL, messageURL string, headers http.Header, client *http.Client, logger *zap.Logger) (*sseTransport, error) {
	if messageURL == "" {
		messageURL = eventsURL
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &sseTransport{
		eventsURL:  eventsURL,
		messageURL: messageURL,
		headers:    headers,
		httpClient: client,
		events:     make(chan *Message, 64),
		cancel:     cancel,
		logger:     logger,
	}

	body, err := t.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go t.readLoop(runCtx, body)
	return t, nil
}

// connect issues the event-stream GET.
func (t *sseTransport) connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.eventsURL, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range t.headers {
		req.Header[name] = values
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse connect: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// readLoop parses events and reconnects on transient failure.
func (t *sseTransport) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(t.events)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		t.consume(ctx, body)
		body.Close()
		if ctx.Err() != nil {
			return
		}

		// Transient disconnect: back off, then redial.
		wait := bo.NextBackOff()
		t.logger.Warn("sse stream dropped, reconnecting", zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		var err error
		body, err = t.connect(ctx)
		if err != nil {
			t.logger.Warn("sse reconnect failed", zap.Error(err))
			body = io.NopCloser(strings.NewReader(""))
			continue
		}
		bo.Reset()
	}
}

// consume reads one stream until it ends.
func (t *sseTransport) consume(ctx context.Context, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				t.dispatch(ctx, data.String())
				data.Reset()
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if data.Len() > 0 {
		t.dispatch(ctx, data.String())
	}
}

func (t *sseTransport) dispatch(ctx context.Context, data string) {
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.logger.Warn("skipping malformed sse event", zap.Error(err))
		return
	}
	select {
	case t.events <- &msg:
	case <-ctx.Done():
	}
}

// send POSTs one JSON-RPC message to the message endpoint.
func (t *sseTransport) send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messageURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for name, values := range t.headers {
		req.Header[name] = values
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sse send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// receive delivers the next server message.
func (t *sseTransport) receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-t.events:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (t *sseTransport) close() error {
	t.cancel()
	return nil
}
