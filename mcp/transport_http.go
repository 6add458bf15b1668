package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// errHTTPNotSupported signals that the endpoint rejected a streamable-HTTP
// POST outright; the client falls back to the SSE transport.
type errHTTPNotSupported struct{ status int }

func (e *errHTTPNotSupported) Error() string {
	return fmt.Sprintf("streamable-http rejected with status %d", e.status)
}

// streamableHTTP issues one POST per JSON-RPC request. The response is
// either a single JSON body or an SSE stream carrying the response plus
// optional notifications; both shapes resolve to the matching message.
type streamableHTTP struct {
	url        string
	headers    http.Header
	httpClient *http.Client
	logger     *zap.Logger
}

func newStreamableHTTP(url string, headers http.Header, client *http.Client, logger *zap.Logger) *streamableHTTP {
	return &streamableHTTP{url: url, headers: headers, httpClient: client, logger: logger}
}

// roundTrip POSTs the request and resolves its response message.
// Notifications arriving on an SSE response are logged and dropped.
func (t *streamableHTTP) roundTrip(ctx context.Context, msg *Message) (*Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, values := range t.headers {
		req.Header[name] = values
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return nil, &errHTTPNotSupported{status: resp.StatusCode}
	case resp.StatusCode == http.StatusAccepted:
		// Notifications are accepted with no body.
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return t.resolveFromStream(ctx, resp, msg.ID)
	}

	var out Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// resolveFromStream scans the SSE body for the response matching id.
func (t *streamableHTTP) resolveFromStream(ctx context.Context, resp *http.Response, id any) (*Message, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
				t.logger.Warn("skipping malformed stream event", zap.Error(err))
				data.Reset()
				continue
			}
			data.Reset()
			if msg.IsResponse() && idEqual(msg.ID, id) {
				return &msg, nil
			}
			// Server notifications accompanying the response are dropped.
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream ended without a response for id %v", id)
}

// idEqual compares JSON-RPC ids across the numeric re-typing JSON decoding
// introduces (int64 sent, float64 received).
func idEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
