package zapper

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
	"strconv"
	"strings"
	"time"
)

// RemoteError is an error reported by the zapper service.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("zapper %s: %s", e.Method, e.Message)
}

// Client talks to the RPC service on a zapper control host.
type Client struct {
	base       string
	httpClient *http.Client
}

// NewClient returns a client for host:port whose calls time out after
// timeout, or RequestTimeout when timeout is not positive.
func NewClient(host string, port int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	return &Client{
		base:       "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type request struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// Call invokes method and returns its result. Log lines streamed by the
// service are written to out as they arrive.
func (c *Client) Call(ctx context.Context, method string, args []any, kwargs map[string]any, out io.Writer) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if out == nil {
		out = io.Discard
	}

	body, err := json.Marshal(request{Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rpc/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("call %s: unexpected status %s: %s", method, resp.Status, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("call %s: malformed message %q: %w", method, line, err)
		}

		if raw, ok := msg["log"]; ok {
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				return nil, fmt.Errorf("call %s: malformed log message: %w", method, err)
			}
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			if _, err := io.WriteString(out, text); err != nil {
				return nil, fmt.Errorf("call %s: write log: %w", method, err)
			}
		}

		if raw, ok := msg["error"]; ok {
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				text = string(raw)
			}
			return nil, &RemoteError{Method: method, Message: text}
		}

		if raw, ok := msg["result"]; ok {
			return raw, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return nil, fmt.Errorf("call %s: %w", method, io.ErrUnexpectedEOF)
}

// Provision runs the named remote provisioner.
func (c *Client) Provision(ctx context.Context, provisioner string, args []any, kwargs map[string]any, out io.Writer) (json.RawMessage, error) {
	if provisioner == "" {
		return nil, errors.New("provisioner name is required")
	}
	return c.Call(ctx, "provision", append([]any{provisioner}, args...), kwargs, out)
}

// TypecMuxSetState switches the Type-C mux on the control host.
func (c *Client) TypecMuxSetState(ctx context.Context, state int) error {
	_, err := c.Call(ctx, "typecmux_set_state", []any{state}, nil, nil)
	return err
}
