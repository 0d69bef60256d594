package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// ErrUnauthorized is returned when the server rejects the session key.
var ErrUnauthorized = fmt.Errorf("control channel rejected session key")

// Client is the driver-side end of the control channel. It dials the unix
// socket named by the adapter and authenticates every request with the
// session key taken from the environment.
type Client struct {
	httpClient *http.Client
	key        string
}

// Dial connects to the control channel at the given socket path. The session
// key is read from SessionKeyEnv; a missing variable is not an immediate
// error, the server will reject the first request instead.
func Dial(socketPath string) *Client {
	return DialWithKey(socketPath, os.Getenv(SessionKeyEnv))
}

// DialWithKey is Dial with an explicit session key, for callers that manage
// the environment themselves.
func DialWithKey(socketPath, sessionKey string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: 10 * time.Second},
		key:        sessionKey,
	}
}

// FetchExtraArguments retrieves the backend-specific sensitive arguments for
// this driver invocation. Called once, early in driver startup.
func (c *Client) FetchExtraArguments(ctx context.Context) ([]string, error) {
	resp, err := c.post(ctx, "/v1/arguments", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var payload argumentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("malformed extra arguments payload: %w", err)
	}
	return payload.Arguments, nil
}

// ReportResult records the driver's terminal result with the adapter. The
// server accepts exactly one result per session.
func (c *Client) ReportResult(ctx context.Context, result Result) error {
	resp, err := c.post(ctx, "/v1/result", result)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

// Log forwards one driver log line to the adapter. Best effort: log delivery
// must never take the console down, so all errors are swallowed.
func (c *Client) Log(level, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.post(ctx, "/v1/log", logEntry{Level: level, Message: message})
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode control request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	// The host is irrelevant, the transport always dials the unix socket.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://control"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control channel request failed: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("control channel returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
