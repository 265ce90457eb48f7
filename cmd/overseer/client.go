package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/basket/overseer/internal/bus"
)

// apiClient talks to a running daemon.
type apiClient struct {
	base   string
	apiKey string
	owner  string
	http   *http.Client
}

type clientFlags struct {
	server string
	apiKey string
}

// newAPIClient resolves the server URL from the flag, falling back to the
// configured bind address. The API key comes from the flag or
// OVERSEER_API_KEY.
func newAPIClient(g *globalFlags, f clientFlags) (*apiClient, error) {
	server := strings.TrimSpace(f.server)
	if server == "" {
		cfg, err := loadConfig(g)
		if err != nil {
			return nil, err
		}
		server = cfg.BindAddr
	}
	key := f.apiKey
	if key == "" {
		key = os.Getenv("OVERSEER_API_KEY")
	}
	return &apiClient{base: serverURL(server), apiKey: key, owner: g.owner, http: http.DefaultClient}, nil
}

// serverURL turns a bind address or URL into a base URL.
func serverURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else if c.owner != "" {
		// Only honoured when the daemon runs without auth.
		req.Header.Set("X-Owner-ID", c.owner)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &apiError{Status: resp.StatusCode, Message: body.Error}
}

// follow reads a run's server-sent event stream and calls fn per event
// until the stream ends.
func (c *apiClient) follow(ctx context.Context, path string, afterSeq uint64, fn func(bus.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if afterSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(afterSeq, 10))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return readSSE(resp.Body, fn)
}

// readSSE decodes "data:" frames holding JSON events. Comment lines and
// unknown fields are ignored.
func readSSE(r io.Reader, fn func(bus.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev bus.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}
