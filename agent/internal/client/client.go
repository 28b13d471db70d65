// Package client provides the controller API client for agents.
//
// # Operations
//
// - Ping: Reachability check
// - Connect: Register the device and obtain a client ID
// - Heartbeat: Periodic status report; the reply may carry a probe instruction
// - UploadSession: Deliver a sealed session summary
//
// Every failure is returned as *Error. The client never retries; retry policy
// belongs to the session driver and the shipper.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// Client communicates with the controller.
type Client struct {
	baseURL         string
	host            string
	httpClient      *http.Client
	appVersion      string
	compressUploads bool
	networkCheck    func(host string) error
}

// Config for the client.
type Config struct {
	BaseURL            string        // Controller root, with or without the /api suffix
	AppVersion         string        // Reported in connect and User-Agent
	ConnectTimeout     time.Duration // Dial timeout (default 15s)
	RequestTimeout     time.Duration // Whole-request timeout (default 30s)
	CompressUploads    bool          // gzip upload-session bodies
	InsecureSkipVerify bool
	HTTPClient         *http.Client            // Overrides the timeouts above (optional)
	NetworkCheck       func(host string) error // Fast-fail check (default HasUsableInterface)
}

// NewClient creates a new controller client.
func NewClient(cfg Config) (*Client, error) {
	base, host, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		}
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		}
	}
	if cfg.NetworkCheck == nil {
		cfg.NetworkCheck = HasUsableInterface
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "dev"
	}

	return &Client{
		baseURL:         base,
		host:            host,
		httpClient:      cfg.HTTPClient,
		appVersion:      cfg.AppVersion,
		compressUploads: cfg.CompressUploads,
		networkCheck:    cfg.NetworkCheck,
	}, nil
}

func normalizeBaseURL(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parsing controller url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("controller url must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("controller url has no host: %q", raw)
	}
	base := strings.TrimRight(u.String(), "/")
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}
	return base, u.Hostname(), nil
}

// BaseURL returns the API root all paths are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AppVersion returns the version reported to the controller.
func (c *Client) AppVersion() string {
	return c.appVersion
}

// Ping tests connectivity to the controller.
func (c *Client) Ping(ctx context.Context) (*types.PingResponse, error) {
	var result types.PingResponse
	if err := c.do(ctx, http.MethodGet, "/ping", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Connect registers the device. A successful connect invalidates any client
// ID from an earlier one.
func (c *Client) Connect(ctx context.Context, req types.ConnectRequest) (*types.ConnectResponse, error) {
	if req.AppVersion == "" {
		req.AppVersion = c.appVersion
	}
	var result types.ConnectResponse
	if err := c.do(ctx, http.MethodPost, "/connect", req, &result); err != nil {
		return nil, err
	}
	if result.ClientID == "" {
		return nil, protocolError(http.StatusOK, "connect response has no client_id", nil)
	}
	return &result, nil
}

// Heartbeat reports status. It returns the instruction carried in the reply,
// or nil when the controller says to stand by.
func (c *Client) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (*types.ProbeInstruction, error) {
	req.RequestInstructions = true

	var result types.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/heartbeat", req, &result); err != nil {
		return nil, err
	}

	instr, err := result.Instruction()
	if err != nil {
		return nil, protocolError(http.StatusOK, "invalid instruction", err)
	}
	return instr, nil
}

// UploadSession delivers a sealed summary.
func (c *Client) UploadSession(ctx context.Context, clientID string, summary *types.SessionSummary) error {
	req := types.UploadSessionRequest{ClientID: clientID, SessionSummary: summary}
	var result types.UploadSessionResponse
	return c.do(ctx, http.MethodPost, "/upload-session", req, &result)
}

// do performs a JSON round trip, mapping every failure to *Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.networkCheck(c.host); err != nil {
		return &Error{Kind: KindNoNetwork, Message: err.Error(), Err: err}
	}

	var bodyReader io.Reader
	gzipped := false
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return protocolError(0, "marshaling request", err)
		}
		if c.compressUploads && path == "/upload-session" {
			data, err = gzipBytes(data)
			if err != nil {
				return protocolError(0, "compressing request", err)
			}
			gzipped = true
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return protocolError(0, "creating request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pingrelay-agent/"+c.appVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.readError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return protocolError(resp.StatusCode, "decoding response", err)
	}
	return nil
}

// readError extracts an error message from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return protocolError(resp.StatusCode, msg, nil)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
