package cnwlicense

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "cnw-license-client-go/1.0"
	maxResponseBytes = 1 << 20 // 1 MB
)

// OnlineClient communicates with the CNW License Server HTTP API.
type OnlineClient struct {
	serverURL   string
	apiKey      string
	httpClient  *http.Client
	timeout     time.Duration // applied after all options
	userAgent   string
	fingerprint string
}

// NewOnlineClient creates a new client for the CNW License Server.
// serverURL is the base URL (e.g. "https://license.example.com").
// apiKey is sent as X-API-Key when not empty; the license holder endpoints
// do not require it.
func NewOnlineClient(serverURL, apiKey string, opts ...ClientOption) *OnlineClient {
	c := &OnlineClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiKey:    apiKey,
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.httpClient.Timeout = c.timeout
	return c
}

// Fingerprint returns the fingerprint configured via WithFingerprint.
// Returns an empty string if no fingerprint was set.
func (c *OnlineClient) Fingerprint() string {
	return c.fingerprint
}

func (c *OnlineClient) withFingerprint(fp string) string {
	if fp == "" {
		return c.fingerprint
	}
	return fp
}

// Validate checks whether a license key is valid. An unknown key is not an
// error: the response has Found == false and Reason "not_found".
// If req.Fingerprint is empty the client-level fingerprint is used.
func (c *OnlineClient) Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	req.Fingerprint = c.withFingerprint(req.Fingerprint)
	var resp ValidateResponse
	if err := c.doJSON(ctx, "/v1/validate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Activate registers this machine against a license key.
// If req.Fingerprint is empty the client-level fingerprint is used.
func (c *OnlineClient) Activate(ctx context.Context, req ActivateRequest) (*ActivateResponse, error) {
	req.Fingerprint = c.withFingerprint(req.Fingerprint)
	var wrapper struct {
		Data ActivateResponse `json:"data"`
	}
	if err := c.doJSON(ctx, "/v1/activate", req, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Data, nil
}

// Deactivate releases this machine's activation. Releasing a machine that
// is not activated returns ErrNotActivated.
func (c *OnlineClient) Deactivate(ctx context.Context, req DeactivateRequest) (*DeactivateResponse, error) {
	req.Fingerprint = c.withFingerprint(req.Fingerprint)
	var wrapper struct {
		Data DeactivateResponse `json:"data"`
	}
	if err := c.doJSON(ctx, "/v1/deactivate", req, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Data, nil
}

// Heartbeat reports that this machine is still using its activation.
func (c *OnlineClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (*Activation, error) {
	req.Fingerprint = c.withFingerprint(req.Fingerprint)
	var wrapper struct {
		Data Activation `json:"data"`
	}
	if err := c.doJSON(ctx, "/v1/heartbeat", req, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Data, nil
}

// doJSON performs a POST request with JSON body and decodes the response into dest.
// On non-2xx responses, it parses the server error format and returns a mapped error.
func (c *OnlineClient) doJSON(ctx context.Context, path string, body, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.parseError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseError parses the server error response format:
// {"error": {"code": "...", "message": "..."}}
func (c *OnlineClient) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Code == "" {
		code := "UNKNOWN"
		if statusCode >= http.StatusInternalServerError {
			code = "UNAVAILABLE"
		}
		return mapServerError(&ServerError{
			StatusCode: statusCode,
			Code:       code,
			Message:    string(body),
		})
	}
	return mapServerError(&ServerError{
		StatusCode: statusCode,
		Code:       errResp.Error.Code,
		Message:    errResp.Error.Message,
	})
}
