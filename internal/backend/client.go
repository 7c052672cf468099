// Package backend talks to the SafeSurf classification service: the two
// per-navigation checks and the account endpoints that produce a session.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/config"
)

// Endpoint paths relative to the configured base URL.
const (
	PathCheckURL         = "/api/check-url/"
	PathRedirectAnalyzer = "/api/redirect-analyzer/"
	PathSendOTP          = "/api/send-otp/"
	PathVerifyOTP        = "/api/verify-otp/"
	PathRegister         = "/api/register/"
	PathLogin            = "/api/login/"
	PathLogout           = "/api/logout/"
)

// maxResponseBytes caps how much of a reply is read.
const maxResponseBytes = 1 << 20

// APIError is a call that reached the backend but did not succeed: a non-2xx
// status or a reply that could not be decoded. StatusCode is always the reply's
// status, so it is 2xx for the latter.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

// Error returns Message alone; it is shown to the user verbatim.
func (e *APIError) Error() string {
	return e.Message
}

// Client is the shared HTTP plumbing for ThreatClient and AuthClient.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a Client from the backend section of the config.
func NewClient(cfg config.BackendConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewClientWithHTTP(cfg.BaseURL, NewHTTPClient(cfg, logger), logger)
}

// NewClientWithHTTP lets tests point the client at an httptest server.
func NewClientWithHTTP(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.Named("backend"),
	}
}

// postJSON sends body to path and decodes a 2xx reply into out (which may be nil).
// fallback is the user facing message used when the backend gives none.
func (c *Client) postJSON(ctx context.Context, path, token string, body, out interface{}, fallback string) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request for %s: %w", path, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading reply from %s: %w", path, err)
	}

	c.logger.Debug("Backend reply",
		zap.String("endpoint", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Endpoint: path, StatusCode: resp.StatusCode, Message: errorMessage(data, fallback)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("Malformed backend reply", zap.String("endpoint", path), zap.Error(err))
		return &APIError{Endpoint: path, StatusCode: resp.StatusCode, Message: fallback}
	}
	return nil
}

// errorMessage pulls the user facing text out of an error reply. The service
// answers {"error": "..."} for its own failures and {"field": ["..."]} for
// validation failures.
func errorMessage(data []byte, fallback string) string {
	var generic map[string]interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return fallback
	}
	if msg, ok := generic["error"].(string); ok && msg != "" {
		return msg
	}
	if msg, ok := generic["detail"].(string); ok && msg != "" {
		return msg
	}

	fields := make([]string, 0, len(generic))
	for k := range generic {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if list, ok := generic[field].([]interface{}); ok && len(list) > 0 {
			if first, ok := list[0].(string); ok {
				return field + ": " + first
			}
		}
	}
	return fallback
}

// IsAPIError reports whether err carries a backend reply, returning it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
