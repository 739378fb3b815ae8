// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/bureau-foundation/e2ee/lib/secret"
)

// maxResponseSize bounds response body reads. Key query responses for
// large rooms are the biggest the client sees, and they stay far below
// this.
const maxResponseSize int64 = 64 << 20

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver (e.g., "http://localhost:6167").
	HomeserverURL string
	// AccessToken authenticates every request. The Client takes
	// ownership and closes it in Close.
	AccessToken *secret.Buffer
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, logs are discarded.
	Logger *slog.Logger
}

// Client is an authenticated Matrix client limited to the end-to-end
// encryption endpoints: key upload, key query, key claim and
// send-to-device.
type Client struct {
	baseURL     string
	accessToken *secret.Buffer
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a new Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}

	// Request URLs are built by concatenation; parsing here only
	// rejects structurally invalid base URLs up front.
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must use http or https", config.HomeserverURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL:     strings.TrimRight(config.HomeserverURL, "/"),
		accessToken: config.AccessToken,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Close releases the access token memory. Idempotent.
func (c *Client) Close() error {
	if c.accessToken != nil {
		return c.accessToken.Close()
	}
	return nil
}

// UploadKeys publishes device keys, one-time keys and fallback keys
// for the local device and returns the server's remaining one-time
// key counts per algorithm.
func (c *Client) UploadKeys(ctx context.Context, request UploadKeysRequest) (*UploadKeysResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys upload failed: %w", err)
	}

	var response UploadKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys upload response: %w", err)
	}
	return &response, nil
}

// QueryKeys fetches the current device keys for a set of users. Device
// key documents are returned unparsed so signatures can be checked
// against the exact bytes the server returned.
func (c *Client) QueryKeys(ctx context.Context, request QueryKeysRequest) (*QueryKeysResponse, error) {
	if len(request.DeviceKeys) == 0 {
		return nil, fmt.Errorf("messaging: keys query needs at least one user")
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys query failed: %w", err)
	}

	var response QueryKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys query response: %w", err)
	}
	return &response, nil
}

// ClaimKeys claims one one-time key (or the fallback key, when the
// device has run out) per requested device.
func (c *Client) ClaimKeys(ctx context.Context, request ClaimKeysRequest) (*ClaimKeysResponse, error) {
	if len(request.OneTimeKeys) == 0 {
		return nil, fmt.Errorf("messaging: keys claim needs at least one device")
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys claim failed: %w", err)
	}

	var response ClaimKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys claim response: %w", err)
	}
	return &response, nil
}

// SendToDevice delivers one event per listed device. Each call uses a
// fresh ULID transaction ID, so a retried call is a new send.
func (c *Client) SendToDevice(ctx context.Context, request SendToDeviceRequest) error {
	if request.EventType == "" {
		return fmt.Errorf("messaging: send to device needs an event type")
	}
	if len(request.Messages) == 0 {
		return nil
	}

	transactionID := ulid.Make().String()
	path := "/_matrix/client/v3/sendToDevice/" + url.PathEscape(string(request.EventType)) +
		"/" + url.PathEscape(transactionID)

	devices := 0
	for _, perDevice := range request.Messages {
		devices += len(perDevice)
	}
	c.logger.Debug("sending to-device events",
		"event_type", request.EventType,
		"transaction_id", transactionID,
		"devices", devices,
	)

	body := struct {
		Messages any `json:"messages"`
	}{Messages: request.Messages}
	if _, err := c.doRequest(ctx, http.MethodPut, path, body); err != nil {
		return fmt.Errorf("messaging: send %s to %d devices failed: %w", request.EventType, devices, err)
	}
	return nil
}

// doRequest performs an HTTP request with JSON body and returns the
// response body. Non-2xx responses are returned as *MatrixError.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	requestURL := c.baseURL + path

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}

	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != nil {
		request.Header.Set("Authorization", "Bearer "+c.accessToken.String())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All Matrix error responses use the same JSON shape.
	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}
