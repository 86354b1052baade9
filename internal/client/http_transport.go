// Package client provides the HTTP transport a device uses to reach the
// sync API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/orchestrator"
	"github.com/fieldsync/fieldsync/internal/syncmodel"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

var (
	ErrInvalidTransportConfig = errors.New("client: invalid transport config")

	errMissingBaseURL = errors.New("base url must not be empty")
)

// HTTPTransportConfig bundles configuration required to instantiate an HTTPTransport.
type HTTPTransportConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPTransport implements orchestrator.Transport over the JSON API.
type HTTPTransport struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ orchestrator.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport constructs a transport with validated configuration.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransportConfig, errMissingBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPTransport{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type pushRequest struct {
	DeviceID string                   `json:"device_id,omitempty"`
	Changes  []syncmodel.ChangeRecord `json:"changes"`
}

type apiError struct {
	Code string `json:"error"`
}

// StatusError reports a non-success HTTP response together with the error
// code the server returned.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("sync api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("sync api returned status %d: %s", e.StatusCode, e.Code)
}

// Handshake calls GET /sync/handshake.
func (t *HTTPTransport) Handshake(ctx context.Context, lastCursor string) (syncmodel.HandshakeResult, error) {
	query := url.Values{}
	if lastCursor != "" {
		query.Set("cursor", lastCursor)
	}

	var result syncmodel.HandshakeResult
	if err := t.doJSON(ctx, http.MethodGet, "/sync/handshake", query, nil, &result); err != nil {
		return syncmodel.HandshakeResult{}, err
	}
	return result, nil
}

// Push calls POST /sync/push with one batch of queued changes.
func (t *HTTPTransport) Push(ctx context.Context, deviceID string, batch []syncmodel.ChangeRecord) (syncmodel.PushResult, error) {
	body := pushRequest{DeviceID: deviceID, Changes: batch}

	var result syncmodel.PushResult
	if err := t.doJSON(ctx, http.MethodPost, "/sync/push", nil, body, &result); err != nil {
		return syncmodel.PushResult{}, err
	}
	return result, nil
}

// Pull calls GET /sync/pull for one page of entity states.
func (t *HTTPTransport) Pull(ctx context.Context, sinceCursor string, limit int) (syncmodel.PullResult, error) {
	query := url.Values{}
	if sinceCursor != "" {
		query.Set("cursor", sinceCursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var result syncmodel.PullResult
	if err := t.doJSON(ctx, http.MethodGet, "/sync/pull", query, nil, &result); err != nil {
		return syncmodel.PullResult{}, err
	}
	return result, nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	endpoint := t.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	response, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: response.StatusCode}
		var payload apiError
		if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr == nil {
			statusErr.Code = payload.Code
		}
		t.logger.Debug("sync request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("code", statusErr.Code),
		)
		return statusErr
	}

	return json.NewDecoder(response.Body).Decode(out)
}
