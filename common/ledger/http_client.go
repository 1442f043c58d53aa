package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/models"
)

// Logger interface for wallet client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient talks to the wallet daemon's REST API
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  Logger
}

// NewHTTPClient creates a wallet daemon client
func NewHTTPClient(baseURL string, timeout time.Duration, logger Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CreateAddress derives a fresh address for the user
func (c *HTTPClient) CreateAddress(ctx context.Context, userID uuid.UUID) (*Address, error) {
	payload := map[string]string{"user_id": userID.String()}

	var addr Address
	if err := c.post(ctx, "/v1/addresses", payload, &addr); err != nil {
		return nil, fmt.Errorf("create address for user %s: %w", userID, err)
	}

	c.logger.Debug("derived address", "user_id", userID, "address", addr.Address)
	return &addr, nil
}

// BuildTransaction builds a transaction and returns its handle
func (c *HTTPClient) BuildTransaction(ctx context.Context, req *BuildRequest) (string, error) {
	var resp struct {
		Handle string `json:"handle"`
	}
	if err := c.post(ctx, "/v1/transactions", req, &resp); err != nil {
		return "", fmt.Errorf("build %s transaction: %w", req.Kind, err)
	}

	c.logger.Debug("built transaction",
		"kind", req.Kind,
		"from", req.FromAddress,
		"to", req.ToAddress,
		"handle", resp.Handle)
	return resp.Handle, nil
}

// Broadcast submits a built transaction
func (c *HTTPClient) Broadcast(ctx context.Context, handle string) error {
	if err := c.post(ctx, fmt.Sprintf("/v1/transactions/%s/broadcast", handle), nil, nil); err != nil {
		return fmt.Errorf("broadcast transaction %s: %w", handle, err)
	}

	c.logger.Info("broadcast transaction", "handle", handle)
	return nil
}

// PollConfirmation reports the settlement state of a transaction
func (c *HTTPClient) PollConfirmation(ctx context.Context, handle string) (*Confirmation, error) {
	url := fmt.Sprintf("%s/v1/transactions/%s", c.baseURL, handle)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll transaction %s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("poll transaction %s: status %d: %s", handle, resp.StatusCode, string(body))
	}

	var conf Confirmation
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return nil, fmt.Errorf("decode confirmation for %s: %w", handle, err)
	}

	if conf.Status == "" {
		conf.Status = models.TxBroadcast
	}

	return &conf, nil
}

// post sends a JSON POST request and decodes the response into out (if
// out is non-nil)
func (c *HTTPClient) post(ctx context.Context, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
