// Package publish delivers extracted operations to the Connect API.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tracyhatemice/mailagent/internal/models"
)

const (
	DefaultBaseURL = "https://connectapi.feuersoftware.com"
	DefaultTimeout = 30 * time.Second

	operationPath = "/interfaces/public/operation?updateStrategy=byNumber"
)

// Publisher delivers one operation on behalf of a site.
type Publisher interface {
	Publish(ctx context.Context, op models.Operation, site models.Site) error
}

// ConnectClient posts operations to the Connect API using the site API key.
type ConnectClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewConnectClient creates a client. An empty baseURL selects DefaultBaseURL
// and a zero timeout selects DefaultTimeout.
func NewConnectClient(baseURL string, timeout time.Duration, logger *slog.Logger) *ConnectClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ConnectClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Publish sends op. A site without API key is skipped with a warning, and a
// rejected request is logged but not retried. Only transport failures are
// returned as errors.
func (c *ConnectClient) Publish(ctx context.Context, op models.Operation, site models.Site) error {
	if strings.TrimSpace(site.APIKey) == "" {
		c.logger.Warn("operation not published, site has no api key", "site", site.Name)
		return nil
	}

	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+operationPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+site.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish operation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		content, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("failed to publish operation",
			"site", site.Name,
			"status", resp.StatusCode,
			"content", string(content),
		)
		return nil
	}

	c.logger.Info("published operation",
		"site", site.Name,
		"number", op.Number,
		"keyword", op.Keyword,
		"status", resp.StatusCode,
	)
	return nil
}
