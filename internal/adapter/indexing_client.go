package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/indexnow-engine/internal/circuitbreaker"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// NotificationTypeUpdated asks the indexing API to (re)crawl a URL
const NotificationTypeUpdated = "URL_UPDATED"

// IndexingClient submits URLs to the external indexing API
type IndexingClient struct {
	api *apiClient
}

type indexingRequest struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// NewIndexingClient creates a new indexing API client
func NewIndexingClient(cfg *ClientConfig) (*IndexingClient, error) {
	api, err := newAPIClient(string(types.ProviderIndexing), cfg)
	if err != nil {
		return nil, err
	}
	return &IndexingClient{api: api}, nil
}

// Submit sends one URL using the credential's secret as bearer token
func (c *IndexingClient) Submit(ctx context.Context, url string, cred *models.Credential) error {
	if cred == nil {
		return fmt.Errorf("credential is required")
	}

	payload, err := json.Marshal(indexingRequest{URL: url, Type: NotificationTypeUpdated})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Secret)

	_, err = c.api.do(ctx, req)
	return err
}

// BreakerStats reports the state of the client's circuit breaker
func (c *IndexingClient) BreakerStats() circuitbreaker.Stats {
	return c.api.breaker.GetStats()
}
