package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/indexnow-engine/internal/circuitbreaker"
	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// RankClient looks up keyword positions from the rank-data API
type RankClient struct {
	api *apiClient
}

// rankResponse is the rank-data API payload; a null position means not ranked
type rankResponse struct {
	Position  *int       `json:"position"`
	URL       string     `json:"url"`
	CheckedAt *time.Time `json:"checkedAt,omitempty"`
}

// NewRankClient creates a new rank-data API client
func NewRankClient(cfg *ClientConfig) (*RankClient, error) {
	api, err := newAPIClient(string(types.ProviderRank), cfg)
	if err != nil {
		return nil, err
	}
	return &RankClient{api: api}, nil
}

// CheckRank fetches the current position of query.Domain for query.Keyword
func (c *RankClient) CheckRank(ctx context.Context, query models.RankQuery, cred *models.Credential) (*models.RankResult, error) {
	if cred == nil {
		return nil, fmt.Errorf("credential is required")
	}

	params := url.Values{}
	params.Set("keyword", query.Keyword)
	params.Set("domain", query.Domain)
	params.Set("device", string(query.Device))
	params.Set("country", query.CountryCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.api.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", cred.Secret)
	req.Header.Set("Accept", "application/json")

	body, err := c.api.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp rankResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewProviderError(c.api.provider, http.StatusOK, "malformed response: "+errorSnippet(body))
	}
	if resp.Position != nil && *resp.Position < 1 {
		resp.Position = nil
	}

	result := &models.RankResult{
		Keyword:     query.Keyword,
		Domain:      query.Domain,
		Device:      query.Device,
		CountryCode: query.CountryCode,
		Position:    resp.Position,
		RankedURL:   resp.URL,
	}
	if resp.CheckedAt != nil {
		result.CheckedAt = resp.CheckedAt.UTC()
	}
	return result, nil
}

// BreakerStats reports the state of the client's circuit breaker
func (c *RankClient) BreakerStats() circuitbreaker.Stats {
	return c.api.breaker.GetStats()
}
