package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const listingsPath = "/listings"

// ProviderOptions parameterise the scraping provider client.
type ProviderOptions struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// Provider fetches listings over the scraping provider's HTTP API.
type Provider struct {
	opts    ProviderOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewProvider constructs a scraping provider client.
func NewProvider(opts ProviderOptions, logger zerolog.Logger) *Provider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.scrapeup.io/v1"
	}

	return &Provider{
		opts:    opts,
		logger:  logger.With().Str("component", "listing_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Fetch retrieves one listing. A 404 maps to ErrNotFound; timeouts, 429, and
// 5xx map to TransientError so the orchestrator can retry.
func (p *Provider) Fetch(ctx context.Context, asin, marketplace string) (*Listing, error) {
	if asin == "" {
		return nil, errors.New("asin is required")
	}
	if marketplace == "" {
		return nil, errors.New("marketplace is required")
	}

	endpoint := fmt.Sprintf("%s%s/%s/%s", p.baseURL, listingsPath,
		url.PathEscape(marketplace), url.PathEscape(asin))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", p.opts.APIKey)
	}
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "amazcope/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Status: resp.StatusCode, Err: parseHTTPError(resp.StatusCode, payloadBytes)}
	default:
		return nil, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var res listingResponse
	if err := json.Unmarshal(payloadBytes, &res); err != nil {
		return nil, fmt.Errorf("decode listing payload: %w", err)
	}

	listing := &Listing{
		ASIN:         asin,
		Marketplace:  marketplace,
		Title:        res.Title,
		Price:        res.Price,
		Currency:     res.Currency,
		Rating:       res.Rating,
		Rank:         res.CategoryRank,
		ReviewCount:  res.ReviewCount,
		InStock:      res.InStock,
		Availability: res.Availability,
		Raw:          json.RawMessage(payloadBytes),
		FetchedAt:    time.Now().UTC(),
	}

	p.logger.Debug().Str("asin", asin).Str("marketplace", marketplace).Msg("listing fetched")
	return listing, nil
}

type listingResponse struct {
	ASIN         string   `json:"asin"`
	Title        string   `json:"title"`
	Price        *float64 `json:"price"`
	Currency     *string  `json:"currency"`
	Rating       *float64 `json:"rating"`
	CategoryRank *int64   `json:"category_rank"`
	ReviewCount  *int64   `json:"review_count"`
	InStock      *bool    `json:"in_stock"`
	Availability string   `json:"availability"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("provider error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("provider error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("provider error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("provider error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("provider error (%d)", status)
}

var _ ListingFetcher = (*Provider)(nil)
