package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	marketFeedDefaultTimeout = 10 * time.Second
	quoteCacheSize           = 4096
)

// PriceQuote is a current market price for a card as reported by the feed.
type PriceQuote struct {
	CardID string          `json:"card_id"`
	Amount decimal.Decimal `json:"amount"`
	AsOf   time.Time       `json:"as_of"`
}

// PriceSource is the card-price lookup contract consumed by the orchestrator.
// Failures map to ErrSourceUnavailable or ErrInvalidPrice.
type PriceSource interface {
	GetCardPrice(ctx context.Context, cardID string) (PriceQuote, error)
}

// MarketFeedService fetches card prices from the market feed API.
// It paces requests with a token-bucket limiter, enforces a daily request
// quota, and caches recent quotes so ad-hoc lookups (card adds, manual
// refreshes) don't burn quota on cards priced moments ago.
type MarketFeedService struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	limiter    *rate.Limiter
	cache      *expirable.LRU[string, PriceQuote]
	dailyLimit int

	// Quota bookkeeping, reset at midnight
	mu             sync.Mutex
	requestsToday  int
	lastRequestDay time.Time
}

type marketFeedPriceResponse struct {
	Success bool                `json:"success"`
	Data    marketFeedPriceData `json:"data"`
	Error   string              `json:"error,omitempty"`
}

type marketFeedPriceData struct {
	CardID string `json:"card_id"`
	Name   string `json:"name"`
	Amount string `json:"amount"`
	AsOf   string `json:"as_of"`
}

// NewMarketFeedService creates a feed client. requestsPerSecond bounds the
// steady request rate; dailyLimit bounds total requests per day.
func NewMarketFeedService(baseURL, apiKey string, timeout time.Duration, requestsPerSecond float64, dailyLimit int, cacheTTL time.Duration) *MarketFeedService {
	if timeout <= 0 {
		timeout = marketFeedDefaultTimeout
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if dailyLimit <= 0 {
		dailyLimit = 5000
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	return &MarketFeedService{
		client:     &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		cache:      expirable.NewLRU[string, PriceQuote](quoteCacheSize, nil, cacheTTL),
		dailyLimit: dailyLimit,
	}
}

// checkQuota consumes one request from today's quota.
// Returns false when the quota is exhausted.
func (s *MarketFeedService) checkQuota() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if s.lastRequestDay.Before(today) {
		s.requestsToday = 0
		s.lastRequestDay = today
	}

	if s.requestsToday >= s.dailyLimit {
		return false
	}

	s.requestsToday++
	return true
}

// GetRequestsRemaining returns the number of feed requests remaining today.
func (s *MarketFeedService) GetRequestsRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if s.lastRequestDay.Before(today) {
		return s.dailyLimit
	}

	remaining := s.dailyLimit - s.requestsToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetDailyLimit returns the configured daily request limit.
func (s *MarketFeedService) GetDailyLimit() int {
	return s.dailyLimit
}

// GetResetTime returns the next quota reset (midnight local time).
func (s *MarketFeedService) GetResetTime() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
}

// GetCardPrice fetches the current market price for a card. The caller's
// context bounds the wait; a cached quote short-circuits the request.
func (s *MarketFeedService) GetCardPrice(ctx context.Context, cardID string) (PriceQuote, error) {
	if quote, ok := s.cache.Get(cardID); ok {
		return quote, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return PriceQuote{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	if !s.checkQuota() {
		return PriceQuote{}, fmt.Errorf("%w: daily quota exhausted, resets %s",
			ErrSourceUnavailable, s.GetResetTime().Format("15:04"))
	}

	reqURL := fmt.Sprintf("%s/cards/%s/price", s.baseURL, url.PathEscape(cardID))

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return PriceQuote{}, fmt.Errorf("%w: card %s not found", ErrSourceUnavailable, cardID)
	case resp.StatusCode == http.StatusTooManyRequests:
		return PriceQuote{}, fmt.Errorf("%w: feed rate limit hit", ErrSourceUnavailable)
	case resp.StatusCode != http.StatusOK:
		return PriceQuote{}, fmt.Errorf("%w: feed returned status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	var priceResp marketFeedPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&priceResp); err != nil {
		return PriceQuote{}, fmt.Errorf("%w: failed to decode response: %v", ErrSourceUnavailable, err)
	}

	if !priceResp.Success {
		if priceResp.Error != "" {
			return PriceQuote{}, fmt.Errorf("%w: %s", ErrSourceUnavailable, priceResp.Error)
		}
		return PriceQuote{}, fmt.Errorf("%w: unsuccessful response", ErrSourceUnavailable)
	}

	quote, err := parseQuote(cardID, priceResp.Data)
	if err != nil {
		return PriceQuote{}, err
	}

	s.cache.Add(cardID, quote)
	return quote, nil
}

// parseQuote validates the feed payload. Non-numeric or negative amounts are
// InvalidPrice: the card is skipped for the run, not retried.
func parseQuote(cardID string, data marketFeedPriceData) (PriceQuote, error) {
	amount, err := decimal.NewFromString(data.Amount)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("%w: unparseable amount %q for card %s", ErrInvalidPrice, data.Amount, cardID)
	}
	if amount.IsNegative() {
		return PriceQuote{}, fmt.Errorf("%w: negative amount %s for card %s", ErrInvalidPrice, data.Amount, cardID)
	}

	asOf := time.Now()
	if data.AsOf != "" {
		if parsed, err := time.Parse(time.RFC3339, data.AsOf); err == nil {
			asOf = parsed
		}
	}

	return PriceQuote{CardID: cardID, Amount: amount, AsOf: asOf}, nil
}

// IsSourceError reports whether an error is a per-card feed failure that
// should skip the card rather than fail the run.
func IsSourceError(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrInvalidPrice)
}
