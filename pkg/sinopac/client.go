// Package sinopac is a REST client for a shioaji-style history-data bridge
// serving TAIFEX minute bars.
package sinopac

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"kbarstore/internal/market"
)

type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	loc        *time.Location
	httpClient *http.Client

	// client-side spacing between calls; the bridge rate-limits hard
	minGap      time.Duration
	mu          sync.Mutex
	lastRequest time.Time
}

func NewClient(baseURL string, apiKey, secretKey string, loc *time.Location, timeout, minGap time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secretKey:  secretKey,
		loc:        loc,
		minGap:     minGap,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// FetchBars returns the stored contract's 1-minute bars covering the
// calendar dates [start, end], both inclusive in exchange-local terms.
// Naive timestamps from the bridge are interpreted as exchange-local time.
func (c *Client) FetchBars(ctx context.Context, code string, start, end market.Date) ([]market.Bar, error) {
	c.throttle()

	endpoint := fmt.Sprintf(
		"%s/v1/kbars?code=%s&start=%s&end=%s",
		c.baseURL,
		url.QueryEscape(code),
		start.String(),
		end.String(),
	)

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Secret-Key", c.secretKey)

	// Execute the HTTP request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
	}

	var rawResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rawResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rawResp.Status != "ok" {
		return nil, &APIError{StatusCode: resp.StatusCode, Msg: rawResp.Msg}
	}

	var kb Kbars
	if err := json.Unmarshal(rawResp.Data, &kb); err != nil {
		return nil, fmt.Errorf("decode kbars: %w", err)
	}

	bars, err := kb.Bars(code, c.loc)
	if err != nil {
		return nil, fmt.Errorf("parse kbars: %w", err)
	}
	return bars, nil
}

// throttle blocks until the configured gap since the previous request has
// passed. The lock is held through the sleep so concurrent callers queue.
func (c *Client) throttle() {
	if c.minGap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elapsed := time.Since(c.lastRequest); elapsed < c.minGap {
		time.Sleep(c.minGap - elapsed)
	}
	c.lastRequest = time.Now()
}
