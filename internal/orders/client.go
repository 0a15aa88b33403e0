// Package orders provides a client for the external order fulfillment system.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/addiseats/eligibility/internal/model"
)

// ErrUnavailable reports that the order system could not be reached or
// answered with a server error.
var ErrUnavailable = errors.New("order system unavailable")

// Client encapsulates HTTP interaction with the order fulfillment system.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type orderPayload struct {
	UserID       int64  `json:"user_id"`
	ZoneID       int64  `json:"zone_id"`
	Subtotal     int64  `json:"subtotal"`
	Discount     int64  `json:"discount"`
	DeliveryFee  int64  `json:"delivery_fee"`
	Total        int64  `json:"total"`
	PromoID      *int64 `json:"promo_id,omitempty"`
	EstimatedMin int    `json:"estimated_min"`
	EstimatedMax int    `json:"estimated_max"`
}

type orderCreated struct {
	ID string `json:"id"`
}

type zoneUsage struct {
	Referenced bool `json:"referenced"`
}

// NewClient creates an HTTP client for the order system at the given address.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// CreateOrder submits a priced order and returns the identifier assigned by
// the order system.
func (c *Client) CreateOrder(ctx context.Context, order *model.PricedOrder) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("order client not configured")
	}

	payload := orderPayload{
		UserID:       order.UserID,
		ZoneID:       order.ZoneID,
		Subtotal:     order.Subtotal,
		Discount:     order.Discount,
		DeliveryFee:  order.DeliveryFee,
		Total:        order.Total,
		PromoID:      order.PromoID,
		EstimatedMin: order.EstimatedMin,
		EstimatedMax: order.EstimatedMax,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/orders"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit order: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("submit order: status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit order: unexpected status %d", resp.StatusCode)
	}

	var created orderCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("order system returned no order id")
	}

	return created.ID, nil
}

// ZoneReferenced reports whether any stored order references the given zone.
func (c *Client) ZoneReferenced(ctx context.Context, zoneID int64) (bool, error) {
	if c == nil || c.baseURL == "" {
		return false, fmt.Errorf("order client not configured")
	}

	url := c.url(fmt.Sprintf("/api/orders/zones/%d/referenced", zoneID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("query zone usage: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return false, fmt.Errorf("query zone usage: status %d: %w", resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("query zone usage: unexpected status %d", resp.StatusCode)
	}

	var usage zoneUsage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	return usage.Referenced, nil
}
