package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ms-auction/internal/models"

	"github.com/shopspring/decimal"
)

// APIError is a non-2xx answer from the auction API.
type APIError struct {
	Status  int
	Message string
	Reason  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d: %s: %s", e.Status, e.Message, e.Reason)
}

// IsRejection reports whether the server refused the request rather than failed.
func (e *APIError) IsRejection() bool {
	return e.Status >= 400 && e.Status < 500
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// API is a thin HTTP client for the bid routes.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// PlaceBid submits a bid over HTTP. It does not depend on the push channel being up.
func (a *API) PlaceBid(ctx context.Context, lotID string, amount decimal.Decimal, message string) (*models.BidView, error) {
	body, err := json.Marshal(map[string]interface{}{"amount": amount, "message": message})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bid: %w", err)
	}

	var view models.BidView
	if err := a.do(ctx, http.MethodPost, "/api/lots/"+url.PathEscape(lotID)+"/bids", body, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListBids fetches the newest bids of a lot, highest first.
func (a *API) ListBids(ctx context.Context, lotID string, limit int) ([]models.Bid, error) {
	path := "/api/lots/" + url.PathEscape(lotID) + "/bids"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var bids []models.Bid
	if err := a.do(ctx, http.MethodGet, path, nil, &bids); err != nil {
		return nil, err
	}
	return bids, nil
}

func (a *API) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	httpClient := a.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: env.Message, Reason: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s %s data: %w", method, path, err)
		}
	}
	return nil
}
