package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/httpapi"
)

type tokenView = httpapi.TokenResponse

// apiClient talks to the tracker HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx reply.
type apiError struct {
	Status  int
	Message string
	Details string
}

func (e *apiError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%d: %s (%s)", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error, Details: e.Details}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) Track(ctx context.Context, mint string, th *domain.Thresholds) (*tokenView, error) {
	var out tokenView
	err := c.do(ctx, http.MethodPost, "/api/token/add", httpapi.AddTokenRequest{Address: mint, Thresholds: th}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Untrack(ctx context.Context, mint string) error {
	return c.do(ctx, http.MethodDelete, "/api/token/"+url.PathEscape(mint), nil, nil)
}

func (c *apiClient) Get(ctx context.Context, mint string) (*tokenView, error) {
	var out tokenView
	if err := c.do(ctx, http.MethodGet, "/api/token/"+url.PathEscape(mint), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) List(ctx context.Context) ([]domain.TokenSummary, error) {
	var out []domain.TokenSummary
	if err := c.do(ctx, http.MethodGet, "/api/tokens", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) Alerts(ctx context.Context, limit int) ([]domain.Alert, error) {
	var out []domain.Alert
	if err := c.do(ctx, http.MethodGet, "/api/alerts?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
