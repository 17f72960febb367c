package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
)

// timeLayout formats timestamps inside PostgREST filters.
const timeLayout = time.RFC3339Nano

// ============================================================
// HTTP helpers for GET, POST, PATCH
// ============================================================

// doRequest executes an authenticated request to Supabase PostgREST.
// 4xx answers are permanent (not retried); 409 becomes *domain.ErrConflict.
func (c *Client) doRequest(ctx context.Context, method, table string, query url.Values, payload any, prefer string) ([]byte, error) {
	u := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("encode %s payload: %w", table, err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceRoleKey)
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", method),
			zap.String("table", table),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, resilience.Permanent(&domain.ErrConflict{Resource: table, Message: string(respBody)})
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Warn("supabase: client error",
			zap.String("method", method),
			zap.String("table", table),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return nil, resilience.Permanent(fmt.Errorf("supabase %s %s returned %d: %s", method, table, resp.StatusCode, string(respBody)))
	case resp.StatusCode >= 500:
		c.logger.Warn("supabase: server error",
			zap.String("method", method),
			zap.String("table", table),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("supabase %s %s returned %d", method, table, resp.StatusCode)
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("table", table),
		zap.Int("status", resp.StatusCode),
	)
	return respBody, nil
}

func (c *Client) doGet(ctx context.Context, table string, query url.Values) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, table, query, nil, "")
}

func (c *Client) doPost(ctx context.Context, table string, query url.Values, payload any, prefer string) ([]byte, error) {
	if prefer == "" {
		prefer = "return=representation"
	}
	return c.doRequest(ctx, http.MethodPost, table, query, payload, prefer)
}

func (c *Client) doPatch(ctx context.Context, table string, query url.Values, payload any) ([]byte, error) {
	return c.doRequest(ctx, http.MethodPatch, table, query, payload, "return=representation")
}

// decodeRows unmarshals a PostgREST array answer.
func decodeRows[T any](body []byte) ([]T, error) {
	var rows []T
	if len(body) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decode rows: %w", err))
	}
	return rows, nil
}

// fetchOne returns the first row of a filtered GET or a not-found error.
func fetchOne[T any](ctx context.Context, c *Client, table, resource, id string, query url.Values) (*T, error) {
	query.Set("limit", "1")
	body, err := c.doGet(ctx, table, query)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[T](body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, resilience.Permanent(&domain.ErrNotFound{Resource: resource, ID: id})
	}
	return &rows[0], nil
}
