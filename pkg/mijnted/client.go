// Package mijnted is the HTTP client for the metered-energy cloud API. It
// attaches bearer tokens, classifies failures, and retries a request exactly
// once after a forced token refresh when the server rejects a token that
// still looked valid locally.
package mijnted

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tedwatch/tedwatch/pkg/log"
	"github.com/tedwatch/tedwatch/pkg/types"
)

// TokenSource supplies bearer tokens for API requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Client talks to one API deployment on behalf of one installation.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
}

// New returns a Client rooted at baseURL.
func New(baseURL string, client *http.Client, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
	}
}

// get performs an authenticated GET for path and returns the response body.
// On a 401 it forces one token refresh and retries once; a second 401 means
// the session is truly gone.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, &types.TransientError{Endpoint: path, Err: err}
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &types.TransientError{Endpoint: path, Err: err}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized:
			if attempt > 0 {
				break
			}
			log.Ctx(ctx).DebugContext(ctx, "token rejected, refreshing once", slog.String("endpoint", path))
			token, err = c.tokens.ForceRefresh(ctx)
			if err != nil {
				return nil, err
			}
		case types.IsTransientStatus(resp.StatusCode):
			return nil, &types.TransientError{
				Endpoint: path,
				Err:      fmt.Errorf("server returned %s", resp.Status),
			}
		default:
			return nil, &types.APIError{StatusCode: resp.StatusCode, Endpoint: path, Body: string(body)}
		}
	}
	return nil, &types.AuthExpiredError{Message: fmt.Sprintf("still unauthorized after refresh at %s", path)}
}

// getJSON performs an authenticated GET and decodes the JSON body into dest.
func (c *Client) getJSON(ctx context.Context, path string, dest interface{}) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

// getText performs an authenticated GET for an endpoint that answers with a
// bare string. Depending on deployment the value comes back as a JSON string,
// wrapped in {"value": ...}, or as unquoted text.
func (c *Client) getText(ctx context.Context, path string) (string, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		return "", err
	}

	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return s, nil
	}
	var wrapper struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Value != "" {
		return wrapper.Value, nil
	}
	return strings.Trim(strings.TrimSpace(string(body)), `"`), nil
}

// DeliveryTypes lists the delivery types (energy kinds) active for the unit.
// The first element is the primary one used for all other endpoints.
func (c *Client) DeliveryTypes(ctx context.Context, unit string) ([]int, error) {
	var out []int
	if err := c.getJSON(ctx, fmt.Sprintf("address/deliveryTypes/%s", unit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UsageByYear fetches the monthly usage array for one year.
func (c *Client) UsageByYear(ctx context.Context, year int, unit string, deliveryType int) (types.UsageByYear, error) {
	var out types.UsageByYear
	err := c.getJSON(ctx, fmt.Sprintf("residentialUnitUsage/%d/%s/%d", year, unit, deliveryType), &out)
	return out, err
}

// LastSyncDate fetches the date the meters last reported, as upstream
// formats it.
func (c *Client) LastSyncDate(ctx context.Context, unit string, deliveryType, year int) (string, error) {
	return c.getText(ctx, fmt.Sprintf("getLastSyncDate/%s/%d/%d", unit, deliveryType, year))
}

// DeviceStatuses fetches the per-device cumulative counter readings.
func (c *Client) DeviceStatuses(ctx context.Context, unit string, deliveryType, year int) ([]types.DeviceReading, error) {
	var out []types.DeviceReading
	err := c.getJSON(ctx, fmt.Sprintf("deviceStatuses/%s/%d/%d", unit, deliveryType, year), &out)
	return out, err
}

// UsageInsight fetches the year-to-date comparison figures.
func (c *Client) UsageInsight(ctx context.Context, year int, unit string, deliveryType int) (*types.UsageInsight, error) {
	var out types.UsageInsight
	if err := c.getJSON(ctx, fmt.Sprintf("usageInsight/%d/%s/%d", year, unit, deliveryType), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveModel fetches the name of the metering device model installed.
func (c *Client) ActiveModel(ctx context.Context, unit string, deliveryType int) (string, error) {
	return c.getText(ctx, fmt.Sprintf("activeModel/%s/%d", unit, deliveryType))
}

// ResidentialUnitDetail fetches the unit's address and registration record.
func (c *Client) ResidentialUnitDetail(ctx context.Context, unit string) (*types.ResidentialUnitDetail, error) {
	var out types.ResidentialUnitDetail
	if err := c.getJSON(ctx, fmt.Sprintf("residentialUnitDetail/%s", unit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UsagePerRoom fetches the per-room breakdown, with values index-aligned to
// the rooms array and room labels possibly repeated.
func (c *Client) UsagePerRoom(ctx context.Context, year int, unit string, deliveryType int) (types.UsagePerRoom, error) {
	var out types.UsagePerRoom
	err := c.getJSON(ctx, fmt.Sprintf("usagePerRoom/%d/%s/%d", year, unit, deliveryType), &out)
	return out, err
}
