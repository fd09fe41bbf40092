package keyservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"e2e_relay/internal/model"
	"e2e_relay/internal/service/auth"
)

const (
	userHeader = "X-User-ID"
)

var (
	ErrNotFound         = errors.New("keyservice: not found")
	ErrUnexpectedStatus = errors.New("keyservice: unexpected status")
)

// Client talks to the key service on behalf of one account. Every request
// goes through the auth manager, so a refused token is refreshed and the
// request retried.
type Client struct {
	base   *url.URL
	userID string
	http   *http.Client
	auth   *auth.Manager
}

func NewClient(baseURL, userID string, m *auth.Manager, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("keyservice: parse url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:   u,
		userID: userID,
		http:   httpClient,
		auth:   m,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends one request and decodes a JSON response into out when it is not
// nil. A 401 is reported as auth.ErrUnauthorized.
func (c *Client) do(ctx context.Context, token, method, endpoint string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(userHeader, c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("keyservice: %s %s: %w", method, req.URL.Path, auth.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("keyservice: %s %s: %w", method, req.URL.Path, ErrNotFound)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("%w: %s %s: %s", ErrUnexpectedStatus, method, req.URL.Path, resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchPreKeyBundles returns bundles for the given devices of userID, or for
// all of its devices when deviceIDs is empty.
func (c *Client) FetchPreKeyBundles(ctx context.Context, userID string, deviceIDs []uint32) ([]model.PreKeyBundle, error) {
	query := url.Values{}
	if len(deviceIDs) > 0 {
		ids := make([]string, 0, len(deviceIDs))
		for _, id := range deviceIDs {
			ids = append(ids, strconv.FormatUint(uint64(id), 10))
		}
		query.Set("devices", strings.Join(ids, ","))
	}
	endpoint := c.endpoint("/v1/keys/"+url.PathEscape(userID), query)

	return auth.Map(ctx, c.auth, func(ctx context.Context, token string) ([]model.PreKeyBundle, error) {
		var bundles []model.PreKeyBundle
		err := c.do(ctx, token, http.MethodGet, endpoint, nil, &bundles)
		return bundles, err
	})
}

// Devices returns the published devices of userID.
func (c *Client) Devices(ctx context.Context, userID string) ([]model.DeviceInfo, error) {
	endpoint := c.endpoint("/v1/devices/"+url.PathEscape(userID), nil)

	return auth.Map(ctx, c.auth, func(ctx context.Context, token string) ([]model.DeviceInfo, error) {
		var devices []model.DeviceInfo
		err := c.do(ctx, token, http.MethodGet, endpoint, nil, &devices)
		return devices, err
	})
}

// Publish uploads the keys of one of our own devices.
func (c *Client) Publish(ctx context.Context, deviceID uint32, keys *model.DeviceKeys) error {
	path := fmt.Sprintf("/v1/keys/%s/%d", url.PathEscape(c.userID), deviceID)
	endpoint := c.endpoint(path, nil)

	return c.auth.Do(ctx, func(ctx context.Context, token string) error {
		return c.do(ctx, token, http.MethodPut, endpoint, keys, nil)
	})
}
