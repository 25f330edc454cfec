// Package client talks to the relayer operator API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/presenter"
	"github.com/omni/tokenbridge-relayer/presenter/http/render"
)

const defaultTimeout = 2 * time.Minute

var ErrUnexpectedStatus = errors.New("unexpected response status")

type Client struct {
	httpClient *http.Client
	endpoint   string
}

func New(endpoint string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   strings.TrimRight(endpoint, "/"),
	}
}

// WithHTTPClient replaces the underlying http client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

func (c *Client) Status(ctx context.Context) (*presenter.StatusResult, error) {
	res := new(presenter.StatusResult)
	if err := c.do(ctx, http.MethodGet, "/status", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) ListRecords(ctx context.Context, state entity.RecordState, limit uint) ([]*entity.ProcessedRecord, error) {
	query := url.Values{}
	query.Set("state", string(state))
	if limit > 0 {
		query.Set("limit", strconv.FormatUint(uint64(limit), 10))
	}
	var res []*entity.ProcessedRecord
	if err := c.do(ctx, http.MethodGet, "/records", query, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) GetRecord(ctx context.Context, id entity.EventID) (*entity.ProcessedRecord, error) {
	res := new(entity.ProcessedRecord)
	if err := c.do(ctx, http.MethodGet, "/records/"+id.String(), nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Retry(ctx context.Context, id entity.EventID) (*entity.ProcessedRecord, error) {
	res := new(entity.ProcessedRecord)
	if err := c.do(ctx, http.MethodPost, "/records/"+id.String()+"/retry", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Reprocess(ctx context.Context, side string, fromBlock, toBlock uint) (*presenter.ReprocessResult, error) {
	query := url.Values{}
	query.Set("fromBlock", strconv.FormatUint(uint64(fromBlock), 10))
	query.Set("toBlock", strconv.FormatUint(uint64(toBlock), 10))
	res := new(presenter.ReprocessResult)
	if err := c.do(ctx, http.MethodPost, "/bridge/"+side+"/reprocess", query, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, dest interface{}) error {
	u := c.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("can't build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr render.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s: %w", method, path, resp.StatusCode, apiErr.Error, ErrUnexpectedStatus)
		}
		return fmt.Errorf("%s %s: %d %s: %w", method, path, resp.StatusCode, strings.TrimSpace(string(body)), ErrUnexpectedStatus)
	}
	if err = json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
