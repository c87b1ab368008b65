package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Client talks to the runs backend. One-shot fetches go through
// retryablehttp; the event subscription uses the underlying plain client
// because reconnection policy belongs to the caller.
type Client struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
}

// NewClient constructs a backend client.
func NewClient(baseURL, apiKey string) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

// StartRun starts a new run for the agent and returns its id.
func (c *Client) StartRun(ctx context.Context, agentID string, req StartRunRequest) (RunRef, error) {
	var ref RunRef
	err := c.doJSON(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/run", req, &ref)
	if err != nil {
		return RunRef{}, err
	}
	if ref.RunID == "" {
		return RunRef{}, fmt.Errorf("start run: backend returned no run_id")
	}
	return ref, nil
}

// ListRuns fetches one page of runs.
func (c *Client) ListRuns(ctx context.Context, params ListParams) (RunList, error) {
	query := url.Values{}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		query.Set("offset", strconv.Itoa(params.Offset))
	}
	if params.Status != "" {
		query.Set("status", params.Status)
	}
	if params.AgentID != "" {
		query.Set("agent_id", params.AgentID)
	}
	path := "/runs"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var list RunList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return RunList{}, err
	}
	return list, nil
}

// GetRun fetches a run together with its persisted event list.
func (c *Client) GetRun(ctx context.Context, id string) (RunDetail, error) {
	var detail RunDetail
	if err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &detail); err != nil {
		return RunDetail{}, err
	}
	return detail, nil
}

// CancelRun requests best-effort cancellation of a running run.
func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// GetAgent fetches the agent record.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent
	if err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// OpenEvents opens the push subscription for a run. The raw response is
// handed to the stream adapter; no retry middleware is applied.
func (c *Client) OpenEvents(ctx context.Context, id string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-store")
	c.authorize(req.Header)

	resp, err := c.client.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
}
