package relay

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

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// Client is the worker's HTTP client for the hub API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a hub client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrorResponse represents an error body from the hub.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Register calls POST /relay/register.
func (c *Client) Register(ctx context.Context, desc *domain.MachineDescriptor) (*domain.Machine, error) {
	var m domain.Machine
	if err := c.do(ctx, http.MethodPost, "/relay/register", desc, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Send calls POST /relay/send.
func (c *Client) Send(ctx context.Context, req *domain.SendMessageRequest) (*SendResult, error) {
	var res SendResult
	if err := c.do(ctx, http.MethodPost, "/relay/send", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Forward calls POST /relay/incoming with a message originated on this machine.
func (c *Client) Forward(ctx context.Context, msg *domain.MachineMessage) (*SendResult, error) {
	var res SendResult
	if err := c.do(ctx, http.MethodPost, IncomingPath, msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Poll calls GET /relay/poll/:machineId?since=.
func (c *Client) Poll(ctx context.Context, machineID string, since int64) (*PollResult, error) {
	path := "/relay/poll/" + url.PathEscape(machineID) + "?since=" + strconv.FormatInt(since, 10)
	var res PollResult
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MarkRead calls POST /relay/read.
func (c *Client) MarkRead(ctx context.Context, machineID string, ids []string) error {
	body := map[string]any{"machine_id": machineID, "ids": ids}
	return c.do(ctx, http.MethodPost, "/relay/read", body, nil)
}

// Heartbeat calls POST /machines/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, hb *domain.Heartbeat) (*domain.Machine, error) {
	var m domain.Machine
	if err := c.do(ctx, http.MethodPost, "/machines/heartbeat", hb, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateAgentStatus calls POST /agents/:id/status.
func (c *Client) UpdateAgentStatus(ctx context.Context, update *domain.AgentStatusUpdate) (*domain.Agent, error) {
	var a domain.Agent
	if err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(update.AgentID)+"/status", update, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call hub %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("hub error: %s", errResp.Error)
		}
		return fmt.Errorf("hub returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
