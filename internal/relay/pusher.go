package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// ErrNoRoute means the channel has no live path to the machine right now.
var ErrNoRoute = errors.New("no live route to machine")

// Pusher delivers a persisted message over one channel. Push is best effort;
// a failure leaves the message for polling.
type Pusher interface {
	Channel() domain.Channel
	Push(ctx context.Context, machine *domain.Machine, msg *domain.MachineMessage) error
}

// IncomingPath is the endpoint every relay participant accepts pushes on.
const IncomingPath = "/relay/incoming"

// HTTPPusher posts messages to <machine address>/relay/incoming.
type HTTPPusher struct {
	apiKey     string
	httpClient *http.Client
}

// NewHTTPPusher creates an HTTP pusher. apiKey is sent as a bearer token when
// set.
func NewHTTPPusher(timeout time.Duration, apiKey string) *HTTPPusher {
	return &HTTPPusher{apiKey: apiKey, httpClient: &http.Client{Timeout: timeout}}
}

func (p *HTTPPusher) Channel() domain.Channel { return domain.ChannelHTTP }

func (p *HTTPPusher) Push(ctx context.Context, machine *domain.Machine, msg *domain.MachineMessage) error {
	if machine.Address == "" {
		return ErrNoRoute
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := strings.TrimSuffix(machine.Address, "/") + IncomingPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push to %s: %w", machine.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("machine %s returned status %d: %s", machine.ID, resp.StatusCode, string(respBody))
	}
	return nil
}
