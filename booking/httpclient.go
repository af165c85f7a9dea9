package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"concert-session/realtime"
	"concert-session/shared"
)

// API is the REST collaborator of the controller.
type API interface {
	JoinQueue(ctx context.Context, scheduleID int64) (*shared.QueueTicket, error)
	QueueStatus(ctx context.Context, scheduleID int64, token string) (*shared.QueueStatus, error)
	HoldSeats(ctx context.Context, req shared.HoldRequest) (*shared.Hold, error)
	RenewHold(ctx context.Context, req shared.RenewRequest) (*shared.Renewal, error)
	Leave(ctx context.Context, req shared.LeaveRequest) error
	Confirm(ctx context.Context, req shared.ConfirmRequest) (*shared.Confirmation, error)
}

// HTTPClient talks to the booking service.
type HTTPClient struct {
	baseURL    string
	creds      realtime.CredentialSource
	httpClient *http.Client
}

var _ API = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the booking service at baseURL. The
// bearer credential is read from creds on every request. A nil hc gets a
// client with a ten second timeout.
func NewHTTPClient(baseURL string, creds realtime.CredentialSource, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: hc,
	}
}

func (c *HTTPClient) JoinQueue(ctx context.Context, scheduleID int64) (*shared.QueueTicket, error) {
	var ticket shared.QueueTicket
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf(shared.APIEndpointQueue, scheduleID), nil, &ticket); err != nil {
		return nil, fmt.Errorf("join queue: %w", err)
	}
	return &ticket, nil
}

// QueueStatus asks where token stands. A token the server no longer
// knows is ErrQueueRevoked.
func (c *HTTPClient) QueueStatus(ctx context.Context, scheduleID int64, token string) (*shared.QueueStatus, error) {
	var status shared.QueueStatus
	endpoint := fmt.Sprintf(shared.APIEndpointQueueState, scheduleID, url.PathEscape(token))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	return &status, nil
}

func (c *HTTPClient) HoldSeats(ctx context.Context, req shared.HoldRequest) (*shared.Hold, error) {
	var hold shared.Hold
	if err := c.do(ctx, http.MethodPost, shared.APIEndpointHold, req, &hold); err != nil {
		return nil, fmt.Errorf("hold seats: %w", err)
	}
	return &hold, nil
}

func (c *HTTPClient) RenewHold(ctx context.Context, req shared.RenewRequest) (*shared.Renewal, error) {
	var renewal shared.Renewal
	if err := c.do(ctx, http.MethodPost, shared.APIEndpointRenew, req, &renewal); err != nil {
		return nil, fmt.Errorf("renew hold: %w", err)
	}
	return &renewal, nil
}

func (c *HTTPClient) Leave(ctx context.Context, req shared.LeaveRequest) error {
	if err := c.do(ctx, http.MethodPost, shared.APIEndpointLeave, req, nil); err != nil {
		return fmt.Errorf("leave session: %w", err)
	}
	return nil
}

func (c *HTTPClient) Confirm(ctx context.Context, req shared.ConfirmRequest) (*shared.Confirmation, error) {
	var conf shared.Confirmation
	if err := c.do(ctx, http.MethodPost, shared.APIEndpointConfirm, req, &conf); err != nil {
		return nil, fmt.Errorf("confirm hold: %w", err)
	}
	return &conf, nil
}

// Seats fetches the seat map of a schedule.
func (c *HTTPClient) Seats(ctx context.Context, scheduleID int64) ([]shared.Seat, error) {
	var seats []shared.Seat
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf(shared.APIEndpointSeats, scheduleID), nil, &seats); err != nil {
		return nil, fmt.Errorf("fetch seats: %w", err)
	}
	return seats, nil
}

// HealthCheck verifies the booking service is available.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+shared.APIEndpointHealth, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("read credential: %w", err)
		}
		req.Header.Set(shared.AuthorizationHeader, shared.BearerPrefix+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps a non-2xx response onto the protocol errors.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var errResp shared.ErrorResponse
	if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusGone:
		sentinel = ErrHoldExpired
	case http.StatusForbidden:
		sentinel = ErrQueueRevoked
	case http.StatusConflict:
		sentinel = ErrSeatUnavailable
	case http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	default:
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg)
	}
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
