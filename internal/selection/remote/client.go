// Package remote implements the selection and routine collaborator contracts
// against a real EquiDuty backend over JSON HTTP.
package remote

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

	"go.uber.org/zap"

	"equiduty.org/internal/auth"
	"equiduty.org/internal/obs"
	"equiduty.org/internal/routine"
	"equiduty.org/internal/selection"
)

// Client talks to the EquiDuty REST API. It implements both the
// selection.Service and routine.Service interfaces.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client (tests, custom
// transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the bearer token sent on every request. A token attached to
// the request context takes precedence.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger attaches a logger for request failures.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a client with sensible defaults.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ selection.Service = (*Client)(nil)
var _ routine.Service = (*Client)(nil)

func (c *Client) ListProcesses(ctx context.Context, stableID string) ([]selection.ProcessSummary, error) {
	var out []selection.ProcessSummary
	err := c.do(ctx, "list_processes", http.MethodGet,
		"/v1/stables/"+url.PathEscape(stableID)+"/processes", nil, &out, "")
	return out, err
}

func (c *Client) GetProcess(ctx context.Context, processID string) (selection.ProcessContext, error) {
	var out selection.ProcessContext
	err := c.do(ctx, "get_process", http.MethodGet,
		"/v1/processes/"+url.PathEscape(processID), nil, &out, "")
	return out, err
}

func (c *Client) GetStableMembers(ctx context.Context, stableID string) ([]selection.Member, error) {
	var out []selection.Member
	err := c.do(ctx, "get_stable_members", http.MethodGet,
		"/v1/stables/"+url.PathEscape(stableID)+"/members", nil, &out, "")
	return out, err
}

func (c *Client) ComputeTurnOrder(ctx context.Context, in selection.ComputeTurnOrderInput) (selection.ComputedTurnOrder, error) {
	var out selection.ComputedTurnOrder
	err := c.do(ctx, "compute_turn_order", http.MethodPost, "/v1/turn-order/compute", in, &out, "")
	return out, err
}

func (c *Client) CreateProcess(ctx context.Context, in selection.CreateProcessInput, idemKey string) (selection.Process, error) {
	var out selection.Process
	err := c.do(ctx, "create_process", http.MethodPost, "/v1/processes", in, &out, idemKey)
	return out, err
}

func (c *Client) StartProcess(ctx context.Context, processID string) error {
	return c.do(ctx, "start_process", http.MethodPost,
		"/v1/processes/"+url.PathEscape(processID)+"/start", nil, nil, "")
}

func (c *Client) CompleteTurn(ctx context.Context, processID, idemKey string) (selection.CompleteTurnResult, error) {
	var out selection.CompleteTurnResult
	err := c.do(ctx, "complete_turn", http.MethodPost,
		"/v1/processes/"+url.PathEscape(processID)+"/complete-turn", nil, &out, idemKey)
	return out, err
}

func (c *Client) CancelProcess(ctx context.Context, processID string) error {
	return c.do(ctx, "cancel_process", http.MethodPost,
		"/v1/processes/"+url.PathEscape(processID)+"/cancel", nil, nil, "")
}

func (c *Client) DeleteProcess(ctx context.Context, processID string) error {
	return c.do(ctx, "delete_process", http.MethodDelete,
		"/v1/processes/"+url.PathEscape(processID), nil, nil, "")
}

type updateDatesRequest struct {
	StartDate selection.Date `json:"selection_start_date"`
	EndDate   selection.Date `json:"selection_end_date"`
}

func (c *Client) UpdateDates(ctx context.Context, processID string, start, end selection.Date) error {
	return c.do(ctx, "update_dates", http.MethodPut,
		"/v1/processes/"+url.PathEscape(processID)+"/dates",
		updateDatesRequest{StartDate: start, EndDate: end}, nil, "")
}

func (c *Client) InstancesForDateRange(ctx context.Context, stableID string, start, end selection.Date) ([]routine.Instance, error) {
	q := url.Values{"start": {start.String()}, "end": {end.String()}}
	var out []routine.Instance
	err := c.do(ctx, "list_routine_instances", http.MethodGet,
		"/v1/stables/"+url.PathEscape(stableID)+"/routine-instances?"+q.Encode(), nil, &out, "")
	return out, err
}

func (c *Client) AssignInstance(ctx context.Context, instanceID string, a routine.Assignment) (routine.AssignResult, error) {
	var out routine.AssignResult
	err := c.do(ctx, "assign_routine", http.MethodPost,
		"/v1/routine-instances/"+url.PathEscape(instanceID)+"/assign", a, &out, "")
	return out, err
}

// do performs one JSON round-trip and maps HTTP failures onto the domain
// sentinels.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out any, idemKey string) (err error) {
	start := time.Now()
	defer func() { obs.ObserveBackendCall(operation, start, err) }()

	var reader io.Reader
	if body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("marshal %s request: %w", operation, merr)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err = mapStatus(resp)
		c.log.Debug("backend call failed",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) bearer(ctx context.Context) string {
	if token, ok := auth.TokenFromContext(ctx); ok {
		return token
	}
	return c.token
}

type errorResponse struct {
	Error string `json:"error"`
}

// mapStatus translates HTTP statuses onto the selection sentinels so callers
// can branch with errors.Is regardless of transport.
func mapStatus(resp *http.Response) error {
	var payload errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
	msg := payload.Error
	if msg == "" {
		msg = resp.Status
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		sentinel = selection.ErrInvalidInput
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = selection.ErrUnauthorized
	case http.StatusNotFound:
		sentinel = selection.ErrNotFound
	case http.StatusConflict:
		sentinel = selection.ErrInvalidStatus
	default:
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("%s: %w", msg, sentinel)
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
