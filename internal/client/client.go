// Package client talks to the booking API over HTTP. A *Client satisfies
// session.Backend.
package client

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

	"github.com/google/uuid"

	"github.com/hackgods/center-slot-booking/internal/appointment"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Details)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Availability(ctx context.Context, center, date string) (*appointment.Snapshot, error) {
	q := url.Values{}
	q.Set("center", center)
	q.Set("date", date)

	var snap appointment.Snapshot
	if err := c.do(ctx, http.MethodGet, "/availability?"+q.Encode(), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Reserve(ctx context.Context, req appointment.ReserveRequest) ([]appointment.ReservationResult, error) {
	var resp struct {
		Results []appointment.ReservationResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/reserve", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// CreatePlaceholder saves an applicant form and returns its id.
func (c *Client) CreatePlaceholder(ctx context.Context, a appointment.Applicant) (uuid.UUID, error) {
	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/appointments", a, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.ID, nil
}

func (c *Client) Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	var a appointment.Appointment
	if err := c.do(ctx, http.MethodGet, "/appointments/"+id.String(), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Catalog(ctx context.Context) (labels, tracks []string, err error) {
	var resp struct {
		Labels []string `json:"labels"`
		Tracks []string `json:"tracks"`
	}
	if err := c.do(ctx, http.MethodGet, "/catalog", nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Labels, resp.Tracks, nil
}

// List needs an admin token. Empty arguments are not sent.
func (c *Client) List(ctx context.Context, center, date, status string) ([]appointment.Appointment, error) {
	q := url.Values{}
	for k, v := range map[string]string{"center": center, "date": date, "status": status} {
		if v != "" {
			q.Set(k, v)
		}
	}
	path := "/appointments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Appointments []appointment.Appointment `json:"appointments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Appointments, nil
}

func (c *Client) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	body := map[string]string{"id": id.String(), "status": status}
	return c.do(ctx, http.MethodPatch, "/appointments/status", body, nil)
}

// UpdateFields reports whether the server changed anything.
func (c *Client) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]string) (bool, error) {
	body := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["id"] = id.String()

	var resp struct {
		Modified *bool `json:"modified"`
	}
	if err := c.do(ctx, http.MethodPatch, "/appointments/fields", body, &resp); err != nil {
		return false, err
	}
	return resp.Modified != nil && *resp.Modified, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Code = payload.Error
			apiErr.Details = payload.Details
		}
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
