// Package rapidrespond provides the Go client SDK for the RapidRespond
// emergency response API.
//
// Covers emergency reporting, status and history queries, notification
// subscriptions, and the realtime push channel.
//
// Example:
//
//	client := rapidrespond.NewClient(rapidrespond.WithBaseURL("https://api.rapidrespond.example"))
//
//	// Report an emergency
//	resp, _ := client.ReportEmergency(ctx, &rapidrespond.ReportOptions{
//		Text:     "house fire on 5th and Main",
//		Location: &rapidrespond.Location{Lat: 40.7128, Lon: -74.006},
//	})
//
//	// Watch live updates
//	ch := client.Realtime().Channel("")
//	ch.OnNewEmergency(func(p rapidrespond.NewEmergencyPayload) { ... })
//	ch.Connect(ctx)
//	defer ch.Disconnect()
package rapidrespond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the RapidRespond REST API and builds realtime channels.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithBaseURL overrides the API base address.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new RapidRespond client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Emergency API
// ============================================================================

// ReportEmergency submits an emergency report as a multipart form (text
// and/or audio plus optional coordinates) and returns the backend's
// classification and response plan.
func (c *Client) ReportEmergency(ctx context.Context, opts *ReportOptions) (*EmergencyResponse, error) {
	if opts == nil || (opts.Text == "" && len(opts.Audio) == 0) {
		return nil, fmt.Errorf("either text or audio must be provided")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if opts.Text != "" {
		_ = w.WriteField("text", opts.Text)
	}
	if opts.Location != nil {
		_ = w.WriteField("lat", strconv.FormatFloat(opts.Location.Lat, 'f', -1, 64))
		_ = w.WriteField("lon", strconv.FormatFloat(opts.Location.Lon, 'f', -1, 64))
	}
	if len(opts.Audio) > 0 {
		name := opts.AudioFilename
		if name == "" {
			name = "report.wav"
		}
		part, err := w.CreateFormFile("audio", name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(opts.Audio); err != nil {
			return nil, fmt.Errorf("failed to write audio data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/emergency/report", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if opts.IdempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", opts.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return decodeJSON[EmergencyResponse](data)
}

// Emergency fetches the status and details of a specific emergency.
func (c *Client) Emergency(ctx context.Context, id string) (*Emergency, error) {
	data, err := c.doRequest(ctx, "GET", "/emergency/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Emergency](data)
}

// UpdateEmergency changes the status of an emergency.
func (c *Client) UpdateEmergency(ctx context.Context, id string, update *EmergencyUpdate) error {
	if update == nil || update.Status == "" {
		return fmt.Errorf("status is required")
	}
	_, err := c.doRequest(ctx, "PUT", "/emergency/"+id, update, nil)
	return err
}

// History fetches historical emergency records matching the filters.
func (c *Client) History(ctx context.Context, opts *HistoryOptions) ([]Emergency, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if !opts.StartDate.IsZero() {
			query["start_date"] = opts.StartDate.Format(time.RFC3339)
		}
		if !opts.EndDate.IsZero() {
			query["end_date"] = opts.EndDate.Format(time.RFC3339)
		}
		if opts.EmergencyType != "" {
			query["emergency_type"] = opts.EmergencyType
		}
		if opts.Status != "" {
			query["status"] = string(opts.Status)
		}
		if len(query) == 0 {
			query = nil
		}
	}
	data, err := c.doRequest(ctx, "GET", "/emergency/history", nil, query)
	if err != nil {
		return nil, err
	}
	var result []Emergency
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// Stats fetches response statistics for a time period ("24h", "7d" or "30d").
func (c *Client) Stats(ctx context.Context, period string) (*EmergencyStats, error) {
	if period == "" {
		period = "24h"
	}
	data, err := c.doRequest(ctx, "GET", "/emergency/stats", nil, map[string]string{"time_period": period})
	if err != nil {
		return nil, err
	}
	return decodeJSON[EmergencyStats](data)
}

// Services fetches the availability of all emergency service fleets.
func (c *Client) Services(ctx context.Context) ([]ServiceAvailability, error) {
	data, err := c.doRequest(ctx, "GET", "/services/availability", nil, nil)
	if err != nil {
		return nil, err
	}
	var result []ServiceAvailability
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// ============================================================================
// Notification API
// ============================================================================

// Subscribe registers a notification subscription.
func (c *Client) Subscribe(ctx context.Context, sub *NotificationSubscription) error {
	if sub == nil || sub.SubscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}
	_, err := c.doRequest(ctx, "POST", "/notifications/subscribe", sub, nil)
	return err
}

// Notifications fetches recent notifications for a subscriber.
func (c *Client) Notifications(ctx context.Context, subscriberID string) ([]Notification, error) {
	data, err := c.doRequest(ctx, "GET", "/notifications/"+subscriberID, nil, nil)
	if err != nil {
		return nil, err
	}
	var result []Notification
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// Health probes the backend health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	data, err := c.doRequest(ctx, "GET", "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthStatus](data)
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeClient builds realtime channels bound to this client's base
// address.
type RealtimeClient struct {
	client *Client
}

// Realtime returns the realtime channel factory.
func (c *Client) Realtime() *RealtimeClient {
	return &RealtimeClient{client: c}
}

// ChannelURL returns the push endpoint address for the given subscriber
// client id.
func (r *RealtimeClient) ChannelURL(clientID string) string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/" + clientID
}

// Channel constructs a realtime channel for the given subscriber client
// id. An empty id gets a generated one so the server can target
// messages. Call Connect on the result to open it.
func (r *RealtimeClient) Channel(clientID string, opts ...ChannelOption) *Channel {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return NewChannel(r.ChannelURL(clientID), opts...)
}
