// Package client provides the Go SDK for the carbon emission ledger HTTP
// API: appending and amending records, reading chain heads, anchoring
// periods, and running tamper verification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Record mirrors the ledger's record representation on the wire.
type Record struct {
	ID        uuid.UUID      `json:"id"`
	Partition string         `json:"partition"`
	Payload   map[string]any `json:"payload"`
	Salt      string         `json:"salt"`
	PrevHash  string         `json:"previous_hash"`
	Hash      string         `json:"record_hash"`
	CreatedAt time.Time      `json:"created_at"`
}

// Anchor mirrors a stored period anchor.
type Anchor struct {
	Partition   string    `json:"partition"`
	Period      string    `json:"period"`
	RootHash    string    `json:"root_hash"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// VerificationResult mirrors the outcome of a tamper check.
type VerificationResult struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Period   string `json:"period,omitempty"`
	Checked  int    `json:"checked"`
}

// Annotation mirrors a record's mutable quality annotation.
type Annotation struct {
	RecordID       uuid.UUID `json:"record_id"`
	QualityScore   *int      `json:"quality_score,omitempty"`
	UncertaintyPct *float64  `json:"uncertainty_pct,omitempty"`
	Flags          []string  `json:"flags"`
	Notes          string    `json:"notes"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// APIError is returned when the ledger responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error %d: %s", e.StatusCode, e.Message)
}

// Client is the ledger SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
	token      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithToken attaches a pre-obtained ingest token to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client connected to base, e.g. "https://ledger.example.com".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token exchanges the deployment API key for an ingest token and attaches it
// to all subsequent requests.
func (c *Client) Token(ctx context.Context, apiKey, subject string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key": apiKey,
		"subject": subject,
	}, &resp)
	if err != nil {
		return "", err
	}
	c.token = resp.AccessToken
	return resp.AccessToken, nil
}

// AppendRecord appends a new emission record to partition.
func (c *Client) AppendRecord(ctx context.Context, partition string, payload map[string]any) (*Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPost, "/api/v1/records", map[string]any{
		"partition": partition,
		"payload":   payload,
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AmendRecord appends a correction record superseding recordID.
func (c *Client) AmendRecord(ctx context.Context, recordID uuid.UUID, payload map[string]any) (*Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPost, "/api/v1/records/"+recordID.String()+"/amend", map[string]any{
		"payload": payload,
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord fetches a record by id.
func (c *Client) GetRecord(ctx context.Context, recordID uuid.UUID) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, "/api/v1/records/"+recordID.String(), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// VerifyRecord checks a single record's integrity.
func (c *Client) VerifyRecord(ctx context.Context, recordID uuid.UUID) (*VerificationResult, error) {
	var res VerificationResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/records/"+recordID.String()+"/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyChain walks a partition's full hash chain. Pass uuid.Nil for fromID
// or toID to verify from the start or to the head.
func (c *Client) VerifyChain(ctx context.Context, partition string, fromID, toID uuid.UUID) (*VerificationResult, error) {
	path := "/api/v1/partitions/" + url.PathEscape(partition) + "/verify"
	q := url.Values{}
	if fromID != uuid.Nil {
		q.Set("from_id", fromID.String())
	}
	if toID != uuid.Nil {
		q.Set("to_id", toID.String())
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res VerificationResult
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Head returns the current chain head hash of partition.
func (c *Client) Head(ctx context.Context, partition string) (string, error) {
	var resp struct {
		Head string `json:"head"`
	}
	path := "/api/v1/partitions/" + url.PathEscape(partition) + "/head"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Head, nil
}

// AnchorPeriod closes a UTC calendar day (period "2006-01-02") under a
// Merkle anchor.
func (c *Client) AnchorPeriod(ctx context.Context, partition, period string) (*Anchor, error) {
	var anchor Anchor
	path := "/api/v1/partitions/" + url.PathEscape(partition) + "/anchors/" + url.PathEscape(period)
	if err := c.do(ctx, http.MethodPost, path, nil, &anchor); err != nil {
		return nil, err
	}
	return &anchor, nil
}

// GetAnchor fetches a stored anchor.
func (c *Client) GetAnchor(ctx context.Context, partition, period string) (*Anchor, error) {
	var anchor Anchor
	path := "/api/v1/partitions/" + url.PathEscape(partition) + "/anchors/" + url.PathEscape(period)
	if err := c.do(ctx, http.MethodGet, path, nil, &anchor); err != nil {
		return nil, err
	}
	return &anchor, nil
}

// VerifyAnchor checks a period's records against its stored anchor.
func (c *Client) VerifyAnchor(ctx context.Context, partition, period string) (*VerificationResult, error) {
	var res VerificationResult
	path := "/api/v1/partitions/" + url.PathEscape(partition) + "/anchors/" + url.PathEscape(period) + "/verify"
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Annotate attaches or replaces a record's quality annotation.
func (c *Client) Annotate(ctx context.Context, a *Annotation) (*Annotation, error) {
	var out Annotation
	err := c.do(ctx, http.MethodPut, "/api/v1/annotations/"+a.RecordID.String(), a, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAnnotation fetches a record's quality annotation.
func (c *Client) GetAnnotation(ctx context.Context, recordID uuid.UUID) (*Annotation, error) {
	var a Annotation
	if err := c.do(ctx, http.MethodGet, "/api/v1/annotations/"+recordID.String(), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// do performs a JSON request against the ledger API and decodes the
// response into out (may be nil).
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
