// Package crm is the HTTP client for the external CRM collaborator that owns
// leads, activities, emails and outbound notifications. The agent core never
// touches those rows directly.
package crm

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

	"github.com/routeiq/agent/internal/domain"
)

// Lead is the collaborator's lead row as exposed over its API.
type Lead struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Company   string `json:"company,omitempty"`
	Potential int    `json:"potential"`
	Status    string `json:"status"`
	Owner     string `json:"owner,omitempty"`
}

// LeadFilter narrows ListLeads.
type LeadFilter struct {
	Status       string
	PotentialMin int
	Owner        string
	Company      string
	Limit        int
}

// API is the collaborator surface the local tools depend on.
type API interface {
	ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error)
	GetLead(ctx context.Context, leadID string) (*Lead, error)
	CreateLead(ctx context.Context, lead *Lead) (*Lead, error)
	UpdateLead(ctx context.Context, leadID string, patch map[string]any) (*Lead, error)
	CreateActivity(ctx context.Context, activity *domain.Activity) error
	ListActivities(ctx context.Context, limit int) ([]domain.Activity, error)
	SendEmail(ctx context.Context, leadID, subject, body string) error
	NotifyTeam(ctx context.Context, channel, message string) error
	CreateInvoice(ctx context.Context, leadID string, amount float64, description string) (string, error)
}

// Client implements API against the collaborator's JSON endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ API = (*Client)(nil)

// NewClient creates a new CRM collaborator client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("crm API error [%d]: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// ErrNotFound means the referenced row does not exist in the collaborator.
var ErrNotFound = fmt.Errorf("crm: not found")

// ListLeads queries leads with optional filters.
func (c *Client) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.PotentialMin > 0 {
		q.Set("potentialMin", strconv.Itoa(filter.PotentialMin))
	}
	if filter.Owner != "" {
		q.Set("owner", filter.Owner)
	}
	if filter.Company != "" {
		q.Set("company", filter.Company)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Data []Lead `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/leads?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetLead fetches one lead.
func (c *Client) GetLead(ctx context.Context, leadID string) (*Lead, error) {
	var lead Lead
	if err := c.do(ctx, http.MethodGet, "/api/leads/"+url.PathEscape(leadID), nil, &lead); err != nil {
		return nil, err
	}
	return &lead, nil
}

// CreateLead inserts a new lead.
func (c *Client) CreateLead(ctx context.Context, lead *Lead) (*Lead, error) {
	var created Lead
	if err := c.do(ctx, http.MethodPost, "/api/leads", lead, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateLead applies a partial update (status, owner, ...).
func (c *Client) UpdateLead(ctx context.Context, leadID string, patch map[string]any) (*Lead, error) {
	var updated Lead
	if err := c.do(ctx, http.MethodPatch, "/api/leads/"+url.PathEscape(leadID), patch, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// CreateActivity posts an audit record.
func (c *Client) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	return c.do(ctx, http.MethodPost, "/api/activity", activity, nil)
}

// ListActivities returns the recent activity feed.
func (c *Client) ListActivities(ctx context.Context, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 20
	}
	var resp struct {
		Data []domain.Activity `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/activity?limit="+strconv.Itoa(limit), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SendEmail sends an email to a lead through the collaborator's integration.
func (c *Client) SendEmail(ctx context.Context, leadID, subject, body string) error {
	payload := map[string]string{"subject": subject, "body": body}
	return c.do(ctx, http.MethodPost, "/api/leads/"+url.PathEscape(leadID)+"/emails", payload, nil)
}

// NotifyTeam posts a message to the team channel.
func (c *Client) NotifyTeam(ctx context.Context, channel, message string) error {
	payload := map[string]string{"channel": channel, "message": message}
	return c.do(ctx, http.MethodPost, "/api/notify/slack", payload, nil)
}

// CreateInvoice creates an invoice for a lead and returns its id.
func (c *Client) CreateInvoice(ctx context.Context, leadID string, amount float64, description string) (string, error) {
	payload := map[string]any{"leadId": leadID, "amount": amount, "description": description}
	var resp struct {
		InvoiceID string `json:"invoiceId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/invoices", payload, &resp); err != nil {
		return "", err
	}
	return resp.InvoiceID, nil
}
