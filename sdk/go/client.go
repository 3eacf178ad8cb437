package leadlinesdk

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
)

// Client is a minimal Leadline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// AgentStatus represents the API agent state model (partial).
type AgentStatus struct {
	State              string  `json:"state"`
	PreviousState      string  `json:"previous_state,omitempty"`
	LastTransitionTime string  `json:"last_transition_time"`
	LastHeartbeat      *string `json:"last_heartbeat,omitempty"`
	CurrentTask        string  `json:"current_task,omitempty"`
	DiscoveryQuery     string  `json:"discovery_query,omitempty"`
	DiscoveryLocation  string  `json:"discovery_location,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
}

// Lead represents the API lead model (partial).
type Lead struct {
	ID             string  `json:"id"`
	BusinessName   string  `json:"business_name"`
	Category       string  `json:"category,omitempty"`
	Location       string  `json:"location"`
	WebsiteURL     string  `json:"website_url,omitempty"`
	Email          string  `json:"email,omitempty"`
	Phone          string  `json:"phone,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	Confidence     string  `json:"confidence,omitempty"`
	LifecycleState string  `json:"lifecycle_state"`
	ReviewStatus   string  `json:"review_status"`
	OutreachStatus string  `json:"outreach_status"`
	LastContacted  *string `json:"last_contacted,omitempty"`
}

// ReviewResult reports the outcome of one lead in a bulk review call.
type ReviewResult struct {
	LeadID string `json:"lead_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// AuditEntry represents a log entry. Details carries the raw JSON payload;
// DetailsMap decodes it.
type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
	Module     string `json:"module"`
	Action     string `json:"action"`
	Result     string `json:"result"`
	Details    string `json:"details_json,omitempty"`
}

// DetailsMap decodes the details payload. An empty payload decodes to nil.
func (e AuditEntry) DetailsMap() (map[string]any, error) {
	if e.Details == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(e.Details), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ControlLogEntry records one agent command, accepted or rejected.
type ControlLogEntry struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	Command       string `json:"command"`
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	ControlledBy  string `json:"controlled_by"`
	Reason        string `json:"reason,omitempty"`
	Result        string `json:"result"`
	ErrorDetail   string `json:"error_detail,omitempty"`
}

// HealthReport summarizes agent health.
type HealthReport struct {
	Healthy        bool     `json:"healthy"`
	State          string   `json:"state"`
	Reasons        []string `json:"reasons,omitempty"`
	LastHeartbeat  *string  `json:"last_heartbeat,omitempty"`
	HeartbeatStale bool     `json:"heartbeat_stale"`
	ErrorsLastDay  int      `json:"errors_last_day"`
}

// PaginatedLeads wraps list responses with cursors.
type PaginatedLeads struct {
	Items      []Lead `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks agent health. This endpoint does not require auth.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var resp HealthReport
	err := c.do(ctx, http.MethodGet, "v0/system/health", nil, &resp)
	return resp, err
}

// Agent returns the current agent status.
func (c *Client) Agent(ctx context.Context) (AgentStatus, error) {
	var resp AgentStatus
	err := c.do(ctx, http.MethodGet, "v0/agent", nil, &resp)
	return resp, err
}

// StartDiscovery starts a discovery run.
func (c *Client) StartDiscovery(ctx context.Context, query, location string) (AgentStatus, error) {
	body := map[string]any{
		"query":    query,
		"location": location,
	}
	var resp AgentStatus
	err := c.do(ctx, http.MethodPost, "v0/agent/discovery", body, &resp)
	return resp, err
}

// StartOutreach starts an outreach run over approved leads.
func (c *Client) StartOutreach(ctx context.Context) (AgentStatus, error) {
	var resp AgentStatus
	err := c.do(ctx, http.MethodPost, "v0/agent/outreach", struct{}{}, &resp)
	return resp, err
}

// Pause pauses the running agent after the in-flight item completes.
func (c *Client) Pause(ctx context.Context) (AgentStatus, error) {
	return c.agentCommand(ctx, "pause")
}

// Resume resumes a paused agent.
func (c *Client) Resume(ctx context.Context) (AgentStatus, error) {
	return c.agentCommand(ctx, "resume")
}

// Stop stops the agent gracefully.
func (c *Client) Stop(ctx context.Context) (AgentStatus, error) {
	return c.agentCommand(ctx, "stop")
}

// Reset clears the error state back to idle.
func (c *Client) Reset(ctx context.Context) (AgentStatus, error) {
	return c.agentCommand(ctx, "reset")
}

func (c *Client) agentCommand(ctx context.Context, cmd string) (AgentStatus, error) {
	var resp AgentStatus
	err := c.do(ctx, http.MethodPost, "v0/agent/"+cmd, struct{}{}, &resp)
	return resp, err
}

// LeadFilters narrows Leads listings. Zero values are ignored.
type LeadFilters struct {
	LifecycleState string
	ReviewStatus   string
	OutreachStatus string
	Limit          int
	Cursor         string
}

// Leads returns a page of leads.
func (c *Client) Leads(ctx context.Context, f LeadFilters) (PaginatedLeads, error) {
	q := url.Values{}
	if f.LifecycleState != "" {
		q.Set("lifecycle_state", f.LifecycleState)
	}
	if f.ReviewStatus != "" {
		q.Set("review_status", f.ReviewStatus)
	}
	if f.OutreachStatus != "" {
		q.Set("outreach_status", f.OutreachStatus)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "v0/leads"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedLeads
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Lead fetches a lead by id.
func (c *Client) Lead(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, "v0/leads/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve approves a single lead for outreach.
func (c *Client) Approve(ctx context.Context, id string) (Lead, error) {
	return c.review(ctx, id, "approve")
}

// Reject rejects a single lead.
func (c *Client) Reject(ctx context.Context, id string) (Lead, error) {
	return c.review(ctx, id, "reject")
}

// Archive archives a rejected or failed lead.
func (c *Client) Archive(ctx context.Context, id string) (Lead, error) {
	return c.review(ctx, id, "archive")
}

func (c *Client) review(ctx context.Context, id, action string) (Lead, error) {
	var resp Lead
	endpoint := fmt.Sprintf("v0/leads/%s/%s", url.PathEscape(id), action)
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// BulkApprove approves several leads, reporting per-lead outcomes.
func (c *Client) BulkApprove(ctx context.Context, leadIDs []string) ([]ReviewResult, error) {
	return c.bulkReview(ctx, "approve", leadIDs)
}

// BulkReject rejects several leads, reporting per-lead outcomes.
func (c *Client) BulkReject(ctx context.Context, leadIDs []string) ([]ReviewResult, error) {
	return c.bulkReview(ctx, "reject", leadIDs)
}

func (c *Client) bulkReview(ctx context.Context, action string, leadIDs []string) ([]ReviewResult, error) {
	body := map[string]any{"lead_ids": leadIDs}
	var resp []ReviewResult
	err := c.do(ctx, http.MethodPost, "v0/leads/bulk/"+action, body, &resp)
	return resp, err
}

// ReportReply posts an inbound reply or bounce notification.
func (c *Client) ReportReply(ctx context.Context, leadID, fromEmail string, bounced bool) (Lead, error) {
	body := map[string]any{
		"lead_id":    leadID,
		"from_email": fromEmail,
		"bounced":    bounced,
	}
	var resp Lead
	err := c.do(ctx, http.MethodPost, "v0/webhooks/replies", body, &resp)
	return resp, err
}

// AuditLog returns recent audit entries.
func (c *Client) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	endpoint := "v0/logs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ControlLog returns recent agent commands, including rejected ones.
func (c *Client) ControlLog(ctx context.Context, limit int) ([]ControlLogEntry, error) {
	endpoint := "v0/control-log"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []ControlLogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
