package server

import (
	"fmt"
	"strings"

	"leadline/internal/domain"
)

type StartDiscoveryRequest struct {
	Query    string `json:"query" example:"plumber"`
	Location string `json:"location" example:"Lyon"`
}

type BulkReviewRequest struct {
	LeadIDs []string `json:"lead_ids"`
}

type ReplyWebhookRequest struct {
	LeadID    string `json:"lead_id,omitempty"`
	FromEmail string `json:"from_email,omitempty" format:"email"`
	Bounced   bool   `json:"bounced,omitempty"`
}

type AgentStatusResponse struct {
	State              string  `json:"state"`
	PreviousState      string  `json:"previous_state,omitempty"`
	LastTransitionTime string  `json:"last_transition_time"`
	LastHeartbeat      *string `json:"last_heartbeat,omitempty"`
	CurrentTask        string  `json:"current_task,omitempty"`
	DiscoveryQuery     string  `json:"discovery_query,omitempty"`
	DiscoveryLocation  string  `json:"discovery_location,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
	ControlledBy       string  `json:"controlled_by"`
}

type LeadResponse struct {
	ID               string  `json:"id"`
	BusinessName     string  `json:"business_name"`
	Category         string  `json:"category,omitempty"`
	Location         string  `json:"location"`
	SourceURL        string  `json:"source_url,omitempty"`
	WebsiteURL       string  `json:"website_url,omitempty"`
	Email            string  `json:"email,omitempty"`
	Phone            string  `json:"phone,omitempty"`
	Tag              string  `json:"tag,omitempty"`
	Confidence       string  `json:"confidence,omitempty"`
	LifecycleState   string  `json:"lifecycle_state"`
	ReviewStatus     string  `json:"review_status"`
	OutreachStatus   string  `json:"outreach_status"`
	AnalysisAttempts int     `json:"analysis_attempts"`
	Archived         bool    `json:"archived"`
	DiscoveredAt     string  `json:"discovered_at"`
	UpdatedAt        string  `json:"updated_at"`
	LastContacted    *string `json:"last_contacted,omitempty"`
}

type paginatedLeads struct {
	Items      []LeadResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func agentStatusResponse(s domain.AgentStatus) AgentStatusResponse {
	return AgentStatusResponse{
		State:              s.State,
		PreviousState:      s.PreviousState,
		LastTransitionTime: s.LastTransitionTime,
		LastHeartbeat:      s.LastHeartbeat,
		CurrentTask:        s.CurrentTask,
		DiscoveryQuery:     s.DiscoveryQuery,
		DiscoveryLocation:  s.DiscoveryLocation,
		ErrorMessage:       s.ErrorMessage,
		ControlledBy:       s.ControlledBy,
	}
}

func leadResponse(l domain.Lead) LeadResponse {
	return LeadResponse{
		ID:               l.ID,
		BusinessName:     l.BusinessName,
		Category:         l.Category,
		Location:         l.Location,
		SourceURL:        l.SourceURL,
		WebsiteURL:       l.WebsiteURL,
		Email:            l.Email,
		Phone:            l.Phone,
		Tag:              l.Tag,
		Confidence:       l.Confidence,
		LifecycleState:   l.LifecycleState,
		ReviewStatus:     l.ReviewStatus,
		OutreachStatus:   l.OutreachStatus,
		AnalysisAttempts: l.AnalysisAttempts,
		Archived:         l.Archived,
		DiscoveredAt:     l.DiscoveredAt,
		UpdatedAt:        l.UpdatedAt,
		LastContacted:    l.LastContacted,
	}
}

func mapLeads(items []domain.Lead) []LeadResponse {
	res := make([]LeadResponse, 0, len(items))
	for _, l := range items {
		res = append(res, leadResponse(l))
	}
	return res
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
