package domain

// Agent operating states.
const (
	AgentIdle            = "idle"
	AgentDiscovering     = "discovering"
	AgentOutreachRunning = "outreach_running"
	AgentPaused          = "paused"
	AgentStopping        = "stopping"
	AgentError           = "error"
)

// Lead lifecycle states.
const (
	LeadDiscovered       = "discovered"
	LeadAnalyzing        = "analyzing"
	LeadAnalyzed         = "analyzed"
	LeadPendingReview    = "pending_review"
	LeadApproved         = "approved"
	LeadRejected         = "rejected"
	LeadReadyForOutreach = "ready_for_outreach"
	LeadFailed           = "failed"
)

// Review statuses, the simplified human-gate view of the lifecycle.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// Outreach statuses.
const (
	OutreachNotSent      = "not_sent"
	OutreachSentInitial  = "sent_initial"
	OutreachSentFollowup = "sent_followup"
	OutreachReplied      = "replied"
	OutreachBounced      = "bounced"
	OutreachFailed       = "failed"
)

// Message delivery states.
const (
	MessageQueued    = "queued"
	MessageSending   = "sending"
	MessageSent      = "sent"
	MessageFailed    = "failed"
	MessageCancelled = "cancelled"
)

// Message kinds.
const (
	MessageInitial  = "initial"
	MessageFollowup = "followup"
)

type Lead struct {
	ID               string  `json:"id"`
	BusinessName     string  `json:"business_name"`
	Category         string  `json:"category,omitempty"`
	Location         string  `json:"location"`
	SourceURL        string  `json:"source_url,omitempty"`
	WebsiteURL       string  `json:"website_url,omitempty"`
	Email            string  `json:"email,omitempty"`
	Phone            string  `json:"phone,omitempty"`
	Tag              string  `json:"tag,omitempty"`
	Confidence       string  `json:"confidence,omitempty" enum:"high,medium,low"`
	LifecycleState   string  `json:"lifecycle_state" enum:"discovered,analyzing,analyzed,pending_review,approved,rejected,ready_for_outreach,failed"`
	ReviewStatus     string  `json:"review_status" enum:"pending,approved,rejected"`
	OutreachStatus   string  `json:"outreach_status" enum:"not_sent,sent_initial,sent_followup,replied,bounced,failed"`
	AnalysisAttempts int     `json:"analysis_attempts"`
	Archived         bool    `json:"archived"`
	DiscoveredAt     string  `json:"discovered_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
	LastContacted    *string `json:"last_contacted,omitempty" format:"date-time"`
	Version          int     `json:"version"`
}

type Message struct {
	ID            string  `json:"id"`
	LeadID        string  `json:"lead_id"`
	Kind          string  `json:"kind" enum:"initial,followup"`
	ToEmail       string  `json:"to_email"`
	Subject       string  `json:"subject"`
	Body          string  `json:"body"`
	State         string  `json:"state" enum:"queued,sending,sent,failed,cancelled"`
	Attempts      int     `json:"attempts"`
	LastError     string  `json:"last_error,omitempty"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	SentAt        *string `json:"sent_at,omitempty" format:"date-time"`
}

// AgentStatus is the singleton agent_state row.
type AgentStatus struct {
	State              string  `json:"state" enum:"idle,discovering,outreach_running,paused,stopping,error"`
	PreviousState      string  `json:"previous_state,omitempty"`
	LastTransitionTime string  `json:"last_transition_time" format:"date-time"`
	LastHeartbeat      *string `json:"last_heartbeat,omitempty" format:"date-time"`
	CurrentTask        string  `json:"current_task,omitempty"`
	DiscoveryQuery     string  `json:"discovery_query,omitempty"`
	DiscoveryLocation  string  `json:"discovery_location,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
	ControlledBy       string  `json:"controlled_by"`
	Reason             string  `json:"reason,omitempty"`
}

// ControlLogEntry records one agent state transition attempt, including rejections.
type ControlLogEntry struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Command       string `json:"command"`
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	ControlledBy  string `json:"controlled_by"`
	Reason        string `json:"reason,omitempty"`
	Result        string `json:"result" enum:"success,rejected"`
	ErrorDetail   string `json:"error_detail,omitempty"`
}

// AuditEntry records one entity-level action. Append-only.
type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	EntityType string `json:"entity_type" enum:"lead,email,system"`
	EntityID   string `json:"entity_id,omitempty"`
	Module     string `json:"module"`
	Action     string `json:"action"`
	Result     string `json:"result" enum:"success,error,blocked,skipped"`
	Details    string `json:"details_json,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
