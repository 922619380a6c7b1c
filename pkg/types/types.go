package types

import (
	"time"
)

// Tenant is an isolation unit. Every key, queue entry and budget row is
// scoped by a tenant ID; nothing crosses tenant boundaries.
type Tenant struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Overrides *TenantOverrides  `json:"overrides,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// TenantOverrides holds per-tenant tuning applied on top of the global
// configuration snapshot. Zero values mean "use the global default".
type TenantOverrides struct {
	WorkerLeaseSec      int      `json:"worker_lease_sec,omitempty" yaml:"workerLeaseSec,omitempty"`
	JudgeLeaseSec       int      `json:"judge_lease_sec,omitempty" yaml:"judgeLeaseSec,omitempty"`
	PerceptionPollSec   int      `json:"perception_poll_sec,omitempty" yaml:"perceptionPollSec,omitempty"`
	PerceptionThreshold float64  `json:"perception_threshold,omitempty" yaml:"perceptionThreshold,omitempty"`
	SensitiveTopics     []string `json:"sensitive_topics,omitempty" yaml:"sensitiveTopics,omitempty"`
	ResourceURIs        []string `json:"resource_uris,omitempty" yaml:"resourceURIs,omitempty"`
	Workers             int      `json:"workers,omitempty" yaml:"workers,omitempty"`
	ToolServer          []string `json:"tool_server,omitempty" yaml:"toolServer,omitempty"`
}

// TaskType tags the kind of work a Task carries. Skill dispatch is keyed
// by this tag.
type TaskType string

const (
	TaskTypeAnalyzeTrends      TaskType = "analyze_trends"
	TaskTypeGenerateContent    TaskType = "generate_content"
	TaskTypePostContent        TaskType = "post_content"
	TaskTypeReplyComment       TaskType = "reply_comment"
	TaskTypeExecuteTransaction TaskType = "execute_transaction"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeAnalyzeTrends, TaskTypeGenerateContent, TaskTypePostContent,
		TaskTypeReplyComment, TaskTypeExecuteTransaction:
		return true
	}
	return false
}

// Priority orders tasks inside a queue. Higher pops first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

// Demote returns the next-lower priority, or PriorityLow if already there.
func (p Priority) Demote() Priority {
	if p > PriorityLow {
		return p - 1
	}
	return PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ParsePriority maps wire names back to a Priority. Unknown names map to
// PriorityMedium.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// TaskState tracks a task through its lifecycle. Transitions are forward-only
// except pending<->in_progress (lease expiry) and escalated->pending
// (operator reject with retry).
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateReview     TaskState = "review"
	TaskStateEscalated  TaskState = "escalated"
	TaskStateCommitted  TaskState = "committed"
	TaskStateFailed     TaskState = "failed"

	// TaskStateCommitPending marks the window between the judge accepting a
	// result and the output/version writes landing. The recovery scanner
	// finishes these on boot.
	TaskStateCommitPending TaskState = "committed_pending"
)

// Task is one unit of scheduled work.
type Task struct {
	ID         string            `json:"task_id"`
	TenantID   string            `json:"tenant_id"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Type       TaskType          `json:"task_type"`
	Priority   Priority          `json:"priority"`
	Goal       string            `json:"goal_description"`
	Context    map[string]string `json:"context,omitempty"`
	State      TaskState         `json:"state"`
	Attempt    int               `json:"attempt"`
	AgentID    string            `json:"agent_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ResultStatus is the outcome of one worker attempt.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// Well-known TaskResult error reasons. These flow through the review queue
// so operators see refusals instead of silent drops.
const (
	ReasonPerTxCap        = "per_tx_cap"
	ReasonDailyCap        = "daily_cap"
	ReasonSchemaViolation = "schema_violation"
	ReasonRepeatedFailure = "repeated_failure"
	ReasonOCCContention   = "occ_contention"
	ReasonUnknownTaskType = "unknown_task_type"
)

// TaskResult is a worker's output for one attempt of a Task.
type TaskResult struct {
	TaskID     string                 `json:"task_id"`
	TenantID   string                 `json:"tenant_id"`
	CampaignID string                 `json:"campaign_id,omitempty"`
	WorkerID   string                 `json:"worker_id"`
	Attempt    int                    `json:"attempt"`
	Status     ResultStatus           `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning_trace,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	CostUSDC   float64                `json:"cost_usdc"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Priority   Priority               `json:"priority"`
	ExecutedAt time.Time              `json:"executed_at"`
}

// Decision is a judge verdict.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionEscalate Decision = "escalate"
)

// JudgeDecision records the verdict attached to one reviewed result.
type JudgeDecision struct {
	TaskID        string    `json:"task_id"`
	TenantID      string    `json:"tenant_id"`
	Decision      Decision  `json:"decision"`
	RequiresHuman bool      `json:"requires_human_review"`
	Reasoning     string    `json:"reasoning"`
	Confidence    float64   `json:"confidence"`
	DecidedAt     time.Time `json:"decided_at"`
}

// CampaignState is the per-campaign shared state. Version is bumped on every
// committed mutation; writers must present the version they read.
type CampaignState struct {
	CampaignID      string    `json:"campaign_id"`
	TenantID        string    `json:"tenant_id"`
	Goals           []string  `json:"goals"`
	BudgetRemaining float64   `json:"budget_remaining_usdc"`
	Version         uint64    `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HITLStatus is the lifecycle of an escalated item waiting on an operator.
type HITLStatus string

const (
	HITLPending       HITLStatus = "pending"
	HITLApproved      HITLStatus = "approved"
	HITLRejectedRetry HITLStatus = "rejected_retry"
	HITLRejectedDrop  HITLStatus = "rejected_drop"
)

// HITLItem is a task parked for human review.
type HITLItem struct {
	TaskID   string      `json:"task_id"`
	TenantID string      `json:"tenant_id"`
	Payload  *TaskResult `json:"payload,omitempty"`
	Task     *Task       `json:"task,omitempty"`
	Reason   string      `json:"reason"`
	QueuedAt time.Time   `json:"queued_at"`
	Status   HITLStatus  `json:"status"`
}

// HITLVerdict is what an operator posts back for an escalated item.
type HITLVerdict string

const (
	VerdictApprove     HITLVerdict = "approve"
	VerdictRejectRetry HITLVerdict = "reject_retry"
	VerdictRejectDrop  HITLVerdict = "reject_drop"
)

// Valid reports whether v is a known operator verdict.
func (v HITLVerdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictRejectRetry, VerdictRejectDrop:
		return true
	}
	return false
}

// BudgetEntry is one (tenant, agent, UTC day) spend row. The store expires
// it at the next UTC midnight.
type BudgetEntry struct {
	TenantID  string    `json:"tenant_id"`
	AgentID   string    `json:"agent_id"`
	Day       string    `json:"day"` // yyyy-mm-dd, UTC
	SpentUSDC float64   `json:"spent_usdc"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FleetSummary is the operator-facing snapshot for one tenant.
type FleetSummary struct {
	TenantID    string             `json:"tenant_id"`
	Components  map[string]string  `json:"components"`
	QueueDepths map[string]int     `json:"queue_depths"`
	BudgetBurn  map[string]float64 `json:"budget_burn_usdc"`
	Campaigns   []*CampaignState   `json:"campaigns,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}
