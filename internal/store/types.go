package store

import "time"

// Workspace status values are owned by the workspace state machine; the store
// only persists them.
type Workspace struct {
	ID                 string
	TenantID           string
	Name               string
	Status             string
	RepairAttempts     int
	LastStatusChangeAt time.Time
	CreatedAt          time.Time
}

// Goal statuses.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalArchived  = "archived"
)

type Goal struct {
	ID              string
	WorkspaceID     string
	MetricType      string
	TargetValue     float64
	CurrentValue    float64
	Status          string
	LastValidatedAt *time.Time
	CreatedAt       time.Time
}

// Task statuses as consumed by the core. The core never creates tasks.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

type Task struct {
	ID                   string
	WorkspaceID          string
	GoalID               string // empty when the task contributes to no goal
	Status               string
	ContributionExpected float64
	ResultSummary        string
	BusinessValueScore   float64
	CompletedAt          *time.Time
	CreatedAt            time.Time
}

// LedgerEntry is an append-only progress delta. Entries are never updated or
// deleted; the goal's cached current_value is a projection over them.
type LedgerEntry struct {
	ID             string
	GoalID         string
	TaskID         string // empty for administrative entries
	Delta          float64
	ResultingValue float64 // derived on append from the ledger sum, ignored on write
	Note           string
	CreatedAt      time.Time
}

// Checkpoint statuses.
const (
	CheckpointPending  = "pending"
	CheckpointResolved = "resolved"
	CheckpointExpired  = "expired"
)

// Checkpoint is an in-flight claim on a unit of deliverable-creation work.
// At most one pending checkpoint may exist per scope key; the partial unique
// index in the schema enforces this across all daemon instances.
type Checkpoint struct {
	ID          string
	WorkspaceID string
	TaskID      string
	ScopeKey    string
	Status      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ResolvedAt  *time.Time
}

// Deliverable statuses.
const (
	DeliverablePending      = "pending"
	DeliverableSynthesizing = "synthesizing"
	DeliverableReady        = "ready"
	DeliverableFailed       = "failed"
)

// Deliverable records one synthesis attempt. CheckpointID is the claim the
// deliverable was created under; settling the deliverable releases that
// checkpoint and no other.
type Deliverable struct {
	ID           string
	WorkspaceID  string
	GoalID       string
	CheckpointID string
	Title        string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditEntry records an administrative operation (force create, goal reset).
type AuditEntry struct {
	ID        string
	TenantID  string
	Actor     string
	Action    string
	SubjectID string
	Detail    string
	CreatedAt time.Time
}
