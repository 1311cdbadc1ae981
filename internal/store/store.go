// ABOUTME: Store interfaces and data models for the tool gateway
// ABOUTME: One repository interface per entity, implemented by SQLStore and MockStore

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key is already taken
var ErrDuplicate = errors.New("already exists")

// ErrInUse is returned when deleting an entity that others still reference
var ErrInUse = errors.New("still referenced")

// ErrTerminal is returned when updating an execution that already finished
var ErrTerminal = errors.New("execution already terminal")

// ServerStatus is the connection state persisted for a ToolServer.
type ServerStatus string

const (
	ServerConnecting   ServerStatus = "connecting"
	ServerConnected    ServerStatus = "connected"
	ServerError        ServerStatus = "error"
	ServerDisconnected ServerStatus = "disconnected"
)

// ToolServer is an operator-registered tool provider.
// Transport is the adapter kind; Config is the kind-specific JSON shape.
type ToolServer struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Transport  string          `json:"transport"`
	Config     json.RawMessage `json:"config"`
	Status     ServerStatus    `json:"status"`
	LastPingAt *time.Time      `json:"lastPingAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Tool is a capability reported by a server during catalog sync.
type Tool struct {
	ID          string          `json:"id"`
	ServerID    string          `json:"serverId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ToolSpec is a tool as reported live by a server, before persistence.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// WildcardCaller matches any caller type in a Permission.
const WildcardCaller = "*"

// Permission grants or denies one caller type access to one tool.
type Permission struct {
	ID         string    `json:"id"`
	ToolID     string    `json:"toolId"`
	CallerType string    `json:"callerType"`
	Allowed    bool      `json:"allowed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Permits reports whether any rule for callerType, or the wildcard, allows access.
func Permits(perms []*Permission, callerType string) bool {
	for _, p := range perms {
		if (p.CallerType == callerType || p.CallerType == WildcardCaller) && p.Allowed {
			return true
		}
	}
	return false
}

// Usage statuses.
const (
	UsageSuccess = "success"
	UsageError   = "error"
)

// UsageRecord is an append-only audit entry for one invocation attempt.
type UsageRecord struct {
	ID         string          `json:"id"`
	ToolID     string          `json:"toolId"`
	CallerID   string          `json:"callerId"`
	CallerType string          `json:"callerType"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMs int64           `json:"durationMs"`
	Status     string          `json:"status"`
	Cached     bool            `json:"cached"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// UsageFilter narrows ListUsage results. Zero values are ignored.
type UsageFilter struct {
	ToolID     string
	CallerType string
	Since      *time.Time
	Limit      int
}

// Skill is a named, versioned workflow owned by an organisation.
type Skill struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	AuthorID     string    `json:"authorId"`
	IsPublic     bool      `json:"isPublic"`
	InstallCount int       `json:"installCount"`
	RatingSum    int       `json:"ratingSum"`
	RatingCount  int       `json:"ratingCount"`
	ForkedFromID *string   `json:"forkedFromId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SkillUpdate holds the mutable fields of a Skill. Nil fields are left unchanged.
type SkillUpdate struct {
	Name        *string
	Description *string
	Category    *string
}

// SkillFilter narrows ListSkills results.
type SkillFilter struct {
	PublicOnly bool
	Category   string
	// ByInstalls orders by install count instead of creation time.
	ByInstalls bool
}

// SkillVersion is one immutable definition of a Skill.
type SkillVersion struct {
	ID            string          `json:"id"`
	SkillID       string          `json:"skillId"`
	Version       string          `json:"version"`
	Definition    json.RawMessage `json:"definition"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	OutputMapping json.RawMessage `json:"outputMapping,omitempty"`
	IsLatest      bool            `json:"isLatest"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// SkillRating is one user's rating of a Skill.
type SkillRating struct {
	SkillID   string    `json:"skillId"`
	UserID    string    `json:"userId"`
	Rating    int       `json:"rating"`
	Review    string    `json:"review,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExecutionStatus is the lifecycle state of a SkillExecution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// SkillExecution records one run of one SkillVersion.
type SkillExecution struct {
	ID          string          `json:"id"`
	SkillID     string          `json:"skillId"`
	VersionID   string          `json:"versionId"`
	OrgID       string          `json:"orgId"`
	TriggeredBy string          `json:"triggeredBy"`
	TriggerType string          `json:"triggerType"`
	Input       json.RawMessage `json:"input"`
	Status      ExecutionStatus `json:"status"`
	StepResults json.RawMessage `json:"stepResults"`
	Output      json.RawMessage `json:"output"`
	DurationMs  int64           `json:"durationMs"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ExecutionResult is the terminal state written by FinishExecution.
type ExecutionResult struct {
	Status      ExecutionStatus
	StepResults json.RawMessage
	Output      json.RawMessage
	DurationMs  int64
}

// ServerStore persists ToolServer records.
type ServerStore interface {
	CreateServer(ctx context.Context, srv *ToolServer) error
	GetServer(ctx context.Context, id string) (*ToolServer, error)
	ListServers(ctx context.Context) ([]*ToolServer, error)
	// UpdateServerStatus sets the status; lastPing is written only when non-nil.
	UpdateServerStatus(ctx context.Context, id string, status ServerStatus, lastPing *time.Time) error
	// DeleteServer returns ErrInUse while the server still has tools.
	DeleteServer(ctx context.Context, id string) error
}

// CatalogStore persists tools and their permissions.
type CatalogStore interface {
	// SyncTools atomically disables every tool of the server, then upserts
	// each reported tool as enabled. Rows are never deleted.
	SyncTools(ctx context.Context, serverID string, tools []ToolSpec) error
	ListTools(ctx context.Context, serverID string) ([]*Tool, error)
	GetToolByName(ctx context.Context, serverID, name string) (*Tool, error)
	SetPermission(ctx context.Context, toolID, callerType string, allowed bool) (*Permission, error)
	ListPermissions(ctx context.Context, toolID string) ([]*Permission, error)
}

// UsageStore persists tool usage records.
type UsageStore interface {
	SaveUsage(ctx context.Context, rec *UsageRecord) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error)
}

// SkillStore persists skills, versions, and ratings.
type SkillStore interface {
	CreateSkill(ctx context.Context, skill *Skill) error
	GetSkill(ctx context.Context, id string) (*Skill, error)
	ListSkills(ctx context.Context, filter SkillFilter) ([]*Skill, error)
	UpdateSkill(ctx context.Context, id string, update SkillUpdate) (*Skill, error)
	DeleteSkill(ctx context.Context, id string) error
	SetSkillPublic(ctx context.Context, id string, public bool) (*Skill, error)
	IncrementInstallCount(ctx context.Context, id string) error
	// RateSkill upserts the rating and recomputes the skill's rating sums.
	RateSkill(ctx context.Context, rating *SkillRating) error

	// CreateVersion clears the previous latest version when v.IsLatest is set.
	CreateVersion(ctx context.Context, v *SkillVersion) error
	GetVersion(ctx context.Context, id string) (*SkillVersion, error)
	GetLatestVersion(ctx context.Context, skillID string) (*SkillVersion, error)
	ListVersions(ctx context.Context, skillID string) ([]*SkillVersion, error)
}

// ExecutionStore persists skill executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *SkillExecution) error
	GetExecution(ctx context.Context, id string) (*SkillExecution, error)
	// ListExecutions returns newest first; an empty orgID lists all.
	ListExecutions(ctx context.Context, orgID string) ([]*SkillExecution, error)
	// FinishExecution moves a running execution to a terminal state.
	// Returns ErrTerminal if it already left the running state.
	FinishExecution(ctx context.Context, id string, result ExecutionResult) error
	// CancelExecution marks a running execution cancelled.
	// Returns ErrTerminal if it already finished.
	CancelExecution(ctx context.Context, id string) (*SkillExecution, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	ServerStore
	CatalogStore
	UsageStore
	SkillStore
	ExecutionStore

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
