package domain

// Project statuses, in workflow order.
const (
	ProjectIdeation       = "ideation"
	ProjectStrategyReview = "strategy_review"
	ProjectDesign         = "design"
	ProjectDevelopment    = "development"
	ProjectTesting        = "testing"
	ProjectDeployed       = "deployed"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskApproved   = "approved"
	TaskBlocked    = "blocked"
)

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentWorking = "working"
	AgentBlocked = "blocked"
)

// Proposal statuses.
const (
	ProposalPendingReview = "pending_review"
	ProposalApproved      = "approved"
	ProposalRejected      = "rejected"
	ProposalRevised       = "revised"
)

type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role" enum:"user,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"ideation,strategy_review,design,development,testing,deployed"`
	CreatedBy   int64  `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Proposal content is immutable after insert; review mutates only the
// status, reviewer, feedback and reviewed_at fields.
type Proposal struct {
	ID         int64   `json:"id"`
	ProjectID  int64   `json:"project_id"`
	Type       string  `json:"type" enum:"strategy,design,task_assignment"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Status     string  `json:"status" enum:"pending_review,approved,rejected,revised"`
	CreatedBy  int64   `json:"created_by"`
	ReviewedBy *int64  `json:"reviewed_by,omitempty"`
	Feedback   *string `json:"feedback,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ReviewedAt *string `json:"reviewed_at,omitempty" format:"date-time"`
}

type Subsystem struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"planned,designing,in_development,testing,deployed"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Module struct {
	ID          int64  `json:"id"`
	SubsystemID int64  `json:"subsystem_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"planned,designing,in_development,testing,deployed"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID                 int64   `json:"id"`
	ModuleID           int64   `json:"module_id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Requirements       string  `json:"requirements,omitempty"`
	Status             string  `json:"status" enum:"pending,assigned,in_progress,completed,approved,blocked"`
	AssignedAgentID    *int64  `json:"assigned_agent_id,omitempty"`
	ProgressPercentage int     `json:"progress_percentage"`
	BlockerReason      *string `json:"blocker_reason,omitempty"`
	DependsOn          []int64 `json:"depends_on,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
}

// Agent invariant: CurrentTaskID non-nil implies Status != idle.
type Agent struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Role           string `json:"role" enum:"project_manager,research,architecture,ui_ux,frontend,backend,devops,qa"`
	Specialization string `json:"specialization,omitempty"`
	Status         string `json:"status" enum:"idle,working,blocked"`
	CurrentTaskID  *int64 `json:"current_task_id,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

// ActivityLog rows are append-only.
type ActivityLog struct {
	ID         int64   `json:"id"`
	AgentID    int64   `json:"agent_id"`
	TaskID     *int64  `json:"task_id,omitempty"`
	Action     string  `json:"action"`
	Details    *string `json:"details,omitempty"`
	ToolCalled *string `json:"tool_called,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// Approval rows are append-only; one row per review action.
type Approval struct {
	ID         int64   `json:"id"`
	UserID     int64   `json:"user_id"`
	EntityType string  `json:"entity_type" enum:"proposal,task,deliverable"`
	EntityID   int64   `json:"entity_id"`
	Status     string  `json:"status" enum:"approved,rejected,pending_revision"`
	Comments   *string `json:"comments,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// Knowledge is append-only; the latest row for a key wins on read.
type Knowledge struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Source    string `json:"source,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Deliverable struct {
	ID          int64   `json:"id"`
	TaskID      int64   `json:"task_id"`
	AgentID     int64   `json:"agent_id"`
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	URL         string  `json:"url"`
	Description *string `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Attachment struct {
	ID         int64  `json:"id"`
	ProjectID  int64  `json:"project_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	MimeType   string `json:"mime_type"`
	FileKey    string `json:"file_key"`
	FileURL    string `json:"file_url"`
	UploadedBy int64  `json:"uploaded_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	Actor     string `json:"actor"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TaskLink pins a task to its record in the remote task list so the
// reconciler can match by identifier instead of title.
type TaskLink struct {
	TaskID   int64  `json:"task_id"`
	RemoteID string `json:"remote_id"`
	ListID   string `json:"list_id"`
	SyncedAt string `json:"synced_at" format:"date-time"`
}

// ExportSlot is the single-occupancy current-task register. Version
// increments on every promotion so observers can detect replacement.
type ExportSlot struct {
	TaskID    *int64 `json:"task_id,omitempty"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}
