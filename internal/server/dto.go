package server

import (
	"aether/internal/domain"
	"aether/internal/export"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type CreateProposalRequest struct {
	Type       string `json:"type" enum:"strategy,design,task_assignment"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Supersedes int64  `json:"supersedes,omitempty"`
}

type ReviewProposalRequest struct {
	Approve  bool   `json:"approve"`
	Feedback string `json:"feedback,omitempty"`
}

type CreateTaskRequest struct {
	ModuleID     int64   `json:"module_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Requirements string  `json:"requirements,omitempty"`
	DependsOn    []int64 `json:"depends_on,omitempty"`
}

type AssignTaskRequest struct {
	AgentID int64 `json:"agent_id"`
}

type ProgressRequest struct {
	Percentage int    `json:"percentage" minimum:"0" maximum:"100"`
	Note       string `json:"note,omitempty"`
}

type CompleteTaskRequest struct {
	Summary string `json:"summary,omitempty"`
}

type BlockTaskRequest struct {
	Reason string `json:"reason"`
}

type ApproveTaskRequest struct {
	Comments string `json:"comments,omitempty"`
}

type SignOffRequest struct {
	Comments string `json:"comments,omitempty"`
}

type AddKnowledgeRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source,omitempty"`
}

type AddDeliverableRequest struct {
	AgentID     int64  `json:"agent_id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type UploadAttachmentRequest struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type RejectExportRequest struct {
	Feedback string `json:"feedback"`
}

type PromoteRequest struct {
	ExpectEmptySlot *bool `json:"expect_empty_slot,omitempty"`
}

// Response payloads. Domain types already carry JSON tags; aliases
// keep the schema names stable.

type ProjectResponse = domain.Project
type ProposalResponse = domain.Proposal
type TaskResponse = domain.Task
type AgentResponse = domain.Agent
type ApprovalResponse = domain.Approval
type ActivityResponse = domain.ActivityLog
type KnowledgeResponse = domain.Knowledge
type DeliverableResponse = domain.Deliverable
type AttachmentResponse = domain.Attachment
type ExportSpecResponse = export.Spec

type ProjectStatusResponse struct {
	Project    ProjectResponse `json:"project"`
	TaskCounts map[string]int  `json:"task_counts"`
}

type ReviewResponse struct {
	Proposal      ProposalResponse `json:"proposal"`
	ProjectStatus string           `json:"project_status"`
	BreakdownErr  string           `json:"breakdown_error,omitempty"`
}
