package models

import "time"

// SessionState is the lifecycle state of an approval session.
type SessionState string

const (
	// StatePending means the session is waiting for approvals.
	StatePending SessionState = "pending"
	// StateApproved means every required approver has approved.
	StateApproved SessionState = "approved"
	// StateExecuting means merge jobs have been dispatched.
	StateExecuting SessionState = "executing"
	// StateCompleted means every merge job succeeded.
	StateCompleted SessionState = "completed"
	// StateFailed means at least one merge job failed.
	StateFailed SessionState = "failed"
	// StateAbandoned means the session timed out or was cancelled before approval.
	StateAbandoned SessionState = "abandoned"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAbandoned
}

// JobStatus is the outcome of a single repository merge job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// FailureReason classifies why a merge job failed.
type FailureReason string

const (
	ReasonConflict       FailureReason = "conflict"
	ReasonNotFastForward FailureReason = "not-fast-forward"
	ReasonPushRejected   FailureReason = "push-rejected"
	ReasonTransport      FailureReason = "transport-error"
)

// MergeJob is one repository's merge work within a session.
type MergeJob struct {
	Repository   string        `json:"repository"`
	BaseBranch   string        `json:"base_branch"`
	TargetBranch string        `json:"target_branch"`
	Status       JobStatus     `json:"status"`
	Reason       FailureReason `json:"reason,omitempty"`
	Detail       string        `json:"detail,omitempty"`
}

// DeployStatus is the aggregate outcome of a session's merge jobs.
type DeployStatus string

const (
	DeployAllSucceeded   DeployStatus = "all-succeeded"
	DeployPartialFailure DeployStatus = "partial-failure"
	DeployAborted        DeployStatus = "aborted"
)

// DeployResult aggregates per-repository outcomes for a session.
type DeployResult struct {
	SessionID string       `json:"session_id"`
	Jobs      []MergeJob   `json:"jobs"`
	Status    DeployStatus `json:"status"`
}

// CommandRequest is the parsed chat command that initiates a deploy.
type CommandRequest struct {
	Command     string `json:"command" binding:"required"`
	Deployable  string `json:"deployable" binding:"required"`
	Environment string `json:"environment" binding:"required"`
	RequesterID string `json:"requester_id" binding:"required"`
}

// ApprovalEventRequest is an inbound reaction event from the chat platform.
type ApprovalEventRequest struct {
	SessionID    string `json:"session_id" binding:"required"`
	UserID       string `json:"user_id" binding:"required"`
	ReactionKind string `json:"reaction_kind" binding:"required"`
}

// SessionView is the API representation of an approval session.
type SessionView struct {
	ID            string       `json:"id"`
	Deployable    string       `json:"deployable"`
	Environment   string       `json:"environment"`
	RequesterID   string       `json:"requester_id"`
	State         SessionState `json:"state"`
	RequiredCount int          `json:"required_count"`
	ApprovedCount int          `json:"approved_count"`
	Outstanding   []string     `json:"outstanding,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	Deadline      time.Time    `json:"deadline"`
	Jobs          []MergeJob   `json:"jobs,omitempty"`
}

// CommandResponse is returned synchronously for an accepted deploy command.
type CommandResponse struct {
	SessionID    string    `json:"session_id"`
	Deployable   string    `json:"deployable"`
	Environment  string    `json:"environment"`
	Repositories []string  `json:"repositories"`
	Approvers    []string  `json:"approvers"`
	Deadline     time.Time `json:"deadline"`
}

type HealthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	DatabaseAccessible bool   `json:"database_accessible"`
}

type ErrorResponse struct {
	Error   string    `json:"error"`
	Details string    `json:"details,omitempty"`
	Time    time.Time `json:"time"`
}
