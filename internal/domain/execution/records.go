package execution

import (
	"strings"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
)

// GovernanceVerdict records the policy decision taken when a run was created.
type GovernanceVerdict struct {
	Deny     bool     `json:"deny"`
	Messages []string `json:"messages,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// PlanExecution is one top-level run of a plan. Its status only changes
// through the store's status transition operation.
type PlanExecution struct {
	ID                string            `json:"id"`
	PlanID            string            `json:"planId"`
	PipelineID        string            `json:"pipelineId"`
	Status            Status            `json:"status"`
	SetupAbstractions map[string]string `json:"setupAbstractions,omitempty"`
	QueueKey          string            `json:"queueKey,omitempty"`
	Governance        GovernanceVerdict `json:"governance"`
	AbortRequested    bool              `json:"abortRequested,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	StartTs           *time.Time        `json:"startTs,omitempty"`
	EndTs             *time.Time        `json:"endTs,omitempty"`
}

// Metadata is the bookkeeping persisted alongside a plan execution.
type Metadata struct {
	PlanExecutionID string            `json:"planExecutionId"`
	PipelineYAML    string            `json:"pipelineYaml,omitempty"`
	Version         string            `json:"version,omitempty"`
	TriggeredBy     string            `json:"triggeredBy,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// NodeExecution is one runtime instance of a plan node. A retry produces a new
// NodeExecution with the same SetupID and a fresh RuntimeID.
type NodeExecution struct {
	RuntimeID            string             `json:"runtimeId"`
	SetupID              string             `json:"setupId"`
	PlanExecutionID      string             `json:"planExecutionId"`
	ParentRuntimeID      string             `json:"parentRuntimeId,omitempty"`
	StepType             string             `json:"stepType"`
	Status               Status             `json:"status"`
	Ambiance             *ambiance.Ambiance `json:"ambiance"`
	RetryIDs             []string           `json:"retryIds,omitempty"`
	OldRetry             bool               `json:"oldRetry,omitempty"`
	Failure              *FailureInfo       `json:"failure,omitempty"`
	NextNodeID           string             `json:"nextNodeId,omitempty"`
	InterventionDeadline *time.Time         `json:"interventionDeadline,omitempty"`
	ResumeAt             *time.Time         `json:"resumeAt,omitempty"`
	PendingRetryID       string             `json:"pendingRetryId,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	StartTs              *time.Time         `json:"startTs,omitempty"`
	EndTs                *time.Time         `json:"endTs,omitempty"`
}

// QueueKey builds the per-pipeline key used for admission, wait tokens and
// the resume lock.
func QueueKey(accountID, orgID, projectID, pipelineID string) string {
	return strings.Join([]string{accountID, orgID, projectID, pipelineID}, ":")
}

// TimePtr returns a pointer to t in UTC.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
