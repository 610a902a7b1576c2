// Package persistence holds helpers shared by the store adapters.
package persistence

import (
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

// ClonePlanExecution deep-copies exec so callers never share mutable state
// with a store.
func ClonePlanExecution(exec *execution.PlanExecution) *execution.PlanExecution {
	if exec == nil {
		return nil
	}
	out := *exec
	out.SetupAbstractions = cloneStrings(exec.SetupAbstractions)
	out.Governance.Messages = append([]string(nil), exec.Governance.Messages...)
	out.Governance.Warnings = append([]string(nil), exec.Governance.Warnings...)
	out.StartTs = cloneTime(exec.StartTs)
	out.EndTs = cloneTime(exec.EndTs)
	return &out
}

// CloneNodeExecution deep-copies node. The ambiance is immutable and shared.
func CloneNodeExecution(node *execution.NodeExecution) *execution.NodeExecution {
	if node == nil {
		return nil
	}
	out := *node
	out.RetryIDs = append([]string(nil), node.RetryIDs...)
	if node.Failure != nil {
		failure := *node.Failure
		failure.Types = append([]execution.FailureType(nil), node.Failure.Types...)
		out.Failure = &failure
	}
	out.InterventionDeadline = cloneTime(node.InterventionDeadline)
	out.ResumeAt = cloneTime(node.ResumeAt)
	out.StartTs = cloneTime(node.StartTs)
	out.EndTs = cloneTime(node.EndTs)
	return &out
}

// CloneMetadata deep-copies metadata.
func CloneMetadata(metadata *execution.Metadata) *execution.Metadata {
	if metadata == nil {
		return nil
	}
	out := *metadata
	out.Labels = cloneStrings(metadata.Labels)
	return &out
}

// ContainsStatus reports whether status is listed. An empty list matches
// everything.
func ContainsStatus(statuses []execution.Status, status execution.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime[T any](in *T) *T {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
