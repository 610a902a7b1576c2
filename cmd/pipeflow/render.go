package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

func supportsUnicode(writer any) bool {
	if file, ok := writer.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	return false
}

func statusStyle(status execution.Status) lipgloss.Style {
	switch {
	case status.IsPositive():
		return successStyle
	case status.IsFailure():
		return failureStyle
	case status == execution.StatusInterventionWaiting,
		status == execution.StatusAsyncWaiting,
		status == execution.StatusPaused,
		status == execution.StatusWaiting,
		status == execution.StatusQueued:
		return waitingStyle
	case status.IsFinal():
		return mutedStyle
	default:
		return activeStyle
	}
}

func statusIcon(status execution.Status, useUnicode bool) string {
	switch {
	case status.IsPositive():
		return pick("✔", "[ok]", useUnicode)
	case status.IsFailure():
		return pick("✖", "[x]", useUnicode)
	case status == execution.StatusInterventionWaiting:
		return pick("⏸", "[?]", useUnicode)
	case status.IsFinal():
		return pick("■", "[-]", useUnicode)
	default:
		return pick("●", "[>]", useUnicode)
	}
}

func pick(icon, fallback string, useUnicode bool) string {
	if useUnicode {
		return icon
	}
	return fallback
}

// formatStatus renders status with its icon, coloured only on terminals.
func formatStatus(status execution.Status, fancy bool) string {
	text := fmt.Sprintf("%s %s", statusIcon(status, fancy), status)
	if !fancy {
		return text
	}
	return statusStyle(status).Render(text)
}

// renderExecution prints pe and its node tree. Superseded retry attempts
// stay in the tree, marked as retried.
func renderExecution(w io.Writer, pe *execution.PlanExecution, nodes []*execution.NodeExecution, fancy bool) {
	header := fmt.Sprintf("Plan execution: %s", pe.ID)
	if fancy {
		header = headerStyle.Render(header)
	}
	fmt.Fprintln(w, header)
	fmt.Fprintf(w, "Plan:     %s\n", pe.PlanID)
	fmt.Fprintf(w, "Pipeline: %s\n", valueOrFallback(pe.PipelineID, "(none)"))
	fmt.Fprintf(w, "Status:   %s\n", formatStatus(pe.Status, fancy))
	fmt.Fprintf(w, "Started:  %s\n", formatTime(pe.StartTs))
	fmt.Fprintf(w, "Ended:    %s\n", formatTime(pe.EndTs))
	if pe.StartTs != nil && pe.EndTs != nil {
		fmt.Fprintf(w, "Duration: %s\n", pe.EndTs.Sub(*pe.StartTs).Round(time.Millisecond))
	}
	if len(pe.Governance.Messages) > 0 {
		fmt.Fprintf(w, "Governance:\n")
		for _, msg := range pe.Governance.Messages {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}

	if len(nodes) == 0 {
		return
	}
	fmt.Fprintf(w, "\nNodes:\n")
	children := make(map[string][]*execution.NodeExecution)
	for _, ne := range nodes {
		children[ne.ParentRuntimeID] = append(children[ne.ParentRuntimeID], ne)
	}
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, ne := range children[parent] {
			line := fmt.Sprintf("%s%s  %s", strings.Repeat("  ", depth+1), ne.SetupID, formatStatus(ne.Status, fancy))
			if ne.OldRetry {
				line += "  (retried)"
			}
			if ne.Status == execution.StatusInterventionWaiting {
				line += fmt.Sprintf("  runtime=%s deadline=%s", ne.RuntimeID, formatTime(ne.InterventionDeadline))
			}
			if ne.Failure != nil && ne.Failure.Message != "" && !ne.OldRetry {
				line += "  " + mutedOrPlain(ne.Failure.Message, fancy)
			}
			fmt.Fprintln(w, line)
			walk(ne.RuntimeID, depth+1)
		}
	}
	walk("", 0)
}

func mutedOrPlain(text string, fancy bool) string {
	if fancy {
		return mutedStyle.Render(text)
	}
	return text
}

func formatTime(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return "-"
	}
	return ts.Format(time.RFC3339)
}

func valueOrFallback(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

type statusJSONPayload struct {
	Execution *execution.PlanExecution   `json:"execution"`
	Nodes     []*execution.NodeExecution `json:"nodes"`
}

func renderExecutionJSON(w io.Writer, pe *execution.PlanExecution, nodes []*execution.NodeExecution) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(statusJSONPayload{Execution: pe, Nodes: nodes})
}
