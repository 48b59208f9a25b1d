package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/orchestrator"
	"github.com/hochfrequenz/recommendation-implementer/internal/parser"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(14)

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	processingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

func statusStyle(s domain.Status) lipgloss.Style {
	switch s {
	case domain.StatusCompleted:
		return completedStyle
	case domain.StatusProcessing:
		return processingStyle
	case domain.StatusFailed:
		return failedStyle
	default:
		return mutedStyle
	}
}

func statusIcon(s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return "✓"
	case domain.StatusProcessing:
		return "●"
	case domain.StatusFailed:
		return "✗"
	case domain.StatusCancelled:
		return "-"
	default:
		return "○"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// recordLine renders one row of the record list
func recordLine(r *domain.Record, now time.Time) string {
	line := fmt.Sprintf("%s %-36s %-11s %3d%%  %-40s %s",
		statusIcon(r.Status), r.ID, r.Status, r.Progress,
		truncate(r.Title, 40), humanize.RelTime(r.CreatedAt, now, "ago", "from now"))
	return statusStyle(r.Status).Render(line)
}

func field(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

// recordDetail renders a record with its full audit trail
func recordDetail(r *domain.Record, now time.Time) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(r.Title))
	b.WriteString("\n\n")

	field(&b, "ID", r.ID)
	field(&b, "Request", r.RequestID)
	field(&b, "Repository", r.RepoURL)
	field(&b, "Project", r.ProjectName)
	field(&b, "Status", statusStyle(r.Status).Render(fmt.Sprintf("%s (%d%%)", r.Status, r.Progress)))
	field(&b, "Created", humanize.RelTime(r.CreatedAt, now, "ago", "from now"))
	if r.BatchID != "" {
		field(&b, "Batch", fmt.Sprintf("%s #%d", r.BatchID, r.BatchOrder))
	}
	if r.CompletedAt != nil {
		field(&b, "Duration", formatDuration(r.Duration))
	}

	gen := r.CodeGeneration
	field(&b, "Branch", gen.BranchName)
	field(&b, "Commit", gen.CommitHash)
	if gen.Fallback {
		field(&b, "Fallback", warningStyle.Render("scaffold committed"))
	}
	if len(gen.ModifiedFiles) > 0 {
		field(&b, "Files", strings.Join(gen.ModifiedFiles, ", "))
		field(&b, "Lines", fmt.Sprintf("+%s -%s",
			humanize.Comma(int64(r.Metrics.LinesAdded)), humanize.Comma(int64(r.Metrics.LinesRemoved))))
	}
	if pr := r.PullRequest; pr != nil {
		if pr.Success {
			field(&b, "Pull request", pr.URL)
		} else {
			field(&b, "Pull request", failedStyle.Render(firstNonEmpty(pr.Error, pr.Message)))
		}
	}
	if d := r.Deployment; d != nil {
		switch {
		case !d.Success:
			field(&b, "Deployment", failedStyle.Render(d.Error))
		case d.Cached:
			field(&b, "Deployment", d.URL+mutedStyle.Render(" (cached)"))
		default:
			field(&b, "Deployment", d.URL)
		}
	}
	if v := r.ValidationResults; v != nil {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Validation"))
		b.WriteString(mutedStyle.Render(" " + string(v.ProjectType)))
		b.WriteString("\n")
		for _, c := range v.Commands {
			style := completedStyle
			switch c.Outcome {
			case domain.OutcomeFailed:
				style = failedStyle
			case domain.OutcomeSkipped:
				style = mutedStyle
			}
			b.WriteString(style.Render(fmt.Sprintf("  %-8s %-7s %s", c.Name, c.Outcome, formatDuration(c.Duration))))
			b.WriteString("\n")
		}
	}
	if r.Failure != nil {
		b.WriteString("\n")
		b.WriteString(failedStyle.Render("Failure: " + r.Failure.Message))
		b.WriteString("\n")
	}

	if len(r.Logs) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Log"))
		b.WriteString("\n")
		for _, e := range r.Logs {
			line := fmt.Sprintf("  %s %-7s %s", e.Timestamp.Format("15:04:05"), e.Level, e.Message)
			switch e.Level {
			case domain.LogError:
				line = failedStyle.Render(line)
			case domain.LogWarning:
				line = warningStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// outcomeSummary renders the result of one run
func outcomeSummary(o orchestrator.Outcome) string {
	var b strings.Builder
	if o.Success {
		b.WriteString(completedStyle.Render(fmt.Sprintf("✓ %s", o.Status)))
	} else {
		b.WriteString(failedStyle.Render(fmt.Sprintf("✗ %s", o.Status)))
	}
	if o.RecordID != "" {
		b.WriteString(mutedStyle.Render("  " + o.RecordID))
	}
	b.WriteString("\n")

	var sb strings.Builder
	field(&sb, "Branch", o.BranchName)
	field(&sb, "Commit", o.CommitHash)
	if len(o.ModifiedFiles) > 0 {
		field(&sb, "Files", humanize.Comma(int64(len(o.ModifiedFiles))))
	}
	if o.Fallback {
		field(&sb, "Fallback", warningStyle.Render("scaffold committed"))
	}
	if o.PullRequest != nil && o.PullRequest.Success {
		field(&sb, "Pull request", o.PullRequest.URL)
	}
	if o.Deployment != nil && o.Deployment.Success {
		field(&sb, "Deployment", o.Deployment.URL)
	}
	field(&sb, "Error", o.Error)
	b.WriteString(sb.String())
	return b.String()
}

// batchSummary renders the aggregate of a batch run
func batchSummary(bo orchestrator.BatchOutcome) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Batch " + bo.BatchID))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%d items: %s, %s, %s\n\n", bo.Total,
		completedStyle.Render(fmt.Sprintf("%d succeeded", bo.Succeeded)),
		failedStyle.Render(fmt.Sprintf("%d failed", bo.Failed)),
		mutedStyle.Render(fmt.Sprintf("%d cancelled", bo.Cancelled))))
	for i, o := range bo.Items {
		line := fmt.Sprintf("%2d. %s %-11s %s", i+1, statusIcon(o.Status), o.Status,
			firstNonEmpty(o.BranchName, o.Error))
		b.WriteString(statusStyle(o.Status).Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

// parseSummary renders the changes extracted from agent output
func parseSummary(res parser.Result) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d file(s) extracted", len(res.Changes))))
	b.WriteString("\n")
	for _, c := range res.Changes {
		b.WriteString(fmt.Sprintf("  %-40s %-10s %s\n", c.Filename, c.Language,
			mutedStyle.Render(fmt.Sprintf("line %d, %s, %s", c.Line, c.Convention, humanize.Bytes(uint64(len(c.Content)))))))
	}
	if len(res.Rejected) > 0 {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render(fmt.Sprintf("%d candidate(s) rejected", len(res.Rejected))))
		b.WriteString("\n")
		for _, r := range res.Rejected {
			b.WriteString(mutedStyle.Render(fmt.Sprintf("  line %d: %q %s", r.Line, r.Candidate, r.Reason)))
			b.WriteString("\n")
		}
	}
	return b.String()
}
