package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/accord/internal/orchestrator"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)
)

func statusStyle(s orchestrator.Status) lipgloss.Style {
	switch s {
	case orchestrator.StatusPaused:
		return pausedStyle
	case orchestrator.StatusFailed:
		return failedStyle
	case orchestrator.StatusCompleted:
		return doneStyle
	}
	return activeStyle
}

// progressBar draws step of total as a fixed-width bar.
func progressBar(step, total int) string {
	if total <= 0 || step <= 0 {
		return dimStyle.Render(strings.Repeat("·", 9))
	}
	return activeStyle.Render(strings.Repeat("■", step)) + dimStyle.Render(strings.Repeat("·", total-step))
}

// renderStatus draws an orchestration for the terminal.
func renderStatus(st *orchestrator.State) string {
	s := orchestrator.Summarize(st)
	var b strings.Builder

	b.WriteString(headerStyle.Render("accord " + s.ID))
	b.WriteString(" " + statusStyle(s.Status).Render(string(s.Status)) + "\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Task: "), s.Task)
	fmt.Fprintf(&b, "%s %s %s", labelStyle.Render("Phase:"), s.Phase, progressBar(s.Step, s.Steps))
	if s.Step > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" %d/%d", s.Step, s.Steps)))
	}
	b.WriteString("\n")
	if s.NextPhase != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Next: "), s.NextPhase)
	}
	if s.FailureReason != "" {
		fmt.Fprintf(&b, "%s %s\n", failedStyle.Render("Failure:"), s.FailureReason)
	}

	if len(s.PendingGates) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Pending gates") + "\n")
		for _, g := range s.PendingGates {
			fmt.Fprintf(&b, "  %s → %s %s\n", g.ID, g.TargetPhase, dimStyle.Render("("+g.ApproverRole+")"))
			fmt.Fprintf(&b, "    %s\n", g.Proposal)
		}
	}

	if n := len(st.Decisions); n > 0 {
		b.WriteString("\n" + sectionStyle.Render("Decisions") + "\n")
		for _, d := range st.Decisions {
			fmt.Fprintf(&b, "  %s: %s %s\n", d.Topic, d.Chosen, dimStyle.Render("["+string(d.Phase)+"]"))
		}
	}

	if s.LastTransition != nil {
		tr := s.LastTransition
		b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("last change %s: %s → %s", tr.At, tr.From, tr.To)) + "\n")
	}
	return b.String()
}

// renderGates lists gates as aligned rows.
func renderGates(gates []orchestrator.Gate) string {
	if len(gates) == 0 {
		return dimStyle.Render("no gates") + "\n"
	}
	var b strings.Builder
	for _, g := range gates {
		status := string(g.Status)
		switch g.Status {
		case orchestrator.GateApproved:
			status = activeStyle.Render(status)
		case orchestrator.GateRejected:
			status = failedStyle.Render(status)
		default:
			status = pausedStyle.Render(status)
		}
		fmt.Fprintf(&b, "%-10s %-18s %-12s %s\n", g.ID, g.TargetPhase, g.ApproverRole, status)
		if g.Feedback != "" {
			fmt.Fprintf(&b, "           %s\n", dimStyle.Render("feedback: "+g.Feedback))
		}
	}
	return b.String()
}
