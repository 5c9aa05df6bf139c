package dashboard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/taskvault/taskvault/pkg/audit"
)

// Render produces the dashboard.md markdown document for a summary
func Render(s *Summary) string {
	var b strings.Builder

	b.WriteString("# TaskVault Dashboard\n\n")
	fmt.Fprintf(&b, "_Generated %s_\n\n", s.GeneratedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "**Pending:** %d · **In flight:** %d · **Awaiting approval:** %d · **Cooldowns:** %d · **Deferred:** %d · **Completed today:** %d\n\n",
		s.Counts.Pending,
		s.Counts.Processing+s.Counts.ReadyToExecute+s.Counts.Deferred,
		s.Counts.AwaitingApproval,
		s.Counts.RetryQueued,
		len(s.Deferred),
		s.CompletedToday)

	b.WriteString("## Pending Tasks\n\n")
	if len(s.Pending) == 0 {
		b.WriteString("_None_\n\n")
	} else {
		b.WriteString("| Task | Source | Domain | Priority | Received |\n")
		b.WriteString("|------|--------|--------|----------|----------|\n")
		for _, t := range s.Pending {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				t.Name, t.Source, orDash(t.Domain), orDash(t.Priority),
				t.Received.Format("2006-01-02 15:04"))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Awaiting Approval\n\n")
	if len(s.Approvals) == 0 {
		b.WriteString("_None_\n\n")
	} else {
		b.WriteString("| Task | Action | Priority | Type | Created |\n")
		b.WriteString("|------|--------|----------|------|---------|\n")
		for _, a := range s.Approvals {
			kind := "approval"
			if a.Alert {
				kind = "ALERT"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				a.Task, a.Action, a.Priority, kind, a.Created.Format("2006-01-02 15:04"))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Open Plans\n\n")
	if len(s.OpenPlans) == 0 {
		b.WriteString("_None_\n\n")
	} else {
		b.WriteString("| Plan | Task | Progress |\n")
		b.WriteString("|------|------|----------|\n")
		for _, p := range s.OpenPlans {
			fmt.Fprintf(&b, "| %s | %s | %d/%d |\n", p.Name, p.Task, p.Done, p.Total)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Retry Cooldowns\n\n")
	if len(s.Cooldowns) == 0 {
		b.WriteString("_None_\n\n")
	} else {
		b.WriteString("| Task | Retries | Eligible At |\n")
		b.WriteString("|------|---------|-------------|\n")
		for _, t := range s.Cooldowns {
			eligible := "-"
			if t.RetryAfter != nil {
				eligible = t.RetryAfter.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(&b, "| %s | %d | %s |\n", t.Name, t.RetryCount, eligible)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Deferred Queue\n\n")
	if len(s.Deferred) == 0 {
		b.WriteString("_None_\n\n")
	} else {
		b.WriteString("| ID | Action | Service | Status | Queued |\n")
		b.WriteString("|----|--------|---------|--------|--------|\n")
		for _, d := range s.Deferred {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				shortID(d.ID), d.Action, d.Service, d.Status, d.Queued.Format("2006-01-02 15:04"))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recent Activity\n\n")
	if len(s.Activity) == 0 {
		b.WriteString("_None_\n")
	} else {
		b.WriteString(audit.FormatTable(s.Activity))
	}
	return b.String()
}

// WriteFile atomically replaces the dashboard document at path
func WriteFile(path string, s *Summary) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(Render(s)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
