package audit

import (
	"fmt"
	"strings"
)

// FormatTable renders entries as a GitHub-flavoured markdown table for
// embedding in the dashboard. Long targets are truncated to keep the
// table readable.
func FormatTable(entries []Entry) string {
	if len(entries) == 0 {
		return "_No audit entries recorded yet._"
	}

	var b strings.Builder
	b.WriteString("| Timestamp (UTC) | Action Type | Actor | Target | Approval | Result |\n")
	b.WriteString("|-----------------|-------------|-------|--------|----------|--------|\n")
	for _, e := range entries {
		target := e.Target
		if len(target) > 45 {
			target = target[:42] + "..."
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			e.ActionType, e.Actor, target, e.ApprovalStatus, e.Result)
	}
	return strings.TrimRight(b.String(), "\n")
}
