package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/dashboard"
)

var statusActivity int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the vault summary",
	Long:  `Projects the current vault state plus recent audit activity into summary tables. Read-only.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusActivity, "activity", dashboard.DefaultActivityWindow, "recent audit entries to include")
}

func runStatus(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.close()

	summary, err := dashboard.Project(v.store, v.gate, v.audit, statusActivity, time.Now())
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(summary)
	}

	fmt.Printf("Pending: %d  In flight: %d  Awaiting approval: %d  Cooldowns: %d  Deferred: %d  Completed today: %d\n\n",
		summary.Counts.Pending,
		summary.Counts.Processing+summary.Counts.ReadyToExecute+summary.Counts.Deferred,
		summary.Counts.AwaitingApproval,
		summary.Counts.RetryQueued,
		len(summary.Deferred),
		summary.CompletedToday)

	if len(summary.Pending) > 0 {
		fmt.Println("Pending tasks:")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Task", "Source", "Domain", "Priority", "Received")
		for _, t := range summary.Pending {
			table.Append(t.Name, t.Source, t.Domain, t.Priority, t.Received.Format("2006-01-02 15:04"))
		}
		table.Render()
		fmt.Println()
	}

	if len(summary.Approvals) > 0 {
		fmt.Println("Awaiting approval:")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Task", "Action", "Priority", "Type")
		for _, a := range summary.Approvals {
			kind := "approval"
			if a.Alert {
				kind = "ALERT"
			}
			table.Append(a.Task, a.Action, a.Priority, kind)
		}
		table.Render()
		fmt.Println()
	}

	if len(summary.Cooldowns) > 0 {
		fmt.Println("Retry cooldowns:")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Task", "Retries", "Eligible At")
		for _, t := range summary.Cooldowns {
			eligible := "-"
			if t.RetryAfter != nil {
				eligible = t.RetryAfter.Format("2006-01-02 15:04")
			}
			table.Append(t.Name, fmt.Sprintf("%d", t.RetryCount), eligible)
		}
		table.Render()
		fmt.Println()
	}

	if len(summary.Deferred) > 0 {
		fmt.Println("Deferred queue:")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Action", "Service", "Status", "Queued")
		for _, d := range summary.Deferred {
			table.Append(shortID(d.ID), d.Action, d.Service, d.Status, d.Queued.Format("2006-01-02 15:04"))
		}
		table.Render()
		fmt.Println()
	}

	if len(summary.Activity) > 0 {
		fmt.Println("Recent activity:")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Time", "Action", "Actor", "Target", "Result")
		for _, e := range summary.Activity {
			table.Append(e.Timestamp.Format("15:04:05"), e.ActionType, e.Actor, e.Target, e.Result)
		}
		table.Render()
	}
	return nil
}
