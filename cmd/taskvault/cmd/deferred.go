package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/models"
)

var deferredCmd = &cobra.Command{
	Use:   "deferred",
	Short: "Inspect and resolve the deferred queue",
	Long: `Deferred entries are actions the escalation ladder could not complete.
Retrying approves the matching alert so the next cycle replays the
preserved payload; dismissing drops the action permanently.`,
}

var deferredListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deferred entries",
	RunE:  runDeferredList,
}

var deferredRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Approve a deferred entry for replay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveDeferred(args[0], true)
	},
}

var deferredDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a deferred entry permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveDeferred(args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(deferredCmd)
	deferredCmd.AddCommand(deferredListCmd)
	deferredCmd.AddCommand(deferredRetryCmd)
	deferredCmd.AddCommand(deferredDismissCmd)
}

func runDeferredList(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.close()

	entries, err := v.store.ReadDeferredQueue()
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("Deferred queue is empty.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Action", "Service", "Task", "Status", "Queued")
	for _, d := range entries {
		table.Append(shortID(d.ID), d.Action, d.Service, d.Task, string(d.Status), d.QueuedAt.Format("2006-01-02 15:04"))
	}
	table.Render()
	return nil
}

// findDeferred matches an entry by full ID or unique prefix
func findDeferred(entries []*models.DeferredEntry, id string) (*models.DeferredEntry, error) {
	var matched *models.DeferredEntry
	for _, d := range entries {
		if d.ID == id {
			return d, nil
		}
		if strings.HasPrefix(d.ID, id) {
			if matched != nil {
				return nil, fmt.Errorf("id prefix %q is ambiguous", id)
			}
			matched = d
		}
	}
	if matched == nil {
		return nil, fmt.Errorf("no deferred entry matching %q", id)
	}
	return matched, nil
}

func resolveDeferred(id string, retry bool) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.close()

	entries, err := v.store.ReadDeferredQueue()
	if err != nil {
		return err
	}
	entry, err := findDeferred(entries, id)
	if err != nil {
		return err
	}
	if !entry.Open() {
		return fmt.Errorf("entry %s is already %s", shortID(entry.ID), entry.Status)
	}

	if retry {
		if err := v.gate.Approve(entry.Task); err != nil {
			return fmt.Errorf("approve alert for %s: %w", entry.Task, err)
		}
		fmt.Printf("entry %s approved for replay on the next cycle\n", shortID(entry.ID))
		return nil
	}

	// Dismissal is terminal; relocate the alert too if it is still pending
	entry.Status = models.DeferredStatusDismissed
	if err := v.store.WriteDeferredQueue(entries); err != nil {
		return err
	}
	// Best effort: the alert may already have been relocated by hand
	_ = v.gate.Reject(entry.Task)
	fmt.Printf("entry %s dismissed\n", shortID(entry.ID))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
