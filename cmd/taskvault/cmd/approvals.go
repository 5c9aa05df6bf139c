package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and decide pending approvals",
	Long: `The approval pools are plain directories: moving an artifact from
pending/ to approved/ or rejected/ by hand is equivalent to these
commands. The engine only ever observes the relocation.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests awaiting a decision",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <task>",
	Short: "Approve the pending request for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], true)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <task>",
	Short: "Reject the pending request for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsRejectCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.close()

	pending, err := v.gate.Pending()
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(pending)
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Action", "Priority", "Type", "Created")
	for _, req := range pending {
		kind := "approval"
		if req.IsAlert() {
			kind = "ALERT"
		}
		table.Append(req.SourceTask, req.Action, req.Priority, kind, req.CreatedAt.Format("2006-01-02 15:04"))
	}
	table.Render()
	return nil
}

func decide(task string, approve bool) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.close()

	if approve {
		if err := v.gate.Approve(task); err != nil {
			return err
		}
		fmt.Printf("approved %s (applied on the next cycle)\n", task)
		return nil
	}
	if err := v.gate.Reject(task); err != nil {
		return err
	}
	fmt.Printf("rejected %s (applied on the next cycle)\n", task)
	return nil
}
