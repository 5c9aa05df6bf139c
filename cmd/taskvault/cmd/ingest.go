package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/ingest"
	"github.com/taskvault/taskvault/pkg/models"
)

var ingestSource string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file...>",
	Short: "Admit files into the vault",
	Long: `Copies each file into the vault and admits it through deduplication.
An item whose identity already exists among archived or live tasks is
skipped, not duplicated.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestSource, "source", string(models.SourceInbox),
		"origin channel: inbox, email, whatsapp, linkedin")
}

func runIngest(cmd *cobra.Command, args []string) error {
	source := models.Source(ingestSource)
	if !models.ValidSource(source) {
		return fmt.Errorf("unknown source %q", ingestSource)
	}

	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.close()

	admitter := ingest.NewAdmitter(v.store, v.audit)
	for _, arg := range args {
		content, err := os.ReadFile(arg)
		if err != nil {
			return fmt.Errorf("read %s: %w", arg, err)
		}

		res, err := admitter.Admit(ingest.Item{
			Name:    filepath.Base(arg),
			Content: string(content),
			Source:  source,
		})
		if err != nil {
			return err
		}
		if res.Skipped {
			fmt.Printf("skipped %s (duplicate of %s)\n", filepath.Base(arg), res.Identity)
		} else {
			fmt.Printf("admitted %s as %s\n", res.Task.Name, res.Identity)
		}
	}
	return nil
}
