package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/approval"
	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/classify"
	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/engine"
	"github.com/taskvault/taskvault/pkg/escalate"
	"github.com/taskvault/taskvault/pkg/logging"
	"github.com/taskvault/taskvault/pkg/metrics"
	"github.com/taskvault/taskvault/pkg/rules"
	"github.com/taskvault/taskvault/pkg/store"
)

var (
	cfgFile      string
	vaultDir     string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "taskvault",
	Short: "File-backed task orchestrator",
	Long: `taskvault moves tasks through ingestion, classification, planning,
a human-approval gate, execution, and archival over a plain directory
vault. Humans participate by relocating files; the engine never acts
externally without an observed approval.`,
	SilenceUsage: true,
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.taskvault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&vaultDir, "vault", "", "vault directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// vault bundles the opened collaborators for one command invocation
type vault struct {
	cfg    *config.Config
	store  *store.FileStore
	gate   *approval.Gate
	audit  *audit.Log
	logger *logging.Logger
}

func openVault() (*vault, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if vaultDir != "" {
		cfg.VaultDir = vaultDir
	}
	if err := os.MkdirAll(cfg.VaultDir, 0755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	log, err := audit.NewLog(filepath.Join(cfg.VaultDir, "audit"))
	if err != nil {
		return nil, err
	}
	st, err := store.NewFileStore(cfg.VaultDir, log)
	if err != nil {
		return nil, err
	}
	gate, err := approval.NewGate(filepath.Join(cfg.VaultDir, "approvals"), log)
	if err != nil {
		st.Close()
		return nil, err
	}

	logger, err := logging.NewFileLogger(filepath.Join(cfg.VaultDir, "logs"), "taskvault",
		logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := logger.RotateIfNeeded(logging.DefaultMaxSize); err != nil {
		logger.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
	}

	return &vault{cfg: cfg, store: st, gate: gate, audit: log, logger: logger}, nil
}

func (v *vault) close() {
	v.store.Close()
	v.logger.Close()
}

// newEngine wires a full engine over the opened vault
func (v *vault) newEngine(m *metrics.Metrics) (*engine.Engine, error) {
	table := classify.DefaultSignalTable()
	if v.cfg.SignalTablePath != "" {
		loaded, err := classify.LoadSignalTable(v.cfg.SignalTablePath)
		if err != nil {
			return nil, err
		}
		table = loaded
	}

	ladder := escalate.NewLadder(v.store, v.audit, escalate.NewClassifier(escalate.DefaultClassTable()), v.gate)
	ladder.SetMaxRetries(v.cfg.MaxRetries)
	ladder.SetCooldown(v.cfg.Cooldown)
	if m != nil {
		ladder.SetCounters(m.ExecuteAttempts, m.ExecuteFailures)
	}

	return engine.New(engine.Options{
		VaultDir:       v.cfg.VaultDir,
		Store:          v.store,
		Gate:           v.gate,
		Audit:          v.audit,
		Classifier:     classify.New(table),
		Rules:          rules.NewEngine(),
		Ladder:         ladder,
		Executor:       newOutboxExecutor(v.cfg.VaultDir),
		Metrics:        m,
		Logger:         v.logger,
		ExecTimeout:    v.cfg.ExecTimeout,
		ActivityWindow: v.cfg.ActivityWindow,
		DiskLimitPct:   v.cfg.DiskLimitPct,
	}), nil
}

// outboxExecutor is the default external collaborator: it hands each
// action to whatever processes the outbox by writing it there as JSON.
// Real integrations (email, posting, payment) replace it behind the
// Executor interface.
type outboxExecutor struct {
	dir string
}

func newOutboxExecutor(vaultDir string) *outboxExecutor {
	return &outboxExecutor{dir: filepath.Join(vaultDir, "outbox")}
}

func (o *outboxExecutor) Execute(_ context.Context, action engine.Action) error {
	if err := os.MkdirAll(o.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(action, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s.%s.%d.json", action.Task, action.Type, time.Now().UnixNano())
	tmp := filepath.Join(o.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(o.dir, name))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
