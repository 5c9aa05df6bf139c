package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SignalTable is the versioned keyword table driving domain
// classification. It is data, not code: the built-in table can be
// replaced wholesale from a YAML file without touching the classifier.
type SignalTable struct {
	Version  string              `yaml:"version"`
	Business map[string][]string `yaml:"business"`
	Personal map[string][]string `yaml:"personal"`
	Urgent   []string            `yaml:"urgent"`
}

// DefaultSignalTable returns the built-in signal table
func DefaultSignalTable() *SignalTable {
	return &SignalTable{
		Version: "1",
		Business: map[string][]string{
			"finance": {
				"invoice", "payment", "bank", "transfer", "balance", "ledger",
				"budget", "revenue", "profit", "expense", "refund", "receipt",
				"purchase order", "po #", "statement of work", "sow",
			},
			"operations": {
				"client", "vendor", "supplier", "contract", "project", "deadline",
				"milestone", "deliverable", "scope",
			},
			"hr": {
				"employee", "salary", "payroll", "leave request", "onboard",
				"offboard", "performance review",
			},
			"sales_crm": {
				"lead", "prospect", "deal", "proposal", "quote", "crm",
				"b2b", "pipeline", "opportunity",
			},
			"communication": {
				"board meeting", "standup", "sprint", "retrospective",
				"stakeholder", "investor",
			},
		},
		Personal: map[string][]string{
			"family": {
				"family", "kids", "school", "spouse", "parent", "children",
				"birthday", "wedding", "anniversary", "baby",
			},
			"health": {
				"doctor", "appointment", "health", "medicine", "hospital",
				"clinic", "prescription", "therapy",
			},
			"lifestyle": {
				"vacation", "holiday", "grocery", "home repair", "hobby",
				"personal", "friends", "dinner", "party",
			},
			"personal_finance": {
				"personal loan", "rent", "utilities", "electricity",
				"gas bill", "subscription",
			},
		},
		Urgent: []string{
			"urgent", "asap", "immediately", "deadline", "critical", "emergency",
		},
	}
}

// LoadSignalTable reads a signal table from a YAML file. The file must
// carry a version field so table changes are traceable.
func LoadSignalTable(path string) (*SignalTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signal table %s: %w", path, err)
	}
	var table SignalTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse signal table %s: %w", path, err)
	}
	if table.Version == "" {
		return nil, fmt.Errorf("signal table %s has no version", path)
	}
	return &table, nil
}
