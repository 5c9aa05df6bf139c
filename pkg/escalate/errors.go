// Package escalate implements the three-tier failure escalation
// ladder: bounded transient retry, cooldown requeue, and graceful
// degradation into the deferred queue with a human-addressed alert.
package escalate

import "strings"

// Class is the failure classification driving tier selection
type Class string

const (
	ClassTransient Class = "transient" // tier 1: bounded in-cycle retry
	ClassPermanent Class = "permanent" // tier 2: cooldown requeue
	ClassCritical  Class = "critical"  // tier 3: defer and alert
	ClassLogic     Class = "logic"     // never auto-retried
	ClassUnknown   Class = "unknown"   // never auto-retried
)

// ClassTable maps error-message substrings to classes. Classification
// is configuration, not inference: an error matching no row is unknown
// and is surfaced rather than blindly retried.
type ClassTable struct {
	Transient []string `yaml:"transient"`
	Permanent []string `yaml:"permanent"`
	Critical  []string `yaml:"critical"`
	Logic     []string `yaml:"logic"`
}

// DefaultClassTable returns the built-in classification rows
func DefaultClassTable() ClassTable {
	return ClassTable{
		Transient: []string{
			"connection refused",
			"connection reset",
			"timeout",
			"timed out",
			"rate limit",
			"too many requests",
			"temporary failure",
			"503",
			"502",
			"504",
			"broken pipe",
		},
		Permanent: []string{
			"not found",
			"unavailable",
			"conflict",
			"precondition failed",
		},
		Critical: []string{
			"auth failure",
			"unauthorized",
			"401",
			"403",
			"missing credential",
			"invalid credential",
			"service outage",
			"disk exhaustion",
			"no space left",
		},
		Logic: []string{
			"validation failed",
			"invalid payload",
			"schema mismatch",
		},
	}
}

// Classifier resolves an error to its failure class
type Classifier struct {
	table ClassTable
}

// NewClassifier builds a Classifier over a class table
func NewClassifier(table ClassTable) *Classifier {
	return &Classifier{table: table}
}

// Classify matches the error message against the table rows. Transient
// rows are checked first so a "timeout fetching credentials" retries
// before anyone treats it as critical; critical rows win over permanent.
func (c *Classifier) Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())

	for _, needle := range c.table.Logic {
		if strings.Contains(msg, needle) {
			return ClassLogic
		}
	}
	for _, needle := range c.table.Transient {
		if strings.Contains(msg, needle) {
			return ClassTransient
		}
	}
	for _, needle := range c.table.Critical {
		if strings.Contains(msg, needle) {
			return ClassCritical
		}
	}
	for _, needle := range c.table.Permanent {
		if strings.Contains(msg, needle) {
			return ClassPermanent
		}
	}
	return ClassUnknown
}

// AutoRetryable reports whether a class may enter the retry tiers at
// all. Logic and unknown failures require a human or a code fix.
func AutoRetryable(class Class) bool {
	return class == ClassTransient || class == ClassPermanent || class == ClassCritical
}
