// Package classify implements the domain/sensitivity classifier.
//
// Classification is a pure function over task content plus source
// metadata. Both outputs (domain and sensitive) are deterministic and
// re-computable from content alone; there is no hidden state.
package classify

import (
	"regexp"
	"sort"
	"strings"

	"github.com/taskvault/taskvault/pkg/models"
)

var (
	monetaryPattern = regexp.MustCompile(
		`(?i)(\$|£|€|USD|GBP|PKR|rs\.|₹|\d[\d,]*\s*(?:dollars?|pounds?|euros?|rupees?))`)
	actionVerbPattern = regexp.MustCompile(
		`(?i)\b(send|post|publish|pay|transfer|invoice|reply)\b`)
)

// Categories derived by the classifier beyond the raw signal categories
const (
	CategoryPayment       = "payment"
	CategoryExternalComms = "external-communication"
	CategoryGeneral       = "general"
)

// Result is the classifier output for one task
type Result struct {
	Domain    models.Domain
	Sensitive bool
	Category  string
	Business  map[string][]string // matched business categories → keyword hits
	Personal  map[string][]string // matched personal categories → keyword hits
	Monetary  bool
	Urgent    bool
	Verbs     bool // action-verb pattern matched
}

// Signals flattens all matched keywords, sorted, for sidecar storage
func (r Result) Signals() []string {
	var all []string
	for _, hits := range r.Business {
		all = append(all, hits...)
	}
	for _, hits := range r.Personal {
		all = append(all, hits...)
	}
	sort.Strings(all)
	return all
}

// Classifier evaluates the signal table against task content
type Classifier struct {
	table *SignalTable
}

// New creates a classifier over the given table (nil → built-in table)
func New(table *SignalTable) *Classifier {
	if table == nil {
		table = DefaultSignalTable()
	}
	return &Classifier{table: table}
}

// Classify derives domain, category, and sensitivity from content,
// source, and sidecar metadata. Metadata fields (subject, sender,
// title) enrich the matched text but never override the decision table.
func (c *Classifier) Classify(content string, source models.Source, meta map[string]string) Result {
	full := content
	for _, field := range []string{"subject", "sender", "title", "body_preview", "notification_text"} {
		if v, ok := meta[field]; ok {
			full += " " + v
		}
	}
	lower := strings.ToLower(full)

	res := Result{
		Business: matchSignals(lower, c.table.Business),
		Personal: matchSignals(lower, c.table.Personal),
		Monetary: monetaryPattern.MatchString(full),
		Verbs:    actionVerbPattern.MatchString(full),
	}
	for _, kw := range c.table.Urgent {
		if strings.Contains(lower, kw) {
			res.Urgent = true
			break
		}
	}

	// Domain decision table: business signals only → business, personal
	// only → personal, both → both, neither → personal (conservative).
	switch {
	case len(res.Business) > 0 && len(res.Personal) > 0:
		res.Domain = models.DomainBoth
	case len(res.Business) > 0:
		res.Domain = models.DomainBusiness
	default:
		res.Domain = models.DomainPersonal
	}

	res.Category = c.category(res, source)

	externalSource := source == models.SourceLinkedIn || source == models.SourceEmail
	res.Sensitive = res.Category == CategoryPayment ||
		res.Category == CategoryExternalComms ||
		externalSource || res.Verbs || res.Monetary

	return res
}

// category picks a single tag for the plan: payment and
// external-communication take precedence, then the first matched signal
// category in stable order, then general.
func (c *Classifier) category(res Result, source models.Source) string {
	if res.Monetary && len(res.Business["finance"]) > 0 {
		return CategoryPayment
	}
	if res.Verbs && (source == models.SourceEmail || source == models.SourceLinkedIn || source == models.SourceWhatsApp) {
		return CategoryExternalComms
	}
	if cat := firstCategory(res.Business); cat != "" {
		return cat
	}
	if cat := firstCategory(res.Personal); cat != "" {
		return cat
	}
	return CategoryGeneral
}

func matchSignals(lower string, table map[string][]string) map[string][]string {
	matched := make(map[string][]string)
	for category, keywords := range table {
		var hits []string
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) > 0 {
			matched[category] = hits
		}
	}
	return matched
}

// firstCategory returns the lexically first matched category so the
// result is stable across runs regardless of map iteration order.
func firstCategory(matched map[string][]string) string {
	keys := make([]string, 0, len(matched))
	for k := range matched {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[0]
}
