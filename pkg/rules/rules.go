// Package rules implements the ordered cross-domain rule engine.
//
// Rules are evaluated in a fixed order against the classifier output;
// the first matching rule wins. Each rule may force a domain, require
// read-only cross-checks against an external ledger, force routing to
// the approval gate, or split the task into two independent plans.
// Rules are pure over (content, source, signals, metadata): the same
// input always produces the same decision.
package rules

import (
	"github.com/taskvault/taskvault/pkg/classify"
	"github.com/taskvault/taskvault/pkg/models"
)

// Routes a decision can take
const (
	RouteApproval = "human-approval"
	RoutePlan     = "plan-creation"
	RouteSplit    = "split"
)

// Cross-check kinds requested by rules, performed read-only against the
// injected ledger before a plan is finalized.
const (
	CheckInvoice = "invoice"
	CheckBalance = "balance"
	CheckContact = "contact"
)

// Decision is the routing outcome for one task
type Decision struct {
	RuleApplied string
	Description string
	Domain      models.Domain
	Sensitive   bool
	Priority    string
	Route       string
	CrossChecks []string
	Split       bool
}

// Rule pairs a trigger predicate with its routing action
type Rule struct {
	ID          string
	Description string
	Match       func(res classify.Result, source models.Source) bool
	Action      Decision
}

// Engine evaluates an ordered rule table
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine with the default rule table
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// NewEngineWithRules creates an engine over a custom ordered table
func NewEngineWithRules(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate applies the rule table first-match-wins. With no match the
// default action routes by sensitivity alone: sensitive iff business
// domain with a monetary mention, priority high iff urgent.
func (e *Engine) Evaluate(res classify.Result, source models.Source) Decision {
	for _, rule := range e.rules {
		if rule.Match(res, source) {
			d := rule.Action
			d.RuleApplied = rule.ID
			d.Description = rule.Description
			if d.Domain == "" {
				d.Domain = res.Domain
			}
			return d
		}
	}

	sensitive := res.Sensitive || (res.Domain == models.DomainBusiness && res.Monetary)
	priority := models.PriorityMedium
	if res.Urgent {
		priority = models.PriorityHigh
	}
	route := RoutePlan
	if sensitive {
		route = RouteApproval
	}
	return Decision{
		RuleApplied: "none",
		Description: "default routing by sensitivity",
		Domain:      res.Domain,
		Sensitive:   sensitive,
		Priority:    priority,
		Route:       route,
	}
}

// defaultRules is the CD-1..CD-6 ordered table
func defaultRules() []Rule {
	return []Rule{
		{
			ID:          "CD-1",
			Description: "messaging payment request, invoice and balance checks required",
			Match: func(res classify.Result, source models.Source) bool {
				return source == models.SourceWhatsApp && res.Monetary && len(res.Business["finance"]) > 0
			},
			Action: Decision{
				Sensitive:   true,
				Priority:    models.PriorityHigh,
				Route:       RouteApproval,
				Domain:      models.DomainBusiness,
				CrossChecks: []string{CheckInvoice, CheckBalance},
			},
		},
		{
			ID:          "CD-2",
			Description: "personal message with money mention, approval required",
			Match: func(res classify.Result, source models.Source) bool {
				return source == models.SourceWhatsApp && res.Monetary && len(res.Personal) > 0
			},
			Action: Decision{
				Sensitive: true,
				Priority:  models.PriorityMedium,
				Route:     RouteApproval,
				Domain:    models.DomainBoth,
			},
		},
		{
			ID:          "CD-3",
			Description: "social contact message, check for a known business contact",
			Match: func(res classify.Result, source models.Source) bool {
				return source == models.SourceLinkedIn
			},
			Action: Decision{
				Sensitive:   false,
				Priority:    models.PriorityMedium,
				Route:       RoutePlan,
				CrossChecks: []string{CheckContact},
			},
		},
		{
			ID:          "CD-4",
			Description: "emailed invoice or contract, ledger cross-check before any action",
			Match: func(res classify.Result, source models.Source) bool {
				if source != models.SourceEmail {
					return false
				}
				hits := append(append([]string{}, res.Business["finance"]...), res.Business["operations"]...)
				for _, h := range hits {
					switch h {
					case "invoice", "contract", "purchase order", "po #", "statement of work", "sow":
						return true
					}
				}
				return false
			},
			Action: Decision{
				Sensitive:   true,
				Priority:    models.PriorityMedium,
				Route:       RouteApproval,
				Domain:      models.DomainBusiness,
				CrossChecks: []string{CheckInvoice},
			},
		},
		{
			ID:          "CD-5",
			Description: "dual domain, split into personal and business plans",
			Match: func(res classify.Result, source models.Source) bool {
				return res.Domain == models.DomainBoth
			},
			Action: Decision{
				// Each split plan carries its own sensitivity
				Sensitive: false,
				Priority:  models.PriorityMedium,
				Route:     RouteSplit,
				Split:     true,
			},
		},
		{
			ID:          "CD-6",
			Description: "urgent business task, immediate escalation",
			Match: func(res classify.Result, source models.Source) bool {
				return res.Urgent && (res.Domain == models.DomainBusiness || res.Domain == models.DomainBoth)
			},
			Action: Decision{
				Sensitive: true,
				Priority:  models.PriorityHigh,
				Route:     RouteApproval,
			},
		},
	}
}
