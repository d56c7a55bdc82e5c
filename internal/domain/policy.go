// Package domain contains core domain types for the consultation policy builder.
package domain

// RuleType classifies a policy rule.
type RuleType string

const (
	// RuleGate is a binary in/out scope decision.
	RuleGate RuleType = "gate"
	// RulePrerequisite must be satisfied before a consultation is worthwhile.
	RulePrerequisite RuleType = "prerequisite"
	// RuleAccelerator triggers fast-tracking of a referral.
	RuleAccelerator RuleType = "accelerator"
	// RuleAction is a concrete outcome for a patient category.
	RuleAction RuleType = "action"
)

// RuleDimension is the triage axis a rule operates on.
type RuleDimension string

const (
	DimensionScope     RuleDimension = "scope"
	DimensionReadiness RuleDimension = "readiness"
	DimensionUrgency   RuleDimension = "urgency"
)

// PolicyItem is one criterion inside a policy block. SourceQuote preserves
// the surgeon's exact words when the item was derived from dictation.
type PolicyItem struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	SourceQuote string `json:"sourceQuote,omitempty"`
}

// PolicyBlock is an unordered set of items for one triage category.
type PolicyBlock struct {
	Items []PolicyItem `json:"items"`
}

// PolicyRule is an actionable condition/outcome pair.
type PolicyRule struct {
	ID          string        `json:"id"`
	Type        RuleType      `json:"type"`
	Condition   string        `json:"condition"`
	Outcome     string        `json:"outcome"`
	Dimension   RuleDimension `json:"dimension"`
	SourceQuote string        `json:"sourceQuote,omitempty"`
}

// PolicyBlocks holds the four fixed triage categories.
type PolicyBlocks struct {
	HighPotentialPatients PolicyBlock `json:"highPotentialPatients"`
	LowPotentialPatients  PolicyBlock `json:"lowPotentialPatients"`
	InBetween             PolicyBlock `json:"inBetween"`
	ForNonQualified       PolicyBlock `json:"forNonQualified"`
}

// ConsultationPolicy is the versioned structured policy for one agent.
// Version increases by exactly 1 per accepted update. Updates are additive:
// items and rules are appended, never deleted or reassigned ids.
type ConsultationPolicy struct {
	Version int          `json:"version"`
	Blocks  PolicyBlocks `json:"blocks"`
	Rules   []PolicyRule `json:"rules"`
}

// ItemCount returns the total number of items across all four blocks.
func (p *ConsultationPolicy) ItemCount() int {
	return len(p.Blocks.HighPotentialPatients.Items) +
		len(p.Blocks.LowPotentialPatients.Items) +
		len(p.Blocks.InBetween.Items) +
		len(p.Blocks.ForNonQualified.Items)
}

// EachBlock calls fn for every block in a fixed order, passing a mutable
// pointer so callers can normalize items in place.
func (p *ConsultationPolicy) EachBlock(fn func(name string, block *PolicyBlock)) {
	fn("highPotentialPatients", &p.Blocks.HighPotentialPatients)
	fn("lowPotentialPatients", &p.Blocks.LowPotentialPatients)
	fn("inBetween", &p.Blocks.InBetween)
	fn("forNonQualified", &p.Blocks.ForNonQualified)
}
