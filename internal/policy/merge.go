// Package policy implements the merge engine for consultation policies.
package policy

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/surgeonlogic/policybuilder/internal/domain"
)

// Merge reconciles the policy returned by the generation service with the
// previously persisted one. The service is instructed to echo all prior items
// and rules, so the incoming policy is treated as already additive; Merge is
// defensive normalization, not diffing:
//
//   - version monotonicity is enforced softly: a regression is preserved as-is
//     but logged as a consistency warning rather than failing the turn;
//   - every item and rule is guaranteed a non-empty stable id;
//   - all four blocks exist even if the service omitted one.
//
// Ids present in previous but absent from incoming are NOT restored: callers
// must treat disappearance as not-yet-acknowledged rather than deleted. This
// is a documented trust boundary with the generation service, not a verified
// invariant.
func Merge(previous, incoming *domain.ConsultationPolicy) *domain.ConsultationPolicy {
	if incoming == nil {
		return previous
	}

	merged := *incoming

	prevVersion := 0
	if previous != nil {
		prevVersion = previous.Version
	}
	if merged.Version == 0 {
		merged.Version = prevVersion + 1
	}
	if previous != nil && merged.Version <= previous.Version {
		slog.Warn("policy version did not advance",
			"previous_version", previous.Version,
			"incoming_version", merged.Version,
		)
	}

	// Copy item and rule slices before backfilling ids so the caller's
	// incoming policy is never written through.
	merged.EachBlock(func(name string, block *domain.PolicyBlock) {
		items := make([]domain.PolicyItem, len(block.Items))
		copy(items, block.Items)
		for i := range items {
			if items[i].ID == "" {
				items[i].ID = uuid.NewString()
			}
		}
		block.Items = items
	})

	rules := make([]domain.PolicyRule, len(merged.Rules))
	copy(rules, merged.Rules)
	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = uuid.NewString()
		}
	}
	merged.Rules = rules

	return &merged
}
