package policy

import "github.com/ransomeye/trustcore/pkg/model"

// DefaultRules are the deterministic CEL expressions evaluated against
// every unresolved incident passed through RunBatch. Each names a single
// recommended action; ordering matters since evaluation stops at the
// first match.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "confirmed_mass_encryption",
			Expression: `incident.current_stage == "CONFIRMED" && incident.confidence_score >= 90.0`,
			ActionType: model.ActionIsolateHost,
			Reason:     "confirmed ransomware-stage incident at critical confidence",
		},
		{
			Name:       "confirmed_stage",
			Expression: `incident.current_stage == "CONFIRMED"`,
			ActionType: model.ActionBlockProcess,
			Reason:     "confirmed incident warrants process containment",
		},
		{
			Name:       "probable_stage",
			Expression: `incident.current_stage == "PROBABLE"`,
			ActionType: model.ActionQuarantineFile,
			Reason:     "probable-stage incident warrants precautionary quarantine",
		},
	}
}
