package correlation

import "github.com/ransomeye/trustcore/pkg/model"

// stringField reads a string payload field, returning "" if absent or of
// the wrong type.
func stringField(event *model.RawEvent, key string) string {
	v, ok := event.Envelope.Payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// boolField reads a bool payload field, defaulting to false.
func boolField(event *model.RawEvent, key string) bool {
	v, ok := event.Envelope.Payload[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// floatField reads a numeric payload field as float64, defaulting to 0.
func floatField(event *model.RawEvent, key string) float64 {
	v, ok := event.Envelope.Payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// DefaultRules are the fixed, non-ML evidence rules evaluated in order.
// Each encodes a single named behavior observable directly from telemetry
// fields; none consults a model, a cluster, or an external service.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "mass_file_encryption",
			Eval: func(event *model.RawEvent) RuleResult {
				if stringField(event, "event_type") != "file_write_burst" {
					return RuleResult{}
				}
				if floatField(event, "files_modified_per_sec") < 50 {
					return RuleResult{}
				}
				return RuleResult{ShouldCreate: true, EvidenceType: "mass_file_encryption", ConfidenceContribution: 45}
			},
		},
		{
			Name: "ransom_note_dropped",
			Eval: func(event *model.RawEvent) RuleResult {
				if stringField(event, "event_type") != "file_create" {
					return RuleResult{}
				}
				if !boolField(event, "matches_ransom_note_pattern") {
					return RuleResult{}
				}
				return RuleResult{ShouldCreate: true, EvidenceType: "ransom_note_dropped", ConfidenceContribution: 35}
			},
		},
		{
			Name: "shadow_copy_deletion",
			Eval: func(event *model.RawEvent) RuleResult {
				if stringField(event, "event_type") != "process_execution" {
					return RuleResult{}
				}
				if stringField(event, "command_line_pattern") != "vssadmin_delete_shadows" {
					return RuleResult{}
				}
				return RuleResult{ShouldCreate: true, EvidenceType: "shadow_copy_deletion", ConfidenceContribution: 30}
			},
		},
		{
			Name: "lsass_credential_access",
			Eval: func(event *model.RawEvent) RuleResult {
				if stringField(event, "event_type") != "process_access" {
					return RuleResult{}
				}
				if stringField(event, "target_process") != "lsass.exe" {
					return RuleResult{}
				}
				return RuleResult{ShouldCreate: true, EvidenceType: "lsass_credential_access", ConfidenceContribution: 25}
			},
		},
		{
			Name: "known_good_backup_job",
			Eval: func(event *model.RawEvent) RuleResult {
				if stringField(event, "event_type") != "file_write_burst" {
					return RuleResult{}
				}
				if !boolField(event, "signed_backup_agent") {
					return RuleResult{}
				}
				return RuleResult{ShouldCreate: true, EvidenceType: "mass_file_encryption_cleared", ConfidenceContribution: 10}
			},
		},
	}
}
