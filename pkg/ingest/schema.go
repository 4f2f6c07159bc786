package ingest

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchemaDocument is the JSON Schema every telemetry envelope must
// satisfy before any cryptographic or continuity check runs. Structural
// validation comes first because it is the cheapest check to fail, and a
// malformed envelope has no well-defined hash or signature to verify.
const envelopeSchemaDocument = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["event_id", "machine_id", "component", "component_instance_id", "observed_at", "sequence", "payload", "identity", "integrity"],
	"properties": {
		"event_id": {"type": "string", "minLength": 1},
		"machine_id": {"type": "string", "minLength": 1},
		"component": {"type": "string", "minLength": 1},
		"component_instance_id": {"type": "string", "minLength": 1},
		"observed_at": {"type": "string", "minLength": 1},
		"sequence": {"type": "integer", "minimum": 0},
		"payload": {"type": "object"},
		"identity": {
			"type": "object",
			"required": ["hostname", "boot_id", "agent_version"],
			"properties": {
				"hostname": {"type": "string", "minLength": 1},
				"boot_id": {"type": "string", "minLength": 1},
				"agent_version": {"type": "string", "minLength": 1}
			}
		},
		"integrity": {
			"type": "object",
			"required": ["hash_sha256"],
			"properties": {
				"hash_sha256": {"type": "string", "minLength": 1},
				"prev_hash_sha256": {"type": "string"}
			}
		},
		"signature": {"type": "string"},
		"signing_key_id": {"type": "string", "minLength": 1}
	}
}`

// compileEnvelopeSchema compiles the embedded schema once at Gateway
// construction time, so a malformed schema fails fast at startup rather
// than on the first request.
func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	const resourceName = "envelope.schema.json"
	if err := compiler.AddResource(resourceName, strings.NewReader(envelopeSchemaDocument)); err != nil {
		return nil, fmt.Errorf("ingest: adding schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("ingest: compiling envelope schema: %w", err)
	}
	return schema, nil
}
