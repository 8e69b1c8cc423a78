package eventledger

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
)

// Payload schemas, one per event type, schema_version 1. Validation runs
// against the canonical JSON form so what is checked is exactly what is
// hashed.
var schemaSources = map[string]string{
	contracts.EventPetitionReceived: `{
		"type": "object",
		"required": ["petition_id", "petition_type", "realm", "content_hash"],
		"properties": {
			"petition_id": {"type": "string", "minLength": 1},
			"petition_type": {"type": "string"},
			"realm": {"type": "string"},
			"content_hash": {"type": "string"}
		}
	}`,
	contracts.EventPetitionFated: `{
		"type": "object",
		"required": ["petition_id", "previous_state", "new_state", "actor"],
		"properties": {
			"petition_id": {"type": "string", "minLength": 1},
			"previous_state": {"type": "string"},
			"new_state": {"type": "string"},
			"actor": {"type": "string"},
			"fate_reason": {"type": "string"}
		}
	}`,
	contracts.EventFateAcknowledged: `{
		"type": "object",
		"required": ["petition_id", "acknowledgment_id", "reason_code"],
		"properties": {
			"petition_id": {"type": "string", "minLength": 1},
			"acknowledgment_id": {"type": "string", "minLength": 1},
			"reason_code": {"type": "string"}
		}
	}`,
	contracts.EventKingAcknowledged: `{
		"type": "object",
		"required": ["petition_id", "acknowledgment_id", "king_id", "realm_id"],
		"properties": {
			"petition_id": {"type": "string", "minLength": 1},
			"acknowledgment_id": {"type": "string", "minLength": 1},
			"king_id": {"type": "string", "minLength": 1},
			"realm_id": {"type": "string"}
		}
	}`,
	contracts.EventReferralCreated: `{
		"type": "object",
		"required": ["petition_id", "referral_id", "realm_id", "deadline"],
		"properties": {
			"petition_id": {"type": "string", "minLength": 1},
			"referral_id": {"type": "string", "minLength": 1},
			"realm_id": {"type": "string"},
			"deadline": {"type": "string"}
		}
	}`,
	contracts.EventEscalationTriggered: `{
		"type": "object",
		"required": ["petition_id", "escalation_id", "trigger_type", "co_signer_count", "threshold"],
		"properties": {
			"petition_id": {"type": "string", "minLength": 1},
			"escalation_id": {"type": "string", "minLength": 1},
			"trigger_type": {"type": "string"},
			"co_signer_count": {"type": "integer", "minimum": 0},
			"threshold": {"type": "integer", "minimum": 0}
		}
	}`,
	contracts.EventDeliberationCancelled: `{
		"type": "object",
		"required": ["petition_id", "cancel_reason"],
		"properties": {
			"petition_id": {"type": "string", "minLength": 1},
			"cancel_reason": {"type": "string", "minLength": 1}
		}
	}`,
	contracts.EventPetitionWithdrawn: `{
		"type": "object",
		"required": ["petition_id", "requester_id"],
		"properties": {
			"petition_id": {"type": "string", "minLength": 1},
			"requester_id": {"type": "string", "minLength": 1}
		}
	}`,
	contracts.EventOrphansDetected: `{
		"type": "object",
		"required": ["orphan_count", "petition_ids", "threshold_hours"],
		"properties": {
			"orphan_count": {"type": "integer", "minimum": 1},
			"petition_ids": {"type": "array", "items": {"type": "string"}},
			"threshold_hours": {"type": "number"}
		}
	}`,
	contracts.EventReprocessingTriggered: `{
		"type": "object",
		"required": ["petition_ids", "triggered_by"],
		"properties": {
			"petition_ids": {"type": "array", "items": {"type": "string"}},
			"triggered_by": {"type": "string", "minLength": 1}
		}
	}`,
}

var compiledSchemas = compileSchemas()

func compileSchemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for eventType, src := range schemaSources {
		name := "fates://events/" + eventType + ".json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("eventledger: schema resource %s: %v", eventType, err))
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("eventledger: compile schema %s: %v", eventType, err))
		}
		out[eventType] = schema
	}
	return out
}

// SchemaFor returns the payload schema for an event type, if one exists.
func SchemaFor(eventType string) (*jsonschema.Schema, bool) {
	s, ok := compiledSchemas[eventType]
	return s, ok
}
