package envelope

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas, one per message type. Structural meta checks live in
// the Validator; these pin the payload contract per variant. Unknown
// extra fields are allowed so payloads can grow without a wire break.
var payloadSchemaSources = map[MessageType]string{
	TypeTaskInvoke: `{
		"type": "object",
		"required": ["task"],
		"properties": {
			"task": {"type": "string", "minLength": 1},
			"capability": {"type": "string"},
			"inputs": {"type": "object"},
			"summary_hint": {"type": "string"},
			"attempt_no": {"type": "integer", "minimum": 0},
			"max_retries": {"type": "integer", "minimum": 0},
			"deadline": {"type": "string"}
		}
	}`,
	TypeTaskResult: `{
		"type": "object",
		"required": ["slicing", "metadata", "latency_ms", "retry_depth"],
		"properties": {
			"task": {"type": "string"},
			"capability": {"type": "string"},
			"summary": {"type": "array", "items": {"type": "string"}},
			"affordances": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["action"],
					"properties": {
						"action": {"type": "string", "minLength": 1},
						"target": {"type": "string"},
						"text": {"type": "string"}
					}
				}
			},
			"slicing": {
				"type": "object",
				"required": ["policy_degraded"],
				"properties": {"policy_degraded": {"type": "boolean"}}
			},
			"metadata": {
				"type": "object",
				"required": ["schema_valid"],
				"properties": {"schema_valid": {"type": "boolean"}}
			},
			"latency_ms": {"type": "integer", "minimum": 0},
			"retry_depth": {"type": "integer", "minimum": 0},
			"error": {"type": "string"}
		}
	}`,
	TypeDecisionNotice: `{
		"type": "object",
		"required": ["decision", "qscore"],
		"properties": {
			"decision": {"type": "string", "enum": ["ACCEPT", "RETRY", "ESCALATE"]},
			"qscore": {"type": "number", "minimum": 0, "maximum": 1},
			"calibrated": {"type": "number", "minimum": 0, "maximum": 1},
			"reasons": {"type": "array", "items": {"type": "string"}},
			"explanation": {"type": "string"},
			"attempt_no": {"type": "integer", "minimum": 0},
			"specialist_id": {"type": "string"},
			"retry_target_specialist": {"type": "string"}
		}
	}`,
	TypeMemoryEvent: `{
		"type": "object",
		"required": ["event"],
		"properties": {
			"event": {"type": "string", "minLength": 1},
			"agent_id": {"type": "string"},
			"status": {"type": "string"},
			"data": {"type": "object"}
		}
	}`,
	TypeContextRequest: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"keys": {"type": "array", "items": {"type": "string"}},
			"limit": {"type": "integer", "minimum": 1}
		}
	}`,
	TypeContextResult: `{
		"type": "object",
		"required": ["items"],
		"properties": {
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["key", "value"],
					"properties": {
						"key": {"type": "string"},
						"value": {"type": "string"},
						"score": {"type": "number"}
					}
				}
			},
			"truncated": {"type": "boolean"}
		}
	}`,
	TypeHeartbeat: `{
		"type": "object",
		"required": ["agent_id", "status"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"lease_until": {"type": "string"}
		}
	}`,
	TypeError: `{
		"type": "object",
		"required": ["code", "message"],
		"properties": {
			"kind": {"type": "string"},
			"code": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"retryable": {"type": "boolean"},
			"source": {"type": "string"}
		}
	}`,
}

var payloadSchemas = compilePayloadSchemas()

func compilePayloadSchemas() map[MessageType]*jsonschema.Schema {
	out := make(map[MessageType]*jsonschema.Schema, len(payloadSchemaSources))
	for typ, src := range payloadSchemaSources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://cmo.schemas.local/payload/%s.schema.json", strings.ToLower(string(typ)))
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("envelope: load %s payload schema: %v", typ, err))
		}
		compiled, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("envelope: compile %s payload schema: %v", typ, err))
		}
		out[typ] = compiled
	}
	return out
}
