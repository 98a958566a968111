package agent

// schemas holds the JSON Schema text for each ResponseType. The Agent
// Runtime validates every LLM reply against the matching entry before
// decoding it, per the bounded-retry contract.
var schemas = map[ResponseType]string{
	ResponseInterviewerTurn: `{
		"type": "object",
		"required": ["utterance", "want_followup", "intent"],
		"properties": {
			"utterance": {"type": "string", "minLength": 1},
			"want_followup": {"type": "boolean"},
			"intent": {"type": "string", "enum": ["question", "probe", "nudge_ack", "close"]}
		},
		"additionalProperties": false
	}`,
	ResponseClaimAnalysis: `{
		"type": "object",
		"required": ["utterance", "verdict", "confidence", "category"],
		"properties": {
			"utterance": {"type": "string"},
			"verdict": {"type": "string", "enum": ["consistent", "unverifiable", "contradicted"]},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"supporting_claim_ids": {"type": "array", "items": {"type": "string"}},
			"category": {
				"type": "string",
				"enum": ["experience", "education", "skill", "project", "achievement", "personal"]
			},
			"reasoning": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	ResponseFinalSummary: `{
		"type": "object",
		"required": ["summary"],
		"properties": {
			"summary": {"type": "string", "minLength": 1},
			"key_observations": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	ResponseHirabilityAssessment: `{
		"type": "object",
		"required": ["technical", "ai_ml", "experience", "education", "soft", "rationale"],
		"properties": {
			"technical": {"type": "number", "minimum": 0, "maximum": 100},
			"ai_ml": {"type": "number", "minimum": 0, "maximum": 100},
			"experience": {"type": "number", "minimum": 0, "maximum": 100},
			"education": {"type": "number", "minimum": 0, "maximum": 100},
			"soft": {"type": "number", "minimum": 0, "maximum": 100},
			"rationale": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
}

func schemaFor(t ResponseType) (string, bool) {
	s, ok := schemas[t]
	return s, ok
}
