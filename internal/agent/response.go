package agent

import (
	"encoding/json"

	"github.com/interviewcore/orchestrator/internal/models"
)

// ResponseType tags which of the four LLM response shapes a PromptSpec
// expects back, and which JSON Schema validates it.
type ResponseType string

const (
	ResponseInterviewerTurn      ResponseType = "interviewer_turn"
	ResponseClaimAnalysis        ResponseType = "claim_analysis"
	ResponseFinalSummary         ResponseType = "final_summary"
	ResponseHirabilityAssessment ResponseType = "hirability_assessment"
)

// Intent classifies why the interviewer persona is speaking this turn.
type Intent string

const (
	IntentQuestion Intent = "question"
	IntentProbe    Intent = "probe"
	IntentNudgeAck Intent = "nudge_ack"
	IntentClose    Intent = "close"
)

// InterviewerTurn is what the interviewer persona returns each conversation
// turn: the line to speak, whether it expects a reply before continuing, and
// why it's speaking.
type InterviewerTurn struct {
	Utterance    string `json:"utterance"`
	WantFollowup bool   `json:"want_followup"`
	Intent       Intent `json:"intent"`
}

// ClaimAnalysisResponse is the wire shape returned by the fact-check prompt;
// Into converts it to the richer models.ClaimAnalysis carried internally.
type ClaimAnalysisResponse struct {
	Utterance          string   `json:"utterance"`
	Verdict            string   `json:"verdict"`
	Confidence         float64  `json:"confidence"`
	SupportingClaimIDs []string `json:"supporting_claim_ids"`
	Category           string   `json:"category"`
	Reasoning          string   `json:"reasoning"`
}

// Into maps the wire response onto the domain type, stamping turnSeq since
// the LLM is never asked to invent its own turn numbering.
func (r ClaimAnalysisResponse) Into(turnSeq int) models.ClaimAnalysis {
	return models.ClaimAnalysis{
		TurnSeq:            turnSeq,
		Utterance:          r.Utterance,
		Verdict:            models.Verdict(r.Verdict),
		Confidence:         r.Confidence,
		SupportingClaimIDs: r.SupportingClaimIDs,
		Category:           models.ClaimCategory(r.Category),
		Reasoning:          r.Reasoning,
	}
}

// FinalSummary is the closing remarks the interviewer persona delivers.
type FinalSummary struct {
	Summary         string   `json:"summary"`
	KeyObservations []string `json:"key_observations"`
}

// HirabilityAssessment is the scoring rubric output, mapped onto
// models.Scores after validation.
type HirabilityAssessment struct {
	Technical  float64 `json:"technical"`
	AIML       float64 `json:"ai_ml"`
	Experience float64 `json:"experience"`
	Education  float64 `json:"education"`
	Soft       float64 `json:"soft"`
	Rationale  string  `json:"rationale"`
}

// Scores computes the weighted overall from the category sub-scores.
func (h HirabilityAssessment) Scores() models.Scores {
	s := models.Scores{
		Technical:  h.Technical,
		AIML:       h.AIML,
		Experience: h.Experience,
		Education:  h.Education,
		Soft:       h.Soft,
	}
	s.Overall = models.ComputeOverall(s)
	return s
}

// StructuredResponse is the tagged union returned by Runtime.Ask. Exactly one
// of the typed fields is populated, matching Type.
type StructuredResponse struct {
	Type                  ResponseType
	InterviewerTurn       *InterviewerTurn
	ClaimAnalysis         *ClaimAnalysisResponse
	FinalSummary          *FinalSummary
	HirabilityAssessment  *HirabilityAssessment
	Raw                   json.RawMessage
}

func decodeInto(respType ResponseType, raw []byte) (StructuredResponse, error) {
	sr := StructuredResponse{Type: respType, Raw: json.RawMessage(raw)}
	switch respType {
	case ResponseInterviewerTurn:
		var v InterviewerTurn
		if err := json.Unmarshal(raw, &v); err != nil {
			return sr, err
		}
		sr.InterviewerTurn = &v
	case ResponseClaimAnalysis:
		var v ClaimAnalysisResponse
		if err := json.Unmarshal(raw, &v); err != nil {
			return sr, err
		}
		sr.ClaimAnalysis = &v
	case ResponseFinalSummary:
		var v FinalSummary
		if err := json.Unmarshal(raw, &v); err != nil {
			return sr, err
		}
		sr.FinalSummary = &v
	case ResponseHirabilityAssessment:
		var v HirabilityAssessment
		if err := json.Unmarshal(raw, &v); err != nil {
			return sr, err
		}
		sr.HirabilityAssessment = &v
	}
	return sr, nil
}
