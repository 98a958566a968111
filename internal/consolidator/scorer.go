// Package consolidator implements the Log Consolidator & Scorer: on session
// end it assembles the canonical InterviewOutcome from the recorded
// ConversationTurns, NudgeRecords, Lies, and CodeSnapshots summary, computes
// the weighted hirability score against the KnowledgeBase and a job
// description, and persists the result as the one JSON document the
// orchestrator writes per session.
package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/models"
)

// Category denominators used to turn a raw job-description match score into
// a sub-score in [0,100]. The spec fixes the formula but not these
// constants; they are sized to the rough number of claims a thorough profile
// ingestion produces per category, so a candidate who matches most of what
// the job description asks for in that category lands near 100.
const (
	denomTechnical  = 20.0
	denomAIML       = 10.0
	denomExperience = 15.0
	denomEducation  = 6.0
	denomSoft       = 6.0
)

// aiMLTokens flags a skill/project/achievement Claim as AI/ML rather than
// general Technical when its normalized text contains one of these.
var aiMLTokens = []string{"machine learning", "ml", "llm", "nlp", "ai", "deep learning", "neural", "pytorch", "tensorflow"}

// Input bundles everything the Scorer needs to assemble one Outcome. It is
// built by the Session Controller from the components it owns; the Scorer
// itself touches nothing live.
type Input struct {
	Session             models.Session
	EndedAt             time.Time
	Turns               []models.ConversationTurn
	Lies                []models.Lie
	Nudges              []models.NudgeRecord
	CodeSnapshots       models.CodeSnapshotsSummary
	Claims              []models.Claim
	KnowledgeBaseDigest string
	JobDescription      string
	EventLogPath        string
	Status              models.Status
	Error               string
}

// Scorer assembles and persists InterviewOutcome documents under dataRoot.
type Scorer struct {
	dataRoot string
}

// New builds a Scorer that writes outcome documents under
// dataRoot/outcomes/<session_id>.json.
func New(dataRoot string) *Scorer {
	return &Scorer{dataRoot: dataRoot}
}

// Consolidate computes scores and persists the Outcome. It always returns a
// best-effort Outcome, even when in.Status is failed — consolidation never
// refuses to run because the session didn't end cleanly.
func (s *Scorer) Consolidate(ctx context.Context, in Input) (models.InterviewOutcome, error) {
	scores := ScoreClaims(in.Claims, in.JobDescription)

	outcome := models.InterviewOutcome{
		SessionID:            in.Session.ID,
		Candidate:             in.Session.Candidate,
		StartedAt:             in.Session.StartedAt.UTC().Format(time.RFC3339Nano),
		EndedAt:               in.EndedAt.UTC().Format(time.RFC3339Nano),
		Turns:                 in.Turns,
		Lies:                  in.Lies,
		Nudges:                in.Nudges,
		CodeSnapshotsSummary:  in.CodeSnapshots,
		Scores:                scores,
		Recommendation:        models.RecommendationForScore(scores.Overall),
		SourcePointers:        models.SourcePointers{KnowledgeBaseDigest: in.KnowledgeBaseDigest, EventLogPath: in.EventLogPath},
		Status:                in.Status,
		Error:                 in.Error,
	}

	if err := s.persist(outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (s *Scorer) persist(outcome models.InterviewOutcome) error {
	dir := filepath.Join(s.dataRoot, "outcomes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("create outcomes dir: %w", err))
	}
	body, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindContractViolation, fmt.Errorf("marshal outcome: %w", err))
	}
	path := filepath.Join(dir, outcome.SessionID+".json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("write outcome: %w", err))
	}
	return nil
}

// ScoreClaims buckets claims into the five scoring categories, matches them
// against the job description's normalized tokens, and computes the
// weighted overall per the fixed formula: a job-relevant match scores 2, a
// non-required claim scores 1, and the category sub-score is
// min(100, 100*raw/denominator).
func ScoreClaims(claims []models.Claim, jobDescription string) models.Scores {
	jdTokens := tokenSet(models.Normalize(jobDescription))

	var rawTechnical, rawAIML, rawExperience, rawEducation, rawSoft float64
	for _, c := range claims {
		points := 1.0
		if claimMatchesJobDescription(c, jdTokens) {
			points = 2.0
		}
		switch bucketFor(c) {
		case bucketTechnical:
			rawTechnical += points
		case bucketAIML:
			rawAIML += points
		case bucketExperience:
			rawExperience += points
		case bucketEducation:
			rawEducation += points
		case bucketSoft:
			rawSoft += points
		}
	}

	scores := models.Scores{
		Technical:  subscore(rawTechnical, denomTechnical),
		AIML:       subscore(rawAIML, denomAIML),
		Experience: subscore(rawExperience, denomExperience),
		Education:  subscore(rawEducation, denomEducation),
		Soft:       subscore(rawSoft, denomSoft),
	}
	scores.Overall = round1(models.ComputeOverall(scores))
	scores.Technical = round1(scores.Technical)
	scores.AIML = round1(scores.AIML)
	scores.Experience = round1(scores.Experience)
	scores.Education = round1(scores.Education)
	scores.Soft = round1(scores.Soft)
	return scores
}

type bucket int

const (
	bucketTechnical bucket = iota
	bucketAIML
	bucketExperience
	bucketEducation
	bucketSoft
)

func bucketFor(c models.Claim) bucket {
	switch c.Category {
	case models.CategoryEducation:
		return bucketEducation
	case models.CategoryExperience:
		return bucketExperience
	case models.CategoryPersonal:
		return bucketSoft
	case models.CategorySkill, models.CategoryProject, models.CategoryAchievement:
		if isAIMLClaim(c) {
			return bucketAIML
		}
		return bucketTechnical
	default:
		return bucketTechnical
	}
}

func isAIMLClaim(c models.Claim) bool {
	for _, tok := range aiMLTokens {
		if strings.Contains(c.NormalizedText, tok) {
			return true
		}
	}
	return false
}

func claimMatchesJobDescription(c models.Claim, jdTokens map[string]struct{}) bool {
	if len(jdTokens) == 0 {
		return false
	}
	for _, tok := range strings.Fields(c.NormalizedText) {
		if _, ok := jdTokens[tok]; ok {
			return true
		}
	}
	return false
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		out[tok] = struct{}{}
	}
	return out
}

func subscore(raw, denominator float64) float64 {
	if denominator <= 0 {
		return 0
	}
	v := 100 * raw / denominator
	if v > 100 {
		return 100
	}
	return v
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
