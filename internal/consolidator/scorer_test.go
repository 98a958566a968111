package consolidator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claim(id string, category models.ClaimCategory, text string) models.Claim {
	return models.NewClaim(id, models.SourceProfile, category, text, 0.9, time.Now())
}

func TestScoreClaims_JobRelevantMatchScoresDouble(t *testing.T) {
	claims := []models.Claim{
		claim("c1", models.CategorySkill, "Go and distributed systems"),
		claim("c2", models.CategorySkill, "Photography"),
	}
	scores := ScoreClaims(claims, "Looking for a Go engineer")

	// c1 matches "go" (points 2), c2 doesn't (points 1): raw = 3.
	want := round1(100 * 3 / denomTechnical)
	assert.Equal(t, want, scores.Technical)
}

func TestScoreClaims_AIMLTokensBucketSeparately(t *testing.T) {
	claims := []models.Claim{
		claim("c1", models.CategorySkill, "Built an LLM-based search pipeline"),
		claim("c2", models.CategorySkill, "Wrote a command line tool in Rust"),
	}
	scores := ScoreClaims(claims, "")

	assert.Greater(t, scores.AIML, 0.0)
	assert.Greater(t, scores.Technical, 0.0)
}

func TestScoreClaims_SubscoreCapsAtHundred(t *testing.T) {
	var claims []models.Claim
	for i := 0; i < 50; i++ {
		claims = append(claims, claim("c", models.CategoryEducation, "Bachelor of Science"))
	}
	scores := ScoreClaims(claims, "")
	assert.Equal(t, 100.0, scores.Education)
}

func TestScoreClaims_OverallMatchesWeightedSum(t *testing.T) {
	claims := []models.Claim{
		claim("c1", models.CategorySkill, "Go, distributed systems, and Kubernetes"),
		claim("c2", models.CategoryExperience, "Senior engineer at Acme for three years"),
		claim("c3", models.CategoryEducation, "Bachelor of Science in Computer Science"),
		claim("c4", models.CategoryPersonal, "Enjoys mentoring junior engineers"),
	}
	scores := ScoreClaims(claims, "Go engineer with Kubernetes experience")

	want := round1(scores.Technical*models.WeightTechnical +
		scores.AIML*models.WeightAIML +
		scores.Experience*models.WeightExperience +
		scores.Education*models.WeightEducation +
		scores.Soft*models.WeightSoft)
	assert.InDelta(t, want, scores.Overall, 0.1)
}

func TestScorer_ConsolidatePersistsOutcomeDocument(t *testing.T) {
	dataRoot := t.TempDir()
	scorer := New(dataRoot)

	sess := models.Session{
		ID:        "sess-1",
		Candidate: models.Candidate{ID: "cand-1", DisplayName: "Ada Lovelace"},
		StartedAt: time.Now().Add(-time.Hour),
	}
	in := Input{
		Session: sess,
		EndedAt: time.Now(),
		Turns:   []models.ConversationTurn{{Seq: 1, Role: models.RoleCandidate, Text: "hello"}},
		Claims:  []models.Claim{claim("c1", models.CategoryExperience, "Acme, 3 yrs")},
		Status:  models.StatusEnded,
	}

	outcome, err := scorer.Consolidate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", outcome.SessionID)
	assert.Equal(t, models.RecommendationForScore(outcome.Scores.Overall), outcome.Recommendation)

	path := filepath.Join(dataRoot, "outcomes", "sess-1.json")
	body, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded models.InterviewOutcome
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "sess-1", decoded.SessionID)
}

func TestScorer_ConsolidateAlwaysRunsOnFailedStatus(t *testing.T) {
	scorer := New(t.TempDir())
	in := Input{
		Session: models.Session{ID: "sess-2", StartedAt: time.Now()},
		EndedAt: time.Now(),
		Status:  models.StatusFailed,
		Error:   "bridge socket unreachable",
	}
	outcome, err := scorer.Consolidate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Equal(t, "bridge socket unreachable", outcome.Error)
}
