package knowledgebase

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/models"
)

// contradictionScoreFloor is the minimum score a same-category claim needs
// to be reported alongside the best match as a potential contradiction.
const contradictionScoreFloor = 0.2

// categorySpecificity ranks categories from most to least specific, used as
// the first tie-break after score.
var categorySpecificity = map[models.ClaimCategory]int{
	models.CategoryAchievement: 6,
	models.CategoryProject:     5,
	models.CategorySkill:       4,
	models.CategoryExperience:  3,
	models.CategoryEducation:   2,
	models.CategoryPersonal:    1,
}

// MatchResult is the Fact Oracle's answer to "is this utterance consistent
// with what we know?" — a candidate-fact bundle, not a verdict; the
// Lie-Detection Engine still calls the Agent Runtime to get a ClaimAnalysis.
type MatchResult struct {
	BestMatch      *models.Claim
	Score          float64
	Contradictions []models.Claim
}

type scoredClaim struct {
	claim   models.Claim
	score   float64
	overlap int
}

// Check matches utterance against every Claim in the store and returns the
// best match with a monotonic score in [0,1], plus any same-category claims
// that may contradict it. check is referentially transparent within a
// session: the store is immutable once Build has run.
func (kb *KnowledgeBase) Check(ctx context.Context, utterance string) (MatchResult, error) {
	kb.mu.RLock()
	ready := kb.ready
	kb.mu.RUnlock()
	if !ready {
		return MatchResult{}, apperr.New(apperr.KindContractViolation, "check called before knowledge base build completed")
	}

	claims, err := kb.All(ctx)
	if err != nil {
		return MatchResult{}, err
	}
	if len(claims) == 0 {
		return MatchResult{}, nil
	}

	normUtterance := models.Normalize(utterance)
	utteranceTokens := tokenSet(normUtterance)

	scored := make([]scoredClaim, 0, len(claims))
	for _, c := range claims {
		claimTokens := tokenSet(c.NormalizedText)
		scored = append(scored, scoredClaim{
			claim:   c,
			score:   scoreClaim(normUtterance, utteranceTokens, c, claimTokens),
			overlap: overlapLength(utteranceTokens, claimTokens),
		})
	}

	best := scored[0]
	for _, sc := range scored[1:] {
		if isBetterMatch(sc, best) {
			best = sc
		}
	}

	var contradictions []models.Claim
	for _, sc := range scored {
		if sc.claim.ID == best.claim.ID {
			continue
		}
		if sc.claim.Category != best.claim.Category {
			continue
		}
		if sc.score < contradictionScoreFloor {
			continue
		}
		if sc.claim.NormalizedText == best.claim.NormalizedText {
			continue
		}
		contradictions = append(contradictions, sc.claim)
	}

	bestClaim := best.claim
	return MatchResult{
		BestMatch:      &bestClaim,
		Score:          best.score,
		Contradictions: contradictions,
	}, nil
}

// isBetterMatch orders candidates by score, then category specificity, then
// overlap length, then newer ingestion artifact.
func isBetterMatch(candidate, current scoredClaim) bool {
	if candidate.score != current.score {
		return candidate.score > current.score
	}
	cs, us := categorySpecificity[candidate.claim.Category], categorySpecificity[current.claim.Category]
	if cs != us {
		return cs > us
	}
	if candidate.overlap != current.overlap {
		return candidate.overlap > current.overlap
	}
	return candidate.claim.IngestedAt.After(current.claim.IngestedAt)
}

// scoreClaim combines substring containment, token-set (Jaccard) similarity,
// and a deterministic character-trigram cosine similarity standing in for
// embedding similarity, weighted and clamped to [0,1].
func scoreClaim(normUtterance string, utteranceTokens map[string]struct{}, claim models.Claim, claimTokens map[string]struct{}) float64 {
	if normUtterance == "" || claim.NormalizedText == "" {
		return 0
	}

	substring := 0.0
	if strings.Contains(normUtterance, claim.NormalizedText) || strings.Contains(claim.NormalizedText, normUtterance) {
		substring = 1.0
	}

	token := jaccard(utteranceTokens, claimTokens)
	trigram := trigramCosine(normUtterance, claim.NormalizedText)

	score := 0.40*substring + 0.35*token + 0.25*trigram
	switch {
	case score > 1:
		return 1
	case score < 0:
		return 0
	default:
		return score
	}
}

func tokenSet(s string) map[string]struct{} {
	tokens := strings.Fields(s)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func overlapLength(a, b map[string]struct{}) int {
	total := 0
	for t := range a {
		if _, ok := b[t]; ok {
			total += len(t)
		}
	}
	return total
}

// trigramCosine computes cosine similarity over character-trigram frequency
// vectors, a cheap deterministic stand-in for a real embedding model —
// the contract fixes a monotonic [0,1] score, not the embedding backend.
func trigramCosine(a, b string) float64 {
	fa, fb := trigramFreq(a), trigramFreq(b)
	if len(fa) == 0 || len(fb) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for k, va := range fa {
		normA += float64(va * va)
		if vb, ok := fb[k]; ok {
			dot += float64(va * vb)
		}
	}
	for _, vb := range fb {
		normB += float64(vb * vb)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func trigramFreq(s string) map[string]int {
	padded := fmt.Sprintf("  %s  ", s)
	freq := make(map[string]int)
	for i := 0; i+3 <= len(padded); i++ {
		freq[padded[i:i+3]]++
	}
	return freq
}
