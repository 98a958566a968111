package models

import (
	"regexp"
	"strings"
	"time"
)

// ClaimSource names which ingestion artifact a Claim was extracted from.
type ClaimSource string

const (
	SourceProfile ClaimSource = "profile"
	SourceResume  ClaimSource = "resume"
	SourceJobDesc ClaimSource = "jobdesc"
)

// ClaimCategory buckets a Claim for scoring and tie-break purposes.
type ClaimCategory string

const (
	CategoryExperience  ClaimCategory = "experience"
	CategoryEducation   ClaimCategory = "education"
	CategorySkill       ClaimCategory = "skill"
	CategoryProject     ClaimCategory = "project"
	CategoryAchievement ClaimCategory = "achievement"
	CategoryPersonal    ClaimCategory = "personal"
)

// Claim is a single verified, normalized fact drawn from profile or résumé
// ingestion. NormalizedText is canonicalized (lower-case, whitespace-collapsed,
// punctuation-stripped) so substring/fuzzy lookups are deterministic.
type Claim struct {
	ID             string
	Source         ClaimSource
	Category       ClaimCategory
	Text           string
	NormalizedText string
	Confidence     float64
	// IngestedAt is the ingestion artifact's timestamp, used only to break
	// ties between otherwise-equal-scoring claims (newer source wins).
	IngestedAt time.Time
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	punctuation   = regexp.MustCompile(`[^\w\s]`)
)

// Normalize canonicalizes text for deterministic substring/fuzzy matching:
// lower-cased, punctuation stripped, whitespace collapsed and trimmed.
func Normalize(text string) string {
	lowered := strings.ToLower(text)
	stripped := punctuation.ReplaceAllString(lowered, " ")
	collapsed := whitespaceRun.ReplaceAllString(stripped, " ")
	return strings.TrimSpace(collapsed)
}

// NewClaim builds a Claim with NormalizedText derived from Text.
func NewClaim(id string, source ClaimSource, category ClaimCategory, text string, confidence float64, ingestedAt time.Time) Claim {
	return Claim{
		ID:             id,
		Source:         source,
		Category:       category,
		Text:           text,
		NormalizedText: Normalize(text),
		Confidence:     confidence,
		IngestedAt:     ingestedAt,
	}
}

// DedupKey identifies claims that should be merged: equal normalized text
// within the same category.
func (c Claim) DedupKey() string {
	return string(c.Category) + "|" + c.NormalizedText
}
