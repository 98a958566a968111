package knowledgebase

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/models"
	"gopkg.in/yaml.v3"
)

// artifactTimestampLayout matches the leading component of ingestion
// artifact file names, e.g. "20260115093000-resume.yaml".
const artifactTimestampLayout = "20060102150405"

// artifact is the on-disk shape of one ingestion artifact.
type artifact struct {
	CandidateID string          `yaml:"candidate_id"`
	Source      string          `yaml:"source"`
	Claims      []artifactClaim `yaml:"claims"`
}

type artifactClaim struct {
	Category   string  `yaml:"category"`
	Text       string  `yaml:"text"`
	Confidence float64 `yaml:"confidence"`
}

// discoveredArtifact is one candidate ingestion file found on disk, tagged
// with the source and timestamp parsed from its file name.
type discoveredArtifact struct {
	path       string
	source     models.ClaimSource
	ingestedAt time.Time
}

// discoverArtifacts lists <dataRoot>/<candidateID>/*.yaml, keeping only the
// lexicographically-latest file per source — profile and resume only; a
// job-description artifact in the same directory is intentionally ignored,
// since the job description is scored against, not merged into, the
// knowledge base.
func discoverArtifacts(dataRoot, candidateID string) ([]discoveredArtifact, error) {
	dir := filepath.Join(dataRoot, candidateID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, apperr.New(apperr.KindConfiguration, "no ingestion artifacts for candidate %q under %s", candidateID, dataRoot)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("read ingestion dir: %w", err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	latest := make(map[models.ClaimSource]discoveredArtifact)
	for _, name := range names {
		source, ts, ok := parseArtifactFilename(name)
		if !ok || source == models.SourceJobDesc {
			continue
		}
		latest[source] = discoveredArtifact{
			path:       filepath.Join(dir, name),
			source:     source,
			ingestedAt: ts,
		}
	}

	out := make([]discoveredArtifact, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// parseArtifactFilename splits "<timestamp>-<source>.ext" into its parts.
// A file that doesn't match the pattern is skipped rather than failing the
// whole build, since the ingestion directory is populated by an external
// pipeline this core doesn't control.
func parseArtifactFilename(name string) (models.ClaimSource, time.Time, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return "", time.Time{}, false
	}
	tsPart, sourcePart := base[:idx], base[idx+1:]

	ts, err := time.ParseInLocation(artifactTimestampLayout, tsPart, time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}

	switch models.ClaimSource(sourcePart) {
	case models.SourceProfile, models.SourceResume, models.SourceJobDesc:
		return models.ClaimSource(sourcePart), ts, true
	default:
		return "", time.Time{}, false
	}
}

// loadArtifact parses one ingestion artifact into Claims, stamped with the
// file's own timestamp and source.
func loadArtifact(da discoveredArtifact) ([]models.Claim, error) {
	data, err := os.ReadFile(da.path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("read artifact %s: %w", da.path, err))
	}

	var a artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("parse artifact %s: %w", da.path, err))
	}

	claims := make([]models.Claim, 0, len(a.Claims))
	for i, c := range a.Claims {
		id := fmt.Sprintf("%s-%d", filepath.Base(da.path), i)
		claims = append(claims, models.NewClaim(
			id,
			da.source,
			models.ClaimCategory(c.Category),
			c.Text,
			c.Confidence,
			da.ingestedAt,
		))
	}
	return claims, nil
}

// LoadJobDescription reads the job-description artifact for candidateID, if
// present. Kept separate from the KnowledgeBase: only the Log Consolidator's
// Scorer reads it, never the Fact Oracle.
func LoadJobDescription(dataRoot, candidateID string) ([]models.Claim, error) {
	dir := filepath.Join(dataRoot, candidateID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("read ingestion dir: %w", err))
	}

	var latest *discoveredArtifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		source, ts, ok := parseArtifactFilename(e.Name())
		if !ok || source != models.SourceJobDesc {
			continue
		}
		da := discoveredArtifact{path: filepath.Join(dir, e.Name()), source: source, ingestedAt: ts}
		if latest == nil || da.path > latest.path {
			latest = &da
		}
	}
	if latest == nil {
		return nil, nil
	}
	return loadArtifact(*latest)
}
