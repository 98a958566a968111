// Package knowledgebase builds and queries the per-session store of verified
// claims extracted from profile and résumé ingestion — the Fact Oracle the
// Lie-Detection Engine consults before ever calling the LLM.
package knowledgebase

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS claims (
	id              TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	category        TEXT NOT NULL,
	text            TEXT NOT NULL,
	normalized_text TEXT NOT NULL,
	confidence      REAL NOT NULL,
	ingested_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_category ON claims(category);
`

// KnowledgeBase is a read-mostly, per-session store of Claims. Build once
// during ingestion; immutable once the session transitions to ready.
type KnowledgeBase struct {
	db *sql.DB

	mu    sync.RWMutex
	ready bool
}

// New opens an in-memory SQLite-backed KnowledgeBase scoped to one session.
// It is never written to disk and is discarded with the session.
func New(ctx context.Context) (*KnowledgeBase, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("open knowledge base: %w", err))
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("migrate knowledge base: %w", err))
	}
	return &KnowledgeBase{db: db}, nil
}

// Close releases the underlying database.
func (kb *KnowledgeBase) Close() error { return kb.db.Close() }

// Build locates the candidate's most recent profile and résumé ingestion
// artifacts under dataRoot, parses them, merges their Claims (deduping equal
// normalized_text within the same category, keeping the higher-confidence
// one and breaking further ties by the newer artifact), and loads the result
// into the store. Build must run exactly once, before the session is ready.
func (kb *KnowledgeBase) Build(ctx context.Context, dataRoot, candidateID string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if kb.ready {
		return apperr.New(apperr.KindContractViolation, "knowledge base already built")
	}

	artifacts, err := discoverArtifacts(dataRoot, candidateID)
	if err != nil {
		return err
	}

	merged := make(map[string]models.Claim)
	for _, da := range artifacts {
		claims, err := loadArtifact(da)
		if err != nil {
			return err
		}
		for _, c := range claims {
			existing, dup := merged[c.DedupKey()]
			if !dup || betterDuplicate(c, existing) {
				merged[c.DedupKey()] = c
			}
		}
	}

	tx, err := kb.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("begin build tx: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO claims (id, source, category, text, normalized_text, confidence, ingested_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, c := range merged {
		if _, err := stmt.ExecContext(ctx, c.ID, string(c.Source), string(c.Category), c.Text, c.NormalizedText, c.Confidence, c.IngestedAt); err != nil {
			return apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("insert claim %s: %w", c.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("commit build tx: %w", err))
	}

	kb.ready = true
	return nil
}

// betterDuplicate reports whether candidate should replace existing when
// both share a DedupKey: higher confidence wins, ties broken by the newer
// ingestion artifact.
func betterDuplicate(candidate, existing models.Claim) bool {
	if candidate.Confidence != existing.Confidence {
		return candidate.Confidence > existing.Confidence
	}
	return candidate.IngestedAt.After(existing.IngestedAt)
}

// All returns every Claim in the store, ordered by ID for deterministic
// iteration. Used by the Log Consolidator to compute the knowledge base
// digest.
func (kb *KnowledgeBase) All(ctx context.Context) ([]models.Claim, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	rows, err := kb.db.QueryContext(ctx, `SELECT id, source, category, text, normalized_text, confidence, ingested_at FROM claims ORDER BY id`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("query claims: %w", err))
	}
	defer rows.Close()

	var out []models.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Digest returns a stable fingerprint of the store's current contents, for
// InterviewOutcome.SourcePointers.KnowledgeBaseDigest.
func (kb *KnowledgeBase) Digest(ctx context.Context) (string, error) {
	claims, err := kb.All(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].ID < claims[j].ID })

	h := sha256.New()
	for _, c := range claims {
		fmt.Fprintf(h, "%s|%s|%s|%s\n", c.ID, c.Source, c.Category, c.NormalizedText)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanClaim(row scannable) (models.Claim, error) {
	var c models.Claim
	var source, category string
	if err := row.Scan(&c.ID, &source, &category, &c.Text, &c.NormalizedText, &c.Confidence, &c.IngestedAt); err != nil {
		return models.Claim{}, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("scan claim: %w", err))
	}
	c.Source = models.ClaimSource(source)
	c.Category = models.ClaimCategory(category)
	return c, nil
}
