package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// importanceScore blends recency decay against caller-supplied salience:
//
//	score = (1-w) * exp(-age/halfLife * ln2) + w * salience
//
// so a fresh entry with neutral salience outranks a week-old one, and a
// high-salience entry survives longer than its age alone would allow.
func (s *Store) importanceScore(e Entry, now time.Time) float64 {
	age := now.Sub(e.CreatedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Exp(-math.Ln2 * age.Hours() / s.halfLife.Hours())
	return (1-s.salienceW)*decay + s.salienceW*e.Salience
}

// Prune enforces the per-character entry bound. Entries are ranked by
// recomputed importance; the lowest-ranked overflow is folded into the
// live summary and then deleted. Summarization is lossy and one-way, so
// a summarizer failure aborts the prune before anything is deleted.
func (s *Store) Prune(ctx context.Context, characterID string) error {
	lock := s.charLock(characterID)
	lock.Lock()
	defer lock.Unlock()
	return s.pruneLocked(ctx, characterID, s.bound)
}

func (s *Store) pruneLocked(ctx context.Context, characterID string, target int) error {
	if target < 0 {
		target = 0
	}

	entries, err := s.allEntries(characterID)
	if err != nil {
		return err
	}
	if len(entries) <= target {
		return nil
	}

	now := s.now().UTC()
	for i := range entries {
		entries[i].Importance = s.importanceScore(entries[i], now)
	}
	sortByImportance(entries)

	for _, e := range entries {
		if _, err := s.db.Exec(`UPDATE memory_entries SET importance = ? WHERE id = ?`, e.Importance, e.ID); err != nil {
			return fmt.Errorf("update importance: %w", err)
		}
	}

	evicted := entries[target:]
	if err := s.foldIntoSummary(ctx, characterID, evicted); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin prune delete: %w", err)
	}
	defer tx.Rollback()
	for _, e := range evicted {
		if _, err := tx.Exec(`DELETE FROM memory_entries WHERE id = ?`, e.ID); err != nil {
			return fmt.Errorf("delete pruned entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit prune delete: %w", err)
	}
	return nil
}

// Summarize proactively refreshes the character's live summary from its
// current entries without evicting anything. Safe to run on a schedule
// independent of pruning.
func (s *Store) Summarize(ctx context.Context, characterID string) error {
	lock := s.charLock(characterID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.allEntries(characterID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	existing := ""
	if current, err := s.Summary(characterID); err != nil {
		return err
	} else if current != nil {
		existing = current.Content
	}

	content, err := s.summarize(ctx, existing, entries)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", characterID, err)
	}
	return s.upsertSummary(characterID, content, 0)
}

func (s *Store) foldIntoSummary(ctx context.Context, characterID string, evicted []Entry) error {
	existing := ""
	if current, err := s.Summary(characterID); err != nil {
		return err
	} else if current != nil {
		existing = current.Content
	}

	content, err := s.summarize(ctx, existing, evicted)
	if err != nil {
		return fmt.Errorf("summarize evicted entries: %w", err)
	}
	return s.upsertSummary(characterID, content, len(evicted))
}

func (s *Store) summarize(ctx context.Context, existing string, entries []Entry) (string, error) {
	if s.summarizer == nil {
		// Degraded mode: concatenate rather than condense so nothing
		// is lost when no summarizer endpoint is configured.
		var sb strings.Builder
		if existing != "" {
			sb.WriteString(existing)
			sb.WriteString("\n")
		}
		for _, e := range entries {
			sb.WriteString("- ")
			sb.WriteString(e.Content)
			sb.WriteString("\n")
		}
		return strings.TrimSpace(sb.String()), nil
	}

	texts := make([]string, 0, len(entries))
	for _, e := range entries {
		texts = append(texts, e.Content)
	}
	return s.summarizer.Summarize(ctx, existing, texts)
}

func (s *Store) upsertSummary(characterID, content string, covered int) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_summaries (character_id, content, covered_entries, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(character_id) DO UPDATE SET
			content = excluded.content,
			covered_entries = memory_summaries.covered_entries + excluded.covered_entries,
			updated_at = excluded.updated_at
	`, characterID, content, covered, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func (s *Store) allEntries(characterID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, character_id, role, content, salience, importance, created_at
		FROM memory_entries
		WHERE character_id = ?
		ORDER BY created_at DESC, id DESC
	`, characterID)
	if err != nil {
		return nil, fmt.Errorf("query all entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func sortByImportance(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Importance == entries[j].Importance {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].Importance > entries[j].Importance
	})
}
