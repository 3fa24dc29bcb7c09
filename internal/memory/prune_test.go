package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestPruneEnforcesBoundAndFoldsSummary(t *testing.T) {
	sum := &fakeSummarizer{}
	s := newTestStore(t, Options{Bound: 20, Summarizer: sum})
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		err := s.Append(ctx, "aria", Entry{
			Content:   fmt.Sprintf("fact %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if err := s.Prune(ctx, "aria"); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	count, err := s.entryCount("aria")
	if err != nil {
		t.Fatal(err)
	}
	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
	if len(sum.lastIn) != 5 {
		t.Errorf("summarizer saw %d entries, want the 5 evicted", len(sum.lastIn))
	}

	got, err := s.Summary("aria")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("no summary after prune")
	}
	if got.CoveredEntries != 5 {
		t.Errorf("covered = %d, want 5", got.CoveredEntries)
	}
}

func TestPruneNoopUnderBound(t *testing.T) {
	sum := &fakeSummarizer{}
	s := newTestStore(t, Options{Bound: 20, Summarizer: sum})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, "aria", Entry{Content: fmt.Sprintf("fact %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Prune(ctx, "aria"); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if sum.calls != 0 {
		t.Errorf("summarizer called %d times for an under-bound character", sum.calls)
	}
	count, _ := s.entryCount("aria")
	if count != 3 {
		t.Errorf("count = %d, want 3 untouched", count)
	}
}

func TestPruneEvictsLowestImportanceFirst(t *testing.T) {
	s := newTestStore(t, Options{
		Bound:          2,
		SalienceWeight: 0.5,
		HalfLife:       72 * time.Hour,
		Summarizer:     &fakeSummarizer{},
	})
	ctx := context.Background()

	now := time.Now().UTC()
	// Old but highly salient: should survive.
	if err := s.Append(ctx, "aria", Entry{Content: "user's name is Kim", Salience: 1, CreatedAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	// Old and forgettable: should be evicted.
	if err := s.Append(ctx, "aria", Entry{Content: "talked about the weather", Salience: 0.1, CreatedAt: now.Add(-47 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	// Fresh: should survive.
	if err := s.Append(ctx, "aria", Entry{Content: "planning a trip", Salience: 0.5, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	if err := s.Prune(ctx, "aria"); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	entries, err := s.RecentContext("aria", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if strings.Contains(e.Content, "weather") {
			t.Errorf("low-importance entry survived: %q", e.Content)
		}
	}
}

func TestPruneAbortsWhenSummarizerFails(t *testing.T) {
	sum := &fakeSummarizer{failErr: errors.New("summarizer down")}
	s := newTestStore(t, Options{Bound: 2, Summarizer: sum})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := s.Append(ctx, "aria", Entry{Content: fmt.Sprintf("fact %d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	err := s.Prune(ctx, "aria")
	if err == nil {
		t.Fatal("expected prune to fail when the summarizer fails")
	}

	// Summarization is lossy and one-way: nothing may be deleted until
	// the evicted entries are safely folded in.
	count, _ := s.entryCount("aria")
	if count != 4 {
		t.Errorf("count = %d, want 4 (no deletion on failed fold)", count)
	}
}

func TestSummarizeRefreshWithoutEviction(t *testing.T) {
	sum := &fakeSummarizer{}
	s := newTestStore(t, Options{Bound: 20, Summarizer: sum})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, "aria", Entry{Content: fmt.Sprintf("fact %d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Summarize(ctx, "aria"); err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	count, _ := s.entryCount("aria")
	if count != 3 {
		t.Errorf("count = %d, want 3 (refresh must not evict)", count)
	}
	got, err := s.Summary("aria")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Content == "" {
		t.Fatal("no summary content after refresh")
	}
	if got.CoveredEntries != 0 {
		t.Errorf("covered = %d, want 0 for a non-evicting refresh", got.CoveredEntries)
	}
}

func TestSummarizeEmptyCharacterIsNoop(t *testing.T) {
	sum := &fakeSummarizer{}
	s := newTestStore(t, Options{Bound: 20, Summarizer: sum})

	if err := s.Summarize(context.Background(), "ghost"); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.calls != 0 {
		t.Errorf("summarizer called %d times for an empty character", sum.calls)
	}
}

func TestDegradedModeConcatenates(t *testing.T) {
	// No summarizer configured: evicted entries are concatenated into
	// the summary instead of condensed.
	s := newTestStore(t, Options{Bound: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := s.Append(ctx, "aria", Entry{Content: fmt.Sprintf("fact %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Prune(ctx, "aria"); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	got, err := s.Summary("aria")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("no summary in degraded mode")
	}
	if !strings.Contains(got.Content, "- ") {
		t.Errorf("content = %q, want bullet concatenation", got.Content)
	}
}

func TestImportanceScoreBlend(t *testing.T) {
	s := newTestStore(t, Options{Bound: 10, SalienceWeight: 0.5, HalfLife: 72 * time.Hour})
	now := time.Now().UTC()

	fresh := s.importanceScore(Entry{Salience: 0.5, CreatedAt: now}, now)
	aged := s.importanceScore(Entry{Salience: 0.5, CreatedAt: now.Add(-72 * time.Hour)}, now)
	if fresh <= aged {
		t.Errorf("fresh %v <= aged %v, recency decay not applied", fresh, aged)
	}

	// At exactly one half-life the decay term is halved:
	// (1-w)*0.5 + w*salience with w and salience both 0.5.
	wantAged := 0.5*0.5 + 0.5*0.5
	if diff := aged - wantAged; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("aged score = %v, want %v", aged, wantAged)
	}

	salient := s.importanceScore(Entry{Salience: 1, CreatedAt: now.Add(-72 * time.Hour)}, now)
	if salient <= aged {
		t.Errorf("salience did not raise the score: %v <= %v", salient, aged)
	}
}
