package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fablecastco/fablecast/internal/character"
	"github.com/fablecastco/fablecast/internal/genclient"
	"github.com/fablecastco/fablecast/internal/memory"
)

func testFixtures(t *testing.T) (*memory.Store, *character.Registry) {
	t.Helper()
	dir := t.TempDir()

	store, err := memory.NewStore(filepath.Join(dir, "memory.db"), memory.Options{Bound: 50})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cards := character.NewRegistry(filepath.Join(dir, "characters"), time.Minute)
	err = cards.Save(character.Card{
		ID:              "aria",
		Name:            "Aria",
		SystemPrompt:    "You are Aria, a storyteller.",
		ExampleDialogue: "User: hi\nAria: hello!",
		Params:          genclient.GenerationParams{Model: "fable-large-2", Temperature: 0.8, MaxTokens: 256},
	})
	if err != nil {
		t.Fatalf("Save card: %v", err)
	}
	return store, cards
}

func userTurn(text string) genclient.Turn {
	return genclient.Turn{Role: genclient.RoleUser, Text: text}
}

func TestAssembleComposition(t *testing.T) {
	store, cards := testFixtures(t)
	a := NewAssembler(store, cards, 20, 64<<10)

	convID, err := store.CreateConversation("aria")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AppendTurn(convID, genclient.RoleUser, "tell me a story"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendTurn(convID, genclient.RoleCharacter, "Once upon a time..."); err != nil {
		t.Fatal(err)
	}

	cctx, err := a.Assemble(convID, userTurn("what happened next?"))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if len(cctx.Turns) != 4 {
		t.Fatalf("len(Turns) = %d, want system + 2 history + new", len(cctx.Turns))
	}
	sys := cctx.Turns[0]
	if sys.Role != genclient.RoleSystem {
		t.Errorf("first turn role = %q, want system", sys.Role)
	}
	if !strings.Contains(sys.Text, "You are Aria") || !strings.Contains(sys.Text, "Example Dialogue") {
		t.Errorf("system text missing prompt or dialogue: %q", sys.Text)
	}
	last := cctx.Turns[len(cctx.Turns)-1]
	if last.Text != "what happened next?" {
		t.Errorf("last turn = %q, want the new message", last.Text)
	}
	if cctx.Fingerprint == "" {
		t.Error("empty fingerprint")
	}
	req := cctx.Request()
	if req.CharacterID != "aria" || req.Fingerprint != cctx.Fingerprint {
		t.Errorf("request = %+v", req)
	}
}

func TestAssembleIncludesMemorySummary(t *testing.T) {
	store, cards := testFixtures(t)
	a := NewAssembler(store, cards, 20, 64<<10)

	convID, err := store.CreateConversation("aria")
	if err != nil {
		t.Fatal(err)
	}

	// Degraded-mode summarize concatenates the entry into the summary.
	ctx := context.Background()
	if err := store.Append(ctx, "aria", memory.Entry{Content: "the user collects maps"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Summarize(ctx, "aria"); err != nil {
		t.Fatal(err)
	}

	cctx, err := a.Assemble(convID, userTurn("hello"))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(cctx.Turns[0].Text, "collects maps") {
		t.Errorf("system text missing memory summary: %q", cctx.Turns[0].Text)
	}
	if cctx.Summary == "" {
		t.Error("Summary not surfaced on the context")
	}
}

func TestAssembleHistoryBound(t *testing.T) {
	store, cards := testFixtures(t)
	a := NewAssembler(store, cards, 2, 64<<10)

	convID, err := store.CreateConversation("aria")
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two", "three", "four"} {
		if err := store.AppendTurn(convID, genclient.RoleUser, text); err != nil {
			t.Fatal(err)
		}
	}

	cctx, err := a.Assemble(convID, userTurn("five"))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// system + 2 most recent history + new turn
	if len(cctx.Turns) != 4 {
		t.Fatalf("len(Turns) = %d, want 4", len(cctx.Turns))
	}
	if cctx.Turns[1].Text != "three" || cctx.Turns[2].Text != "four" {
		t.Errorf("history tail = [%s, %s], want the newest two", cctx.Turns[1].Text, cctx.Turns[2].Text)
	}
}

func TestAssembleFingerprintStable(t *testing.T) {
	store, cards := testFixtures(t)
	a := NewAssembler(store, cards, 20, 64<<10)

	convID, err := store.CreateConversation("aria")
	if err != nil {
		t.Fatal(err)
	}

	first, err := a.Assemble(convID, userTurn("hello"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Assemble(convID, userTurn("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("identical effective context gave %q and %q", first.Fingerprint, second.Fingerprint)
	}

	other, err := a.Assemble(convID, userTurn("goodbye"))
	if err != nil {
		t.Fatal(err)
	}
	if other.Fingerprint == first.Fingerprint {
		t.Error("different message gave the same fingerprint")
	}
}

func TestAssembleContextTooLarge(t *testing.T) {
	store, cards := testFixtures(t)
	a := NewAssembler(store, cards, 20, 1) // 1 byte limit, anything overflows

	convID, err := store.CreateConversation("aria")
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.Assemble(convID, userTurn("hello"))
	if !errors.Is(err, ErrContextTooLarge) {
		t.Fatalf("Assemble = %v, want ErrContextTooLarge", err)
	}
}

func TestAssembleUnknownConversation(t *testing.T) {
	store, cards := testFixtures(t)
	a := NewAssembler(store, cards, 20, 64<<10)

	if _, err := a.Assemble("missing", userTurn("hello")); err == nil {
		t.Fatal("expected error for unknown conversation")
	}
}
