package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fablecastco/fablecast/internal/cache"
	"github.com/fablecastco/fablecast/internal/character"
	"github.com/fablecastco/fablecast/internal/genclient"
	"github.com/fablecastco/fablecast/internal/memory"
)

// ErrContextTooLarge means the assembled payload exceeds the service
// size limit even after summary substitution. Retrying will not shrink
// the payload, so this is surfaced immediately and never retried.
var ErrContextTooLarge = errors.New("assembled context exceeds service size limit")

// ConversationContext is the bounded payload composed for one turn:
// the ordered turn tail, the character's live memory summary, and the
// character configuration snapshot.
type ConversationContext struct {
	ConversationID string
	Character      character.Card
	Summary        string
	Turns          []genclient.Turn
	Fingerprint    string
}

// Request builds the wire request for this context. The fingerprint
// doubles as the idempotency token.
func (c *ConversationContext) Request() *genclient.Request {
	return &genclient.Request{
		CharacterID: c.Character.ID,
		Turns:       c.Turns,
		Params:      c.Character.Params,
		Fingerprint: c.Fingerprint,
	}
}

// Assembler composes conversation contexts. Pure read: persisting the
// new turn after a successful remote call is the caller's job.
type Assembler struct {
	store      *memory.Store
	characters *character.Registry
	maxTurns   int
	maxBytes   int
}

func NewAssembler(store *memory.Store, characters *character.Registry, maxTurns, maxPayloadBytes int) *Assembler {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 64 << 10
	}
	return &Assembler{
		store:      store,
		characters: characters,
		maxTurns:   maxTurns,
		maxBytes:   maxPayloadBytes,
	}
}

// Assemble composes the context for newTurn: the most recent turns of
// the conversation, the character's live memory summary folded into the
// system turn, and the character's generation parameters.
func (a *Assembler) Assemble(conversationID string, newTurn genclient.Turn) (*ConversationContext, error) {
	characterID, err := a.store.ConversationCharacter(conversationID)
	if err != nil {
		return nil, err
	}

	card, err := a.characters.Lookup(characterID)
	if err != nil {
		return nil, fmt.Errorf("lookup character: %w", err)
	}

	history, err := a.store.RecentTurns(conversationID, a.maxTurns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	summary := ""
	if sum, err := a.store.Summary(characterID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	} else if sum != nil {
		summary = sum.Content
	}

	turns := make([]genclient.Turn, 0, len(history)+2)
	turns = append(turns, genclient.Turn{
		Role: genclient.RoleSystem,
		Text: systemText(card, summary),
	})
	for _, t := range history {
		turns = append(turns, genclient.Turn{Role: t.Role, Text: t.Content, Timestamp: t.CreatedAt})
	}
	turns = append(turns, newTurn)

	cctx := &ConversationContext{
		ConversationID: conversationID,
		Character:      card,
		Summary:        summary,
		Turns:          turns,
	}

	canonical := canonicalize(card, turns)
	if len(canonical) > a.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes over %d limit", ErrContextTooLarge, len(canonical), a.maxBytes)
	}
	cctx.Fingerprint = cache.Fingerprint(canonical)
	return cctx, nil
}

func systemText(card character.Card, summary string) string {
	var sb strings.Builder
	sb.WriteString(card.SystemPrompt)
	if card.ExampleDialogue != "" {
		sb.WriteString("\n\n# Example Dialogue\n")
		sb.WriteString(card.ExampleDialogue)
	}
	if summary != "" {
		sb.WriteString("\n\n# Memory\n")
		sb.WriteString(summary)
	}
	return sb.String()
}

// canonicalize renders the effective input deterministically so two
// calls with byte-identical effective context produce the same
// fingerprint. Timestamps are excluded: they vary per call without
// changing the effective input.
func canonicalize(card character.Card, turns []genclient.Turn) string {
	var sb strings.Builder
	sb.WriteString(card.ID)
	sb.WriteString("\x1e")
	fmt.Fprintf(&sb, "%s\x1f%g\x1f%d", card.Params.Model, card.Params.Temperature, card.Params.MaxTokens)
	for _, t := range turns {
		sb.WriteString("\x1e")
		sb.WriteString(t.Role)
		sb.WriteString("\x1f")
		sb.WriteString(t.Text)
	}
	return sb.String()
}
