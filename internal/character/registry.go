// Package character resolves character configuration cards. Card
// editing lives outside the core; this is the read side only.
package character

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fablecastco/fablecast/internal/genclient"
)

// Card is a character configuration snapshot: everything the context
// assembler needs to speak as the character.
type Card struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	SystemPrompt    string                     `json:"system_prompt"`
	ExampleDialogue string                     `json:"example_dialogue,omitempty"`
	Greeting        string                     `json:"greeting,omitempty"`
	Params          genclient.GenerationParams `json:"params"`
}

type cached struct {
	card     Card
	loadedAt time.Time
}

// Registry loads character cards from a directory of JSON files, one
// card per <id>.json, with short-lived in-memory caching.
type Registry struct {
	dir string
	ttl time.Duration

	mu    sync.Mutex
	cards map[string]cached

	now func() time.Time
}

func NewRegistry(dir string, cacheTTL time.Duration) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Registry{
		dir:   dir,
		ttl:   cacheTTL,
		cards: make(map[string]cached),
		now:   time.Now,
	}
}

// Lookup resolves a card by character id.
func (r *Registry) Lookup(characterID string) (Card, error) {
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		return Card{}, fmt.Errorf("character id is required")
	}

	now := r.now()
	r.mu.Lock()
	if c, ok := r.cards[characterID]; ok && now.Sub(c.loadedAt) < r.ttl {
		r.mu.Unlock()
		return c.card, nil
	}
	r.mu.Unlock()

	card, err := r.load(characterID)
	if err != nil {
		return Card{}, err
	}

	r.mu.Lock()
	r.cards[characterID] = cached{card: card, loadedAt: now}
	r.mu.Unlock()
	return card, nil
}

// List returns the ids of every card file in the registry directory.
func (r *Registry) List() ([]string, error) {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read characters dir: %w", err)
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Save writes a card file. Used by onboarding to seed a sample card.
func (r *Registry) Save(card Card) error {
	if strings.TrimSpace(card.ID) == "" {
		return fmt.Errorf("card id is required")
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create characters dir: %w", err)
	}
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	return os.WriteFile(r.cardPath(card.ID), data, 0644)
}

func (r *Registry) load(characterID string) (Card, error) {
	data, err := os.ReadFile(r.cardPath(characterID))
	if err != nil {
		if os.IsNotExist(err) {
			return Card{}, fmt.Errorf("character %q not found", characterID)
		}
		return Card{}, fmt.Errorf("read character card: %w", err)
	}

	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return Card{}, fmt.Errorf("parse character card %q: %w", characterID, err)
	}
	if card.ID == "" {
		card.ID = characterID
	}
	if card.Params.Model == "" {
		card.Params.Model = "fable-large-2"
	}
	if card.Params.Temperature <= 0 {
		card.Params.Temperature = 0.8
	}
	if card.Params.MaxTokens <= 0 {
		card.Params.MaxTokens = 1024
	}
	return card, nil
}

func (r *Registry) cardPath(characterID string) string {
	return filepath.Join(r.dir, characterID+".json")
}
