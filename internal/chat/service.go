// Package chat exposes the integration surface: context assembly,
// cached resilient generation calls, streaming sessions, and memory
// readback.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fablecastco/fablecast/internal/cache"
	"github.com/fablecastco/fablecast/internal/character"
	"github.com/fablecastco/fablecast/internal/genclient"
	"github.com/fablecastco/fablecast/internal/memory"
	"github.com/fablecastco/fablecast/internal/stream"
)

// ErrStorageUnavailable wraps local persistence failures so callers can
// distinguish them from remote service failures.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ModerationHook screens an outgoing user message before any context is
// assembled or any remote call made. A non-nil error rejects the turn.
type ModerationHook func(ctx context.Context, characterID, message string) error

// Caller is the non-streaming generation dependency.
type Caller interface {
	Call(ctx context.Context, req *genclient.Request) (*genclient.Response, error)
}

// StreamOpener is the streaming generation dependency.
type StreamOpener interface {
	Open(ctx context.Context, conversationID string, req *genclient.Request) (*stream.Session, error)
}

// Options wires the service collaborators.
type Options struct {
	Store      *memory.Store
	Characters *character.Registry
	Client     Caller
	Streams    StreamOpener
	Cache      *cache.Cache
	Assembler  *Assembler
	Moderate   ModerationHook
	CacheTTL   time.Duration
}

// Service is the single high-level entry point for character
// interaction. All orchestration (moderation, assembly, cache lookup,
// remote call, persistence) happens here; the collaborators stay
// single-purpose.
type Service struct {
	store      *memory.Store
	characters *character.Registry
	client     Caller
	streams    StreamOpener
	cache      *cache.Cache
	assembler  *Assembler
	moderate   ModerationHook
	cacheTTL   time.Duration
}

func NewService(opts Options) *Service {
	return &Service{
		store:      opts.Store,
		characters: opts.Characters,
		client:     opts.Client,
		streams:    opts.Streams,
		cache:      opts.Cache,
		assembler:  opts.Assembler,
		moderate:   opts.Moderate,
		cacheTTL:   opts.CacheTTL,
	}
}

// Reply is one completed character response.
type Reply struct {
	ConversationID string
	CharacterID    string
	Text           string
	FinishReason   string
	FromCache      bool
	Usage          genclient.Usage
}

// StartConversation opens a new conversation with the character and
// returns its id plus the character's greeting, if any.
func (s *Service) StartConversation(characterID string) (string, string, error) {
	card, err := s.characters.Lookup(characterID)
	if err != nil {
		return "", "", err
	}
	id, err := s.store.CreateConversation(card.ID)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if card.Greeting != "" {
		if err := s.store.AppendTurn(id, genclient.RoleCharacter, card.Greeting); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return id, card.Greeting, nil
}

// Interact sends one user message and returns the character's full
// response. Identical effective contexts within the cache TTL are
// served from the response cache without a remote call.
func (s *Service) Interact(ctx context.Context, conversationID, message string) (*Reply, error) {
	cctx, err := s.prepare(ctx, conversationID, message)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if resp, ok := s.cache.Get(cctx.Fingerprint); ok {
			log.Printf("[chat] %s: cache hit %s", conversationID, cctx.Fingerprint)
			if err := s.persistExchange(ctx, cctx, message, resp.Text); err != nil {
				return nil, err
			}
			return s.reply(cctx, resp, true), nil
		}
	}

	resp, err := s.client.Call(ctx, cctx.Request())
	if err != nil {
		return nil, err
	}

	if err := s.persistExchange(ctx, cctx, message, resp.Text); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(cctx.Fingerprint, resp, s.cacheTTL)
	}
	return s.reply(cctx, resp, false), nil
}

// InteractStreaming sends one user message and returns a live session
// delivering the response incrementally. The user turn is persisted up
// front; the caller persists the completed character turn via
// FinishStreaming once the stream ends.
func (s *Service) InteractStreaming(ctx context.Context, conversationID, message string) (*stream.Session, *ConversationContext, error) {
	cctx, err := s.prepare(ctx, conversationID, message)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.streams.Open(ctx, conversationID, cctx.Request())
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.AppendTurn(conversationID, genclient.RoleUser, message); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.remember(ctx, cctx.Character.ID, message); err != nil {
		session.Close()
		return nil, nil, err
	}
	return session, cctx, nil
}

// FinishStreaming persists the accumulated character response after a
// streaming session completed. Partial output from an aborted stream is
// persisted too; the caller decides whether to call this on failure.
func (s *Service) FinishStreaming(cctx *ConversationContext, text string) error {
	if text == "" {
		return nil
	}
	if err := s.store.AppendTurn(cctx.ConversationID, genclient.RoleCharacter, text); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// MemorySummary returns the character's live memory summary text, or
// empty when none has been produced yet.
func (s *Service) MemorySummary(characterID string) (string, error) {
	sum, err := s.store.Summary(characterID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if sum == nil {
		return "", nil
	}
	return sum.Content, nil
}

func (s *Service) prepare(ctx context.Context, conversationID, message string) (*ConversationContext, error) {
	if s.moderate != nil {
		characterID, err := s.store.ConversationCharacter(conversationID)
		if err != nil {
			return nil, err
		}
		if err := s.moderate(ctx, characterID, message); err != nil {
			return nil, err
		}
	}
	return s.assembler.Assemble(conversationID, genclient.Turn{
		Role: genclient.RoleUser,
		Text: message,
	})
}

// persistExchange stores both sides of a completed exchange and feeds
// the user message into long-term memory.
func (s *Service) persistExchange(ctx context.Context, cctx *ConversationContext, userText, characterText string) error {
	if err := s.store.AppendTurn(cctx.ConversationID, genclient.RoleUser, userText); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.store.AppendTurn(cctx.ConversationID, genclient.RoleCharacter, characterText); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return s.remember(ctx, cctx.Character.ID, userText)
}

func (s *Service) remember(ctx context.Context, characterID, content string) error {
	err := s.store.Append(ctx, characterID, memory.Entry{
		Role:    genclient.RoleUser,
		Content: content,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Service) reply(cctx *ConversationContext, resp *genclient.Response, fromCache bool) *Reply {
	return &Reply{
		ConversationID: cctx.ConversationID,
		CharacterID:    cctx.Character.ID,
		Text:           resp.Text,
		FinishReason:   resp.FinishReason,
		FromCache:      fromCache,
		Usage:          resp.Usage,
	}
}
