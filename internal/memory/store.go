package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Options tunes the per-character memory policy.
type Options struct {
	// Bound is the maximum entry count per character.
	Bound int
	// PruneOnAppend runs pruning synchronously inside Append when the
	// insert would exceed the bound. When false the caller (or the
	// summarize schedule) is responsible for invoking Prune.
	PruneOnAppend bool
	// SalienceWeight blends caller-supplied salience against recency
	// when ranking entries for eviction. In [0,1].
	SalienceWeight float64
	// HalfLife controls the recency decay of the importance score.
	HalfLife time.Duration
	// Summarizer condenses evicted entries into the live summary.
	Summarizer Summarizer
}

// Store is the durable per-character memory record. Writes for the same
// character are serialized through a keyed mutex; different characters
// proceed independently. No lock is held across the summarizer call's
// network I/O beyond the owning character's writer lock, which is
// exactly the single-writer discipline callers rely on.
type Store struct {
	db         *sql.DB
	bound      int
	autoPrune  bool
	salienceW  float64
	halfLife   time.Duration
	summarizer Summarizer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

func NewStore(dbPath string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{
		db:         db,
		bound:      opts.Bound,
		autoPrune:  opts.PruneOnAppend,
		salienceW:  opts.SalienceWeight,
		halfLife:   opts.HalfLife,
		summarizer: opts.Summarizer,
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}
	if s.bound <= 0 {
		s.bound = 200
	}
	if s.salienceW < 0 || s.salienceW > 1 {
		s.salienceW = 0.5
	}
	if s.halfLife <= 0 {
		s.halfLife = 72 * time.Hour
	}

	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			character_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			content TEXT NOT NULL,
			salience REAL NOT NULL DEFAULT 0.5,
			importance REAL NOT NULL DEFAULT 0.5,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_character ON memory_entries(character_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memory_summaries (
			character_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			covered_entries INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			character_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) charLock(characterID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[characterID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[characterID] = l
	}
	return l
}

// Append stores a new memory entry. When the insert would exceed the
// per-character bound and PruneOnAppend is set, pruning runs first so
// the bound is never observed exceeded.
func (s *Store) Append(ctx context.Context, characterID string, e Entry) error {
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		return fmt.Errorf("character id is required")
	}
	if strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("entry content is required")
	}

	lock := s.charLock(characterID)
	lock.Lock()
	defer lock.Unlock()

	if s.autoPrune {
		count, err := s.entryCount(characterID)
		if err != nil {
			return err
		}
		if count >= s.bound {
			if err := s.pruneLocked(ctx, characterID, s.bound-1); err != nil {
				return fmt.Errorf("prune before append: %w", err)
			}
		}
	}

	role := strings.TrimSpace(e.Role)
	if role == "" {
		role = "user"
	}
	salience := e.Salience
	if salience <= 0 {
		salience = 0.5
	}
	if salience > 1 {
		salience = 1
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO memory_entries (character_id, role, content, salience, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, characterID, role, strings.TrimSpace(e.Content), salience, salience, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// RecentContext returns up to limit entries for the character, newest
// first.
func (s *Store) RecentContext(characterID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, character_id, role, content, salience, importance, created_at
		FROM memory_entries
		WHERE character_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, characterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Summary returns the character's live summary, or nil when none exists.
func (s *Store) Summary(characterID string) (*Summary, error) {
	row := s.db.QueryRow(`
		SELECT character_id, content, covered_entries, updated_at
		FROM memory_summaries
		WHERE character_id = ?
	`, characterID)

	var sum Summary
	var updatedAt string
	if err := row.Scan(&sum.CharacterID, &sum.Content, &sum.CoveredEntries, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query summary: %w", err)
	}
	sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sum, nil
}

// CharacterIDs lists every character with stored entries.
func (s *Store) CharacterIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT character_id FROM memory_entries ORDER BY character_id`)
	if err != nil {
		return nil, fmt.Errorf("query character ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan character id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate character ids: %w", err)
	}
	return ids, nil
}

// CreateConversation registers a conversation bound to a character and
// returns its id.
func (s *Store) CreateConversation(characterID string) (string, error) {
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		return "", fmt.Errorf("character id is required")
	}
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, character_id, created_at)
		VALUES (?, ?, ?)
	`, id, characterID, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// ConversationCharacter resolves the character a conversation belongs to.
func (s *Store) ConversationCharacter(conversationID string) (string, error) {
	row := s.db.QueryRow(`SELECT character_id FROM conversations WHERE id = ?`, conversationID)
	var characterID string
	if err := row.Scan(&characterID); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("conversation %s not found", conversationID)
		}
		return "", fmt.Errorf("query conversation: %w", err)
	}
	return characterID, nil
}

// AppendTurn persists one conversation turn. Turns are append-only;
// insertion order defines the causal sequence presented to the service.
func (s *Store) AppendTurn(conversationID, role, content string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO turns (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, role, content, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns the tail of the conversation history, oldest
// first, capped at limit.
func (s *Store) RecentTurns(conversationID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, created_at
		FROM (
			SELECT id, conversation_id, role, content, created_at
			FROM turns
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	result := make([]TurnRecord, 0)
	for rows.Next() {
		var t TurnRecord
		var createdAt string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return result, nil
}

// Stats reports store-wide counts for status reporting.
func (s *Store) Stats() (*Stats, error) {
	var st Stats
	queries := []struct {
		q    string
		dest *int
	}{
		{`SELECT COUNT(DISTINCT character_id) FROM memory_entries`, &st.Characters},
		{`SELECT COUNT(*) FROM memory_entries`, &st.Entries},
		{`SELECT COUNT(*) FROM memory_summaries`, &st.Summaries},
		{`SELECT COUNT(*) FROM conversations`, &st.Conversations},
		{`SELECT COUNT(*) FROM turns`, &st.Turns},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.q).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("query stats: %w", err)
		}
	}
	return &st, nil
}

func (s *Store) entryCount(characterID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_entries WHERE character_id = ?`, characterID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	result := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.CharacterID, &e.Role, &e.Content, &e.Salience, &e.Importance, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return result, nil
}
