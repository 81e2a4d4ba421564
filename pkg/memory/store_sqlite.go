package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// searchWindow bounds how many recent rows a nearest-neighbor scan loads
// before computing cosine in Go.
const searchWindow = 512

// SQLiteStore backs every persistence port with one sqlite file: semantic,
// episodic and summary stores, the ground-truth mirror, and metrics.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS semantic_memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			predicate TEXT NOT NULL DEFAULT '',
			object TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			entity_ids_json TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0,
			importance REAL NOT NULL DEFAULT 0,
			reinforcement_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			source_event_ids_json TEXT NOT NULL DEFAULT '[]',
			superseded_by TEXT NOT NULL DEFAULT '',
			embedding_json TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			last_validated_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_user_status ON semantic_memories(user_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_pair ON semantic_memories(user_id, subject, predicate);`,
		`CREATE TABLE IF NOT EXISTS episodic_memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			entity_ids_json TEXT NOT NULL DEFAULT '[]',
			importance REAL NOT NULL DEFAULT 0,
			embedding_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_episodic_user_created ON episodic_memories(user_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_episodic_session ON episodic_memories(user_id, session_id);`,
		`CREATE TABLE IF NOT EXISTS memory_summaries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			scope_type TEXT NOT NULL,
			scope_id TEXT NOT NULL DEFAULT '',
			narrative TEXT NOT NULL DEFAULT '',
			key_facts_json TEXT NOT NULL DEFAULT '{}',
			patterns_json TEXT NOT NULL DEFAULT '[]',
			needs_validation_json TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0,
			embedding_json TEXT NOT NULL DEFAULT '[]',
			supersedes_id TEXT NOT NULL DEFAULT '',
			fallback INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_summary_scope ON memory_summaries(user_id, scope_type, scope_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS ground_truth_facts (
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (subject, predicate)
		);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func newMemoryID(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

// --- semantic store ---

func (s *SQLiteStore) PutSemantic(ctx context.Context, m SemanticMemory) (SemanticMemory, error) {
	if m.ID == "" {
		m.ID = newMemoryID("mem")
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	if !m.Status.Valid() {
		return SemanticMemory{}, fmt.Errorf("put semantic: invalid status %q", m.Status)
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Version <= 0 {
		m.Version = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_memories (
			id, user_id, subject, predicate, object, content, entity_ids_json,
			confidence, importance, reinforcement_count, status,
			source_event_ids_json, superseded_by, embedding_json, version,
			created_at_ms, updated_at_ms, last_validated_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Subject, m.Predicate, m.Object, m.Content, marshalJSON(m.EntityIDs),
		m.Confidence, m.Importance, m.ReinforcementCount, string(m.Status),
		marshalJSON(m.SourceEventIDs), m.SupersededBy, marshalJSON(m.Embedding), m.Version,
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(), timeToMS(m.LastValidatedAt),
	)
	if err != nil {
		return SemanticMemory{}, fmt.Errorf("insert semantic memory: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetSemantic(ctx context.Context, id string) (SemanticMemory, error) {
	row := s.db.QueryRowContext(ctx, semanticSelect+` WHERE id = ?`, id)
	m, err := scanSemantic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SemanticMemory{}, fmt.Errorf("semantic memory %s: %w", id, ErrNotFound)
	}
	return m, err
}

// UpdateSemantic persists mutable fields under an optimistic version check.
// Status changes must be legal per the transition table.
func (s *SQLiteStore) UpdateSemantic(ctx context.Context, m SemanticMemory) (SemanticMemory, error) {
	current, err := s.GetSemantic(ctx, m.ID)
	if err != nil {
		return SemanticMemory{}, err
	}
	if current.Status != m.Status && !current.Status.CanTransition(m.Status) {
		return SemanticMemory{}, fmt.Errorf("update %s: %s -> %s: %w", m.ID, current.Status, m.Status, ErrIllegalTransition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE semantic_memories SET
			object = ?, content = ?, entity_ids_json = ?, confidence = ?,
			importance = ?, reinforcement_count = ?, status = ?,
			source_event_ids_json = ?, superseded_by = ?, embedding_json = ?,
			version = version + 1, updated_at_ms = ?, last_validated_ms = ?
		WHERE id = ? AND version = ?`,
		m.Object, m.Content, marshalJSON(m.EntityIDs), m.Confidence,
		m.Importance, m.ReinforcementCount, string(m.Status),
		marshalJSON(m.SourceEventIDs), m.SupersededBy, marshalJSON(m.Embedding),
		m.UpdatedAt.UnixMilli(), timeToMS(m.LastValidatedAt),
		m.ID, m.Version,
	)
	if err != nil {
		return SemanticMemory{}, fmt.Errorf("update semantic memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return SemanticMemory{}, fmt.Errorf("update semantic memory: %w", err)
	}
	if affected == 0 {
		return SemanticMemory{}, fmt.Errorf("update %s at version %d: %w", m.ID, m.Version, ErrVersionConflict)
	}
	m.Version++
	return m, nil
}

// TransitionStatus moves a memory through the lifecycle table, version
// checked.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, next MemoryStatus, supersededBy string, version int64) error {
	current, err := s.GetSemantic(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(next) {
		return fmt.Errorf("transition %s: %s -> %s: %w", id, current.Status, next, ErrIllegalTransition)
	}
	if next != StatusSuperseded {
		supersededBy = ""
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE semantic_memories
		SET status = ?, superseded_by = ?, version = version + 1, updated_at_ms = ?
		WHERE id = ? AND version = ?`,
		string(next), supersededBy, time.Now().UnixMilli(), id, version,
	)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("transition %s at version %d: %w", id, version, ErrVersionConflict)
	}
	return nil
}

func (s *SQLiteStore) SearchSemantic(ctx context.Context, userID string, query []float32, limit int, minConfidence float64) ([]SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx, semanticSelect+`
		WHERE user_id = ? AND status IN ('active', 'aging') AND confidence >= ?
		ORDER BY created_at_ms DESC LIMIT ?`,
		userID, minConfidence, searchWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("search semantic: %w", err)
	}
	memories, err := collectSemantic(rows)
	if err != nil {
		return nil, err
	}
	sortByCosine(memories, query, func(m SemanticMemory) []float32 { return m.Embedding })
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}

func (s *SQLiteStore) FindBySubjectPredicate(ctx context.Context, userID, subject, predicate string) ([]SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx, semanticSelect+`
		WHERE user_id = ? AND subject = ? AND predicate = ? AND status IN ('active', 'aging', 'conflicted')
		ORDER BY created_at_ms DESC`,
		userID, subject, predicate,
	)
	if err != nil {
		return nil, fmt.Errorf("find by subject/predicate: %w", err)
	}
	return collectSemantic(rows)
}

func (s *SQLiteStore) ListByPredicatePattern(ctx context.Context, userID, pattern string, limit int) ([]SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx, semanticSelect+`
		WHERE user_id = ? AND predicate LIKE ? AND status IN ('active', 'aging')
		ORDER BY confidence DESC, created_at_ms DESC LIMIT ?`,
		userID, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list by predicate pattern: %w", err)
	}
	return collectSemantic(rows)
}

func (s *SQLiteStore) ListSemanticByEntity(ctx context.Context, userID, entityID string, limit int) ([]SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx, semanticSelect+`
		WHERE user_id = ? AND status IN ('active', 'aging') AND entity_ids_json LIKE ?
		ORDER BY confidence DESC, created_at_ms DESC LIMIT ?`,
		userID, jsonContains(entityID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list semantic by entity: %w", err)
	}
	return collectSemantic(rows)
}

func (s *SQLiteStore) ListActiveSemantic(ctx context.Context, userID string, limit int) ([]SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx, semanticSelect+`
		WHERE user_id = ? AND status IN ('active', 'aging')
		ORDER BY updated_at_ms ASC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active semantic: %w", err)
	}
	return collectSemantic(rows)
}

// --- episodic store ---

func (s *SQLiteStore) AppendEpisodic(ctx context.Context, m EpisodicMemory) (EpisodicMemory, error) {
	if m.ID == "" {
		m.ID = newMemoryID("epi")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodic_memories (id, user_id, session_id, content, entity_ids_json, importance, embedding_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.SessionID, m.Content, marshalJSON(m.EntityIDs), m.Importance, marshalJSON(m.Embedding), m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return EpisodicMemory{}, fmt.Errorf("append episodic memory: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) SearchEpisodic(ctx context.Context, userID string, query []float32, limit int, sessionID string) ([]EpisodicMemory, error) {
	q := episodicSelect + ` WHERE user_id = ?`
	args := []interface{}{userID}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, searchWindow)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search episodic: %w", err)
	}
	memories, err := collectEpisodic(rows)
	if err != nil {
		return nil, err
	}
	sortByCosine(memories, query, func(m EpisodicMemory) []float32 { return m.Embedding })
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}

func (s *SQLiteStore) ListEpisodicByEntity(ctx context.Context, userID, entityID string, limit int) ([]EpisodicMemory, error) {
	rows, err := s.db.QueryContext(ctx, episodicSelect+`
		WHERE user_id = ? AND entity_ids_json LIKE ?
		ORDER BY created_at_ms DESC LIMIT ?`,
		userID, jsonContains(entityID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list episodic by entity: %w", err)
	}
	return collectEpisodic(rows)
}

func (s *SQLiteStore) ListBySession(ctx context.Context, userID, sessionID string, limit int) ([]EpisodicMemory, error) {
	rows, err := s.db.QueryContext(ctx, episodicSelect+`
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at_ms ASC LIMIT ?`,
		userID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list by session: %w", err)
	}
	return collectEpisodic(rows)
}

func (s *SQLiteStore) RecentSessionIDs(ctx context.Context, userID string, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, MAX(created_at_ms) AS latest
		FROM episodic_memories
		WHERE user_id = ? AND session_id != ''
		GROUP BY session_id
		ORDER BY latest DESC LIMIT ?`,
		userID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var latest int64
		if err := rows.Scan(&id, &latest); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) EntityCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_ids_json FROM episodic_memories WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("entity counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan entity ids: %w", err)
		}
		var ids []string
		if json.Unmarshal([]byte(raw), &ids) != nil {
			continue
		}
		for _, id := range ids {
			counts[id]++
		}
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) CountSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT session_id) FROM episodic_memories
		WHERE user_id = ? AND session_id != ''`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// --- summary store ---

func (s *SQLiteStore) PutSummary(ctx context.Context, m MemorySummary) (MemorySummary, error) {
	if m.ID == "" {
		m.ID = newMemoryID("sum")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	fallback := 0
	if m.Fallback {
		fallback = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_summaries (
			id, user_id, scope_type, scope_id, narrative, key_facts_json,
			patterns_json, needs_validation_json, confidence, embedding_json,
			supersedes_id, fallback, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, string(m.ScopeType), m.ScopeID, m.Narrative, marshalJSON(m.KeyFacts),
		marshalJSON(m.InteractionPatterns), marshalJSON(m.NeedsValidation), m.Confidence, marshalJSON(m.Embedding),
		m.SupersedesID, fallback, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return MemorySummary{}, fmt.Errorf("insert summary: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetSummary(ctx context.Context, id string) (MemorySummary, error) {
	row := s.db.QueryRowContext(ctx, summarySelect+` WHERE id = ?`, id)
	m, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MemorySummary{}, fmt.Errorf("summary %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (s *SQLiteStore) SearchSummaries(ctx context.Context, userID string, query []float32, limit int, scopeType ScopeType) ([]MemorySummary, error) {
	q := summarySelect + ` WHERE user_id = ?`
	args := []interface{}{userID}
	if scopeType != "" {
		q += ` AND scope_type = ?`
		args = append(args, string(scopeType))
	}
	q += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, searchWindow)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", err)
	}
	summaries, err := collectSummaries(rows)
	if err != nil {
		return nil, err
	}
	sortByCosine(summaries, query, func(m MemorySummary) []float32 { return m.Embedding })
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (s *SQLiteStore) LatestForScope(ctx context.Context, userID string, scopeType ScopeType, scopeID string) (MemorySummary, bool, error) {
	row := s.db.QueryRowContext(ctx, summarySelect+`
		WHERE user_id = ? AND scope_type = ? AND scope_id = ?
		ORDER BY created_at_ms DESC LIMIT 1`,
		userID, string(scopeType), scopeID,
	)
	m, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MemorySummary{}, false, nil
	}
	if err != nil {
		return MemorySummary{}, false, err
	}
	return m, true, nil
}

// --- ground truth ---

func (s *SQLiteStore) LookupFact(ctx context.Context, subject, predicate string) (GroundTruthFact, bool, error) {
	var fact GroundTruthFact
	var updatedMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT subject, predicate, object, updated_at_ms FROM ground_truth_facts
		WHERE subject = ? AND predicate = ?`,
		subject, predicate,
	).Scan(&fact.Subject, &fact.Predicate, &fact.Object, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return GroundTruthFact{}, false, nil
	}
	if err != nil {
		return GroundTruthFact{}, false, fmt.Errorf("lookup ground truth: %w", err)
	}
	fact.UpdatedAt = time.UnixMilli(updatedMS)
	return fact, true, nil
}

// UpsertGroundTruth mirrors an external authoritative fact into the local
// table. The core only ever reads it.
func (s *SQLiteStore) UpsertGroundTruth(ctx context.Context, fact GroundTruthFact) error {
	if fact.UpdatedAt.IsZero() {
		fact.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ground_truth_facts (subject, predicate, object, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subject, predicate) DO UPDATE SET object = excluded.object, updated_at_ms = excluded.updated_at_ms`,
		fact.Subject, fact.Predicate, fact.Object, fact.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert ground truth: %w", err)
	}
	return nil
}

// ListUserIDs returns every user with at least one memory of any kind.
func (s *SQLiteStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM semantic_memories
		UNION
		SELECT user_id FROM episodic_memories
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- metrics ---

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (metric, value, labels_json, created_at_ms)
		VALUES (?, ?, ?, ?)`,
		metric, value, marshalJSON(labels), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// --- row helpers ---

const semanticSelect = `
	SELECT id, user_id, subject, predicate, object, content, entity_ids_json,
		confidence, importance, reinforcement_count, status,
		source_event_ids_json, superseded_by, embedding_json, version,
		created_at_ms, updated_at_ms, last_validated_ms
	FROM semantic_memories`

const episodicSelect = `
	SELECT id, user_id, session_id, content, entity_ids_json, importance, embedding_json, created_at_ms
	FROM episodic_memories`

const summarySelect = `
	SELECT id, user_id, scope_type, scope_id, narrative, key_facts_json,
		patterns_json, needs_validation_json, confidence, embedding_json,
		supersedes_id, fallback, created_at_ms
	FROM memory_summaries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSemantic(row rowScanner) (SemanticMemory, error) {
	var m SemanticMemory
	var entityIDs, sourceEventIDs, embedding, status string
	var createdMS, updatedMS, validatedMS int64
	err := row.Scan(
		&m.ID, &m.UserID, &m.Subject, &m.Predicate, &m.Object, &m.Content, &entityIDs,
		&m.Confidence, &m.Importance, &m.ReinforcementCount, &status,
		&sourceEventIDs, &m.SupersededBy, &embedding, &m.Version,
		&createdMS, &updatedMS, &validatedMS,
	)
	if err != nil {
		return SemanticMemory{}, err
	}
	m.Status = MemoryStatus(status)
	unmarshalJSON(entityIDs, &m.EntityIDs)
	unmarshalJSON(sourceEventIDs, &m.SourceEventIDs)
	unmarshalJSON(embedding, &m.Embedding)
	m.CreatedAt = time.UnixMilli(createdMS)
	m.UpdatedAt = time.UnixMilli(updatedMS)
	m.LastValidatedAt = msToTime(validatedMS)
	return m, nil
}

func collectSemantic(rows *sql.Rows) ([]SemanticMemory, error) {
	defer rows.Close()
	var out []SemanticMemory
	for rows.Next() {
		m, err := scanSemantic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan semantic memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanEpisodic(row rowScanner) (EpisodicMemory, error) {
	var m EpisodicMemory
	var entityIDs, embedding string
	var createdMS int64
	err := row.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Content, &entityIDs, &m.Importance, &embedding, &createdMS)
	if err != nil {
		return EpisodicMemory{}, err
	}
	unmarshalJSON(entityIDs, &m.EntityIDs)
	unmarshalJSON(embedding, &m.Embedding)
	m.CreatedAt = time.UnixMilli(createdMS)
	return m, nil
}

func collectEpisodic(rows *sql.Rows) ([]EpisodicMemory, error) {
	defer rows.Close()
	var out []EpisodicMemory
	for rows.Next() {
		m, err := scanEpisodic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episodic memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (MemorySummary, error) {
	var m MemorySummary
	var keyFacts, patterns, needsValidation, embedding, scopeType string
	var fallback int
	var createdMS int64
	err := row.Scan(
		&m.ID, &m.UserID, &scopeType, &m.ScopeID, &m.Narrative, &keyFacts,
		&patterns, &needsValidation, &m.Confidence, &embedding,
		&m.SupersedesID, &fallback, &createdMS,
	)
	if err != nil {
		return MemorySummary{}, err
	}
	m.ScopeType = ScopeType(scopeType)
	unmarshalJSON(keyFacts, &m.KeyFacts)
	unmarshalJSON(patterns, &m.InteractionPatterns)
	unmarshalJSON(needsValidation, &m.NeedsValidation)
	unmarshalJSON(embedding, &m.Embedding)
	m.Fallback = fallback != 0
	m.CreatedAt = time.UnixMilli(createdMS)
	return m, nil
}

func collectSummaries(rows *sql.Rows) ([]MemorySummary, error) {
	defer rows.Close()
	var out []MemorySummary
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// sortByCosine orders rows by similarity to the query vector, newest-first
// input order preserved for ties.
func sortByCosine[T any](items []T, query []float32, embedding func(T) []float32) {
	if len(query) == 0 {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		return cosineSimilarity(query, embedding(items[i])) > cosineSimilarity(query, embedding(items[j]))
	})
}

// jsonContains builds a LIKE pattern matching a JSON string array element.
func jsonContains(value string) string {
	return `%"` + strings.ReplaceAll(value, `"`, ``) + `"%`
}

func marshalJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil || v == nil {
		return "null"
	}
	return string(raw)
}

func unmarshalJSON[T any](raw string, dest *T) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dest)
}

func timeToMS(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
