package chronicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps a pooled Postgres connection for archive persistence.
// The database needs the pgvector and pgcrypto extensions; Migrate creates
// them along with the schema.
type Store struct {
	pool *pgxpool.Pool
	dim  int
	log  *zap.Logger
}

// NewStore opens the connection pool, waits for the database with
// exponential backoff, and runs migrations. Connection-class failures retry
// up to 10 attempts (1s initial, x2, 30s cap); schema errors surface
// immediately.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, wrapErr("open pool", fmt.Errorf("%w: %v", ErrTransport, err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2

	attempt := 0
	ping := func() error {
		attempt++
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("database not reachable, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), 9)); err != nil {
		pool.Close()
		return nil, wrapErr("connect", fmt.Errorf("%w: %v", ErrTransport, err))
	}

	s := &Store{pool: pool, dim: cfg.EmbedDimension, log: logger}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates extensions, tables, and indexes if missing. Idempotent and
// safe to re-run; a failure names the object that could not be created.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []struct {
		object string
		sql    string
	}{
		{"extension vector", `CREATE EXTENSION IF NOT EXISTS vector`},
		{"extension pgcrypto", `CREATE EXTENSION IF NOT EXISTS pgcrypto`},
		{"table chats", fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chats (
			id               TEXT PRIMARY KEY,
			kind             TEXT NOT NULL DEFAULT 'chat',
			title            TEXT NOT NULL DEFAULT '',
			summary          TEXT NOT NULL DEFAULT '',
			content          TEXT NOT NULL DEFAULT '',
			tags             TEXT[] NOT NULL DEFAULT '{}',
			source           TEXT NOT NULL DEFAULT 'Other',
			file_name        TEXT,
			assets           TEXT[] NOT NULL DEFAULT '{}',
			created_at       BIGINT NOT NULL,
			updated_at       BIGINT NOT NULL,
			embedding        vector(%d),
			memory_type      TEXT,
			salience         DOUBLE PRECISION NOT NULL DEFAULT 0.4,
			recall_count     INTEGER NOT NULL DEFAULT 0,
			last_accessed_at BIGINT NOT NULL,
			decay_metadata   JSONB NOT NULL DEFAULT '{}'
		)`, s.dim)},
		{"table facts", `CREATE TABLE IF NOT EXISTS facts (
			id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			chat_id          TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			subject          TEXT NOT NULL,
			predicate        TEXT NOT NULL,
			object           TEXT NOT NULL,
			confidence       DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			salience         DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			valid_from       BIGINT NOT NULL,
			valid_to         BIGINT,
			created_at       BIGINT NOT NULL,
			recall_count     INTEGER NOT NULL DEFAULT 0,
			last_accessed_at BIGINT NOT NULL,
			decay_metadata   JSONB NOT NULL DEFAULT '{}'
		)`},
		{"table links", `CREATE TABLE IF NOT EXISTS links (
			from_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			to_id      TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			type       TEXT,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (from_id, to_id)
		)`},
		{"table salience_decay_metrics", `CREATE TABLE IF NOT EXISTS salience_decay_metrics (
			run_timestamp          BIGINT NOT NULL,
			items_processed        INTEGER NOT NULL DEFAULT 0,
			items_decayed          INTEGER NOT NULL DEFAULT 0,
			error_count            INTEGER NOT NULL DEFAULT 0,
			average_decay_amount   DOUBLE PRECISION NOT NULL DEFAULT 0,
			memory_entropy         DOUBLE PRECISION NOT NULL DEFAULT 0,
			environmental_context  TEXT NOT NULL DEFAULT '',
			processing_duration_ms BIGINT NOT NULL DEFAULT 0
		)`},
		{"index chats_created_at_idx", `CREATE INDEX IF NOT EXISTS chats_created_at_idx ON chats (created_at DESC)`},
		{"index chats_source_idx", `CREATE INDEX IF NOT EXISTS chats_source_idx ON chats (source)`},
		{"index chats_kind_idx", `CREATE INDEX IF NOT EXISTS chats_kind_idx ON chats (kind)`},
		{"index chats_last_accessed_idx", `CREATE INDEX IF NOT EXISTS chats_last_accessed_idx ON chats (last_accessed_at) WHERE salience > 0.1`},
		{"index chats_embedding_idx", `CREATE INDEX IF NOT EXISTS chats_embedding_idx ON chats USING hnsw (embedding vector_cosine_ops)`},
		{"index facts_subject_idx", `CREATE INDEX IF NOT EXISTS facts_subject_idx ON facts (subject)`},
		{"index facts_predicate_idx", `CREATE INDEX IF NOT EXISTS facts_predicate_idx ON facts (predicate)`},
		{"index facts_chat_id_idx", `CREATE INDEX IF NOT EXISTS facts_chat_id_idx ON facts (chat_id)`},
		{"index facts_last_accessed_idx", `CREATE INDEX IF NOT EXISTS facts_last_accessed_idx ON facts (last_accessed_at) WHERE salience > 0.1`},
		{"index facts_live_pair_idx", `CREATE UNIQUE INDEX IF NOT EXISTS facts_live_pair_idx ON facts (subject, predicate) WHERE valid_to IS NULL`},
		{"index decay_metrics_run_idx", `CREATE INDEX IF NOT EXISTS decay_metrics_run_idx ON salience_decay_metrics (run_timestamp DESC)`},
	}

	for _, st := range stmts {
		if _, err := s.pool.Exec(ctx, st.sql); err != nil {
			return wrapErr("migrate", fmt.Errorf("%w: creating %s: %v", ErrSchema, st.object, err))
		}
	}
	return nil
}

// --- Vector encoding ---

// vectorLiteral serialises a float32 slice as a pgvector literal, e.g.
// "[0.1,0.2,0.3]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector decodes a pgvector text literal back to a float32 slice.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return nil, nil
	}
	parts := strings.Split(body, ",")
	v := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %q: %w", p, err)
		}
		v[i] = float32(f)
	}
	return v, nil
}

// --- Error classification ---

// classify maps driver errors onto the store taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case pgErr.Code == "23503": // foreign_key_violation
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case strings.HasPrefix(pgErr.Code, "42"): // syntax / undefined object
			return fmt.Errorf("%w: %v", ErrSchema, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"):
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return err
	}
	// Anything that never reached the server is connection-class.
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// --- Row scanning ---

const itemCols = `id, kind, title, summary, content, tags, source,
	COALESCE(file_name, ''), assets, created_at, updated_at, embedding::text,
	COALESCE(memory_type, ''), salience, recall_count, last_accessed_at, decay_metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item
	var embText *string
	var memType string
	var meta []byte

	if err := row.Scan(
		&it.ID, &it.Kind, &it.Title, &it.Summary, &it.Content, &it.Tags, &it.Source,
		&it.FileName, &it.Assets, &it.CreatedAt, &it.UpdatedAt, &embText,
		&memType, &it.Salience, &it.RecallCount, &it.LastAccessedAt, &meta,
	); err != nil {
		return it, err
	}

	if embText != nil {
		vec, err := parseVector(*embText)
		if err != nil {
			return it, err
		}
		it.Embedding = vec
	}
	it.MemoryType = MemoryType(memType)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &it.DecayMetadata); err != nil {
			return it, err
		}
	}
	return it, nil
}

const factCols = `id::text, chat_id, subject, predicate, object, confidence,
	salience, valid_from, valid_to, created_at, recall_count, last_accessed_at,
	decay_metadata`

func scanFact(row rowScanner) (Fact, error) {
	var f Fact
	var meta []byte
	if err := row.Scan(
		&f.ID, &f.ChatID, &f.Subject, &f.Predicate, &f.Object, &f.Confidence,
		&f.Salience, &f.ValidFrom, &f.ValidTo, &f.CreatedAt, &f.RecallCount,
		&f.LastAccessedAt, &meta,
	); err != nil {
		return f, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &f.DecayMetadata); err != nil {
			return f, err
		}
	}
	return f, nil
}

// --- Item CRUD ---

// normalizeTags collapses duplicates while preserving first-seen order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// UpsertItems inserts or updates items in one transaction, keyed by id.
// Updates refresh content columns and set updated_at to now; created_at,
// recall_count, last_accessed_at, and decay_metadata keep their stored
// values.
func (s *Store) UpsertItems(ctx context.Context, items []Item) error {
	now := NowMillis()

	for i := range items {
		if items[i].ID == "" {
			return validationErr("id", "item id must be non-empty")
		}
		if items[i].Embedding != nil && len(items[i].Embedding) != s.dim {
			return validationErr("embedding", fmt.Sprintf(
				"item %s has dimension %d, store expects %d",
				items[i].ID, len(items[i].Embedding), s.dim))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("upsert items", classify(err))
	}
	defer tx.Rollback(ctx)

	for _, it := range items {
		if it.Kind == "" {
			it.Kind = KindChat
		}
		if it.Salience == 0 {
			it.Salience = DefaultSalience
		}
		it.Salience = ClampSalience(it.Salience, it.MemoryType)
		if it.CreatedAt == 0 {
			it.CreatedAt = now
		}
		if it.UpdatedAt == 0 {
			it.UpdatedAt = it.CreatedAt
		}
		if it.LastAccessedAt == 0 {
			it.LastAccessedAt = it.CreatedAt
		}
		it.Tags = normalizeTags(it.Tags)

		var emb *string
		if it.Embedding != nil {
			lit := vectorLiteral(it.Embedding)
			emb = &lit
		}
		var memType *string
		if it.MemoryType != "" {
			mt := string(it.MemoryType)
			memType = &mt
		}
		var fileName *string
		if it.FileName != "" {
			fileName = &it.FileName
		}
		meta, err := json.Marshal(it.DecayMetadata)
		if err != nil {
			return wrapErr("upsert items", err)
		}
		if it.Assets == nil {
			it.Assets = []string{}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO chats (id, kind, title, summary, content, tags, source,
				file_name, assets, created_at, updated_at, embedding, memory_type,
				salience, recall_count, last_accessed_at, decay_metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::vector, $13,
				$14, $15, $16, $17)
			ON CONFLICT (id) DO UPDATE SET
				kind        = EXCLUDED.kind,
				title       = EXCLUDED.title,
				summary     = EXCLUDED.summary,
				content     = EXCLUDED.content,
				tags        = EXCLUDED.tags,
				source      = EXCLUDED.source,
				file_name   = EXCLUDED.file_name,
				assets      = EXCLUDED.assets,
				updated_at  = $18,
				embedding   = EXCLUDED.embedding,
				memory_type = EXCLUDED.memory_type,
				salience    = EXCLUDED.salience`,
			it.ID, string(it.Kind), it.Title, it.Summary, it.Content, it.Tags,
			it.Source, fileName, it.Assets, it.CreatedAt, it.UpdatedAt, emb,
			memType, it.Salience, it.RecallCount, it.LastAccessedAt, meta, now,
		)
		if err != nil {
			return wrapErr("upsert items", classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("upsert items", classify(err))
	}
	return nil
}

// LoadItems returns all items, newest first.
func (s *Store) LoadItems(ctx context.Context) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemCols+` FROM chats ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapErr("load items", classify(err))
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, wrapErr("load items", err)
		}
		items = append(items, it)
	}
	return items, wrapErr("load items", rows.Err())
}

// GetItem fetches a single item by id.
func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+itemCols+` FROM chats WHERE id = $1`, id)
	it, err := scanItem(row)
	if err != nil {
		return Item{}, wrapErr("get item", classify(err))
	}
	return it, nil
}

// DeleteItem removes an item; links and facts cascade. Deleting an absent id
// is a no-op.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	return wrapErr("delete item", classify(err))
}

// ListRecent returns the count most recently created items.
func (s *Store) ListRecent(ctx context.Context, count int) ([]Item, error) {
	if count < 1 {
		count = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemCols+` FROM chats ORDER BY created_at DESC LIMIT $1`, count)
	if err != nil {
		return nil, wrapErr("list recent", classify(err))
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, wrapErr("list recent", err)
		}
		items = append(items, it)
	}
	return items, wrapErr("list recent", rows.Err())
}

// ListTags returns distinct tags across all items, sorted ascending.
func (s *Store) ListTags(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT unnest(tags) AS tag FROM chats ORDER BY tag ASC`)
	if err != nil {
		return nil, wrapErr("list tags", classify(err))
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, wrapErr("list tags", err)
		}
		tags = append(tags, t)
	}
	return tags, wrapErr("list tags", rows.Err())
}

// UpdateMemoryType reclassifies an item. Salience is re-clamped against the
// new type's floor.
func (s *Store) UpdateMemoryType(ctx context.Context, id string, t MemoryType) error {
	switch t {
	case MemoryEpisodic, MemorySemantic, MemoryProcedural, MemoryEmotional, MemoryDefault:
	default:
		return validationErr("memory_type", fmt.Sprintf("unknown memory type %q", t))
	}

	p := DecayParamsFor(t)
	tag, err := s.pool.Exec(ctx, `
		UPDATE chats
		SET memory_type = $2,
		    salience = LEAST(GREATEST(salience, $3), 1.0)
		WHERE id = $1`,
		id, string(t), p.Floor)
	if err != nil {
		return wrapErr("update memory type", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("update memory type", fmt.Errorf("%w: item %s", ErrNotFound, id))
	}
	return nil
}

// --- Rehearsal (read-path) ---

// BoostSalience rewards a read: +0.05 salience (capped at 1.0), recall_count
// +1, last_accessed_at = now. Facts extracted from the chat get +0.03 and the
// same timestamp refresh.
func (s *Store) BoostSalience(ctx context.Context, id string) error {
	now := NowMillis()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("boost salience", classify(err))
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE chats
		SET salience = LEAST(salience + 0.05, 1.0),
		    recall_count = recall_count + 1,
		    last_accessed_at = $2
		WHERE id = $1`, id, now)
	if err != nil {
		return wrapErr("boost salience", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("boost salience", fmt.Errorf("%w: item %s", ErrNotFound, id))
	}

	if _, err := tx.Exec(ctx, `
		UPDATE facts
		SET salience = LEAST(salience + 0.03, 1.0),
		    last_accessed_at = $2
		WHERE chat_id = $1`, id, now); err != nil {
		return wrapErr("boost salience", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("boost salience", classify(err))
	}
	return nil
}

// TrackView refreshes last_accessed_at and recall_count without the salience
// bump.
func (s *Store) TrackView(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chats
		SET recall_count = recall_count + 1,
		    last_accessed_at = $2
		WHERE id = $1`, id, NowMillis())
	if err != nil {
		return wrapErr("track view", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("track view", fmt.Errorf("%w: item %s", ErrNotFound, id))
	}
	return nil
}

// --- Facts ---

// SaveFacts stores an extraction batch for a chat. For each triple, a live
// fact with the same subject/predicate but different object is closed
// (valid_to = now) before the new fact is inserted with salience 0.5.
// Re-extracting an identical live triple is silently ignored.
func (s *Store) SaveFacts(ctx context.Context, chatID string, extracted []ExtractedFact) error {
	now := NowMillis()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("save facts", classify(err))
	}
	defer tx.Rollback(ctx)

	for _, ef := range extracted {
		if ef.Subject == "" || ef.Predicate == "" {
			return validationErr("subject/predicate", "fact subject and predicate must be non-empty")
		}

		var liveID, liveObject string
		err := tx.QueryRow(ctx, `
			SELECT id::text, object FROM facts
			WHERE subject = $1 AND predicate = $2 AND valid_to IS NULL`,
			ef.Subject, ef.Predicate).Scan(&liveID, &liveObject)
		switch {
		case err == nil:
			if liveObject == ef.Object {
				continue // duplicate of the live fact
			}
			if _, err := tx.Exec(ctx, `
				UPDATE facts SET valid_to = $2 WHERE id = $1::uuid`, liveID, now); err != nil {
				return wrapErr("save facts", classify(err))
			}
		case errors.Is(err, pgx.ErrNoRows):
			// nothing to close
		default:
			return wrapErr("save facts", classify(err))
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO facts (id, chat_id, subject, predicate, object, confidence,
				salience, valid_from, created_at, last_accessed_at, decay_metadata)
			VALUES ($1::uuid, $2, $3, $4, $5, $6, 0.5, $7, $7, $7, '{}')
			ON CONFLICT DO NOTHING`,
			uuid.NewString(), chatID, ef.Subject, ef.Predicate, ef.Object,
			ef.Confidence, now); err != nil {
			return wrapErr("save facts", classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("save facts", classify(err))
	}
	return nil
}

// LoadFacts returns the live facts for a chat, strongest and newest first.
func (s *Store) LoadFacts(ctx context.Context, chatID string) ([]Fact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+factCols+` FROM facts
		WHERE chat_id = $1 AND valid_to IS NULL
		ORDER BY salience DESC, created_at DESC`, chatID)
	if err != nil {
		return nil, wrapErr("load facts", classify(err))
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, wrapErr("load facts", err)
		}
		facts = append(facts, f)
	}
	return facts, wrapErr("load facts", rows.Err())
}

// --- Links ---

// AddLink records an edge between two items. Inserting the same ordered pair
// twice is a no-op.
func (s *Store) AddLink(ctx context.Context, from, to, linkType string) error {
	var t *string
	if linkType != "" {
		t = &linkType
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO links (from_id, to_id, type, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (from_id, to_id) DO NOTHING`,
		from, to, t, NowMillis())
	return wrapErr("add link", classify(err))
}

// RemoveLink deletes an edge in either direction.
func (s *Store) RemoveLink(ctx context.Context, a, b string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM links
		WHERE (from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1)`,
		a, b)
	return wrapErr("remove link", classify(err))
}

// LoadLinks returns all link edges.
func (s *Store) LoadLinks(ctx context.Context) ([]Link, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT from_id, to_id, COALESCE(type, ''), created_at FROM links
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapErr("load links", classify(err))
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Type, &l.CreatedAt); err != nil {
			return nil, wrapErr("load links", err)
		}
		links = append(links, l)
	}
	return links, wrapErr("load links", rows.Err())
}

// --- Search ---

// SearchFilters narrow search results. Nil/empty fields are ignored.
type SearchFilters struct {
	MemoryType  MemoryType
	MinSalience *float64
	ExcludeID   string
}

func (f SearchFilters) clauses(args []any) (string, []any) {
	var sb strings.Builder
	if f.MemoryType != "" {
		args = append(args, string(f.MemoryType))
		fmt.Fprintf(&sb, " AND memory_type = $%d", len(args))
	}
	if f.MinSalience != nil {
		args = append(args, *f.MinSalience)
		fmt.Fprintf(&sb, " AND salience >= $%d", len(args))
	}
	if f.ExcludeID != "" {
		args = append(args, f.ExcludeID)
		fmt.Fprintf(&sb, " AND id <> $%d", len(args))
	}
	return sb.String(), args
}

// VectorMatch pairs an item with its cosine distance to the query vector.
type VectorMatch struct {
	Item     Item
	Distance float64
}

// VectorKNN returns up to k items with embeddings, nearest first by cosine
// distance. Distance ties order by id so results are stable.
func (s *Store) VectorKNN(ctx context.Context, query []float32, k int, filters SearchFilters) ([]VectorMatch, error) {
	if len(query) != s.dim {
		return nil, validationErr("query_vec", fmt.Sprintf(
			"query has dimension %d, store expects %d", len(query), s.dim))
	}
	if k < 1 {
		k = 1
	}

	args := []any{vectorLiteral(query)}
	where, args := filters.clauses(args)
	args = append(args, k)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, embedding <=> $1::vector AS distance
		FROM chats
		WHERE embedding IS NOT NULL%s
		ORDER BY embedding <=> $1::vector ASC, id ASC
		LIMIT $%d`, itemCols, where, len(args)), args...)
	if err != nil {
		return nil, wrapErr("vector knn", classify(err))
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var it Item
		var embText *string
		var memType string
		var meta []byte
		var dist float64
		if err := rows.Scan(
			&it.ID, &it.Kind, &it.Title, &it.Summary, &it.Content, &it.Tags, &it.Source,
			&it.FileName, &it.Assets, &it.CreatedAt, &it.UpdatedAt, &embText,
			&memType, &it.Salience, &it.RecallCount, &it.LastAccessedAt, &meta, &dist,
		); err != nil {
			return nil, wrapErr("vector knn", err)
		}
		if embText != nil {
			if it.Embedding, err = parseVector(*embText); err != nil {
				return nil, wrapErr("vector knn", err)
			}
		}
		it.MemoryType = MemoryType(memType)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &it.DecayMetadata); err != nil {
				return nil, wrapErr("vector knn", err)
			}
		}
		matches = append(matches, VectorMatch{Item: it, Distance: dist})
	}
	return matches, wrapErr("vector knn", rows.Err())
}

// escapeLike neutralises LIKE metacharacters in user-supplied patterns.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// KeywordSearch matches a case-insensitive substring against title, summary,
// and tags. Returns at most 10 items, newest first.
func (s *Store) KeywordSearch(ctx context.Context, pattern string, filters SearchFilters) ([]Item, error) {
	args := []any{"%" + escapeLike(pattern) + "%"}
	where, args := filters.clauses(args)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM chats
		WHERE (title ILIKE $1 OR summary ILIKE $1
			OR EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE t ILIKE $1))%s
		ORDER BY created_at DESC
		LIMIT 10`, itemCols, where), args...)
	if err != nil {
		return nil, wrapErr("keyword search", classify(err))
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, wrapErr("keyword search", err)
		}
		items = append(items, it)
	}
	return items, wrapErr("keyword search", rows.Err())
}

// --- Decay support ---

// DecayTable selects which table a decay batch scans.
type DecayTable string

const (
	TableChats DecayTable = "chats"
	TableFacts DecayTable = "facts"
)

// DecayRow is the slice of a row the decay engine needs.
type DecayRow struct {
	ID             string
	Salience       float64
	RecallCount    int
	MemoryType     MemoryType // always default for facts
	LastAccessedAt int64
	Metadata       DecayMetadata
}

// SelectDecayBatch pages through decay-eligible rows: salience above 0.1 and
// not processed within the reprocess window. Rows order by id ascending;
// pass the previous batch's last id as the cursor ("" for the first page).
func (s *Store) SelectDecayBatch(ctx context.Context, table DecayTable, cursor string, limit int, now int64, window time.Duration) ([]DecayRow, error) {
	cols := `id::text, salience, recall_count, COALESCE(memory_type, ''), last_accessed_at, decay_metadata`
	if table == TableFacts {
		cols = `id::text, salience, recall_count, '', last_accessed_at, decay_metadata`
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE salience > 0.1
		  AND ((decay_metadata->>'last_decay_run') IS NULL
		       OR $1 - (decay_metadata->>'last_decay_run')::bigint > $2)
		  AND ($3 = '' OR id::text > $3)
		ORDER BY id::text ASC
		LIMIT $4`, cols, table), now, window.Milliseconds(), cursor, limit)
	if err != nil {
		return nil, wrapErr("select decay batch", classify(err))
	}
	defer rows.Close()

	var out []DecayRow
	for rows.Next() {
		var r DecayRow
		var memType string
		var meta []byte
		if err := rows.Scan(&r.ID, &r.Salience, &r.RecallCount, &memType, &r.LastAccessedAt, &meta); err != nil {
			return nil, wrapErr("select decay batch", err)
		}
		r.MemoryType = MemoryType(memType)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, wrapErr("select decay batch", err)
			}
		}
		out = append(out, r)
	}
	return out, wrapErr("select decay batch", rows.Err())
}

// DecayUpdate carries the result of one decay application back to the store.
type DecayUpdate struct {
	ID          string
	NewSalience float64
	Decayed     bool // false: only last_decay_run advances
	Metadata    DecayMetadata
}

// ApplyDecayUpdates persists a batch of decay results in one transaction.
// Every row gets its decay_metadata rewritten (advancing last_decay_run);
// decayed rows also take the new salience.
func (s *Store) ApplyDecayUpdates(ctx context.Context, table DecayTable, updates []DecayUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("apply decay updates", classify(err))
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		meta, err := json.Marshal(u.Metadata)
		if err != nil {
			return wrapErr("apply decay updates", err)
		}
		if u.Decayed {
			_, err = tx.Exec(ctx, fmt.Sprintf(`
				UPDATE %s SET salience = $2, decay_metadata = $3 WHERE id::text = $1`, table),
				u.ID, u.NewSalience, meta)
		} else {
			_, err = tx.Exec(ctx, fmt.Sprintf(`
				UPDATE %s SET decay_metadata = $2 WHERE id::text = $1`, table),
				u.ID, meta)
		}
		if err != nil {
			return wrapErr("apply decay updates", classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("apply decay updates", classify(err))
	}
	return nil
}

// LiveSalience returns the salience of every item and every live fact, for
// entropy computation.
func (s *Store) LiveSalience(ctx context.Context) ([]float64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT salience FROM chats
		UNION ALL
		SELECT salience FROM facts WHERE valid_to IS NULL`)
	if err != nil {
		return nil, wrapErr("live salience", classify(err))
	}
	defer rows.Close()

	var vals []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, wrapErr("live salience", err)
		}
		vals = append(vals, v)
	}
	return vals, wrapErr("live salience", rows.Err())
}

// InsertDecayMetric appends one run metric row.
func (s *Store) InsertDecayMetric(ctx context.Context, m DecayRunMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO salience_decay_metrics (run_timestamp, items_processed,
			items_decayed, error_count, average_decay_amount, memory_entropy,
			environmental_context, processing_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.RunTimestamp, m.ItemsProcessed, m.ItemsDecayed, m.ErrorCount,
		m.AverageDecayAmount, m.MemoryEntropy, m.EnvironmentalContext,
		m.ProcessingDurationMS)
	return wrapErr("insert decay metric", classify(err))
}

// RecentDecayMetrics returns the most recent run metrics, newest first.
func (s *Store) RecentDecayMetrics(ctx context.Context, limit int) ([]DecayRunMetric, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_timestamp, items_processed, items_decayed, error_count,
			average_decay_amount, memory_entropy, environmental_context,
			processing_duration_ms
		FROM salience_decay_metrics
		ORDER BY run_timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, wrapErr("recent decay metrics", classify(err))
	}
	defer rows.Close()

	var out []DecayRunMetric
	for rows.Next() {
		var m DecayRunMetric
		if err := rows.Scan(&m.RunTimestamp, &m.ItemsProcessed, &m.ItemsDecayed,
			&m.ErrorCount, &m.AverageDecayAmount, &m.MemoryEntropy,
			&m.EnvironmentalContext, &m.ProcessingDurationMS); err != nil {
			return nil, wrapErr("recent decay metrics", err)
		}
		out = append(out, m)
	}
	return out, wrapErr("recent decay metrics", rows.Err())
}

// PruneDecayMetrics drops metric rows older than the retention window.
func (s *Store) PruneDecayMetrics(ctx context.Context, retention time.Duration) error {
	cutoff := NowMillis() - retention.Milliseconds()
	_, err := s.pool.Exec(ctx, `
		DELETE FROM salience_decay_metrics WHERE run_timestamp < $1`, cutoff)
	return wrapErr("prune decay metrics", classify(err))
}

// --- Stats ---

// Stats summarises the archive contents.
type Stats struct {
	Items         int64 `json:"items"`
	EmbeddedItems int64 `json:"embedded_items"`
	LiveFacts     int64 `json:"live_facts"`
	Links         int64 `json:"links"`
}

// Stats counts items, embedded items, live facts, and links.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM chats),
			(SELECT COUNT(*) FROM chats WHERE embedding IS NOT NULL),
			(SELECT COUNT(*) FROM facts WHERE valid_to IS NULL),
			(SELECT COUNT(*) FROM links)`).
		Scan(&st.Items, &st.EmbeddedItems, &st.LiveFacts, &st.Links)
	if err != nil {
		return Stats{}, wrapErr("stats", classify(err))
	}
	return st, nil
}
