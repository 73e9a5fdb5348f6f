package chronicle

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// --- Pure helpers ---

func TestVectorLiteralRoundTrip(t *testing.T) {
	in := []float32{0.1, -2.5, 3, 0}
	lit := vectorLiteral(in)
	out, err := parseVector(lit)
	if err != nil {
		t.Fatalf("parse %q: %v", lit, err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("element %d: %v != %v", i, out[i], in[i])
		}
	}
}

func TestVectorLiteralEmpty(t *testing.T) {
	if lit := vectorLiteral(nil); lit != "[]" {
		t.Errorf("empty vector should serialise as [], got %q", lit)
	}
	out, err := parseVector("[]")
	if err != nil || out != nil {
		t.Errorf("parse [] should yield nil, got %v (%v)", out, err)
	}
}

func TestParseVectorMalformed(t *testing.T) {
	for _, s := range []string{"", "1,2,3", "[1,2", "[a,b]"} {
		if _, err := parseVector(s); err == nil {
			t.Errorf("parseVector(%q) should fail", s)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{"go", "", "db", "go", "db", "mcp"})
	want := []string{"go", "db", "mcp"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_done\`); got != `50\%\_done\\` {
		t.Errorf("escapeLike mangled pattern: %q", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{pgx.ErrNoRows, ErrNotFound},
		{&pgconn.PgError{Code: "23505"}, ErrConflict},
		{&pgconn.PgError{Code: "23503"}, ErrNotFound},
		{&pgconn.PgError{Code: "42P01"}, ErrSchema},
		{&pgconn.PgError{Code: "08006"}, ErrTransport},
		{&pgconn.PgError{Code: "53300"}, ErrTransport},
		{errors.New("dial tcp: connection refused"), ErrTransport},
	}
	for _, c := range cases {
		if got := classify(c.in); !errors.Is(got, c.want) {
			t.Errorf("classify(%v) = %v, want %v", c.in, got, c.want)
		}
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestSearchFiltersClauses(t *testing.T) {
	min := 0.5
	f := SearchFilters{MemoryType: MemoryEpisodic, MinSalience: &min, ExcludeID: "x"}
	where, args := f.clauses([]any{"seed"})
	if where != " AND memory_type = $2 AND salience >= $3 AND id <> $4" {
		t.Errorf("unexpected where clause: %q", where)
	}
	if len(args) != 4 {
		t.Errorf("expected 4 args, got %d", len(args))
	}

	where, args = SearchFilters{}.clauses([]any{"seed"})
	if where != "" || len(args) != 1 {
		t.Errorf("empty filters should add nothing, got %q with %d args", where, len(args))
	}
}

// --- Integration (requires a Postgres with pgvector) ---

// newTestStore opens a store against CHRONICLE_TEST_DATABASE_URL with a small
// embedding dimension, dropping any previous schema first.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CHRONICLE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHRONICLE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS facts, links, salience_decay_metrics, chats CASCADE`)
	require.NoError(t, err)
	pool.Close()

	store, err := NewStore(ctx, Config{DatabaseURL: dsn, EmbedDimension: 3}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestStoreUpsertAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertItems(ctx, []Item{{
		ID:      "c1",
		Title:   "Postgres tuning",
		Summary: "Notes on HNSW parameters",
		Content: "long transcript",
		Tags:    []string{"db", "db", "vector"},
		Source:  SourceClaude,
	}})
	require.NoError(t, err)

	it, err := store.GetItem(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, KindChat, it.Kind)
	require.Equal(t, []string{"db", "vector"}, it.Tags)
	require.Equal(t, DefaultSalience, it.Salience)
	require.NotZero(t, it.CreatedAt)
	require.Equal(t, it.CreatedAt, it.LastAccessedAt)
	require.Nil(t, it.Embedding)

	items, err := store.LoadItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestStoreUpsertPreservesRecallState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1", Title: "v1"}}))
	require.NoError(t, store.TrackView(ctx, "c1"))

	before, err := store.GetItem(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, before.RecallCount)

	// Re-import: content refreshes, access state survives.
	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1", Title: "v2"}}))
	after, err := store.GetItem(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "v2", after.Title)
	require.Equal(t, 1, after.RecallCount)
	require.Equal(t, before.CreatedAt, after.CreatedAt)
	require.Equal(t, before.LastAccessedAt, after.LastAccessedAt)
	require.GreaterOrEqual(t, after.UpdatedAt, before.UpdatedAt)
}

func TestStoreUpsertValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertItems(ctx, []Item{{Title: "no id"}})
	require.ErrorIs(t, err, ErrValidation)

	err = store.UpsertItems(ctx, []Item{{ID: "c1", Embedding: []float32{1, 2}}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestStoreGetItemNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetItem(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreBoostSalience(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1", Salience: 0.20}}))
	before := NowMillis()
	require.NoError(t, store.BoostSalience(ctx, "c1"))

	it, err := store.GetItem(ctx, "c1")
	require.NoError(t, err)
	require.InDelta(t, 0.25, it.Salience, 1e-9)
	require.Equal(t, 1, it.RecallCount)
	require.GreaterOrEqual(t, it.LastAccessedAt, before)

	// The bump caps at 1.0.
	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c2", Salience: 0.99}}))
	require.NoError(t, store.BoostSalience(ctx, "c2"))
	it2, err := store.GetItem(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, 1.0, it2.Salience)

	require.ErrorIs(t, store.BoostSalience(ctx, "missing"), ErrNotFound)
}

func TestStoreBoostSalienceReachesFacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1"}}))
	require.NoError(t, store.SaveFacts(ctx, "c1", []ExtractedFact{
		{Subject: "Alice", Predicate: "lives_in", Object: "Paris", Confidence: 0.9},
	}))
	require.NoError(t, store.BoostSalience(ctx, "c1"))

	facts, err := store.LoadFacts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.InDelta(t, 0.53, facts[0].Salience, 1e-9)
}

func TestStoreFactSupersession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1"}}))
	require.NoError(t, store.SaveFacts(ctx, "c1", []ExtractedFact{
		{Subject: "Alice", Predicate: "lives_in", Object: "Paris", Confidence: 0.9},
	}))
	require.NoError(t, store.SaveFacts(ctx, "c1", []ExtractedFact{
		{Subject: "Alice", Predicate: "lives_in", Object: "Berlin", Confidence: 0.95},
	}))

	live, err := store.LoadFacts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "Berlin", live[0].Object)
	require.Nil(t, live[0].ValidTo)

	// The Paris row persists, closed.
	var closed int
	err = store.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM facts WHERE object = 'Paris' AND valid_to IS NOT NULL`).Scan(&closed)
	require.NoError(t, err)
	require.Equal(t, 1, closed)
}

func TestStoreDuplicateFactIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1"}}))
	batch := []ExtractedFact{{Subject: "Bob", Predicate: "works_on", Object: "chronicle", Confidence: 1}}
	require.NoError(t, store.SaveFacts(ctx, "c1", batch))
	require.NoError(t, store.SaveFacts(ctx, "c1", batch))

	live, err := store.LoadFacts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, live, 1)
}

func TestStoreLinks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "a"}, {ID: "b"}}))
	require.NoError(t, store.AddLink(ctx, "a", "b", "related"))
	require.NoError(t, store.AddLink(ctx, "a", "b", "related")) // idempotent

	links, err := store.LoadLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "related", links[0].Type)

	// Removal works from either endpoint.
	require.NoError(t, store.RemoveLink(ctx, "b", "a"))
	links, err = store.LoadLinks(ctx)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestStoreKeywordSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{
		{ID: "c1", Title: "Postgres vacuum deep dive", Salience: 0.8},
		{ID: "c2", Summary: "talked about postgres indexes", Salience: 0.3},
		{ID: "c3", Title: "Unrelated", Tags: []string{"postgres"}},
		{ID: "c4", Title: "Cooking notes"},
	}))

	items, err := store.KeywordSearch(ctx, "postgres", SearchFilters{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	min := 0.5
	items, err = store.KeywordSearch(ctx, "postgres", SearchFilters{MinSalience: &min})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "c1", items[0].ID)

	// LIKE metacharacters are literal.
	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c5", Title: "done 100%"}}))
	items, err = store.KeywordSearch(ctx, "100%", SearchFilters{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "c5", items[0].ID)
}

func TestStoreVectorKNN(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{
		{ID: "b", Embedding: []float32{1, 0, 0}},
		{ID: "a", Embedding: []float32{1, 0, 0}},
		{ID: "t", Embedding: []float32{1, 0, 0}},
		{ID: "far", Embedding: []float32{0, 1, 0}},
		{ID: "none"},
	}))

	target, err := store.GetItem(ctx, "t")
	require.NoError(t, err)
	matches, err := store.VectorKNN(ctx, target.Embedding, 2, SearchFilters{ExcludeID: "t"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	// Identical vectors tie at distance 0 and order by id.
	require.Equal(t, "a", matches[0].Item.ID)
	require.Equal(t, "b", matches[1].Item.ID)
	require.InDelta(t, 0, matches[0].Distance, 1e-6)

	_, err = store.VectorKNN(ctx, []float32{1, 0}, 2, SearchFilters{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestStoreUpdateMemoryType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1", Salience: 0.12}}))
	require.NoError(t, store.UpdateMemoryType(ctx, "c1", MemoryProcedural))

	it, err := store.GetItem(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, MemoryProcedural, it.MemoryType)
	// Salience re-clamps to the procedural floor.
	require.Equal(t, 0.20, it.Salience)

	require.ErrorIs(t, store.UpdateMemoryType(ctx, "c1", MemoryType("bogus")), ErrValidation)
	require.ErrorIs(t, store.UpdateMemoryType(ctx, "missing", MemoryEpisodic), ErrNotFound)
}

func TestStoreListRecentAndTags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := NowMillis() - 10_000
	require.NoError(t, store.UpsertItems(ctx, []Item{
		{ID: "old", CreatedAt: base, Tags: []string{"alpha"}},
		{ID: "mid", CreatedAt: base + 1000, Tags: []string{"beta", "alpha"}},
		{ID: "new", CreatedAt: base + 2000},
	}))

	items, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "new", items[0].ID)
	require.Equal(t, "mid", items[1].ID)

	tags, err := store.ListTags(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, tags)
}

func TestStoreDeleteCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1"}, {ID: "c2"}}))
	require.NoError(t, store.SaveFacts(ctx, "c1", []ExtractedFact{
		{Subject: "s", Predicate: "p", Object: "o"},
	}))
	require.NoError(t, store.AddLink(ctx, "c1", "c2", ""))

	require.NoError(t, store.DeleteItem(ctx, "c1"))
	require.NoError(t, store.DeleteItem(ctx, "c1")) // absent id is a no-op

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Items)
	require.Equal(t, int64(0), stats.LiveFacts)
	require.Equal(t, int64(0), stats.Links)
}

func TestStoreDecayMetricsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := DecayRunMetric{
		RunTimestamp:         NowMillis(),
		ItemsProcessed:       12,
		ItemsDecayed:         7,
		AverageDecayAmount:   0.04,
		MemoryEntropy:        0.81,
		EnvironmentalContext: "rest_period",
		ProcessingDurationMS: 42,
	}
	require.NoError(t, store.InsertDecayMetric(ctx, m))

	got, err := store.RecentDecayMetrics(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, m, got[0])

	// Pruning drops rows older than the retention window.
	old := m
	old.RunTimestamp = NowMillis() - (40 * 24 * time.Hour).Milliseconds()
	require.NoError(t, store.InsertDecayMetric(ctx, old))
	require.NoError(t, store.PruneDecayMetrics(ctx, 30*24*time.Hour))

	got, err = store.RecentDecayMetrics(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
