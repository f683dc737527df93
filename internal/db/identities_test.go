package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headcount/internal/identity"
)

func seeded(person string, dim int) []identity.Record {
	return []identity.Record{ImportRecord{Record: identity.Record{PersonID: person, DisplayName: person}, Seed: person}.Expand(dim)}
}

func TestIdentityStore_RoundTrip(t *testing.T) {
	d := openTestDB(t)
	s := NewIdentityStore(d)
	ctx := context.Background()

	in := []identity.Record{
		{PersonID: "bob", DisplayName: "Bob", References: []identity.Reference{
			{Embedding: identity.Embedding{0.25, -0.5, 1.5}, Quality: 0.9},
			{Embedding: identity.Embedding{1, 0, 0}, Quality: 0.7},
		}},
		{PersonID: "alice", DisplayName: "Alice", References: []identity.Reference{
			{Embedding: identity.Embedding{0, 1, 0}, Quality: 1},
		}},
		{PersonID: "carol"},
	}
	require.NoError(t, s.Upsert(ctx, in))

	got, err := s.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "alice", got[0].PersonID)
	assert.Equal(t, in[0], got[1], "embeddings survive the float32 blob encoding exactly")
	assert.Equal(t, "carol", got[2].PersonID)
	assert.Empty(t, got[2].References)
}

func TestIdentityStore_UpsertReplacesReferences(t *testing.T) {
	d := openTestDB(t)
	s := NewIdentityStore(d)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, seeded("alice", 16)))
	require.NoError(t, s.Upsert(ctx, []identity.Record{{PersonID: "alice", DisplayName: "A.", References: []identity.Reference{
		{Embedding: make(identity.Embedding, 16), Quality: 0.5},
	}}}))

	persons, refs, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, persons)
	assert.Equal(t, 1, refs)

	got, err := s.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A.", got[0].DisplayName)
}

func TestIdentityStore_DeleteCascades(t *testing.T) {
	d := openTestDB(t)
	s := NewIdentityStore(d)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, seeded("alice", 8)))
	require.NoError(t, s.Delete(ctx, "alice"))
	_, refs, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, refs)

	assert.ErrorIs(t, s.Delete(ctx, "alice"), sql.ErrNoRows)
}

func TestIdentityStore_RejectsMissingID(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	assert.Error(t, s.Upsert(context.Background(), []identity.Record{{DisplayName: "nobody"}}))
}

func TestIdentityStore_ImportJSON(t *testing.T) {
	d := openTestDB(t)
	s := NewIdentityStore(d)
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "ids.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"records": [
		{"person_id": "alice", "display_name": "Alice", "seed": "alice"},
		{"person_id": "bob", "seed": "bob", "seed_refs": 3},
		{"person_id": "eve", "references": [{"embedding": [1, 0, 0, 0], "quality": 0.8}]}
	]}`), 0o644))

	n, err := s.ImportJSON(ctx, path, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, refs, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5+3+1, refs)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"records": [{"person_id": "x", "references": [{"embedding": [1, 0]}]}]}`), 0o644))
	_, err = s.ImportJSON(ctx, bad, 4)
	assert.ErrorContains(t, err, "dimension")

	_, err = s.ImportJSON(ctx, filepath.Join(dir, "missing.json"), 4)
	assert.Error(t, err)
}

func TestIdentityStore_FeedsEmbeddingCache(t *testing.T) {
	const dim = 128
	d := openTestDB(t)
	s := NewIdentityStore(d)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, append(seeded("alice", dim), seeded("bob", dim)...)))

	cache := identity.NewEmbeddingCache(dim)
	reloader := identity.NewReloader(cache, s, 0, nil)
	require.NoError(t, reloader.Reload(ctx))
	assert.Equal(t, 2, cache.Len())

	query := identity.Perturb(identity.SyntheticEmbedding("alice", dim), 0.02, "probe")
	cands, err := cache.Search(query, 5)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, "alice", cands[0].PersonID)
	assert.Greater(t, cands[0].Top(), 0.65)
}

func TestEmbeddingBlob(t *testing.T) {
	e := identity.Embedding{1.5, -2, 0, 3.25}
	got, err := decodeEmbedding(encodeEmbedding(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}
