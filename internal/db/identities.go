package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/headcount/internal/identity"
)

// IdentityStore reads and writes registered persons and their reference
// embeddings. It implements identity.Loader for the embedding cache.
type IdentityStore struct {
	db  *DB
	now func() time.Time
}

func NewIdentityStore(db *DB) *IdentityStore {
	return &IdentityStore{db: db, now: time.Now}
}

// LoadRecords returns every person with their references, ordered by
// person id.
func (s *IdentityStore) LoadRecords(ctx context.Context) ([]identity.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.person_id, p.display_name, r.embedding, r.quality
		FROM persons p
		LEFT JOIN reference_embeddings r ON r.person_id = p.person_id
		ORDER BY p.person_id, r.created_at, r.ref_id`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var out []identity.Record
	for rows.Next() {
		var (
			personID, name string
			blob           []byte
			quality        sql.NullFloat64
		)
		if err := rows.Scan(&personID, &name, &blob, &quality); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].PersonID != personID {
			out = append(out, identity.Record{PersonID: personID, DisplayName: name})
		}
		if blob == nil {
			continue
		}
		emb, err := decodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("person %s: %w", personID, err)
		}
		rec := &out[len(out)-1]
		rec.References = append(rec.References, identity.Reference{Embedding: emb, Quality: quality.Float64})
	}
	return out, rows.Err()
}

// Upsert stores records, replacing the references of any person that
// already exists.
func (s *IdentityStore) Upsert(ctx context.Context, records []identity.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	for _, rec := range records {
		if rec.PersonID == "" {
			return fmt.Errorf("record without person_id")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO persons (person_id, display_name, created_at) VALUES (?, ?, ?)
			ON CONFLICT(person_id) DO UPDATE SET display_name = excluded.display_name`,
			rec.PersonID, rec.DisplayName, now); err != nil {
			return fmt.Errorf("upsert person %s: %w", rec.PersonID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reference_embeddings WHERE person_id = ?`, rec.PersonID); err != nil {
			return fmt.Errorf("clear references for %s: %w", rec.PersonID, err)
		}
		for i, ref := range rec.References {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO reference_embeddings (ref_id, person_id, dim, embedding, quality, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), rec.PersonID, len(ref.Embedding), encodeEmbedding(ref.Embedding), ref.Quality, now+int64(i)); err != nil {
				return fmt.Errorf("insert reference for %s: %w", rec.PersonID, err)
			}
		}
	}
	return tx.Commit()
}

// Delete removes a person and their references.
func (s *IdentityStore) Delete(ctx context.Context, personID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM persons WHERE person_id = ?`, personID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("person %s: %w", personID, sql.ErrNoRows)
	}
	return nil
}

// Count returns the number of persons and references.
func (s *IdentityStore) Count(ctx context.Context) (persons, references int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM persons), (SELECT COUNT(*) FROM reference_embeddings)`).Scan(&persons, &references)
	return persons, references, err
}

// ImportRecord is one entry of an identities import file. References may be
// given as explicit embeddings or generated from a seed, which dev-mode
// fixtures use in place of a real face model.
type ImportRecord struct {
	identity.Record
	Seed      string  `json:"seed,omitempty"`
	SeedRefs  int     `json:"seed_refs,omitempty"`  // default 5
	SeedNoise float64 `json:"seed_noise,omitempty"` // default 0.02
}

// ImportFile is the JSON document read by `headcount identities import`.
type ImportFile struct {
	Records []ImportRecord `json:"records"`
}

// Expand resolves seeded references into embeddings of dimension dim.
func (r ImportRecord) Expand(dim int) identity.Record {
	rec := r.Record
	if r.Seed == "" {
		return rec
	}
	n, noise := r.SeedRefs, r.SeedNoise
	if n <= 0 {
		n = 5
	}
	if noise <= 0 {
		noise = 0.02
	}
	base := identity.SyntheticEmbedding(r.Seed, dim)
	for i := 0; i < n; i++ {
		rec.References = append(rec.References, identity.Reference{
			Embedding: identity.Perturb(base, noise, fmt.Sprintf("%s/ref/%d", r.Seed, i)),
			Quality:   1,
		})
	}
	return rec
}

// ImportJSON reads an import file and upserts its records. It returns the
// number of persons imported.
func (s *IdentityStore) ImportJSON(ctx context.Context, path string, dim int) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var f ImportFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	records := make([]identity.Record, 0, len(f.Records))
	for _, r := range f.Records {
		rec := r.Expand(dim)
		for _, ref := range rec.References {
			if len(ref.Embedding) != dim {
				return 0, fmt.Errorf("person %s: embedding dimension %d, want %d", rec.PersonID, len(ref.Embedding), dim)
			}
		}
		records = append(records, rec)
	}
	if err := s.Upsert(ctx, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Embeddings are stored as little-endian float32.
func encodeEmbedding(e identity.Embedding) []byte {
	b := make([]byte, 4*len(e))
	for i, x := range e {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return b
}

func decodeEmbedding(b []byte) (identity.Embedding, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes", len(b))
	}
	e := make(identity.Embedding, len(b)/4)
	for i := range e {
		e[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return e, nil
}
