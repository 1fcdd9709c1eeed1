// Package store persists checkpoints and the enrollment database in
// PostgreSQL. Reference embeddings live in a pgvector column.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/matcher"
	"github.com/andresmejia3/mobileface/internal/types"
)

// Store manages the PostgreSQL pool. It implements checkpoint.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ checkpoint.Store = (*Store)(nil)

// ErrUnknownIdentity is returned when a rename targets a missing identity.
var ErrUnknownIdentity = errors.New("identity not enrolled")

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, types.ConfigurationError("connect", "", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, types.ConfigurationError("connect", "", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and the vector extension if they don't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS checkpoints (
			name TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			epoch INT NOT NULL,
			val_accuracy DOUBLE PRECISION NOT NULL,
			payload BYTEA NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS enrolled_identities (
			name TEXT PRIMARY KEY,
			position INT NOT NULL,
			embedding VECTOR NOT NULL,
			face_count INT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

// Save writes c under name, replacing any previous checkpoint of that name.
func (s *Store) Save(ctx context.Context, name string, c *checkpoint.Checkpoint) error {
	if err := checkpoint.ValidateName(name); err != nil {
		return err
	}
	payload, err := checkpoint.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (name, run_id, epoch, val_accuracy, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			epoch = EXCLUDED.epoch,
			val_accuracy = EXCLUDED.val_accuracy,
			payload = EXCLUDED.payload,
			created_at = NOW()
	`, name, c.RunID, c.Epoch, c.ValAccuracy, payload)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}

// Load returns the checkpoint stored under name, or checkpoint.ErrNotFound.
func (s *Store) Load(ctx context.Context, name string) (*checkpoint.Checkpoint, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, "SELECT payload FROM checkpoints WHERE name = $1", name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	return checkpoint.Unmarshal(payload)
}

// List summarises the stored checkpoints without decoding their payloads.
func (s *Store) List(ctx context.Context) ([]checkpoint.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, run_id, epoch, val_accuracy, octet_length(payload), created_at
		FROM checkpoints
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []checkpoint.Summary
	for rows.Next() {
		var sum checkpoint.Summary
		if err := rows.Scan(&sum.Name, &sum.RunID, &sum.Epoch, &sum.ValAccuracy, &sum.Size, &sum.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SaveEnrollment replaces the stored enrollment database with db.
func (s *Store) SaveEnrollment(ctx context.Context, db *matcher.Database) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM enrolled_identities"); err != nil {
		return err
	}
	for i, ref := range db.References() {
		vec := make([]float32, len(ref.Embedding))
		for j, v := range ref.Embedding {
			vec[j] = float32(v)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO enrolled_identities (name, position, embedding, face_count, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, ref.Name, i, pgvector.NewVector(vec), ref.FaceCount)
		if err != nil {
			return fmt.Errorf("save identity %q: %w", ref.Name, err)
		}
	}
	return tx.Commit(ctx)
}

// LoadEnrollment rebuilds the enrollment database in its stored order.
// Embeddings are renormalised after the float32 round trip.
func (s *Store) LoadEnrollment(ctx context.Context) (*matcher.Database, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, embedding, face_count
		FROM enrolled_identities
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []matcher.Reference
	for rows.Next() {
		var (
			name  string
			vec   pgvector.Vector
			count int
		)
		if err := rows.Scan(&name, &vec, &count); err != nil {
			return nil, err
		}
		emb := make([]float64, len(vec.Slice()))
		for i, v := range vec.Slice() {
			emb[i] = float64(v)
		}
		refs = append(refs, matcher.Reference{Name: name, Embedding: types.Normalize(emb), FaceCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return matcher.NewDatabase(refs)
}

// Identity is one row of the stored enrollment.
type Identity struct {
	Position  int
	Name      string
	FaceCount int
	UpdatedAt time.Time
}

// ListIdentities returns the stored enrollment in database order.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT position, name, face_count, updated_at
		FROM enrolled_identities
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.Position, &id.Name, &id.FaceCount, &id.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RenameIdentity relabels an enrolled identity without touching its embedding.
func (s *Store) RenameIdentity(ctx context.Context, oldName, newName string) error {
	if newName == "" {
		return types.ConfigurationError("rename identity", oldName, errors.New("new name is empty"))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrolled_identities SET name = $1, updated_at = NOW() WHERE name = $2
	`, newName, oldName)
	if err != nil {
		return fmt.Errorf("rename identity %q: %w", oldName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, oldName)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// The schema is recreated by the next New.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS checkpoints CASCADE;
		DROP TABLE IF EXISTS enrolled_identities CASCADE;
	`)
	return err
}
