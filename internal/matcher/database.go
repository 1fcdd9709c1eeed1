// Package matcher holds the enrollment database and the nearest-reference
// identification used at inference time.
package matcher

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"

	"github.com/andresmejia3/mobileface/internal/types"
)

// Reference is the enrolled embedding of one identity.
type Reference struct {
	Name      string
	Embedding types.Embedding
	// FaceCount is the number of enrollment crops averaged into Embedding.
	FaceCount int
}

// Database is an immutable, ordered set of references. Order decides ties.
type Database struct {
	refs []Reference
}

// NewDatabase copies refs into a database. Names must be unique and all
// embeddings must share one dimension.
func NewDatabase(refs []Reference) (*Database, error) {
	seen := make(map[string]struct{}, len(refs))
	db := &Database{refs: make([]Reference, len(refs))}
	for i, r := range refs {
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate identity %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if i > 0 && len(r.Embedding) != len(refs[0].Embedding) {
			return nil, fmt.Errorf("identity %q has dimension %d, want %d", r.Name, len(r.Embedding), len(refs[0].Embedding))
		}
		r.Embedding = r.Embedding.Clone()
		db.refs[i] = r
	}
	return db, nil
}

// Len is the number of enrolled identities. A nil database is empty.
func (d *Database) Len() int {
	if d == nil {
		return 0
	}
	return len(d.refs)
}

// Dim is the embedding dimension shared by every reference, 0 when empty.
func (d *Database) Dim() int {
	if d.Len() == 0 {
		return 0
	}
	return len(d.refs[0].Embedding)
}

func (d *Database) Names() []string {
	out := make([]string, d.Len())
	for i := range out {
		out[i] = d.refs[i].Name
	}
	return out
}

// References returns copies of the enrolled references.
func (d *Database) References() []Reference {
	out := make([]Reference, d.Len())
	for i := range out {
		out[i] = d.refs[i]
		out[i].Embedding = d.refs[i].Embedding.Clone()
	}
	return out
}

// Embedder maps a face crop to a unit-norm embedding.
type Embedder interface {
	Embed(crop types.FaceCrop) (types.Embedding, error)
}

// Report summarises an enrollment pass.
type Report struct {
	Enrolled []string
	// Empty lists identities that ended up without a usable reference:
	// no crop embedded, or the embeddings averaged to zero.
	Empty   []string
	Skipped []error
}

// MeanEmbedding averages embeddings and rescales the mean to unit length.
// Embeddings that cancel out yield a zero vector.
func MeanEmbedding(embs []types.Embedding) types.Embedding {
	if len(embs) == 0 {
		return nil
	}
	sum := make([]float64, len(embs[0]))
	for _, e := range embs {
		floats.Add(sum, e)
	}
	floats.Scale(1/float64(len(embs)), sum)
	return types.Normalize(sum)
}

// Enroll embeds every crop of every set and builds a new database from the
// per-identity means. A crop that fails to embed is skipped; an identity
// with no embedded crop is left out of the database. Ending up with no
// identity at all is a configuration error.
func Enroll(ctx context.Context, e Embedder, sets []types.EnrollmentSet, logger *slog.Logger) (*Database, Report, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var report Report
	refs := make([]Reference, 0, len(sets))
	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		embs := make([]types.Embedding, 0, len(set.Crops))
		for i, crop := range set.Crops {
			emb, err := e.Embed(crop)
			if err != nil {
				path := ""
				if i < len(set.Paths) {
					path = set.Paths[i]
				}
				derr := types.DataError("embed "+set.Name, path, err)
				logger.Warn("skipping enrollment crop", "identity", set.Name, "index", i, "error", err)
				report.Skipped = append(report.Skipped, derr)
				continue
			}
			embs = append(embs, emb)
		}
		if len(embs) == 0 {
			report.Empty = append(report.Empty, set.Name)
			continue
		}
		mean := MeanEmbedding(embs)
		if mean.Norm() == 0 {
			derr := types.DataError("enroll "+set.Name, "", types.ErrZeroEmbedding)
			logger.Warn("skipping identity with a zero mean embedding", "identity", set.Name, "faces", len(embs))
			report.Skipped = append(report.Skipped, derr)
			report.Empty = append(report.Empty, set.Name)
			continue
		}
		refs = append(refs, Reference{Name: set.Name, Embedding: mean, FaceCount: len(embs)})
		report.Enrolled = append(report.Enrolled, set.Name)
		logger.Info("enrolled identity", "identity", set.Name, "faces", len(embs))
	}

	if len(refs) == 0 {
		return nil, report, types.ConfigurationError("enroll", "", types.ErrNoIdentities)
	}
	db, err := NewDatabase(refs)
	if err != nil {
		return nil, report, err
	}
	return db, report, nil
}
