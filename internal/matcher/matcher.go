package matcher

import (
	"fmt"
	"sync/atomic"

	"github.com/andresmejia3/mobileface/internal/types"
)

const (
	// Unknown is the label reported when no identity is accepted.
	Unknown = "Unknown"
	// DefaultThreshold is the minimum cosine similarity to accept a match.
	DefaultThreshold = 0.6
)

// Match is the outcome of one identification.
type Match struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Known bool    `json:"known"`
	// Compared is the number of references scored.
	Compared int `json:"compared"`
}

// Identify scans db for the reference most similar to q. The best score
// starts at 0 and only a strictly higher similarity replaces it, so the
// first identity reaching the maximum wins. The label is assigned only when
// that score is at least threshold; otherwise the result is Unknown with
// the best score still reported. An empty database returns (Unknown, 0)
// without comparing anything. A query whose dimension differs from the
// enrolled references is an error, never a silent Unknown.
func Identify(db *Database, q types.Embedding, threshold float64) (Match, error) {
	m := Match{Label: Unknown}
	if db.Len() == 0 {
		return m, nil
	}
	if len(q) != db.Dim() {
		return m, fmt.Errorf("%w: query has %d values, database has %d", types.ErrDimensionMismatch, len(q), db.Dim())
	}
	for _, ref := range db.refs {
		sim := q.Dot(ref.Embedding)
		m.Compared++
		if sim > m.Score {
			m.Score = sim
			if sim >= threshold {
				m.Label = ref.Name
				m.Known = true
			}
		}
	}
	return m, nil
}

// Matcher serves identifications against a database that can be replaced
// while readers are active. A rebuild happens off to the side and is
// published with Swap; readers see either the old or the new database.
type Matcher struct {
	db        atomic.Pointer[Database]
	threshold float64
}

func New(db *Database, threshold float64) *Matcher {
	m := &Matcher{threshold: threshold}
	m.db.Store(db)
	return m
}

func (m *Matcher) Threshold() float64 {
	return m.threshold
}

func (m *Matcher) Database() *Database {
	return m.db.Load()
}

// Swap installs db and returns the previous database.
func (m *Matcher) Swap(db *Database) *Database {
	return m.db.Swap(db)
}

func (m *Matcher) Identify(q types.Embedding) (Match, error) {
	return Identify(m.db.Load(), q, m.threshold)
}
