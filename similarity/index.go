// Package similarity answers nearest-neighbour queries over a small, static
// knowledge corpus.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bytedance/sonic"
)

// Record is one corpus entry. Records are never mutated after load.
type Record struct {
	ID     string    `json:"id"`
	Text   string    `json:"policy_text"`
	Vector []float32 `json:"policy_text_embedding"`
}

// Hit is a query result.
type Hit struct {
	ID    string
	Text  string
	Score float64
}

// Embedder turns text into a vector in the same space as the corpus.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the query contract tools depend on. Index is the brute-force
// implementation; an approximate index can satisfy the same interface.
type Searcher interface {
	Query(ctx context.Context, text string, k int) ([]Hit, error)
}

// Index is a brute-force cosine similarity index, safe for concurrent use.
type Index struct {
	name     string
	records  []Record
	embedder Embedder
}

var _ Searcher = (*Index)(nil)

func NewIndex(name string, records []Record, embedder Embedder) (*Index, error) {
	if embedder == nil {
		return nil, errors.New("no embedder provided")
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("index %s: empty corpus", name)
	}
	dim := len(records[0].Vector)
	for i, r := range records {
		if len(r.Vector) == 0 || len(r.Vector) != dim {
			return nil, fmt.Errorf("index %s: record %d (%s) has dimension %d, want %d", name, i, r.ID, len(r.Vector), dim)
		}
	}
	owned := make([]Record, len(records))
	copy(owned, records)
	return &Index{name: name, records: owned, embedder: embedder}, nil
}

// Load reads a JSON array of records from path.
func Load(name, path string, embedder Embedder) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus %s: %w", path, err)
	}
	var records []Record
	if err := sonic.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding corpus %s: %w", path, err)
	}
	return NewIndex(name, records, embedder)
}

func (x *Index) Name() string {
	return x.name
}

func (x *Index) Len() int {
	return len(x.records)
}

// Query returns the k records most similar to text, best first. Equal scores
// keep corpus order. An embedding failure is reported as
// shared.ErrEmbeddingUnavailable.
func (x *Index) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	query, err := x.embedder.Embed(ctx, strings.ReplaceAll(text, "\n", " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrEmbeddingUnavailable, err)
	}
	if len(query) != len(x.records[0].Vector) {
		return nil, fmt.Errorf("%w: query dimension %d, corpus dimension %d",
			shared.ErrEmbeddingUnavailable, len(query), len(x.records[0].Vector))
	}

	hits := make([]Hit, len(x.records))
	for i, r := range x.records {
		hits[i] = Hit{ID: r.ID, Text: r.Text, Score: Cosine(query, r.Vector)}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either has zero
// magnitude. The vectors must have the same length.
func Cosine(a, b []float32) float64 {
	var dot, am, bm float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		am += float64(a[i]) * float64(a[i])
		bm += float64(b[i]) * float64(b[i])
	}
	if am == 0 || bm == 0 {
		return 0
	}
	return dot / (math.Sqrt(am) * math.Sqrt(bm))
}

// Format renders hits the way the knowledge tools hand them to the model.
func Format(hits []Hit) string {
	var b strings.Builder
	for _, h := range hits {
		b.WriteString(h.ID)
		b.WriteByte('\n')
		b.WriteString(h.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
