package index

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
)

var (
	ErrConfig            = errors.New("invalid index configuration")
	ErrShapeMismatch     = errors.New("vectors and payloads do not match")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrOutOfRange        = errors.New("position out of range")
	ErrPersistence       = errors.New("index artifacts are corrupted or do not match")
	ErrIndexNotFound     = errors.New("index not found")
)

// Metric selects how similarity between vectors is measured.
type Metric uint8

const (
	// InnerProduct compares L2-normalized vectors, so similarity is the cosine.
	InnerProduct Metric = iota
	// L2 reports the negated euclidean distance as similarity.
	L2
)

func (m Metric) String() string {
	switch m {
	case InnerProduct:
		return "ip"
	case L2:
		return "l2"
	default:
		return fmt.Sprintf("metric(%d)", uint8(m))
	}
}

// ParseMetric accepts "ip"/"inner_product"/"cosine" and "l2"/"euclidean".
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ip", "inner_product", "cosine":
		return InnerProduct, nil
	case "l2", "euclidean":
		return L2, nil
	default:
		return 0, fmt.Errorf("%w: unknown metric %q", ErrConfig, s)
	}
}

// Hit is one search result.
type Hit struct {
	Position   int
	Similarity float64
}

// Index is an exact nearest neighbour index. Vectors and payloads share
// positions; entries are only ever appended.
type Index struct {
	mu       sync.RWMutex
	dim      int
	metric   Metric
	vectors  []float32
	payloads []candidate.Statement

	fingerprint string
	model       string
}

// New creates an empty index for vectors of the given dimension.
func New(dim int, metric Metric) (*Index, error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrConfig, dim)
	}
	if metric != InnerProduct && metric != L2 {
		return nil, fmt.Errorf("%w: unknown metric %s", ErrConfig, metric)
	}
	return &Index{dim: dim, metric: metric}, nil
}

func (x *Index) Dimension() int { return x.dim }

func (x *Index) Metric() Metric { return x.metric }

// Len returns the number of entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.payloads)
}

// Fingerprint identifies the corpus the index was built from.
func (x *Index) Fingerprint() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.fingerprint
}

// Model is the embedding model that produced the vectors.
func (x *Index) Model() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.model
}

// SetSource records which corpus and embedding model the index holds.
func (x *Index) SetSource(fingerprint, model string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.fingerprint = fingerprint
	x.model = model
}

// Add appends vectors with their payloads. Either all entries are added or
// none. Vectors are copied, and normalized for the inner product metric.
func (x *Index) Add(vectors [][]float32, payloads []candidate.Statement) error {
	if len(vectors) != len(payloads) {
		return fmt.Errorf("%w: %d vectors, %d payloads", ErrShapeMismatch, len(vectors), len(payloads))
	}

	for i, v := range vectors {
		if len(v) != x.dim {
			return fmt.Errorf("%w: vector %d has dimension %d, index expects %d", ErrDimensionMismatch, i, len(v), x.dim)
		}
	}

	flat := make([]float32, 0, len(vectors)*x.dim)
	for _, v := range vectors {
		start := len(flat)
		flat = append(flat, v...)
		if x.metric == InnerProduct {
			normalize(flat[start:])
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.vectors = append(x.vectors, flat...)
	x.payloads = append(x.payloads, payloads...)

	return nil
}

// Payload returns the statement stored at position.
func (x *Index) Payload(position int) (candidate.Statement, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if position < 0 || position >= len(x.payloads) {
		return candidate.Statement{}, fmt.Errorf("%w: %d (size %d)", ErrOutOfRange, position, len(x.payloads))
	}
	return x.payloads[position], nil
}

// Payloads returns a copy of all payloads in position order.
func (x *Index) Payloads() []candidate.Statement {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.payloads)
}

// Search returns the k most similar entries ordered by similarity, ties by
// position. k larger than the index returns every entry.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	return x.SearchFunc(query, k, nil)
}

// SearchFunc is Search restricted to entries whose payload satisfies keep.
// A nil keep matches everything.
func (x *Index) SearchFunc(query []float32, k int, keep func(candidate.Statement) bool) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, index expects %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if k < 0 {
		return nil, fmt.Errorf("%w: k must not be negative, got %d", ErrConfig, k)
	}
	if k == 0 {
		return []Hit{}, nil
	}

	q := make([]float64, x.dim)
	for i, v := range query {
		q[i] = float64(v)
	}
	if x.metric == InnerProduct {
		normalize64(q)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]Hit, 0, len(x.payloads))
	for pos := range x.payloads {
		if keep != nil && !keep(x.payloads[pos]) {
			continue
		}
		vec := x.vectors[pos*x.dim : (pos+1)*x.dim]
		hits = append(hits, Hit{Position: pos, Similarity: x.similarity(q, vec)})
	}

	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})

	if k < len(hits) {
		hits = hits[:k]
	}

	return hits, nil
}

func (x *Index) similarity(q []float64, v []float32) float64 {
	switch x.metric {
	case L2:
		var sum float64
		for i, val := range v {
			d := q[i] - float64(val)
			sum += d * d
		}
		return -math.Sqrt(sum)
	default:
		var dot float64
		for i, val := range v {
			dot += q[i] * float64(val)
		}
		return dot
	}
}

func normalize(v []float32) {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

func normalize64(v []float64) {
	var sum float64
	for _, val := range v {
		sum += val * val
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
}
