package search

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/trial-match-server/internal/domain"
)

// indexMeta is the sidecar metadata for a flat vector index.
type indexMeta struct {
	NCTIDs    []string `json:"nct_ids"`
	ModelName string   `json:"model_name"`
	Dimension int      `json:"dimension"`
}

// FlatIndex is an exact inner-product index over unit-norm float32 vectors,
// stored row-major in a little-endian binary file with a JSON metadata
// sidecar. It is loaded once and read-only afterwards.
type FlatIndex struct {
	vectors []float32
	ids     []string
	dim     int
	model   string
}

// LoadFlatIndex reads the vector file and its metadata. Missing or corrupt
// artifacts return an error; callers treat that as "dense not ready".
func LoadFlatIndex(indexPath, metaPath string) (*FlatIndex, error) {
	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("reading index metadata: %w", err)
	}
	var meta indexMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("parsing index metadata: %w", err)
	}
	if meta.Dimension <= 0 || len(meta.NCTIDs) == 0 {
		return nil, fmt.Errorf("index metadata incomplete: dim=%d ids=%d", meta.Dimension, len(meta.NCTIDs))
	}

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("reading vector file: %w", err)
	}
	want := len(meta.NCTIDs) * meta.Dimension * 4
	if len(raw) != want {
		return nil, fmt.Errorf("vector file size %d does not match %d ids x %d dims", len(raw), len(meta.NCTIDs), meta.Dimension)
	}

	vectors := make([]float32, len(raw)/4)
	for i := range vectors {
		vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return &FlatIndex{
		vectors: vectors,
		ids:     meta.NCTIDs,
		dim:     meta.Dimension,
		model:   meta.ModelName,
	}, nil
}

// Dimension returns the vector dimension.
func (ix *FlatIndex) Dimension() int { return ix.dim }

// ModelName returns the embedding model recorded at index build time.
func (ix *FlatIndex) ModelName() string { return ix.model }

// Size returns the number of indexed trials.
func (ix *FlatIndex) Size() int { return len(ix.ids) }

// TopK returns the k nearest trials by inner product. With unit-norm rows
// and a unit-norm query this equals cosine similarity.
func (ix *FlatIndex) TopK(query []float32, k int) []domain.DenseHit {
	if len(query) != ix.dim || k <= 0 {
		return nil
	}
	if k > len(ix.ids) {
		k = len(ix.ids)
	}

	hits := make([]domain.DenseHit, 0, len(ix.ids))
	for i, id := range ix.ids {
		row := ix.vectors[i*ix.dim : (i+1)*ix.dim]
		var dot float32
		for j, q := range query {
			dot += row[j] * q
		}
		hits = append(hits, domain.DenseHit{NCTID: id, Similarity: float64(dot)})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Similarity > hits[b].Similarity
	})
	return hits[:k]
}

// DenseClient implements domain.DenseSearcher over a flat index and a text
// encoder. A nil index means the artifacts were absent at startup; the
// client then reports not ready and returns empty results without error.
type DenseClient struct {
	index   *FlatIndex
	encoder domain.Encoder
	logger  *logrus.Logger
}

// NewDenseClient loads the index artifacts. Load failures degrade to a
// not-ready client rather than an error, since dense retrieval is optional.
func NewDenseClient(cfg domain.DenseConfig, encoder domain.Encoder, logger *logrus.Logger) *DenseClient {
	c := &DenseClient{encoder: encoder, logger: logger}
	if cfg.IndexPath == "" || cfg.MetaPath == "" {
		return c
	}
	ix, err := LoadFlatIndex(cfg.IndexPath, cfg.MetaPath)
	if err != nil {
		if logger != nil {
			logger.WithError(err).Warn("dense index unavailable, running lexical-only")
		}
		return c
	}
	c.index = ix
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"trials":    ix.Size(),
			"dimension": ix.Dimension(),
			"model":     ix.ModelName(),
		}).Info("dense index loaded")
	}
	return c
}

// NewDenseClientWithIndex is the test seam for a preloaded index.
func NewDenseClientWithIndex(index *FlatIndex, encoder domain.Encoder, logger *logrus.Logger) *DenseClient {
	return &DenseClient{index: index, encoder: encoder, logger: logger}
}

// IndexModelName returns the embedding model recorded in the loaded index
// metadata, empty when no index is loaded.
func (c *DenseClient) IndexModelName() string {
	if c.index == nil {
		return ""
	}
	return c.index.ModelName()
}

// Ready implements domain.DenseSearcher.
func (c *DenseClient) Ready() bool {
	return c.index != nil && c.encoder != nil
}

// Search implements domain.DenseSearcher. A not-ready client returns an
// empty list without error.
func (c *DenseClient) Search(ctx context.Context, query string, k int) ([]domain.DenseHit, error) {
	if !c.Ready() || query == "" || k <= 0 {
		return nil, nil
	}
	vec, err := c.encoder.Encode(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	Normalize(vec)
	return c.index.TopK(vec, k), nil
}

// Normalize scales v to unit L2 norm in place. Zero vectors are left as is.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
