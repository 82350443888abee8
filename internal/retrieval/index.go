package retrieval

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/embedding"
	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/pkg/logger"
	"github.com/food-agent/backend/pkg/utils"
)

const (
	MatrixFile = "columns.idx"
	MirrorFile = "columns.json"

	headerSize = 16
)

var (
	matrixMagic = [4]byte{'O', 'F', 'C', 'I'}

	ErrEmptyCatalog = errors.New("column catalogue is empty")
)

const matrixVersion uint32 = 1

// Status is the outcome of validating an on-disk index.
type Status int

const (
	IndexOK Status = iota
	// IndexStale means the cache is well-formed but was built for another
	// catalogue or embedding model.
	IndexStale
	// IndexCorrupt means the two artifacts are missing, unreadable or
	// disagree with each other.
	IndexCorrupt
)

func (s Status) String() string {
	switch s {
	case IndexOK:
		return "ok"
	case IndexStale:
		return "stale"
	default:
		return "corrupt"
	}
}

// Index is the column embedding matrix, one L2-normalised row per column in
// catalogue order. Read-only once built. TextHashes holds the digest of the
// text each row was embedded from.
type Index struct {
	Model      string
	Dim        int
	Columns    []models.ColumnMetadata
	TextHashes []string
	Matrix     []float32
}

type mirror struct {
	Model      string                  `json:"model"`
	Dimension  int                     `json:"dimension"`
	Columns    []models.ColumnMetadata `json:"columns"`
	TextHashes []string                `json:"text_hashes"`
}

type Match struct {
	Column models.ColumnMetadata
	Score  float64
}

func (ix *Index) Len() int { return len(ix.Columns) }

func (ix *Index) row(i int) []float32 {
	return ix.Matrix[i*ix.Dim : (i+1)*ix.Dim]
}

// Build embeds every column of the catalogue.
func Build(ctx context.Context, catalog []models.ColumnMetadata, embedder embedding.Embedder, maxExampleBytes int) (*Index, error) {
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}

	texts := make([]string, len(catalog))
	hashes := make([]string, len(catalog))
	for i, col := range catalog {
		texts[i] = IndexText(col, maxExampleBytes)
		hashes[i] = utils.HashText(texts[i])
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed columns: %w", err)
	}
	if len(vectors) != len(catalog) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d columns", len(vectors), len(catalog))
	}

	dim := embedder.Dimension()
	ix := &Index{
		Model:      embedder.Model(),
		Dim:        dim,
		Columns:    append([]models.ColumnMetadata(nil), catalog...),
		TextHashes: hashes,
		Matrix:     make([]float32, 0, len(catalog)*dim),
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("column %s: vector dimension %d, expected %d", catalog[i].Name, len(v), dim)
		}
		ix.Matrix = append(ix.Matrix, normalize(v)...)
	}

	logger.Info("Column index built", zap.Int("columns", ix.Len()), zap.Int("dimension", dim))
	return ix, nil
}

// Search returns the k nearest columns by inner product. k is clamped to
// the catalogue size; equal scores keep catalogue order.
func (ix *Index) Search(query []float32, k int) []Match {
	if ix == nil || ix.Len() == 0 || k <= 0 || len(query) != ix.Dim {
		return nil
	}
	k = min(k, ix.Len())

	q := normalize(query)
	matches := make([]Match, ix.Len())
	for i := range ix.Columns {
		matches[i] = Match{Column: ix.Columns[i], Score: dot(q, ix.row(i))}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Score > matches[b].Score
	})
	return matches[:k]
}

// Save writes both artifacts into dir, replacing any previous cache.
func (ix *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index dir: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(matrixMagic[:])
	binary.Write(&buf, binary.LittleEndian, matrixVersion)
	binary.Write(&buf, binary.LittleEndian, uint32(ix.Len()))
	binary.Write(&buf, binary.LittleEndian, uint32(ix.Dim))
	binary.Write(&buf, binary.LittleEndian, ix.Matrix)

	mirrorData, err := json.MarshalIndent(mirror{Model: ix.Model, Dimension: ix.Dim, Columns: ix.Columns, TextHashes: ix.TextHashes}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index mirror: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, MatrixFile), buf.Bytes()); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, MirrorFile), mirrorData)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(path), err)
	}
	return nil
}

// Load reads the cache without checking it against any catalogue.
func Load(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, MirrorFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read index mirror: %w", err)
	}
	var m mirror
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode index mirror: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, MatrixFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open index matrix: %w", err)
	}
	defer f.Close()

	rows, dim, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	if rows != len(m.Columns) {
		return nil, fmt.Errorf("matrix has %d rows, mirror has %d columns", rows, len(m.Columns))
	}
	if m.Dimension != 0 && m.Dimension != dim {
		return nil, fmt.Errorf("matrix dimension %d, mirror says %d", dim, m.Dimension)
	}

	// The header is untrusted until the file length agrees with it.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat index matrix: %w", err)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("index matrix has dimension %d", dim)
	}
	if int64(rows) > (math.MaxInt64-headerSize)/4/int64(dim) {
		return nil, fmt.Errorf("index header declares %d x %d, too large", rows, dim)
	}
	if want := headerSize + int64(rows)*int64(dim)*4; info.Size() != want {
		return nil, fmt.Errorf("index matrix is %d bytes, header implies %d", info.Size(), want)
	}

	matrix := make([]float32, rows*dim)
	if err := binary.Read(f, binary.LittleEndian, matrix); err != nil {
		return nil, fmt.Errorf("failed to read index matrix: %w", err)
	}
	if n, _ := f.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("index matrix has trailing data")
	}

	return &Index{Model: m.Model, Dim: dim, Columns: m.Columns, TextHashes: m.TextHashes, Matrix: matrix}, nil
}

func readHeader(r io.Reader) (rows, dim int, err error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, fmt.Errorf("failed to read index header: %w", err)
	}
	if !bytes.Equal(header[:4], matrixMagic[:]) {
		return 0, 0, fmt.Errorf("bad index magic %q", header[:4])
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != matrixVersion {
		return 0, 0, fmt.Errorf("unsupported index version %d", v)
	}
	return int(binary.LittleEndian.Uint32(header[8:12])), int(binary.LittleEndian.Uint32(header[12:16])), nil
}

// Validate checks the cache in dir against the catalogue and the embedding
// model's dimension. A column whose index text changed since the build makes
// the cache stale. The reason is empty when the status is IndexOK.
func Validate(dir string, catalog []models.ColumnMetadata, model string, dim, maxExampleBytes int) (Status, string) {
	for _, name := range []string{MatrixFile, MirrorFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return IndexCorrupt, fmt.Sprintf("%s missing", name)
		}
	}

	ix, err := Load(dir)
	if err != nil {
		return IndexCorrupt, err.Error()
	}
	if ix.Dim != dim {
		return IndexStale, fmt.Sprintf("cached dimension %d, model emits %d", ix.Dim, dim)
	}
	if ix.Model != "" && model != "" && ix.Model != model {
		return IndexStale, fmt.Sprintf("cached for model %s, configured %s", ix.Model, model)
	}
	if ix.Len() != len(catalog) {
		return IndexStale, fmt.Sprintf("cached %d columns, catalogue has %d", ix.Len(), len(catalog))
	}
	for i, col := range catalog {
		if ix.Columns[i].Name != col.Name {
			return IndexStale, fmt.Sprintf("column %d is %s in cache, %s in catalogue", i, ix.Columns[i].Name, col.Name)
		}
	}
	if len(ix.TextHashes) != len(catalog) {
		return IndexStale, "cache carries no column text digests"
	}
	for i, col := range catalog {
		if ix.TextHashes[i] != utils.HashText(IndexText(col, maxExampleBytes)) {
			return IndexStale, fmt.Sprintf("column %s text changed since the index was built", col.Name)
		}
	}
	return IndexOK, ""
}

// LoadOrBuild returns the cached index when it validates, and otherwise
// rebuilds and persists it. Only rebuild failures are returned.
func LoadOrBuild(ctx context.Context, dir string, catalog []models.ColumnMetadata, embedder embedding.Embedder, maxExampleBytes int) (*Index, error) {
	status, reason := Validate(dir, catalog, embedder.Model(), embedder.Dimension(), maxExampleBytes)
	if status == IndexOK {
		ix, err := Load(dir)
		if err == nil {
			logger.Info("Column index loaded from cache", zap.String("dir", dir), zap.Int("columns", ix.Len()))
			return ix, nil
		}
		status, reason = IndexCorrupt, err.Error()
	}

	logger.Warn("Column index cache rejected, rebuilding",
		zap.String("dir", dir),
		zap.String("status", status.String()),
		zap.String("reason", reason),
	)
	metrics.IndexRebuilds.WithLabelValues(status.String()).Inc()

	ix, err := Build(ctx, catalog, embedder, maxExampleBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to build column index: %w", err)
	}
	if err := ix.Save(dir); err != nil {
		return nil, fmt.Errorf("failed to save column index: %w", err)
	}
	return ix, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
