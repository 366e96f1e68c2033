package index

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/smartmart/vision/internal/domain"
)

const (
	flatMagic   uint32 = 0x56495846 // "VIXF"
	flatVersion uint32 = 1

	vectorsFileName = "products.vec"
	metaFileName    = "products.meta.json"
)

// Flat is an exact inner-product index over L2-normalized vectors.
// It is append-only; concurrent readers must hold an immutable snapshot
// and writers must work on a Clone before publishing.
type Flat struct {
	dim     int
	data    []float32 // len = count * dim
	labels  []string  // ordinal -> sku_id
	sources []string  // ordinal -> sample image name
	info    domain.BuildInfo
}

// NewFlat creates an empty index for vectors of the given dimension.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

func (f *Flat) Size() int {
	return len(f.labels)
}

func (f *Flat) Dimension() int {
	return f.dim
}

// Info returns the build metadata recorded at publish time.
func (f *Flat) Info() domain.BuildInfo {
	return f.info
}

func (f *Flat) SetInfo(info domain.BuildInfo) {
	info.VectorCount = f.Size()
	info.SKUCount = f.SKUCount()
	f.info = info
}

// SKUCount returns the number of distinct SKUs in the index.
func (f *Flat) SKUCount() int {
	seen := make(map[string]struct{}, len(f.labels))
	for _, l := range f.labels {
		seen[l] = struct{}{}
	}
	return len(seen)
}

// SKUs returns the distinct SKU ids present in the index.
func (f *Flat) SKUs() []string {
	seen := make(map[string]struct{}, len(f.labels))
	out := make([]string, 0, len(f.labels))
	for _, l := range f.labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Append adds one vector labeled with a SKU id and the sample image
// name it was embedded from. The caller must pass an already
// normalized vector.
func (f *Flat) Append(vec []float32, skuID, source string) error {
	if len(vec) != f.dim {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vec), f.dim)
	}
	f.data = append(f.data, vec...)
	f.labels = append(f.labels, skuID)
	f.sources = append(f.sources, source)
	return nil
}

// SourcesForSKU returns the sample image names embedded for one SKU.
func (f *Flat) SourcesForSKU(skuID string) []string {
	var out []string
	for i, l := range f.labels {
		if l == skuID && f.sources[i] != "" {
			out = append(out, f.sources[i])
		}
	}
	return out
}

// Clone returns a deep copy safe to mutate while the original serves reads.
func (f *Flat) Clone() *Flat {
	c := &Flat{
		dim:     f.dim,
		data:    make([]float32, len(f.data)),
		labels:  make([]string, len(f.labels)),
		sources: make([]string, len(f.sources)),
		info:    f.info,
	}
	copy(c.data, f.data)
	copy(c.labels, f.labels)
	copy(c.sources, f.sources)
	return c
}

// Search returns the topN nearest vectors by inner product, ordered by
// descending score with ordinal as the tie-break so results are stable.
func (f *Flat) Search(ctx context.Context, query []float32, topN int) ([]Hit, error) {
	if f.Size() == 0 {
		return nil, ErrEmptyIndex
	}
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(query), f.dim)
	}
	if topN <= 0 {
		topN = 1
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := f.Size()
	hits := make([]Hit, n)
	for i := 0; i < n; i++ {
		row := f.data[i*f.dim : (i+1)*f.dim]
		var dot float32
		for j, q := range query {
			dot += row[j] * q
		}
		hits[i] = Hit{Ordinal: i, SKUID: f.labels[i], Score: dot}
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Ordinal < hits[b].Ordinal
	})

	if topN > n {
		topN = n
	}
	return hits[:topN], nil
}

type flatMeta struct {
	BuildInfo domain.BuildInfo `json:"build_info"`
	Labels    []string         `json:"labels"`
	Sources   []string         `json:"sources,omitempty"`
}

// Save persists the index under dir as a binary vector block plus a
// JSON metadata sidecar. Both files are written to temp paths and
// renamed into place.
func (f *Flat) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index dir: %w", err)
	}

	vecPath := filepath.Join(dir, vectorsFileName)
	tmpVec := vecPath + ".tmp"
	if err := f.writeVectors(tmpVec); err != nil {
		os.Remove(tmpVec)
		return err
	}

	metaPath := filepath.Join(dir, metaFileName)
	tmpMeta := metaPath + ".tmp"
	meta := flatMeta{BuildInfo: f.info, Labels: f.labels, Sources: f.sources}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.Remove(tmpVec)
		return fmt.Errorf("failed to marshal index metadata: %w", err)
	}
	if err := os.WriteFile(tmpMeta, data, 0o644); err != nil {
		os.Remove(tmpVec)
		return fmt.Errorf("failed to write index metadata: %w", err)
	}

	if err := os.Rename(tmpVec, vecPath); err != nil {
		os.Remove(tmpVec)
		os.Remove(tmpMeta)
		return fmt.Errorf("failed to publish vectors file: %w", err)
	}
	if err := os.Rename(tmpMeta, metaPath); err != nil {
		os.Remove(tmpMeta)
		return fmt.Errorf("failed to publish metadata file: %w", err)
	}
	return nil
}

func (f *Flat) writeVectors(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create vectors file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	header := []uint32{flatMagic, flatVersion, uint32(f.dim), uint32(f.Size())}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write vectors header: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, f.data); err != nil {
		return fmt.Errorf("failed to write vectors block: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush vectors file: %w", err)
	}
	return file.Sync()
}

// LoadFlat reads a persisted index from dir.
func LoadFlat(dir string) (*Flat, error) {
	vecPath := filepath.Join(dir, vectorsFileName)
	file, err := os.Open(vecPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrIndexNotFound
		}
		return nil, fmt.Errorf("failed to open vectors file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var magic, version, dim, count uint32
	for _, dst := range []*uint32{&magic, &version, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, fmt.Errorf("%w: truncated header", ErrIndexCorrupt)
		}
	}
	if magic != flatMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrIndexCorrupt, magic)
	}
	if version != flatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIndexCorrupt, version)
	}
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero dimension", ErrIndexCorrupt)
	}

	data := make([]float32, int(dim)*int(count))
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("%w: truncated vector block", ErrIndexCorrupt)
	}

	metaPath := filepath.Join(dir, metaFileName)
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: metadata sidecar missing", ErrIndexCorrupt)
		}
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}
	var meta flatMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata json", ErrIndexCorrupt)
	}
	if len(meta.Labels) != int(count) {
		return nil, fmt.Errorf("%w: label count %d does not match vector count %d",
			ErrIndexCorrupt, len(meta.Labels), count)
	}
	if meta.Sources == nil {
		// metadata written before source tracking
		meta.Sources = make([]string, count)
	} else if len(meta.Sources) != int(count) {
		return nil, fmt.Errorf("%w: source count %d does not match vector count %d",
			ErrIndexCorrupt, len(meta.Sources), count)
	}

	f := &Flat{
		dim:     int(dim),
		data:    data,
		labels:  meta.Labels,
		sources: meta.Sources,
		info:    meta.BuildInfo,
	}
	return f, nil
}
