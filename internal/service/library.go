package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// image extensions accepted as training samples
var sampleExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// SampleLibrary manages the on-disk layout of training images:
// one directory per SKU under the root, image files inside.
type SampleLibrary struct {
	dir string
}

func NewSampleLibrary(dir string) *SampleLibrary {
	return &SampleLibrary{dir: dir}
}

func (l *SampleLibrary) Dir() string {
	return l.dir
}

// SKUSamples lists the images recorded for one SKU.
type SKUSamples struct {
	SKUID  string   `json:"sku_id"`
	Dir    string   `json:"-"`
	Images []string `json:"images"`
}

// skuFromDir maps a directory name to a SKU id. Directories may be
// named with the raw id ("417") or with a zero-padded prefix form
// ("sku_0417"); both resolve to the same SKU.
func skuFromDir(name string) string {
	if rest, ok := strings.CutPrefix(name, "sku_"); ok {
		trimmed := strings.TrimLeft(rest, "0")
		if trimmed == "" && rest != "" {
			return "0"
		}
		return trimmed
	}
	return name
}

// Scan walks the library and returns per-SKU image lists, sorted by
// SKU id with images sorted by filename so builds are deterministic.
func (l *SampleLibrary) Scan() ([]SKUSamples, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sample library: %w", err)
	}

	bySKU := make(map[string]*SKUSamples)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skuID := skuFromDir(entry.Name())
		if skuID == "" {
			continue
		}
		images, err := l.listImages(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			continue
		}
		s, ok := bySKU[skuID]
		if !ok {
			s = &SKUSamples{SKUID: skuID, Dir: filepath.Join(l.dir, entry.Name())}
			bySKU[skuID] = s
		}
		s.Images = append(s.Images, images...)
	}

	out := make([]SKUSamples, 0, len(bySKU))
	for _, s := range bySKU {
		sort.Strings(s.Images)
		out = append(out, *s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SKUID < out[b].SKUID })
	return out, nil
}

func (l *SampleLibrary) listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sku directory: %w", err)
	}
	var images []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if sampleExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			images = append(images, filepath.Join(dir, entry.Name()))
		}
	}
	return images, nil
}

// ImagesForSKU returns the sample images of a single SKU. An existing
// directory with no images yields an empty list, a missing directory
// yields ErrNoSamples.
func (l *SampleLibrary) ImagesForSKU(skuID string) (*SKUSamples, error) {
	all, err := l.Scan()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].SKUID == skuID {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("%w: sku %s", ErrNoSamples, skuID)
}

// safeName rejects path segments that could escape the library root.
// Both SKU ids and filenames pass through it before any join.
func safeName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid path segment %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid path segment %q", name)
	}
	return nil
}

// AddImage stores a new sample image for a SKU, creating the SKU
// directory on first use.
func (l *SampleLibrary) AddImage(skuID, filename string, data []byte) (string, error) {
	if err := safeName(skuID); err != nil {
		return "", err
	}
	if err := safeName(filename); err != nil {
		return "", err
	}
	if !sampleExtensions[strings.ToLower(filepath.Ext(filename))] {
		return "", fmt.Errorf("unsupported image extension %q", filepath.Ext(filename))
	}

	dir := filepath.Join(l.dir, skuID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create sku directory: %w", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write sample image: %w", err)
	}
	return path, nil
}

// DeleteImage removes one sample image from a SKU directory.
func (l *SampleLibrary) DeleteImage(skuID, filename string) error {
	if err := safeName(skuID); err != nil {
		return err
	}
	if err := safeName(filename); err != nil {
		return err
	}

	s, err := l.ImagesForSKU(skuID)
	if err != nil {
		return err
	}
	path := filepath.Join(s.Dir, filename)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSampleNotFound, filename)
		}
		return fmt.Errorf("failed to delete sample image: %w", err)
	}
	return nil
}
