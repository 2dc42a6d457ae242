// Package split groups input files into size-bounded, locality-aware splits,
// the unit of parallel work.
package split

import (
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
)

// File is an input file as listed from storage.
type File struct {
	Path      string
	Size      int64
	Locations []string
	// Unsplittable forbids byte-range chunking even when the format allows it
	// (compressed files).
	Unsplittable bool
}

// Chunk is a byte range of one file. Length equals FileSize for whole files.
type Chunk struct {
	Path      string   `json:"path"`
	Offset    int64    `json:"offset"`
	Length    int64    `json:"length"`
	FileSize  int64    `json:"file_size"`
	Locations []string `json:"locations,omitempty"`
}

// Whole reports whether the chunk covers its entire file.
func (c Chunk) Whole() bool { return c.Offset == 0 && c.Length == c.FileSize }

// Split is an ordered group of chunks processed by a single reader.
type Split struct {
	Index  int     `json:"index"`
	ID     string  `json:"id"`
	Chunks []Chunk `json:"chunks"`
}

// Size returns the total bytes covered by the split.
func (s Split) Size() int64 {
	var n int64
	for _, c := range s.Chunks {
		n += c.Length
	}
	return n
}

// Paths returns the distinct file paths of the split in chunk order.
func (s Split) Paths() []string {
	seen := make(map[string]bool, len(s.Chunks))
	out := make([]string, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		if !seen[c.Path] {
			seen[c.Path] = true
			out = append(out, c.Path)
		}
	}
	return out
}

// Locations returns the union of chunk locations in first-seen order.
func (s Split) Locations() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range s.Chunks {
		for _, l := range c.Locations {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

// Bounds limits how files are grouped.
type Bounds struct {
	// MaxSplitSize is the byte budget of a split. Required.
	MaxSplitSize int64
	// MaxFilesPerSplit caps chunks per split. Zero means no cap.
	MaxFilesPerSplit int
	// MaxInputPaths caps the number of input files. Zero means no cap.
	MaxInputPaths int
	// Splittable lets files larger than MaxSplitSize be cut into byte ranges.
	Splittable bool
}

// Validate checks the bounds.
func (b Bounds) Validate() error {
	if b.MaxSplitSize <= 0 {
		return errs.Config(errs.ErrInvalidBound, "maxSplitSize must be positive, got %d", b.MaxSplitSize)
	}
	if b.MaxFilesPerSplit < 0 {
		return errs.Config(errs.ErrInvalidBound, "maxFilesPerSplit must not be negative, got %d", b.MaxFilesPerSplit)
	}
	if b.MaxInputPaths < 0 {
		return errs.Config(errs.ErrInvalidBound, "maxInputPaths must not be negative, got %d", b.MaxInputPaths)
	}
	return nil
}

// Plan groups files into splits. The result depends only on the files (in
// order) and the bounds.
//
// Files are grouped by their first location; groups are visited in order of
// first appearance and packed greedily in input order. A group's trailing
// partial split is not closed right away: leftovers of all groups are packed
// together at the end so small groups do not each cost a split. A file larger
// than MaxSplitSize gets splits of its own, cut into byte ranges when the
// bounds allow it.
func Plan(files []File, b Bounds) ([]Split, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	if b.MaxInputPaths > 0 && len(files) > b.MaxInputPaths {
		return nil, errs.Config(errs.ErrTooManyInputs, "%d input files exceed maxInputPaths %d", len(files), b.MaxInputPaths)
	}

	var order []string
	groups := map[string][]File{}
	for _, f := range files {
		if f.Size < 0 {
			return nil, errs.Config(errs.ErrInvalidBound, "file %s has negative size %d", f.Path, f.Size)
		}
		key := ""
		if len(f.Locations) > 0 {
			key = f.Locations[0]
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}

	p := &packer{bounds: b}
	var leftovers []Chunk
	for _, key := range order {
		for _, f := range groups[key] {
			if f.Size > b.MaxSplitSize {
				p.oversized(f)
				continue
			}
			p.add(whole(f))
		}
		leftovers = append(leftovers, p.open...)
		p.open, p.acc = nil, 0
	}
	for _, c := range leftovers {
		p.add(c)
	}
	p.flush()
	return p.splits, nil
}

type packer struct {
	bounds Bounds
	splits []Split
	open   []Chunk
	acc    int64
}

func (p *packer) add(c Chunk) {
	full := p.bounds.MaxFilesPerSplit > 0 && len(p.open) >= p.bounds.MaxFilesPerSplit
	if len(p.open) > 0 && (p.acc+c.Length > p.bounds.MaxSplitSize || full) {
		p.flush()
	}
	p.open = append(p.open, c)
	p.acc += c.Length
}

func (p *packer) flush() {
	if len(p.open) == 0 {
		return
	}
	p.emit(p.open)
	p.open, p.acc = nil, 0
}

func (p *packer) emit(chunks []Chunk) {
	p.splits = append(p.splits, Split{Index: len(p.splits), ID: ID(chunks), Chunks: chunks})
}

// oversized emits f as its own split, or as one split per MaxSplitSize range
// when it may be cut. The open split of the current group is left alone.
func (p *packer) oversized(f File) {
	if !p.bounds.Splittable || f.Unsplittable {
		p.emit([]Chunk{whole(f)})
		return
	}
	max := p.bounds.MaxSplitSize
	for off := int64(0); off < f.Size; off += max {
		n := max
		if f.Size-off < n {
			n = f.Size - off
		}
		p.emit([]Chunk{{Path: f.Path, Offset: off, Length: n, FileSize: f.Size, Locations: f.Locations}})
	}
}

func whole(f File) Chunk {
	return Chunk{Path: f.Path, Offset: 0, Length: f.Size, FileSize: f.Size, Locations: f.Locations}
}

// ID fingerprints a chunk list. Equal chunk lists always share an ID.
func ID(chunks []Chunk) string {
	h := xxh3.New()
	for _, c := range chunks {
		fmt.Fprintf(h, "%s\x00%d\x00%d\x00%d\n", c.Path, c.Offset, c.Length, c.FileSize)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Fingerprint identifies a whole plan: the same inputs and bounds give the
// same fingerprint.
func Fingerprint(splits []Split) string {
	ids := make([]string, len(splits))
	for i, s := range splits {
		ids[i] = s.ID
	}
	h := xxh3.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%s\n", id)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// SortFiles orders files by path, the canonical planning order for listings.
func SortFiles(files []File) {
	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}
