package idm

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

const (
	progressFileSuffix    = ".metadata"
	progressBackupSuffix  = ".bak"
	progressFormatVersion = 1
)

var (
	ErrProgressNotFound = errors.New("progress file not found")
	ErrProgressCorrupt  = errors.New("progress file is corrupt")
)

// ProgressPaths returns the primary and the backup progress file names for a
// download saved at path.
func ProgressPaths(path string) (string, string) {
	p := path + progressFileSuffix
	return p, p + progressBackupSuffix
}

// span is an inclusive interval of slot indexes known to be on disk.
type span struct{ First, Last uint64 }

// Progress tracks which chunk-sized slots of a file are already on disk.
//
// Presence is kept as a sorted list of merged slot intervals, so both the
// memory and the persisted footprint grow with the number of contiguous
// completed regions, not with the number of slots. A single mutex guards the
// intervals and the scan cursor: the file writer records chunks while the
// downloader scans for missing ranges.
type Progress struct {
	lock sync.Mutex

	url           string
	path          string
	size          uint64
	chunkSize     uint64
	partitionSize uint64
	slots         uint64
	spans         []span
	cursor        uint64
}

// NewProgress creates a progress with every slot missing.
func NewProgress(url, path string, size, chunkSize, partitionSize uint64) *Progress {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if partitionSize == 0 {
		partitionSize = DefaultPartitionSize
	}
	slots := size / chunkSize
	if size%chunkSize != 0 {
		slots++
	}
	return &Progress{
		url:           url,
		path:          path,
		size:          size,
		chunkSize:     chunkSize,
		partitionSize: partitionSize,
		slots:         slots,
	}
}

func (p *Progress) URL() string       { return p.url }
func (p *Progress) Path() string      { return p.path }
func (p *Progress) FileSize() uint64  { return p.size }
func (p *Progress) ChunkSize() uint64 { return p.chunkSize }
func (p *Progress) Slots() uint64     { return p.slots }

// SlotRange returns the bytes covered by slot idx. The last slot might be
// shorter than the chunk size.
func (p *Progress) SlotRange(idx uint64) Range {
	start := idx * p.chunkSize
	end := min(start+p.chunkSize, p.size) - 1
	return Range{start, end}
}

// RecordChunks marks as present the slot covered by each chunk. Chunks not
// aligned to a slot or not filling it are ignored.
func (p *Progress) RecordChunks(chunks []Chunk) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, c := range chunks {
		if c.Offset%p.chunkSize != 0 {
			continue
		}
		idx := c.Offset / p.chunkSize
		if idx >= p.slots || uint64(len(c.Payload)) != p.SlotRange(idx).Length() {
			continue
		}
		p.insert(idx)
	}
}

func (p *Progress) insert(idx uint64) {
	i := sort.Search(len(p.spans), func(i int) bool { return p.spans[i].Last+1 >= idx })
	switch {
	case i < len(p.spans) && p.spans[i].First <= idx && idx <= p.spans[i].Last:
		return
	case i < len(p.spans) && p.spans[i].Last+1 == idx:
		p.spans[i].Last = idx
		if i+1 < len(p.spans) && p.spans[i+1].First == idx+1 {
			p.spans[i].Last = p.spans[i+1].Last
			p.spans = slices.Delete(p.spans, i+1, i+2)
		}
	case i < len(p.spans) && p.spans[i].First == idx+1:
		p.spans[i].First = idx
	default:
		p.spans = slices.Insert(p.spans, i, span{idx, idx})
	}
}

// IsComplete is true when every slot is present.
func (p *Progress) IsComplete() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.slots == 0 {
		return true
	}
	return len(p.spans) == 1 && p.spans[0].First == 0 && p.spans[0].Last == p.slots-1
}

// ResetScanCursor must be called before each full scan with NextMissingRange.
func (p *Progress) ResetScanCursor() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.cursor = 0
}

// NextMissingRange returns the next run of missing slots at or after the scan
// cursor, capped to the partition size, and moves the cursor past it. It
// returns false when the cursor reaches the end of the file, which does not
// mean the download is complete.
func (p *Progress) NextMissingRange() (Range, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	start := p.cursor
	i := sort.Search(len(p.spans), func(i int) bool { return p.spans[i].Last >= start })
	if i < len(p.spans) && p.spans[i].First <= start {
		start = p.spans[i].Last + 1
		i++
	}
	if start >= p.slots {
		p.cursor = p.slots
		return Range{}, false
	}
	end := start + min(p.partitionSize, p.slots-start) - 1
	if i < len(p.spans) && p.spans[i].First <= end {
		end = p.spans[i].First - 1
	}
	p.cursor = end + 1
	return Range{p.SlotRange(start).Start, p.SlotRange(end).End}, true
}

func (p *Progress) presentSlots() (n uint64) {
	for _, s := range p.spans {
		n += s.Last - s.First + 1
	}
	return
}

// PercentComplete is the share of present slots, from 0 to 100.
func (p *Progress) PercentComplete() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.slots == 0 {
		return 100
	}
	return int(p.presentSlots() * 100 / p.slots)
}

// PresentSlots is the number of slots already on disk.
func (p *Progress) PresentSlots() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.presentSlots()
}

// DownloadedBytes is the number of bytes already on disk.
func (p *Progress) DownloadedBytes() (n uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, s := range p.spans {
		n += p.SlotRange(s.Last).End - p.SlotRange(s.First).Start + 1
	}
	return
}

// downloadedUpTo is the offset right after the last byte on disk, or zero when
// there is none.
func (p *Progress) downloadedUpTo() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	if len(p.spans) == 0 {
		return 0
	}
	return p.SlotRange(p.spans[len(p.spans)-1].Last).End + 1
}

// snapshot is the persisted form of a Progress.
type snapshot struct {
	Version   int
	URL       string
	Path      string
	FileSize  uint64
	ChunkSize uint64
	Spans     []span
}

func (s snapshot) validate() error {
	if s.Version != progressFormatVersion {
		return fmt.Errorf("unsupported format version %d", s.Version)
	}
	if s.ChunkSize == 0 {
		return errors.New("chunk size is zero")
	}
	slots := s.FileSize / s.ChunkSize
	if s.FileSize%s.ChunkSize != 0 {
		slots++
	}
	for i, sp := range s.Spans {
		if sp.First > sp.Last || sp.Last >= slots {
			return fmt.Errorf("interval #%d [%d, %d] is out of %d slots", i+1, sp.First, sp.Last, slots)
		}
		if i > 0 && sp.First <= s.Spans[i-1].Last+1 {
			return fmt.Errorf("interval #%d [%d, %d] is not sorted or not merged", i+1, sp.First, sp.Last)
		}
	}
	return nil
}

// Persist writes the progress to path and then to backup. Each file is
// replaced atomically, so a crash leaves both with a complete snapshot.
func (p *Progress) Persist(path, backup string) error {
	p.lock.Lock()
	s := snapshot{
		Version:   progressFormatVersion,
		URL:       p.url,
		Path:      p.path,
		FileSize:  p.size,
		ChunkSize: p.chunkSize,
		Spans:     slices.Clone(p.spans),
	}
	p.lock.Unlock()
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(s); err != nil {
		return fmt.Errorf("error encoding progress for %s: %w", p.path, err)
	}
	for _, pth := range []string{path, backup} {
		if err := writeFileAtomic(pth, b.Bytes()); err != nil {
			return fmt.Errorf("error persisting progress file %s: %w", pth, err)
		}
	}
	return nil
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("error creating temporary file in %s: %w", dir, err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op once renamed
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("error syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("error renaming %s to %s: %w", tmp, path, err)
	}
	// directory sync is not supported everywhere (e.g. Windows)
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// LoadProgress reads a progress persisted with Persist.
func LoadProgress(path string, partitionSize uint64) (*Progress, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrProgressNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: error decoding %s: %w", ErrProgressCorrupt, path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProgressCorrupt, path, err)
	}
	p := NewProgress(s.URL, s.Path, s.FileSize, s.ChunkSize, partitionSize)
	p.spans = s.Spans
	return p, nil
}

// openProgress resumes the progress of a previous attempt, trying the primary
// file and then the backup one. Missing, corrupt or mismatching files are not
// fatal: the download starts over with a fresh progress.
func openProgress(url, path string, size, chunkSize, partitionSize uint64, restart bool, log zerolog.Logger) *Progress {
	fresh := NewProgress(url, path, size, chunkSize, partitionSize)
	if restart {
		log.Info().Msg("ignoring any existing progress file")
		return fresh
	}
	primary, backup := ProgressPaths(path)
	for _, pth := range []string{primary, backup} {
		p, err := LoadProgress(pth, partitionSize)
		if errors.Is(err, ErrProgressNotFound) {
			log.Debug().Str("progress", pth).Msg("no progress file")
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("progress", pth).Msg("could not load progress file")
			continue
		}
		if p.url != url || p.size != size || p.chunkSize != fresh.chunkSize {
			log.Warn().
				Str("progress", pth).
				Str("url", p.url).
				Uint64("size", p.size).
				Uint64("chunk_size", p.chunkSize).
				Msg("progress file belongs to a different download")
			continue
		}
		p.path = path
		log.Info().Str("progress", pth).Int("percent", p.PercentComplete()).Msg("resuming download")
		return p
	}
	return fresh
}
