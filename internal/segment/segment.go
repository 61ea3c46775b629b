// Package segment manages the on-disk layout of a single bytestream: a
// directory of files named by their 16-hex-digit starting offset, kept
// as a sorted, gap-checked list, plus a bounded cache of reader file
// descriptors shared across all readers of a given segment.
package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"github.com/javi11/streamstore/internal/brokererr"
)

// NameFormat mirrors the original daemon's segment filename convention.
const NameFormat = "%016x"

// Segment describes one backing file within a bytestream directory.
type Segment struct {
	Offset int64 // first byte offset in the stream this segment holds
	Size   int64 // bytes committed so far; may lag the file's actual length

	readerFD    *os.File
	readerCount int
}

// Path returns the segment's filename within dir.
func (s *Segment) Path(dir string) string {
	return filepath.Join(dir, fmt.Sprintf(NameFormat, s.Offset))
}

// End returns the offset one past the last byte this segment holds.
func (s *Segment) End() int64 { return s.Offset + s.Size }

// Manager owns the on-disk directory for one bytestream: the sorted
// segment list, the writer's single fd, and an LRU of reader fds. Every
// reader fd stays in the LRU, in use or not, until the LRU evicts it.
type Manager struct {
	dir  string
	fs   afero.Fs
	segs []*Segment

	writerFD *os.File

	readerFDCache *lru.Cache[string, *os.File]
}

// Options configures a Manager.
type Options struct {
	// ReaderFDCacheSize bounds how many reader fds are kept open before
	// the LRU evicts (and closes) the least recently used one. Eviction
	// does not check whether a reader still has that segment attached.
	ReaderFDCacheSize int
}

// DefaultReaderFDCacheSize is used when Options.ReaderFDCacheSize is zero.
const DefaultReaderFDCacheSize = 64

// Open scans dir for existing segments (building the sorted list per the
// segment file manager's directory-scan contract), creating dir if mode
// is ModeWriter and it does not yet exist. Any other mode against a
// missing directory fails with brokererr.ErrNotFound.
func Open(osFs afero.Fs, dir string, isWriter bool, opts Options) (*Manager, error) {
	if opts.ReaderFDCacheSize <= 0 {
		opts.ReaderFDCacheSize = DefaultReaderFDCacheSize
	}

	cache, err := lru.NewWithEvict[string, *os.File](opts.ReaderFDCacheSize, func(_ string, f *os.File) {
		_ = f.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("segment: building fd cache: %w", err)
	}

	m := &Manager{dir: dir, fs: osFs, readerFDCache: cache}

	entries, err := afero.ReadDir(osFs, dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("segment: scanning %s: %w", dir, err)
		}
		if !isWriter {
			return nil, brokererr.New(brokererr.KindNotFound, fmt.Sprintf("stream directory %s does not exist", dir))
		}
		if mkErr := osFs.MkdirAll(dir, 0o777); mkErr != nil {
			return nil, brokererr.Wrap(brokererr.KindNotFound, "mkdir failed", mkErr)
		}
		return m, nil
	}

	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 16 {
			continue
		}
		offset, convErr := strconv.ParseUint(e.Name(), 16, 64)
		if convErr != nil {
			continue // not a 16-hex-digit segment filename; ignore foreign files
		}
		m.segs = append(m.segs, &Segment{Offset: int64(offset), Size: e.Size()})
	}

	sort.Slice(m.segs, func(i, j int) bool { return m.segs[i].Offset < m.segs[j].Offset })

	for i := 1; i < len(m.segs); i++ {
		if m.segs[i].Offset != m.segs[i-1].End() {
			return nil, brokererr.NewFatal(
				fmt.Sprintf("segment gap in %s: segment at %x ends at %x but next begins at %x",
					dir, m.segs[i-1].Offset, m.segs[i-1].End(), m.segs[i].Offset), nil)
		}
	}

	return m, nil
}

// Segments returns the sorted segment list. Callers must not retain the
// slice across a mutating call (CreateSegment/DeleteOldest reallocate it).
func (m *Manager) Segments() []*Segment { return m.segs }

// Size returns the sum of every segment's committed size.
func (m *Manager) Size() int64 {
	var total int64
	for _, s := range m.segs {
		total += s.Size
	}
	return total
}

// Newest returns the last segment in offset order, or nil if the stream
// has no segments yet.
func (m *Manager) Newest() *Segment {
	if len(m.segs) == 0 {
		return nil
	}
	return m.segs[len(m.segs)-1]
}

// Find returns the segment containing offset, or nil.
func (m *Manager) Find(offset int64) *Segment {
	for _, s := range m.segs {
		if offset >= s.Offset && offset < s.End() {
			return s
		}
		if offset == s.Offset && s.Size == 0 {
			return s
		}
	}
	return nil
}

// Neighbor returns the segment adjacent to cur in the given direction,
// or nil if cur is at that end of the list.
func (m *Manager) Neighbor(cur *Segment, forward bool) *Segment {
	for i, s := range m.segs {
		if s == cur {
			if forward {
				if i+1 < len(m.segs) {
					return m.segs[i+1]
				}
				return nil
			}
			if i > 0 {
				return m.segs[i-1]
			}
			return nil
		}
	}
	return nil
}

// CreateSegment appends a fresh zero-length segment at offset and opens
// it append-only as the new writer fd. Any previous writer fd must
// already have been claimed via DetachWriterFD — on rollover its
// lifecycle belongs to the scheduler's write-buffer, not this call. The
// caller is responsible for ensuring offset == stream end.
func (m *Manager) CreateSegment(offset int64) (*Segment, error) {
	seg := &Segment{Offset: offset}
	path := seg.Path(m.dir)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("segment: creating %s: %w", path, err)
	}
	m.writerFD = f
	m.segs = append(m.segs, seg)
	return seg, nil
}

// WriterFD returns the raw *os.File backing the current writer segment,
// opening it if this is the first writer request on an existing segment
// restored from a directory scan. This is the documented escape hatch
// around afero.Fs: mmap needs a real kernel fd, which a portable
// afero.Fs backend cannot promise (afero.NewMemMapFs has none at all),
// so this call always goes straight to the OS, never through m.fs.
func (m *Manager) WriterFD(seg *Segment) (*os.File, error) {
	if m.writerFD != nil {
		return m.writerFD, nil
	}
	f, err := os.OpenFile(seg.Path(m.dir), os.O_RDWR|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("segment: reopening writer fd for %s: %w", seg.Path(m.dir), err)
	}
	m.writerFD = f
	return f, nil
}

// ReaderFD returns the shared reader descriptor for seg, opening and
// caching it on first use. All readers of a segment share one fd because
// access is exclusively through mmap.
func (m *Manager) ReaderFD(seg *Segment) (*os.File, error) {
	key := seg.Path(m.dir)
	if f, ok := m.readerFDCache.Get(key); ok {
		seg.readerCount++
		return f, nil
	}
	f, err := os.Open(key)
	if err != nil {
		return nil, fmt.Errorf("segment: opening reader fd for %s: %w", key, err)
	}
	m.readerFDCache.Add(key, f)
	seg.readerCount++
	return f, nil
}

// ReleaseReaderFD decrements seg's reader count; the underlying fd stays
// cached (and open) until the LRU evicts it, since another reader may
// reattach to the same segment shortly after.
func (m *Manager) ReleaseReaderFD(seg *Segment) {
	if seg.readerCount > 0 {
		seg.readerCount--
	}
}

// CloseWriterFD closes and clears the manager's writer fd, used by CLOSE
// for a writer that never mapped a region.
func (m *Manager) CloseWriterFD() error {
	if m.writerFD == nil {
		return nil
	}
	err := m.writerFD.Close()
	m.writerFD = nil
	return err
}

// DetachWriterFD hands ownership of the current writer fd to the caller
// and clears it from the manager, without closing it. Used on rollover:
// the outgoing fd's close+truncate is deferred to the scheduler via the
// write-buffer, so CreateSegment must not see a stale fd to close itself.
func (m *Manager) DetachWriterFD() *os.File {
	f := m.writerFD
	m.writerFD = nil
	return f
}

// Truncate truncates seg's backing file to seg.Size. Called after close,
// never before, because the file is opened append-only (the close-then-
// truncate ordering the segment file manager design calls out).
func (m *Manager) Truncate(seg *Segment) error {
	return os.Truncate(seg.Path(m.dir), seg.Size)
}

// Extend grows seg's backing file by (want - have) zero bytes, the only
// safe way to enlarge a file a MAP_SHARED writer region already maps.
// f is the append-only writer fd, so the zeros land at the file's end;
// have must be the file's current length.
func (m *Manager) Extend(f *os.File, have, want int64) error {
	if want <= have {
		return nil
	}
	zero := make([]byte, want-have)
	if _, err := f.Write(zero); err != nil {
		return fmt.Errorf("segment: extending to %d bytes: %w", want, err)
	}
	return nil
}

// DeleteOldest removes the oldest segment from disk and from the list.
// The caller must already have verified no reader is attached (or is
// forcing a hard-cap eviction).
func (m *Manager) DeleteOldest() error {
	if len(m.segs) == 0 {
		return brokererr.NewFatal("DeleteOldest called on empty segment list", nil)
	}
	oldest := m.segs[0]
	if err := os.Remove(oldest.Path(m.dir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("segment: removing %s: %w", oldest.Path(m.dir), err)
	}
	m.readerFDCache.Remove(oldest.Path(m.dir))
	m.segs = m.segs[1:]
	return nil
}

// CloseAll closes every cached fd (writer and readers) without deleting
// any backing files; used when evicting an idle bytestream.
func (m *Manager) CloseAll() {
	if m.writerFD != nil {
		_ = m.writerFD.Close()
		m.writerFD = nil
	}
	m.readerFDCache.Purge()
}
