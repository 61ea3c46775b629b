// Package regionpool manages the active and free mmap regions shared by
// the daemon's request handlers, its scheduler, and (via the same
// alignment math) the client stub. Regions live in a block-chained
// arena: fixed-size blocks are appended as the pool grows, but a block
// already handed out is never resized or moved, so every *Region Alloc
// returns stays valid for the pool's lifetime even while other regions
// are still being allocated — the ownership rule is that a region
// belongs to exactly one of: a client's mapped slot, a bytestream's
// write-buffer, or the pool freelist.
package regionpool

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Owner enumerates which of the three lists currently holds a region, so
// debug builds can assert the "never in two lists at once" invariant.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerClient
	OwnerWriteBuffer
	OwnerFreelist
)

// CloseAction captures the two-place fd ownership DESIGN NOTES calls
// for: a region either needs no cleanup on release, or it carries the
// writer fd that must be closed and the segment that must be truncated
// once the scheduler unmaps it.
type CloseAction struct {
	CloseWriterFd bool
	WriterFile    *os.File
	SegmentPath   string
	TruncateSize  int64
}

// Region is a single mmap view over a contiguous byte range of a
// segment file.
type Region struct {
	SegmentPath   string
	StreamOffset  int64 // offset within the segment file this region begins at
	Addr          []byte
	alignedOffset int64 // page-aligned offset actually passed to mmap
	Close         CloseAction
	Owner         Owner

	next int // freelist link; -1 means none. Never exposed outside this package.
}

// Slack is the byte distance between the caller's requested offset and
// the page-aligned offset actually mapped; callers index into Addr at
// this offset to reach their requested byte.
func (r *Region) Slack() int64 { return r.StreamOffset - r.alignedOffset }

// regionBlockSize is the number of Region descriptors per block. A
// block is allocated once at this size and never grown, so addresses
// inside it never move.
const regionBlockSize = 128

// Pool is a freelist-backed, block-chained arena of Region descriptors.
// The zero value is ready to use.
type Pool struct {
	blocks   [][]Region
	count    int // total descriptors ever allocated, across all blocks
	freeHead int // flat index, -1 if empty
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{freeHead: -1}
}

// regionAt returns the region at flat index idx, which must have been
// produced by a prior Alloc/indexOf on this pool.
func (p *Pool) regionAt(idx int) *Region {
	return &p.blocks[idx/regionBlockSize][idx%regionBlockSize]
}

// pageSize is resolved once; alignDown truncates offsets to this boundary,
// the same math the client stub applies on its side of the mmap call so
// writer and reader windows land on identical page boundaries.
var pageSize = int64(unix.Getpagesize())

// AlignDown truncates offset to the nearest page boundary at or below it.
func AlignDown(offset int64) int64 {
	return offset - (offset % pageSize)
}

// Alloc returns a region from the freelist if one is available, or a
// freshly zeroed one otherwise. The returned region's Owner is OwnerNone;
// callers set it once they know which list the region will join.
func (p *Pool) Alloc() *Region {
	if p.freeHead == -1 {
		blockIdx := p.count / regionBlockSize
		slotIdx := p.count % regionBlockSize
		if blockIdx == len(p.blocks) {
			p.blocks = append(p.blocks, make([]Region, regionBlockSize))
		}
		r := &p.blocks[blockIdx][slotIdx]
		r.next = -1
		r.Owner = OwnerNone
		p.count++
		return r
	}
	idx := p.freeHead
	r := p.regionAt(idx)
	p.freeHead = r.next
	r.next = -1
	r.Owner = OwnerNone
	return r
}

// indexOf finds a region's flat arena index by pointer identity. O(n);
// only used by debug assertions and Free, both off the hot read/write
// path (Free happens once per unmap, not per byte).
func (p *Pool) indexOf(r *Region) (int, bool) {
	for bi, block := range p.blocks {
		for si := range block {
			if &block[si] == r {
				return bi*regionBlockSize + si, true
			}
		}
	}
	return 0, false
}

// Free pushes r back onto the freelist head. Panics (a programming bug,
// per the error handling design's "consistency errors are fatal" rule)
// if r is already on the freelist.
func (p *Pool) Free(r *Region) {
	idx, ok := p.indexOf(r)
	if !ok {
		panic("regionpool: Free called on a region not owned by this pool")
	}
	if p.onFreelist(idx) {
		panic(fmt.Sprintf("regionpool: double free of region index %d", idx))
	}
	r.Addr = nil
	r.Close = CloseAction{}
	r.Owner = OwnerFreelist
	r.next = p.freeHead
	p.freeHead = idx
}

// onFreelist reports whether arena index idx is currently reachable from
// the freelist head — used by Free's double-free guard and by
// AssertAcyclic's callers in tests.
func (p *Pool) onFreelist(idx int) bool {
	seen := make(map[int]bool)
	for cur := p.freeHead; cur != -1; cur = p.regionAt(cur).next {
		if seen[cur] {
			return false // cycle; treat as "not reachable cleanly", caller should AssertAcyclic first
		}
		seen[cur] = true
		if cur == idx {
			return true
		}
	}
	return false
}

// AssertAcyclic walks the freelist and panics if it revisits a node,
// satisfying the "freelist must be acyclic" testable invariant.
func (p *Pool) AssertAcyclic() {
	seen := make(map[int]bool)
	for cur := p.freeHead; cur != -1; cur = p.regionAt(cur).next {
		if seen[cur] {
			panic(fmt.Sprintf("regionpool: freelist cycle detected at index %d", cur))
		}
		seen[cur] = true
	}
}

// FreelistLen returns the number of regions currently on the freelist;
// exposed for tests asserting invariant 4 from the testable properties.
func (p *Pool) FreelistLen() int {
	n := 0
	for cur := p.freeHead; cur != -1; cur = p.regionAt(cur).next {
		n++
	}
	return n
}

// Len returns the total number of region descriptors ever allocated by
// this pool, free or not.
func (p *Pool) Len() int { return p.count }

// Map mmaps length bytes of fd starting at the page-aligned offset
// nearest-below off (an offset within the file, not within the
// bytestream), with the given protection and flags, and populates
// the given region's Addr/StreamOffset/alignedOffset fields.
func Map(r *Region, fd int, off int64, length int, prot int, flags int) error {
	aligned := AlignDown(off)
	slack := off - aligned
	mapLen := int(slack) + length

	addr, err := unix.Mmap(fd, aligned, mapLen, prot, flags)
	if err != nil {
		return fmt.Errorf("regionpool: mmap fd=%d off=%d len=%d: %w", fd, aligned, mapLen, err)
	}
	r.Addr = addr
	r.StreamOffset = off
	r.alignedOffset = aligned
	return nil
}

// Unmap releases the region's mapped memory. It does not touch the
// region's Close action or ownership; callers (the scheduler, or a
// reader's immediate unmap in CLOSE) are responsible for that bookkeeping.
func Unmap(r *Region) error {
	if r.Addr == nil {
		return nil
	}
	err := unix.Munmap(r.Addr)
	r.Addr = nil
	return err
}
