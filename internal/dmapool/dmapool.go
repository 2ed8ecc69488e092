// Package dmapool implements a first-fit sub-allocator over one
// device-mapped host buffer, used to hand out ring descriptor tables and
// per-interface transfer buffers without a separate IOMMU mapping call per
// allocation.
//
// Grounded on the teacher's dma/region.go first-fit allocator: the same
// free-list/used-map bookkeeping and defrag-on-free behavior is kept, with
// raw unsafe.Pointer addresses replaced by (iova uint64, host []byte) pairs
// so a single Pool can back both a real VFIO mapping and internal/fakepci.
package dmapool

import (
	"container/list"
	"sync"

	"github.com/myriadx/mxpcid/mxerr"
)

// Mapper performs the one-time host-buffer-to-device mapping a Pool
// sub-allocates from. internal/fakepci implements it with an identity
// mapping; a real build backs it with VFIO_IOMMU_MAP_DMA.
type Mapper interface {
	MapDMA(buf []byte) (iova uint64, err error)
	UnmapDMA(iova uint64, size int) error
}

type block struct {
	off  uint64
	size uint64
}

// Pool is a first-fit sub-allocator over one device-mapped host buffer.
type Pool struct {
	mu sync.Mutex

	mapper Mapper
	host   []byte
	iova   uint64

	free *list.List         // of *block, ordered by offset
	used map[uint64]*block  // keyed by offset into host
}

// New maps a size-byte host buffer through mapper and returns a Pool ready
// to sub-allocate from it.
func New(mapper Mapper, size int) (*Pool, error) {
	if size <= 0 {
		return nil, mxerr.New(mxerr.ConfigInvalid, "dmapool.New", nil)
	}

	host := make([]byte, size)
	iova, err := mapper.MapDMA(host)
	if err != nil {
		return nil, mxerr.New(mxerr.MappingFailed, "dmapool.New", err)
	}

	p := &Pool{
		mapper: mapper,
		host:   host,
		iova:   iova,
		free:   list.New(),
		used:   make(map[uint64]*block),
	}
	p.free.PushFront(&block{off: 0, size: uint64(size)})
	return p, nil
}

// Close unmaps the backing buffer. Any outstanding allocations become
// invalid; callers must quiesce rings before closing their pool.
func (p *Pool) Close() error {
	if err := p.mapper.UnmapDMA(p.iova, len(p.host)); err != nil {
		return mxerr.New(mxerr.IoError, "dmapool.Close", err)
	}
	return nil
}

// IOVA returns the device address the whole pool is mapped at.
func (p *Pool) IOVA() uint64 { return p.iova }

// Alloc reserves size bytes aligned to align (a power of two; 0 means word
// alignment) and returns the sub-allocation's device address together with
// the host-visible slice backing it. Returns mxerr.NoSpace if no free block
// is large enough — a transient condition that clears once allocations are
// freed; callers treat it as backpressure and must not retry in a tight loop.
func (p *Pool) Alloc(size int, align int) (iova uint64, buf []byte, err error) {
	if size <= 0 {
		return 0, nil, mxerr.New(mxerr.ConfigInvalid, "dmapool.Alloc", nil)
	}
	if align == 0 {
		align = 4
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	want := uint64(size)
	mask := uint64(align) - 1

	var target *list.Element
	var pad uint64

	for e := p.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		pad = -b.off & mask
		if b.size >= want+pad {
			target = e
			break
		}
	}
	if target == nil {
		return 0, nil, mxerr.New(mxerr.NoSpace, "dmapool.Alloc", nil)
	}

	fb := target.Value.(*block)

	if pad != 0 {
		p.free.InsertBefore(&block{off: fb.off, size: pad}, target)
		fb.off += pad
		fb.size -= pad
	}
	if remainder := fb.size - want; remainder != 0 {
		p.free.InsertAfter(&block{off: fb.off + want, size: remainder}, target)
		fb.size = want
	}
	p.free.Remove(target)

	p.used[fb.off] = fb
	return p.iova + fb.off, p.host[fb.off : fb.off+want : fb.off+want], nil
}

// Free releases a sub-allocation previously returned by Alloc, identified by
// its device address.
func (p *Pool) Free(iova uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	off := iova - p.iova
	b, ok := p.used[off]
	if !ok {
		return mxerr.New(mxerr.ConfigInvalid, "dmapool.Free", nil)
	}
	delete(p.used, off)
	p.insertFree(b)
	return nil
}

func (p *Pool) insertFree(nb *block) {
	for e := p.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if b.off > nb.off {
			p.free.InsertBefore(nb, e)
			p.defrag()
			return
		}
	}
	p.free.PushBack(nb)
	p.defrag()
}

// defrag merges adjacent free blocks, mirroring the teacher's Region.defrag.
func (p *Pool) defrag() {
	var prev *block
	for e := p.free.Front(); e != nil; {
		b := e.Value.(*block)
		next := e.Next()
		if prev != nil && prev.off+prev.size == b.off {
			prev.size += b.size
			p.free.Remove(e)
		} else {
			prev = b
		}
		e = next
	}
}
