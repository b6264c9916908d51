package vmm

import (
	"sync/atomic"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

// outstandingFlushes counts MapperFlush values that were handed out by the
// Mapper but not yet flushed or ignored.
var outstandingFlushes int64

// PendingFlushes returns the number of MapperFlush values that have not been
// consumed yet. A non-zero value after a mapping operation completes means
// that a stale TLB entry may still be in use.
func PendingFlushes() int {
	return int(atomic.LoadInt64(&outstandingFlushes))
}

// MapperFlush is returned by every Mapper call that changes a mapping. It
// must be consumed exactly once by calling Flush, Ignore or passing it to a
// MapperFlushAll.
type MapperFlush struct {
	page mm.Page
}

func newMapperFlush(page mm.Page) MapperFlush {
	atomic.AddInt64(&outstandingFlushes, 1)
	return MapperFlush{page: page}
}

// Page returns the page whose mapping changed.
func (f MapperFlush) Page() mm.Page { return f.page }

// Flush invalidates the TLB entry for the changed page.
func (f MapperFlush) Flush(active *ActivePageTable) {
	active.mmu.FlushPage(f.page.Address())
	atomic.AddInt64(&outstandingFlushes, -1)
}

// Ignore consumes the flush without touching the TLB. This is only correct
// when the changed table is not the one loaded in CR3.
func (f MapperFlush) Ignore() {
	atomic.AddInt64(&outstandingFlushes, -1)
}

// MapperFlushAll batches several MapperFlush values into a single full TLB
// flush.
type MapperFlushAll struct {
	pending bool
}

// Consume absorbs f.
func (f *MapperFlushAll) Consume(flush MapperFlush) {
	f.pending = true
	flush.Ignore()
}

// Flush flushes the whole TLB if any MapperFlush was consumed.
func (f *MapperFlushAll) Flush(active *ActivePageTable) {
	if f.pending {
		active.mmu.FlushAll()
	}
	f.pending = false
}

// Ignore drops the batched flushes.
func (f *MapperFlushAll) Ignore() {
	f.pending = false
}
