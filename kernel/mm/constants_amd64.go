package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of entries in a page table at any level.
	EntriesPerTable = uintptr(512)

	// HugePageSize2M is the size of a page mapped by a huge level 2 entry.
	HugePageSize2M = EntriesPerTable * PageSize

	// HugePageSize1G is the size of a page mapped by a huge level 3 entry.
	HugePageSize1G = EntriesPerTable * HugePageSize2M
)
