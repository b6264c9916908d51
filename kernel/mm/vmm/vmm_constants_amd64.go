package vmm

import "github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// The live-entry counter of a table is stored in bits 52-61 of its
	// first entry. The CPU ignores these bits at every level.
	counterShift = 52
	counterMask  = uintptr(0x3ff) << counterShift

	// recursiveIndex is the top-level slot that maps the top-level table
	// onto itself.
	recursiveIndex = mm.EntriesPerTable - 1

	// p4TableAddr is a special virtual address that exploits the
	// recursive mapping used in the last P4 entry to allow accessing the
	// P4 table using the system's MMU address translation mechanism. By
	// setting all page level bits to 1 the MMU keeps following the last
	// P4 entry for all page levels landing on the P4.
	p4TableAddr = ^(mm.PageSize - 1)
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set at P3 (1G) or P2 (2M) level when the entry maps
	// a page directly instead of pointing to a lower level table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
