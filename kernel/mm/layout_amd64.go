package mm

// The virtual address space is partitioned in PML4Size granules, i.e. the
// amount of memory addressed by a single top-level page table entry. The
// lower half belongs to user space; the top entry (511) holds the recursive
// mapping and the one below it (510) the kernel image.
const (
	// PML4Size is the amount of memory addressed by one top-level entry.
	PML4Size = uintptr(0x0000_0080_0000_0000)

	// PML4Mask extracts the top-level table index bits of an address.
	PML4Mask = uintptr(0x0000_ff80_0000_0000)

	// RecursivePageOffset is the start of the recursively mapped page
	// table window.
	RecursivePageOffset = ^(PML4Size - 1)
	RecursivePagePML4   = (RecursivePageOffset & PML4Mask) / PML4Size

	// KernelOffset is the virtual address where physical address 0 of the
	// kernel image is mapped.
	KernelOffset = RecursivePageOffset - PML4Size
	KernelPML4   = (KernelOffset & PML4Mask) / PML4Size
	KernelSize   = PML4Size

	// KernelHeapOffset is the start of the kernel heap.
	KernelHeapOffset = KernelOffset - PML4Size
	KernelHeapPML4   = (KernelHeapOffset & PML4Mask) / PML4Size
	KernelHeapSize   = uintptr(1 * Mb)

	// KernelPercpuOffset is the start of the per-cpu variable block.
	KernelPercpuOffset = uintptr(0xC000_0000)
	KernelPercpuSize   = uintptr(64 * Kb)

	// UserOffset is the load address of user images.
	UserOffset = uintptr(0)
	UserPML4   = (UserOffset & PML4Mask) / PML4Size

	// UserTCBOffset is the address of the user thread control block.
	UserTCBOffset = uintptr(0xB000_0000)

	// UserArgOffset is where the user arguments are placed.
	UserArgOffset = UserOffset + PML4Size/2

	UserHeapOffset = UserOffset + PML4Size
	UserHeapPML4   = (UserHeapOffset & PML4Mask) / PML4Size

	UserGrantOffset = UserHeapOffset + PML4Size
	UserGrantPML4   = (UserGrantOffset & PML4Mask) / PML4Size

	UserStackOffset = UserGrantOffset + PML4Size
	UserStackPML4   = (UserStackOffset & PML4Mask) / PML4Size
	UserStackSize   = uintptr(1 * Mb)

	UserSigstackOffset = UserStackOffset + PML4Size
	UserSigstackPML4   = (UserSigstackOffset & PML4Mask) / PML4Size
	UserSigstackSize   = uintptr(256 * Kb)

	UserTLSOffset = UserSigstackOffset + PML4Size
	UserTLSPML4   = (UserTLSOffset & PML4Mask) / PML4Size

	// The UserTmp* windows are used while cloning an address space.
	UserTmpOffset = UserTLSOffset + PML4Size
	UserTmpPML4   = (UserTmpOffset & PML4Mask) / PML4Size

	UserTmpHeapOffset = UserTmpOffset + PML4Size
	UserTmpHeapPML4   = (UserTmpHeapOffset & PML4Mask) / PML4Size

	UserTmpGrantOffset = UserTmpHeapOffset + PML4Size
	UserTmpGrantPML4   = (UserTmpGrantOffset & PML4Mask) / PML4Size

	UserTmpStackOffset = UserTmpGrantOffset + PML4Size
	UserTmpStackPML4   = (UserTmpStackOffset & PML4Mask) / PML4Size

	UserTmpSigstackOffset = UserTmpStackOffset + PML4Size
	UserTmpSigstackPML4   = (UserTmpSigstackOffset & PML4Mask) / PML4Size

	UserTmpTLSOffset = UserTmpSigstackOffset + PML4Size
	UserTmpTLSPML4   = (UserTmpTLSOffset & PML4Mask) / PML4Size

	UserTmpMiscOffset = UserTmpTLSOffset + PML4Size
	UserTmpMiscPML4   = (UserTmpMiscOffset & PML4Mask) / PML4Size

	// TemporaryPageAddr is the page reserved for short-lived mappings of
	// arbitrary frames (e.g. the root table of an inactive address space).
	// It uses the table indices 510, 511, 511, 511 and therefore never
	// goes through the recursive slot.
	TemporaryPageAddr = KernelOffset + PML4Size - PageSize

	// KernelHalfPML4 is the first top-level slot shared by all address
	// spaces.
	KernelHalfPML4 = uintptr(256)
)
