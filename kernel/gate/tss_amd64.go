package gate

import "unsafe"

// tssSize is the size of the amd64 task state segment. The segment is packed
// so RSP0 is not 8-byte aligned; it is stored as 32-bit words.
const tssSize = 104

var (
	tss [tssSize / 4]uint32

	readGDTBaseFn = readGDTBase
	loadTRFn      = loadTR
)

// SetKernelStack sets the stack pointer loaded by the CPU when a trap is
// raised while running in ring 3.
func SetKernelStack(rsp uintptr) {
	tss[1] = uint32(rsp)
	tss[2] = uint32(rsp >> 32)
}

// KernelStack returns the value set by SetKernelStack.
func KernelStack() uintptr {
	return uintptr(tss[1]) | uintptr(tss[2])<<32
}

// tssDescriptor encodes the 16-byte system segment descriptor of an
// available 64-bit TSS located at base.
func tssDescriptor(base uintptr) (low, high uint64) {
	const (
		limit        = tssSize - 1
		typeAvailTSS = 0x89 // present, DPL 0, type 9
	)

	b := uint64(base)
	low = limit&0xffff |
		(b&0xffffff)<<16 |
		typeAvailTSS<<40 |
		(limit>>16&0xf)<<48 |
		(b>>24&0xff)<<56
	high = b >> 32
	return low, high
}

// installTSS writes the TSS descriptor to the GDT slot reserved for
// TSSSelector and loads the task register.
func installTSS() {
	// no I/O permission bitmap
	tss[25] = tssSize << 16

	low, high := tssDescriptor(uintptr(unsafe.Pointer(&tss)))
	gdt := readGDTBaseFn()
	*(*uint64)(unsafe.Pointer(gdt + TSSSelector)) = low
	*(*uint64)(unsafe.Pointer(gdt + TSSSelector + 8)) = high

	loadTRFn(TSSSelector)
}

// readGDTBase returns the linear address of the active GDT.
func readGDTBase() uintptr

// loadTR loads the task register with selector.
func loadTR(selector uint16)
