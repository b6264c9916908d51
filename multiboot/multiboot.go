// Package multiboot parses the multiboot2 information structure that the boot
// loader passes to the kernel.
package multiboot

import (
	"strings"
	"unsafe"
)

var (
	infoData  uintptr
	cmdLineKV map[string]string
)

type tagType uint32

const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// infoHeaderSize is the size of the fixed header that precedes the first
// tag. Each tag starts with a header of the same size.
const infoHeaderSize = 8

// info is the header of the multiboot info block.
type info struct {
	totalSize uint32
	reserved  uint32
}

// tagHeader precedes the payload of each tag. The size includes the header
// but not the padding that aligns the next tag to 8 bytes.
type tagHeader struct {
	tagType tagType
	size    uint32
}

type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown is reported as MemReserved.
	memUnknown
)

// MemRegionVisitor is invoked by VisitMemRegions for each memory region
// reported by the boot loader. Returning false stops the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a physical memory region.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// elfSections is the payload of the ELF symbols tag. The section headers
// follow it; boot loaders for 64-bit kernels always emit ELF64 headers.
type elfSections struct {
	numSections        uint16
	sectionSize        uint32
	strtabSectionIndex uint32
	sectionData        [0]byte
}

type elfSection64 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint64
	address     uint64
	offset      uint64
	size        uint64
	link        uint32
	info        uint32
	addrAlign   uint64
	entSize     uint64
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section occupies memory once the
	// image is loaded (e.g .bss sections).
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor is invoked by VisitElfSections for each non-empty section
// of the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// SetInfoPtr points the package at the multiboot info block. It must be
// called before any other function exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

// InfoExtent returns the physical address range [start, end) occupied by the
// multiboot info structure. The physical allocator must not hand out frames
// from this range while the info data is still in use.
func InfoExtent() (uintptr, uintptr) {
	if infoData == 0 {
		return 0, 0
	}
	return infoData, infoData + uintptr((*info)(unsafe.Pointer(infoData)).totalSize)
}

// VisitElfSections invokes visitor for each section of the loaded kernel
// image.
func VisitElfSections(visitor ElfSectionVisitor) {
	payload, size := findTagByType(tagElfSymbols)
	if size == 0 {
		return
	}

	var (
		hdr      = (*elfSections)(unsafe.Pointer(payload))
		first    = uintptr(unsafe.Pointer(&hdr.sectionData))
		secSize  = unsafe.Sizeof(elfSection64{})
		strTable = (*elfSection64)(unsafe.Pointer(first + uintptr(hdr.strtabSectionIndex)*secSize))
	)

	for i := uintptr(0); i < uintptr(hdr.numSections); i++ {
		sec := (*elfSection64)(unsafe.Pointer(first + i*secSize))
		if sec.size == 0 {
			continue
		}

		name := cString(uintptr(strTable.address)+uintptr(sec.nameIndex), uintptr(strTable.size))
		visitor(name, ElfSectionFlag(sec.flags), uintptr(sec.address), sec.size)
	}
}

// VisitMemRegions invokes visitor for each entry of the boot loader's memory
// map. Entries of unknown type are reported as MemReserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	payload, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(payload))
	end := payload + uintptr(size)
	for cur := payload + unsafe.Sizeof(*hdr); cur < end; cur += uintptr(hdr.entrySize) {
		entry := (*MemoryMapEntry)(unsafe.Pointer(cur))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// ModuleVisitor is invoked by VisitModules for each boot module. Returning
// false stops the scan.
type ModuleVisitor func(name string, start, end uintptr) bool

// moduleHeader is the fixed part of a module tag. A NULL-terminated module
// name follows it.
type moduleHeader struct {
	modStart uint32
	modEnd   uint32
}

// VisitModules invokes visitor for each module (e.g. a user program image)
// loaded by the boot loader alongside the kernel. Each module gets a tag of
// its own.
func VisitModules(visitor ModuleVisitor) {
	visitTags(func(tag tagType, payload uintptr, size uint32) bool {
		if tag != tagModules {
			return true
		}

		mod := (*moduleHeader)(unsafe.Pointer(payload))
		nameOffset := unsafe.Sizeof(*mod)
		name := cString(payload+nameOffset, uintptr(size)-nameOffset)
		return visitor(name, uintptr(mod.modStart), uintptr(mod.modEnd))
	})
}

// BootLoaderName returns the name reported by the boot loader or an empty
// string if none was supplied.
func BootLoaderName() string {
	payload, size := findTagByType(tagBootLoaderName)
	if size == 0 {
		return ""
	}
	return cString(payload, uintptr(size))
}

// GetBootCmdLine returns the key-value pairs of the kernel command line. A
// bare flag such as "noreboot" maps to itself. The result is cached, so this
// may only be called once the Go allocator is up.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)
	payload, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return cmdLineKV
	}

	for _, field := range strings.Fields(cString(payload, uintptr(size))) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			value = key
		}
		cmdLineKV[key] = value
	}

	return cmdLineKV
}

// visitTags walks the tags of the info block in order, passing the address
// and size of each payload to fn, until fn returns false or the end tag is
// reached.
func visitTags(fn func(tag tagType, payload uintptr, size uint32) bool) {
	if infoData == 0 {
		return
	}

	cur := infoData + infoHeaderSize
	for {
		hdr := (*tagHeader)(unsafe.Pointer(cur))
		if hdr.tagType == tagMbSectionEnd {
			return
		}
		if !fn(hdr.tagType, cur+infoHeaderSize, hdr.size-infoHeaderSize) {
			return
		}

		// the next tag starts at an 8-byte boundary
		cur += (uintptr(hdr.size) + 7) &^ 7
	}
}

// findTagByType returns the payload address and size of the first tag of
// the given type, or (0, 0) if there is none.
func findTagByType(tag tagType) (payload uintptr, size uint32) {
	visitTags(func(t tagType, p uintptr, s uint32) bool {
		if t != tag {
			return true
		}
		payload, size = p, s
		return false
	})
	return payload, size
}

// cString returns the NULL-terminated string stored at ptr. At most maxLen
// bytes are examined.
func cString(ptr, maxLen uintptr) string {
	var n uintptr
	for ; n < maxLen && *(*byte)(unsafe.Pointer(ptr + n)) != 0; n++ {
	}
	if n == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(ptr)), int(n))
}
