package console

import "unsafe"

// VGA text mode geometry and the physical address of its framebuffer.
const (
	VGATextColumns = 80
	VGATextRows    = 25
	VGATextAddr    = uintptr(0xb8000)

	// light gray text on black background
	defaultAttr = uint16(0x07) << 8
)

// VGAText is a terminal on top of an EGA-compatible 80x25 text mode
// framebuffer. Each cell holds the character code in the low byte and the
// foreground and background colors in the high byte. The terminal
// interprets \r, \n, \b and \t and scrolls when the cursor passes the last
// row.
type VGAText struct {
	fb       []uint16
	width    uint32
	height   uint32
	tabWidth uint32

	// 0-based cursor position.
	x, y uint32
}

// NewVGAText returns a terminal that writes to the framebuffer at fbAddr,
// which must be mapped, and clears it.
func NewVGAText(fbAddr uintptr, columns, rows uint32) *VGAText {
	t := &VGAText{
		fb:       unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), columns*rows),
		width:    columns,
		height:   rows,
		tabWidth: 4,
	}
	t.Clear()
	return t
}

// Clear blanks the screen and moves the cursor to the top-left corner.
func (t *VGAText) Clear() {
	t.fill(0, t.width*t.height)
	t.x, t.y = 0, 0
}

// Position returns the 0-based cursor position.
func (t *VGAText) Position() (uint32, uint32) { return t.x, t.y }

// Write implements io.Writer.
func (t *VGAText) Write(data []byte) (int, error) {
	for _, b := range data {
		t.WriteByte(b)
	}
	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *VGAText) WriteByte(b byte) error {
	switch b {
	case '\r':
		t.x = 0
	case '\n':
		t.lf()
	case '\b':
		if t.x > 0 {
			t.x--
			t.put(' ')
		}
	case '\t':
		for i := uint32(0); i < t.tabWidth; i++ {
			t.advance(' ')
		}
	default:
		t.advance(b)
	}
	return nil
}

func (t *VGAText) put(b byte) {
	t.fb[t.y*t.width+t.x] = defaultAttr | uint16(b)
}

func (t *VGAText) advance(b byte) {
	t.put(b)
	if t.x++; t.x == t.width {
		t.lf()
	}
}

// lf moves the cursor to the start of the next line, scrolling the screen
// contents up by one line if the cursor is on the last row.
func (t *VGAText) lf() {
	t.x = 0
	if t.y+1 < t.height {
		t.y++
		return
	}

	copy(t.fb, t.fb[t.width:])
	t.fill((t.height-1)*t.width, t.width)
}

func (t *VGAText) fill(offset, count uint32) {
	for i := offset; i < offset+count; i++ {
		t.fb[i] = defaultAttr | ' '
	}
}
