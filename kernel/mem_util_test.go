package kernel

import (
	"bytes"
	"fmt"
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// a zero size never touches the address
	Memset(0, 0xaa, 0)

	specs := []struct {
		size  int
		value byte
	}{
		{1, 0x00},
		{3, 0x5a},
		{4096, 0x00},
		{4096 + 17, 0xff},
		{3 * 4096, 0xcc},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			// a guard byte after the target must survive
			buf := bytes.Repeat([]byte{0xfe}, spec.size+1)
			Memset(uintptr(unsafe.Pointer(&buf[0])), spec.value, uintptr(spec.size))

			if exp := bytes.Repeat([]byte{spec.value}, spec.size); !bytes.Equal(buf[:spec.size], exp) {
				t.Fatalf("expected %d bytes set to 0x%x", spec.size, spec.value)
			}
			if buf[spec.size] != 0xfe {
				t.Fatalf("expected the byte past the target to be left alone; got 0x%x", buf[spec.size])
			}
		})
	}
}

func TestMemcopy(t *testing.T) {
	Memcopy(0, 0, 0)

	for specIndex, size := range []int{1, 7, 4096, 2*4096 + 5} {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			src := make([]byte, size)
			for i := range src {
				src[i] = byte(i * 7)
			}
			dst := make([]byte, size+1)

			Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(size))

			if !bytes.Equal(src, dst[:size]) {
				t.Fatal("expected dst to hold a copy of src")
			}
			if dst[size] != 0 {
				t.Fatal("expected the byte past the copy to be left alone")
			}
		})
	}
}
