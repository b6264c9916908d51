// Package kfmt implements formatted output that is safe to use before the
// Go allocator has been bootstrapped and from trap handlers.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize bounds the width of a formatted number.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = "0123456789abcdef"

	// numBuf holds formatted numbers; digits are written right to left.
	numBuf [numBufSize]byte

	// oneByte passes single characters to doWrite. Slicing a string and
	// converting it to []byte would allocate.
	oneByte [1]byte

	// earlyLog holds the output of Printf until a sink is attached.
	earlyLog ringBuffer

	// outputSink receives the output of Printf. While nil, output is kept
	// in earlyLog.
	outputSink io.Writer
)

// SetOutputSink directs the output of Printf to w and replays any output
// kept in the early log. Passing nil sends the output back to the early log.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w == nil {
		return
	}

	if earlyLog.dropped != 0 {
		Fprintf(w, "[kfmt] %d bytes of early output were lost\n", earlyLog.dropped)
		earlyLog.dropped = 0
	}
	earlyLog.WriteTo(w)
}

// GetOutputSink returns the registered output sink or nil if output is still
// being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf writes a formatted message to the output sink. It never allocates
// so it may be called before the memory core is up.
//
// Supported verbs:
//
//	%s  string or []byte
//	%c  a single byte
//	%d  integer in base 10, padded with spaces
//	%o  integer in base 8, padded with zeroes
//	%x  integer in base 16, padded with zeroes
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings narrower than the
// width are left-padded with spaces. The minus sign of a negative number
// replaces a padding space when one is available; with zero padding it is
// prepended.
//
// Only built-in types are accepted. Named types, even ones implementing
// fmt.Stringer, produce %!(WRONGTYPE) since itables may not be initialized
// yet. There is no %p or %v: supporting them needs reflect, and a reflect
// dependency makes the compiler box arguments through runtime.convT2E, which
// allocates.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	argIndex := 0

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}
		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 's', 'c', 'd', 'o', 'x', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex == len(args) {
			doWrite(w, errMissingArg)
			continue
		}
		arg := args[argIndex]
		argIndex++

		switch verb {
		case 's':
			fmtString(w, arg, width)
		case 'c':
			fmtChar(w, arg)
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func writeByte(w io.Writer, b byte) {
	oneByte[0] = b
	doWrite(w, oneByte[:])
}

func writeRepeat(w io.Writer, b byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, b)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtChar(w io.Writer, v interface{}) {
	switch c := v.(type) {
	case uint8:
		writeByte(w, c)
	case int32:
		if c < 0 || c > 0x7f {
			c = '?'
		}
		writeByte(w, byte(c))
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt formats any built-in integer v in base 8, 10 or 16. Widths that do
// not fit numBuf are clamped.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		val uint64
		neg bool
	)

	switch n := v.(type) {
	case uint8:
		val = uint64(n)
	case uint16:
		val = uint64(n)
	case uint32:
		val = uint64(n)
	case uint64:
		val = n
	case uintptr:
		val = uint64(n)
	case uint:
		val = uint64(n)
	case int8:
		val, neg = abs(int64(n))
	case int16:
		val, neg = abs(int64(n))
	case int32:
		val, neg = abs(int64(n))
	case int64:
		val, neg = abs(n)
	case int:
		val, neg = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width > numBufSize-1 {
		width = numBufSize - 1
	}

	start := numBufSize
	for {
		start--
		numBuf[start] = hexDigits[val%base]
		if val /= base; val == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}
	for numBufSize-start < width {
		start--
		numBuf[start] = padCh
	}

	if neg {
		switch {
		case numBuf[start] == ' ':
			// take the place of the last padding space
			i := start
			for numBuf[i+1] == ' ' {
				i++
			}
			numBuf[i] = '-'
		default:
			start--
			numBuf[start] = '-'
		}
	}

	doWrite(w, numBuf[start:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// doWrite hides p from escape analysis. Passing p to an arbitrary io.Writer
// would otherwise make p escape, and the compiler would then box the
// arguments of every Printf call on the heap.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyLog.Write(p)
	}
}

// noEscape is runtime.noescape.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
