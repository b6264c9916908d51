package kfmt

import "io"

// earlyLogSize is the capacity of the early log. It holds about a screenful
// of boot messages.
const earlyLogSize = 2048

// ringBuffer keeps the most recent earlyLogSize bytes written to it. Reads
// drain the buffer in write order.
type ringBuffer struct {
	data  [earlyLogSize]byte
	start int
	len   int

	// dropped counts the bytes overwritten before they could be read.
	dropped int
}

// Write implements io.Writer. It never fails; once the buffer is full the
// oldest bytes are overwritten.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[(rb.start+rb.len)%earlyLogSize] = b
		if rb.len < earlyLogSize {
			rb.len++
			continue
		}
		rb.start = (rb.start + 1) % earlyLogSize
		rb.dropped++
	}
	return len(p), nil
}

// Read implements io.Reader.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.len == 0 {
		return 0, io.EOF
	}

	// copy up to the end of the backing array; the wrapped part is
	// returned by the next call
	n := copy(p, rb.data[rb.start:min(rb.start+rb.len, earlyLogSize)])
	rb.start = (rb.start + n) % earlyLogSize
	rb.len -= n
	if rb.len == 0 {
		rb.start = 0
	}
	return n, nil
}

// WriteTo implements io.WriterTo. It drains the buffer into w without the
// intermediate buffer io.Copy would allocate.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for rb.len != 0 {
		end := min(rb.start+rb.len, earlyLogSize)
		n, err := w.Write(rb.data[rb.start:end])
		total += int64(n)
		rb.start = (rb.start + n) % earlyLogSize
		rb.len -= n
		if err != nil {
			return total, err
		}
	}
	rb.start = 0
	return total, nil
}
