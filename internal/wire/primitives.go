package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// maxVarintLen is the longest encoding of a 32-bit value.
const maxVarintLen = 5

// encoder appends primitives to a buffer.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) byte(b byte) { e.buf.WriteByte(b) }

func (e *encoder) bool(b bool) {
	if b {
		e.buf.WriteByte(1)
		return
	}
	e.buf.WriteByte(0)
}

func (e *encoder) varint(n int) {
	e.buf.Write(binary.AppendUvarint(nil, uint64(uint32(n))))
}

func (e *encoder) string(s string) {
	e.varint(len(s))
	e.buf.WriteString(s)
}

func (e *encoder) blob(b []byte) {
	e.varint(len(b))
	e.buf.Write(b)
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

// decoder reads primitives from a byte slice.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) done() bool { return d.off >= len(d.buf) }

func (d *decoder) byte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, fmt.Errorf("%w: unexpected end of payload at offset %d", ErrMalformed, d.off)
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) bool() (bool, error) {
	b, err := d.byte()
	return b != 0, err
}

// varint reads a 7-bit encoded 32-bit value. The fifth byte may only carry
// the top four bits.
func (d *decoder) varint() (int, error) {
	var result uint32
	for i := 0; i < maxVarintLen; i++ {
		b, err := d.byte()
		if err != nil {
			return 0, err
		}
		if i == maxVarintLen-1 && b > 0x0F {
			return 0, fmt.Errorf("%w: varint overflows 32 bits", ErrMalformed)
		}
		result |= uint32(b&0x7F) << (7 * i)
		if b < 0x80 {
			if result > math.MaxInt32 {
				return 0, fmt.Errorf("%w: negative length", ErrMalformed)
			}
			return int(result), nil
		}
	}
	return 0, fmt.Errorf("%w: varint too long", ErrMalformed)
}

func (d *decoder) blob() ([]byte, error) {
	n, err := d.varint()
	if err != nil {
		return nil, err
	}
	if n > len(d.buf)-d.off {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformed, n, len(d.buf)-d.off)
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += n
	return out, nil
}

func (d *decoder) string() (string, error) {
	b, err := d.blob()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrMalformed)
	}
	return string(b), nil
}

// WriteFrame writes p prefixed with its 7-bit encoded length.
func WriteFrame(w io.Writer, p []byte) error {
	var e encoder
	e.blob(p)
	_, err := w.Write(e.bytes())
	return err
}

// ReadFrame reads one frame written by WriteFrame. Frames larger than limit
// bytes are rejected when limit is positive.
func ReadFrame(r io.Reader, limit int64) ([]byte, error) {
	var (
		n     uint32
		one   [1]byte
		shift uint
	)
	for i := 0; ; i++ {
		if i == maxVarintLen {
			return nil, fmt.Errorf("%w: frame length too long", ErrMalformed)
		}
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		n |= uint32(one[0]&0x7F) << shift
		if one[0] < 0x80 {
			break
		}
		shift += 7
	}
	if limit > 0 && int64(n) > limit {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}
