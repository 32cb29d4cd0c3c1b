package shared

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// maxBCSLength bounds a decoded length prefix; BCS caps sequence lengths at 2^31-1.
const maxBCSLength = 1<<31 - 1

var errBCSShort = errors.New("unexpected end of input")

// BCSWriter produces Binary Canonical Serialization output, the encoding Move
// uses for IntentMessage<T>. Every value has exactly one encoding.
type BCSWriter struct {
	buf []byte
}

func (w *BCSWriter) U8(v uint8) *BCSWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *BCSWriter) Bool(v bool) *BCSWriter {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

func (w *BCSWriter) U64(v uint64) *BCSWriter {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

// Bytes writes a vector<u8>: ULEB128 length then the raw bytes.
func (w *BCSWriter) Bytes(v []byte) *BCSWriter {
	w.uleb128(uint64(len(v)))
	w.buf = append(w.buf, v...)
	return w
}

// String writes UTF-8 bytes with the same framing as Bytes.
func (w *BCSWriter) String(v string) *BCSWriter {
	return w.Bytes([]byte(v))
}

func (w *BCSWriter) Output() []byte {
	return w.buf
}

func (w *BCSWriter) uleb128(v uint64) {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// BCSReader decodes values written by BCSWriter. The first failure sticks;
// callers check Err once after reading every field.
type BCSReader struct {
	buf []byte
	off int
	err error
}

func NewBCSReader(b []byte) *BCSReader {
	return &BCSReader{buf: b}
}

func (r *BCSReader) Err() error {
	return r.err
}

// Remaining reports how many bytes have not been consumed.
func (r *BCSReader) Remaining() int {
	return len(r.buf) - r.off
}

// Finish fails if the input had trailing bytes, which would make two
// different inputs decode to the same value.
func (r *BCSReader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes", r.Remaining())
	}
	return nil
}

func (r *BCSReader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *BCSReader) Bool() bool {
	switch v := r.U8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(fmt.Errorf("invalid bool byte 0x%02x", v))
		return false
	}
}

func (r *BCSReader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *BCSReader) Bytes() []byte {
	n := r.uleb128()
	if r.err != nil {
		return nil
	}
	if n > maxBCSLength {
		r.fail(fmt.Errorf("length %d exceeds limit", n))
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *BCSReader) String() string {
	return string(r.Bytes())
}

func (r *BCSReader) uleb128() uint64 {
	var v uint64
	for shift := uint(0); shift < 64; shift += 7 {
		b := r.take(1)
		if b == nil {
			return 0
		}
		v |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			// Non-minimal encodings (a trailing zero group) are rejected.
			if shift > 0 && b[0] == 0 {
				r.fail(errors.New("non-canonical uleb128"))
				return 0
			}
			return v
		}
	}
	r.fail(errors.New("uleb128 overflow"))
	return 0
}

func (r *BCSReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.fail(errBCSShort)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *BCSReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
