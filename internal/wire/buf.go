package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortPayload is returned by decoders when the payload ends before all
// declared fields have been read.
var ErrShortPayload = errors.New("wire: short payload")

// encBuf accumulates a message payload using the same big-endian,
// length-prefixed conventions as the teacher's cannelloni codec, extended
// with length-prefixed strings/bytes/repeats for the richer message set.
type encBuf struct {
	b []byte
}

func newEncBuf() *encBuf { return &encBuf{b: make([]byte, 0, 64)} }

func (e *encBuf) Bytes() []byte { return e.b }

func (e *encBuf) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encBuf) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encBuf) u16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *encBuf) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *encBuf) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

// bytesField writes a u32 length prefix followed by raw bytes.
func (e *encBuf) bytesField(p []byte) {
	e.u32(uint32(len(p)))
	e.b = append(e.b, p...)
}

func (e *encBuf) str(s string) { e.bytesField([]byte(s)) }

// kv writes an ordered key/value pair list as a u32 count followed by
// (key, value) string pairs, preserving duplicates (RequestContext headers).
func (e *encBuf) kv(pairs [][2]string) {
	e.u32(uint32(len(pairs)))
	for _, p := range pairs {
		e.str(p[0])
		e.str(p[1])
	}
}

func (e *encBuf) strs(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}

// decBuf reads fields sequentially out of a payload, tracking overrun.
type decBuf struct {
	b   []byte
	off int
	err error
}

func newDecBuf(b []byte) *decBuf { return &decBuf{b: b} }

func (d *decBuf) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: offset %d of %d", ErrShortPayload, d.off, len(d.b))
	}
}

func (d *decBuf) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.b) {
		d.fail()
		return false
	}
	return true
}

func (d *decBuf) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decBuf) boolean() bool { return d.u8() != 0 }

func (d *decBuf) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *decBuf) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decBuf) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *decBuf) bytesField() []byte {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	if !d.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.b[d.off:d.off+int(n)])
	d.off += int(n)
	return v
}

func (d *decBuf) str() string { return string(d.bytesField()) }

func (d *decBuf) kv() [][2]string {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	out := make([][2]string, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		k := d.str()
		v := d.str()
		out = append(out, [2]string{k, v})
	}
	return out
}

func (d *decBuf) strs() []string {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decBuf) done() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrShortPayload, len(d.b)-d.off)
	}
	return nil
}
