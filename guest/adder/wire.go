// Encoding and decoding of the host's length-prefixed binary protocol,
// written independently of the host-side wire package: a guest module
// never shares code with its host across the sandbox boundary, only the
// wire format (mirroring how the original adder.rs/dtasm.rs hand-rolled
// their own flatbuffers access rather than importing the host crate).
package main

import (
	"encoding/binary"
	"math"
)

type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) getUint8() uint8 {
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) getUint32() uint32 {
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) getInt32() int32 { return int32(d.getUint32()) }

func (d *decoder) getFloat64() float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.buf[d.pos:]))
	d.pos += 8
	return v
}

func (d *decoder) getBool() bool { return d.getUint8() != 0 }

func (d *decoder) getString() string {
	n := int(d.getUint32())
	s := string(d.buf[d.pos : d.pos+n])
	d.pos += n
	return s
}

type encoder struct{ buf []byte }

func newEncoder(capacity int) *encoder { return &encoder{buf: make([]byte, 0, capacity)} }

func (e *encoder) reset() { e.buf = e.buf[:0] }

func (e *encoder) putUint8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) putUint32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) putInt32(v int32)   { e.putUint32(uint32(v)) }
func (e *encoder) putFloat64(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}
func (e *encoder) putBool(v bool) {
	if v {
		e.putUint8(1)
	} else {
		e.putUint8(0)
	}
}
func (e *encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// varValues mirrors the host's wire.VarValues four-vector record.
type varValues struct {
	real  map[int32]float64
	ints  map[int32]int32
	bools map[int32]bool
	strs  map[int32]string
}

func (e *encoder) putVarValues(v varValues) {
	e.putUint32(uint32(len(v.real)))
	for id, val := range v.real {
		e.putInt32(id)
		e.putFloat64(val)
	}
	e.putUint32(uint32(len(v.ints)))
	for id, val := range v.ints {
		e.putInt32(id)
		e.putInt32(val)
	}
	e.putUint32(uint32(len(v.bools)))
	for id, val := range v.bools {
		e.putInt32(id)
		e.putBool(val)
	}
	e.putUint32(uint32(len(v.strs)))
	for id, val := range v.strs {
		e.putInt32(id)
		e.putString(val)
	}
}

func (d *decoder) getVarValues() varValues {
	v := varValues{
		real:  map[int32]float64{},
		ints:  map[int32]int32{},
		bools: map[int32]bool{},
		strs:  map[int32]string{},
	}
	for n := d.getUint32(); n > 0; n-- {
		id := d.getInt32()
		v.real[id] = d.getFloat64()
	}
	for n := d.getUint32(); n > 0; n-- {
		id := d.getInt32()
		v.ints[id] = d.getInt32()
	}
	for n := d.getUint32(); n > 0; n-- {
		id := d.getInt32()
		v.bools[id] = d.getBool()
	}
	for n := d.getUint32(); n > 0; n-- {
		id := d.getInt32()
		v.strs[id] = d.getString()
	}
	return v
}
