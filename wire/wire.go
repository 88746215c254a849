// Package wire implements the length-prefixed binary encoding the dtasm
// host and guest exchange through linear memory (spec §4.2, §6). It plays
// the role the original implementation's flatbuffers schema compiler
// plays: a fixed set of typed records, encoded and decoded deterministically,
// with no host dependency on the compiler that would normally generate the
// accessors (see DESIGN.md for why this module hand-rolls the format
// instead of depending on a real flatbuffers runtime).
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/arrisde/dtasm/model"
)

// Encoder is a reusable byte-buffer builder. The instance manager owns one
// per instance and resets it before encoding each protocol request; it is
// not cleared when a call exits, so the last request's bytes stay in it
// until the next call.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Reset empties the encoder without releasing its backing array.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Bytes returns the encoded bytes written so far.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) putUint8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) putUint32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) putInt32(v int32)   { e.putUint32(uint32(v)) }
func (e *Encoder) putFloat64(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}
func (e *Encoder) putBool(v bool) {
	if v {
		e.putUint8(1)
	} else {
		e.putUint8(0)
	}
}
func (e *Encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutVarValues encodes a VarValues record: four length-prefixed vectors of
// (id, value) pairs, in the fixed order real, int, bool, string.
func (e *Encoder) PutVarValues(v VarValues) {
	e.putUint32(uint32(len(v.Real)))
	for _, kv := range v.Real {
		e.putInt32(kv.ID)
		e.putFloat64(kv.Val)
	}
	e.putUint32(uint32(len(v.Int)))
	for _, kv := range v.Int {
		e.putInt32(kv.ID)
		e.putInt32(kv.Val)
	}
	e.putUint32(uint32(len(v.Bool)))
	for _, kv := range v.Bool {
		e.putInt32(kv.ID)
		e.putBool(kv.Val)
	}
	e.putUint32(uint32(len(v.String)))
	for _, kv := range v.String {
		e.putInt32(kv.ID)
		e.putString(kv.Val)
	}
}

// RealVal, IntVal, BoolVal, StringVal are the (id, value) pairs making up a
// VarValues vector.
type (
	RealVal struct {
		ID  int32
		Val float64
	}
	IntVal struct {
		ID  int32
		Val int32
	}
	BoolVal struct {
		ID  int32
		Val bool
	}
	StringVal struct {
		ID  int32
		Val string
	}
)

// VarValues is the wire shape of model.Variable values keyed by id, one
// disjoint vector per value type (spec §3 "VarValues").
type VarValues struct {
	Real   []RealVal
	Int    []IntVal
	Bool   []BoolVal
	String []StringVal
}

// IsEmpty reports whether no values are carried in any of the four vectors.
func (v VarValues) IsEmpty() bool {
	return len(v.Real) == 0 && len(v.Int) == 0 && len(v.Bool) == 0 && len(v.String) == 0
}

// Decoder reads sequentially from a byte slice. Every value it returns,
// strings included, is copied out of the buffer; it hands out no views
// into buf, so decoded records stay valid after buf is reused.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// ErrShortBuffer is returned when a decode would read past the end of the
// underlying buffer — the wire-level analogue of spec §7's DecodeError.
var ErrShortBuffer = fmt.Errorf("wire: buffer too short")

func (d *Decoder) require(n int) error {
	if d.pos+n > len(d.buf) {
		return ErrShortBuffer
	}
	return nil
}

func (d *Decoder) getUint8() (uint8, error) {
	if err := d.require(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) getUint32() (uint32, error) {
	if err := d.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) getInt32() (int32, error) {
	v, err := d.getUint32()
	return int32(v), err
}

func (d *Decoder) getFloat64() (float64, error) {
	if err := d.require(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.buf[d.pos:]))
	d.pos += 8
	return v, nil
}

func (d *Decoder) getBool() (bool, error) {
	v, err := d.getUint8()
	return v != 0, err
}

func (d *Decoder) getString() (string, error) {
	n, err := d.getUint32()
	if err != nil {
		return "", err
	}
	if err := d.require(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

// GetVarValues decodes a VarValues record written by PutVarValues.
func (d *Decoder) GetVarValues() (VarValues, error) {
	var v VarValues

	n, err := d.getUint32()
	if err != nil {
		return v, err
	}
	v.Real = make([]RealVal, n)
	for i := range v.Real {
		if v.Real[i].ID, err = d.getInt32(); err != nil {
			return v, err
		}
		if v.Real[i].Val, err = d.getFloat64(); err != nil {
			return v, err
		}
	}

	if n, err = d.getUint32(); err != nil {
		return v, err
	}
	v.Int = make([]IntVal, n)
	for i := range v.Int {
		if v.Int[i].ID, err = d.getInt32(); err != nil {
			return v, err
		}
		if v.Int[i].Val, err = d.getInt32(); err != nil {
			return v, err
		}
	}

	if n, err = d.getUint32(); err != nil {
		return v, err
	}
	v.Bool = make([]BoolVal, n)
	for i := range v.Bool {
		if v.Bool[i].ID, err = d.getInt32(); err != nil {
			return v, err
		}
		if v.Bool[i].Val, err = d.getBool(); err != nil {
			return v, err
		}
	}

	if n, err = d.getUint32(); err != nil {
		return v, err
	}
	v.String = make([]StringVal, n)
	for i := range v.String {
		if v.String[i].ID, err = d.getInt32(); err != nil {
			return v, err
		}
		if v.String[i].Val, err = d.getString(); err != nil {
			return v, err
		}
	}

	return v, nil
}

// InitReq is the request record for the init ABI call.
type InitReq struct {
	ModelID          string
	StartTime        float64
	EndTime          float64
	EndTimeSet       bool
	Tolerance        float64
	ToleranceSet     bool
	LogLevelLimit    model.LogLevel
	CheckConsistency bool
	InitValues       VarValues
}

// EncodeInitReq writes req into e.
func EncodeInitReq(e *Encoder, req InitReq) {
	e.putString(req.ModelID)
	e.putFloat64(req.StartTime)
	e.putBool(req.EndTimeSet)
	e.putFloat64(req.EndTime)
	e.putBool(req.ToleranceSet)
	e.putFloat64(req.Tolerance)
	e.putUint8(uint8(req.LogLevelLimit))
	e.putBool(req.CheckConsistency)
	e.PutVarValues(req.InitValues)
}

// DecodeInitReq reads an InitReq from buf.
func DecodeInitReq(buf []byte) (InitReq, error) {
	d := NewDecoder(buf)
	var req InitReq
	var err error
	if req.ModelID, err = d.getString(); err != nil {
		return req, err
	}
	if req.StartTime, err = d.getFloat64(); err != nil {
		return req, err
	}
	if req.EndTimeSet, err = d.getBool(); err != nil {
		return req, err
	}
	if req.EndTime, err = d.getFloat64(); err != nil {
		return req, err
	}
	if req.ToleranceSet, err = d.getBool(); err != nil {
		return req, err
	}
	if req.Tolerance, err = d.getFloat64(); err != nil {
		return req, err
	}
	ll, err := d.getUint8()
	if err != nil {
		return req, err
	}
	req.LogLevelLimit = model.LogLevel(ll)
	if req.CheckConsistency, err = d.getBool(); err != nil {
		return req, err
	}
	if req.InitValues, err = d.GetVarValues(); err != nil {
		return req, err
	}
	return req, nil
}

// GetValuesReq is the request record for the getValues ABI call.
type GetValuesReq struct {
	IDs []int32
}

// EncodeGetValuesReq writes req into e.
func EncodeGetValuesReq(e *Encoder, req GetValuesReq) {
	e.putUint32(uint32(len(req.IDs)))
	for _, id := range req.IDs {
		e.putInt32(id)
	}
}

// DecodeGetValuesReq reads a GetValuesReq from buf.
func DecodeGetValuesReq(buf []byte) (GetValuesReq, error) {
	d := NewDecoder(buf)
	n, err := d.getUint32()
	if err != nil {
		return GetValuesReq{}, err
	}
	ids := make([]int32, n)
	for i := range ids {
		if ids[i], err = d.getInt32(); err != nil {
			return GetValuesReq{}, err
		}
	}
	return GetValuesReq{IDs: ids}, nil
}

// SetValuesReq is the request record for the setValues ABI call.
type SetValuesReq struct {
	Values VarValues
}

// EncodeSetValuesReq writes req into e.
func EncodeSetValuesReq(e *Encoder, req SetValuesReq) { e.PutVarValues(req.Values) }

// DecodeSetValuesReq reads a SetValuesReq from buf.
func DecodeSetValuesReq(buf []byte) (SetValuesReq, error) {
	d := NewDecoder(buf)
	v, err := d.GetVarValues()
	return SetValuesReq{Values: v}, err
}

// DoStepReq is the request record for the doStep ABI call.
type DoStepReq struct {
	CurrentTime float64
	Timestep    float64
}

// EncodeDoStepReq writes req into e.
func EncodeDoStepReq(e *Encoder, req DoStepReq) {
	e.putFloat64(req.CurrentTime)
	e.putFloat64(req.Timestep)
}

// DecodeDoStepReq reads a DoStepReq from buf.
func DecodeDoStepReq(buf []byte) (DoStepReq, error) {
	d := NewDecoder(buf)
	var req DoStepReq
	var err error
	if req.CurrentTime, err = d.getFloat64(); err != nil {
		return req, err
	}
	if req.Timestep, err = d.getFloat64(); err != nil {
		return req, err
	}
	return req, nil
}

// StatusRes is the response record for init and setValues.
type StatusRes struct {
	Status model.Status
}

// EncodeStatusRes writes res into e.
func EncodeStatusRes(e *Encoder, res StatusRes) { e.putUint8(uint8(res.Status)) }

// DecodeStatusRes reads a StatusRes from buf.
func DecodeStatusRes(buf []byte) (StatusRes, error) {
	d := NewDecoder(buf)
	s, err := d.getUint8()
	if err != nil {
		return StatusRes{}, err
	}
	return StatusRes{Status: model.Status(s)}, nil
}

// GetValuesRes is the response record for getValues.
type GetValuesRes struct {
	CurrentTime float64
	Status      model.Status
	Values      VarValues
}

// EncodeGetValuesRes writes res into e.
func EncodeGetValuesRes(e *Encoder, res GetValuesRes) {
	e.putFloat64(res.CurrentTime)
	e.putUint8(uint8(res.Status))
	e.PutVarValues(res.Values)
}

// DecodeGetValuesRes reads a GetValuesRes from buf.
func DecodeGetValuesRes(buf []byte) (GetValuesRes, error) {
	d := NewDecoder(buf)
	var res GetValuesRes
	var err error
	if res.CurrentTime, err = d.getFloat64(); err != nil {
		return res, err
	}
	s, err := d.getUint8()
	if err != nil {
		return res, err
	}
	res.Status = model.Status(s)
	if res.Values, err = d.GetVarValues(); err != nil {
		return res, err
	}
	return res, nil
}

// DoStepRes is the response record for doStep.
type DoStepRes struct {
	Status      model.Status
	UpdatedTime float64
}

// EncodeDoStepRes writes res into e.
func EncodeDoStepRes(e *Encoder, res DoStepRes) {
	e.putUint8(uint8(res.Status))
	e.putFloat64(res.UpdatedTime)
}

// DecodeDoStepRes reads a DoStepRes from buf.
func DecodeDoStepRes(buf []byte) (DoStepRes, error) {
	d := NewDecoder(buf)
	s, err := d.getUint8()
	if err != nil {
		return DoStepRes{}, err
	}
	t, err := d.getFloat64()
	if err != nil {
		return DoStepRes{}, err
	}
	return DoStepRes{Status: model.Status(s), UpdatedTime: t}, nil
}

// EncodeDescription writes a model.Description in the ModelDescription
// wire shape (spec §3, format documented in SPEC_FULL.md §3).
func EncodeDescription(e *Encoder, d model.Description) {
	e.putString(d.ID)
	e.putUint32(uint32(len(d.Variables)))
	for _, v := range d.Variables {
		e.putInt32(v.ID)
		e.putString(v.Name)
		e.putUint8(uint8(v.Causality))
		e.putUint8(uint8(v.ValueType))
		e.putBool(v.HasDefault)
		if !v.HasDefault {
			continue
		}
		switch v.ValueType {
		case model.Real:
			e.putFloat64(v.Default.Real)
		case model.Int:
			e.putInt32(v.Default.Int)
		case model.Bool:
			e.putBool(v.Default.Bool)
		case model.String:
			e.putString(v.Default.String)
		}
	}
}

// DecodeDescription reads a model.Description from buf (the "external
// decoder" spec §1 assumes exists; see DESIGN.md for why this package
// implements it directly instead).
func DecodeDescription(buf []byte) (model.Description, error) {
	d := NewDecoder(buf)
	var desc model.Description
	var err error
	if desc.ID, err = d.getString(); err != nil {
		return desc, err
	}
	n, err := d.getUint32()
	if err != nil {
		return desc, err
	}
	desc.Variables = make([]model.Variable, n)
	for i := range desc.Variables {
		v := &desc.Variables[i]
		if v.ID, err = d.getInt32(); err != nil {
			return desc, err
		}
		if v.Name, err = d.getString(); err != nil {
			return desc, err
		}
		causality, err := d.getUint8()
		if err != nil {
			return desc, err
		}
		v.Causality = model.Causality(causality)
		valType, err := d.getUint8()
		if err != nil {
			return desc, err
		}
		v.ValueType = model.ValueType(valType)
		if v.HasDefault, err = d.getBool(); err != nil {
			return desc, err
		}
		if !v.HasDefault {
			continue
		}
		switch v.ValueType {
		case model.Real:
			if v.Default.Real, err = d.getFloat64(); err != nil {
				return desc, err
			}
		case model.Int:
			if v.Default.Int, err = d.getInt32(); err != nil {
				return desc, err
			}
		case model.Bool:
			if v.Default.Bool, err = d.getBool(); err != nil {
				return desc, err
			}
		case model.String:
			if v.Default.String, err = d.getString(); err != nil {
				return desc, err
			}
		}
	}
	return desc, nil
}
