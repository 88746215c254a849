// Package fakesandbox is an in-process double for sandbox.Engine/Module/
// Instance that implements the reference adder's ABI directly in Go,
// backed by a growable byte arena standing in for a guest's linear memory.
// It exists because this repository never compiles a real wasm binary or
// runs the Go toolchain (see DESIGN.md); it plays the role the teacher's
// own engines/wasmer/example_test.go plays, exercising the sandbox
// contract directly rather than mocking individual calls.
//
// The adder's variable state is kept inside the byte arena itself, at a
// fixed reserved offset, rather than in ordinary Go fields: a real TinyGo
// guest's heap lives inside its wasm linear memory, so a SaveState/
// LoadState snapshot of that memory genuinely captures and restores its
// variables. Keeping the fake's state outside the arena would make
// SaveState/LoadState trivially pass without testing anything.
//
// The variable layout mirrors guest/adder exactly: ids 1..9 = {RI1, RI2,
// RO, II1, II2, IO, BI1, BI2, BO}, RO=RI1+RI2, IO=II1+II2, BO=BI1∧BI2.
package fakesandbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/arrisde/dtasm/model"
	"github.com/arrisde/dtasm/sandbox"
	"github.com/arrisde/dtasm/wire"
)

const pageSize = 65536

// Fixed byte offsets of the adder's state within the instance's memory
// arena: one float64 for current_time, three float64 reals, three int32
// ints, three single-byte bools. heapTop starts past this reserved area.
const (
	offCurrentTime = 0
	offReal1       = 8
	offReal2       = 16
	offReal3       = 24
	offInt1        = 32
	offInt2        = 36
	offInt3        = 40
	offBool1       = 44
	offBool2       = 45
	offBool3       = 46
	stateAreaSize  = 64 // rounded up from 47 for alignment headroom
)

var realOffset = map[int32]uint32{1: offReal1, 2: offReal2, 3: offReal3}
var intOffset = map[int32]uint32{4: offInt1, 5: offInt2, 6: offInt3}
var boolOffset = map[int32]uint32{7: offBool1, 8: offBool2, 9: offBool3}

// Engine returns a sandbox.Engine whose Load ignores the guest bytes
// entirely and always produces a Module implementing the adder ABI.
func Engine() sandbox.Engine { return &engine{} }

type engine struct{}

func (e *engine) Name() string { return "fakesandbox" }

func (e *engine) Load(ctx context.Context, guest []byte, cfg sandbox.Config) (sandbox.Module, error) {
	return &module{}, nil
}

type module struct {
	closed bool
}

func (m *module) Instantiate(ctx context.Context) (sandbox.Instance, error) {
	if m.closed {
		return nil, fmt.Errorf("fakesandbox: module closed")
	}
	return &instance{
		mem:     make([]byte, pageSize),
		heapTop: stateAreaSize,
		enc:     wire.NewEncoder(256),
	}, nil
}

func (m *module) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

// instance is the fake's sandbox.Instance. All adder state lives in mem;
// the struct itself only tracks the bump allocator and the reusable
// response encoder.
type instance struct {
	mem     []byte
	heapTop uint32
	enc     *wire.Encoder

	closed bool
}

var _ sandbox.Instance = (*instance)(nil)

func descVars() []model.Variable {
	return []model.Variable{
		{ID: 1, Name: "RI1", Causality: model.Input, ValueType: model.Real, HasDefault: true, Default: model.Default{Real: 0}},
		{ID: 2, Name: "RI2", Causality: model.Input, ValueType: model.Real, HasDefault: true, Default: model.Default{Real: 0}},
		{ID: 3, Name: "RO", Causality: model.Output, ValueType: model.Real, HasDefault: true, Default: model.Default{Real: 0}},
		{ID: 4, Name: "II1", Causality: model.Input, ValueType: model.Int, HasDefault: true, Default: model.Default{Int: 0}},
		{ID: 5, Name: "II2", Causality: model.Input, ValueType: model.Int, HasDefault: true, Default: model.Default{Int: 0}},
		{ID: 6, Name: "IO", Causality: model.Output, ValueType: model.Int, HasDefault: true, Default: model.Default{Int: 0}},
		{ID: 7, Name: "BI1", Causality: model.Input, ValueType: model.Bool, HasDefault: true, Default: model.Default{Bool: false}},
		{ID: 8, Name: "BI2", Causality: model.Input, ValueType: model.Bool, HasDefault: true, Default: model.Default{Bool: false}},
		{ID: 9, Name: "BO", Causality: model.Output, ValueType: model.Bool, HasDefault: true, Default: model.Default{Bool: false}},
	}
}

func (i *instance) getCurrentTime() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(i.mem[offCurrentTime:]))
}

func (i *instance) setCurrentTime(v float64) {
	binary.LittleEndian.PutUint64(i.mem[offCurrentTime:], math.Float64bits(v))
}

func (i *instance) getReal(id int32) float64 {
	off := realOffset[id]
	return math.Float64frombits(binary.LittleEndian.Uint64(i.mem[off:]))
}

func (i *instance) setReal(id int32, v float64) {
	binary.LittleEndian.PutUint64(i.mem[realOffset[id]:], math.Float64bits(v))
}

func (i *instance) getInt(id int32) int32 {
	return int32(binary.LittleEndian.Uint32(i.mem[intOffset[id]:]))
}

func (i *instance) setInt(id int32, v int32) {
	binary.LittleEndian.PutUint32(i.mem[intOffset[id]:], uint32(v))
}

func (i *instance) getBool(id int32) bool { return i.mem[boolOffset[id]] != 0 }

func (i *instance) setBool(id int32, v bool) {
	if v {
		i.mem[boolOffset[id]] = 1
	} else {
		i.mem[boolOffset[id]] = 0
	}
}

func (i *instance) Memory() sandbox.Memory { return memoryView{i} }

func (i *instance) Alloc(ctx context.Context, size uint32) (uint32, error) {
	const align = 8
	ptr := (i.heapTop + align - 1) / align * align
	needed := ptr + size
	if needed > uint32(len(i.mem)) {
		// Real wasm memory only grows in whole pages; keep that invariant
		// here too so sandbox.Memory.Size stays exact.
		newPages := (needed + pageSize - 1) / pageSize
		grown := make([]byte, newPages*pageSize)
		copy(grown, i.mem)
		i.mem = grown
	}
	i.heapTop = needed
	return ptr, nil
}

func (i *instance) Dealloc(ctx context.Context, ptr, size uint32) error { return nil }

func (i *instance) respond(ctx context.Context, outPtr, outMaxLen uint32, payload []byte) (uint32, error) {
	if uint32(len(payload)) <= outMaxLen {
		if !(memoryView{i}).Write(ctx, outPtr, payload) {
			return 0, fmt.Errorf("fakesandbox: output pointer out of range")
		}
	}
	return uint32(len(payload)), nil
}

func (i *instance) readIn(ctx context.Context, inPtr, inLen uint32) ([]byte, error) {
	data, ok := (memoryView{i}).Read(ctx, inPtr, inLen)
	if !ok {
		return nil, fmt.Errorf("fakesandbox: input pointer out of range")
	}
	return data, nil
}

func (i *instance) CallGetModelDescription(ctx context.Context, outPtr, maxLen uint32) (uint32, error) {
	i.enc.Reset()
	wire.EncodeDescription(i.enc, model.Description{ID: "adder", Variables: descVars()})
	return i.respond(ctx, outPtr, maxLen, i.enc.Bytes())
}

func (i *instance) CallInit(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	buf, err := i.readIn(ctx, inPtr, inLen)
	if err != nil {
		return 0, err
	}
	req, err := wire.DecodeInitReq(buf)
	if err != nil {
		return 0, err
	}
	i.applySet(req.InitValues)
	i.setCurrentTime(req.StartTime)

	i.enc.Reset()
	wire.EncodeStatusRes(i.enc, wire.StatusRes{Status: model.StatusOK})
	return i.respond(ctx, outPtr, outMaxLen, i.enc.Bytes())
}

func (i *instance) CallGetValues(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	buf, err := i.readIn(ctx, inPtr, inLen)
	if err != nil {
		return 0, err
	}
	req, err := wire.DecodeGetValuesReq(buf)
	if err != nil {
		return 0, err
	}

	var values wire.VarValues
	for _, id := range req.IDs {
		switch id {
		case 1, 2, 3:
			values.Real = append(values.Real, wire.RealVal{ID: id, Val: i.getReal(id)})
		case 4, 5, 6:
			values.Int = append(values.Int, wire.IntVal{ID: id, Val: i.getInt(id)})
		case 7, 8, 9:
			values.Bool = append(values.Bool, wire.BoolVal{ID: id, Val: i.getBool(id)})
		}
	}

	i.enc.Reset()
	wire.EncodeGetValuesRes(i.enc, wire.GetValuesRes{CurrentTime: i.getCurrentTime(), Status: model.StatusOK, Values: values})
	return i.respond(ctx, outPtr, outMaxLen, i.enc.Bytes())
}

func (i *instance) CallSetValues(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	buf, err := i.readIn(ctx, inPtr, inLen)
	if err != nil {
		return 0, err
	}
	req, err := wire.DecodeSetValuesReq(buf)
	if err != nil {
		return 0, err
	}
	i.applySet(req.Values)

	i.enc.Reset()
	wire.EncodeStatusRes(i.enc, wire.StatusRes{Status: model.StatusOK})
	return i.respond(ctx, outPtr, outMaxLen, i.enc.Bytes())
}

func (i *instance) CallDoStep(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	buf, err := i.readIn(ctx, inPtr, inLen)
	if err != nil {
		return 0, err
	}
	req, err := wire.DecodeDoStepReq(buf)
	if err != nil {
		return 0, err
	}

	i.setReal(3, i.getReal(1)+i.getReal(2))
	i.setInt(6, i.getInt(4)+i.getInt(5))
	i.setBool(9, i.getBool(7) && i.getBool(8))
	updatedTime := req.CurrentTime + req.Timestep
	i.setCurrentTime(updatedTime)

	i.enc.Reset()
	wire.EncodeDoStepRes(i.enc, wire.DoStepRes{Status: model.StatusOK, UpdatedTime: updatedTime})
	return i.respond(ctx, outPtr, outMaxLen, i.enc.Bytes())
}

func (i *instance) applySet(values wire.VarValues) {
	for _, kv := range values.Real {
		i.setReal(kv.ID, kv.Val)
	}
	for _, kv := range values.Int {
		i.setInt(kv.ID, kv.Val)
	}
	for _, kv := range values.Bool {
		i.setBool(kv.ID, kv.Val)
	}
}

func (i *instance) HasReactorInit() bool { return false }

func (i *instance) CallReactorInit(ctx context.Context) error { return nil }

func (i *instance) Close(ctx context.Context) error {
	i.closed = true
	return nil
}

type memoryView struct{ i *instance }

func (v memoryView) Size(ctx context.Context) uint32 { return uint32(len(v.i.mem)) / pageSize }

func (v memoryView) Grow(ctx context.Context, nPages uint32) (uint32, error) {
	prevPages := uint32(len(v.i.mem)) / pageSize
	grown := make([]byte, uint32(len(v.i.mem))+nPages*pageSize)
	copy(grown, v.i.mem)
	v.i.mem = grown
	return prevPages, nil
}

func (v memoryView) Read(ctx context.Context, offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(v.i.mem)) {
		return nil, false
	}
	out := make([]byte, byteCount)
	copy(out, v.i.mem[offset:offset+byteCount])
	return out, true
}

func (v memoryView) Write(ctx context.Context, offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(v.i.mem)) {
		return false
	}
	copy(v.i.mem[offset:], data)
	return true
}
