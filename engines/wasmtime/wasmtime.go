//go:build (((amd64 || arm64) && !windows) || (amd64 && windows)) && cgo && !wasmer

// Package wasmtime implements the sandbox.Engine contract using
// github.com/bytecodealliance/wasmtime-go, a cgo binding over the
// wasmtime runtime. It is adapted from the teacher's own upstream
// wasmtime engine (wapc-go's engines/wasmtime), which links a minimal set
// of host-defined functions and a guest-exported `memory` export; here
// the host-defined functions are narrowed to one optional env.consoleLog
// logging import (the sim ABI itself needs none) and the eight dtasm
// exports take the place of wapc's.
package wasmtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	wt "github.com/bytecodealliance/wasmtime-go"

	"github.com/arrisde/dtasm/sandbox"
)

const wasmPageSize = 65536
const memoryExport = "memory"

type engine struct{}

// Engine returns a sandbox.Engine backed by wasmtime.
func Engine() sandbox.Engine { return &engine{} }

func (e *engine) Name() string { return "wasmtime" }

const envModule = "env"
const consoleLogImport = "consoleLog"

// Module represents a compiled dtasm guest module.
type Module struct {
	engine *wt.Engine
	store  *wt.Store
	module *wt.Module
	logger sandbox.Logger

	closed uint32
}

var _ sandbox.Module = (*Module)(nil)

// Load implements sandbox.Engine.
func (e *engine) Load(ctx context.Context, guest []byte, cfg sandbox.Config) (sandbox.Module, error) {
	wtEngine := wt.NewEngine()
	store := wt.NewStore(wtEngine)
	store.SetWasi(wt.NewWasiConfig())

	module, err := wt.NewModule(wtEngine, guest)
	if err != nil {
		return nil, fmt.Errorf("wasmtime: compile module: %w", err)
	}

	exports := map[string]bool{}
	for _, exp := range module.Exports() {
		exports[exp.Name()] = true
	}
	for _, name := range sandbox.RequiredExports {
		if !exports[name] {
			return nil, fmt.Errorf("wasmtime: missing required export %q", name)
		}
	}

	return &Module{engine: wtEngine, store: store, module: module, logger: cfg.Logger}, nil
}

// consoleLogFunc builds the optional "env.consoleLog(ptr, len)" host
// import, the same minimal logging capability the teacher's upstream
// wasmtime engine links as __console_log (see DESIGN.md), narrowed to
// sandbox.Config's single callback.
func consoleLogFunc(store *wt.Store, mem func() *wt.Memory, logger sandbox.Logger) *wt.Func {
	return wt.NewFunc(
		store,
		wt.NewFuncType(
			[]*wt.ValType{wt.NewValType(wt.KindI32), wt.NewValType(wt.KindI32)},
			[]*wt.ValType{},
		),
		func(c *wt.Caller, args []wt.Val) ([]wt.Val, *wt.Trap) {
			if logger == nil {
				return []wt.Val{}, nil
			}
			m := mem()
			if m == nil {
				return []wt.Val{}, nil
			}
			ptr, length := args[0].I32(), args[1].I32()
			data := m.UnsafeData(store)
			logger(string(data[ptr : ptr+length]))
			return []wt.Val{}, nil
		},
	)
}

// Instantiate implements sandbox.Module.
func (m *Module) Instantiate(ctx context.Context) (sandbox.Instance, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, errors.New("wasmtime: cannot instantiate a closed module")
	}

	linker := wt.NewLinker(m.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("wasmtime: link wasi: %w", err)
	}

	inst := &Instance{store: m.store}
	if err := linker.Define(envModule, consoleLogImport, consoleLogFunc(m.store, func() *wt.Memory { return inst.mem }, m.logger)); err != nil {
		return nil, fmt.Errorf("wasmtime: link host env: %w", err)
	}

	wtInst, err := linker.Instantiate(m.store, m.module)
	if err != nil {
		return nil, fmt.Errorf("wasmtime: instantiate: %w", err)
	}
	inst.inst = wtInst

	mem := wtInst.GetExport(m.store, memoryExport).Memory()
	if mem == nil {
		return nil, fmt.Errorf("wasmtime: missing required export %q", memoryExport)
	}
	inst.mem = mem

	bind := func(name string) (*wt.Func, error) {
		f := wtInst.GetFunc(m.store, name)
		if f == nil {
			return nil, fmt.Errorf("wasmtime: module didn't export function %q", name)
		}
		return f, nil
	}

	var err2 error
	if inst.alloc, err2 = bind("alloc"); err2 != nil {
		return nil, err2
	}
	if inst.dealloc, err2 = bind("dealloc"); err2 != nil {
		return nil, err2
	}
	if inst.getModelDescription, err2 = bind("getModelDescription"); err2 != nil {
		return nil, err2
	}
	if inst.init, err2 = bind("init"); err2 != nil {
		return nil, err2
	}
	if inst.getValues, err2 = bind("getValues"); err2 != nil {
		return nil, err2
	}
	if inst.setValues, err2 = bind("setValues"); err2 != nil {
		return nil, err2
	}
	if inst.doStep, err2 = bind("doStep"); err2 != nil {
		return nil, err2
	}
	inst.reactorInit = wtInst.GetFunc(m.store, sandbox.ReactorInitExport)

	return inst, nil
}

// Close implements sandbox.Module.
func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	m.module = nil
	if m.store != nil {
		m.store.GC()
		m.store = nil
	}
	m.engine = nil
	return nil // wasmtime releases native resources via finalizer
}

// Instance is a single wasmtime module instance.
type Instance struct {
	store *wt.Store
	inst  *wt.Instance
	mem   *wt.Memory

	alloc               *wt.Func
	dealloc             *wt.Func
	getModelDescription *wt.Func
	init                *wt.Func
	getValues           *wt.Func
	setValues           *wt.Func
	doStep              *wt.Func
	reactorInit         *wt.Func

	closed uint32
}

var _ sandbox.Instance = (*Instance)(nil)

// Memory implements sandbox.Instance.
func (i *Instance) Memory() sandbox.Memory { return memoryView{i} }

func asU32(v interface{}) uint32 { return uint32(v.(int32)) }

// Alloc implements sandbox.Instance.
func (i *Instance) Alloc(ctx context.Context, size uint32) (uint32, error) {
	res, err := i.alloc.Call(i.store, int32(size))
	if err != nil {
		return 0, err
	}
	return asU32(res), nil
}

// Dealloc implements sandbox.Instance.
func (i *Instance) Dealloc(ctx context.Context, ptr, size uint32) error {
	_, err := i.dealloc.Call(i.store, int32(ptr), int32(size))
	return err
}

func call4(store *wt.Store, f *wt.Func, a, b, c, d uint32) (uint32, error) {
	res, err := f.Call(store, int32(a), int32(b), int32(c), int32(d))
	if err != nil {
		return 0, err
	}
	return asU32(res), nil
}

// CallGetModelDescription implements sandbox.Instance.
func (i *Instance) CallGetModelDescription(ctx context.Context, outPtr, maxLen uint32) (uint32, error) {
	res, err := i.getModelDescription.Call(i.store, int32(outPtr), int32(maxLen))
	if err != nil {
		return 0, err
	}
	return asU32(res), nil
}

// CallInit implements sandbox.Instance.
func (i *Instance) CallInit(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	return call4(i.store, i.init, inPtr, inLen, outPtr, outMaxLen)
}

// CallGetValues implements sandbox.Instance.
func (i *Instance) CallGetValues(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	return call4(i.store, i.getValues, inPtr, inLen, outPtr, outMaxLen)
}

// CallSetValues implements sandbox.Instance.
func (i *Instance) CallSetValues(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	return call4(i.store, i.setValues, inPtr, inLen, outPtr, outMaxLen)
}

// CallDoStep implements sandbox.Instance.
func (i *Instance) CallDoStep(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	return call4(i.store, i.doStep, inPtr, inLen, outPtr, outMaxLen)
}

// HasReactorInit implements sandbox.Instance.
func (i *Instance) HasReactorInit() bool { return i.reactorInit != nil }

// CallReactorInit implements sandbox.Instance.
func (i *Instance) CallReactorInit(ctx context.Context) error {
	if i.reactorInit == nil {
		return nil
	}
	_, err := i.reactorInit.Call(i.store)
	return err
}

// Close implements sandbox.Instance.
func (i *Instance) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return nil
	}
	i.inst = nil
	i.mem = nil
	return nil // wasmtime releases native resources via finalizer
}

// memoryView adapts wasmtime's *wt.Memory to sandbox.Memory.
type memoryView struct{ i *Instance }

func (v memoryView) Size(context.Context) uint32 {
	return uint32(v.i.mem.DataSize(v.i.store)) / wasmPageSize
}

func (v memoryView) Grow(_ context.Context, nPages uint32) (uint32, error) {
	prev, err := v.i.mem.Grow(v.i.store, uint64(nPages))
	if err != nil {
		return 0, fmt.Errorf("wasmtime: failed to grow memory by %d pages: %w", nPages, err)
	}
	return uint32(prev), nil
}

func (v memoryView) Read(_ context.Context, offset, byteCount uint32) ([]byte, bool) {
	data := v.i.mem.UnsafeData(v.i.store)
	if uint64(offset)+uint64(byteCount) > uint64(len(data)) {
		return nil, false
	}
	out := make([]byte, byteCount)
	copy(out, data[offset:offset+byteCount])
	return out, true
}

func (v memoryView) Write(_ context.Context, offset uint32, data []byte) bool {
	mem := v.i.mem.UnsafeData(v.i.store)
	if uint64(offset)+uint64(len(data)) > uint64(len(mem)) {
		return false
	}
	copy(mem[offset:], data)
	return true
}
