// Package wazero implements the sandbox.Engine contract using
// github.com/tetratelabs/wazero, a pure-Go wasm runtime. It is adapted
// from the teacher's own default engine (wapc-go's engines/wazero), kept
// close to the original shape: one compiled wazero.Runtime/CompiledModule
// per sandbox.Module, one wazero module instance per sandbox.Instance.
package wazero

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/arrisde/dtasm/sandbox"
)

type engine struct{ newRuntime NewRuntime }

// NewRuntime constructs the wazero.Runtime used for a module; it is called
// once per sandbox.Engine.Load.
type NewRuntime func(context.Context) (wazero.Runtime, error)

// Engine returns a sandbox.Engine backed by wazero using DefaultRuntime.
func Engine() sandbox.Engine {
	return &engine{newRuntime: DefaultRuntime}
}

// EngineWithRuntime allows callers to customize the underlying
// wazero.Runtime (e.g. to configure a compilation cache).
func EngineWithRuntime(newRuntime NewRuntime) sandbox.Engine {
	return &engine{newRuntime: newRuntime}
}

func (e *engine) Name() string { return "wazero" }

// DefaultRuntime returns a wazero runtime with WASI preview1 instantiated,
// sufficient host capability surface for a guest's panic/abort path
// (spec §4.1); the sim ABI itself requires no further imports.
func DefaultRuntime(ctx context.Context) (wazero.Runtime, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return r, nil
}

const wasmPageSize = 65536
const memoryExport = "memory"
const envModule = "env"
const consoleLogImport = "consoleLog"

// instantiateHostEnv links the "env" host module a guest may optionally
// import a single function from: consoleLog(ptr, len), which forwards the
// guest's message to cfg.Logger. The sim ABI itself requires no host
// import (spec §4.1); this is the minimal capability surface the teacher's
// own wapc host module exposes as __console_log, narrowed to the one
// callback sandbox.Config carries.
func instantiateHostEnv(ctx context.Context, r wazero.Runtime, logger sandbox.Logger) error {
	_, err := r.NewHostModuleBuilder(envModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			if logger == nil {
				return
			}
			ptr, length := uint32(stack[0]), uint32(stack[1])
			if msg, ok := mod.Memory().Read(ptr, length); ok {
				logger(string(msg))
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export(consoleLogImport).
		Instantiate(ctx)
	return err
}

// Module represents a compiled dtasm guest module.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig

	instanceCounter uint64

	// closed is atomically updated to ensure Close is only invoked once.
	closed uint32
}

var _ sandbox.Module = (*Module)(nil)

// Load implements sandbox.Engine.
func (e *engine) Load(ctx context.Context, guest []byte, cfg sandbox.Config) (sandbox.Module, error) {
	r, err := e.newRuntime(ctx)
	if err != nil {
		return nil, err
	}

	if err := instantiateHostEnv(ctx, r, cfg.Logger); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wazero: link host env: %w", err)
	}

	m := &Module{runtime: r}
	m.config = wazero.NewModuleConfig()
	if cfg.Stdout != nil {
		m.config = m.config.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		m.config = m.config.WithStderr(cfg.Stderr)
	}

	if m.compiled, err = r.CompileModule(ctx, guest); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wazero: compile module: %w", err)
	}

	exported := m.compiled.ExportedFunctions()
	for _, name := range sandbox.RequiredExports {
		if name == memoryExport {
			continue
		}
		if _, ok := exported[name]; !ok {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("wazero: missing required export %q", name)
		}
	}
	if _, ok := m.compiled.ExportedMemories()[memoryExport]; !ok {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wazero: missing required export %q", memoryExport)
	}

	return m, nil
}

// Instantiate implements sandbox.Module.
func (m *Module) Instantiate(ctx context.Context) (sandbox.Instance, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, errors.New("wazero: cannot instantiate a closed module")
	}

	name := fmt.Sprintf("%d", atomic.AddUint64(&m.instanceCounter, 1))
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, m.config.WithName(name))
	if err != nil {
		return nil, fmt.Errorf("wazero: instantiate: %w", err)
	}

	inst := &Instance{m: mod}
	bind := func(name string) (api.Function, error) {
		f := mod.ExportedFunction(name)
		if f == nil {
			return nil, fmt.Errorf("wazero: module didn't export function %q", name)
		}
		return f, nil
	}

	var err2 error
	if inst.alloc, err2 = bind("alloc"); err2 != nil {
		_ = mod.Close(ctx)
		return nil, err2
	}
	if inst.dealloc, err2 = bind("dealloc"); err2 != nil {
		_ = mod.Close(ctx)
		return nil, err2
	}
	if inst.getModelDescription, err2 = bind("getModelDescription"); err2 != nil {
		_ = mod.Close(ctx)
		return nil, err2
	}
	if inst.init, err2 = bind("init"); err2 != nil {
		_ = mod.Close(ctx)
		return nil, err2
	}
	if inst.getValues, err2 = bind("getValues"); err2 != nil {
		_ = mod.Close(ctx)
		return nil, err2
	}
	if inst.setValues, err2 = bind("setValues"); err2 != nil {
		_ = mod.Close(ctx)
		return nil, err2
	}
	if inst.doStep, err2 = bind("doStep"); err2 != nil {
		_ = mod.Close(ctx)
		return nil, err2
	}
	inst.reactorInit = mod.ExportedFunction(sandbox.ReactorInitExport)

	return inst, nil
}

// Close implements sandbox.Module.
func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	return m.runtime.Close(ctx)
}

// Instance is a single wazero module instance.
type Instance struct {
	m api.Module

	alloc               api.Function
	dealloc             api.Function
	getModelDescription api.Function
	init                api.Function
	getValues           api.Function
	setValues           api.Function
	doStep              api.Function
	reactorInit         api.Function

	closed uint32
}

var _ sandbox.Instance = (*Instance)(nil)

// Memory implements sandbox.Instance.
func (i *Instance) Memory() sandbox.Memory { return memoryView{i.m.Memory()} }

func call1(ctx context.Context, f api.Function, a uint32) (uint32, error) {
	res, err := f.Call(ctx, uint64(a))
	if err != nil {
		return 0, err
	}
	return uint32(res[0]), nil
}

func call2(ctx context.Context, f api.Function, a, b uint32) error {
	_, err := f.Call(ctx, uint64(a), uint64(b))
	return err
}

func call4(ctx context.Context, f api.Function, a, b, c, d uint32) (uint32, error) {
	res, err := f.Call(ctx, uint64(a), uint64(b), uint64(c), uint64(d))
	if err != nil {
		return 0, err
	}
	return uint32(res[0]), nil
}

// Alloc implements sandbox.Instance.
func (i *Instance) Alloc(ctx context.Context, size uint32) (uint32, error) {
	return call1(ctx, i.alloc, size)
}

// Dealloc implements sandbox.Instance.
func (i *Instance) Dealloc(ctx context.Context, ptr, size uint32) error {
	return call2(ctx, i.dealloc, ptr, size)
}

// CallGetModelDescription implements sandbox.Instance.
func (i *Instance) CallGetModelDescription(ctx context.Context, outPtr, maxLen uint32) (uint32, error) {
	return call2Result(ctx, i.getModelDescription, outPtr, maxLen)
}

func call2Result(ctx context.Context, f api.Function, a, b uint32) (uint32, error) {
	res, err := f.Call(ctx, uint64(a), uint64(b))
	if err != nil {
		return 0, err
	}
	return uint32(res[0]), nil
}

// CallInit implements sandbox.Instance.
func (i *Instance) CallInit(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	return call4(ctx, i.init, inPtr, inLen, outPtr, outMaxLen)
}

// CallGetValues implements sandbox.Instance.
func (i *Instance) CallGetValues(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	return call4(ctx, i.getValues, inPtr, inLen, outPtr, outMaxLen)
}

// CallSetValues implements sandbox.Instance.
func (i *Instance) CallSetValues(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	return call4(ctx, i.setValues, inPtr, inLen, outPtr, outMaxLen)
}

// CallDoStep implements sandbox.Instance.
func (i *Instance) CallDoStep(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
	return call4(ctx, i.doStep, inPtr, inLen, outPtr, outMaxLen)
}

// HasReactorInit implements sandbox.Instance.
func (i *Instance) HasReactorInit() bool { return i.reactorInit != nil }

// CallReactorInit implements sandbox.Instance.
func (i *Instance) CallReactorInit(ctx context.Context) error {
	if i.reactorInit == nil {
		return nil
	}
	_, err := i.reactorInit.Call(ctx)
	return err
}

// Close implements sandbox.Instance.
func (i *Instance) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return nil
	}
	return i.m.Close(ctx)
}

// memoryView adapts wazero's api.Memory to sandbox.Memory.
type memoryView struct{ mem api.Memory }

func (v memoryView) Size(context.Context) uint32 { return v.mem.Size() / wasmPageSize }

func (v memoryView) Grow(_ context.Context, nPages uint32) (uint32, error) {
	prev, ok := v.mem.Grow(nPages)
	if !ok {
		return 0, fmt.Errorf("wazero: failed to grow memory by %d pages", nPages)
	}
	return prev, nil
}

func (v memoryView) Read(_ context.Context, offset, byteCount uint32) ([]byte, bool) {
	buf, ok := v.mem.Read(offset, byteCount)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

func (v memoryView) Write(_ context.Context, offset uint32, data []byte) bool {
	return v.mem.Write(offset, data)
}
