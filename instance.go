// Package dtasm is the host-side instance manager for the dtasm guest
// co-simulation ABI: it drives a sandbox.Instance through its lifecycle,
// owns the length-prefixed guest-memory call protocol, and validates every
// call against the model description the guest itself advertises. It is
// grounded method-for-method on the original runtime's runtime.rs, with
// explicit state tracking added where the original trusted its single
// embedded caller to get calling order right.
package dtasm

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/arrisde/dtasm/model"
	"github.com/arrisde/dtasm/sandbox"
	"github.com/arrisde/dtasm/wire"
)

const (
	wasmPageSize = 65536

	// fixedOutCap sizes the output buffer for calls whose response shape is
	// small and constant (init, setValues, doStep): a StatusRes is 1 byte, a
	// DoStepRes is 9 bytes. 64 bytes leaves headroom without the growable
	// retry path; a guest that overflows it has violated the ABI contract.
	fixedOutCap = 64

	// growableOutCap is the starting guess for calls whose response grows
	// with the model (getModelDescription, getValues); spec §4.3 names 2048
	// bytes as BASE.
	growableOutCap = 2048

	// maxGrowAttempts bounds the doubling retry loop so a guest that never
	// reports a length within any buffer size fails loudly instead of
	// growing the output buffer without limit.
	maxGrowAttempts = 20

	// encoderCap is the Encoder's initial backing capacity; it grows as
	// needed and is reused (not reallocated) across calls via Reset.
	encoderCap = 512
)

// Instance manages a single live guest instance: its sandbox.Instance, its
// encoder buffer, its cached model metadata, and its lifecycle State.
type Instance struct {
	sb  sandbox.Instance
	enc *wire.Encoder

	state State

	desc       model.Description
	haveDesc   bool
	varTypes   model.VarTypeIndex
	reactorRan bool
}

// Open instantiates module and returns a fresh Instance in state Fresh. If
// the guest exports an _initialize reactor function, it is invoked exactly
// once here, before the instance is handed back to the caller (spec §3's
// "reactor-init one-shot guard").
func Open(ctx context.Context, module sandbox.Module) (*Instance, error) {
	sb, err := module.Instantiate(ctx)
	if err != nil {
		return nil, newError(InstantiationError, "instantiate guest module", err)
	}

	inst := &Instance{sb: sb, enc: wire.NewEncoder(encoderCap), state: Fresh}

	if sb.HasReactorInit() && !inst.reactorRan {
		if err := sb.CallReactorInit(ctx); err != nil {
			_ = sb.Close(ctx)
			return nil, newError(InstantiationError, "run guest reactor init", err)
		}
		inst.reactorRan = true
	}

	return inst, nil
}

// Close releases the underlying sandbox.Instance.
func (inst *Instance) Close(ctx context.Context) error {
	return inst.sb.Close(ctx)
}

// State reports the instance's current lifecycle state.
func (inst *Instance) State() State { return inst.state }

// GetModelDescription fetches, decodes and caches the guest's model
// description, deriving the VarTypeIndex used to validate every subsequent
// call. Calling it more than once is a no-op beyond the first decode: the
// cache is returned unchanged (spec §4.3 "cache idempotence").
func (inst *Instance) GetModelDescription(ctx context.Context) (model.Description, error) {
	if inst.haveDesc {
		return inst.desc.Clone(), nil
	}

	out, err := inst.callGrowable(ctx, growableOutCap, func(inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
		return inst.sb.CallGetModelDescription(ctx, outPtr, outMaxLen)
	}, nil)
	if err != nil {
		return model.Description{}, err
	}

	desc, err := wire.DecodeDescription(out)
	if err != nil {
		return model.Description{}, newError(DecodeError, "decode model description", err)
	}

	inst.desc = desc
	inst.varTypes = model.NewVarTypeIndex(desc)
	inst.haveDesc = true
	if inst.state == Fresh {
		inst.state = Described
	}
	return inst.desc.Clone(), nil
}

// InitParams carries the arguments for Initialize, mirroring wire.InitReq.
type InitParams struct {
	ModelID          string
	StartTime        float64
	EndTime          float64
	EndTimeSet       bool
	Tolerance        float64
	ToleranceSet     bool
	LogLevelLimit    model.LogLevel
	CheckConsistency bool
	InitValues       wire.VarValues
}

// Initialize calls the guest's init export with p, validating every
// InitValues entry against the cached VarTypeIndex first. It may be called
// again while Initialized (a re-init before the first successful GetValues,
// SetValues or DoStep); it is rejected once the instance is Running. Result: a Status value (spec
// §4.3.2), same as DoStep, so a caller can distinguish StatusOK from
// StatusDiscard rather than only ever learning about Error/Fatal.
func (inst *Instance) Initialize(ctx context.Context, p InitParams) (model.Status, error) {
	if !inst.state.allows("Initialize") {
		return 0, errCallingOrder("Initialize", inst.state)
	}
	if !inst.haveDesc {
		return 0, errCallingOrder("Initialize", inst.state)
	}
	if err := inst.validateInitValues(p.InitValues); err != nil {
		return 0, err
	}

	req := wire.InitReq{
		ModelID:          p.ModelID,
		StartTime:        p.StartTime,
		EndTime:          p.EndTime,
		EndTimeSet:       p.EndTimeSet,
		Tolerance:        p.Tolerance,
		ToleranceSet:     p.ToleranceSet,
		LogLevelLimit:    p.LogLevelLimit,
		CheckConsistency: p.CheckConsistency,
		InitValues:       p.InitValues,
	}

	inst.enc.Reset()
	wire.EncodeInitReq(inst.enc, req)
	payload := inst.enc.Bytes()

	out, err := inst.callFixed(ctx, payload, func(inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
		return inst.sb.CallInit(ctx, inPtr, inLen, outPtr, outMaxLen)
	})
	if err != nil {
		return 0, err
	}

	res, err := wire.DecodeStatusRes(out)
	if err != nil {
		return 0, newError(DecodeError, "decode init response", err)
	}
	if res.Status == model.StatusError || res.Status == model.StatusFatal {
		return res.Status, newError(DtasmInternalError, fmt.Sprintf("guest init returned status %s", res.Status), nil)
	}

	inst.state = Initialized
	return res.Status, nil
}

// GetValues fetches the current value of each variable in ids. Every id
// must name a variable whose causality is Output, Local, or Parameter;
// Input variables cannot be read back (VariableCausalityMismatch).
func (inst *Instance) GetValues(ctx context.Context, ids []int32) (float64, model.Status, wire.VarValues, error) {
	if !inst.state.allows("GetValues") {
		return 0, 0, wire.VarValues{}, errCallingOrder("GetValues", inst.state)
	}
	for _, id := range ids {
		vt, ok := inst.varTypes[id]
		if !ok {
			return 0, 0, wire.VarValues{}, errUnknownVariableID(id)
		}
		if vt.Causality == model.Input {
			return 0, 0, wire.VarValues{}, errCausalityMismatch(id, vt.Name, vt.Causality)
		}
	}

	inst.enc.Reset()
	wire.EncodeGetValuesReq(inst.enc, wire.GetValuesReq{IDs: ids})
	payload := inst.enc.Bytes()

	out, err := inst.callGrowable(ctx, growableOutCap, func(inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
		return inst.sb.CallGetValues(ctx, inPtr, inLen, outPtr, outMaxLen)
	}, payload)
	if err != nil {
		return 0, 0, wire.VarValues{}, err
	}

	res, err := wire.DecodeGetValuesRes(out)
	if err != nil {
		return 0, 0, wire.VarValues{}, newError(DecodeError, "decode getValues response", err)
	}
	if err := inst.validateGetValuesResponse(res.Values); err != nil {
		return 0, 0, wire.VarValues{}, err
	}
	if res.Status == model.StatusOK && inst.state == Initialized {
		inst.state = Running
	}
	return res.CurrentTime, res.Status, res.Values, nil
}

// validateGetValuesResponse re-checks every id the guest returned against
// the request-time VarTypeIndex: an id the model never declared, or one
// returned under the wrong wire vector, is a contractual violation from the
// guest rather than a caller mistake (spec §4.3.3 "on decode, every
// returned id is re-validated").
func (inst *Instance) validateGetValuesResponse(values wire.VarValues) error {
	return walkVarValues(values, func(id int32, wireType model.ValueType) error {
		vt, ok := inst.varTypes[id]
		if !ok {
			return errUnknownVariableID(id)
		}
		if vt.ValueType != wireType {
			return errTypeMismatch(id, vt.Name, vt.ValueType, wireType)
		}
		return nil
	})
}

// SetValues pushes values to the guest. Every id must name a variable whose
// causality is Input; any other causality is VariableCausalityInvalidForSet
// (spec §4.3.4).
func (inst *Instance) SetValues(ctx context.Context, values wire.VarValues) (model.Status, error) {
	if !inst.state.allows("SetValues") {
		return 0, errCallingOrder("SetValues", inst.state)
	}
	if err := inst.validateSet(values); err != nil {
		return 0, err
	}

	inst.enc.Reset()
	wire.EncodeSetValuesReq(inst.enc, wire.SetValuesReq{Values: values})
	payload := inst.enc.Bytes()

	out, err := inst.callFixed(ctx, payload, func(inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
		return inst.sb.CallSetValues(ctx, inPtr, inLen, outPtr, outMaxLen)
	})
	if err != nil {
		return 0, err
	}

	res, err := wire.DecodeStatusRes(out)
	if err != nil {
		return 0, newError(DecodeError, "decode setValues response", err)
	}
	if res.Status == model.StatusError || res.Status == model.StatusFatal {
		return res.Status, newError(DtasmInternalError, fmt.Sprintf("guest setValues returned status %s", res.Status), nil)
	}
	if res.Status == model.StatusOK && inst.state == Initialized {
		inst.state = Running
	}
	return res.Status, nil
}

// walkVarValues calls check(id, wireType) for every (id, value) pair across
// all four vectors of values, in the fixed real/int/bool/string order,
// stopping at the first error.
func walkVarValues(values wire.VarValues, check func(id int32, wireType model.ValueType) error) error {
	for _, kv := range values.Real {
		if err := check(kv.ID, model.Real); err != nil {
			return err
		}
	}
	for _, kv := range values.Int {
		if err := check(kv.ID, model.Int); err != nil {
			return err
		}
	}
	for _, kv := range values.Bool {
		if err := check(kv.ID, model.Bool); err != nil {
			return err
		}
	}
	for _, kv := range values.String {
		if err := check(kv.ID, model.String); err != nil {
			return err
		}
	}
	return nil
}

// validateSet checks that every id in values names a known variable, of
// matching declared ValueType, whose causality is Input — the only
// causality setValues ever accepts (spec §4.3.4; the original runtime
// rejects everything else with VariableCausalityInvalidForSet regardless of
// calling state, and this port keeps that unconditional rule).
func (inst *Instance) validateSet(values wire.VarValues) error {
	return walkVarValues(values, func(id int32, wireType model.ValueType) error {
		vt, ok := inst.varTypes[id]
		if !ok {
			return errUnknownVariableID(id)
		}
		if vt.ValueType != wireType {
			return errTypeMismatch(id, vt.Name, vt.ValueType, wireType)
		}
		if vt.Causality != model.Input {
			return errCausalityInvalidForSet(id, vt.Name, vt.Causality)
		}
		return nil
	})
}

// validateInitValues checks that every id in values names a known variable
// of matching declared ValueType. Unlike validateSet, causality is not
// restricted: spec §4.3.2 explicitly permits an initial value for a
// variable of any causality.
func (inst *Instance) validateInitValues(values wire.VarValues) error {
	return walkVarValues(values, func(id int32, wireType model.ValueType) error {
		vt, ok := inst.varTypes[id]
		if !ok {
			return errUnknownVariableID(id)
		}
		if vt.ValueType != wireType {
			return errTypeMismatch(id, vt.Name, vt.ValueType, wireType)
		}
		return nil
	})
}

// DoStep advances the simulation from currentTime by timestep. On
// StatusDiscard the host receives whatever updatedTime the guest reports;
// no enforcement is applied (Open Question resolution, DESIGN.md).
func (inst *Instance) DoStep(ctx context.Context, currentTime, timestep float64) (model.Status, float64, error) {
	if !inst.state.allows("DoStep") {
		return 0, 0, errCallingOrder("DoStep", inst.state)
	}

	inst.enc.Reset()
	wire.EncodeDoStepReq(inst.enc, wire.DoStepReq{CurrentTime: currentTime, Timestep: timestep})
	payload := inst.enc.Bytes()

	out, err := inst.callFixed(ctx, payload, func(inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error) {
		return inst.sb.CallDoStep(ctx, inPtr, inLen, outPtr, outMaxLen)
	})
	if err != nil {
		return 0, 0, err
	}

	res, err := wire.DecodeDoStepRes(out)
	if err != nil {
		return 0, 0, newError(DecodeError, "decode doStep response", err)
	}
	if res.Status == model.StatusFatal {
		return res.Status, res.UpdatedTime, newError(DtasmInternalError, "guest doStep returned Fatal", nil)
	}
	if res.Status == model.StatusOK {
		inst.state = Running
	}
	return res.Status, res.UpdatedTime, nil
}

// SaveState writes a full snapshot of the instance's linear memory verbatim
// to path (spec §4.3.6, §6 "State snapshot file": an opaque byte-for-byte
// image, no header, no versioning). It carries no guest-level semantics
// beyond memory contents: globals and table state are outside what the
// sandbox.Memory view exposes.
func (inst *Instance) SaveState(ctx context.Context, path string) error {
	if !inst.state.allows("SaveState") {
		return errCallingOrder("SaveState", inst.state)
	}
	data, err := inst.captureMemory(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return newError(IoError, fmt.Sprintf("write state snapshot to %s", path), err)
	}
	return nil
}

// captureMemory reads the full contents of the instance's linear memory.
func (inst *Instance) captureMemory(ctx context.Context) ([]byte, error) {
	mem := inst.sb.Memory()
	size := mem.Size(ctx) * wasmPageSize
	data, ok := mem.Read(ctx, 0, size)
	if !ok {
		return nil, errInternal("failed to read full memory for snapshot")
	}
	return data, nil
}

// LoadState reads a snapshot file written by SaveState and restores it into
// the instance's linear memory, growing memory as needed. Page growth uses
// ceiling division: a snapshot whose length isn't a multiple of the page
// size must still round up to a whole number of pages, unlike the original
// implementation's truncating division, which could under-allocate and
// lose the final partial page (spec §10 fix). Callers must only load a
// snapshot against an instance whose cached model matches the one that
// produced it (spec §4.3.6); load_state does not touch the cached
// description or var type index.
func (inst *Instance) LoadState(ctx context.Context, path string) error {
	if !inst.state.allows("LoadState") {
		return errCallingOrder("LoadState", inst.state)
	}
	f, err := os.Open(path)
	if err != nil {
		return newError(IoError, fmt.Sprintf("open state snapshot %s", path), err)
	}
	defer f.Close()

	snapshot, err := io.ReadAll(f)
	if err != nil {
		return newError(IoError, fmt.Sprintf("read state snapshot %s", path), err)
	}

	mem := inst.sb.Memory()
	neededPages := ceilDivPages(uint32(len(snapshot)))
	currentPages := mem.Size(ctx)
	if neededPages > currentPages {
		if _, err := mem.Grow(ctx, neededPages-currentPages); err != nil {
			return newError(DtasmInternalError, "grow memory to restore snapshot", err)
		}
	}
	if !mem.Write(ctx, 0, snapshot) {
		return errInternal("failed to write snapshot into memory")
	}
	return nil
}

func ceilDivPages(byteLen uint32) uint32 {
	if byteLen == 0 {
		return 0
	}
	return (byteLen + wasmPageSize - 1) / wasmPageSize
}

// callFixed runs the guest-memory call protocol for a call whose response
// fits in a small, constant-size buffer. A response that still overflows
// fixedOutCap is a contractual violation, not a sizing problem: the guest
// is reporting an internal error rather than retrying with a bigger buffer
// (spec §4.2).
func (inst *Instance) callFixed(ctx context.Context, payload []byte, invoke func(inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error)) ([]byte, error) {
	inPtr, inLen, err := inst.writeIn(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer inst.sb.Dealloc(ctx, inPtr, inLen)

	outPtr, err := inst.sb.Alloc(ctx, fixedOutCap)
	if err != nil {
		return nil, newError(DtasmInternalError, "allocate guest output buffer", err)
	}
	defer inst.sb.Dealloc(ctx, outPtr, fixedOutCap)

	length, err := invoke(inPtr, inLen, outPtr, fixedOutCap)
	if err != nil {
		return nil, newError(SandboxTrap, "guest call trapped", err)
	}
	if length > fixedOutCap {
		return nil, errInternal(fmt.Sprintf("guest reported a %d byte response into a %d byte fixed buffer", length, fixedOutCap))
	}

	out, ok := inst.sb.Memory().Read(ctx, outPtr, length)
	if !ok {
		return nil, errInternal("failed to read guest output buffer")
	}
	return out, nil
}

// callGrowable runs the guest-memory call protocol for a call whose
// response size depends on the model (getModelDescription, getValues). If
// the guest reports a length larger than the current output buffer, the
// buffer is doubled and the call retried with the same input, repeating
// until the response fits (spec §4.2); maxGrowAttempts bounds the retries
// so a guest that never reports a fitting length fails loudly.
func (inst *Instance) callGrowable(ctx context.Context, initialOutCap uint32, invoke func(inPtr, inLen, outPtr, outMaxLen uint32) (uint32, error), payload []byte) ([]byte, error) {
	var inPtr, inLen uint32
	var err error
	if payload != nil {
		inPtr, inLen, err = inst.writeIn(ctx, payload)
		if err != nil {
			return nil, err
		}
		defer inst.sb.Dealloc(ctx, inPtr, inLen)
	}

	outCap := initialOutCap
	for attempt := 0; attempt < maxGrowAttempts; attempt++ {
		outPtr, err := inst.sb.Alloc(ctx, outCap)
		if err != nil {
			return nil, newError(DtasmInternalError, "allocate guest output buffer", err)
		}

		length, err := invoke(inPtr, inLen, outPtr, outCap)
		if err != nil {
			inst.sb.Dealloc(ctx, outPtr, outCap)
			return nil, newError(SandboxTrap, "guest call trapped", err)
		}

		if length > outCap {
			inst.sb.Dealloc(ctx, outPtr, outCap)
			outCap *= 2
			continue
		}

		out, ok := inst.sb.Memory().Read(ctx, outPtr, length)
		inst.sb.Dealloc(ctx, outPtr, outCap)
		if !ok {
			return nil, errInternal("failed to read guest output buffer")
		}
		return out, nil
	}
	return nil, errInternal(fmt.Sprintf("exhausted output buffer growth retries after %d doublings", maxGrowAttempts))
}

// writeIn allocates a guest buffer sized for payload and copies it in.
func (inst *Instance) writeIn(ctx context.Context, payload []byte) (uint32, uint32, error) {
	inLen := uint32(len(payload))
	inPtr, err := inst.sb.Alloc(ctx, inLen)
	if err != nil {
		return 0, 0, newError(DtasmInternalError, "allocate guest input buffer", err)
	}
	if inLen > 0 && !inst.sb.Memory().Write(ctx, inPtr, payload) {
		inst.sb.Dealloc(ctx, inPtr, inLen)
		return 0, 0, errInternal("failed to write guest input buffer")
	}
	return inPtr, inLen, nil
}
