package dtasm

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/arrisde/dtasm/internal/fakesandbox"
	"github.com/arrisde/dtasm/model"
	"github.com/arrisde/dtasm/sandbox"
	"github.com/arrisde/dtasm/wire"
)

func openAdder(t *testing.T) (context.Context, *Instance) {
	t.Helper()
	ctx := context.Background()
	eng := fakesandbox.Engine()
	mod, err := eng.Load(ctx, nil, sandbox.Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	inst, err := Open(ctx, mod)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(ctx) })
	return ctx, inst
}

// S1: a fresh description has 9 variables, and a second call returns an
// equal description.
func TestGetModelDescriptionIdempotent(t *testing.T) {
	ctx, inst := openAdder(t)

	first, err := inst.GetModelDescription(ctx)
	if err != nil {
		t.Fatalf("GetModelDescription: %v", err)
	}
	if len(first.Variables) != 9 {
		t.Fatalf("want 9 variables, got %d", len(first.Variables))
	}

	second, err := inst.GetModelDescription(ctx)
	if err != nil {
		t.Fatalf("GetModelDescription (2nd): %v", err)
	}
	if !reflect.DeepEqual(second, first) {
		t.Fatalf("cached description diverged: %+v vs %+v", second, first)
	}
}

func initAdder(t *testing.T, ctx context.Context, inst *Instance) {
	t.Helper()
	if _, err := inst.GetModelDescription(ctx); err != nil {
		t.Fatalf("GetModelDescription: %v", err)
	}
	_, err := inst.Initialize(ctx, InitParams{
		ModelID:       "adder",
		StartTime:     0.0,
		LogLevelLimit: model.LogInfo,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

// Initialize accepts an initial value for a variable of any causality,
// including an Output (spec §4.3.2: "causality is NOT restricted here"),
// unlike SetValues which only ever accepts Input.
func TestInitializeAcceptsNonInputInitialValue(t *testing.T) {
	ctx, inst := openAdder(t)
	if _, err := inst.GetModelDescription(ctx); err != nil {
		t.Fatalf("GetModelDescription: %v", err)
	}
	_, err := inst.Initialize(ctx, InitParams{
		ModelID:       "adder",
		StartTime:     0.0,
		LogLevelLimit: model.LogInfo,
		InitValues:    wire.VarValues{Real: []wire.RealVal{{ID: 3, Val: 42.0}}},
	})
	if err != nil {
		t.Fatalf("Initialize with an Output initial value: %v", err)
	}
}

// S2: after initialize, get_values on the real output returns the default
// value at t=0.
func TestInitializeThenGetValuesDefault(t *testing.T) {
	ctx, inst := openAdder(t)
	initAdder(t, ctx, inst)

	currentTime, status, values, err := inst.GetValues(ctx, []int32{3})
	if err != nil {
		t.Fatalf("GetValues: %v", err)
	}
	if status != model.StatusOK {
		t.Fatalf("want StatusOK, got %s", status)
	}
	if currentTime != 0.0 {
		t.Fatalf("want current_time 0.0, got %v", currentTime)
	}
	if len(values.Real) != 1 || values.Real[0].ID != 3 || values.Real[0].Val != 0.0 {
		t.Fatalf("want real[3]=0.0, got %+v", values.Real)
	}
}

// S3: RO=RI1+RI2 after a step.
func TestSetValuesThenDoStepReal(t *testing.T) {
	ctx, inst := openAdder(t)
	initAdder(t, ctx, inst)

	_, err := inst.SetValues(ctx, wire.VarValues{Real: []wire.RealVal{{ID: 1, Val: 1.5}, {ID: 2, Val: 2.25}}})
	if err != nil {
		t.Fatalf("SetValues: %v", err)
	}

	status, updatedTime, err := inst.DoStep(ctx, 0.0, 0.1)
	if err != nil {
		t.Fatalf("DoStep: %v", err)
	}
	if status != model.StatusOK {
		t.Fatalf("want StatusOK, got %s", status)
	}
	if updatedTime != 0.1 {
		t.Fatalf("want updated_time 0.1, got %v", updatedTime)
	}

	_, _, values, err := inst.GetValues(ctx, []int32{3})
	if err != nil {
		t.Fatalf("GetValues: %v", err)
	}
	if values.Real[0].Val != 3.75 {
		t.Fatalf("want RO=3.75, got %v", values.Real[0].Val)
	}
}

// S4: IO=II1+II2, BO=BI1∧BI2 after a step.
func TestSetValuesThenDoStepIntBool(t *testing.T) {
	ctx, inst := openAdder(t)
	initAdder(t, ctx, inst)

	_, err := inst.SetValues(ctx, wire.VarValues{
		Int:  []wire.IntVal{{ID: 4, Val: 7}, {ID: 5, Val: 5}},
		Bool: []wire.BoolVal{{ID: 7, Val: true}, {ID: 8, Val: false}},
	})
	if err != nil {
		t.Fatalf("SetValues: %v", err)
	}
	if _, _, err := inst.DoStep(ctx, 0.1, 0.1); err != nil {
		t.Fatalf("DoStep: %v", err)
	}

	currentTime, _, values, err := inst.GetValues(ctx, []int32{6, 9})
	if err != nil {
		t.Fatalf("GetValues: %v", err)
	}
	if currentTime != 0.2 {
		t.Fatalf("want current_time 0.2, got %v", currentTime)
	}
	if values.Int[0].Val != 12 {
		t.Fatalf("want IO=12, got %v", values.Int[0].Val)
	}
	if values.Bool[0].Val != false {
		t.Fatalf("want BO=false, got %v", values.Bool[0].Val)
	}
}

// S5: get_values before initialize is InvalidCallingOrder.
func TestGetValuesBeforeInitialize(t *testing.T) {
	ctx, inst := openAdder(t)
	if _, err := inst.GetModelDescription(ctx); err != nil {
		t.Fatalf("GetModelDescription: %v", err)
	}

	_, _, _, err := inst.GetValues(ctx, []int32{3})
	assertKind(t, err, InvalidCallingOrder)
}

// S6: setting an Output is VariableCausalityInvalidForSet.
func TestSetOutputRejected(t *testing.T) {
	ctx, inst := openAdder(t)
	initAdder(t, ctx, inst)

	_, err := inst.SetValues(ctx, wire.VarValues{Real: []wire.RealVal{{ID: 3, Val: 1.0}}})
	assertKind(t, err, VariableCausalityInvalidForSet)
}

// S7: an unknown id is UnknownVariableId.
func TestGetUnknownVariable(t *testing.T) {
	ctx, inst := openAdder(t)
	initAdder(t, ctx, inst)

	_, _, _, err := inst.GetValues(ctx, []int32{999})
	assertKind(t, err, UnknownVariableID)
}

// Reading back an Input is VariableCausalityMismatch, the Open Question
// resolution recorded in DESIGN.md.
func TestGetInputRejected(t *testing.T) {
	ctx, inst := openAdder(t)
	initAdder(t, ctx, inst)

	_, _, _, err := inst.GetValues(ctx, []int32{1})
	assertKind(t, err, VariableCausalityMismatch)
}

// SaveState/LoadState round-trip through the guest's linear memory: after
// snapshotting RO=9, further mutation must be undone by restoring it.
func TestSaveLoadStateRoundTrip(t *testing.T) {
	ctx, inst := openAdder(t)
	initAdder(t, ctx, inst)
	if _, err := inst.SetValues(ctx, wire.VarValues{Real: []wire.RealVal{{ID: 1, Val: 4}, {ID: 2, Val: 5}}}); err != nil {
		t.Fatalf("SetValues: %v", err)
	}
	if _, _, err := inst.DoStep(ctx, 0.0, 1.0); err != nil {
		t.Fatalf("DoStep: %v", err)
	}

	snapshotPath := filepath.Join(t.TempDir(), "snapshot.bin")
	if err := inst.SaveState(ctx, snapshotPath); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	_, _, values, err := inst.GetValues(ctx, []int32{3})
	if err != nil {
		t.Fatalf("GetValues: %v", err)
	}
	if values.Real[0].Val != 9 {
		t.Fatalf("want RO=9 before mutation, got %v", values.Real[0].Val)
	}

	if _, err := inst.SetValues(ctx, wire.VarValues{Real: []wire.RealVal{{ID: 1, Val: 100}, {ID: 2, Val: 100}}}); err != nil {
		t.Fatalf("SetValues: %v", err)
	}
	if _, _, err := inst.DoStep(ctx, 1.0, 1.0); err != nil {
		t.Fatalf("DoStep: %v", err)
	}
	_, _, values, err = inst.GetValues(ctx, []int32{3})
	if err != nil {
		t.Fatalf("GetValues: %v", err)
	}
	if values.Real[0].Val != 200 {
		t.Fatalf("want RO=200 after mutation, got %v", values.Real[0].Val)
	}

	if err := inst.LoadState(ctx, snapshotPath); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	_, _, values, err = inst.GetValues(ctx, []int32{3})
	if err != nil {
		t.Fatalf("GetValues: %v", err)
	}
	if values.Real[0].Val != 9 {
		t.Fatalf("want RO=9 after restore, got %v", values.Real[0].Val)
	}
}

func TestCeilDivPages(t *testing.T) {
	cases := []struct {
		byteLen uint32
		want    uint32
	}{
		{0, 0},
		{1, 1},
		{wasmPageSize, 1},
		{wasmPageSize + 1, 2},
		{2 * wasmPageSize, 2},
	}
	for _, c := range cases {
		if got := ceilDivPages(c.byteLen); got != c.want {
			t.Errorf("ceilDivPages(%d) = %d, want %d", c.byteLen, got, c.want)
		}
	}
}

func assertKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error of kind %s, got nil", want)
	}
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("want *dtasm.Error, got %T: %v", err, err)
	}
	if derr.Kind != want {
		t.Fatalf("want kind %s, got %s", want, derr.Kind)
	}
}
