package wire

import (
	"reflect"
	"testing"

	"github.com/arrisde/dtasm/model"
)

func TestVarValuesRoundTrip(t *testing.T) {
	want := VarValues{
		Real:   []RealVal{{ID: 1, Val: 1.5}, {ID: 2, Val: -2.25}},
		Int:    []IntVal{{ID: 4, Val: 7}},
		Bool:   []BoolVal{{ID: 7, Val: true}, {ID: 8, Val: false}},
		String: []StringVal{{ID: 10, Val: "hello"}},
	}

	e := NewEncoder(64)
	e.PutVarValues(want)

	got, err := NewDecoder(e.Bytes()).GetVarValues()
	if err != nil {
		t.Fatalf("GetVarValues: %v", err)
	}
	if len(got.Real) != 2 || got.Real[1].Val != -2.25 {
		t.Fatalf("real vector mismatch: %+v", got.Real)
	}
	if len(got.Int) != 1 || got.Int[0].Val != 7 {
		t.Fatalf("int vector mismatch: %+v", got.Int)
	}
	if len(got.Bool) != 2 || got.Bool[0].Val != true || got.Bool[1].Val != false {
		t.Fatalf("bool vector mismatch: %+v", got.Bool)
	}
	if len(got.String) != 1 || got.String[0].Val != "hello" {
		t.Fatalf("string vector mismatch: %+v", got.String)
	}
}

func TestVarValuesIsEmpty(t *testing.T) {
	if !(VarValues{}).IsEmpty() {
		t.Fatalf("zero-value VarValues should be empty")
	}
	if (VarValues{Real: []RealVal{{ID: 1, Val: 0}}}).IsEmpty() {
		t.Fatalf("a single real entry should not be empty")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	e := NewEncoder(16)
	e.PutVarValues(VarValues{Real: []RealVal{{ID: 1, Val: 1.0}}})
	truncated := e.Bytes()[:len(e.Bytes())-4]

	if _, err := NewDecoder(truncated).GetVarValues(); err != ErrShortBuffer {
		t.Fatalf("want ErrShortBuffer, got %v", err)
	}
}

func TestInitReqRoundTrip(t *testing.T) {
	want := InitReq{
		ModelID:          "adder",
		StartTime:        0.0,
		EndTime:          10.0,
		EndTimeSet:       true,
		Tolerance:        1e-6,
		ToleranceSet:     true,
		LogLevelLimit:    model.LogWarn,
		CheckConsistency: true,
		InitValues:       VarValues{Real: []RealVal{{ID: 1, Val: 1.5}}},
	}

	e := NewEncoder(64)
	EncodeInitReq(e, want)

	got, err := DecodeInitReq(e.Bytes())
	if err != nil {
		t.Fatalf("DecodeInitReq: %v", err)
	}
	if !reflect.DeepEqual(got.withoutInitValues(), want.withoutInitValues()) || got.InitValues.Real[0].Val != 1.5 {
		t.Fatalf("InitReq round trip mismatch: got %+v, want %+v", got, want)
	}
}

// withoutInitValues zeroes InitValues so the struct equality check above
// only compares the scalar fields; the slice field is checked separately.
func (r InitReq) withoutInitValues() InitReq {
	r.InitValues = VarValues{}
	return r
}

func TestGetValuesReqRoundTrip(t *testing.T) {
	e := NewEncoder(32)
	EncodeGetValuesReq(e, GetValuesReq{IDs: []int32{1, 2, 3}})

	got, err := DecodeGetValuesReq(e.Bytes())
	if err != nil {
		t.Fatalf("DecodeGetValuesReq: %v", err)
	}
	if len(got.IDs) != 3 || got.IDs[2] != 3 {
		t.Fatalf("ids mismatch: %+v", got.IDs)
	}
}

func TestDoStepRoundTrip(t *testing.T) {
	e := NewEncoder(32)
	EncodeDoStepReq(e, DoStepReq{CurrentTime: 1.0, Timestep: 0.1})
	req, err := DecodeDoStepReq(e.Bytes())
	if err != nil {
		t.Fatalf("DecodeDoStepReq: %v", err)
	}
	if req.CurrentTime != 1.0 || req.Timestep != 0.1 {
		t.Fatalf("DoStepReq mismatch: %+v", req)
	}

	e.Reset()
	EncodeDoStepRes(e, DoStepRes{Status: model.StatusDiscard, UpdatedTime: 1.1})
	res, err := DecodeDoStepRes(e.Bytes())
	if err != nil {
		t.Fatalf("DecodeDoStepRes: %v", err)
	}
	if res.Status != model.StatusDiscard || res.UpdatedTime != 1.1 {
		t.Fatalf("DoStepRes mismatch: %+v", res)
	}
}

func TestDescriptionRoundTripWithMixedDefaults(t *testing.T) {
	want := model.Description{
		ID: "adder",
		Variables: []model.Variable{
			{ID: 1, Name: "RI1", Causality: model.Input, ValueType: model.Real, HasDefault: true, Default: model.Default{Real: 0}},
			{ID: 4, Name: "II1", Causality: model.Input, ValueType: model.Int, HasDefault: true, Default: model.Default{Int: 3}},
			{ID: 7, Name: "BI1", Causality: model.Input, ValueType: model.Bool, HasDefault: false},
			{ID: 10, Name: "label", Causality: model.Parameter, ValueType: model.String, HasDefault: true, Default: model.Default{String: "adder"}},
		},
	}

	e := NewEncoder(128)
	EncodeDescription(e, want)

	got, err := DecodeDescription(e.Bytes())
	if err != nil {
		t.Fatalf("DecodeDescription: %v", err)
	}
	if got.ID != want.ID || len(got.Variables) != len(want.Variables) {
		t.Fatalf("description mismatch: %+v", got)
	}
	if got.Variables[2].HasDefault {
		t.Fatalf("variable without a default should decode HasDefault=false")
	}
	if got.Variables[3].Default.String != "adder" {
		t.Fatalf("string default mismatch: %+v", got.Variables[3].Default)
	}
}
