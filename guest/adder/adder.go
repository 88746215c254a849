// Command adder is the reference dtasm guest: a trivial co-simulation
// model with three real, three integer, and three boolean variables,
// computing RO=RI1+RI2, IO=II1+II2, BO=BI1∧BI2 on every step. It is a
// worked example of the guest side of the ABI the host's instance manager
// depends on, restructured from the original add_rs_nostd crate
// (adder.rs, dtasm.rs) to keep its model state in one addState struct
// behind a single package-level pointer rather than three static mut slots
// (the original's SIM_MODULE/ADD_STATE/FBBUILDER globals), per the design
// note on
// reimplementing process-wide mutable guest state.
package main

// Variable ids, fixed by the model this guest advertises (1..9 = RI1, RI2,
// RO, II1, II2, IO, BI1, BI2, BO).
const (
	idRI1 = 1
	idRI2 = 2
	idRO  = 3
	idII1 = 4
	idII2 = 5
	idIO  = 6
	idBI1 = 7
	idBI2 = 8
	idBO  = 9
)

const (
	causalityInput     = 0
	causalityOutput    = 1
	causalityLocal     = 2
	causalityParameter = 3
)

const (
	valueTypeReal   = 0
	valueTypeInt    = 1
	valueTypeBool   = 2
	valueTypeString = 3
)

const statusOK = 0

// addState holds the model's live values, mirroring the original's
// AddState (real_values/int_values/bool_values maps keyed by AddVar) but
// addressed directly by variable id instead of through a var_maps lookup,
// since this guest owns a fixed model and needs no dynamic var_id→var
// translation.
type addState struct {
	t     float64
	reals map[int32]float64
	ints  map[int32]int32
	bools map[int32]bool
}

func newAddState() *addState {
	return &addState{
		reals: map[int32]float64{idRI1: 0, idRI2: 0, idRO: 0},
		ints:  map[int32]int32{idII1: 0, idII2: 0, idIO: 0},
		bools: map[int32]bool{idBI1: false, idBI2: false, idBO: false},
	}
}

func (s *addState) applySet(v varValues) {
	for id, val := range v.real {
		s.reals[id] = val
	}
	for id, val := range v.ints {
		s.ints[id] = val
	}
	for id, val := range v.bools {
		s.bools[id] = val
	}
}

func (s *addState) get(ids []int32) varValues {
	out := varValues{real: map[int32]float64{}, ints: map[int32]int32{}, bools: map[int32]bool{}, strs: map[int32]string{}}
	for _, id := range ids {
		switch id {
		case idRI1, idRI2, idRO:
			out.real[id] = s.reals[id]
		case idII1, idII2, idIO:
			out.ints[id] = s.ints[id]
		case idBI1, idBI2, idBO:
			out.bools[id] = s.bools[id]
		}
	}
	return out
}

func (s *addState) step(currentTime, timestep float64) (status uint8, updatedTime float64) {
	s.reals[idRO] = s.reals[idRI1] + s.reals[idRI2]
	s.ints[idIO] = s.ints[idII1] + s.ints[idII2]
	s.bools[idBO] = s.bools[idBI1] && s.bools[idBI2]
	s.t = currentTime + timestep
	return statusOK, s.t
}

// state holds this instance's model values; every init call replaces it
// with a fresh addState.
// TinyGo compiles one wasm instance per module instantiation, so a single
// package-level variable plays the role a Rust static mut played in the
// original, without needing unsafe: nothing else in this package ever
// aliases it.
var state *addState

func descriptionBytes() []byte {
	e := newEncoder(256)
	e.putString("adder")
	vars := []struct {
		id         int32
		name       string
		causality  uint8
		valueType  uint8
		hasDefault bool
	}{
		{idRI1, "RI1", causalityInput, valueTypeReal, true},
		{idRI2, "RI2", causalityInput, valueTypeReal, true},
		{idRO, "RO", causalityOutput, valueTypeReal, true},
		{idII1, "II1", causalityInput, valueTypeInt, true},
		{idII2, "II2", causalityInput, valueTypeInt, true},
		{idIO, "IO", causalityOutput, valueTypeInt, true},
		{idBI1, "BI1", causalityInput, valueTypeBool, true},
		{idBI2, "BI2", causalityInput, valueTypeBool, true},
		{idBO, "BO", causalityOutput, valueTypeBool, true},
	}
	e.putUint32(uint32(len(vars)))
	for _, v := range vars {
		e.putInt32(v.id)
		e.putString(v.name)
		e.putUint8(v.causality)
		e.putUint8(v.valueType)
		e.putBool(v.hasDefault)
		switch v.valueType {
		case valueTypeReal:
			e.putFloat64(0)
		case valueTypeInt:
			e.putInt32(0)
		case valueTypeBool:
			e.putBool(false)
		}
	}
	return e.buf
}

func main() {}
