package main

import "testing"

func TestStepComputesSums(t *testing.T) {
	s := newAddState()
	s.applySet(varValues{
		real:  map[int32]float64{idRI1: 1.5, idRI2: 2.25},
		ints:  map[int32]int32{idII1: 7, idII2: 5},
		bools: map[int32]bool{idBI1: true, idBI2: false},
	})

	status, updatedTime := s.step(0.0, 0.1)
	if status != statusOK {
		t.Fatalf("want statusOK, got %d", status)
	}
	if updatedTime != 0.1 {
		t.Fatalf("want updatedTime 0.1, got %v", updatedTime)
	}
	if s.reals[idRO] != 3.75 {
		t.Fatalf("want RO=3.75, got %v", s.reals[idRO])
	}
	if s.ints[idIO] != 12 {
		t.Fatalf("want IO=12, got %v", s.ints[idIO])
	}
	if s.bools[idBO] != false {
		t.Fatalf("want BO=false, got %v", s.bools[idBO])
	}
}

func TestGetReturnsOnlyRequestedIDs(t *testing.T) {
	s := newAddState()
	s.applySet(varValues{real: map[int32]float64{idRI1: 2, idRI2: 3}})
	s.step(0, 1)

	got := s.get([]int32{idRO, idIO})
	if len(got.real) != 1 || got.real[idRO] != 5 {
		t.Fatalf("want real[RO]=5, got %+v", got.real)
	}
	if len(got.ints) != 1 {
		t.Fatalf("want only IO in ints, got %+v", got.ints)
	}
	if len(got.bools) != 0 {
		t.Fatalf("want no bools requested, got %+v", got.bools)
	}
}

func TestDescriptionBytesDecode(t *testing.T) {
	buf := descriptionBytes()
	d := newDecoder(buf)

	id := d.getString()
	if id != "adder" {
		t.Fatalf("want model id adder, got %q", id)
	}

	n := d.getUint32()
	if n != 9 {
		t.Fatalf("want 9 variables, got %d", n)
	}

	first := struct {
		id         int32
		name       string
		causality  uint8
		valueType  uint8
		hasDefault bool
	}{}
	first.id = d.getInt32()
	first.name = d.getString()
	first.causality = d.getUint8()
	first.valueType = d.getUint8()
	first.hasDefault = d.getBool()
	if first.id != idRI1 || first.name != "RI1" || first.causality != causalityInput || first.valueType != valueTypeReal {
		t.Fatalf("first variable mismatch: %+v", first)
	}
}

func TestVarValuesWireRoundTrip(t *testing.T) {
	e := newEncoder(64)
	e.putVarValues(varValues{
		real:  map[int32]float64{1: 1.5},
		ints:  map[int32]int32{4: 7},
		bools: map[int32]bool{7: true},
		strs:  map[int32]string{10: "x"},
	})

	got := newDecoder(e.buf).getVarValues()
	if got.real[1] != 1.5 || got.ints[4] != 7 || got.bools[7] != true || got.strs[10] != "x" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
